// Package nas holds the opaque value types carried across the EMM-SAP
// boundary. The wire codec for individual NAS message types is external to
// this module (see spec.md §1 "Out of scope"): everything here is either a
// small value type decoded upstream by that codec, or an opaque octet
// string this package never interprets.
package nas

// PLMNID is a Mobile Country Code / Mobile Network Code pair.
type PLMNID struct {
	MCC string
	MNC string
}

// TAI is a Tracking Area Identity: PLMN + Tracking Area Code.
type TAI struct {
	PLMN PLMNID
	TAC  uint16
}

// ECGI is an E-UTRAN Cell Global Identifier.
type ECGI struct {
	PLMN   PLMNID
	CellID uint32
}

// GUTI is a Globally Unique Temporary Identifier.
type GUTI struct {
	PLMN        PLMNID
	MMEGroupID  uint16
	MMECode     uint8
	MTMSI       uint32
}

// Equal reports whether two GUTIs carry the same value.
func (g GUTI) Equal(o GUTI) bool {
	return g.PLMN == o.PLMN && g.MMEGroupID == o.MMEGroupID && g.MMECode == o.MMECode && g.MTMSI == o.MTMSI
}

// AttachType is the EMM attach type IE (TS 24.301 9.9.3.11).
type AttachType uint8

const (
	AttachTypeEPS            AttachType = 1
	AttachTypeCombinedEPSIMSI AttachType = 2
	AttachTypeEmergency      AttachType = 6
	AttachTypeReserved       AttachType = 7
)

// DRXParameter carries the UE's requested discontinuous-reception cycle.
type DRXParameter struct {
	Present bool
	Value   uint8
}

// DecodeStatus carries the decode-layer verdict for an inbound NAS message,
// produced by the external codec this module never implements.
type DecodeStatus struct {
	MACMatched bool
	Errors     []string
}

// Ok reports whether the decode layer found no hard errors.
func (d DecodeStatus) Ok() bool {
	return len(d.Errors) == 0
}

// AttachRequestIEs is the decoded information-element set carried in an
// ATTACH REQUEST, as handed to the EMM layer by the external NAS codec.
type AttachRequestIEs struct {
	InitialRequest          bool
	AttachType              AttachType
	IsNativeSecurityContext bool
	KSI                     uint8 // 3-bit key set identifier
	IsNativeGUTI            bool
	GUTI                    *GUTI
	IMSI                    *string // BCD-decoded digit string
	IMEI                    *string

	LastVisitedRegisteredTAI *TAI
	OriginatingTAI           TAI
	OriginatingECGI          ECGI

	UENetworkCapability []byte // opaque capability bitmap
	MSNetworkCapability []byte // opaque, optional

	DRX DRXParameter

	ESMMessageContainer []byte // embedded ESM PDU, opaque to this layer

	Decode DecodeStatus
}

// Equal implements the IE-equality predicate of spec.md §4.4: it compares
// exactly the fields 3GPP TS 24.301 §5.5.1.2.7 names for detecting a
// materially different retransmission. Presence-asymmetry on either network
// capability IE counts as "different".
func (a *AttachRequestIEs) Equal(b *AttachRequestIEs) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.AttachType != b.AttachType ||
		a.IsNativeSecurityContext != b.IsNativeSecurityContext ||
		a.KSI != b.KSI ||
		a.IsNativeGUTI != b.IsNativeGUTI {
		return false
	}
	if !gutiPtrEqual(a.GUTI, b.GUTI) {
		return false
	}
	if !strPtrEqual(a.IMSI, b.IMSI) {
		return false
	}
	if !strPtrEqual(a.IMEI, b.IMEI) {
		return false
	}
	if !taiPtrEqual(a.LastVisitedRegisteredTAI, b.LastVisitedRegisteredTAI) {
		return false
	}
	if a.OriginatingTAI != b.OriginatingTAI {
		return false
	}
	if a.OriginatingECGI != b.OriginatingECGI {
		return false
	}
	if !bytesEqual(a.UENetworkCapability, b.UENetworkCapability) {
		return false
	}
	if (a.MSNetworkCapability == nil) != (b.MSNetworkCapability == nil) {
		return false
	}
	if !bytesEqual(a.MSNetworkCapability, b.MSNetworkCapability) {
		return false
	}
	return true
}

func gutiPtrEqual(a, b *GUTI) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.Equal(*b)
}

func taiPtrEqual(a, b *TAI) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

func strPtrEqual(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EMMCause enumerates the EMM cause codes surfaced to the UE (spec.md §7).
type EMMCause uint8

const (
	CauseIllegalUE                    EMMCause = 3
	CauseIllegalME                    EMMCause = 6
	CauseEPSServicesNotAllowed        EMMCause = 7
	CausePLMNNotAllowed               EMMCause = 11
	CauseTrackingAreaNotAllowed       EMMCause = 12
	CauseNoSuitableCellsInTA          EMMCause = 15
	CauseMACFailure                   EMMCause = 20
	CauseSynchFailure                 EMMCause = 21
	CauseNetworkFailure                EMMCause = 17
	CauseCongestion                    EMMCause = 22
	CauseSecurityModeRejectedUnspec    EMMCause = 24
	CauseESMFailure                    EMMCause = 9
	CauseIMEINotAccepted               EMMCause = 5
	CauseProtocolError                 EMMCause = 111
)
