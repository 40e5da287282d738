package attach

import (
	"context"

	"github.com/your-org/lte-mme/common/metrics"
	emmcontext "github.com/your-org/lte-mme/internal/emm/context"
	"github.com/your-org/lte-mme/internal/emm/identifier"
	"github.com/your-org/lte-mme/internal/emm/nas"
	"github.com/your-org/lte-mme/internal/emm/procedure"
	"github.com/your-org/lte-mme/internal/emm/sap"
	"github.com/your-org/lte-mme/internal/esm"
	"go.uber.org/zap"
)

// sendAttachAccept implements spec.md §4.4 "Send ATTACH ACCEPT".
func (m *Machine) sendAttachAccept(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific, esmBytes []byte) error {
	payload := root.Attach
	ies := payload.FrozenIEs

	ec.Lock()
	if ies.UENetworkCapability != nil {
		ec.UENetworkCapability.SetValid(ies.UENetworkCapability)
	}
	if ies.MSNetworkCapability != nil {
		ec.MSNetworkCapability.SetValid(ies.MSNetworkCapability)
	}
	ec.OriginatingTAI.SetValid(ies.OriginatingTAI)
	if ies.DRX.Present {
		ec.DRX.SetValid(ies.DRX)
	}
	imsi := ""
	if ies.IMSI != nil {
		if existing, ok := ec.IMSI.Raw(); !ok || existing != *ies.IMSI {
			ec.IMSI.SetValid(*ies.IMSI)
		}
		imsi = *ies.IMSI
	} else if v, ok := ec.IMSI.Raw(); ok {
		imsi = v
	}
	if ies.IMEI != nil {
		if existing, ok := ec.IMEI.Raw(); !ok || existing != *ies.IMEI {
			ec.IMEI.SetValid(*ies.IMEI)
		}
	}
	currentGUTI, haveGUTI := ec.GUTI.ValidValue()
	ec.Unlock()

	if ies.GUTI != nil {
		existing, ok := ec.GUTI.Raw()
		if !ok || !existing.Equal(*ies.GUTI) {
			ec.Lock()
			ec.OldGUTI.SetValid(*ies.GUTI)
			ec.Unlock()
		}
	}

	originatingTAI := ies.OriginatingTAI
	var newGUTI *nas.GUTI
	var taiList []nas.TAI
	if !haveGUTI {
		var oldGUTIPtr *nas.GUTI
		if v, ok := ec.OldGUTI.Raw(); ok {
			oldGUTIPtr = &v
		}
		allocated, list, err := m.col.MME.AllocateGUTI(goCtx, imsi, oldGUTIPtr, originatingTAI)
		if err != nil {
			return m.rejectAttach(goCtx, ec, root, nas.CauseNetworkFailure)
		}
		ec.Lock()
		ec.GUTI.Set(allocated) // staged, not yet valid; committed on ATTACH COMPLETE
		ec.GUTIIsNew = true
		ec.TAIList = list
		ec.Unlock()
		payload.CandidateGUTI = &allocated
		newGUTI = &allocated
		taiList = list
		currentGUTI = allocated
	} else {
		ec.Lock()
		taiList = ec.TAIList
		ec.Unlock()
	}

	ec.Lock()
	var integrityAlg, cipheringAlg emmcontext.SecurityAlgorithm
	if ec.Security != nil {
		integrityAlg = ec.Security.IntegrityAlgorithm
		cipheringAlg = ec.Security.CipheringAlgorithm
	}
	ec.Unlock()

	accept := AttachAccept{
		GUTI:                     currentGUTI,
		NewGUTI:                  newGUTI,
		TAIList:                  taiList,
		EPSNetworkFeatureSupport: m.cfg.EPSNetworkFeatureSupport,
		IntegrityAlgorithm:       integrityAlg,
		CipheringAlgorithm:       cipheringAlg,
		ESMBytes:                 esmBytes,
		T3402:                    m.cfg.T3402,
	}

	ranID := ranIDOf(ec)
	if err := m.col.Access.EstablishCnf(goCtx, ranID, accept); err != nil {
		return err
	}
	if m.col.SAP != nil {
		m.col.SAP.RecordEMMAS(goCtx, sap.EstablishCnf, ranID)
	}

	if payload.T3450.Valid() {
		payload.T3450.Stop()
	}
	payload.AttachAcceptSent = 1
	payload.T3450 = m.startTimer(ec, m.cfg.T3450, "t3450", func() { m.onT3450Fired(goCtx, ec, root) })

	ec.SetState(emmcontext.RegisteredInitiated)
	return nil
}

// resendAttachAccept re-sends ATTACH ACCEPT via retransmitAttachAccept
// (abnormal case d, identical IEs) without incrementing the retransmission
// counter.
func (m *Machine) resendAttachAccept(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific) error {
	if root.Attach == nil {
		return nil
	}
	return m.retransmitAttachAccept(goCtx, ec, root)
}

// onT3450Fired implements spec.md §4.4/§5's T3450 retransmission policy:
// up to four retransmits, the fifth expiry aborts.
func (m *Machine) onT3450Fired(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific) {
	if ec.Procedure() != root {
		return
	}
	payload := root.Attach
	if payload == nil {
		return
	}

	if payload.AttachAcceptSent < 5 {
		if err := m.retransmitAttachAccept(goCtx, ec, root); err != nil {
			m.col.Logger.Warn("t3450 retransmit failed", zap.Error(err))
		}
		payload.AttachAcceptSent++
		metrics.RecordT3450Retransmit()
		return
	}

	m.col.Logger.Info("t3450 exhausted, aborting attach", zap.Uint32("ran_id", ranIDOf(ec)))
	if m.col.SAP != nil {
		m.col.SAP.RecordEMMREG(goCtx, sap.AttachAbort, contextKey(ec), nil)
	}
	m.abortProcedure(ec, root)
	m.releaseIfNeverRegistered(ec)
}

// retransmitAttachAccept rebuilds ATTACH ACCEPT from the context's
// already-committed/staged state (GUTI, TAI list, algorithms, candidate
// GUTI), re-emits it and restarts T3450. The rebuilt ACCEPT carries no
// embedded ESM bytes, even if the first one did.
func (m *Machine) retransmitAttachAccept(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific) error {
	payload := root.Attach
	ec.Lock()
	currentGUTI, _ := ec.GUTI.Raw()
	taiList := ec.TAIList
	var integrityAlg, cipheringAlg emmcontext.SecurityAlgorithm
	if ec.Security != nil {
		integrityAlg = ec.Security.IntegrityAlgorithm
		cipheringAlg = ec.Security.CipheringAlgorithm
	}
	ec.Unlock()

	accept := AttachAccept{
		GUTI:                     currentGUTI,
		NewGUTI:                  payload.CandidateGUTI,
		TAIList:                  taiList,
		EPSNetworkFeatureSupport: m.cfg.EPSNetworkFeatureSupport,
		IntegrityAlgorithm:       integrityAlg,
		CipheringAlgorithm:       cipheringAlg,
		T3402:                    m.cfg.T3402,
	}
	ranID := ranIDOf(ec)
	if err := m.col.Access.EstablishCnf(goCtx, ranID, accept); err != nil {
		return err
	}
	if m.col.SAP != nil {
		m.col.SAP.RecordEMMAS(goCtx, sap.EstablishCnf, ranID)
	}

	if payload.T3450.Valid() {
		payload.T3450.Stop()
	}
	payload.T3450 = m.startTimer(ec, m.cfg.T3450, "t3450", func() { m.onT3450Fired(goCtx, ec, root) })
	return nil
}

// OnAttachComplete implements spec.md §4.4 "ATTACH COMPLETE handling".
func (m *Machine) OnAttachComplete(goCtx context.Context, ranID uint32, esmBytes []byte, decode nas.DecodeStatus) error {
	ec, err := m.lookupByRanID(ranID)
	if err != nil {
		return err
	}
	root := ec.Procedure()
	if root == nil || root.Kind != procedure.KindAttach || root.Attach == nil {
		return nil // unsolicited complete; nothing running to finish
	}
	payload := root.Attach

	if payload.T3450.Valid() {
		payload.T3450.Stop()
	}
	payload.AttachCompleteReceived = true

	if payload.CandidateGUTI != nil {
		candidate := *payload.CandidateGUTI
		ec.Lock()
		ec.GUTI.SetValid(candidate)
		ec.OldGUTI.Clear()
		ec.GUTIIsNew = false
		ec.Unlock()
		_ = m.col.Identifiers.Rekey(ec, identifier.Update{GUTI: &candidate})
	}

	resp, err := m.col.ESM.Handle(goCtx, esm.DefaultEPSBearerContextActivateCnf, contextKey(ec), esmBytes)
	if m.col.SAP != nil {
		result := esm.Success
		if err != nil || resp.Result == esm.Failure {
			result = esm.Failure
		}
		m.col.SAP.RecordESM(goCtx, esm.DefaultEPSBearerContextActivateCnf, contextKey(ec), result)
	}
	if err != nil || resp.Result == esm.Failure {
		ec.ClearProcedure()
		ec.SetState(emmcontext.Deregistered)
		if m.col.SAP != nil {
			cause := nas.CauseESMFailure
			m.col.SAP.RecordEMMREG(goCtx, sap.AttachRej, contextKey(ec), &cause)
		}
		m.releaseIfNeverRegistered(ec)
		return nil
	}

	// Success or Discarded both complete the attach successfully per
	// spec.md §4.4 ("on ESM-discarded, succeeds silently").
	ec.Lock()
	ec.IsAttached = true
	ec.Unlock()
	ec.SetState(emmcontext.Registered)
	ec.ClearProcedure()
	if m.col.SAP != nil {
		m.col.SAP.RecordEMMREG(goCtx, sap.AttachCnf, contextKey(ec), nil)
	}
	return nil
}
