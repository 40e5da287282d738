package attach

import (
	"context"
	"fmt"

	emmcontext "github.com/your-org/lte-mme/internal/emm/context"
	"github.com/your-org/lte-mme/internal/emm/identifier"
	"github.com/your-org/lte-mme/internal/emm/nas"
	"github.com/your-org/lte-mme/internal/emm/procedure"
	"github.com/your-org/lte-mme/internal/emm/sap"
	"go.uber.org/zap"
)

// startFreshAttach begins a brand-new attach specific procedure on ec and
// runs the sequencing decision of spec.md §4.4 ("Procedure sequencing on
// a fresh attach").
func (m *Machine) startFreshAttach(goCtx context.Context, ec *emmcontext.EMMContext, ies *nas.AttachRequestIEs) error {
	ec.SetState(emmcontext.CommonProcedureInitiated)

	root, err := ec.StartAttach()
	if err != nil {
		return fmt.Errorf("attach: start specific procedure: %w", err)
	}
	root.Attach.FrozenIEs = ies

	if ies.AttachType == nas.AttachTypeEmergency {
		return m.rejectEmergencyUnsupported(goCtx, ec, root)
	}

	switch {
	case ies.IMSI != nil && ies.Decode.MACMatched:
		imsi := *ies.IMSI
		ec.Lock()
		ec.IMSI.SetValid(imsi)
		ec.Unlock()
		_ = m.col.Identifiers.Rekey(ec, identifier.Update{IMSI: &imsi})
		return m.startAuthentication(goCtx, ec, root)
	case ies.IMSI != nil:
		return m.startIdentification(goCtx, ec, root)
	case ies.GUTI != nil:
		return m.startIdentification(goCtx, ec, root)
	default:
		return m.rejectAttach(goCtx, ec, root, nas.CauseProtocolError)
	}
}

// rejectEmergencyUnsupported implements spec.md §9's Open Question
// resolution for emergency attach: the branch stays structurally present
// but always fails closed.
//
// TODO: emergency attach requires bypassing the normal subscription
// checks (identification/authentication/SMC failures must not block PDN
// connectivity) per 3GPP TS 24.301 §5.5.1.2.3; that bypass path is not
// implemented, so every emergency attach is rejected.
func (m *Machine) rejectEmergencyUnsupported(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific) error {
	return m.rejectAttach(goCtx, ec, root, nas.CauseIMEINotAccepted)
}

// rejectAttach implements spec.md §4.4's "Reject emission".
func (m *Machine) rejectAttach(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific, cause nas.EMMCause) error {
	var esmBytes []byte
	if cause == nas.CauseESMFailure && root != nil && root.Attach != nil {
		esmBytes = root.Attach.OutgoingESM
	}

	ec.Lock()
	sec := ec.Security
	ec.Unlock()

	ranID := ranIDOf(ec)
	key := contextKey(ec)
	reject := AttachReject{Cause: cause, ESMBytes: esmBytes, Security: sec}

	if root != nil {
		m.abortProcedure(ec, root)
	} else {
		ec.ClearProcedure()
		ec.SetState(emmcontext.Deregistered)
	}

	m.releaseIfNeverRegistered(ec)

	if err := m.col.Access.EstablishRej(goCtx, ranID, reject); err != nil {
		m.col.Logger.Warn("sending attach reject failed", zap.Error(err))
		return err
	}
	if m.col.SAP != nil {
		m.col.SAP.RecordEMMAS(goCtx, sap.EstablishRej, ranID)
		m.col.SAP.RecordEMMREG(goCtx, sap.AttachRej, key, &cause)
	}
	return nil
}

// OnAttachRejectFromProtocolError is the uplink entry point for a
// lower-layer decode error (spec.md §7 "Propagation policy").
func (m *Machine) OnAttachRejectFromProtocolError(goCtx context.Context, ranID uint32, cause nas.EMMCause) error {
	ec, err := m.lookupByRanID(ranID)
	if err != nil {
		return err
	}
	root := ec.Procedure()
	return m.rejectAttach(goCtx, ec, root, cause)
}

// releaseIfNeverRegistered purges the identifier index for a context that
// has never completed an attach — spec.md §9's Open Question decision:
// release is unconditional for any context that never reached REGISTERED.
func (m *Machine) releaseIfNeverRegistered(ec *emmcontext.EMMContext) {
	ec.Lock()
	neverRegistered := !ec.IsAttached
	ec.Unlock()
	if neverRegistered {
		_ = m.col.Identifiers.Remove(ec)
	}
}
