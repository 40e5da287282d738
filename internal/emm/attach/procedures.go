package attach

import (
	"bytes"
	"context"

	emmcontext "github.com/your-org/lte-mme/internal/emm/context"
	"github.com/your-org/lte-mme/internal/emm/identifier"
	"github.com/your-org/lte-mme/internal/emm/nas"
	"github.com/your-org/lte-mme/internal/emm/procedure"
	"github.com/your-org/lte-mme/internal/esm"
	"go.uber.org/zap"
)

// startIdentification begins the identification common procedure
// (spec.md §4.4 "Procedure sequencing on a fresh attach", steps 2/3).
func (m *Machine) startIdentification(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific) error {
	onSuccess := func() { m.onIdentificationSuccess(goCtx, ec, root) }
	onFailure := func() { _ = m.rejectAttach(goCtx, ec, root, nas.CauseIllegalUE) }

	common, err := root.Start(procedure.KindIdentification, ec.GetState(), onSuccess, onFailure)
	if err != nil {
		return err
	}
	common.TimerHandle = m.startTimer(ec, m.cfg.T3470, "t3470", func() {
		m.onIdentificationTimeout(goCtx, ec, root, common)
	})

	return m.col.Access.IdentityRequest(goCtx, ranIDOf(ec), "imsi")
}

func (m *Machine) onIdentificationTimeout(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific, common *procedure.Common) {
	if root.GetRunning(procedure.KindIdentification) != common {
		return // already completed/aborted; timer lost the race
	}
	root.Complete(common, false)
}

// OnIdentityResponse is the uplink entry point completing identification
// (SPEC_FULL.md §4 item 6).
func (m *Machine) OnIdentityResponse(goCtx context.Context, ranID uint32, imsi string, decode nas.DecodeStatus) error {
	ec, err := m.lookupByRanID(ranID)
	if err != nil {
		return err
	}
	root := ec.Procedure()
	if root == nil {
		return nil
	}
	child := root.GetRunning(procedure.KindIdentification)
	if child == nil {
		return nil
	}

	if !decode.Ok() || imsi == "" {
		root.Complete(child, false)
		return nil
	}

	ec.Lock()
	ec.IMSI.SetValid(imsi)
	ec.Unlock()
	_ = m.col.Identifiers.Rekey(ec, identifier.Update{IMSI: &imsi})

	root.Complete(child, true)
	return nil
}

func (m *Machine) onIdentificationSuccess(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific) {
	if err := m.startAuthentication(goCtx, ec, root); err != nil {
		m.col.Logger.Warn("starting authentication after identification failed", zap.Error(err))
	}
}

// startAuthentication begins the authentication common procedure
// (spec.md §4.4 steps 1-3, and "On authentication success, start security
// mode control").
func (m *Machine) startAuthentication(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific) error {
	imsi, ok := ec.IMSI.Raw()
	if !ok {
		return m.rejectAttach(goCtx, ec, root, nas.CauseIllegalUE)
	}

	vec, err := m.col.HSS.FetchVector(goCtx, imsi)
	if err != nil {
		return m.rejectAttach(goCtx, ec, root, nas.CauseNetworkFailure)
	}

	ec.Lock()
	ec.AuthVector = vec
	ksi := nextKSI(ec)
	ec.Unlock()

	onSuccess := func() { m.onAuthenticationSuccess(goCtx, ec, root, ksi) }
	onFailure := func() { _ = m.rejectAttach(goCtx, ec, root, nas.CauseIllegalUE) }

	common, err := root.Start(procedure.KindAuthentication, ec.GetState(), onSuccess, onFailure)
	if err != nil {
		return err
	}
	common.TimerHandle = m.startTimer(ec, m.cfg.T3460, "t3460-auth", func() {
		m.onCommonTimeout(ec, root, common, procedure.KindAuthentication)
	})

	return m.col.Access.AuthenticationRequest(goCtx, ranIDOf(ec), vec, ksi)
}

func nextKSI(ec *emmcontext.EMMContext) uint8 {
	if ec.Security != nil {
		return (ec.Security.KSI + 1) % 7
	}
	return 0
}

// OnAuthenticationResponse is the uplink entry point completing
// authentication with a matching RES (SPEC_FULL.md §4 item 6).
func (m *Machine) OnAuthenticationResponse(goCtx context.Context, ranID uint32, res []byte, decode nas.DecodeStatus) error {
	ec, err := m.lookupByRanID(ranID)
	if err != nil {
		return err
	}
	root := ec.Procedure()
	if root == nil {
		return nil
	}
	child := root.GetRunning(procedure.KindAuthentication)
	if child == nil {
		return nil
	}

	ec.Lock()
	vec := ec.AuthVector
	ec.Unlock()

	if !decode.Ok() || vec == nil || !bytes.Equal(res, vec.XRES) {
		root.Complete(child, false)
		return nil
	}
	root.Complete(child, true)
	return nil
}

// OnAuthenticationFailure is the uplink entry point for a UE-reported
// AUTHENTICATION FAILURE (MAC/synch failure).
func (m *Machine) OnAuthenticationFailure(goCtx context.Context, ranID uint32, cause nas.EMMCause) error {
	ec, err := m.lookupByRanID(ranID)
	if err != nil {
		return err
	}
	root := ec.Procedure()
	if root == nil {
		return nil
	}
	child := root.GetRunning(procedure.KindAuthentication)
	if child == nil {
		return nil
	}
	root.Complete(child, false)
	return nil
}

func (m *Machine) onAuthenticationSuccess(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific, ksi uint8) {
	ec.Lock()
	vec := ec.AuthVector
	ec.NonCurrent = deriveSecurityContext(vec, ksi, m.cfg.IntegrityAlgorithm, m.cfg.CipheringAlgorithm)
	ec.Unlock()

	if err := m.startSecurityMode(goCtx, ec, root); err != nil {
		m.col.Logger.Warn("starting security mode control failed", zap.Error(err))
	}
}

// deriveSecurityContext builds the NAS security context from an
// authentication vector's KASME. The real 3GPP key-derivation function
// (KDF over KASME, algorithm distinguisher, algorithm id) is part of the
// out-of-scope AKA/Milenage math (spec.md §1); this takes fixed-offset
// slices of KASME, which is sufficient for this control plane's own logic
// (it only ever compares/bumps counts, never verifies key material).
func deriveSecurityContext(vec *emmcontext.AuthenticationVector, ksi uint8, integrity, ciphering emmcontext.SecurityAlgorithm) *emmcontext.SecurityContext {
	sc := &emmcontext.SecurityContext{
		KSI:                ksi,
		KASME:              append([]byte(nil), vec.KASME...),
		IntegrityAlgorithm: integrity,
		CipheringAlgorithm: ciphering,
	}
	if len(vec.KASME) >= 32 {
		sc.NASIntegrityKey = append([]byte(nil), vec.KASME[:16]...)
		sc.NASCipheringKey = append([]byte(nil), vec.KASME[16:32]...)
	}
	return sc
}

// startSecurityMode begins security mode control (spec.md §4.4 "On
// authentication success, start security mode control").
func (m *Machine) startSecurityMode(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific) error {
	onSuccess := func() {
		ec.PromoteNonCurrentToCurrent()
		m.onSecurityModeSuccess(goCtx, ec, root)
	}
	onFailure := func() { _ = m.rejectAttach(goCtx, ec, root, nas.CauseSecurityModeRejectedUnspec) }

	common, err := root.Start(procedure.KindSecurityMode, ec.GetState(), onSuccess, onFailure)
	if err != nil {
		return err
	}
	common.TimerHandle = m.startTimer(ec, m.cfg.T3460, "t3460-smc", func() {
		m.onCommonTimeout(ec, root, common, procedure.KindSecurityMode)
	})

	return m.col.Access.SecurityModeCommand(goCtx, ranIDOf(ec), m.cfg.IntegrityAlgorithm, m.cfg.CipheringAlgorithm)
}

// OnSecurityModeComplete is the uplink entry point completing SMC.
func (m *Machine) OnSecurityModeComplete(goCtx context.Context, ranID uint32, decode nas.DecodeStatus) error {
	ec, err := m.lookupByRanID(ranID)
	if err != nil {
		return err
	}
	root := ec.Procedure()
	if root == nil {
		return nil
	}
	child := root.GetRunning(procedure.KindSecurityMode)
	if child == nil {
		return nil
	}
	root.Complete(child, decode.Ok())
	return nil
}

// OnSecurityModeReject is the uplink entry point for a rejected SMC.
func (m *Machine) OnSecurityModeReject(goCtx context.Context, ranID uint32, cause nas.EMMCause) error {
	ec, err := m.lookupByRanID(ranID)
	if err != nil {
		return err
	}
	root := ec.Procedure()
	if root == nil {
		return nil
	}
	child := root.GetRunning(procedure.KindSecurityMode)
	if child == nil {
		return nil
	}
	root.Complete(child, false)
	return nil
}

func (m *Machine) onCommonTimeout(ec *emmcontext.EMMContext, root *procedure.Specific, common *procedure.Common, kind procedure.Kind) {
	if root.GetRunning(kind) != common {
		return
	}
	root.Complete(common, false)
}

func (m *Machine) onSecurityModeSuccess(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific) {
	var esmBytes []byte
	if root.Attach != nil && root.Attach.FrozenIEs != nil {
		esmBytes = root.Attach.FrozenIEs.ESMMessageContainer
	}

	resp, err := m.col.ESM.Handle(goCtx, esm.UnitDataInd, contextKey(ec), esmBytes)
	if err != nil {
		_ = m.rejectAttach(goCtx, ec, root, nas.CauseESMFailure)
		return
	}
	if m.col.SAP != nil {
		m.col.SAP.RecordESM(goCtx, esm.UnitDataInd, contextKey(ec), resp.Result)
	}

	switch resp.Result {
	case esm.Failure:
		if root.Attach != nil {
			root.Attach.OutgoingESM = resp.ReplyBytes
		}
		_ = m.rejectAttach(goCtx, ec, root, nas.CauseESMFailure)
	default:
		if err := m.sendAttachAccept(goCtx, ec, root, resp.ReplyBytes); err != nil {
			m.col.Logger.Warn("sending attach accept failed", zap.Error(err))
		}
	}
}
