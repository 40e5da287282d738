package attach

import (
	"context"
	"fmt"
	"time"

	"github.com/your-org/lte-mme/internal/dispatch"
	emmcontext "github.com/your-org/lte-mme/internal/emm/context"
	"github.com/your-org/lte-mme/internal/emm/identifier"
	"github.com/your-org/lte-mme/internal/emm/nas"
	"github.com/your-org/lte-mme/internal/emm/procedure"
	"github.com/your-org/lte-mme/internal/emm/sap"
	"github.com/your-org/lte-mme/internal/mmeapi"
	"github.com/your-org/lte-mme/internal/timer"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OnAttachRequest is the C4 entry point (spec.md §4.4).
func (m *Machine) OnAttachRequest(goCtx context.Context, enbKey emmcontext.EnbKey, ranID uint32, ranIDValid bool, ies *nas.AttachRequestIEs) error {
	if m.col.Tracer != nil {
		var span trace.Span
		goCtx, span = m.col.Tracer.Start(goCtx, "emm.attach.on_attach_request")
		defer span.End()
	}

	ec, isNew, duplicateEnbKey := m.resolveContext(enbKey, ranID, ranIDValid, ies)

	if isNew {
		keys := identifier.Keys{EnbKey: &enbKey}
		if ranIDValid {
			rid := ranID
			keys.RanID = &rid
		}
		if err := m.col.Identifiers.Insert(ec, keys); err != nil {
			return fmt.Errorf("attach: insert into index: %w", err)
		}
		ec.Lock()
		ec.EnbKey.SetValid(enbKey)
		if ranIDValid {
			ec.RanID.SetValid(ranID)
		}
		ec.Unlock()
	} else {
		if err := m.reconcileResolvedContext(goCtx, ec, enbKey, ranID, ranIDValid, duplicateEnbKey, ies); err != nil {
			m.col.Logger.Warn("reconcile resolved context failed", zap.Error(err))
		}
	}

	root := ec.Procedure()
	if root != nil {
		action, err := m.resolveCollision(goCtx, ec, root, ies)
		if err != nil {
			return err
		}
		switch action {
		case actionIgnore:
			return nil
		case actionResendAccept:
			return m.resendAttachAccept(goCtx, ec, root)
		case actionAbortRestart:
			m.abortProcedure(ec, root)
		case actionFreshStart:
			// nothing to undo; fall through below
		}
	}

	return m.startFreshAttach(goCtx, ec, ies)
}

// resolveContext implements spec.md §4.4's context-resolution order.
func (m *Machine) resolveContext(enbKey emmcontext.EnbKey, ranID uint32, ranIDValid bool, ies *nas.AttachRequestIEs) (ec *emmcontext.EMMContext, isNew bool, duplicateEnbKey bool) {
	idx := m.col.Identifiers

	if ranIDValid {
		if c, ok := idx.LookupByRanID(ranID); ok {
			return c, false, false
		}
	}
	if ies.GUTI != nil {
		if c, ok := idx.LookupByGUTI(*ies.GUTI); ok {
			return c, false, enbKeyDiffers(c, enbKey)
		}
	}
	if ies.IMSI != nil {
		if c, ok := idx.LookupByIMSI(*ies.IMSI); ok {
			return c, false, enbKeyDiffers(c, enbKey)
		}
	}
	if c, ok := idx.LookupByEnbKey(enbKey); ok {
		return c, false, false
	}

	return emmcontext.New(), true, false
}

// reconcileResolvedContext installs the RAN-layer association (case 4's
// "fresh RAN id" upcall) and resolves an enb-key duplicate flag against an
// existing context found by GUTI/IMSI.
func (m *Machine) reconcileResolvedContext(goCtx context.Context, ec *emmcontext.EMMContext, enbKey emmcontext.EnbKey, ranID uint32, ranIDValid bool, duplicateEnbKey bool, ies *nas.AttachRequestIEs) error {
	if !ranIDValid {
		if _, ok := ec.RanID.Raw(); !ok {
			if err := m.col.MME.NotifyNewRanID(goCtx, enbKey.ENBUEID, enbKey.ENBID, ranID); err != nil {
				return err
			}
			ec.Lock()
			ec.RanID.SetValid(ranID)
			ec.Unlock()
			rid := ranID
			_ = m.col.Identifiers.Rekey(ec, identifier.Update{RanID: &rid})
		}
	}

	if duplicateEnbKey {
		policy := m.duplicatePolicy(ies)
		if err := m.col.MME.DuplicateENBUEIDDetected(goCtx, enbKey, ranID, policy); err != nil {
			return err
		}
		key := enbKey
		_ = m.col.Identifiers.Rekey(ec, identifier.Update{EnbKey: &key})
		ec.Lock()
		ec.EnbKey.SetValid(enbKey)
		ec.Unlock()
	}
	return nil
}

// duplicatePolicy resolves spec.md §9's Open Question: an initial request
// colliding on enb-key loses the new attempt; a non-initial request
// (racing an in-flight accept) loses the stale association instead.
func (m *Machine) duplicatePolicy(ies *nas.AttachRequestIEs) mmeapi.DuplicatePolicy {
	if ies.InitialRequest {
		return mmeapi.RemoveNew
	}
	return mmeapi.RemoveOld
}

func enbKeyDiffers(ec *emmcontext.EMMContext, enbKey emmcontext.EnbKey) bool {
	ec.Lock()
	defer ec.Unlock()
	existing, ok := ec.EnbKey.Raw()
	if !ok {
		return false
	}
	return existing != enbKey
}

// resolveCollision implements the "collision handling with other running
// procedures" and "abnormal cases on collisions with a running attach"
// bullets of spec.md §4.4.
func (m *Machine) resolveCollision(goCtx context.Context, ec *emmcontext.EMMContext, root *procedure.Specific, ies *nas.AttachRequestIEs) (collisionAction, error) {
	if root.IsRunning(procedure.KindGUTIRealloc) {
		m.clearEMMContext(ec)
		return actionFreshStart, nil
	}

	if child := root.GetRunning(procedure.KindSecurityMode); child != nil {
		root.Complete(child, false)
		if m.col.SAP != nil {
			m.col.SAP.RecordEMMREG(goCtx, sap.CommonProcAbort, contextKey(ec), nil)
		}
		return actionFreshStart, nil
	}

	if child := root.GetRunning(procedure.KindIdentification); child != nil {
		if root.Kind != procedure.KindAttach || root.Attach == nil {
			root.Complete(child, false)
			if m.col.SAP != nil {
				m.col.SAP.RecordEMMREG(goCtx, sap.CommonProcAbort, contextKey(ec), nil)
			}
			return actionFreshStart, nil
		}
		payload := root.Attach
		if payload.AttachAcceptSent > 0 || payload.AttachRejectSent > 0 {
			return actionIgnore, nil
		}
		if payload.FrozenIEs != nil && payload.FrozenIEs.Equal(ies) {
			return actionIgnore, nil
		}
		return actionAbortRestart, nil
	}

	if root.Kind != procedure.KindAttach || root.Attach == nil {
		// A different specific procedure (detach/TAU/service) is running;
		// those are out of this build's depth (spec.md §1 Out of scope),
		// so free it and proceed with the new attach — invariant 3 allows
		// at most one specific procedure, and the newest request wins.
		return actionAbortRestart, nil
	}

	payload := root.Attach
	same := payload.FrozenIEs != nil && payload.FrozenIEs.Equal(ies)

	switch {
	case payload.AttachAcceptSent > 0 && !payload.AttachCompleteReceived:
		// case d
		if !same {
			return actionAbortRestart, nil
		}
		return actionResendAccept, nil
	case payload.AttachAcceptSent == 0:
		// case e
		if !same {
			return actionAbortRestart, nil
		}
		return actionIgnore, nil
	default:
		// ATTACH COMPLETE already received but a new request still
		// arrived: treat as abnormal, restart.
		return actionAbortRestart, nil
	}
}

// clearEMMContext implements "clear EMM context" on a GUTI-reallocation
// collision (spec.md §4.4, R10 §5.4.1.6(c)): the security state and any
// running procedure are wiped, but the context's identifier bindings
// survive since they were already confirmed.
func (m *Machine) clearEMMContext(ec *emmcontext.EMMContext) {
	ec.Lock()
	ec.Security = nil
	ec.NonCurrent = nil
	ec.AuthVector = nil
	ec.DeferredESM = nil
	ec.IsAttached = false
	ec.GUTIIsNew = false
	ec.ProcedureRoot = nil
	ec.State = emmcontext.Deregistered
	ec.Unlock()
}

// abortProcedure tears the running procedure tree down and restores the
// context to DEREGISTERED, per the FSM diagram's "any -- reject sent /
// abort --> DEREGISTERED" transition.
func (m *Machine) abortProcedure(ec *emmcontext.EMMContext, root *procedure.Specific) {
	if root.Attach != nil && root.Attach.T3450.Valid() {
		root.Attach.T3450.Stop()
	}
	if err := root.Abort(); err != nil {
		m.col.Logger.Warn("procedure abort reported errors", zap.Error(err))
	}
	ec.ClearProcedure()
	ec.SetState(emmcontext.Deregistered)
}

func ranIDOf(ec *emmcontext.EMMContext) uint32 {
	ec.Lock()
	defer ec.Unlock()
	v, _ := ec.RanID.Raw()
	return v
}

// contextKey names a context for the ESM collaborator's correlation
// purposes; IMSI when known, else a pointer-derived fallback.
func contextKey(ec *emmcontext.EMMContext) string {
	ec.Lock()
	defer ec.Unlock()
	if imsi, ok := ec.IMSI.Raw(); ok {
		return imsi
	}
	return fmt.Sprintf("ctx-%p", ec)
}

// startTimer arms a timer whose callback, if a Dispatch collaborator is
// configured, runs serialized behind ec's context key on the central task
// queue rather than directly on the timer goroutine (spec.md §5).
func (m *Machine) startTimer(ec *emmcontext.EMMContext, d time.Duration, name string, cb func()) timer.Handle {
	if m.col.Dispatch != nil {
		cb = m.col.Dispatch.WrapTimer(contextKey(ec), name, cb)
	}
	return m.col.Timers.Start(d, cb)
}

func (m *Machine) lookupByRanID(ranID uint32) (*emmcontext.EMMContext, error) {
	ec, ok := m.col.Identifiers.LookupByRanID(ranID)
	if !ok {
		return nil, fmt.Errorf("attach: no context for ran id %d", ranID)
	}
	return ec, nil
}

// DispatchKey returns the dispatch/task-queue key of the context currently
// indexed under ranID, or a ranID-derived fallback if nothing is indexed
// yet — there is nothing for a brand-new association to race against.
// Callers (internal/server) use this to serialize an uplink NAS message
// against startTimer's WrapTimer callbacks for the same context, per
// spec.md §5.
func (m *Machine) DispatchKey(ranID uint32) string {
	if ec, ok := m.col.Identifiers.LookupByRanID(ranID); ok {
		return contextKey(ec)
	}
	return fmt.Sprintf("ranid-%d", ranID)
}

// DispatchKeyForAttach resolves the dispatch key an incoming ATTACH
// REQUEST will serialize behind, mirroring resolveContext's own lookup
// order (ran id, then GUTI, then IMSI, then enb key). For a context that
// already exists this is its contextKey. For a new context the fallback is
// the request's IMSI, which matches contextKey once a MAC-verified IMSI is
// recorded at attach start; otherwise (ran id or enb-key fallback, or an
// IMSI awaiting identification) the new context's contextKey is its
// pointer-derived key, which differs from the fallback.
func (m *Machine) DispatchKeyForAttach(enbKey emmcontext.EnbKey, ranID uint32, ranIDValid bool, ies *nas.AttachRequestIEs) string {
	idx := m.col.Identifiers
	if ranIDValid {
		if ec, ok := idx.LookupByRanID(ranID); ok {
			return contextKey(ec)
		}
	}
	if ies.GUTI != nil {
		if ec, ok := idx.LookupByGUTI(*ies.GUTI); ok {
			return contextKey(ec)
		}
	}
	if ies.IMSI != nil {
		if ec, ok := idx.LookupByIMSI(*ies.IMSI); ok {
			return contextKey(ec)
		}
	}
	if ec, ok := idx.LookupByEnbKey(enbKey); ok {
		return contextKey(ec)
	}
	if ies.IMSI != nil {
		return *ies.IMSI
	}
	if ranIDValid {
		return fmt.Sprintf("ranid-%d", ranID)
	}
	return fmt.Sprintf("enb-%d-%d", enbKey.ENBID, enbKey.ENBUEID)
}

// Submit runs fn serialized behind key on the central dispatch queue —
// the same queue startTimer's WrapTimer callbacks post onto — so an
// uplink message and a timer expiry for the same context never interleave
// inside a multi-step mutation (spec.md §5). With no Dispatch
// collaborator configured, fn just runs on the caller's goroutine.
func (m *Machine) Submit(goCtx context.Context, key, name string, fn func(context.Context) error) error {
	if m.col.Dispatch == nil {
		return fn(goCtx)
	}

	result := make(chan error, 1)
	task := dispatch.Task{
		Key:  key,
		Name: name,
		Run: func(taskCtx context.Context) error {
			err := fn(taskCtx)
			result <- err
			return err
		},
	}
	if err := m.col.Dispatch.Post(task); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-goCtx.Done():
		return goCtx.Err()
	}
}
