// Package context implements the per-UE EMM context and its security state
// (spec.md §3, §4.2 — component C2).
package context

import (
	"sync"
	"time"

	"github.com/your-org/lte-mme/internal/emm/nas"
	"github.com/your-org/lte-mme/internal/emm/procedure"
	"github.com/your-org/lte-mme/internal/timer"
)

// FSMState is the EMM mobility-management state of a context (spec.md §3).
type FSMState uint8

const (
	Deregistered FSMState = iota
	RegisteredInitiated
	Registered
	DeregisteredInitiated
	CommonProcedureInitiated
)

func (s FSMState) String() string {
	switch s {
	case Deregistered:
		return "DEREGISTERED"
	case RegisteredInitiated:
		return "REGISTERED_INITIATED"
	case Registered:
		return "REGISTERED"
	case DeregisteredInitiated:
		return "DEREGISTERED_INITIATED"
	case CommonProcedureInitiated:
		return "COMMON_PROCEDURE_INITIATED"
	default:
		return "UNKNOWN"
	}
}

// EnbKey identifies a UE by (eNB identifier, eNB-assigned UE S1AP id) —
// spec.md §4.1's "enb key".
type EnbKey struct {
	ENBID    uint32
	ENBUEID  uint32
}

// EMMContext is the per-UE EMM context of spec.md §3. It is mutated only by
// the dispatcher (C5) on behalf of procedures (C3/C4); the mutex here
// protects concurrent field access the way `nf/amf/internal/context` protects
// its UEContext, while the stronger "only one message in flight per
// context" guarantee is the dispatcher's advisory lock (internal/dispatch),
// layered on top of this.
type EMMContext struct {
	mu sync.Mutex

	RanID  Attribute[uint32]
	EnbKey Attribute[EnbKey]

	IMSI Attribute[string]
	IMEI Attribute[string]

	OldGUTI Attribute[nas.GUTI]
	GUTI    Attribute[nas.GUTI]

	TAIList                  []nas.TAI
	OriginatingTAI           Attribute[nas.TAI]
	LastVisitedRegisteredTAI Attribute[nas.TAI]

	UENetworkCapability Attribute[[]byte]
	MSNetworkCapability Attribute[[]byte]
	DRX                 Attribute[nas.DRXParameter]

	Security    *SecurityContext
	NonCurrent  *SecurityContext
	AuthVector  *AuthenticationVector

	DeferredESM []byte

	State FSMState

	ProcedureRoot *procedure.Specific

	AttachRetransmitCount int

	IsAttached  bool
	IsEmergency bool
	GUTIIsNew   bool

	T3460 timer.Handle // authentication
	T3470 timer.Handle // identification

	CreatedAt      time.Time
	LastActivityAt time.Time
}

// New creates a freshly-observed context per spec.md §3 "Lifecycle": state
// DEREGISTERED, every optional attribute absent.
func New() *EMMContext {
	return &EMMContext{
		State:     Deregistered,
		CreatedAt: time.Now(),
	}
}

// Lock and Unlock expose the context's own field-mutation mutex. Dispatch
// additionally serializes whole messages per context; this lower-level lock
// protects individual accessor calls made outside the dispatcher (e.g. the
// read-only admin HTTP surface).
func (c *EMMContext) Lock()   { c.mu.Lock() }
func (c *EMMContext) Unlock() { c.mu.Unlock() }

func (c *EMMContext) touch() {
	c.LastActivityAt = time.Now()
}

// SetState transitions the FSM and records activity.
func (c *EMMContext) SetState(s FSMState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State = s
	c.touch()
}

// GetState reads the FSM state.
func (c *EMMContext) GetState() FSMState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State
}

// ClearCurrentSecurity drops the current NAS security context (spec.md
// §4.2 "clear_current").
func (c *EMMContext) ClearCurrentSecurity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Security = nil
}

// PromoteNonCurrentToCurrent replaces the current security context with the
// non-current one on a successful SECURITY MODE COMPLETE (spec.md §4.2).
func (c *EMMContext) PromoteNonCurrentToCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NonCurrent == nil {
		return
	}
	c.Security = c.NonCurrent
	c.Security.Activated = true
	c.NonCurrent = nil
}

// StartAttach installs a fresh attach specific procedure as the context's
// procedure tree root. It fails if one is already running — invariant 3.
func (c *EMMContext) StartAttach() (*procedure.Specific, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ProcedureRoot != nil {
		return nil, errAlreadyRunning
	}
	root := procedure.NewSpecific(procedure.KindAttach)
	root.Attach = &procedure.AttachPayload{}
	c.ProcedureRoot = root
	return root, nil
}

// Procedure returns the currently running specific procedure, if any.
func (c *EMMContext) Procedure() *procedure.Specific {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ProcedureRoot
}

// ClearProcedure detaches the procedure tree root (the procedure has
// completed or been aborted).
func (c *EMMContext) ClearProcedure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ProcedureRoot = nil
}
