// Package procedure implements the generic nested-procedure runtime of
// spec.md §4.3 (C3): a specific procedure (attach/detach/TAU/service) owns
// at most one running common procedure (identification/authentication/SMC/
// GUTI-realloc) of each kind at a time. Success, failure, timeout, and abort
// are expressed as plain closures supplied by the caller (the C4 attach
// state machine) rather than as function-pointer structs cast back to an
// enclosing record — the idiomatic Go equivalent of the source's
// PARENT_STRUCT continuation style noted in spec.md §9.
package procedure

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/your-org/lte-mme/internal/emm/nas"
	"github.com/your-org/lte-mme/internal/timer"
)

// Kind tags every node in the procedure tree.
type Kind int

const (
	KindIdentification Kind = iota
	KindAuthentication
	KindSecurityMode
	KindGUTIRealloc
	KindAttach
	KindDetach
	KindTAU
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindIdentification:
		return "identification"
	case KindAuthentication:
		return "authentication"
	case KindSecurityMode:
		return "security-mode-control"
	case KindGUTIRealloc:
		return "guti-reallocation"
	case KindAttach:
		return "attach"
	case KindDetach:
		return "detach"
	case KindTAU:
		return "tracking-area-update"
	case KindService:
		return "service-request"
	default:
		return "unknown"
	}
}

// IsCommon reports whether Kind names one of the four common procedures.
func (k Kind) IsCommon() bool {
	switch k {
	case KindIdentification, KindAuthentication, KindSecurityMode, KindGUTIRealloc:
		return true
	default:
		return false
	}
}

// Common is a running common procedure attached under a Specific parent.
type Common struct {
	Kind         Kind
	Parent       *Specific
	StartedAt    time.Time
	TimerHandle  timer.Handle
	OnSuccess    func()
	OnFailure    func()
	OnTimeout    func()
	OnAbort      func()
	PrevFSMState any // state the parent was in before this child started
}

// Specific is the root of a procedure tree: attach, detach, TAU, or service
// request. It owns at most one Common child of each kind (invariant 4 of
// spec.md §3).
type Specific struct {
	mu       sync.Mutex
	Kind     Kind
	children map[Kind]*Common
	OnAbort  func() // torn down after every child, e.g. context release

	// Attach carries the attach-procedure-specific payload described in
	// spec.md §4.3. Nil for non-attach specific procedures.
	Attach *AttachPayload
}

// NewSpecific creates an empty specific-procedure root of the given kind.
func NewSpecific(kind Kind) *Specific {
	return &Specific{Kind: kind, children: make(map[Kind]*Common)}
}

// Start attaches a new common-procedure child of kind under s. It fails if
// a child of that kind is already running, enforcing invariant 4.
func (s *Specific) Start(kind Kind, prevFSMState any, onSuccess, onFailure func()) (*Common, error) {
	if !kind.IsCommon() {
		return nil, fmt.Errorf("procedure: %s is not a common procedure kind", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.children[kind]; running {
		return nil, fmt.Errorf("procedure: %s already running under %s", kind, s.Kind)
	}

	child := &Common{
		Kind:         kind,
		Parent:       s,
		StartedAt:    time.Now(),
		OnSuccess:    onSuccess,
		OnFailure:    onFailure,
		PrevFSMState: prevFSMState,
	}
	s.children[kind] = child
	return child, nil
}

// Complete invokes the recorded callback on the parent, stops the child's
// timer, and deletes the child node — spec.md §4.3's "complete(child,
// success|failure)".
func (s *Specific) Complete(child *Common, success bool) {
	if child == nil {
		return
	}
	s.mu.Lock()
	if s.children[child.Kind] == child {
		delete(s.children, child.Kind)
	}
	s.mu.Unlock()

	child.TimerHandle.Stop()

	if success {
		if child.OnSuccess != nil {
			child.OnSuccess()
		}
	} else {
		if child.OnFailure != nil {
			child.OnFailure()
		}
	}
}

// IsRunning reports whether a common procedure of kind is active under s.
func (s *Specific) IsRunning(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.children[kind]
	return ok
}

// GetRunning returns the running child of kind, or nil.
func (s *Specific) GetRunning(kind Kind) *Common {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[kind]
}

// Abort tears the subtree down in pre-order: every running child's timer is
// stopped and its abort handler runs, then s's own abort handler runs.
// Errors from individual abort handlers are aggregated rather than short
// circuiting, so one misbehaving handler never prevents the rest of the
// tree from being torn down.
func (s *Specific) Abort() error {
	s.mu.Lock()
	children := make([]*Common, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.children = make(map[Kind]*Common)
	s.mu.Unlock()

	var err error
	for _, c := range children {
		c.TimerHandle.Stop()
		if c.OnAbort != nil {
			err = multierr.Append(err, safeCall(c.OnAbort))
		}
	}
	if s.OnAbort != nil {
		err = multierr.Append(err, safeCall(s.OnAbort))
	}
	return err
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("procedure: abort handler panicked: %v", r)
		}
	}()
	fn()
	return nil
}

// AttachPayload is the per-kind payload of a running attach specific
// procedure, per spec.md §4.3.
type AttachPayload struct {
	FrozenIEs              *nas.AttachRequestIEs
	OutgoingESM            []byte
	T3450                  timer.Handle
	AttachAcceptSent       int
	AttachRejectSent       int
	AttachCompleteReceived bool
	CandidateGUTI          *nas.GUTI
}
