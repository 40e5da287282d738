// Package esm is the ESM collaborator of spec.md §6 (`esm_sap`): it
// simulates default-bearer activation and PDN-connectivity rejection so
// the attach flow in internal/emm/attach is fully exercisable without a
// real SMF sitting behind it.
package esm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Primitive tags an ESM-SAP call, per spec.md §4.5's ESM primitive family.
type Primitive int

const (
	UnitDataInd Primitive = iota
	DefaultEPSBearerContextActivateCnf
	PDNConnectivityRej
)

func (p Primitive) String() string {
	switch p {
	case UnitDataInd:
		return "ESM_UNITDATA_IND"
	case DefaultEPSBearerContextActivateCnf:
		return "ESM_DEFAULT_EPS_BEARER_CONTEXT_ACTIVATE_CNF"
	case PDNConnectivityRej:
		return "ESM_PDN_CONNECTIVITY_REJ"
	default:
		return "ESM_UNKNOWN"
	}
}

// Result is the outcome ESM hands back to EMM; it alone steers C4's next
// move, per spec.md §4.5.
type Result int

const (
	Success Result = iota
	Discarded
	Failure
)

// Response is returned by SAP.Handle.
type Response struct {
	Result      Result
	ReplyBytes  []byte
	SessionID   string
}

// SAP is the ESM collaborator interface consumed by internal/emm/attach.
type SAP interface {
	Handle(ctx context.Context, primitive Primitive, contextKey string, bytes []byte) (Response, error)
}

// session tracks one in-flight PDN-connectivity request, mirroring the
// teacher's TTL-bearing in-memory auth-context map
// (nf/ausf/internal/service/authentication.go).
type session struct {
	id        string
	contextKey string
	createdAt time.Time
	expiresAt time.Time
}

// InMemory is the default ESM collaborator. It treats any non-empty ESM
// message container as a default-bearer activation request and opens a
// session for it; the activation confirm succeeds unless that session's TTL
// has passed, in which case it returns Failure. This is sufficient to drive
// the attach flow end to end in tests and in a deployment without a real
// SMF.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*session
	ttl      time.Duration
	logger   *zap.Logger
}

// NewInMemory builds the default ESM collaborator. ttl<=0 uses 30s.
func NewInMemory(ttl time.Duration, logger *zap.Logger) *InMemory {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &InMemory{
		sessions: make(map[string]*session),
		ttl:      ttl,
		logger:   logger,
	}
}

// Handle implements SAP. contextKey identifies the owning EMM context
// (its IMSI or a synthetic id); it is only used to correlate sessions and
// never interpreted.
func (m *InMemory) Handle(ctx context.Context, primitive Primitive, contextKey string, bytes []byte) (Response, error) {
	switch primitive {
	case UnitDataInd:
		return m.activate(contextKey, bytes)
	case DefaultEPSBearerContextActivateCnf:
		return m.confirm(contextKey, bytes)
	case PDNConnectivityRej:
		m.mu.Lock()
		delete(m.sessions, contextKey)
		m.mu.Unlock()
		return Response{Result: Success}, nil
	default:
		return Response{Result: Discarded}, nil
	}
}

func (m *InMemory) activate(contextKey string, bytes []byte) (Response, error) {
	if len(bytes) == 0 {
		// No embedded ESM message: nothing to forward, treat as discarded
		// per spec.md §7 "ESM-layer errors either... are discarded".
		return Response{Result: Discarded}, nil
	}

	id := uuid.NewString()
	now := time.Now()
	m.mu.Lock()
	m.sessions[contextKey] = &session{
		id:         id,
		contextKey: contextKey,
		createdAt:  now,
		expiresAt:  now.Add(m.ttl),
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Debug("esm default bearer activation requested",
			zap.String("context_key", contextKey),
			zap.String("session_id", id),
		)
	}
	return Response{Result: Success, SessionID: id}, nil
}

func (m *InMemory) confirm(contextKey string, bytes []byte) (Response, error) {
	m.mu.RLock()
	s, ok := m.sessions[contextKey]
	m.mu.RUnlock()
	if !ok {
		return Response{Result: Discarded}, nil
	}

	if time.Now().After(s.expiresAt) {
		m.mu.Lock()
		delete(m.sessions, contextKey)
		m.mu.Unlock()
		return Response{Result: Failure}, nil
	}

	if m.logger != nil {
		m.logger.Debug("esm default bearer activated",
			zap.String("context_key", contextKey),
			zap.String("session_id", s.id),
		)
	}
	return Response{Result: Success}, nil
}

// CleanupExpired purges sessions past their TTL; intended to be driven by
// a background ticker the way
// nf/ausf/internal/service/authentication.go's CleanupExpiredContexts is.
func (m *InMemory) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, s := range m.sessions {
		if now.After(s.expiresAt) {
			delete(m.sessions, k)
			removed++
		}
	}
	return removed
}

var _ SAP = (*InMemory)(nil)
