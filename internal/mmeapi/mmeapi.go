// Package mmeapi is the MME-API collaborator of spec.md §6: GUTI
// allocation, enb-ue-id collision resolution, and RAN-id notification.
package mmeapi

import (
	"context"
	"fmt"
	"sync"

	emmcontext "github.com/your-org/lte-mme/internal/emm/context"
	"github.com/your-org/lte-mme/internal/emm/nas"
	"go.uber.org/zap"
)

// DuplicatePolicy tells DuplicateENBUEIDDetected which of the two
// colliding contexts to keep, per spec.md §9's Open Question decision.
type DuplicatePolicy int

const (
	RemoveOld DuplicatePolicy = iota
	RemoveNew
)

func (p DuplicatePolicy) String() string {
	if p == RemoveNew {
		return "REMOVE_NEW"
	}
	return "REMOVE_OLD"
}

// Registry is implemented by whatever owns the identifier index and the
// context store; the API needs it to resolve and release contexts on
// duplicate detection.
type Registry interface {
	Remove(c *emmcontext.EMMContext) error
}

// API is the MME-API collaborator surface consumed by internal/emm/attach.
type API interface {
	// AllocateGUTI mints a fresh {PLMN, MME group id, MME code, M-TMSI}
	// and returns it along with the TAI list to advertise.
	AllocateGUTI(ctx context.Context, imsi string, oldGUTI *nas.GUTI, originatingTAI nas.TAI) (nas.GUTI, []nas.TAI, error)

	// DuplicateENBUEIDDetected resolves a collision on the same
	// (enb id, enb ue id) pair between two contexts.
	DuplicateENBUEIDDetected(ctx context.Context, key emmcontext.EnbKey, ranID uint32, policy DuplicatePolicy) error

	// NotifyNewRanID informs the access layer that a context has been
	// assigned a new S1AP/RAN identifier.
	NotifyNewRanID(ctx context.Context, enbUEID, enbID, newRanID uint32) error
}

// Config carries the identity values AllocateGUTI stamps into every GUTI
// it mints.
type Config struct {
	PLMN       nas.PLMNID
	MMEGroupID uint16
	MMECode    uint8
	TAIList    []nas.TAI
}

// LocalAPI is the default, in-process MME-API implementation: it mints
// M-TMSIs from an in-memory counter and logs duplicate enb-ue-id
// detections; it does not remove either context. It plays the role the teacher's
// `nf/nrf/internal/repository` NF-id allocation helpers play for NRF
// profile ids, adapted to GUTI minting.
type LocalAPI struct {
	mu       sync.Mutex
	cfg      Config
	nextTMSI uint32
	registry Registry
	logger   *zap.Logger
}

// NewLocalAPI builds a LocalAPI. registry is stored but no LocalAPI method
// calls it.
func NewLocalAPI(cfg Config, registry Registry, logger *zap.Logger) *LocalAPI {
	return &LocalAPI{cfg: cfg, registry: registry, logger: logger}
}

// AllocateGUTI mints the next M-TMSI under this MME's identity.
func (a *LocalAPI) AllocateGUTI(ctx context.Context, imsi string, oldGUTI *nas.GUTI, originatingTAI nas.TAI) (nas.GUTI, []nas.TAI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextTMSI++
	guti := nas.GUTI{
		PLMN:       a.cfg.PLMN,
		MMEGroupID: a.cfg.MMEGroupID,
		MMECode:    a.cfg.MMECode,
		MTMSI:      a.nextTMSI,
	}

	taiList := a.cfg.TAIList
	if len(taiList) == 0 {
		taiList = []nas.TAI{originatingTAI}
	}

	if a.logger != nil {
		a.logger.Debug("allocated guti",
			zap.String("imsi", imsi),
			zap.Uint32("m_tmsi", guti.MTMSI),
		)
	}
	return guti, taiList, nil
}

// DuplicateENBUEIDDetected logs the collision together with the policy the
// caller chose and returns nil. It removes no context, whichever policy is
// given, and does not consult the registry.
func (a *LocalAPI) DuplicateENBUEIDDetected(ctx context.Context, key emmcontext.EnbKey, ranID uint32, policy DuplicatePolicy) error {
	if a.logger != nil {
		a.logger.Info("duplicate enb-ue-id detected",
			zap.Uint32("enb_id", key.ENBID),
			zap.Uint32("enb_ue_id", key.ENBUEID),
			zap.Uint32("ran_id", ranID),
			zap.String("policy", policy.String()),
		)
	}
	return nil
}

// NotifyNewRanID is a no-op placeholder for the access-layer association
// upcall; a real deployment would push this over the S1AP transport.
func (a *LocalAPI) NotifyNewRanID(ctx context.Context, enbUEID, enbID, newRanID uint32) error {
	if a.logger != nil {
		a.logger.Debug("new ran id assigned",
			zap.Uint32("enb_id", enbID),
			zap.Uint32("enb_ue_id", enbUEID),
			zap.Uint32("ran_id", newRanID),
		)
	}
	return nil
}

var _ API = (*LocalAPI)(nil)

// ErrNotImplemented is returned by stub collaborator methods a future
// access-layer integration must replace.
var ErrNotImplemented = fmt.Errorf("mmeapi: not implemented")
