package attach

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	emmcontext "github.com/your-org/lte-mme/internal/emm/context"
	"github.com/your-org/lte-mme/internal/emm/identifier"
	"github.com/your-org/lte-mme/internal/emm/nas"
	"github.com/your-org/lte-mme/internal/emm/sap"
	"github.com/your-org/lte-mme/internal/esm"
	"github.com/your-org/lte-mme/internal/hss"
	"github.com/your-org/lte-mme/internal/mmeapi"
	"github.com/your-org/lte-mme/internal/timer"
)

// fakeSink records every EMM-SAP primitive the dispatcher fans out, so
// tests can assert on them without a real metrics/audit backend.
type fakeSink struct {
	mu     sync.Mutex
	emmreg []sap.EMMREGPrimitive
}

func (f *fakeSink) OnEMMREG(ctx context.Context, p sap.EMMREGPrimitive, contextKey string, cause *nas.EMMCause) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emmreg = append(f.emmreg, p)
}

func (f *fakeSink) OnEMMAS(ctx context.Context, p sap.EMMASPrimitive, ranID uint32) {}

func (f *fakeSink) OnESM(ctx context.Context, p esm.Primitive, contextKey string, result esm.Result) {}

func (f *fakeSink) primitives() []sap.EMMREGPrimitive {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sap.EMMREGPrimitive, len(f.emmreg))
	copy(out, f.emmreg)
	return out
}

// fakeAccess records every downlink call the attach machine makes, so
// tests can assert on them without a real S1AP transport.
type fakeAccess struct {
	mu sync.Mutex

	accepts  []AttachAccept
	rejects  []AttachReject
	identity []uint32
	authVecs []*emmcontext.AuthenticationVector
	smc      int
}

func (f *fakeAccess) EstablishCnf(ctx context.Context, ranID uint32, accept AttachAccept) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, accept)
	return nil
}

func (f *fakeAccess) EstablishRej(ctx context.Context, ranID uint32, reject AttachReject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, reject)
	return nil
}

func (f *fakeAccess) IdentityRequest(ctx context.Context, ranID uint32, idType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = append(f.identity, ranID)
	return nil
}

func (f *fakeAccess) AuthenticationRequest(ctx context.Context, ranID uint32, vec *emmcontext.AuthenticationVector, ksi uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authVecs = append(f.authVecs, vec)
	return nil
}

func (f *fakeAccess) SecurityModeCommand(ctx context.Context, ranID uint32, integrity, ciphering emmcontext.SecurityAlgorithm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smc++
	return nil
}

func (f *fakeAccess) lastAuthVec() *emmcontext.AuthenticationVector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authVecs[len(f.authVecs)-1]
}

var _ AccessLayer = (*fakeAccess)(nil)

type harness struct {
	machine *Machine
	access  *fakeAccess
	idx     *identifier.Index
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithESMTTL(t, time.Minute, nil)
}

// newHarnessWithESMTTL builds a harness with a configurable ESM session
// TTL and an optional SAP sink, for tests that need to force
// esm.Handle's TTL-expiry Failure path or observe EMM-SAP primitives.
func newHarnessWithESMTTL(t *testing.T, esmTTL time.Duration, sink sap.Sink) *harness {
	t.Helper()
	idx := identifier.New()
	access := &fakeAccess{}
	logger := zaptest.NewLogger(t)
	mme := mmeapi.NewLocalAPI(mmeapi.Config{
		PLMN:       nas.PLMNID{MCC: "001", MNC: "01"},
		MMEGroupID: 1,
		MMECode:    1,
	}, nil, logger)

	col := Collaborators{
		Identifiers: idx,
		MME:         mme,
		ESM:         esm.NewInMemory(esmTTL, logger),
		HSS:         hss.NewDeterministic(logger),
		Access:      access,
		Timers:      timer.NewManager(),
		Logger:      logger,
	}
	if sink != nil {
		col.SAP = sap.New(logger, sink)
	}
	cfg := DefaultConfig()
	cfg.T3450 = 50 * time.Millisecond
	cfg.T3460 = 50 * time.Millisecond
	cfg.T3470 = 50 * time.Millisecond

	return &harness{machine: New(col, cfg), access: access, idx: idx}
}

func attachRequest(imsi string) *nas.AttachRequestIEs {
	return &nas.AttachRequestIEs{
		InitialRequest: true,
		AttachType:     nas.AttachTypeEPS,
		IMSI:           &imsi,
		Decode:         nas.DecodeStatus{MACMatched: true},
	}
}

func TestOnAttachRequest_WithMatchedMACGoesStraightToAuthentication(t *testing.T) {
	h := newHarness(t)
	enbKey := emmcontext.EnbKey{ENBID: 1, ENBUEID: 1}

	require.NoError(t, h.machine.OnAttachRequest(context.Background(), enbKey, 100, true, attachRequest("001010000000001")))

	h.access.mu.Lock()
	defer h.access.mu.Unlock()
	assert.Len(t, h.access.authVecs, 1, "MAC-matched IMSI attach must skip identification")
	assert.Empty(t, h.access.identity)
}

func TestOnAttachRequest_WithoutIMSIOrGUTIRejectsProtocolError(t *testing.T) {
	h := newHarness(t)
	enbKey := emmcontext.EnbKey{ENBID: 1, ENBUEID: 1}
	ies := &nas.AttachRequestIEs{InitialRequest: true, AttachType: nas.AttachTypeEPS}

	require.NoError(t, h.machine.OnAttachRequest(context.Background(), enbKey, 100, true, ies))

	h.access.mu.Lock()
	defer h.access.mu.Unlock()
	require.Len(t, h.access.rejects, 1)
	assert.Equal(t, nas.CauseProtocolError, h.access.rejects[0].Cause)
}

func TestFullAttach_HappyPathReachesAcceptAndComplete(t *testing.T) {
	h := newHarness(t)
	enbKey := emmcontext.EnbKey{ENBID: 1, ENBUEID: 1}
	ctx := context.Background()

	require.NoError(t, h.machine.OnAttachRequest(ctx, enbKey, 100, true, attachRequest("001010000000001")))

	vec := h.access.lastAuthVec()
	require.NoError(t, h.machine.OnAuthenticationResponse(ctx, 100, vec.XRES, nas.DecodeStatus{}))

	h.access.mu.Lock()
	smcSent := h.access.smc
	h.access.mu.Unlock()
	assert.Equal(t, 1, smcSent, "authentication success must start security mode control")

	require.NoError(t, h.machine.OnSecurityModeComplete(ctx, 100, nas.DecodeStatus{}))

	h.access.mu.Lock()
	require.Len(t, h.access.accepts, 1, "esm activation success must emit attach accept")
	h.access.mu.Unlock()

	require.NoError(t, h.machine.OnAttachComplete(ctx, 100, nil, nas.DecodeStatus{}))

	ec, ok := h.idx.LookupByRanID(100)
	require.True(t, ok)
	assert.Equal(t, emmcontext.Registered, ec.GetState())
}

func TestOnAuthenticationResponse_WrongRESFailsProcedureAndRejects(t *testing.T) {
	h := newHarness(t)
	enbKey := emmcontext.EnbKey{ENBID: 1, ENBUEID: 1}
	ctx := context.Background()

	require.NoError(t, h.machine.OnAttachRequest(ctx, enbKey, 100, true, attachRequest("001010000000001")))
	require.NoError(t, h.machine.OnAuthenticationResponse(ctx, 100, []byte("wrong"), nas.DecodeStatus{}))

	h.access.mu.Lock()
	defer h.access.mu.Unlock()
	require.Len(t, h.access.rejects, 1)
	assert.Equal(t, nas.CauseIllegalUE, h.access.rejects[0].Cause)
}

func TestOnAttachRequest_IdenticalRetransmitDuringPendingAcceptResends(t *testing.T) {
	h := newHarness(t)
	enbKey := emmcontext.EnbKey{ENBID: 1, ENBUEID: 1}
	ctx := context.Background()
	req := attachRequest("001010000000001")

	require.NoError(t, h.machine.OnAttachRequest(ctx, enbKey, 100, true, req))
	vec := h.access.lastAuthVec()
	require.NoError(t, h.machine.OnAuthenticationResponse(ctx, 100, vec.XRES, nas.DecodeStatus{}))
	require.NoError(t, h.machine.OnSecurityModeComplete(ctx, 100, nas.DecodeStatus{}))

	h.access.mu.Lock()
	require.Len(t, h.access.accepts, 1)
	h.access.mu.Unlock()

	// A retransmitted, identical ATTACH REQUEST while waiting for COMPLETE
	// must resend the already-staged ACCEPT rather than restart the flow.
	require.NoError(t, h.machine.OnAttachRequest(ctx, enbKey, 100, true, req))

	h.access.mu.Lock()
	defer h.access.mu.Unlock()
	assert.Len(t, h.access.accepts, 2)
	assert.Len(t, h.access.authVecs, 1, "resend must not re-run authentication")
}

func TestOnAttachComplete_ESMFailureRecordsAttachRej(t *testing.T) {
	sink := &fakeSink{}
	h := newHarnessWithESMTTL(t, 5*time.Millisecond, sink)
	enbKey := emmcontext.EnbKey{ENBID: 1, ENBUEID: 1}
	ctx := context.Background()

	// A non-empty ESM container makes ESM_UNITDATA_IND open a session.
	req := attachRequest("001010000000001")
	req.ESMMessageContainer = []byte{0x01}
	require.NoError(t, h.machine.OnAttachRequest(ctx, enbKey, 100, true, req))
	vec := h.access.lastAuthVec()
	require.NoError(t, h.machine.OnAuthenticationResponse(ctx, 100, vec.XRES, nas.DecodeStatus{}))
	require.NoError(t, h.machine.OnSecurityModeComplete(ctx, 100, nas.DecodeStatus{}))

	h.access.mu.Lock()
	require.Len(t, h.access.accepts, 1)
	h.access.mu.Unlock()

	ec, ok := h.idx.LookupByRanID(100)
	require.True(t, ok)

	// Let the ESM session backing the default bearer activation expire
	// before ATTACH COMPLETE arrives, forcing esm.Handle's Failure result.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, h.machine.OnAttachComplete(ctx, 100, nil, nas.DecodeStatus{}))

	assert.Equal(t, emmcontext.Deregistered, ec.GetState())

	assert.Contains(t, sink.primitives(), sap.AttachRej, "ESM activation failure must record an EMMREG attach reject")
}

func TestOnT3450Fired_RetransmitsThenAbortsAfterFiveExpiries(t *testing.T) {
	h := newHarness(t)
	enbKey := emmcontext.EnbKey{ENBID: 1, ENBUEID: 1}
	ctx := context.Background()

	require.NoError(t, h.machine.OnAttachRequest(ctx, enbKey, 100, true, attachRequest("001010000000001")))
	vec := h.access.lastAuthVec()
	require.NoError(t, h.machine.OnAuthenticationResponse(ctx, 100, vec.XRES, nas.DecodeStatus{}))
	require.NoError(t, h.machine.OnSecurityModeComplete(ctx, 100, nas.DecodeStatus{}))

	ec, ok := h.idx.LookupByRanID(100)
	require.True(t, ok)
	root := ec.Procedure()
	require.NotNil(t, root)

	for i := 0; i < 4; i++ {
		h.machine.onT3450Fired(ctx, ec, root)
	}
	h.access.mu.Lock()
	assert.Len(t, h.access.accepts, 5) // 1 original + 4 retransmits
	h.access.mu.Unlock()

	h.machine.onT3450Fired(ctx, ec, root) // 5th expiry aborts
	assert.Nil(t, ec.Procedure())
	assert.Equal(t, emmcontext.Deregistered, ec.GetState())
}
