package esm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHandle_ActivateThenConfirmSucceeds(t *testing.T) {
	m := NewInMemory(time.Minute, zaptest.NewLogger(t))
	resp, err := m.Handle(context.Background(), UnitDataInd, "ue-1", []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, Success, resp.Result)
	assert.NotEmpty(t, resp.SessionID)

	resp, err = m.Handle(context.Background(), DefaultEPSBearerContextActivateCnf, "ue-1", nil)
	require.NoError(t, err)
	assert.Equal(t, Success, resp.Result)
}

func TestHandle_ActivateWithEmptyBytesDiscards(t *testing.T) {
	m := NewInMemory(time.Minute, zaptest.NewLogger(t))
	resp, err := m.Handle(context.Background(), UnitDataInd, "ue-1", nil)
	require.NoError(t, err)
	assert.Equal(t, Discarded, resp.Result)
}

func TestHandle_ConfirmWithoutActivateDiscards(t *testing.T) {
	m := NewInMemory(time.Minute, zaptest.NewLogger(t))
	resp, err := m.Handle(context.Background(), DefaultEPSBearerContextActivateCnf, "unknown", nil)
	require.NoError(t, err)
	assert.Equal(t, Discarded, resp.Result)
}

func TestHandle_ConfirmAfterTTLFails(t *testing.T) {
	m := NewInMemory(time.Millisecond, zaptest.NewLogger(t))
	_, err := m.Handle(context.Background(), UnitDataInd, "ue-1", []byte{0x01})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	resp, err := m.Handle(context.Background(), DefaultEPSBearerContextActivateCnf, "ue-1", nil)
	require.NoError(t, err)
	assert.Equal(t, Failure, resp.Result)
}

func TestHandle_PDNConnectivityRejClearsSession(t *testing.T) {
	m := NewInMemory(time.Minute, zaptest.NewLogger(t))
	_, err := m.Handle(context.Background(), UnitDataInd, "ue-1", []byte{0x01})
	require.NoError(t, err)

	_, err = m.Handle(context.Background(), PDNConnectivityRej, "ue-1", nil)
	require.NoError(t, err)

	resp, err := m.Handle(context.Background(), DefaultEPSBearerContextActivateCnf, "ue-1", nil)
	require.NoError(t, err)
	assert.Equal(t, Discarded, resp.Result)
}

func TestCleanupExpired_RemovesPastTTL(t *testing.T) {
	m := NewInMemory(time.Millisecond, zaptest.NewLogger(t))
	_, err := m.Handle(context.Background(), UnitDataInd, "ue-1", []byte{0x01})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	removed := m.CleanupExpired()
	assert.Equal(t, 1, removed)
}
