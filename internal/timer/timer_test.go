package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStart_FiresCallback(t *testing.T) {
	m := NewManager()
	var fired atomic.Bool
	m.Start(10*time.Millisecond, func() { fired.Store(true) })

	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Running())
}

func TestStop_BeforeFirePreventsCallback(t *testing.T) {
	m := NewManager()
	var fired atomic.Bool
	h := m.Start(50*time.Millisecond, func() { fired.Store(true) })

	assert.True(t, h.Stop())
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestStop_IsIdempotent(t *testing.T) {
	m := NewManager()
	h := m.Start(time.Minute, func() {})
	assert.True(t, h.Stop())
	assert.False(t, h.Stop(), "stopping an already-stopped handle must be a harmless no-op")
}

func TestStop_OnZeroHandleIsNoop(t *testing.T) {
	var h Handle
	assert.False(t, h.Valid())
	assert.False(t, h.Stop())
}

func TestRunning_TracksArmedTimers(t *testing.T) {
	m := NewManager()
	assert.Equal(t, 0, m.Running())
	h1 := m.Start(time.Minute, func() {})
	h2 := m.Start(time.Minute, func() {})
	assert.Equal(t, 2, m.Running())
	h1.Stop()
	assert.Equal(t, 1, m.Running())
	h2.Stop()
	assert.Equal(t, 0, m.Running())
}
