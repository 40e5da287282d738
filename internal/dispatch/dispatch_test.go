package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcher_PostRunsTask(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := New(16, logger, nil)
	d.Start(2)
	defer func() { _ = d.Shutdown(context.Background()) }()

	done := make(chan struct{})
	err := d.Post(Task{Key: "ctx-1", Name: "test", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestDispatcher_SameKeySerialized(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := New(16, logger, nil)
	d.Start(8)
	defer func() { _ = d.Shutdown(context.Background()) }()

	var mu sync.Mutex
	var order []int
	var running int32
	var overlapped bool

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		err := d.Post(Task{Key: "same-context", Name: "serialize", Run: func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			if running != 0 {
				overlapped = true
			}
			running++
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			order = append(order, i)
			running--
			mu.Unlock()
			return nil
		}})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.False(t, overlapped, "tasks sharing a key must never run concurrently")
	assert.Len(t, order, 20)
}

func TestDispatcher_QueueFullReturnsError(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := New(1, logger, nil)
	// No workers started: the single slot fills and stays full.
	block := make(chan struct{})
	err := d.Post(Task{Key: "k", Name: "blocker", Run: func(ctx context.Context) error {
		<-block
		return nil
	}})
	require.NoError(t, err)

	err = d.Post(Task{Key: "k2", Name: "overflow", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	close(block)
}

func TestDispatcher_WrapTimerPostsOntoQueue(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := New(4, logger, nil)
	d.Start(1)
	defer func() { _ = d.Shutdown(context.Background()) }()

	fired := make(chan struct{})
	cb := d.WrapTimer("ctx-2", "t3450", func() { close(fired) })
	cb()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("wrapped timer callback never ran")
	}
}

func TestDispatcher_ShutdownWaitsForInFlight(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := New(4, logger, nil)
	d.Start(1)

	finished := false
	started := make(chan struct{})
	done := make(chan struct{})
	err := d.Post(Task{Key: "k", Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished = true
		close(done)
		return nil
	}})
	require.NoError(t, err)
	<-started // the task is now in flight on a worker

	require.NoError(t, d.Shutdown(context.Background()))
	<-done
	assert.True(t, finished)
}
