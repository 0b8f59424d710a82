package expiry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweeperBackgroundRun(t *testing.T) {
	var runs atomic.Int32
	s := NewSweeper(20*time.Millisecond, func(context.Context) {
		runs.Add(1)
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.Running())

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	require.False(t, s.Running())

	// Should be able to stop again without issue
	s.Stop()

	after := runs.Load()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, after, runs.Load())
}

func TestSweeperStartAfterStopIsNoop(t *testing.T) {
	var runs atomic.Int32
	s := NewSweeper(10*time.Millisecond, func(context.Context) { runs.Add(1) }, nil)

	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	require.False(t, s.Running())

	time.Sleep(40 * time.Millisecond)
	require.Zero(t, runs.Load())
}

func TestSweeperStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSweeper(10*time.Millisecond, func(context.Context) {}, nil)
	require.NoError(t, s.Start(ctx))

	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestSweeperRunOnce(t *testing.T) {
	var runs atomic.Int32
	s := NewSweeper(time.Hour, func(context.Context) { runs.Add(1) }, nil)

	s.RunOnce(context.Background())
	s.RunOnce(context.Background())
	require.Equal(t, int32(2), runs.Load())
}

func TestNewSweeperDefaultInterval(t *testing.T) {
	s := NewSweeper(0, func(context.Context) {}, nil)
	require.Equal(t, DefaultInterval, s.interval)
}
