package reaper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) AbandonExpiredSessions(ctx context.Context) (int, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return 0, s.err
	}
	return int(n), nil
}

func TestReaperSweepsUntilStopped(t *testing.T) {
	sweeper := &countingSweeper{}
	r := New(sweeper, 5*time.Millisecond, nil)

	require.NoError(t, r.Start())
	require.True(t, r.IsRunning())
	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop())
	require.False(t, r.IsRunning())

	after := sweeper.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, sweeper.calls.Load())
}

func TestReaperKeepsGoingOnError(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("database is locked")}
	r := New(sweeper, 5*time.Millisecond, nil)

	require.NoError(t, r.Start())
	defer r.Stop()
	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSweepReturnsCount(t *testing.T) {
	sweeper := &countingSweeper{}
	r := New(sweeper, 0, nil)
	require.Equal(t, DefaultInterval, r.interval)
	require.Equal(t, 1, r.Sweep(context.Background()))
	require.Equal(t, 2, r.Sweep(context.Background()))
}
