package machine

import (
	"testing"
	"time"

	"github.com/pgflowd/pgflow/internal/perr"
	"github.com/stretchr/testify/require"
)

func TestCoroutinePanicBecomesFatalError(t *testing.T) {
	s := newTestScheduler(t)
	err := runToCompletion(t, s, func(co *Coroutine) error {
		panic("kaboom")
	})
	require.Error(t, err)
	kind, ok := perr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, perr.KindFatal, kind)
}

func TestCoroutineCancelBeforeFirstTurnSkipsBody(t *testing.T) {
	s := newTestScheduler(t)
	ran := false
	co := s.Spawn(func(co *Coroutine) error {
		ran = true
		return nil
	})
	// Cancel before the scheduler has granted the first turn: main() must
	// observe cancelRequested immediately after receiving it and skip fn.
	s.Cancel(co.ID())

	done := make(chan struct{})
	go func() { s.run(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not drain")
	}
	require.ErrorIs(t, s.Join(co.ID()), perr.Cancelled)
	require.False(t, ran)
}

func TestYieldObservesCancelWithoutParking(t *testing.T) {
	s := newTestScheduler(t)
	reachedAfterYield := false
	co := s.Spawn(func(co *Coroutine) error {
		co.cancelRequested.Store(true)
		if err := co.Yield(); err != nil {
			return err
		}
		reachedAfterYield = true
		return nil
	})
	done := make(chan struct{})
	go func() { s.run(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not drain")
	}
	require.ErrorIs(t, s.Join(co.ID()), perr.Cancelled)
	require.False(t, reachedAfterYield)
}
