package machine

import (
	"testing"
	"time"

	"github.com/pgflowd/pgflow/internal/perr"
	"github.com/stretchr/testify/require"
)

func TestConditionSignalBeforeWaitLatches(t *testing.T) {
	s := newTestScheduler(t)
	cond := s.NewCond()
	cond.Signal()

	err := runToCompletion(t, s, func(co *Coroutine) error {
		return co.Wait(cond, -1)
	})
	require.NoError(t, err)
}

func TestConditionSignalWakesWaiter(t *testing.T) {
	s := newTestScheduler(t)
	cond := s.NewCond()

	waiterStarted := make(chan struct{})
	s.Spawn(func(co *Coroutine) error {
		close(waiterStarted)
		return co.Wait(cond, -1)
	})
	signaller := s.Spawn(func(co *Coroutine) error {
		// Let the waiter register itself first.
		for i := 0; i < 3; i++ {
			if err := co.Yield(); err != nil {
				return err
			}
		}
		cond.Signal()
		return nil
	})

	done := make(chan struct{})
	go func() { s.run(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not drain")
	}
	require.NoError(t, s.Join(signaller.ID()))
}

func TestConditionWaitTimesOut(t *testing.T) {
	s := newTestScheduler(t)
	cond := s.NewCond()

	err := runToCompletion(t, s, func(co *Coroutine) error {
		return co.Wait(cond, 10*time.Millisecond)
	})
	require.ErrorIs(t, err, perr.Timeout)
}

func TestConditionDoubleWaitIsInvariantViolation(t *testing.T) {
	s := newTestScheduler(t)
	cond := s.NewCond()

	first := s.Spawn(func(co *Coroutine) error {
		return co.Wait(cond, time.Hour)
	})
	second := s.Spawn(func(co *Coroutine) error {
		for i := 0; i < 2; i++ {
			if err := co.Yield(); err != nil {
				return err
			}
		}
		return co.Wait(cond, time.Hour)
	})

	go s.run()
	time.Sleep(30 * time.Millisecond)
	s.Cancel(first.ID())
	s.Cancel(second.ID())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not drain")
	}

	secondErr := s.Join(second.ID())
	require.Error(t, secondErr)
	kind, ok := perr.KindOf(secondErr)
	require.True(t, ok)
	require.Contains(t, []perr.Kind{perr.KindFatal, perr.KindCancelled}, kind)
}

func TestConditionFreeAfterCancelIsSafe(t *testing.T) {
	s := newTestScheduler(t)
	cond := s.NewCond()

	co := s.Spawn(func(co *Coroutine) error {
		return co.Wait(cond, time.Hour)
	})
	go s.run()
	time.Sleep(20 * time.Millisecond)

	// Cancel clears cond's waiter itself and wakes co; only then is it
	// safe to Free the condition and let a stray Signal become a no-op.
	s.Cancel(co.ID())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not drain")
	}
	require.ErrorIs(t, s.Join(co.ID()), perr.Cancelled)

	require.NotPanics(t, func() {
		cond.Free()
		cond.Signal()
	})
}
