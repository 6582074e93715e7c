package proxy

import (
	"errors"
	"testing"
	"time"

	"github.com/pgflowd/pgflow/internal/config"
	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/netio"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newPipeConn builds an attached serverConn over a socketpair, bypassing
// the real dial path so backend set tests don't need a live listener.
func newPipeConn(sched *machine.Scheduler) (*serverConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		return nil, err
	}
	h, err := netio.FromRawFD(fds[0])
	if err != nil {
		return nil, err
	}
	h.Attach(sched)
	return &serverConn{handle: h, backend: config.Backend{Name: "b0", Address: "unused"}}, nil
}

func TestBackendSetAcquireReusesIdleConnection(t *testing.T) {
	var idleAfterAcquire, idleAfterRelease int
	var reused bool
	w, err := machine.NewRuntime(zerolog.Nop()).SpawnWorker("bs1", func(co *machine.Coroutine) error {
		bs := NewBackendSet(co.Scheduler(), config.Pool{Name: "p", MaxServerConns: 2, Backends: []config.Backend{{Address: "127.0.0.1:1"}}})
		sc, err := newPipeConn(co.Scheduler())
		if err != nil {
			return err
		}
		bs.idle = append(bs.idle, sc)
		bs.total = 1

		got, err := bs.Acquire(co, time.Second)
		if err != nil {
			return err
		}
		reused = got == sc
		idleAfterAcquire = len(bs.idle)
		bs.Release(got)
		idleAfterRelease = len(bs.idle)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, w.Wait())
	require.True(t, reused, "expected the idle connection to be reused")
	require.Equal(t, 0, idleAfterAcquire)
	require.Equal(t, 1, idleAfterRelease)
}

func TestBackendSetAcquireBlocksPastMaxUntilRelease(t *testing.T) {
	var stats Stats
	var sameConn bool
	w, err := machine.NewRuntime(zerolog.Nop()).SpawnWorker("bs2", func(co *machine.Coroutine) error {
		bs := NewBackendSet(co.Scheduler(), config.Pool{Name: "p", MaxServerConns: 1, Backends: []config.Backend{{Address: "127.0.0.1:1"}}})
		sc, err := newPipeConn(co.Scheduler())
		if err != nil {
			return err
		}
		bs.idle = append(bs.idle, sc)
		bs.total = 1

		first, err := bs.Acquire(co, time.Second)
		if err != nil {
			return err
		}

		release := co.Scheduler().Spawn(func(rc *machine.Coroutine) error {
			if err := rc.Sleep(20 * time.Millisecond); err != nil {
				return err
			}
			bs.Release(first)
			return nil
		})

		second, err := bs.Acquire(co, time.Second)
		if err != nil {
			return err
		}
		sameConn = second == first
		stats = bs.Stats()
		return co.Scheduler().Join(release.ID())
	})
	require.NoError(t, err)
	require.NoError(t, w.Wait())
	require.True(t, sameConn, "expected the same connection to be handed back after release")
	require.Equal(t, 1, stats.Active)
	require.Equal(t, 1, stats.Total)
}

func TestBackendSetDiscardDecrementsTotal(t *testing.T) {
	var total int
	w, err := machine.NewRuntime(zerolog.Nop()).SpawnWorker("bs3", func(co *machine.Coroutine) error {
		bs := NewBackendSet(co.Scheduler(), config.Pool{Name: "p", MaxServerConns: 2, Backends: []config.Backend{{Address: "127.0.0.1:1"}}})
		sc, err := newPipeConn(co.Scheduler())
		if err != nil {
			return err
		}
		bs.idle = append(bs.idle, sc)
		bs.total = 1

		got, err := bs.Acquire(co, time.Second)
		if err != nil {
			return err
		}
		bs.Discard(got)
		total = bs.total
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, w.Wait())
	require.Equal(t, 0, total)
}

func TestBackendSetCloseClosesIdleConnections(t *testing.T) {
	var totalAfterClose int
	w, err := machine.NewRuntime(zerolog.Nop()).SpawnWorker("bs4", func(co *machine.Coroutine) error {
		bs := NewBackendSet(co.Scheduler(), config.Pool{Name: "p", MaxServerConns: 2, Backends: []config.Backend{{Address: "127.0.0.1:1"}}})
		sc, err := newPipeConn(co.Scheduler())
		if err != nil {
			return err
		}
		bs.idle = append(bs.idle, sc)
		bs.total = 1

		bs.Close()
		totalAfterClose = bs.total
		_, err = bs.Acquire(co, time.Second)
		if err == nil {
			return errors.New("expected Acquire on a closed set to fail")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, w.Wait())
	require.Equal(t, 0, totalAfterClose)
}
