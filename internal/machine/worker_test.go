package machine

import (
	"testing"
	"time"

	"github.com/pgflowd/pgflow/internal/perr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWorkerSpawnRunsEntryAndWaits(t *testing.T) {
	ran := false
	w, err := spawnWorker("w1", zerolog.Nop(), func(co *Coroutine) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "w1", w.Name())
	require.NotNil(t, w.Scheduler())

	require.NoError(t, w.Wait())
	require.True(t, ran)
}

func TestWorkerWaitPropagatesRootError(t *testing.T) {
	w, err := spawnWorker("w2", zerolog.Nop(), func(co *Coroutine) error {
		return perr.New(perr.KindProtocol, "boom")
	})
	require.NoError(t, err)

	err = w.Wait()
	require.ErrorIs(t, err, perr.Protocol)
}

func TestWorkerRootCanSpawnChildren(t *testing.T) {
	var childRan bool
	w, err := spawnWorker("w3", zerolog.Nop(), func(co *Coroutine) error {
		child := co.Scheduler().Spawn(func(co *Coroutine) error {
			childRan = true
			return nil
		})
		return co.Scheduler().Join(child.ID())
	})
	require.NoError(t, err)
	require.NoError(t, w.Wait())
	require.True(t, childRan)
}

func TestWorkerRootSleepsThenCompletes(t *testing.T) {
	start := time.Now()
	w, err := spawnWorker("w4", zerolog.Nop(), func(co *Coroutine) error {
		return co.Sleep(30 * time.Millisecond)
	})
	require.NoError(t, err)
	require.NoError(t, w.Wait())
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
