package machine

import (
	"runtime"
	"sync"

	"github.com/pgflowd/pgflow/internal/perr"
	"github.com/rs/zerolog"
)

// Worker is an OS thread hosting exactly one Scheduler, per spec §4.6. It
// is created and joined by the Runtime (the host); a fault in one worker
// never touches another's state, since the only shared structures are the
// per-scheduler ready queue/registries, each guarded by its own mutex.
type Worker struct {
	name      string
	scheduler *Scheduler
	root      *Coroutine
}

// spawnWorker creates the OS thread, builds its scheduler, spawns the
// root coroutine running entry(arg), and starts the dispatch loop. It
// returns once the scheduler and root coroutine exist, not once the
// worker has finished running — use Wait for that.
func spawnWorker(name string, log zerolog.Logger, entry func(co *Coroutine) error) (*Worker, error) {
	w := &Worker{name: name}
	var startErr error

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		sched, err := newScheduler(name, log)
		if err != nil {
			startErr = err
			wg.Done()
			return
		}
		w.scheduler = sched
		w.root = sched.Spawn(entry)
		wg.Done()

		sched.run()
	}()
	wg.Wait()

	if startErr != nil {
		return nil, startErr
	}
	return w, nil
}

// Name returns the worker's name, as given to worker_spawn.
func (w *Worker) Name() string { return w.name }

// Scheduler returns the worker's scheduler, e.g. to spawn additional
// coroutines on it or register I/O handles.
func (w *Worker) Scheduler() *Scheduler { return w.scheduler }

// Wait blocks the host until the worker's run loop has exited, returning
// the root coroutine's exit error (nil on success) — worker_wait in spec
// terms. It is a native (host-thread) wait, not a coroutine suspension.
func (w *Worker) Wait() error {
	<-w.scheduler.Done()
	if err := w.scheduler.Err(); err != nil {
		return perr.Wrap(perr.KindFatal, "worker "+w.name+" terminated", err)
	}
	return w.scheduler.Join(w.root.ID())
}
