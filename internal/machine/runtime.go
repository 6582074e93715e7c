// Package machine is the cooperative I/O runtime: worker threads, a
// per-worker scheduler/event loop, a timer wheel, condition variables,
// and stackful coroutines built on top of them. It is the "C1-C6" half of
// the spec; the non-blocking I/O facade and protocol framer live in
// sibling packages (netio, pgwire) that consume this one.
package machine

import (
	"sync"

	"github.com/rs/zerolog"
)

// Runtime is the host-level entry point: runtime_init/runtime_free plus
// worker_spawn/worker_wait from spec §6. Nothing about pool selection,
// routing, or the PostgreSQL protocol lives here — those are consumers.
type Runtime struct {
	log zerolog.Logger

	mu      sync.Mutex
	workers map[string]*Worker
	closed  bool
}

// NewRuntime is runtime_init(): it allocates the host-level bookkeeping.
// There is no global/package-level runtime state — every caller owns its
// own Runtime, so tests can create and tear down many independently.
func NewRuntime(log zerolog.Logger) *Runtime {
	return &Runtime{log: log, workers: make(map[string]*Worker)}
}

// SpawnWorker is worker_spawn(name, entry, arg): it creates an OS thread
// running a fresh scheduler, spawns entry as the worker's root coroutine,
// and returns once that much is set up. arg is captured by the caller's
// closure rather than passed as a void pointer, per Go idiom.
func (r *Runtime) SpawnWorker(name string, entry func(co *Coroutine) error) (*Worker, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRuntimeClosed
	}
	if _, exists := r.workers[name]; exists {
		r.mu.Unlock()
		return nil, duplicateWorkerError(name)
	}
	r.mu.Unlock()

	w, err := spawnWorker(name, r.log, entry)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.workers[name] = w
	r.mu.Unlock()
	return w, nil
}

// WaitWorker is worker_wait(id) addressed by name: blocks the host until
// the named worker's scheduler has exited.
func (r *Runtime) WaitWorker(name string) error {
	r.mu.Lock()
	w, ok := r.workers[name]
	r.mu.Unlock()
	if !ok {
		return errUnknownWorker(name)
	}
	return w.Wait()
}

// Free is runtime_free(): it waits for every worker spawned through this
// Runtime to drain and marks the runtime closed to further SpawnWorker
// calls. It does not forcibly cancel running coroutines — callers that
// want a bounded shutdown should cancel their own root coroutines first
// (see cmd/pgflowd's serve for the pattern used by the demo server).
func (r *Runtime) Free() error {
	r.mu.Lock()
	r.closed = true
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
