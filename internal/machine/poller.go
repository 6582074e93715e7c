package machine

import "time"

// PollEvent reports readiness for one registered file descriptor.
type PollEvent struct {
	FD       int
	Readable bool
	Writable bool
	Err      bool
}

// poller is the per-worker edge-triggered readiness multiplexer: epoll on
// Linux, kqueue on the BSDs/Darwin. Exactly one poller belongs to exactly
// one Scheduler, opened on the scheduler's own OS thread.
type poller interface {
	// Add registers fd for the given interest set. It is an error to add
	// an fd twice without an intervening Remove.
	Add(fd int, readable, writable bool) error
	// Modify changes the interest set for an already-added fd.
	Modify(fd int, readable, writable bool) error
	// Remove drops fd from the interest set. Idempotent.
	Remove(fd int) error
	// Wait blocks for up to timeout (timeout<0 waits indefinitely, 0 polls
	// without blocking) and returns the events that fired, if any, plus
	// whatever the wake fd contributed (already drained, not reported).
	Wait(timeout time.Duration) ([]PollEvent, error)
	// Wake interrupts a concurrent Wait call from any goroutine. Safe to
	// call from outside the scheduler's own goroutine — this is the only
	// poller method that is.
	Wake() error
	// Close releases the poller's OS resources.
	Close() error
}
