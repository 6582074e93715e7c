package machine

import (
	"sync"
	"time"

	"github.com/pgflowd/pgflow/internal/perr"
)

// Condition is a one-shot wakeup primitive bound to at most one waiting
// coroutine at a time. Signal on an unwaited condition latches signaled
// so the next Wait returns immediately, matching the "arm I/O -> wait ->
// observe" pattern used throughout the framed stream.
//
// Delivery always goes through the owning scheduler's ready queue (see
// Scheduler.wakeCoroutine), whether the signaller is a coroutine on the
// same worker or a different one entirely — see DESIGN.md OQ-2 for why
// the spec's same-worker fast path is collapsed into a single safe path
// here: coroutines are real goroutines, not fibers confined to one OS
// thread, so there is no call-stack test for "am I running on the owning
// worker" to key a fast path off.
type Condition struct {
	owner *Scheduler

	mu       sync.Mutex
	signaled bool
	waiter   *Coroutine
}

// NewCond creates a condition owned by this scheduler.
func (s *Scheduler) NewCond() *Condition {
	return &Condition{owner: s}
}

// Signal wakes the current waiter, if any, or latches the signal for the
// next Wait call. Safe to call from any goroutine.
func (c *Condition) Signal() {
	c.mu.Lock()
	w := c.waiter
	c.waiter = nil
	if w == nil {
		c.signaled = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.owner.wakeCoroutine(w, parkOK)
}

// Free releases the condition. Odyssey's od_io_free frees on_read/on_write
// unconditionally; here there is no OS resource to release, but Free
// clears a still-registered waiter so a concurrent Signal becomes a no-op
// rather than resurrecting a coroutine after its stream has been torn
// down.
//
// Free must only be called once no coroutine is parked in Wait on this
// condition (cancel it first and let Cancel's own wakeCoroutine path
// clear c.waiter). Calling Free while a coroutine is still parked detaches
// the waiter out from under both the pending timeout callback and a later
// Cancel, which key off c.waiter == co — the parked coroutine would never
// be resumed.
func (c *Condition) Free() {
	c.mu.Lock()
	c.waiter = nil
	c.mu.Unlock()
}

// Wait parks co on c until Signal is called or timeout elapses. A
// negative timeout disables the deadline. Returns nil, perr.Timeout, or
// perr.Cancelled, or a fatal-kind error if another coroutine is already
// waiting on c.
func (co *Coroutine) Wait(c *Condition, timeout time.Duration) error {
	if co.checkCancel() {
		return perr.Cancelled
	}

	c.mu.Lock()
	if c.signaled {
		c.signaled = false
		c.mu.Unlock()
		return nil
	}
	if c.waiter != nil {
		c.mu.Unlock()
		return perr.Wrap(perr.KindFatal, "condition already has a waiter", nil)
	}
	c.waiter = co
	c.mu.Unlock()

	co.mu.Lock()
	co.parkedOn = c
	co.mu.Unlock()

	var timer *Timer
	if timeout >= 0 {
		timer = &Timer{deadline: co.home.clock.Now().Add(timeout)}
		timer.callback = func() {
			c.mu.Lock()
			fired := c.waiter == co
			if fired {
				c.waiter = nil
			}
			c.mu.Unlock()
			if fired {
				co.home.wakeCoroutine(co, parkTimeout)
			}
		}
		co.home.clock.Add(timer)
	}

	res := co.park()

	co.mu.Lock()
	co.parkedOn = nil
	co.mu.Unlock()

	if timer != nil {
		co.home.clock.Del(timer)
	}

	switch res {
	case parkOK:
		return nil
	case parkTimeout:
		return perr.Timeout
	case parkCancelled:
		return perr.Cancelled
	default:
		return nil
	}
}
