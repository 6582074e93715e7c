package machine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgflowd/pgflow/internal/perr"
)

// parkResult is delivered to a parked coroutine when it is granted the
// baton again: either it ran to completion of its wait normally, timed
// out, or was cancelled.
type parkResult int

const (
	parkOK parkResult = iota
	parkTimeout
	parkCancelled
)

// Coroutine is a stackful user-space task in spec terms; in this
// implementation it is a goroutine that only ever proceeds while holding
// its home Scheduler's baton (see Scheduler.runTurn), so that at most one
// coroutine is active on a given worker at any instant — the same
// guarantee the spec's single-OS-thread design gives for free. It never
// migrates between schedulers.
type Coroutine struct {
	id   uint64
	home *Scheduler
	fn   func() error

	turn chan parkResult // loop sends here to grant the baton

	mu              sync.Mutex
	pendingResult   parkResult
	parkedOn        *Condition
	finished        bool
	cancelRequested atomic.Bool

	joinCh  chan struct{}
	exitErr error
}

// ID returns the coroutine's process-unique identifier.
func (co *Coroutine) ID() uint64 { return co.id }

// Scheduler returns the coroutine's home scheduler.
func (co *Coroutine) Scheduler() *Scheduler { return co.home }

func (co *Coroutine) main() {
	defer func() {
		if r := recover(); r != nil {
			co.exitErr = perr.Wrap(perr.KindFatal, "coroutine panic", fmt.Errorf("%v", r))
		}
		co.mu.Lock()
		co.finished = true
		co.mu.Unlock()
		close(co.joinCh)
		co.home.returnBaton()
		co.home.onCoroutineFinished(co)
	}()
	<-co.turn
	if co.cancelRequested.Load() {
		co.exitErr = perr.Cancelled
		return
	}
	co.exitErr = co.fn()
}

// park gives the baton back to the scheduler loop and blocks until this
// coroutine is granted it again, returning why it was resumed.
func (co *Coroutine) park() parkResult {
	co.home.returnBaton()
	return <-co.turn
}

// checkCancel reports whether cancellation was requested before this
// coroutine reached a suspension point, in which case the caller should
// abandon the operation without parking.
func (co *Coroutine) checkCancel() bool {
	return co.cancelRequested.Load()
}

// Yield returns control to the scheduler, which will resume this
// coroutine again once every other coroutine already in the ready queue
// has had a turn. Poller events and expired timers are only processed
// once the ready queue is empty, so none are delivered in between.
func (co *Coroutine) Yield() error {
	if co.checkCancel() {
		return perr.Cancelled
	}
	co.home.pushReady(co, parkOK)
	res := co.park()
	if res == parkCancelled {
		return perr.Cancelled
	}
	return nil
}

// Sleep parks the coroutine for d, backed by a clock timer, and is itself
// a cancellation suspension point.
func (co *Coroutine) Sleep(d time.Duration) error {
	if d < 0 {
		d = 0
	}
	// Park on a private condition nobody signals: its timeout is the
	// wakeup, and being parked on a condition is what lets
	// Scheduler.Cancel find and wake a sleeping coroutine.
	err := co.Wait(co.home.NewCond(), d)
	if kind, ok := perr.KindOf(err); ok && kind == perr.KindTimeout {
		return nil
	}
	return err
}
