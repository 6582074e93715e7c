package machine

import (
	"sync"

	"github.com/rs/zerolog"
)

// readyItem pairs a coroutine with the result it should be resumed with.
type readyItem struct {
	co  *Coroutine
	res parkResult
}

// Scheduler is the per-worker run queue, clock, and poller described in
// spec §4.5: single-threaded dispatch loop over stackful coroutines, no
// lock needed for the structures it alone touches from its own goroutine
// (the clock step and poller-event dispatch below), and a mutex-guarded
// ready queue for every other path in (spawn, signal, cancel, timer
// arm/disarm called from a parked coroutine's own goroutine).
type Scheduler struct {
	name   string
	log    zerolog.Logger
	clock  *Clock
	poller poller

	readyMu sync.Mutex
	ready   []readyItem

	regMu  sync.Mutex
	coros  map[uint64]*Coroutine
	nextID uint64

	ioMu sync.Mutex
	io   map[int]*ioRegistration

	refMu    sync.Mutex
	refCount int

	batonReturn chan struct{}

	done     chan struct{}
	closeErr error
}

// ioRegistration tracks which conditions to signal when a watched fd
// becomes ready, and whether the read/write side is currently armed
// (read_start/read_stop idempotency, spec §4.7/§9).
type ioRegistration struct {
	onRead     *Condition
	onWrite    *Condition
	readArmed  bool
	writeArmed bool
	registered bool // true once this fd has a live poller.Add, until poller.Remove
}

func newScheduler(name string, log zerolog.Logger) (*Scheduler, error) {
	p, err := openPoller()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		name:        name,
		log:         log.With().Str("worker", name).Logger(),
		clock:       NewClock(),
		poller:      p,
		coros:       make(map[uint64]*Coroutine),
		io:          make(map[int]*ioRegistration),
		batonReturn: make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Name returns the worker name this scheduler belongs to.
func (s *Scheduler) Name() string { return s.name }

// ReadyLen reports the current runnable-queue depth, for metrics.
func (s *Scheduler) ReadyLen() int {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	return len(s.ready)
}

// TimerLen reports the clock's pending timer count, for metrics.
func (s *Scheduler) TimerLen() int { return s.clock.Len() }

// IOCount reports the number of attached I/O handles, for metrics.
func (s *Scheduler) IOCount() int {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return len(s.io)
}

// Done returns a channel closed once the scheduler's run loop has
// returned (drained, or terminated by a fatal poller error).
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Err returns the fatal error that stopped the loop, if any. Only
// meaningful after Done is closed.
func (s *Scheduler) Err() error { return s.closeErr }

func (s *Scheduler) pushReady(co *Coroutine, res parkResult) {
	co.mu.Lock()
	co.pendingResult = res
	co.mu.Unlock()
	s.readyMu.Lock()
	s.ready = append(s.ready, readyItem{co: co, res: res})
	s.readyMu.Unlock()
	s.poller.Wake()
}

func (s *Scheduler) popReady() (*Coroutine, parkResult, bool) {
	s.readyMu.Lock()
	if len(s.ready) == 0 {
		s.readyMu.Unlock()
		return nil, parkOK, false
	}
	item := s.ready[0]
	s.ready = s.ready[1:]
	s.readyMu.Unlock()
	return item.co, item.res, true
}

// wakeCoroutine is the single delivery path for making a parked (or
// not-yet-started) coroutine runnable again, whatever goroutine calls it
// from. See Condition's doc comment for why this path is unconditional.
func (s *Scheduler) wakeCoroutine(co *Coroutine, res parkResult) {
	s.pushReady(co, res)
}

func (s *Scheduler) runTurn(co *Coroutine, res parkResult) {
	co.turn <- res
	<-s.batonReturn
}

func (s *Scheduler) returnBaton() {
	s.batonReturn <- struct{}{}
}

// refInc/refDec track live coroutines: Spawn increments, a coroutine's
// exit decrements. The loop exits once both the ready queue and refCount
// are empty.
func (s *Scheduler) refInc() {
	s.refMu.Lock()
	s.refCount++
	s.refMu.Unlock()
}

func (s *Scheduler) refDec() {
	s.refMu.Lock()
	s.refCount--
	s.refMu.Unlock()
	s.poller.Wake()
}

func (s *Scheduler) drained() bool {
	s.refMu.Lock()
	rc := s.refCount
	s.refMu.Unlock()
	s.readyMu.Lock()
	rq := len(s.ready)
	s.readyMu.Unlock()
	return rc == 0 && rq == 0
}

func (s *Scheduler) onCoroutineFinished(co *Coroutine) {
	s.refDec()
}

// Spawn creates a coroutine on this scheduler running fn, and makes it
// runnable. fn receives the coroutine itself so it can call Yield/Sleep/
// Wait/cancellation-aware facade operations on it.
func (s *Scheduler) Spawn(fn func(co *Coroutine) error) *Coroutine {
	s.regMu.Lock()
	s.nextID++
	id := s.nextID
	co := &Coroutine{
		id:     id,
		home:   s,
		turn:   make(chan parkResult),
		joinCh: make(chan struct{}),
	}
	co.fn = func() error { return fn(co) }
	s.coros[id] = co
	s.regMu.Unlock()

	s.refInc()
	go co.main()
	s.pushReady(co, parkOK)
	return co
}

// Join blocks the caller (any goroutine, including the host) until the
// coroutine finishes, returning its exit error (nil on success).
func (s *Scheduler) Join(id uint64) error {
	s.regMu.Lock()
	co, ok := s.coros[id]
	s.regMu.Unlock()
	if !ok {
		return nil
	}
	<-co.joinCh
	return co.exitErr
}

// Cancel delivers cooperative cancellation to the coroutine: sets its
// flag (observed at the next suspension point) and, if it is currently
// parked, wakes it immediately with a cancelled result.
func (s *Scheduler) Cancel(id uint64) {
	s.regMu.Lock()
	co, ok := s.coros[id]
	s.regMu.Unlock()
	if !ok {
		return
	}
	co.cancelRequested.Store(true)

	co.mu.Lock()
	parked := co.parkedOn
	co.mu.Unlock()

	if parked != nil {
		parked.mu.Lock()
		isWaiter := parked.waiter == co
		if isWaiter {
			parked.waiter = nil
		}
		parked.mu.Unlock()
		if isWaiter {
			s.wakeCoroutine(co, parkCancelled)
			return
		}
	}
	// Not currently parked on a condition (Sleep parks on one too): it is
	// runnable, running, or not yet started, and observes the cancel flag
	// at its next suspension point (or before its body, if not started).
}

// RegisterIO is the exported form of registerIO, for handles living in
// sibling packages (netio.Handle.Attach).
func (s *Scheduler) RegisterIO(fd int, onRead, onWrite *Condition) {
	s.registerIO(fd, onRead, onWrite)
}

// UnregisterIO is the exported form of unregisterIO.
func (s *Scheduler) UnregisterIO(fd int) { s.unregisterIO(fd) }

// ArmRead is the exported form of armRead.
func (s *Scheduler) ArmRead(fd int) error { return s.armRead(fd) }

// DisarmRead is the exported form of disarmRead.
func (s *Scheduler) DisarmRead(fd int) error { return s.disarmRead(fd) }

// ArmWrite is the exported form of armWrite.
func (s *Scheduler) ArmWrite(fd int) error { return s.armWrite(fd) }

// DisarmWrite is the exported form of disarmWrite.
func (s *Scheduler) DisarmWrite(fd int) error { return s.disarmWrite(fd) }

// registerIO associates onRead/onWrite conditions with fd for poller
// dispatch. Called once per I/O handle attach.
func (s *Scheduler) registerIO(fd int, onRead, onWrite *Condition) {
	s.ioMu.Lock()
	s.io[fd] = &ioRegistration{onRead: onRead, onWrite: onWrite}
	s.ioMu.Unlock()
}

func (s *Scheduler) unregisterIO(fd int) {
	s.ioMu.Lock()
	delete(s.io, fd)
	s.ioMu.Unlock()
	s.poller.Remove(fd)
}

// armRead idempotently arms edge-triggered readability for fd (spec
// §4.7/§9: read_start must not rearm an already-armed handle).
func (s *Scheduler) armRead(fd int) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	reg, ok := s.io[fd]
	if !ok {
		return nil
	}
	if reg.readArmed {
		return nil
	}
	reg.readArmed = true
	return s.applyInterest(fd, reg)
}

func (s *Scheduler) disarmRead(fd int) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	reg, ok := s.io[fd]
	if !ok {
		return nil
	}
	if !reg.readArmed {
		return nil
	}
	reg.readArmed = false
	return s.applyInterest(fd, reg)
}

func (s *Scheduler) armWrite(fd int) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	reg, ok := s.io[fd]
	if !ok {
		return nil
	}
	if reg.writeArmed {
		return nil
	}
	reg.writeArmed = true
	return s.applyInterest(fd, reg)
}

func (s *Scheduler) disarmWrite(fd int) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	reg, ok := s.io[fd]
	if !ok {
		return nil
	}
	if !reg.writeArmed {
		return nil
	}
	reg.writeArmed = false
	return s.applyInterest(fd, reg)
}

// applyInterest pushes the current read/write armed state to the poller.
// Caller must hold s.ioMu. The first arm call for an fd issues poller.Add;
// later calls while still armed issue poller.Modify (Add would fail with
// EEXIST on an fd epoll already knows about); dropping both interests
// issues poller.Remove and clears registered so a later re-arm adds fresh.
func (s *Scheduler) applyInterest(fd int, reg *ioRegistration) error {
	if !reg.readArmed && !reg.writeArmed {
		if !reg.registered {
			return nil
		}
		reg.registered = false
		return s.poller.Remove(fd)
	}
	if !reg.registered {
		reg.registered = true
		return s.poller.Add(fd, reg.readArmed, reg.writeArmed)
	}
	return s.poller.Modify(fd, reg.readArmed, reg.writeArmed)
}

// run is the scheduler's dispatch loop (spec §4.5 steps 1-6). It must be
// called on a goroutine that has already called runtime.LockOSThread, and
// it returns once the scheduler has drained (no coroutines, no external
// holds) or a poller error is judged fatal.
func (s *Scheduler) run() {
	defer close(s.done)
	for {
		for {
			co, res, ok := s.popReady()
			if !ok {
				break
			}
			s.runTurn(co, res)
		}
		if s.drained() {
			return
		}
		timeout := s.clock.NextTimeout()
		events, err := s.poller.Wait(timeout)
		if err != nil {
			s.closeErr = err
			s.log.Error().Err(err).Msg("poller wait failed, worker terminating")
			return
		}
		s.dispatchEvents(events)
		s.clock.Step()
	}
}

// dispatchEvents signals on_read/on_write for every ready fd. Runs only
// from the scheduler's own goroutine (right after poller.Wait returns),
// so it is safe to read s.io without the mutex's write-path cost mattering
// much — it still takes the lock because ioRegistration is also mutated
// by armRead/armWrite, which can be called from coroutine goroutines that
// are not the loop (between turns, before they park).
func (s *Scheduler) dispatchEvents(events []PollEvent) {
	for _, e := range events {
		s.ioMu.Lock()
		reg, ok := s.io[e.FD]
		s.ioMu.Unlock()
		if !ok {
			continue
		}
		if (e.Readable || e.Err) && reg.onRead != nil {
			reg.onRead.Signal()
		}
		if (e.Writable || e.Err) && reg.onWrite != nil {
			reg.onWrite.Signal()
		}
	}
}
