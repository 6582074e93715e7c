// Package proxy is the consumer wired on top of the cooperative core: a
// BackendSet pools upstream server handles per named pool (grounded on
// db-bouncer's TenantPool idle/active/waiting bookkeeping, adapted from
// blocking sync.Cond + goroutines to machine.Condition + coroutines), and
// Session relays bytes between an attached client stream and a borrowed
// server connection.
package proxy

import (
	"time"

	"github.com/pgflowd/pgflow/internal/config"
	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/netio"
	"github.com/pgflowd/pgflow/internal/perr"
)

// serverConn is one pooled upstream connection: a live Handle plus the
// idle/active bookkeeping db-bouncer's PooledConn keeps.
type serverConn struct {
	handle   *netio.Handle
	backend  config.Backend
	idleSince time.Time
}

// BackendSet manages upstream connections for one named pool, scoped to a
// single worker: every handle in it is attached to the same scheduler, so
// acquiring/releasing never crosses worker boundaries (the spec's
// no-work-stealing rule applies to connections, not just coroutines).
type BackendSet struct {
	name    string
	sched   *machine.Scheduler
	pool    config.Pool
	backend int // round-robin index into pool.Backends

	idle    []*serverConn
	active  map[*serverConn]struct{}
	total   int
	waiting *machine.Condition // signaled whenever a connection is released

	closed bool
}

// NewBackendSet builds an empty set for pool, bound to sched.
func NewBackendSet(sched *machine.Scheduler, pool config.Pool) *BackendSet {
	return &BackendSet{
		name:    pool.Name,
		sched:   sched,
		pool:    pool,
		active:  make(map[*serverConn]struct{}),
		waiting: sched.NewCond(),
	}
}

// nextBackend round-robins over the pool's configured backends.
func (bs *BackendSet) nextBackend() config.Backend {
	b := bs.pool.Backends[bs.backend%len(bs.pool.Backends)]
	bs.backend++
	return b
}

// Acquire returns an idle connection, or dials a new one if under
// max_server_connections, or parks the calling coroutine on the release
// condition until one frees up or timeout elapses.
func (bs *BackendSet) Acquire(co *machine.Coroutine, timeout time.Duration) (*serverConn, error) {
	deadline := deadlineFrom(timeout)
	for {
		if bs.closed {
			return nil, perr.New(perr.KindFatal, "pool \""+bs.name+"\" is closed")
		}
		if n := len(bs.idle); n > 0 {
			sc := bs.idle[n-1]
			bs.idle = bs.idle[:n-1]
			bs.active[sc] = struct{}{}
			return sc, nil
		}
		if bs.total < bs.pool.MaxServerConns {
			sc, err := bs.dial(co, timeout)
			if err != nil {
				return nil, err
			}
			bs.total++
			bs.active[sc] = struct{}{}
			return sc, nil
		}
		if err := co.Wait(bs.waiting, remainingFrom(deadline)); err != nil {
			return nil, err
		}
	}
}

// Release returns sc to the idle set and wakes one waiter, if any.
func (bs *BackendSet) Release(sc *serverConn) {
	delete(bs.active, sc)
	if bs.closed {
		bs.closeConn(sc)
		bs.total--
		return
	}
	sc.idleSince = time.Now()
	bs.idle = append(bs.idle, sc)
	bs.waiting.Signal()
}

// Discard drops sc instead of returning it to idle, for connections that
// errored mid-use.
func (bs *BackendSet) Discard(sc *serverConn) {
	delete(bs.active, sc)
	bs.closeConn(sc)
	bs.total--
	bs.waiting.Signal()
}

func (bs *BackendSet) closeConn(sc *serverConn) {
	sc.handle.Detach()
	sc.handle.Close()
}

func (bs *BackendSet) dial(co *machine.Coroutine, timeout time.Duration) (*serverConn, error) {
	backend := bs.nextBackend()
	h, err := netio.Connect("tcp", backend.Address)
	if err != nil {
		return nil, err
	}
	h.Attach(bs.sched)
	return &serverConn{handle: h, backend: backend}, nil
}

// Close marks the set closed: idle connections are closed immediately,
// active ones are closed as they're released (graceful shutdown, SF-3).
func (bs *BackendSet) Close() {
	bs.closed = true
	for _, sc := range bs.idle {
		bs.closeConn(sc)
		bs.total--
	}
	bs.idle = nil
	bs.waiting.Signal()
}

// Stats mirrors db-bouncer's pool Stats shape for the admin surface.
type Stats struct {
	Name   string
	Active int
	Idle   int
	Total  int
}

// Stats reports a snapshot of the set's current occupancy.
func (bs *BackendSet) Stats() Stats {
	return Stats{Name: bs.name, Active: len(bs.active), Idle: len(bs.idle), Total: bs.total}
}

func deadlineFrom(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func remainingFrom(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return -1
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}
