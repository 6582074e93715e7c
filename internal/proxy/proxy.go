package proxy

import (
	"errors"
	"sync"
	"time"

	"github.com/pgflowd/pgflow/internal/config"
	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/metrics"
	"github.com/pgflowd/pgflow/internal/netio"
	"github.com/pgflowd/pgflow/internal/pgwire"
	"github.com/pgflowd/pgflow/internal/perr"
)

// relayBufSize bounds a single pass-through read/write; it has no bearing
// on protocol framing, only on how much gets copied per syscall pair.
const relayBufSize = 16 * 1024

// Session is one accepted client connection paired with a borrowed backend
// connection, driven by one session coroutine that spawns a relay
// coroutine per direction (the spec's pass-through proxy loop, SF-1).
type Session struct {
	pool   *BackendSet
	cfg    config.Pool
	client *netio.Stream
	metric *metrics.Registry
}

// NewSession wraps an already-Attach-ed client handle for pool.
func NewSession(pool *BackendSet, cfg config.Pool, clientHandle *netio.Handle, m *metrics.Registry) *Session {
	return &Session{
		pool:   pool,
		cfg:    cfg,
		client: netio.NewStream(clientHandle, cfg.ReadaheadBytes),
		metric: m,
	}
}

// Run drives the session to completion: reads the client's startup
// packet, acquires a backend, then relays bytes in both directions until
// either side closes or errors. It returns nil only when the relay ended
// with one side (client or server) closing its connection cleanly.
func (sess *Session) Run(co *machine.Coroutine) error {
	defer sess.client.Handle().Close()
	defer sess.client.Handle().Detach()

	startup, err := pgwire.ReadStartup(co, sess.client, sess.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	_ = startup // the spec's authentication/parameter negotiation is a later milestone; SF-1 only proxies bytes once a valid startup is observed

	sc, err := sess.pool.Acquire(co, sess.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	server := netio.NewStream(sc.handle, sess.cfg.ReadaheadBytes)
	defer func() {
		if err != nil {
			sess.pool.Discard(sc)
		} else {
			sess.pool.Release(sc)
		}
	}()

	if err = server.Handle().Write(co, startup.Bytes, sess.cfg.ConnectTimeout); err != nil {
		return err
	}

	// Each direction is its own coroutine on co's scheduler: a coroutine
	// is a single logical owner of its turn (the baton invariant Clock and
	// Condition both rely on), so the two directions cannot share co —
	// each needs its own independent parking/waking lifecycle. Run itself
	// executes on co's own turn, so waiting for them to finish must go
	// through co.Wait (which returns the baton to the scheduler loop while
	// parked) rather than a bare channel receive, which would just block
	// this goroutine without ever handing the baton back — wedging the
	// scheduler loop, and with it every other coroutine sharing this
	// worker, forever.
	sched := co.Scheduler()
	result := newRelayResult(sched)
	fwd := sched.Spawn(func(rc *machine.Coroutine) error {
		rerr := sess.relayLoop(rc, sess.client, server, "client_to_server")
		result.record(0, rerr)
		return rerr
	})
	back := sched.Spawn(func(rc *machine.Coroutine) error {
		rerr := sess.relayLoop(rc, server, sess.client, "server_to_client")
		result.record(1, rerr)
		return rerr
	})

	waitErr := result.waitFor(co, 1)
	sched.Cancel(fwd.ID())
	sched.Cancel(back.ID())
	if waitErr != nil {
		return waitErr
	}
	first := result.first()

	if waitErr := result.waitFor(co, 2); waitErr != nil {
		return waitErr
	}

	if first != nil && !isCleanClose(first) {
		err = first
	}
	return err
}

// relayResult collects each relay direction's exit error so Run can learn
// when they finish without a raw channel receive (see the comment above).
type relayResult struct {
	ready *machine.Condition

	mu   sync.Mutex
	errs [2]error
	done [2]bool
	n    int

	firstIdx int // direction that recorded its result first
}

func newRelayResult(sched *machine.Scheduler) *relayResult {
	return &relayResult{ready: sched.NewCond()}
}

// record stores direction i's exit error and wakes whoever is in waitFor.
func (r *relayResult) record(i int, err error) {
	r.mu.Lock()
	if !r.done[i] {
		if r.n == 0 {
			r.firstIdx = i
		}
		r.done[i] = true
		r.errs[i] = err
		r.n++
	}
	r.mu.Unlock()
	r.ready.Signal()
}

func (r *relayResult) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// first returns whichever direction finished first.
func (r *relayResult) first() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[r.firstIdx]
}

// waitFor parks co (through the real condition machinery, not a bare
// channel) until at least want directions have recorded a result.
func (r *relayResult) waitFor(co *machine.Coroutine, want int) error {
	for r.count() < want {
		if err := co.Wait(r.ready, -1); err != nil {
			return err
		}
	}
	return nil
}

// relayLoop copies from src to dst until src is closed, errors, or is
// cancelled (the sibling direction finishing first cancels this one),
// reporting bytes proxied through metric if set.
func (sess *Session) relayLoop(co *machine.Coroutine, src, dst *netio.Stream, direction string) error {
	buf := make([]byte, relayBufSize)
	for {
		n, err := src.ReadSome(co, buf, sess.cfg.IdleTimeout)
		if n > 0 {
			if werr := dst.Handle().Write(co, buf[:n], sess.cfg.IdleTimeout); werr != nil {
				return werr
			}
			if sess.metric != nil {
				sess.metric.AddBytesProxied(direction, int64(n))
			}
		}
		if err != nil {
			return err
		}
	}
}

func isCleanClose(err error) bool {
	return errors.Is(err, perr.Closed)
}
