package netio

import (
	"crypto/tls"
	"time"

	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/perr"
	"golang.org/x/sys/unix"
)

// Handle is a non-blocking socket, optionally wrapped in TLS, exposing the
// read_start/read_stop/read_raw/write/set_tls primitives a framed Stream
// is built from. It owns a pair of conditions on whichever scheduler it is
// attached to and arms/disarms poller interest through that scheduler.
//
// A Handle is created detached (no scheduler); Attach registers it with
// the coroutine's home scheduler for the duration it is in use, Detach
// removes it again. Close always shuts the descriptor down but does not
// implicitly detach — callers must Detach before Close if still attached.
type Handle struct {
	fd int

	sched   *machine.Scheduler
	onRead  *machine.Condition
	onWrite *machine.Condition

	readArmed bool

	tlsConn *tls.Conn // nil until SetTLS
	rawConn *rawNetConn

	lastErr string
}

// FromRawFD wraps an already-nonblocking, already-connected file
// descriptor. Used by Connect/Accept below once the syscall has
// succeeded; exported so tests can build a Handle over a pre-made pipe or
// socketpair.
func FromRawFD(fd int) (*Handle, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, perr.Wrap(perr.KindFatal, "set nonblocking", err)
	}
	return &Handle{fd: fd}, nil
}

// Connect starts a non-blocking TCP connection to addr and returns as
// soon as the connect has been issued; it does not wait for the
// connection to be established and takes no timeout. The returned Handle
// is detached; call Attach to start using it on a coroutine's worker.
func Connect(network, addr string) (*Handle, error) {
	sa, domain, err := resolveTCPAddr(network, addr)
	if err != nil {
		return nil, perr.Wrap(perr.KindProtocol, "resolve address", err)
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, perr.Wrap(perr.KindFatal, "socket", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, perr.Wrap(perr.KindFatal, "set nonblocking", err)
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, perr.Wrap(perr.KindReset, "connect", err)
	}
	return &Handle{fd: fd}, nil
}

// FD returns the underlying file descriptor, mainly for diagnostics and
// tests.
func (h *Handle) FD() int { return h.fd }

// Attach registers the handle's conditions with sched and arms no
// interest yet (ReadStart and Write do that). It is a suspension-free,
// non-blocking call.
func (h *Handle) Attach(sched *machine.Scheduler) {
	h.sched = sched
	h.onRead = sched.NewCond()
	h.onWrite = sched.NewCond()
	sched.RegisterIO(h.fd, h.onRead, h.onWrite)
}

// Detach removes the handle from its scheduler's poller and releases its
// conditions. The descriptor itself is left open; call Close separately.
func (h *Handle) Detach() {
	if h.sched == nil {
		return
	}
	h.sched.UnregisterIO(h.fd)
	h.onRead.Free()
	h.onWrite.Free()
	h.sched = nil
}

// Close shuts the descriptor down. Safe to call whether or not currently
// attached, but Detach first if it is.
func (h *Handle) Close() error {
	return unix.Close(h.fd)
}

// Error returns the last error string recorded against this handle
// (od_io_error in spec terms), for diagnostics once an operation fails.
func (h *Handle) Error() string { return h.lastErr }

// ReadStart arms edge-triggered readability so the scheduler signals
// on_read when bytes arrive. Idempotent.
func (h *Handle) ReadStart() error {
	if h.readArmed {
		return nil
	}
	h.readArmed = true
	return h.sched.ArmRead(h.fd)
}

// ReadStop disarms read interest. Idempotent.
func (h *Handle) ReadStop() error {
	if !h.readArmed {
		return nil
	}
	h.readArmed = false
	return h.sched.DisarmRead(h.fd)
}

// ReadRaw reads into dst. Untunnelled, it performs exactly one read
// syscall and never blocks. Once SetTLS has wrapped the handle it reads
// through the TLS layer, whose underlying reads park the coroutine given
// to SetTLS on on_read until bytes arrive or SetTLS's deadline passes.
func (h *Handle) ReadRaw(dst []byte) (int, bool, error) {
	if h.tlsConn != nil {
		return h.tlsReadRaw(dst)
	}
	return h.readFD(dst)
}

// readFD is the bare fd-level read syscall, with no TLS branch at all. It
// is what ReadRaw falls through to when untunnelled, and what rawNetConn
// calls directly so driving a TLS handshake/record over this handle can
// never loop back through the tlsConn != nil branch it's busy servicing.
func (h *Handle) readFD(dst []byte) (int, bool, error) {
	n, err := unix.Read(h.fd, dst)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, true, nil
	}
	if err != nil {
		h.lastErr = err.Error()
		return 0, false, perr.Wrap(perr.KindReset, "read", err)
	}
	if n == 0 {
		h.lastErr = "eof"
		return 0, false, perr.Closed
	}
	return n, false, nil
}

// Write drains buf with a series of non-blocking writes, parking on
// on_write between partial writes, bounded by timeout.
func (h *Handle) Write(co *machine.Coroutine, buf []byte, timeout time.Duration) error {
	deadline := writeDeadline(timeout)
	written := 0
	wroteSinceArm := false
	for written < len(buf) {
		n, wouldWait, err := h.writeRaw(buf[written:])
		if err != nil {
			return err
		}
		if wouldWait {
			if !wroteSinceArm {
				if err := h.sched.ArmWrite(h.fd); err != nil {
					return perr.Wrap(perr.KindFatal, "arm write", err)
				}
				wroteSinceArm = true
			}
			if err := co.Wait(h.onWrite, remaining(deadline)); err != nil {
				h.sched.DisarmWrite(h.fd)
				return err
			}
			continue
		}
		written += n
		wroteSinceArm = false
	}
	h.sched.DisarmWrite(h.fd)
	return nil
}

func (h *Handle) writeRaw(buf []byte) (int, bool, error) {
	if h.tlsConn != nil {
		return h.tlsWriteRaw(buf)
	}
	return h.writeFD(buf)
}

// writeFD is the bare fd-level write syscall, with no TLS branch. See
// readFD: rawNetConn.Write calls this directly rather than writeRaw, so it
// never re-enters the tlsConn != nil branch it is itself driving.
func (h *Handle) writeFD(buf []byte) (int, bool, error) {
	n, err := unix.Write(h.fd, buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, true, nil
	}
	if err != nil {
		h.lastErr = err.Error()
		return 0, false, perr.Wrap(perr.KindReset, "write", err)
	}
	return n, false, nil
}

// writeDeadline/remaining translate a single operation timeout into an
// absolute deadline so a multi-iteration Write/Read loop bounds the whole
// operation rather than resetting the clock on every partial step.
func writeDeadline(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return -1
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}

