package netio

import (
	"net"

	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/perr"
	"golang.org/x/sys/unix"
)

// resolveTCPAddr resolves addr to a sockaddr plus the matching socket
// domain (AF_INET or AF_INET6). It shells out to net.ResolveTCPAddr for
// the DNS/scoping work stdlib already does well, then converts into the
// unix package's sockaddr shape for the raw socket calls below.
func resolveTCPAddr(network, addr string) (unix.Sockaddr, int, error) {
	ra, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return nil, 0, err
	}
	if ip4 := ra.IP.To4(); ip4 != nil {
		var b [4]byte
		copy(b[:], ip4)
		return &unix.SockaddrInet4{Port: ra.Port, Addr: b}, unix.AF_INET, nil
	}
	var b [16]byte
	copy(b[:], ra.IP.To16())
	return &unix.SockaddrInet6{Port: ra.Port, Addr: b}, unix.AF_INET6, nil
}

// Listener is a bound, listening, non-blocking socket; Accept hands back
// per-connection Handles.
type Listener struct {
	fd int

	sched  *machine.Scheduler
	onRead *machine.Condition
}

// Bind creates a listening socket on addr with the given backlog.
func Bind(network, addr string, backlog int) (*Listener, error) {
	sa, domain, err := resolveTCPAddr(network, addr)
	if err != nil {
		return nil, perr.Wrap(perr.KindProtocol, "resolve address", err)
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, perr.Wrap(perr.KindFatal, "socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, perr.Wrap(perr.KindFatal, "setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, perr.Wrap(perr.KindFatal, "bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, perr.Wrap(perr.KindFatal, "listen", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, perr.Wrap(perr.KindFatal, "set nonblocking", err)
	}
	return &Listener{fd: fd}, nil
}

// FD returns the listening socket's file descriptor.
func (l *Listener) FD() int { return l.fd }

// Attach registers the listener with sched so Accept can park the calling
// coroutine between non-blocking accept(2) attempts, mirroring Handle's
// own Attach.
func (l *Listener) Attach(sched *machine.Scheduler) {
	l.sched = sched
	l.onRead = sched.NewCond()
	sched.RegisterIO(l.fd, l.onRead, nil)
	sched.ArmRead(l.fd)
}

// Detach removes the listener from its scheduler's poller.
func (l *Listener) Detach() {
	if l.sched == nil {
		return
	}
	l.sched.UnregisterIO(l.fd)
	l.onRead.Free()
	l.sched = nil
}

// Close shuts the listening socket down.
func (l *Listener) Close() error { return unix.Close(l.fd) }

// AcceptRaw attempts one non-blocking accept(2). wouldWait is true on
// EAGAIN/EWOULDBLOCK/EINTR, meaning the caller should arm read interest
// on the listener and wait for it to become readable before retrying.
func (l *Listener) AcceptRaw() (h *Handle, wouldWait bool, err error) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == unix.EAGAIN || err == unix.EINTR {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, perr.Wrap(perr.KindFatal, "accept", err)
	}
	return &Handle{fd: fd}, false, nil
}

// Accept blocks the calling coroutine until a connection is ready,
// returning an unattached Handle for the caller to Attach to whichever
// worker will own the new session.
func (l *Listener) Accept(co *machine.Coroutine) (*Handle, error) {
	for {
		h, wouldWait, err := l.AcceptRaw()
		if err != nil {
			return nil, err
		}
		if !wouldWait {
			return h, nil
		}
		if err := co.Wait(l.onRead, -1); err != nil {
			return nil, err
		}
	}
}
