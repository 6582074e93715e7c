package netio

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/perr"
)

// rawNetConn adapts a Handle's non-blocking fd to the blocking net.Conn
// contract crypto/tls expects, by parking the driving coroutine on the
// handle's own on_read/on_write conditions between retries. Only one
// coroutine may drive a handle's TLS conn at a time — the same
// restriction the spec places on io_facade.read itself.
type rawNetConn struct {
	h        *Handle
	co       *machine.Coroutine
	deadline time.Time
}

func (c *rawNetConn) Read(p []byte) (int, error) {
	for {
		n, wouldWait, err := c.h.readFD(p)
		if err != nil {
			return 0, err
		}
		if !wouldWait {
			return n, nil
		}
		if err := c.h.ReadStart(); err != nil {
			return 0, err
		}
		if err := c.co.Wait(c.h.onRead, remaining(c.deadline)); err != nil {
			c.h.ReadStop()
			return 0, err
		}
	}
}

func (c *rawNetConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, wouldWait, err := c.h.writeFD(p[written:])
		if err != nil {
			return written, err
		}
		if wouldWait {
			if err := c.h.sched.ArmWrite(c.h.fd); err != nil {
				return written, err
			}
			if err := c.co.Wait(c.h.onWrite, remaining(c.deadline)); err != nil {
				c.h.sched.DisarmWrite(c.h.fd)
				return written, err
			}
			continue
		}
		written += n
	}
	return written, nil
}

var _ net.Conn = (*rawNetConn)(nil)

func (c *rawNetConn) Close() error                       { return nil } // Handle owns the fd's lifetime
func (c *rawNetConn) LocalAddr() net.Addr                { return nil }
func (c *rawNetConn) RemoteAddr() net.Addr               { return nil }
func (c *rawNetConn) SetDeadline(t time.Time) error      { c.deadline = t; return nil }
func (c *rawNetConn) SetReadDeadline(t time.Time) error  { c.deadline = t; return nil }
func (c *rawNetConn) SetWriteDeadline(t time.Time) error { c.deadline = t; return nil }

// SetTLS wraps the handle in a TLS client or server state machine, driven
// by co, bounded by timeout. It performs the handshake before returning.
// Once set, ReadRaw/writeRaw transparently go through the TLS layer.
func (h *Handle) SetTLS(co *machine.Coroutine, cfg *tls.Config, isClient bool, timeout time.Duration) error {
	h.rawConn = &rawNetConn{h: h, co: co, deadline: writeDeadline(timeout)}
	var conn *tls.Conn
	if isClient {
		conn = tls.Client(h.rawConn, cfg)
	} else {
		conn = tls.Server(h.rawConn, cfg)
	}
	// conn.Handshake drives rawNetConn.Read/Write, which themselves park co
	// on the handle's conditions with the timeout above — no separate
	// context-based deadline needed.
	if err := conn.Handshake(); err != nil {
		return perr.Wrap(perr.KindTLS, "tls handshake", err)
	}
	h.tlsConn = conn
	return nil
}

func (h *Handle) tlsReadRaw(dst []byte) (int, bool, error) {
	n, err := h.tlsConn.Read(dst)
	if err != nil {
		if kind, ok := perr.KindOf(err); ok && kind == perr.KindTimeout {
			return 0, true, nil
		}
		h.lastErr = err.Error()
		return 0, false, perr.Wrap(perr.KindTLS, "tls read", err)
	}
	return n, false, nil
}

func (h *Handle) tlsWriteRaw(buf []byte) (int, bool, error) {
	n, err := h.tlsConn.Write(buf)
	if err != nil {
		if kind, ok := perr.KindOf(err); ok && kind == perr.KindTimeout {
			return 0, true, nil
		}
		h.lastErr = err.Error()
		return 0, false, perr.Wrap(perr.KindTLS, "tls write", err)
	}
	return n, false, nil
}
