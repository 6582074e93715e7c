// Package pgwire implements the PostgreSQL wire protocol v3 framing layer:
// parsing a startup packet and ordinary typed messages off a netio.Stream,
// with the length/type validation odyssey uses to reject non-protocol
// traffic before committing to a large allocation.
package pgwire

import (
	"encoding/binary"
	"time"

	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/netio"
	"github.com/pgflowd/pgflow/internal/perr"
)

// Message is a heap-allocated (type, length, payload) triple. Type is 0
// for a startup packet, which has no type byte on the wire.
type Message struct {
	Type   byte
	Length uint32 // as framed on the wire: includes itself but not Type
	Bytes  []byte // the full wire encoding: header plus payload
}

// Payload returns the bytes after the header.
func (m *Message) Payload() []byte {
	if m.Type == 0 {
		return m.Bytes[4:]
	}
	return m.Bytes[5:]
}

// validLongMessageType is the set of message kinds allowed to exceed the
// 30000-byte heuristic: row descriptions, data rows, copy data, function
// call responses, errors, notices, notifications, bind, parse, simple
// query. Anything else claiming to be that large is almost certainly a
// non-v3 peer.
var validLongMessageType = map[byte]bool{
	'T': true, 'D': true, 'd': true, 'V': true, 'E': true,
	'N': true, 'A': true, 'B': true, 'P': true, 'Q': true,
}

const maxOrdinaryLength = 30000

// ReadStartup reads a startup packet: a 4-byte big-endian length L
// (including itself), followed by L-4 bytes of payload.
func ReadStartup(co *machine.Coroutine, s *netio.Stream, timeout time.Duration) (*Message, error) {
	deadline := deadlineFor(timeout)

	header := make([]byte, 4)
	if err := s.Read(co, header, remainingTimeout(deadline)); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length < 4 {
		return nil, perr.Wrap(perr.KindProtocol, "startup length below header size", nil)
	}

	buf := make([]byte, length)
	copy(buf, header)
	if length > 4 {
		if err := s.Read(co, buf[4:], remainingTimeout(deadline)); err != nil {
			return nil, err
		}
	}
	return &Message{Type: 0, Length: length, Bytes: buf}, nil
}

// ReadMessage reads one ordinary message: a 5-byte {type:u8, length:u32be}
// header (length covers itself and the payload, not the type byte),
// validated before the payload allocation, then length-4 bytes of
// payload.
func ReadMessage(co *machine.Coroutine, s *netio.Stream, timeout time.Duration) (*Message, error) {
	deadline := deadlineFor(timeout)

	header := make([]byte, 5)
	if err := s.Read(co, header, remainingTimeout(deadline)); err != nil {
		return nil, err
	}
	typ := header[0]
	length := binary.BigEndian.Uint32(header[1:])

	if err := validateHeader(typ, length); err != nil {
		return nil, err
	}

	buf := make([]byte, 5+int(length)-4)
	copy(buf, header)
	if length > 4 {
		if err := s.Read(co, buf[5:], remainingTimeout(deadline)); err != nil {
			return nil, err
		}
	}
	return &Message{Type: typ, Length: length, Bytes: buf}, nil
}

// validateHeader applies the spec's three checks, in order, so the error
// always names the first one that failed.
func validateHeader(typ byte, length uint32) error {
	if length < 4 {
		return perr.Wrap(perr.KindProtocol, "message length below header size", nil)
	}
	if typ < 0x20 {
		return perr.Wrap(perr.KindProtocol, "message type is a control byte", nil)
	}
	if length > maxOrdinaryLength && !validLongMessageType[typ] {
		return perr.Wrap(perr.KindProtocol, "oversized message for its type", nil)
	}
	return nil
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func remainingTimeout(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return -1
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}
