package netio

import (
	"sync/atomic"
	"time"

	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/perr"
)

// Stream is the framed, readahead-buffered reader over a borrowed Handle
// (io_facade in spec terms). It owns its readahead buffer; the handle is
// not owned and is not closed by Free.
type Stream struct {
	handle    *Handle
	readahead *Readahead

	hits   atomic.Int64 // bytes served from readahead without a syscall
	misses atomic.Int64 // socket reads issued to refill it
}

// Hits returns the number of bytes this stream has served straight out of
// its readahead buffer, for metrics.
func (s *Stream) Hits() int64 { return s.hits.Load() }

// Misses returns the number of socket reads this stream has issued to
// refill its readahead buffer, for metrics.
func (s *Stream) Misses() int64 { return s.misses.Load() }

// NewStream wraps handle with a readahead buffer of the given capacity.
// handle must already be Attach-ed to the coroutine's home scheduler.
func NewStream(handle *Handle, readaheadCap int) *Stream {
	return &Stream{handle: handle, readahead: NewReadahead(readaheadCap)}
}

// Handle returns the stream's underlying handle.
func (s *Stream) Handle() *Handle { return s.handle }

// Free releases the stream's owned resources. It does not close or detach
// the handle — the caller decides that separately.
func (s *Stream) Free() {}

// ReadSome blocks until at least one byte is available, then returns
// whatever the readahead buffer (or a single raw read) already has on
// hand rather than blocking until dst is full. Used by the pass-through
// relay, which forwards whatever arrived rather than reassembling fixed
// frames. Follows the same readahead-first/signal-once/arm-on-EAGAIN shape
// as Read, just without the exact-length loop.
func (s *Stream) ReadSome(co *machine.Coroutine, dst []byte, timeout time.Duration) (int, error) {
	deadline := writeDeadline(timeout)
	readStarted := false
	firstWaitIteration := true

	defer func() {
		if readStarted {
			s.handle.ReadStop()
		}
	}()

	for {
		if s.readahead.Unread() > 0 {
			n := s.readahead.Read(dst)
			s.hits.Add(int64(n))
			return n, nil
		}
		s.readahead.Reuse()

		if firstWaitIteration {
			s.handle.onRead.Signal()
			firstWaitIteration = false
		}

		if err := co.Wait(s.handle.onRead, remaining(deadline)); err != nil {
			return 0, err
		}

		n, wouldWait, err := s.handle.ReadRaw(dst)
		if err != nil {
			return 0, err
		}
		if wouldWait {
			if !readStarted {
				if err := s.handle.ReadStart(); err != nil {
					return 0, perr.Wrap(perr.KindFatal, "arm read", err)
				}
				readStarted = true
			}
			continue
		}
		s.misses.Add(1)
		return n, nil
	}
}

// Read fills dst with exactly len(dst) bytes, timeout bounding the whole
// operation (not each individual wait). Partial reads are never exposed:
// either the full read succeeds or an error is returned and dst's
// contents are undefined.
func (s *Stream) Read(co *machine.Coroutine, dst []byte, timeout time.Duration) error {
	deadline := writeDeadline(timeout)
	remainingLen := len(dst)
	filled := 0
	readStarted := false
	firstWaitIteration := true

	defer func() {
		if readStarted {
			s.handle.ReadStop()
		}
	}()

	for remainingLen > 0 {
		if s.readahead.Unread() > 0 {
			n := s.readahead.Read(dst[filled:])
			s.hits.Add(int64(n))
			filled += n
			remainingLen -= n
			continue
		}
		// Unread == 0: the buffer is fully drained, safe to reuse.
		s.readahead.Reuse()

		if firstWaitIteration {
			// An already-armed readiness may have landed between this call
			// and the previous one; signal once so it isn't missed.
			s.handle.onRead.Signal()
			firstWaitIteration = false
		}

		if err := co.Wait(s.handle.onRead, remaining(deadline)); err != nil {
			return err
		}

		tail := s.readahead.Tail()
		n, wouldWait, err := s.handle.ReadRaw(tail)
		if err != nil {
			return err
		}
		if wouldWait {
			if !readStarted {
				if err := s.handle.ReadStart(); err != nil {
					return perr.Wrap(perr.KindFatal, "arm read", err)
				}
				readStarted = true
			}
			continue
		}
		s.misses.Add(1)
		s.readahead.AdvanceWrite(n)
	}
	return nil
}
