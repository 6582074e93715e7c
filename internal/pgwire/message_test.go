package pgwire

import (
	"testing"
	"time"

	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/netio"
	"github.com/pgflowd/pgflow/internal/perr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, peer int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadStartupEcho(t *testing.T) {
	a, peer := socketpair(t)

	var msg *Message
	var readErr error
	w, err := machine.NewRuntime(zerolog.Nop()).SpawnWorker("p1", func(co *machine.Coroutine) error {
		h, err := netio.FromRawFD(a)
		if err != nil {
			return err
		}
		h.Attach(co.Scheduler())
		s := netio.NewStream(h, 64)
		msg, readErr = ReadStartup(co, s, -1)
		return nil
	})
	require.NoError(t, err)

	_, werr := unix.Write(peer, []byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x03, 0x00, 0x00})
	require.NoError(t, werr)
	require.NoError(t, w.Wait())
	require.NoError(t, readErr)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x03, 0x00, 0x00}, msg.Bytes)
}

func TestReadMessageRejectsBadType(t *testing.T) {
	a, peer := socketpair(t)

	var readErr error
	w, err := machine.NewRuntime(zerolog.Nop()).SpawnWorker("p2", func(co *machine.Coroutine) error {
		h, err := netio.FromRawFD(a)
		if err != nil {
			return err
		}
		h.Attach(co.Scheduler())
		s := netio.NewStream(h, 64)
		_, readErr = ReadMessage(co, s, -1)
		return nil
	})
	require.NoError(t, err)

	_, werr := unix.Write(peer, []byte{0x10, 0x00, 0x00, 0x00, 0x05, 0x00})
	require.NoError(t, werr)
	require.NoError(t, w.Wait())
	require.ErrorIs(t, readErr, perr.Protocol)
}

func TestReadMessageRejectsShortLength(t *testing.T) {
	a, peer := socketpair(t)

	var readErr error
	w, err := machine.NewRuntime(zerolog.Nop()).SpawnWorker("p3", func(co *machine.Coroutine) error {
		h, err := netio.FromRawFD(a)
		if err != nil {
			return err
		}
		h.Attach(co.Scheduler())
		s := netio.NewStream(h, 64)
		_, readErr = ReadMessage(co, s, -1)
		return nil
	})
	require.NoError(t, err)

	_, werr := unix.Write(peer, []byte{'Q', 0x00, 0x00, 0x00, 0x03})
	require.NoError(t, werr)
	require.NoError(t, w.Wait())
	require.ErrorIs(t, readErr, perr.Protocol)
}

func TestReadMessageAcceptsLargeDRejectsLargeC(t *testing.T) {
	const bigLen = 1024*1024 + 4 // 1 MiB payload plus the length field

	cases := []struct {
		typ     byte
		wantErr bool
	}{
		{'D', false},
		{'C', true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.typ), func(t *testing.T) {
			a, peer := socketpair(t)

			var readErr error
			var msg *Message
			w, err := machine.NewRuntime(zerolog.Nop()).SpawnWorker("p-"+string(tc.typ), func(co *machine.Coroutine) error {
				h, err := netio.FromRawFD(a)
				if err != nil {
					return err
				}
				h.Attach(co.Scheduler())
				s := netio.NewStream(h, 64*1024)
				msg, readErr = ReadMessage(co, s, 5*time.Second)
				return nil
			})
			require.NoError(t, err)

			header := []byte{tc.typ, 0, 0, 0, 0}
			header[1] = byte(bigLen >> 24)
			header[2] = byte(bigLen >> 16)
			header[3] = byte(bigLen >> 8)
			header[4] = byte(bigLen)

			go func() {
				unix.Write(peer, header)
				if !tc.wantErr {
					payload := make([]byte, bigLen-4)
					for i := range payload {
						payload[i] = 'x'
					}
					for off := 0; off < len(payload); {
						n, _ := unix.Write(peer, payload[off:min(off+65536, len(payload))])
						if n <= 0 {
							break
						}
						off += n
					}
				}
			}()

			require.NoError(t, w.Wait())
			if tc.wantErr {
				require.ErrorIs(t, readErr, perr.Protocol)
			} else {
				require.NoError(t, readErr)
				require.Equal(t, uint32(bigLen), msg.Length)
				require.Len(t, msg.Payload(), bigLen-4)
			}
		})
	}
}
