package proxy

import (
	"testing"
	"time"

	"github.com/pgflowd/pgflow/internal/config"
	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/metrics"
	"github.com/pgflowd/pgflow/internal/netio"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func streamOver(sched *machine.Scheduler) (*netio.Stream, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, 0, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		return nil, 0, err
	}
	h, err := netio.FromRawFD(fds[0])
	if err != nil {
		return nil, 0, err
	}
	h.Attach(sched)
	return netio.NewStream(h, 64), fds[1], nil
}

// TestRelayLoopForwardsBytesUntilPeerCloses drives relayLoop directly
// (rather than the full Session.Run startup/acquire dance) to check the
// pass-through copy itself: bytes written on one peer socket arrive
// byte-for-byte on the other, and closing the source peer ends the loop
// with a closed-connection error instead of hanging.
func TestRelayLoopForwardsBytesUntilPeerCloses(t *testing.T) {
	const payload = "copy this payload"
	var relayErr error
	var forwarded []byte
	w, err := machine.NewRuntime(zerolog.Nop()).SpawnWorker("relay1", func(co *machine.Coroutine) error {
		src, srcPeer, err := streamOver(co.Scheduler())
		if err != nil {
			return err
		}
		dst, dstPeer, err := streamOver(co.Scheduler())
		if err != nil {
			return err
		}
		defer unix.Close(dstPeer)

		sess := &Session{cfg: config.Pool{IdleTimeout: time.Second}, metric: metrics.NewRegistry()}
		go func() {
			unix.Write(srcPeer, []byte(payload))
			time.Sleep(20 * time.Millisecond)
			unix.Close(srcPeer)
		}()

		// relayLoop's own Handle.Write blocks until every byte is queued on
		// dstPeer's kernel buffer, so by the time it returns (src hit EOF)
		// the forwarded bytes are already there to read back out.
		relayErr = sess.relayLoop(co, src, dst, "client_to_server")

		buf := make([]byte, len(payload))
		deadline := time.Now().Add(time.Second)
		for len(forwarded) < len(payload) && time.Now().Before(deadline) {
			n, rerr := unix.Read(dstPeer, buf)
			if n > 0 {
				forwarded = append(forwarded, buf[:n]...)
			}
			if rerr != nil && rerr != unix.EAGAIN && rerr != unix.EINTR {
				break
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, w.Wait())
	require.Error(t, relayErr)
	require.Equal(t, payload, string(forwarded))
}
