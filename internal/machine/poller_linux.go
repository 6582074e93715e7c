//go:build linux

package machine

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller wraps an epoll instance plus an eventfd used purely to
// interrupt a blocked epoll_wait from another goroutine (Condition.Signal
// routed cross-worker, Cancel, worker shutdown). Grounded on the pack's
// eventloop poller_linux.go/wakeup_linux.go pairing of epoll + eventfd,
// adapted here to this package's blocking Wait/Wake shape instead of a
// callback-per-fd registry.
type epollPoller struct {
	epfd   int
	wakeFD int

	mu   sync.Mutex
	bufs [256]unix.EpollEvent
}

func openPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &epollPoller{epfd: epfd, wakeFD: wakeFD}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFD)
		return nil, err
	}
	return p, nil
}

func epollEvents(readable, writable bool) uint32 {
	var ev uint32 = unix.EPOLLET
	if readable {
		ev |= unix.EPOLLIN
	}
	if writable {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) Add(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollEvents(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Modify(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollEvents(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) Wait(timeout time.Duration) ([]PollEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	p.mu.Lock()
	n, err := unix.EpollWait(p.epfd, p.bufs[:], ms)
	if err == unix.EINTR {
		p.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	out := make([]PollEvent, 0, n)
	for i := 0; i < n; i++ {
		e := p.bufs[i]
		if int(e.Fd) == p.wakeFD {
			var buf [8]byte
			unix.Read(p.wakeFD, buf[:])
			continue
		}
		out = append(out, PollEvent{
			FD:       int(e.Fd),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: e.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Err:      e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	p.mu.Unlock()
	return out, nil
}

func (p *epollPoller) Wake() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(p.wakeFD, one[:])
	if err == unix.EAGAIN {
		// eventfd counter saturated: already armed, nothing more to do.
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}
