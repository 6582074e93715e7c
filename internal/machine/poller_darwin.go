//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package machine

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller wraps a kqueue instance plus a self-pipe used to interrupt a
// blocked kevent from another goroutine. The wake pipe's read end is
// registered like any other fd (EVFILT_READ) rather than via EVFILT_USER,
// matching the pack's wakeup_darwin.go self-pipe approach, just folded
// into this package's blocking Wait/Wake rather than a callback registry.
type kqueuePoller struct {
	kq         int
	wakeR      int
	wakeW      int

	mu   sync.Mutex
	bufs [256]unix.Kevent_t
}

func openPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)

	p := &kqueuePoller{kq: kq, wakeR: fds[0], wakeW: fds[1]}
	ev := unix.Kevent_t{}
	unix.SetKevent(&ev, fds[0], unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		unix.Close(kq)
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	return p, nil
}

func (p *kqueuePoller) changeList(fd int, readable, writable bool, addFlag uint16) []unix.Kevent_t {
	var changes []unix.Kevent_t
	rev := unix.Kevent_t{}
	if readable {
		unix.SetKevent(&rev, fd, unix.EVFILT_READ, addFlag|unix.EV_CLEAR)
	} else {
		unix.SetKevent(&rev, fd, unix.EVFILT_READ, unix.EV_DELETE)
	}
	changes = append(changes, rev)
	wev := unix.Kevent_t{}
	if writable {
		unix.SetKevent(&wev, fd, unix.EVFILT_WRITE, addFlag|unix.EV_CLEAR)
	} else {
		unix.SetKevent(&wev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	changes = append(changes, wev)
	return changes
}

func (p *kqueuePoller) Add(fd int, readable, writable bool) error {
	changes := p.changeList(fd, readable, writable, unix.EV_ADD)
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Modify(fd int, readable, writable bool) error {
	return p.Add(fd, readable, writable)
}

func (p *kqueuePoller) Remove(fd int) error {
	rev := unix.Kevent_t{}
	unix.SetKevent(&rev, fd, unix.EVFILT_READ, unix.EV_DELETE)
	wev := unix.Kevent_t{}
	unix.SetKevent(&wev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	// Errors here are expected once the underlying fd is already closed.
	unix.Kevent(p.kq, []unix.Kevent_t{rev, wev}, nil, nil)
	return nil
}

func (p *kqueuePoller) Wait(timeout time.Duration) ([]PollEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	p.mu.Lock()
	n, err := unix.Kevent(p.kq, nil, p.bufs[:], ts)
	if err == unix.EINTR {
		p.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	byFD := make(map[int]*PollEvent, n)
	for i := 0; i < n; i++ {
		e := p.bufs[i]
		fd := int(e.Ident)
		if fd == p.wakeR {
			var buf [256]byte
			for {
				if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
					break
				}
			}
			continue
		}
		pe, ok := byFD[fd]
		if !ok {
			pe = &PollEvent{FD: fd}
			byFD[fd] = pe
		}
		switch e.Filter {
		case unix.EVFILT_READ:
			pe.Readable = true
		case unix.EVFILT_WRITE:
			pe.Writable = true
		}
		if e.Flags&unix.EV_ERROR != 0 || e.Flags&unix.EV_EOF != 0 {
			pe.Err = true
		}
	}
	p.mu.Unlock()
	out := make([]PollEvent, 0, len(byFD))
	for _, pe := range byFD {
		out = append(out, *pe)
	}
	return out, nil
}

func (p *kqueuePoller) Wake() error {
	var one [1]byte
	_, err := unix.Write(p.wakeW, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kq)
}
