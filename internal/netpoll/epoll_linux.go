//go:build linux

package netpoll

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	epollBatch = 256
	// epollSweepEvery bounds how many busy polls may pass between checks for
	// registered descriptors that were closed behind our back.
	epollSweepEvery = 64
)

type epollPoller struct {
	epfd   int
	mu     sync.Mutex
	fds    map[int]Interest
	events []unix.EpollEvent
	polls  int
}

func newEpoll() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:   epfd,
		fds:    make(map[int]Interest),
		events: make([]unix.EpollEvent, epollBatch),
	}, nil
}

func (p *epollPoller) Name() string { return "epoll" }

func epollMask(in Interest) uint32 {
	mask := uint32(unix.EPOLLRDHUP)
	if in&Readable != 0 {
		mask |= unix.EPOLLIN
	}
	if in&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epollPoller) Register(fd int, in Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fds == nil {
		return ErrClosed
	}
	if _, ok := p.fds[fd]; ok {
		return ErrAlreadyRegistered
	}
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = in
	return nil
}

func (p *epollPoller) Modify(fd int, in Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return ErrNotRegistered
	}
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = in
	return nil
}

func (p *epollPoller) Deregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return nil
	}
	delete(p.fds, fd)
	// The kernel drops closed descriptors on its own.
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

// Poll waits for readiness. The kernel removes a closed descriptor from the
// epoll set without telling anyone, so registered descriptors are checked
// whenever a wait times out and every epollSweepEvery polls; dead ones are
// reported as Err events like the poll and select backends do.
func (p *epollPoller) Poll(timeout time.Duration) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, n)
	for _, ev := range p.events[:n] {
		out = append(out, Event{
			FD:       int(ev.Fd),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Err:      ev.Events&unix.EPOLLERR != 0,
		})
	}
	p.polls++
	if n == 0 || p.polls >= epollSweepEvery {
		p.polls = 0
		out = append(out, badDescriptors(p.registered())...)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (p *epollPoller) registered() []entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]entry, 0, len(p.fds))
	for fd, in := range p.fds {
		out = append(out, entry{fd: fd, in: in})
	}
	return out
}

func (p *epollPoller) Close() error {
	p.mu.Lock()
	p.fds = nil
	p.mu.Unlock()
	return unix.Close(p.epfd)
}
