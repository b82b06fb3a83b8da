//go:build linux

package netpoll

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// select(2) cannot watch descriptors at or above FD_SETSIZE.
const selectMaxFD = 1024

type selectPoller struct {
	*table
}

func newSelect() (Poller, error) {
	return &selectPoller{table: newTable()}, nil
}

func (p *selectPoller) Name() string { return "select" }

func (p *selectPoller) Register(fd int, in Interest) error {
	if fd < 0 || fd >= selectMaxFD {
		return ErrTooManyFDs
	}
	return p.add(fd, in)
}

func (p *selectPoller) Modify(fd int, in Interest) error { return p.modify(fd, in) }

func (p *selectPoller) Deregister(fd int) error {
	p.remove(fd)
	return nil
}

func (p *selectPoller) Poll(timeout time.Duration) ([]Event, error) {
	entries := p.snapshot()
	var rset, wset unix.FdSet
	maxFD := -1
	for _, e := range entries {
		if e.in&Readable != 0 {
			rset.Set(e.fd)
		}
		if e.in&Writable != 0 {
			wset.Set(e.fd)
		}
		if e.fd > maxFD {
			maxFD = e.fd
		}
	}

	tv := unix.NsecToTimeval(int64(timeoutMillis(timeout)) * int64(time.Millisecond))
	n, err := unix.Select(maxFD+1, &rset, &wset, nil, &tv)
	if err != nil {
		switch {
		case errors.Is(err, unix.EINTR):
			return nil, nil
		case errors.Is(err, unix.EBADF):
			return badDescriptors(entries), nil
		default:
			return nil, err
		}
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]Event, 0, n)
	for _, e := range entries {
		r, w := rset.IsSet(e.fd), wset.IsSet(e.fd)
		if r || w {
			out = append(out, Event{FD: e.fd, Readable: r, Writable: w})
		}
	}
	return out, nil
}

// badDescriptors reports registered descriptors that are no longer open.
func badDescriptors(entries []entry) []Event {
	var out []Event
	for _, e := range entries {
		if _, err := unix.FcntlInt(uintptr(e.fd), unix.F_GETFD, 0); err != nil {
			out = append(out, Event{FD: e.fd, Err: true})
		}
	}
	return out
}

func (p *selectPoller) Close() error {
	p.close()
	return nil
}
