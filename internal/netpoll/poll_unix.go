//go:build unix

package netpoll

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type pollPoller struct {
	*table
}

func newPoll() (Poller, error) {
	return &pollPoller{table: newTable()}, nil
}

func (p *pollPoller) Name() string { return "poll" }

func (p *pollPoller) Register(fd int, in Interest) error { return p.add(fd, in) }

func (p *pollPoller) Modify(fd int, in Interest) error { return p.modify(fd, in) }

func (p *pollPoller) Deregister(fd int) error {
	p.remove(fd)
	return nil
}

func (p *pollPoller) Poll(timeout time.Duration) ([]Event, error) {
	entries := p.snapshot()
	pfds := make([]unix.PollFd, len(entries))
	for i, e := range entries {
		var events int16
		if e.in&Readable != 0 {
			events |= unix.POLLIN
		}
		if e.in&Writable != 0 {
			events |= unix.POLLOUT
		}
		pfds[i] = unix.PollFd{Fd: int32(e.fd), Events: events}
	}

	n, err := unix.Poll(pfds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]Event, 0, n)
	for _, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		out = append(out, Event{
			FD:       int(pfd.Fd),
			Readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
			Err:      pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return out, nil
}

func (p *pollPoller) Close() error {
	p.close()
	return nil
}
