//go:build unix

package netpoll

import (
	"errors"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Conn wraps a connected socket for readiness-driven I/O. Reads and writes
// never block: when the kernel has nothing to offer they return 0, nil.
type Conn struct {
	net.Conn
	raw syscall.RawConn
	fd  int
}

// WrapConn exposes the descriptor behind c.
func WrapConn(c net.Conn) (*Conn, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, ErrUnsupported
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	fd, err := rawFD(raw)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c, raw: raw, fd: fd}, nil
}

// FD returns the descriptor of any socket implementing syscall.Conn, such as
// a *net.TCPListener.
func FD(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	return rawFD(raw)
}

func rawFD(raw syscall.RawConn) (int, error) {
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}

func (c *Conn) FD() int { return c.fd }

// ReadAvailable reads whatever is buffered in the kernel. A closed peer is
// reported as io.EOF.
func (c *Conn) ReadAvailable(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var opErr error
	err := c.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if wouldBlock(opErr) {
			return 0, nil
		}
		return 0, opErr
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// WriteAvailable writes as much of p as the socket buffer accepts.
func (c *Conn) WriteAvailable(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var opErr error
	err := c.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if wouldBlock(opErr) {
			return 0, nil
		}
		return 0, opErr
	}
	return n, nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
