//go:build !unix

package netpoll

import (
	"net"
	"syscall"
)

type Conn struct {
	net.Conn
}

func WrapConn(c net.Conn) (*Conn, error) { return nil, ErrUnsupported }

func FD(c syscall.Conn) (int, error) { return -1, ErrUnsupported }

func (c *Conn) FD() int { return -1 }

func (c *Conn) ReadAvailable(p []byte) (int, error) { return 0, ErrUnsupported }

func (c *Conn) WriteAvailable(p []byte) (int, error) { return 0, ErrUnsupported }
