//go:build !unix

package netpoll

type Waker struct{}

func NewWaker() (*Waker, error) { return nil, ErrUnsupported }

func (w *Waker) FD() int { return -1 }

func (w *Waker) Wake() error { return ErrUnsupported }

func (w *Waker) Drain() {}

func (w *Waker) Close() error { return nil }
