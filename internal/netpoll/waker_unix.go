//go:build unix

package netpoll

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Waker interrupts a blocked Poll from another goroutine. Register FD as
// Readable and call Drain when it fires.
type Waker struct {
	r, w int
}

func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
	}
	return &Waker{r: p[0], w: p[1]}, nil
}

func (w *Waker) FD() int { return w.r }

// Wake is non-blocking; a full pipe already guarantees a pending wakeup.
func (w *Waker) Wake() error {
	_, err := unix.Write(w.w, []byte{1})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return err
	}
	return nil
}

func (w *Waker) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *Waker) Close() error {
	return errors.Join(unix.Close(w.r), unix.Close(w.w))
}
