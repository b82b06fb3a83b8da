// Package netpoll multiplexes socket readiness over the best mechanism the
// host offers. Every backend has the same contract: level-triggered events,
// millisecond timeout granularity, and an empty result when the wait expires.
package netpoll

import (
	"errors"
	"fmt"
	"time"
)

// Interest selects which readiness conditions a descriptor is watched for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event reports readiness for one descriptor. Err is set for descriptors the
// kernel reports as failed or invalid; the caller should tear them down.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Err      bool
}

// Poller is implemented by every readiness backend.
type Poller interface {
	Name() string
	Register(fd int, interest Interest) error
	Modify(fd int, interest Interest) error
	Deregister(fd int) error
	Poll(timeout time.Duration) ([]Event, error)
	Close() error
}

var (
	ErrAlreadyRegistered = errors.New("descriptor already registered")
	ErrNotRegistered     = errors.New("descriptor not registered")
	ErrUnsupported       = errors.New("readiness mechanism unsupported on this platform")
	ErrTooManyFDs        = errors.New("descriptor exceeds backend limit")
	ErrClosed            = errors.New("poller closed")
)

// New builds the named backend. "auto" (or "") probes the platform's
// preferred mechanisms in order and returns the first that initializes.
func New(method string) (Poller, error) {
	if method == "" || method == "auto" {
		var errs []error
		for _, name := range probeOrder {
			p, err := backends[name]()
			if err == nil {
				return p, nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return nil, errors.Join(append([]error{ErrUnsupported}, errs...)...)
	}
	ctor, ok := backends[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, method)
	}
	return ctor()
}

// Available lists the backends compiled for this platform in probe order.
func Available() []string {
	return append([]string(nil), probeOrder...)
}

func timeoutMillis(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	ms := int(timeout / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}
