// Package session holds per-connection state and the registry of
// authenticated users.
package session

import (
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/pliu/classchat/internal/crypto/hybrid"
	"github.com/pliu/classchat/internal/models"
	"github.com/pliu/classchat/internal/protocol"
)

var (
	ErrBackpressure = errors.New("outbound queue full")
	ErrClosed       = errors.New("session closed")
)

type State int32

const (
	Connecting State = iota
	AwaitingHandshake
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the non-blocking socket a session writes to.
type Transport interface {
	WriteAvailable(p []byte) (int, error)
	RemoteAddr() net.Addr
	Close() error
}

// Options wires a session to its multiplexer.
type Options struct {
	// MaxPending bounds the frames queued by Enqueue.
	MaxPending int
	// MaxFrame bounds a single inbound frame.
	MaxFrame int
	// SetWritable toggles write-readiness interest for the socket.
	SetWritable func(want bool) error
	// OnClose runs once, before the transport is closed.
	OnClose func()
}

// BacklogFrame is a replayed offline message together with its encoded frame.
type BacklogFrame struct {
	Data    []byte
	Message models.OfflineMessage
}

type outFrame struct {
	data []byte
	// offline is set for replayed backlog frames.
	offline *models.OfflineMessage
}

// Session is the live state of one connection. The framer is owned by the
// reading goroutine; everything else is guarded by mu.
type Session struct {
	ID     string
	Remote string

	framer *protocol.Framer
	conn   Transport
	opts   Options

	mu       sync.Mutex
	state    State
	username string
	key      []byte
	queue    []outFrame
	offset   int
	backlog  int
	closed   bool
	unsent   []models.OfflineMessage
}

func New(conn Transport, opts Options) *Session {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		ID:     uuid.NewString(),
		Remote: remote,
		framer: protocol.NewFramer(opts.MaxFrame),
		conn:   conn,
		opts:   opts,
		state:  Connecting,
	}
}

func (s *Session) Framer() *protocol.Framer { return s.framer }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open moves a freshly accepted session into the handshake.
func (s *Session) Open() {
	s.mu.Lock()
	if s.state == Connecting {
		s.state = AwaitingHandshake
	}
	s.mu.Unlock()
}

// Authenticate binds the username and session key. A nil key leaves traffic
// in plaintext.
func (s *Session) Authenticate(username string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state = Authenticated
	s.username = username
	s.key = key
	return nil
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Key returns a copy of the session key, or nil when traffic is plaintext.
func (s *Session) Key() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil
	}
	return append([]byte(nil), s.key...)
}

// Enqueue appends an encoded frame to the outbound queue.
func (s *Session) Enqueue(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.MaxPending > 0 && len(s.queue)-s.backlog >= s.opts.MaxPending {
		return ErrBackpressure
	}
	return s.push(outFrame{data: frame})
}

// EnqueueBacklog queues replayed offline frames. They do not count against
// MaxPending. Frames still queued when the session closes are reported by
// Unsent. On ErrClosed nothing was queued.
func (s *Session) EnqueueBacklog(frames []BacklogFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(frames) == 0 {
		return nil
	}
	wasEmpty := len(s.queue) == 0
	for i := range frames {
		msg := frames[i].Message
		s.queue = append(s.queue, outFrame{data: frames[i].Data, offline: &msg})
		s.backlog++
	}
	if wasEmpty && s.opts.SetWritable != nil {
		return s.opts.SetWritable(true)
	}
	return nil
}

func (s *Session) push(f outFrame) error {
	s.queue = append(s.queue, f)
	if len(s.queue) == 1 && s.opts.SetWritable != nil {
		return s.opts.SetWritable(true)
	}
	return nil
}

// Unsent returns, once, the offline messages whose frames were still queued
// (or only partly written) when the session closed.
func (s *Session) Unsent() []models.OfflineMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.unsent
	s.unsent = nil
	return out
}

// Pending reports the number of queued frames.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush writes queued frames until the socket would block. Write interest is
// dropped once the queue empties.
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for len(s.queue) > 0 {
		head := s.queue[0]
		n, err := s.conn.WriteAvailable(head.data[s.offset:])
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		s.offset += n
		if s.offset < len(head.data) {
			continue
		}
		s.queue[0] = outFrame{}
		s.queue = s.queue[1:]
		s.offset = 0
		if head.offline != nil {
			s.backlog--
		}
	}
	s.queue = nil
	if s.opts.SetWritable != nil {
		return s.opts.SetWritable(false)
	}
	return nil
}

// Close discards queued output, wipes the key and closes the transport. It is
// safe to call more than once. Unflushed backlog is kept for Unsent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = Closed
	for _, f := range s.queue {
		if f.offline != nil {
			s.unsent = append(s.unsent, *f.offline)
		}
	}
	s.queue = nil
	s.backlog = 0
	hybrid.ZeroKey(s.key)
	s.key = nil
	s.mu.Unlock()

	if s.opts.OnClose != nil {
		s.opts.OnClose()
	}
	return s.conn.Close()
}
