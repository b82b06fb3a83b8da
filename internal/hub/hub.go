// Package hub routes decoded chat frames between sessions. All routing runs
// on the single goroutine inside Run; the reactor feeds it through a channel.
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/classchat/internal/crypto/hybrid"
	"github.com/pliu/classchat/internal/models"
	"github.com/pliu/classchat/internal/protocol"
	"github.com/pliu/classchat/internal/session"
	"github.com/pliu/classchat/internal/store"
)

// ErrStopped is returned to producers once Run has exited.
var ErrStopped = errors.New("hub stopped")

type Config struct {
	EncryptionEnabled bool
	MaxFileSize       int
	HistoryLimit      int
	// QueueSize buffers events between the reactor and the router.
	QueueSize int
}

type eventOp int

const (
	opOpen eventOp = iota
	opFrame
	opClose
)

type event struct {
	op    eventOp
	sess  *session.Session
	frame []byte
}

type Hub struct {
	cfg      Config
	store    store.Store
	registry *session.Registry
	keys     *hybrid.KeyPair
	pubPEM   string
	logger   *zap.Logger
	metrics  *Metrics

	// Connected sessions, authenticated or not. Owned by Run.
	sessions map[*session.Session]bool

	events chan event
	done   chan struct{}
	now    func() time.Time

	// fault holds a storage error raised outside route, such as while
	// requeueing a closed session's backlog. Run returns it.
	fault error
}

// New builds a hub. keys may be nil only when encryption is disabled.
func New(cfg Config, st store.Store, registry *session.Registry, keys *hybrid.KeyPair, logger *zap.Logger, metrics *Metrics) (*Hub, error) {
	if st == nil || registry == nil {
		return nil, errors.New("hub: store and registry are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	h := &Hub{
		cfg:      cfg,
		store:    st,
		registry: registry,
		keys:     keys,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[*session.Session]bool),
		events:   make(chan event, cfg.QueueSize),
		done:     make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if cfg.EncryptionEnabled {
		if keys == nil {
			return nil, errors.New("hub: encryption enabled without a key pair")
		}
		pem, err := keys.PublicKeyPEM()
		if err != nil {
			return nil, fmt.Errorf("hub: %w", err)
		}
		h.pubPEM = pem
	}
	return h, nil
}

// Register announces a newly accepted session.
func (h *Hub) Register(ctx context.Context, s *session.Session) error {
	return h.submit(ctx, event{op: opOpen, sess: s})
}

// Deliver hands one inbound frame to the router.
func (h *Hub) Deliver(ctx context.Context, s *session.Session, frame []byte) error {
	return h.submit(ctx, event{op: opFrame, sess: s, frame: frame})
}

// Unregister reports a session torn down by the transport.
func (h *Hub) Unregister(ctx context.Context, s *session.Session) error {
	return h.submit(ctx, event{op: opClose, sess: s})
}

func (h *Hub) submit(ctx context.Context, ev event) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is cancelled or the store fails. A store
// failure is returned and is fatal to the server.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.events:
			var err error
			switch ev.op {
			case opOpen:
				h.open(ev.sess)
			case opFrame:
				err = h.route(ev.sess, ev.frame)
			case opClose:
				h.release(ev.sess)
			}
			if err == nil {
				err = h.fault
			}
			if err != nil {
				h.logger.Error("storage failure", zap.Error(err))
				return err
			}
		}
	}
}

func (h *Hub) open(s *session.Session) {
	if h.sessions[s] {
		return
	}
	h.sessions[s] = true
	s.Open()
	h.metrics.incSession()
	h.logger.Info("session opened", zap.String("session_id", s.ID), zap.String("remote", s.Remote))
}

// closeSession tears down a session on the router's initiative.
func (h *Hub) closeSession(s *session.Session, reason string) {
	h.logger.Info("closing session",
		zap.String("session_id", s.ID),
		zap.String("username", s.Username()),
		zap.String("reason", reason))
	s.Close()
	h.release(s)
}

// release forgets a closed session and, if it was authenticated, tells the
// others.
func (h *Hub) release(s *session.Session) {
	if !h.sessions[s] {
		return
	}
	delete(h.sessions, s)
	s.Close()
	h.requeue(s)
	h.metrics.decSession()
	name := s.Username()
	if name != "" && h.registry.Unbind(name, s) {
		h.logger.Info("user disconnected", zap.String("username", name), zap.String("session_id", s.ID))
		h.broadcastPresence()
	}
}

// requeue returns a closed session's unflushed offline backlog to the store.
func (h *Hub) requeue(s *session.Session) {
	unsent := s.Unsent()
	if len(unsent) == 0 {
		return
	}
	if err := h.requeueOffline(unsent); err != nil {
		h.logger.Error("requeue offline backlog",
			zap.String("username", s.Username()),
			zap.Int("count", len(unsent)),
			zap.Error(err))
		if h.fault == nil {
			h.fault = err
		}
		return
	}
	h.logger.Info("offline backlog requeued",
		zap.String("session_id", s.ID),
		zap.String("username", s.Username()),
		zap.Int("count", len(unsent)))
}

// requeueOffline puts drained messages back as undelivered, keeping their
// original timestamps so they replay in order.
func (h *Hub) requeueOffline(msgs []models.OfflineMessage) error {
	for _, m := range msgs {
		m.ID = 0
		m.Delivered = false
		if err := h.store.EnqueueOffline(m); err != nil {
			return storageFailure("requeue offline", err)
		}
	}
	return nil
}

func (h *Hub) shutdown() {
	for s := range h.sessions {
		s.Close()
		h.requeue(s)
		if name := s.Username(); name != "" {
			h.registry.Unbind(name, s)
		}
		delete(h.sessions, s)
		h.metrics.decSession()
	}
}

// seal encodes msg and, when the session has a key, encrypts the line.
func (h *Hub) seal(s *session.Session, msg *protocol.Message) ([]byte, error) {
	line, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	key := s.Key()
	if key == nil {
		return line, nil
	}
	defer hybrid.ZeroKey(key)
	envelope, err := hybrid.Encrypt(line[:len(line)-1], key)
	if err != nil {
		return nil, err
	}
	return append([]byte(envelope), '\n'), nil
}

// unseal reverses seal for an inbound frame.
func (h *Hub) unseal(s *session.Session, frame []byte) (*protocol.Message, error) {
	key := s.Key()
	if key == nil {
		return protocol.Decode(frame)
	}
	defer hybrid.ZeroKey(key)
	plain, err := hybrid.Decrypt(string(frame), key)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(plain)
}

// send queues msg for s. A session that cannot take it is closed and false
// is returned.
func (h *Hub) send(s *session.Session, msg *protocol.Message) bool {
	frame, err := h.seal(s, msg)
	if err != nil {
		h.logger.Warn("seal failed", zap.String("session_id", s.ID), zap.Error(err))
		h.closeSession(s, "seal_failed")
		return false
	}
	err = s.Enqueue(frame)
	switch {
	case err == nil:
		h.metrics.recordFrame("out", string(msg.Kind))
		return true
	case errors.Is(err, session.ErrClosed):
		return false
	case errors.Is(err, session.ErrBackpressure):
		h.logger.Warn("slow consumer",
			zap.String("session_id", s.ID),
			zap.String("username", s.Username()),
			zap.Int("pending", s.Pending()))
		h.metrics.recordError("backpressure")
		h.closeSession(s, "backpressure")
		return false
	default:
		h.logger.Warn("enqueue failed", zap.String("session_id", s.ID), zap.Error(err))
		h.closeSession(s, "transport")
		return false
	}
}

// deliverTo sends msg to username if it has a live session that can take it.
func (h *Hub) deliverTo(username string, msg *protocol.Message) bool {
	s, ok := h.registry.Lookup(username)
	if !ok {
		return false
	}
	return h.send(s, msg)
}

func (h *Hub) reply(s *session.Session, kind protocol.Kind, target, text string) {
	h.send(s, &protocol.Message{
		Kind:      kind,
		Sender:    protocol.ServerName,
		Target:    target,
		Payload:   text,
		Timestamp: h.now(),
	})
}

func (h *Hub) replyError(s *session.Session, code, text string) {
	h.metrics.recordError(code)
	msg := protocol.NewError(code, text)
	msg.Timestamp = h.now()
	h.send(s, msg)
}

func (h *Hub) broadcastPresence() {
	users := h.registry.Usernames()
	for _, s := range h.registry.Sessions() {
		h.send(s, &protocol.Message{
			Kind:      protocol.KindPresence,
			Sender:    protocol.ServerName,
			Users:     users,
			Timestamp: h.now(),
		})
	}
}

func storageFailure(op string, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
}
