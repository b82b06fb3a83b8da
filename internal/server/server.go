// Package server runs the chat reactor: one goroutine waits on the
// multiplexer, reads what is ready, and hands complete frames to the hub.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pliu/classchat/internal/config"
	"github.com/pliu/classchat/internal/crypto/hybrid"
	"github.com/pliu/classchat/internal/hub"
	"github.com/pliu/classchat/internal/netpoll"
	"github.com/pliu/classchat/internal/session"
	"github.com/pliu/classchat/internal/store"
)

// acceptWait bounds each accept attempt after the listener reports readable.
const acceptWait = time.Millisecond

type peer struct {
	sess *session.Session
	conn *netpoll.Conn
}

type Server struct {
	cfg      config.Config
	store    store.Store
	logger   *zap.Logger
	registry *session.Registry
	hub      *hub.Hub
	metrics  *serverMetrics
	promReg  *prometheus.Registry

	listener *net.TCPListener
	listenFD int
	poller   netpoll.Poller
	waker    *netpoll.Waker
	admin    net.Listener

	mu    sync.Mutex
	peers map[int]*peer

	ready atomic.Bool
}

// New wires the hub, registry and metrics. The listening socket is opened by
// Listen or lazily by Run.
func New(cfg config.Config, st store.Store, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var keys *hybrid.KeyPair
	if cfg.EncryptionEnabled {
		var err error
		keys, err = hybrid.GenerateKeyPair(rand.Reader, cfg.RSABits)
		if err != nil {
			return nil, err
		}
		logger.Info("server key pair generated", zap.Int("bits", keys.Public.N.BitLen()))
	}

	registry := session.NewRegistry()
	h, err := hub.New(hub.Config{
		EncryptionEnabled: cfg.EncryptionEnabled,
		MaxFileSize:       cfg.MaxFileSize,
		HistoryLimit:      cfg.HistoryLimit,
	}, st, registry, keys, logger.Named("hub"), hub.NewMetrics(reg))
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		store:    st,
		logger:   logger,
		registry: registry,
		hub:      h,
		metrics:  newServerMetrics(reg),
		promReg:  reg,
		listenFD: -1,
		peers:    make(map[int]*peer),
	}, nil
}

// Listen opens the chat socket (and the admin socket when configured) and
// selects the readiness backend.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address(), err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("listen %s: not a TCP listener", s.cfg.Address())
	}
	fd, err := netpoll.FD(tcp)
	if err != nil {
		ln.Close()
		return err
	}
	poller, err := netpoll.New(s.cfg.IOMethod)
	if err != nil {
		ln.Close()
		return fmt.Errorf("io method %s: %w", s.cfg.IOMethod, err)
	}
	waker, err := netpoll.NewWaker()
	if err != nil {
		poller.Close()
		ln.Close()
		return err
	}
	for _, wfd := range []int{fd, waker.FD()} {
		if err := poller.Register(wfd, netpoll.Readable); err != nil {
			waker.Close()
			poller.Close()
			ln.Close()
			return err
		}
	}

	if s.cfg.Admin.Address != "" {
		admin, err := net.Listen("tcp", s.cfg.Admin.Address)
		if err != nil {
			waker.Close()
			poller.Close()
			ln.Close()
			return fmt.Errorf("admin listen %s: %w", s.cfg.Admin.Address, err)
		}
		s.admin = admin
	}

	s.listener, s.listenFD, s.poller, s.waker = tcp, fd, poller, waker
	s.metrics.setBackend(poller.Name())
	s.logger.Info("listening",
		zap.String("address", tcp.Addr().String()),
		zap.String("io_method", poller.Name()),
		zap.Bool("encryption", s.cfg.EncryptionEnabled))
	return nil
}

// Addr is the chat listener address, valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr is the admin listener address, or nil when disabled.
func (s *Server) AdminAddr() net.Addr {
	if s.admin == nil {
		return nil
	}
	return s.admin.Addr()
}

// IOMethod reports the active readiness backend.
func (s *Server) IOMethod() string {
	if s.poller == nil {
		return ""
	}
	return s.poller.Name()
}

// Run serves until ctx is cancelled or a fatal error occurs. Storage
// failures surface here wrapped around store.ErrUnavailable.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer s.teardown()

	s.ready.Store(true)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.hub.Run(gctx)
	})
	g.Go(func() error {
		return s.reactor(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.waker.Wake()
	})
	if s.admin != nil {
		srv := &http.Server{
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("admin listening", zap.String("address", s.admin.Addr().String()))
			if err := srv.Serve(s.admin); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	s.ready.Store(false)
	return err
}

func (s *Server) reactor(ctx context.Context) error {
	buf := make([]byte, s.cfg.BufferSize)
	for ctx.Err() == nil {
		events, err := s.poller.Poll(s.cfg.PollInterval)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		for _, ev := range events {
			switch ev.FD {
			case s.listenFD:
				s.acceptReady(ctx)
			case s.waker.FD():
				s.waker.Drain()
			default:
				s.service(ctx, ev, buf)
			}
		}
	}
	return nil
}

func (s *Server) acceptReady(ctx context.Context) {
	for {
		if err := s.listener.SetDeadline(time.Now().Add(acceptWait)); err != nil {
			return
		}
		c, err := s.listener.AcceptTCP()
		if err != nil {
			var nerr net.Error
			if !(errors.As(err, &nerr) && nerr.Timeout()) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.attach(ctx, c)
	}
}

func (s *Server) attach(ctx context.Context, c *net.TCPConn) {
	c.SetNoDelay(true)
	raw, err := netpoll.WrapConn(c)
	if err != nil {
		s.logger.Warn("wrap connection", zap.Error(err))
		c.Close()
		return
	}
	fd := raw.FD()
	var sess *session.Session
	sess = session.New(raw, session.Options{
		MaxPending: s.cfg.MaxPendingFrames,
		MaxFrame:   s.cfg.MaxFrameSize(),
		SetWritable: func(want bool) error {
			interest := netpoll.Readable
			if want {
				interest |= netpoll.Writable
			}
			if err := s.poller.Modify(fd, interest); err != nil {
				return err
			}
			if want {
				return s.waker.Wake()
			}
			return nil
		},
		OnClose: func() { s.detach(fd, sess) },
	})

	s.mu.Lock()
	s.peers[fd] = &peer{sess: sess, conn: raw}
	s.mu.Unlock()

	if err := s.poller.Register(fd, netpoll.Readable); err != nil {
		s.logger.Warn("register connection", zap.String("remote", sess.Remote), zap.Error(err))
		sess.Close()
		return
	}
	s.metrics.recordAccept()
	if err := s.hub.Register(ctx, sess); err != nil {
		sess.Close()
	}
}

// detach runs from Session.Close before the socket is closed, so fd cannot
// have been reused yet.
func (s *Server) detach(fd int, sess *session.Session) {
	s.mu.Lock()
	if p, ok := s.peers[fd]; ok && p.sess == sess {
		delete(s.peers, fd)
	}
	s.mu.Unlock()
	if err := s.poller.Deregister(fd); err != nil {
		s.logger.Debug("deregister", zap.Int("fd", fd), zap.Error(err))
	}
}

func (s *Server) service(ctx context.Context, ev netpoll.Event, buf []byte) {
	s.mu.Lock()
	p := s.peers[ev.FD]
	s.mu.Unlock()
	if p == nil {
		return
	}
	if ev.Err {
		s.drop(ctx, p.sess, "socket error", nil)
		return
	}
	if ev.Writable {
		if err := p.sess.Flush(); err != nil {
			if !errors.Is(err, session.ErrClosed) {
				s.drop(ctx, p.sess, "write failed", err)
			}
			return
		}
	}
	if ev.Readable {
		s.read(ctx, p, buf)
	}
}

func (s *Server) read(ctx context.Context, p *peer, buf []byte) {
	n, err := p.conn.ReadAvailable(buf)
	if err != nil {
		switch {
		case errors.Is(err, net.ErrClosed):
			// Closed by the hub between Poll and this read.
			s.drop(ctx, p.sess, "closed", nil)
		case errors.Is(err, io.EOF):
			s.drop(ctx, p.sess, "peer closed", nil)
		default:
			s.drop(ctx, p.sess, "read failed", err)
		}
		return
	}
	if n == 0 {
		return
	}
	s.metrics.recordRead(n)

	framer := p.sess.Framer()
	framer.Feed(buf[:n])
	for {
		frame, err := framer.Next()
		if err != nil {
			s.drop(ctx, p.sess, "oversized frame", err)
			return
		}
		if frame == nil {
			return
		}
		if len(frame) == 0 {
			continue
		}
		if err := s.hub.Deliver(ctx, p.sess, frame); err != nil {
			return
		}
	}
}

// drop closes a session on a transport failure and tells the hub.
func (s *Server) drop(ctx context.Context, sess *session.Session, reason string, err error) {
	fields := []zap.Field{
		zap.String("session_id", sess.ID),
		zap.String("username", sess.Username()),
		zap.String("remote", sess.Remote),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		s.logger.Warn("connection dropped", fields...)
	} else {
		s.logger.Debug("connection dropped", fields...)
	}
	sess.Close()
	if err := s.hub.Unregister(ctx, sess); err != nil && !errors.Is(err, hub.ErrStopped) && !errors.Is(err, context.Canceled) {
		s.logger.Warn("unregister session", zap.Error(err))
	}
}

func (s *Server) teardown() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.sess.Close()
	}
	if s.admin != nil {
		s.admin.Close()
	}
	s.listener.Close()
	s.poller.Close()
	s.waker.Close()
	s.logger.Info("server stopped", zap.Int("sessions_closed", len(peers)))
}
