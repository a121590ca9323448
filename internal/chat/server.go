package chat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Server accepts TCP connections and runs one Session per connection
// against a shared Registry and Broadcaster.
type Server struct {
	cfg    Config
	logger *slog.Logger
	reg    *Registry
	bc     *Broadcaster

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
	acceptWG sync.WaitGroup
}

func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry(128, cfg.HistoryLimit, logger)
	return &Server{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		bc:     NewBroadcaster(reg, logger),
	}
}

// Registry exposes the shared session directory.
func (s *Server) Registry() *Registry { return s.reg }

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrServerStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	s.listener = ln

	go s.reg.Run()
	s.acceptWG.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve starts the server and blocks until ctx is cancelled, then stops it.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop closes the listener and every open session, waits for connection
// handlers up to the configured shutdown timeout and stops the registry.
func (s *Server) Stop() {
	s.logger.Info("shutting down")

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return
	}
	_ = ln.Close()
	s.acceptWG.Wait()

	sessions, err := s.reg.Sessions()
	if err != nil {
		s.logger.Warn("list sessions", "error", err)
	}
	for _, sess := range sessions {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("shutdown timeout reached, dropping connections", "timeout", s.cfg.ShutdownTimeout)
		for _, sess := range sessions {
			if sess.conn != nil {
				_ = sess.conn.Close()
			}
		}
	}

	s.reg.Stop()
	s.reg.Wait()

	s.logger.Info("shutdown complete")
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.acceptWG.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = max(5*time.Millisecond, min(2*backoff, time.Second))
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.logger.Info("client connected", "addr", conn.RemoteAddr().String())

		// Added before the handler starts so Stop sees every accepted session.
		sess := NewSession(conn, s.reg, s.bc, s.cfg.sessionOptions(), s.logger)
		if err := s.reg.AddSession(sess); err != nil {
			s.logger.Warn("register connection", "addr", sess.RemoteAddr(), "error", err)
			_ = conn.Close()
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			sess.Serve()
		}()
	}
}
