package chat

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionOptions tune a single connection.
type SessionOptions struct {
	OutboundBuffer int
	WriteTimeout   time.Duration
	MaxLineBytes   int
	HistoryReplay  int
}

// Session is the server side of one client connection.
type Session struct {
	id     uuid.UUID
	addr   string
	conn   net.Conn
	out    chan string
	opts   SessionOptions
	logger *slog.Logger

	registry    *Registry
	broadcaster *Broadcaster

	mu    sync.Mutex
	state SessionState
	login string

	closeOnce  sync.Once
	writerDone <-chan struct{}
}

// NewSession binds conn to the shared registry. conn may be nil for sessions
// whose output is read straight from the queue.
func NewSession(conn net.Conn, reg *Registry, bc *Broadcaster, opts SessionOptions, logger *slog.Logger) *Session {
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 256
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = 64 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:          uuid.New(),
		conn:        conn,
		out:         make(chan string, opts.OutboundBuffer),
		opts:        opts,
		registry:    reg,
		broadcaster: bc,
		state:       StateConnected,
	}
	if conn != nil {
		s.addr = conn.RemoteAddr().String()
	}
	s.logger = logger.With("session", s.id.String(), "addr", s.addr)
	return s
}

func (s *Session) ID() uuid.UUID      { return s.id }
func (s *Session) RemoteAddr() string { return s.addr }

func (s *Session) Login() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// authenticate is called by the registry once login is known to be free.
func (s *Session) authenticate(login string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	s.login = login
	s.state = StateAuthenticated
	return true
}

// SendLine queues text for the writer without blocking. Lines are dropped
// when the session is closed or its queue is full.
func (s *Session) SendLine(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		DroppedLines.Inc()
		return ErrSessionClosed
	}
	select {
	case s.out <- text:
		return nil
	default:
		DroppedLines.Inc()
		return ErrQueueFull
	}
}

// Close moves the session to Closed and removes it from the registry. Lines
// already queued are still flushed before the transport is released. Only
// the first call has any effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		close(s.out)
		writing := s.writerDone != nil
		s.mu.Unlock()

		if _, err := s.registry.RemoveSession(s); err != nil {
			s.logger.Debug("remove session", "error", err)
		}
		if s.conn != nil && !writing {
			_ = s.conn.Close()
		}
	})
}

// OnLine handles one inbound frame with its terminator already stripped.
func (s *Session) OnLine(line string) error {
	s.mu.Lock()
	state, login := s.state, s.login
	s.mu.Unlock()

	switch state {
	case StateAuthenticated:
		if err := s.broadcaster.Publish(NewMessage(login, line)); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		return nil
	case StateConnected:
		return s.handleLogin(line)
	default:
		return ErrSessionClosed
	}
}

func (s *Session) handleLogin(line string) error {
	if !strings.HasPrefix(line, loginPrefix) {
		LoginsTotal.WithLabelValues("invalid").Inc()
		_ = s.SendLine(badLoginMessage)
		return nil
	}
	candidate := stripControl(strings.TrimPrefix(line, loginPrefix))

	// The registry queues the greeting and history replay itself.
	err := s.registry.TryRegister(candidate, s, s.opts.HistoryReplay)
	switch {
	case err == nil:
		LoginsTotal.WithLabelValues("ok").Inc()
		s.logger.Info("login accepted", "login", candidate)
		return nil
	case errors.Is(err, ErrLoginInvalid):
		LoginsTotal.WithLabelValues("invalid").Inc()
		_ = s.SendLine(badLoginMessage)
		return nil
	case errors.Is(err, ErrLoginTaken):
		LoginsTotal.WithLabelValues("taken").Inc()
		s.logger.Info("login rejected", "login", candidate)
		_ = s.SendLine(fmt.Sprintf(loginTakenFmt, candidate))
		s.Close()
		return nil
	default:
		return fmt.Errorf("register %q: %w", candidate, err)
	}
}

// Serve runs the read loop until the peer disconnects, the transport fails,
// or the session is closed. It returns after the writer has released the
// connection.
func (s *Session) Serve() {
	s.mu.Lock()
	s.writerDone = StartOutboundWriter(s.conn, s.out, s.opts.WriteTimeout, s.logger)
	s.mu.Unlock()

	defer func() {
		s.Close()
		<-s.writerDone
		s.logger.Info("client disconnected")
	}()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 4096), s.opts.MaxLineBytes)
	for scanner.Scan() {
		if err := s.OnLine(strings.TrimRight(scanner.Text(), "\r\n")); err != nil {
			if !errors.Is(err, ErrSessionClosed) {
				s.logger.Warn("line dropped", "error", err)
			}
			return
		}
		if s.State() == StateClosed {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("read failed", "error", err)
	}
}
