package chat

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type opType int

const (
	opAdd opType = iota
	opRemove
	opRegister
	opAppend
	opSnapshot
	opHistory
	opSessions
	opPublish
)

var opNames = map[opType]string{
	opAdd:      "add",
	opRemove:   "remove",
	opRegister: "register",
	opAppend:   "append",
	opSnapshot: "snapshot",
	opHistory:  "history",
	opSessions: "sessions",
	opPublish:  "publish",
}

type request struct {
	op      opType
	session *Session
	login   string
	message Message
	count   int
	reply   chan response
}

type response struct {
	err      error
	removed  bool
	sessions []*Session
	messages []Message
}

// Registry is the directory of live sessions and the chat history. All state
// is owned by the Run goroutine; the exported methods are requests to it, so
// every mutation is applied in a single total order.
type Registry struct {
	requests     chan request
	stopCh       chan struct{}
	doneCh       chan struct{}
	stopOnce     sync.Once
	historyLimit int
	logger       *slog.Logger
}

// NewRegistry creates a registry. historyLimit bounds the history log by
// count; zero or less keeps every message.
func NewRegistry(buffer, historyLimit int, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		requests:     make(chan request, buffer),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// Stop signals the Run loop to exit. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

type registryState struct {
	sessions map[uuid.UUID]*Session
	logins   map[string]*Session
	order    []*Session // authenticated, in login order
	history  []Message
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	st := &registryState{
		sessions: make(map[uuid.UUID]*Session),
		logins:   make(map[string]*Session),
	}

	for {
		select {
		case req := <-r.requests:
			start := time.Now()
			req.reply <- r.apply(st, req)

			name := opNames[req.op]
			MessagesTotal.WithLabelValues(name).Inc()
			EventProcessingDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) apply(st *registryState, req request) response {
	switch req.op {
	case opAdd:
		st.sessions[req.session.ID()] = req.session
		ConnectedSessions.Set(float64(len(st.sessions)))
		return response{}
	case opRemove:
		return r.handleRemove(st, req.session)
	case opRegister:
		return response{err: r.handleRegister(st, req.session, req.login, req.count)}
	case opAppend:
		r.handleAppend(st, req.message)
		return response{}
	case opSnapshot:
		// Closed sessions may still be listed until their removal request lands.
		return response{sessions: lo.Filter(st.order, func(s *Session, _ int) bool {
			return s.State() == StateAuthenticated
		})}
	case opHistory:
		return response{messages: historyWindow(st.history, req.count)}
	case opSessions:
		return response{sessions: lo.Values(st.sessions)}
	case opPublish:
		r.handleAppend(st, req.message)
		return response{sessions: r.fanOut(st, req.message.Line())}
	}
	return response{}
}

// handleRegister claims login for s and queues the greeting and the last
// replay history entries on it. Doing all of it here keeps any later fan-out
// behind the replay.
func (r *Registry) handleRegister(st *registryState, s *Session, login string, replay int) error {
	if login == "" {
		return ErrLoginInvalid
	}
	if _, ok := st.sessions[s.ID()]; !ok {
		return ErrSessionClosed
	}
	if _, taken := st.logins[login]; taken {
		return ErrLoginTaken
	}
	if !s.authenticate(login) {
		return ErrSessionClosed
	}

	st.logins[login] = s
	st.order = append(st.order, s)
	AuthenticatedSessions.Set(float64(len(st.logins)))

	r.logger.Info("user registered", "login", login, "session", s.ID())

	_ = s.SendLine(fmt.Sprintf(greetingFormat, login))
	for _, m := range historyWindow(st.history, replay) {
		if err := s.SendLine(m.Line()); err != nil {
			r.logger.Debug("history line dropped", "session", s.ID(), "error", err)
		}
	}
	return nil
}

// fanOut queues line on every authenticated session and returns the ones
// that could not take it.
func (r *Registry) fanOut(st *registryState, line string) []*Session {
	var skipped []*Session
	for _, s := range st.order {
		if err := s.SendLine(line); err != nil {
			skipped = append(skipped, s)
		}
	}
	return skipped
}

func (r *Registry) handleRemove(st *registryState, s *Session) response {
	if _, ok := st.sessions[s.ID()]; !ok {
		return response{}
	}
	delete(st.sessions, s.ID())
	ConnectedSessions.Set(float64(len(st.sessions)))

	if login := s.Login(); login != "" {
		if st.logins[login] != s {
			panic("chat: login index does not match session " + s.ID().String())
		}
		delete(st.logins, login)
		st.order = lo.Reject(st.order, func(o *Session, _ int) bool { return o == s })
		AuthenticatedSessions.Set(float64(len(st.logins)))

		r.logger.Info("user left", "login", login, "session", s.ID())
	}
	return response{removed: true}
}

func (r *Registry) handleAppend(st *registryState, m Message) {
	st.history = append(st.history, m)
	if r.historyLimit > 0 && len(st.history) > r.historyLimit {
		st.history = st.history[len(st.history)-r.historyLimit:]
	}
}

// historyWindow returns the last count entries, oldest first. count <= 0 or
// larger than the log selects everything.
func historyWindow(history []Message, count int) []Message {
	n := len(history)
	if count <= 0 || count > n {
		count = n
	}
	window := slices.Clone(history[n-count:])
	slices.SortStableFunc(window, func(a, b Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return window
}

func (r *Registry) call(req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case r.requests <- req:
	case <-r.doneCh:
		return response{}, ErrRegistryStopped
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-r.doneCh:
		select {
		case resp := <-req.reply:
			return resp, nil
		default:
			return response{}, ErrRegistryStopped
		}
	}
}

// AddSession records a freshly accepted session.
func (r *Registry) AddSession(s *Session) error {
	_, err := r.call(request{op: opAdd, session: s})
	return err
}

// RemoveSession drops s from the directory and frees its login. It reports
// whether s was present; removing an absent session is a no-op.
func (r *Registry) RemoveSession(s *Session) (bool, error) {
	resp, err := r.call(request{op: opRemove, session: s})
	return resp.removed, err
}

// TryRegister atomically claims login for s. On success the greeting and up
// to replay history lines are queued on s before any later broadcast. It
// returns ErrLoginTaken when another authenticated session holds the name.
func (r *Registry) TryRegister(login string, s *Session, replay int) error {
	resp, err := r.call(request{op: opRegister, session: s, login: login, count: replay})
	if err != nil {
		return err
	}
	return resp.err
}

// AppendHistory adds m to the end of the history log.
func (r *Registry) AppendHistory(m Message) error {
	_, err := r.call(request{op: opAppend, message: m})
	return err
}

// Publish appends m to the history and queues its line on every
// authenticated session in one step. It returns the sessions that dropped it.
func (r *Registry) Publish(m Message) ([]*Session, error) {
	resp, err := r.call(request{op: opPublish, message: m})
	return resp.sessions, err
}

// SnapshotSessions returns the authenticated sessions in login order.
func (r *Registry) SnapshotSessions() ([]*Session, error) {
	resp, err := r.call(request{op: opSnapshot})
	return resp.sessions, err
}

// History returns up to count of the most recent messages, oldest first.
func (r *Registry) History(count int) ([]Message, error) {
	resp, err := r.call(request{op: opHistory, count: count})
	return resp.messages, err
}

// Sessions returns every session in the directory, authenticated or not.
func (r *Registry) Sessions() ([]*Session, error) {
	resp, err := r.call(request{op: opSessions})
	return resp.sessions, err
}
