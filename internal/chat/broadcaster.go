package chat

import (
	"errors"
	"fmt"
	"log/slog"
)

// Broadcaster records chat messages and fans them out to every
// authenticated session.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
}

func NewBroadcaster(reg *Registry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{registry: reg, logger: logger}
}

// Publish appends m to the history and queues it on every authenticated
// session. A recipient that cannot take the line is skipped; the rest still
// receive it.
func (b *Broadcaster) Publish(m Message) error {
	skipped, err := b.registry.Publish(m)
	if err != nil {
		return fmt.Errorf("publish %s: %w", m.ID, err)
	}
	b.logger.Debug("message published", "message", m.ID, "author", m.Author, "skipped", len(skipped))

	for _, s := range skipped {
		b.logger.Debug("broadcast skipped recipient",
			"message", m.ID, "session", s.ID(), "login", s.Login())
	}
	return nil
}

// SendHistory replays up to count of the most recent messages to s, oldest
// first. count <= 0 replays the whole log.
func (b *Broadcaster) SendHistory(s *Session, count int) error {
	messages, err := b.registry.History(count)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	for _, m := range messages {
		if err := s.SendLine(m.Line()); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return nil
			}
			b.logger.Debug("history line dropped", "session", s.ID(), "error", err)
		}
	}
	return nil
}
