package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Server -> client protocol lines. Terminators are appended by the writer.
const (
	loginPrefix = "login:"

	greetingFormat  = "Привет, %s!"
	loginTakenFmt   = "Логин %s занят, попробуйте другой."
	badLoginMessage = "Неправильный логин."
	chatLineFormat  = "%s: %s"

	lineTerminator = "\r\n"
)

// Message is a single chat line. It is never modified after NewMessage.
type Message struct {
	ID        uuid.UUID
	Author    string
	Content   string
	Timestamp time.Time
}

// NewMessage stamps a message with the current time and strips control
// characters from its content.
func NewMessage(author, content string) Message {
	return Message{
		ID:        uuid.New(),
		Author:    author,
		Content:   stripControl(content),
		Timestamp: time.Now(),
	}
}

// Line renders the message the way it is broadcast and replayed.
func (m Message) Line() string {
	return fmt.Sprintf(chatLineFormat, m.Author, m.Content)
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// SessionState is the protocol state of a single connection.
type SessionState int

const (
	StateConnected SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrLoginTaken      = errorString("login_taken")
	ErrLoginInvalid    = errorString("login_invalid")
	ErrSessionClosed   = errorString("session_closed")
	ErrQueueFull       = errorString("queue_full")
	ErrRegistryStopped = errorString("registry_stopped")
	ErrServerStarted   = errorString("server_already_started")
)

type errorString string

func (e errorString) Error() string { return string(e) }
