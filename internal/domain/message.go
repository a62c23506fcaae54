package domain

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is a single chat line in a session. IsAdmin and IsSystem are
// informative flags; "own" is derived per viewer, never stored.
type Message struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	IsAdmin   bool      `json:"isAdmin,omitempty"`
	IsSystem  bool      `json:"isSystem,omitempty"`
}

// NewSessionID returns a fresh session id. ULIDs sort by creation time,
// which the archive listing relies on for tie-breaking.
func NewSessionID() string {
	return "sess_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NewMessageID returns a fresh message id.
func NewMessageID() string {
	return "msg_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NewMessage builds a customer or admin chat message.
func NewMessage(user, text string, isAdmin bool) Message {
	return Message{
		ID:        NewMessageID(),
		User:      user,
		Message:   text,
		Timestamp: time.Now(),
		IsAdmin:   isAdmin,
	}
}

// NewSystemMessage builds a system notice attributed to "System".
func NewSystemMessage(text string) Message {
	return Message{
		ID:        NewMessageID(),
		User:      "System",
		Message:   text,
		Timestamp: time.Now(),
		IsSystem:  true,
	}
}
