package message

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind represents the kind of room event.
type Kind string

const (
	KindMessage Kind = "message"
	KindJoin    Kind = "join"
	KindLeave   Kind = "leave"
	KindSystem  Kind = "system"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindJoin, KindLeave, KindSystem:
		return true
	}
	return false
}

// ErrInvalidEvent is returned by logs when an event is missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

// Event is something that happened in a room. Events are values and are
// never mutated after construction.
type Event struct {
	Kind       Kind
	RoomID     string
	AuthorID   string
	AuthorName string
	Content    string
	Timestamp  time.Time
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind Kind, roomID, authorID, authorName, content string) Event {
	return Event{
		Kind:       kind,
		RoomID:     roomID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		Timestamp:  time.Now().UTC(),
	}
}

// Validate checks the fields every log requires.
func (e Event) Validate() error {
	if e.RoomID == "" || !e.Kind.Valid() {
		return ErrInvalidEvent
	}
	return nil
}

// Message is a persisted event as delivered to clients.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	AuthorID   *string   `json:"author_id"`
	AuthorName string    `json:"author_display_name"`
	Content    string    `json:"content"`
	Kind       Kind      `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
}

// FromEvent builds a record for ev with the given id. An empty AuthorID
// becomes a null author.
func FromEvent(id string, ev Event) *Message {
	m := &Message{
		ID:         id,
		RoomID:     ev.RoomID,
		AuthorName: ev.AuthorName,
		Content:    ev.Content,
		Kind:       ev.Kind,
		CreatedAt:  ev.Timestamp,
	}
	if ev.AuthorID != "" {
		author := ev.AuthorID
		m.AuthorID = &author
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return m
}

// Author returns the author id, or "" for system records.
func (m *Message) Author() string {
	if m.AuthorID == nil {
		return ""
	}
	return *m.AuthorID
}

// Log is an append-only store of room messages.
type Log interface {
	Append(ctx context.Context, ev Event) (*Message, error)
	Recent(ctx context.Context, roomID string, limit int) ([]*Message, error)
}

func newID() string {
	return uuid.NewString()
}
