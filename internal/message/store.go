package message

import (
	"context"
	"sync"
)

// Store keeps recent messages per room in memory.
type Store struct {
	mu      sync.RWMutex
	rooms   map[string][]*Message
	maxSize int
}

// NewStore creates a message store that retains up to maxSize messages per room.
func NewStore(maxSize int) *Store {
	return &Store{
		rooms:   make(map[string][]*Message),
		maxSize: maxSize,
	}
}

// Append adds an event to the room's history and returns the stored record.
func (s *Store) Append(ctx context.Context, ev Event) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	msg := FromEvent(newID(), ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.rooms[msg.RoomID], msg)
	if s.maxSize > 0 && len(msgs) > s.maxSize {
		msgs = msgs[len(msgs)-s.maxSize:]
	}
	s.rooms[msg.RoomID] = msgs
	return msg, nil
}

// Recent returns the last limit messages for a room, oldest first.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[roomID]
	if len(msgs) == 0 || limit <= 0 {
		return nil, nil
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*Message, len(msgs))
	copy(result, msgs)
	return result, nil
}

// Count returns the number of stored messages for a room.
func (s *Store) Count(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}
