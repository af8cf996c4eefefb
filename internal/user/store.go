package user

import (
	"context"
	"strings"
	"sync"
)

// Store keeps user accounts in memory.
type Store struct {
	mu      sync.Mutex
	byName  map[string]*User
	byEmail map[string]*User
}

// NewStore creates an empty in-memory user store.
func NewStore() *Store {
	return &Store{
		byName:  make(map[string]*User),
		byEmail: make(map[string]*User),
	}
}

// Create adds u. Usernames and emails must be unique; emails compare
// case-insensitively.
func (s *Store) Create(ctx context.Context, u *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	email := strings.ToLower(u.Email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[u.Username]; ok {
		return ErrUsernameTaken
	}
	if _, ok := s.byEmail[email]; ok {
		return ErrEmailTaken
	}
	cp := *u
	s.byName[u.Username] = &cp
	s.byEmail[email] = &cp
	return nil
}

// ByUsername returns a copy of the user with the given username.
func (s *Store) ByUsername(ctx context.Context, username string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byName[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// Count returns the number of users.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byName)
}
