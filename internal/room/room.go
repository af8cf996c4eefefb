package room

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no room matches the id.
	ErrNotFound = errors.New("room not found")
	// ErrInvalidID is returned for a room id that cannot be used in a path.
	ErrInvalidID = errors.New("invalid room id")
	// ErrInvalidName is returned for an empty or overlong room name.
	ErrInvalidName = errors.New("invalid room name")
)

const maxNameLength = 64

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Room represents a chat room.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Theme       string    `json:"theme,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ActiveUsers int       `json:"active_users"`
}

// Directory stores room metadata. Membership lives in the hub registry.
type Directory interface {
	GetOrCreate(ctx context.Context, id, defaultName string) (*Room, error)
	Create(ctx context.Context, name, theme string) (*Room, error)
	Get(ctx context.Context, id string) (*Room, error)
	List(ctx context.Context) ([]*Room, error)
}

// ValidID reports whether id is usable as a room id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NormalizeName trims name and checks its length.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return "", ErrInvalidName
	}
	return name, nil
}

// NewID returns a fresh room id.
func NewID() string {
	return uuid.NewString()
}

// SortByActive orders rooms by active user count, busiest first. Ties keep
// creation order.
func SortByActive(rooms []*Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].ActiveUsers > rooms[j].ActiveUsers
	})
}

// Manager is an in-memory Directory.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager creates a new room Manager.
func NewManager() *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
	}
}

// GetOrCreate returns the room with id, creating it named defaultName if it
// does not exist yet.
func (m *Manager) GetOrCreate(ctx context.Context, id, defaultName string) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	if defaultName == "" {
		defaultName = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		cp := *r
		return &cp, nil
	}
	r := &Room{ID: id, Name: defaultName, CreatedAt: time.Now().UTC()}
	m.rooms[id] = r
	cp := *r
	return &cp, nil
}

// Create adds a new room with a generated id and returns it.
func (m *Manager) Create(ctx context.Context, name, theme string) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	r := &Room{
		ID:        NewID(),
		Name:      name,
		Theme:     strings.TrimSpace(theme),
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.rooms[r.ID] = r
	m.mu.Unlock()

	cp := *r
	return &cp, nil
}

// Get returns a room by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// List returns all rooms, oldest first.
func (m *Manager) List(ctx context.Context) ([]*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	result := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		cp := *r
		result = append(result, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
