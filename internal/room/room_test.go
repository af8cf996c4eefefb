package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestManagerCreateAndGet(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	r, err := m.Create(ctx, "  test-room ", "retro")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if r.Name != "test-room" {
		t.Errorf("expected name 'test-room', got %q", r.Name)
	}
	if r.Theme != "retro" {
		t.Errorf("expected theme 'retro', got %q", r.Theme)
	}
	if !ValidID(r.ID) {
		t.Errorf("generated id %q is not a valid room id", r.ID)
	}

	got, err := m.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("expected to find room by ID: %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("expected ID %q, got %q", r.ID, got.ID)
	}
}

func TestManagerCreateInvalidName(t *testing.T) {
	m := NewManager()
	for _, name := range []string{"", "   ", strings.Repeat("x", maxNameLength+1)} {
		if _, err := m.Create(context.Background(), name, ""); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Create(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestManagerGetNotFound(t *testing.T) {
	m := NewManager()
	if _, err := m.Get(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "general", "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first.Name != "general" {
		t.Errorf("expected default name to be the id, got %q", first.Name)
	}
	second, err := m.GetOrCreate(ctx, "general", "Other Name")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if second.Name != "general" || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("expected existing room returned, got %+v", second)
	}
}

func TestManagerGetOrCreateConcurrent(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetOrCreate(context.Background(), "lobby", "Lobby"); err != nil {
				t.Errorf("GetOrCreate: %v", err)
			}
		}()
	}
	wg.Wait()

	rooms, _ := m.List(context.Background())
	if len(rooms) != 1 {
		t.Fatalf("expected 1 room, got %d", len(rooms))
	}
}

func TestManagerGetOrCreateInvalidID(t *testing.T) {
	m := NewManager()
	for _, id := range []string{"", "has space", "a/b", strings.Repeat("x", 65)} {
		if _, err := m.GetOrCreate(context.Background(), id, ""); !errors.Is(err, ErrInvalidID) {
			t.Errorf("GetOrCreate(%q) error = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestManagerReturnsCopies(t *testing.T) {
	m := NewManager()
	r, _ := m.GetOrCreate(context.Background(), "general", "")
	r.Name = "mutated"

	got, _ := m.Get(context.Background(), "general")
	if got.Name != "general" {
		t.Errorf("stored room was mutated through a returned copy: %q", got.Name)
	}
}

func TestSortByActive(t *testing.T) {
	rooms := []*Room{
		{ID: "low", ActiveUsers: 1},
		{ID: "high", ActiveUsers: 10},
		{ID: "mid", ActiveUsers: 5},
	}
	SortByActive(rooms)

	for i, want := range []string{"high", "mid", "low"} {
		if rooms[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, rooms[i].ID)
		}
	}
}
