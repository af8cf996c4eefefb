package message

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T, maxSize int) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, maxSize), mr
}

func count(t *testing.T, s *RedisStore, roomID string) int {
	t.Helper()
	n, err := s.Count(context.Background(), roomID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestRedisStoreAppendAndCount(t *testing.T) {
	s, _ := newTestRedisStore(t, 100)
	ctx := context.Background()

	if _, err := s.Append(ctx, chat("room1", "alice", "hello")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.Append(ctx, chat("room1", "bob", "world")); err != nil {
		t.Fatalf("append: %v", err)
	}

	if count(t, s, "room1") != 2 {
		t.Fatalf("expected 2 messages, got %d", count(t, s, "room1"))
	}
	if count(t, s, "room2") != 0 {
		t.Fatalf("expected 0 messages for room2, got %d", count(t, s, "room2"))
	}
}

func TestRedisStoreMaxSize(t *testing.T) {
	s, _ := newTestRedisStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, chat("room1", "alice", fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if count(t, s, "room1") != 3 {
		t.Fatalf("expected 3 messages (max size), got %d", count(t, s, "room1"))
	}
	result, err := s.Recent(ctx, "room1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if result[0].Content != "msg-2" || result[2].Content != "msg-4" {
		t.Errorf("expected msg-2..msg-4, got %q..%q", result[0].Content, result[2].Content)
	}
}

func TestRedisStoreRecentOrder(t *testing.T) {
	s, _ := newTestRedisStore(t, 100)
	ctx := context.Background()
	for _, c := range []string{"a", "b", "c", "d"} {
		s.Append(ctx, chat("room1", "alice", c))
	}

	result, err := s.Recent(ctx, "room1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(result))
	}
	if result[0].Content != "c" || result[1].Content != "d" {
		t.Errorf("expected [c, d], got [%s, %s]", result[0].Content, result[1].Content)
	}
}

func TestRedisStoreRecentEmptyRoom(t *testing.T) {
	s, _ := newTestRedisStore(t, 100)

	result, err := s.Recent(context.Background(), "nope", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil, got %d messages", len(result))
	}
}

func TestRedisStorePreservesMessageFields(t *testing.T) {
	s, _ := newTestRedisStore(t, 100)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	ev := Event{
		Kind:       KindMessage,
		RoomID:     "room1",
		AuthorID:   "user1",
		AuthorName: "alice",
		Content:    "hello world",
		Timestamp:  now,
	}
	stored, err := s.Append(ctx, ev)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	result, _ := s.Recent(ctx, "room1", 1)
	if len(result) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result))
	}
	m := result[0]
	if m.ID != stored.ID {
		t.Errorf("expected ID %q, got %q", stored.ID, m.ID)
	}
	if m.Author() != "user1" {
		t.Errorf("expected author 'user1', got %q", m.Author())
	}
	if m.AuthorName != "alice" {
		t.Errorf("expected author name 'alice', got %q", m.AuthorName)
	}
	if m.Content != "hello world" {
		t.Errorf("expected content 'hello world', got %q", m.Content)
	}
	if m.Kind != KindMessage {
		t.Errorf("expected kind 'message', got %q", m.Kind)
	}
	if !m.CreatedAt.Equal(now) {
		t.Errorf("expected CreatedAt %v, got %v", now, m.CreatedAt)
	}
}

func TestRedisStoreAppendFailsWhenServerDown(t *testing.T) {
	s, mr := newTestRedisStore(t, 100)
	mr.Close()

	if _, err := s.Append(context.Background(), chat("room1", "alice", "hello")); err == nil {
		t.Fatal("expected error when redis is unavailable")
	}
}

func TestRedisStoreImplementsLog(t *testing.T) {
	s, _ := newTestRedisStore(t, 100)
	var _ Log = s
}
