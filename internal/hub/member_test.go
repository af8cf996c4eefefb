package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/christopherjohns/roomcast/internal/message"
)

func testMsg(content string) *message.Message {
	return message.FromEvent("id-"+content, message.NewEvent(message.KindMessage, "room1", "alice", "alice", content))
}

func TestMemberEnqueueDrain(t *testing.T) {
	m := NewMember("bob", "", "room1", 4)
	m.Enqueue(testMsg("a"))
	m.Enqueue(testMsg("b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	for msg := range m.Drain(ctx) {
		got = append(got, msg.Content)
		if len(got) == 2 {
			break
		}
	}
	if got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
}

func TestMemberNameDefaultsToID(t *testing.T) {
	m := NewMember("bob", "", "room1", 0)
	if m.Name() != "bob" {
		t.Errorf("expected name bob, got %q", m.Name())
	}
	if cap(m.queue) != DefaultQueueSize {
		t.Errorf("expected default queue size %d, got %d", DefaultQueueSize, cap(m.queue))
	}
}

func TestMemberOverflowDropsNewest(t *testing.T) {
	m := NewMember("bob", "", "room1", 2)

	if err := m.Enqueue(testMsg("a")); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := m.Enqueue(testMsg("b")); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	start := time.Now()
	err := m.Enqueue(testMsg("c"))
	if !errors.Is(err, ErrDeliveryOverflow) {
		t.Fatalf("expected ErrDeliveryOverflow, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("enqueue on a full queue should not block")
	}
	if m.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", m.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []string
	for msg := range m.Drain(ctx) {
		got = append(got, msg.Content)
		if len(got) == 2 {
			break
		}
	}
	if got[0] != "a" || got[1] != "b" {
		t.Errorf("expected oldest events kept [a b], got %v", got)
	}
}

func TestMemberEnqueueAfterClose(t *testing.T) {
	m := NewMember("bob", "", "room1", 2)
	m.Close()

	if err := m.Enqueue(testMsg("a")); !errors.Is(err, ErrMemberClosed) {
		t.Fatalf("expected ErrMemberClosed, got %v", err)
	}
	if !m.Closed() {
		t.Error("expected member to report closed")
	}
	// Close is idempotent.
	m.Close()
}

func TestMemberCloseUnblocksDrain(t *testing.T) {
	m := NewMember("bob", "", "room1", 2)

	done := make(chan struct{})
	go func() {
		for range m.Drain(context.Background()) {
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return after close")
	}
}

func TestMemberDrainStopsOnContext(t *testing.T) {
	m := NewMember("bob", "", "room1", 2)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		for range m.Drain(ctx) {
		}
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return after context cancel")
	}
}

func TestMemberDrainNotRestartable(t *testing.T) {
	m := NewMember("bob", "", "room1", 4)
	m.Enqueue(testMsg("a"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for range m.Drain(ctx) {
		break
	}

	m.Enqueue(testMsg("b"))
	n := 0
	for range m.Drain(ctx) {
		n++
	}
	if n != 0 {
		t.Errorf("expected second drain to yield nothing, got %d", n)
	}
}
