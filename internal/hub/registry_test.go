package hub

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

func memberIDs(ms []*Member) []string {
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID())
	}
	sort.Strings(ids)
	return ids
}

func TestRegistryRegisterAndMembersOf(t *testing.T) {
	r := NewRegistry()
	a := NewMember("alice", "", "general", 1)
	b := NewMember("bob", "", "general", 1)

	if err := r.Register(a); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := r.Register(b); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	got := memberIDs(r.MembersOf("general"))
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", got)
	}
	if !r.IsPresent("general", "alice") {
		t.Error("expected alice present")
	}
	if r.IsPresent("other", "alice") {
		t.Error("alice should not be present in another room")
	}
}

func TestRegistryDuplicateMember(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewMember("alice", "", "general", 1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(NewMember("alice", "", "general", 1))
	if !errors.Is(err, ErrDuplicateMember) {
		t.Fatalf("expected ErrDuplicateMember, got %v", err)
	}
	if r.Count("general") != 1 {
		t.Errorf("expected 1 member, got %d", r.Count("general"))
	}
	// Same id in a different room is fine.
	if err := r.Register(NewMember("alice", "", "random", 1)); err != nil {
		t.Errorf("expected registration in other room to succeed: %v", err)
	}
}

func TestRegistryConcurrentDuplicateJoin(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := NewRegistry()
		var wg sync.WaitGroup
		var ok, dup atomic.Int32
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := r.Register(NewMember("alice", "", "general", 1))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrDuplicateMember):
					dup.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		if ok.Load() != 1 || dup.Load() != 7 {
			t.Fatalf("round %d: expected 1 success and 7 duplicates, got %d/%d", round, ok.Load(), dup.Load())
		}
	}
}

func TestRegistryDeregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	a := NewMember("alice", "", "general", 1)
	b := NewMember("bob", "", "general", 1)
	r.Register(a)
	r.Register(b)

	r.Deregister(a)
	r.Deregister(a)
	r.Deregister(NewMember("ghost", "", "nowhere", 1))

	got := memberIDs(r.MembersOf("general"))
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected [bob], got %v", got)
	}
}

func TestRegistryDeregisterKeepsNewerMember(t *testing.T) {
	r := NewRegistry()
	old := NewMember("alice", "", "general", 1)
	r.Register(old)
	r.Deregister(old)

	newer := NewMember("alice", "", "general", 1)
	if err := r.Register(newer); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	r.Deregister(old)

	if m, ok := r.Lookup("general", "alice"); !ok || m != newer {
		t.Fatal("stale deregister removed the newer member")
	}
}

func TestRegistryIsPresentIgnoresClosed(t *testing.T) {
	r := NewRegistry()
	old := NewMember("alice", "", "general", 1)
	r.Register(old)
	old.Close()

	if r.IsPresent("general", "alice") {
		t.Fatal("closed member reported present")
	}
	newer := NewMember("alice", "", "general", 1)
	if err := r.Register(newer); err != nil {
		t.Fatalf("register over closed member: %v", err)
	}
	if !r.IsPresent("general", "alice") {
		t.Fatal("expected newer alice present")
	}
}

func TestRegistryRemovesEmptyRooms(t *testing.T) {
	r := NewRegistry()
	a := NewMember("alice", "", "general", 1)
	r.Register(a)
	if rooms := r.Rooms(); len(rooms) != 1 || rooms[0] != "general" {
		t.Fatalf("expected [general], got %v", rooms)
	}

	r.Deregister(a)
	if rooms := r.Rooms(); len(rooms) != 0 {
		t.Fatalf("expected no rooms, got %v", rooms)
	}
	if r.MembersOf("general") != nil {
		t.Error("expected nil snapshot for removed room")
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	a := NewMember("alice", "", "general", 1)
	r.Register(a)

	snap := r.MembersOf("general")
	r.Register(NewMember("bob", "", "general", 1))
	r.Deregister(a)

	if len(snap) != 1 || snap[0].ID() != "alice" {
		t.Fatalf("snapshot changed: %v", memberIDs(snap))
	}
}

// TestRegistryMembershipMatchesModel runs random joins and leaves and checks
// the registry against a plain set after every step.
func TestRegistryMembershipMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	r := NewRegistry()
	live := map[string]*Member{}

	for step := 0; step < 500; step++ {
		id := fmt.Sprintf("user-%d", rng.Intn(10))
		if m, ok := live[id]; ok && rng.Intn(2) == 0 {
			r.Deregister(m)
			delete(live, id)
		} else if !ok {
			m := NewMember(id, "", "general", 1)
			if err := r.Register(m); err != nil {
				t.Fatalf("step %d: register %s: %v", step, id, err)
			}
			live[id] = m
		} else {
			if err := r.Register(NewMember(id, "", "general", 1)); !errors.Is(err, ErrDuplicateMember) {
				t.Fatalf("step %d: expected duplicate for %s, got %v", step, id, err)
			}
		}

		want := make([]string, 0, len(live))
		for id := range live {
			want = append(want, id)
		}
		sort.Strings(want)
		got := memberIDs(r.MembersOf("general"))
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("step %d: membership %v, want %v", step, got, want)
		}
	}
}

func TestRegistryConcurrentRooms(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room := fmt.Sprintf("room-%d", i%4)
			for j := 0; j < 100; j++ {
				m := NewMember(fmt.Sprintf("u%d-%d", i, j), "", room, 1)
				if err := r.Register(m); err != nil {
					t.Errorf("register: %v", err)
					return
				}
				r.MembersOf(room)
				r.Deregister(m)
			}
		}(i)
	}
	wg.Wait()

	if rooms := r.Rooms(); len(rooms) != 0 {
		t.Fatalf("expected all rooms removed, got %v", rooms)
	}
}
