package hub

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrDuplicateMember is returned by Register when a live member with the
// same id is already in the room.
var ErrDuplicateMember = errors.New("member already present in room")

// roomSet is one room's membership. refs counts callers between lookup and
// release so an emptied set is only dropped when nobody else holds it.
type roomSet struct {
	mu      sync.RWMutex
	members map[string]*Member
	refs    int
}

// Registry maps room ids to their live members. Each room has its own lock;
// the outer lock only guards the room map itself.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*roomSet
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*roomSet)}
}

// acquire returns the set for roomID, creating it if create is true. The
// caller must call release with the same set.
func (r *Registry) acquire(roomID string, create bool) *roomSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		if !create {
			return nil
		}
		rs = &roomSet{members: make(map[string]*Member)}
		r.rooms[roomID] = rs
	}
	rs.refs++
	return rs
}

func (r *Registry) release(roomID string, rs *roomSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs.refs--
	if rs.refs > 0 {
		return
	}
	rs.mu.RLock()
	empty := len(rs.members) == 0
	rs.mu.RUnlock()
	if empty && r.rooms[roomID] == rs {
		delete(r.rooms, roomID)
	}
}

// Register adds m to its room. Exactly one of several concurrent
// registrations with the same id succeeds.
func (r *Registry) Register(m *Member) error {
	rs := r.acquire(m.RoomID(), true)
	defer r.release(m.RoomID(), rs)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if existing, ok := rs.members[m.ID()]; ok && !existing.Closed() {
		return ErrDuplicateMember
	}
	rs.members[m.ID()] = m
	log.Debug().Str("module", "hub.registry").Str("room", m.RoomID()).Str("member", m.ID()).Msg("member registered")
	return nil
}

// Deregister removes m from its room. Removing an absent member is a no-op,
// and a newer member registered under the same id is left alone.
func (r *Registry) Deregister(m *Member) {
	rs := r.acquire(m.RoomID(), false)
	if rs == nil {
		return
	}
	defer r.release(m.RoomID(), rs)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.members[m.ID()] == m {
		delete(rs.members, m.ID())
		log.Debug().Str("module", "hub.registry").Str("room", m.RoomID()).Str("member", m.ID()).Msg("member deregistered")
	}
}

// MembersOf returns a snapshot of the room's members, safe to iterate while
// membership changes.
func (r *Registry) MembersOf(roomID string) []*Member {
	rs := r.acquire(roomID, false)
	if rs == nil {
		return nil
	}
	defer r.release(roomID, rs)

	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*Member, 0, len(rs.members))
	for _, m := range rs.members {
		out = append(out, m)
	}
	return out
}

// IsPresent reports whether id is a live member of roomID. A closed handle
// awaiting deregistration does not count.
func (r *Registry) IsPresent(roomID, id string) bool {
	rs := r.acquire(roomID, false)
	if rs == nil {
		return false
	}
	defer r.release(roomID, rs)

	rs.mu.RLock()
	defer rs.mu.RUnlock()
	m, ok := rs.members[id]
	return ok && !m.Closed()
}

// Lookup returns the member registered under id in roomID, if any.
func (r *Registry) Lookup(roomID, id string) (*Member, bool) {
	rs := r.acquire(roomID, false)
	if rs == nil {
		return nil, false
	}
	defer r.release(roomID, rs)

	rs.mu.RLock()
	defer rs.mu.RUnlock()
	m, ok := rs.members[id]
	return m, ok
}

// Count returns the number of members in a room.
func (r *Registry) Count(roomID string) int {
	rs := r.acquire(roomID, false)
	if rs == nil {
		return 0
	}
	defer r.release(roomID, rs)

	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.members)
}

// Rooms returns the ids of rooms with at least one member, sorted.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
