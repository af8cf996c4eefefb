package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/roomcast/internal/message"
)

// PersistenceError reports that an event could not be appended to the log.
// A failed event is never broadcast.
type PersistenceError struct {
	RoomID string
	Kind   message.Kind
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s event in room %s: %v", e.Kind, e.RoomID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Result describes the outcome of one Publish.
type Result struct {
	Message    *message.Message
	Delivered  int
	Overflowed []string
	Closed     []string
}

// Broadcaster persists room events and fans them out to members.
type Broadcaster struct {
	log      message.Log
	registry *Registry
	locks    roomLocks
}

// NewBroadcaster creates a Broadcaster writing to l and delivering to the
// members tracked by registry.
func NewBroadcaster(l message.Log, registry *Registry) *Broadcaster {
	return &Broadcaster{
		log:      l,
		registry: registry,
		locks:    roomLocks{rooms: make(map[string]*roomLock)},
	}
}

// Registry returns the registry this broadcaster delivers to.
func (b *Broadcaster) Registry() *Registry { return b.registry }

// Publish appends ev to the log and then enqueues the stored record to the
// room's members. Message events skip their author. Appends and fan-outs for
// one room happen under one lock so every member sees log order.
func (b *Broadcaster) Publish(ctx context.Context, ev message.Event) (*Result, error) {
	unlock := b.locks.lock(ev.RoomID)
	defer unlock()

	msg, err := b.log.Append(ctx, ev)
	if err != nil {
		return nil, &PersistenceError{RoomID: ev.RoomID, Kind: ev.Kind, Err: err}
	}

	res := &Result{Message: msg}
	for _, m := range b.registry.MembersOf(ev.RoomID) {
		if ev.Kind == message.KindMessage && m.ID() == ev.AuthorID {
			continue
		}
		b.deliver(m, msg, res)
	}
	log.Debug().Str("module", "hub.broadcast").Str("room", ev.RoomID).Str("kind", string(ev.Kind)).
		Int("delivered", res.Delivered).Int("overflowed", len(res.Overflowed)).Msg("published")
	return res, nil
}

func (b *Broadcaster) deliver(m *Member, msg *message.Message, res *Result) {
	err := m.Enqueue(msg)
	switch {
	case err == nil:
		res.Delivered++
	case errors.Is(err, ErrDeliveryOverflow):
		res.Overflowed = append(res.Overflowed, m.ID())
		log.Warn().Str("module", "hub.broadcast").Str("room", msg.RoomID).Str("member", m.ID()).
			Int64("dropped", m.Dropped()).Msg("member queue full, event dropped")
	case errors.Is(err, ErrMemberClosed):
		res.Closed = append(res.Closed, m.ID())
	default:
		log.Error().Str("module", "hub.broadcast").Err(err).Str("member", m.ID()).Msg("unexpected delivery error")
	}
}

// Join registers m and replays up to historyLimit recent records into its
// queue. Both happen under the room's publish lock, so the member sees
// history followed by every later event with nothing missed or repeated.
func (b *Broadcaster) Join(ctx context.Context, m *Member, historyLimit int) error {
	unlock := b.locks.lock(m.RoomID())
	defer unlock()

	var history []*message.Message
	if historyLimit > 0 {
		var err error
		history, err = b.log.Recent(ctx, m.RoomID(), historyLimit)
		if err != nil {
			log.Warn().Str("module", "hub.broadcast").Err(err).Str("room", m.RoomID()).Msg("history unavailable")
			history = nil
		}
	}

	if err := b.registry.Register(m); err != nil {
		return err
	}
	for _, msg := range history {
		if err := m.Enqueue(msg); err != nil {
			log.Warn().Str("module", "hub.broadcast").Err(err).Str("member", m.ID()).Msg("history truncated")
			break
		}
	}
	return nil
}

// Notify enqueues a non-persisted system notice to a single member.
func (b *Broadcaster) Notify(m *Member, content string) error {
	ev := message.NewEvent(message.KindSystem, m.RoomID(), "", "", content)
	return m.Enqueue(message.FromEvent("", ev))
}

// roomLock serializes publishes within one room. refs lets idle entries be
// dropped.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

type roomLocks struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

func (l *roomLocks) lock(roomID string) func() {
	l.mu.Lock()
	rl, ok := l.rooms[roomID]
	if !ok {
		rl = &roomLock{}
		l.rooms[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.rooms, roomID)
		}
		l.mu.Unlock()
	}
}
