// Package assistant runs a synthetic room participant that answers chat
// messages through a Responder.
package assistant

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/christopherjohns/roomcast/internal/hub"
	"github.com/christopherjohns/roomcast/internal/message"
)

// DefaultName is the assistant's id unless configured otherwise. The @
// prefix keeps it apart from user accounts.
const DefaultName = "@assistant"

const (
	defaultTimeout      = 10 * time.Second
	defaultTranscript   = 20
	defaultConcurrency  = 4
	participantQueueLen = 64
	publishTimeout      = 5 * time.Second
)

// participant is the assistant's presence in one room. mu is held by Add
// while it joins, so Remove sees either a joined participant or none.
type participant struct {
	member *hub.Member
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	joined bool
}

// Manager adds and removes the assistant per room.
type Manager struct {
	broadcaster *hub.Broadcaster
	log         message.Log
	responder   Responder
	name        string
	timeout     time.Duration
	transcript  int
	concurrency int

	mu    sync.Mutex
	rooms map[string]*participant
}

// Option configures a Manager.
type Option func(*Manager)

// WithName sets the assistant's member id and display name.
func WithName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.name = name
		}
	}
}

// WithTimeout bounds each reply.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithConcurrency caps replies in flight per room. Triggers beyond the cap
// are skipped.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// NewManager creates an assistant manager publishing through b. l supplies
// the transcript handed to responder.
func NewManager(b *hub.Broadcaster, l message.Log, responder Responder, opts ...Option) *Manager {
	m := &Manager{
		broadcaster: b,
		log:         l,
		responder:   responder,
		name:        DefaultName,
		timeout:     defaultTimeout,
		transcript:  defaultTranscript,
		concurrency: defaultConcurrency,
		rooms:       make(map[string]*participant),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the assistant's member id.
func (m *Manager) Name() string { return m.name }

// Add places the assistant in roomID. It reports false if it was already
// there. The manager lock only covers the room map; joining and publishing
// happen outside it.
func (m *Manager) Add(ctx context.Context, roomID string) (bool, error) {
	m.mu.Lock()
	if _, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return false, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p := &participant{
		member: hub.NewMember(m.name, m.name, roomID, participantQueueLen),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m.rooms[roomID] = p
	m.mu.Unlock()
	go m.run(runCtx, p)

	if err := m.broadcaster.Join(ctx, p.member, 0); err != nil {
		m.mu.Lock()
		if m.rooms[roomID] == p {
			delete(m.rooms, roomID)
		}
		m.mu.Unlock()
		p.member.Close()
		cancel()
		if errors.Is(err, hub.ErrDuplicateMember) {
			return false, nil
		}
		return false, err
	}
	p.joined = true

	if _, err := m.broadcaster.Publish(ctx, message.NewEvent(message.KindJoin, roomID, m.name, m.name, m.name+" joined")); err != nil {
		log.Error().Str("module", "assistant").Err(err).Str("room", roomID).Msg("join event not published")
	}
	log.Info().Str("module", "assistant").Str("room", roomID).Msg("assistant added")
	return true, nil
}

// Remove takes the assistant out of roomID and waits for in-flight replies.
// It reports false if the assistant was not there. The leave event is
// published even when ctx ends before the replies do.
func (m *Manager) Remove(ctx context.Context, roomID string) (bool, error) {
	m.mu.Lock()
	p, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	p.mu.Lock()
	joined := p.joined
	p.mu.Unlock()
	if !joined {
		return false, nil
	}

	m.broadcaster.Registry().Deregister(p.member)
	p.member.Close()
	p.cancel()
	var waitErr error
	select {
	case <-p.done:
	case <-ctx.Done():
		waitErr = ctx.Err()
		log.Warn().Str("module", "assistant").Str("room", roomID).Msg("replies still in flight at removal")
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := m.broadcaster.Publish(pubCtx, message.NewEvent(message.KindLeave, roomID, m.name, m.name, m.name+" left")); err != nil {
		log.Error().Str("module", "assistant").Err(err).Str("room", roomID).Msg("leave event not published")
	}
	log.Info().Str("module", "assistant").Str("room", roomID).Msg("assistant removed")
	return true, waitErr
}

// Rooms returns the rooms the assistant is in, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop removes the assistant from every room.
func (m *Manager) Stop(ctx context.Context) error {
	var errs []error
	for _, roomID := range m.Rooms() {
		if _, err := m.Remove(ctx, roomID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// run consumes the participant's queue and answers chat messages from
// others. Replies run in their own goroutines so a slow responder never
// holds the queue.
func (m *Manager) run(ctx context.Context, p *participant) {
	defer close(p.done)
	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for msg := range p.member.Drain(ctx) {
		if msg.Kind != message.KindMessage || msg.Author() == m.name {
			continue
		}
		trigger := msg
		if !g.TryGo(func() error {
			m.reply(ctx, p.member.RoomID(), trigger)
			return nil
		}) {
			log.Warn().Str("module", "assistant").Str("room", trigger.RoomID).Str("trigger", trigger.ID).Msg("assistant busy, message skipped")
		}
	}
	g.Wait()
}

func (m *Manager) reply(ctx context.Context, roomID string, trigger *message.Message) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	transcript, err := m.log.Recent(ctx, roomID, m.transcript)
	if err != nil {
		log.Warn().Str("module", "assistant").Err(err).Str("room", roomID).Msg("transcript unavailable")
		transcript = []*message.Message{trigger}
	}
	text, err := m.responder.Respond(ctx, transcript, trigger)
	if err != nil {
		log.Error().Str("module", "assistant").Err(err).Str("room", roomID).Str("trigger", trigger.ID).Msg("responder failed")
		return
	}

	if ctx.Err() != nil {
		return
	}
	pubCtx, pubCancel := context.WithTimeout(context.Background(), publishTimeout)
	defer pubCancel()
	if _, err := m.broadcaster.Publish(pubCtx, message.NewEvent(message.KindMessage, roomID, m.name, m.name, text)); err != nil {
		log.Error().Str("module", "assistant").Err(err).Str("room", roomID).Msg("reply not published")
	}
}
