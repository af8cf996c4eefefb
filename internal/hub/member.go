package hub

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/christopherjohns/roomcast/internal/message"
)

// DefaultQueueSize is the number of events that can be queued per member.
const DefaultQueueSize = 64

var (
	// ErrDeliveryOverflow is returned by Enqueue when the member's queue is
	// full. The event is dropped for that member only.
	ErrDeliveryOverflow = errors.New("member queue full")
	// ErrMemberClosed is returned by Enqueue after Close.
	ErrMemberClosed = errors.New("member closed")
)

// Member is one participant's handle in a room. The broadcaster writes to
// its queue; only the owning connection reads from it.
//
// The queue is bounded and drops the newest event on overflow: Enqueue never
// blocks, so a stalled reader can lose events but never delays a publisher.
type Member struct {
	id     string
	name   string
	roomID string

	queue     chan *message.Message
	done      chan struct{}
	closeOnce sync.Once
	draining  atomic.Bool
	dropped   atomic.Int64
}

// NewMember creates a handle for id in roomID. A non-positive queueSize
// uses DefaultQueueSize.
func NewMember(id, name, roomID string, queueSize int) *Member {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if name == "" {
		name = id
	}
	return &Member{
		id:     id,
		name:   name,
		roomID: roomID,
		queue:  make(chan *message.Message, queueSize),
		done:   make(chan struct{}),
	}
}

func (m *Member) ID() string     { return m.id }
func (m *Member) Name() string   { return m.name }
func (m *Member) RoomID() string { return m.roomID }

// Dropped returns how many events were discarded because the queue was full.
func (m *Member) Dropped() int64 { return m.dropped.Load() }

// Enqueue offers msg to the member without blocking.
func (m *Member) Enqueue(msg *message.Message) error {
	select {
	case <-m.done:
		return ErrMemberClosed
	default:
	}
	select {
	case m.queue <- msg:
		return nil
	case <-m.done:
		return ErrMemberClosed
	default:
		m.dropped.Add(1)
		return ErrDeliveryOverflow
	}
}

// Drain yields queued events until the member is closed or ctx ends. Only
// the first call yields anything; later calls return an empty sequence.
func (m *Member) Drain(ctx context.Context) iter.Seq[*message.Message] {
	return func(yield func(*message.Message) bool) {
		if !m.draining.CompareAndSwap(false, true) {
			return
		}
		for {
			select {
			case <-m.done:
				return
			case <-ctx.Done():
				return
			case msg := <-m.queue:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Close marks the member closed and unblocks Drain. Safe to call repeatedly.
func (m *Member) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Closed reports whether Close has been called.
func (m *Member) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Done is closed when the member is closed.
func (m *Member) Done() <-chan struct{} { return m.done }
