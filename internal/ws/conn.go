package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/roomcast/internal/hub"
)

const (
	// defaultMaxConns is the default maximum concurrent connections (0 = unlimited).
	defaultMaxConns = 0

	// defaultIdleTimeout is the default time after which an idle connection is reaped.
	defaultIdleTimeout = 0

	// maxIdleCheckInterval caps how often the idle reaper runs.
	maxIdleCheckInterval = 30 * time.Second
)

var (
	// ErrAtCapacity is returned by Add when the connection limit is reached.
	ErrAtCapacity = errors.New("server at capacity")
	// ErrShuttingDown is returned by Add after Shutdown.
	ErrShuttingDown = errors.New("server shutting down")
)

// Client is one supervised websocket connection and the member it feeds.
type Client struct {
	conn   *websocket.Conn
	member *hub.Member
}

// NewClient pairs a websocket with the member it serves.
func NewClient(conn *websocket.Conn, member *hub.Member) *Client {
	return &Client{conn: conn, member: member}
}

// Member returns the client's room member handle.
func (c *Client) Member() *hub.Member { return c.member }

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	IdleReaped      int64 `json:"idle_reaped"`
}

// ConnManager tracks all active WebSocket connections and provides
// lifecycle management including graceful shutdown, connection limits,
// and idle detection.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc
	handlers sync.WaitGroup // one per successful Add until Finish

	rejected   atomic.Int64
	dropped    atomic.Int64 // from removed clients; live ones are summed in Stats
	idleReaped atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// When the limit is reached, new connections are rejected.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can go without inbound frames
// before it is closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:  make(map[*Client]*connEntry),
		maxConns: defaultMaxConns,
		idleTTL:  defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add reserves a slot for c. The returned context is cancelled when the
// client is removed, reaped, or the manager shuts down. Every successful Add
// must be paired with Finish once the caller's cleanup has run.
func (cm *ConnManager) Add(c *Client) (context.Context, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrShuttingDown
	}
	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		return nil, ErrAtCapacity
	}

	cm.handlers.Add(1)
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}
	return ctx, nil
}

// Remove releases c's slot and cancels its context. Removing an unknown
// client is a no-op.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
		cm.dropped.Add(c.member.Dropped())
	}
}

// Finish marks the handler behind one successful Add as done.
func (cm *ConnManager) Finish() {
	cm.handlers.Done()
}

// Wait blocks until every handler has called Finish or ctx ends. Call it
// after Shutdown so no new handler can start.
func (cm *ConnManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		cm.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TouchActivity updates the last-active timestamp for a client.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	var dropped int64
	for c := range cm.clients {
		dropped += c.member.Dropped()
	}
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.dropped.Load() + dropped,
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// ConnInfo holds metadata about a single connection.
type ConnInfo struct {
	UserID      string        `json:"user_id"`
	DisplayName string        `json:"display_name"`
	RoomID      string        `json:"room_id"`
	ConnectedAt time.Time     `json:"connected_at"`
	LastActive  time.Time     `json:"last_active"`
	Idle        time.Duration `json:"idle_ns"`
}

// Clients returns metadata for all active connections.
func (cm *ConnManager) Clients() []ConnInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	result := make([]ConnInfo, 0, len(cm.clients))
	for c, entry := range cm.clients {
		result = append(result, ConnInfo{
			UserID:      c.member.ID(),
			DisplayName: c.member.Name(),
			RoomID:      c.member.RoomID(),
			ConnectedAt: entry.connectedAt,
			LastActive:  entry.lastActive,
			Idle:        now.Sub(entry.lastActive),
		})
	}
	return result
}

// Shutdown closes every connection with StatusGoingAway and refuses new
// ones. It returns once every close handshake finished or ctx expired.
func (cm *ConnManager) Shutdown(ctx context.Context) error {
	cm.mu.Lock()
	cm.closed = true
	clients := cm.clients
	cm.clients = make(map[*Client]*connEntry)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	var wg sync.WaitGroup
	for c, entry := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cm.evict(c, entry, websocket.StatusGoingAway, "server shutting down")
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	log.Info().Str("module", "ws.conn").Int("connections", len(clients)).Msg("closing connections")
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evict closes the transport with code and then cancels the client context
// so both supervisor loops unwind.
func (cm *ConnManager) evict(c *Client, entry *connEntry, code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		log.Debug().Str("module", "ws.conn").Err(err).Str("user", c.member.ID()).Msg("close during eviction")
	}
	entry.cancel()
	cm.dropped.Add(c.member.Dropped())
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	interval := cm.idleTTL / 2
	if interval > maxIdleCheckInterval {
		interval = maxIdleCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	stale := make(map[*Client]*connEntry)
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale[c] = entry
			delete(cm.clients, c)
		}
	}
	cm.mu.Unlock()

	for c, entry := range stale {
		cm.idleReaped.Add(1)
		log.Info().Str("module", "ws.conn").Str("user", c.member.ID()).Str("room", c.member.RoomID()).Msg("reaping idle connection")
		go cm.evict(c, entry, websocket.StatusPolicyViolation, "idle timeout")
	}
}
