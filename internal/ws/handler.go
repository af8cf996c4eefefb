package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/roomcast/internal/auth"
	"github.com/christopherjohns/roomcast/internal/hub"
	"github.com/christopherjohns/roomcast/internal/message"
	"github.com/christopherjohns/roomcast/internal/ratelimit"
	"github.com/christopherjohns/roomcast/internal/room"
)

// AccessTokenCookie is the cookie the login endpoint sets.
const AccessTokenCookie = "access_token"

// StatusDuplicateMember closes a connection whose user is already in the room.
const StatusDuplicateMember websocket.StatusCode = 4409

const (
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxMessageLength = 2000
	leaveTimeout            = 5 * time.Second
)

// Notices sent to a single member.
const (
	noticeEmpty       = "message content is required"
	noticeRateLimited = "you are sending messages too quickly"
	noticeNotSaved    = "message could not be saved"
)

// Handler upgrades requests on /ws/{room} and supervises each connection
// from authentication until the transport is closed.
type Handler struct {
	broadcaster *hub.Broadcaster
	rooms       room.Directory
	resolver    auth.Resolver
	conns       *ConnManager

	credential       func(*http.Request) string
	queueSize        int
	historyLimit     int
	writeTimeout     time.Duration
	maxMessageLength int
	originPatterns   []string
	trustedProxies   []netip.Prefix
	joins            *ratelimit.Limiter
	messages         *ratelimit.Limiter
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithQueryIdentity reads the credential from ?user_id= instead of a token.
func WithQueryIdentity() HandlerOption {
	return func(h *Handler) { h.credential = queryCredential }
}

// WithQueueSize sets each member's outbound queue capacity.
func WithQueueSize(n int) HandlerOption {
	return func(h *Handler) { h.queueSize = n }
}

// WithHistoryLimit sets how many recent records a joining member receives.
func WithHistoryLimit(n int) HandlerOption {
	return func(h *Handler) { h.historyLimit = n }
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithMaxMessageLength sets the longest accepted content, in characters.
func WithMaxMessageLength(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxMessageLength = n
		}
	}
}

// WithOriginPatterns restricts cross-origin upgrades. Without patterns every
// origin is accepted.
func WithOriginPatterns(patterns []string) HandlerOption {
	return func(h *Handler) { h.originPatterns = patterns }
}

// WithTrustedProxies makes X-Forwarded-For count for peers inside the given
// prefixes. Other peers are keyed by their socket address.
func WithTrustedProxies(prefixes []netip.Prefix) HandlerOption {
	return func(h *Handler) { h.trustedProxies = prefixes }
}

// WithJoinLimiter limits upgrade attempts per client IP.
func WithJoinLimiter(l *ratelimit.Limiter) HandlerOption {
	return func(h *Handler) { h.joins = l }
}

// WithMessageLimiter limits inbound messages per member.
func WithMessageLimiter(l *ratelimit.Limiter) HandlerOption {
	return func(h *Handler) { h.messages = l }
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(b *hub.Broadcaster, rooms room.Directory, resolver auth.Resolver, conns *ConnManager, opts ...HandlerOption) *Handler {
	h := &Handler{
		broadcaster:      b,
		rooms:            rooms,
		resolver:         resolver,
		conns:            conns,
		credential:       tokenCredential,
		queueSize:        hub.DefaultQueueSize,
		writeTimeout:     defaultWriteTimeout,
		maxMessageLength: defaultMaxMessageLength,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP runs one connection through Connecting, Authenticating,
// Joining, Active and Closing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, h.trustedProxies)
	if !h.joins.Allow(ip) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	roomID := r.PathValue("room")
	credential := h.credential(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: len(h.originPatterns) == 0,
		OriginPatterns:     h.originPatterns,
	})
	if err != nil {
		log.Warn().Str("module", "ws.handler").Err(err).Str("ip", ip).Msg("accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit(h.maxMessageLength))

	logger := log.With().Str("module", "ws.handler").Str("room", roomID).Str("ip", ip).Logger()

	id, err := h.resolver.Resolve(r.Context(), credential)
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			logger.Info().Msg("authentication failed")
			conn.Close(websocket.StatusPolicyViolation, "authentication failed")
			return
		}
		logger.Error().Err(err).Msg("identity lookup failed")
		conn.Close(websocket.StatusInternalError, "identity unavailable")
		return
	}
	logger = logger.With().Str("user", id.ID).Logger()

	if !room.ValidID(roomID) {
		conn.Close(websocket.StatusPolicyViolation, "invalid room id")
		return
	}
	if _, err := h.rooms.GetOrCreate(r.Context(), roomID, ""); err != nil {
		logger.Error().Err(err).Msg("room lookup failed")
		conn.Close(websocket.StatusInternalError, "room unavailable")
		return
	}

	member := hub.NewMember(id.ID, id.DisplayName, roomID, h.queueSize)
	client := NewClient(conn, member)
	connCtx, err := h.conns.Add(client)
	switch {
	case errors.Is(err, ErrAtCapacity):
		logger.Warn().Msg("connection rejected, at capacity")
		conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return
	case errors.Is(err, ErrShuttingDown):
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.conns.Finish()

	if err := h.broadcaster.Join(connCtx, member, h.historyLimit); err != nil {
		h.conns.Remove(client)
		if errors.Is(err, hub.ErrDuplicateMember) {
			logger.Info().Msg("duplicate member rejected")
			conn.Close(StatusDuplicateMember, "duplicate member")
			return
		}
		logger.Error().Err(err).Msg("join failed")
		conn.Close(websocket.StatusInternalError, "join failed")
		return
	}
	defer h.leave(client, logger)

	joined := message.NewEvent(message.KindJoin, roomID, member.ID(), member.Name(), member.Name()+" joined")
	if _, err := h.broadcaster.Publish(connCtx, joined); err != nil {
		logger.Error().Err(err).Msg("join event not published")
	}
	logger.Info().Msg("member active")

	if err := h.run(connCtx, client); err != nil {
		logger.Debug().Err(err).Msg("connection ended")
	}
}

// run drives the inbound and outbound loops until either ends.
func (h *Handler) run(ctx context.Context, c *Client) error {
	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return h.readLoop(gctx, c)
	})
	g.Go(func() error {
		defer cancel()
		return h.writeLoop(gctx, c)
	})
	return g.Wait()
}

// leave runs the Closing steps. Errors are logged only.
func (h *Handler) leave(c *Client, logger zerolog.Logger) {
	m := c.member
	h.broadcaster.Registry().Deregister(m)
	m.Close()
	h.conns.Remove(c)
	h.messages.Forget(messageKey(m))

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	left := message.NewEvent(message.KindLeave, m.RoomID(), m.ID(), m.Name(), m.Name()+" left")
	if _, err := h.broadcaster.Publish(ctx, left); err != nil {
		logger.Error().Err(err).Msg("leave event not published")
	}
	logger.Info().Int64("dropped", m.Dropped()).Msg("member left")
}

// readLoop turns inbound frames into message events until the read fails.
func (h *Handler) readLoop(ctx context.Context, c *Client) error {
	m := c.member
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		h.conns.TouchActivity(c)

		content := parseContent(data)
		switch {
		case content == "":
			h.notify(m, noticeEmpty)
			continue
		case utf8.RuneCountInString(content) > h.maxMessageLength:
			h.notify(m, fmt.Sprintf("message exceeds maximum length of %d characters", h.maxMessageLength))
			continue
		case !h.messages.Allow(messageKey(m)):
			h.notify(m, noticeRateLimited)
			continue
		}

		ev := message.NewEvent(message.KindMessage, m.RoomID(), m.ID(), m.Name(), content)
		if _, err := h.broadcaster.Publish(ctx, ev); err != nil {
			log.Error().Str("module", "ws.handler").Err(err).Str("room", m.RoomID()).Str("user", m.ID()).Msg("message not published")
			h.notify(m, noticeNotSaved)
		}
	}
}

// writeLoop writes queued records to the transport.
func (h *Handler) writeLoop(ctx context.Context, c *Client) error {
	for msg := range c.member.Drain(ctx) {
		data, err := json.Marshal(msg)
		if err != nil {
			log.Error().Str("module", "ws.handler").Err(err).Str("id", msg.ID).Msg("encode record")
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err = c.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return nil
}

func (h *Handler) notify(m *hub.Member, content string) {
	if err := h.broadcaster.Notify(m, content); err != nil {
		log.Debug().Str("module", "ws.handler").Err(err).Str("user", m.ID()).Msg("notice dropped")
	}
}

// readLimit is the largest frame accepted for maxLength characters: four
// UTF-8 bytes per character, six when JSON-escaped, plus the envelope.
// Larger frames close the connection with 1009.
func readLimit(maxLength int) int64 {
	return int64(maxLength)*4*6 + 64
}

func messageKey(m *hub.Member) string {
	return m.RoomID() + "/" + m.ID()
}
