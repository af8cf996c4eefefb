package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/christopherjohns/roomcast/internal/auth"
	"github.com/christopherjohns/roomcast/internal/hub"
	"github.com/christopherjohns/roomcast/internal/message"
	"github.com/christopherjohns/roomcast/internal/room"
)

type harness struct {
	srv         *httptest.Server
	broadcaster *hub.Broadcaster
	log         message.Log
	conns       *ConnManager
}

// newHarness serves a Handler on /ws/{room}. A nil log, conns or resolver
// selects an in-memory store, an unlimited manager and query identities.
func newHarness(t *testing.T, l message.Log, conns *ConnManager, resolver auth.Resolver, opts ...HandlerOption) *harness {
	t.Helper()
	if l == nil {
		l = message.NewStore(1000)
	}
	if conns == nil {
		conns = NewConnManager()
	}
	if resolver == nil {
		resolver = auth.QueryResolver{}
		opts = append([]HandlerOption{WithQueryIdentity()}, opts...)
	}
	b := hub.NewBroadcaster(l, hub.NewRegistry())
	h := NewHandler(b, room.NewManager(), resolver, conns, opts...)

	mux := http.NewServeMux()
	mux.Handle("GET /ws/{room}", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conns.Shutdown(ctx)
		srv.Close()
	})
	return &harness{srv: srv, broadcaster: b, log: l, conns: conns}
}

func (hs *harness) url(roomID, query string) string {
	u := "ws" + strings.TrimPrefix(hs.srv.URL, "http") + "/ws/" + roomID
	if query != "" {
		u += "?" + query
	}
	return u
}

// join dials roomID as user and waits for the member to be registered.
func (hs *harness) join(t *testing.T, roomID, user string) *websocket.Conn {
	t.Helper()
	conn := dialURL(t, hs.url(roomID, "user_id="+user), nil)
	waitFor(t, func() bool { return hs.broadcaster.Registry().IsPresent(roomID, user) })
	return conn
}

func dialURL(t *testing.T, url string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readRecord reads one outbound record.
func readRecord(t *testing.T, conn *websocket.Conn) message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg message.Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read record: %v", err)
	}
	return msg
}

// expectRecord reads one record and checks its kind, author and content.
// An empty author or content is not checked.
func expectRecord(t *testing.T, conn *websocket.Conn, kind message.Kind, author, content string) message.Message {
	t.Helper()
	msg := readRecord(t, conn)
	if msg.Kind != kind {
		t.Fatalf("expected %s record, got %+v", kind, msg)
	}
	if author != "" && msg.Author() != author {
		t.Fatalf("expected author %q, got %q", author, msg.Author())
	}
	if content != "" && msg.Content != content {
		t.Fatalf("expected content %q, got %q", content, msg.Content)
	}
	return msg
}

// expectClose reads until the server closes the connection and returns the
// close code.
func expectClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
