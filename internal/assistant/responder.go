package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/christopherjohns/roomcast/internal/message"
)

// ErrEmptyReply is returned when a responder produced no text.
var ErrEmptyReply = errors.New("empty reply")

// Responder produces the assistant's reply to trigger given the room's
// recent transcript, oldest first.
type Responder interface {
	Respond(ctx context.Context, transcript []*message.Message, trigger *message.Message) (string, error)
}

// EchoResponder repeats the triggering message back to the room.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, _ []*message.Message, trigger *message.Message) (string, error) {
	return fmt.Sprintf("%s said: %s", trigger.AuthorName, trigger.Content), nil
}

// WebhookResponder POSTs the transcript to an external service and relays
// its answer.
type WebhookResponder struct {
	url    string
	client *http.Client
}

// NewWebhookResponder creates a responder calling url with the given
// per-request timeout.
func NewWebhookResponder(url string, timeout time.Duration) *WebhookResponder {
	return &WebhookResponder{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookEntry struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	Time   time.Time `json:"ctime"`
	Event  string    `json:"event"`
}

type webhookRequest struct {
	RoomID     string         `json:"room_id"`
	Transcript []webhookEntry `json:"transcript"`
	Prompt     string         `json:"prompt"`
}

type webhookResponse struct {
	Response string `json:"response"`
}

// Respond sends only chat messages in the transcript, plus a plain-text
// prompt in "sender: text" form.
func (w *WebhookResponder) Respond(ctx context.Context, transcript []*message.Message, trigger *message.Message) (string, error) {
	req := webhookRequest{RoomID: trigger.RoomID}
	var prompt strings.Builder
	prompt.WriteString("This is a chatroom conversation:\n")
	for _, m := range transcript {
		if m.Kind != message.KindMessage {
			continue
		}
		req.Transcript = append(req.Transcript, webhookEntry{Sender: m.AuthorName, Text: m.Content, Time: m.CreatedAt, Event: string(m.Kind)})
		fmt.Fprintf(&prompt, "%s: %s\n", m.AuthorName, m.Content)
	}
	req.Prompt = prompt.String()

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode webhook request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("webhook returned %s", resp.Status)
	}

	var out webhookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode webhook response: %w", err)
	}
	reply := strings.TrimSpace(out.Response)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
