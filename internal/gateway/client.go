package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"storyweave/internal/models"
)

// historyWindow bounds the trailing context sent with each chat request so
// the backend can skip a full history re-read.
const historyWindow = 10

// ChatRequest is the payload posted to the chat-completion endpoint.
type ChatRequest struct {
	InstanceID          int64             `json:"instance_id"`
	UserMessage         string            `json:"user_message"`
	MessageMode         models.Mode       `json:"message_mode"`
	ConversationHistory []*models.Message `json:"conversation_history"`
}

// Client calls the chat-completion and instance-initialize endpoints. The
// chat call carries no client-side timeout: failure is
// signaled only by a non-2xx response, and the resulting messages arrive
// through the push feed, never in the response body.
type Client struct {
	base string
	http *http.Client
	init *http.Client
}

// NewClient builds a gateway client against the given base URL.
func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{},
		init: &http.Client{Timeout: 15 * time.Second},
	}
}

// SendChat posts the user message plus the last messages of context.
// Success means the backend accepted the work; any produced messages are
// delivered out-of-band.
func (c *Client) SendChat(ctx context.Context, instanceID int64, userMessage string, mode models.Mode, history []*models.Message) error {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	req := ChatRequest{
		InstanceID:          instanceID,
		UserMessage:         userMessage,
		MessageMode:         mode,
		ConversationHistory: history,
	}
	return c.post(ctx, c.http, c.base+"/api/chat", req)
}

// Initialize asks the backend to seed a fresh instance's opening
// narration.
func (c *Client) Initialize(ctx context.Context, instanceID int64) error {
	return c.post(ctx, c.init, fmt.Sprintf("%s/api/instances/%d/initialize", c.base, instanceID), struct{}{})
}

func (c *Client) post(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, bytes.TrimSpace(detail))
	}
	// The body carries nothing this client reads; draining keeps the
	// connection reusable.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
