package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loop-social/realtime/internal/identity"
	"github.com/loop-social/realtime/internal/protocol"
)

// UnreadCounts is the authoritative unread state returned by the messages API.
type UnreadCounts struct {
	Messages      int `json:"messages"`
	Notifications int `json:"notifications"`
}

// ConversationSummary is one entry in the conversation list.
type ConversationSummary struct {
	PartnerID   identity.ID      `json:"partnerId"`
	LastMessage protocol.Message `json:"lastMessage"`
	Unread      int              `json:"unread"`
}

// RESTClient calls the messages API. The realtime session uses it to correct
// unread counters on reconnect and to persist outgoing messages before they
// are considered sent.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewRESTClient creates a client for the messages API at baseURL,
// authenticating every request with the given bearer token.
func NewRESTClient(baseURL, token string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Unread fetches the authoritative unread counters.
func (c *RESTClient) Unread(ctx context.Context) (UnreadCounts, error) {
	var counts UnreadCounts
	if err := c.get(ctx, "/messages/unread", &counts); err != nil {
		return UnreadCounts{}, err
	}
	return counts, nil
}

// Conversations fetches the conversation list, most recently active first.
func (c *RESTClient) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	var summaries []ConversationSummary
	if err := c.get(ctx, "/messages/conversations", &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// Conversation fetches the full message history with one partner.
func (c *RESTClient) Conversation(ctx context.Context, partnerID identity.ID) ([]protocol.Message, error) {
	var messages []protocol.Message
	if err := c.get(ctx, "/messages/"+partnerID.String(), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendMessage persists a message and returns the server-confirmed row with its
// real id and timestamp.
func (c *RESTClient) SendMessage(ctx context.Context, receiverID identity.ID, content string, attachments []string) (*protocol.Message, error) {
	body := map[string]interface{}{
		"receiverId": receiverID,
		"content":    content,
	}
	if len(attachments) > 0 {
		body["attachments"] = attachments
	}

	var msg protocol.Message
	if err := c.post(ctx, "/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkConversationRead marks all messages from partnerID as read.
func (c *RESTClient) MarkConversationRead(ctx context.Context, partnerID identity.ID) error {
	return c.post(ctx, "/messages/"+partnerID.String()+"/read", nil, nil)
}

// MarkNotificationsRead marks all notifications as read.
func (c *RESTClient) MarkNotificationsRead(ctx context.Context) error {
	return c.post(ctx, "/notifications/read", nil, nil)
}

func (c *RESTClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("client: new request: %w", err)
	}
	return c.do(req, out)
}

func (c *RESTClient) post(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("client: encode body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("client: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *RESTClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("client: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
	}
	return nil
}
