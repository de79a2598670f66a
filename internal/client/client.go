// Package client provides an HTTP client for the dave backend API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/davechat/internal/models"
)

// DefaultServerURL is the backend API root used when nothing is configured.
const DefaultServerURL = "http://localhost:8000/api/v1"

// maxErrorBody caps how much of an error response is read into an APIError.
const maxErrorBody = 4096

// Client talks to the dave backend over HTTP.
type Client struct {
	baseURL        string
	token          string
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRequestTimeout bounds each non-streaming call. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a new API client.
// If baseURL is empty, uses DAVE_SERVER_URL env var or defaults to DefaultServerURL.
// The http.Client carries no overall timeout: streams stay open for as long as
// the agent keeps talking, and REST calls are bounded per request instead.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("DAVE_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = DefaultServerURL
	}

	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		requestTimeout: 30 * time.Second,
		httpClient:     &http.Client{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// newRequest builds a request with auth and tracing headers.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.New().String())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON response into result (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request completed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}

	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// CreateConversationInput is the body for creating a conversation.
// The backend titles the conversation from the first user message when Title is nil.
type CreateConversationInput struct {
	Title    *string              `json:"title,omitempty"`
	Messages []models.ChatMessage `json:"messages,omitempty"`
}

// CreateConversation creates a conversation, optionally seeded with messages.
func (c *Client) CreateConversation(ctx context.Context, input CreateConversationInput) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", input, &conv); err != nil {
		return nil, err
	}
	if conv.ID == "" {
		return nil, fmt.Errorf("create conversation: empty id in response")
	}
	return &conv, nil
}

// AppendMessage adds one message to an existing conversation.
func (c *Client) AppendMessage(ctx context.Context, conversationID string, msg models.ChatMessage) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	return c.do(ctx, http.MethodPost, path, msg, nil)
}

// groupedConversationsResponse is the payload of GET /conversations.
type groupedConversationsResponse struct {
	Groups map[string][]models.ConversationListItem `json:"groups"`
}

// ListConversations returns every conversation summary the backend reports,
// flattened out of the backend's own grouping.
func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationListItem, error) {
	var resp groupedConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, err
	}

	var items []models.ConversationListItem
	for _, group := range resp.Groups {
		items = append(items, group...)
	}
	return items, nil
}

// GetConversation fetches one conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation deletes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil)
}

// RenameConversation updates a conversation's title.
func (c *Client) RenameConversation(ctx context.Context, id, title string) error {
	body := map[string]string{"title": title}
	return c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(id), body, nil)
}

// =============================================================================
// STREAMING OPERATIONS
// =============================================================================

// OpenStream starts a streaming chat exchange and returns the raw
// text/event-stream body. The caller owns the body and must close it.
// Cancelling ctx aborts the stream.
func (c *Client) OpenStream(ctx context.Context, chatReq models.ChatRequest) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/stream", chatReq)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}

	c.logger.Debug("stream opened",
		"messages", len(chatReq.Messages),
		"conversation_id", chatReq.ConversationID)
	return resp.Body, nil
}
