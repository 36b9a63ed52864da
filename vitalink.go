// Package vitalink provides the official Go SDK for the Vitalink platform.
//
// The SDK centers on the direct-messaging conversation sync engine: a
// ConversationView merges paginated history, live push-stream events and the
// viewer's own sends into one ordered, duplicate-free message list.
//
// Example:
//
//	client := vitalink.NewClient("vl-token-...")
//	session := vitalink.NewSession(client, "user-42", nil)
//	_ = session.Connect(ctx)
//	defer session.Close()
//
//	view, _ := session.OpenConversation(ctx, "conv-1", nil)
//	defer view.Close()
//	view.Send(ctx, "hello", "")
package vitalink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.vitalink.health",
	Staging:    "https://staging-api.vitalink.health",
}

const (
	DefaultBaseURL    = "https://api.vitalink.health"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2

	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST transport. It is pure I/O: it normalizes failures into
// the ErrorKind taxonomy and retries transient ones, but carries no chat
// business logic.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	maxRetries int
	httpClient *http.Client
	chat       *ChatClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// WithMaxRetries bounds automatic retries of transient failures.
// Zero disables retrying.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient creates a new Vitalink client authenticated with token.
// Token acquisition (login) is outside the SDK.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		maxRetries: DefaultMaxRetries,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.chat = newChatClient(c)
	return c
}

// SetToken replaces the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat returns the chat API sub-client.
func (c *Client) Chat() *ChatClient {
	return c.chat
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		data, err := c.doOnce(ctx, method, u, payload)
		if err == nil {
			return data, nil
		}

		if !IsTransient(err) || attempt >= c.maxRetries {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffDelay(attempt, retryBaseDelay, retryMaxDelay)):
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, u string, payload []byte) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// One id per attempt so server logs can tell a retry from its original.
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode >= 400 {
		return nil, normalizeHTTPError(resp.StatusCode, data)
	}
	return data, nil
}

// normalizeHTTPError turns an HTTP failure into an *APIError, preserving
// field-level validation detail verbatim.
func normalizeHTTPError(status int, body []byte) *APIError {
	ae := &APIError{
		Kind:    classifyStatus(status),
		Status:  status,
		Message: http.StatusText(status),
	}
	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			ae.Message = parsed.Message
		} else if parsed.Detail != "" {
			ae.Message = parsed.Detail
		}
		ae.Code = parsed.Code
		ae.Fields = parsed.Fields
	}
	return ae
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat Client (orchestrates sub-modules)
// ============================================================================

// ChatClient provides access to the chat API via sub-modules.
type ChatClient struct {
	client *Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Reactions     *ReactionsClient
	Realtime      *RealtimeClient
}

func newChatClient(c *Client) *ChatClient {
	ch := &ChatClient{client: c}
	ch.Conversations = &ConversationsClient{chat: ch}
	ch.Messages = &MessagesClient{chat: ch}
	ch.Reactions = &ReactionsClient{chat: ch}
	ch.Realtime = &RealtimeClient{chat: ch}
	return ch
}

func (ch *ChatClient) do(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	return ch.client.doRequest(ctx, method, path, body, query)
}

// ============================================================================
// Chat Sub-Clients
// ============================================================================

// ConversationsClient handles conversation summaries and read state.
type ConversationsClient struct{ chat *ChatClient }

// Get fetches a conversation by id, including the other participant and the
// unread count.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	data, err := cv.chat.do(ctx, "GET", "/api/chat/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// List fetches the viewer's conversations, most recent first.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cv.chat.do(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// MarkRead marks messages read. messageIDs == nil means all messages in the
// conversation; otherwise only the listed ids. Returns the marked count.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string, messageIDs []string) (int, error) {
	data, err := cv.chat.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read",
		&MarkReadRequest{MessageIDs: messageIDs}, nil)
	if err != nil {
		return 0, err
	}
	res, err := decodeJSON[MarkReadResult](data)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// MessagesClient handles message history, sending and deletion.
type MessagesClient struct{ chat *ChatClient }

// History fetches a page of messages, oldest first within the page. An
// opts.Search value scopes the page server-side.
func (m *MessagesClient) History(ctx context.Context, conversationID string, opts HistoryOptions) ([]Message, error) {
	query := map[string]string{
		"skip":  strconv.Itoa(opts.Skip),
		"limit": strconv.Itoa(opts.Limit),
	}
	if opts.Search != "" {
		query["search"] = opts.Search
	}
	data, err := m.chat.do(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Send creates a message addressed to a recipient and returns the created
// Message with its server-assigned id and timestamps.
func (m *MessagesClient) Send(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	data, err := m.chat.do(ctx, "POST", "/api/chat/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// Delete soft-deletes a message by id.
func (m *MessagesClient) Delete(ctx context.Context, messageID string) error {
	_, err := m.chat.do(ctx, "DELETE", "/api/chat/messages/"+messageID, nil, nil)
	return err
}

// ReactionsClient handles per-message reactions.
type ReactionsClient struct{ chat *ChatClient }

// Set adds or replaces the viewer's reaction on a message. When the server
// toggled an identical tag off instead, it returns (nil, nil).
func (r *ReactionsClient) Set(ctx context.Context, messageID, reactionType string) (*Reaction, error) {
	data, err := r.chat.do(ctx, "POST", "/api/chat/messages/"+messageID+"/reactions",
		&ReactionRequest{ReactionType: reactionType}, nil)
	if err != nil {
		return nil, err
	}
	env, err := decodeJSON[reactionEnvelope](data)
	if err != nil {
		return nil, err
	}
	if env.Removed {
		return nil, nil
	}
	reaction := env.Reaction
	return &reaction, nil
}

// Remove clears the viewer's reaction on a message.
func (r *ReactionsClient) Remove(ctx context.Context, messageID string) error {
	_, err := r.chat.do(ctx, "DELETE", "/api/chat/messages/"+messageID+"/reactions", nil, nil)
	return err
}

// List fetches all reactions on a message.
func (r *ReactionsClient) List(ctx context.Context, messageID string) ([]Reaction, error) {
	data, err := r.chat.do(ctx, "GET", "/api/chat/messages/"+messageID+"/reactions", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Reaction](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// RealtimeClient is the push-stream connection factory.
type RealtimeClient struct{ chat *ChatClient }

// StreamURL returns the websocket URL for the push stream.
func (r *RealtimeClient) StreamURL() string {
	base := strings.Replace(r.chat.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/api/chat/stream"
}

// Connect creates a push-stream client. Call Connect on the result to
// establish the connection.
func (r *RealtimeClient) Connect(config *StreamConfig) *StreamClient {
	cfg := StreamConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = r.chat.client.token
	}
	cfg.defaults()
	return newStreamClient(r.chat.client.baseURL, &cfg)
}
