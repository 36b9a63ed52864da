package vitalink

import (
	"context"
	"log/slog"
	"sync"
)

// Session binds a logged-in viewer to the shared transports: the REST client
// and the single session-wide push stream. It is constructed explicitly at
// login and torn down at logout; nothing in the SDK is package-level state.
type Session struct {
	client *Client
	stream *StreamClient
	userID string
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Stream overrides the push-stream configuration. Token defaults to the
	// client's token; AutoReconnect defaults to on.
	Stream *StreamConfig
	// Logger receives background failures (summary refreshes, read marks,
	// stream errors). Defaults to slog.Default().
	Logger *slog.Logger
}

// NewSession creates a session for the viewer identified by userID.
// The push stream is created but not yet connected; call Connect.
func NewSession(client *Client, userID string, opts *SessionOptions) *Session {
	var streamCfg *StreamConfig
	logger := slog.Default()
	if opts != nil {
		streamCfg = opts.Stream
		if opts.Logger != nil {
			logger = opts.Logger
		}
	}
	if streamCfg == nil {
		streamCfg = &StreamConfig{AutoReconnect: true}
	}
	if streamCfg.Logger == nil {
		streamCfg.Logger = logger
	}

	return &Session{
		client: client,
		stream: client.Chat().Realtime.Connect(streamCfg),
		userID: userID,
		log:    logger,
	}
}

// Connect establishes the push-stream connection.
func (s *Session) Connect(ctx context.Context) error {
	return s.stream.Connect(ctx)
}

// Close tears the session down: the push stream disconnects and no further
// events are delivered. Open ConversationViews must be closed separately.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.stream.Disconnect()
}

// Client returns the REST client.
func (s *Session) Client() *Client { return s.client }

// Stream returns the session-wide push stream.
func (s *Session) Stream() *StreamClient { return s.stream }

// UserID returns the viewer's user id.
func (s *Session) UserID() string { return s.userID }
