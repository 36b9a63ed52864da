package vitalink

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Core chat types
// ============================================================================

// User is the public profile of a chat participant.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Conversation is a two-party message thread. The backend owns it; the SDK
// holds a read-mostly cached copy refreshed after mutations.
type Conversation struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	OtherUser     User       `json:"other_user"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Message is a single direct message. Immutable once created except for
// IsDeleted, IsRead/ReadAt and its reaction set.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	ImageURL       string     `json:"image_url,omitempty"`
	IsDeleted      bool       `json:"is_deleted"`
	IsRead         bool       `json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Reactions      []Reaction `json:"reactions,omitempty"`

	// seq is the arrival order within a MessageStore, used to break
	// created_at ties. Zero until the store assigns it.
	seq uint64
}

// ReactionFor returns the user's reaction on this message, if any.
// At most one reaction per (message, user) exists.
func (m *Message) ReactionFor(userID string) *Reaction {
	for i := range m.Reactions {
		if m.Reactions[i].UserID == userID {
			return &m.Reactions[i]
		}
	}
	return nil
}

// IsImageOnly reports whether the message carries an image and no real text.
// Image-only messages are sent with a single-space content sentinel because
// the backend requires non-empty content.
func (m *Message) IsImageOnly() bool {
	return m.ImageURL != "" && strings.TrimSpace(m.Content) == ""
}

// Reaction is a single user's reaction tag on a message.
type Reaction struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	UserID       string    `json:"user_id"`
	ReactionType string    `json:"reaction_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// ============================================================================
// Request / response shapes
// ============================================================================

// SendMessageRequest is the body of a message send call.
type SendMessageRequest struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	ImageURL    string `json:"image_url,omitempty"`
}

// HistoryOptions scopes a message history fetch.
type HistoryOptions struct {
	Skip   int
	Limit  int
	Search string
}

// MarkReadRequest marks messages read. A nil MessageIDs means "all in the
// conversation".
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkReadResult reports how many messages were marked.
type MarkReadResult struct {
	Count int `json:"count"`
}

// ReactionRequest is the body of an add/update reaction call.
type ReactionRequest struct {
	ReactionType string `json:"reaction_type"`
}

// reactionEnvelope is the add/update response: either the resulting reaction
// or a removed sentinel when the server toggled the same tag off.
type reactionEnvelope struct {
	Removed bool `json:"removed"`
	Reaction
}

// ============================================================================
// Stream event payloads
// ============================================================================

// The push stream and the REST API describe messages with slightly different
// field sets. Both are normalized into the canonical Message/Reaction shapes
// here, at the transport boundary, so the sync engine reasons about one shape.

// StreamEnvelope is the wire format for all push-stream events.
type StreamEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageCreatedPayload is delivered when a message is created in any of the
// viewer's conversations.
type MessageCreatedPayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	ImageURL       string    `json:"image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message converts the event payload into the canonical shape. Live arrivals
// are always unread from the viewer's perspective.
func (p *MessageCreatedPayload) Message() *Message {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = p.CreatedAt
	}
	return &Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		ImageURL:       p.ImageURL,
		IsRead:         false,
		ReadAt:         nil,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      updated,
	}
}

// MessageDeletedPayload is delivered when a message is soft-deleted.
type MessageDeletedPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// ReactionUpdatedPayload is delivered when a reaction is added, replaced or
// removed. Removed is true when the user's tag was cleared.
type ReactionUpdatedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ReactionType   string    `json:"reaction_type,omitempty"`
	ReactionID     string    `json:"reaction_id,omitempty"`
	Removed        bool      `json:"removed"`
	CreatedAt      time.Time `json:"created_at"`
}

// Reaction converts the event payload into the canonical shape.
func (p *ReactionUpdatedPayload) Reaction() Reaction {
	return Reaction{
		ID:           p.ReactionID,
		MessageID:    p.MessageID,
		UserID:       p.UserID,
		ReactionType: p.ReactionType,
		CreatedAt:    p.CreatedAt,
	}
}

// TypingPayload is delivered when the other participant starts or stops
// typing in a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}
