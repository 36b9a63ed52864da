package vitalink

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// MaxMessageLength is the longest content the backend accepts.
	MaxMessageLength = 5000

	DefaultPageSize      = 50
	DefaultFallbackDelay = 500 * time.Millisecond
	DefaultReadMarkDelay = 500 * time.Millisecond
	DefaultSearchDelay   = 300 * time.Millisecond
)

// ViewOptions configures a ConversationView. Zero values take the defaults
// above. The callbacks surface operation outcomes to the caller's UI layer
// and may be nil.
type ViewOptions struct {
	PageSize      int
	FallbackDelay time.Duration
	ReadMarkDelay time.Duration
	SearchDelay   time.Duration

	// OnSendResult fires after a send attempt: the confirmed message on
	// success, nil plus the error on failure. A failed send makes no store
	// change, so the caller can keep the draft and retry.
	OnSendResult func(*Message, error)
	// OnReactionToggled fires after a toggle attempt. reaction is nil when
	// the toggle removed the viewer's tag. Validation errors carry their
	// field detail verbatim.
	OnReactionToggled func(messageID string, reaction *Reaction, err error)
	// OnDeleteResult fires after a delete attempt.
	OnDeleteResult func(messageID string, err error)
	// OnTyping fires when the other participant starts or stops typing in
	// this conversation.
	OnTyping func(isTyping bool)
}

func (o *ViewOptions) defaults() {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.FallbackDelay == 0 {
		o.FallbackDelay = DefaultFallbackDelay
	}
	if o.ReadMarkDelay == 0 {
		o.ReadMarkDelay = DefaultReadMarkDelay
	}
	if o.SearchDelay == 0 {
		o.SearchDelay = DefaultSearchDelay
	}
}

// ConversationView is the sync engine for one open conversation. It owns the
// MessageStore exclusively: history pages, push-stream events and the
// viewer's own actions all reconcile through it, deduplicated by message id.
//
// A view is created when the conversation opens and closed when it closes;
// nothing persists beyond that. The session's push stream itself stays up
// across views.
type ConversationView struct {
	session *Session
	opts    ViewOptions

	conversationID string

	mu        sync.Mutex
	store     *MessageStore
	conv      *Conversation
	epoch     int
	closed    bool
	pageIndex int
	hasMore   bool
	loading   bool
	searching bool
	query     string

	pendingReadIDs []string
	timers         map[int]*time.Timer
	timerSeq       int

	searchDeb  *debouncer
	readAllDeb *debouncer
	readIDsDeb *debouncer

	unsubs []Unsubscribe
}

// OpenConversation opens a view over the conversation: it fetches the
// conversation, subscribes to the session stream, loads the initial history
// page and schedules the initial read mark. On a history failure the view is
// still returned alongside the error so the caller can Reload without losing
// the subscription.
func (s *Session) OpenConversation(ctx context.Context, conversationID string, opts *ViewOptions) (*ConversationView, error) {
	v := &ConversationView{
		session:        s,
		conversationID: conversationID,
		store:          NewMessageStore(),
		hasMore:        true,
		timers:         make(map[int]*time.Timer),
	}
	if opts != nil {
		v.opts = *opts
	}
	v.opts.defaults()
	v.searchDeb = newDebouncer(v.opts.SearchDelay)
	v.readAllDeb = newDebouncer(v.opts.ReadMarkDelay)
	v.readIDsDeb = newDebouncer(v.opts.ReadMarkDelay)

	conv, err := s.client.Chat().Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	v.conv = conv

	v.unsubs = append(v.unsubs,
		s.stream.OnMessageCreated(v.handleMessageCreated),
		s.stream.OnMessageDeleted(v.handleMessageDeleted),
		s.stream.OnReactionUpdated(v.handleReactionUpdated),
		s.stream.OnTyping(v.handleTyping),
	)

	if err := v.Reload(ctx); err != nil {
		return v, err
	}
	return v, nil
}

// Close cancels pending timers and detaches the view from the stream.
// In-flight completions from before Close never mutate the store.
func (v *ConversationView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.epoch++
	v.stopTimersLocked()
	v.mu.Unlock()

	v.searchDeb.Stop()
	v.readAllDeb.Stop()
	v.readIDsDeb.Stop()
	for _, u := range v.unsubs {
		u()
	}
}

// ============================================================================
// Snapshot accessors (consumed by rendering)
// ============================================================================

// Messages returns the ordered message list: ascending created_at, no
// duplicates.
func (v *ConversationView) Messages() []Message {
	v.mu.Lock()
	store := v.store
	v.mu.Unlock()
	return store.Messages()
}

// Conversation returns the cached conversation summary.
func (v *ConversationView) Conversation() Conversation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return *v.conv
}

// HasMore reports whether older history pages remain.
func (v *ConversationView) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// IsLoading reports whether a history load is in flight.
func (v *ConversationView) IsLoading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading
}

// IsSearching reports whether a search-scoped reload is pending or running.
func (v *ConversationView) IsSearching() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.searching
}

// Query returns the active search query.
func (v *ConversationView) Query() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.query
}

// ============================================================================
// Pagination controller
// ============================================================================

// Reload discards the store and cursor and performs a fresh initial load
// scoped to the active query. Used at open, after a conversation or query
// change, and as the retry action for a failed initial load.
func (v *ConversationView) Reload(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.resetLocked()
	v.loading = true
	epoch := v.epoch
	query := v.query
	v.mu.Unlock()

	batch, err := v.session.client.Chat().Messages.History(ctx, v.conversationID, HistoryOptions{
		Skip:   0,
		Limit:  v.opts.PageSize,
		Search: query,
	})

	v.mu.Lock()
	defer v.mu.Unlock()
	v.loading = false
	if v.closed || epoch != v.epoch {
		return nil
	}
	if err != nil {
		return err
	}

	v.store.PrependBatch(batch)
	v.pageIndex = 0
	v.hasMore = len(batch) == v.opts.PageSize

	// Initial read mark covers the whole conversation; debounced so a rapid
	// close-reopen does not race the fetch with a redundant call.
	if query == "" {
		v.readAllDeb.Trigger(v.markAllRead)
	}
	return nil
}

// LoadMore fetches the next older page and merges it. No-op while a load is
// in flight or when no more history remains. A failure leaves the loaded
// messages and the cursor untouched, so the caller can retry.
func (v *ConversationView) LoadMore(ctx context.Context) error {
	v.mu.Lock()
	if v.closed || v.loading || !v.hasMore {
		v.mu.Unlock()
		return nil
	}
	v.loading = true
	epoch := v.epoch
	query := v.query
	nextPage := v.pageIndex + 1
	v.mu.Unlock()

	batch, err := v.session.client.Chat().Messages.History(ctx, v.conversationID, HistoryOptions{
		Skip:   nextPage * v.opts.PageSize,
		Limit:  v.opts.PageSize,
		Search: query,
	})

	v.mu.Lock()
	defer v.mu.Unlock()
	v.loading = false
	if v.closed || epoch != v.epoch {
		return nil
	}
	if err != nil {
		return err
	}

	v.store.PrependBatch(batch)
	v.pageIndex = nextPage
	v.hasMore = len(batch) == v.opts.PageSize
	return nil
}

// resetLocked discards the store and cursor and invalidates in-flight
// completions and fallback timers.
func (v *ConversationView) resetLocked() {
	v.epoch++
	v.store = NewMessageStore()
	v.pageIndex = 0
	v.hasMore = true
	v.pendingReadIDs = nil
	v.stopTimersLocked()
}

// ============================================================================
// Search controller
// ============================================================================

// SetSearch updates the query. After a quiet period the history is reloaded
// scoped to the query server-side. Live stream arrivals keep getting
// inserted regardless of whether they would match the filter; the scope
// affects only the history fetch.
func (v *ConversationView) SetSearch(query string) {
	v.mu.Lock()
	if v.closed || v.query == query {
		v.mu.Unlock()
		return
	}
	v.query = query
	v.searching = true
	v.mu.Unlock()

	v.searchDeb.Trigger(func() {
		err := v.Reload(context.Background())
		v.mu.Lock()
		v.searching = false
		v.mu.Unlock()
		if err != nil {
			v.session.log.Warn("search reload failed",
				"conversation_id", v.conversationID, "error", err)
		}
	})
}

// ============================================================================
// Reconciler — send path
// ============================================================================

// Send validates and transmits a message. Nothing is inserted optimistically:
// the push stream usually delivers the confirmed message within milliseconds,
// and a delayed fallback insert guarantees it lands even when the stream is
// slow or down. Whichever side arrives second finds the id already present
// and becomes a no-op.
func (v *ConversationView) Send(ctx context.Context, content, imageURL string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" && imageURL == "" {
		err := &APIError{Kind: KindValidation, Message: "message content is empty"}
		v.notifySend(nil, err)
		return err
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		err := &APIError{
			Kind:    KindValidation,
			Message: "message content too long",
			Fields:  []FieldError{{Field: "content", Message: "must be at most 5000 characters"}},
		}
		v.notifySend(nil, err)
		return err
	}
	if trimmed == "" {
		// Image-only: backend requires non-empty content.
		trimmed = " "
	}

	v.mu.Lock()
	recipientID := v.conv.OtherUser.ID
	v.mu.Unlock()

	msg, err := v.session.client.Chat().Messages.Send(ctx, &SendMessageRequest{
		RecipientID: recipientID,
		Content:     trimmed,
		ImageURL:    imageURL,
	})
	if err != nil {
		v.notifySend(nil, err)
		return err
	}

	v.scheduleFallbackInsert(msg)
	v.notifySend(msg, nil)
	return nil
}

// scheduleFallbackInsert arms the bounded race window of the send path: the
// stream gets FallbackDelay to deliver the confirmed message first; if it has
// not by then, the REST confirmation is inserted. The id check makes either
// order converge on exactly one entry.
func (v *ConversationView) scheduleFallbackInsert(msg *Message) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	epoch := v.epoch
	id := v.timerSeq
	v.timerSeq++
	v.timers[id] = time.AfterFunc(v.opts.FallbackDelay, func() {
		v.mu.Lock()
		delete(v.timers, id)
		if v.closed || epoch != v.epoch {
			v.mu.Unlock()
			return
		}
		store := v.store
		v.mu.Unlock()

		if store.Has(msg.ID) {
			// Stream won the race; nothing to do.
			return
		}
		m := *msg
		store.Upsert(&m)
		v.refreshConversationAsync()
	})
	v.mu.Unlock()
}

// ============================================================================
// Reconciler — stream path
// ============================================================================

func (v *ConversationView) handleMessageCreated(p MessageCreatedPayload) {
	if p.ConversationID != v.conversationID {
		return
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	store := v.store
	v.mu.Unlock()

	m := p.Message()
	if store.Has(m.ID) {
		// Fallback insert or a replayed event got here first: discard, so a
		// duplicate can never clobber read state already tracked locally.
		return
	}
	store.Upsert(m)

	if m.SenderID != v.session.userID {
		v.queueReadMark(m.ID)
	}
	v.refreshConversationAsync()
}

func (v *ConversationView) handleMessageDeleted(p MessageDeletedPayload) {
	if p.ConversationID != v.conversationID {
		return
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	store := v.store
	v.mu.Unlock()

	store.Apply(p.ID, func(m *Message) {
		m.IsDeleted = true
	})
}

func (v *ConversationView) handleReactionUpdated(p ReactionUpdatedPayload) {
	if p.ConversationID != v.conversationID {
		return
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	store := v.store
	v.mu.Unlock()

	store.Apply(p.MessageID, func(m *Message) {
		if p.Removed {
			removeReaction(m, p.UserID)
			return
		}
		setReaction(m, p.Reaction())
	})
}

func (v *ConversationView) handleTyping(p TypingPayload) {
	if p.ConversationID != v.conversationID || p.UserID == v.session.userID {
		return
	}
	v.mu.Lock()
	closed := v.closed
	cb := v.opts.OnTyping
	v.mu.Unlock()
	if !closed && cb != nil {
		cb(p.IsTyping)
	}
}

// SendTyping notifies the other participant over the stream. Best-effort.
func (v *ConversationView) SendTyping(ctx context.Context, isTyping bool) error {
	return v.session.stream.SendTyping(ctx, v.conversationID, isTyping)
}

// refreshConversationAsync refreshes the cached conversation summary
// (last_message_at, unread_count) without blocking reconciliation. Failures
// are logged, not surfaced.
func (v *ConversationView) refreshConversationAsync() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	epoch := v.epoch
	v.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conv, err := v.session.client.Chat().Conversations.Get(ctx, v.conversationID)
		if err != nil {
			v.session.log.Warn("conversation refresh failed",
				"conversation_id", v.conversationID, "error", err)
			return
		}

		v.mu.Lock()
		if !v.closed && epoch == v.epoch {
			v.conv = conv
		}
		v.mu.Unlock()
	}()
}

// ============================================================================
// Read tracker
// ============================================================================

// queueReadMark batches a stream-delivered message id into the next debounced
// "mark these read" call.
func (v *ConversationView) queueReadMark(messageID string) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.pendingReadIDs = append(v.pendingReadIDs, messageID)
	v.mu.Unlock()

	v.readIDsDeb.Trigger(v.flushReadMarks)
}

func (v *ConversationView) flushReadMarks() {
	v.mu.Lock()
	if v.closed || len(v.pendingReadIDs) == 0 {
		v.mu.Unlock()
		return
	}
	ids := v.pendingReadIDs
	v.pendingReadIDs = nil
	epoch := v.epoch
	store := v.store
	v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := v.session.client.Chat().Conversations.MarkRead(ctx, v.conversationID, ids); err != nil {
		// Not safety-critical; corrected on next conversation open.
		v.session.log.Warn("read mark failed",
			"conversation_id", v.conversationID, "count", len(ids), "error", err)
		return
	}

	v.mu.Lock()
	stale := v.closed || epoch != v.epoch
	v.mu.Unlock()
	if stale {
		return
	}
	now := time.Now()
	for _, id := range ids {
		store.Apply(id, func(m *Message) {
			m.IsRead = true
			m.ReadAt = &now
		})
	}
}

// markAllRead issues the conversation-scoped read mark after the initial
// load settles.
func (v *ConversationView) markAllRead() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	epoch := v.epoch
	store := v.store
	viewer := v.session.userID
	v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := v.session.client.Chat().Conversations.MarkRead(ctx, v.conversationID, nil); err != nil {
		v.session.log.Warn("mark all read failed",
			"conversation_id", v.conversationID, "error", err)
		return
	}

	v.mu.Lock()
	if !v.closed && epoch == v.epoch {
		v.conv.UnreadCount = 0
	}
	stale := v.closed || epoch != v.epoch
	v.mu.Unlock()
	if stale {
		return
	}

	now := time.Now()
	for _, m := range store.Messages() {
		if m.SenderID == viewer || m.IsRead {
			continue
		}
		store.Apply(m.ID, func(msg *Message) {
			msg.IsRead = true
			msg.ReadAt = &now
		})
	}
}

// ============================================================================
// Reaction ledger
// ============================================================================

// ToggleReaction flips the viewer's reaction on a message: an identical tag
// is removed, a different or missing one is replaced or added. Local state
// changes only after server confirmation, so a failure leaves the prior
// reaction intact.
func (v *ConversationView) ToggleReaction(ctx context.Context, messageID, reactionType string) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	store := v.store
	viewer := v.session.userID
	v.mu.Unlock()

	msg, ok := store.Get(messageID)
	if !ok {
		err := &APIError{Kind: KindNotFound, Message: "message not in view"}
		v.notifyReaction(messageID, nil, err)
		return err
	}

	existing := msg.ReactionFor(viewer)
	if existing != nil && existing.ReactionType == reactionType {
		if err := v.session.client.Chat().Reactions.Remove(ctx, messageID); err != nil {
			v.notifyReaction(messageID, nil, err)
			return err
		}
		store.Apply(messageID, func(m *Message) {
			removeReaction(m, viewer)
		})
		v.notifyReaction(messageID, nil, nil)
		return nil
	}

	reaction, err := v.session.client.Chat().Reactions.Set(ctx, messageID, reactionType)
	if err != nil {
		v.notifyReaction(messageID, nil, err)
		return err
	}
	if reaction == nil {
		// Server toggled an identical tag off.
		store.Apply(messageID, func(m *Message) {
			removeReaction(m, viewer)
		})
		v.notifyReaction(messageID, nil, nil)
		return nil
	}

	store.Apply(messageID, func(m *Message) {
		setReaction(m, *reaction)
	})
	v.notifyReaction(messageID, reaction, nil)
	return nil
}

// setReaction inserts or replaces the user's entry, keeping at most one
// reaction per (message, user).
func setReaction(m *Message, r Reaction) {
	for i := range m.Reactions {
		if m.Reactions[i].UserID == r.UserID {
			m.Reactions[i] = r
			return
		}
	}
	m.Reactions = append(m.Reactions, r)
}

func removeReaction(m *Message, userID string) {
	for i := range m.Reactions {
		if m.Reactions[i].UserID == userID {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return
		}
	}
}

// ============================================================================
// Deletion
// ============================================================================

// Delete soft-deletes a message. The tombstone is applied optimistically and
// rolled back if the backend refuses; when the backend reports the message
// gone already, the local entry is removed outright.
func (v *ConversationView) Delete(ctx context.Context, messageID string) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	store := v.store
	v.mu.Unlock()

	prev, ok := store.Get(messageID)
	if !ok {
		err := &APIError{Kind: KindNotFound, Message: "message not in view"}
		v.notifyDelete(messageID, err)
		return err
	}

	store.Apply(messageID, func(m *Message) {
		m.IsDeleted = true
	})

	err := v.session.client.Chat().Messages.Delete(ctx, messageID)
	if err != nil {
		if IsNotFound(err) {
			store.Remove(func(m *Message) bool { return m.ID == messageID })
		} else {
			store.Apply(messageID, func(m *Message) {
				m.IsDeleted = prev.IsDeleted
			})
		}
		v.notifyDelete(messageID, err)
		return err
	}

	v.notifyDelete(messageID, nil)
	v.refreshConversationAsync()
	return nil
}

// ============================================================================
// Internal helpers
// ============================================================================

func (v *ConversationView) notifySend(msg *Message, err error) {
	if v.opts.OnSendResult != nil {
		v.opts.OnSendResult(msg, err)
	}
}

func (v *ConversationView) notifyReaction(messageID string, r *Reaction, err error) {
	if v.opts.OnReactionToggled != nil {
		v.opts.OnReactionToggled(messageID, r, err)
	}
}

func (v *ConversationView) notifyDelete(messageID string, err error) {
	if v.opts.OnDeleteResult != nil {
		v.opts.OnDeleteResult(messageID, err)
	}
}

func (v *ConversationView) stopTimersLocked() {
	for id, t := range v.timers {
		t.Stop()
		delete(v.timers, id)
	}
}
