package vitalink

import (
	"sort"
	"sync"
)

// MessageStore is the ordered, deduplicated message collection for one open
// conversation. Iteration order is ascending created_at, ties broken by
// arrival order. All mutation goes through the owning ConversationView; the
// internal mutex exists because stream callbacks, debounce timers and caller
// goroutines genuinely interleave.
type MessageStore struct {
	mu       sync.Mutex
	ordered  []*Message
	byID     map[string]*Message
	arrivals uint64
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{byID: make(map[string]*Message)}
}

// Upsert inserts the message, or replaces the entry with the same id.
// Returns true when the message was newly inserted. Idempotent: upserting an
// identical message twice leaves the store unchanged after the first call.
func (s *MessageStore) Upsert(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[m.ID]; ok {
		m.seq = existing.seq
		*existing = *m
		// Replacement never changes created_at, so order holds.
		return false
	}

	s.arrivals++
	m.seq = s.arrivals
	s.byID[m.ID] = m

	// Forward arrivals are almost always newest: append without a resort when
	// the invariant already holds.
	n := len(s.ordered)
	if n == 0 || !m.CreatedAt.Before(s.ordered[n-1].CreatedAt) {
		s.ordered = append(s.ordered, m)
		return true
	}
	s.ordered = append(s.ordered, m)
	s.sortLocked()
	return true
}

// PrependBatch merges a page of older messages. Used only by backward
// pagination; entries whose ids are already present are skipped.
func (s *MessageStore) PrependBatch(batch []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range batch {
		m := batch[i]
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		s.arrivals++
		m.seq = s.arrivals
		s.byID[m.ID] = &m
		s.ordered = append(s.ordered, &m)
	}
	s.sortLocked()
}

// Remove deletes every message matching the predicate. Used only when a
// locally deleted message turns out not to exist server-side.
func (s *MessageStore) Remove(pred func(*Message) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.ordered[:0]
	for _, m := range s.ordered {
		if pred(m) {
			delete(s.byID, m.ID)
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.ordered = kept
	return removed
}

// Has reports whether a message with the id is present.
func (s *MessageStore) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ordered)
}

// Messages returns an ordered snapshot. The copies are safe for the caller
// to hold across further mutation.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.ordered))
	for i, m := range s.ordered {
		out[i] = *m
		if m.Reactions != nil {
			out[i].Reactions = append([]Reaction(nil), m.Reactions...)
		}
	}
	return out
}

// Get returns a copy of the message with the id, if present.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	out := *m
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return out, true
}

// Apply runs fn against the stored message under the store lock. fn may
// mutate only the mutable fields (is_deleted, read state, reactions).
// Returns false when the id is absent.
func (s *MessageStore) Apply(id string, fn func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(m)
	return true
}

func (s *MessageStore) sortLocked() {
	sort.SliceStable(s.ordered, func(i, j int) bool {
		a, b := s.ordered[i], s.ordered[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.seq < b.seq
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
