// Package store holds the in-memory Conversation Store (spec.md §3/§4.6):
// a mapping from conversation ID to Conversation, plus a directory
// mapping a sorted participant set to a conversation ID. It is mutated
// by the Coordinator's ingress sink, by local commands, and by
// notification-triggered resyncs running on their own goroutines, and
// read by the debug server; an RWMutex serializes all of these.
package store

import (
	"sync"

	"github.com/bmailapp/bmail/internal/bmailerr"
	"github.com/bmailapp/bmail/internal/model"
)

// ConversationStore is the authoritative in-process conversation state.
type ConversationStore struct {
	mu            sync.RWMutex
	localDID      model.DID
	conversations map[model.ConversationID]*model.Conversation
	directory     map[string]model.ConversationID // ParticipantsKey -> ConversationID
}

// New creates an empty ConversationStore for the given local identity.
func New(localDID model.DID) *ConversationStore {
	return &ConversationStore{
		localDID:      localDID,
		conversations: make(map[model.ConversationID]*model.Conversation),
		directory:     make(map[string]model.ConversationID),
	}
}

// Get returns the Conversation for id, if any.
func (s *ConversationStore) Get(id model.ConversationID) (*model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Lookup returns the ConversationID already bound to participants in
// the local directory, if any.
func (s *ConversationStore) Lookup(participants []model.DID) (model.ConversationID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.directory[model.ParticipantsKey(participants)]
	return id, ok
}

// EnsureShell creates (or returns the existing) Conversation for id
// with the given participant set, registering it in the local
// directory. participants is sorted and deduplicated here, and the
// local DID is added if it is missing. Returns ErrParticipantMismatch
// if id is already registered under a different participant set.
func (s *ConversationStore) EnsureShell(id model.ConversationID, participants []model.DID) (*model.Conversation, error) {
	sorted := model.CanonicalizeParticipants(participants)
	hasLocal := false
	for _, d := range sorted {
		if d == s.localDID {
			hasLocal = true
			break
		}
	}
	if !hasLocal {
		sorted = model.CanonicalizeParticipants(append(sorted, s.localDID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conversations[id]; ok {
		if model.ParticipantsKey(c.Participants) != model.ParticipantsKey(sorted) {
			return nil, bmailerr.ErrParticipantMismatch
		}
		return c, nil
	}

	c := model.NewConversation(id, sorted)
	s.conversations[id] = c
	s.directory[model.ParticipantsKey(sorted)] = id
	return c, nil
}

// Insert applies the collision-safe insert discipline (spec.md §4.6)
// for a message belonging to an already-registered conversation.
// Returns ErrConversationNotFound if no shell exists for m.ConversationID.
func (s *ConversationStore) Insert(m model.DecryptedMessage) (model.MessageKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return model.MessageKey{}, bmailerr.ErrConversationNotFound
	}
	key := c.Insert(m)
	if m.CreatedAt.After(c.RecipientActiveTime[m.CreatorDID]) {
		c.RecipientActiveTime[m.CreatorDID] = m.CreatedAt
	}
	return key, nil
}

// ActiveTime returns the recipient_active_time highwater mark recorded
// for did within conversation id.
func (s *ConversationStore) ActiveTime(id model.ConversationID, did model.DID) (t int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, exists := s.conversations[id]
	if !exists {
		return 0, false
	}
	ts, exists := c.RecipientActiveTime[did]
	if !exists {
		return 0, false
	}
	return ts.Unix(), true
}

// All returns every conversation currently known, for debug/status use.
func (s *ConversationStore) All() []*model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	return out
}
