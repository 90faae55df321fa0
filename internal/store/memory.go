package store

import (
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// MemoryStore is a goroutine-safe in-process Store for tests and
// ephemeral sessions.
type MemoryStore struct {
	mu            sync.Mutex
	messages      map[string][]models.Message
	meta          map[string]models.SyncMetadata
	conversations map[string]models.Conversation
	blocked       map[string]string
	emergency     map[string][]models.Message
	failSave      error
	closed        bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string][]models.Message),
		meta:          make(map[string]models.SyncMetadata),
		conversations: make(map[string]models.Conversation),
		blocked:       make(map[string]string),
		emergency:     make(map[string][]models.Message),
	}
}

// FailSaves makes every subsequent Save return err. Pass nil to restore
// normal behavior. Emergency writes are unaffected.
func (s *MemoryStore) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failSave = err
}

func (s *MemoryStore) Save(conversationID string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if s.failSave != nil {
		return s.failSave
	}

	s.messages[conversationID] = models.CloneMessages(msgs)

	return nil
}

func (s *MemoryStore) Load(conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.CloneMessages(s.messages[conversationID]), nil
}

func (s *MemoryStore) Delete(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, conversationID)
	delete(s.meta, conversationID)
	delete(s.conversations, conversationID)
	delete(s.blocked, conversationID)
	delete(s.emergency, conversationID)

	return nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st stats

	for _, msgs := range s.messages {
		raw, err := json.Marshal(msgs)
		if err != nil {
			return Stats{}, err
		}

		if err := st.addMessages(raw); err != nil {
			return Stats{}, err
		}
	}

	for _, meta := range s.meta {
		if st.OldestSync.IsZero() || meta.LastSyncTimestamp.Before(st.OldestSync) {
			st.OldestSync = meta.LastSyncTimestamp
		}
	}

	st.EmergencyLists = len(s.emergency)

	return st.Stats, nil
}

func (s *MemoryStore) Metadata(conversationID string) (*models.SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.meta[conversationID]
	if !ok {
		return nil, nil
	}

	return &meta, nil
}

func (s *MemoryStore) SetMetadata(conversationID string, meta models.SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta[conversationID] = meta

	return nil
}

func (s *MemoryStore) SaveConversations(convs []models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make(map[string]models.Conversation, len(convs))
	for _, c := range convs {
		s.conversations[c.ID] = c.Clone()
	}

	return nil
}

func (s *MemoryStore) LoadConversations() ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		convs = append(convs, c.Clone())
	}

	return convs, nil
}

func (s *MemoryStore) SetBlocked(conversationID, reason string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if blocked {
		s.blocked[conversationID] = reason
	} else {
		delete(s.blocked, conversationID)
	}

	return nil
}

func (s *MemoryStore) Blocked(conversationID string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason, ok := s.blocked[conversationID]

	return ok, reason, nil
}

func (s *MemoryStore) BlockedConversations() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.blocked), nil
}

func (s *MemoryStore) SaveEmergency(conversationID string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.emergency[conversationID] = models.CloneMessages(msgs)

	return nil
}

func (s *MemoryStore) Emergency() (map[string][]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string][]models.Message, len(s.emergency))
	for id, msgs := range s.emergency {
		result[id] = models.CloneMessages(msgs)
	}

	return result, nil
}

func (s *MemoryStore) ClearEmergency(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.emergency, conversationID)

	return nil
}

func (s *MemoryStore) EvictStale(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0

	for id, meta := range s.meta {
		if meta.LastSyncTimestamp.Before(before) {
			delete(s.meta, id)

			if kept := unsent(s.messages[id]); len(kept) > 0 {
				s.messages[id] = kept
			} else {
				delete(s.messages, id)
			}

			evicted++
		}
	}

	return evicted, nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.messages)
	clear(s.meta)
	clear(s.conversations)
	clear(s.emergency)

	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}
