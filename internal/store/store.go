// Package store persists conversations, message lists and sync metadata
// so the engine survives restarts and network loss.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// Store is the durable key-value layer behind one engine instance.
// Implementations must be safe for concurrent use.
type Store interface {
	Save(conversationID string, msgs []models.Message) error
	Load(conversationID string) ([]models.Message, error)
	// Delete removes the conversation record, its messages, its sync
	// metadata and its block flag.
	Delete(conversationID string) error
	Stats() (Stats, error)

	Metadata(conversationID string) (*models.SyncMetadata, error)
	SetMetadata(conversationID string, meta models.SyncMetadata) error

	SaveConversations(convs []models.Conversation) error
	LoadConversations() ([]models.Conversation, error)

	SetBlocked(conversationID, reason string, blocked bool) error
	Blocked(conversationID string) (bool, string, error)
	BlockedConversations() (map[string]string, error)

	SaveEmergency(conversationID string, msgs []models.Message) error
	Emergency() (map[string][]models.Message, error)
	ClearEmergency(conversationID string) error

	// EvictStale drops metadata and server-acknowledged messages for every
	// conversation last synced before the cutoff and returns how many were
	// evicted. Messages without a server ID are kept.
	EvictStale(before time.Time) (int, error)
	// Clear wipes cached conversations, messages, metadata and emergency
	// backups. Block flags are kept.
	Clear() error
	Close() error
}

// Stats summarizes what a store holds. Conversations counts cached
// message lists, not conversation records.
type Stats struct {
	Conversations  int       `json:"conversations"`
	Messages       int       `json:"messages"`
	Bytes          int64     `json:"bytes"`
	EmergencyLists int       `json:"emergencyLists"`
	OldestSync     time.Time `json:"oldestSync,omitzero"`
}

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store closed")

type blockedEntry struct {
	Reason string `json:"reason,omitempty"`
}

// stats accumulates Stats from raw message list and metadata values.
type stats struct {
	Stats
}

func (s *stats) addMessages(raw []byte) error {
	var msgs []models.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return err
	}

	s.Conversations++
	s.Messages += len(msgs)
	s.Bytes += int64(len(raw))

	return nil
}

func (s *stats) addMeta(raw []byte) error {
	var meta models.SyncMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return err
	}

	if s.OldestSync.IsZero() || meta.LastSyncTimestamp.Before(s.OldestSync) {
		s.OldestSync = meta.LastSyncTimestamp
	}

	return nil
}

// staleBefore reports whether raw metadata was last synced before cutoff.
func staleBefore(raw []byte, cutoff time.Time) (bool, error) {
	var meta models.SyncMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return false, err
	}

	return meta.LastSyncTimestamp.Before(cutoff), nil
}

// unsent filters a list down to messages the server never acknowledged.
func unsent(msgs []models.Message) []models.Message {
	var out []models.Message

	for _, m := range msgs {
		if m.ID == "" {
			out = append(out, m)
		}
	}

	return out
}

// keepUnsent re-encodes a raw message list with only its unsent
// messages. It returns nil when nothing is left to keep.
func keepUnsent(raw []byte) ([]byte, error) {
	var msgs []models.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}

	kept := unsent(msgs)
	if len(kept) == 0 {
		return nil, nil
	}

	return json.Marshal(kept)
}
