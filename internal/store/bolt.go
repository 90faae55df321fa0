package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	messagesBucket      = []byte("messages")
	metaBucket          = []byte("meta")
	conversationsBucket = []byte("conversations")
	blockedBucket       = []byte("blocked")
	emergencyBucket     = []byte("emergency")

	allBuckets = [][]byte{messagesBucket, metaBucket, conversationsBucket, blockedBucket, emergencyBucket}

	// clearedBuckets are dropped by Clear. Block flags survive.
	clearedBuckets = [][]byte{messagesBucket, metaBucket, conversationsBucket, emergencyBucket}
)

// BoltStore keeps all cached chat state in a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens the database at path, creating it and its buckets if
// they do not exist.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// get decodes the value at key into v. Returns false when the key is absent.
func (s *BoltStore) get(bucket []byte, key string, v any) (bool, error) {
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return nil
		}

		found = true

		return json.Unmarshal(raw, v)
	})

	return found, err
}

// Save replaces the persisted message list for a conversation.
func (s *BoltStore) Save(conversationID string, msgs []models.Message) error {
	return s.put(messagesBucket, conversationID, msgs)
}

// Load returns the persisted message list, or nil if none is cached.
func (s *BoltStore) Load(conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	_, err := s.get(messagesBucket, conversationID, &msgs)

	return msgs, err
}

// Delete removes everything cached for a conversation.
func (s *BoltStore) Delete(conversationID string) error {
	key := []byte(conversationID)

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.Bucket(name).Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
}

// Stats walks the message and metadata buckets.
func (s *BoltStore) Stats() (Stats, error) {
	var st stats

	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(messagesBucket).ForEach(func(_, v []byte) error {
			return st.addMessages(v)
		}); err != nil {
			return err
		}

		if err := tx.Bucket(metaBucket).ForEach(func(_, v []byte) error {
			return st.addMeta(v)
		}); err != nil {
			return err
		}

		st.EmergencyLists = tx.Bucket(emergencyBucket).Stats().KeyN

		return nil
	})

	return st.Stats, err
}

// Metadata returns the sync metadata for a conversation, or nil if the
// conversation has never been loaded.
func (s *BoltStore) Metadata(conversationID string) (*models.SyncMetadata, error) {
	var meta models.SyncMetadata

	found, err := s.get(metaBucket, conversationID, &meta)
	if err != nil || !found {
		return nil, err
	}

	return &meta, nil
}

// SetMetadata persists the sync metadata for a conversation.
func (s *BoltStore) SetMetadata(conversationID string, meta models.SyncMetadata) error {
	return s.put(metaBucket, conversationID, meta)
}

// SaveConversations replaces the cached conversation list.
func (s *BoltStore) SaveConversations(convs []models.Conversation) error {
	encoded := make(map[string][]byte, len(convs))

	for _, c := range convs {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		encoded[c.ID] = data
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(conversationsBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(conversationsBucket)
		if err != nil {
			return err
		}

		for id, data := range encoded {
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadConversations returns every cached conversation.
func (s *BoltStore) LoadConversations() ([]models.Conversation, error) {
	var convs []models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var c models.Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			convs = append(convs, c)

			return nil
		})
	})

	return convs, err
}

// SetBlocked caches or clears the block flag for a conversation.
func (s *BoltStore) SetBlocked(conversationID, reason string, blocked bool) error {
	if blocked {
		return s.put(blockedBucket, conversationID, blockedEntry{Reason: reason})
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blockedBucket).Delete([]byte(conversationID))
	})
}

// Blocked returns the cached block flag and its reason.
func (s *BoltStore) Blocked(conversationID string) (bool, string, error) {
	var e blockedEntry
	found, err := s.get(blockedBucket, conversationID, &e)

	return found, e.Reason, err
}

// BlockedConversations returns every cached block flag keyed by
// conversation ID.
func (s *BoltStore) BlockedConversations() (map[string]string, error) {
	result := make(map[string]string)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(blockedBucket).ForEach(func(k, v []byte) error {
			var e blockedEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			result[string(k)] = e.Reason

			return nil
		})
	})

	return result, err
}

// SaveEmergency writes a message list to the emergency key space.
func (s *BoltStore) SaveEmergency(conversationID string, msgs []models.Message) error {
	return s.put(emergencyBucket, conversationID, msgs)
}

// Emergency returns every emergency backup keyed by conversation ID.
func (s *BoltStore) Emergency() (map[string][]models.Message, error) {
	result := make(map[string][]models.Message)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(emergencyBucket).ForEach(func(k, v []byte) error {
			var msgs []models.Message
			if err := json.Unmarshal(v, &msgs); err != nil {
				return err
			}

			result[string(k)] = msgs

			return nil
		})
	})

	return result, err
}

// ClearEmergency removes the emergency backup for a conversation.
func (s *BoltStore) ClearEmergency(conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(emergencyBucket).Delete([]byte(conversationID))
	})
}

// EvictStale removes metadata and acknowledged messages last synced
// before cutoff.
func (s *BoltStore) EvictStale(before time.Time) (int, error) {
	evicted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		msgs := tx.Bucket(messagesBucket)

		var stale [][]byte

		err := meta.ForEach(func(k, v []byte) error {
			old, err := staleBefore(v, before)
			if err != nil {
				return err
			}

			if old {
				// Keys are only valid for the life of the transaction.
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := meta.Delete(k); err != nil {
				return err
			}

			raw := msgs.Get(k)
			if raw == nil {
				continue
			}

			kept, err := keepUnsent(raw)
			if err != nil {
				return err
			}

			if kept == nil {
				err = msgs.Delete(k)
			} else {
				err = msgs.Put(k, kept)
			}

			if err != nil {
				return err
			}
		}

		evicted = len(stale)

		return nil
	})

	return evicted, err
}

// Clear drops all cached chat data except block flags.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range clearedBuckets {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}

			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}
