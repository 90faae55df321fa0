// Package cache decides whether opening a conversation is served from
// the local store, from the store with a background refresh, or from the
// network.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// Strategy is how a conversation load is satisfied.
type Strategy string

const (
	CacheOnly     Strategy = "cache-only"
	CacheThenSync Strategy = "cache-then-sync"
	APIFirst      Strategy = "api-first"
)

const (
	DefaultFreshWindow  = 30 * time.Second
	DefaultActiveWindow = 120 * time.Second
)

// MetadataStore is the slice of the persistent store the selector needs.
type MetadataStore interface {
	Metadata(conversationID string) (*models.SyncMetadata, error)
	SetMetadata(conversationID string, meta models.SyncMetadata) error
}

// Options tunes the selector. Zero values take the defaults.
type Options struct {
	FreshWindow  time.Duration
	ActiveWindow time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Selector picks a load strategy per conversation.
type Selector struct {
	store  MetadataStore
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	fresh  time.Duration
	window time.Duration
	active string
}

// New returns a Selector backed by store.
func New(store MetadataStore, opts Options) *Selector {
	if opts.FreshWindow <= 0 {
		opts.FreshWindow = DefaultFreshWindow
	}

	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = DefaultActiveWindow
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Selector{
		store:  store,
		now:    opts.Now,
		logger: logging.Component(opts.Logger, "cache"),
		fresh:  opts.FreshWindow,
		window: opts.ActiveWindow,
	}
}

// SetActive records which conversation is open. Empty clears it.
func (s *Selector) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = conversationID
}

// Active returns the open conversation, if any.
func (s *Selector) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// SetThresholds replaces the windows on a running selector. Non-positive
// values are ignored.
func (s *Selector) SetThresholds(fresh, active time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fresh > 0 {
		s.fresh = fresh
	}

	if active > 0 {
		s.window = active
	}
}

// ShouldUseCache returns the load strategy for a conversation. A store
// error is treated like missing metadata.
func (s *Selector) ShouldUseCache(conversationID string) Strategy {
	meta := s.metadata(conversationID)
	if meta == nil {
		return APIFirst
	}

	s.mu.Lock()
	fresh, window, active := s.fresh, s.window, s.active
	s.mu.Unlock()

	since := s.now().Sub(meta.LastSyncTimestamp)

	switch {
	case since < fresh && !meta.NeedsSync:
		return CacheOnly
	case conversationID == active && since < window:
		return CacheThenSync
	default:
		return APIFirst
	}
}

// NeedsSync reports whether the conversation must be fetched from the
// network: forced, never loaded, flagged by a push event, or simply not
// fresh enough to be served from cache alone.
func (s *Selector) NeedsSync(conversationID string, force bool) bool {
	if force {
		return true
	}

	meta := s.metadata(conversationID)
	if meta == nil || meta.NeedsSync {
		return true
	}

	return s.ShouldUseCache(conversationID) != CacheOnly
}

// MarkNeedsSync flags an already loaded conversation as stale. Missing
// metadata already forces a network load so nothing is written.
func (s *Selector) MarkNeedsSync(conversationID string) error {
	meta, err := s.store.Metadata(conversationID)
	if err != nil || meta == nil || meta.NeedsSync {
		return err
	}

	meta.NeedsSync = true

	return s.store.SetMetadata(conversationID, *meta)
}

// RecordSync stamps a successful sync of msgs.
func (s *Selector) RecordSync(conversationID string, msgs []models.Message) error {
	meta := models.SyncMetadata{
		LastSyncTimestamp: s.now(),
		TotalMessages:     len(msgs),
	}

	for _, m := range msgs {
		if m.CreatedAt.After(meta.LastMessageTimestamp) {
			meta.LastMessageTimestamp = m.CreatedAt
		}
	}

	return s.store.SetMetadata(conversationID, meta)
}

func (s *Selector) metadata(conversationID string) *models.SyncMetadata {
	meta, err := s.store.Metadata(conversationID)
	if err != nil {
		s.logger.Warn("reading sync metadata",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return meta
}
