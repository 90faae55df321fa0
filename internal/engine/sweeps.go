package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// sweeps runs the periodic jobs until ctx ends: redelivery of due
// retries, maintenance and stale cache eviction.
func (e *Engine) sweeps(ctx context.Context) {
	retry := time.NewTicker(e.opts.RetryInterval)
	defer retry.Stop()

	maintenance := time.NewTicker(e.opts.MaintenanceInterval)
	defer maintenance.Stop()

	evict := time.NewTicker(e.opts.EvictInterval)
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-retry.C:
			e.retrySweep(ctx)
		case <-maintenance.C:
			e.maintain(ctx)
		case <-evict.C:
			e.evictStale()
		}
	}
}

func (e *Engine) maintain(ctx context.Context) {
	now := e.now()

	if n := e.dedup.Sweep(now); n > 0 {
		e.logger.Debug("swept dedup entries", slog.Int("count", n))
	}

	e.expireConversations(ctx, now)
	e.reconcileEmergency(ctx)
}

// expireConversations applies expiry to temporary conversations whose
// deadline passed without an expiry event from the server.
func (e *Engine) expireConversations(ctx context.Context, now time.Time) {
	_ = e.apply(ctx, func(s *state) {
		var expired []models.Conversation

		for _, c := range s.conversations {
			if c.IsTemporary && c.Status != models.ConversationExpired && c.Expired(now) {
				expired = append(expired, c.Clone())
			}
		}

		for _, c := range expired {
			e.logger.Info("conversation expired", slog.String("conversation", c.ID))

			c.Status = models.ConversationExpired
			e.upsertConversation(s, c)
		}
	})
}

// evictStale drops caches older than the TTL. It goes through the
// persister so it is ordered with pending saves.
func (e *Engine) evictStale() {
	cutoff := e.now().Add(-e.opts.CacheTTL)

	e.persister.do("evict stale", "", func() error {
		n, err := e.store.EvictStale(cutoff)
		if err == nil && n > 0 {
			e.logger.Info("evicted stale conversations", slog.Int("count", n))
		}

		return err
	})
}
