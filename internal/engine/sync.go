package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chatsync/internal/cache"
	errs "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/transport/poll"
)

// SetActiveConversation opens a conversation: messages arriving there do
// not count as unread, its cache is preferred and it gets a poll loop
// while push is down. An empty id closes the active conversation.
func (e *Engine) SetActiveConversation(ctx context.Context, id string) error {
	var setErr error

	err := e.apply(ctx, func(s *state) {
		if id != "" && s.conversations[id] == nil {
			setErr = errs.ErrConversationNotFound
			return
		}

		e.stopPolling(s)
		s.active = id
		e.selector.SetActive(id)
		e.notifier.publish(Change{Kind: ChangeActive, ConversationID: id})
	})
	if err != nil {
		return err
	}

	if setErr != nil {
		return fmt.Errorf("opening %s: %w", id, setErr)
	}

	if id == "" {
		return nil
	}

	if err := e.ensureLoaded(ctx, id); err != nil {
		return err
	}

	var loadErr error

	strategy := e.selector.ShouldUseCache(id)

	switch {
	case !e.selector.NeedsSync(id, false):
		e.logger.Debug("serving conversation from cache", slog.String("conversation", id))
	case strategy == cache.CacheThenSync:
		e.background(func(ctx context.Context) {
			if err := e.fetchMessages(ctx, id, false); err != nil && ctx.Err() == nil {
				e.logger.Warn("background refresh failed",
					slog.String("conversation", id),
					slog.String("error", err.Error()),
				)
			}
		})
	default:
		if e.poll != nil {
			loadErr = e.fetchMessages(ctx, id, true)
		}
	}

	e.startPolling(ctx, id)

	if loadErr != nil {
		return fmt.Errorf("loading %s: %w", id, loadErr)
	}

	return nil
}

// startPolling attaches a poll loop to id if it is still the active
// conversation.
func (e *Engine) startPolling(ctx context.Context, id string) {
	if e.poll == nil {
		return
	}

	pctx, cancel := context.WithCancel(e.runCtx)

	attached := false

	err := e.apply(ctx, func(s *state) {
		if s.active != id || s.pollCancel != nil {
			return
		}

		s.pollCancel = cancel
		attached = true
	})
	if err != nil || !attached {
		cancel()
		return
	}

	if !e.background(func(context.Context) { e.pollLoop(pctx, id) }) {
		cancel()
	}
}

// stopPolling cancels the active conversation's poll loop. Loop only.
func (e *Engine) stopPolling(s *state) {
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
}

// pollLoop long-polls the active conversation whenever the push channel
// is down. While push is up it only idles so it can take over the moment
// push drops.
func (e *Engine) pollLoop(ctx context.Context, conversationID string) {
	logger := e.logger.With(slog.String("conversation", conversationID))
	logger.Debug("poll loop started")

	defer logger.Debug("poll loop stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if e.ConnectionState().Mode == models.ModePoll && e.poll.Viable() {
			if err := e.fetchMessages(ctx, conversationID, false); err != nil && ctx.Err() == nil {
				logger.Debug("poll failed", slog.String("error", err.Error()))
			}
		}

		timer.Reset(e.opts.PollInterval)
	}
}

// conversationLoop syncs the conversation list once at start and then
// every poll interval while the engine is in poll mode, whether or not a
// conversation is open.
func (e *Engine) conversationLoop(ctx context.Context) {
	if err := e.syncConversations(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("initial conversation sync failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if e.ConnectionState().Mode != models.ModePoll || !e.poll.Viable() {
			continue
		}

		if err := e.syncConversations(ctx); err != nil && ctx.Err() == nil {
			e.logger.Debug("conversation poll failed", slog.String("error", err.Error()))
		}
	}
}

// fetchMessages pulls messages from the poll endpoint and merges them in.
// full ignores the cursor and refetches the whole list.
func (e *Engine) fetchMessages(ctx context.Context, conversationID string, full bool) error {
	if e.poll == nil {
		return errs.ErrTransportUnavailable
	}

	if err := e.ensureLoaded(ctx, conversationID); err != nil {
		return err
	}

	cursor := ""

	if !full {
		err := e.apply(ctx, func(s *state) {
			list := s.messages[conversationID]
			for i := len(list) - 1; i >= 0; i-- {
				if list[i].ID != "" {
					cursor = list[i].ID
					break
				}
			}
		})
		if err != nil {
			return err
		}
	}

	batch, err := e.poll.Messages(ctx, conversationID, cursor)
	if err != nil {
		return e.pollFailed(ctx, conversationID, err)
	}

	var merged []models.Message

	err = e.apply(ctx, func(s *state) {
		if s.removed[conversationID] {
			return
		}

		merged = e.mergeBatch(s, conversationID, batch)
	})
	if err != nil {
		return err
	}

	if merged != nil {
		e.persister.do("record sync", conversationID, func() error {
			return e.selector.RecordSync(conversationID, merged)
		})
	}

	return nil
}

// mergeBatch folds a poll batch into the list and returns a snapshot of
// the result. Loop only.
func (e *Engine) mergeBatch(s *state, conversationID string, batch []models.Message) []models.Message {
	before := s.messages[conversationID]
	fresh := 0

	for _, m := range batch {
		i := matchIndex(before, m)
		if i >= 0 {
			e.promoted(s, before[i], mergePair(before[i], m))
		} else if !m.IsOwn(e.user.ID) && !m.HasReceiptFrom(e.user.ID) {
			fresh++
		}

		if m.ID != "" {
			e.dedup.MarkProcessed(m, "")
		}
	}

	after := Merge(before, batch)
	s.messages[conversationID] = after

	if conv := s.conversations[conversationID]; conv != nil && len(after) > 0 {
		touchLastMessage(conv, after[len(after)-1])

		if conversationID != s.active {
			conv.UnreadCount += fresh
		}

		e.persistConversations(s)
		e.notifier.publish(Change{Kind: ChangeConversation, ConversationID: conversationID})
	}

	e.persistMessages(s, conversationID)
	e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: conversationID})

	return models.CloneMessages(after)
}

// pollFailed turns the server's conversation verdicts into local state.
func (e *Engine) pollFailed(ctx context.Context, conversationID string, err error) error {
	var blocked *poll.BlockedError

	switch {
	case errors.As(err, &blocked):
		e.markBlocked(ctx, conversationID, blocked.Reason)
	case errors.Is(err, errs.ErrConversationNotFound):
		_ = e.OnConversationDeleted(ctx, conversationID)
	}

	return fmt.Errorf("fetching messages for %s: %w", conversationID, err)
}

// syncConversations pulls conversations changed since the last sync.
func (e *Engine) syncConversations(ctx context.Context) error {
	if e.poll == nil {
		return errs.ErrTransportUnavailable
	}

	var since time.Time

	if err := e.apply(ctx, func(s *state) { since = s.lastConvSync }); err != nil {
		return err
	}

	started := e.now()

	convs, err := e.poll.Conversations(ctx, since)
	if err != nil {
		return fmt.Errorf("syncing conversations: %w", err)
	}

	err = e.apply(ctx, func(s *state) {
		for _, c := range convs {
			if c.ID == "" {
				continue
			}

			e.upsertConversation(s, c)
		}

		if started.After(s.lastConvSync) {
			s.lastConvSync = started
		}
	})
	if err != nil {
		return err
	}

	e.logger.Debug("synced conversations",
		slog.Int("count", len(convs)),
		slog.Time("since", since),
	)

	return nil
}

// ForceSync bypasses the cache. An empty id reloads the whole
// conversation list, otherwise the conversation's messages are refetched.
func (e *Engine) ForceSync(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		if err := e.apply(ctx, func(s *state) { s.lastConvSync = time.Time{} }); err != nil {
			return err
		}

		return e.syncConversations(ctx)
	}

	var known bool

	if err := e.apply(ctx, func(s *state) { known = s.conversations[conversationID] != nil }); err != nil {
		return err
	}

	if !known {
		return fmt.Errorf("syncing %s: %w", conversationID, errs.ErrConversationNotFound)
	}

	return e.fetchMessages(ctx, conversationID, true)
}

// ClearCache wipes the persistent cache and drops in-memory message
// lists. Undelivered own messages survive and are saved again.
func (e *Engine) ClearCache(ctx context.Context) error {
	var (
		clearErr error
		active   string
	)

	err := e.apply(ctx, func(s *state) {
		e.persister.do("clear cache", "", func() error {
			clearErr = e.store.Clear()
			return clearErr
		})

		for cid, list := range s.messages {
			var kept []models.Message

			for _, m := range list {
				if m.ID == "" && m.IsOwn(e.user.ID) {
					kept = append(kept, m)
				}
			}

			if kept == nil {
				delete(s.messages, cid)
			} else {
				s.messages[cid] = kept
				e.persistMessages(s, cid)
			}

			e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: cid})
		}

		// Nothing is left in the store to merge back in.
		for cid := range s.conversations {
			s.loaded[cid] = true
		}

		e.persistConversations(s)

		e.dedup.Reset()

		active = s.active
	})
	if err != nil {
		return err
	}

	if err := e.persister.flush(ctx); err != nil {
		return err
	}

	if clearErr != nil {
		return fmt.Errorf("clearing cache: %w", clearErr)
	}

	e.logger.Info("cache cleared")

	if active != "" && e.poll != nil {
		e.background(func(ctx context.Context) {
			if err := e.fetchMessages(ctx, active, true); err != nil && ctx.Err() == nil {
				e.logger.Warn("reloading active conversation", slog.String("error", err.Error()))
			}
		})
	}

	return nil
}

// background runs fn on a tracked goroutine bound to the engine's
// lifetime. It reports false once the engine is closing.
func (e *Engine) background(fn func(ctx context.Context)) bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()

	if e.closing || e.runCtx == nil {
		return false
	}

	e.pollers.Add(1)

	go func() {
		defer e.pollers.Done()
		fn(e.runCtx)
	}()

	return true
}
