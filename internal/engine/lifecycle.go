package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/transport/push"
)

// restore loads cached conversations and block flags, evicts stale
// caches, folds emergency backups back in and requeues own messages
// that were still unsent when the process stopped.
func (e *Engine) restore(ctx context.Context) error {
	convs, err := e.store.LoadConversations()
	if err != nil {
		return fmt.Errorf("loading cached conversations: %w", err)
	}

	blocked, err := e.store.BlockedConversations()
	if err != nil {
		return fmt.Errorf("loading block flags: %w", err)
	}

	if n, err := e.store.EvictStale(e.now().Add(-e.opts.CacheTTL)); err != nil {
		e.logger.Warn("evicting stale cache", slog.String("error", err.Error()))
	} else if n > 0 {
		e.logger.Info("evicted stale conversations", slog.Int("count", n))
	}

	err = e.apply(ctx, func(s *state) {
		for i := range convs {
			c := convs[i].Clone()
			if reason, ok := blocked[c.ID]; ok {
				c.IsBlocked = true
				c.BlockedReason = reason
			}

			s.conversations[c.ID] = &c
		}

		for id, reason := range blocked {
			s.blocked[id] = reason
		}
	})
	if err != nil {
		return err
	}

	e.reconcileEmergency(ctx)

	for _, c := range convs {
		if err := e.ensureLoaded(ctx, c.ID); err != nil {
			return err
		}
	}

	requeued := 0

	err = e.apply(ctx, func(s *state) {
		for _, list := range s.messages {
			for _, m := range list {
				if m.ID == "" && m.IsOwn(e.user.ID) && m.Status == models.StatusSending {
					e.retries.Enqueue(m)
					requeued++
				}
			}
		}
	})
	if err != nil {
		return err
	}

	e.logger.Info("restored cached state",
		slog.Int("conversations", len(convs)),
		slog.Int("blocked", len(blocked)),
		slog.Int("requeued", requeued),
	)

	return nil
}

// ensureLoaded merges the stored message list into memory the first time
// a conversation is touched. A store read failure leaves the in-memory
// list as the only copy.
func (e *Engine) ensureLoaded(ctx context.Context, conversationID string) error {
	var loaded bool

	if err := e.apply(ctx, func(s *state) { loaded = s.loaded[conversationID] }); err != nil {
		return err
	}

	if loaded {
		return nil
	}

	stored, err := e.store.Load(conversationID)
	if err != nil {
		e.logger.Warn("loading cached messages",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()),
		)
	}

	return e.apply(ctx, func(s *state) {
		if s.loaded[conversationID] || s.removed[conversationID] {
			return
		}

		s.loaded[conversationID] = true

		if len(stored) == 0 {
			return
		}

		s.messages[conversationID] = Merge(stored, s.messages[conversationID])

		for _, m := range stored {
			if m.ID != "" {
				e.dedup.MarkProcessed(m, "")
			}
		}
	})
}

// reconcileEmergency merges every emergency backup into the normal list
// and clears the backup once the merged list is saved.
func (e *Engine) reconcileEmergency(ctx context.Context) {
	backups, err := e.store.Emergency()
	if err != nil {
		e.logger.Warn("reading emergency backups", slog.String("error", err.Error()))
		return
	}

	for cid, msgs := range backups {
		if err := e.ensureLoaded(ctx, cid); err != nil {
			return
		}

		var merged []models.Message

		err := e.apply(ctx, func(s *state) {
			if s.removed[cid] {
				return
			}

			s.messages[cid] = Merge(s.messages[cid], msgs)
			merged = models.CloneMessages(s.messages[cid])
		})
		if err != nil {
			return
		}

		if merged == nil {
			e.persister.do("clear emergency", cid, func() error { return e.store.ClearEmergency(cid) })
			continue
		}

		e.persister.do("reconcile emergency", cid, func() error {
			if err := e.store.Save(cid, merged); err != nil {
				return err
			}

			return e.store.ClearEmergency(cid)
		})

		e.logger.Info("reconciled emergency backup",
			slog.String("conversation", cid),
			slog.Int("messages", len(msgs)),
		)
	}
}

// subscribe attaches the inbound handlers to the push channel.
func (e *Engine) subscribe() {
	if e.push == nil {
		return
	}

	kinds := []push.EventKind{
		push.EventMessageNew,
		push.EventMessageSent,
		push.EventMessageRead,
		push.EventConversationUpdated,
		push.EventProposalReceived,
		push.EventProposalAccepted,
		push.EventProposalRejected,
		push.EventServiceCancelled,
		push.EventConversationDeleted,
		push.EventPong,
		push.EventConnected,
		push.EventDisconnected,
	}

	for _, k := range kinds {
		e.unsubs = append(e.unsubs, e.push.Subscribe(k, e.handleEvent))
	}
}

// handleEvent routes one decoded push event. It runs on the push
// reader goroutine.
func (e *Engine) handleEvent(ev push.Event) {
	ctx := e.runCtx

	var err error

	switch ev := ev.(type) {
	case push.MessageNew:
		err = e.OnNewMessage(ctx, ev.Message)
	case push.MessageSent:
		err = e.OnMessageSent(ctx, ev.TempID, ev.Message)
	case push.MessagesRead:
		err = e.OnMessagesRead(ctx, ev.ConversationID, ev.MessageIDs, ev.Reader, ev.At)
	case push.ConversationUpdated:
		err = e.OnConversationUpdated(ctx, ev.Conversation)
	case push.ProposalReceived:
		err = e.OnProposalReceived(ctx, ev.ProposalID, ev.Conversation)
	case push.ProposalAccepted:
		err = e.OnProposalAccepted(ctx, ev.ConversationID, ev.ProposalID)
	case push.ProposalRejected:
		err = e.OnProposalRejected(ctx, ev.ConversationID, ev.ProposalID)
	case push.ServiceCancelled:
		err = e.OnServiceCancelled(ctx, ev.ConversationID, ev.Reason)
	case push.ConversationDeleted:
		err = e.OnConversationDeleted(ctx, ev.ConversationID)
	case push.Pong:
		if e.sup != nil {
			e.sup.Ack()
		}
	case push.Disconnected:
		if e.sup != nil {
			e.sup.NotifyDisconnected()
		}
	case push.Connected:
		e.background(e.resync)
	}

	if err != nil && ctx.Err() == nil {
		e.logger.Warn("handling push event",
			slog.String("event", string(ev.Kind())),
			slog.String("error", err.Error()),
		)
	}
}

// resync catches up on whatever was missed while the push channel was
// down.
func (e *Engine) resync(ctx context.Context) {
	if e.poll == nil {
		return
	}

	if err := e.syncConversations(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("resync conversations", slog.String("error", err.Error()))
	}

	active := ""
	if err := e.apply(ctx, func(s *state) { active = s.active }); err != nil || active == "" {
		return
	}

	if err := e.fetchMessages(ctx, active, false); err != nil && ctx.Err() == nil {
		e.logger.Warn("resync active conversation",
			slog.String("conversation", active),
			slog.String("error", err.Error()),
		)
	}
}
