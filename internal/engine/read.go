package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	errs "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// MarkAsRead resets the unread count and sends read receipts for the
// messages from other senders that the user has not read yet. When the
// endpoint fails the local receipts are taken back but the count stays
// at zero.
func (e *Engine) MarkAsRead(ctx context.Context, conversationID string) error {
	if err := e.ensureLoaded(ctx, conversationID); err != nil {
		return err
	}

	var (
		ids     []string
		readErr error
	)

	receipt := models.Receipt{User: e.user, At: e.now()}

	err := e.apply(ctx, func(s *state) {
		conv := s.conversations[conversationID]
		if conv == nil {
			readErr = errs.ErrConversationNotFound
			return
		}

		list := s.messages[conversationID]
		for i := range list {
			m := &list[i]
			if m.ID == "" || m.IsOwn(e.user.ID) || m.HasReceiptFrom(e.user.ID) {
				continue
			}

			m.ReadBy = append(m.ReadBy, receipt)
			ids = append(ids, m.ID)
		}

		conv.UnreadCount = 0

		if len(ids) > 0 {
			e.persistMessages(s, conversationID)
			e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: conversationID})
		}

		e.persistConversations(s)
		e.notifier.publish(Change{Kind: ChangeConversation, ConversationID: conversationID})
	})
	if err != nil {
		return err
	}

	if readErr != nil {
		return fmt.Errorf("marking %s read: %w", conversationID, readErr)
	}

	if len(ids) == 0 || e.poll == nil {
		return nil
	}

	if err := e.poll.MarkRead(ctx, conversationID, ids); err != nil {
		e.logger.Warn("mark read failed, reverting receipts",
			slog.String("conversation", conversationID),
			slog.Int("messages", len(ids)),
			slog.String("error", err.Error()),
		)

		e.revertReceipts(ctx, conversationID, ids, receipt)

		return fmt.Errorf("marking %s read: %w", conversationID, err)
	}

	return nil
}

// revertReceipts removes the receipts MarkAsRead added, leaving any the
// server sent in the meantime.
func (e *Engine) revertReceipts(ctx context.Context, conversationID string, ids []string, receipt models.Receipt) {
	_ = e.apply(ctx, func(s *state) {
		list := s.messages[conversationID]
		changed := false

		for i := range list {
			if !slices.Contains(ids, list[i].ID) {
				continue
			}

			before := len(list[i].ReadBy)
			list[i].ReadBy = slices.DeleteFunc(list[i].ReadBy, func(r models.Receipt) bool {
				return r.User.ID == receipt.User.ID && r.At.Equal(receipt.At)
			})
			changed = changed || len(list[i].ReadBy) != before
		}

		if changed {
			e.persistMessages(s, conversationID)
			e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: conversationID})
		}
	})
}
