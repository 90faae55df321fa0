package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// MetaCancelReason is the metadata key holding why a service was cancelled.
const MetaCancelReason = "cancelReason"

// OnNewMessage absorbs one inbound message. A copy of a message already
// in the list is merged in place; an unseen duplicate is dropped; any
// other message is appended and counts as unread unless it is own or
// its conversation is open.
func (e *Engine) OnNewMessage(ctx context.Context, msg models.Message) error {
	cid := msg.ConversationID
	if cid == "" || (msg.ID == "" && msg.TempID == "") {
		return nil
	}

	if err := e.ensureLoaded(ctx, cid); err != nil {
		return err
	}

	unknown := false

	err := e.apply(ctx, func(s *state) {
		if s.removed[cid] {
			return
		}

		list := s.messages[cid]

		if i := matchIndex(list, msg); i >= 0 {
			prev := list[i]
			list[i] = mergePair(prev, msg)
			e.dedup.MarkProcessed(list[i], "")
			e.promoted(s, prev, list[i])
			s.messages[cid] = normalize(list)
			e.persistMessages(s, cid)
			e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: cid})

			return
		}

		if e.dedup.IsDuplicate(msg, "") {
			e.logger.Debug("dropped duplicate message",
				slog.String("conversation", cid),
				slog.String("id", msg.Key()),
			)

			return
		}

		e.dedup.MarkProcessed(msg, "")

		s.messages[cid] = normalize(append(list, msg.Clone()))
		e.persistMessages(s, cid)

		conv := s.conversations[cid]
		if conv == nil {
			unknown = true
		} else {
			touchLastMessage(conv, msg)

			if !msg.IsOwn(e.user.ID) && cid != s.active {
				conv.UnreadCount++
			}

			e.persistConversations(s)
			e.notifier.publish(Change{Kind: ChangeConversation, ConversationID: cid})
		}

		if cid != s.active {
			e.persister.do("mark needs sync", cid, func() error { return e.selector.MarkNeedsSync(cid) })
		}

		e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: cid})
	})
	if err != nil {
		return err
	}

	if unknown && e.poll != nil {
		// A message for a conversation we have never seen: fetch the list
		// so the conversation record exists.
		e.background(func(ctx context.Context) {
			if err := e.syncConversations(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("conversation sync after unknown message", slog.String("error", err.Error()))
			}
		})
	}

	return nil
}

// OnMessageSent applies a server acknowledgment: the optimistic entry is
// promoted in place, keeping its temp ID and taking the server ID and
// createdAt.
func (e *Engine) OnMessageSent(ctx context.Context, tempID string, server models.Message) error {
	if server.TempID == "" {
		server.TempID = tempID
	}

	if server.Status == "" || server.Status == models.StatusSending {
		server.Status = models.StatusSent
	}

	server.IsTemporary = false
	server.Error = ""

	cid := server.ConversationID

	if cid == "" {
		_ = e.apply(ctx, func(s *state) { cid, _ = s.findTemp(server.TempID) })
		server.ConversationID = cid
	}

	if cid == "" {
		e.retries.Remove(server.TempID)
		return nil
	}

	if err := e.ensureLoaded(ctx, cid); err != nil {
		return err
	}

	return e.apply(ctx, func(s *state) {
		delete(s.awaiting, server.TempID)
		e.retries.Remove(server.TempID)
		e.dedup.Promote(server.TempID, server.ID)

		if s.removed[cid] {
			return
		}

		list := s.messages[cid]

		if i := matchIndex(list, server); i >= 0 {
			list[i] = mergePair(list[i], server)
			e.dedup.MarkProcessed(list[i], "")
		} else {
			list = append(list, server.Clone())
			e.dedup.MarkProcessed(server, "")
		}

		s.messages[cid] = normalize(list)
		delete(s.uploads, server.TempID)
		e.persistMessages(s, cid)

		if conv := s.conversations[cid]; conv != nil {
			touchLastMessage(conv, server)
			e.persistConversations(s)
		}

		e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: cid})
	})
}

// promoted finishes delivery bookkeeping when a merge gave an optimistic
// message its server ID.
func (e *Engine) promoted(s *state, before, after models.Message) {
	if before.ID != "" || after.ID == "" || after.TempID == "" {
		return
	}

	delete(s.awaiting, after.TempID)
	delete(s.uploads, after.TempID)
	e.retries.Remove(after.TempID)
	e.dedup.Promote(after.TempID, after.ID)
}

// OnMessagesRead applies a read receipt. Own messages read by someone
// else advance to read.
func (e *Engine) OnMessagesRead(ctx context.Context, conversationID string, ids []string, reader models.User, at time.Time) error {
	if conversationID == "" || len(ids) == 0 || reader.ID == "" {
		return nil
	}

	if at.IsZero() {
		at = e.now()
	}

	if err := e.ensureLoaded(ctx, conversationID); err != nil {
		return err
	}

	return e.apply(ctx, func(s *state) {
		list := s.messages[conversationID]
		changed := false

		for i := range list {
			m := &list[i]
			if m.ID == "" || !slices.Contains(ids, m.ID) {
				continue
			}

			if !m.HasReceiptFrom(reader.ID) {
				m.ReadBy = append(m.ReadBy, models.Receipt{User: reader, At: at})
				changed = true
			}

			if m.IsOwn(e.user.ID) && reader.ID != e.user.ID && m.Status.CanAdvanceTo(models.StatusRead) && m.Status != models.StatusRead {
				m.Status = models.StatusRead
				changed = true
			}
		}

		if !changed {
			return
		}

		e.persistMessages(s, conversationID)
		e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: conversationID})
	})
}

// OnConversationUpdated applies a server copy of a conversation.
func (e *Engine) OnConversationUpdated(ctx context.Context, conv models.Conversation) error {
	if conv.ID == "" {
		return nil
	}

	return e.apply(ctx, func(s *state) { e.upsertConversation(s, conv) })
}

// OnProposalReceived adds the (usually temporary) conversation a
// proposal opened.
func (e *Engine) OnProposalReceived(ctx context.Context, proposalID string, conv models.Conversation) error {
	if conv.ID == "" {
		return nil
	}

	if proposalID != "" {
		conv.Metadata = maps.Clone(conv.Metadata)
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]string)
		}

		conv.Metadata[models.MetaProposalID] = proposalID
	}

	if conv.Status == "" {
		conv.Status = models.ConversationPending
	}

	return e.apply(ctx, func(s *state) {
		delete(s.removed, conv.ID)
		e.upsertConversation(s, conv)
	})
}

// OnProposalAccepted turns a temporary conversation into a permanent one.
func (e *Engine) OnProposalAccepted(ctx context.Context, conversationID, proposalID string) error {
	return e.apply(ctx, func(s *state) {
		conv := s.conversations[conversationID]
		if conv == nil {
			return
		}

		conv.Status = models.ConversationAccepted
		conv.IsTemporary = false
		conv.ExpiresAt = time.Time{}

		if proposalID != "" {
			if conv.Metadata == nil {
				conv.Metadata = make(map[string]string)
			}

			conv.Metadata[models.MetaProposalID] = proposalID
		}

		e.persistConversations(s)
		e.notifier.publish(Change{Kind: ChangeConversation, ConversationID: conversationID})
	})
}

// OnProposalRejected removes a temporary conversation, or closes a
// permanent one.
func (e *Engine) OnProposalRejected(ctx context.Context, conversationID, _ string) error {
	return e.apply(ctx, func(s *state) {
		conv := s.conversations[conversationID]
		if conv == nil {
			return
		}

		next := conv.Clone()
		next.Status = models.ConversationRejected
		e.upsertConversation(s, next)
	})
}

// OnServiceCancelled closes a conversation to outbound messages.
func (e *Engine) OnServiceCancelled(ctx context.Context, conversationID, reason string) error {
	return e.apply(ctx, func(s *state) {
		conv := s.conversations[conversationID]
		if conv == nil {
			return
		}

		next := conv.Clone()
		next.Status = models.ConversationCancelled

		if reason != "" {
			if next.Metadata == nil {
				next.Metadata = make(map[string]string)
			}

			next.Metadata[MetaCancelReason] = reason
		}

		e.upsertConversation(s, next)
	})
}

// OnConversationDeleted drops a conversation and everything local about
// it, optimistic messages included.
func (e *Engine) OnConversationDeleted(ctx context.Context, conversationID string) error {
	return e.apply(ctx, func(s *state) { e.removeConversation(s, conversationID) })
}

// upsertConversation merges a server copy into state. The server's
// unread count is only taken for conversations seen for the first time;
// afterwards unread moves only on arrivals and MarkAsRead.
func (e *Engine) upsertConversation(s *state, in models.Conversation) {
	if in.Removable() {
		e.removeConversation(s, in.ID)
		return
	}

	if s.removed[in.ID] {
		return
	}

	cur := s.conversations[in.ID]

	next := in.Clone()
	if cur != nil {
		next.UnreadCount = cur.UnreadCount

		if next.LastMessage == nil || (cur.LastMessageAt.After(next.LastMessageAt)) {
			next.LastMessage = cur.LastMessage
			next.LastMessageAt = cur.LastMessageAt
		}

		if len(next.Participants) == 0 {
			next.Participants = cur.Participants
		}

		merged := maps.Clone(cur.Metadata)
		if merged == nil {
			merged = make(map[string]string)
		}

		maps.Copy(merged, next.Metadata)

		if len(merged) > 0 {
			next.Metadata = merged
		}
	}

	// The server's block verdict replaces the cached flag.
	_, wasBlocked := s.blocked[in.ID]
	if next.IsBlocked {
		s.blocked[in.ID] = next.BlockedReason
	} else {
		delete(s.blocked, in.ID)
	}

	if wasBlocked != next.IsBlocked || (next.IsBlocked && cur != nil && cur.BlockedReason != next.BlockedReason) {
		id, reason, blocked := in.ID, next.BlockedReason, next.IsBlocked
		e.persister.do("set blocked", id, func() error { return e.store.SetBlocked(id, reason, blocked) })
	}

	s.conversations[in.ID] = &next

	if !next.AcceptsOutbound() || next.Expired(e.now()) {
		e.failPending(s, in.ID, closedReason(next))
	}

	e.persistConversations(s)
	e.notifier.publish(Change{Kind: ChangeConversation, ConversationID: in.ID})
}

// removeConversation deletes a conversation locally and in the store.
// Deletion beats any optimistic state.
func (e *Engine) removeConversation(s *state, conversationID string) {
	if s.active == conversationID {
		e.stopPolling(s)
		s.active = ""
		e.selector.SetActive("")
		e.notifier.publish(Change{Kind: ChangeActive})
	}

	for tempID := range s.awaiting {
		if cid, _ := s.findTemp(tempID); cid == conversationID {
			delete(s.awaiting, tempID)
		}
	}

	for tempID, u := range s.uploads {
		if u.conversationID == conversationID {
			delete(s.uploads, tempID)
		}
	}

	dropped := e.retries.DropConversation(conversationID)

	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	delete(s.loaded, conversationID)
	delete(s.blocked, conversationID)
	s.removed[conversationID] = true

	e.persister.do("delete conversation", conversationID, func() error { return e.store.Delete(conversationID) })
	e.persistConversations(s)

	e.logger.Info("conversation removed",
		slog.String("conversation", conversationID),
		slog.Int("dropped_retries", dropped),
	)

	e.notifier.publish(Change{Kind: ChangeConversationRemoved, ConversationID: conversationID})
}

// failPending marks every undelivered own message of a conversation as
// failed and stops retrying it. Messages stay in the list.
func (e *Engine) failPending(s *state, conversationID, reason string) {
	list := s.messages[conversationID]
	changed := false

	for i := range list {
		m := &list[i]
		if m.ID != "" || m.Status != models.StatusSending {
			continue
		}

		m.Status = models.StatusFailed
		m.Error = reason
		delete(s.awaiting, m.TempID)
		changed = true
	}

	if e.retries.DropConversation(conversationID) > 0 || changed {
		e.persistMessages(s, conversationID)
		e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: conversationID})
	}
}

func closedReason(c models.Conversation) string {
	if c.IsBlocked {
		if c.BlockedReason != "" {
			return "conversation blocked: " + c.BlockedReason
		}

		return "conversation blocked"
	}

	return "conversation " + string(c.Status)
}

func touchLastMessage(conv *models.Conversation, m models.Message) {
	if m.CreatedAt.Before(conv.LastMessageAt) {
		return
	}

	lm := m.Clone()
	conv.LastMessage = &lm
	conv.LastMessageAt = m.CreatedAt
}
