package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	errs "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/transport/poll"
	"github.com/google/uuid"
)

// uploadFailedPrefix starts the content shown for an image whose upload
// failed.
const uploadFailedPrefix = "Image upload failed: "

// SendMessage appends an optimistic text message and delivers it. It
// returns the message as it stands after the first delivery attempt.
// Transport failures do not surface as errors: the message stays in
// sending and is retried.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, errs.ErrEmptyContent
	}

	msg, err := e.createOptimistic(ctx, conversationID, func(m *models.Message) {
		m.Kind = models.KindText
		m.Content = content
	}, nil)
	if err != nil {
		return models.Message{}, err
	}

	e.deliver(ctx, msg, false)

	return e.current(ctx, msg), nil
}

// SendImage appends an optimistic image message, uploads the file and
// then delivers the message. A failed upload leaves the message in the
// list as failed with an error as its content, ready for RetryMessage or
// DiscardMessage.
func (e *Engine) SendImage(ctx context.Context, conversationID string, file io.Reader, name string) (models.Message, error) {
	if e.upload == nil {
		return models.Message{}, fmt.Errorf("sending image: %w: no uploader", errs.ErrTransportUnavailable)
	}

	data, err := io.ReadAll(io.LimitReader(file, e.opts.MaxUploadBytes+1))
	if err != nil {
		return models.Message{}, fmt.Errorf("reading image: %w", err)
	}

	if int64(len(data)) > e.opts.MaxUploadBytes {
		return models.Message{}, fmt.Errorf("image %s exceeds %d bytes", name, e.opts.MaxUploadBytes)
	}

	if len(data) == 0 {
		return models.Message{}, errs.ErrEmptyContent
	}

	msg, err := e.createOptimistic(ctx, conversationID, func(m *models.Message) {
		m.Kind = models.KindImage
		m.Attachments = []models.Attachment{{Name: name, Size: int64(len(data))}}
	}, &pendingUpload{conversationID: conversationID, name: name, data: data})
	if err != nil {
		return models.Message{}, err
	}

	msg, ok := e.uploadAndAttach(ctx, msg)
	if ok {
		e.deliver(ctx, msg, false)
	}

	return e.current(ctx, msg), nil
}

// createOptimistic validates the conversation and appends a sending
// message. Validation happens before anything is written.
func (e *Engine) createOptimistic(ctx context.Context, conversationID string, fill func(*models.Message), upload *pendingUpload) (models.Message, error) {
	cachedBlocked, _, err := e.store.Blocked(conversationID)
	if err != nil {
		e.logger.Warn("reading cached block flag",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()),
		)
	}

	if err := e.ensureLoaded(ctx, conversationID); err != nil {
		return models.Message{}, err
	}

	var (
		msg     models.Message
		sendErr error
	)

	err = e.apply(ctx, func(s *state) {
		conv := s.conversations[conversationID]
		if conv == nil {
			sendErr = errs.ErrConversationNotFound
			return
		}

		if blocked, _ := s.isBlocked(conversationID); blocked || cachedBlocked {
			sendErr = errs.ErrConversationBlocked
			return
		}

		if conv.Closed() || conv.Expired(e.now()) {
			sendErr = fmt.Errorf("%w: %s", errs.ErrConversationClosed, conv.Status)
			return
		}

		msg = models.Message{
			TempID:         uuid.NewString(),
			ConversationID: conversationID,
			Sender:         e.user,
			CreatedAt:      e.now(),
			Status:         models.StatusSending,
		}
		fill(&msg)

		if upload != nil {
			s.uploads[msg.TempID] = *upload
		}

		s.messages[conversationID] = normalize(append(s.messages[conversationID], msg.Clone()))
		touchLastMessage(conv, msg)

		e.persistMessages(s, conversationID)
		e.persistConversations(s)
		e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: conversationID})
	})
	if err != nil {
		return models.Message{}, err
	}

	if sendErr != nil {
		return models.Message{}, fmt.Errorf("sending to %s: %w", conversationID, sendErr)
	}

	return msg, nil
}

// uploadAndAttach uploads the bytes kept for msg. On failure the message
// is marked failed with the error as its content.
func (e *Engine) uploadAndAttach(ctx context.Context, msg models.Message) (models.Message, bool) {
	var (
		u  pendingUpload
		ok bool
	)

	if err := e.apply(ctx, func(s *state) { u, ok = s.uploads[msg.TempID] }); err != nil || !ok {
		return msg, ok
	}

	att, err := e.upload.Upload(ctx, u.name, bytes.NewReader(u.data))
	if err != nil {
		e.logger.Warn("image upload failed",
			slog.String("conversation", msg.ConversationID),
			slog.String("temp_id", msg.TempID),
			slog.String("error", err.Error()),
		)

		_ = e.updateMessage(ctx, msg.ConversationID, msg.TempID, func(m *models.Message) {
			m.Status = models.StatusFailed
			m.Content = uploadFailedPrefix + err.Error()
			m.Error = err.Error()
		})

		return msg, false
	}

	if att.Name == "" {
		att.Name = u.name
	}

	var updated models.Message

	err = e.updateMessage(ctx, msg.ConversationID, msg.TempID, func(m *models.Message) {
		m.Attachments = []models.Attachment{att}
		m.Content = ""
		m.Error = ""
		m.Status = models.StatusSending
		updated = m.Clone()
	})
	if err != nil || updated.TempID == "" {
		return msg, false
	}

	_ = e.apply(ctx, func(s *state) { delete(s.uploads, msg.TempID) })

	return updated, true
}

// deliver hands msg to the push channel when it is up, otherwise to the
// poll channel. retry marks an automatic or manual redelivery, whose
// failure counts against the retry budget.
func (e *Engine) deliver(ctx context.Context, msg models.Message, retry bool) {
	req := models.SendRequestFor(msg)

	if e.push != nil && e.push.Connected() {
		err := e.push.SendMessage(ctx, req)
		if err == nil {
			// Armed on the loop even if ctx ends right after the write.
			sentAt := e.now()
			e.post(func(s *state) { s.awaiting[msg.TempID] = sentAt })
			return
		}

		e.logger.Warn("push send failed",
			slog.String("temp_id", msg.TempID),
			slog.String("error", err.Error()),
		)
	}

	if e.poll != nil && e.poll.Viable() {
		server, err := e.poll.SendMessage(ctx, req)
		if err == nil {
			if err := e.OnMessageSent(ctx, msg.TempID, server); err != nil {
				e.logger.Warn("applying send result", slog.String("error", err.Error()))
			}

			return
		}

		var blocked *poll.BlockedError
		if errors.As(err, &blocked) || errors.Is(err, errs.ErrConversationBlocked) {
			reason := ""
			if blocked != nil {
				reason = blocked.Reason
			}

			e.markBlocked(ctx, msg.ConversationID, reason)

			return
		}

		if errors.Is(err, errs.ErrConversationNotFound) {
			_ = e.OnConversationDeleted(ctx, msg.ConversationID)
			return
		}

		e.logger.Warn("poll send failed",
			slog.String("temp_id", msg.TempID),
			slog.Bool("transient", poll.IsTransient(err)),
			slog.String("error", err.Error()),
		)
	}

	e.deliveryFailed(ctx, msg, retry)
}

// deliveryFailed queues a first failure and counts a retry failure. A
// message that used up its attempts is marked failed.
func (e *Engine) deliveryFailed(ctx context.Context, msg models.Message, retry bool) {
	if !retry {
		if _, ok := e.retries.Entry(msg.TempID); !ok {
			e.retries.Enqueue(msg)
		}

		return
	}

	if !e.retries.RecordAttempt(msg.TempID) {
		return
	}

	e.logger.Warn("message permanently failed",
		slog.String("conversation", msg.ConversationID),
		slog.String("temp_id", msg.TempID),
		slog.Int("attempts", e.retries.MaxAttempts()),
	)

	_ = e.updateMessage(ctx, msg.ConversationID, msg.TempID, func(m *models.Message) {
		if m.ID == "" {
			m.Status = models.StatusFailed
		}
	})
}

// markBlocked records the server's verdict that a conversation is
// blocked and fails its undelivered messages without retry.
func (e *Engine) markBlocked(ctx context.Context, conversationID, reason string) {
	e.logger.Warn("conversation blocked by server",
		slog.String("conversation", conversationID),
		slog.String("reason", reason),
	)

	_ = e.apply(ctx, func(s *state) {
		s.blocked[conversationID] = reason

		if conv := s.conversations[conversationID]; conv != nil {
			conv.IsBlocked = true
			conv.BlockedReason = reason
			e.persistConversations(s)
			e.notifier.publish(Change{Kind: ChangeConversation, ConversationID: conversationID})
		}

		e.persister.do("set blocked", conversationID, func() error {
			return e.store.SetBlocked(conversationID, reason, true)
		})

		e.failPending(s, conversationID, closedReason(models.Conversation{IsBlocked: true, BlockedReason: reason}))
	})
}

// updateMessage edits one message in place by temp ID.
func (e *Engine) updateMessage(ctx context.Context, conversationID, tempID string, fn func(*models.Message)) error {
	return e.apply(ctx, func(s *state) {
		list := s.messages[conversationID]

		i := slices.IndexFunc(list, func(m models.Message) bool { return m.TempID == tempID })
		if i < 0 {
			return
		}

		fn(&list[i])
		e.persistMessages(s, conversationID)
		e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: conversationID})
	})
}

// current returns the latest in-memory copy of msg.
func (e *Engine) current(ctx context.Context, msg models.Message) models.Message {
	out := msg

	_ = e.apply(ctx, func(s *state) {
		list := s.messages[msg.ConversationID]
		if i := slices.IndexFunc(list, func(m models.Message) bool { return m.TempID == msg.TempID }); i >= 0 {
			out = list[i].Clone()
		}
	})

	return out
}

// RetryMessage manually retries a failed or pending message: it goes
// back to sending at attempt 0 and is delivered immediately. An image
// whose upload failed is uploaded again first.
func (e *Engine) RetryMessage(ctx context.Context, tempID string) (models.Message, error) {
	var (
		msg       models.Message
		hasUpload bool
		retryErr  error
	)

	err := e.apply(ctx, func(s *state) {
		cid, i := s.findTemp(tempID)
		if i < 0 {
			retryErr = errs.ErrMessageNotFound
			return
		}

		m := &s.messages[cid][i]
		if m.ID != "" {
			retryErr = fmt.Errorf("%w: message %s already delivered", errs.ErrMessageNotFound, tempID)
			return
		}

		conv := s.conversations[cid]
		if blocked, _ := s.isBlocked(cid); blocked {
			retryErr = errs.ErrConversationBlocked
			return
		}

		if conv == nil || conv.Closed() || conv.Expired(e.now()) {
			retryErr = errs.ErrConversationClosed
			return
		}

		_, hasUpload = s.uploads[tempID]

		m.Status = models.StatusSending
		m.Error = ""

		if hasUpload && strings.HasPrefix(m.Content, uploadFailedPrefix) {
			m.Content = ""
		}

		if _, ok := e.retries.Entry(tempID); !ok {
			e.retries.Enqueue(*m)
		}

		e.retries.Retry(tempID)
		delete(s.awaiting, tempID)

		msg = m.Clone()

		e.persistMessages(s, cid)
		e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: cid})
	})
	if err != nil {
		return models.Message{}, err
	}

	if retryErr != nil {
		return models.Message{}, fmt.Errorf("retrying %s: %w", tempID, retryErr)
	}

	if hasUpload {
		var ok bool

		msg, ok = e.uploadAndAttach(ctx, msg)
		if !ok {
			e.retries.Discard(tempID)
			return e.current(ctx, msg), nil
		}
	}

	e.deliver(ctx, msg, true)

	return e.current(ctx, msg), nil
}

// DiscardMessage removes an undelivered optimistic message.
func (e *Engine) DiscardMessage(ctx context.Context, tempID string) error {
	var discardErr error

	err := e.apply(ctx, func(s *state) {
		cid, i := s.findTemp(tempID)
		if i < 0 || s.messages[cid][i].ID != "" {
			discardErr = errs.ErrMessageNotFound
			return
		}

		s.messages[cid] = slices.Delete(s.messages[cid], i, i+1)
		delete(s.uploads, tempID)
		delete(s.awaiting, tempID)
		e.retries.Discard(tempID)

		e.persistMessages(s, cid)
		e.notifier.publish(Change{Kind: ChangeMessages, ConversationID: cid})
	})
	if err != nil {
		return err
	}

	if discardErr != nil {
		return fmt.Errorf("discarding %s: %w", tempID, discardErr)
	}

	return nil
}

// retrySweep redelivers due retries and turns push writes that never got
// an acknowledgment into failed attempts.
func (e *Engine) retrySweep(ctx context.Context) {
	now := e.now()

	var expired []models.Message

	awaiting := make(map[string]bool)

	err := e.apply(ctx, func(s *state) {
		for tempID, at := range s.awaiting {
			if now.Sub(at) < e.opts.AckTimeout {
				awaiting[tempID] = true
				continue
			}

			delete(s.awaiting, tempID)

			if cid, i := s.findTemp(tempID); i >= 0 && s.messages[cid][i].ID == "" {
				expired = append(expired, s.messages[cid][i].Clone())
			}
		}
	})
	if err != nil {
		return
	}

	for _, m := range expired {
		_, pending := e.retries.Entry(m.TempID)
		e.logger.Debug("acknowledgment timed out", slog.String("temp_id", m.TempID))
		e.deliveryFailed(ctx, m, pending)
	}

	for _, m := range e.retries.Retryable(now) {
		if ctx.Err() != nil {
			return
		}

		if awaiting[m.TempID] {
			continue
		}

		e.logger.Debug("retrying message", slog.String("temp_id", m.TempID))
		e.deliver(ctx, e.current(ctx, m), true)
	}
}
