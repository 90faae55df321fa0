// Package retryq schedules bounded redelivery of locally originated
// messages that failed to reach the server.
package retryq

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// DefaultSchedule is the delay before each automatic attempt. Its length
// is the number of automatic attempts.
var DefaultSchedule = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// Queue holds pending retries and the permanently failed list. Safe for
// concurrent use.
type Queue struct {
	mu       sync.Mutex
	schedule []time.Duration
	now      func() time.Time
	pending  map[string]*models.RetryEntry
	failed   map[string]failedEntry
	seq      int
}

type failedEntry struct {
	entry models.RetryEntry
	seq   int
}

// New returns an empty queue. A nil schedule uses DefaultSchedule and a
// nil clock uses time.Now.
func New(schedule []time.Duration, now func() time.Time) *Queue {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}

	if now == nil {
		now = time.Now
	}

	return &Queue{
		schedule: slices.Clone(schedule),
		now:      now,
		pending:  make(map[string]*models.RetryEntry),
		failed:   make(map[string]failedEntry),
	}
}

// MaxAttempts is the number of automatic attempts before an entry is
// given up on.
func (q *Queue) MaxAttempts() int {
	return len(q.schedule)
}

// Enqueue schedules msg for its first automatic attempt. Enqueueing a
// message already pending only refreshes its snapshot. Messages without a
// temp ID are ignored.
func (q *Queue) Enqueue(msg models.Message) {
	if msg.TempID == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.pending[msg.TempID]; ok {
		e.Message = msg.Clone()
		return
	}

	delete(q.failed, msg.TempID)

	q.pending[msg.TempID] = &models.RetryEntry{
		TempID:      msg.TempID,
		Message:     msg.Clone(),
		NextRetryAt: q.now().Add(q.schedule[0]),
	}
}

// Retryable returns snapshots of every pending message due at now,
// earliest first.
func (q *Queue) Retryable(now time.Time) []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*models.RetryEntry

	for _, e := range q.pending {
		if !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}

	slices.SortFunc(due, func(a, b *models.RetryEntry) int {
		if c := a.NextRetryAt.Compare(b.NextRetryAt); c != 0 {
			return c
		}

		return cmp.Compare(a.TempID, b.TempID)
	})

	out := make([]models.Message, len(due))
	for i, e := range due {
		out[i] = e.Message.Clone()
	}

	return out
}

// RecordAttempt counts one failed automatic attempt. When the entry has
// used every attempt it moves to the permanently failed list and
// RecordAttempt returns true.
func (q *Queue) RecordAttempt(tempID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.pending[tempID]
	if !ok {
		return false
	}

	e.Attempts++

	if e.Attempts >= len(q.schedule) {
		delete(q.pending, tempID)

		e.Message.Status = models.StatusFailed
		q.seq++
		q.failed[tempID] = failedEntry{entry: *e, seq: q.seq}

		return true
	}

	e.NextRetryAt = q.now().Add(q.schedule[e.Attempts])

	return false
}

// Remove drops a pending entry after successful delivery. A permanently
// failed entry with the same temp ID is dropped too, since a late
// acknowledgment means the message did arrive.
func (q *Queue) Remove(tempID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.pending, tempID)
	delete(q.failed, tempID)
}

// PermanentlyFailed returns the failed messages in the order they failed.
func (q *Queue) PermanentlyFailed() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]failedEntry, 0, len(q.failed))
	for _, f := range q.failed {
		entries = append(entries, f)
	}

	slices.SortFunc(entries, func(a, b failedEntry) int {
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]models.Message, len(entries))
	for i, f := range entries {
		out[i] = f.entry.Message.Clone()
	}

	return out
}

// Retry puts a message back at attempt 0, due immediately. It works on
// both failed and pending entries and reports whether one was found.
func (q *Queue) Retry(tempID string) (models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var e models.RetryEntry

	if f, ok := q.failed[tempID]; ok {
		e = f.entry
		delete(q.failed, tempID)
	} else if p, ok := q.pending[tempID]; ok {
		e = *p
	} else {
		return models.Message{}, false
	}

	e.Attempts = 0
	e.NextRetryAt = q.now()
	e.Message.Status = models.StatusSending
	e.Message.Error = ""
	q.pending[tempID] = &e

	return e.Message.Clone(), true
}

// Discard forgets a message entirely.
func (q *Queue) Discard(tempID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, p := q.pending[tempID]
	_, f := q.failed[tempID]

	delete(q.pending, tempID)
	delete(q.failed, tempID)

	return p || f
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Entry returns a copy of the pending or failed entry for tempID.
func (q *Queue) Entry(tempID string) (models.RetryEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.pending[tempID]; ok {
		cp := *e
		cp.Message = e.Message.Clone()

		return cp, true
	}

	if f, ok := q.failed[tempID]; ok {
		cp := f.entry
		cp.Message = f.entry.Message.Clone()

		return cp, true
	}

	return models.RetryEntry{}, false
}

// DropConversation removes every entry belonging to a conversation.
func (q *Queue) DropConversation(conversationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0

	for id, e := range q.pending {
		if e.Message.ConversationID == conversationID {
			delete(q.pending, id)

			n++
		}
	}

	for id, f := range q.failed {
		if f.entry.Message.ConversationID == conversationID {
			delete(q.failed, id)

			n++
		}
	}

	return n
}
