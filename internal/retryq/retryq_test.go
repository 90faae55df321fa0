package retryq

import (
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue() (*Queue, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	return New(nil, clk.Now), clk
}

func outbound(tempID, conv string) models.Message {
	return models.Message{
		TempID:         tempID,
		ConversationID: conv,
		Content:        "hello",
		Status:         models.StatusSending,
		IsTemporary:    true,
	}
}

// --- Schedule ---

func TestEnqueue_FirstAttemptAfterOneSecond(t *testing.T) {
	q, clk := newTestQueue()
	q.Enqueue(outbound("t1", "c1"))

	assert.Empty(t, q.Retryable(clk.Now()))
	clk.Advance(999 * time.Millisecond)
	assert.Empty(t, q.Retryable(clk.Now()))
	clk.Advance(time.Millisecond)

	due := q.Retryable(clk.Now())
	require.Len(t, due, 1)
	assert.Equal(t, "t1", due[0].TempID)
}

func TestRecordAttempt_FollowsBackoffSchedule(t *testing.T) {
	q, clk := newTestQueue()
	q.Enqueue(outbound("t1", "c1"))

	clk.Advance(time.Second)
	require.Len(t, q.Retryable(clk.Now()), 1)
	assert.False(t, q.RecordAttempt("t1"))

	clk.Advance(2999 * time.Millisecond)
	assert.Empty(t, q.Retryable(clk.Now()))
	clk.Advance(time.Millisecond)
	require.Len(t, q.Retryable(clk.Now()), 1)
	assert.False(t, q.RecordAttempt("t1"))

	clk.Advance(5 * time.Second)
	require.Len(t, q.Retryable(clk.Now()), 1)

	entry, ok := q.Entry("t1")
	require.True(t, ok)
	assert.Equal(t, 2, entry.Attempts)
}

func TestRecordAttempt_ThirdFailureIsPermanent(t *testing.T) {
	q, clk := newTestQueue()
	q.Enqueue(outbound("t1", "c1"))

	assert.False(t, q.RecordAttempt("t1"))
	assert.False(t, q.RecordAttempt("t1"))
	assert.True(t, q.RecordAttempt("t1"))

	assert.Zero(t, q.Len())
	clk.Advance(time.Hour)
	assert.Empty(t, q.Retryable(clk.Now()), "no fourth automatic attempt")

	failed := q.PermanentlyFailed()
	require.Len(t, failed, 1)
	assert.Equal(t, models.StatusFailed, failed[0].Status)
	assert.False(t, q.RecordAttempt("t1"))
}

func TestRetryable_OrderedByDueTime(t *testing.T) {
	q, clk := newTestQueue()
	q.Enqueue(outbound("t2", "c1"))
	clk.Advance(100 * time.Millisecond)
	q.Enqueue(outbound("t1", "c1"))

	clk.Advance(5 * time.Second)
	due := q.Retryable(clk.Now())
	require.Len(t, due, 2)
	assert.Equal(t, "t2", due[0].TempID)
	assert.Equal(t, "t1", due[1].TempID)
}

func TestEnqueue_ExistingRefreshesSnapshotOnly(t *testing.T) {
	q, _ := newTestQueue()
	q.Enqueue(outbound("t1", "c1"))
	q.RecordAttempt("t1")

	m := outbound("t1", "c1")
	m.Content = "edited"
	q.Enqueue(m)

	entry, ok := q.Entry("t1")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "edited", entry.Message.Content)
}

func TestEnqueue_IgnoresMissingTempID(t *testing.T) {
	q, _ := newTestQueue()
	q.Enqueue(models.Message{ID: "m1"})
	assert.Zero(t, q.Len())
}

// --- Manual retry ---

func TestRetry_ResetsFailedToAttemptZero(t *testing.T) {
	q, clk := newTestQueue()
	q.Enqueue(outbound("t1", "c1"))
	q.RecordAttempt("t1")
	q.RecordAttempt("t1")
	q.RecordAttempt("t1")

	msg, ok := q.Retry("t1")
	require.True(t, ok)
	assert.Equal(t, models.StatusSending, msg.Status)
	assert.Empty(t, q.PermanentlyFailed())

	entry, ok := q.Entry("t1")
	require.True(t, ok)
	assert.Zero(t, entry.Attempts)

	due := q.Retryable(clk.Now())
	require.Len(t, due, 1, "manual retry is due immediately")

	assert.False(t, q.RecordAttempt("t1"))
	assert.False(t, q.RecordAttempt("t1"))
	assert.True(t, q.RecordAttempt("t1"), "full budget again after manual retry")
}

func TestRetry_Unknown(t *testing.T) {
	q, _ := newTestQueue()
	_, ok := q.Retry("nope")
	assert.False(t, ok)
}

// --- Remove / Discard ---

func TestRemove_DropsPendingAndFailed(t *testing.T) {
	q, _ := newTestQueue()
	q.Enqueue(outbound("t1", "c1"))
	q.Enqueue(outbound("t2", "c1"))
	for range 3 {
		q.RecordAttempt("t2")
	}

	q.Remove("t1")
	q.Remove("t2")

	assert.Zero(t, q.Len())
	assert.Empty(t, q.PermanentlyFailed())
}

func TestDiscard(t *testing.T) {
	q, _ := newTestQueue()
	q.Enqueue(outbound("t1", "c1"))

	assert.True(t, q.Discard("t1"))
	assert.False(t, q.Discard("t1"))
	_, ok := q.Entry("t1")
	assert.False(t, ok)
}

func TestDropConversation(t *testing.T) {
	q, _ := newTestQueue()
	q.Enqueue(outbound("t1", "c1"))
	q.Enqueue(outbound("t2", "c2"))
	q.Enqueue(outbound("t3", "c1"))
	for range 3 {
		q.RecordAttempt("t3")
	}

	assert.Equal(t, 2, q.DropConversation("c1"))
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, q.PermanentlyFailed())
}

func TestNew_CustomSchedule(t *testing.T) {
	q := New([]time.Duration{time.Millisecond}, nil)
	assert.Equal(t, 1, q.MaxAttempts())

	q.Enqueue(outbound("t1", "c1"))
	assert.True(t, q.RecordAttempt("t1"))
}
