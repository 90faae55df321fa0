package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestDedup(opts Options) (*Deduplicator, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	opts.Now = clk.Now
	return New(opts), clk
}

func text(id, sender, content string) models.Message {
	return models.Message{ID: id, Sender: models.User{ID: sender}, Content: content, Kind: models.KindText}
}

// --- ID matching ---

func TestIsDuplicate_SameID(t *testing.T) {
	d, clk := newTestDedup(Options{})
	m := text("m1", "u2", "hello")

	assert.False(t, d.IsDuplicate(m, ""))
	d.MarkProcessed(m, "")

	clk.Advance(time.Hour)
	assert.True(t, d.IsDuplicate(m, ""), "ids never expire by time")
}

func TestIsDuplicate_PromotedTempID(t *testing.T) {
	d, _ := newTestDedup(Options{})
	d.Promote("t1", "m1")

	assert.True(t, d.IsDuplicate(models.Message{TempID: "t1", Content: "x"}, ""))
	assert.True(t, d.IsDuplicate(models.Message{ID: "m1"}, ""))

	real, ok := d.RealID("t1")
	assert.True(t, ok)
	assert.Equal(t, "m1", real)
}

func TestMarkProcessed_RecordsTempMapping(t *testing.T) {
	d, _ := newTestDedup(Options{})
	d.MarkProcessed(models.Message{ID: "m1", TempID: "t1", Content: "x"}, "")

	real, ok := d.RealID("t1")
	require.True(t, ok)
	assert.Equal(t, "m1", real)
}

func TestPromote_IgnoresEmpty(t *testing.T) {
	d, _ := newTestDedup(Options{})
	d.Promote("", "m1")
	d.Promote("t1", "")
	assert.Equal(t, Stats{}, d.Stats())
}

// --- Content window ---

func TestIsDuplicate_ContentWithinWindow(t *testing.T) {
	d, clk := newTestDedup(Options{})
	d.MarkProcessed(text("m1", "u2", "hello"), "")

	clk.Advance(4 * time.Second)
	assert.True(t, d.IsDuplicate(text("", "u2", "hello"), ""))
}

func TestIsDuplicate_ContentOutsideWindow(t *testing.T) {
	d, clk := newTestDedup(Options{})
	d.MarkProcessed(text("m1", "u2", "hello"), "")

	clk.Advance(5 * time.Second)
	assert.False(t, d.IsDuplicate(text("m2", "u2", "hello"), ""))
}

func TestIsDuplicate_ContentDifferentSender(t *testing.T) {
	d, _ := newTestDedup(Options{})
	d.MarkProcessed(text("m1", "u2", "hello"), "")

	assert.False(t, d.IsDuplicate(text("m2", "u3", "hello"), ""))
}

func TestIsDuplicate_ContentNormalized(t *testing.T) {
	d, _ := newTestDedup(Options{})
	// "é" as a single code point, then as e + combining acute.
	d.MarkProcessed(text("m1", "u2", "caf\u00e9 "), "")

	assert.True(t, d.IsDuplicate(text("m2", "u2", "  cafe\u0301"), ""))
}

func TestIsDuplicate_ImageUsesAttachmentURL(t *testing.T) {
	d, _ := newTestDedup(Options{})
	img := models.Message{
		ID:          "m1",
		Sender:      models.User{ID: "u2"},
		Kind:        models.KindImage,
		Content:     "one caption",
		Attachments: []models.Attachment{{URL: "https://cdn/a.png"}},
	}
	d.MarkProcessed(img, "")

	other := img
	other.ID = "m2"
	other.Content = "another caption"
	assert.True(t, d.IsDuplicate(other, ""))
}

func TestIsDuplicate_ExplicitKeyOverrides(t *testing.T) {
	d, _ := newTestDedup(Options{})
	d.MarkProcessed(text("m1", "u2", "hello"), "proposal:p1")

	assert.True(t, d.IsDuplicate(text("m2", "u2", "different text"), "proposal:p1"))
	assert.False(t, d.IsDuplicate(text("m3", "u2", "hello"), "proposal:p2"))
}

func TestIsDuplicate_EmptyContentNeverMatchesByContent(t *testing.T) {
	d, _ := newTestDedup(Options{})
	d.MarkProcessed(text("m1", "u2", ""), "")

	assert.False(t, d.IsDuplicate(text("m2", "u2", "   "), ""))
}

func TestSetWindows_AppliesToRunningInstance(t *testing.T) {
	d, clk := newTestDedup(Options{})
	d.MarkProcessed(text("m1", "u2", "hello"), "")
	clk.Advance(8 * time.Second)
	assert.False(t, d.IsDuplicate(text("m2", "u2", "hello"), ""))

	d.SetWindows(10*time.Second, 0)
	assert.True(t, d.IsDuplicate(text("m2", "u2", "hello"), ""))
}

// --- Sweep and ceilings ---

func TestSweep_DropsOldContentEntries(t *testing.T) {
	d, clk := newTestDedup(Options{})
	d.MarkProcessed(text("m1", "u2", "old"), "")
	clk.Advance(4 * time.Minute)
	d.MarkProcessed(text("m2", "u2", "new"), "")
	clk.Advance(2 * time.Minute)

	removed := d.Sweep(clk.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, d.Stats().ContentEntries)
	assert.Equal(t, 2, d.Stats().IDs, "sweep leaves ids alone")
}

func TestCeilings_FullReset(t *testing.T) {
	d, _ := newTestDedup(Options{MaxIDs: 3, MaxContent: 3, MaxTempIDs: 2})
	for i := range 3 {
		d.MarkProcessed(text(fmt.Sprintf("m%d", i), "u2", fmt.Sprintf("body %d", i)), "")
	}
	assert.Equal(t, 3, d.Stats().IDs)

	d.MarkProcessed(text("m3", "u2", "body 3"), "")
	st := d.Stats()
	assert.Equal(t, 1, st.IDs)
	assert.Equal(t, 1, st.ContentEntries)
	assert.False(t, d.IsDuplicate(text("m0", "u9", "x"), ""), "reset forgets earlier ids")

	d.Promote("t1", "r1")
	d.Promote("t2", "r2")
	d.Promote("t3", "r3")
	assert.Equal(t, 1, d.Stats().TempIDs)
	assert.Positive(t, d.Stats().Resets)
}

func TestReset(t *testing.T) {
	d, _ := newTestDedup(Options{})
	d.MarkProcessed(models.Message{ID: "m1", TempID: "t1", Content: "x"}, "")
	d.Reset()

	st := d.Stats()
	assert.Zero(t, st.IDs)
	assert.Zero(t, st.TempIDs)
	assert.Zero(t, st.ContentEntries)
}

func TestDigest_Stable(t *testing.T) {
	assert.Equal(t, Digest("hello"), Digest("hello"))
	assert.NotEqual(t, Digest("hello"), Digest("hello!"))
}
