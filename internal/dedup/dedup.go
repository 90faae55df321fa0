// Package dedup decides whether an inbound or outbound message has
// already been accepted, and tracks temp-to-real ID promotion.
package dedup

import (
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultContentWindow = 5 * time.Second
	DefaultSweepAge      = 5 * time.Minute

	DefaultMaxIDs     = 10000
	DefaultMaxTempIDs = 5000
	DefaultMaxContent = 2000
)

// Options tunes the windows and ceilings. Zero values take the defaults.
type Options struct {
	ContentWindow time.Duration
	SweepAge      time.Duration
	MaxIDs        int
	MaxTempIDs    int
	MaxContent    int
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if o.ContentWindow <= 0 {
		o.ContentWindow = DefaultContentWindow
	}

	if o.SweepAge <= 0 {
		o.SweepAge = DefaultSweepAge
	}

	if o.MaxIDs <= 0 {
		o.MaxIDs = DefaultMaxIDs
	}

	if o.MaxTempIDs <= 0 {
		o.MaxTempIDs = DefaultMaxTempIDs
	}

	if o.MaxContent <= 0 {
		o.MaxContent = DefaultMaxContent
	}

	if o.Now == nil {
		o.Now = time.Now
	}
}

// contentKey identifies a message body from one sender without keeping
// the body itself.
type contentKey struct {
	sender string
	digest [16]byte
}

// Stats reports how large the bookkeeping sets are.
type Stats struct {
	IDs            int `json:"ids"`
	TempIDs        int `json:"tempIds"`
	ContentEntries int `json:"contentEntries"`
	Resets         int `json:"resets"`
}

// Deduplicator is a process-lifetime index of accepted messages. One
// instance belongs to one engine.
type Deduplicator struct {
	mu      sync.Mutex
	opts    Options
	ids     map[string]struct{}
	temp    map[string]string
	content map[contentKey]time.Time
	resets  int
}

// New returns an empty Deduplicator.
func New(opts Options) *Deduplicator {
	opts.setDefaults()

	return &Deduplicator{
		opts:    opts,
		ids:     make(map[string]struct{}),
		temp:    make(map[string]string),
		content: make(map[contentKey]time.Time),
	}
}

// SetWindows replaces the content and sweep windows on a running
// instance. Non-positive values are ignored.
func (d *Deduplicator) SetWindows(content, sweep time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if content > 0 {
		d.opts.ContentWindow = content
	}

	if sweep > 0 {
		d.opts.SweepAge = sweep
	}
}

// IsDuplicate reports whether msg was already processed. key, when
// non-empty, replaces the content key derived from the message.
func (d *Deduplicator) IsDuplicate(msg models.Message, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if msg.ID != "" {
		if _, ok := d.ids[msg.ID]; ok {
			return true
		}
	}

	if msg.TempID != "" {
		if _, ok := d.temp[msg.TempID]; ok {
			return true
		}
	}

	ck, ok := keyFor(msg, key)
	if !ok {
		return false
	}

	at, seen := d.content[ck]

	return seen && d.opts.Now().Sub(at) < d.opts.ContentWindow
}

// MarkProcessed records msg as accepted.
func (d *Deduplicator) MarkProcessed(msg models.Message, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if msg.ID != "" {
		d.addID(msg.ID)

		if msg.TempID != "" {
			d.addTemp(msg.TempID, msg.ID)
		}
	}

	if ck, ok := keyFor(msg, key); ok {
		if len(d.content) >= d.opts.MaxContent {
			clear(d.content)
			d.resets++
		}

		d.content[ck] = d.opts.Now()
	}
}

// Promote records that tempID was acknowledged as realID.
func (d *Deduplicator) Promote(tempID, realID string) {
	if tempID == "" || realID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.addTemp(tempID, realID)
	d.addID(realID)
}

// RealID returns the server ID a temp ID was promoted to.
func (d *Deduplicator) RealID(tempID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.temp[tempID]

	return id, ok
}

// Sweep discards content entries older than the sweep age.
func (d *Deduplicator) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0

	for k, at := range d.content {
		if now.Sub(at) > d.opts.SweepAge {
			delete(d.content, k)

			removed++
		}
	}

	return removed
}

// Reset empties every set.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.ids)
	clear(d.temp)
	clear(d.content)
}

// Stats returns the current set sizes.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Stats{
		IDs:            len(d.ids),
		TempIDs:        len(d.temp),
		ContentEntries: len(d.content),
		Resets:         d.resets,
	}
}

// addID and addTemp reset their set entirely once it reaches its ceiling.
func (d *Deduplicator) addID(id string) {
	if _, ok := d.ids[id]; ok {
		return
	}

	if len(d.ids) >= d.opts.MaxIDs {
		clear(d.ids)
		d.resets++
	}

	d.ids[id] = struct{}{}
}

func (d *Deduplicator) addTemp(tempID, realID string) {
	if _, ok := d.temp[tempID]; !ok && len(d.temp) >= d.opts.MaxTempIDs {
		clear(d.temp)
		d.resets++
	}

	d.temp[tempID] = realID
}

func keyFor(msg models.Message, explicit string) (contentKey, bool) {
	raw := explicit
	if raw == "" {
		raw = msg.ContentKey()
	}

	raw = norm.NFC.String(strings.TrimSpace(raw))
	if raw == "" {
		return contentKey{}, false
	}

	return contentKey{sender: msg.Sender.ID, digest: Digest(raw)}, true
}

// Digest returns the 128-bit BLAKE2b hash of s.
func Digest(s string) [16]byte {
	var out [16]byte

	h, err := blake2b.New(16, nil)
	if err != nil {
		// Only fails for invalid sizes or oversized keys.
		panic(err)
	}

	h.Write([]byte(s))
	copy(out[:], h.Sum(nil))

	return out
}
