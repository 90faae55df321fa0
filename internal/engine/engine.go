// Package engine keeps a user's conversations and messages consistent
// across the push channel, the poll channel and the local store.
//
// All state lives in one goroutine, the apply loop, which runs update
// closures received over a channel. Network and store I/O happen in the
// calling goroutine or in background goroutines between apply calls, and
// store writes are queued to a persister goroutine.
package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chatsync/internal/cache"
	"github.com/alexjbarnes/chatsync/internal/dedup"
	errs "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/retryq"
	"github.com/alexjbarnes/chatsync/internal/store"
	"github.com/alexjbarnes/chatsync/internal/supervisor"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRetryInterval       = 10 * time.Second
	DefaultMaintenanceInterval = time.Minute
	DefaultEvictInterval       = time.Hour
	DefaultCacheTTL            = 24 * time.Hour
	DefaultAckTimeout          = 10 * time.Second
	DefaultPollInterval        = 2 * time.Second
	DefaultMaxUploadBytes      = 10 << 20

	opsBuffer = 64
)

// Options configures an Engine. Store and User are required; every
// transport is optional.
type Options struct {
	Store    store.Store
	User     models.User
	Push     PushTransport
	Poll     PollTransport
	Uploader Uploader

	Dedup      dedup.Options
	Cache      cache.Options
	Supervisor supervisor.Options
	// RetrySchedule overrides retryq.DefaultSchedule.
	RetrySchedule []time.Duration

	RetryInterval       time.Duration
	MaintenanceInterval time.Duration
	EvictInterval       time.Duration
	CacheTTL            time.Duration
	AckTimeout          time.Duration
	PollInterval        time.Duration
	MaxUploadBytes      int64

	Now    func() time.Time
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}

	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}

	if o.EvictInterval <= 0 {
		o.EvictInterval = DefaultEvictInterval
	}

	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}

	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}

	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	if o.Dedup.Now == nil {
		o.Dedup.Now = o.Now
	}

	if o.Cache.Now == nil {
		o.Cache.Now = o.Now
	}
}

// state is the composite owned by the apply loop. Nothing outside a
// closure passed to apply or post may touch it.
type state struct {
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	// loaded marks conversations whose stored list has been merged in.
	loaded map[string]bool
	// removed holds tombstones so late events cannot resurrect a
	// deleted conversation.
	removed    map[string]bool
	blocked    map[string]string
	active     string
	pollCancel context.CancelFunc
	conn       models.ConnectionState
	// awaiting maps temp IDs written to the push channel to the write time.
	awaiting map[string]time.Time
	// uploads keeps image bytes whose upload failed, for manual retry.
	uploads      map[string]pendingUpload
	lastConvSync time.Time
}

type pendingUpload struct {
	conversationID string
	name           string
	data           []byte
}

// Engine is the synchronization core. Create with New, then Start.
type Engine struct {
	opts   Options
	store  store.Store
	user   models.User
	push   PushTransport
	poll   PollTransport
	upload Uploader
	now    func() time.Time
	logger *slog.Logger

	dedup     *dedup.Deduplicator
	retries   *retryq.Queue
	selector  *cache.Selector
	sup       *supervisor.Supervisor
	persister *persister
	notifier  *notifier

	ops     chan func(*state)
	st      *state
	started atomic.Bool

	cancel    context.CancelFunc
	runCtx    context.Context
	group     *errgroup.Group
	pollers   sync.WaitGroup
	bgMu      sync.Mutex
	closing   bool
	unsubs    []func()
	closeErr  error
	closeOnce sync.Once
}

// New builds an engine. It does no I/O until Start.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}

	if opts.User.ID == "" {
		return nil, fmt.Errorf("engine: user id is required")
	}

	opts.setDefaults()

	logger := logging.Component(opts.Logger, "engine")

	opts.Cache.Logger = cmp.Or(opts.Cache.Logger, opts.Logger)

	e := &Engine{
		opts:      opts,
		store:     opts.Store,
		user:      opts.User,
		push:      opts.Push,
		poll:      opts.Poll,
		upload:    opts.Uploader,
		now:       opts.Now,
		logger:    logger,
		dedup:     dedup.New(opts.Dedup),
		retries:   retryq.New(opts.RetrySchedule, opts.Now),
		selector:  cache.New(opts.Store, opts.Cache),
		persister: newPersister(opts.Store, logger),
		notifier:  newNotifier(),
		ops:       make(chan func(*state), opsBuffer),
		st: &state{
			conversations: make(map[string]*models.Conversation),
			messages:      make(map[string][]models.Message),
			loaded:        make(map[string]bool),
			removed:       make(map[string]bool),
			blocked:       make(map[string]string),
			awaiting:      make(map[string]time.Time),
			uploads:       make(map[string]pendingUpload),
		},
	}

	pollHealth := supervisor.Health(nil)
	if e.poll != nil {
		pollHealth = e.poll
	}

	e.st.conn = models.ConnectionState{
		Mode:       supervisor.DeriveMode(false, pollHealth != nil && pollHealth.Viable()),
		PollViable: pollHealth != nil && pollHealth.Viable(),
	}

	if e.push != nil {
		supOpts := opts.Supervisor
		userHook := supOpts.OnChange
		supOpts.OnChange = func(cs models.ConnectionState) {
			e.post(func(s *state) { s.conn = cs })
			e.notifier.publish(Change{Kind: ChangeConnection})

			if userHook != nil {
				userHook(cs)
			}
		}

		e.sup = supervisor.New(e.push, pollHealth, supOpts, opts.Logger)
	}

	return e, nil
}

// Start loads cached state, reconciles emergency backups, connects the
// push channel and starts the background loops. The engine runs until
// Close or until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	e.group = g

	// The persister outlives the apply loop so writes queued by the last
	// closures still land.
	persistCtx, persistCancel := context.WithCancel(context.Background())

	g.Go(func() error {
		defer persistCancel()
		e.loop(gctx)
		return nil
	})

	g.Go(func() error { return e.persister.run(persistCtx) })

	if err := e.restore(gctx); err != nil {
		_ = e.Close()
		return err
	}

	e.subscribe()

	if e.sup != nil {
		g.Go(func() error {
			_ = e.sup.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		e.sweeps(gctx)
		return nil
	})

	if e.poll != nil {
		g.Go(func() error {
			e.conversationLoop(gctx)
			return nil
		})
	}

	e.logger.Info("engine started", slog.String("user", e.user.ID))

	return nil
}

// Close stops every goroutine, timer, poll loop and subscription, then
// flushes queued store writes. It does not close the store.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		for _, unsub := range e.unsubs {
			unsub()
		}

		if e.cancel != nil {
			e.cancel()
		}

		if e.group != nil {
			e.closeErr = e.group.Wait()
		}

		e.bgMu.Lock()
		e.closing = true
		e.bgMu.Unlock()

		e.pollers.Wait()
		e.notifier.closeAll()
		e.logger.Info("engine stopped")
	})

	return e.closeErr
}

// Flush waits until every store write queued so far has run.
func (e *Engine) Flush(ctx context.Context) error {
	return e.persister.flush(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	for {
		select {
		case fn := <-e.ops:
			fn(e.st)
		case <-ctx.Done():
			e.stopPolling(e.st)
			return
		}
	}
}

// apply runs fn on the loop and waits for it. It must never be called
// from inside another closure.
func (e *Engine) apply(ctx context.Context, fn func(*state)) error {
	if !e.started.Load() {
		return fmt.Errorf("%w: not started", errs.ErrEngineClosed)
	}

	finished := make(chan struct{})
	wrapped := func(s *state) {
		defer close(finished)
		fn(s)
	}

	select {
	case e.ops <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.runCtx.Done():
		return errs.ErrEngineClosed
	}

	select {
	case <-finished:
		return nil
	case <-e.runCtx.Done():
		// The loop may have exited with the closure still queued.
		select {
		case <-finished:
			return nil
		default:
			return errs.ErrEngineClosed
		}
	}
}

// post queues fn without waiting for it to run.
func (e *Engine) post(fn func(*state)) {
	if !e.started.Load() {
		return
	}

	select {
	case e.ops <- fn:
	case <-e.runCtx.Done():
	}
}

// --- Accessors ---

// ConnectionState returns the transport health snapshot.
func (e *Engine) ConnectionState() models.ConnectionState {
	if e.sup != nil {
		return e.sup.State()
	}

	var cs models.ConnectionState
	if err := e.apply(context.Background(), func(s *state) { cs = s.conn }); err != nil {
		pollUp := e.poll != nil && e.poll.Viable()
		return models.ConnectionState{Mode: supervisor.DeriveMode(false, pollUp), PollViable: pollUp}
	}

	return cs
}

// RefreshConnection re-derives the connection mode after the poll
// channel's health changed. Safe to call from any goroutine.
func (e *Engine) RefreshConnection() {
	if e.sup != nil {
		e.sup.Refresh()
		return
	}

	pollUp := e.poll != nil && e.poll.Viable()

	e.post(func(s *state) {
		if s.conn.PollViable == pollUp {
			return
		}

		s.conn.PollViable = pollUp
		s.conn.Mode = supervisor.DeriveMode(false, pollUp)
		e.notifier.publish(Change{Kind: ChangeConnection})
	})
}

// Conversations returns every known conversation, most recent first.
func (e *Engine) Conversations() []models.Conversation {
	var out []models.Conversation

	_ = e.apply(context.Background(), func(s *state) {
		out = make([]models.Conversation, 0, len(s.conversations))
		for _, c := range s.conversations {
			out = append(out, c.Clone())
		}
	})

	sortConversations(out)

	return out
}

// Conversation returns one conversation.
func (e *Engine) Conversation(id string) (models.Conversation, bool) {
	var (
		out models.Conversation
		ok  bool
	)

	_ = e.apply(context.Background(), func(s *state) {
		if c := s.conversations[id]; c != nil {
			out, ok = c.Clone(), true
		}
	})

	return out, ok
}

// Messages returns the in-memory message list of a conversation.
func (e *Engine) Messages(conversationID string) []models.Message {
	var out []models.Message

	_ = e.apply(context.Background(), func(s *state) {
		out = models.CloneMessages(s.messages[conversationID])
	})

	return out
}

// ActiveConversation returns the open conversation, if any.
func (e *Engine) ActiveConversation() string {
	var id string

	_ = e.apply(context.Background(), func(s *state) { id = s.active })

	return id
}

// PermanentlyFailed returns messages that exhausted automatic retries.
func (e *Engine) PermanentlyFailed() []models.Message {
	return e.retries.PermanentlyFailed()
}

// StorageStats reports what the persistent store holds.
func (e *Engine) StorageStats() (store.Stats, error) {
	return e.store.Stats()
}

// DedupStats reports the deduplicator's set sizes.
func (e *Engine) DedupStats() dedup.Stats {
	return e.dedup.Stats()
}

// PendingRetries is the number of messages waiting for redelivery.
func (e *Engine) PendingRetries() int {
	return e.retries.Len()
}

// Subscribe returns a channel of state changes and a func to detach it.
// Changes are dropped for a subscriber whose buffer is full.
func (e *Engine) Subscribe(buf int) (<-chan Change, Unsubscribe) {
	return e.notifier.subscribe(buf)
}

// SetWindows retunes the dedup and cache windows on a running engine.
func (e *Engine) SetWindows(contentWindow, sweepAge, freshWindow, activeWindow time.Duration) {
	e.dedup.SetWindows(contentWindow, sweepAge)
	e.selector.SetThresholds(freshWindow, activeWindow)
}

func sortConversations(convs []models.Conversation) {
	slices.SortFunc(convs, func(a, b models.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})
}

// --- State helpers (loop only) ---

func (s *state) conversationList() []models.Conversation {
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Clone())
	}

	sortConversations(out)

	return out
}

// findTemp locates an own optimistic message by temp ID.
func (s *state) findTemp(tempID string) (string, int) {
	for cid, list := range s.messages {
		if i := slices.IndexFunc(list, func(m models.Message) bool { return m.TempID == tempID }); i >= 0 {
			return cid, i
		}
	}

	return "", -1
}

// isBlocked checks the live flag and the cached one.
func (s *state) isBlocked(conversationID string) (bool, string) {
	if c := s.conversations[conversationID]; c != nil && c.IsBlocked {
		return true, c.BlockedReason
	}

	reason, ok := s.blocked[conversationID]

	return ok, reason
}

func (e *Engine) persistMessages(s *state, conversationID string) {
	e.persister.saveMessages(conversationID, s.messages[conversationID])
}

func (e *Engine) persistConversations(s *state) {
	e.persister.saveConversations(s.conversationList())
}
