package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/store"
)

// job is one store write. Jobs run strictly in submission order so a
// delete queued after a save always wins.
type job struct {
	what           string
	conversationID string
	run            func() error
	// fallback runs when run fails. Message saves use it to write the
	// emergency key.
	fallback func() error
	done     chan struct{}
}

// persister serializes store writes on one goroutine so the apply loop
// never waits on disk or network storage.
type persister struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	queue  []job
	wake   chan struct{}
	closed bool
}

func newPersister(st store.Store, logger *slog.Logger) *persister {
	return &persister{
		store:  st,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

func (p *persister) submit(j job) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		if j.done != nil {
			close(j.done)
		}

		return
	}

	p.queue = append(p.queue, j)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// saveMessages queues a replacement of the persisted list. On failure the
// same snapshot goes to the emergency key.
func (p *persister) saveMessages(conversationID string, msgs []models.Message) {
	snapshot := models.CloneMessages(msgs)

	p.submit(job{
		what:           "save messages",
		conversationID: conversationID,
		run:            func() error { return p.store.Save(conversationID, snapshot) },
		fallback:       func() error { return p.store.SaveEmergency(conversationID, snapshot) },
	})
}

func (p *persister) saveConversations(convs []models.Conversation) {
	p.submit(job{
		what: "save conversations",
		run:  func() error { return p.store.SaveConversations(convs) },
	})
}

func (p *persister) do(what, conversationID string, fn func() error) {
	p.submit(job{what: what, conversationID: conversationID, run: fn})
}

// flush waits until every job submitted before it has run.
func (p *persister) flush(ctx context.Context) error {
	done := make(chan struct{})
	p.submit(job{what: "flush", run: func() error { return nil }, done: done})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drains the queue until ctx ends, then writes whatever is left.
func (p *persister) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.closed = true
			p.mu.Unlock()

			p.drain()

			return nil
		case <-p.wake:
			p.drain()
		}
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}

		j := p.queue[0]
		p.queue[0] = job{}
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.exec(j)
	}
}

func (p *persister) exec(j job) {
	if j.done != nil {
		defer close(j.done)
	}

	err := j.run()
	if err == nil {
		return
	}

	p.logger.Warn("store write failed",
		slog.String("op", j.what),
		slog.String("conversation", j.conversationID),
		slog.String("error", err.Error()),
	)

	if j.fallback == nil {
		return
	}

	if ferr := j.fallback(); ferr != nil {
		p.logger.Error("emergency backup failed, changes are in memory only",
			slog.String("conversation", j.conversationID),
			slog.String("error", ferr.Error()),
		)

		return
	}

	p.logger.Info("wrote emergency backup", slog.String("conversation", j.conversationID))
}
