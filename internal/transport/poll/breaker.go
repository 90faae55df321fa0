package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	errs "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/logging"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultMaxFailures   = 5
	defaultOpenTimeout   = 30 * time.Second
	defaultHalfOpenCalls = 3
)

// BreakerOptions tunes a Breaker. Zero values take the defaults.
type BreakerOptions struct {
	MaxFailures   int
	OpenTimeout   time.Duration
	HalfOpenCalls int
	Now           func() time.Time
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(from, to BreakerState)
}

// Breaker suspends calls to a failing endpoint. Only transient errors
// count as failures: a 4xx answer proves the server is reachable.
type Breaker struct {
	name          string
	maxFailures   int
	openTimeout   time.Duration
	halfOpenCalls int
	now           func() time.Time
	onChange      func(from, to BreakerState)
	logger        *slog.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	inFlight    int
	successes   int
	requests    int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, opts BreakerOptions, logger *slog.Logger) *Breaker {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = defaultMaxFailures
	}

	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}

	if opts.HalfOpenCalls <= 0 {
		opts.HalfOpenCalls = defaultHalfOpenCalls
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Breaker{
		name:          name,
		maxFailures:   opts.MaxFailures,
		openTimeout:   opts.OpenTimeout,
		halfOpenCalls: opts.HalfOpenCalls,
		now:           opts.Now,
		onChange:      opts.OnStateChange,
		logger:        logging.Component(logger, "breaker"),
	}
}

// Execute runs fn if the breaker allows it.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := fn(ctx)

	b.record(err)

	return err
}

// State returns the current state, moving open to half-open once the
// open timeout has passed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	from, to := b.advanceLocked()
	s := b.state
	b.mu.Unlock()

	b.notify(from, to)

	return s
}

// Viable reports whether calls are currently allowed through.
func (b *Breaker) Viable() bool {
	return b.State() != StateOpen
}

// BreakerStats is a snapshot of breaker counters.
type BreakerStats struct {
	Name        string
	State       BreakerState
	Failures    int
	Requests    int
	Successes   int
	LastFailure time.Time
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStats{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		Requests:    b.requests,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
	}
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	from, to := b.advanceLocked()

	var err error

	switch b.state {
	case StateOpen:
		err = fmt.Errorf("%s: %w", b.name, errs.ErrCircuitOpen)
	case StateHalfOpen:
		if b.inFlight >= b.halfOpenCalls {
			err = fmt.Errorf("%s: %w (half-open probes exhausted)", b.name, errs.ErrCircuitOpen)
		} else {
			b.inFlight++
		}
	}

	if err == nil {
		b.requests++
	}
	b.mu.Unlock()

	b.notify(from, to)

	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state

	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}

	if err != nil && IsTransient(err) {
		b.failures++
		b.lastFailure = b.now()

		switch b.state {
		case StateClosed:
			if b.failures >= b.maxFailures {
				b.tripLocked()
			}
		case StateHalfOpen:
			b.tripLocked()
		}
	} else {
		b.successes++

		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			if b.successes >= b.halfOpenCalls {
				b.resetLocked()
			}
		}
	}

	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// advanceLocked moves open to half-open after the timeout. It returns
// the transition, or equal states when nothing changed.
func (b *Breaker) advanceLocked() (BreakerState, BreakerState) {
	from := b.state

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.state = StateHalfOpen
		b.inFlight = 0
		b.successes = 0
	}

	return from, b.state
}

func (b *Breaker) tripLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.inFlight = 0
}

func (b *Breaker) resetLocked() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
}

func (b *Breaker) notify(from, to BreakerState) {
	if from == to {
		return
	}

	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}

	b.logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("breaker", b.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)

	if b.onChange != nil {
		b.onChange(from, to)
	}
}
