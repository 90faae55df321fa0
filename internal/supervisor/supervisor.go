// Package supervisor keeps the push channel alive. It reconnects with
// exponential backoff, detects silently dead sockets through a heartbeat
// timeout and derives the connection mode from push and poll health.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/models"
)

const (
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxAttempts       = 10
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second

	// maxBackoffShift caps the exponent so the shift cannot overflow
	// time.Duration before the min() applies.
	maxBackoffShift = 30
)

// Dialer is the push connection under supervision.
type Dialer interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Ping(ctx context.Context) error
}

// Health reports whether the poll channel can currently be used.
type Health interface {
	Viable() bool
}

// Options tunes a Supervisor. Zero values take the defaults.
type Options struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// OnChange is called from the supervisor goroutine whenever the
	// mode or either transport's health changes.
	OnChange func(models.ConnectionState)
}

// Supervisor owns the reconnect loop for one push connection.
type Supervisor struct {
	dialer Dialer
	poll   Health
	opts   Options
	logger *slog.Logger

	lost    chan struct{}
	acks    chan struct{}
	refresh chan struct{}

	mu    sync.Mutex
	state models.ConnectionState
}

// New creates a Supervisor. poll may be nil when there is no poll channel.
func New(dialer Dialer, poll Health, opts Options, logger *slog.Logger) *Supervisor {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}

	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	s := &Supervisor{
		dialer:  dialer,
		poll:    poll,
		opts:    opts,
		logger:  logging.Component(logger, "supervisor"),
		lost:    make(chan struct{}, 1),
		acks:    make(chan struct{}, 1),
		refresh: make(chan struct{}, 1),
	}
	pollUp := s.pollViable()
	s.state = models.ConnectionState{Mode: DeriveMode(false, pollUp), PollViable: pollUp}

	return s
}

// Delay returns the wait before reconnect attempt n (zero based):
// min(base * 2^n, max).
func Delay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	if attempt > maxBackoffShift {
		return maxDelay
	}

	return min(base<<attempt, maxDelay)
}

// DeriveMode maps transport health onto a connection mode.
func DeriveMode(pushUp, pollUp bool) models.ConnectionMode {
	switch {
	case pushUp && pollUp:
		return models.ModeHybrid
	case pushUp:
		return models.ModePush
	default:
		return models.ModePoll
	}
}

// NotifyDisconnected reports that the transport dropped the connection.
func (s *Supervisor) NotifyDisconnected() {
	signal(s.lost)
}

// Ack records a heartbeat acknowledgment.
func (s *Supervisor) Ack() {
	signal(s.acks)
}

// Refresh asks the supervisor to re-derive the mode, e.g. after the poll
// breaker changed state.
func (s *Supervisor) Refresh() {
	signal(s.refresh)
}

// State returns the current connection snapshot.
func (s *Supervisor) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Mode returns the current connection mode.
func (s *Supervisor) Mode() models.ConnectionMode {
	return s.State().Mode
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// Run supervises the connection until ctx is cancelled. It always
// returns ctx.Err() after closing the connection.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		if err := s.dialer.Close(); err != nil {
			s.logger.Debug("closing push connection", slog.String("error", err.Error()))
		}

		s.update(func(st *models.ConnectionState) { st.PushConnected = false })
	}()

	for {
		if !s.connectEpisode(ctx) {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.logger.Warn("reconnect attempts exhausted, staying on poll",
				slog.Int("attempts", s.opts.MaxAttempts),
				slog.Duration("next_episode", s.opts.MaxDelay),
			)

			if !s.wait(ctx, s.opts.MaxDelay) {
				return ctx.Err()
			}

			continue
		}

		reason := s.watch(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("push connection lost, reconnecting", slog.String("reason", reason))
	}
}

// connectEpisode dials until success or MaxAttempts failures.
func (s *Supervisor) connectEpisode(ctx context.Context) bool {
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		drain(s.lost)

		err := s.dialer.Connect(ctx)
		if err == nil {
			now := time.Now()
			s.update(func(st *models.ConnectionState) {
				st.PushConnected = true
				st.ReconnectAttempts = 0
				st.LastHeartbeat = now
			})

			if attempt > 0 {
				s.logger.Info("reconnected", slog.Int("attempts", attempt))
			}

			return true
		}

		if ctx.Err() != nil {
			return false
		}

		delay := Delay(attempt, s.opts.BaseDelay, s.opts.MaxDelay)

		s.logger.Warn("push connect failed",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
		)

		s.update(func(st *models.ConnectionState) {
			st.PushConnected = false
			st.ReconnectAttempts = attempt + 1
		})

		if attempt+1 == s.opts.MaxAttempts {
			break
		}

		if !s.wait(ctx, delay) {
			return false
		}
	}

	return false
}

// watch runs the heartbeat while connected and returns why the
// connection is considered lost.
func (s *Supervisor) watch(ctx context.Context) string {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	drain(s.acks)

	lastAck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"

		case <-s.lost:
			s.update(func(st *models.ConnectionState) { st.PushConnected = false })
			return "transport disconnected"

		case <-s.acks:
			lastAck = time.Now()
			s.update(func(st *models.ConnectionState) { st.LastHeartbeat = lastAck })

		case <-s.refresh:
			s.update(func(*models.ConnectionState) {})

		case <-ticker.C:
			if time.Since(lastAck) >= s.opts.HeartbeatTimeout {
				s.update(func(st *models.ConnectionState) { st.PushConnected = false })
				return "heartbeat timeout"
			}

			if !s.dialer.Connected() {
				s.update(func(st *models.ConnectionState) { st.PushConnected = false })
				return "transport not connected"
			}

			if err := s.dialer.Ping(ctx); err != nil {
				s.update(func(st *models.ConnectionState) { st.PushConnected = false })
				return "ping failed: " + err.Error()
			}

			s.update(func(*models.ConnectionState) {})
		}
	}
}

// wait sleeps for d, re-deriving the mode on refresh requests. It
// returns false if ctx ends first.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.refresh:
			s.update(func(*models.ConnectionState) {})
		case <-timer.C:
			return true
		}
	}
}

// update applies fn, re-derives the mode and reports meaningful changes.
func (s *Supervisor) update(fn func(*models.ConnectionState)) {
	pollUp := s.pollViable()

	s.mu.Lock()
	prev := s.state
	fn(&s.state)
	s.state.PollViable = pollUp
	s.state.Mode = DeriveMode(s.state.PushConnected, pollUp)
	next := s.state
	s.mu.Unlock()

	changed := prev.Mode != next.Mode ||
		prev.PushConnected != next.PushConnected ||
		prev.PollViable != next.PollViable ||
		prev.ReconnectAttempts != next.ReconnectAttempts

	if !changed {
		return
	}

	if prev.Mode != next.Mode {
		s.logger.Info("connection mode changed",
			slog.String("from", string(prev.Mode)),
			slog.String("to", string(next.Mode)),
		)
	}

	if s.opts.OnChange != nil {
		s.opts.OnChange(next)
	}
}

func (s *Supervisor) pollViable() bool {
	return s.poll != nil && s.poll.Viable()
}
