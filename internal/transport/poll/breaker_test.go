package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	errs "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errFlaky = &TransientError{Err: errors.New("503")}

func fail(context.Context) error    { return errFlaky }
func succeed(context.Context) error { return nil }

func tripped(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for range n {
		_ = b.Execute(context.Background(), fail)
	}
}

// --- Breaker ---

func TestBreaker_TripsAfterMaxTransientFailures(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("api", BreakerOptions{MaxFailures: 3, Now: clock.Now}, nil)

	tripped(t, b, 2)
	assert.Equal(t, StateClosed, b.State())

	tripped(t, b, 1)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Viable())

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, errs.ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_PermanentErrorsDoNotCount(t *testing.T) {
	b := NewBreaker("api", BreakerOptions{MaxFailures: 2}, nil)

	for range 5 {
		err := b.Execute(context.Background(), func(context.Context) error {
			return errs.ErrConversationNotFound
		})
		assert.ErrorIs(t, err, errs.ErrConversationNotFound)
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("api", BreakerOptions{MaxFailures: 3}, nil)

	tripped(t, b, 2)
	require.NoError(t, b.Execute(context.Background(), succeed))
	tripped(t, b, 2)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenClosesAfterProbes(t *testing.T) {
	clock := newFakeClock()

	var transitions []string
	b := NewBreaker("api", BreakerOptions{
		MaxFailures:   1,
		OpenTimeout:   time.Second,
		HalfOpenCalls: 2,
		Now:           clock.Now,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	}, nil)

	tripped(t, b, 1)
	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.Viable())

	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("api", BreakerOptions{MaxFailures: 1, OpenTimeout: time.Second, Now: clock.Now}, nil)

	tripped(t, b, 1)
	clock.Advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	tripped(t, b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("api", BreakerOptions{MaxFailures: 1, OpenTimeout: time.Second, HalfOpenCalls: 1, Now: clock.Now}, nil)

	tripped(t, b, 1)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	err := b.Execute(context.Background(), succeed)
	assert.ErrorIs(t, err, errs.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Stats(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("api", BreakerOptions{Now: clock.Now}, nil)

	require.NoError(t, b.Execute(context.Background(), succeed))
	tripped(t, b, 1)

	s := b.Stats()
	assert.Equal(t, "api", s.Name)
	assert.Equal(t, 2, s.Requests)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, clock.Now(), s.LastFailure)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
