package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chatsync/internal/engine"
	"github.com/alexjbarnes/chatsync/internal/transport/poll"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// tuningDebounce batches the bursts of events editors produce on save.
const tuningDebounce = 250 * time.Millisecond

// Tuning is the optional YAML file of engine windows. Zero values keep
// the built-in defaults.
type Tuning struct {
	Dedup struct {
		ContentWindow time.Duration `yaml:"contentWindow"`
		SweepAge      time.Duration `yaml:"sweepAge"`
	} `yaml:"dedup"`

	Cache struct {
		FreshWindow  time.Duration `yaml:"freshWindow"`
		ActiveWindow time.Duration `yaml:"activeWindow"`
		TTL          time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Retry struct {
		Schedule []time.Duration `yaml:"schedule"`
		Interval time.Duration   `yaml:"interval"`
	} `yaml:"retry"`

	Supervisor struct {
		BaseDelay         time.Duration `yaml:"baseDelay"`
		MaxDelay          time.Duration `yaml:"maxDelay"`
		MaxAttempts       int           `yaml:"maxAttempts"`
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	} `yaml:"supervisor"`

	Breaker struct {
		MaxFailures   int           `yaml:"maxFailures"`
		OpenTimeout   time.Duration `yaml:"openTimeout"`
		HalfOpenCalls int           `yaml:"halfOpenCalls"`
	} `yaml:"breaker"`
}

// LoadTuning reads and validates a tuning file. An empty path yields the
// zero Tuning.
func LoadTuning(path string) (Tuning, error) {
	var t Tuning

	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("reading tuning file: %w", err)
	}

	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("parsing tuning file %s: %w", path, err)
	}

	if err := t.validate(); err != nil {
		return Tuning{}, fmt.Errorf("tuning file %s: %w", path, err)
	}

	return t, nil
}

func (t Tuning) validate() error {
	durations := map[string]time.Duration{
		"dedup.contentWindow":          t.Dedup.ContentWindow,
		"dedup.sweepAge":               t.Dedup.SweepAge,
		"cache.freshWindow":            t.Cache.FreshWindow,
		"cache.activeWindow":           t.Cache.ActiveWindow,
		"cache.ttl":                    t.Cache.TTL,
		"retry.interval":               t.Retry.Interval,
		"supervisor.baseDelay":         t.Supervisor.BaseDelay,
		"supervisor.maxDelay":          t.Supervisor.MaxDelay,
		"supervisor.heartbeatInterval": t.Supervisor.HeartbeatInterval,
		"supervisor.heartbeatTimeout":  t.Supervisor.HeartbeatTimeout,
		"breaker.openTimeout":          t.Breaker.OpenTimeout,
	}

	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	for i, d := range t.Retry.Schedule {
		if d <= 0 {
			return fmt.Errorf("retry.schedule[%d] must be positive", i)
		}
	}

	if t.Supervisor.MaxAttempts < 0 || t.Breaker.MaxFailures < 0 || t.Breaker.HalfOpenCalls < 0 {
		return errors.New("counts must not be negative")
	}

	if t.Cache.FreshWindow > 0 && t.Cache.ActiveWindow > 0 && t.Cache.FreshWindow > t.Cache.ActiveWindow {
		return errors.New("cache.freshWindow must not exceed cache.activeWindow")
	}

	return nil
}

// Apply copies the non-zero values into engine options.
func (t Tuning) Apply(opts *engine.Options) {
	opts.Dedup.ContentWindow = pick(t.Dedup.ContentWindow, opts.Dedup.ContentWindow)
	opts.Dedup.SweepAge = pick(t.Dedup.SweepAge, opts.Dedup.SweepAge)
	opts.Cache.FreshWindow = pick(t.Cache.FreshWindow, opts.Cache.FreshWindow)
	opts.Cache.ActiveWindow = pick(t.Cache.ActiveWindow, opts.Cache.ActiveWindow)
	opts.CacheTTL = pick(t.Cache.TTL, opts.CacheTTL)
	opts.RetryInterval = pick(t.Retry.Interval, opts.RetryInterval)

	if len(t.Retry.Schedule) > 0 {
		opts.RetrySchedule = t.Retry.Schedule
	}

	opts.Supervisor.BaseDelay = pick(t.Supervisor.BaseDelay, opts.Supervisor.BaseDelay)
	opts.Supervisor.MaxDelay = pick(t.Supervisor.MaxDelay, opts.Supervisor.MaxDelay)
	opts.Supervisor.MaxAttempts = pick(t.Supervisor.MaxAttempts, opts.Supervisor.MaxAttempts)
	opts.Supervisor.HeartbeatInterval = pick(t.Supervisor.HeartbeatInterval, opts.Supervisor.HeartbeatInterval)
	opts.Supervisor.HeartbeatTimeout = pick(t.Supervisor.HeartbeatTimeout, opts.Supervisor.HeartbeatTimeout)
}

// ApplyBreaker copies the non-zero breaker values.
func (t Tuning) ApplyBreaker(opts *poll.BreakerOptions) {
	opts.MaxFailures = pick(t.Breaker.MaxFailures, opts.MaxFailures)
	opts.OpenTimeout = pick(t.Breaker.OpenTimeout, opts.OpenTimeout)
	opts.HalfOpenCalls = pick(t.Breaker.HalfOpenCalls, opts.HalfOpenCalls)
}

func pick[T time.Duration | int](v, fallback T) T {
	if v > 0 {
		return v
	}

	return fallback
}

// WatchTuning reloads the tuning file whenever it changes and hands each
// valid version to onChange. An invalid file is logged and skipped. It
// blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file so editors that
// save by rename keep being picked up.
func WatchTuning(ctx context.Context, path string, logger *slog.Logger, onChange func(Tuning)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching tuning dir: %w", err)
	}

	logger.Info("tuning watcher started", slog.String("file", path))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()

	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				debounce.Reset(tuningDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-debounce.C:
			t, err := LoadTuning(path)
			if err != nil {
				logger.Warn("ignoring tuning change", slog.String("error", err.Error()))
				continue
			}

			logger.Info("tuning reloaded", slog.String("file", path))
			onChange(t)
		}
	}
}
