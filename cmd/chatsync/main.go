package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alexjbarnes/chatsync/internal/cache"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/dedup"
	"github.com/alexjbarnes/chatsync/internal/engine"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/store"
	"github.com/alexjbarnes/chatsync/internal/transport/poll"
	"github.com/alexjbarnes/chatsync/internal/transport/push"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const usage = `usage: chatsync [command]

Without a command chatsync runs the sync daemon.

commands:
  stats   print what the local store holds
  clear   wipe cached conversations and messages
`

func main() {
	var err error

	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "":
		err = run()
	case "stats":
		err = printStats()
	case "clear":
		err = clearStore()
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("user", cfg.UserID),
		slog.String("store", cfg.Store),
		slog.Bool("push", cfg.WSURL != ""),
	)

	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var running atomic.Pointer[engine.Engine]

	breaker := poll.BreakerOptions{
		OnStateChange: func(_, _ poll.BreakerState) {
			if eng := running.Load(); eng != nil {
				eng.RefreshConnection()
			}
		},
	}
	tuning.ApplyBreaker(&breaker)

	pollClient := poll.NewClient(poll.Config{
		BaseURL: cfg.APIURL,
		Token:   cfg.Token,
		Breaker: breaker,
	}, logger)

	opts := defaultOptions()
	opts.Store = st
	opts.User = models.User{ID: cfg.UserID, Name: cfg.UserName}
	opts.Poll = pollClient
	opts.Uploader = pollClient
	opts.PollInterval = cfg.PollInterval
	opts.Logger = logger

	if cfg.WSURL != "" {
		opts.Push = push.NewClient(push.Config{URL: cfg.WSURL, Token: cfg.Token}, logger)
	}

	tuning.Apply(&opts)

	eng, err := engine.New(opts)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Close()

	running.Store(eng)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logStats(gctx, eng, cfg.StatsInterval, logger)
		return nil
	})

	g.Go(func() error {
		return watchChanges(gctx, eng, logger)
	})

	if cfg.TuningFile != "" {
		g.Go(func() error {
			err := config.WatchTuning(gctx, cfg.TuningFile, logger, func(t config.Tuning) {
				o := defaultOptions()
				t.Apply(&o)
				eng.SetWindows(o.Dedup.ContentWindow, o.Dedup.SweepAge, o.Cache.FreshWindow, o.Cache.ActiveWindow)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	err = g.Wait()

	logger.Info("shutting down")

	if closeErr := eng.Close(); closeErr != nil {
		logger.Warn("engine close", slog.String("error", closeErr.Error()))
	}

	return err
}

// defaultOptions fills the windows a tuning reload may reset to.
func defaultOptions() engine.Options {
	return engine.Options{
		Dedup: dedup.Options{
			ContentWindow: dedup.DefaultContentWindow,
			SweepAge:      dedup.DefaultSweepAge,
		},
		Cache: cache.Options{
			FreshWindow:  cache.DefaultFreshWindow,
			ActiveWindow: cache.DefaultActiveWindow,
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		rdb, err := store.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}

		st, err := store.NewRedis(ctx, rdb, cfg.UserID)
		if err != nil {
			rdb.Close()
			return nil, err
		}

		return st, nil
	case config.StoreMemory:
		return store.NewMemory(), nil
	default:
		st, err := store.OpenBolt(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("opening state: %w", err)
		}

		return st, nil
	}
}

// watchChanges logs connection mode transitions until ctx ends.
func watchChanges(ctx context.Context, eng *engine.Engine, logger *slog.Logger) error {
	changes, unsubscribe := eng.Subscribe(32)
	defer unsubscribe()

	mode := eng.ConnectionState().Mode

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-changes:
			if !ok {
				return nil
			}

			if ch.Kind != engine.ChangeConnection {
				continue
			}

			cs := eng.ConnectionState()
			if cs.Mode != mode {
				logger.Info("connection mode changed",
					slog.String("from", string(mode)),
					slog.String("to", string(cs.Mode)),
				)
				mode = cs.Mode
			}
		}
	}
}

func logStats(ctx context.Context, eng *engine.Engine, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attrs := []any{
				slog.Int("conversations", len(eng.Conversations())),
				slog.Int("pending_retries", eng.PendingRetries()),
				slog.Int("failed", len(eng.PermanentlyFailed())),
			}

			ds := eng.DedupStats()
			attrs = append(attrs,
				slog.Int("dedup_ids", ds.IDs),
				slog.Int("dedup_temp_ids", ds.TempIDs),
				slog.Int("dedup_content", ds.ContentEntries),
			)

			if ss, err := eng.StorageStats(); err == nil {
				attrs = append(attrs,
					slog.Int("cached_messages", ss.Messages),
					slog.Int64("cached_bytes", ss.Bytes),
				)
			}

			logger.Info("sync stats", attrs...)
		}
	}
}

func printStats() error {
	cfg, err := config.LoadLocal()
	if err != nil {
		return err
	}

	st, err := openStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}

	blocked, err := st.BlockedConversations()
	if err != nil {
		return fmt.Errorf("reading block flags: %w", err)
	}

	out := struct {
		store.Stats
		Blocked int `json:"blocked"`
	}{stats, len(blocked)}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func clearStore() error {
	cfg, err := config.LoadLocal()
	if err != nil {
		return err
	}

	st, err := openStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Clear(); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}

	fmt.Fprintln(os.Stderr, "local cache cleared")

	return nil
}
