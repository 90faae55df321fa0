package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreBolt   = "bolt"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Chat server endpoints. APIURL is required; without WSURL the engine
	// runs on polling alone.
	APIURL string `env:"CHATSYNC_API_URL"`
	WSURL  string `env:"CHATSYNC_WS_URL"`
	Token  string `env:"CHATSYNC_TOKEN"`

	// Identity of the signed-in user.
	UserID   string `env:"CHATSYNC_USER_ID"`
	UserName string `env:"CHATSYNC_USER_NAME"`

	// Local persistence: bolt, redis or memory.
	Store string `env:"CHATSYNC_STORE" envDefault:"bolt"`
	// Bolt file. Defaults to ~/.chatsync/<user id>.db.
	StatePath string `env:"CHATSYNC_STATE_PATH"`
	// redis:// URL or host:port.
	RedisURL string `env:"CHATSYNC_REDIS_URL" envDefault:"localhost:6379"`

	// Optional YAML file with window and retry tuning, reloaded on change.
	TuningFile string `env:"CHATSYNC_TUNING_FILE"`

	PollInterval  time.Duration `env:"CHATSYNC_POLL_INTERVAL" envDefault:"2s"`
	StatsInterval time.Duration `env:"CHATSYNC_STATS_INTERVAL" envDefault:"5m"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. It holds the API token.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.Store == StoreBolt {
		if cfg.StatePath == "" {
			path, err := DefaultStatePath(cfg.UserID)
			if err != nil {
				return nil, err
			}

			cfg.StatePath = path
		}

		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

// LoadLocal reads only what the offline subcommands need: the store
// selection and the user it belongs to.
func LoadLocal() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validateStore(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.Store == StoreBolt && cfg.StatePath == "" {
		path, err := DefaultStatePath(cfg.UserID)
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHATSYNC_API_URL is required")
	}

	if err := checkURL("CHATSYNC_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if c.WSURL != "" {
		if err := checkURL("CHATSYNC_WS_URL", c.WSURL, "ws", "wss"); err != nil {
			return err
		}
	}

	if c.Token == "" {
		return fmt.Errorf("CHATSYNC_TOKEN is required")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("CHATSYNC_POLL_INTERVAL must be positive")
	}

	if c.StatsInterval <= 0 {
		return fmt.Errorf("CHATSYNC_STATS_INTERVAL must be positive")
	}

	return c.validateStore()
}

func (c *Config) validateStore() error {
	if c.UserID == "" {
		return fmt.Errorf("CHATSYNC_USER_ID is required")
	}

	switch c.Store {
	case StoreBolt, StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("CHATSYNC_REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("CHATSYNC_STORE must be one of bolt, redis or memory, got %q", c.Store)
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be an absolute %s URL", name, schemes[0])
}

// DefaultStatePath returns ~/.chatsync/<userID>.db.
func DefaultStatePath(userID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatsync", userID+".db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
