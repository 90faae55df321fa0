package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"CHATSYNC_API_URL",
		"CHATSYNC_WS_URL",
		"CHATSYNC_TOKEN",
		"CHATSYNC_USER_ID",
		"CHATSYNC_USER_NAME",
		"CHATSYNC_STORE",
		"CHATSYNC_STATE_PATH",
		"CHATSYNC_REDIS_URL",
		"CHATSYNC_TUNING_FILE",
		"CHATSYNC_POLL_INTERVAL",
		"CHATSYNC_STATS_INTERVAL",
		"ENVIRONMENT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setRequiredEnv sets the minimum env vars for Load.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHATSYNC_API_URL", "https://chat.example.com")
	t.Setenv("CHATSYNC_TOKEN", "secret")
	t.Setenv("CHATSYNC_USER_ID", "u1")
	t.Setenv("CHATSYNC_STATE_PATH", filepath.Join(t.TempDir(), "state.db"))
}

// --- Load ---

func TestLoad_Minimal(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com", cfg.APIURL)
	assert.Empty(t, cfg.WSURL)
	assert.Equal(t, "u1", cfg.UserID)
	assert.Equal(t, StoreBolt, cfg.Store)
	assert.True(t, filepath.IsAbs(cfg.StatePath))
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		want  string
	}{
		{"api url", "CHATSYNC_API_URL", "CHATSYNC_API_URL"},
		{"token", "CHATSYNC_TOKEN", "CHATSYNC_TOKEN"},
		{"user id", "CHATSYNC_USER_ID", "CHATSYNC_USER_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_RejectsBadURLs(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"api not http", "CHATSYNC_API_URL", "ftp://chat.example.com"},
		{"api relative", "CHATSYNC_API_URL", "/api"},
		{"ws not ws", "CHATSYNC_WS_URL", "https://chat.example.com/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_AcceptsWSURL(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("CHATSYNC_WS_URL", "wss://chat.example.com/ws")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws", cfg.WSURL)
}

func TestLoad_RejectsNonPositivePollInterval(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("CHATSYNC_POLL_INTERVAL", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATSYNC_POLL_INTERVAL")
}

func TestLoad_UnknownStore(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("CHATSYNC_STORE", "sqlite")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestLoad_RedisStore(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("CHATSYNC_STORE", "redis")
	t.Setenv("CHATSYNC_REDIS_URL", "redis://cache:6379/2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, "redis://cache:6379/2", cfg.RedisURL)
}

// --- Defaults ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.StatsInterval)
	assert.Equal(t, "localhost:6379", cfg.RedisURL)
	assert.Equal(t, "development", cfg.Environment)
}

func TestLoad_DefaultStatePath(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("CHATSYNC_STATE_PATH", "")

	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".chatsync", "u1.db"), cfg.StatePath)
}

func TestLoad_ResolvesRelativeStatePath(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("CHATSYNC_STATE_PATH", "relative/state.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.StatePath))
	assert.Equal(t, "state.db", filepath.Base(cfg.StatePath))
}

func TestLoad_MemoryStoreSkipsStatePath(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("CHATSYNC_STORE", "memory")
	t.Setenv("CHATSYNC_STATE_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.StatePath)
}

// --- LoadLocal ---

func TestLoadLocal_NeedsNoServer(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHATSYNC_USER_ID", "u1")
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadLocal()
	require.NoError(t, err)
	assert.Equal(t, StoreBolt, cfg.Store)
	assert.NotEmpty(t, cfg.StatePath)
}

func TestLoadLocal_RequiresUser(t *testing.T) {
	clearConfigEnv(t)

	_, err := LoadLocal()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATSYNC_USER_ID")
}

// --- IsProduction ---

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}
