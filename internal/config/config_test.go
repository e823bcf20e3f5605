package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultNeedsOnlySecret(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "default config has no JWT secret")

	cfg.JWT.Secret = "s3cret"
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"LISTEN_ADDR":           ":9000",
		"REDIS_DB":              "4",
		"NATS_URL":              "",
		"JWT_SECRET":            "abc",
		"HEARTBEAT_INTERVAL":    "15s",
		"PRESENCE_GRACE_FACTOR": "4",
		"PRESENCE_TIMEZONE":     "Asia/Bangkok",
		"EMBEDDED_NOTIFIER":     "true",
		"FRAME_RATE":            "2.5",
		"MODERATION_BLOCK_SPAM": "1",
		"SEND_QUEUE_SIZE":       "64",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, 4, cfg.Redis.DB)
	assert.Empty(t, cfg.NATS.URL, "explicit empty NATS_URL selects the local bus")
	assert.Equal(t, "abc", cfg.JWT.Secret)
	assert.Equal(t, 15*time.Second, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Presence.GraceFactor)
	assert.True(t, cfg.Presence.EmbeddedNotifier)
	assert.InDelta(t, 2.5, cfg.RateLimit.FrameRate, 1e-9)
	assert.True(t, cfg.Chat.BlockSpam)
	assert.Equal(t, 64, cfg.Server.SendQueueSize)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Bangkok", loc.String())
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"REDIS_DB":           "four",
		"HEARTBEAT_INTERVAL": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_DB")
	assert.Contains(t, err.Error(), "HEARTBEAT_INTERVAL")
	assert.Equal(t, 0, cfg.Redis.DB, "bad value keeps the previous setting")
}

func TestValidateRejectsNonPositive(t *testing.T) {
	cfg := Default()
	cfg.JWT.Secret = "x"
	cfg.Presence.HeartbeatInterval = 0
	cfg.Presence.GraceFactor = 0
	cfg.Presence.Timezone = "Mars/Olympus_Mons"
	cfg.Server.SendQueueSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SEND_QUEUE_SIZE")
	assert.Contains(t, err.Error(), "HEARTBEAT_INTERVAL")
	assert.Contains(t, err.Error(), "PRESENCE_GRACE_FACTOR")
	assert.Contains(t, err.Error(), "PRESENCE_TIMEZONE")
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "livechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listenAddr: ":7000"
jwt:
  secret: from-file
presence:
  heartbeatInterval: 20s
  graceFactor: 2
chat:
  memberCacheTTL: 1m
  blockedTerms: [spoiler, "the ending"]
`), 0o600))

	cfg := Default()
	require.NoError(t, cfg.loadFile(path))
	require.NoError(t, cfg.applyEnv(envMap(map[string]string{"LISTEN_ADDR": ":7001"})))

	assert.Equal(t, ":7001", cfg.Server.ListenAddr, "environment wins over file")
	assert.Equal(t, "from-file", cfg.JWT.Secret)
	assert.Equal(t, 20*time.Second, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 2, cfg.Presence.GraceFactor)
	assert.Equal(t, time.Minute, cfg.Chat.MemberCacheTTL)
	assert.Equal(t, []string{"spoiler", "the ending"}, cfg.Chat.BlockedTerms)
	assert.True(t, cfg.Chat.Moderation)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr, "untouched fields keep defaults")
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.loadFile(filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestLoad(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.JWT.Secret)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}
