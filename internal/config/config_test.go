package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SOCKETHUB_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, "sockethub", cfg.NATSName)
	assert.Equal(t, "sockethub", cfg.BusPrefix)
	assert.Equal(t, "sockethub.db", cfg.DBPath)
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
	assert.Equal(t, 20*time.Second, cfg.PingTimeout)
	assert.Equal(t, int64(1000000), cfg.MaxPayload)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 5.0, cfg.JoinRate)
	assert.Equal(t, 10, cfg.JoinBurst)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SOCKETHUB_JWT_SECRET", "secret")
	t.Setenv("SOCKETHUB_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("SOCKETHUB_NATS_URL", "nats://nats:4222")
	t.Setenv("SOCKETHUB_REQUEST_TIMEOUT", "500ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "nats://nats:4222", cfg.NATSURL)
	assert.Equal(t, 500*time.Millisecond, cfg.RequestTimeout)
}

func TestLoadRequiresSecret(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("SOCKETHUB_JWT_SECRET", "secret")
	t.Setenv("SOCKETHUB_PING_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{
		JWTSecret:         "secret",
		JoinRate:          1,
		JoinBurst:         1,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  3 * time.Second,
		LogLevel:          "debug",
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.HeartbeatTimeout = time.Second
	assert.Error(t, bad.Validate())

	bad = base
	bad.LogLevel = "loud"
	assert.Error(t, bad.Validate())

	bad = base
	bad.JoinBurst = 0
	assert.Error(t, bad.Validate())
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
