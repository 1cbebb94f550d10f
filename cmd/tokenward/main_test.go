package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/config"
	"github.com/djlord-it/tokenward/internal/queue"
	"github.com/djlord-it/tokenward/internal/store/postgres"
	"github.com/djlord-it/tokenward/internal/token"
)

const testManifest = `
templates:
  - id: digest
    subject: Daily digest
    body: Nothing new.
triggers:
  - id: digest-u1
    cron: "0 8 * * *"
    template: digest
    recipient: u1@example.com
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://tokenward:pw@localhost:5432/tokenward?sslmode=disable")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags("serve", nil)
	require.NoError(t, err)
	assert.Equal(t, ".env", opts.envFile)
	assert.Empty(t, opts.manifest)

	opts, err = parseFlags("serve", []string{"--env-file", "prod.env", "-m", "triggers.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "prod.env", opts.envFile)
	assert.Equal(t, "triggers.yaml", opts.manifest)

	_, err = parseFlags("serve", []string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)

	_, err = parseFlags("serve", []string{"--unknown"})
	assert.Error(t, err)

	_, err = parseFlags("validate", []string{"extra"})
	assert.EqualError(t, err, "unexpected arguments: [extra]")
}

func TestLoadConfig_ManifestFlagOverridesEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MANIFEST_PATH", "/etc/tokenward/env.yaml")
	missing := filepath.Join(t.TempDir(), "missing.env")

	cfg, err := loadConfig(options{envFile: missing})
	require.NoError(t, err)
	assert.Equal(t, "/etc/tokenward/env.yaml", cfg.ManifestPath)

	cfg, err = loadConfig(options{envFile: missing, manifest: "flag.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "flag.yaml", cfg.ManifestPath)
}

func TestLoadManifest(t *testing.T) {
	m, err := loadManifest("")
	require.NoError(t, err)
	assert.Empty(t, m.Triggers)

	m, err = loadManifest(writeFile(t, "ok.yaml", testManifest))
	require.NoError(t, err)
	assert.Len(t, m.Triggers, 1)

	_, err = loadManifest(writeFile(t, "bad.yaml", "triggers:\n  - id: x\n    template: nope\n"))
	assert.Error(t, err)

	_, err = loadManifest(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRunValidate_ExitCodes(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.env")

	t.Run("valid", func(t *testing.T) {
		setRequiredEnv(t)
		assert.Equal(t, exitSuccess, runValidate(options{envFile: missing, manifest: writeFile(t, "m.yaml", testManifest)}))
	})

	t.Run("short secret", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("JWT_SECRET", "short")
		assert.Equal(t, exitInvalidConfig, runValidate(options{envFile: missing}))
	})

	t.Run("invalid manifest", func(t *testing.T) {
		setRequiredEnv(t)
		bad := writeFile(t, "m.yaml", "triggers:\n  - id: x\n    interval: -1s\n")
		assert.Equal(t, exitInvalidConfig, runValidate(options{envFile: missing, manifest: bad}))
	})
}

func TestRunConfig(t *testing.T) {
	setRequiredEnv(t)
	assert.Equal(t, exitSuccess, runConfig(options{envFile: filepath.Join(t.TempDir(), "missing.env")}))
}

func TestNewMailTransport(t *testing.T) {
	cfg := config.Config{
		ServiceName:   "tokenward",
		SMTPHost:      "smtp.example.com",
		SMTPPort:      587,
		MailFrom:      "noreply@example.com",
		RelayURL:      "https://relay.example.com/send",
		RelaySecret:   "relay-secret",
		RelayAudience: "mail-relay",
	}
	tcfg := token.DefaultConfig()
	tcfg.Secret = []byte("0123456789abcdef0123456789abcdef")
	authority := token.New(tcfg, nil, clock.Real(), zap.NewNop())

	for _, name := range []string{"smtp", "relay", "log"} {
		cfg.MailTransport = name
		assert.Equal(t, name, newMailTransport(cfg, authority, clock.Real(), zap.NewNop()).Name())
	}
}

func TestNewDeadLetterSink(t *testing.T) {
	store := postgres.New(nil)
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:1"})
	defer rdb.Close()

	sink := newDeadLetterSink(config.Config{DeadLetterBackend: "postgres"}, store, rdb)
	assert.Same(t, store, sink)

	sink = newDeadLetterSink(config.Config{DeadLetterBackend: "redis"}, store, rdb)
	assert.IsType(t, &queue.RedisStreamSink{}, sink)
}
