package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Len(t, cfg.Databases, 1)
	assert.Equal(t, "main", cfg.Databases[0].Identifier)
	assert.Equal(t, "eventstore.db", cfg.Databases[0].Path)
	assert.Equal(t, "guid", cfg.Databases[0].StreamIdentity)
	assert.Equal(t, 500, cfg.Daemon.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Daemon.StaleThreshold)
	assert.Equal(t, 30*time.Second, cfg.Daemon.ShutdownTimeout)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "127.0.0.1:7420", cfg.Admin.Addr)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRate)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("EVENTDAEMON_DAEMON_BATCH_SIZE", "50")
	t.Setenv("EVENTDAEMON_NATS_URL", "nats://nats.internal:4222")

	path := writeFile(t, "eventdaemon.yaml", `
log:
  level: debug
  format: json
databases:
  - identifier: tenant-a
    path: /var/lib/eventdaemon/a.db
    wal: true
  - identifier: tenant-b
    path: /var/lib/eventdaemon/b.db
    stream_identity: string
daemon:
  poll_interval: 250ms
  skip_apply_errors: true
nats:
  enabled: true
  credentials:
    env_prefix: EVENTDAEMON_NATS
admin:
  addr: ":9000"
  tokens:
    - name: ops
      hash: "$2a$12$abcdefghijklmnopqrstuv"
      read_only: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Daemon.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Daemon.PollInterval)
	assert.True(t, cfg.Daemon.SkipApplyErrors)
	assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
	assert.Equal(t, "EVENTDAEMON_NATS", cfg.NATS.Credentials.EnvPrefix)

	require.Len(t, cfg.Databases, 2)
	assert.Equal(t, "tenant-b", cfg.Databases[1].Identifier)
	assert.Equal(t, "string", cfg.Databases[1].StreamIdentity)
	assert.Equal(t, 5*time.Second, cfg.Databases[1].BusyTimeout)

	require.Len(t, cfg.Admin.Tokens, 1)
	assert.True(t, cfg.Admin.Tokens[0].ReadOnly)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "eventdaemon.toml", `
[log]
level = "warn"

[daemon]
high_water_window = 250

[archive]
bucket_url = "file:///var/lib/eventdaemon/archive"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 250, cfg.Daemon.HighWaterWindow)
	assert.Equal(t, "file:///var/lib/eventdaemon/archive", cfg.Archive.BucketURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"identifier", func(c *Config) { c.Databases[0].Identifier = "tenant.a" }, "identifier"},
		{"duplicate database", func(c *Config) { c.Databases = append(c.Databases, c.Databases[0]) }, "duplicated"},
		{"batch size", func(c *Config) { c.Daemon.BatchSize = 0 }, "batch_size"},
		{"shutdown timeout", func(c *Config) { c.Daemon.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"nats url", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.URL = "not a url"
		}, "nats.url"},
		{"embedded nats ignores url", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.Embedded = true
			c.NATS.URL = ""
		}, ""},
		{"subject prefix wildcard", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.SubjectPrefix = "events.>"
		}, "subject_prefix"},
		{"half configured secrets", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.Credentials.KeeperURL = "base64key://"
		}, "keeper_url"},
		{"admin port", func(c *Config) { c.Admin.Addr = "localhost:http-ish" }, "admin.addr"},
		{"admin ephemeral port", func(c *Config) { c.Admin.Addr = "127.0.0.1:0" }, ""},
		{"admin port out of range", func(c *Config) { c.Admin.Addr = "127.0.0.1:70000" }, "admin.addr"},
		{"admin token", func(c *Config) { c.Admin.Tokens = []TokenConfig{{Name: "ops"}} }, "admin.tokens"},
		{"disabled admin skips checks", func(c *Config) {
			c.Admin.Enabled = false
			c.Admin.Addr = "nonsense"
		}, ""},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "shard", "orders:All")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"shard":"orders:All"`)
}
