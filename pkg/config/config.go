// Package config loads the eventdaemon binary's configuration from a YAML,
// TOML or JSON file with EVENTDAEMON_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. EVENTDAEMON_NATS_URL.
const EnvPrefix = "eventdaemon"

type Config struct {
	Log       LogConfig        `mapstructure:"log"`
	Databases []DatabaseConfig `mapstructure:"databases"`
	Daemon    DaemonConfig     `mapstructure:"daemon"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Admin     AdminConfig      `mapstructure:"admin"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig describes one tenant database.
type DatabaseConfig struct {
	Identifier     string        `mapstructure:"identifier"`
	Path           string        `mapstructure:"path"`
	WAL            bool          `mapstructure:"wal"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout"`
	StreamIdentity string        `mapstructure:"stream_identity"`
}

type DaemonConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	StaleThreshold       time.Duration `mapstructure:"stale_threshold"`
	HighWaterWindow      int           `mapstructure:"high_water_window"`
	RetryLimit           int           `mapstructure:"retry_limit"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	SkipApplyErrors      bool          `mapstructure:"skip_apply_errors"`
	DeadLetterUnresolved bool          `mapstructure:"dead_letter_unresolved"`
	StartupTimeout       time.Duration `mapstructure:"startup_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
}

type NATSConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	Embedded      bool              `mapstructure:"embedded"`
	URL           string            `mapstructure:"url"`
	Name          string            `mapstructure:"name"`
	SubjectPrefix string            `mapstructure:"subject_prefix"`
	Credentials   CredentialsConfig `mapstructure:"credentials"`
}

// CredentialsConfig selects where NATS credentials come from. A keeper URL
// and bucket URL select sealed credentials in blob storage; otherwise the
// environment variables under EnvPrefix are read. Empty means anonymous.
type CredentialsConfig struct {
	EnvPrefix string `mapstructure:"env_prefix"`
	KeeperURL string `mapstructure:"keeper_url"`
	BucketURL string `mapstructure:"bucket_url"`
	Key       string `mapstructure:"key"`
}

type AdminConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Addr    string        `mapstructure:"addr"`
	MaxWait time.Duration `mapstructure:"max_wait"`
	Tokens  []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig is a bcrypt hash produced by `eventdaemon hash-token`.
type TokenConfig struct {
	Name     string `mapstructure:"name"`
	Hash     string `mapstructure:"hash"`
	ReadOnly bool   `mapstructure:"read_only"`
}

type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type ArchiveConfig struct {
	BucketURL string `mapstructure:"bucket_url"`
	Prefix    string `mapstructure:"prefix"`
}

// Load reads path when it is not empty, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Databases) == 0 {
		cfg.Databases = []DatabaseConfig{defaultDatabase(v)}
	}
	for i := range cfg.Databases {
		cfg.Databases[i].applyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.identifier", "main")
	v.SetDefault("database.path", "eventstore.db")

	v.SetDefault("daemon.batch_size", 500)
	v.SetDefault("daemon.poll_interval", time.Second)
	v.SetDefault("daemon.stale_threshold", 3*time.Second)
	v.SetDefault("daemon.high_water_window", 1000)
	v.SetDefault("daemon.retry_limit", 0)
	v.SetDefault("daemon.retry_backoff", 100*time.Millisecond)
	v.SetDefault("daemon.skip_apply_errors", false)
	v.SetDefault("daemon.dead_letter_unresolved", false)
	v.SetDefault("daemon.startup_timeout", time.Minute)
	v.SetDefault("daemon.shutdown_timeout", 30*time.Second)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "eventdaemon")
	v.SetDefault("nats.subject_prefix", "eventdaemon")
	v.SetDefault("nats.credentials.env_prefix", "")
	v.SetDefault("nats.credentials.keeper_url", "")
	v.SetDefault("nats.credentials.bucket_url", "")
	v.SetDefault("nats.credentials.key", "nats/credentials.json")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", "127.0.0.1:7420")
	v.SetDefault("admin.max_wait", 5*time.Minute)

	v.SetDefault("telemetry.service_name", "eventdaemon")
	v.SetDefault("telemetry.environment", "dev")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("archive.bucket_url", "")
	v.SetDefault("archive.prefix", "deadletters")
}

// defaultDatabase is used when no databases list is configured, which keeps
// single-database setups to EVENTDAEMON_DATABASE_PATH.
func defaultDatabase(v *viper.Viper) DatabaseConfig {
	return DatabaseConfig{
		Identifier: v.GetString("database.identifier"),
		Path:       v.GetString("database.path"),
		WAL:        true,
	}
}

func (d *DatabaseConfig) applyDefaults() {
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5 * time.Second
	}
	if d.StreamIdentity == "" {
		d.StreamIdentity = "guid"
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if !govalidator.IsIn(c.Log.Level, "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if !govalidator.IsIn(c.Log.Format, "text", "json") {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	seen := make(map[string]bool, len(c.Databases))
	for i, db := range c.Databases {
		if !govalidator.Matches(db.Identifier, `^[A-Za-z0-9_-]+$`) {
			errs = append(errs, fmt.Errorf("databases[%d].identifier %q must be alphanumeric", i, db.Identifier))
		}
		if seen[db.Identifier] {
			errs = append(errs, fmt.Errorf("databases[%d].identifier %q is duplicated", i, db.Identifier))
		}
		seen[db.Identifier] = true
		if db.Path == "" {
			errs = append(errs, fmt.Errorf("databases[%d].path is required", i))
		}
		if !govalidator.IsIn(db.StreamIdentity, "guid", "string") {
			errs = append(errs, fmt.Errorf("databases[%d].stream_identity %q must be guid or string", i, db.StreamIdentity))
		}
	}

	if c.Daemon.BatchSize <= 0 {
		errs = append(errs, errors.New("daemon.batch_size must be positive"))
	}
	if c.Daemon.PollInterval <= 0 {
		errs = append(errs, errors.New("daemon.poll_interval must be positive"))
	}
	if c.Daemon.StaleThreshold <= 0 {
		errs = append(errs, errors.New("daemon.stale_threshold must be positive"))
	}
	if c.Daemon.HighWaterWindow <= 0 {
		errs = append(errs, errors.New("daemon.high_water_window must be positive"))
	}
	if c.Daemon.StartupTimeout <= 0 || c.Daemon.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("daemon.startup_timeout and daemon.shutdown_timeout must be positive"))
	}
	if c.Daemon.RetryLimit < 0 {
		errs = append(errs, errors.New("daemon.retry_limit must not be negative"))
	}

	if c.NATS.Enabled {
		if !c.NATS.Embedded && !govalidator.IsRequestURL(c.NATS.URL) {
			errs = append(errs, fmt.Errorf("nats.url %q is not a URL", c.NATS.URL))
		}
		if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, "*> \t") {
			errs = append(errs, fmt.Errorf("nats.subject_prefix %q is not a valid subject", c.NATS.SubjectPrefix))
		}
		creds := c.NATS.Credentials
		if (creds.KeeperURL == "") != (creds.BucketURL == "") {
			errs = append(errs, errors.New("nats.credentials.keeper_url and bucket_url must be set together"))
		}
	}

	if c.Admin.Enabled {
		if err := validateAddr(c.Admin.Addr); err != nil {
			errs = append(errs, fmt.Errorf("admin.addr: %w", err))
		}
		if c.Admin.MaxWait <= 0 {
			errs = append(errs, errors.New("admin.max_wait must be positive"))
		}
		for i, tok := range c.Admin.Tokens {
			if tok.Name == "" || tok.Hash == "" {
				errs = append(errs, fmt.Errorf("admin.tokens[%d] needs a name and a hash", i))
			}
		}
	}

	if !govalidator.InRangeFloat64(c.Telemetry.SampleRate, 0, 1) {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate %v must be within [0, 1]", c.Telemetry.SampleRate))
	}
	if c.Archive.BucketURL != "" && !govalidator.IsRequestURL(c.Archive.BucketURL) {
		errs = append(errs, fmt.Errorf("archive.bucket_url %q is not a URL", c.Archive.BucketURL))
	}

	return errors.Join(errs...)
}

// validateAddr accepts host:port listen addresses. Port 0 picks a free port.
func validateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host != "" && !govalidator.IsHost(host) {
		return fmt.Errorf("invalid host %q", host)
	}
	if port != "0" && !govalidator.IsPort(port) {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
