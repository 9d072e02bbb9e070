// Package config provides configuration loading for the automation service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
)

// EnvConfigFile names the environment variable holding an optional config file path.
const EnvConfigFile = "AUTOMATION_CONFIG"

// Config holds all configuration for the automation service.
type Config struct {
	Server struct {
		Port          string        `mapstructure:"port"`
		ReadTimeout   time.Duration `mapstructure:"read_timeout"`
		WriteTimeout  time.Duration `mapstructure:"write_timeout"`
		ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	} `mapstructure:"server"`

	Store struct {
		Driver      string `mapstructure:"driver"` // "memory" or "postgres"
		DatabaseURL string `mapstructure:"database_url"`
	} `mapstructure:"store"`

	Redis struct {
		URL string `mapstructure:"url"` // empty disables event publishing
	} `mapstructure:"redis"`

	Cron struct {
		Secret        string `mapstructure:"secret"`
		Embedded      bool   `mapstructure:"embedded"`
		ScheduledSpec string `mapstructure:"scheduled_spec"`
		StaleSpec     string `mapstructure:"stale_spec"`
		ArchiveSpec   string `mapstructure:"archive_spec"`
	} `mapstructure:"cron"`

	Engine struct {
		MaxAttempts    int           `mapstructure:"max_attempts"`
		BackoffBase    time.Duration `mapstructure:"backoff_base"`
		BackoffMax     time.Duration `mapstructure:"backoff_max"`
		Lease          time.Duration `mapstructure:"lease"`
		WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	} `mapstructure:"engine"`

	Scheduler struct {
		BatchSize   int           `mapstructure:"batch_size"`
		StuckAfter  time.Duration `mapstructure:"stuck_after"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		BackoffBase time.Duration `mapstructure:"backoff_base"`
		BackoffMax  time.Duration `mapstructure:"backoff_max"`
	} `mapstructure:"scheduler"`

	Anomaly struct {
		StaleThreshold  time.Duration `mapstructure:"stale_threshold"`
		TrailingWindow  time.Duration `mapstructure:"trailing_window"`
		BaselineWindow  time.Duration `mapstructure:"baseline_window"`
		SpikeMultiplier float64       `mapstructure:"spike_multiplier"`
		MinSamples      int           `mapstructure:"min_samples"`
	} `mapstructure:"anomaly"`

	Email struct {
		BatchLimit  int           `mapstructure:"batch_limit"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		BackoffBase time.Duration `mapstructure:"backoff_base"`
		BackoffMax  time.Duration `mapstructure:"backoff_max"`
		SendTimeout time.Duration `mapstructure:"send_timeout"`
		Transport   string        `mapstructure:"transport"` // "log" or "http"
		Endpoint    string        `mapstructure:"endpoint"`
		APIKey      string        `mapstructure:"api_key"`
		From        string        `mapstructure:"from"`
	} `mapstructure:"email"`

	OIDC struct {
		Enabled        bool   `mapstructure:"enabled"`
		Issuer         string `mapstructure:"issuer"`
		ClientID       string `mapstructure:"client_id"`
		WorkspaceClaim string `mapstructure:"workspace_claim"`
	} `mapstructure:"oidc"`

	RateLimit struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"ratelimit"`

	Tracing struct {
		Enabled    bool    `mapstructure:"enabled"`
		Endpoint   string  `mapstructure:"endpoint"`
		SampleRate float64 `mapstructure:"sample_rate"`
	} `mapstructure:"tracing"`

	Archive struct {
		Enabled   bool          `mapstructure:"enabled"`
		Bucket    string        `mapstructure:"bucket"`
		Prefix    string        `mapstructure:"prefix"`
		Endpoint  string        `mapstructure:"endpoint"`
		Region    string        `mapstructure:"region"`
		AccessKey string        `mapstructure:"access_key"`
		SecretKey string        `mapstructure:"secret_key"`
		Retention time.Duration `mapstructure:"retention"`
		BatchSize int           `mapstructure:"batch_size"`
	} `mapstructure:"archive"`

	CORS struct {
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", "7070")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_grace", 10*time.Second)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database_url", "")
	v.SetDefault("redis.url", "")

	// Cron
	v.SetDefault("cron.secret", "")
	v.SetDefault("cron.embedded", false)
	v.SetDefault("cron.scheduled_spec", "@every 1m")
	v.SetDefault("cron.stale_spec", "@every 10m")
	v.SetDefault("cron.archive_spec", "@every 1h")

	// Engine
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.backoff_base", 30*time.Second)
	v.SetDefault("engine.backoff_max", time.Hour)
	v.SetDefault("engine.lease", 5*time.Minute)
	v.SetDefault("engine.webhook_timeout", 10*time.Second)

	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.stuck_after", 15*time.Minute)
	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.backoff_base", 30*time.Second)
	v.SetDefault("scheduler.backoff_max", 10*time.Minute)

	// Anomaly
	v.SetDefault("anomaly.stale_threshold", 15*time.Minute)
	v.SetDefault("anomaly.trailing_window", 15*time.Minute)
	v.SetDefault("anomaly.baseline_window", 24*time.Hour)
	v.SetDefault("anomaly.spike_multiplier", 3.0)
	v.SetDefault("anomaly.min_samples", 5)

	// Email
	v.SetDefault("email.batch_limit", 10)
	v.SetDefault("email.max_attempts", 5)
	v.SetDefault("email.backoff_base", time.Minute)
	v.SetDefault("email.backoff_max", 6*time.Hour)
	v.SetDefault("email.send_timeout", 10*time.Second)
	v.SetDefault("email.transport", "log")
	v.SetDefault("email.endpoint", "")
	v.SetDefault("email.api_key", "")
	v.SetDefault("email.from", "")

	// OIDC
	v.SetDefault("oidc.enabled", false)
	v.SetDefault("oidc.issuer", "")
	v.SetDefault("oidc.client_id", "")
	v.SetDefault("oidc.workspace_claim", "workspace_id")

	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)

	// Archive
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "scheduled-tasks")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.retention", 7*24*time.Hour)
	v.SetDefault("archive.batch_size", 500)

	v.SetDefault("cors.origins", []string{"http://localhost:5173", "http://localhost:3000"})

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing precedence. Keys map to variables by replacing
// "." with "_", e.g. ENGINE_MAX_ATTEMPTS. An empty path falls back to
// $AUTOMATION_CONFIG.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Variable names shared with the other mentatlab services.
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("store.database_url", "STORE_DATABASE_URL", "DATABASE_URL")

	_ = v.BindEnv("config_file", EnvConfigFile)
	if path == "" {
		path = v.GetString("config_file")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, "config.Load", fmt.Errorf("read %s: %w", path, err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "config.Load", fmt.Errorf("decode: %w", err))
	}
	cfg.CORS.Origins = splitOrigins(cfg.CORS.Origins)
	return &cfg, nil
}

// splitOrigins accepts CORS_ORIGINS as one comma-separated string.
func splitOrigins(in []string) []string {
	var out []string
	for _, o := range in {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every unusable setting as one ConfigurationError. Settings
// that only matter to serving (cron secret, OIDC) are checked when serving is
// true.
func (c *Config) Validate(serving bool) error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Store.Driver == "memory" || c.Store.Driver == "postgres", "store.driver must be memory or postgres, got %q", c.Store.Driver)
	check(c.Store.Driver != "postgres" || c.Store.DatabaseURL != "", "store.database_url is required for the postgres driver")

	check(c.Engine.MaxAttempts >= 1, "engine.max_attempts must be at least 1")
	check(c.Engine.BackoffBase > 0, "engine.backoff_base must be positive")
	check(c.Engine.BackoffMax >= c.Engine.BackoffBase, "engine.backoff_max must not be below engine.backoff_base")
	check(c.Engine.Lease > 0, "engine.lease must be positive")
	check(c.Engine.WebhookTimeout > 0, "engine.webhook_timeout must be positive")

	check(c.Scheduler.BatchSize >= 1, "scheduler.batch_size must be at least 1")
	check(c.Scheduler.StuckAfter >= 0, "scheduler.stuck_after must not be negative")
	check(c.Scheduler.MaxAttempts >= 1, "scheduler.max_attempts must be at least 1")
	check(c.Scheduler.BackoffBase > 0 && c.Scheduler.BackoffMax >= c.Scheduler.BackoffBase,
		"scheduler.backoff_base must be positive and not exceed scheduler.backoff_max")

	check(c.Anomaly.StaleThreshold > 0, "anomaly.stale_threshold must be positive")
	check(c.Anomaly.TrailingWindow > 0, "anomaly.trailing_window must be positive")
	check(c.Anomaly.BaselineWindow > c.Anomaly.TrailingWindow, "anomaly.baseline_window must exceed anomaly.trailing_window")
	check(c.Anomaly.SpikeMultiplier > 0, "anomaly.spike_multiplier must be positive")
	check(c.Anomaly.MinSamples >= 1, "anomaly.min_samples must be at least 1")

	check(c.Email.BatchLimit >= 1, "email.batch_limit must be at least 1")
	check(c.Email.MaxAttempts >= 1, "email.max_attempts must be at least 1")
	check(c.Email.BackoffBase > 0, "email.backoff_base must be positive")
	check(c.Email.BackoffMax >= c.Email.BackoffBase, "email.backoff_max must not be below email.backoff_base")
	check(c.Email.SendTimeout > 0, "email.send_timeout must be positive")
	check(c.Email.Transport == "log" || c.Email.Transport == "http", "email.transport must be log or http, got %q", c.Email.Transport)
	check(c.Email.Transport != "http" || (c.Email.Endpoint != "" && c.Email.From != ""), "email.endpoint and email.from are required for the http transport")

	check(!c.Archive.Enabled || c.Archive.Bucket != "", "archive.bucket is required when archive is enabled")
	check(!c.Archive.Enabled || c.Archive.Retention > 0, "archive.retention must be positive")
	check(c.Tracing.SampleRate >= 0 && c.Tracing.SampleRate <= 1, "tracing.sample_rate must be within [0, 1]")

	if serving {
		check(c.Cron.Secret != "", "cron.secret is required")
		check(c.RateLimit.RPS > 0 && c.RateLimit.Burst >= 1, "ratelimit.rps and ratelimit.burst must be positive")
		check(!c.OIDC.Enabled || (c.OIDC.Issuer != "" && c.OIDC.ClientID != ""), "oidc.issuer and oidc.client_id are required when oidc is enabled")
	}

	if len(errs) == 0 {
		return nil
	}
	return apperr.Wrap(apperr.KindConfiguration, "config.Validate", errors.Join(errs...))
}
