package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/veridian/sentinel/internal/alerting"
	"github.com/veridian/sentinel/internal/security"
	"github.com/veridian/sentinel/internal/store"
)

// Config is the full service configuration, loaded from yaml with
// SENTINEL_* environment overrides.
type Config struct {
	Mode string `mapstructure:"mode"` // dev or production

	Log       LogConfig                `mapstructure:"log"`
	API       APIConfig                `mapstructure:"api"`
	Metrics   MetricsConfig            `mapstructure:"metrics"`
	Alerting  alerting.Config          `mapstructure:"alerting"`
	Incident  security.IncidentConfig  `mapstructure:"incident"`
	Blacklist security.BlacklistConfig `mapstructure:"blacklist"`
	Store     store.Config             `mapstructure:"store"`
	Sinks     SinkConfig               `mapstructure:"sinks"`

	// PlaybookFile optionally overrides the built-in playbook set.
	PlaybookFile string `mapstructure:"playbook_file"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Encoding   string `mapstructure:"encoding"` // json or console
	OutputPath string `mapstructure:"output_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	ListenAddr   string   `mapstructure:"listen_addr"`
	AllowOrigins []string `mapstructure:"allow_origins"`

	// Edge gate rate limiting, per client IP.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// MetricsConfig configures the sample store.
type MetricsConfig struct {
	BucketCapacity int `mapstructure:"bucket_capacity"`
}

// SinkConfig configures the external event and SOC webhooks. Empty URLs
// disable the corresponding channel.
type SinkConfig struct {
	EventWebhookURL   string `mapstructure:"event_webhook_url"`
	EventWebhookToken string `mapstructure:"event_webhook_token"`
	SOCWebhookURL     string `mapstructure:"soc_webhook_url"`
	SOCWebhookToken   string `mapstructure:"soc_webhook_token"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Mode: "dev",
		Log: LogConfig{
			Level:      "info",
			Encoding:   "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		API: APIConfig{
			ListenAddr: ":8090",
			RateLimit:  100,
			RateBurst:  200,
		},
		Metrics:   MetricsConfig{BucketCapacity: 1000},
		Alerting:  alerting.DefaultConfig(),
		Incident:  security.DefaultIncidentConfig(),
		Blacklist: security.DefaultBlacklistConfig(),
		Store:     store.Config{Driver: "memory"},
	}
}

// Load reads configuration from the given file (optional) merged over
// defaults and environment variables.
func Load(path string) (Config, error) {
	v := viper.New()

	setDefaults(v, Default())

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c Config) Validate() error {
	switch c.Log.Encoding {
	case "", "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", c.Log.Encoding)
	}

	switch c.Store.Driver {
	case "", "memory", "sqlite3", "postgres":
	default:
		return fmt.Errorf("store.driver must be memory, sqlite3 or postgres, got %q", c.Store.Driver)
	}

	if c.Alerting.Window < time.Second {
		return fmt.Errorf("alerting.window must be at least 1s")
	}
	if c.Incident.MaxEscalationLevel < 1 {
		return fmt.Errorf("incident.max_escalation_level must be >= 1")
	}

	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("mode", d.Mode)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("api.listen_addr", d.API.ListenAddr)
	v.SetDefault("api.rate_limit", d.API.RateLimit)
	v.SetDefault("api.rate_burst", d.API.RateBurst)
	v.SetDefault("metrics.bucket_capacity", d.Metrics.BucketCapacity)
	v.SetDefault("alerting.window", d.Alerting.Window)
	v.SetDefault("alerting.dedup_window", d.Alerting.DedupWindow)
	v.SetDefault("alerting.evaluation_interval", d.Alerting.EvaluationInterval)
	v.SetDefault("alerting.sink_timeout", d.Alerting.SinkTimeout)
	v.SetDefault("alerting.thresholds.error_ratio", d.Alerting.Thresholds.ErrorRatio)
	v.SetDefault("alerting.thresholds.mean_duration", d.Alerting.Thresholds.MeanDuration)
	v.SetDefault("alerting.thresholds.rate", d.Alerting.Thresholds.Rate)
	v.SetDefault("alerting.bands.critical", d.Alerting.Bands.Critical)
	v.SetDefault("alerting.bands.high", d.Alerting.Bands.High)
	v.SetDefault("alerting.bands.medium", d.Alerting.Bands.Medium)
	v.SetDefault("alerting.anomaly_sigma", d.Alerting.AnomalySigma)
	v.SetDefault("alerting.anomaly_min_samples", d.Alerting.AnomalyMinSamples)
	v.SetDefault("incident.step_timeout", d.Incident.StepTimeout)
	v.SetDefault("incident.block_ttl", d.Incident.BlockTTL)
	v.SetDefault("incident.max_escalation_level", d.Incident.MaxEscalationLevel)
	v.SetDefault("blacklist.sweep_interval", d.Blacklist.SweepInterval)
	v.SetDefault("blacklist.cache_window", d.Blacklist.CacheWindow)
	v.SetDefault("blacklist.default_ttl", d.Blacklist.DefaultTTL)
	v.SetDefault("store.driver", d.Store.Driver)
}
