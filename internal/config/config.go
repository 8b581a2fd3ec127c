package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Poll      PollConfig      `mapstructure:"poll"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	// AccessKeys are the bearer credentials accepted at WebSocket upgrade.
	AccessKeys []string `mapstructure:"access_keys"`
}

type UpstreamConfig struct {
	BaseURL       string          `mapstructure:"base_url"`
	APIKey        string          `mapstructure:"api_key"`
	Timeout       time.Duration   `mapstructure:"timeout"`
	RetryAttempts int             `mapstructure:"retry_attempts"`
	Backoff       []time.Duration `mapstructure:"backoff"`
	RatePerSecond int             `mapstructure:"rate_per_second"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type BroadcastConfig struct {
	// BackpressureBytes is the buffered-bytes limit above which a consumer
	// is evicted instead of written to.
	BackpressureBytes int64 `mapstructure:"backpressure_bytes"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type NotifyConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ServerURL string `mapstructure:"server_url"`
	Topic     string `mapstructure:"topic"`
	Priority  string `mapstructure:"priority"`
	Tags      string `mapstructure:"tags"`
	// FailureStreak is the consecutive failed poll tick count that triggers
	// an operator notification.
	FailureStreak int `mapstructure:"failure_streak"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("upstream.base_url", "http://localhost:9000")
	v.SetDefault("upstream.timeout", "10s")
	v.SetDefault("upstream.retry_attempts", 4)
	v.SetDefault("upstream.backoff", "1s,2s,4s,8s")
	v.SetDefault("upstream.rate_per_second", 5)
	v.SetDefault("poll.interval", "5s")
	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("broadcast.backpressure_bytes", 1<<20)
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.path", "audit.db")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server_url", "https://ntfy.sh")
	v.SetDefault("notify.priority", "high")
	v.SetDefault("notify.tags", "rotating_light")
	v.SetDefault("notify.failure_streak", 10)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("SESSIONSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("upstream.api_key", "SESSIONSYNC_API_KEY")
	_ = v.BindEnv("server.access_keys", "SESSIONSYNC_ACCESS_KEYS")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.RetryAttempts < 1 {
		return fmt.Errorf("upstream.retry_attempts must be >= 1")
	}
	if len(c.Upstream.Backoff) == 0 {
		return fmt.Errorf("upstream.backoff must list at least one delay")
	}
	if c.Upstream.RatePerSecond < 1 {
		return fmt.Errorf("upstream.rate_per_second must be >= 1")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Broadcast.BackpressureBytes <= 0 {
		return fmt.Errorf("broadcast.backpressure_bytes must be positive")
	}
	if c.Notify.Enabled && c.Notify.Topic == "" {
		return fmt.Errorf("notify.topic is required when notify is enabled")
	}
	return nil
}
