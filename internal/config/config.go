// Package config handles hearthflow configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/hearthflow/config.yaml, /etc/hearthflow/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearthflow", "config.yaml"))
	}

	paths = append(paths, "/etc/hearthflow/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all hearthflow configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"ha"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Writer        WriterConfig        `yaml:"writer"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Influx        InfluxConfig        `yaml:"influx"`
	Retention     RetentionConfig     `yaml:"retention"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Enrichment    map[string]Source   `yaml:"enrichment"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the read-side API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8093
}

// Endpoint is one Home Assistant URL+token pair. Endpoints are tried
// in the order they appear in the config; the first is the primary.
type Endpoint struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// HomeAssistantConfig defines the upstream connection settings.
type HomeAssistantConfig struct {
	Endpoints       []Endpoint    `yaml:"endpoints"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`   // default 10s
	ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"` // default 60s
	WriteTimeout    time.Duration `yaml:"write_timeout"`     // default 10s
	PingInterval    time.Duration `yaml:"ping_interval"`     // default 30s
}

// BreakerConfig defines the per-endpoint circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // default 5
	ResetTimeout     time.Duration `yaml:"reset_timeout"`     // default 60s
	SuccessThreshold int           `yaml:"success_threshold"` // default 3
}

// PipelineConfig defines the in-process event queue.
type PipelineConfig struct {
	Capacity int `yaml:"capacity"` // default 10000
}

// WriterConfig defines the batch writer behavior.
type WriterConfig struct {
	// BatchSize is the default flush size; per-measurement overrides
	// take precedence when present.
	BatchSize     int            `yaml:"batch_size"`     // default 500
	BatchSizes    map[string]int `yaml:"batch_sizes"`    // per measurement
	FlushInterval time.Duration  `yaml:"flush_interval"` // default 5s
	MaxRetries    int            `yaml:"max_retries"`    // default 5
	HighWater     int64          `yaml:"high_water_bytes"` // default 64 MiB
	Parallelism   int            `yaml:"parallelism"`    // default 1
	DrainTimeout  time.Duration  `yaml:"drain_timeout"`  // default 30s
}

// WebhookConfig defines outbound webhook delivery behavior.
type WebhookConfig struct {
	AttemptSchedule []time.Duration `yaml:"attempt_schedule"` // default [1s,2s,4s]
	RequestTimeout  time.Duration   `yaml:"request_timeout"`  // default 10s
	MailboxSize     int             `yaml:"mailbox_size"`     // default 256
}

// InfluxConfig defines the time-series store connection.
type InfluxConfig struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Org          string `yaml:"org"`
	RawBucket    string `yaml:"raw_bucket"`    // default "ha_raw"
	DailyBucket  string `yaml:"daily_bucket"`  // default "ha_daily"
	WeeklyBucket string `yaml:"weekly_bucket"` // default "ha_weekly"
}

// RetentionConfig defines per-bucket retention. Expiration itself is
// enforced by the storage layer; these values are used when buckets
// are created and by the catalog tombstone purge.
type RetentionConfig struct {
	Raw            time.Duration `yaml:"raw"`             // default 168h (7d)
	Daily          time.Duration `yaml:"daily"`           // default 2160h (90d)
	Weekly         time.Duration `yaml:"weekly"`          // default 8736h (52w)
	TombstoneGrace time.Duration `yaml:"tombstone_grace"` // default 2160h (90d)
}

// ScheduleConfig defines when aggregation jobs run, as local-time
// "HH:MM" clock specs.
type ScheduleConfig struct {
	Daily   string `yaml:"daily"`   // default "03:00"
	Weekly  string `yaml:"weekly"`  // default "03:00" (Sundays)
	Monthly string `yaml:"monthly"` // default "03:00" (first of month)
}

// Source defines one external enrichment source.
type Source struct {
	// Entity is the Home Assistant entity whose state feeds this
	// source, e.g. weather.home.
	Entity string        `yaml:"entity"`
	TTL    time.Duration `yaml:"ttl"` // default 15m
}

// MQTTConfig defines the optional Home Assistant MQTT presence
// publisher. Disabled when Broker is empty.
type MQTTConfig struct {
	Broker     string `yaml:"broker"` // e.g. mqtt://ha.local:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so tokens can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	cfg := &Config{
		Listen:  ListenConfig{Port: 8093},
		DataDir: "data",
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults backfills zero-value fields. Called after unmarshal so
// a partial config file behaves like the documented defaults.
func (c *Config) applyDefaults() {
	if c.HomeAssistant.ConnectTimeout <= 0 {
		c.HomeAssistant.ConnectTimeout = 10 * time.Second
	}
	if c.HomeAssistant.ReadIdleTimeout <= 0 {
		c.HomeAssistant.ReadIdleTimeout = 60 * time.Second
	}
	if c.HomeAssistant.WriteTimeout <= 0 {
		c.HomeAssistant.WriteTimeout = 10 * time.Second
	}
	if c.HomeAssistant.PingInterval <= 0 {
		c.HomeAssistant.PingInterval = 30 * time.Second
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 60 * time.Second
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = 3
	}
	if c.Pipeline.Capacity <= 0 {
		c.Pipeline.Capacity = 10000
	}
	if c.Writer.BatchSize <= 0 {
		c.Writer.BatchSize = 500
	}
	if c.Writer.FlushInterval <= 0 {
		c.Writer.FlushInterval = 5 * time.Second
	}
	if c.Writer.MaxRetries <= 0 {
		c.Writer.MaxRetries = 5
	}
	if c.Writer.HighWater <= 0 {
		c.Writer.HighWater = 64 << 20
	}
	if c.Writer.Parallelism <= 0 {
		c.Writer.Parallelism = 1
	}
	if c.Writer.DrainTimeout <= 0 {
		c.Writer.DrainTimeout = 30 * time.Second
	}
	if len(c.Webhook.AttemptSchedule) == 0 {
		c.Webhook.AttemptSchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if c.Webhook.RequestTimeout <= 0 {
		c.Webhook.RequestTimeout = 10 * time.Second
	}
	if c.Webhook.MailboxSize <= 0 {
		c.Webhook.MailboxSize = 256
	}
	for name, src := range c.Enrichment {
		if src.TTL <= 0 {
			src.TTL = 15 * time.Minute
			c.Enrichment[name] = src
		}
	}
	if c.Influx.RawBucket == "" {
		c.Influx.RawBucket = "ha_raw"
	}
	if c.Influx.DailyBucket == "" {
		c.Influx.DailyBucket = "ha_daily"
	}
	if c.Influx.WeeklyBucket == "" {
		c.Influx.WeeklyBucket = "ha_weekly"
	}
	if c.Retention.Raw <= 0 {
		c.Retention.Raw = 7 * 24 * time.Hour
	}
	if c.Retention.Daily <= 0 {
		c.Retention.Daily = 90 * 24 * time.Hour
	}
	if c.Retention.Weekly <= 0 {
		c.Retention.Weekly = 52 * 7 * 24 * time.Hour
	}
	if c.Retention.TombstoneGrace <= 0 {
		c.Retention.TombstoneGrace = 90 * 24 * time.Hour
	}
	if c.Schedule.Daily == "" {
		c.Schedule.Daily = "03:00"
	}
	if c.Schedule.Weekly == "" {
		c.Schedule.Weekly = "03:00"
	}
	if c.Schedule.Monthly == "" {
		c.Schedule.Monthly = "03:00"
	}
}

// Validate reports configuration errors that cannot be defaulted away.
func (c *Config) Validate() error {
	if len(c.HomeAssistant.Endpoints) == 0 {
		return fmt.Errorf("ha.endpoints must list at least one endpoint")
	}
	for i, ep := range c.HomeAssistant.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("ha.endpoints[%d]: url is required", i)
		}
		if ep.Token == "" {
			return fmt.Errorf("ha.endpoints[%d] (%s): token is required", i, ep.Name)
		}
	}
	if c.Influx.URL == "" {
		return fmt.Errorf("influx.url is required")
	}
	return nil
}
