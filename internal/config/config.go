package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/ripple-publish/pkg/logger"
)

type Config struct {
	Server      ServerConfig             `yaml:"server"`
	Database    DatabaseConfig           `yaml:"database"`
	Logger      logger.Config            `yaml:"logger"`
	Scheduler   SchedulerConfig          `yaml:"scheduler"`
	Executor    ExecutorConfig           `yaml:"executor"`
	Quota       QuotaConfig              `yaml:"quota"`
	RateLimits  map[string]RateLimitRule `yaml:"rate_limits"`
	Events      EventsConfig             `yaml:"events"`
	Adapters    AdaptersConfig           `yaml:"adapters"`
	Maintenance MaintenanceConfig        `yaml:"maintenance"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`

	// Path is the sqlite file (or DSN) when Type is "sqlite".
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type SchedulerConfig struct {
	PollInterval string `yaml:"poll_interval"`
	Workers      int    `yaml:"workers"`
	BatchSize    int    `yaml:"batch_size"`
	AutoStart    *bool  `yaml:"auto_start"`
}

type ExecutorConfig struct {
	DefaultTimeout    string `yaml:"default_timeout"`
	DefaultMaxRetries int    `yaml:"default_max_retries"`
	RetryBaseDelay    string `yaml:"retry_base_delay"`
	RetryMaxDelay     string `yaml:"retry_max_delay"`
}

type QuotaConfig struct {
	// Feature is the allowance a publish consumes.
	Feature        string `yaml:"feature"`
	ReservationTTL string `yaml:"reservation_ttl"`
	// RecheckDelay holds a quota-rejected task back before it is claimed again.
	RecheckDelay   string `yaml:"recheck_delay"`
}

type RateLimitRule struct {
	Window      string `yaml:"window"`
	MaxRequests int    `yaml:"max_requests"`
}

type EventsConfig struct {
	BufferSize int        `yaml:"buffer_size"`
	AMQP       AMQPConfig `yaml:"amqp"`
}

type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type AdaptersConfig struct {
	DryRun   []DryRunAdapterConfig  `yaml:"dry_run"`
	Webhooks []WebhookAdapterConfig `yaml:"webhooks"`
}

type DryRunAdapterConfig struct {
	Platform    string `yaml:"platform"`
	DisplayName string `yaml:"display_name"`
	Delay       string `yaml:"delay"`
}

type WebhookAdapterConfig struct {
	Platform      string `yaml:"platform"`
	DisplayName   string `yaml:"display_name"`
	Endpoint      string `yaml:"endpoint"`
	Token         string `yaml:"token"`
	RatePerMinute int    `yaml:"rate_per_minute"`
	Timeout       string `yaml:"timeout"`
}

type MaintenanceConfig struct {
	Enabled          *bool  `yaml:"enabled"`
	StaleAfter       string `yaml:"stale_after"`
	StaleCleanupSpec string `yaml:"stale_cleanup_spec"`
	ReservationSpec  string `yaml:"reservation_spec"`
	LimiterPruneSpec string `yaml:"limiter_prune_spec"`
	StatsInterval    string `yaml:"stats_interval"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SetDefaults fills every zero-valued setting.
func (cfg *Config) SetDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Database.Type == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = "ripple-publish.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Scheduler.PollInterval == "" {
		cfg.Scheduler.PollInterval = "10s"
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 50
	}
	if cfg.Scheduler.AutoStart == nil {
		cfg.Scheduler.AutoStart = boolPtr(true)
	}
	if cfg.Executor.DefaultTimeout == "" {
		cfg.Executor.DefaultTimeout = "15m"
	}
	if cfg.Executor.DefaultMaxRetries == 0 {
		cfg.Executor.DefaultMaxRetries = 3
	}
	if cfg.Executor.RetryBaseDelay == "" {
		cfg.Executor.RetryBaseDelay = "1m"
	}
	if cfg.Executor.RetryMaxDelay == "" {
		cfg.Executor.RetryMaxDelay = "30m"
	}
	if cfg.Quota.Feature == "" {
		cfg.Quota.Feature = "publish_per_month"
	}
	if cfg.Quota.ReservationTTL == "" {
		cfg.Quota.ReservationTTL = "10m"
	}
	if cfg.Quota.RecheckDelay == "" {
		cfg.Quota.RecheckDelay = "5m"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = DefaultRateLimits()
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 256
	}
	if cfg.Events.AMQP.Exchange == "" {
		cfg.Events.AMQP.Exchange = "publishing.events"
	}
	if cfg.Maintenance.Enabled == nil {
		cfg.Maintenance.Enabled = boolPtr(true)
	}
	if cfg.Maintenance.StaleAfter == "" {
		cfg.Maintenance.StaleAfter = "30m"
	}
	if cfg.Maintenance.StaleCleanupSpec == "" {
		cfg.Maintenance.StaleCleanupSpec = "@every 5m"
	}
	if cfg.Maintenance.ReservationSpec == "" {
		cfg.Maintenance.ReservationSpec = "@every 10m"
	}
	if cfg.Maintenance.LimiterPruneSpec == "" {
		cfg.Maintenance.LimiterPruneSpec = "@every 1m"
	}
	if cfg.Maintenance.StatsInterval == "" {
		cfg.Maintenance.StatsInterval = "30s"
	}
}

// DefaultRateLimits are the admission rules used when none are configured.
func DefaultRateLimits() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"task_create":  {Window: "1m", MaxRequests: 60},
		"task_cancel":  {Window: "1m", MaxRequests: 30},
		"task_retry":   {Window: "1m", MaxRequests: 30},
		"task_execute": {Window: "1m", MaxRequests: 30},
		"task_delete":  {Window: "1m", MaxRequests: 30},
		"batch_create": {Window: "1m", MaxRequests: 10},
	}
}

// Validate rejects malformed durations up front so accessors can fall back silently.
func (cfg *Config) Validate() error {
	durations := map[string]string{
		"scheduler.poll_interval":    cfg.Scheduler.PollInterval,
		"executor.default_timeout":   cfg.Executor.DefaultTimeout,
		"executor.retry_base_delay":  cfg.Executor.RetryBaseDelay,
		"executor.retry_max_delay":   cfg.Executor.RetryMaxDelay,
		"quota.reservation_ttl":      cfg.Quota.ReservationTTL,
		"quota.recheck_delay":        cfg.Quota.RecheckDelay,
		"maintenance.stale_after":    cfg.Maintenance.StaleAfter,
		"maintenance.stats_interval": cfg.Maintenance.StatsInterval,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}
	for op, rule := range cfg.RateLimits {
		if _, err := time.ParseDuration(rule.Window); err != nil {
			return fmt.Errorf("invalid rate_limits.%s.window %q: %w", op, rule.Window, err)
		}
		if rule.MaxRequests <= 0 {
			return fmt.Errorf("rate_limits.%s.max_requests must be positive", op)
		}
	}
	switch cfg.Database.Type {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}
	return nil
}

func (c SchedulerConfig) PollIntervalDuration() time.Duration {
	return durationOr(c.PollInterval, 10*time.Second)
}

func (c ExecutorConfig) DefaultTimeoutDuration() time.Duration {
	return durationOr(c.DefaultTimeout, 15*time.Minute)
}

func (c ExecutorConfig) RetryBaseDelayDuration() time.Duration {
	return durationOr(c.RetryBaseDelay, time.Minute)
}

func (c ExecutorConfig) RetryMaxDelayDuration() time.Duration {
	return durationOr(c.RetryMaxDelay, 30*time.Minute)
}

func (c QuotaConfig) ReservationTTLDuration() time.Duration {
	return durationOr(c.ReservationTTL, 10*time.Minute)
}

func (c QuotaConfig) RecheckDelayDuration() time.Duration {
	return durationOr(c.RecheckDelay, 5*time.Minute)
}

func (c MaintenanceConfig) StaleAfterDuration() time.Duration {
	return durationOr(c.StaleAfter, 30*time.Minute)
}

func (c MaintenanceConfig) StatsIntervalDuration() time.Duration {
	return durationOr(c.StatsInterval, 30*time.Second)
}

func (r RateLimitRule) WindowDuration() time.Duration {
	return durationOr(r.Window, time.Minute)
}

func durationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func boolPtr(v bool) *bool {
	return &v
}
