// Package config
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Provider  ProviderConfig  `yaml:"provider"`
	Notify    NotifyConfig    `yaml:"notify"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port" validate:"gte=0,lte=65535"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// DiscoveryConfig drives the bucket window and the dispatch scheduler.
// Out-of-range values are clamped in Load rather than rejected.
type DiscoveryConfig struct {
	WindowDays           int      `yaml:"window_days" validate:"gte=1,lte=14"`
	TimeSlots            []string `yaml:"time_slots" validate:"min=1,dive,len=5"`
	PartySizes           []int    `yaml:"party_sizes" validate:"min=1"`
	MaxConcurrentBuckets int      `yaml:"max_concurrent_buckets" validate:"gte=1"`
	CooldownSeconds      int      `yaml:"bucket_cooldown_seconds" validate:"gte=5,lte=300"`
	TickSeconds          int      `yaml:"tick_seconds" validate:"gte=1,lte=60"`
	DedupeMinutes        int      `yaml:"notified_dedupe_minutes" validate:"gte=5,lte=1440"`
	PruneEveryNTicks     int      `yaml:"prune_every_n_ticks"`
	DateTimezone         string   `yaml:"date_timezone"`
	StaleBucketHours     int      `yaml:"stale_bucket_hours"`
}

type ProviderConfig struct {
	Default        string `yaml:"default"`
	PerPage        int    `yaml:"per_page" validate:"gte=20,lte=200"`
	MaxPages       int    `yaml:"max_pages" validate:"gte=1,lte=10"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=1,lte=35"`
	ResyBaseURL    string `yaml:"resy_base_url"`
	ResyAPIKey     string `yaml:"resy_api_key"`
	ResyAuthToken  string `yaml:"resy_auth_token"`
	OpenTableURL   string `yaml:"opentable_base_url"`
}

type NotifyConfig struct {
	IntervalSeconds   int    `yaml:"interval_seconds"`
	PushWindowMinutes int    `yaml:"push_window_minutes"`
	Email             string `yaml:"email"`
	SMTPHost          string `yaml:"smtp_host"`
	SMTPPort          int    `yaml:"smtp_port"`
	SMTPUser          string `yaml:"smtp_user"`
	SMTPPassword      string `yaml:"smtp_password"`
	EmailFrom         string `yaml:"email_from"`
	APNsKeyID         string `yaml:"apns_key_id"`
	APNsTeamID        string `yaml:"apns_team_id"`
	APNsBundleID      string `yaml:"apns_bundle_id"`
	APNsKeyPath       string `yaml:"apns_key_p8_path"`
	APNsKeyBase64     string `yaml:"apns_key_p8_base64"`
	APNsSandbox       bool   `yaml:"apns_use_sandbox"`
}

type RetentionConfig struct {
	DropEventsDays  int `yaml:"drop_events_days" validate:"gte=7,lte=30"`
	MetricsDays     int `yaml:"metrics_days"`
	RollingDays     int `yaml:"rolling_metrics_days"`
	DailyRunHourUTC int `yaml:"daily_run_hour_utc" validate:"gte=0,lte=23"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration used when no config file is
// present. Every value can be overridden by config.yaml and then by env vars.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, ReadTimeoutMS: 15000, WriteTimeoutMS: 30000},
		Discovery: DiscoveryConfig{
			WindowDays:           14,
			TimeSlots:            []string{"15:00", "20:30"},
			PartySizes:           []int{2, 4},
			MaxConcurrentBuckets: 7,
			CooldownSeconds:      10,
			TickSeconds:          2,
			DedupeMinutes:        30,
			PruneEveryNTicks:     30,
			DateTimezone:         "America/New_York",
			StaleBucketHours:     4,
		},
		Provider: ProviderConfig{
			Default:        "resy",
			PerPage:        100,
			MaxPages:       5,
			TimeoutSeconds: 15,
		},
		Notify: NotifyConfig{
			IntervalSeconds:   60,
			PushWindowMinutes: 15,
			SMTPHost:          "smtp.gmail.com",
			SMTPPort:          587,
			APNsSandbox:       true,
		},
		Retention: RetentionConfig{
			DropEventsDays:  7,
			MetricsDays:     90,
			RollingDays:     60,
			DailyRunHourUTC: 9,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from file (if it exists), applies environment
// variable overrides, clamps documented bounds, then validates.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.clamp()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// clamp enforces the documented bounds in place so a bad env var degrades to
// the nearest legal value instead of refusing to boot.
func (c *Config) clamp() {
	clampInt(&c.Discovery.WindowDays, 1, 14)
	clampInt(&c.Discovery.CooldownSeconds, 5, 300)
	clampInt(&c.Discovery.TickSeconds, 1, 60)
	clampInt(&c.Discovery.DedupeMinutes, 5, 1440)
	clampInt(&c.Provider.PerPage, 20, 200)
	clampInt(&c.Provider.MaxPages, 1, 10)
	clampInt(&c.Provider.TimeoutSeconds, 1, 35)
	clampInt(&c.Retention.DropEventsDays, 7, 30)
	clampInt(&c.Notify.IntervalSeconds, 10, 3600)
	clampInt(&c.Notify.PushWindowMinutes, 1, 120)
	if c.Discovery.MaxConcurrentBuckets < 1 {
		c.Discovery.MaxConcurrentBuckets = 1
	}
	if c.Discovery.PruneEveryNTicks < 1 {
		c.Discovery.PruneEveryNTicks = 30
	}
	if c.Discovery.StaleBucketHours < 1 {
		c.Discovery.StaleBucketHours = 4
	}
	// Keep the dedupe TTL at least twice the cooldown so a slot cannot be
	// re-emitted as a fresh drop on the very next poll.
	minDedupe := (2*c.Discovery.CooldownSeconds + 59) / 60
	if c.Discovery.DedupeMinutes < minDedupe {
		c.Discovery.DedupeMinutes = minDedupe
	}
}

func clampInt(v *int, min, max int) {
	if *v < min {
		*v = min
	}
	if *v > max {
		*v = max
	}
}

// applyEnvOverrides checks the documented environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	envInt("WINDOW_DAYS", &cfg.Discovery.WindowDays)
	envStrList("TIME_SLOTS", &cfg.Discovery.TimeSlots)
	envIntList("PARTY_SIZES", &cfg.Discovery.PartySizes)
	envInt("MAX_CONCURRENT_BUCKETS", &cfg.Discovery.MaxConcurrentBuckets)
	envInt("BUCKET_COOLDOWN_SECONDS", &cfg.Discovery.CooldownSeconds)
	envInt("TICK_SECONDS", &cfg.Discovery.TickSeconds)
	envInt("NOTIFIED_DEDUPE_MINUTES", &cfg.Discovery.DedupeMinutes)
	envInt("DROP_EVENTS_RETENTION_DAYS", &cfg.Retention.DropEventsDays)
	envInt("PROVIDER_PER_PAGE", &cfg.Provider.PerPage)
	envInt("PROVIDER_MAX_PAGES", &cfg.Provider.MaxPages)
	if v := os.Getenv("DATE_TIMEZONE"); v != "" {
		cfg.Discovery.DateTimezone = strings.TrimSpace(v)
	}
	if v := os.Getenv("RESY_API_KEY"); v != "" {
		cfg.Provider.ResyAPIKey = v
	}
	if v := os.Getenv("RESY_AUTH_TOKEN"); v != "" {
		cfg.Provider.ResyAuthToken = v
	}
	if v := os.Getenv("NOTIFICATION_EMAIL"); v != "" {
		cfg.Notify.Email = strings.TrimSpace(v)
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Notify.SMTPHost = v
	}
	envInt("SMTP_PORT", &cfg.Notify.SMTPPort)
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Notify.SMTPUser = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Notify.SMTPPassword = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.Notify.EmailFrom = v
	}
	if v := os.Getenv("APNS_KEY_ID"); v != "" {
		cfg.Notify.APNsKeyID = v
	}
	if v := os.Getenv("APNS_TEAM_ID"); v != "" {
		cfg.Notify.APNsTeamID = v
	}
	if v := os.Getenv("APNS_BUNDLE_ID"); v != "" {
		cfg.Notify.APNsBundleID = v
	}
	if v := os.Getenv("APNS_KEY_P8_PATH"); v != "" {
		cfg.Notify.APNsKeyPath = v
	}
	if v := os.Getenv("APNS_KEY_P8_BASE64"); v != "" {
		cfg.Notify.APNsKeyBase64 = v
	}
	if v := os.Getenv("APNS_USE_SANDBOX"); v != "" {
		cfg.Notify.APNsSandbox = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
}

func envInt(key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		*dst = v
	}
}

func envIntList(key string, dst *[]int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	var out []int
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if v, err := strconv.Atoi(s); err == nil {
			out = append(out, v)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func envStrList(key string, dst *[]string) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

// GetReadTimeout returns the HTTP read timeout as a duration.
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the HTTP write timeout as a duration.
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// GetTick returns the scheduler tick period.
func (d *DiscoveryConfig) GetTick() time.Duration {
	return time.Duration(d.TickSeconds) * time.Second
}

// GetCooldown returns the per-bucket re-poll cooldown.
func (d *DiscoveryConfig) GetCooldown() time.Duration {
	return time.Duration(d.CooldownSeconds) * time.Second
}

// GetDedupeTTL returns the drop-event dedupe window.
func (d *DiscoveryConfig) GetDedupeTTL() time.Duration {
	return time.Duration(d.DedupeMinutes) * time.Minute
}

// GetTimeout returns the provider HTTP timeout.
func (p *ProviderConfig) GetTimeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// GetInterval returns the notification fan-out period.
func (n *NotifyConfig) GetInterval() time.Duration {
	return time.Duration(n.IntervalSeconds) * time.Second
}

// GetPushWindow returns the freshness window for unsent drop events.
func (n *NotifyConfig) GetPushWindow() time.Duration {
	return time.Duration(n.PushWindowMinutes) * time.Minute
}

// PoolSize returns the pgx pool size: concurrent workers plus headroom for
// the scheduler and maintenance jobs.
func (c *Config) PoolSize() int {
	if c.Database.MaxOpenConns > 0 {
		return c.Database.MaxOpenConns
	}
	return c.Discovery.MaxConcurrentBuckets + 2
}

// IsLogLevelValid checks if the log level is valid.
func (l *LoggingConfig) IsLogLevelValid() bool {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
