// config.go — Process configuration: YAML file, environment overlay, validation.
// Numeric knobs keep their unit in the name (minutes, ms) so the YAML reads
// the same as the runtime logs. Secrets always come from the environment;
// the file may hold them only in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Registry    string         `yaml:"registry" validate:"required"` // path to the tenant roster file
	Dev         bool           `yaml:"dev"`
	HTTP        HTTPConfig     `yaml:"http"`
	Database    DatabaseConfig `yaml:"database"`
	ObjectStore StoreConfig    `yaml:"object_store"`
	Renderer    RendererConfig `yaml:"renderer"`
	LLM         LLMConfig      `yaml:"llm"`
	Schedule    ScheduleConfig `yaml:"schedule"`
	Extract     ExtractConfig  `yaml:"extract"`
	Alerts      AlertConfig    `yaml:"alerts"`
	Seed        SeedConfig     `yaml:"seed"`
	Design      DesignConfig   `yaml:"design"`
}

// HTTPConfig configures the ops/status server.
type HTTPConfig struct {
	Addr        string   `yaml:"addr" validate:"required"`
	CORSOrigins []string `yaml:"cors_origins"` // dashboard origins allowed to poll the status API
}

// DatabaseConfig configures the relational repository.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
	Migrate      bool   `yaml:"migrate"` // run embedded migrations at startup
}

// StoreConfig configures the object store holding discovery caches and
// design captures.
type StoreConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=redis filesystem"`
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
	Root      string `yaml:"root" validate:"required_if=Backend filesystem"`
}

// RendererConfig points at the external headless-browser service.
type RendererConfig struct {
	Endpoint          string `yaml:"endpoint" validate:"required,url"`
	Secret            string `yaml:"secret"`
	NavigateTimeoutMs int    `yaml:"navigate_timeout_ms"`
	LoadTimeoutMs     int    `yaml:"load_timeout_ms"`
}

// LLMConfig configures selector repair and the vision design-token calls.
type LLMConfig struct {
	APIKey                 string  `yaml:"api_key"` // ANTHROPIC_API_KEY wins over the file
	Model                  string  `yaml:"model"`
	VisionModel            string  `yaml:"vision_model"`
	MaxConcurrentPerTenant int     `yaml:"max_concurrent_per_tenant"`
	RepairTimeoutMs        int     `yaml:"repair_timeout_ms"`
	MaxDOMSize             int     `yaml:"max_dom_size"`
	MaxTokens              int     `yaml:"max_tokens"`
	Temperature            float64 `yaml:"temperature"`
}

// ScheduleConfig holds the scheduler and budget policy knobs.
type ScheduleConfig struct {
	TickIntervalSec          int     `yaml:"tick_interval_sec"`
	Workers                  int     `yaml:"workers" validate:"gte=0"`
	MaxRenderIntervalMinutes int     `yaml:"max_render_interval_minutes"`
	BackoffAfterDays         int     `yaml:"backoff_after_days"`
	BackoffMultiplier        float64 `yaml:"backoff_multiplier" validate:"gt=0,lte=1"`
	TenantMonthlyRenderCap   int     `yaml:"tenant_monthly_render_cap"`
	GlobalMonthlyRenderCap   int     `yaml:"global_monthly_render_cap"`
	BudgetWarnRatio          float64 `yaml:"budget_warn_ratio" validate:"gt=0,lte=1"`
	AutoDiscovery            bool    `yaml:"auto_discovery"`
	// RenderPolicy decides which render flag dominates when both are set:
	// "tenant" (requires_browser wins, the default) or "page" (the page's
	// render_required wins).
	RenderPolicy string `yaml:"render_policy" validate:"oneof=tenant page"`
}

// ExtractConfig holds the orchestrator and self-heal thresholds.
type ExtractConfig struct {
	MinCacheHealthForFastPath  float64 `yaml:"min_cache_health_for_fast_path" validate:"gte=0,lte=1"`
	FailureThreshold           int     `yaml:"failure_threshold" validate:"gte=1"`
	MaxFailuresBeforeDiscovery int     `yaml:"max_failures_before_discovery" validate:"gte=1"`
	APIProbeTimeoutMs          int     `yaml:"api_probe_timeout_ms"`
	PersistDebounceMs          int     `yaml:"persist_debounce_ms"`
}

// AlertConfig configures notification transports and batch cadence.
type AlertConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	EmailWebhookURL   string `yaml:"email_webhook_url"`
	HourlyIntervalMin int    `yaml:"hourly_interval_min"`
	DailyIntervalMin  int    `yaml:"daily_interval_min"`
	RetryIntervalMin  int    `yaml:"retry_interval_min"`
	DashboardBaseURL  string `yaml:"dashboard_base_url"` // action buttons link here
}

// SeedConfig configures sitemap seeding.
type SeedConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxPagesPerTenant int  `yaml:"max_pages_per_tenant"`
	MaxDepth          int  `yaml:"max_depth"`
}

// DesignConfig configures periodic design captures.
type DesignConfig struct {
	Enabled       bool    `yaml:"enabled"`
	HashThreshold float64 `yaml:"hash_threshold" validate:"gte=0,lte=1"` // hamming distance / hash bits
	IntervalHours int     `yaml:"interval_hours"`
}

// Duration views over the unit-suffixed ints.

func (r RendererConfig) NavigateTimeout() time.Duration {
	return time.Duration(r.NavigateTimeoutMs) * time.Millisecond
}
func (r RendererConfig) LoadTimeout() time.Duration {
	return time.Duration(r.LoadTimeoutMs) * time.Millisecond
}
func (l LLMConfig) RepairTimeout() time.Duration {
	return time.Duration(l.RepairTimeoutMs) * time.Millisecond
}
func (s ScheduleConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSec) * time.Second
}
func (s ScheduleConfig) MaxRenderInterval() time.Duration {
	return time.Duration(s.MaxRenderIntervalMinutes) * time.Minute
}
func (e ExtractConfig) APIProbeTimeout() time.Duration {
	return time.Duration(e.APIProbeTimeoutMs) * time.Millisecond
}
func (e ExtractConfig) PersistDebounce() time.Duration {
	return time.Duration(e.PersistDebounceMs) * time.Millisecond
}
func (a AlertConfig) HourlyInterval() time.Duration {
	return time.Duration(a.HourlyIntervalMin) * time.Minute
}
func (a AlertConfig) DailyInterval() time.Duration {
	return time.Duration(a.DailyIntervalMin) * time.Minute
}
func (a AlertConfig) RetryInterval() time.Duration {
	return time.Duration(a.RetryIntervalMin) * time.Minute
}
func (d DesignConfig) Interval() time.Duration {
	return time.Duration(d.IntervalHours) * time.Hour
}

// Load reads the YAML file at path, overlays environment variables, fills
// defaults, and validates. The environment always wins for secrets.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	overlay(&c.Database.DSN, "OEMWATCH_DB_DSN")
	overlay(&c.ObjectStore.RedisAddr, "OEMWATCH_REDIS_ADDR")
	overlay(&c.Renderer.Endpoint, "OEMWATCH_RENDERER_ENDPOINT")
	overlay(&c.Renderer.Secret, "OEMWATCH_RENDERER_SECRET")
	overlay(&c.LLM.APIKey, "ANTHROPIC_API_KEY")
	overlay(&c.Alerts.SlackWebhookURL, "OEMWATCH_SLACK_WEBHOOK_URL")
	overlay(&c.Alerts.EmailWebhookURL, "OEMWATCH_EMAIL_WEBHOOK_URL")
	overlay(&c.HTTP.Addr, "OEMWATCH_HTTP_ADDR")
	if v, ok := os.LookupEnv("OEMWATCH_DEV"); ok {
		c.Dev, _ = strconv.ParseBool(v)
	}
}

func (c *Config) applyDefaults() {
	defStr(&c.HTTP.Addr, ":8710")
	defInt(&c.Database.MaxOpenConns, 8)
	defStr(&c.ObjectStore.Backend, "filesystem")
	defStr(&c.ObjectStore.Root, "data/objects")
	defInt(&c.Renderer.NavigateTimeoutMs, 20_000)
	defInt(&c.Renderer.LoadTimeoutMs, 15_000)
	defStr(&c.LLM.Model, "claude-sonnet-4-5")
	defStr(&c.LLM.VisionModel, "claude-sonnet-4-5")
	defInt(&c.LLM.MaxConcurrentPerTenant, 2)
	defInt(&c.LLM.RepairTimeoutMs, 30_000)
	defInt(&c.LLM.MaxDOMSize, 50_000)
	defInt(&c.LLM.MaxTokens, 200)
	defFloat(&c.LLM.Temperature, 0.1)
	defInt(&c.Schedule.TickIntervalSec, 60)
	defInt(&c.Schedule.Workers, 4)
	defInt(&c.Schedule.MaxRenderIntervalMinutes, 120)
	defInt(&c.Schedule.BackoffAfterDays, 7)
	defFloat(&c.Schedule.BackoffMultiplier, 0.5)
	defInt(&c.Schedule.TenantMonthlyRenderCap, 1000)
	defInt(&c.Schedule.GlobalMonthlyRenderCap, 10_000)
	defFloat(&c.Schedule.BudgetWarnRatio, 0.8)
	defStr(&c.Schedule.RenderPolicy, "tenant")
	defFloat(&c.Extract.MinCacheHealthForFastPath, 0.3)
	defInt(&c.Extract.FailureThreshold, 3)
	defInt(&c.Extract.MaxFailuresBeforeDiscovery, 5)
	defInt(&c.Extract.APIProbeTimeoutMs, 10_000)
	defInt(&c.Extract.PersistDebounceMs, 30_000)
	defInt(&c.Alerts.HourlyIntervalMin, 60)
	defInt(&c.Alerts.DailyIntervalMin, 1440)
	defInt(&c.Alerts.RetryIntervalMin, 5)
	defInt(&c.Seed.MaxPagesPerTenant, 500)
	defInt(&c.Seed.MaxDepth, 3)
	defFloat(&c.Design.HashThreshold, 0.3)
	defInt(&c.Design.IntervalHours, 168)
}

func overlay(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func defStr(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func defInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func defFloat(dst *float64, v float64) {
	if *dst == 0 {
		*dst = v
	}
}
