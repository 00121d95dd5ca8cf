// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SCALPEL_HITL_DATABASE_URL overrides database.url.
const EnvPrefix = "SCALPEL_HITL"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Runs() RunsConfig
	Vault() VaultConfig
	Learning() LearningConfig
	Server() ServerConfig
	Notify() NotifyConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	Maintenance() MaintenanceConfig

	SetEngineWorkerConcurrency(int)
	SetServerAddr(string)
	SetDatabaseDriver(string)
}

// Config holds the entire application configuration. Fields are exported for
// viper's decoder; consumers go through the Interface getters.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	EngineCfg      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	RunsCfg        RunsConfig        `mapstructure:"runs" yaml:"runs"`
	VaultCfg       VaultConfig       `mapstructure:"vault" yaml:"vault"`
	LearningCfg    LearningConfig    `mapstructure:"learning" yaml:"learning"`
	ServerCfg      ServerConfig      `mapstructure:"server" yaml:"server"`
	NotifyCfg      NotifyConfig      `mapstructure:"notify" yaml:"notify"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	NetworkCfg     NetworkConfig     `mapstructure:"network" yaml:"network"`
	MaintenanceCfg MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig           { return c.EngineCfg }
func (c *Config) Runs() RunsConfig               { return c.RunsCfg }
func (c *Config) Vault() VaultConfig             { return c.VaultCfg }
func (c *Config) Learning() LearningConfig       { return c.LearningCfg }
func (c *Config) Server() ServerConfig           { return c.ServerCfg }
func (c *Config) Notify() NotifyConfig           { return c.NotifyCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig         { return c.NetworkCfg }
func (c *Config) Maintenance() MaintenanceConfig { return c.MaintenanceCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }
func (c *Config) SetServerAddr(addr string)        { c.ServerCfg.Addr = addr }
func (c *Config) SetDatabaseDriver(d string)       { c.DatabaseCfg.Driver = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Supported store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DatabaseConfig selects and connects the persistent store.
type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver" yaml:"driver"`
	URL            string        `mapstructure:"url" yaml:"url"`
	MaxConns       int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	AutoMigrate    bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// EngineConfig configures the run worker pool.
type EngineConfig struct {
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
}

// RunsConfig bounds retries and waiting.
type RunsConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	// WaitTimeout abandons runs left waiting for a human longer than this.
	// Zero waits forever.
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
}

// VaultConfig tunes session health tracking.
type VaultConfig struct {
	StaleAfterSoftFailures int           `mapstructure:"stale_after_soft_failures" yaml:"stale_after_soft_failures"`
	DefaultTTL             time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
}

// LearningConfig tunes domain classification and engine recommendation.
type LearningConfig struct {
	MinSamples          int64    `mapstructure:"min_samples" yaml:"min_samples"`
	InfraBlockThreshold float64  `mapstructure:"infra_block_threshold" yaml:"infra_block_threshold"`
	HumanBlockThreshold float64  `mapstructure:"human_block_threshold" yaml:"human_block_threshold"`
	Engines             []string `mapstructure:"engines" yaml:"engines"`
}

// ServerConfig configures the HTTP API and event stream.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AuthSecret enables HS256 bearer authentication on the API when set.
	AuthSecret string `mapstructure:"auth_secret" yaml:"-"`
}

// NotifyConfig configures operator notifications for new interventions.
type NotifyConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url" yaml:"-"`
	Log             bool   `mapstructure:"log" yaml:"log"`
	DashboardURL    string `mapstructure:"dashboard_url" yaml:"dashboard_url"`
}

// BrowserConfig holds settings for the headless browser engine.
type BrowserConfig struct {
	Enabled         bool     `mapstructure:"enabled" yaml:"enabled"`
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string `mapstructure:"args" yaml:"args"`
}

// ProxyConfig names the egress provider attempts go through.
type ProxyConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	URL      string `mapstructure:"url" yaml:"url"`
}

// NetworkConfig tunes the plain HTTP engine.
type NetworkConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	RateLimit       float64           `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst       int               `mapstructure:"rate_burst" yaml:"rate_burst"`
	UserAgent       string            `mapstructure:"user_agent" yaml:"user_agent"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers"`
	MaxBodyBytes    int64             `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Proxy           ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
}

// MaintenanceConfig schedules background sweeps (standard 5-field cron).
type MaintenanceConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
	// RequeueAfter re-queues running runs not updated for this long. Zero
	// disables it.
	RequeueAfter time.Duration `mapstructure:"requeue_after" yaml:"requeue_after"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-hitl")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.auto_migrate", true)

	// -- Engine --
	v.SetDefault("engine.queue_size", 1000)
	v.SetDefault("engine.worker_concurrency", 4)
	v.SetDefault("engine.attempt_timeout", "2m")

	// -- Runs --
	v.SetDefault("runs.max_attempts", 3)
	v.SetDefault("runs.retry_backoff", "2s")
	v.SetDefault("runs.wait_timeout", "0s")

	// -- Vault --
	v.SetDefault("vault.stale_after_soft_failures", 3)
	v.SetDefault("vault.default_ttl", "0s")

	// -- Learning --
	v.SetDefault("learning.min_samples", 5)
	v.SetDefault("learning.infra_block_threshold", 0.3)
	v.SetDefault("learning.human_block_threshold", 0.5)
	v.SetDefault("learning.engines", []string{"http", "browser"})

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:8480")
	v.SetDefault("server.heartbeat_interval", "30s")
	v.SetDefault("server.subscriber_buffer", 64)
	v.SetDefault("server.shutdown_timeout", "10s")

	// -- Notify --
	v.SetDefault("notify.log", true)

	// -- Browser --
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.rate_limit", 1.0)
	v.SetDefault("network.rate_burst", 2)
	v.SetDefault("network.user_agent", "scalpel-hitl/1.0")
	v.SetDefault("network.max_body_bytes", 5<<20)
	v.SetDefault("network.proxy.provider", "direct")

	// -- Maintenance --
	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.schedule", "*/5 * * * *")
	v.SetDefault("maintenance.requeue_after", "10m")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Secrets are never expected in the config file.
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL")
	_ = v.BindEnv("notify.slack_webhook_url", EnvPrefix+"_SLACK_WEBHOOK_URL")
	_ = v.BindEnv("server.auth_secret", EnvPrefix+"_AUTH_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LoggerCfg.LogFile != "" {
		expanded, err := homedir.Expand(cfg.LoggerCfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("expanding logger.log_file: %w", err)
		}
		cfg.LoggerCfg.LogFile = expanded
	}
	if cfg.BrowserCfg.ExecPath != "" {
		expanded, err := homedir.Expand(cfg.BrowserCfg.ExecPath)
		if err != nil {
			return nil, fmt.Errorf("expanding browser.exec_path: %w", err)
		}
		cfg.BrowserCfg.ExecPath = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.DatabaseCfg.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseCfg.URL == "" {
			return fmt.Errorf("database.url is required when database.driver is postgres")
		}
	default:
		return fmt.Errorf("database.driver must be one of %q or %q, got %q", DriverPostgres, DriverMemory, c.DatabaseCfg.Driver)
	}
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.EngineCfg.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be a positive integer")
	}
	if c.RunsCfg.MaxAttempts <= 0 {
		return fmt.Errorf("runs.max_attempts must be a positive integer")
	}
	if c.RunsCfg.WaitTimeout < 0 {
		return fmt.Errorf("runs.wait_timeout must not be negative")
	}
	if c.VaultCfg.StaleAfterSoftFailures <= 0 {
		return fmt.Errorf("vault.stale_after_soft_failures must be a positive integer")
	}
	if err := c.LearningCfg.Validate(); err != nil {
		return fmt.Errorf("learning configuration invalid: %w", err)
	}
	if c.ServerCfg.SubscriberBuffer <= 0 {
		return fmt.Errorf("server.subscriber_buffer must be a positive integer")
	}
	if c.MaintenanceCfg.Enabled && c.MaintenanceCfg.Schedule == "" {
		return fmt.Errorf("maintenance.schedule is required when maintenance is enabled")
	}
	if c.MaintenanceCfg.RequeueAfter < 0 {
		return fmt.Errorf("maintenance.requeue_after must not be negative")
	}
	return nil
}

// Validate checks the learning thresholds.
func (l *LearningConfig) Validate() error {
	if l.MinSamples <= 0 {
		return fmt.Errorf("min_samples must be a positive integer")
	}
	if l.InfraBlockThreshold <= 0 || l.InfraBlockThreshold > 1 {
		return fmt.Errorf("infra_block_threshold must be in (0, 1]")
	}
	if l.HumanBlockThreshold <= 0 || l.HumanBlockThreshold > 1 {
		return fmt.Errorf("human_block_threshold must be in (0, 1]")
	}
	if l.HumanBlockThreshold < l.InfraBlockThreshold {
		return fmt.Errorf("human_block_threshold must not be below infra_block_threshold")
	}
	if len(l.Engines) == 0 {
		return fmt.Errorf("engines must list at least one engine")
	}
	return nil
}
