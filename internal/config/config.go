// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // schedules must resolve Asia/Kolkata on hosts without zoneinfo

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Execution   ExecutionConfig `mapstructure:"execution"`
	Risk        RiskConfig      `mapstructure:"risk"`
	Simulator   SimulatorConfig `mapstructure:"simulator"`
	Brokers     BrokersConfig   `mapstructure:"brokers"`
	Store       StoreConfig     `mapstructure:"store"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Notify      NotifyConfig    `mapstructure:"notify"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Credentials Credentials     `mapstructure:"-"` // Loaded separately
}

// SchedulerConfig holds the timer loop and fan-out settings.
type SchedulerConfig struct {
	Timezone         string        `mapstructure:"timezone"`
	WindowStart      string        `mapstructure:"window_start"` // HH:MM
	WindowEnd        string        `mapstructure:"window_end"`   // HH:MM
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	LookaheadMinutes int           `mapstructure:"lookahead_minutes"`
	Weekdays         []string      `mapstructure:"weekdays"`
	Holidays         []string      `mapstructure:"holidays"` // YYYY-MM-DD
	BusWorkers       int           `mapstructure:"bus_workers"`
}

// ExecutionConfig holds queue and order defaults.
type ExecutionConfig struct {
	QueueWorkers     int           `mapstructure:"queue_workers"`
	QueueBuffer      int           `mapstructure:"queue_buffer"`
	DefaultProduct   string        `mapstructure:"default_product"`
	DefaultExchange  string        `mapstructure:"default_exchange"`
	DefaultOrderType string        `mapstructure:"default_order_type"`
	Dedup            string        `mapstructure:"dedup"` // memory, redis
	DedupTTL         time.Duration `mapstructure:"dedup_ttl"`
}

// RiskConfig holds lifecycle check settings.
type RiskConfig struct {
	DuplicateLookback time.Duration `mapstructure:"duplicate_lookback"`
	DuplicateGap      time.Duration `mapstructure:"duplicate_gap"`
	DuplicateStrategy string        `mapstructure:"duplicate_strategy"` // TIME_AND_SYMBOL, EXACT_MATCH, STRATEGY_BASED
	MaxRetries        int           `mapstructure:"max_retries"`
}

// SimulatorConfig holds paper broker settings.
type SimulatorConfig struct {
	SlippagePercent float64 `mapstructure:"slippage_percent"`
	DefaultPrice    float64 `mapstructure:"default_price"`
	InitialMargin   float64 `mapstructure:"initial_margin"`
}

// BrokersConfig holds live broker endpoints and limits.
type BrokersConfig struct {
	Kite    BrokerEndpoint `mapstructure:"kite"`
	Gateway BrokerEndpoint `mapstructure:"gateway"`
	Breaker BreakerConfig  `mapstructure:"breaker"`
}

// BrokerEndpoint holds a live broker's REST settings.
type BrokerEndpoint struct {
	BaseURL     string        `mapstructure:"base_url"`
	AuthURL     string        `mapstructure:"auth_url"`
	TokenURL    string        `mapstructure:"token_url"`
	RedirectURL string        `mapstructure:"redirect_url"`
	RateLimit   float64       `mapstructure:"rate_limit"` // requests per second
	Burst       int           `mapstructure:"burst"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// BreakerConfig holds circuit breaker thresholds for live brokers.
type BreakerConfig struct {
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig holds the optional shared dedup store.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// NotifyConfig holds broadcast settings.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Terminal   bool          `mapstructure:"terminal"`
	Bell       bool          `mapstructure:"bell"`
	Level      string        `mapstructure:"level"` // all, orders_only, errors_only
}

// MetricsConfig holds the ops server settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// Credentials holds broker application credentials.
type Credentials struct {
	Kite    KiteCredentials    `mapstructure:"kite"`
	Gateway GatewayCredentials `mapstructure:"gateway"`
	// TokenKey seals stored broker access tokens when set.
	TokenKey string `mapstructure:"token_key"`
}

// KiteCredentials holds Kite Connect app credentials.
type KiteCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// GatewayCredentials holds OAuth client credentials for the gateway broker.
type GatewayCredentials struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/options-executor"
	}
	return filepath.Join(home, ".config", "options-executor")
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("scheduler.timezone", "Asia/Kolkata")
	v.SetDefault("scheduler.window_start", "09:00")
	v.SetDefault("scheduler.window_end", "15:30")
	v.SetDefault("scheduler.tick_interval", 20*time.Second)
	v.SetDefault("scheduler.lookahead_minutes", 3)
	v.SetDefault("scheduler.weekdays", []string{"MON", "TUE", "WED", "THU", "FRI"})
	v.SetDefault("scheduler.bus_workers", 64)

	v.SetDefault("execution.queue_workers", 8)
	v.SetDefault("execution.queue_buffer", 1024)
	v.SetDefault("execution.default_product", "NRML")
	v.SetDefault("execution.default_exchange", "NFO")
	v.SetDefault("execution.default_order_type", "MARKET")
	v.SetDefault("execution.dedup", "memory")
	v.SetDefault("execution.dedup_ttl", 24*time.Hour)

	v.SetDefault("risk.duplicate_lookback", 5*time.Minute)
	v.SetDefault("risk.duplicate_gap", 60*time.Second)
	v.SetDefault("risk.duplicate_strategy", "TIME_AND_SYMBOL")
	v.SetDefault("risk.max_retries", 3)

	v.SetDefault("simulator.slippage_percent", 0.1)
	v.SetDefault("simulator.default_price", 100.0)
	v.SetDefault("simulator.initial_margin", 1000000.0)

	v.SetDefault("brokers.kite.base_url", "https://api.kite.trade")
	v.SetDefault("brokers.kite.rate_limit", 10.0)
	v.SetDefault("brokers.kite.burst", 10)
	v.SetDefault("brokers.kite.timeout", 7*time.Second)
	v.SetDefault("brokers.gateway.base_url", "https://api.gateway.example.com/v2")
	v.SetDefault("brokers.gateway.auth_url", "https://api.gateway.example.com/oauth/authorize")
	v.SetDefault("brokers.gateway.token_url", "https://api.gateway.example.com/oauth/token")
	v.SetDefault("brokers.gateway.redirect_url", "http://127.0.0.1:8765/callback")
	v.SetDefault("brokers.gateway.rate_limit", 5.0)
	v.SetDefault("brokers.gateway.burst", 5)
	v.SetDefault("brokers.gateway.timeout", 10*time.Second)
	v.SetDefault("brokers.breaker.max_failures", 5)
	v.SetDefault("brokers.breaker.reset_timeout", 30*time.Second)

	v.SetDefault("store.path", filepath.Join(configDir, "executor.db"))
	v.SetDefault("redis.url", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", 5*time.Second)
	v.SetDefault("notify.terminal", false)
	v.SetDefault("notify.bell", false)
	v.SetDefault("notify.level", "all")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "executor.log"))
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	// Load main config
	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	// Load credentials
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	v.SetEnvPrefix("EXECUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Config file not found, write a template and run on defaults
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// Kite Connect credentials
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}

	// Gateway OAuth client
	if v := os.Getenv("GATEWAY_CLIENT_ID"); v != "" {
		cfg.Credentials.Gateway.ClientID = v
	}
	if v := os.Getenv("GATEWAY_CLIENT_SECRET"); v != "" {
		cfg.Credentials.Gateway.ClientSecret = v
	}

	if v := os.Getenv("EXECUTOR_TOKEN_KEY"); v != "" {
		cfg.Credentials.TokenKey = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
}

var duplicateStrategies = map[string]bool{
	"TIME_AND_SYMBOL": true,
	"EXACT_MATCH":     true,
	"STRATEGY_BASED":  true,
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate scheduler window
	start, err := time.Parse("15:04", c.Scheduler.WindowStart)
	if err != nil {
		return fmt.Errorf("invalid window_start %q: %w", c.Scheduler.WindowStart, err)
	}
	end, err := time.Parse("15:04", c.Scheduler.WindowEnd)
	if err != nil {
		return fmt.Errorf("invalid window_end %q: %w", c.Scheduler.WindowEnd, err)
	}
	if !end.After(start) {
		return fmt.Errorf("window_end %s must be after window_start %s", c.Scheduler.WindowEnd, c.Scheduler.WindowStart)
	}
	if c.Scheduler.TickInterval <= 0 || c.Scheduler.TickInterval >= time.Minute {
		return fmt.Errorf("tick_interval must be positive and under a minute, got %s", c.Scheduler.TickInterval)
	}
	if c.Scheduler.LookaheadMinutes < 1 {
		return fmt.Errorf("lookahead_minutes must be at least 1")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Scheduler.Timezone, err)
	}
	for _, d := range c.Scheduler.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("invalid holiday %q: expected YYYY-MM-DD", d)
		}
	}

	// Validate execution
	if c.Execution.QueueWorkers <= 0 {
		return fmt.Errorf("queue_workers must be positive")
	}
	if c.Execution.Dedup != "memory" && c.Execution.Dedup != "redis" {
		return fmt.Errorf("invalid dedup backend: %s (must be 'memory' or 'redis')", c.Execution.Dedup)
	}
	if c.Execution.Dedup == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("redis dedup requires redis.url")
	}

	// Validate risk parameters
	if !duplicateStrategies[c.Risk.DuplicateStrategy] {
		return fmt.Errorf("unknown duplicate_strategy: %s", c.Risk.DuplicateStrategy)
	}
	if c.Risk.DuplicateLookback <= 0 || c.Risk.DuplicateGap <= 0 {
		return fmt.Errorf("duplicate_lookback and duplicate_gap must be positive")
	}
	if c.Risk.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}

	switch c.Notify.Level {
	case "all", "orders_only", "errors_only":
	default:
		return fmt.Errorf("invalid notify level: %s", c.Notify.Level)
	}

	// Validate simulator
	if c.Simulator.SlippagePercent < 0 || c.Simulator.SlippagePercent > 100 {
		return fmt.Errorf("slippage_percent must be between 0 and 100")
	}

	return nil
}

// Location returns the scheduler time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}
