package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jidegrand/travelcart/internal/logging"
)

const (
	minWatchDelay       = 500 * time.Millisecond
	minHistoryDepth     = 5
	maxHistoryDepth     = 10
	defaultEnvPrefix    = "TRAVELCART"
	defaultAmadeusBase  = "https://test.api.amadeus.com"
	defaultTelegramBase = "https://api.telegram.org"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	EnvFile     string `mapstructure:"env_file"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the re-check cadence and per-run pacing.
type SchedulerConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Offset           time.Duration `mapstructure:"offset"`
	AlignToBucket    bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
	RunOnStart       bool          `mapstructure:"run_on_start"`
	WatchDelay       time.Duration `mapstructure:"watch_delay"`
	Workers          int           `mapstructure:"workers"`
	HistoryDepth     int           `mapstructure:"history_depth"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	MaxUpdateRetries int           `mapstructure:"max_update_retries"`
}

// ProviderConfig selects and configures the fare source.
type ProviderConfig struct {
	Kind           string        `mapstructure:"kind"`
	BaseURL        string        `mapstructure:"base_url"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Currency       string        `mapstructure:"currency"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AlertingConfig defines throttling and routing of notifications.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	ThrottleWindow time.Duration  `mapstructure:"throttle_window"`
	Retention      time.Duration  `mapstructure:"retention"`
	Channels       []string       `mapstructure:"channels"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
	Kafka          KafkaConfig    `mapstructure:"kafka"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// KafkaConfig describes the notification event stream.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// CacheConfig configures the redis watch mirror.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ServerConfig configures the HTTP trigger surface.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	CronSecret      string        `mapstructure:"cron_secret"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	v := viper.New()
	v.SetEnvPrefix(defaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads .env next to the config file and in the working
// directory. Variables already set in the environment win.
func loadDotEnv(path string) {
	if path != "" {
		_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	}
	if custom := os.Getenv(defaultEnvPrefix + "_APP_ENV_FILE"); custom != "" {
		_ = godotenv.Load(custom)
	}
	_ = godotenv.Load(".env")
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "travelcart")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.env_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("scheduler.interval", "6h")
	v.SetDefault("scheduler.offset", "4h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74636172))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.watch_delay", "500ms")
	v.SetDefault("scheduler.workers", 1)
	v.SetDefault("scheduler.history_depth", 5)
	v.SetDefault("scheduler.call_timeout", "15s")
	v.SetDefault("scheduler.max_update_retries", 3)

	v.SetDefault("provider.kind", "amadeus")
	v.SetDefault("provider.base_url", defaultAmadeusBase)
	v.SetDefault("provider.client_id", "")
	v.SetDefault("provider.client_secret", "")
	v.SetDefault("provider.request_timeout", "10s")
	v.SetDefault("provider.rate_per_second", 2.0)
	v.SetDefault("provider.currency", "USD")
	v.SetDefault("provider.user_agent", "travelcart/1.0")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.throttle_window", "24h")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", defaultTelegramBase)
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("alerting.kafka.topic", "travelcart.notifications")
	v.SetDefault("alerting.kafka.write_timeout", "10s")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", "6h")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.cron_secret", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) normalize() {
	if c.Scheduler.HistoryDepth < minHistoryDepth {
		c.Scheduler.HistoryDepth = minHistoryDepth
	}
	if c.Scheduler.HistoryDepth > maxHistoryDepth {
		c.Scheduler.HistoryDepth = maxHistoryDepth
	}
	if c.Scheduler.Workers < 1 {
		c.Scheduler.Workers = 1
	}
	c.Provider.Kind = strings.ToLower(strings.TrimSpace(c.Provider.Kind))
	c.Provider.Currency = strings.ToUpper(strings.TrimSpace(c.Provider.Currency))
	for i, ch := range c.Alerting.Channels {
		c.Alerting.Channels[i] = strings.ToLower(strings.TrimSpace(ch))
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Offset < 0 || c.Scheduler.Offset >= c.Scheduler.Interval {
		return fmt.Errorf("scheduler.offset must be within [0, interval)")
	}
	if c.Scheduler.WatchDelay < minWatchDelay {
		return fmt.Errorf("scheduler.watch_delay must be at least %s", minWatchDelay)
	}
	if c.Scheduler.CallTimeout <= 0 {
		return fmt.Errorf("scheduler.call_timeout must be greater than zero")
	}
	if c.Scheduler.MaxUpdateRetries < 0 {
		return fmt.Errorf("scheduler.max_update_retries cannot be negative")
	}
	switch c.Provider.Kind {
	case "amadeus":
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider.base_url must be configured")
		}
		if c.Provider.RatePerSecond <= 0 {
			return fmt.Errorf("provider.rate_per_second must be greater than zero")
		}
	case "static":
	default:
		return fmt.Errorf("provider.kind %q is not supported", c.Provider.Kind)
	}
	if c.Alerting.ThrottleWindow <= 0 {
		return fmt.Errorf("alerting.throttle_window must be greater than zero")
	}
	if c.Alerting.Retention < 0 {
		return fmt.Errorf("alerting.retention cannot be negative")
	}
	if c.Alerting.Retention != 0 && c.Alerting.Retention < c.Alerting.ThrottleWindow {
		return fmt.Errorf("alerting.retention must be zero or at least alerting.throttle_window")
	}
	for _, ch := range c.Alerting.Channels {
		if ch != "telegram" && ch != "kafka" {
			return fmt.Errorf("alerting.channels: unknown channel %q", ch)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	if c.Alerting.Kafka.Enabled {
		if len(c.Alerting.Kafka.Brokers) == 0 {
			return fmt.Errorf("alerting.kafka.brokers must be configured")
		}
		if c.Alerting.Kafka.Topic == "" {
			return fmt.Errorf("alerting.kafka.topic must be configured")
		}
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr must be configured")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
