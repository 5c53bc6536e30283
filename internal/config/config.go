// Package config provides configuration management for the auto-sell trader.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "kis-autosell/internal/errors"
)

// Config holds all application configuration. It is read once at startup and
// treated as immutable for the process lifetime.
type Config struct {
	Mode          string             `mapstructure:"-"` // "production" or "development"
	API           APIConfig          `mapstructure:"api"`
	Trading       TradingConfig      `mapstructure:"trading"`
	RateLimit     RateLimitConfig    `mapstructure:"rate_limit"`
	Session       SessionConfig      `mapstructure:"session"`
	Stream        StreamConfig       `mapstructure:"stream"`
	Polling       PollingConfig      `mapstructure:"polling"`
	Emergency     EmergencyConfig    `mapstructure:"emergency"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Store         StoreConfig        `mapstructure:"store"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Credentials   Credentials        `mapstructure:"-"` // loaded from environment
}

// APIConfig holds KIS endpoint configuration.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WebsocketURL   string        `mapstructure:"websocket_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Symbol             string  `mapstructure:"symbol"`        // symbol watched on the real-time feed
	ExchangeCode       string  `mapstructure:"exchange_code"` // NASD, NYSE, AMEX
	TargetProfitRate   float64 `mapstructure:"target_profit_rate"`
	OrderRetryAttempts int     `mapstructure:"order_retry_attempts"`
}

// RateLimitConfig holds the outbound call ceilings.
type RateLimitConfig struct {
	PerSecond          int           `mapstructure:"per_second"`
	PerHour            int           `mapstructure:"per_hour"`
	PerDay             int           `mapstructure:"per_day"`
	WarnFraction       float64       `mapstructure:"warn_fraction"`
	MinRequestInterval time.Duration `mapstructure:"min_request_interval"`
}

// SessionConfig holds the exchange-local session boundaries.
type SessionConfig struct {
	Timezone       string `mapstructure:"timezone"`
	PreMarketStart string `mapstructure:"premarket_start"` // "HH:MM"
	RegularStart   string `mapstructure:"regular_start"`
	RegularEnd     string `mapstructure:"regular_end"`
}

// StreamConfig holds stream supervisor configuration.
type StreamConfig struct {
	MaxFailures    int           `mapstructure:"max_failures"`
	SilenceTimeout time.Duration `mapstructure:"silence_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// PollingConfig holds adaptive poller configuration.
type PollingConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
}

// EmergencyConfig holds emergency stop trip thresholds.
type EmergencyConfig struct {
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	APISilenceTimeout    time.Duration `mapstructure:"api_silence_timeout"`
	StreamFailedTrips    int           `mapstructure:"stream_failed_trips"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, trades_only, errors_only
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
}

// TelegramConfig holds Telegram notification configuration. Token and chat
// id come from the environment.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"-"`
	ChatID   string `mapstructure:"-"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig holds prometheus listener configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds log file configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Credentials holds KIS API credentials, split from the environment.
type Credentials struct {
	AppKey     string
	AppSecret  string
	AccountNo  string // raw, as provided
	CANO       string // first 8 digits
	AcntPrdtCd string // last 2 digits
}

// Load reads configuration from the given file, applies defaults and
// environment overrides, and validates the result.
func Load(path, mode string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Mode = mode

	if err := loadCredentials(&cfg.Credentials); err != nil {
		return nil, err
	}

	// Telegram credentials are optional; the channel disables itself when
	// they are absent.
	cfg.Notifications.Telegram.BotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	cfg.Notifications.Telegram.ChatID = strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID"))
	if cfg.Notifications.Telegram.BotToken == "" || cfg.Notifications.Telegram.ChatID == "" {
		cfg.Notifications.Telegram.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("api.websocket_url", "ws://ops.koreainvestment.com:21000")
	v.SetDefault("api.request_timeout", 15*time.Second)

	v.SetDefault("trading.symbol", "AAPL")
	v.SetDefault("trading.exchange_code", "NASD")
	v.SetDefault("trading.target_profit_rate", 0.03)
	v.SetDefault("trading.order_retry_attempts", 3)

	v.SetDefault("rate_limit.per_second", 2)
	v.SetDefault("rate_limit.per_hour", 500)
	v.SetDefault("rate_limit.per_day", 5000)
	v.SetDefault("rate_limit.warn_fraction", 0.9)
	v.SetDefault("rate_limit.min_request_interval", 2500*time.Millisecond)

	v.SetDefault("session.timezone", "America/New_York")
	v.SetDefault("session.premarket_start", "04:00")
	v.SetDefault("session.regular_start", "09:30")
	v.SetDefault("session.regular_end", "16:00")

	v.SetDefault("stream.max_failures", 3)
	v.SetDefault("stream.silence_timeout", 5*time.Minute)
	v.SetDefault("stream.connect_timeout", 30*time.Second)

	v.SetDefault("polling.min_interval", 3*time.Second)
	v.SetDefault("polling.max_interval", 10*time.Second)

	v.SetDefault("emergency.max_consecutive_errors", 10)
	v.SetDefault("emergency.api_silence_timeout", 5*time.Minute)
	v.SetDefault("emergency.stream_failed_trips", 3)

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.level", "all")

	v.SetDefault("store.path", "autosell.db")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9109")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file_path", "logs/autosell.log")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

// loadCredentials reads KIS credentials from the environment and splits the
// account number into CANO (8 digits) and the product code (2 digits). Both
// "12345678-01" and "1234567801" forms are accepted.
func loadCredentials(creds *Credentials) error {
	creds.AppKey = strings.TrimSpace(os.Getenv("KIS_APP_KEY"))
	creds.AppSecret = strings.TrimSpace(os.Getenv("KIS_APP_SECRET"))
	creds.AccountNo = strings.TrimSpace(os.Getenv("KIS_ACCOUNT_NO"))

	var missing []string
	if creds.AppKey == "" {
		missing = append(missing, "KIS_APP_KEY")
	}
	if creds.AppSecret == "" {
		missing = append(missing, "KIS_APP_SECRET")
	}
	if creds.AccountNo == "" {
		missing = append(missing, "KIS_ACCOUNT_NO")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing environment variables: %s",
			apperrors.ErrConfigInvalid, strings.Join(missing, ", "))
	}

	raw := creds.AccountNo
	if i := strings.Index(raw, "-"); i >= 0 {
		creds.CANO = raw[:i]
		creds.AcntPrdtCd = raw[i+1:]
	} else if len(raw) == 10 && isDigits(raw) {
		creds.CANO = raw[:8]
		creds.AcntPrdtCd = raw[8:]
	} else {
		return fmt.Errorf("%w: account number must be 12345678-01 or 1234567801", apperrors.ErrConfigInvalid)
	}

	if len(creds.CANO) != 8 || !isDigits(creds.CANO) {
		return fmt.Errorf("%w: CANO must be 8 digits", apperrors.ErrConfigInvalid)
	}
	if len(creds.AcntPrdtCd) != 2 || !isDigits(creds.AcntPrdtCd) {
		return fmt.Errorf("%w: account product code must be 2 digits", apperrors.ErrConfigInvalid)
	}
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Mode != "production" && c.Mode != "development" {
		return fmt.Errorf("%w: mode must be production or development, got %q", apperrors.ErrConfigInvalid, c.Mode)
	}
	if c.Trading.TargetProfitRate <= 0 || c.Trading.TargetProfitRate >= 1 {
		return fmt.Errorf("%w: target_profit_rate must be in (0, 1)", apperrors.ErrConfigInvalid)
	}
	if c.Trading.OrderRetryAttempts < 1 {
		return fmt.Errorf("%w: order_retry_attempts must be at least 1", apperrors.ErrConfigInvalid)
	}
	if c.RateLimit.PerSecond < 1 || c.RateLimit.PerHour < 1 || c.RateLimit.PerDay < 1 {
		return fmt.Errorf("%w: rate ceilings must be positive", apperrors.ErrConfigInvalid)
	}
	if c.RateLimit.WarnFraction <= 0 || c.RateLimit.WarnFraction > 1 {
		return fmt.Errorf("%w: warn_fraction must be in (0, 1]", apperrors.ErrConfigInvalid)
	}
	if c.Stream.MaxFailures < 1 {
		return fmt.Errorf("%w: stream.max_failures must be at least 1", apperrors.ErrConfigInvalid)
	}
	if c.Polling.MinInterval <= 0 || c.Polling.MaxInterval < c.Polling.MinInterval {
		return fmt.Errorf("%w: polling intervals must satisfy 0 < min <= max", apperrors.ErrConfigInvalid)
	}
	for _, b := range []string{c.Session.PreMarketStart, c.Session.RegularStart, c.Session.RegularEnd} {
		if _, err := time.Parse("15:04", b); err != nil {
			return fmt.Errorf("%w: session boundary %q is not HH:MM", apperrors.ErrConfigInvalid, b)
		}
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", apperrors.ErrConfigInvalid, c.Session.Timezone)
	}
	switch c.Trading.ExchangeCode {
	case "NASD", "NYSE", "AMEX":
	default:
		return fmt.Errorf("%w: unknown exchange code %q", apperrors.ErrConfigInvalid, c.Trading.ExchangeCode)
	}
	return nil
}

// IsDevelopment reports whether the app runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Mode == "development"
}
