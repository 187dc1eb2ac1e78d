package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfiguration marks a configuration that cannot be used.
var ErrConfiguration = errors.New("invalid configuration")

// Config holds all configuration for the application.
type Config struct {
	Binance    Binance    `mapstructure:"binance"`
	Trading    Trading    `mapstructure:"trading"`
	Backtest   Backtest   `mapstructure:"backtest"`
	MarketData MarketData `mapstructure:"marketdata"`
	Logger     Logger     `mapstructure:"logger"`
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	SpotBaseURL    string  `mapstructure:"spot_base_url"`
	FuturesBaseURL string  `mapstructure:"futures_base_url"`
}

// Trading holds the configuration for live strategies.
type Trading struct {
	MarketType    string        `mapstructure:"market_type"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	KlineInterval string        `mapstructure:"kline_interval"`
	HistoryLimit  int           `mapstructure:"history_limit"`
}

// Backtest holds the configuration for simulation runs.
type Backtest struct {
	DataDir               string  `mapstructure:"data_dir"`
	InitialBalance        float64 `mapstructure:"initial_balance"`
	SpotCommissionRate    float64 `mapstructure:"spot_commission_rate"`
	FuturesCommissionRate float64 `mapstructure:"futures_commission_rate"`
	Leverage              int     `mapstructure:"leverage"`
	// ResultStore is "memory" or "database".
	ResultStore string `mapstructure:"result_store"`
}

// MarketData holds the configuration for historical data downloads.
type MarketData struct {
	BaseURL     string        `mapstructure:"base_url"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("binance.rate_limit", 20)      // requests per second
	v.SetDefault("binance.rate_limit_burst", 5) // burst size
	v.SetDefault("binance.testnet", true)

	v.SetDefault("trading.market_type", "SPOT")
	v.SetDefault("trading.poll_interval", "2s")
	v.SetDefault("trading.kline_interval", "1m")
	v.SetDefault("trading.history_limit", 10)

	v.SetDefault("backtest.data_dir", "./data")
	v.SetDefault("backtest.initial_balance", 10000)
	v.SetDefault("backtest.spot_commission_rate", 0.001)
	v.SetDefault("backtest.futures_commission_rate", 0.0005)
	v.SetDefault("backtest.leverage", 1)
	v.SetDefault("backtest.result_store", "memory")

	v.SetDefault("marketdata.base_url", "https://data.binance.vision")
	v.SetDefault("marketdata.concurrency", 4)
	v.SetDefault("marketdata.timeout", "60s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.dsn", "trader.db")
}

// LoadConfig reads configuration from path/config.yml and environment
// variables. A missing file is not an error; defaults and the environment
// still apply.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration. live adds the requirements of live
// trading, such as API credentials.
func (c Config) Validate(live bool) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Trading.MarketType {
	case "SPOT", "USDT_FUTURE":
	default:
		check(false, "trading.market_type must be SPOT or USDT_FUTURE, got %q", c.Trading.MarketType)
	}
	check(c.Trading.PollInterval > 0, "trading.poll_interval must be positive")
	check(c.Trading.HistoryLimit > 0, "trading.history_limit must be positive")

	check(c.Backtest.InitialBalance >= 0, "backtest.initial_balance must not be negative")
	check(c.Backtest.SpotCommissionRate >= 0 && c.Backtest.SpotCommissionRate < 1,
		"backtest.spot_commission_rate must be in [0, 1)")
	check(c.Backtest.FuturesCommissionRate >= 0 && c.Backtest.FuturesCommissionRate < 1,
		"backtest.futures_commission_rate must be in [0, 1)")
	check(c.Backtest.Leverage >= 1 && c.Backtest.Leverage <= 125, "backtest.leverage must be in [1, 125]")
	check(c.Backtest.ResultStore == "memory" || c.Backtest.ResultStore == "database",
		"backtest.result_store must be memory or database, got %q", c.Backtest.ResultStore)

	check(c.MarketData.Concurrency > 0, "marketdata.concurrency must be positive")
	check(c.Binance.RateLimit > 0, "binance.rate_limit must be positive")
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port is out of range")

	if live {
		check(c.Binance.ApiKey != "", "binance.apiKey is required for live trading")
		check(c.Binance.SecretKey != "", "binance.secretKey is required for live trading")
		check(c.Binance.RateLimitBurst > 0, "binance.rate_limit_burst must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}
