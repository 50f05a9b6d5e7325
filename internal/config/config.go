package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Binance  Binance  `mapstructure:"binance"`
	Trading  Trading  `mapstructure:"trading"`
	Ledger   Ledger   `mapstructure:"ledger"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	ApiKey          string  `mapstructure:"apiKey"`
	SecretKey       string  `mapstructure:"secretKey"`
	Testnet         bool    `mapstructure:"testnet"`
	RateLimit       float64 `mapstructure:"rate_limit"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
	BreakerFailures uint32  `mapstructure:"breaker_failures"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds the configuration for the trading logic.
type Trading struct {
	Bridge         string   `mapstructure:"bridge"`
	SupportedCoins []string `mapstructure:"supported_coins"`
	// CurrentCoin is the optional initial coin. When empty a random supported
	// coin is picked and bought at startup.
	CurrentCoin  string  `mapstructure:"current_coin"`
	FeeRate      float64 `mapstructure:"fee_rate"`
	DryRun       bool    `mapstructure:"dry_run"`
	// DryRunBalance is the simulated bridge balance a dry run starts with.
	DryRunBalance float64 `mapstructure:"dry_run_balance"`
	TickInterval  int     `mapstructure:"tick_interval"`
	ScoutMargin   float64 `mapstructure:"scout_margin"`
	Strategy      string  `mapstructure:"strategy"`
	ApiPort       int     `mapstructure:"api_port"`
}

// Ledger holds the configuration for the cost-basis ledger.
type Ledger struct {
	Backend string `mapstructure:"backend"`
	// Quote is the settlement unit cost basis is tracked in, e.g. BTC or ETH.
	Quote         string  `mapstructure:"quote"`
	CostBasis     string  `mapstructure:"cost_basis"`
	FeeMultiplier float64 `mapstructure:"fee_multiplier"`
	Redis         Redis   `mapstructure:"redis"`
}

// Redis holds the connection settings of the redis ledger backend.
type Redis struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	SetDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	if err != nil {
		return
	}

	config.Normalize()
	err = config.Validate()
	return
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("binance.rate_limit", 20)      // requests per second
	v.SetDefault("binance.rate_limit_burst", 5) // burst size
	v.SetDefault("binance.breaker_failures", 5)
	v.SetDefault("trading.bridge", "USDT")
	v.SetDefault("trading.strategy", "default")
	v.SetDefault("trading.tick_interval", 5)
	v.SetDefault("trading.fee_rate", 0.001)
	v.SetDefault("trading.scout_margin", 0.8)
	v.SetDefault("trading.api_port", 8081)
	v.SetDefault("trading.dry_run_balance", 100)
	v.SetDefault("ledger.backend", "sql")
	v.SetDefault("ledger.quote", "BTC")
	v.SetDefault("ledger.cost_basis", "spend_based")
	v.SetDefault("ledger.redis.addr", "localhost:6379")
	v.SetDefault("ledger.redis.namespace", "trailing-trade-symbols")
	v.SetDefault("database.dsn", "data/crypto_trading.db")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
}

// Normalize upper-cases every coin symbol.
func (c *Config) Normalize() {
	c.Trading.Bridge = strings.ToUpper(strings.TrimSpace(c.Trading.Bridge))
	c.Trading.CurrentCoin = strings.ToUpper(strings.TrimSpace(c.Trading.CurrentCoin))
	c.Ledger.Quote = strings.ToUpper(strings.TrimSpace(c.Ledger.Quote))
	for i, coin := range c.Trading.SupportedCoins {
		c.Trading.SupportedCoins[i] = strings.ToUpper(strings.TrimSpace(coin))
	}
}

// Validate checks the settings the trading core cannot run without.
// An unsupported current_coin is not checked here: it is reported by the
// engine only when no holding has been persisted yet.
func (c *Config) Validate() error {
	if c.Trading.Bridge == "" {
		return errors.New("trading.bridge must be set")
	}
	if len(c.Trading.SupportedCoins) == 0 {
		return errors.New("trading.supported_coins must list at least one coin")
	}
	for _, coin := range c.Trading.SupportedCoins {
		if coin == c.Trading.Bridge {
			return fmt.Errorf("bridge coin %s must not be in trading.supported_coins", coin)
		}
	}
	if c.Ledger.Quote == "" {
		return errors.New("ledger.quote must be set")
	}
	if c.Ledger.FeeMultiplier < 0 {
		return fmt.Errorf("ledger.fee_multiplier must not be negative, got %f", c.Ledger.FeeMultiplier)
	}
	return nil
}

// IsSupported reports whether symbol is one of the configured coins.
func (t *Trading) IsSupported(symbol string) bool {
	for _, coin := range t.SupportedCoins {
		if coin == symbol {
			return true
		}
	}
	return false
}
