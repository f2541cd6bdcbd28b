// Package config loads service configuration from an optional YAML file,
// an optional .env file and YIELD_ENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/atmx/yield-engine/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g.
// YIELD_ENGINE_STORAGE_DATABASE_URL.
const EnvPrefix = "YIELD_ENGINE"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Referral  ReferralConfig  `mapstructure:"referral"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EngineConfig holds the engine's fixed identities.
type EngineConfig struct {
	Admin          string `mapstructure:"admin"`
	VestingCustody string `mapstructure:"vesting_custody"`
}

// StorageConfig selects the store. An empty DatabaseURL keeps state in memory.
type StorageConfig struct {
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// StaticPair seeds the in-memory reserve source when no RPC endpoint is set.
type StaticPair struct {
	Pair     string `mapstructure:"pair"`
	Token0   string `mapstructure:"token0"`
	Token1   string `mapstructure:"token1"`
	Reserve0 string `mapstructure:"reserve0"`
	Reserve1 string `mapstructure:"reserve1"`
}

// ChainConfig selects the price and balance source.
type ChainConfig struct {
	RPCURL      string       `mapstructure:"rpc_url"`
	StaticPairs []StaticPair `mapstructure:"static_pairs"`
}

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	HMACSecret string        `mapstructure:"hmac_secret"`
	Issuer     string        `mapstructure:"issuer"`
	ClockSkew  time.Duration `mapstructure:"clock_skew"`
}

// RateLimitConfig configures per-caller throttling.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Reconcile balance sources.
const (
	SourceLedger = "ledger"
	SourceChain  = "chain"
)

// ReconcileConfig schedules balance reconciliation. Source picks where
// custody balances are read from: the booked ledger, or the token contracts
// on chain.
type ReconcileConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Source   string        `mapstructure:"source"`
}

// ReferralConfig points referral notices at a broker. Empty disables them.
type ReferralConfig struct {
	AMQPURL string `mapstructure:"amqp_url"`
}

// TelegramConfig holds alarm notification settings.
type TelegramConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BotToken   string        `mapstructure:"bot_token"`
	ChatID     string        `mapstructure:"chat_id"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration. path may be empty to rely on defaults and the
// environment alone. Variables from envFiles are loaded first without
// overriding ones already set; missing files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("engine.admin", "")
	v.SetDefault("engine.vesting_custody", "")

	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.cache_ttl", "30s")

	v.SetDefault("chain.rpc_url", "")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.hmac_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.clock_skew", "2m")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20.0)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "0 */5 * * * *")
	v.SetDefault("reconcile.timeout", "30s")
	v.SetDefault("reconcile.source", SourceLedger)

	v.SetDefault("referral.amqp_url", "")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if !common.IsHexAddress(c.Engine.Admin) {
		return fmt.Errorf("engine.admin must be a hex address")
	}
	if c.Engine.VestingCustody != "" && !common.IsHexAddress(c.Engine.VestingCustody) {
		return fmt.Errorf("engine.vesting_custody must be a hex address")
	}
	if c.Storage.RedisURL != "" && c.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage.redis_url requires storage.database_url")
	}
	for i, p := range c.Chain.StaticPairs {
		if !common.IsHexAddress(p.Pair) || !common.IsHexAddress(p.Token0) || !common.IsHexAddress(p.Token1) {
			return fmt.Errorf("chain.static_pairs[%d]: pair and tokens must be hex addresses", i)
		}
	}
	if c.Auth.Enabled && c.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret is required when auth is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		return fmt.Errorf("rate_limit.requests_per_second and rate_limit.burst must be positive")
	}
	if c.Reconcile.Enabled {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Reconcile.Schedule); err != nil {
			return fmt.Errorf("reconcile.schedule: %w", err)
		}
	}
	switch c.Reconcile.Source {
	case SourceLedger:
	case SourceChain:
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("reconcile.source %q requires chain.rpc_url", SourceChain)
		}
	default:
		return fmt.Errorf("reconcile.source must be %q or %q, got %q", SourceLedger, SourceChain, c.Reconcile.Source)
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// AdminAddress returns the parsed administrator address.
func (c *Config) AdminAddress() common.Address {
	return common.HexToAddress(c.Engine.Admin)
}
