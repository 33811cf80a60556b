// Package config provides configuration for the paychat service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int
	RPCPort  int

	// Database
	DatabaseDriver string
	DatabaseURL    string

	// Metering defaults (micro-units)
	MessageFee      int64
	SettleThreshold int64
	DefaultPrepay   int64
	AutoSettle      bool

	// Session authorization
	ChainID int64
	AppName string

	// Channel network
	ClearNodeURL          string
	OperatorPrivateKey    string
	ChannelAsset          string
	ChannelFallbackAssets []string
	ChannelApplication    string
	ChannelScope          string
	ChannelRequestTimeout time.Duration

	// Asset discovery cache
	RedisURL      string
	AssetCacheTTL time.Duration

	// Timeouts
	AgentTimeout        time.Duration
	SettleSweepInterval time.Duration

	// Logging
	LogLevel  string
	LogPretty bool
}

// Load loads configuration from environment variables and an optional
// config.yaml in the working directory or ./config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		HTTPPort:              v.GetInt("http_port"),
		RPCPort:               v.GetInt("rpc_port"),
		DatabaseDriver:        v.GetString("database_driver"),
		DatabaseURL:           v.GetString("database_url"),
		MessageFee:            v.GetInt64("message_fee"),
		SettleThreshold:       v.GetInt64("settle_threshold"),
		DefaultPrepay:         v.GetInt64("default_prepay"),
		AutoSettle:            v.GetBool("auto_settle"),
		ChainID:               v.GetInt64("chain_id"),
		AppName:               v.GetString("app_name"),
		ClearNodeURL:          v.GetString("clearnode_url"),
		OperatorPrivateKey:    v.GetString("operator_private_key"),
		ChannelAsset:          strings.ToLower(v.GetString("channel_asset")),
		ChannelFallbackAssets: splitList(v.GetString("channel_fallback_assets")),
		ChannelApplication:    v.GetString("channel_application"),
		ChannelScope:          v.GetString("channel_scope"),
		ChannelRequestTimeout: time.Duration(v.GetInt("channel_request_timeout_ms")) * time.Millisecond,
		RedisURL:              v.GetString("redis_url"),
		AssetCacheTTL:         time.Duration(v.GetInt("asset_cache_ttl_ms")) * time.Millisecond,
		AgentTimeout:          time.Duration(v.GetInt("agent_timeout_ms")) * time.Millisecond,
		SettleSweepInterval:   time.Duration(v.GetInt("settle_sweep_interval_ms")) * time.Millisecond,
		LogLevel:              v.GetString("log_level"),
		LogPretty:             v.GetBool("log_pretty"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("rpc_port", 8081)
	v.SetDefault("database_driver", "sqlite3")
	v.SetDefault("database_url", "file:paychat.db?mode=rwc")
	v.SetDefault("message_fee", 20000)
	v.SetDefault("settle_threshold", 100000)
	v.SetDefault("default_prepay", 1000000)
	v.SetDefault("auto_settle", true)
	v.SetDefault("chain_id", 8453)
	v.SetDefault("app_name", "paychat")
	v.SetDefault("clearnode_url", "")
	v.SetDefault("operator_private_key", "")
	v.SetDefault("channel_asset", "usdc")
	v.SetDefault("channel_fallback_assets", "ytest.usd")
	v.SetDefault("channel_application", "paychat-metering")
	v.SetDefault("channel_scope", "app.create")
	v.SetDefault("channel_request_timeout_ms", 10000)
	v.SetDefault("redis_url", "")
	v.SetDefault("asset_cache_ttl_ms", 3600000)
	v.SetDefault("agent_timeout_ms", 60000)
	v.SetDefault("settle_sweep_interval_ms", 30000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
}

// Validate checks the metering defaults for values the ledger cannot work with.
func (c *Config) Validate() error {
	if c.MessageFee <= 0 {
		return fmt.Errorf("message_fee must be positive, got %d", c.MessageFee)
	}
	if c.SettleThreshold < c.MessageFee {
		return fmt.Errorf("settle_threshold (%d) must be at least message_fee (%d)", c.SettleThreshold, c.MessageFee)
	}
	if c.DefaultPrepay < 0 {
		return fmt.Errorf("default_prepay must not be negative, got %d", c.DefaultPrepay)
	}
	switch c.DatabaseDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver)
	}
	return nil
}

// ChannelEnabled reports whether the channel bridge has enough configuration to run.
func (c *Config) ChannelEnabled() bool {
	return c.ClearNodeURL != "" && c.OperatorPrivateKey != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
