package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis  RedisConfig
	Chain  ChainConfig
	Escrow EscrowConfig
	Server ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	OperatorKey     string `mapstructure:"operator_key"`
	TreasuryAddress string `mapstructure:"treasury_address"`
	ChainID         int64  `mapstructure:"chain_id"`
}

type EscrowConfig struct {
	FeeBasisPoints        int64 `mapstructure:"fee_basis_points"`
	MinProvenUnits        int64 `mapstructure:"min_proven_units"`
	MinSessionDurationSec int64 `mapstructure:"min_session_duration_sec"`
	MaxUnitsPerSec        int64 `mapstructure:"max_units_per_sec"`
	BatchFees             bool  `mapstructure:"batch_fees"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("escrow.fee_basis_points", 1000)
	v.SetDefault("escrow.min_proven_units", 100)
	v.SetDefault("escrow.min_session_duration_sec", 60)
	v.SetDefault("escrow.max_units_per_sec", 10)
	v.SetDefault("escrow.batch_fees", false)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                      "REDIS_ADDR",
		"redis.password":                  "REDIS_PASSWORD",
		"chain.rpc_url":                   "RPC_URL",
		"chain.operator_key":              "OPERATOR_KEY",
		"chain.treasury_address":          "TREASURY_ADDRESS",
		"chain.chain_id":                  "CHAIN_ID",
		"escrow.fee_basis_points":         "FEE_BASIS_POINTS",
		"escrow.min_proven_units":         "MIN_PROVEN_UNITS",
		"escrow.min_session_duration_sec": "MIN_SESSION_DURATION_SEC",
		"escrow.max_units_per_sec":        "MAX_UNITS_PER_SEC",
		"escrow.batch_fees":               "BATCH_FEES",
		"server.port":                     "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.OperatorKey, "OPERATOR_KEY"},
		{c.Chain.TreasuryAddress, "TREASURY_ADDRESS"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Escrow.FeeBasisPoints < 0 || c.Escrow.FeeBasisPoints > 10_000 {
		return fmt.Errorf("FEE_BASIS_POINTS must be in [0, 10000], got %d", c.Escrow.FeeBasisPoints)
	}
	if c.Escrow.MinProvenUnits <= 0 {
		return fmt.Errorf("MIN_PROVEN_UNITS must be positive")
	}
	if c.Escrow.MaxUnitsPerSec <= 0 {
		return fmt.Errorf("MAX_UNITS_PER_SEC must be positive")
	}
	return nil
}
