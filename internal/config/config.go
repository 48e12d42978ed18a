// Package config provides configuration management for the simulation
// engine and its CLI.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Data      DataConfig      `mapstructure:"data"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Batch     BatchConfig     `mapstructure:"batch"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// DataConfig holds market data storage configuration.
type DataConfig struct {
	Dir          string `mapstructure:"dir"`
	CheckpointDB string `mapstructure:"checkpoint_db"`
}

// PortfolioConfig holds the simulated portfolio defaults.
type PortfolioConfig struct {
	Identifier     string  `mapstructure:"identifier"`
	Market         string  `mapstructure:"market"`
	TradingSymbol  string  `mapstructure:"trading_symbol"`
	InitialBalance float64 `mapstructure:"initial_balance"`
}

// BacktestConfig holds simulation parameters.
type BacktestConfig struct {
	Engine        string    `mapstructure:"engine"` // event, vector
	Start         time.Time `mapstructure:"start"`
	End           time.Time `mapstructure:"end"`
	Sizing        string    `mapstructure:"sizing"` // static, dynamic
	MaxOpenTrades int       `mapstructure:"max_open_trades"`
}

// BatchConfig holds walk-forward batch parameters.
type BatchConfig struct {
	Windows         int  `mapstructure:"windows"`
	Workers         int  `mapstructure:"workers"`
	ContinueOnError bool `mapstructure:"continue_on_error"`
}

// Load reads configuration from path. An empty path looks for
// tradeledger.yaml in the working directory; a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tradeledger")
		v.AddConfigPath(".")
	}

	setDefaults(v)
	v.SetEnvPrefix("TRADELEDGER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.checkpoint_db", "./checkpoints.db")
	v.SetDefault("portfolio.identifier", "default")
	v.SetDefault("portfolio.market", "BINANCE")
	v.SetDefault("portfolio.trading_symbol", "EUR")
	v.SetDefault("portfolio.initial_balance", 10000.0)
	v.SetDefault("backtest.engine", "event")
	v.SetDefault("backtest.sizing", "static")
	v.SetDefault("batch.windows", 1)
	v.SetDefault("batch.workers", 0)
	v.SetDefault("batch.continue_on_error", true)
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Backtest.Engine {
	case "event", "vector":
	default:
		return fmt.Errorf("invalid engine: %s (must be 'event' or 'vector')", c.Backtest.Engine)
	}
	switch c.Backtest.Sizing {
	case "static", "dynamic":
	default:
		return fmt.Errorf("invalid sizing: %s (must be 'static' or 'dynamic')", c.Backtest.Sizing)
	}
	if c.Portfolio.InitialBalance <= 0 {
		return fmt.Errorf("initial_balance must be positive")
	}
	if c.Batch.Windows < 1 {
		return fmt.Errorf("windows must be at least 1")
	}
	if !c.Backtest.Start.IsZero() && !c.Backtest.End.IsZero() && !c.Backtest.End.After(c.Backtest.Start) {
		return fmt.Errorf("backtest end must be after start")
	}
	return nil
}
