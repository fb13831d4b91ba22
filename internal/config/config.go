// Package config loads simulator parameters from an optional YAML file,
// layered under explicit CLI flags. The viper-with-env-override shape
// follows the config.Load pattern retrieved alongside this module (a
// market-making bot's internal/config/config.go): a single Load(path)
// reads the file into a typed struct via mapstructure tags. The caller
// (cmd/simulator) overlays only --speed onto the loaded Config; it takes
// the log level and data directory from its own flags, and the file's
// log_level, data_dir and metrics_addr values are not used.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// StrategyConfig names one strategy instance to construct from the
// registry, by kind and id. Params is loaded from the file but not
// applied: every instance is built with its kind's default parameters.
type StrategyConfig struct {
	Kind   string                 `mapstructure:"kind"`
	ID     string                 `mapstructure:"id"`
	Params map[string]interface{} `mapstructure:"params"`
}

// RiskConfig mirrors riskmanager.Limits in YAML-friendly form.
type RiskConfig struct {
	MaxPositionsPerStrategy int     `mapstructure:"max_positions_per_strategy"`
	MaxGlobalPositions      int     `mapstructure:"max_global_positions"`
	MaxCapitalPerTradePct   float64 `mapstructure:"max_capital_per_trade_pct"`
	DailyLossLimitPct       float64 `mapstructure:"daily_loss_limit_pct"`
	MaxTradesPerDay         int     `mapstructure:"max_trades_per_day"`
}

// WarmupConfig mirrors warmup.Config.
type WarmupConfig struct {
	AutoCalculate bool `mapstructure:"auto_calculate"`
	MinCandles    int  `mapstructure:"min_candles"`
}

// TimeControlConfig mirrors timecontrol.Config in YAML-friendly form.
type TimeControlConfig struct {
	WarningAt   time.Duration `mapstructure:"warning_at"`
	SquareOffAt time.Duration `mapstructure:"square_off_at"`
}

// Config is the top-level simulator configuration, loaded from YAML and
// overlaid with CLI flags in cmd/simulator.
type Config struct {
	Symbols         []string          `mapstructure:"symbols"`
	StartingCapital float64           `mapstructure:"starting_capital"`
	Seed            int64             `mapstructure:"seed"`
	Speed           int               `mapstructure:"speed"`
	TicksPerCandle  int               `mapstructure:"ticks_per_candle"`
	LogLevel        string            `mapstructure:"log_level"`
	MetricsAddr     string            `mapstructure:"metrics_addr"`
	DataDir         string            `mapstructure:"data_dir"`
	Strategies      []StrategyConfig  `mapstructure:"strategies"`
	Risk            RiskConfig        `mapstructure:"risk"`
	Warmup          WarmupConfig      `mapstructure:"warmup"`
	TimeControl     TimeControlConfig `mapstructure:"time_control"`
}

// Default returns the spec's baseline configuration, used when no
// --config file is given.
func Default() Config {
	return Config{
		Symbols:         []string{"RELIANCE", "TCS", "INFY"},
		StartingCapital: 1_000_000,
		Seed:            1,
		Speed:           0,
		TicksPerCandle:  10,
		LogLevel:        "info",
		Strategies: []StrategyConfig{
			{Kind: "rsi_momentum", ID: "rsi_momentum_1"},
		},
		Risk: RiskConfig{
			MaxPositionsPerStrategy: 3,
			MaxGlobalPositions:      10,
			MaxCapitalPerTradePct:   0.1,
			DailyLossLimitPct:       0.05,
			MaxTradesPerDay:         50,
		},
		Warmup: WarmupConfig{AutoCalculate: true, MinCandles: 50},
		TimeControl: TimeControlConfig{
			WarningAt:   15*time.Hour + 0*time.Minute,
			SquareOffAt: 15*time.Hour + 15*time.Minute,
		},
	}
}

// Load reads configuration from a YAML file at path, starting from
// Default() so any field the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SIM")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}
