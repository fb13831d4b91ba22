// Package main is the entry point for the intraday multi-strategy
// trading simulator: it parses the CLI flags spec §6 requires
// (--date, --speed, --log-level, --config), loads configuration, wires
// every component through internal/orchestrator.New, replays the
// requested trading day, and prints the end-of-run structured summary.
// The flag-parsing and setupLogger shape follows the teacher's
// cmd/server/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/config"
	"github.com/atlas-desktop/marketreplay/internal/data"
	"github.com/atlas-desktop/marketreplay/internal/dataadapter"
	"github.com/atlas-desktop/marketreplay/internal/marketsim"
	"github.com/atlas-desktop/marketreplay/internal/metrics"
	"github.com/atlas-desktop/marketreplay/internal/observer"
	"github.com/atlas-desktop/marketreplay/internal/orchestrator"
	"github.com/atlas-desktop/marketreplay/internal/orders"
	"github.com/atlas-desktop/marketreplay/internal/riskmanager"
	"github.com/atlas-desktop/marketreplay/internal/rng"
	"github.com/atlas-desktop/marketreplay/internal/strategy"
	"github.com/atlas-desktop/marketreplay/internal/timecontrol"
	"github.com/atlas-desktop/marketreplay/internal/warmup"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shopspring/decimal"
)

const (
	exitOK            = 0
	exitConfigError   = 2
	exitDataError     = 3
)

func main() {
	dateFlag := flag.String("date", time.Now().Format("2006-01-02"), "Trading date to replay (YYYY-MM-DD)")
	speedFlag := flag.Int("speed", 0, "Playback speed multiplier (0 = as fast as possible)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	configPath := flag.String("config", "", "Path to a YAML/JSON simulator config file (optional)")
	dataDir := flag.String("data", "./data", "Historical OHLCV data directory")
	observerAddr := flag.String("observer-addr", "", "Optional address to serve /status, /summary, /metrics, /ws on (e.g. :8090)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	simDate, err := time.Parse("2006-01-02", *dateFlag)
	if err != nil {
		logger.Error("invalid --date", zap.Error(err))
		os.Exit(exitConfigError)
	}

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("loading config", zap.Error(err))
			os.Exit(exitConfigError)
		}
	}
	if *speedFlag != 0 {
		cfg.Speed = *speedFlag
	}

	store, err := data.NewStore(logger, *dataDir)
	if err != nil {
		logger.Error("initializing data store", zap.Error(err))
		os.Exit(exitConfigError)
	}
	adapter := dataadapter.New(store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replayDay, err := adapter.LoadReplayDay(ctx, cfg.Symbols, simDate)
	if err != nil {
		logger.Error("loading replay day", zap.Error(err))
		os.Exit(exitDataError)
	}
	for _, symbol := range cfg.Symbols {
		if len(replayDay[symbol]) == 0 {
			logger.Error("no candles for symbol on requested date", zap.String("symbol", symbol), zap.Time("date", simDate))
			os.Exit(exitDataError)
		}
	}

	strategies, err := buildStrategies(logger, cfg.Strategies)
	if err != nil {
		logger.Error("building strategies", zap.Error(err))
		os.Exit(exitConfigError)
	}

	startingCapital := decimal.NewFromFloat(cfg.StartingCapital)
	broker := orders.NewSimulatedBroker(rng.New(cfg.Seed), startingCapital)

	sim := marketsim.New(logger, marketsim.Config{
		TicksPerCandle: cfg.TicksPerCandle,
		Seed:           cfg.Seed,
		Speed:          cfg.Speed,
	}, replayDay)

	simCfg := orchestrator.SimConfig{
		Symbols:         cfg.Symbols,
		StartingCapital: startingCapital,
		Seed:            cfg.Seed,
		Speed:           cfg.Speed,
		TicksPerCandle:  cfg.TicksPerCandle,
		RiskLimits:      toRiskLimits(cfg.Risk, startingCapital),
		Warmup:          warmup.Config{AutoCalculate: cfg.Warmup.AutoCalculate, MinCandles: cfg.Warmup.MinCandles},
		TimeControl:     timecontrol.Config{WarningAt: cfg.TimeControl.WarningAt, SquareOffAt: cfg.TimeControl.SquareOffAt},
	}

	sys, err := orchestrator.New(logger, simCfg, strategies, broker, nil)
	if err != nil {
		logger.Error("wiring orchestrator", zap.Error(err))
		os.Exit(exitConfigError)
	}

	reg := metrics.NewRegistry()
	simMetrics := metrics.NewSimMetrics(reg)
	sys.SetMetrics(simMetrics)

	var obsServer *observer.Server
	if *observerAddr != "" {
		hub := observer.NewHub(logger)
		go hub.Run(ctx)
		dm := observer.NewWSDataManager(hub, sys.Summary)
		sys.SetDataManager(dm)

		obsServer = observer.NewServer(logger, hub, dm).WithMetrics(reg)
		go func() {
			if err := obsServer.Start(*observerAddr); err != nil && err != http.ErrServerClosed {
				logger.Error("observer server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := obsServer.Stop(shutdownCtx); err != nil {
				logger.Warn("observer server shutdown", zap.Error(err))
			}
		}()
	}

	logger.Info("starting simulation",
		zap.Time("date", simDate),
		zap.Strings("symbols", cfg.Symbols),
		zap.Int("speed", cfg.Speed),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, cancelling context; a replay already under way is not interrupted")
		cancel()
	}()

	summary := sys.Run(ctx, sim, adapter, simDate)

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))

	if len(summary.FaultedStrategies) > 0 {
		logger.Warn("one or more strategies faulted during the run", zap.Strings("faulted", summary.FaultedStrategies))
	}
	os.Exit(exitOK)
}

func buildStrategies(logger *zap.Logger, specs []config.StrategyConfig) ([]strategy.Strategy, error) {
	registry := strategy.NewRegistry(logger)
	out := make([]strategy.Strategy, 0, len(specs))
	for _, spec := range specs {
		st, ok := registry.Create(spec.Kind, spec.ID)
		if !ok {
			return nil, fmt.Errorf("unknown strategy kind %q", spec.Kind)
		}
		out = append(out, st)
	}
	return out, nil
}

// toRiskLimits converts the YAML-friendly percentage-of-capital config
// shape into riskmanager.Limits' absolute decimal caps.
func toRiskLimits(rc config.RiskConfig, startingCapital decimal.Decimal) riskmanager.Limits {
	return riskmanager.Limits{
		PerStrategyCap:   rc.MaxPositionsPerStrategy,
		GlobalCap:        rc.MaxGlobalPositions,
		PerTradeNotional: startingCapital.Mul(decimal.NewFromFloat(rc.MaxCapitalPerTradePct)),
		DailyLossCap:     startingCapital.Mul(decimal.NewFromFloat(rc.DailyLossLimitPct)),
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
