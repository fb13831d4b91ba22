// Package warmup bootstraps indicator state before the first live tick,
// per spec §4.3. The synchronous bulk-load-then-replay shape mirrors the
// teacher's backtester.Engine historical-data loading phase, narrowed to
// "replay through the aggregator" instead of "feed a strategy loop."
package warmup

import (
	"context"
	"time"

	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"go.uber.org/zap"
)

// DataAdapter supplies historical closed candles for warmup, satisfied by
// whatever data source backs a given simulation (CSV, database, live
// vendor history).
type DataAdapter interface {
	LoadHistoricalCandles(ctx context.Context, symbol string, timeframe simtypes.Timeframe, before time.Time, limit int) ([]simtypes.Candle, error)
}

// Aggregator is the subset of candle.Aggregator warmup needs.
type Aggregator interface {
	AddHistoricalCandle(c simtypes.Candle)
}

// Strategy is the subset of strategy.Strategy warmup needs; kept local to
// avoid an import cycle with the strategy package.
type Strategy interface {
	ID() string
	RequiredTimeframes() []simtypes.Timeframe
	WarmupCandlesRequired() int
	SetWarmedUp(bool)
}

// Config controls the warmup phase.
type Config struct {
	AutoCalculate bool // if true and MinCandles exceeds the strategies' max requirement, use MinCandles
	MinCandles    int
}

// Manager drives the warmup phase: load history, replay it through the
// aggregator so strategies populate indicator state, then flip every
// strategy into warmed-up mode.
type Manager struct {
	logger  *zap.Logger
	cfg     Config
	adapter DataAdapter
}

// Progress is an observational snapshot of warmup completion, exposed for
// logging/metrics only.
type Progress struct {
	Symbol       string
	PercentDone  float64
	CandlesLoaded int
	CandlesTotal  int
}

// New constructs a warmup Manager.
func New(logger *zap.Logger, cfg Config, adapter DataAdapter) *Manager {
	return &Manager{logger: logger.Named("warmup-manager"), cfg: cfg, adapter: adapter}
}

// ProgressCallback receives observational warmup progress; may be nil.
type ProgressCallback func(Progress)

// Run loads and replays historical candles for every (symbol, timeframe)
// pair required by any strategy, then marks every strategy warmed up.
func (m *Manager) Run(ctx context.Context, symbols []string, strategies []Strategy, aggregator Aggregator, simDate time.Time, onProgress ProgressCallback) error {
	required := m.requiredCandles(strategies)

	timeframes := uniqueTimeframes(strategies)
	anyLoaded := false

	for _, symbol := range symbols {
		for _, tf := range timeframes {
			candles, err := m.adapter.LoadHistoricalCandles(ctx, symbol, tf, simDate, required)
			if err != nil {
				m.logger.Warn("warmup: historical load failed, proceeding with whatever is available",
					zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			if len(candles) > 0 {
				anyLoaded = true
			}
			for i, c := range candles {
				aggregator.AddHistoricalCandle(c)
				if onProgress != nil {
					onProgress(Progress{Symbol: symbol, CandlesLoaded: i + 1, CandlesTotal: len(candles), PercentDone: float64(i+1) / float64(len(candles)) * 100})
				}
			}
		}
	}

	if !anyLoaded {
		m.logger.Warn("warmup: data adapter returned zero candles for every symbol; " +
			"flipping strategies into warmed-up mode directly, indicators will report not-ready " +
			"until sufficient live candles accumulate")
	}

	for _, st := range strategies {
		st.SetWarmedUp(true)
	}
	return nil
}

// requiredCandles computes max(strategy.warmup_candles_required), raised
// to cfg.MinCandles when AutoCalculate requests a higher floor.
func (m *Manager) requiredCandles(strategies []Strategy) int {
	required := 0
	for _, st := range strategies {
		if n := st.WarmupCandlesRequired(); n > required {
			required = n
		}
	}
	if m.cfg.AutoCalculate && m.cfg.MinCandles > required {
		required = m.cfg.MinCandles
	}
	return required
}

func uniqueTimeframes(strategies []Strategy) []simtypes.Timeframe {
	seen := make(map[simtypes.Timeframe]bool)
	var out []simtypes.Timeframe
	for _, st := range strategies {
		for _, tf := range st.RequiredTimeframes() {
			if !seen[tf] {
				seen[tf] = true
				out = append(out, tf)
			}
		}
	}
	return out
}
