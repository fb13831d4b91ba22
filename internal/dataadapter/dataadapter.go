// Package dataadapter bridges this module's historical OHLCV store
// (internal/data.Store, generate-or-cache JSON-backed candles) to the two
// shapes the simulator needs from a day's history: warmup.DataAdapter's
// "give me the last N closed candles before a cutoff" and
// marketsim.Simulator's "give me every minute candle of the replay day,
// per symbol." Both conversions run every loaded bar through
// data.DataQualityValidator first, logging the issues it finds and then
// cleaning the bars (sorted by time; duplicate-timestamp, high-below-low
// and non-positive-price bars dropped; high/low widened to cover open and
// close) before the bars ever reach warmup or replay.
package dataadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/data"
	"github.com/atlas-desktop/marketreplay/internal/marketsim"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/atlas-desktop/marketreplay/pkg/types"
	"go.uber.org/zap"
)

// Adapter wraps a data.Store, converting between its types.OHLCV shape
// and this module's simtypes.Candle shape.
type Adapter struct {
	store   *data.Store
	quality *data.DataQualityValidator
	logger  *zap.Logger
}

// New wraps store, validating and cleaning every bar it loads with
// logger's quality validator before handing it to warmup or replay.
func New(store *data.Store, logger *zap.Logger) *Adapter {
	return &Adapter{store: store, quality: data.NewDataQualityValidator(logger), logger: logger}
}

// validate logs any quality issues found in bars and returns a cleaned
// copy (duplicates dropped, OHLC repaired) ready for conversion.
func (a *Adapter) validate(symbol string, bars []*types.OHLCV) []*types.OHLCV {
	report := a.quality.Validate(bars, symbol)
	if len(report.Issues) > 0 {
		a.logger.Warn("data quality issues found in historical bars",
			zap.String("symbol", symbol),
			zap.Int("quality_score", report.QualityScore),
			zap.Int("issue_count", len(report.Issues)),
			zap.Bool("usable", report.IsUsable),
		)
	}
	return a.quality.CleanData(bars)
}

// LoadHistoricalCandles satisfies warmup.DataAdapter: the limit most
// recent closed candles strictly before the cutoff, oldest first.
func (a *Adapter) LoadHistoricalCandles(ctx context.Context, symbol string, timeframe simtypes.Timeframe, before time.Time, limit int) ([]simtypes.Candle, error) {
	tf, err := toStoreTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	start := before.AddDate(0, 0, -7) // a week of lookback is always enough for any spec warmup window
	bars, err := a.store.LoadOHLCV(ctx, symbol, tf, start, before)
	if err != nil {
		return nil, fmt.Errorf("dataadapter: loading %s history: %w", symbol, err)
	}
	bars = a.validate(symbol, bars)
	for len(bars) > 0 && !bars[len(bars)-1].Timestamp.Before(before) {
		bars = bars[:len(bars)-1]
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]simtypes.Candle, len(bars))
	for i, b := range bars {
		out[i] = toSimCandle(symbol, timeframe, b)
	}
	return out, nil
}

// LoadReplayDay loads every 1-minute candle for symbols on simDate, in
// the shape marketsim.Simulator consumes.
func (a *Adapter) LoadReplayDay(ctx context.Context, symbols []string, simDate time.Time) (map[string][]marketsim.Candle, error) {
	start := time.Date(simDate.Year(), simDate.Month(), simDate.Day(), 0, 0, 0, 0, simDate.Location())
	end := start.AddDate(0, 0, 1)

	out := make(map[string][]marketsim.Candle, len(symbols))
	for _, symbol := range symbols {
		bars, err := a.store.LoadOHLCV(ctx, symbol, types.Timeframe1m, start, end)
		if err != nil {
			return nil, fmt.Errorf("dataadapter: loading %s replay day: %w", symbol, err)
		}
		bars = a.validate(symbol, bars)
		candles := make([]marketsim.Candle, len(bars))
		for i, b := range bars {
			candles[i] = marketsim.Candle{
				Symbol:    symbol,
				Timestamp: b.Timestamp,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			}
		}
		out[symbol] = candles
	}
	return out, nil
}

func toSimCandle(symbol string, timeframe simtypes.Timeframe, b *types.OHLCV) simtypes.Candle {
	return simtypes.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTime:  b.Timestamp,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		State:     simtypes.CandleClosed,
	}
}

func toStoreTimeframe(tf simtypes.Timeframe) (types.Timeframe, error) {
	switch time.Duration(tf) {
	case time.Minute:
		return types.Timeframe1m, nil
	case 5 * time.Minute:
		return types.Timeframe5m, nil
	case 15 * time.Minute:
		return types.Timeframe15m, nil
	case time.Hour:
		return types.Timeframe1h, nil
	case 4 * time.Hour:
		return types.Timeframe4h, nil
	case 24 * time.Hour:
		return types.Timeframe1d, nil
	default:
		return "", fmt.Errorf("dataadapter: unsupported timeframe %s", tf)
	}
}
