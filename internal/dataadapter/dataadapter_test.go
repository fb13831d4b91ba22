package dataadapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/data"
	"github.com/atlas-desktop/marketreplay/internal/dataadapter"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/atlas-desktop/marketreplay/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newStoreWithBars(t *testing.T, symbol string, tf types.Timeframe, bars []*types.OHLCV) *data.Store {
	t.Helper()
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.SaveOHLCV(symbol, tf, bars); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}
	return store
}

func TestLoadHistoricalCandlesConvertsAndCapsToLimit(t *testing.T) {
	now := time.Now()
	var bars []*types.OHLCV
	for i := 0; i < 10; i++ {
		bars = append(bars, &types.OHLCV{
			Timestamp: now.Add(-time.Duration(10-i) * time.Hour),
			Open:      decimal.NewFromInt(int64(100 + i)),
			High:      decimal.NewFromInt(int64(105 + i)),
			Low:       decimal.NewFromInt(int64(95 + i)),
			Close:     decimal.NewFromInt(int64(102 + i)),
			Volume:    decimal.NewFromInt(1000),
		})
	}
	store := newStoreWithBars(t, "RELIANCE", types.Timeframe1h, bars)
	adapter := dataadapter.New(store, zap.NewNop())

	candles, err := adapter.LoadHistoricalCandles(context.Background(), "RELIANCE", simtypes.Timeframe(time.Hour), now, 3)
	if err != nil {
		t.Fatalf("LoadHistoricalCandles failed: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("expected the result capped to limit=3, got %d", len(candles))
	}
	// Oldest-first within the capped window: the last 3 of the 10 seeded bars.
	if !candles[0].Close.Equal(bars[7].Close) || !candles[2].Close.Equal(bars[9].Close) {
		t.Errorf("expected the most recent 3 bars oldest-first, got closes %s,%s,%s", candles[0].Close, candles[1].Close, candles[2].Close)
	}
	for _, c := range candles {
		if c.State != simtypes.CandleClosed {
			t.Error("expected historical candles to be marked closed")
		}
		if c.Symbol != "RELIANCE" {
			t.Errorf("expected symbol RELIANCE, got %s", c.Symbol)
		}
	}
}

func TestLoadHistoricalCandlesRejectsUnsupportedTimeframe(t *testing.T) {
	store := newStoreWithBars(t, "RELIANCE", types.Timeframe1h, nil)
	adapter := dataadapter.New(store, zap.NewNop())

	_, err := adapter.LoadHistoricalCandles(context.Background(), "RELIANCE", simtypes.Timeframe(3*time.Minute), time.Now(), 10)
	if err == nil {
		t.Fatal("expected an error for an unsupported timeframe")
	}
}

func TestLoadReplayDayConvertsEveryRequestedSymbol(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	bars := []*types.OHLCV{
		{Timestamp: day.Add(9*time.Hour + 15*time.Minute), Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(500)},
		{Timestamp: day.Add(9*time.Hour + 16*time.Minute), Open: decimal.NewFromInt(100), High: decimal.NewFromInt(102), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(101), Volume: decimal.NewFromInt(600)},
	}
	store := newStoreWithBars(t, "RELIANCE", types.Timeframe1m, bars)
	adapter := dataadapter.New(store, zap.NewNop())

	out, err := adapter.LoadReplayDay(context.Background(), []string{"RELIANCE"}, day)
	if err != nil {
		t.Fatalf("LoadReplayDay failed: %v", err)
	}
	candles, ok := out["RELIANCE"]
	if !ok || len(candles) != 2 {
		t.Fatalf("expected 2 candles for RELIANCE, got %+v", out)
	}
	if candles[0].Symbol != "RELIANCE" || !candles[0].Close.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected the first converted candle to carry the symbol and bar values, got %+v", candles[0])
	}
}

func TestLoadReplayDayGeneratesSampleDataForUnseededSymbol(t *testing.T) {
	store := newStoreWithBars(t, "RELIANCE", types.Timeframe1m, nil)
	adapter := dataadapter.New(store, zap.NewNop())

	// The data.Store always generates sample data on a miss rather than
	// erroring, so this exercises the success path for an unseeded symbol
	// instead: LoadReplayDay must not fail even when nothing was saved.
	out, err := adapter.LoadReplayDay(context.Background(), []string{"UNSEEDED"}, time.Now())
	if err != nil {
		t.Fatalf("expected no error for an unseeded symbol (sample data is generated), got %v", err)
	}
	if _, ok := out["UNSEEDED"]; !ok {
		t.Error("expected an entry for the requested symbol even when empty")
	}
}
