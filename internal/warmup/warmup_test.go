package warmup_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/warmup"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	candles map[string][]simtypes.Candle
	err     error
}

func (f *fakeAdapter) LoadHistoricalCandles(ctx context.Context, symbol string, timeframe simtypes.Timeframe, before time.Time, limit int) ([]simtypes.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candles[symbol], nil
}

type fakeAggregator struct {
	added []simtypes.Candle
}

func (f *fakeAggregator) AddHistoricalCandle(c simtypes.Candle) { f.added = append(f.added, c) }

type fakeStrategy struct {
	id        string
	tfs       []simtypes.Timeframe
	required  int
	warmedUp  bool
}

func (f *fakeStrategy) ID() string                          { return f.id }
func (f *fakeStrategy) RequiredTimeframes() []simtypes.Timeframe { return f.tfs }
func (f *fakeStrategy) WarmupCandlesRequired() int           { return f.required }
func (f *fakeStrategy) SetWarmedUp(v bool)                   { f.warmedUp = v }

func TestRunReplaysHistoricalCandlesAndWarmsUp(t *testing.T) {
	tf := simtypes.Timeframe(time.Minute)
	adapter := &fakeAdapter{candles: map[string][]simtypes.Candle{
		"RELIANCE": {{Symbol: "RELIANCE", Timeframe: tf}, {Symbol: "RELIANCE", Timeframe: tf}},
	}}
	agg := &fakeAggregator{}
	strat := &fakeStrategy{id: "s1", tfs: []simtypes.Timeframe{tf}, required: 2}

	m := warmup.New(zap.NewNop(), warmup.Config{}, adapter)
	err := m.Run(context.Background(), []string{"RELIANCE"}, []warmup.Strategy{strat}, agg, time.Now(), nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(agg.added) != 2 {
		t.Errorf("expected 2 historical candles replayed, got %d", len(agg.added))
	}
	if !strat.warmedUp {
		t.Error("expected the strategy to be marked warmed up")
	}
}

func TestRunWarmsUpEvenOnZeroCandles(t *testing.T) {
	tf := simtypes.Timeframe(time.Minute)
	adapter := &fakeAdapter{candles: map[string][]simtypes.Candle{}}
	agg := &fakeAggregator{}
	strat := &fakeStrategy{id: "s1", tfs: []simtypes.Timeframe{tf}, required: 10}

	m := warmup.New(zap.NewNop(), warmup.Config{}, adapter)
	err := m.Run(context.Background(), []string{"RELIANCE"}, []warmup.Strategy{strat}, agg, time.Now(), nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !strat.warmedUp {
		t.Fatal("expected strategies to be flipped warmed-up even when zero candles were available")
	}
}

func TestRunToleratesAdapterError(t *testing.T) {
	tf := simtypes.Timeframe(time.Minute)
	adapter := &fakeAdapter{err: context.DeadlineExceeded}
	agg := &fakeAggregator{}
	strat := &fakeStrategy{id: "s1", tfs: []simtypes.Timeframe{tf}, required: 10}

	m := warmup.New(zap.NewNop(), warmup.Config{}, adapter)
	err := m.Run(context.Background(), []string{"RELIANCE"}, []warmup.Strategy{strat}, agg, time.Now(), nil)
	if err != nil {
		t.Fatalf("expected Run to tolerate an adapter error, got %v", err)
	}
	if !strat.warmedUp {
		t.Error("expected the strategy to still be marked warmed up after a load failure")
	}
}

func TestRequiredCandlesHonorsAutoCalculateFloor(t *testing.T) {
	tf := simtypes.Timeframe(time.Minute)
	var requested int
	adapter := &recordingAdapter{fn: func(limit int) { requested = limit }}
	strat := &fakeStrategy{id: "s1", tfs: []simtypes.Timeframe{tf}, required: 5}

	m := warmup.New(zap.NewNop(), warmup.Config{AutoCalculate: true, MinCandles: 50}, adapter)
	m.Run(context.Background(), []string{"RELIANCE"}, []warmup.Strategy{strat}, &fakeAggregator{}, time.Now(), nil)

	if requested != 50 {
		t.Errorf("expected AutoCalculate's MinCandles floor (50) to win over the strategy's requirement (5), got %d", requested)
	}
}

type recordingAdapter struct {
	fn func(limit int)
}

func (r *recordingAdapter) LoadHistoricalCandles(ctx context.Context, symbol string, timeframe simtypes.Timeframe, before time.Time, limit int) ([]simtypes.Candle, error) {
	r.fn(limit)
	return nil, nil
}

func TestProgressCallbackInvoked(t *testing.T) {
	tf := simtypes.Timeframe(time.Minute)
	adapter := &fakeAdapter{candles: map[string][]simtypes.Candle{
		"RELIANCE": {{Symbol: "RELIANCE", Timeframe: tf}, {Symbol: "RELIANCE", Timeframe: tf}},
	}}
	strat := &fakeStrategy{id: "s1", tfs: []simtypes.Timeframe{tf}, required: 2}

	var progressCalls int
	m := warmup.New(zap.NewNop(), warmup.Config{}, adapter)
	m.Run(context.Background(), []string{"RELIANCE"}, []warmup.Strategy{strat}, &fakeAggregator{}, time.Now(), func(p warmup.Progress) {
		progressCalls++
		if p.Symbol != "RELIANCE" {
			t.Errorf("expected progress for RELIANCE, got %s", p.Symbol)
		}
	})
	if progressCalls != 2 {
		t.Errorf("expected 2 progress callbacks, got %d", progressCalls)
	}
}
