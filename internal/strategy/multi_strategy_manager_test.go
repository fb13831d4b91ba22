package strategy_test

import (
	"testing"

	"github.com/atlas-desktop/marketreplay/internal/strategy"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fakeStrategy2 is a minimal Strategy double for exercising dispatch and
// panic-isolation behavior; distinct name from warmup_test.go's fakeStrategy
// since both live in package strategy_test.
type fakeStrategy2 struct {
	id         string
	warmedUp   bool
	timeframes []simtypes.Timeframe

	candleSignals []simtypes.Signal
	tickSignals   []simtypes.Signal
	panicOnCandle bool
	panicOnTick   bool

	candleCalls int
	tickCalls   int
}

func (f *fakeStrategy2) ID() string                               { return f.id }
func (f *fakeStrategy2) RequiredTimeframes() []simtypes.Timeframe  { return f.timeframes }
func (f *fakeStrategy2) WarmupCandlesRequired() int                { return 1 }
func (f *fakeStrategy2) SetWarmedUp(v bool)                        { f.warmedUp = v }
func (f *fakeStrategy2) IsWarmedUp() bool                          { return f.warmedUp }

func (f *fakeStrategy2) OnCandleClosed(symbol string, timeframe simtypes.Timeframe, candle simtypes.Candle, indicators strategy.IndicatorProvider, positions strategy.PositionLookup) []simtypes.Signal {
	f.candleCalls++
	if f.panicOnCandle {
		panic("boom")
	}
	return f.candleSignals
}

func (f *fakeStrategy2) OnTick(tick simtypes.Tick, indicators strategy.IndicatorProvider, positions strategy.PositionLookup) []simtypes.Signal {
	f.tickCalls++
	if f.panicOnTick {
		panic("boom")
	}
	return f.tickSignals
}

func (f *fakeStrategy2) OnPositionOpened(tradeID string, fill simtypes.Fill, entrySignal simtypes.Signal) {}
func (f *fakeStrategy2) OnPositionClosed(tradeID string, fill simtypes.Fill, pnl decimal.Decimal)         {}

func (f *fakeStrategy2) SquareOffAll(positions strategy.PositionLookup) []simtypes.Signal {
	return f.candleSignals
}

func TestMultiStrategyManagerDispatchCandleClosedFiltersByTimeframe(t *testing.T) {
	tf5m := simtypes.Timeframe(5 * 60 * 1e9)
	tf15m := simtypes.Timeframe(15 * 60 * 1e9)

	s1 := &fakeStrategy2{id: "s1", warmedUp: true, timeframes: []simtypes.Timeframe{tf5m},
		candleSignals: []simtypes.Signal{{StrategyID: "s1"}}}
	s2 := &fakeStrategy2{id: "s2", warmedUp: true, timeframes: []simtypes.Timeframe{tf15m},
		candleSignals: []simtypes.Signal{{StrategyID: "s2"}}}

	mgr := strategy.NewMultiStrategyManager(zap.NewNop(), []strategy.Strategy{s1, s2})
	sigs := mgr.DispatchCandleClosed("RELIANCE", tf5m, simtypes.Candle{}, newFakeIndicators(), newFakePositions())

	if len(sigs) != 1 || sigs[0].StrategyID != "s1" {
		t.Fatalf("expected only s1's signal for a 5m close, got %+v", sigs)
	}
	if s2.candleCalls != 0 {
		t.Error("expected s2 to never be dispatched for a timeframe it doesn't require")
	}
}

func TestMultiStrategyManagerDispatchTickFansOutToAll(t *testing.T) {
	s1 := &fakeStrategy2{id: "s1", tickSignals: []simtypes.Signal{{StrategyID: "s1"}}}
	s2 := &fakeStrategy2{id: "s2", tickSignals: []simtypes.Signal{{StrategyID: "s2"}}}

	mgr := strategy.NewMultiStrategyManager(zap.NewNop(), []strategy.Strategy{s1, s2})
	sigs := mgr.DispatchTick(simtypes.Tick{Symbol: "RELIANCE"}, newFakeIndicators(), newFakePositions())

	if len(sigs) != 2 {
		t.Fatalf("expected both strategies to contribute a tick signal, got %+v", sigs)
	}
}

func TestMultiStrategyManagerIsolatesPanicOnCandleClosed(t *testing.T) {
	tf := simtypes.Timeframe(60 * 1e9)
	faulty := &fakeStrategy2{id: "faulty", warmedUp: true, timeframes: []simtypes.Timeframe{tf}, panicOnCandle: true}
	healthy := &fakeStrategy2{id: "healthy", warmedUp: true, timeframes: []simtypes.Timeframe{tf},
		candleSignals: []simtypes.Signal{{StrategyID: "healthy"}}}

	mgr := strategy.NewMultiStrategyManager(zap.NewNop(), []strategy.Strategy{faulty, healthy})

	sigs := mgr.DispatchCandleClosed("RELIANCE", tf, simtypes.Candle{}, newFakeIndicators(), newFakePositions())
	if len(sigs) != 1 || sigs[0].StrategyID != "healthy" {
		t.Fatalf("expected the panicking strategy's signal to be dropped, got %+v", sigs)
	}

	faulted := mgr.FaultedStrategies()
	if len(faulted) != 1 || faulted[0] != "faulty" {
		t.Fatalf("expected \"faulty\" to be recorded as faulted, got %v", faulted)
	}

	// A second dispatch must skip the faulted strategy entirely.
	faulty.candleCalls = 0
	mgr.DispatchCandleClosed("RELIANCE", tf, simtypes.Candle{}, newFakeIndicators(), newFakePositions())
	if faulty.candleCalls != 0 {
		t.Error("expected a faulted strategy to be excluded from further dispatch")
	}
}

func TestMultiStrategyManagerIsolatesPanicOnTick(t *testing.T) {
	faulty := &fakeStrategy2{id: "faulty", panicOnTick: true}
	healthy := &fakeStrategy2{id: "healthy", tickSignals: []simtypes.Signal{{StrategyID: "healthy"}}}

	mgr := strategy.NewMultiStrategyManager(zap.NewNop(), []strategy.Strategy{faulty, healthy})
	sigs := mgr.DispatchTick(simtypes.Tick{Symbol: "RELIANCE"}, newFakeIndicators(), newFakePositions())
	if len(sigs) != 1 || sigs[0].StrategyID != "healthy" {
		t.Fatalf("expected only the healthy strategy's tick signal, got %+v", sigs)
	}
	if len(mgr.FaultedStrategies()) != 1 {
		t.Fatal("expected the panicking strategy to be marked faulted")
	}
}

func TestMultiStrategyManagerSquareOffAllSkipsFaulted(t *testing.T) {
	faulty := &fakeStrategy2{id: "faulty", panicOnTick: true}
	healthy := &fakeStrategy2{id: "healthy", candleSignals: []simtypes.Signal{{StrategyID: "healthy"}}}

	mgr := strategy.NewMultiStrategyManager(zap.NewNop(), []strategy.Strategy{faulty, healthy})
	mgr.DispatchTick(simtypes.Tick{Symbol: "RELIANCE"}, newFakeIndicators(), newFakePositions())

	sigs := mgr.SquareOffAll(newFakePositions())
	if len(sigs) != 1 || sigs[0].StrategyID != "healthy" {
		t.Fatalf("expected square-off to only include the non-faulted strategy, got %+v", sigs)
	}
}

func TestMultiStrategyManagerMarkWarmedUp(t *testing.T) {
	s1 := &fakeStrategy2{id: "s1"}
	s2 := &fakeStrategy2{id: "s2"}
	mgr := strategy.NewMultiStrategyManager(zap.NewNop(), []strategy.Strategy{s1, s2})

	mgr.MarkWarmedUp()
	if !s1.warmedUp || !s2.warmedUp {
		t.Fatal("expected MarkWarmedUp to flip every strategy's warmed-up flag")
	}
}

func TestMultiStrategyManagerStrategiesReturnsTheList(t *testing.T) {
	s1 := &fakeStrategy2{id: "s1"}
	mgr := strategy.NewMultiStrategyManager(zap.NewNop(), []strategy.Strategy{s1})
	if len(mgr.Strategies()) != 1 || mgr.Strategies()[0].ID() != "s1" {
		t.Fatal("expected Strategies to return the managed list")
	}
}
