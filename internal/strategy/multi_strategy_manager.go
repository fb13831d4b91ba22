package strategy

import (
	"fmt"

	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"go.uber.org/zap"
)

// MultiStrategyManager fans candle closes and ticks out to every
// registered strategy in registration order, collecting signals and
// isolating per-strategy panics per spec §7: a faulted strategy is
// excluded from further dispatch but its open positions remain owned by
// TrailingStopManager/TimeController.
type MultiStrategyManager struct {
	logger     *zap.Logger
	strategies []Strategy
	faulted    map[string]bool
}

// NewMultiStrategyManager constructs a manager over the given strategies,
// in the order signals should be emitted within a tick.
func NewMultiStrategyManager(logger *zap.Logger, strategies []Strategy) *MultiStrategyManager {
	return &MultiStrategyManager{
		logger:     logger.Named("multi-strategy-manager"),
		strategies: strategies,
		faulted:    make(map[string]bool),
	}
}

// DispatchCandleClosed calls OnCandleClosed on every non-faulted strategy
// that declared timeframe among its required timeframes.
func (m *MultiStrategyManager) DispatchCandleClosed(symbol string, timeframe simtypes.Timeframe, candle simtypes.Candle, indicators IndicatorProvider, positions PositionLookup) []simtypes.Signal {
	var out []simtypes.Signal
	for _, st := range m.strategies {
		if m.faulted[st.ID()] || !requiresTimeframe(st, timeframe) {
			continue
		}
		out = append(out, m.safeCandleClosed(st, symbol, timeframe, candle, indicators, positions)...)
	}
	return out
}

// DispatchTick calls OnTick on every non-faulted strategy.
func (m *MultiStrategyManager) DispatchTick(tick simtypes.Tick, indicators IndicatorProvider, positions PositionLookup) []simtypes.Signal {
	var out []simtypes.Signal
	for _, st := range m.strategies {
		if m.faulted[st.ID()] {
			continue
		}
		out = append(out, m.safeTick(st, tick, indicators, positions)...)
	}
	return out
}

// SquareOffAll collects exit signals from every non-faulted strategy with
// open positions, bypassing their minimum-hold checks.
func (m *MultiStrategyManager) SquareOffAll(positions PositionLookup) []simtypes.Signal {
	var out []simtypes.Signal
	for _, st := range m.strategies {
		if m.faulted[st.ID()] {
			continue
		}
		out = append(out, st.SquareOffAll(positions)...)
	}
	return out
}

// MarkWarmedUp flips every strategy's warmed-up flag, called once by
// WarmupManager after the historical-candle replay completes.
func (m *MultiStrategyManager) MarkWarmedUp() {
	for _, st := range m.strategies {
		st.SetWarmedUp(true)
	}
}

// Strategies returns the managed strategy list, for warmup dispatch.
func (m *MultiStrategyManager) Strategies() []Strategy { return m.strategies }

// FaultedStrategies returns the IDs of strategies excluded after a panic,
// for the end-of-run summary.
func (m *MultiStrategyManager) FaultedStrategies() []string {
	out := make([]string, 0, len(m.faulted))
	for id := range m.faulted {
		out = append(out, id)
	}
	return out
}

func requiresTimeframe(st Strategy, timeframe simtypes.Timeframe) bool {
	for _, tf := range st.RequiredTimeframes() {
		if tf == timeframe {
			return true
		}
	}
	return false
}

func (m *MultiStrategyManager) safeCandleClosed(st Strategy, symbol string, timeframe simtypes.Timeframe, candle simtypes.Candle, indicators IndicatorProvider, positions PositionLookup) (out []simtypes.Signal) {
	defer func() {
		if r := recover(); r != nil {
			m.fault(st.ID(), r)
			out = nil
		}
	}()
	return st.OnCandleClosed(symbol, timeframe, candle, indicators, positions)
}

func (m *MultiStrategyManager) safeTick(st Strategy, tick simtypes.Tick, indicators IndicatorProvider, positions PositionLookup) (out []simtypes.Signal) {
	defer func() {
		if r := recover(); r != nil {
			m.fault(st.ID(), r)
			out = nil
		}
	}()
	return st.OnTick(tick, indicators, positions)
}

func (m *MultiStrategyManager) fault(id string, r interface{}) {
	m.faulted[id] = true
	m.logger.Error("strategy faulted, excluding from further dispatch",
		zap.String("strategy_id", id),
		zap.String("panic", fmt.Sprintf("%v", r)),
	)
}
