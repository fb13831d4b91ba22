// Package trailing implements the per-position trailing-stop-loss state
// machine: four policies, breakeven clamping, and tick-driven breach
// evaluation emitting synthetic exit signals. The peak-tracking /
// ratchet-only-in-the-favorable-direction shape is grounded in the
// TrailingStopStrategy pattern retrieved alongside this module's other
// reference material (entry price anchors the initial stop, a running
// peak/trough only ever tightens the stop toward price).
package trailing

import (
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IndicatorSource supplies the ATR/MA values the atr and ma policies need.
type IndicatorSource interface {
	ATR(symbol string, period int) decimal.Decimal
	MA(symbol string, period int) decimal.Decimal
}

// Manager owns TrailingStopState for every trade that opted into external
// trailing-stop management.
type Manager struct {
	logger     *zap.Logger
	indicators IndicatorSource

	states map[string]*simtypes.TrailingStopState // keyed by trade_id
}

// New constructs a trailing-stop Manager.
func New(logger *zap.Logger, indicators IndicatorSource) *Manager {
	return &Manager{
		logger:     logger.Named("trailing-stop-manager"),
		indicators: indicators,
		states:     make(map[string]*simtypes.TrailingStopState),
	}
}

// OnPositionOpened initializes trailing-stop state for a new trade,
// called from the Fill handler when a strategy requests external trailing
// management (use_external_trailing_sl = true).
func (m *Manager) OnPositionOpened(tradeID string, entryPrice decimal.Decimal, openedAt simtypes.Signal, params simtypes.TrailingStopParams, policy simtypes.TrailingStopPolicy) {
	state := &simtypes.TrailingStopState{
		TradeID: tradeID,
		Policy:  policy,
		Anchor:  entryPrice,
		Params:  params,
	}
	switch policy {
	case simtypes.PolicyFixedPct:
		state.StopPrice = entryPrice.Mul(decimal.NewFromInt(1).Sub(params.FixedPct))
	case simtypes.PolicyATR:
		atr := decimal.Zero
		if m.indicators != nil {
			atr = m.indicators.ATR(openedAt.Symbol, params.ATRPeriod)
		}
		state.StopPrice = entryPrice.Sub(params.ATRMultiplier.Mul(atr))
	case simtypes.PolicyMA:
		ma := decimal.Zero
		if m.indicators != nil {
			ma = m.indicators.MA(openedAt.Symbol, params.MAPeriod)
		}
		state.StopPrice = ma.Mul(decimal.NewFromInt(1).Sub(params.MABuffer))
	case simtypes.PolicyTimeDecay:
		state.StopPrice = entryPrice.Mul(decimal.NewFromInt(1).Sub(params.DecayStartPct))
	}
	m.states[tradeID] = state
}

// OnPositionClosed purges trailing-stop state for a trade.
func (m *Manager) OnPositionClosed(tradeID string) {
	delete(m.states, tradeID)
}

// ClampToBreakeven clamps the stop to max(current_stop, entry) for the
// remainder of the trade, called once a strategy's breakeven trigger
// fires.
func (m *Manager) ClampToBreakeven(tradeID string, entryPrice decimal.Decimal) {
	st, ok := m.states[tradeID]
	if !ok {
		return
	}
	if entryPrice.GreaterThan(st.StopPrice) {
		st.StopPrice = entryPrice
	}
}

// OnTick updates the stop for every tracked trade in symbol and, for any
// whose stop is breached, returns a synthetic SELL signal tagged
// origin=trailing_sl with the position's full remaining quantity.
func (m *Manager) OnTick(symbol string, price decimal.Decimal, positions map[string]simtypes.Position, minutesElapsed map[string]float64) []simtypes.Signal {
	var signals []simtypes.Signal
	for tradeID, st := range m.states {
		pos, ok := positions[tradeID]
		if !ok || pos.Symbol != symbol {
			continue
		}
		m.updateStop(st, pos, price, minutesElapsed[tradeID])

		if price.LessThanOrEqual(st.StopPrice) {
			signals = append(signals, simtypes.Signal{
				StrategyID:     pos.StrategyID,
				Action:         simtypes.ActionSell,
				Symbol:         symbol,
				ReferencePrice: price,
				Reason:         "trailing_sl",
				Origin:         simtypes.OriginTrailingSL,
				Quantity:       pos.Quantity,
			})
		}
	}
	return signals
}

// updateStop applies the policy's per-tick update rule. Every policy only
// ever moves the stop up (for a long), enforcing the spec's monotonic
// invariant by construction via decimal.Max.
func (m *Manager) updateStop(st *simtypes.TrailingStopState, pos simtypes.Position, price decimal.Decimal, minutesElapsed float64) {
	switch st.Policy {
	case simtypes.PolicyFixedPct:
		// Never changes after initialization.
		return
	case simtypes.PolicyATR:
		if price.GreaterThan(st.Anchor) {
			st.Anchor = price
		}
		atr := decimal.Zero
		if m.indicators != nil {
			atr = m.indicators.ATR(pos.Symbol, st.Params.ATRPeriod)
		}
		candidate := st.Anchor.Sub(st.Params.ATRMultiplier.Mul(atr))
		st.StopPrice = decimal.Max(st.StopPrice, candidate)
	case simtypes.PolicyMA:
		ma := decimal.Zero
		if m.indicators != nil {
			ma = m.indicators.MA(pos.Symbol, st.Params.MAPeriod)
		}
		candidate := ma.Mul(decimal.NewFromInt(1).Sub(st.Params.MABuffer))
		st.StopPrice = decimal.Max(st.StopPrice, candidate)
	case simtypes.PolicyTimeDecay:
		effective := decayedPct(st.Params.DecayStartPct, st.Params.DecayFinalPct, st.Params.DecayMinutes, minutesElapsed)
		candidate := pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(effective))
		st.StopPrice = decimal.Max(st.StopPrice, candidate)
	}
}

// decayedPct linearly interpolates from start down to final over
// decayMinutes, clamped at final once elapsed exceeds the window.
func decayedPct(start, final decimal.Decimal, decayMinutes int, elapsed float64) decimal.Decimal {
	if decayMinutes <= 0 || elapsed >= float64(decayMinutes) {
		return final
	}
	frac := elapsed / float64(decayMinutes)
	diff := start.Sub(final)
	return start.Sub(diff.Mul(decimal.NewFromFloat(frac)))
}

// State exposes a read-only copy of a trade's trailing state, for
// observability / testing.
func (m *Manager) State(tradeID string) (simtypes.TrailingStopState, bool) {
	st, ok := m.states[tradeID]
	if !ok {
		return simtypes.TrailingStopState{}, false
	}
	return *st, true
}
