// Package position owns the authoritative set of open positions, keyed by
// (strategy_id, symbol). The average-price open/close bookkeeping follows
// the teacher's backtester.Portfolio, generalized to signed quantity
// (long and short) and per-strategy keying instead of symbol-only.
package position

import (
	"sync"

	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type key struct {
	strategyID string
	symbol     string
}

// Manager tracks open positions and realized/unrealized P&L.
type Manager struct {
	logger *zap.Logger

	mu        sync.Mutex
	positions map[key]*simtypes.Position
}

// New constructs an empty position Manager.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger.Named("position-manager"),
		positions: make(map[key]*simtypes.Position),
	}
}

// HasOpenPosition satisfies riskmanager.OpenPositionChecker.
func (m *Manager) HasOpenPosition(strategyID, symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.positions[key{strategyID, symbol}]
	return ok
}

// Get returns a copy of the open position for (strategyID, symbol), if any.
func (m *Manager) Get(strategyID, symbol string) (simtypes.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[key{strategyID, symbol}]
	if !ok {
		return simtypes.Position{}, false
	}
	return *p, true
}

// OpenSymbols returns the set of symbols with an open position for a
// strategy, matching the "ephemeral view" strategies are allowed to own
// per spec §3 ownership notes.
func (m *Manager) OpenSymbols(strategyID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.positions {
		if k.strategyID == strategyID {
			out = append(out, k.symbol)
		}
	}
	return out
}

// All returns a copy of every open position, used by TimeController's
// square-off and the end-of-run summary.
func (m *Manager) All() []simtypes.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]simtypes.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// ApplyFill opens, increases, reduces, or closes a position depending on
// the fill's action and the existing state. It returns the realized P&L
// (nonzero whenever the fill reduces or closes the position) and whether
// the trade closed.
func (m *Manager) ApplyFill(fill simtypes.Fill, entrySignal simtypes.Signal) (realizedPnL decimal.Decimal, closed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{fill.StrategyID, fill.Symbol}
	existing, hasOpen := m.positions[k]

	// signedQty is the fill's contribution to Position.Quantity: positive
	// for a BUY, negative for a SELL. Quantity itself is signed per the
	// data model (+ long, - short), so opening/increasing and
	// reducing/closing are both just "is this fill same-sign as the
	// existing position or opposite."
	signedQty := fill.Quantity
	if fill.Action == simtypes.ActionSell {
		signedQty = fill.Quantity.Neg()
	}

	if !hasOpen {
		m.positions[k] = &simtypes.Position{
			TradeID:      fill.TradeID,
			StrategyID:   fill.StrategyID,
			Symbol:       fill.Symbol,
			EntryPrice:   fill.Price,
			Quantity:     signedQty,
			EntryTime:    fill.Timestamp,
			CurrentPrice: fill.Price,
			HighestPrice: fill.Price,
			LowestPrice:  fill.Price,
			EntrySignal:  entrySignal,
		}
		return decimal.Zero, false, nil
	}

	sameDirection := (existing.Quantity.IsPositive() && signedQty.IsPositive()) ||
		(existing.Quantity.IsNegative() && signedQty.IsNegative())

	if sameDirection {
		// Increase an existing long or short: average price, weighted by
		// magnitude.
		existingAbs := existing.Quantity.Abs()
		addAbs := signedQty.Abs()
		totalAbs := existingAbs.Add(addAbs)
		existing.EntryPrice = existing.EntryPrice.Mul(existingAbs).
			Add(fill.Price.Mul(addAbs)).Div(totalAbs)
		existing.Quantity = existing.Quantity.Add(signedQty)
		return decimal.Zero, false, nil
	}

	// Opposite direction: reduce or close the existing position. Realized
	// P&L is symmetric for long and short: (exit - entry) * existing
	// signed quantity always yields the correct sign, since a short's
	// signed quantity is already negative.
	reduceAbs := signedQty.Abs()
	existingAbs := existing.Quantity.Abs()
	if reduceAbs.IsZero() || reduceAbs.GreaterThanOrEqual(existingAbs) {
		reduceAbs = existingAbs
	}
	reduceSigned := reduceAbs
	if existing.Quantity.IsNegative() {
		reduceSigned = reduceAbs.Neg()
	}
	pnl := fill.Price.Sub(existing.EntryPrice).Mul(reduceSigned)
	existing.RealizedPnL = existing.RealizedPnL.Add(pnl)

	remainingAbs := existingAbs.Sub(reduceAbs)
	if remainingAbs.IsZero() {
		delete(m.positions, k)
		return pnl, true, nil
	}
	if existing.Quantity.IsNegative() {
		existing.Quantity = remainingAbs.Neg()
	} else {
		existing.Quantity = remainingAbs
	}
	return pnl, false, nil
}

// UpdateOnTick refreshes unrealized P&L and the monotonic highest/lowest
// tracking for every open position in symbol, for notification purposes.
func (m *Manager) UpdateOnTick(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.positions {
		if k.symbol == symbol {
			p.UpdateOnTick(price)
		}
	}
}
