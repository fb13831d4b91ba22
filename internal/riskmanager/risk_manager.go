// Package riskmanager approves or rejects every signal before it reaches
// the broker, evaluating predicates in a fixed fail-fast order. The
// evaluate-then-record shape follows the teacher's
// execution.RiskManager.CheckOrder, narrowed to the simulator's simpler,
// single-threaded RiskState.
package riskmanager

import (
	"sync"

	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Limits configures the per-strategy and global caps enforced on BUY
// signals.
type Limits struct {
	PerStrategyCap   int             // default 3
	GlobalCap        int             // default 5
	PerTradeNotional decimal.Decimal // max signal.price * signal.quantity
	DailyLossCap     decimal.Decimal // positive magnitude; breached when DailyRealizedPnL <= -cap
}

// DefaultLimits returns the spec's default caps.
func DefaultLimits() Limits {
	return Limits{
		PerStrategyCap:   3,
		GlobalCap:        5,
		PerTradeNotional: decimal.NewFromInt(1000000),
		DailyLossCap:     decimal.NewFromInt(100000),
	}
}

// OpenPositionChecker reports whether a (strategy_id, symbol) already has
// an open position, used for both the BUY uniqueness check and the SELL
// existence check.
type OpenPositionChecker interface {
	HasOpenPosition(strategyID, symbol string) bool
}

// Manager evaluates signals against RiskState and Limits.
type Manager struct {
	logger *zap.Logger
	limits Limits

	mu        sync.Mutex
	state     *simtypes.RiskState
	positions OpenPositionChecker

	rejections map[string]int
}

// New constructs a Manager bound to a shared RiskState and a position
// checker (normally the PositionManager).
func New(logger *zap.Logger, limits Limits, state *simtypes.RiskState, positions OpenPositionChecker) *Manager {
	return &Manager{
		logger:     logger.Named("risk-manager"),
		limits:     limits,
		state:      state,
		positions:  positions,
		rejections: make(map[string]int),
	}
}

// Evaluate returns (approved, reason). Rejected signals are never
// retried; callers are expected to discard them after recording for
// observability.
func (m *Manager) Evaluate(sig simtypes.Signal) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var approved bool
	var reason string
	if sig.Action == simtypes.ActionSell {
		approved, reason = m.evaluateSell(sig)
	} else {
		approved, reason = m.evaluateBuy(sig)
	}
	if !approved {
		m.rejections[reason]++
	}
	return approved, reason
}

// evaluateBuy runs the seven fail-fast predicates of spec §4.5 in order.
func (m *Manager) evaluateBuy(sig simtypes.Signal) (bool, string) {
	if m.state.TradingBlocked {
		return false, "trading_blocked"
	}
	if m.state.PerStrategyOpenCount[sig.StrategyID] >= m.limits.PerStrategyCap {
		return false, "per_strategy_cap"
	}
	if m.state.GlobalOpenCount >= m.limits.GlobalCap {
		return false, "global_cap"
	}
	notional := sig.ReferencePrice.Mul(sig.Quantity)
	if m.limits.PerTradeNotional.IsPositive() && notional.GreaterThan(m.limits.PerTradeNotional) {
		return false, "per_trade_notional_cap"
	}
	if m.state.Capital.LessThan(notional) {
		return false, "insufficient_capital"
	}
	if m.limits.DailyLossCap.IsPositive() && m.state.DailyRealizedPnL.LessThanOrEqual(m.limits.DailyLossCap.Neg()) {
		return false, "daily_loss_cap"
	}
	if m.positions != nil && m.positions.HasOpenPosition(sig.StrategyID, sig.Symbol) {
		return false, "position_already_open"
	}
	return true, ""
}

// evaluateSell is always approved if a corresponding open position
// exists; rejected only if no matching position exists.
func (m *Manager) evaluateSell(sig simtypes.Signal) (bool, string) {
	if m.positions == nil || !m.positions.HasOpenPosition(sig.StrategyID, sig.Symbol) {
		return false, "no_matching_position"
	}
	return true, ""
}

// RecordOpen increments RiskState's per-strategy and global open-position
// counts and the day's trade count; the orchestrator calls it after an
// opening fill.
func (m *Manager) RecordOpen(strategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.PerStrategyOpenCount[strategyID]++
	m.state.GlobalOpenCount++
	m.state.TradesToday++
}

// RecordClose accumulates realized P&L into the day's running total and
// decrements open-position counters.
func (m *Manager) RecordClose(strategyID string, realizedPnL decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.PerStrategyOpenCount[strategyID]--
	if m.state.PerStrategyOpenCount[strategyID] < 0 {
		m.state.PerStrategyOpenCount[strategyID] = 0
	}
	m.state.GlobalOpenCount--
	if m.state.GlobalOpenCount < 0 {
		m.state.GlobalOpenCount = 0
	}
	m.state.DailyRealizedPnL = m.state.DailyRealizedPnL.Add(realizedPnL)
}

// SetTradingBlocked flips the RiskState flag, invoked by TimeController at
// the warning threshold.
func (m *Manager) SetTradingBlocked(blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.TradingBlocked = blocked
}

// RejectionCounts returns a snapshot of rejection reasons seen so far, for
// the end-of-run summary.
func (m *Manager) RejectionCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.rejections))
	for k, v := range m.rejections {
		out[k] = v
	}
	return out
}
