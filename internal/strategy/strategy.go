// Package strategy provides the polymorphic Strategy contract and the
// three reference variants. The Registry follows the teacher's
// StrategyRegistry; the interface carries no Parameters/SetParameter
// methods like the teacher's original strategy.go, and the lifecycle hooks
// themselves (on_candle_closed / on_tick / on_position_opened /
// on_position_closed / square_off_all) are new, driven by this module's
// polymorphism design.
package strategy

import (
	"sync"

	"github.com/atlas-desktop/marketreplay/internal/indicator"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IndicatorProvider resolves the shared IndicatorSet for a (symbol,
// timeframe) pair; a strategy never owns its own indicator state.
type IndicatorProvider interface {
	Set(symbol string, timeframe simtypes.Timeframe) *indicator.Set
}

// PositionLookup exposes read access to a strategy's own open positions,
// satisfied by internal/position.Manager.
type PositionLookup interface {
	Get(strategyID, symbol string) (simtypes.Position, bool)
	OpenSymbols(strategyID string) []string
}

// Strategy is the interface every trading strategy implements.
type Strategy interface {
	ID() string
	RequiredTimeframes() []simtypes.Timeframe
	WarmupCandlesRequired() int
	SetWarmedUp(bool)
	IsWarmedUp() bool

	// OnCandleClosed is called once per closed candle on every required
	// timeframe. During warmup (IsWarmedUp()==false) implementations must
	// update indicator-derived state only and never return signals; the
	// orchestrator does not filter signals by warmup state, so this rests
	// on each implementation.
	OnCandleClosed(symbol string, timeframe simtypes.Timeframe, candle simtypes.Candle, indicators IndicatorProvider, positions PositionLookup) []simtypes.Signal

	// OnTick is the high-frequency path; most strategies defer to
	// OnCandleClosed and only use this for tick-priority exits.
	OnTick(tick simtypes.Tick, indicators IndicatorProvider, positions PositionLookup) []simtypes.Signal

	OnPositionOpened(tradeID string, fill simtypes.Fill, entrySignal simtypes.Signal)
	OnPositionClosed(tradeID string, fill simtypes.Fill, pnl decimal.Decimal)

	// SquareOffAll emits a SELL for every symbol with an open position,
	// bypassing minimum-hold checks.
	SquareOffAll(positions PositionLookup) []simtypes.Signal
}

// BreakevenRequester is an optional interface a Strategy implements when it
// tracks its own breakeven-arming condition but delegates stop placement to
// TrailingStopManager. ConsumeBreakevenRequest reports true at most once per
// trade, the tick its breakeven trigger first fires.
type BreakevenRequester interface {
	ConsumeBreakevenRequest(tradeID string) bool
}

// TrailingPreference is an optional interface a Strategy implements to hand
// its positions to the external TrailingStopManager instead of managing
// exits entirely through its own OnTick. The orchestrator type-asserts for
// this after every fill; a strategy that doesn't implement it keeps full
// ownership of its exits.
type TrailingPreference interface {
	// TrailingPreference reports the policy and params to apply, and
	// whether external trailing is wanted at all for this fill.
	TrailingPreference() (simtypes.TrailingStopPolicy, simtypes.TrailingStopParams, bool)
}

// base carries the fields every strategy shares: identity, warmup state,
// and a named logger.
type base struct {
	id       string
	warmedUp bool
	logger   *zap.Logger
}

func newBase(id string, logger *zap.Logger) base {
	return base{id: id, logger: logger.Named("strategy." + id)}
}

func (b *base) ID() string         { return b.id }
func (b *base) IsWarmedUp() bool   { return b.warmedUp }
func (b *base) SetWarmedUp(v bool) { b.warmedUp = v }

// Registry holds strategy constructors, mirroring the teacher's
// StrategyRegistry shape but building typed Strategy instances bound to an
// id and a shared logger rather than reflection-configured structs.
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	factories map[string]func(id string, logger *zap.Logger) Strategy
}

// NewRegistry constructs a Registry with the three reference variants
// pre-registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]func(id string, logger *zap.Logger) Strategy),
	}
	r.Register("rsi_momentum", func(id string, logger *zap.Logger) Strategy { return NewRsiMomentum(id, logger, DefaultRsiMomentumParams()) })
	r.Register("supertrend", func(id string, logger *zap.Logger) Strategy { return NewSupertrend(id, logger, DefaultSupertrendParams()) })
	r.Register("scalping_mtf_atr", func(id string, logger *zap.Logger) Strategy { return NewScalpingMtfAtr(id, logger, DefaultScalpingMtfAtrParams()) })
	return r
}

// Register adds or replaces a strategy kind.
func (r *Registry) Register(kind string, factory func(id string, logger *zap.Logger) Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Create instantiates a strategy of the given kind bound to id.
func (r *Registry) Create(kind, id string) (Strategy, bool) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(id, r.logger), true
}

// pctChange returns (price - from) / from.
func pctChange(from, price decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return price.Sub(from).Div(from)
}
