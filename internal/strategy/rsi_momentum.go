package strategy

import (
	"time"

	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RsiMomentumParams configures RsiMomentum.
type RsiMomentumParams struct {
	RsiPeriod           int
	RsiOversold         decimal.Decimal
	RsiOverbought       decimal.Decimal
	MAPeriod            int
	TargetPct           decimal.Decimal
	InitialSLPct        decimal.Decimal
	MinHoldMinutes      int
	BreakevenTriggerPct decimal.Decimal
	MinVolume           decimal.Decimal
	UseExternalTrailing bool
	TrailingPolicy      simtypes.TrailingStopPolicy
	TrailingParams      simtypes.TrailingStopParams
	Timeframe           simtypes.Timeframe
}

// DefaultRsiMomentumParams returns spec §4.4.1's reference parameters.
func DefaultRsiMomentumParams() RsiMomentumParams {
	return RsiMomentumParams{
		RsiPeriod:           14,
		RsiOversold:         decimal.NewFromInt(30),
		RsiOverbought:       decimal.NewFromInt(70),
		MAPeriod:            20,
		TargetPct:           decimal.NewFromFloat(0.02),
		InitialSLPct:        decimal.NewFromFloat(0.01),
		MinHoldMinutes:      5,
		BreakevenTriggerPct: decimal.NewFromFloat(0.01),
		MinVolume:           decimal.Zero,
		UseExternalTrailing: false,
		TrailingPolicy:      simtypes.PolicyFixedPct,
		TrailingParams: simtypes.TrailingStopParams{
			FixedPct:            decimal.NewFromFloat(0.01),
			BreakevenTriggerPct: decimal.NewFromFloat(0.01),
		},
		Timeframe: simtypes.Timeframe(time.Minute),
	}
}

// TrailingPreference reports RsiMomentum's external trailing-stop policy;
// only relevant when UseExternalTrailing is set, in which case the
// breakeven-arming logic in OnTick is skipped in favor of
// TrailingStopManager's own breach evaluation.
func (s *RsiMomentum) TrailingPreference() (simtypes.TrailingStopPolicy, simtypes.TrailingStopParams, bool) {
	return s.params.TrailingPolicy, s.params.TrailingParams, s.params.UseExternalTrailing
}

// RsiMomentum enters long on an oversold-RSI pullback above its moving
// average and exits on a hard stop, a target, or RSI turning overbought
// once profitable, per spec §4.4.1.
type RsiMomentum struct {
	base
	params RsiMomentumParams

	breakevenArmed map[string]bool // trade_id -> breakeven clamp already requested
}

// NewRsiMomentum constructs an RsiMomentum strategy instance.
func NewRsiMomentum(id string, logger *zap.Logger, params RsiMomentumParams) *RsiMomentum {
	return &RsiMomentum{
		base:           newBase(id, logger),
		params:         params,
		breakevenArmed: make(map[string]bool),
	}
}

func (s *RsiMomentum) RequiredTimeframes() []simtypes.Timeframe { return []simtypes.Timeframe{s.params.Timeframe} }

func (s *RsiMomentum) WarmupCandlesRequired() int {
	req := s.params.RsiPeriod + 1
	if s.params.MAPeriod > req {
		req = s.params.MAPeriod
	}
	return req
}

// OnCandleClosed evaluates the long entry condition; all four conditions
// must hold simultaneously on the just-closed candle.
func (s *RsiMomentum) OnCandleClosed(symbol string, timeframe simtypes.Timeframe, candle simtypes.Candle, indicators IndicatorProvider, positions PositionLookup) []simtypes.Signal {
	if !s.IsWarmedUp() {
		return nil
	}
	if _, open := positions.Get(s.ID(), symbol); open {
		return nil
	}
	ind := indicators.Set(symbol, timeframe)
	if ind == nil {
		return nil
	}
	ind.EnsurePeriod("rsi", s.params.RsiPeriod)
	if !ind.IsReady("rsi", s.params.RsiPeriod) || !ind.IsReady("sma", s.params.MAPeriod) {
		return nil
	}
	rsi := ind.RSI(s.params.RsiPeriod)
	sma := ind.SMA(s.params.MAPeriod)

	if rsi.GreaterThanOrEqual(s.params.RsiOversold) {
		return nil
	}
	if candle.Close.LessThanOrEqual(sma) {
		return nil
	}
	if candle.Volume.LessThanOrEqual(s.params.MinVolume) {
		return nil
	}

	return []simtypes.Signal{{
		StrategyID:     s.ID(),
		Action:         simtypes.ActionBuy,
		Symbol:         symbol,
		ReferencePrice: candle.Close,
		Timestamp:      candle.OpenTime.Add(time.Duration(timeframe)),
		Reason:         "rsi_oversold_reclaim",
		Origin:         simtypes.OriginStrategy,
		IndicatorSnapshot: map[string]decimal.Decimal{
			"rsi": rsi,
			"sma": sma,
		},
	}}
}

// OnTick evaluates the exit precedence on every tick for an open
// position, in the exact order spec §4.4.1 mandates.
func (s *RsiMomentum) OnTick(tick simtypes.Tick, indicators IndicatorProvider, positions PositionLookup) []simtypes.Signal {
	if !s.IsWarmedUp() {
		return nil
	}
	pos, open := positions.Get(s.ID(), tick.Symbol)
	if !open {
		return nil
	}

	held := tick.Timestamp.Sub(pos.EntryTime)
	minHoldElapsed := held >= time.Duration(s.params.MinHoldMinutes)*time.Minute
	pnlPct := pctChange(pos.EntryPrice, tick.Price)

	hardStop := pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(s.params.InitialSLPct))
	if tick.Price.LessThanOrEqual(hardStop) {
		return s.exitSignal(tick, pos, "hard_stop")
	}

	if minHoldElapsed && pnlPct.GreaterThanOrEqual(s.params.TargetPct) {
		return s.exitSignal(tick, pos, "target")
	}

	if minHoldElapsed && pnlPct.IsPositive() {
		ind := indicators.Set(tick.Symbol, s.params.Timeframe)
		if ind != nil && ind.IsReady("rsi", s.params.RsiPeriod) {
			rsi := ind.GetWithForming("rsi", s.params.RsiPeriod)
			if rsi.GreaterThan(s.params.RsiOverbought) {
				return s.exitSignal(tick, pos, "rsi_overbought")
			}
		}
	}

	if !s.params.UseExternalTrailing && !s.breakevenArmed[pos.TradeID] && pnlPct.GreaterThanOrEqual(s.params.BreakevenTriggerPct) {
		s.breakevenArmed[pos.TradeID] = true
	}

	return nil
}

func (s *RsiMomentum) exitSignal(tick simtypes.Tick, pos simtypes.Position, reason string) []simtypes.Signal {
	return []simtypes.Signal{{
		StrategyID:     s.ID(),
		Action:         simtypes.ActionSell,
		Symbol:         tick.Symbol,
		ReferencePrice: tick.Price,
		Timestamp:      tick.Timestamp,
		Reason:         reason,
		Origin:         simtypes.OriginStrategy,
		Quantity:       pos.Quantity,
	}}
}

func (s *RsiMomentum) OnPositionOpened(tradeID string, fill simtypes.Fill, entrySignal simtypes.Signal) {}

func (s *RsiMomentum) OnPositionClosed(tradeID string, fill simtypes.Fill, pnl decimal.Decimal) {
	delete(s.breakevenArmed, tradeID)
}

func (s *RsiMomentum) SquareOffAll(positions PositionLookup) []simtypes.Signal {
	var out []simtypes.Signal
	for _, symbol := range positions.OpenSymbols(s.ID()) {
		pos, ok := positions.Get(s.ID(), symbol)
		if !ok {
			continue
		}
		out = append(out, simtypes.Signal{
			StrategyID:     s.ID(),
			Action:         simtypes.ActionSell,
			Symbol:         symbol,
			ReferencePrice: pos.CurrentPrice,
			Reason:         "square_off",
			Origin:         simtypes.OriginTimeController,
			Quantity:       pos.Quantity,
		})
	}
	return out
}

// ConsumeBreakevenRequest reports whether this trade has just crossed its
// breakeven trigger and, if so, clears the flag so the orchestrator only
// notifies TrailingStopManager once per trade.
func (s *RsiMomentum) ConsumeBreakevenRequest(tradeID string) bool {
	if !s.breakevenArmed[tradeID] {
		return false
	}
	delete(s.breakevenArmed, tradeID)
	return true
}
