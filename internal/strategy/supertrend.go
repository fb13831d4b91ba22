package strategy

import (
	"time"

	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SupertrendParams configures the Supertrend strategy.
type SupertrendParams struct {
	ATRPeriod      int
	ATRMultiplier  decimal.Decimal
	MinHoldMinutes int
	MinVolume      decimal.Decimal
	Timeframe      simtypes.Timeframe
}

// DefaultSupertrendParams returns spec §4.4.2's reference parameters,
// operating on 3-minute candles.
func DefaultSupertrendParams() SupertrendParams {
	return SupertrendParams{
		ATRPeriod:      10,
		ATRMultiplier:  decimal.NewFromInt(3),
		MinHoldMinutes: 9,
		MinVolume:      decimal.Zero,
		Timeframe:      simtypes.Timeframe(3 * time.Minute),
	}
}

// pendingExit tracks a bullish->bearish flip whose SELL was deferred
// because min_hold had not yet elapsed.
type pendingExit struct {
	tradeID string
}

// Supertrend trades the Supertrend trend-flip crossover: a flip to
// bullish with no open position enters long; a flip to bearish with an
// open position exits once min_hold has elapsed, per spec §4.4.2.
type Supertrend struct {
	base
	params SupertrendParams

	pending map[string]*pendingExit // symbol -> deferred exit, if any
}

// NewSupertrend constructs a Supertrend strategy instance.
func NewSupertrend(id string, logger *zap.Logger, params SupertrendParams) *Supertrend {
	return &Supertrend{
		base:    newBase(id, logger),
		params:  params,
		pending: make(map[string]*pendingExit),
	}
}

func (s *Supertrend) RequiredTimeframes() []simtypes.Timeframe { return []simtypes.Timeframe{s.params.Timeframe} }

func (s *Supertrend) WarmupCandlesRequired() int { return s.params.ATRPeriod + 1 }

// OnCandleClosed recomputes the Supertrend state and reacts to a trend
// flip, per the band-smoothing and crossover rules of spec §4.4.2.
func (s *Supertrend) OnCandleClosed(symbol string, timeframe simtypes.Timeframe, candle simtypes.Candle, indicators IndicatorProvider, positions PositionLookup) []simtypes.Signal {
	ind := indicators.Set(symbol, timeframe)
	if ind == nil {
		return nil
	}
	ind.EnsurePeriod("atr", s.params.ATRPeriod)
	if !ind.IsReady("atr", s.params.ATRPeriod) {
		return nil
	}

	prevTrend := ind.SupertrendTrend(s.params.ATRPeriod, s.params.ATRMultiplier)
	st := ind.SupertrendValue(s.params.ATRPeriod, s.params.ATRMultiplier)

	if !s.IsWarmedUp() {
		return nil
	}

	_, open := positions.Get(s.ID(), symbol)
	flippedBullish := prevTrend == "bearish" && st.Trend == "bullish"
	flippedBearish := prevTrend == "bullish" && st.Trend == "bearish"

	if flippedBullish && !open && candle.Volume.GreaterThan(s.params.MinVolume) {
		delete(s.pending, symbol)
		return []simtypes.Signal{{
			StrategyID:     s.ID(),
			Action:         simtypes.ActionBuy,
			Symbol:         symbol,
			ReferencePrice: candle.Close,
			Timestamp:      candle.OpenTime.Add(time.Duration(timeframe)),
			Reason:         "supertrend_bullish_flip",
			Origin:         simtypes.OriginStrategy,
			IndicatorSnapshot: map[string]decimal.Decimal{
				"supertrend": st.Value,
			},
		}}
	}

	if flippedBearish && open {
		pos, _ := positions.Get(s.ID(), symbol)
		held := candle.OpenTime.Add(time.Duration(timeframe)).Sub(pos.EntryTime)
		if held >= time.Duration(s.params.MinHoldMinutes)*time.Minute {
			delete(s.pending, symbol)
			return s.exitSignal(symbol, pos, candle.Close, candle.OpenTime.Add(time.Duration(timeframe)), "supertrend_bearish_flip")
		}
		// Defer: min_hold not yet elapsed. Checked again on subsequent
		// candle closes via the pending marker below.
		s.pending[symbol] = &pendingExit{tradeID: pos.TradeID}
		return nil
	}

	if pend, waiting := s.pending[symbol]; waiting && open {
		pos, _ := positions.Get(s.ID(), symbol)
		if pos.TradeID == pend.tradeID {
			held := candle.OpenTime.Add(time.Duration(timeframe)).Sub(pos.EntryTime)
			if held >= time.Duration(s.params.MinHoldMinutes)*time.Minute {
				delete(s.pending, symbol)
				return s.exitSignal(symbol, pos, candle.Close, candle.OpenTime.Add(time.Duration(timeframe)), "supertrend_bearish_flip")
			}
		}
	}

	return nil
}

// OnTick carries no tick-priority logic for Supertrend; a hard-stop
// condition (trend already bearish and price falling further) is already
// captured by the next candle close.
func (s *Supertrend) OnTick(tick simtypes.Tick, indicators IndicatorProvider, positions PositionLookup) []simtypes.Signal {
	return nil
}

func (s *Supertrend) exitSignal(symbol string, pos simtypes.Position, price decimal.Decimal, ts time.Time, reason string) []simtypes.Signal {
	return []simtypes.Signal{{
		StrategyID:     s.ID(),
		Action:         simtypes.ActionSell,
		Symbol:         symbol,
		ReferencePrice: price,
		Timestamp:      ts,
		Reason:         reason,
		Origin:         simtypes.OriginStrategy,
		Quantity:       pos.Quantity,
	}}
}

func (s *Supertrend) OnPositionOpened(tradeID string, fill simtypes.Fill, entrySignal simtypes.Signal) {}

func (s *Supertrend) OnPositionClosed(tradeID string, fill simtypes.Fill, pnl decimal.Decimal) {
	for symbol, pend := range s.pending {
		if pend.tradeID == tradeID {
			delete(s.pending, symbol)
		}
	}
}

func (s *Supertrend) SquareOffAll(positions PositionLookup) []simtypes.Signal {
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
