package strategy

import (
	"time"

	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ScalpingMtfAtrParams configures the multi-timeframe ATR scalper.
type ScalpingMtfAtrParams struct {
	FastTimeframe  simtypes.Timeframe // e.g. 5m, carries EMA fast/slow/RSI/MACD/volume
	MidTimeframe   simtypes.Timeframe // e.g. 15m, carries EMA trend filter
	SlowTimeframe  simtypes.Timeframe // e.g. 1h, carries EMA trend filter
	EMAFast        int                // 9
	EMASlow        int                // 21
	EMAMid         int                // 50
	EMASlowTF      int                // 200
	RSIPeriod      int                // 14
	RSILongMin     decimal.Decimal
	RSILongMax     decimal.Decimal
	MACDFast       int
	MACDSlow       int
	MACDSignal     int
	VolumeMAPeriod int
	VolumeMultiplier decimal.Decimal
	ATRPeriod      int
	ATRSLMult      decimal.Decimal // 2.5
	ATRTP1Mult     decimal.Decimal // 2.0
	ATRTP2Mult     decimal.Decimal // 3.0
	ATRTrailMult   decimal.Decimal // 2.0
	RiskPerTrade   decimal.Decimal // 0.01
	MaxPositions   int             // 2; not read: open positions per strategy are capped by RiskManager's PerStrategyCap
	DailyLossLimit decimal.Decimal // 0.025, fraction of starting capital
	MaxConsecutiveLosses int       // 3
	BreakevenATR   decimal.Decimal // 1.0
	TrailingStartATR decimal.Decimal // 1.5
	TP1Fraction    decimal.Decimal // 0.5
	TP2Fraction    decimal.Decimal // 0.3
}

// DefaultScalpingMtfAtrParams returns spec §4.4.3's reference parameters.
func DefaultScalpingMtfAtrParams() ScalpingMtfAtrParams {
	return ScalpingMtfAtrParams{
		FastTimeframe:        simtypes.Timeframe(5 * time.Minute),
		MidTimeframe:         simtypes.Timeframe(15 * time.Minute),
		SlowTimeframe:        simtypes.Timeframe(time.Hour),
		EMAFast:              9,
		EMASlow:              21,
		EMAMid:               50,
		EMASlowTF:            200,
		RSIPeriod:            14,
		RSILongMin:           decimal.NewFromInt(50),
		RSILongMax:           decimal.NewFromInt(70),
		MACDFast:             12,
		MACDSlow:             26,
		MACDSignal:           9,
		VolumeMAPeriod:       20,
		VolumeMultiplier:     decimal.NewFromFloat(1.5),
		ATRPeriod:            14,
		ATRSLMult:            decimal.NewFromFloat(2.5),
		ATRTP1Mult:           decimal.NewFromFloat(2.0),
		ATRTP2Mult:           decimal.NewFromFloat(3.0),
		ATRTrailMult:         decimal.NewFromFloat(2.0),
		RiskPerTrade:         decimal.NewFromFloat(0.01),
		MaxPositions:         2,
		DailyLossLimit:       decimal.NewFromFloat(0.025),
		MaxConsecutiveLosses: 3,
		BreakevenATR:         decimal.NewFromFloat(1.0),
		TrailingStartATR:     decimal.NewFromFloat(1.5),
		TP1Fraction:          decimal.NewFromFloat(0.5),
		TP2Fraction:          decimal.NewFromFloat(0.3),
	}
}

// scalpState is the per-trade bookkeeping needed for partial exits and
// the trailing remainder, keyed by trade_id.
type scalpState struct {
	initialStop   decimal.Decimal
	tp1           decimal.Decimal
	tp2           decimal.Decimal
	tp1Done       bool
	tp2Done       bool
	trailingFrom  decimal.Decimal // extreme price since trailing activated
	trailingOn    bool
}

// ScalpingMtfAtr is a long-only multi-timeframe-aligned ATR scalper with
// ATR-sized positions, two partial take-profits, an ATR trailing
// remainder, and consecutive-loss / daily-loss throttles, per spec §4.4.3.
// Scope note: the spec also describes a symmetric SHORT side; this
// implementation only takes LONG entries (see design notes) since the
// rest of the pipeline's signal model exercises the long side exclusively
// for every reference strategy.
type ScalpingMtfAtr struct {
	base
	params  ScalpingMtfAtrParams
	capital decimal.Decimal

	trades       map[string]*scalpState
	consecutiveLosses int
	dailyRealized     decimal.Decimal
	throttled         bool
}

// NewScalpingMtfAtr constructs a ScalpingMtfAtr instance with starting
// capital used for ATR position sizing and the daily-loss throttle.
func NewScalpingMtfAtr(id string, logger *zap.Logger, params ScalpingMtfAtrParams) *ScalpingMtfAtr {
	return &ScalpingMtfAtr{
		base:    newBase(id, logger),
		params:  params,
		capital: decimal.NewFromInt(100000),
		trades:  make(map[string]*scalpState),
	}
}

// SetCapital lets the orchestrator wire the strategy's risk-sizing base
// to the simulation's actual starting capital.
func (s *ScalpingMtfAtr) SetCapital(capital decimal.Decimal) { s.capital = capital }

func (s *ScalpingMtfAtr) RequiredTimeframes() []simtypes.Timeframe {
	return []simtypes.Timeframe{s.params.FastTimeframe, s.params.MidTimeframe, s.params.SlowTimeframe}
}

func (s *ScalpingMtfAtr) WarmupCandlesRequired() int { return s.params.EMASlowTF }

// OnCandleClosed only acts on the fast timeframe's close; the mid/slow
// timeframes exist purely to populate their own IndicatorSets, which the
// fast-timeframe evaluation reads through the IndicatorProvider.
func (s *ScalpingMtfAtr) OnCandleClosed(symbol string, timeframe simtypes.Timeframe, candle simtypes.Candle, indicators IndicatorProvider, positions PositionLookup) []simtypes.Signal {
	if timeframe != s.params.FastTimeframe {
		return nil
	}
	if !s.IsWarmedUp() || s.throttled {
		return nil
	}
	if _, open := positions.Get(s.ID(), symbol); open {
		return nil
	}

	fast := indicators.Set(symbol, s.params.FastTimeframe)
	mid := indicators.Set(symbol, s.params.MidTimeframe)
	slow := indicators.Set(symbol, s.params.SlowTimeframe)
	if fast == nil || mid == nil || slow == nil {
		return nil
	}

	fast.EnsurePeriod("ema", s.params.EMAFast)
	fast.EnsurePeriod("ema", s.params.EMASlow)
	fast.EnsurePeriod("ema", s.params.MACDFast)
	fast.EnsurePeriod("ema", s.params.MACDSlow)
	fast.EnsurePeriod("rsi", s.params.RSIPeriod)
	fast.EnsurePeriod("atr", s.params.ATRPeriod)
	mid.EnsurePeriod("ema", s.params.EMAMid)
	slow.EnsurePeriod("ema", s.params.EMASlowTF)

	if !fast.IsReady("ema", s.params.EMASlow) || !fast.IsReady("ema", s.params.MACDSlow) ||
		!fast.IsReady("rsi", s.params.RSIPeriod) || !fast.IsReady("atr", s.params.ATRPeriod) ||
		!mid.IsReady("ema", s.params.EMAMid) || !slow.IsReady("ema", s.params.EMASlowTF) {
		return nil
	}

	price := candle.Close
	emaFast := fast.EMA(s.params.EMAFast)
	emaSlow := fast.EMA(s.params.EMASlow)
	emaMid := mid.EMA(s.params.EMAMid)
	emaSlowTF := slow.EMA(s.params.EMASlowTF)
	rsi := fast.RSI(s.params.RSIPeriod)
	atr := fast.ATR(s.params.ATRPeriod)
	macd := fast.MACDValue(s.params.MACDFast, s.params.MACDSlow, s.params.MACDSignal)
	volMA := fast.VolumeSMA(s.params.VolumeMAPeriod)

	aligned := price.GreaterThan(emaSlow) &&
		emaFast.GreaterThan(emaSlow) &&
		price.GreaterThan(emaMid) &&
		price.GreaterThan(emaSlowTF) &&
		rsi.GreaterThanOrEqual(s.params.RSILongMin) && rsi.LessThanOrEqual(s.params.RSILongMax) &&
		macd.Line.GreaterThan(macd.Signal) &&
		candle.Volume.GreaterThan(volMA.Mul(s.params.VolumeMultiplier)) &&
		price.Sub(emaFast).Abs().LessThan(atr.Mul(decimal.NewFromFloat(0.2)))

	if !aligned {
		return nil
	}

	initialStop := price.Sub(s.params.ATRSLMult.Mul(atr))
	riskPerUnit := price.Sub(initialStop)
	if !riskPerUnit.IsPositive() {
		return nil
	}
	qty := s.capital.Mul(s.params.RiskPerTrade).Div(riskPerUnit).Floor()
	if !qty.IsPositive() {
		return nil
	}

	return []simtypes.Signal{{
		StrategyID:     s.ID(),
		Action:         simtypes.ActionBuy,
		Symbol:         symbol,
		ReferencePrice: price,
		Timestamp:      candle.OpenTime.Add(time.Duration(timeframe)),
		Reason:         "mtf_alignment",
		Origin:         simtypes.OriginStrategy,
		Quantity:       qty,
		IndicatorSnapshot: map[string]decimal.Decimal{
			"atr": atr,
			"rsi": rsi,
		},
	}}
}

// OnTick drives the tick-priority exit ladder: initial stop, TP1, TP2,
// then an ATR-trailing stop on the remainder once trailing activates.
func (s *ScalpingMtfAtr) OnTick(tick simtypes.Tick, indicators IndicatorProvider, positions PositionLookup) []simtypes.Signal {
	pos, open := positions.Get(s.ID(), tick.Symbol)
	if !open {
		return nil
	}
	st, ok := s.trades[pos.TradeID]
	if !ok {
		return nil
	}

	if tick.Price.LessThanOrEqual(st.initialStop) {
		return s.exit(tick, pos, pos.Quantity, "atr_hard_stop")
	}

	fast := indicators.Set(tick.Symbol, s.params.FastTimeframe)
	atr := decimal.Zero
	if fast != nil {
		atr = fast.GetWithForming("atr", s.params.ATRPeriod)
	}

	if !st.tp1Done && tick.Price.GreaterThanOrEqual(st.tp1) {
		st.tp1Done = true
		qty := pos.Quantity.Mul(s.params.TP1Fraction).Floor()
		if qty.IsPositive() {
			return s.exit(tick, pos, qty, "tp1")
		}
	}
	if st.tp1Done && !st.tp2Done && tick.Price.GreaterThanOrEqual(st.tp2) {
		st.tp2Done = true
		remaining := pos.Quantity
		qty := remaining.Mul(s.params.TP2Fraction.Div(decimal.NewFromInt(1).Sub(s.params.TP1Fraction))).Floor()
		if qty.GreaterThan(remaining) {
			qty = remaining
		}
		if qty.IsPositive() {
			return s.exit(tick, pos, qty, "tp2")
		}
	}

	breakevenLevel := pos.EntryPrice.Add(s.params.BreakevenATR.Mul(atr))
	trailStartLevel := pos.EntryPrice.Add(s.params.TrailingStartATR.Mul(atr))

	if tick.Price.GreaterThanOrEqual(trailStartLevel) {
		if !st.trailingOn {
			st.trailingOn = true
			st.trailingFrom = tick.Price
		} else if tick.Price.GreaterThan(st.trailingFrom) {
			st.trailingFrom = tick.Price
		}
		trailStop := st.trailingFrom.Sub(s.params.ATRTrailMult.Mul(atr))
		if tick.Price.GreaterThanOrEqual(breakevenLevel) && trailStop.LessThan(pos.EntryPrice) {
			trailStop = pos.EntryPrice
		}
		if trailStop.GreaterThan(st.initialStop) {
			st.initialStop = trailStop
		}
	}

	return nil
}

func (s *ScalpingMtfAtr) exit(tick simtypes.Tick, pos simtypes.Position, qty decimal.Decimal, reason string) []simtypes.Signal {
	return []simtypes.Signal{{
		StrategyID:     s.ID(),
		Action:         simtypes.ActionSell,
		Symbol:         tick.Symbol,
		ReferencePrice: tick.Price,
		Timestamp:      tick.Timestamp,
		Reason:         reason,
		Origin:         simtypes.OriginStrategy,
		Quantity:       qty,
	}}
}

func (s *ScalpingMtfAtr) OnPositionOpened(tradeID string, fill simtypes.Fill, entrySignal simtypes.Signal) {
	atr := entrySignal.IndicatorSnapshot["atr"]
	if atr.IsZero() {
		atr = fill.Price.Mul(decimal.NewFromFloat(0.005)) // fallback if the snapshot carried no ATR
	}
	initialStop := fill.Price.Sub(s.params.ATRSLMult.Mul(atr))
	s.trades[tradeID] = &scalpState{
		initialStop: initialStop,
		tp1:         fill.Price.Add(s.params.ATRTP1Mult.Mul(atr)),
		tp2:         fill.Price.Add(s.params.ATRTP2Mult.Mul(atr)),
	}
}

// OnPositionClosed updates the consecutive-loss/daily-loss throttle and
// purges per-trade state once the position is fully closed.
func (s *ScalpingMtfAtr) OnPositionClosed(tradeID string, fill simtypes.Fill, pnl decimal.Decimal) {
	s.dailyRealized = s.dailyRealized.Add(pnl)
	if pnl.IsNegative() {
		s.consecutiveLosses++
	} else {
		s.consecutiveLosses = 0
	}
	delete(s.trades, tradeID)

	lossLimit := s.capital.Mul(s.params.DailyLossLimit)
	if s.consecutiveLosses >= s.params.MaxConsecutiveLosses || s.dailyRealized.LessThanOrEqual(lossLimit.Neg()) {
		s.throttled = true
	}
}

func (s *ScalpingMtfAtr) SquareOffAll(positions PositionLookup) []simtypes.Signal {
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

// ResetDay clears the daily throttle state for a new simulated trading
// day. TimeController does not call it; a run covers a single day.
func (s *ScalpingMtfAtr) ResetDay() {
	s.consecutiveLosses = 0
	s.dailyRealized = decimal.Zero
	s.throttled = false
}
