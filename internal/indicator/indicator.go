// Package indicator computes the standard technical-indicator menu on a
// per-symbol closed-candle history, with an optional forming-candle
// overlay. The smoothing formulas (Wilder's RSI/ATR, EMA seeded from SMA)
// follow the decimal-based style used throughout this module's strategy
// package, generalized here into a single reusable, cached component.
package indicator

import (
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
)

type cacheKey struct {
	kind   string
	period int
}

// Set is the per-symbol indicator state: bounded OHLCV history plus a
// cache of derived values, invalidated whenever a closed candle is added.
type Set struct {
	maxHistory int
	candles    []simtypes.Candle // closed only, oldest first
	forming    *simtypes.Candle

	cache map[cacheKey]decimal.Decimal

	// EMA/Wilder running state must survive cache invalidation since they
	// are incremental, not recomputed from scratch each time.
	emaState    map[int]decimal.Decimal
	emaPeriods  map[int]bool // real EMA(P) periods, distinct from MACD signal-line keys
	rsiAvgGain  map[int]decimal.Decimal
	rsiAvgLoss  map[int]decimal.Decimal
	atrState    map[int]decimal.Decimal

	// Supertrend per-period running bands/trend.
	supertrend map[int]*supertrendState
}

type supertrendState struct {
	finalUpper decimal.Decimal
	finalLower decimal.Decimal
	trend      string // "bullish" | "bearish"
	value      decimal.Decimal
	initialized bool
}

// New constructs an indicator Set capped to maxHistory closed candles plus
// headroom; callers should size maxHistory to max(required periods) + slack.
func New(maxHistory int) *Set {
	if maxHistory <= 0 {
		maxHistory = 500
	}
	return &Set{
		maxHistory: maxHistory,
		cache:      make(map[cacheKey]decimal.Decimal),
		emaState:   make(map[int]decimal.Decimal),
		emaPeriods: make(map[int]bool),
		rsiAvgGain: make(map[int]decimal.Decimal),
		rsiAvgLoss: make(map[int]decimal.Decimal),
		atrState:   make(map[int]decimal.Decimal),
		supertrend: make(map[int]*supertrendState),
	}
}

// AddClosedCandle appends a closed candle to the history and invalidates
// the value cache. Intended to be wired directly as an
// candle.ClosedCallback.
func (s *Set) AddClosedCandle(c simtypes.Candle) {
	prevClose, _ := s.lastClose()
	s.candles = append(s.candles, c)
	if len(s.candles) > s.maxHistory {
		s.candles = s.candles[len(s.candles)-s.maxHistory:]
	}
	s.cache = make(map[cacheKey]decimal.Decimal)
	s.advanceRSI(c, prevClose)
	s.advanceATR(c, prevClose)
	for period := range s.emaPeriods {
		s.recomputeEMA(period)
	}
}

// SetForming installs the current forming candle as a provisional last
// bar; it is never mutated into stored history.
func (s *Set) SetForming(c simtypes.Candle) {
	cp := c
	s.forming = &cp
}

func (s *Set) lastClose() (decimal.Decimal, bool) {
	if len(s.candles) == 0 {
		return decimal.Zero, false
	}
	return s.candles[len(s.candles)-1].Close, true
}

// Count returns the number of closed candles held.
func (s *Set) Count() int { return len(s.candles) }

// IsReady reports whether enough closed candles exist for the given
// indicator/period; RSI needs period+1, all others need period.
func (s *Set) IsReady(kind string, period int) bool {
	need := period
	if kind == "rsi" {
		need = period + 1
	}
	return s.Count() >= need
}

func closesWithForming(candles []simtypes.Candle, forming *simtypes.Candle, withForming bool) []decimal.Decimal {
	n := len(candles)
	if withForming && forming != nil {
		n++
	}
	out := make([]decimal.Decimal, 0, n)
	for _, c := range candles {
		out = append(out, c.Close)
	}
	if withForming && forming != nil {
		out = append(out, forming.Close)
	}
	return out
}

// SMA returns the mean of the last P closes (cached).
func (s *Set) SMA(period int) decimal.Decimal {
	return s.sma(period, false)
}

// VolumeSMA returns the mean of the last P candles' volume, uncached
// (volume-based signals are evaluated once per candle close, so caching
// brings no benefit here).
func (s *Set) VolumeSMA(period int) decimal.Decimal {
	if len(s.candles) < period || period <= 0 {
		return decimal.Zero
	}
	window := s.candles[len(s.candles)-period:]
	sum := decimal.Zero
	for _, c := range window {
		sum = sum.Add(c.Volume)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// GetWithForming returns the indicator value for kind without mutating
// stored history or the cache. "sma" and "ema" are computed as if the
// forming candle were the last closed bar; "rsi" and "atr" return their
// closed-candle values (the forming candle is not included); any other
// kind returns the SMA overlay.
func (s *Set) GetWithForming(kind string, period int) decimal.Decimal {
	switch kind {
	case "sma":
		return s.sma(period, true)
	case "ema":
		return s.emaOverlay(period)
	case "rsi":
		return s.RSI(period)
	case "atr":
		return s.ATR(period)
	default:
		return s.sma(period, true)
	}
}

func (s *Set) sma(period int, withForming bool) decimal.Decimal {
	key := cacheKey{"sma", period}
	if !withForming {
		if v, ok := s.cache[key]; ok {
			return v
		}
	}
	closes := closesWithForming(s.candles, s.forming, withForming)
	if len(closes) < period || period <= 0 {
		return decimal.Zero
	}
	window := closes[len(closes)-period:]
	sum := decimal.Zero
	for _, c := range window {
		sum = sum.Add(c)
	}
	v := sum.Div(decimal.NewFromInt(int64(period)))
	if !withForming {
		s.cache[key] = v
	}
	return v
}

// EMA returns the exponential moving average, seeded with SMA(P) and
// updated incrementally as closed candles are added. alpha = 2/(P+1).
func (s *Set) EMA(period int) decimal.Decimal {
	if v, ok := s.emaState[period]; ok {
		return v
	}
	return decimal.Zero
}

// recomputeEMA is called once enough history exists; EMA seeds from SMA
// then updates incrementally on each subsequent AddClosedCandle.
func (s *Set) recomputeEMA(period int) {
	if !s.IsReady("ema", period) {
		return
	}
	if _, seeded := s.emaState[period]; !seeded {
		s.emaState[period] = s.sma(period, false)
		return
	}
	alpha := decimal.NewFromFloat(2.0 / float64(period+1))
	last := s.candles[len(s.candles)-1].Close
	prev := s.emaState[period]
	s.emaState[period] = last.Sub(prev).Mul(alpha).Add(prev)
}

// emaOverlay computes what EMA would be if the forming candle's close were
// included, without mutating the stored running state.
func (s *Set) emaOverlay(period int) decimal.Decimal {
	base, ok := s.emaState[period]
	if !ok || s.forming == nil {
		return s.EMA(period)
	}
	alpha := decimal.NewFromFloat(2.0 / float64(period+1))
	return s.forming.Close.Sub(base).Mul(alpha).Add(base)
}

// RSI returns Wilder's RSI, defined for count >= P+1, bounded [0,100].
func (s *Set) RSI(period int) decimal.Decimal {
	if !s.IsReady("rsi", period) {
		return decimal.Zero
	}
	avgLoss := s.rsiAvgLoss[period]
	avgGain := s.rsiAvgGain[period]
	if avgLoss.IsZero() {
		return decimal.NewFromInt(100)
	}
	rs := avgGain.Div(avgLoss)
	return decimal.NewFromInt(100).Sub(decimal.NewFromInt(100).Div(decimal.NewFromInt(1).Add(rs)))
}

// advanceRSI updates Wilder's smoothed gain/loss averages for every period
// that has been requested so far (tracked lazily via EnsurePeriod).
func (s *Set) advanceRSI(c simtypes.Candle, prevClose decimal.Decimal) {
	if prevClose.IsZero() {
		return
	}
	change := c.Close.Sub(prevClose)
	gain, loss := decimal.Zero, decimal.Zero
	if change.IsPositive() {
		gain = change
	} else {
		loss = change.Abs()
	}
	for period := range s.rsiTrackedPeriods() {
		s.wilderStep(period, gain, loss)
	}
}

// EnsurePeriod registers a period for incremental RSI/ATR/EMA tracking;
// strategies call this once at initialization for every period they use.
func (s *Set) EnsurePeriod(kind string, period int) {
	switch kind {
	case "rsi":
		if _, ok := s.rsiAvgGain[period]; !ok {
			s.rsiAvgGain[period] = decimal.Zero
			s.rsiAvgLoss[period] = decimal.Zero
			s.seedRSI(period)
		}
	case "atr":
		if _, ok := s.atrState[period]; !ok {
			s.atrState[period] = decimal.Zero
			s.seedATR(period)
		}
	case "ema":
		s.emaPeriods[period] = true
		s.recomputeEMA(period)
	}
}

func (s *Set) rsiTrackedPeriods() []int {
	periods := make([]int, 0, len(s.rsiAvgGain))
	for p := range s.rsiAvgGain {
		periods = append(periods, p)
	}
	return periods
}

func (s *Set) seedRSI(period int) {
	if s.Count() < period+1 {
		return
	}
	sumGain, sumLoss := decimal.Zero, decimal.Zero
	start := s.Count() - period
	for i := start; i < s.Count(); i++ {
		change := s.candles[i].Close.Sub(s.candles[i-1].Close)
		if change.IsPositive() {
			sumGain = sumGain.Add(change)
		} else {
			sumLoss = sumLoss.Add(change.Abs())
		}
	}
	s.rsiAvgGain[period] = sumGain.Div(decimal.NewFromInt(int64(period)))
	s.rsiAvgLoss[period] = sumLoss.Div(decimal.NewFromInt(int64(period)))
}

func (s *Set) wilderStep(period int, gain, loss decimal.Decimal) {
	p := decimal.NewFromInt(int64(period))
	pm1 := p.Sub(decimal.NewFromInt(1))
	s.rsiAvgGain[period] = s.rsiAvgGain[period].Mul(pm1).Add(gain).Div(p)
	s.rsiAvgLoss[period] = s.rsiAvgLoss[period].Mul(pm1).Add(loss).Div(p)
}

// ATR returns Wilder's smoothed Average True Range.
func (s *Set) ATR(period int) decimal.Decimal {
	if !s.IsReady("atr", period) {
		return decimal.Zero
	}
	return s.atrState[period]
}

func trueRange(c simtypes.Candle, prevClose decimal.Decimal) decimal.Decimal {
	hl := c.High.Sub(c.Low)
	hc := c.High.Sub(prevClose).Abs()
	lc := c.Low.Sub(prevClose).Abs()
	tr := hl
	if hc.GreaterThan(tr) {
		tr = hc
	}
	if lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

func (s *Set) advanceATR(c simtypes.Candle, prevClose decimal.Decimal) {
	if prevClose.IsZero() {
		return
	}
	tr := trueRange(c, prevClose)
	for period := range s.atrState {
		p := decimal.NewFromInt(int64(period))
		pm1 := p.Sub(decimal.NewFromInt(1))
		if s.Count() == period+1 {
			s.seedATR(period)
			continue
		}
		s.atrState[period] = s.atrState[period].Mul(pm1).Add(tr).Div(p)
	}
}

func (s *Set) seedATR(period int) {
	if s.Count() < period+1 {
		return
	}
	start := s.Count() - period
	sum := decimal.Zero
	for i := start; i < s.Count(); i++ {
		sum = sum.Add(trueRange(s.candles[i], s.candles[i-1].Close))
	}
	s.atrState[period] = sum.Div(decimal.NewFromInt(int64(period)))
}

// BollingerBands holds the three Bollinger Band lines.
type BollingerBands struct {
	Middle, Upper, Lower decimal.Decimal
}

// Bollinger returns middle = SMA(P), upper/lower = middle +/- k*sigma over
// the last P closes.
func (s *Set) Bollinger(period int, k decimal.Decimal) BollingerBands {
	middle := s.sma(period, false)
	if !s.IsReady("sma", period) {
		return BollingerBands{}
	}
	closes := s.candles[len(s.candles)-period:]
	variance := decimal.Zero
	for _, c := range closes {
		diff := c.Close.Sub(middle)
		variance = variance.Add(diff.Mul(diff))
	}
	variance = variance.Div(decimal.NewFromInt(int64(period)))
	sigma := sqrtDecimal(variance)
	return BollingerBands{
		Middle: middle,
		Upper:  middle.Add(sigma.Mul(k)),
		Lower:  middle.Sub(sigma.Mul(k)),
	}
}

// MACD holds the MACD line and its signal line.
type MACD struct {
	Line, Signal decimal.Decimal
}

// MACDValue computes EMA(fast) - EMA(slow) and a signal EMA over that
// difference. The signal line is tracked lazily since it needs its own
// EMA state keyed by a synthetic period bucket.
func (s *Set) MACDValue(fast, slow, signal int) MACD {
	emaFast := s.EMA(fast)
	emaSlow := s.EMA(slow)
	line := emaFast.Sub(emaSlow)

	sigKey := macdSignalPeriod(fast, slow, signal)
	prevSig, seeded := s.emaState[sigKey]
	var sigVal decimal.Decimal
	if !seeded {
		sigVal = line
	} else {
		alpha := decimal.NewFromFloat(2.0 / float64(signal+1))
		sigVal = line.Sub(prevSig).Mul(alpha).Add(prevSig)
	}
	s.emaState[sigKey] = sigVal
	return MACD{Line: line, Signal: sigVal}
}

// macdSignalPeriod derives a cache key for the signal-line EMA that cannot
// collide with a real EMA period.
func macdSignalPeriod(fast, slow, signal int) int {
	return 100000 + fast*1000 + slow*10 + signal
}

// Supertrend holds the current Supertrend value and trend direction.
type Supertrend struct {
	Value decimal.Decimal
	Trend string // "bullish" | "bearish"
}

// SupertrendTrend returns the trend direction as of the last
// SupertrendValue call, without recomputing it; callers needing to detect
// a flip should read this before calling SupertrendValue for the new
// candle.
func (s *Set) SupertrendTrend(period int, multiplier decimal.Decimal) string {
	st, ok := s.supertrend[period]
	if !ok {
		return ""
	}
	return st.trend
}

// SupertrendValue computes HLavg +/- m*ATR(P) with the standard
// band-smoothing rule: the upper band only decreases (or resets on trend
// flip), the lower band only increases; trend flips when the close
// crosses the active band.
func (s *Set) SupertrendValue(period int, multiplier decimal.Decimal) Supertrend {
	if !s.IsReady("atr", period) || s.Count() == 0 {
		return Supertrend{}
	}
	c := s.candles[len(s.candles)-1]
	atr := s.ATR(period)
	hlAvg := c.High.Add(c.Low).Div(decimal.NewFromInt(2))
	basicUpper := hlAvg.Add(multiplier.Mul(atr))
	basicLower := hlAvg.Sub(multiplier.Mul(atr))

	st, ok := s.supertrend[period]
	if !ok {
		st = &supertrendState{}
		s.supertrend[period] = st
	}

	if !st.initialized {
		st.finalUpper = basicUpper
		st.finalLower = basicLower
		if c.Close.LessThanOrEqual(st.finalLower) {
			st.trend = "bearish"
			st.value = st.finalUpper
		} else {
			st.trend = "bullish"
			st.value = st.finalLower
		}
		st.initialized = true
		return Supertrend{Value: st.value, Trend: st.trend}
	}

	if st.trend == "bearish" {
		if basicUpper.LessThan(st.finalUpper) {
			st.finalUpper = basicUpper
		}
	} else {
		st.finalUpper = basicUpper
	}
	if st.trend == "bullish" {
		if basicLower.GreaterThan(st.finalLower) {
			st.finalLower = basicLower
		}
	} else {
		st.finalLower = basicLower
	}

	switch st.trend {
	case "bullish":
		if c.Close.LessThanOrEqual(st.finalLower) {
			st.trend = "bearish"
		}
	case "bearish":
		if c.Close.GreaterThanOrEqual(st.finalUpper) {
			st.trend = "bullish"
		}
	}

	if st.trend == "bullish" {
		st.value = st.finalLower
	} else {
		st.value = st.finalUpper
	}
	return Supertrend{Value: st.value, Trend: st.trend}
}

// sqrtDecimal computes a square root via Newton's method, the same
// decimal-safe approach used for variance/stdDev elsewhere in this module.
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() || d.IsNegative() {
		return decimal.Zero
	}
	x := d
	for i := 0; i < 20; i++ {
		x = x.Add(d.Div(x)).Div(decimal.NewFromInt(2))
	}
	return x
}
