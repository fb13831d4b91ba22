// Package marketsim replays a trading day's 1-minute OHLC candles as a
// deterministic sequence of intra-candle ticks, the single producer that
// drives the rest of the pipeline. The merge-by-timestamp playback loop
// follows the same shape as the teacher's backtester.Engine.Run main
// loop, generalized from pre-built bars to synthetic tick generation.
package marketsim

import (
	"math/rand"
	"sort"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/rng"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Candle is a single 1-minute OHLC input bar for one symbol.
type Candle struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Config controls tick generation.
type Config struct {
	TicksPerCandle int
	Spread         decimal.Decimal // default 0.001 (10 bps)
	Seed           int64
	Speed          int // 1x..1000x sleep multiplier; 0 or negative means "no sleep" (max speed)
}

// Simulator replays per-symbol 1-minute candle sequences as ticks.
type Simulator struct {
	logger  *zap.Logger
	cfg     Config
	rng     *rng.Source
	bySymbol map[string][]Candle

	paused  bool
	speed   int
	aggregator TickSink

	pauseCh chan struct{}
	jumpTo  *time.Time
}

// TickSink is the interface the CandleAggregator satisfies; ticks are
// routed through it before the playback callback fires.
type TickSink interface {
	ProcessTick(tick simtypes.Tick)
	Flush()
}

// New constructs a Simulator over the given per-symbol candle sequences.
func New(logger *zap.Logger, cfg Config, bySymbol map[string][]Candle) *Simulator {
	if cfg.TicksPerCandle <= 0 {
		cfg.TicksPerCandle = 10
	}
	if cfg.Spread.IsZero() {
		cfg.Spread = decimal.NewFromFloat(0.001)
	}
	return &Simulator{
		logger:   logger.Named("market-simulator"),
		cfg:      cfg,
		rng:      rng.New(cfg.Seed),
		bySymbol: bySymbol,
		speed:    cfg.Speed,
	}
}

// AttachAggregator wires a CandleAggregator (or any TickSink) so every
// tick is routed through it before the playback callback fires.
func (s *Simulator) AttachAggregator(sink TickSink) {
	s.aggregator = sink
}

// SetSpeed sets the playback speed multiplier; non-positive means
// run-as-fast-as-possible (no sleeps).
func (s *Simulator) SetSpeed(speed int) { s.speed = speed }

// Pause suspends playback before the next tick is delivered.
func (s *Simulator) Pause() { s.paused = true }

// Resume resumes playback.
func (s *Simulator) Resume() { s.paused = false }

// Run iterates ticks in chronological order across all symbols (ties
// broken by symbol lexicographic order), invoking callback(tick) for
// each after routing through the attached aggregator, if any.
func (s *Simulator) Run(callback func(simtypes.Tick)) {
	allTicks := s.generateAll()
	sort.SliceStable(allTicks, func(i, j int) bool {
		if !allTicks[i].Timestamp.Equal(allTicks[j].Timestamp) {
			return allTicks[i].Timestamp.Before(allTicks[j].Timestamp)
		}
		return allTicks[i].Symbol < allTicks[j].Symbol
	})

	for _, t := range allTicks {
		for s.paused {
			time.Sleep(10 * time.Millisecond)
		}
		if s.jumpTo != nil && t.Timestamp.Before(*s.jumpTo) {
			continue
		}
		s.jumpTo = nil

		if s.aggregator != nil {
			s.aggregator.ProcessTick(t)
		}
		callback(t)

		if s.speed > 0 {
			time.Sleep(time.Second / time.Duration(s.speed))
		}
	}
	if s.aggregator != nil {
		s.aggregator.Flush()
	}
}

// JumpTo fast-forwards playback without invoking callbacks past the
// target time; the aggregator is flushed for the skipped interval so
// strategies are never given a sparse view.
func (s *Simulator) JumpTo(t time.Time) {
	if s.aggregator != nil {
		s.aggregator.Flush()
	}
	target := t
	s.jumpTo = &target
}

// generateAll produces the full deterministic tick stream for every
// symbol's candle sequence.
func (s *Simulator) generateAll() []simtypes.Tick {
	var all []simtypes.Tick
	for symbol, candles := range s.bySymbol {
		for idx, c := range candles {
			all = append(all, s.ticksForCandle(symbol, idx, c)...)
		}
	}
	return all
}

// ticksForCandle interpolates ticks_per_candle prices along a path chosen
// from the candle's shape, per spec §4.10.
func (s *Simulator) ticksForCandle(symbol string, candleIndex int, c Candle) []simtypes.Tick {
	path := s.choosePath(symbol, candleIndex, c)
	prices := interpolatePath(path, s.cfg.TicksPerCandle, c, s.rng.ForTick(symbol, candleIndex, 0))
	volumes := distributeVolume(c.Volume, s.cfg.TicksPerCandle)

	n := len(prices)
	interval := c.Timestamp.Add(time.Minute).Sub(c.Timestamp)
	step := interval / time.Duration(n)

	ticks := make([]simtypes.Tick, n)
	halfSpread := s.cfg.Spread.Div(decimal.NewFromInt(2))
	for i, p := range prices {
		ts := c.Timestamp.Add(time.Duration(i) * step)
		ticks[i] = simtypes.Tick{
			Timestamp: ts,
			Symbol:    symbol,
			Price:     p,
			Bid:       p.Mul(decimal.NewFromInt(1).Sub(halfSpread)),
			Ask:       p.Mul(decimal.NewFromInt(1).Add(halfSpread)),
			Volume:    volumes[i],
			Source:    "marketsim",
		}
	}
	return ticks
}

// choosePath selects bullish/bearish/extremes-touching per spec §4.10:
// candles with range >= 2% of open always use extremes-touching; bullish
// candles use it 30% of the time and bearish candles use it 30% of the
// time as well, the complementary 70% following their natural direction.
func (s *Simulator) choosePath(symbol string, candleIndex int, c Candle) []decimal.Decimal {
	rangePct := c.High.Sub(c.Low)
	if !c.Open.IsZero() {
		rangePct = rangePct.Div(c.Open)
	}
	r := s.rng.ForTick(symbol, candleIndex, -1)
	useExtremes := rangePct.GreaterThanOrEqual(decimal.NewFromFloat(0.02))
	if !useExtremes && r.Float64() < 0.30 {
		useExtremes = true
	}
	if useExtremes {
		return []decimal.Decimal{c.Low, c.High, c.Open, c.Close}
	}
	if c.Close.GreaterThanOrEqual(c.Open) {
		return []decimal.Decimal{c.Low, c.Open, c.High, c.Close}
	}
	return []decimal.Decimal{c.High, c.Open, c.Low, c.Close}
}

// interpolatePath generates n prices along path using exponential
// smoothing (alpha=0.3) with Gaussian jitter (sigma = 0.05% of price),
// clamped within the candle's range except at exact path endpoints.
func interpolatePath(path []decimal.Decimal, n int, c Candle, r *rand.Rand) []decimal.Decimal {
	if n < len(path) {
		n = len(path)
	}
	segPoints := samplePathPoints(path, n)

	alpha := 0.3
	rangeD := c.High.Sub(c.Low)
	lowClamp := c.Low.Add(rangeD.Mul(decimal.NewFromFloat(0.001)))
	highClamp := c.High.Sub(rangeD.Mul(decimal.NewFromFloat(0.001)))

	out := make([]decimal.Decimal, n)
	var smoothed float64
	for i, target := range segPoints {
		tf, _ := target.Float64()
		if i == 0 {
			smoothed = tf
		} else {
			smoothed = alpha*tf + (1-alpha)*smoothed
		}
		isEndpoint := i == 0 || i == n-1
		price := smoothed
		if !isEndpoint {
			sigma := tf * 0.0005
			price += r.NormFloat64() * sigma
			pd := decimal.NewFromFloat(price)
			if pd.LessThan(lowClamp) {
				pd = lowClamp
			}
			if pd.GreaterThan(highClamp) {
				pd = highClamp
			}
			out[i] = pd
			continue
		}
		out[i] = target
	}
	return out
}

// samplePathPoints maps n evenly-spaced samples onto the path's segments,
// landing exactly on each path vertex at its proportional index.
func samplePathPoints(path []decimal.Decimal, n int) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{path[0]}
	}
	segments := len(path) - 1
	out := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n-1)
		segF := frac * float64(segments)
		seg := int(segF)
		if seg >= segments {
			seg = segments - 1
		}
		localFrac := segF - float64(seg)
		a, b := path[seg], path[seg+1]
		diff := b.Sub(a)
		out[i] = a.Add(diff.Mul(decimal.NewFromFloat(localFrac)))
	}
	return out
}

// distributeVolume spreads a candle's volume across n ticks, summing
// exactly to the total, weighting ticks near the path endpoints higher.
func distributeVolume(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	weights := make([]float64, n)
	sum := 0.0
	mid := float64(n-1) / 2
	for i := 0; i < n; i++ {
		d := float64(i) - mid
		w := 1.0 + 0.5*(d*d)/(mid*mid+1)
		weights[i] = w
		sum += w
	}
	out := make([]decimal.Decimal, n)
	allocated := decimal.Zero
	for i := 0; i < n-1; i++ {
		share := total.Mul(decimal.NewFromFloat(weights[i] / sum))
		out[i] = share
		allocated = allocated.Add(share)
	}
	out[n-1] = total.Sub(allocated)
	return out
}
