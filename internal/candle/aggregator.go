// Package candle turns a stream of ticks into a per-(symbol, timeframe)
// stream of forming and closed candles.
package candle

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"go.uber.org/zap"
)

// ClosedCallback is invoked in registration order whenever a candle closes
// for a given timeframe.
type ClosedCallback func(c simtypes.Candle)

type symbolTimeframe struct {
	symbol    string
	timeframe simtypes.Timeframe
}

// Aggregator maintains one forming candle per (symbol, timeframe) and a
// bounded ring of recently closed candles for each.
type Aggregator struct {
	logger *zap.Logger

	timeframes []simtypes.Timeframe
	ringSize   int

	mu       sync.Mutex
	forming  map[symbolTimeframe]*simtypes.Candle
	closed   map[symbolTimeframe][]simtypes.Candle
	handlers map[simtypes.Timeframe][]ClosedCallback
}

// Config configures the set of timeframes the aggregator tracks and the
// size of the closed-candle ring kept per (symbol, timeframe).
type Config struct {
	Timeframes []simtypes.Timeframe
	RingSize   int // default 500 per spec §3
}

// New constructs an Aggregator. An empty or unsupported timeframe set is a
// configuration error the orchestrator should treat as fatal (spec §4.1).
func New(logger *zap.Logger, cfg Config) (*Aggregator, error) {
	if len(cfg.Timeframes) == 0 {
		return nil, fmt.Errorf("candle: at least one timeframe is required")
	}
	for _, tf := range cfg.Timeframes {
		d := time.Duration(tf)
		if d < time.Minute || d%time.Minute != 0 || d > 24*time.Hour {
			return nil, fmt.Errorf("candle: unsupported timeframe %s: must be an integer number of minutes up to one day", d)
		}
	}
	ringSize := cfg.RingSize
	if ringSize <= 0 {
		ringSize = 500
	}
	return &Aggregator{
		logger:     logger.Named("candle-aggregator"),
		timeframes: cfg.Timeframes,
		ringSize:   ringSize,
		forming:    make(map[symbolTimeframe]*simtypes.Candle),
		closed:     make(map[symbolTimeframe][]simtypes.Candle),
		handlers:   make(map[simtypes.Timeframe][]ClosedCallback),
	}, nil
}

// OnCandleClosed registers a callback for a timeframe, dispatched in
// registration order.
func (a *Aggregator) OnCandleClosed(tf simtypes.Timeframe, cb ClosedCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[tf] = append(a.handlers[tf], cb)
}

// alignedOpen returns floor(ts / tf) * tf.
func alignedOpen(ts time.Time, tf simtypes.Timeframe) time.Time {
	d := time.Duration(tf)
	return ts.Truncate(d)
}

// ProcessTick updates or initializes the forming candle for each configured
// timeframe for tick.Symbol. If the tick crosses a timeframe boundary the
// forming candle is closed, appended to the ring, dispatched, and a new
// forming candle is opened starting at tick.Price/tick.Volume.
func (a *Aggregator) ProcessTick(tick simtypes.Tick) {
	a.mu.Lock()
	var toDispatch []simtypes.Candle
	var dispatchTFs []simtypes.Timeframe
	for _, tf := range a.timeframes {
		key := symbolTimeframe{tick.Symbol, tf}
		openTS := alignedOpen(tick.Timestamp, tf)

		cur, ok := a.forming[key]
		if !ok {
			a.forming[key] = newForming(tick, tf, openTS)
			continue
		}
		if openTS.After(cur.OpenTime) {
			closedCandle := *cur
			closedCandle.State = simtypes.CandleClosed
			a.appendClosed(key, closedCandle)
			toDispatch = append(toDispatch, closedCandle)
			dispatchTFs = append(dispatchTFs, tf)
			a.forming[key] = newForming(tick, tf, openTS)
			continue
		}
		updateForming(cur, tick)
	}
	a.mu.Unlock()

	for i, c := range toDispatch {
		a.dispatch(dispatchTFs[i], c)
	}
}

func newForming(tick simtypes.Tick, tf simtypes.Timeframe, openTS time.Time) *simtypes.Candle {
	return &simtypes.Candle{
		Symbol:    tick.Symbol,
		Timeframe: tf,
		OpenTime:  openTS,
		Open:      tick.Price,
		High:      tick.Price,
		Low:       tick.Price,
		Close:     tick.Price,
		Volume:    tick.Volume,
		TickCount: 1,
		State:     simtypes.CandleForming,
	}
}

func updateForming(c *simtypes.Candle, tick simtypes.Tick) {
	if tick.Price.GreaterThan(c.High) {
		c.High = tick.Price
	}
	if tick.Price.LessThan(c.Low) {
		c.Low = tick.Price
	}
	c.Close = tick.Price
	c.Volume = c.Volume.Add(tick.Volume)
	c.TickCount++
}

func (a *Aggregator) appendClosed(key symbolTimeframe, c simtypes.Candle) {
	ring := append(a.closed[key], c)
	if len(ring) > a.ringSize {
		ring = ring[len(ring)-a.ringSize:]
	}
	a.closed[key] = ring
}

func (a *Aggregator) dispatch(tf simtypes.Timeframe, c simtypes.Candle) {
	a.mu.Lock()
	cbs := append([]ClosedCallback(nil), a.handlers[tf]...)
	a.mu.Unlock()
	for _, cb := range cbs {
		cb(c)
	}
}

// AddHistoricalCandle is used during warmup only: it appends a pre-built
// closed candle to the ring and dispatches on_candle_closed callbacks so
// indicators and strategies see the exact same path as in live trading.
func (a *Aggregator) AddHistoricalCandle(c simtypes.Candle) {
	c.State = simtypes.CandleClosed
	key := symbolTimeframe{c.Symbol, c.Timeframe}
	a.mu.Lock()
	a.appendClosed(key, c)
	a.mu.Unlock()
	a.dispatch(c.Timeframe, c)
}

// GetForming returns the current forming candle, if any.
func (a *Aggregator) GetForming(symbol string, tf simtypes.Timeframe) (simtypes.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.forming[symbolTimeframe{symbol, tf}]
	if !ok {
		return simtypes.Candle{}, false
	}
	return *c, true
}

// GetClosed returns up to the last n closed candles, oldest first.
func (a *Aggregator) GetClosed(symbol string, tf simtypes.Timeframe, n int) []simtypes.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	ring := a.closed[symbolTimeframe{symbol, tf}]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]simtypes.Candle, n)
	copy(out, ring[len(ring)-n:])
	return out
}

// Flush finalizes any outstanding forming candles, used at the end of a
// simulation so indicators and logs observe consistent state.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	var toDispatch []simtypes.Candle
	var dispatchTFs []simtypes.Timeframe
	for key, cur := range a.forming {
		if cur == nil {
			continue
		}
		closedCandle := *cur
		closedCandle.State = simtypes.CandleClosed
		a.appendClosed(key, closedCandle)
		toDispatch = append(toDispatch, closedCandle)
		dispatchTFs = append(dispatchTFs, key.timeframe)
	}
	a.forming = make(map[symbolTimeframe]*simtypes.Candle)
	a.mu.Unlock()

	for i, c := range toDispatch {
		a.dispatch(dispatchTFs[i], c)
	}
	a.logger.Debug("aggregator flushed", zap.Int("candles", len(toDispatch)))
}
