// Package metrics implements a minimal zero-dependency Prometheus
// text-exposition registry, following the hand-rolled Counter/Gauge
// registry pattern used for trading metrics elsewhere in the retrieved
// reference material (no example repo in this corpus imports the
// prometheus/client_golang library itself; the one pack repo that exposes
// Prometheus metrics writes the exposition format by hand, so this package
// follows that precedent rather than the client library). SimMetrics is
// the simulator-specific set of counters/gauges, wired by the CLI entry
// point and served by internal/observer's /metrics endpoint.
package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry is the root metrics registry. Create one per process.
type Registry struct {
	mu      sync.RWMutex
	metrics []metric
}

type metric interface {
	desc() metricDesc
	writeText(w io.Writer)
}

type metricDesc struct {
	name  string
	help  string
	mtype string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// WriteText writes every registered metric in Prometheus text format.
func (r *Registry) WriteText(w io.Writer) {
	r.mu.RLock()
	ms := append([]metric(nil), r.metrics...)
	r.mu.RUnlock()

	for _, m := range ms {
		d := m.desc()
		fmt.Fprintf(w, "# HELP %s %s\n", d.name, d.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", d.name, d.mtype)
		m.writeText(w)
	}
}

func (r *Registry) register(m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
}

// Labels is an ordered alternating key/value list attached to a sample.
type Labels []string

func (l Labels) format() string {
	if len(l) == 0 {
		return ""
	}
	sb := strings.Builder{}
	sb.WriteByte('{')
	for i := 0; i < len(l); i += 2 {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(l[i])
		sb.WriteString(`="`)
		sb.WriteString(strings.ReplaceAll(l[i+1], `"`, `\"`))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) key() string { return strings.Join(l, "\x00") }

// Counter is a monotonically increasing metric.
type Counter struct {
	d    metricDesc
	mu   sync.RWMutex
	rows map[string]counterRow
}

type counterRow struct {
	labels Labels
	value  uint64
}

// NewCounter registers and returns a new Counter.
func (r *Registry) NewCounter(name, help string) *Counter {
	c := &Counter{d: metricDesc{name: name, help: help, mtype: "counter"}, rows: make(map[string]counterRow)}
	r.register(c)
	return c
}

func (c *Counter) desc() metricDesc { return c.d }

// Inc increments the counter by 1 for the given labels.
func (c *Counter) Inc(labels ...string) { c.Add(1, labels...) }

// Add adds a non-negative delta to the counter for the given labels.
func (c *Counter) Add(delta float64, labels ...string) {
	if delta < 0 {
		return
	}
	key := Labels(labels).key()
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[key]
	if !ok {
		row = counterRow{labels: Labels(labels)}
	}
	old := math.Float64frombits(atomic.LoadUint64(&row.value))
	atomic.StoreUint64(&row.value, math.Float64bits(old+delta))
	c.rows[key] = row
}

// Value returns the current value for the given labels (0 if unset).
func (c *Counter) Value(labels ...string) float64 {
	key := Labels(labels).key()
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[key]
	if !ok {
		return 0
	}
	return math.Float64frombits(atomic.LoadUint64(&row.value))
}

func (c *Counter) writeText(w io.Writer) {
	c.mu.RLock()
	rows := make([]counterRow, 0, len(c.rows))
	for _, r := range c.rows {
		rows = append(rows, r)
	}
	c.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].labels.key() < rows[j].labels.key() })
	for _, r := range rows {
		v := math.Float64frombits(atomic.LoadUint64(&r.value))
		fmt.Fprintf(w, "%s%s %s\n", c.d.name, r.labels.format(), formatFloat(v))
	}
}

// Gauge is an arbitrary floating-point metric that can rise or fall.
type Gauge struct {
	d    metricDesc
	mu   sync.RWMutex
	rows map[string]gaugeRow
}

type gaugeRow struct {
	labels Labels
	value  uint64
}

// NewGauge registers and returns a new Gauge.
func (r *Registry) NewGauge(name, help string) *Gauge {
	g := &Gauge{d: metricDesc{name: name, help: help, mtype: "gauge"}, rows: make(map[string]gaugeRow)}
	r.register(g)
	return g
}

func (g *Gauge) desc() metricDesc { return g.d }

// Set sets the gauge to v for the given labels.
func (g *Gauge) Set(v float64, labels ...string) {
	key := Labels(labels).key()
	g.mu.Lock()
	defer g.mu.Unlock()
	row, ok := g.rows[key]
	if !ok {
		row = gaugeRow{labels: Labels(labels)}
	}
	atomic.StoreUint64(&row.value, math.Float64bits(v))
	g.rows[key] = row
}

// Value returns the current gauge value (0 if unset).
func (g *Gauge) Value(labels ...string) float64 {
	key := Labels(labels).key()
	g.mu.RLock()
	defer g.mu.RUnlock()
	row, ok := g.rows[key]
	if !ok {
		return 0
	}
	return math.Float64frombits(atomic.LoadUint64(&row.value))
}

func (g *Gauge) writeText(w io.Writer) {
	g.mu.RLock()
	rows := make([]gaugeRow, 0, len(g.rows))
	for _, r := range g.rows {
		rows = append(rows, r)
	}
	g.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].labels.key() < rows[j].labels.key() })
	for _, r := range rows {
		v := math.Float64frombits(atomic.LoadUint64(&r.value))
		fmt.Fprintf(w, "%s%s %s\n", g.d.name, r.labels.format(), formatFloat(v))
	}
}

// SimMetrics is the pre-wired metric set for one simulation run.
type SimMetrics struct {
	TicksProcessed   *Counter
	CandlesClosed    *Counter
	SignalsEmitted   *Counter
	SignalsRejected  *Counter
	OrdersFilled     *Counter
	StrategyFaults   *Counter
	RealizedPnL      *Gauge
	OpenPositions    *Gauge
}

// NewSimMetrics registers the simulator's standard metric set into reg.
func NewSimMetrics(reg *Registry) *SimMetrics {
	return &SimMetrics{
		TicksProcessed:  reg.NewCounter("sim_ticks_processed_total", "Total ticks processed by the simulator."),
		CandlesClosed:   reg.NewCounter("sim_candles_closed_total", "Total candles closed, by timeframe."),
		SignalsEmitted:  reg.NewCounter("sim_signals_emitted_total", "Total signals emitted, by strategy and action."),
		SignalsRejected: reg.NewCounter("sim_signals_rejected_total", "Total signals rejected by RiskManager, by reason."),
		OrdersFilled:    reg.NewCounter("sim_orders_filled_total", "Total orders filled, by symbol."),
		StrategyFaults:  reg.NewCounter("sim_strategy_faults_total", "Total strategy panics caught, by strategy."),
		RealizedPnL:     reg.NewGauge("sim_realized_pnl", "Cumulative realized P&L across all strategies."),
		OpenPositions:   reg.NewGauge("sim_open_positions", "Number of currently open positions."),
	}
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return fmt.Sprintf("%g", v)
}
