// Package orchestrator's System type is the central integration point for
// the tick-replay trading simulator: it wires MarketSimulator through
// CandleAggregator, IndicatorSet, the strategy layer, RiskManager,
// OrderManager, PositionManager, TrailingStopManager, and TimeController
// into the single-threaded cooperative pipeline of this module's design,
// and republishes every stage onto the shared EventBus for fire-and-forget
// observability. The lifecycle shape (NewXxx wiring, Run, graceful Stop
// draining a final settlement step) follows the teacher's
// NewTradingOrchestrator/cmd/server/main.go wiring pattern, generalized
// from "autonomous live trading" to "deterministic historical replay."
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/candle"
	"github.com/atlas-desktop/marketreplay/internal/events"
	"github.com/atlas-desktop/marketreplay/internal/indicator"
	"github.com/atlas-desktop/marketreplay/internal/marketsim"
	"github.com/atlas-desktop/marketreplay/internal/metrics"
	"github.com/atlas-desktop/marketreplay/internal/observer"
	"github.com/atlas-desktop/marketreplay/internal/orders"
	"github.com/atlas-desktop/marketreplay/internal/position"
	"github.com/atlas-desktop/marketreplay/internal/riskmanager"
	"github.com/atlas-desktop/marketreplay/internal/strategy"
	"github.com/atlas-desktop/marketreplay/internal/timecontrol"
	"github.com/atlas-desktop/marketreplay/internal/trailing"
	"github.com/atlas-desktop/marketreplay/internal/warmup"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SimConfig controls one simulation run.
type SimConfig struct {
	Symbols        []string
	StartingCapital decimal.Decimal
	Seed           int64
	Speed          int
	TicksPerCandle int
	RiskLimits     riskmanager.Limits
	Warmup         warmup.Config
	TimeControl    timecontrol.Config
}

// indicatorRegistry implements strategy.IndicatorProvider and
// trailing.IndicatorSource over a map of per-(symbol,timeframe) sets,
// created lazily as strategies declare required timeframes.
type indicatorRegistry struct {
	maxHistory int
	sets       map[string]map[simtypes.Timeframe]*indicator.Set
}

func newIndicatorRegistry(maxHistory int) *indicatorRegistry {
	return &indicatorRegistry{maxHistory: maxHistory, sets: make(map[string]map[simtypes.Timeframe]*indicator.Set)}
}

func (r *indicatorRegistry) Set(symbol string, timeframe simtypes.Timeframe) *indicator.Set {
	bySymbol, ok := r.sets[symbol]
	if !ok {
		bySymbol = make(map[simtypes.Timeframe]*indicator.Set)
		r.sets[symbol] = bySymbol
	}
	set, ok := bySymbol[timeframe]
	if !ok {
		set = indicator.New(r.maxHistory)
		bySymbol[timeframe] = set
	}
	return set
}

// ATR satisfies trailing.IndicatorSource using the 1-minute base timeframe.
func (r *indicatorRegistry) ATR(symbol string, period int) decimal.Decimal {
	set := r.Set(symbol, simtypes.Timeframe(time.Minute))
	set.EnsurePeriod("atr", period)
	return set.ATR(period)
}

// MA satisfies trailing.IndicatorSource using the 1-minute base timeframe.
func (r *indicatorRegistry) MA(symbol string, period int) decimal.Decimal {
	return r.Set(symbol, simtypes.Timeframe(time.Minute)).SMA(period)
}

// System wires every component into the per-tick / per-candle-close
// dispatch order mandated by spec §5: candle closes update IndicatorSet
// before strategies' OnCandleClosed; on each tick, strategies' OnTick runs
// before TrailingStopManager and TimeController (see onTick). The tick
// path does not install a forming candle in the IndicatorSets.
type System struct {
	logger *zap.Logger
	cfg    SimConfig

	eventBus    *events.EventBus
	aggregator  *candle.Aggregator
	indicators  *indicatorRegistry
	strategies  *strategy.MultiStrategyManager
	risk        *riskmanager.Manager
	riskState   *simtypes.RiskState
	orders      *orders.Manager
	positions   *position.Manager
	trailingMgr *trailing.Manager
	timeCtl     *timecontrol.Controller
	dataManager observer.DataManager // optional; nil unless SetDataManager is called
	metrics     *metrics.SimMetrics  // optional; nil unless SetMetrics is called

	pendingCandleSignals []simtypes.Signal // filled by onCandleClosed, drained by the next onTick or by settleEndOfRun

	summaryMu sync.RWMutex // guards summary against the optional observer HTTP surface's concurrent reads
	summary   simtypes.RunSummary
}

// SetDataManager attaches the observability-only DataManager sink (spec
// §6). Every call into it is wrapped so a panic or slow client never
// reaches the trading pipeline.
func (s *System) SetDataManager(dm observer.DataManager) { s.dataManager = dm }

// SetMetrics attaches the optional Prometheus-style metric set; a nil
// metrics set (the default) makes every increment/set below a no-op guard.
func (s *System) SetMetrics(m *metrics.SimMetrics) { s.metrics = m }

// Summary returns a snapshot of the in-progress run summary. It is safe
// to call concurrently with the tick loop (e.g. from the optional
// observer HTTP surface's /summary handler), guarded by summaryMu.
func (s *System) Summary() simtypes.RunSummary {
	s.summaryMu.RLock()
	defer s.summaryMu.RUnlock()
	return s.summary
}

// observe invokes fn against the attached DataManager, recovering from any
// panic and logging it, per spec §5's fire-and-forget observability
// contract. A nil DataManager makes this a no-op.
func (s *System) observe(fn func(observer.DataManager)) {
	if s.dataManager == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("observer: DataManager call panicked, dropping", zap.Any("panic", r))
		}
	}()
	fn(s.dataManager)
}

// New wires a System from its components. strategies must already be
// constructed (via strategy.Registry) and bound to distinct IDs.
func New(logger *zap.Logger, cfg SimConfig, strategies []strategy.Strategy, broker orders.Broker, eventBus *events.EventBus) (*System, error) {
	timeframes := make(map[simtypes.Timeframe]bool)
	timeframes[simtypes.Timeframe(time.Minute)] = true
	for _, st := range strategies {
		for _, tf := range st.RequiredTimeframes() {
			timeframes[tf] = true
		}
	}

	indicators := newIndicatorRegistry(600)
	positions := position.New(logger)
	riskState := simtypes.NewRiskState(cfg.StartingCapital)
	risk := riskmanager.New(logger, cfg.RiskLimits, riskState, positions)
	orderMgr := orders.NewManager(broker)
	trailingMgr := trailing.New(logger, indicators)
	timeCtl := timecontrol.New(logger, cfg.TimeControl, risk)
	multiStrategy := strategy.NewMultiStrategyManager(logger, strategies)

	tfList := make([]simtypes.Timeframe, 0, len(timeframes))
	for tf := range timeframes {
		tfList = append(tfList, tf)
	}
	aggregator, err := candle.New(logger, candle.Config{Timeframes: tfList})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: building aggregator: %w", err)
	}

	s := &System{
		logger:      logger.Named("orchestrator"),
		cfg:         cfg,
		eventBus:    eventBus,
		aggregator:  aggregator,
		indicators:  indicators,
		strategies:  multiStrategy,
		risk:        risk,
		riskState:   riskState,
		orders:      orderMgr,
		positions:   positions,
		trailingMgr: trailingMgr,
		timeCtl:     timeCtl,
	}
	s.summary.RejectReasons = make(map[string]int)
	s.summary.RealizedPnLByStrategy = make(map[string]decimal.Decimal)

	for _, tf := range tfList {
		tfCopy := tf
		aggregator.OnCandleClosed(tfCopy, func(c simtypes.Candle) { s.onCandleClosed(tfCopy, c) })
	}
	return s, nil
}

// Run drives a full simulation: warmup, the live tick loop sourced from
// sim, and end-of-run settlement.
func (s *System) Run(ctx context.Context, sim *marketsim.Simulator, adapter warmup.DataAdapter, simDate time.Time) simtypes.RunSummary {
	wm := warmup.New(s.logger, s.cfg.Warmup, adapter)
	if err := wm.Run(ctx, s.cfg.Symbols, warmupStrategies(s.strategies.Strategies()), s.aggregator, simDate, nil); err != nil {
		s.logger.Warn("warmup failed", zap.Error(err))
	}

	sim.AttachAggregator(s.aggregator)

	sim.Run(func(tick simtypes.Tick) {
		s.onTick(tick)
	})

	s.settleEndOfRun()
	return s.Summary()
}

// onTick is the per-tick dispatch, following spec §5's fixed stage order:
// (1) the aggregator has already updated forming/closed candles and
// dispatched on_candle_closed before this callback runs (see Run's
// AttachAggregator wiring), queuing any resulting signals in
// pendingCandleSignals; (2) strategies' OnTick; (3) TrailingStopManager
// evaluates breaches; (4) TimeController's threshold events; all
// resulting signals are then drained together, in emission order,
// through RiskManager -> OrderManager -> PositionManager.
func (s *System) onTick(tick simtypes.Tick) {
	s.summaryMu.Lock()
	s.summary.TicksProcessed++
	s.summaryMu.Unlock()
	if s.metrics != nil {
		s.metrics.TicksProcessed.Inc()
	}
	if s.eventBus != nil {
		s.eventBus.Publish(events.NewTickEvent(tick.Symbol, tick.Price, tick.Volume, tick.Bid, tick.Ask, tick.Timestamp))
	}

	candleSignals := s.pendingCandleSignals
	s.pendingCandleSignals = nil

	s.positions.UpdateOnTick(tick.Symbol, tick.Price)

	tickSignals := s.strategies.DispatchTick(tick, s.indicators, s.positions)

	openPositions := make(map[string]simtypes.Position)
	for _, p := range s.positions.All() {
		openPositions[p.TradeID] = p
	}
	minutesElapsed := make(map[string]float64)
	for tradeID, p := range openPositions {
		minutesElapsed[tradeID] = tick.Timestamp.Sub(p.EntryTime).Minutes()
	}
	s.consumeBreakevenRequests(openPositions)
	trailSignals := s.trailingMgr.OnTick(tick.Symbol, tick.Price, openPositions, minutesElapsed)

	timeSignals := s.timeCtl.Advance(tick.Timestamp, s.strategies, s.positions)

	all := make([]simtypes.Signal, 0, len(candleSignals)+len(tickSignals)+len(trailSignals)+len(timeSignals))
	all = append(all, candleSignals...)
	all = append(all, tickSignals...)
	all = append(all, trailSignals...)
	all = append(all, timeSignals...)
	s.dispatchSignals(all, tick.Timestamp)
}

// onCandleClosed is invoked synchronously from within the aggregator's
// ProcessTick, strictly before onTick runs for the same tick; it updates
// the shared IndicatorSet and queues any strategy signals for onTick to
// drain in the correct total order.
func (s *System) onCandleClosed(tf simtypes.Timeframe, c simtypes.Candle) {
	set := s.indicators.Set(c.Symbol, tf)
	set.AddClosedCandle(c)
	s.observe(func(dm observer.DataManager) { dm.LogCandle(c) })
	if s.metrics != nil {
		s.metrics.CandlesClosed.Inc("timeframe", tf.String())
	}

	sigs := s.strategies.DispatchCandleClosed(c.Symbol, tf, c, s.indicators, s.positions)
	s.pendingCandleSignals = append(s.pendingCandleSignals, sigs...)
}

// dispatchSignals routes each signal through RiskManager, then on
// approval through OrderManager and PositionManager, updating RiskManager
// and TrailingStopManager on the resulting fill.
func (s *System) dispatchSignals(sigs []simtypes.Signal, now time.Time) {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	for _, sig := range sigs {
		s.summary.SignalsEmitted++
		if s.eventBus != nil {
			s.eventBus.Publish(events.NewSignalEvent(sig.Symbol, string(sig.Action), sig.StrategyID, decimal.NewFromInt(1), sig.ReferencePrice, decimal.Zero, decimal.Zero))
		}
		s.observe(func(dm observer.DataManager) { dm.LogSignal(sig) })
		if s.metrics != nil {
			s.metrics.SignalsEmitted.Inc("strategy_id", sig.StrategyID, "action", string(sig.Action))
		}

		approved, reason := s.risk.Evaluate(sig)
		if !approved {
			s.summary.SignalsRejected++
			s.summary.RejectReasons[reason]++
			if s.metrics != nil {
				s.metrics.SignalsRejected.Inc("reason", reason)
			}
			continue
		}
		s.summary.SignalsApproved++

		existingTradeID := ""
		if sig.Action == simtypes.ActionSell {
			if pos, ok := s.positions.Get(sig.StrategyID, sig.Symbol); ok {
				existingTradeID = pos.TradeID
			}
		}

		order, fill, err := s.orders.Submit(context.Background(), sig, existingTradeID)
		if err != nil {
			s.logger.Error("order submission failed", zap.Error(err), zap.String("strategy_id", sig.StrategyID))
			continue
		}
		if s.eventBus != nil {
			s.eventBus.Publish(events.NewOrderEvent(order.OrderID, order.Symbol, string(order.Action), "market", order.Quantity, order.FilledPrice))
		}
		if fill == nil {
			continue
		}
		if s.metrics != nil {
			s.metrics.OrdersFilled.Inc("symbol", order.Symbol)
		}

		pnl, closed, err := s.positions.ApplyFill(*fill, sig)
		if err != nil {
			s.logger.Error("applying fill failed", zap.Error(err))
			continue
		}

		if sig.Action == simtypes.ActionBuy && existingTradeID == "" {
			s.risk.RecordOpen(sig.StrategyID)
			s.summary.TradesOpened++
			s.observe(func(dm observer.DataManager) { dm.LogTradeOpen(*fill) })
			s.notifyPositionOpened(sig, *fill)
			if s.metrics != nil {
				s.metrics.OpenPositions.Set(float64(len(s.positions.All())))
			}
		}
		if closed {
			s.risk.RecordClose(sig.StrategyID, pnl)
			s.summary.TradesClosed++
			s.summary.RealizedPnL = s.summary.RealizedPnL.Add(pnl)
			s.summary.RealizedPnLByStrategy[sig.StrategyID] = s.summary.RealizedPnLByStrategy[sig.StrategyID].Add(pnl)
			s.observe(func(dm observer.DataManager) { dm.LogTradeClose(*fill, pnl) })
			s.notifyPositionClosed(sig, *fill, pnl)
			if s.metrics != nil {
				pnlFloat, _ := s.summary.RealizedPnL.Float64()
				s.metrics.RealizedPnL.Set(pnlFloat)
				s.metrics.OpenPositions.Set(float64(len(s.positions.All())))
			}
		} else if pos, ok := s.positions.Get(sig.StrategyID, sig.Symbol); ok {
			s.observe(func(dm observer.DataManager) { dm.LogPositionUpdate(pos) })
		}
	}
}

func (s *System) notifyPositionOpened(sig simtypes.Signal, fill simtypes.Fill) {
	var owner strategy.Strategy
	for _, st := range s.strategies.Strategies() {
		if st.ID() == sig.StrategyID {
			owner = st
			st.OnPositionOpened(fill.TradeID, fill, sig)
		}
	}
	if owner == nil {
		return
	}
	pref, ok := owner.(strategy.TrailingPreference)
	if !ok {
		return
	}
	policy, params, wantsExternal := pref.TrailingPreference()
	if !wantsExternal {
		return
	}
	if pos, ok := s.positions.Get(sig.StrategyID, sig.Symbol); ok {
		s.trailingMgr.OnPositionOpened(fill.TradeID, pos.EntryPrice, sig, params, policy)
		s.observe(func(dm observer.DataManager) { dm.UpdateTrailingSL(fill.TradeID, pos.EntryPrice) })
	}
}

// consumeBreakevenRequests checks every open position's owning strategy for
// a freshly-armed breakeven request and, if present, clamps that trade's
// external trailing stop to entry. A strategy that never opted into
// external trailing (no TrailingStopManager state for the trade) is a
// harmless no-op in ClampToBreakeven.
func (s *System) consumeBreakevenRequests(openPositions map[string]simtypes.Position) {
	for tradeID, pos := range openPositions {
		for _, st := range s.strategies.Strategies() {
			if st.ID() != pos.StrategyID {
				continue
			}
			requester, ok := st.(strategy.BreakevenRequester)
			if !ok {
				continue
			}
			if requester.ConsumeBreakevenRequest(tradeID) {
				s.trailingMgr.ClampToBreakeven(tradeID, pos.EntryPrice)
			}
		}
	}
}

func (s *System) notifyPositionClosed(sig simtypes.Signal, fill simtypes.Fill, pnl decimal.Decimal) {
	for _, st := range s.strategies.Strategies() {
		if st.ID() == sig.StrategyID {
			st.OnPositionClosed(fill.TradeID, fill, pnl)
		}
	}
	s.trailingMgr.OnPositionClosed(fill.TradeID)
}

// settleEndOfRun flushes the aggregator, dispatches any signals the final
// candle closes queued (no later tick exists to drain them), and records
// faulted strategies into the final summary.
func (s *System) settleEndOfRun() {
	s.aggregator.Flush()
	if pending := s.pendingCandleSignals; len(pending) > 0 {
		s.pendingCandleSignals = nil
		s.dispatchSignals(pending, time.Now())
	}
	faulted := s.strategies.FaultedStrategies()
	s.summaryMu.Lock()
	s.summary.FaultedStrategies = faulted
	s.summaryMu.Unlock()
	if s.metrics != nil {
		for _, id := range faulted {
			s.metrics.StrategyFaults.Inc("strategy_id", id)
		}
	}
}

// Stop drains the in-flight tick's pipeline (the caller must stop feeding
// ticks before calling this), performs a final square-off, and flushes
// every aggregator — the spec §6 cancellation contract.
func (s *System) Stop() simtypes.RunSummary {
	sigs := s.strategies.SquareOffAll(s.positions)
	s.dispatchSignals(sigs, time.Now())
	s.settleEndOfRun()
	return s.Summary()
}

func warmupStrategies(in []strategy.Strategy) []warmup.Strategy {
	out := make([]warmup.Strategy, len(in))
	for i, st := range in {
		out[i] = st
	}
	return out
}

