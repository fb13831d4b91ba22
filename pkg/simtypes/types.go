// Package simtypes provides the shared data model for the intraday
// multi-strategy trading simulator: ticks, candles, signals, orders,
// positions and the process-wide risk state. Monetary and price fields
// use decimal.Decimal throughout, following the convention of
// pkg/types in the rest of this module.
package simtypes

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the direction of a signal or order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// SignalOrigin identifies what produced a signal.
type SignalOrigin string

const (
	OriginStrategy      SignalOrigin = "strategy"
	OriginTrailingSL     SignalOrigin = "trailing_sl"
	OriginTimeController SignalOrigin = "time_controller"
)

// OrderStatus is the terminal/non-terminal state of an order.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected"
)

// CandleState distinguishes a mutable forming candle from an immutable one.
type CandleState string

const (
	CandleForming CandleState = "forming"
	CandleClosed  CandleState = "closed"
)

// Timeframe is expressed as a duration; supported values are integer
// multiples of one minute up to one day.
type Timeframe time.Duration

func (tf Timeframe) String() string {
	return time.Duration(tf).String()
}

// Tick is a single synthetic price observation within a candle.
type Tick struct {
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	Source    string          `json:"source"`
}

// Candle is an OHLCV bar for one (symbol, timeframe).
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	TickCount int             `json:"tick_count"`
	State     CandleState     `json:"state"`
}

// Clone returns a value copy; candles are otherwise shared by reference
// only while forming.
func (c *Candle) Clone() Candle {
	return *c
}

// Signal is a strategy- or manager-emitted intent to BUY or SELL.
type Signal struct {
	StrategyID        string         `json:"strategy_id"`
	Action            Action         `json:"action"`
	Symbol            string         `json:"symbol"`
	ReferencePrice    decimal.Decimal `json:"reference_price"`
	Timestamp         time.Time      `json:"timestamp"`
	Reason            string         `json:"reason"`
	IndicatorSnapshot map[string]decimal.Decimal `json:"indicator_snapshot,omitempty"`
	Origin            SignalOrigin   `json:"origin"`
	Quantity          decimal.Decimal `json:"quantity,omitempty"` // zero means "full position" for exits
}

// OrderRequest is what OrderManager submits to a Broker.
type OrderRequest struct {
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	Action         Action          `json:"action"`
	Quantity       decimal.Decimal `json:"quantity"`
	Type           string          `json:"type"` // "market" | "limit"
	LimitPrice     decimal.Decimal `json:"limit_price,omitempty"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Timestamp      time.Time       `json:"timestamp"`
}

// OrderResult is the Broker's synchronous response to a submitted order.
type OrderResult struct {
	OrderID      string          `json:"order_id"`
	Status       OrderStatus     `json:"status"`
	FilledPrice  decimal.Decimal `json:"filled_price"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	Slippage     decimal.Decimal `json:"slippage"`
	RejectReason string          `json:"reject_reason,omitempty"`
	FilledAt     time.Time       `json:"filled_at"`
}

// Order is the book-of-record entry OrderManager keeps per submission.
type Order struct {
	OrderID        string          `json:"order_id"`
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	Action         Action          `json:"action"`
	RequestedPrice decimal.Decimal `json:"requested_price"`
	FilledPrice    decimal.Decimal `json:"filled_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Status         OrderStatus     `json:"status"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	FilledAt       time.Time       `json:"filled_at"`
	Slippage       decimal.Decimal `json:"slippage"`
}

// Fill is the notification PositionManager and strategies receive once an
// order reaches a terminal filled state.
type Fill struct {
	StrategyID  string          `json:"strategy_id"`
	Symbol      string          `json:"symbol"`
	Action      Action          `json:"action"`
	TradeID     string          `json:"trade_id"`
	OrderID     string          `json:"order_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Position is an open exposure in a symbol held by a specific strategy.
// Quantity is signed: positive for long, negative for short.
type Position struct {
	TradeID       string          `json:"trade_id"`
	StrategyID    string          `json:"strategy_id"`
	Symbol        string          `json:"symbol"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryTime     time.Time       `json:"entry_time"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	HighestPrice  decimal.Decimal `json:"highest_price"`
	LowestPrice   decimal.Decimal `json:"lowest_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	EntrySignal   Signal          `json:"entry_signal"`
}

// IsLong reports whether the position is a long exposure.
func (p *Position) IsLong() bool { return p.Quantity.IsPositive() }

// UpdateOnTick refreshes current/highest/lowest price and unrealized P&L.
// highest is monotonically non-decreasing for longs, lowest monotonically
// non-increasing for shorts, per spec invariant.
func (p *Position) UpdateOnTick(price decimal.Decimal) {
	p.CurrentPrice = price
	if p.IsLong() {
		if price.GreaterThan(p.HighestPrice) {
			p.HighestPrice = price
		}
		p.UnrealizedPnL = price.Sub(p.EntryPrice).Mul(p.Quantity)
	} else {
		if p.LowestPrice.IsZero() || price.LessThan(p.LowestPrice) {
			p.LowestPrice = price
		}
		p.UnrealizedPnL = p.EntryPrice.Sub(price).Mul(p.Quantity.Abs())
	}
}

// TrailingStopPolicy is one of the four supported trailing-SL policies.
type TrailingStopPolicy string

const (
	PolicyFixedPct  TrailingStopPolicy = "fixed_pct"
	PolicyATR       TrailingStopPolicy = "atr"
	PolicyMA        TrailingStopPolicy = "ma"
	PolicyTimeDecay TrailingStopPolicy = "time_decay"
)

// TrailingStopState is per-trade trailing-stop bookkeeping.
type TrailingStopState struct {
	TradeID     string
	Policy      TrailingStopPolicy
	StopPrice   decimal.Decimal
	Anchor      decimal.Decimal // highest for long, lowest for short
	Activated   bool
	Params      TrailingStopParams
	OpenedAt    time.Time
}

// TrailingStopParams holds the policy-specific parameters; only the fields
// relevant to the selected policy are read.
type TrailingStopParams struct {
	FixedPct     decimal.Decimal
	ATRMultiplier decimal.Decimal
	ATRPeriod    int
	MAPeriod     int
	MABuffer     decimal.Decimal
	DecayStartPct decimal.Decimal
	DecayFinalPct decimal.Decimal
	DecayMinutes  int
	BreakevenTriggerPct decimal.Decimal
}

// RiskState is the single process-wide mutable tracked by RiskManager.
type RiskState struct {
	Capital               decimal.Decimal
	DailyRealizedPnL      decimal.Decimal
	PerStrategyOpenCount  map[string]int
	GlobalOpenCount       int
	TradesToday           int
	TradingBlocked        bool
}

// NewRiskState constructs a fresh RiskState for a simulation day.
func NewRiskState(capital decimal.Decimal) *RiskState {
	return &RiskState{
		Capital:              capital,
		PerStrategyOpenCount: make(map[string]int),
	}
}

// ResetDay clears daily accumulators at the day boundary; capital and open
// position counts survive, since they reflect live exposure, not the day's
// activity.
func (r *RiskState) ResetDay() {
	r.DailyRealizedPnL = decimal.Zero
	r.TradesToday = 0
	r.TradingBlocked = false
}

// RunSummary is the structured end-of-run report required by spec §7.
type RunSummary struct {
	TicksProcessed    int                        `json:"ticks_processed"`
	SignalsEmitted    int                        `json:"signals_emitted"`
	SignalsApproved   int                        `json:"signals_approved"`
	SignalsRejected   int                        `json:"signals_rejected"`
	RejectReasons     map[string]int             `json:"reject_reasons"`
	TradesOpened      int                        `json:"trades_opened"`
	TradesClosed      int                        `json:"trades_closed"`
	RealizedPnL       decimal.Decimal            `json:"realized_pnl"`
	RealizedPnLByStrategy map[string]decimal.Decimal `json:"realized_pnl_by_strategy"`
	FaultedStrategies []string                   `json:"faulted_strategies"`
}
