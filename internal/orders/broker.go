// Package orders implements OrderManager and the Broker contract,
// including the reference SimulatedBroker fill model. The terminal-status
// synchronous fill guarantee and slippage-on-fill pattern are adapted from
// the teacher's execution.Executor.simulateExecution, replacing its ad
// hoc slippage with this module's deterministic uniform draw from the
// counter-based rng source.
package orders

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/marketreplay/internal/rng"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
)

// Broker is the contract OrderManager submits orders through. A
// SimulatedBroker is the reference implementation; real-broker adapters
// must translate asynchronous fills into the same terminal events before
// returning from Submit.
type Broker interface {
	Connect(ctx context.Context) error
	Submit(ctx context.Context, req simtypes.OrderRequest) (simtypes.OrderResult, error)
	Account(ctx context.Context) (capital, buyingPower decimal.Decimal, err error)
}

// SimulatedBroker fills market orders immediately at
// requested_price * (1 +/- u), u ~ Uniform[0.0005, 0.001]; limit orders
// that would not cross are rejected with "limit_not_marketable";
// insufficient buying power rejects without mutating state.
type SimulatedBroker struct {
	rng           *rng.Source
	capital       decimal.Decimal
	buyingPower   decimal.Decimal
	orderSeq      int
}

// NewSimulatedBroker constructs a SimulatedBroker with the given starting
// capital; buying power starts equal to capital.
func NewSimulatedBroker(source *rng.Source, capital decimal.Decimal) *SimulatedBroker {
	return &SimulatedBroker{
		rng:         source,
		capital:     capital,
		buyingPower: capital,
	}
}

// Connect is a no-op for the simulated broker.
func (b *SimulatedBroker) Connect(ctx context.Context) error { return nil }

// Account returns the broker's current capital and buying power.
func (b *SimulatedBroker) Account(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	return b.capital, b.buyingPower, nil
}

// Submit fills market orders synchronously with deterministic slippage
// drawn from the uniform range [0.0005, 0.001]; BUY adds, SELL subtracts.
func (b *SimulatedBroker) Submit(ctx context.Context, req simtypes.OrderRequest) (simtypes.OrderResult, error) {
	b.orderSeq++
	seq := b.orderSeq

	if req.Type == "limit" {
		crosses := (req.Action == simtypes.ActionBuy && req.LimitPrice.GreaterThanOrEqual(req.ReferencePrice)) ||
			(req.Action == simtypes.ActionSell && req.LimitPrice.LessThanOrEqual(req.ReferencePrice))
		if !crosses {
			return simtypes.OrderResult{
				Status:       simtypes.OrderStatusRejected,
				RejectReason: "limit_not_marketable",
				FilledAt:     req.Timestamp,
			}, nil
		}
	}

	notional := req.ReferencePrice.Mul(req.Quantity)
	if req.Action == simtypes.ActionBuy && notional.GreaterThan(b.buyingPower) {
		return simtypes.OrderResult{
			Status:       simtypes.OrderStatusRejected,
			RejectReason: "insufficient_buying_power",
			FilledAt:     req.Timestamp,
		}, nil
	}

	r := b.rng.ForFill(req.Symbol, seq)
	u := decimal.NewFromFloat(0.0005 + r.Float64()*0.0005)

	var filledPrice decimal.Decimal
	if req.Action == simtypes.ActionBuy {
		filledPrice = req.ReferencePrice.Mul(decimal.NewFromInt(1).Add(u))
		b.buyingPower = b.buyingPower.Sub(filledPrice.Mul(req.Quantity))
	} else {
		filledPrice = req.ReferencePrice.Mul(decimal.NewFromInt(1).Sub(u))
		b.buyingPower = b.buyingPower.Add(filledPrice.Mul(req.Quantity))
	}

	return simtypes.OrderResult{
		Status:      simtypes.OrderStatusFilled,
		FilledPrice: filledPrice,
		FilledQty:   req.Quantity,
		Slippage:    u,
		FilledAt:    req.Timestamp,
	}, nil
}

// Manager generates a fresh trade_id per BUY signal, submits to the
// broker, and on a terminal status emits a Fill.
type Manager struct {
	broker   Broker
	seq      int
}

// NewManager constructs an order Manager bound to a Broker.
func NewManager(broker Broker) *Manager {
	return &Manager{broker: broker}
}

// FillHandler is invoked synchronously once an order reaches a terminal
// filled state.
type FillHandler func(simtypes.Fill)

// Submit builds an OrderRequest from an approved signal, submits it to
// the broker, and returns the resulting Order plus, on a fill, the Fill
// event. For a BUY, a fresh trade_id is minted (format: strategy_id + "_"
// + symbol + "_" + compact timestamp, collision-free within a simulation
// via a monotonic sequence suffix). For a SELL, existingTradeID must be
// the trade_id of the position being closed, since a sell's fill must
// reference the same trade from open to close.
func (m *Manager) Submit(ctx context.Context, sig simtypes.Signal, existingTradeID string) (simtypes.Order, *simtypes.Fill, error) {
	m.seq++
	orderID := fmt.Sprintf("%s_%s_%d_%d", sig.StrategyID, sig.Symbol, sig.Timestamp.UnixNano(), m.seq)
	tradeID := orderID
	if existingTradeID != "" {
		tradeID = existingTradeID
	}

	req := simtypes.OrderRequest{
		StrategyID:     sig.StrategyID,
		Symbol:         sig.Symbol,
		Action:         sig.Action,
		Quantity:       sig.Quantity,
		Type:           "market",
		ReferencePrice: sig.ReferencePrice,
		Timestamp:      sig.Timestamp,
	}

	result, err := m.broker.Submit(ctx, req)
	if err != nil {
		return simtypes.Order{}, nil, fmt.Errorf("orders: submit failed: %w", err)
	}

	order := simtypes.Order{
		OrderID:        orderID,
		StrategyID:     sig.StrategyID,
		Symbol:         sig.Symbol,
		Action:         sig.Action,
		RequestedPrice: sig.ReferencePrice,
		FilledPrice:    result.FilledPrice,
		Quantity:       sig.Quantity,
		Status:         result.Status,
		SubmittedAt:    sig.Timestamp,
		FilledAt:       result.FilledAt,
		Slippage:       result.Slippage,
	}

	if result.Status != simtypes.OrderStatusFilled {
		return order, nil, nil
	}

	fill := &simtypes.Fill{
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Action:     sig.Action,
		TradeID:    tradeID,
		OrderID:    orderID,
		Price:      result.FilledPrice,
		Quantity:   result.FilledQty,
		Timestamp:  result.FilledAt,
	}
	return order, fill, nil
}
