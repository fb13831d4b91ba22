package position_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/position"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func fill(strategyID, symbol, tradeID string, action simtypes.Action, price, qty float64) simtypes.Fill {
	return simtypes.Fill{
		StrategyID: strategyID,
		Symbol:     symbol,
		Action:     action,
		TradeID:    tradeID,
		Price:      decimal.NewFromFloat(price),
		Quantity:   decimal.NewFromFloat(qty),
		Timestamp:  time.Now(),
	}
}

func TestApplyFillOpensNewPosition(t *testing.T) {
	m := position.New(zap.NewNop())
	pnl, closed, err := m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionBuy, 100, 10), simtypes.Signal{})
	if err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}
	if closed || !pnl.IsZero() {
		t.Fatalf("expected opening a position to report no close and zero P&L, got closed=%v pnl=%s", closed, pnl)
	}
	pos, ok := m.Get("s1", "RELIANCE")
	if !ok {
		t.Fatal("expected an open position after the fill")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected quantity 10, got %s", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected entry price 100, got %s", pos.EntryPrice)
	}
}

func TestApplyFillIncreasesAveragesPrice(t *testing.T) {
	m := position.New(zap.NewNop())
	m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionBuy, 100, 10), simtypes.Signal{})
	m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionBuy, 110, 10), simtypes.Signal{})

	pos, _ := m.Get("s1", "RELIANCE")
	if !pos.Quantity.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected combined quantity 20, got %s", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(decimal.NewFromInt(105)) {
		t.Errorf("expected averaged entry price 105, got %s", pos.EntryPrice)
	}
}

func TestApplyFillClosesPositionFully(t *testing.T) {
	m := position.New(zap.NewNop())
	m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionBuy, 100, 10), simtypes.Signal{})
	pnl, closed, err := m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionSell, 110, 10), simtypes.Signal{})
	if err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}
	if !closed {
		t.Fatal("expected the position to be fully closed")
	}
	if !pnl.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected realized P&L 100, got %s", pnl)
	}
	if _, ok := m.Get("s1", "RELIANCE"); ok {
		t.Error("expected no open position after a full close")
	}
}

func TestApplyFillPartialCloseReducesQuantity(t *testing.T) {
	m := position.New(zap.NewNop())
	m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionBuy, 100, 10), simtypes.Signal{})
	pnl, closed, err := m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionSell, 110, 4), simtypes.Signal{})
	if err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}
	if closed {
		t.Fatal("expected a partial close to leave the position open")
	}
	if !pnl.Equal(decimal.NewFromInt(40)) {
		t.Errorf("expected realized P&L 40 on the reduced portion, got %s", pnl)
	}
	pos, ok := m.Get("s1", "RELIANCE")
	if !ok {
		t.Fatal("expected the remainder to still be open")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(6)) {
		t.Errorf("expected remaining quantity 6, got %s", pos.Quantity)
	}
}

func TestApplyFillShortPositionPnLSign(t *testing.T) {
	m := position.New(zap.NewNop())
	m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionSell, 100, 10), simtypes.Signal{})
	pos, ok := m.Get("s1", "RELIANCE")
	if !ok || !pos.Quantity.Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("expected an open short position of -10, got %+v ok=%v", pos, ok)
	}

	pnl, closed, err := m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionBuy, 90, 10), simtypes.Signal{})
	if err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}
	if !closed {
		t.Fatal("expected the short to close fully")
	}
	if !pnl.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected a short covered at a lower price to realize positive P&L 100, got %s", pnl)
	}
}

func TestHasOpenPositionAndOpenSymbols(t *testing.T) {
	m := position.New(zap.NewNop())
	if m.HasOpenPosition("s1", "RELIANCE") {
		t.Fatal("expected no open position initially")
	}
	m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionBuy, 100, 10), simtypes.Signal{})
	if !m.HasOpenPosition("s1", "RELIANCE") {
		t.Error("expected an open position to be reported")
	}
	symbols := m.OpenSymbols("s1")
	if len(symbols) != 1 || symbols[0] != "RELIANCE" {
		t.Errorf("expected OpenSymbols to return [RELIANCE], got %v", symbols)
	}
}

func TestAllReturnsEveryOpenPosition(t *testing.T) {
	m := position.New(zap.NewNop())
	m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionBuy, 100, 10), simtypes.Signal{})
	m.ApplyFill(fill("s2", "TCS", "t2", simtypes.ActionBuy, 200, 5), simtypes.Signal{})

	all := m.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 open positions, got %d", len(all))
	}
}

func TestUpdateOnTickTracksHighLowAndUnrealized(t *testing.T) {
	m := position.New(zap.NewNop())
	m.ApplyFill(fill("s1", "RELIANCE", "t1", simtypes.ActionBuy, 100, 10), simtypes.Signal{})

	m.UpdateOnTick("RELIANCE", decimal.NewFromInt(110))
	pos, _ := m.Get("s1", "RELIANCE")
	if !pos.HighestPrice.Equal(decimal.NewFromInt(110)) {
		t.Errorf("expected highest price 110, got %s", pos.HighestPrice)
	}
	if !pos.UnrealizedPnL.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected unrealized P&L 100, got %s", pos.UnrealizedPnL)
	}

	m.UpdateOnTick("RELIANCE", decimal.NewFromInt(105))
	pos, _ = m.Get("s1", "RELIANCE")
	if !pos.HighestPrice.Equal(decimal.NewFromInt(110)) {
		t.Errorf("expected highest price to remain 110 after a pullback, got %s", pos.HighestPrice)
	}
}
