package trailing_test

import (
	"testing"

	"github.com/atlas-desktop/marketreplay/internal/trailing"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeIndicators struct {
	atr decimal.Decimal
	ma  decimal.Decimal
}

func (f *fakeIndicators) ATR(symbol string, period int) decimal.Decimal { return f.atr }
func (f *fakeIndicators) MA(symbol string, period int) decimal.Decimal  { return f.ma }

func openSignal(symbol string) simtypes.Signal {
	return simtypes.Signal{Symbol: symbol, Action: simtypes.ActionBuy}
}

func TestFixedPctInitializesAndNeverMoves(t *testing.T) {
	m := trailing.New(zap.NewNop(), nil)
	entry := decimal.NewFromInt(100)
	params := simtypes.TrailingStopParams{FixedPct: decimal.NewFromFloat(0.02)}
	m.OnPositionOpened("t1", entry, openSignal("RELIANCE"), params, simtypes.PolicyFixedPct)

	st, ok := m.State("t1")
	if !ok {
		t.Fatal("expected state to exist after OnPositionOpened")
	}
	if !st.StopPrice.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("expected initial stop 98, got %s", st.StopPrice)
	}

	positions := map[string]simtypes.Position{"t1": {TradeID: "t1", StrategyID: "s1", Symbol: "RELIANCE", EntryPrice: entry, Quantity: decimal.NewFromInt(10)}}
	m.OnTick("RELIANCE", decimal.NewFromInt(110), positions, nil)

	st, _ = m.State("t1")
	if !st.StopPrice.Equal(decimal.NewFromInt(98)) {
		t.Errorf("expected fixed_pct stop to never move, got %s", st.StopPrice)
	}
}

func TestFixedPctBreachEmitsSellSignal(t *testing.T) {
	m := trailing.New(zap.NewNop(), nil)
	entry := decimal.NewFromInt(100)
	params := simtypes.TrailingStopParams{FixedPct: decimal.NewFromFloat(0.02)}
	m.OnPositionOpened("t1", entry, openSignal("RELIANCE"), params, simtypes.PolicyFixedPct)

	positions := map[string]simtypes.Position{"t1": {TradeID: "t1", StrategyID: "s1", Symbol: "RELIANCE", EntryPrice: entry, Quantity: decimal.NewFromInt(10)}}
	sigs := m.OnTick("RELIANCE", decimal.NewFromInt(97), positions, nil)

	if len(sigs) != 1 {
		t.Fatalf("expected 1 breach signal, got %d", len(sigs))
	}
	if sigs[0].Action != simtypes.ActionSell || sigs[0].Origin != simtypes.OriginTrailingSL {
		t.Errorf("expected a SELL signal with origin trailing_sl, got %+v", sigs[0])
	}
	if !sigs[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected the full remaining quantity, got %s", sigs[0].Quantity)
	}
}

func TestATRPolicyRatchetsOnlyUpward(t *testing.T) {
	indicators := &fakeIndicators{atr: decimal.NewFromInt(2)}
	m := trailing.New(zap.NewNop(), indicators)
	entry := decimal.NewFromInt(100)
	params := simtypes.TrailingStopParams{ATRMultiplier: decimal.NewFromInt(2), ATRPeriod: 14}
	m.OnPositionOpened("t1", entry, openSignal("RELIANCE"), params, simtypes.PolicyATR)

	st, _ := m.State("t1")
	initialStop := st.StopPrice // 100 - 2*2 = 96

	positions := map[string]simtypes.Position{"t1": {TradeID: "t1", StrategyID: "s1", Symbol: "RELIANCE", EntryPrice: entry, Quantity: decimal.NewFromInt(10)}}

	// Price rises: stop should ratchet up with the new anchor.
	m.OnTick("RELIANCE", decimal.NewFromInt(110), positions, nil)
	st, _ = m.State("t1")
	if !st.StopPrice.GreaterThan(initialStop) {
		t.Fatalf("expected the ATR stop to ratchet up as price rises, stayed at %s", st.StopPrice)
	}
	afterRise := st.StopPrice

	// Price falls back without breaching: stop must not retreat.
	m.OnTick("RELIANCE", decimal.NewFromInt(105), positions, nil)
	st, _ = m.State("t1")
	if !st.StopPrice.Equal(afterRise) {
		t.Errorf("expected the stop to hold its ratcheted level on a pullback, got %s want %s", st.StopPrice, afterRise)
	}
}

func TestClampToBreakevenRaisesStopToEntry(t *testing.T) {
	m := trailing.New(zap.NewNop(), nil)
	entry := decimal.NewFromInt(100)
	params := simtypes.TrailingStopParams{FixedPct: decimal.NewFromFloat(0.05)}
	m.OnPositionOpened("t1", entry, openSignal("RELIANCE"), params, simtypes.PolicyFixedPct)

	m.ClampToBreakeven("t1", entry)
	st, _ := m.State("t1")
	if !st.StopPrice.Equal(entry) {
		t.Errorf("expected breakeven clamp to raise the stop to entry price, got %s", st.StopPrice)
	}
}

func TestClampToBreakevenNeverLowersStop(t *testing.T) {
	m := trailing.New(zap.NewNop(), nil)
	entry := decimal.NewFromInt(100)
	params := simtypes.TrailingStopParams{FixedPct: decimal.NewFromFloat(-0.05)} // stop above entry, contrived
	m.OnPositionOpened("t1", entry, openSignal("RELIANCE"), params, simtypes.PolicyFixedPct)

	before, _ := m.State("t1")
	m.ClampToBreakeven("t1", entry)
	after, _ := m.State("t1")
	if after.StopPrice.LessThan(before.StopPrice) {
		t.Error("expected ClampToBreakeven to never lower the stop")
	}
}

func TestOnPositionClosedPurgesState(t *testing.T) {
	m := trailing.New(zap.NewNop(), nil)
	params := simtypes.TrailingStopParams{FixedPct: decimal.NewFromFloat(0.02)}
	m.OnPositionOpened("t1", decimal.NewFromInt(100), openSignal("RELIANCE"), params, simtypes.PolicyFixedPct)

	m.OnPositionClosed("t1")
	if _, ok := m.State("t1"); ok {
		t.Error("expected state to be purged after OnPositionClosed")
	}
}

func TestOnTickIgnoresUnrelatedSymbol(t *testing.T) {
	m := trailing.New(zap.NewNop(), nil)
	params := simtypes.TrailingStopParams{FixedPct: decimal.NewFromFloat(0.02)}
	m.OnPositionOpened("t1", decimal.NewFromInt(100), openSignal("RELIANCE"), params, simtypes.PolicyFixedPct)

	positions := map[string]simtypes.Position{"t1": {TradeID: "t1", Symbol: "RELIANCE"}}
	sigs := m.OnTick("TCS", decimal.NewFromInt(1), positions, nil)
	if len(sigs) != 0 {
		t.Errorf("expected no signals for a tick on an unrelated symbol, got %d", len(sigs))
	}
}
