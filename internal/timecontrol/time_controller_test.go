package timecontrol_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/timecontrol"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"go.uber.org/zap"
)

type fakeRiskState struct {
	blocked bool
}

func (f *fakeRiskState) SetTradingBlocked(b bool) { f.blocked = b }

type fakeStrategies struct {
	called bool
}

func (f *fakeStrategies) SquareOffAll(positions timecontrol.PositionLookup) []simtypes.Signal {
	f.called = true
	return []simtypes.Signal{{Action: simtypes.ActionSell, Symbol: "RELIANCE"}}
}

type fakePositions struct{}

func (fakePositions) Get(strategyID, symbol string) (simtypes.Position, bool) { return simtypes.Position{}, false }
func (fakePositions) OpenSymbols(strategyID string) []string                 { return nil }

func dayAt(hour, minute int) time.Time {
	return time.Date(2026, 7, 31, hour, minute, 0, 0, time.UTC)
}

func TestAdvanceFiresWarningOnce(t *testing.T) {
	risk := &fakeRiskState{}
	strategies := &fakeStrategies{}
	c := timecontrol.New(zap.NewNop(), timecontrol.DefaultConfig(), risk)

	c.Advance(dayAt(14, 59), strategies, fakePositions{})
	if risk.blocked {
		t.Fatal("expected trading to remain unblocked before the warning threshold")
	}

	c.Advance(dayAt(15, 0), strategies, fakePositions{})
	if !risk.blocked {
		t.Fatal("expected trading to be blocked once the warning threshold is crossed")
	}

	risk.blocked = false
	c.Advance(dayAt(15, 5), strategies, fakePositions{})
	if risk.blocked {
		t.Error("expected the warning to fire only once per simulated day")
	}
}

func TestAdvanceFiresSquareOffOnce(t *testing.T) {
	risk := &fakeRiskState{}
	strategies := &fakeStrategies{}
	c := timecontrol.New(zap.NewNop(), timecontrol.DefaultConfig(), risk)

	sigs := c.Advance(dayAt(15, 15), strategies, fakePositions{})
	if !strategies.called {
		t.Fatal("expected SquareOffAll to be invoked at the square-off threshold")
	}
	if len(sigs) != 1 {
		t.Fatalf("expected 1 square-off signal returned, got %d", len(sigs))
	}

	strategies.called = false
	c.Advance(dayAt(15, 20), strategies, fakePositions{})
	if strategies.called {
		t.Error("expected square-off to fire only once per simulated day")
	}
}

func TestAdvanceResetsOnNewDay(t *testing.T) {
	risk := &fakeRiskState{}
	strategies := &fakeStrategies{}
	c := timecontrol.New(zap.NewNop(), timecontrol.DefaultConfig(), risk)

	c.Advance(dayAt(15, 15), strategies, fakePositions{})
	strategies.called = false
	risk.blocked = false

	nextDay := dayAt(15, 15).Add(24 * time.Hour)
	c.Advance(nextDay, strategies, fakePositions{})
	if !strategies.called {
		t.Error("expected square-off to fire again on a new simulated day")
	}
}

func TestNowTracksLastAdvance(t *testing.T) {
	c := timecontrol.New(zap.NewNop(), timecontrol.DefaultConfig(), &fakeRiskState{})
	ts := dayAt(10, 0)
	c.Advance(ts, &fakeStrategies{}, fakePositions{})
	if !c.Now().Equal(ts) {
		t.Errorf("expected Now() to reflect the last Advance call, got %v", c.Now())
	}
}
