// Package timecontrol implements TimeController: a simulated clock that
// fires idempotent end-of-day events (warning, then square-off) at
// configured wall-clock boundaries. The idempotent-once-per-day-per-event
// shape mirrors the teacher's graceful-shutdown ordering in
// cmd/server/main.go, adapted from "fire once on SIGTERM" to "fire once
// per simulated day per threshold."
package timecontrol

import (
	"time"

	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"go.uber.org/zap"
)

// RiskState is the subset of riskmanager.Manager TimeController drives.
type RiskState interface {
	SetTradingBlocked(blocked bool)
}

// StrategySet is the subset of strategy.MultiStrategyManager TimeController
// drives for square-off.
type StrategySet interface {
	SquareOffAll(positions PositionLookup) []simtypes.Signal
}

// PositionLookup is passed through to SquareOffAll.
type PositionLookup interface {
	Get(strategyID, symbol string) (simtypes.Position, bool)
	OpenSymbols(strategyID string) []string
}

// Config holds the naive local wall-clock thresholds for one simulated day.
type Config struct {
	WarningAt   time.Duration // time-of-day offset, default 15:00
	SquareOffAt time.Duration // time-of-day offset, default 15:15
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{
		WarningAt:   15*time.Hour + 0*time.Minute,
		SquareOffAt: 15*time.Hour + 15*time.Minute,
	}
}

// Controller tracks simulated-now and fires warning/square-off exactly
// once per simulated day.
type Controller struct {
	logger *zap.Logger
	cfg    Config
	risk   RiskState

	now             time.Time
	warningFired    bool
	squareOffFired  bool
	dayStart        time.Time
}

// New constructs a Controller bound to a RiskState sink.
func New(logger *zap.Logger, cfg Config, risk RiskState) *Controller {
	return &Controller{logger: logger.Named("time-controller"), cfg: cfg, risk: risk}
}

// Advance updates simulated-now to t and, if t crosses the warning or
// square-off threshold for the first time this day, fires the
// corresponding event. Returns the square-off signals, if any (nil
// otherwise); the caller routes them through the normal risk/order path.
func (c *Controller) Advance(t time.Time, strategies StrategySet, positions PositionLookup) []simtypes.Signal {
	if c.dayStart.IsZero() || !sameDay(c.dayStart, t) {
		c.dayStart = startOfDay(t)
		c.warningFired = false
		c.squareOffFired = false
	}
	c.now = t

	elapsed := t.Sub(c.dayStart)

	if !c.warningFired && elapsed >= c.cfg.WarningAt {
		c.warningFired = true
		c.risk.SetTradingBlocked(true)
		c.logger.Info("time-controller: warning threshold crossed, new entries blocked")
	}

	if !c.squareOffFired && elapsed >= c.cfg.SquareOffAt {
		c.squareOffFired = true
		c.logger.Info("time-controller: square-off threshold crossed, closing all open positions")
		return strategies.SquareOffAll(positions)
	}

	return nil
}

// Now returns the simulated-now clock.
func (c *Controller) Now() time.Time { return c.now }

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
