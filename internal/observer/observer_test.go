package observer

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/metrics"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestHubBroadcastDeliversToRegisteredClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c := &client{send: make(chan []byte, 4)}
	hub.register <- c
	// Give the Run goroutine a moment to process registration before publish.
	time.Sleep(10 * time.Millisecond)

	hub.publish("signal", map[string]string{"symbol": "RELIANCE"})

	select {
	case msg := <-c.send:
		var decoded event
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("failed to decode published event: %v", err)
		}
		if decoded.Type != "signal" {
			t.Errorf("expected event type 'signal', got %q", decoded.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the registered client to receive the broadcast event")
	}
}

func TestHubBroadcastDropsWhenClientBufferFull(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c := &client{send: make(chan []byte, 1)}
	hub.register <- c
	time.Sleep(10 * time.Millisecond)

	// Saturate the client's tiny buffer, then publish once more; the
	// second publish must be dropped without blocking the hub.
	hub.publish("candle", 1)
	hub.publish("candle", 2)
	time.Sleep(10 * time.Millisecond)

	if len(c.send) != 1 {
		t.Fatalf("expected the client's buffer to hold exactly 1 undelivered message, got %d", len(c.send))
	}
}

func TestHubUnregisterClosesClientSendChannel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c := &client{send: make(chan []byte, 1)}
	hub.register <- c
	time.Sleep(10 * time.Millisecond)
	hub.unregister <- c
	time.Sleep(10 * time.Millisecond)

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected the client's send channel to be closed after unregister")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the send channel to already be closed")
	}
}

func TestHubRunClosesAllClientsOnContextCancel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	c := &client{send: make(chan []byte, 1)}
	hub.register <- c
	time.Sleep(10 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected client channels to close once the hub's context is cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the send channel to be closed promptly on shutdown")
	}
}

func TestWSDataManagerForwardsEveryCallType(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c := &client{send: make(chan []byte, 16)}
	hub.register <- c
	time.Sleep(10 * time.Millisecond)

	dm := NewWSDataManager(hub, func() simtypes.RunSummary { return simtypes.RunSummary{} })
	dm.LogSignal(simtypes.Signal{Symbol: "RELIANCE"})
	dm.LogTradeOpen(simtypes.Fill{Symbol: "RELIANCE"})
	dm.LogTradeClose(simtypes.Fill{Symbol: "RELIANCE"}, decimal.NewFromInt(10))
	dm.LogPositionUpdate(simtypes.Position{Symbol: "RELIANCE"})
	dm.LogIndicatorValues("RELIANCE", simtypes.Timeframe(time.Minute), map[string]decimal.Decimal{"rsi": decimal.NewFromInt(50)})
	dm.LogCandle(simtypes.Candle{Symbol: "RELIANCE"})
	dm.UpdateTrailingSL("t1", decimal.NewFromInt(95))

	expected := []string{"signal", "trade_open", "trade_close", "position_update", "indicator_values", "candle", "trailing_sl_update"}
	for _, want := range expected {
		select {
		case msg := <-c.send:
			var decoded event
			if err := json.Unmarshal(msg, &decoded); err != nil {
				t.Fatalf("failed to decode event: %v", err)
			}
			if decoded.Type != want {
				t.Errorf("expected event type %q, got %q", want, decoded.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected an event of type %q to be published", want)
		}
	}
}

func TestWSDataManagerGetDailySummaryUsesProvidedFunc(t *testing.T) {
	want := simtypes.RunSummary{TradesOpened: 7}
	dm := NewWSDataManager(NewHub(zap.NewNop()), func() simtypes.RunSummary { return want })
	got := dm.GetDailySummary()
	if got.TradesOpened != 7 {
		t.Errorf("expected GetDailySummary to return the provided summary, got %+v", got)
	}
}

func TestWSDataManagerGetDailySummaryHandlesNilProvider(t *testing.T) {
	dm := NewWSDataManager(NewHub(zap.NewNop()), nil)
	got := dm.GetDailySummary()
	if got.TradesOpened != 0 {
		t.Errorf("expected a zero-value summary when no provider is set, got %+v", got)
	}
}

func TestHandleStatusReturnsRunning(t *testing.T) {
	dm := NewWSDataManager(NewHub(zap.NewNop()), func() simtypes.RunSummary { return simtypes.RunSummary{} })
	s := NewServer(zap.NewNop(), NewHub(zap.NewNop()), dm)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/status", nil)
	s.handleStatus(w, r)

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode status body: %v", err)
	}
	if body["status"] != "running" {
		t.Errorf("expected status 'running', got %v", body["status"])
	}
}

func TestHandleSummaryServesDataManagerSummary(t *testing.T) {
	dm := NewWSDataManager(NewHub(zap.NewNop()), func() simtypes.RunSummary { return simtypes.RunSummary{TradesOpened: 3} })
	s := NewServer(zap.NewNop(), NewHub(zap.NewNop()), dm)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/summary", nil)
	s.handleSummary(w, r)

	var summary simtypes.RunSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary body: %v", err)
	}
	if summary.TradesOpened != 3 {
		t.Errorf("expected trades_opened 3, got %d", summary.TradesOpened)
	}
}

func TestWithMetricsRegistersMetricsRoute(t *testing.T) {
	dm := NewWSDataManager(NewHub(zap.NewNop()), func() simtypes.RunSummary { return simtypes.RunSummary{} })
	reg := metrics.NewRegistry()
	s := NewServer(zap.NewNop(), NewHub(zap.NewNop()), dm).WithMetrics(reg)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/metrics", nil)
	s.handleMetrics(w, r)

	if w.Header().Get("Content-Type") == "" {
		t.Error("expected a Content-Type header on the metrics response")
	}
}
