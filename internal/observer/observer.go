// Package observer implements the DataManager observability contract
// (spec §6: log_signal, log_trade_open, log_trade_close,
// log_position_update, log_indicator_values, log_candle, update_trailing_sl,
// get_daily_summary) as a fire-and-forget WebSocket fan-out plus a small
// HTTP status/summary endpoint. The router/CORS/upgrader wiring and the
// hub's non-blocking broadcast channel follow this module's original
// internal/api/server.go and websocket.go Hub pattern; DataManager itself
// is never consulted for correctness (spec §5), only for observability.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/metrics"
	"github.com/atlas-desktop/marketreplay/pkg/simtypes"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DataManager is the observability-only sink consumed by the orchestrator,
// per spec §6. No method return value is ever consulted for a trading
// decision; every call site wraps these in a recover-and-log guard.
type DataManager interface {
	LogSignal(sig simtypes.Signal)
	LogTradeOpen(fill simtypes.Fill)
	LogTradeClose(fill simtypes.Fill, pnl decimal.Decimal)
	LogPositionUpdate(pos simtypes.Position)
	LogIndicatorValues(symbol string, timeframe simtypes.Timeframe, values map[string]decimal.Decimal)
	LogCandle(c simtypes.Candle)
	UpdateTrailingSL(tradeID string, stopPrice decimal.Decimal)
	GetDailySummary() simtypes.RunSummary
}

// event is the wire format broadcast to every connected WebSocket client.
type event struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Hub fans events out to connected WebSocket clients. Broadcast never
// blocks: a full client send buffer drops the message and logs, matching
// the drop-on-full policy spec §5 requires of non-essential observability
// sinks.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs a Hub; call Run in its own goroutine to start fan-out.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("observer-hub"),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
	}
}

// Run drives client (un)registration and broadcast fan-out until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("observer: client send buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) publish(eventType string, payload interface{}) {
	b, err := json.Marshal(event{Type: eventType, Timestamp: time.Now().UnixMilli(), Payload: payload})
	if err != nil {
		h.logger.Warn("observer: marshal failed", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warn("observer: broadcast channel full, dropping event", zap.String("event_type", eventType))
	}
}

// WSDataManager implements DataManager by fanning every call out over a
// Hub; GetDailySummary is served from a caller-supplied provider (the
// orchestrator's live running summary) rather than over the socket.
type WSDataManager struct {
	hub      *Hub
	summary  func() simtypes.RunSummary
}

// NewWSDataManager constructs a DataManager backed by hub. summaryFn
// supplies the current run summary for GetDailySummary / the HTTP
// /summary endpoint.
func NewWSDataManager(hub *Hub, summaryFn func() simtypes.RunSummary) *WSDataManager {
	return &WSDataManager{hub: hub, summary: summaryFn}
}

func (d *WSDataManager) LogSignal(sig simtypes.Signal) { d.hub.publish("signal", sig) }

func (d *WSDataManager) LogTradeOpen(fill simtypes.Fill) { d.hub.publish("trade_open", fill) }

func (d *WSDataManager) LogTradeClose(fill simtypes.Fill, pnl decimal.Decimal) {
	d.hub.publish("trade_close", map[string]interface{}{"fill": fill, "pnl": pnl})
}

func (d *WSDataManager) LogPositionUpdate(pos simtypes.Position) { d.hub.publish("position_update", pos) }

func (d *WSDataManager) LogIndicatorValues(symbol string, timeframe simtypes.Timeframe, values map[string]decimal.Decimal) {
	d.hub.publish("indicator_values", map[string]interface{}{"symbol": symbol, "timeframe": timeframe, "values": values})
}

func (d *WSDataManager) LogCandle(c simtypes.Candle) { d.hub.publish("candle", c) }

func (d *WSDataManager) UpdateTrailingSL(tradeID string, stopPrice decimal.Decimal) {
	d.hub.publish("trailing_sl_update", map[string]interface{}{"trade_id": tradeID, "stop_price": stopPrice})
}

func (d *WSDataManager) GetDailySummary() simtypes.RunSummary {
	if d.summary == nil {
		return simtypes.RunSummary{}
	}
	return d.summary()
}

// Server is the optional HTTP/WebSocket observability surface: a /status
// liveness probe, a /summary endpoint backed by GetDailySummary, and the
// WebSocket upgrade endpoint the Hub fans out over.
type Server struct {
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	dm         *WSDataManager
	metrics    *metrics.Registry
	upgrader   websocket.Upgrader
}

// NewServer wires a Server around hub/dm; call Start to begin listening.
func NewServer(logger *zap.Logger, hub *Hub, dm *WSDataManager) *Server {
	s := &Server{
		logger: logger.Named("observer-server"),
		router: mux.NewRouter(),
		hub:    hub,
		dm:     dm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)
	return s
}

// WithMetrics registers a /metrics route serving reg in Prometheus text
// exposition format. Optional: callers that don't pass a registry simply
// don't get the route.
func (s *Server) WithMetrics(reg *metrics.Registry) *Server {
	s.metrics = reg
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return s
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.metrics.WriteText(w)
}

// Start listens on addr, wrapping the router in permissive CORS the same
// way this module's original API server does.
func (s *Server) Start(addr string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}).Handler(s.router)

	s.httpServer = &http.Server{Addr: addr, Handler: handler}
	s.logger.Info("observer: listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"status": "running", "time": time.Now().UnixMilli()})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dm.GetDailySummary())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("observer: websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}
	s.hub.register <- c
	go s.writePump(c)
	go s.drainReads(c)
}

// writePump drains c.send to the socket until the channel is closed by
// the Hub (on unregister or shutdown).
func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// drainReads discards inbound frames (this is a publish-only feed) and
// unregisters the client once the connection closes.
func (s *Server) drainReads(c *client) {
	defer func() { s.hub.unregister <- c }()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
