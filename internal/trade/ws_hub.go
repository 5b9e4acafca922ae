// WebSocket hub for real-time trade and quote broadcasting.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/instrument"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/metrics"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
)

const (
	msgTradeExecuted = "trade_executed"
	msgQuoteUpdated  = "quote_updated"
)

// WSMessage is a JSON message sent to WebSocket clients. Trade messages
// carry no owner: every client sees the public tape.
type WSMessage struct {
	Type          string `json:"type"`
	Symbol        string `json:"symbol"`
	Price         string `json:"price"`
	Side          string `json:"side,omitempty"`
	Quantity      int64  `json:"quantity,omitempty"`
	PreviousClose string `json:"previous_close,omitempty"`
	ChangePercent string `json:"change_percent,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when trades execute or quotes change.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done, then closes all
// client connections. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Broadcast sends a message to all connected clients. It never blocks: the
// message is dropped if the buffer is full.
func (h *WSHub) Broadcast(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case h.broadcast <- data:
		return true
	default:
		return false
	}
}

// BroadcastQuote announces a price change.
func (h *WSHub) BroadcastQuote(q instrument.Quote) {
	h.Broadcast(WSMessage{
		Type:          msgQuoteUpdated,
		Symbol:        q.Symbol,
		Price:         q.CurrentPrice.String(),
		PreviousClose: q.PreviousClose.String(),
		ChangePercent: q.ChangePercent.String(),
		Timestamp:     q.UpdatedAt.Format(time.RFC3339Nano),
	})
}

// Name identifies the hub as a trade event sink.
func (h *WSHub) Name() string { return "ws" }

// Publish announces an executed trade.
func (h *WSHub) Publish(_ context.Context, ev model.TradeEvent) error {
	tx := ev.Transaction
	if !h.Broadcast(WSMessage{
		Type:      msgTradeExecuted,
		Symbol:    tx.Symbol,
		Price:     tx.Price.String(),
		Side:      tx.Side.String(),
		Quantity:  tx.Quantity,
		Timestamp: tx.Timestamp.Format(time.RFC3339Nano),
	}) {
		return errBroadcastFull
	}
	return nil
}

var errBroadcastFull = errors.New("ws broadcast buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			// WriteControl may run concurrently with the hub's writes.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
