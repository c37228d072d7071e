// Package stream pushes order book snapshots and trades to WebSocket clients
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/energymarket/internal/logger"
	"github.com/xtrntr/energymarket/internal/models"
)

// Market is the read side the hub snapshots
type Market interface {
	GetOrderBook() ([]models.Order, []models.Order)
	MarketStats() models.MarketStats
}

// Book is the order book section of a market update
type Book struct {
	BuyOrders  []models.Order `json:"buy_orders"`
	SellOrders []models.Order `json:"sell_orders"`
}

// MarketUpdate is sent on connect, on every book change and periodically
type MarketUpdate struct {
	Type  string             `json:"type"`
	Book  Book               `json:"book"`
	Stats models.MarketStats `json:"stats"`
}

// TradeUpdate is sent once per executed trade
type TradeUpdate struct {
	Type  string       `json:"type"`
	Trade models.Trade `json:"trade"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected clients. Clients whose writes fail are dropped.
type Hub struct {
	market   Market
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
}

func NewHub(market Market, log *logger.Logger) *Hub {
	return &Hub{
		market: market,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the API is public and read-only over the socket
			},
		},
		clients: make(map[*client]bool),
	}
}

// ServeHTTP upgrades the connection, sends the current market and keeps the
// client registered until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(r.Context(), "Failed to upgrade connection", logger.NewField("error", err.Error()))
		return
	}

	c := &client{conn: conn}
	data, err := h.marketUpdate()
	if err == nil {
		err = c.send(data)
	}
	if err != nil {
		conn.Close()
		return
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastMarket sends the current book and stats to every client
func (h *Hub) BroadcastMarket() {
	data, err := h.marketUpdate()
	if err != nil {
		h.log.Error(err, logger.NewField("action", "marshal_market_update"))
		return
	}
	h.broadcast(data)
}

// BroadcastTrade sends one trade to every client
func (h *Hub) BroadcastTrade(trade models.Trade) {
	data, err := json.Marshal(TradeUpdate{Type: "trade", Trade: trade})
	if err != nil {
		h.log.Error(err, logger.NewField("action", "marshal_trade_update"))
		return
	}
	h.broadcast(data)
}

// Run broadcasts the market every interval until ctx is done
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.BroadcastMarket()
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
	}
}

func (h *Hub) marketUpdate() ([]byte, error) {
	buys, sells := h.market.GetOrderBook()
	return json.Marshal(MarketUpdate{
		Type:  "market_update",
		Book:  Book{BuyOrders: buys, SellOrders: sells},
		Stats: h.market.MarketStats(),
	})
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			h.log.Debug("Dropping websocket client", logger.NewField("error", err.Error()))
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		c.conn.Close()
	}
}
