// Package notify pushes portfolio events to websocket subscribers.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/papertrade/internal/models"
)

const writeWait = 5 * time.Second

// Event is one message sent to subscribers of a portfolio
type Event struct {
	Type        string                    `json:"type"`
	PortfolioID int                       `json:"portfolio_id"`
	Transaction *models.TransactionRecord `json:"transaction,omitempty"`
	Valuation   any                       `json:"valuation,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

// Hub tracks subscribers per portfolio. Callers authorize before Serve.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[int]map[*client]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // origins are enforced by the CORS layer
			},
		},
		logger:  logger,
		clients: make(map[int]map[*client]struct{}),
	}
}

// Executed publishes an execution to the portfolio's subscribers
func (h *Hub) Executed(rec models.TransactionRecord) {
	h.Publish(Event{Type: "execution", PortfolioID: rec.PortfolioID, Transaction: &rec})
}

// Closed tells the portfolio's subscribers it was removed and disconnects
// them
func (h *Hub) Closed(portfolioID int) {
	h.Publish(Event{Type: "deleted", PortfolioID: portfolioID})

	h.mu.Lock()
	set := h.clients[portfolioID]
	delete(h.clients, portfolioID)
	h.mu.Unlock()

	for c := range set {
		c.close("portfolio deleted")
	}
}

// Publish sends ev to every subscriber of ev.PortfolioID. Subscribers whose
// write fails are dropped.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	var failed []*client
	for c := range h.clients[ev.PortfolioID] {
		if err := c.send(data); err != nil {
			h.logger.Debug("failed to send message", zap.Int("portfolio_id", ev.PortfolioID), zap.Error(err))
			failed = append(failed, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range failed {
		h.remove(ev.PortfolioID, c)
		c.conn.Close()
	}
}

// Subscribers returns the number of connections watching a portfolio
func (h *Hub) Subscribers(portfolioID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[portfolioID])
}

func (h *Hub) add(portfolioID int, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[portfolioID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[portfolioID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(portfolioID int, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[portfolioID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, portfolioID)
	}
}

// Serve upgrades the request and subscribes it to portfolioID until the
// peer disconnects. If initial is non-nil it is sent first as a
// "valuation" event.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, portfolioID int, initial any) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	c := &client{conn: conn}
	h.add(portfolioID, c)
	defer func() {
		h.remove(portfolioID, c)
		conn.Close()
	}()

	if initial != nil {
		data, err := json.Marshal(Event{Type: "valuation", PortfolioID: portfolioID, Valuation: initial})
		if err == nil {
			err = c.send(data)
		}
		if err != nil {
			h.logger.Debug("failed to send initial valuation", zap.Error(err))
			return
		}
	}

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
