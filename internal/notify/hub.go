// Package notify broadcasts settlement outcomes to websocket
// subscribers. The hub is the engine's Notifier: match payloads go to
// both parties' private user channels, cancellations to the owner and
// the symbol's public order book channel.
package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/loeme/exchange/internal/exchange"
)

// Event is the wire frame sent to subscribers. Clients filter on
// Channel.
type Event struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data"`
}

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	UserFromToken(token string) (int64, error)
}

type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	userID int64 // 0 for anonymous connections
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans events out to connected websocket clients. Public channels
// (order book) reach every connection; user channels reach only
// connections authenticated as that user.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	verifier TokenVerifier
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

// NewHub creates an empty hub verifying connection tokens with
// verifier.
func NewHub(verifier TokenVerifier, log logrus.FieldLogger) *Hub {
	return &Hub{
		clients:  make(map[*client]struct{}),
		verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// connUserID resolves the connection's identity from the Authorization
// header or, for browser clients that cannot set headers on websocket
// upgrades, a token query parameter. Connections without a valid token
// stay anonymous and receive public channels only.
func (h *Hub) connUserID(r *http.Request) int64 {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return 0
	}
	userID, err := h.verifier.UserFromToken(token)
	if err != nil {
		h.log.WithError(err).Debug("websocket token rejected")
		return 0
	}
	return userID
}

// ServeWS upgrades the request and keeps the connection registered
// until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := h.connUserID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, userID: userID}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliver sends one event frame to every client accepted by the
// filter. Clients that fail to take the write are dropped.
func (h *Hub) deliver(channel, event string, data any, accept func(*client) bool) {
	frame, err := json.Marshal(Event{Channel: channel, Event: event, Data: data})
	if err != nil {
		h.log.WithError(err).Error("failed to marshal event")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if accept(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var dead []*client
	for _, c := range targets {
		if err := c.send(frame); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			c.conn.Close()
		}
		h.mu.Unlock()
	}
}

// Broadcast sends one event frame on a public channel to every
// connected client.
func (h *Hub) Broadcast(channel, event string, data any) {
	h.deliver(channel, event, data, func(*client) bool { return true })
}

// sendToUser delivers a private frame to the user's connections only.
func (h *Hub) sendToUser(userID int64, event string, data any) {
	h.deliver(userChannel(userID), event, data, func(c *client) bool {
		return c.userID == userID
	})
}

// OrderMatched implements exchange.Notifier. Party snapshots carry
// balances and holdings, so the full payload goes over private
// channels only; the public book channel gets the bare trade facts.
func (h *Hub) OrderMatched(payload *exchange.MatchNotification) {
	h.sendToUser(payload.BuyerID, "OrderMatched", payload)
	if payload.SellerID != payload.BuyerID {
		h.sendToUser(payload.SellerID, "OrderMatched", payload)
	}
	h.Broadcast(bookChannel(string(payload.Symbol)), "OrderMatched", map[string]any{
		"trade_id": payload.TradeUID,
		"symbol":   payload.Symbol,
		"price":    payload.Price,
		"amount":   payload.Amount,
	})
}

// OrderCancelled implements exchange.Notifier. The portfolio snapshot
// goes to the owner only; the book channel gets the bare order facts.
func (h *Hub) OrderCancelled(payload *exchange.CancelNotification) {
	h.sendToUser(payload.UserID, "OrderCancelled", payload)
	h.Broadcast(bookChannel(string(payload.Symbol)), "OrderCancelled", map[string]any{
		"order_id": payload.OrderID,
		"symbol":   payload.Symbol,
		"side":     payload.Side,
		"price":    payload.Price,
		"status":   payload.Status,
	})
}

func userChannel(userID int64) string {
	return fmt.Sprintf("user.%d", userID)
}

func bookChannel(symbol string) string {
	return "orderbook." + symbol
}
