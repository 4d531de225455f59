// Package api exposes the exchange over HTTP: auth, order placement
// and cancellation, order book views and account queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/loeme/exchange/internal/auth"
	"github.com/loeme/exchange/internal/db"
	"github.com/loeme/exchange/internal/exchange"
	"github.com/loeme/exchange/internal/models"
	"github.com/loeme/exchange/internal/money"
)

const (
	defaultBookLimit    = 100
	maxBookLimit        = 1000
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type ctxKey int

const userIDKey ctxKey = iota

// OrderEngine is the slice of the matching engine the handlers use.
type OrderEngine interface {
	Place(ctx context.Context, userID int64, req exchange.PlaceRequest) (*models.Order, *exchange.MatchNotification, error)
	Cancel(ctx context.Context, userID, orderID int64) (*exchange.CancelResult, error)
}

// Store is the read side of the ledger the handlers query directly.
type Store interface {
	GetUserByID(ctx context.Context, userID int64) (*models.User, error)
	GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error)
	GetOrderBook(ctx context.Context, symbol models.Symbol, limit int) (*db.OrderBook, error)
	GetRawOrderBook(ctx context.Context, symbol models.Symbol, limit int) (*db.RawOrderBook, error)
	GetUserOrders(ctx context.Context, userID int64, symbol *models.Symbol, historyLimit int) (open, history []models.Order, err error)
	GetUserTrades(ctx context.Context, userID int64, limit int) ([]models.Trade, error)
}

// Authenticator registers users, logs them in and verifies tokens.
type Authenticator interface {
	Register(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string) (string, error)
	UserFromToken(token string) (int64, error)
}

// Handler holds the dependencies shared by all HTTP handlers.
type Handler struct {
	store  Store
	engine OrderEngine
	auth   Authenticator
	log    logrus.FieldLogger
}

// NewHandler creates a handler set.
func NewHandler(store Store, engine OrderEngine, authSvc Authenticator, log logrus.FieldLogger) *Handler {
	return &Handler{store: store, engine: engine, auth: authSvc, log: log}
}

// Router assembles the HTTP routes for the handler set.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/orderbook", h.GetOrderBook)
		r.Get("/trades", h.GetUserTrades)
		r.Get("/profile", h.GetProfile)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeEngineError maps engine errors onto HTTP statuses. Anything not
// recognised is logged and reported as an opaque 500 so internal
// details never leak to clients.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var verr *exchange.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, exchange.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, "insufficient funds")
	case errors.Is(err, exchange.ErrInsufficientAssets):
		writeError(w, http.StatusBadRequest, "insufficient assets")
	case errors.Is(err, exchange.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "could not complete the operation")
	}
}

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		var verr *auth.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
		case errors.Is(err, db.ErrDuplicateUsername):
			writeError(w, http.StatusConflict, "username already taken")
		default:
			h.log.WithError(err).Error("registration failed")
			writeError(w, http.StatusInternalServerError, "could not complete the operation")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.log.WithError(err).Error("login failed")
		writeError(w, http.StatusInternalServerError, "could not complete the operation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// RequireAuth verifies the bearer token and stores the user id in the
// request context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")

		userID, err := h.auth.UserFromToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(userIDKey).(int64)
	return id, ok
}

// PlaceOrder reserves funds or assets, creates the order and attempts
// an immediate match. The response carries the order in its post-match
// state and, when a match settled, the trade payload.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Symbol string `json:"symbol"`
		Side   string `json:"side"`
		Price  string `json:"price"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, match, err := h.engine.Place(r.Context(), uid, exchange.PlaceRequest{
		Symbol: req.Symbol,
		Side:   req.Side,
		Price:  req.Price,
		Amount: req.Amount,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	resp := map[string]any{"order": order}
	if match != nil {
		resp["trade"] = match
	}
	writeJSON(w, http.StatusCreated, resp)
}

// CancelOrder cancels an open order and returns the released
// portfolio. Cancelling an already terminal order succeeds without
// changing anything.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	result, err := h.engine.Cancel(r.Context(), uid, orderID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order":     result.Order,
		"portfolio": result.Portfolio,
		"changed":   result.Changed,
	})
}

// GetOrderBook returns the aggregated book for a symbol, or the raw
// order-by-order view when ?raw=true.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol, ok := models.ParseSymbol(r.URL.Query().Get("symbol"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid or unsupported symbol")
		return
	}
	limit := boundedLimit(r.URL.Query().Get("limit"), defaultBookLimit, maxBookLimit)

	start := time.Now()
	var (
		body any
		err  error
	)
	if r.URL.Query().Get("raw") == "true" {
		body, err = h.store.GetRawOrderBook(r.Context(), symbol, limit)
	} else {
		body, err = h.store.GetOrderBook(r.Context(), symbol, limit)
	}
	if err != nil {
		h.log.WithError(err).Error("failed to load order book")
		writeError(w, http.StatusInternalServerError, "could not complete the operation")
		return
	}
	h.log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"duration": time.Since(start),
	}).Debug("order book served")

	writeJSON(w, http.StatusOK, body)
}

// GetUserOrders returns the caller's open orders plus a bounded slice
// of order history, optionally filtered by symbol.
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var symbol *models.Symbol
	if raw := r.URL.Query().Get("symbol"); raw != "" {
		parsed, ok := models.ParseSymbol(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid or unsupported symbol")
			return
		}
		symbol = &parsed
	}
	limit := boundedLimit(r.URL.Query().Get("limit"), defaultHistoryLimit, maxHistoryLimit)

	open, history, err := h.store.GetUserOrders(r.Context(), uid, symbol, limit)
	if err != nil {
		h.log.WithError(err).Error("failed to load user orders")
		writeError(w, http.StatusInternalServerError, "could not complete the operation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"open":    open,
		"history": history,
	})
}

// GetUserTrades returns the caller's settled trades, newest first.
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := boundedLimit(r.URL.Query().Get("limit"), defaultHistoryLimit, maxHistoryLimit)

	trades, err := h.store.GetUserTrades(r.Context(), uid, limit)
	if err != nil {
		h.log.WithError(err).Error("failed to load user trades")
		writeError(w, http.StatusInternalServerError, "could not complete the operation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// GetProfile returns the caller's balance and asset holdings.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.store.GetUserByID(r.Context(), uid)
	if err != nil {
		h.log.WithError(err).Error("failed to load user")
		writeError(w, http.StatusInternalServerError, "could not complete the operation")
		return
	}
	assets, err := h.store.GetUserAssets(r.Context(), uid)
	if err != nil {
		h.log.WithError(err).Error("failed to load assets")
		writeError(w, http.StatusInternalServerError, "could not complete the operation")
		return
	}

	type assetView struct {
		Symbol       models.Symbol `json:"symbol"`
		Description  string        `json:"description"`
		Amount       string        `json:"amount"`
		LockedAmount string        `json:"locked_amount"`
	}
	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		views = append(views, assetView{
			Symbol:       a.Symbol,
			Description:  a.Symbol.Description(),
			Amount:       a.Amount.String(),
			LockedAmount: a.LockedAmount.String(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"balance":  money.FormatQuote(user.Balance),
		"assets":   views,
	})
}

// boundedLimit parses a limit query parameter, falling back to def and
// clamping to max. Non-positive or malformed values use the default.
func boundedLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
