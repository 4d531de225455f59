package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is a supported base asset, quoted against USD.
type Symbol string

const (
	SymbolBTC Symbol = "btc"
	SymbolETH Symbol = "eth"
)

// Symbols lists every supported symbol.
func Symbols() []Symbol {
	return []Symbol{SymbolBTC, SymbolETH}
}

// ParseSymbol normalizes and validates a symbol string.
func ParseSymbol(s string) (Symbol, bool) {
	switch Symbol(strings.ToLower(strings.TrimSpace(s))) {
	case SymbolBTC:
		return SymbolBTC, true
	case SymbolETH:
		return SymbolETH, true
	}
	return "", false
}

// Description returns the human-readable asset name.
func (s Symbol) Description() string {
	switch s {
	case SymbolBTC:
		return "Bitcoin"
	case SymbolETH:
		return "Ethereum"
	}
	return string(s)
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide validates a side string.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	}
	return "", false
}

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order. OPEN is the only
// non-terminal state: FILLED and CANCELLED are never left.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the order can no longer change state.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// User represents a registered user. Balance is the USD quote-currency
// balance, stored with 2-decimal truncation.
type User struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Asset is a user's holding of one symbol. Amount is freely available;
// LockedAmount is reserved by open sell orders. Both never go negative.
type Asset struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	Symbol       Symbol          `json:"symbol"`
	Amount       decimal.Decimal `json:"amount"`
	LockedAmount decimal.Decimal `json:"locked_amount"`
}

// Order represents a buy or sell order. Amount is fixed at creation;
// fills are full-only, so Remaining is either Amount (open) or zero.
type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Symbol    Symbol          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Remaining decimal.Decimal `json:"remaining"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"` // used for time priority
}

// Trade is an immutable settlement record for a matched pair of orders.
// TradeUID is a deterministic idempotency key; at most one row exists
// per key.
type Trade struct {
	ID          int64           `json:"id"`
	TradeUID    string          `json:"trade_uid"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	Symbol      Symbol          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	FeeCurrency string          `json:"fee_currency"`
	FeePayer    string          `json:"fee_payer"`
	ExecutedAt  time.Time       `json:"executed_at"`
}
