package exchange

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/loeme/exchange/internal/models"
	"github.com/loeme/exchange/internal/money"
)

// AssetSnapshot is one holding as seen right after an operation.
type AssetSnapshot struct {
	Symbol       models.Symbol `json:"symbol"`
	Amount       string        `json:"amount"`
	LockedAmount string        `json:"locked_amount"`
}

// PortfolioSnapshot is a user's balance plus the asset touched by the
// operation, when any.
type PortfolioSnapshot struct {
	Balance string         `json:"balance"`
	Asset   *AssetSnapshot `json:"asset"`
}

// PartySnapshot describes one side of a settled trade.
type PartySnapshot struct {
	UserID      int64              `json:"user_id"`
	Balance     string             `json:"balance"`
	Asset       AssetSnapshot      `json:"asset"`
	OrderID     int64              `json:"order_id"`
	OrderStatus models.OrderStatus `json:"order_status"`
}

// MatchNotification is the settlement payload emitted exactly once per
// successful match.
type MatchNotification struct {
	TradeUID    string        `json:"trade_id"`
	Symbol      models.Symbol `json:"symbol"`
	Price       string        `json:"price"`
	Amount      string        `json:"amount"`
	BuyOrderID  int64         `json:"buy_order_id"`
	SellOrderID int64         `json:"sell_order_id"`
	BuyerID     int64         `json:"buyer_id"`
	SellerID    int64         `json:"seller_id"`
	Commission  string        `json:"commission"`
	Buyer       PartySnapshot `json:"buyer"`
	Seller      PartySnapshot `json:"seller"`
}

// CancelNotification is emitted only when a cancel actually changed
// state.
type CancelNotification struct {
	OrderID   int64              `json:"order_id"`
	UserID    int64              `json:"user_id"`
	Symbol    models.Symbol      `json:"symbol"`
	Side      models.Side        `json:"side"`
	Price     string             `json:"price"`
	Status    models.OrderStatus `json:"status"`
	Portfolio PortfolioSnapshot  `json:"portfolio"`
}

// TradeUID derives the deterministic idempotency key for a trade.
// Price and amount are rendered at fixed scale so equal values always
// hash identically.
func TradeUID(symbol models.Symbol, buyOrderID, sellOrderID int64, price, amount decimal.Decimal) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		string(symbol),
		strconv.FormatInt(buyOrderID, 10),
		strconv.FormatInt(sellOrderID, 10),
		money.FormatAsset(price),
		money.FormatAsset(amount),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

func snapshotAsset(a *models.Asset) AssetSnapshot {
	return AssetSnapshot{
		Symbol:       a.Symbol,
		Amount:       a.Amount.String(),
		LockedAmount: a.LockedAmount.String(),
	}
}
