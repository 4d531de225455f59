package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/loeme/exchange/internal/models"
)

// Sentinel errors surfaced to callers of Place and Cancel. Anything
// else coming out of those operations is an internal fault.
var (
	ErrInsufficientFunds  = errors.New("insufficient usd balance")
	ErrInsufficientAssets = errors.New("insufficient asset balance")
	ErrOrderNotFound      = errors.New("order not found")
)

// ValidationError rejects a single request field before any state is
// touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Ledger is the transactional store surface the engine runs on. InTx
// executes fn inside one atomic transaction, retrying up to attempts
// times on serialization or deadlock failures; any error returned by
// fn rolls the whole transaction back.
type Ledger interface {
	InTx(ctx context.Context, attempts int, fn func(tx Tx) error) error
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
}

// Tx is the set of row operations available inside one transaction.
// Lock* methods take an exclusive row lock (SELECT ... FOR UPDATE) and
// may block until a competing transaction finishes. Methods returning
// a nil row with a nil error mean the row does not exist.
type Tx interface {
	// LockOrder locks an order by id.
	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	// LockUserOrder locks an order scoped to its owner.
	LockUserOrder(ctx context.Context, userID, orderID int64) (*models.Order, error)
	// LockBestCounter locks the best eligible counter-order for target:
	// same symbol, opposite side, open, identical amount, price-eligible,
	// chosen by price priority then creation time then id.
	LockBestCounter(ctx context.Context, target *models.Order) (*models.Order, error)

	GetUser(ctx context.Context, userID int64) (*models.User, error)
	LockUser(ctx context.Context, userID int64) (*models.User, error)
	// LockUserByUsername locks a user row by its well-known name,
	// creating it with a zero balance first when create is set.
	LockUserByUsername(ctx context.Context, username string, create bool) (*models.User, error)
	UpdateUserBalance(ctx context.Context, user *models.User) error

	GetAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error)
	LockAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error)
	// CreateAsset inserts a zero-balance asset row and returns it locked.
	CreateAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error)
	UpdateAssetBalances(ctx context.Context, asset *models.Asset) error

	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, order *models.Order) error

	// UpsertTrade inserts a trade keyed by TradeUID. When a row with the
	// same key already exists it is returned instead, with its fee
	// fields repaired to match the computed values.
	UpsertTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
}

// Notifier receives settlement outcomes after their transaction has
// committed. Implementations must tolerate being called from multiple
// goroutines.
type Notifier interface {
	OrderMatched(payload *MatchNotification)
	OrderCancelled(payload *CancelNotification)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) OrderMatched(*MatchNotification)    {}
func (NopNotifier) OrderCancelled(*CancelNotification) {}
