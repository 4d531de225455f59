// Package db implements the ledger store on PostgreSQL. All mutations
// run inside transactions started by InTx; row locks are taken with
// SELECT ... FOR UPDATE before any read-modify-write.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loeme/exchange/internal/exchange"
	"github.com/loeme/exchange/internal/models"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// retryable reports whether the transaction failed on a serialization
// conflict or deadlock and is worth another attempt.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// InTx runs fn inside a transaction, retrying up to attempts times on
// serialization/deadlock failures. Any error from fn rolls the whole
// transaction back.
func (db *DB) InTx(ctx context.Context, attempts int, fn func(tx exchange.Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = db.runTx(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func (db *DB) runTx(ctx context.Context, fn func(tx exchange.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const orderColumns = "id, user_id, symbol, side, price, amount, remaining, status, created_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &o.Price, &o.Amount, &o.Remaining, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder reads an order outside any engine transaction.
func (db *DB) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ledgerTx implements exchange.Tx on one open pgx transaction.
type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return o, nil
}

func (t *ledgerTx) LockUserOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE",
		orderID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return o, nil
}

func (t *ledgerTx) LockBestCounter(ctx context.Context, target *models.Order) (*models.Order, error) {
	var query string
	switch target.Side {
	case models.SideBuy:
		query = "SELECT " + orderColumns + ` FROM orders
			WHERE symbol = $1 AND side = 'sell' AND status = 'open' AND amount = $2 AND price <= $3
			ORDER BY price ASC, created_at ASC, id ASC
			LIMIT 1 FOR UPDATE`
	case models.SideSell:
		query = "SELECT " + orderColumns + ` FROM orders
			WHERE symbol = $1 AND side = 'buy' AND status = 'open' AND amount = $2 AND price >= $3
			ORDER BY price DESC, created_at ASC, id ASC
			LIMIT 1 FOR UPDATE`
	default:
		return nil, fmt.Errorf("unknown order side %q", target.Side)
	}

	o, err := scanOrder(t.tx.QueryRow(ctx, query, target.Symbol, target.Amount, target.Price))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock counter order: %w", err)
	}
	return o, nil
}

const userColumns = "id, username, password_hash, balance, created_at"

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Balance, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (t *ledgerTx) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (t *ledgerTx) LockUser(ctx context.Context, userID int64) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	return u, nil
}

func (t *ledgerTx) LockUserByUsername(ctx context.Context, username string, create bool) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1 FOR UPDATE", username))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	if !create {
		return nil, nil
	}

	_, err = t.tx.Exec(ctx,
		"INSERT INTO users (username, password_hash, balance) VALUES ($1, '', 0) ON CONFLICT (username) DO NOTHING",
		username)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %q: %w", username, err)
	}
	u, err = scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1 FOR UPDATE", username))
	if err != nil {
		return nil, fmt.Errorf("failed to lock created user: %w", err)
	}
	return u, nil
}

func (t *ledgerTx) UpdateUserBalance(ctx context.Context, user *models.User) error {
	_, err := t.tx.Exec(ctx, "UPDATE users SET balance = $1 WHERE id = $2", user.Balance, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

const assetColumns = "id, user_id, symbol, amount, locked_amount"

func scanAsset(row pgx.Row) (*models.Asset, error) {
	a := &models.Asset{}
	err := row.Scan(&a.ID, &a.UserID, &a.Symbol, &a.Amount, &a.LockedAmount)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (t *ledgerTx) GetAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error) {
	a, err := scanAsset(t.tx.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 AND symbol = $2",
		userID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

func (t *ledgerTx) LockAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error) {
	a, err := scanAsset(t.tx.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 AND symbol = $2 FOR UPDATE",
		userID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock asset: %w", err)
	}
	return a, nil
}

func (t *ledgerTx) CreateAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO assets (user_id, symbol, amount, locked_amount) VALUES ($1, $2, 0, 0) ON CONFLICT (user_id, symbol) DO NOTHING",
		userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}
	a, err := t.LockAsset(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("asset %d/%s missing after insert", userID, symbol)
	}
	return a, nil
}

func (t *ledgerTx) UpdateAssetBalances(ctx context.Context, asset *models.Asset) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE assets SET amount = $1, locked_amount = $2 WHERE id = $3",
		asset.Amount, asset.LockedAmount, asset.ID)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	return nil
}

func (t *ledgerTx) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	created := *order
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, symbol, side, price, amount, remaining, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		order.UserID, order.Symbol, order.Side, order.Price, order.Amount, order.Remaining, order.Status).
		Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return &created, nil
}

func (t *ledgerTx) UpdateOrderStatus(ctx context.Context, order *models.Order) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE orders SET status = $1, remaining = $2 WHERE id = $3",
		order.Status, order.Remaining, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

const tradeColumns = "id, trade_uid, buy_order_id, sell_order_id, symbol, price, amount, fee_amount, fee_currency, fee_payer, executed_at"

func scanTrade(row pgx.Row) (*models.Trade, error) {
	tr := &models.Trade{}
	err := row.Scan(&tr.ID, &tr.TradeUID, &tr.BuyOrderID, &tr.SellOrderID, &tr.Symbol,
		&tr.Price, &tr.Amount, &tr.FeeAmount, &tr.FeeCurrency, &tr.FeePayer, &tr.ExecutedAt)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func (t *ledgerTx) UpsertTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	created := *trade
	err := t.tx.QueryRow(ctx,
		`INSERT INTO trades (trade_uid, buy_order_id, sell_order_id, symbol, price, amount, fee_amount, fee_currency, fee_payer, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (trade_uid) DO NOTHING
		 RETURNING id`,
		trade.TradeUID, trade.BuyOrderID, trade.SellOrderID, trade.Symbol, trade.Price,
		trade.Amount, trade.FeeAmount, trade.FeeCurrency, trade.FeePayer, trade.ExecutedAt).
		Scan(&created.ID)
	if err == nil {
		return &created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to insert trade: %w", err)
	}

	// Replay: the trade already exists. Reuse it and make sure the fee
	// accounting matches what this settlement computed.
	existing, err := scanTrade(t.tx.QueryRow(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE trade_uid = $1 FOR UPDATE", trade.TradeUID))
	if err != nil {
		return nil, fmt.Errorf("failed to load existing trade: %w", err)
	}
	if !existing.FeeAmount.Equal(trade.FeeAmount) || existing.FeeCurrency != trade.FeeCurrency || existing.FeePayer != trade.FeePayer {
		_, err = t.tx.Exec(ctx,
			"UPDATE trades SET fee_amount = $1, fee_currency = $2, fee_payer = $3 WHERE trade_uid = $4",
			trade.FeeAmount, trade.FeeCurrency, trade.FeePayer, trade.TradeUID)
		if err != nil {
			return nil, fmt.Errorf("failed to repair trade fees: %w", err)
		}
		existing.FeeAmount = trade.FeeAmount
		existing.FeeCurrency = trade.FeeCurrency
		existing.FeePayer = trade.FeePayer
	}
	return existing, nil
}

// ErrDuplicateUsername reports a username collision on CreateUser.
var ErrDuplicateUsername = errors.New("username already exists")

// CreateUser inserts a new user with a zero balance.
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, balance) VALUES ($1, $2, 0)
		 RETURNING `+userColumns,
		username, passwordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("create user %q: %w", username, ErrDuplicateUsername)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// GetUserByUsername retrieves a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByID retrieves a user by id.
func (db *DB) GetUserByID(ctx context.Context, userID int64) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserAssets lists a user's holdings.
func (db *DB) GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 ORDER BY symbol", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

// PriceLevel is one aggregated order book level.
type PriceLevel struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

// BookOrder is one open order in the raw order book view.
type BookOrder struct {
	ID        int64     `json:"id"`
	Price     string    `json:"price"`
	Remaining string    `json:"remaining"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderBook is the aggregated book: open orders grouped by price level
// with summed remaining, best price first on each side.
type OrderBook struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// RawOrderBook lists individual open orders in price-time priority.
type RawOrderBook struct {
	Bids []BookOrder `json:"bids"`
	Asks []BookOrder `json:"asks"`
}

func (db *DB) bookLevels(ctx context.Context, symbol models.Symbol, side models.Side, limit int) ([]PriceLevel, error) {
	direction := "DESC"
	if side == models.SideSell {
		direction = "ASC"
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT price::text, SUM(remaining)::text FROM orders
		 WHERE symbol = $1 AND side = $2 AND status = 'open'
		 GROUP BY price ORDER BY price `+direction+` LIMIT $3`,
		symbol, side, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query book levels: %w", err)
	}
	defer rows.Close()

	levels := []PriceLevel{}
	for rows.Next() {
		var lvl PriceLevel
		if err := rows.Scan(&lvl.Price, &lvl.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan book level: %w", err)
		}
		levels = append(levels, lvl)
	}
	return levels, rows.Err()
}

func (db *DB) bookOrders(ctx context.Context, symbol models.Symbol, side models.Side, limit int) ([]BookOrder, error) {
	direction := "DESC"
	if side == models.SideSell {
		direction = "ASC"
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, price::text, remaining::text, created_at FROM orders
		 WHERE symbol = $1 AND side = $2 AND status = 'open'
		 ORDER BY price `+direction+`, created_at ASC, id ASC LIMIT $3`,
		symbol, side, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query book orders: %w", err)
	}
	defer rows.Close()

	orders := []BookOrder{}
	for rows.Next() {
		var o BookOrder
		if err := rows.Scan(&o.ID, &o.Price, &o.Remaining, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan book order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOrderBook returns the aggregated book for a symbol, capped at
// limit levels per side.
func (db *DB) GetOrderBook(ctx context.Context, symbol models.Symbol, limit int) (*OrderBook, error) {
	bids, err := db.bookLevels(ctx, symbol, models.SideBuy, limit)
	if err != nil {
		return nil, err
	}
	asks, err := db.bookLevels(ctx, symbol, models.SideSell, limit)
	if err != nil {
		return nil, err
	}
	return &OrderBook{Bids: bids, Asks: asks}, nil
}

// GetRawOrderBook returns individual open orders, capped at limit per
// side.
func (db *DB) GetRawOrderBook(ctx context.Context, symbol models.Symbol, limit int) (*RawOrderBook, error) {
	bids, err := db.bookOrders(ctx, symbol, models.SideBuy, limit)
	if err != nil {
		return nil, err
	}
	asks, err := db.bookOrders(ctx, symbol, models.SideSell, limit)
	if err != nil {
		return nil, err
	}
	return &RawOrderBook{Bids: bids, Asks: asks}, nil
}

// GetUserOrders returns the user's open orders (oldest first) and a
// capped most-recent-first slice of terminal orders, optionally
// filtered by symbol.
func (db *DB) GetUserOrders(ctx context.Context, userID int64, symbol *models.Symbol, historyLimit int) (open, history []models.Order, err error) {
	open, err = db.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND status = 'open' AND ($2::text IS NULL OR symbol = $2)
		 ORDER BY created_at ASC, id ASC`,
		userID, symbol)
	if err != nil {
		return nil, nil, err
	}
	history, err = db.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND status IN ('filled', 'cancelled') AND ($2::text IS NULL OR symbol = $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		userID, symbol, historyLimit)
	if err != nil {
		return nil, nil, err
	}
	return open, history, nil
}

func (db *DB) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// GetUserTrades retrieves trades touching any of the user's orders,
// most recent first.
func (db *DB) GetUserTrades(ctx context.Context, userID int64, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT DISTINCT t.id, t.trade_uid, t.buy_order_id, t.sell_order_id, t.symbol,
		        t.price, t.amount, t.fee_amount, t.fee_currency, t.fee_payer, t.executed_at
		 FROM trades t
		 JOIN orders o ON t.buy_order_id = o.id OR t.sell_order_id = o.id
		 WHERE o.user_id = $1
		 ORDER BY t.id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *tr)
	}
	return trades, rows.Err()
}
