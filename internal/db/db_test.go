package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loeme/exchange/internal/exchange"
	"github.com/loeme/exchange/internal/models"
)

// testStore connects to the database named by TEST_DATABASE_URL,
// applies the schema and truncates all tables. Tests are skipped when
// no database is available.
func testStore(t *testing.T) *DB {
	t.Helper()
	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping store integration tests")
	}

	ctx := context.Background()
	store, err := NewDB(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	migration, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.sql"))
	require.NoError(t, err)
	_, err = store.Pool.Exec(ctx, string(migration))
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("unable to apply migration: %v", err)
	}

	_, err = store.Pool.Exec(ctx, "TRUNCATE users, assets, orders, trades RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return store
}

func createTestUser(t *testing.T, store *DB, username, balance string) *models.User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), username, "hash")
	require.NoError(t, err)
	_, err = store.Pool.Exec(context.Background(),
		"UPDATE users SET balance = $1 WHERE id = $2", balance, u.ID)
	require.NoError(t, err)
	u.Balance = decimal.RequireFromString(balance)
	return u
}

func createTestOrder(t *testing.T, store *DB, userID int64, side models.Side, price, amount string) *models.Order {
	t.Helper()
	var created *models.Order
	err := store.InTx(context.Background(), 1, func(tx exchange.Tx) error {
		var err error
		created, err = tx.CreateOrder(context.Background(), &models.Order{
			UserID:    userID,
			Symbol:    models.SymbolBTC,
			Side:      side,
			Price:     decimal.RequireFromString(price),
			Amount:    decimal.RequireFromString(amount),
			Remaining: decimal.RequireFromString(amount),
			Status:    models.OrderOpen,
		})
		return err
	})
	require.NoError(t, err)
	return created
}

func TestInTxRollsBackOnError(t *testing.T) {
	store := testStore(t)
	user := createTestUser(t, store, "alice", "100.00")
	ctx := context.Background()

	sentinel := exchange.ErrInsufficientFunds
	err := store.InTx(ctx, 1, func(tx exchange.Tx) error {
		locked, err := tx.LockUser(ctx, user.ID)
		require.NoError(t, err)
		locked.Balance = decimal.Zero
		require.NoError(t, tx.UpdateUserBalance(ctx, locked))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	fresh, err := store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", fresh.Balance.StringFixed(2), "rolled-back write must not be visible")
}

func TestLockBestCounterOrdering(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	maker := createTestUser(t, store, "maker", "0.00")
	taker := createTestUser(t, store, "taker", "1000.00")

	expensive := createTestOrder(t, store, maker.ID, models.SideSell, "101", "0.01")
	first := createTestOrder(t, store, maker.ID, models.SideSell, "100", "0.01")
	second := createTestOrder(t, store, maker.ID, models.SideSell, "100", "0.01")
	// Different amount is never eligible.
	createTestOrder(t, store, maker.ID, models.SideSell, "99", "0.02")

	target := createTestOrder(t, store, taker.ID, models.SideBuy, "101.50", "0.01")

	err := store.InTx(ctx, 1, func(tx exchange.Tx) error {
		counter, err := tx.LockBestCounter(ctx, target)
		require.NoError(t, err)
		require.NotNil(t, counter)
		assert.Equal(t, first.ID, counter.ID, "cheapest then oldest wins over %d/%d", expensive.ID, second.ID)
		return nil
	})
	require.NoError(t, err)

	// Sell target: highest bid first.
	bidLow := createTestOrder(t, store, taker.ID, models.SideBuy, "102", "0.03")
	bidHigh := createTestOrder(t, store, taker.ID, models.SideBuy, "103", "0.03")
	sellTarget := createTestOrder(t, store, maker.ID, models.SideSell, "101", "0.03")

	err = store.InTx(ctx, 1, func(tx exchange.Tx) error {
		counter, err := tx.LockBestCounter(ctx, sellTarget)
		require.NoError(t, err)
		require.NotNil(t, counter)
		assert.Equal(t, bidHigh.ID, counter.ID, "highest bid wins over %d", bidLow.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestLockBestCounterIgnoresTerminalOrders(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	maker := createTestUser(t, store, "maker", "0.00")
	taker := createTestUser(t, store, "taker", "1000.00")

	cancelled := createTestOrder(t, store, maker.ID, models.SideSell, "100", "0.01")
	err := store.InTx(ctx, 1, func(tx exchange.Tx) error {
		cancelled.Status = models.OrderCancelled
		cancelled.Remaining = decimal.Zero
		return tx.UpdateOrderStatus(ctx, cancelled)
	})
	require.NoError(t, err)

	target := createTestOrder(t, store, taker.ID, models.SideBuy, "100", "0.01")
	err = store.InTx(ctx, 1, func(tx exchange.Tx) error {
		counter, err := tx.LockBestCounter(ctx, target)
		require.NoError(t, err)
		assert.Nil(t, counter)
		return nil
	})
	require.NoError(t, err)
}

func TestUpsertTradeIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	maker := createTestUser(t, store, "maker", "0.00")
	taker := createTestUser(t, store, "taker", "1000.00")
	buy := createTestOrder(t, store, taker.ID, models.SideBuy, "100", "0.01")
	sell := createTestOrder(t, store, maker.ID, models.SideSell, "100", "0.01")

	trade := &models.Trade{
		TradeUID:    exchange.TradeUID(models.SymbolBTC, buy.ID, sell.ID, buy.Price, buy.Amount),
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Symbol:      models.SymbolBTC,
		Price:       buy.Price,
		Amount:      buy.Amount,
		FeeAmount:   decimal.RequireFromString("0.01"),
		FeeCurrency: "USD",
		FeePayer:    "buyer",
		ExecutedAt:  time.Now().UTC(),
	}

	var firstID int64
	err := store.InTx(ctx, 1, func(tx exchange.Tx) error {
		created, err := tx.UpsertTrade(ctx, trade)
		require.NoError(t, err)
		firstID = created.ID
		return nil
	})
	require.NoError(t, err)

	// Replay with diverged fee fields: same row comes back, repaired.
	replay := *trade
	replay.FeeAmount = decimal.RequireFromString("0.02")
	err = store.InTx(ctx, 1, func(tx exchange.Tx) error {
		again, err := tx.UpsertTrade(ctx, &replay)
		require.NoError(t, err)
		assert.Equal(t, firstID, again.ID)
		assert.Equal(t, "0.02", again.FeeAmount.StringFixed(2))
		return nil
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, store.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM trades").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCreateAssetAndLock(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	user := createTestUser(t, store, "alice", "0.00")

	err := store.InTx(ctx, 1, func(tx exchange.Tx) error {
		missing, err := tx.LockAsset(ctx, user.ID, models.SymbolETH)
		require.NoError(t, err)
		require.Nil(t, missing)

		created, err := tx.CreateAsset(ctx, user.ID, models.SymbolETH)
		require.NoError(t, err)
		assert.True(t, created.Amount.IsZero())
		assert.True(t, created.LockedAmount.IsZero())

		// Creating again inside the same transaction reuses the row.
		again, err := tx.CreateAsset(ctx, user.ID, models.SymbolETH)
		require.NoError(t, err)
		assert.Equal(t, created.ID, again.ID)

		created.Amount = decimal.RequireFromString("1.5")
		return tx.UpdateAssetBalances(ctx, created)
	})
	require.NoError(t, err)

	assets, err := store.GetUserAssets(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "1.5", assets[0].Amount.String())
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	store := testStore(t)
	createTestUser(t, store, "alice", "0.00")

	_, err := store.CreateUser(context.Background(), "alice", "hash")
	assert.ErrorIs(t, err, ErrDuplicateUsername)
}

func TestLockUserByUsernameCreates(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, 1, func(tx exchange.Tx) error {
		missing, err := tx.LockUserByUsername(ctx, "platform", false)
		require.NoError(t, err)
		require.Nil(t, missing)

		created, err := tx.LockUserByUsername(ctx, "platform", true)
		require.NoError(t, err)
		require.NotNil(t, created)
		assert.True(t, created.Balance.IsZero())

		again, err := tx.LockUserByUsername(ctx, "platform", true)
		require.NoError(t, err)
		assert.Equal(t, created.ID, again.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestGetOrderBookAggregation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	maker := createTestUser(t, store, "maker", "0.00")

	createTestOrder(t, store, maker.ID, models.SideSell, "100", "0.01")
	createTestOrder(t, store, maker.ID, models.SideSell, "100", "0.02")
	createTestOrder(t, store, maker.ID, models.SideSell, "101", "0.01")
	createTestOrder(t, store, maker.ID, models.SideBuy, "99", "0.01")

	book, err := store.GetOrderBook(ctx, models.SymbolBTC, 100)
	require.NoError(t, err)
	require.Len(t, book.Asks, 2)
	require.Len(t, book.Bids, 1)

	// Best ask first with summed remaining at the level.
	assert.Equal(t, "0.030000000000000000", book.Asks[0].Amount)
	assert.True(t, strings.HasPrefix(book.Asks[0].Price, "100"))

	raw, err := store.GetRawOrderBook(ctx, models.SymbolBTC, 2)
	require.NoError(t, err)
	assert.Len(t, raw.Asks, 2, "limit caps the raw view")
}

func TestGetUserOrdersSplitsOpenAndHistory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	user := createTestUser(t, store, "alice", "0.00")

	open := createTestOrder(t, store, user.ID, models.SideBuy, "100", "0.01")
	done := createTestOrder(t, store, user.ID, models.SideBuy, "101", "0.01")
	err := store.InTx(ctx, 1, func(tx exchange.Tx) error {
		done.Status = models.OrderFilled
		done.Remaining = decimal.Zero
		return tx.UpdateOrderStatus(ctx, done)
	})
	require.NoError(t, err)

	openOrders, history, err := store.GetUserOrders(ctx, user.ID, nil, 50)
	require.NoError(t, err)
	require.Len(t, openOrders, 1)
	require.Len(t, history, 1)
	assert.Equal(t, open.ID, openOrders[0].ID)
	assert.Equal(t, done.ID, history[0].ID)

	eth := models.SymbolETH
	openOrders, history, err = store.GetUserOrders(ctx, user.ID, &eth, 50)
	require.NoError(t, err)
	assert.Empty(t, openOrders)
	assert.Empty(t, history)
}
