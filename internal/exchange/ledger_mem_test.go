package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loeme/exchange/internal/models"
)

// memLedger is an in-memory Ledger used to exercise the engine without
// a database. InTx serializes all transactions with a mutex and rolls
// back by restoring a snapshot, which mirrors the atomicity the real
// store gets from Postgres.
type memLedger struct {
	mu          sync.Mutex
	users       map[int64]*models.User
	usersByName map[string]int64
	assets      map[string]*models.Asset
	orders      map[int64]*models.Order
	trades      map[string]*models.Trade

	nextUserID  int64
	nextAssetID int64
	nextOrderID int64
	nextTradeID int64
	clock       time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{
		users:       make(map[int64]*models.User),
		usersByName: make(map[string]int64),
		assets:      make(map[string]*models.Asset),
		orders:      make(map[int64]*models.Order),
		trades:      make(map[string]*models.Trade),
		clock:       time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func assetKey(userID int64, symbol models.Symbol) string {
	return fmt.Sprintf("%d/%s", userID, symbol)
}

func (l *memLedger) addUser(username, balance string) *models.User {
	l.nextUserID++
	u := &models.User{
		ID:       l.nextUserID,
		Username: username,
		Balance:  decimal.RequireFromString(balance),
	}
	l.users[u.ID] = u
	l.usersByName[username] = u.ID
	return u
}

func (l *memLedger) addAsset(userID int64, symbol models.Symbol, amount, locked string) *models.Asset {
	l.nextAssetID++
	a := &models.Asset{
		ID:           l.nextAssetID,
		UserID:       userID,
		Symbol:       symbol,
		Amount:       decimal.RequireFromString(amount),
		LockedAmount: decimal.RequireFromString(locked),
	}
	l.assets[assetKey(userID, symbol)] = a
	return a
}

func (l *memLedger) tick() time.Time {
	l.clock = l.clock.Add(time.Second)
	return l.clock
}

func (l *memLedger) snapshot() *memLedger {
	s := newMemLedger()
	for id, u := range l.users {
		cp := *u
		s.users[id] = &cp
	}
	for name, id := range l.usersByName {
		s.usersByName[name] = id
	}
	for k, a := range l.assets {
		cp := *a
		s.assets[k] = &cp
	}
	for id, o := range l.orders {
		cp := *o
		s.orders[id] = &cp
	}
	for k, t := range l.trades {
		cp := *t
		s.trades[k] = &cp
	}
	s.nextUserID, s.nextAssetID, s.nextOrderID, s.nextTradeID = l.nextUserID, l.nextAssetID, l.nextOrderID, l.nextTradeID
	s.clock = l.clock
	return s
}

func (l *memLedger) restore(s *memLedger) {
	l.users, l.usersByName = s.users, s.usersByName
	l.assets, l.orders, l.trades = s.assets, s.orders, s.trades
	l.nextUserID, l.nextAssetID, l.nextOrderID, l.nextTradeID = s.nextUserID, s.nextAssetID, s.nextOrderID, s.nextTradeID
	l.clock = s.clock
}

func (l *memLedger) InTx(ctx context.Context, attempts int, fn func(tx Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	saved := l.snapshot()
	if err := fn(&memTx{l: l}); err != nil {
		l.restore(saved)
		return err
	}
	return nil
}

func (l *memLedger) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

type memTx struct {
	l *memLedger
}

func (t *memTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, ok := t.l.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) LockUserOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	o, ok := t.l.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) LockBestCounter(ctx context.Context, target *models.Order) (*models.Order, error) {
	var candidates []*models.Order
	for _, o := range t.l.orders {
		if o.Symbol != target.Symbol || o.Side != target.Side.Opposite() || o.Status != models.OrderOpen {
			continue
		}
		if !o.Amount.Equal(target.Amount) {
			continue
		}
		switch target.Side {
		case models.SideBuy:
			if o.Price.GreaterThan(target.Price) {
				continue
			}
		case models.SideSell:
			if o.Price.LessThan(target.Price) {
				continue
			}
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Price.Equal(b.Price) {
			if target.Side == models.SideBuy {
				return a.Price.LessThan(b.Price)
			}
			return a.Price.GreaterThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	cp := *candidates[0]
	return &cp, nil
}

func (t *memTx) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	u, ok := t.l.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d not found", userID)
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) LockUser(ctx context.Context, userID int64) (*models.User, error) {
	u, ok := t.l.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) LockUserByUsername(ctx context.Context, username string, create bool) (*models.User, error) {
	if id, ok := t.l.usersByName[username]; ok {
		cp := *t.l.users[id]
		return &cp, nil
	}
	if !create {
		return nil, nil
	}
	u := t.l.addUser(username, "0.00")
	cp := *u
	return &cp, nil
}

func (t *memTx) UpdateUserBalance(ctx context.Context, user *models.User) error {
	stored, ok := t.l.users[user.ID]
	if !ok {
		return fmt.Errorf("user %d not found", user.ID)
	}
	stored.Balance = user.Balance
	return nil
}

func (t *memTx) GetAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error) {
	a, ok := t.l.assets[assetKey(userID, symbol)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) LockAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error) {
	return t.GetAsset(ctx, userID, symbol)
}

func (t *memTx) CreateAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error) {
	if _, ok := t.l.assets[assetKey(userID, symbol)]; ok {
		return nil, fmt.Errorf("asset %d/%s already exists", userID, symbol)
	}
	a := t.l.addAsset(userID, symbol, "0", "0")
	cp := *a
	return &cp, nil
}

func (t *memTx) UpdateAssetBalances(ctx context.Context, asset *models.Asset) error {
	stored, ok := t.l.assets[assetKey(asset.UserID, asset.Symbol)]
	if !ok {
		return fmt.Errorf("asset %d/%s not found", asset.UserID, asset.Symbol)
	}
	stored.Amount = asset.Amount
	stored.LockedAmount = asset.LockedAmount
	return nil
}

func (t *memTx) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	t.l.nextOrderID++
	cp := *order
	cp.ID = t.l.nextOrderID
	cp.CreatedAt = t.l.tick()
	t.l.orders[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, order *models.Order) error {
	stored, ok := t.l.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %d not found", order.ID)
	}
	stored.Status = order.Status
	stored.Remaining = order.Remaining
	return nil
}

func (t *memTx) UpsertTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	if existing, ok := t.l.trades[trade.TradeUID]; ok {
		existing.FeeAmount = trade.FeeAmount
		existing.FeeCurrency = trade.FeeCurrency
		existing.FeePayer = trade.FeePayer
		cp := *existing
		return &cp, nil
	}
	t.l.nextTradeID++
	cp := *trade
	cp.ID = t.l.nextTradeID
	t.l.trades[cp.TradeUID] = &cp
	out := cp
	return &out, nil
}

// recordingNotifier captures emitted notifications for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	matches []*MatchNotification
	cancels []*CancelNotification
}

func (n *recordingNotifier) OrderMatched(p *MatchNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.matches = append(n.matches, p)
}

func (n *recordingNotifier) OrderCancelled(p *CancelNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancels = append(n.cancels, p)
}
