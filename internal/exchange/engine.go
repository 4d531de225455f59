// Package exchange implements the order lifecycle: placement with fund
// and asset reservation, full-fill matching with price-time priority,
// and cancellation with reservation release. All state lives in the
// ledger store; concurrency correctness comes from per-row pessimistic
// locks inside short transactions, not from an in-process book.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/loeme/exchange/internal/models"
	"github.com/loeme/exchange/internal/money"
)

// Transaction attempt limits per operation. Matching and cancellation
// contend on the same order rows, so they retry; placement surfaces
// contention to the caller immediately.
const (
	placeAttempts  = 1
	matchAttempts  = 3
	cancelAttempts = 3
)

// Engine runs the order lifecycle against a Ledger. The platform fee
// account is an explicit, configuration-resolved username rather than a
// hidden global; it is created lazily and locked like any other user
// row.
type Engine struct {
	store    Ledger
	notifier Notifier
	platform string
	log      logrus.FieldLogger
}

// NewEngine wires an engine to its store and notifier. platformAccount
// is the username of the ledger account that collects commissions.
func NewEngine(store Ledger, notifier Notifier, platformAccount string, log logrus.FieldLogger) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		platform: platformAccount,
		log:      log,
	}
}

// PlaceRequest carries pre-validated request strings. Price and amount
// must be positive decimals with at most 18 fractional digits; both are
// re-checked here.
type PlaceRequest struct {
	Symbol string
	Side   string
	Price  string
	Amount string
}

// Place validates the request, reserves funds (BUY) or assets (SELL)
// and creates an OPEN order, all in one transaction. On success it
// immediately attempts to match the new order in a fresh transaction
// and returns the order in its post-match state together with the
// settlement payload, when one was produced.
func (e *Engine) Place(ctx context.Context, userID int64, req PlaceRequest) (*models.Order, *MatchNotification, error) {
	symbol, ok := models.ParseSymbol(req.Symbol)
	if !ok {
		return nil, nil, &ValidationError{Field: "symbol", Message: "invalid or unsupported symbol"}
	}
	side, ok := models.ParseSide(req.Side)
	if !ok {
		return nil, nil, &ValidationError{Field: "side", Message: "side must be buy or sell"}
	}
	price, err := money.ParsePositive(req.Price)
	if err != nil {
		return nil, nil, &ValidationError{Field: "price", Message: "price must be a positive decimal number"}
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		return nil, nil, &ValidationError{Field: "amount", Message: "amount must be a positive decimal number"}
	}

	var order *models.Order
	err = e.store.InTx(ctx, placeAttempts, func(tx Tx) error {
		switch side {
		case models.SideBuy:
			user, err := tx.LockUser(ctx, userID)
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("user %d not found", userID)
			}
			cost := money.Cost(price, amount)
			if user.Balance.LessThan(cost) {
				return ErrInsufficientFunds
			}
			user.Balance = money.TruncateQuote(user.Balance.Sub(cost))
			if err := tx.UpdateUserBalance(ctx, user); err != nil {
				return err
			}
		case models.SideSell:
			asset, err := tx.LockAsset(ctx, userID, symbol)
			if err != nil {
				return err
			}
			if asset == nil || asset.Amount.LessThan(amount) {
				return ErrInsufficientAssets
			}
			asset.Amount = asset.Amount.Sub(amount)
			asset.LockedAmount = asset.LockedAmount.Add(amount)
			if err := tx.UpdateAssetBalances(ctx, asset); err != nil {
				return err
			}
		}

		created, err := tx.CreateOrder(ctx, &models.Order{
			UserID:    userID,
			Symbol:    symbol,
			Side:      side,
			Price:     price,
			Amount:    amount,
			Remaining: amount,
			Status:    models.OrderOpen,
		})
		if err != nil {
			return err
		}
		order = created
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	match := e.TryMatch(ctx, order.ID)

	if fresh, err := e.store.GetOrder(ctx, order.ID); err == nil && fresh != nil {
		order = fresh
	}
	return order, match, nil
}

// TryMatch looks for the best eligible counter-order for orderID and
// settles the pair when one exists. It returns nil both when no
// counter-order is eligible and when the attempt fails: a failed match
// rolls back, is logged, and leaves the order OPEN for a later attempt.
// At most one notification is emitted per successful call.
func (e *Engine) TryMatch(ctx context.Context, orderID int64) *MatchNotification {
	var payload *MatchNotification
	err := e.store.InTx(ctx, matchAttempts, func(tx Tx) error {
		payload = nil

		target, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if target == nil || target.Status != models.OrderOpen {
			// Already matched or cancelled by a concurrent operation.
			return nil
		}

		counter, err := tx.LockBestCounter(ctx, target)
		if err != nil {
			return err
		}
		if counter == nil {
			return nil
		}

		var buyOrder, sellOrder *models.Order
		switch target.Side {
		case models.SideBuy:
			buyOrder, sellOrder = target, counter
		case models.SideSell:
			buyOrder, sellOrder = counter, target
		}

		// Canonical lock order: buyer's rows before seller's. Every code
		// path locking both parties must follow the same order or two
		// opposite-direction matches can deadlock.
		buyer, err := tx.LockUser(ctx, buyOrder.UserID)
		if err != nil {
			return err
		}
		// A self-match crosses one user's two orders. Both roles must
		// mutate the same row instance: locking it twice hands back two
		// independent copies and the later full-row write would clobber
		// the earlier one.
		seller := buyer
		if sellOrder.UserID != buyOrder.UserID {
			seller, err = tx.LockUser(ctx, sellOrder.UserID)
			if err != nil {
				return err
			}
		}
		if buyer == nil || seller == nil {
			return fmt.Errorf("participant missing for orders %d/%d", buyOrder.ID, sellOrder.ID)
		}

		amount := target.Amount
		// The resting order sets the execution price.
		execPrice := counter.Price
		gross := money.Cost(execPrice, amount)
		commission := money.Commission(gross)

		sellerAsset, err := tx.LockAsset(ctx, seller.ID, target.Symbol)
		if err != nil {
			return err
		}
		if sellerAsset == nil {
			return fmt.Errorf("seller asset %s not found for order %d", target.Symbol, sellOrder.ID)
		}
		// Same aliasing rule as the user rows above.
		buyerAsset := sellerAsset
		if buyer.ID != seller.ID {
			buyerAsset, err = tx.LockAsset(ctx, buyer.ID, target.Symbol)
			if err != nil {
				return err
			}
			if buyerAsset == nil {
				buyerAsset, err = tx.CreateAsset(ctx, buyer.ID, target.Symbol)
				if err != nil {
					return err
				}
			}
		}

		target.Status = models.OrderFilled
		target.Remaining = decimal.Zero
		if err := tx.UpdateOrderStatus(ctx, target); err != nil {
			return err
		}
		counter.Status = models.OrderFilled
		counter.Remaining = decimal.Zero
		if err := tx.UpdateOrderStatus(ctx, counter); err != nil {
			return err
		}

		// Placement moved the full amount into locked_amount, so this
		// only fires on a corrupted ledger.
		if sellerAsset.LockedAmount.LessThan(amount) {
			return fmt.Errorf("seller locked amount %s below trade amount %s", sellerAsset.LockedAmount, amount)
		}
		sellerAsset.LockedAmount = sellerAsset.LockedAmount.Sub(amount)
		if err := tx.UpdateAssetBalances(ctx, sellerAsset); err != nil {
			return err
		}
		buyerAsset.Amount = buyerAsset.Amount.Add(amount)
		if err := tx.UpdateAssetBalances(ctx, buyerAsset); err != nil {
			return err
		}

		// The buyer reserved price*amount plus the fee on that reservation
		// at order time. Refund any positive difference against what the
		// trade actually cost; never debit beyond the reservation.
		reservedCost := money.Cost(buyOrder.Price, amount)
		reservedTotal := reservedCost.Add(money.Commission(reservedCost))
		delta := reservedTotal.Sub(gross.Add(commission))
		if delta.IsPositive() {
			buyer.Balance = money.TruncateQuote(buyer.Balance.Add(delta))
			if err := tx.UpdateUserBalance(ctx, buyer); err != nil {
				return err
			}
		}

		platform, err := tx.LockUserByUsername(ctx, e.platform, true)
		if err != nil {
			return err
		}
		platform.Balance = money.TruncateQuote(platform.Balance.Add(commission))
		if err := tx.UpdateUserBalance(ctx, platform); err != nil {
			return err
		}

		// Buyer pays the fee: the seller receives the full gross value.
		seller.Balance = money.TruncateQuote(seller.Balance.Add(gross))
		if err := tx.UpdateUserBalance(ctx, seller); err != nil {
			return err
		}

		trade, err := tx.UpsertTrade(ctx, &models.Trade{
			TradeUID:    TradeUID(target.Symbol, buyOrder.ID, sellOrder.ID, execPrice, amount),
			BuyOrderID:  buyOrder.ID,
			SellOrderID: sellOrder.ID,
			Symbol:      target.Symbol,
			Price:       execPrice,
			Amount:      amount,
			FeeAmount:   commission,
			FeeCurrency: "USD",
			FeePayer:    "buyer",
			ExecutedAt:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		payload = &MatchNotification{
			TradeUID:    trade.TradeUID,
			Symbol:      target.Symbol,
			Price:       execPrice.String(),
			Amount:      amount.String(),
			BuyOrderID:  buyOrder.ID,
			SellOrderID: sellOrder.ID,
			BuyerID:     buyer.ID,
			SellerID:    seller.ID,
			Commission:  money.FormatQuote(commission),
			Buyer: PartySnapshot{
				UserID:      buyer.ID,
				Balance:     money.FormatQuote(buyer.Balance),
				Asset:       snapshotAsset(buyerAsset),
				OrderID:     buyOrder.ID,
				OrderStatus: models.OrderFilled,
			},
			Seller: PartySnapshot{
				UserID:      seller.ID,
				Balance:     money.FormatQuote(seller.Balance),
				Asset:       snapshotAsset(sellerAsset),
				OrderID:     sellOrder.ID,
				OrderStatus: models.OrderFilled,
			},
		}
		return nil
	})
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"order_id": orderID,
		}).WithError(err).Error("order matching failed")
		return nil
	}
	if payload != nil {
		e.notifier.OrderMatched(payload)
	}
	return payload
}

// CancelResult reports the order and portfolio after a cancel call.
// Changed is false on the idempotent branch.
type CancelResult struct {
	Order     *models.Order
	Portfolio PortfolioSnapshot
	Changed   bool
}

// Cancel releases the reservation behind an OPEN order and marks it
// CANCELLED. Cancelling an order that is already FILLED or CANCELLED is
// a side-effect-free no-op returning current state. Orders not owned by
// userID are reported as ErrOrderNotFound.
func (e *Engine) Cancel(ctx context.Context, userID, orderID int64) (*CancelResult, error) {
	var result *CancelResult
	var note *CancelNotification
	err := e.store.InTx(ctx, cancelAttempts, func(tx Tx) error {
		result, note = nil, nil

		order, err := tx.LockUserOrder(ctx, userID, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return ErrOrderNotFound
		}

		if order.Status.Terminal() {
			user, err := tx.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			asset, err := tx.GetAsset(ctx, userID, order.Symbol)
			if err != nil {
				return err
			}
			pf := PortfolioSnapshot{Balance: money.FormatQuote(user.Balance)}
			if asset != nil {
				snap := snapshotAsset(asset)
				pf.Asset = &snap
			}
			result = &CancelResult{Order: order, Portfolio: pf}
			return nil
		}

		remaining := order.Remaining
		var pf PortfolioSnapshot
		switch order.Side {
		case models.SideBuy:
			user, err := tx.LockUser(ctx, userID)
			if err != nil {
				return err
			}
			release := money.Cost(order.Price, remaining)
			user.Balance = money.TruncateQuote(user.Balance.Add(release))
			if err := tx.UpdateUserBalance(ctx, user); err != nil {
				return err
			}
			pf.Balance = money.FormatQuote(user.Balance)
		case models.SideSell:
			asset, err := tx.LockAsset(ctx, userID, order.Symbol)
			if err != nil {
				return err
			}
			if asset == nil {
				// Recovery path: the row should exist for any open sell.
				asset, err = tx.CreateAsset(ctx, userID, order.Symbol)
				if err != nil {
					return err
				}
			}
			// Cap the release at what is actually locked so locked_amount
			// never goes negative.
			release := remaining
			if asset.LockedAmount.LessThan(release) {
				release = asset.LockedAmount
			}
			asset.LockedAmount = asset.LockedAmount.Sub(release)
			asset.Amount = asset.Amount.Add(release)
			if err := tx.UpdateAssetBalances(ctx, asset); err != nil {
				return err
			}
			user, err := tx.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			pf.Balance = money.FormatQuote(user.Balance)
			snap := snapshotAsset(asset)
			pf.Asset = &snap
		}

		order.Status = models.OrderCancelled
		order.Remaining = decimal.Zero
		if err := tx.UpdateOrderStatus(ctx, order); err != nil {
			return err
		}

		result = &CancelResult{Order: order, Portfolio: pf, Changed: true}
		note = &CancelNotification{
			OrderID:   order.ID,
			UserID:    userID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Price:     order.Price.String(),
			Status:    models.OrderCancelled,
			Portfolio: pf,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if note != nil {
		e.notifier.OrderCancelled(note)
	}
	return result, nil
}
