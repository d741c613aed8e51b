// Package ledger is the trading core's sole balance-mutating component,
// grounded on the teacher's internal/bookkeeper.Service (tx.Begin /
// Where / Save / Commit compound postings) generalized behind the
// repository.UnitOfWork abstraction so the same Ledger works unmodified
// against the in-memory and GORM/Postgres repositories.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitcex/core/internal/idgen"
	"github.com/orbitcex/core/internal/model"
	"github.com/orbitcex/core/internal/repository"
	"github.com/orbitcex/core/pkg/xerrors"
)

// FeeAccountID is the reserved account id backing every asset's fee sink.
// Real user accounts are issued from idgen starting at 1; this constant is
// chosen far outside that range so the two id spaces never collide.
const FeeAccountID int64 = -1

// Ledger is the authoritative store of per-(account, asset) balances. Every
// mutation goes through a single repository.UnitOfWork transaction, giving
// the atomicity and all-or-nothing rollback the §4.1 contract requires
// regardless of which concrete Repository backs it.
type Ledger struct {
	uow    repository.UnitOfWork
	ids    *idgen.Registry
	logger *zap.Logger
	cache  *BalanceCache
}

func New(uow repository.UnitOfWork, ids *idgen.Registry, logger *zap.Logger) *Ledger {
	return &Ledger{uow: uow, ids: ids, logger: logger.Named("ledger")}
}

// SetCache attaches a read-through balance cache. Wired separately from New
// since the cache is optional (the process runs without Redis configured)
// and constructed from config after the Ledger itself.
func (l *Ledger) SetCache(cache *BalanceCache) {
	l.cache = cache
}

// Bootstrap creates the reserved fee account once at process startup, one
// per configured asset is unnecessary since the fee account is shared
// across assets (it just holds a Balance row per asset like any account) —
// resolving Open Question (a) of §9.
func (l *Ledger) Bootstrap(ctx context.Context) error {
	return l.uow.WithinTx(ctx, func(ctx context.Context, repo repository.Repository) error {
		if _, err := repo.GetAccount(ctx, FeeAccountID); err == nil {
			return nil
		}
		return repo.CreateAccount(ctx, &model.Account{
			ID:     FeeAccountID,
			Status: model.AccountStatusActive,
		})
	})
}

// GetBalance returns the (account, asset) balance, creating and persisting
// a zero row on first reference. Reads through the balance cache when one
// is attached: a hit skips the transaction entirely, a miss falls through
// to the repository and populates the cache for next time.
func (l *Ledger) GetBalance(ctx context.Context, accountID int64, asset string) (*model.Balance, error) {
	if l.cache != nil {
		if available, locked, err := l.cache.Get(ctx, accountID, asset); err == nil {
			return &model.Balance{AccountID: accountID, Asset: asset, Available: available, Locked: locked}, nil
		}
	}

	var out *model.Balance
	err := l.uow.WithinTx(ctx, func(ctx context.Context, repo repository.Repository) error {
		b, err := repo.GetBalance(ctx, accountID, asset)
		if err != nil {
			return err
		}
		if b.Available.IsZero() && b.Locked.IsZero() {
			if err := repo.SaveBalance(ctx, b); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		l.cache.Set(ctx, accountID, asset, out.Available, out.Locked)
	}
	return out, nil
}

// Lock moves qty from available to locked. Fails with InsufficientBalance
// (carrying account/asset/required/available context) if available < qty.
func (l *Ledger) Lock(ctx context.Context, accountID int64, asset string, qty decimal.Decimal) error {
	return l.mutateBalance(ctx, accountID, asset, func(b *model.Balance) error {
		if b.Available.LessThan(qty) {
			return insufficientBalance(accountID, asset, qty, b.Available)
		}
		b.Available = b.Available.Sub(qty)
		b.Locked = b.Locked.Add(qty)
		return nil
	})
}

// Unlock moves qty from locked back to available.
func (l *Ledger) Unlock(ctx context.Context, accountID int64, asset string, qty decimal.Decimal) error {
	return l.mutateBalance(ctx, accountID, asset, func(b *model.Balance) error {
		if b.Locked.LessThan(qty) {
			return xerrors.ErrLedgerInconsistency.Explain(
				"unlock %s %s: locked balance %s is less than requested %s",
				asset, assetAccountLabel(accountID), b.Locked, qty,
			)
		}
		b.Locked = b.Locked.Sub(qty)
		b.Available = b.Available.Add(qty)
		return nil
	})
}

// Credit increases available balance directly (deposits, fee receipts).
func (l *Ledger) Credit(ctx context.Context, accountID int64, asset string, qty decimal.Decimal) error {
	return l.mutateBalance(ctx, accountID, asset, func(b *model.Balance) error {
		b.Available = b.Available.Add(qty)
		return nil
	})
}

// DebitLocked decreases locked balance directly (trade/withdrawal outflow).
func (l *Ledger) DebitLocked(ctx context.Context, accountID int64, asset string, qty decimal.Decimal) error {
	return l.mutateBalance(ctx, accountID, asset, func(b *model.Balance) error {
		if b.Locked.LessThan(qty) {
			return xerrors.ErrLedgerInconsistency.Explain(
				"debit_locked %s %s: locked balance %s is less than requested %s",
				asset, assetAccountLabel(accountID), b.Locked, qty,
			)
		}
		b.Locked = b.Locked.Sub(qty)
		return nil
	})
}

// mutateBalance runs fn against the current balance inside its own
// transaction and persists the result, or leaves state untouched on error.
// Any cached entry is dropped once the posting commits, per every posting
// invalidating the cache.
func (l *Ledger) mutateBalance(ctx context.Context, accountID int64, asset string, fn func(*model.Balance) error) error {
	err := l.uow.WithinTx(ctx, func(ctx context.Context, repo repository.Repository) error {
		b, err := repo.GetBalance(ctx, accountID, asset)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		return repo.SaveBalance(ctx, b)
	})
	if err == nil {
		l.invalidate(ctx, accountID, asset)
	}
	return err
}

func (l *Ledger) invalidate(ctx context.Context, accountID int64, asset string) {
	if l.cache != nil {
		l.cache.Invalidate(ctx, accountID, asset)
	}
}

// TradeLegs is the four-way balance movement a single trade settlement
// performs: base from the seller's locked balance to the buyer's available
// balance, quote the other way, with a fee deducted from each receiving
// leg into the shared fee account.
type TradeLegs struct {
	Market      string
	BaseAsset   string
	QuoteAsset  string
	BuyerID     int64
	SellerID    int64
	Price       decimal.Decimal
	Amount      decimal.Decimal
	BuyerFee    decimal.Decimal // deducted from the base the buyer receives
	SellerFee   decimal.Decimal // deducted from the quote the seller receives
}

// SettleTrade performs the compound posting for one trade in a single
// transaction: on any failure, every leg is rolled back together and the
// error is promoted by the caller (matching.Engine) to the fatal
// ledger_inconsistency path per §4.3, since balances were already
// validated at admission.
func (l *Ledger) SettleTrade(ctx context.Context, legs TradeLegs) error {
	quoteAmount := legs.Price.Mul(legs.Amount)
	err := l.uow.WithinTx(ctx, func(ctx context.Context, repo repository.Repository) error {
		if err := moveLockedToAvailable(ctx, repo, legs.SellerID, legs.BaseAsset, legs.Amount, legs.BuyerID, legs.BuyerFee); err != nil {
			return err
		}
		if err := moveLockedToAvailable(ctx, repo, legs.BuyerID, legs.QuoteAsset, quoteAmount, legs.SellerID, legs.SellerFee); err != nil {
			return err
		}
		if !legs.BuyerFee.IsZero() {
			if err := creditBalance(ctx, repo, FeeAccountID, legs.BaseAsset, legs.BuyerFee); err != nil {
				return err
			}
		}
		if !legs.SellerFee.IsZero() {
			if err := creditBalance(ctx, repo, FeeAccountID, legs.QuoteAsset, legs.SellerFee); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		l.invalidate(ctx, legs.SellerID, legs.BaseAsset)
		l.invalidate(ctx, legs.BuyerID, legs.BaseAsset)
		l.invalidate(ctx, legs.BuyerID, legs.QuoteAsset)
		l.invalidate(ctx, legs.SellerID, legs.QuoteAsset)
		l.invalidate(ctx, FeeAccountID, legs.BaseAsset)
		l.invalidate(ctx, FeeAccountID, legs.QuoteAsset)
	}
	return err
}

// moveLockedToAvailable debits qty from fromAccount's locked balance in
// asset and credits (qty - fee) to toAccount's available balance, within
// the caller's transaction.
func moveLockedToAvailable(ctx context.Context, repo repository.Repository, fromAccount int64, asset string, qty decimal.Decimal, toAccount int64, fee decimal.Decimal) error {
	from, err := repo.GetBalance(ctx, fromAccount, asset)
	if err != nil {
		return err
	}
	if from.Locked.LessThan(qty) {
		return xerrors.ErrLedgerInconsistency.Explain(
			"settle_trade: account %d locked %s %s is less than trade amount %s",
			fromAccount, asset, from.Locked, qty,
		)
	}
	from.Locked = from.Locked.Sub(qty)
	if err := repo.SaveBalance(ctx, from); err != nil {
		return err
	}
	net := qty.Sub(fee)
	return creditBalance(ctx, repo, toAccount, asset, net)
}

func creditBalance(ctx context.Context, repo repository.Repository, accountID int64, asset string, qty decimal.Decimal) error {
	b, err := repo.GetBalance(ctx, accountID, asset)
	if err != nil {
		return err
	}
	b.Available = b.Available.Add(qty)
	return repo.SaveBalance(ctx, b)
}

func insufficientBalance(accountID int64, asset string, required, available decimal.Decimal) error {
	return xerrors.ErrInsufficientBalance.
		Explain("account %d needs %s %s, has %s available", accountID, required, asset, available).
		WithField("account_id", fmt.Sprintf("%d", accountID)).
		WithField("asset", asset).
		WithField("required", required.String()).
		WithField("available", available.String())
}

func assetAccountLabel(accountID int64) string {
	return fmt.Sprintf("account %d", accountID)
}
