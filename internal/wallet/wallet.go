// Package wallet implements the deposit-crediting and withdrawal-lifecycle
// services of §4.5: WalletService observes external deposit confirmations
// and credits the ledger; AdminService (admin.go) runs the two-eyes
// withdrawal approval state machine. Grounded on the teacher's
// internal/wallet/services/deposit_manager.go and withdrawal_manager.go for
// shape, generalized from Fireblocks-specific plumbing to the ledger/
// repository abstractions this rewrite settled on.
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitcex/core/internal/config"
	"github.com/orbitcex/core/internal/events"
	"github.com/orbitcex/core/internal/idgen"
	"github.com/orbitcex/core/internal/ledger"
	"github.com/orbitcex/core/internal/model"
	"github.com/orbitcex/core/internal/repository"
	"github.com/orbitcex/core/pkg/xerrors"
)

// Service is the WalletService of §4.5.
type Service struct {
	repo   repository.Repository
	ledger *ledger.Ledger
	cache  *ledger.BalanceCache
	ids    *idgen.Registry
	cfg    *config.Manager
	bus    events.Bus
	logger *zap.Logger
}

func New(repo repository.Repository, ledgr *ledger.Ledger, cache *ledger.BalanceCache, ids *idgen.Registry, cfg *config.Manager, bus events.Bus, logger *zap.Logger) *Service {
	return &Service{repo: repo, ledger: ledgr, cache: cache, ids: ids, cfg: cfg, bus: bus, logger: logger.Named("wallet")}
}

// DepositObserved handles one delivery of the blockchain watcher's
// DepositObserved event (§4.5). Re-delivery of an already-confirmed
// tx_hash is a no-op; re-delivery before the confirmation threshold just
// updates the running confirmation count.
func (s *Service) DepositObserved(ctx context.Context, userID int64, asset string, amount decimal.Decimal, txHash string, confirmations int) (*model.Transaction, error) {
	if s.cache != nil {
		alreadySeen, err := s.cache.MarkDepositSeen(ctx, asset, txHash, 0)
		if err != nil {
			s.logger.Warn("deposit dedup cache unavailable, falling back to repository lookup", zap.Error(err))
		} else if alreadySeen {
			if existing, err := s.repo.FindTransactionByTxHash(ctx, asset, txHash); err == nil {
				return s.advanceDeposit(ctx, existing, confirmations)
			}
		}
	}

	existing, err := s.repo.FindTransactionByTxHash(ctx, asset, txHash)
	if err == nil {
		return s.advanceDeposit(ctx, existing, confirmations)
	}
	if err != repository.ErrNotFound {
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}

	account, err := s.resolveAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	tx := &model.Transaction{
		ID:            s.ids.NextTransactionID(),
		UserID:        userID,
		Asset:         asset,
		Type:          model.TxTypeDeposit,
		Status:        model.TxStatusPending,
		Amount:        amount,
		Confirmations: confirmations,
		TxHash:        txHash,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	s.publish(ctx, events.TopicDepositPosted, tx)

	return s.maybeConfirmDeposit(ctx, tx, account.ID)
}

func (s *Service) advanceDeposit(ctx context.Context, tx *model.Transaction, confirmations int) (*model.Transaction, error) {
	if tx.Status == model.TxStatusConfirmed {
		return tx, nil
	}
	if confirmations > tx.Confirmations {
		tx.Confirmations = confirmations
	}
	account, err := s.resolveAccount(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	return s.maybeConfirmDeposit(ctx, tx, account.ID)
}

func (s *Service) maybeConfirmDeposit(ctx context.Context, tx *model.Transaction, accountID int64) (*model.Transaction, error) {
	threshold := s.cfg.Get().DepositConfirmationThreshold[tx.Asset]
	if tx.Confirmations < threshold {
		if err := s.repo.SaveTransaction(ctx, tx); err != nil {
			return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
		}
		return tx, nil
	}

	if err := s.ledger.Credit(ctx, accountID, tx.Asset, tx.Amount); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, accountID, tx.Asset)
	}
	tx.Status = model.TxStatusConfirmed
	tx.UpdatedAt = time.Now()
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	s.publish(ctx, events.TopicBalanceChanged, map[string]any{"account_id": accountID, "asset": tx.Asset, "transaction_id": tx.ID})
	return tx, nil
}

func (s *Service) resolveAccount(ctx context.Context, userID int64) (*model.Account, error) {
	account, err := s.repo.GetAccountByUserID(ctx, userID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, xerrors.ErrAccountNotFound.WithField("user_id", fmt.Sprint(userID))
		}
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	return account, nil
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.Event{Topic: topic, Payload: payload})
}
