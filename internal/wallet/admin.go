package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitcex/core/internal/audit"
	"github.com/orbitcex/core/internal/config"
	"github.com/orbitcex/core/internal/events"
	"github.com/orbitcex/core/internal/idgen"
	"github.com/orbitcex/core/internal/ledger"
	"github.com/orbitcex/core/internal/model"
	"github.com/orbitcex/core/internal/repository"
	"github.com/orbitcex/core/pkg/xerrors"
)

// AdminService runs the two-eyes withdrawal approval state machine of
// §4.5: pending -> approved_pending_second -> approved -> confirmed (funds
// debited) | failed (funds unlocked on broadcast failure). Grounded on
// the teacher's WithdrawalManager (internal/wallet/services/
// withdrawal_manager.go) for the overall initiate/validate/lock/approve/
// broadcast shape; the dual-approver requirement itself is this package's
// own addition, since the teacher's RequireApproval is a single
// compliance gate rather than a two-distinct-admin sign-off.
type AdminService struct {
	repo   repository.Repository
	ledger *ledger.Ledger
	ids    *idgen.Registry
	cfg    *config.Manager
	bus    events.Bus
	audit  *audit.Logger
	logger *zap.Logger
}

func NewAdminService(repo repository.Repository, ledgr *ledger.Ledger, ids *idgen.Registry, cfg *config.Manager, bus events.Bus, auditLog *audit.Logger, logger *zap.Logger) *AdminService {
	return &AdminService{repo: repo, ledger: ledgr, ids: ids, cfg: cfg, bus: bus, audit: auditLog, logger: logger.Named("wallet.admin")}
}

// RequestWithdrawal validates the destination address and amount, locks
// amount+network_fee against the user's account, and records a pending
// withdrawal Transaction.
func (a *AdminService) RequestWithdrawal(ctx context.Context, userID int64, asset string, amount decimal.Decimal, address string) (*model.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, xerrors.ErrInvalidOrder.Explain("withdrawal amount must be positive")
	}
	if err := ValidateAddress(asset, address); err != nil {
		return nil, err
	}

	account, err := a.resolveAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	fee := a.cfg.Get().WithdrawalNetworkFee[asset]
	total := amount.Add(fee)
	if err := a.ledger.Lock(ctx, account.ID, asset, total); err != nil {
		return nil, err
	}

	tx := &model.Transaction{
		ID:         a.ids.NextTransactionID(),
		UserID:     userID,
		Asset:      asset,
		Type:       model.TxTypeWithdrawal,
		Status:     model.WithdrawalStatusPending,
		Amount:     amount,
		NetworkFee: fee,
		Address:    address,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := a.repo.CreateTransaction(ctx, tx); err != nil {
		_ = a.ledger.Unlock(ctx, account.ID, asset, total)
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	a.publish(ctx, events.TopicWithdrawalReq, tx)
	return tx, nil
}

// ApproveWithdrawal records one admin's approval. The first call moves the
// withdrawal to approved_pending_second; the second call, by a different
// admin, moves it to approved and queues the broadcast. The locked balance
// stays locked until ConfirmBroadcast actually debits it (§4.5 step 4).
func (a *AdminService) ApproveWithdrawal(ctx context.Context, txID int64, approverID string) (*model.Transaction, error) {
	tx, err := a.getWithdrawal(ctx, txID)
	if err != nil {
		return nil, err
	}

	switch tx.Status {
	case model.WithdrawalStatusPending:
		tx.FirstApprover = approverID
		tx.Status = model.WithdrawalStatusApprovedPendingSecond
		tx.UpdatedAt = time.Now()
		if err := a.repo.SaveTransaction(ctx, tx); err != nil {
			return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
		}
		a.publish(ctx, events.TopicWithdrawalApp, tx)
		a.record(ctx, approverID, "withdrawal_first_approval", tx, nil)
		return tx, nil

	case model.WithdrawalStatusApprovedPendingSecond:
		if approverID == tx.FirstApprover {
			return nil, xerrors.ErrAdminSameApprover.WithField("transaction_id", fmt.Sprint(txID))
		}
		tx.SecondApprover = approverID
		tx.Status = model.WithdrawalStatusApproved
		tx.UpdatedAt = time.Now()
		if err := a.repo.SaveTransaction(ctx, tx); err != nil {
			return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
		}
		a.publish(ctx, events.TopicWithdrawalApp, tx)
		a.record(ctx, approverID, "withdrawal_approved", tx, map[string]any{"first_approver": tx.FirstApprover})
		return tx, nil

	default:
		return nil, xerrors.ErrInvalidOrder.Explain("withdrawal %d is not awaiting approval (status %s)", txID, tx.Status)
	}
}

// RejectWithdrawal may be called any time before the second approval;
// it restores the full locked reservation.
func (a *AdminService) RejectWithdrawal(ctx context.Context, txID int64, approverID, reason string) (*model.Transaction, error) {
	tx, err := a.getWithdrawal(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != model.WithdrawalStatusPending && tx.Status != model.WithdrawalStatusApprovedPendingSecond {
		return nil, xerrors.ErrInvalidOrder.Explain("withdrawal %d can no longer be rejected (status %s)", txID, tx.Status)
	}

	account, err := a.resolveAccount(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	total := tx.Amount.Add(tx.NetworkFee)
	if err := a.ledger.Unlock(ctx, account.ID, tx.Asset, total); err != nil {
		return nil, err
	}

	tx.Status = model.WithdrawalStatusRejected
	tx.LastError = fmt.Sprintf("rejected by %s: %s", approverID, reason)
	tx.UpdatedAt = time.Now()
	if err := a.repo.SaveTransaction(ctx, tx); err != nil {
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	a.publish(ctx, events.TopicWithdrawalDone, tx)
	a.record(ctx, approverID, "withdrawal_rejected", tx, map[string]any{"reason": reason})
	return tx, nil
}

// ConfirmBroadcast records a successful on-chain broadcast of an approved
// withdrawal: the locked amount+fee actually leaves the account here
// (§4.5 step 4, §8 scenario 6 — locked decreases, available unchanged).
func (a *AdminService) ConfirmBroadcast(ctx context.Context, txID int64, txHash string) (*model.Transaction, error) {
	tx, err := a.getWithdrawal(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != model.WithdrawalStatusApproved {
		return nil, xerrors.ErrInvalidOrder.Explain("withdrawal %d is not approved (status %s)", txID, tx.Status)
	}
	account, err := a.resolveAccount(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	total := tx.Amount.Add(tx.NetworkFee)
	if err := a.ledger.DebitLocked(ctx, account.ID, tx.Asset, total); err != nil {
		return nil, err
	}

	tx.TxHash = txHash
	tx.Status = model.WithdrawalStatusConfirmed
	tx.UpdatedAt = time.Now()
	if err := a.repo.SaveTransaction(ctx, tx); err != nil {
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	a.publish(ctx, events.TopicWithdrawalDone, tx)
	return tx, nil
}

// FailBroadcast handles a broadcast failure on an approved-but-not-yet-
// confirmed withdrawal (§7's external-integration error class): the
// amount+fee is still locked, not debited, so it is simply unlocked back
// to the account and the transaction is marked failed.
func (a *AdminService) FailBroadcast(ctx context.Context, txID int64, reason string) (*model.Transaction, error) {
	tx, err := a.getWithdrawal(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != model.WithdrawalStatusApproved {
		return nil, xerrors.ErrInvalidOrder.Explain("withdrawal %d is not approved (status %s)", txID, tx.Status)
	}
	account, err := a.resolveAccount(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	total := tx.Amount.Add(tx.NetworkFee)
	if err := a.ledger.Unlock(ctx, account.ID, tx.Asset, total); err != nil {
		return nil, err
	}

	tx.Status = model.WithdrawalStatusFailed
	tx.LastError = reason
	tx.UpdatedAt = time.Now()
	if err := a.repo.SaveTransaction(ctx, tx); err != nil {
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	a.publish(ctx, events.TopicWithdrawalDone, tx)
	a.record(ctx, "system", "withdrawal_broadcast_failed", tx, map[string]any{"reason": reason})
	return tx, nil
}

func (a *AdminService) record(ctx context.Context, actor, action string, tx *model.Transaction, metadata map[string]any) {
	if a.audit == nil {
		return
	}
	a.audit.Record(ctx, actor, action, fmt.Sprintf("transaction:%d", tx.ID), metadata)
}

func (a *AdminService) getWithdrawal(ctx context.Context, txID int64) (*model.Transaction, error) {
	tx, err := a.repo.GetTransaction(ctx, txID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, xerrors.ErrInvalidOrder.Explain("withdrawal %d not found", txID)
		}
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	if tx.Type != model.TxTypeWithdrawal {
		return nil, xerrors.ErrInvalidOrder.Explain("transaction %d is not a withdrawal", txID)
	}
	return tx, nil
}

func (a *AdminService) resolveAccount(ctx context.Context, userID int64) (*model.Account, error) {
	account, err := a.repo.GetAccountByUserID(ctx, userID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, xerrors.ErrAccountNotFound.WithField("user_id", fmt.Sprint(userID))
		}
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	return account, nil
}

func (a *AdminService) publish(ctx context.Context, topic string, payload any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(ctx, events.Event{Topic: topic, Payload: payload})
}
