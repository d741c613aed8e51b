package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitcex/core/internal/audit"
	"github.com/orbitcex/core/internal/config"
	"github.com/orbitcex/core/internal/events"
	"github.com/orbitcex/core/internal/idgen"
	"github.com/orbitcex/core/internal/ledger"
	"github.com/orbitcex/core/internal/model"
	"github.com/orbitcex/core/internal/repository"
	"github.com/orbitcex/core/internal/repository/memrepo"
	"github.com/orbitcex/core/pkg/xerrors"
)

func newTestAdminService(t *testing.T) (*AdminService, *ledger.Ledger, repository.Repository) {
	t.Helper()
	store := memrepo.NewStore()
	uow := memrepo.NewUnitOfWork(store)
	repo := memrepo.NewRepository(store)
	ids := idgen.NewRegistry()
	logger := zap.NewNop()

	l := ledger.New(uow, ids, logger)
	require.NoError(t, l.Bootstrap(context.Background()))

	cfgManager := config.NewManager("", logger)
	require.NoError(t, cfgManager.Load())

	bus := events.NewInMemoryBus(nil)
	auditLog := audit.New(repo, ids, logger)
	admin := NewAdminService(repo, l, ids, cfgManager, bus, auditLog, logger)

	require.NoError(t, repo.CreateAccount(context.Background(), &model.Account{ID: 1, UserID: 1, Status: model.AccountStatusActive}))
	require.NoError(t, l.Credit(context.Background(), 1, "USDT", decimal.RequireFromString("1000")))

	return admin, l, repo
}

const testWithdrawAddr = "0x0000000000000000000000000000000000000002"

func TestRequestWithdrawal_LocksAmountPlusNetworkFee(t *testing.T) {
	admin, l, _ := newTestAdminService(t)

	tx, err := admin.RequestWithdrawal(context.Background(), 1, "USDT", decimal.RequireFromString("100"), testWithdrawAddr)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusPending, tx.Status)

	b, err := l.GetBalance(context.Background(), 1, "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.Equal(decimal.RequireFromString("101")), "amount (100) plus the configured USDT network fee (1)")
}

func TestRequestWithdrawal_InvalidAddress_Rejected(t *testing.T) {
	admin, _, _ := newTestAdminService(t)
	_, err := admin.RequestWithdrawal(context.Background(), 1, "USDT", decimal.RequireFromString("100"), "not-an-address")
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.ErrInvalidOrder))
}

func TestApproveWithdrawal_TwoEyes_StaysLockedUntilBroadcast(t *testing.T) {
	admin, l, _ := newTestAdminService(t)
	tx, err := admin.RequestWithdrawal(context.Background(), 1, "USDT", decimal.RequireFromString("100"), testWithdrawAddr)
	require.NoError(t, err)

	afterFirst, err := admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-a")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusApprovedPendingSecond, afterFirst.Status)

	b, err := l.GetBalance(context.Background(), 1, "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.Equal(decimal.RequireFromString("101")), "funds stay locked, not debited, after only one approval")

	afterSecond, err := admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-b")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusApproved, afterSecond.Status)

	b, err = l.GetBalance(context.Background(), 1, "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.Equal(decimal.RequireFromString("101")), "the second approval only authorizes the broadcast, funds debit later")
	assert.True(t, b.Available.Equal(decimal.RequireFromString("899")))
}

func TestApproveWithdrawal_SameApproverTwice_Rejected(t *testing.T) {
	admin, _, _ := newTestAdminService(t)
	tx, err := admin.RequestWithdrawal(context.Background(), 1, "USDT", decimal.RequireFromString("100"), testWithdrawAddr)
	require.NoError(t, err)

	_, err = admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-a")
	require.NoError(t, err)

	_, err = admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-a")
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.ErrAdminSameApprover))
}

func TestRejectWithdrawal_BeforeSecondApproval_RestoresLockedFunds(t *testing.T) {
	admin, l, _ := newTestAdminService(t)
	tx, err := admin.RequestWithdrawal(context.Background(), 1, "USDT", decimal.RequireFromString("100"), testWithdrawAddr)
	require.NoError(t, err)
	_, err = admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-a")
	require.NoError(t, err)

	rejected, err := admin.RejectWithdrawal(context.Background(), tx.ID, "admin-b", "suspicious address")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusRejected, rejected.Status)

	b, err := l.GetBalance(context.Background(), 1, "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.IsZero())
	assert.True(t, b.Available.Equal(decimal.RequireFromString("1000")), "rejection must restore the full locked reservation")
}

func TestRejectWithdrawal_AfterApproval_Rejected(t *testing.T) {
	admin, _, _ := newTestAdminService(t)
	tx, err := admin.RequestWithdrawal(context.Background(), 1, "USDT", decimal.RequireFromString("100"), testWithdrawAddr)
	require.NoError(t, err)
	_, err = admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-a")
	require.NoError(t, err)
	_, err = admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-b")
	require.NoError(t, err)

	_, err = admin.RejectWithdrawal(context.Background(), tx.ID, "admin-c", "too late")
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.ErrInvalidOrder))
}

func TestConfirmBroadcast_MarksConfirmedAndDebitsLocked(t *testing.T) {
	admin, l, _ := newTestAdminService(t)
	tx, err := admin.RequestWithdrawal(context.Background(), 1, "USDT", decimal.RequireFromString("100"), testWithdrawAddr)
	require.NoError(t, err)
	_, err = admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-a")
	require.NoError(t, err)
	_, err = admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-b")
	require.NoError(t, err)

	confirmed, err := admin.ConfirmBroadcast(context.Background(), tx.ID, "0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusConfirmed, confirmed.Status)
	assert.Equal(t, "0xdeadbeef", confirmed.TxHash)

	b, err := l.GetBalance(context.Background(), 1, "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.IsZero(), "broadcast success debits the locked amount+fee")
	assert.True(t, b.Available.Equal(decimal.RequireFromString("899")), "available was already reduced at request time")
}

func TestFailBroadcast_UnlocksUndebitedFunds(t *testing.T) {
	admin, l, _ := newTestAdminService(t)
	tx, err := admin.RequestWithdrawal(context.Background(), 1, "USDT", decimal.RequireFromString("100"), testWithdrawAddr)
	require.NoError(t, err)
	_, err = admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-a")
	require.NoError(t, err)
	_, err = admin.ApproveWithdrawal(context.Background(), tx.ID, "admin-b")
	require.NoError(t, err)

	failed, err := admin.FailBroadcast(context.Background(), tx.ID, "node rejected transaction")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusFailed, failed.Status)

	b, err := l.GetBalance(context.Background(), 1, "USDT")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(decimal.RequireFromString("1000")), "a broadcast failure must restore the still-locked funds")
	assert.True(t, b.Locked.IsZero())
}

func TestGetWithdrawal_NonWithdrawalTransaction_Rejected(t *testing.T) {
	admin, _, repo := newTestAdminService(t)
	deposit := &model.Transaction{ID: 500, UserID: 1, Asset: "USDT", Type: model.TxTypeDeposit, Status: model.TxStatusConfirmed, Amount: decimal.RequireFromString("1")}
	require.NoError(t, repo.CreateTransaction(context.Background(), deposit))

	_, err := admin.ApproveWithdrawal(context.Background(), deposit.ID, "admin-a")
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.ErrInvalidOrder))
}
