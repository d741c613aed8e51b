// Package repository defines the persistence boundary the ledger, matching
// engine, accounts, and wallet services depend on, grounded on the
// teacher's model.Repository interface plus its GormRepository
// implementation (internal/trading/repository/gorm_repository.go). Two
// concrete implementations live in the memrepo and gormrepo subpackages.
package repository

import (
	"context"

	"github.com/orbitcex/core/internal/model"
)

// Repository is the full persistence surface for the trading core's
// domain entities.
type Repository interface {
	AccountRepository
	BalanceRepository
	OrderRepository
	TradeRepository
	TransactionRepository
	AuditRepository
}

type AccountRepository interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	GetAccountByUserID(ctx context.Context, userID int64) (*model.Account, error)
	SaveAccount(ctx context.Context, a *model.Account) error
}

type BalanceRepository interface {
	GetBalance(ctx context.Context, accountID int64, asset string) (*model.Balance, error)
	SaveBalance(ctx context.Context, b *model.Balance) error
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	SaveOrder(ctx context.Context, o *model.Order) error
	ListOpenOrders(ctx context.Context, market string) ([]*model.Order, error)
}

type TradeRepository interface {
	CreateTrade(ctx context.Context, t *model.Trade) error
	ListTradesByOrder(ctx context.Context, orderID int64) ([]*model.Trade, error)
}

type TransactionRepository interface {
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id int64) (*model.Transaction, error)
	SaveTransaction(ctx context.Context, t *model.Transaction) error
	FindTransactionByTxHash(ctx context.Context, asset, txHash string) (*model.Transaction, error)
	ListTransactionsByStatus(ctx context.Context, status string) ([]*model.Transaction, error)
}

type AuditRepository interface {
	CreateAuditLog(ctx context.Context, a *model.AuditLog) error
}

// UnitOfWork runs fn within a single atomic, serializable-isolation
// transaction: every Repository call made through the Repository passed to
// fn either all commit or all roll back together. This is how the ledger's
// compound postings (e.g. settle_trade's four-leg balance update) stay
// atomic, mirroring the teacher's tx.Begin/Commit/Rollback pattern in
// bookkeeper.Service and GormRepository, generalized behind an interface
// so the in-memory implementation can satisfy it too.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

// ErrNotFound is returned by Get* methods when the entity does not exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "repository: not found" }
