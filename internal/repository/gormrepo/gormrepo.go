// Package gormrepo is the Postgres-backed repository.Repository, grounded
// on the teacher's internal/trading/repository.GormRepository: the same
// WithContext/Where/First/Updates shape and the same tx.Begin/Commit/
// Rollback compound-transaction pattern (there, ExecuteInTransaction; here,
// UnitOfWork.WithinTx). Unlike the teacher, which stores money as float64
// and converts through decimal.NewFromFloat/InexactFloat64 at the
// boundary, every row here keeps shopspring/decimal's native
// database/sql.Scanner/Valuer, so a decimal.Decimal round-trips through
// Postgres NUMERIC columns exactly — no float64 ever touches the domain.
package gormrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/orbitcex/core/internal/model"
	"github.com/orbitcex/core/internal/repository"
)

// dbAccount, dbBalance, ... are the GORM row shapes. Each mirrors its
// internal/model counterpart field-for-field; the conversion functions
// below are the only place the two diverge.

type dbAccount struct {
	ID        int64 `gorm:"primaryKey"`
	UserID    int64 `gorm:"uniqueIndex"`
	Status    string
	KYCLevel  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (dbAccount) TableName() string { return "accounts" }

type dbBalance struct {
	AccountID int64           `gorm:"primaryKey"`
	Asset     string          `gorm:"primaryKey"`
	Available decimal.Decimal `gorm:"type:numeric"`
	Locked    decimal.Decimal `gorm:"type:numeric"`
}

func (dbBalance) TableName() string { return "balances" }

type dbOrder struct {
	ID        int64 `gorm:"primaryKey"`
	AccountID int64 `gorm:"index"`
	Market    string `gorm:"index"`
	Side      string
	Kind      string
	TIF       string

	Price     decimal.Decimal `gorm:"type:numeric"`
	StopPrice decimal.Decimal `gorm:"type:numeric"`
	Amount    decimal.Decimal `gorm:"type:numeric"`
	Filled    decimal.Decimal `gorm:"type:numeric"`
	MaxQuote  decimal.Decimal `gorm:"type:numeric"`

	Status string `gorm:"index"`

	LinkKind int
	LinkID   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (dbOrder) TableName() string { return "orders" }

type dbTrade struct {
	ID           int64 `gorm:"primaryKey"`
	Market       string `gorm:"index"`
	MakerOrderID int64  `gorm:"index"`
	TakerOrderID int64  `gorm:"index"`
	TakerSide    string
	Price        decimal.Decimal `gorm:"type:numeric"`
	Amount       decimal.Decimal `gorm:"type:numeric"`
	FeeMaker     decimal.Decimal `gorm:"type:numeric"`
	FeeTaker     decimal.Decimal `gorm:"type:numeric"`
	CreatedAt    time.Time
}

func (dbTrade) TableName() string { return "trades" }

type dbTransaction struct {
	ID            int64 `gorm:"primaryKey"`
	UserID        int64 `gorm:"index"`
	Asset         string
	Type          string
	Status        string `gorm:"index"`
	Amount        decimal.Decimal `gorm:"type:numeric"`
	NetworkFee    decimal.Decimal `gorm:"type:numeric"`
	Address       string
	TxHash        string `gorm:"index"`
	Confirmations int

	FirstApprover  string
	SecondApprover string
	LastError      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (dbTransaction) TableName() string { return "transactions" }

type dbAuditLog struct {
	ID        int64 `gorm:"primaryKey"`
	Actor     string `gorm:"index"`
	Action    string
	EntityRef string `gorm:"index"`
	Metadata  []byte // JSON-encoded map[string]any
	CreatedAt time.Time
}

func (dbAuditLog) TableName() string { return "audit_logs" }

// AllTables lists every row type for AutoMigrate.
func AllTables() []any {
	return []any{&dbAccount{}, &dbBalance{}, &dbOrder{}, &dbTrade{}, &dbTransaction{}, &dbAuditLog{}}
}

// repo is the Repository view bound to a *gorm.DB, which is either the
// top-level connection or a transaction handle handed out from WithinTx.
type repo struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository returns a non-transactional Repository bound to db.
func NewRepository(db *gorm.DB, logger *zap.Logger) repository.Repository {
	return &repo{db: db, logger: logger.Named("gormrepo")}
}

// NewUnitOfWork returns a UnitOfWork bound to db, running every compound
// operation inside a SERIALIZABLE transaction the way the teacher's
// GormRepository.ExecuteInTransaction does for bookkeeper-integration
// callers.
func NewUnitOfWork(db *gorm.DB, logger *zap.Logger) repository.UnitOfWork {
	return &uow{db: db, logger: logger.Named("gormrepo")}
}

type uow struct {
	db     *gorm.DB
	logger *zap.Logger
}

func (u *uow) WithinTx(ctx context.Context, fn func(ctx context.Context, r repository.Repository) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &repo{db: tx, logger: u.logger})
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

func (r *repo) CreateAccount(ctx context.Context, a *model.Account) error {
	row := toDBAccount(a)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	return nil
}

func (r *repo) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	var row dbAccount
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return fromDBAccount(&row), nil
}

func (r *repo) GetAccountByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	var row dbAccount
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return fromDBAccount(&row), nil
}

func (r *repo) SaveAccount(ctx context.Context, a *model.Account) error {
	row := toDBAccount(a)
	return r.db.WithContext(ctx).Save(&row).Error
}

func (r *repo) GetBalance(ctx context.Context, accountID int64, asset string) (*model.Balance, error) {
	var row dbBalance
	err := r.db.WithContext(ctx).Where("account_id = ? AND asset = ?", accountID, asset).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.Balance{AccountID: accountID, Asset: asset}, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.Balance{AccountID: row.AccountID, Asset: row.Asset, Available: row.Available, Locked: row.Locked}, nil
}

func (r *repo) SaveBalance(ctx context.Context, b *model.Balance) error {
	row := dbBalance{AccountID: b.AccountID, Asset: b.Asset, Available: b.Available, Locked: b.Locked}
	return r.db.WithContext(ctx).Save(&row).Error
}

func (r *repo) CreateOrder(ctx context.Context, o *model.Order) error {
	row := toDBOrder(o)
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *repo) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	var row dbOrder
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return fromDBOrder(&row), nil
}

func (r *repo) SaveOrder(ctx context.Context, o *model.Order) error {
	row := toDBOrder(o)
	return r.db.WithContext(ctx).Save(&row).Error
}

func (r *repo) ListOpenOrders(ctx context.Context, market string) ([]*model.Order, error) {
	var rows []dbOrder
	openStatuses := []string{model.StatusOpen, model.StatusPartial, model.StatusTriggered}
	if err := r.db.WithContext(ctx).Where("market = ? AND status IN ?", market, openStatuses).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Order, len(rows))
	for i := range rows {
		out[i] = fromDBOrder(&rows[i])
	}
	return out, nil
}

func (r *repo) CreateTrade(ctx context.Context, t *model.Trade) error {
	row := dbTrade{
		ID: t.ID, Market: t.Market, MakerOrderID: t.MakerOrderID, TakerOrderID: t.TakerOrderID,
		TakerSide: t.TakerSide, Price: t.Price, Amount: t.Amount,
		FeeMaker: t.FeeMaker, FeeTaker: t.FeeTaker, CreatedAt: t.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *repo) ListTradesByOrder(ctx context.Context, orderID int64) ([]*model.Trade, error) {
	var rows []dbTrade
	if err := r.db.WithContext(ctx).Where("maker_order_id = ? OR taker_order_id = ?", orderID, orderID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Trade, len(rows))
	for i, row := range rows {
		out[i] = &model.Trade{
			ID: row.ID, Market: row.Market, MakerOrderID: row.MakerOrderID, TakerOrderID: row.TakerOrderID,
			TakerSide: row.TakerSide, Price: row.Price, Amount: row.Amount,
			FeeMaker: row.FeeMaker, FeeTaker: row.FeeTaker, CreatedAt: row.CreatedAt,
		}
	}
	return out, nil
}

func (r *repo) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	row := toDBTransaction(t)
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *repo) GetTransaction(ctx context.Context, id int64) (*model.Transaction, error) {
	var row dbTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return fromDBTransaction(&row), nil
}

func (r *repo) SaveTransaction(ctx context.Context, t *model.Transaction) error {
	row := toDBTransaction(t)
	return r.db.WithContext(ctx).Save(&row).Error
}

func (r *repo) FindTransactionByTxHash(ctx context.Context, asset, txHash string) (*model.Transaction, error) {
	var row dbTransaction
	err := r.db.WithContext(ctx).Where("asset = ? AND tx_hash = ? AND tx_hash <> ''", asset, txHash).First(&row).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return fromDBTransaction(&row), nil
}

func (r *repo) ListTransactionsByStatus(ctx context.Context, status string) ([]*model.Transaction, error) {
	var rows []dbTransaction
	if err := r.db.WithContext(ctx).Where("status = ?", status).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Transaction, len(rows))
	for i := range rows {
		out[i] = fromDBTransaction(&rows[i])
	}
	return out, nil
}

func (r *repo) CreateAuditLog(ctx context.Context, a *model.AuditLog) error {
	meta, err := marshalMetadata(a.Metadata)
	if err != nil {
		return err
	}
	row := dbAuditLog{ID: a.ID, Actor: a.Actor, Action: a.Action, EntityRef: a.EntityRef, Metadata: meta, CreatedAt: a.CreatedAt}
	return r.db.WithContext(ctx).Create(&row).Error
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repository.ErrNotFound
	}
	return err
}

func toDBAccount(a *model.Account) dbAccount {
	return dbAccount{ID: a.ID, UserID: a.UserID, Status: a.Status, KYCLevel: a.KYCLevel, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt}
}

func fromDBAccount(row *dbAccount) *model.Account {
	return &model.Account{ID: row.ID, UserID: row.UserID, Status: row.Status, KYCLevel: row.KYCLevel, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt}
}

func toDBOrder(o *model.Order) dbOrder {
	return dbOrder{
		ID: o.ID, AccountID: o.AccountID, Market: o.Market, Side: o.Side, Kind: o.Kind, TIF: o.TIF,
		Price: o.Price, StopPrice: o.StopPrice, Amount: o.Amount, Filled: o.Filled, MaxQuote: o.MaxQuote,
		Status: o.Status, LinkKind: int(o.LinkKind), LinkID: o.LinkID.String(),
		CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
}

func fromDBOrder(row *dbOrder) *model.Order {
	linkID, _ := parseUUID(row.LinkID)
	return &model.Order{
		ID: row.ID, AccountID: row.AccountID, Market: row.Market, Side: row.Side, Kind: row.Kind, TIF: row.TIF,
		Price: row.Price, StopPrice: row.StopPrice, Amount: row.Amount, Filled: row.Filled, MaxQuote: row.MaxQuote,
		Status: row.Status, LinkKind: model.LinkKind(row.LinkKind), LinkID: linkID,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

func toDBTransaction(t *model.Transaction) dbTransaction {
	return dbTransaction{
		ID: t.ID, UserID: t.UserID, Asset: t.Asset, Type: t.Type, Status: t.Status,
		Amount: t.Amount, NetworkFee: t.NetworkFee, Address: t.Address, TxHash: t.TxHash,
		Confirmations: t.Confirmations, FirstApprover: t.FirstApprover, SecondApprover: t.SecondApprover,
		LastError: t.LastError, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func fromDBTransaction(row *dbTransaction) *model.Transaction {
	return &model.Transaction{
		ID: row.ID, UserID: row.UserID, Asset: row.Asset, Type: row.Type, Status: row.Status,
		Amount: row.Amount, NetworkFee: row.NetworkFee, Address: row.Address, TxHash: row.TxHash,
		Confirmations: row.Confirmations, FirstApprover: row.FirstApprover, SecondApprover: row.SecondApprover,
		LastError: row.LastError, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

// parseUUID tolerates the zero-value empty string stored for orders outside
// any OCO link.
func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.UUID{}, nil
	}
	return uuid.Parse(s)
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
