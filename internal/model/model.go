// Package model holds the domain types shared by the ledger, order book,
// matching engine, account service, and wallet/admin services.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account status values.
const (
	AccountStatusActive = "ACTIVE"
	AccountStatusFrozen = "FROZEN"
	AccountStatusClosed = "CLOSED"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order kinds. Deep inheritance in the original is replaced by this tagged
// variant plus the orthogonal LinkGroup below.
const (
	OrderKindLimit     = "LIMIT"
	OrderKindMarket    = "MARKET"
	OrderKindStop      = "STOP"
	OrderKindStopLimit = "STOP_LIMIT"
)

// Time-in-force modes.
const (
	TIFGTC = "GTC"
	TIFIOC = "IOC"
	TIFFOK = "FOK"
)

// Order statuses. A stop order additionally visits StatusTriggered between
// StatusOpen and whatever follows.
const (
	StatusPending   = "PENDING"
	StatusOpen      = "OPEN"
	StatusPartial   = "PARTIAL"
	StatusFilled    = "FILLED"
	StatusCanceled  = "CANCELED"
	StatusRejected  = "REJECTED"
	StatusTriggered = "TRIGGERED"
)

func IsTerminal(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// LinkKind is the orthogonal axis to OrderKind: whether an order belongs to
// an OCO pair. Kept separate from OrderKind rather than modeled as a fifth
// order type, per the OCO linkage design note.
type LinkKind int

const (
	LinkNone LinkKind = iota
	LinkOCO
)

// Order is a resting or terminal order. Price is zero at admission for
// MARKET and STOP orders; when the engine matches a market order (or an
// activated STOP) it sets Price to a sentinel limit. StopPrice is zero when
// Kind is not STOP/STOP_LIMIT.
type Order struct {
	ID        int64
	AccountID int64
	Market    string
	Side      string
	Kind      string
	TIF       string

	Price     decimal.Decimal
	StopPrice decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal

	// MaxQuote is the reservation envelope for market buy orders (§4.4):
	// the caller supplies a budget because the execution price is unknown
	// at admission time.
	MaxQuote decimal.Decimal

	Status string

	LinkKind LinkKind
	LinkID   uuid.UUID // shared by both legs of an OCO pair; zero value when LinkKind == LinkNone

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns Amount - Filled.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

func (o *Order) IsBuy() bool  { return o.Side == SideBuy }
func (o *Order) IsSell() bool { return o.Side == SideSell }

// RequiresPrice reports whether Price must be set for this order kind.
func (o *Order) RequiresPrice() bool {
	return o.Kind == OrderKindLimit || o.Kind == OrderKindStopLimit
}

// RequiresStopPrice reports whether StopPrice must be set for this order kind.
func (o *Order) RequiresStopPrice() bool {
	return o.Kind == OrderKindStop || o.Kind == OrderKindStopLimit
}

// Trade is an append-only execution record.
type Trade struct {
	ID            int64
	Market        string
	MakerOrderID  int64
	TakerOrderID  int64
	TakerSide     string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	FeeMaker      decimal.Decimal
	FeeTaker      decimal.Decimal
	CreatedAt     time.Time
}

// Transaction types.
const (
	TxTypeDeposit    = "DEPOSIT"
	TxTypeWithdrawal = "WITHDRAWAL"
	TxTypeFee        = "FEE"
)

// Transaction statuses — the deposit state machine uses Pending/Confirmed/
// Failed directly; the withdrawal state machine layers its two-eyes states
// on top (see WithdrawalStatus* below) but still persists through this type.
const (
	TxStatusPending   = "PENDING"
	TxStatusConfirmed = "CONFIRMED"
	TxStatusFailed    = "FAILED"
)

// Withdrawal-specific statuses, stored in Transaction.Status once a
// withdrawal transaction exists. They extend, rather than replace, the
// generic TxStatus* terminal states: ApprovedPendingSecond and Approved are
// the two-eyes intermediate states; Confirmed/Rejected/Failed are terminal.
const (
	WithdrawalStatusPending              = "PENDING"
	WithdrawalStatusApprovedPendingSecond = "APPROVED_PENDING_SECOND"
	WithdrawalStatusApproved             = "APPROVED"
	WithdrawalStatusConfirmed            = "CONFIRMED"
	WithdrawalStatusRejected             = "REJECTED"
	WithdrawalStatusFailed               = "FAILED"
)

// Transaction records a deposit, withdrawal, or fee movement against the
// ledger. Amount is always positive; the direction is carried by Type.
type Transaction struct {
	ID            int64
	UserID        int64
	Asset         string
	Type          string
	Status        string
	Amount        decimal.Decimal
	NetworkFee    decimal.Decimal
	Address       string
	TxHash        string // unique when present; empty for withdrawals prior to broadcast
	Confirmations int

	// Two-eyes withdrawal approval bookkeeping.
	FirstApprover  string
	SecondApprover string
	LastError      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is created once and never destroyed.
type User struct {
	ID           int64
	Email        string // case-folded, unique
	PasswordHash string
	CreatedAt    time.Time
}

// Account mirrors a User; an account may hold balances in many assets.
type Account struct {
	ID        int64
	UserID    int64
	Status    string
	KYCLevel  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Account) IsActive() bool { return a.Status == AccountStatusActive }

// Balance is keyed by (AccountID, Asset). Available and Locked are both
// always >= 0; Available+Locked is the account's net position in Asset.
type Balance struct {
	AccountID int64
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// AuditLog is an append-only record of an administrative action.
type AuditLog struct {
	ID        int64
	Actor     string
	Action    string
	EntityRef string
	Metadata  map[string]any
	CreatedAt time.Time
}
