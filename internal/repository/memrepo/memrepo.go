// Package memrepo is an in-memory repository.Repository, used by tests and
// by the in-memory-only deployment mode. It serializes every transaction
// behind a single mutex to give the same effectively-serializable isolation
// the GORM/Postgres implementation gets from the database, without
// attempting any finer-grained locking — the teacher's own in-memory test
// doubles (e.g. bookkeeper's service_concurrency_test.go harness) take the
// same shortcut.
package memrepo

import (
	"context"
	"sync"

	"github.com/orbitcex/core/internal/repository"
	"github.com/orbitcex/core/internal/model"
)

// Store is the in-memory backing state, shared by every Repository view
// handed out from the same Store (including the one passed into a
// transaction's callback).
type Store struct {
	mu sync.Mutex

	accounts     map[int64]model.Account
	balances     map[balanceKey]model.Balance
	orders       map[int64]model.Order
	trades       []model.Trade
	transactions map[int64]model.Transaction
	auditLogs    []model.AuditLog
}

type balanceKey struct {
	accountID int64
	asset     string
}

// storeSnapshot is a shallow copy of every map/slice in Store, sufficient
// to restore on a rolled-back transaction since every entry is a value
// type (copied on map/slice assignment) rather than a pointer.
type storeSnapshot struct {
	accounts     map[int64]model.Account
	balances     map[balanceKey]model.Balance
	orders       map[int64]model.Order
	trades       []model.Trade
	transactions map[int64]model.Transaction
	auditLogs    []model.AuditLog
}

func (s *Store) snapshot() storeSnapshot {
	snap := storeSnapshot{
		accounts:     make(map[int64]model.Account, len(s.accounts)),
		balances:     make(map[balanceKey]model.Balance, len(s.balances)),
		orders:       make(map[int64]model.Order, len(s.orders)),
		transactions: make(map[int64]model.Transaction, len(s.transactions)),
	}
	for k, v := range s.accounts {
		snap.accounts[k] = v
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	for k, v := range s.orders {
		snap.orders[k] = v
	}
	for k, v := range s.transactions {
		snap.transactions[k] = v
	}
	snap.trades = append([]model.Trade(nil), s.trades...)
	snap.auditLogs = append([]model.AuditLog(nil), s.auditLogs...)
	return snap
}

func (s *Store) restore(snap storeSnapshot) {
	s.accounts = snap.accounts
	s.balances = snap.balances
	s.orders = snap.orders
	s.trades = snap.trades
	s.transactions = snap.transactions
	s.auditLogs = snap.auditLogs
}

func NewStore() *Store {
	return &Store{
		accounts:     make(map[int64]model.Account),
		balances:     make(map[balanceKey]model.Balance),
		orders:       make(map[int64]model.Order),
		transactions: make(map[int64]model.Transaction),
	}
}

// repo is the Repository view into a Store. When locked is true, each call
// takes and releases the store's mutex itself; when false, the caller
// (WithinTx) already holds it for the transaction's whole duration.
type repo struct {
	store  *Store
	locked bool
}

// NewRepository returns a Repository view of store that is NOT itself
// transactional: each call takes and releases the store's mutex. Use
// WithinTx for compound atomic operations.
func NewRepository(store *Store) repository.Repository {
	return &repo{store: store, locked: true}
}

// NewUnitOfWork returns a UnitOfWork bound to store.
func NewUnitOfWork(store *Store) repository.UnitOfWork {
	return &uow{store: store}
}

type uow struct{ store *Store }

// WithinTx snapshots the store before running fn and restores it verbatim
// if fn returns an error, so a compound posting (e.g. Ledger.SettleTrade)
// gets the same all-or-nothing guarantee here that the GORM implementation
// gets for free from a database transaction rollback.
func (u *uow) WithinTx(ctx context.Context, fn func(ctx context.Context, r repository.Repository) error) error {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	snapshot := u.store.snapshot()
	if err := fn(ctx, &repo{store: u.store, locked: false}); err != nil {
		u.store.restore(snapshot)
		return err
	}
	return nil
}

func (r *repo) CreateAccount(ctx context.Context, a *model.Account) error {
	return r.withLock(func() error {
		r.store.accounts[a.ID] = *a
		return nil
	})
}

func (r *repo) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	var out model.Account
	err := r.withLock(func() error {
		a, ok := r.store.accounts[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = a
		return nil
	})
	return &out, err
}

func (r *repo) GetAccountByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	var found *model.Account
	err := r.withLock(func() error {
		for _, a := range r.store.accounts {
			if a.UserID == userID {
				a := a
				found = &a
				return nil
			}
		}
		return repository.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (r *repo) SaveAccount(ctx context.Context, a *model.Account) error {
	return r.withLock(func() error {
		r.store.accounts[a.ID] = *a
		return nil
	})
}

func (r *repo) GetBalance(ctx context.Context, accountID int64, asset string) (*model.Balance, error) {
	var out model.Balance
	err := r.withLock(func() error {
		b, ok := r.store.balances[balanceKey{accountID, asset}]
		if !ok {
			out = model.Balance{AccountID: accountID, Asset: asset}
			return nil
		}
		out = b
		return nil
	})
	return &out, err
}

func (r *repo) SaveBalance(ctx context.Context, b *model.Balance) error {
	return r.withLock(func() error {
		r.store.balances[balanceKey{b.AccountID, b.Asset}] = *b
		return nil
	})
}

func (r *repo) CreateOrder(ctx context.Context, o *model.Order) error {
	return r.withLock(func() error {
		r.store.orders[o.ID] = *o
		return nil
	})
}

func (r *repo) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	var out model.Order
	err := r.withLock(func() error {
		o, ok := r.store.orders[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = o
		return nil
	})
	return &out, err
}

func (r *repo) SaveOrder(ctx context.Context, o *model.Order) error {
	return r.withLock(func() error {
		r.store.orders[o.ID] = *o
		return nil
	})
}

func (r *repo) ListOpenOrders(ctx context.Context, market string) ([]*model.Order, error) {
	var out []*model.Order
	err := r.withLock(func() error {
		for _, o := range r.store.orders {
			o := o
			if o.Market == market && !model.IsTerminal(o.Status) {
				out = append(out, &o)
			}
		}
		return nil
	})
	return out, err
}

func (r *repo) CreateTrade(ctx context.Context, t *model.Trade) error {
	return r.withLock(func() error {
		r.store.trades = append(r.store.trades, *t)
		return nil
	})
}

func (r *repo) ListTradesByOrder(ctx context.Context, orderID int64) ([]*model.Trade, error) {
	var out []*model.Trade
	err := r.withLock(func() error {
		for _, t := range r.store.trades {
			t := t
			if t.MakerOrderID == orderID || t.TakerOrderID == orderID {
				out = append(out, &t)
			}
		}
		return nil
	})
	return out, err
}

func (r *repo) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	return r.withLock(func() error {
		r.store.transactions[t.ID] = *t
		return nil
	})
}

func (r *repo) GetTransaction(ctx context.Context, id int64) (*model.Transaction, error) {
	var out model.Transaction
	err := r.withLock(func() error {
		t, ok := r.store.transactions[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = t
		return nil
	})
	return &out, err
}

func (r *repo) SaveTransaction(ctx context.Context, t *model.Transaction) error {
	return r.withLock(func() error {
		r.store.transactions[t.ID] = *t
		return nil
	})
}

func (r *repo) FindTransactionByTxHash(ctx context.Context, asset, txHash string) (*model.Transaction, error) {
	var found *model.Transaction
	err := r.withLock(func() error {
		for _, t := range r.store.transactions {
			if t.Asset == asset && t.TxHash == txHash && t.TxHash != "" {
				t := t
				found = &t
				return nil
			}
		}
		return repository.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (r *repo) ListTransactionsByStatus(ctx context.Context, status string) ([]*model.Transaction, error) {
	var out []*model.Transaction
	err := r.withLock(func() error {
		for _, t := range r.store.transactions {
			t := t
			if t.Status == status {
				out = append(out, &t)
			}
		}
		return nil
	})
	return out, err
}

func (r *repo) CreateAuditLog(ctx context.Context, a *model.AuditLog) error {
	return r.withLock(func() error {
		r.store.auditLogs = append(r.store.auditLogs, *a)
		return nil
	})
}

// withLock guards direct (non-transactional) repo calls with the store's
// mutex. A repo handed out from inside WithinTx already has the mutex held
// for the transaction's duration and runs unlocked.
func (r *repo) withLock(fn func() error) error {
	if r.locked {
		r.store.mu.Lock()
		defer r.store.mu.Unlock()
	}
	return fn()
}
