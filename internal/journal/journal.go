// Package journal is the append-only recovery log the matching engine
// writes committed trades to, one BadgerDB instance per market so that a
// single market's journal can be compacted or replayed independently of
// the rest. Grounded on the teacher's internal/trading/orderqueue.
// BadgerQueue (badger.Open with Logger disabled, key-prefix iteration for
// replay), generalized from an order queue to a generic append log: the
// matching engine only ever appends and, on startup, replays — it never
// dequeues or acknowledges individual entries.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Registry lazily opens one BadgerDB per market under a common root
// directory and satisfies matching.Journal.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu  sync.Mutex
	dbs map[string]*marketDB
}

type marketDB struct {
	db  *badger.DB
	seq uint64 // last sequence written; the whole key of each entry, seeded from disk on open
}

// New constructs a Registry rooted at dir. Directories are created lazily
// per market on first Append.
func New(dir string, logger *zap.Logger) *Registry {
	return &Registry{dir: dir, logger: logger.Named("journal"), dbs: make(map[string]*marketDB)}
}

// Append writes one journal entry for market, keyed by a monotonically
// increasing sequence so ReplayMarket returns entries in write order.
func (r *Registry) Append(ctx context.Context, market string, payload any) error {
	mdb, err := r.open(market)
	if err != nil {
		return fmt.Errorf("journal: opening market %s: %w", market, err)
	}
	val, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("journal: marshaling entry for %s: %w", market, err)
	}
	seq := atomic.AddUint64(&mdb.seq, 1)
	key := formatKey(seq)
	return mdb.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// ReplayMarket returns every journaled entry for market in write order, for
// recovery on startup before the engine begins accepting new commands.
func (r *Registry) ReplayMarket(ctx context.Context, market string) ([]json.RawMessage, error) {
	mdb, err := r.open(market)
	if err != nil {
		return nil, fmt.Errorf("journal: opening market %s: %w", market, err)
	}
	entries := make([]json.RawMessage, 0)
	err = mdb.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var raw json.RawMessage
			if err := item.Value(func(v []byte) error {
				raw = append(json.RawMessage{}, v...)
				return nil
			}); err != nil {
				return err
			}
			entries = append(entries, raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes every opened market database.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for market, mdb := range r.dbs {
		if err := mdb.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("journal: closing market %s: %w", market, err)
		}
	}
	r.dbs = make(map[string]*marketDB)
	return firstErr
}

func (r *Registry) open(market string) (*marketDB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mdb, ok := r.dbs[market]; ok {
		return mdb, nil
	}
	opts := badger.DefaultOptions(filepath.Join(r.dir, market))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	mdb := &marketDB{db: db}
	// Resume after the last key on disk so reopening never overwrites entries.
	err = db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Reverse, iopts.PrefetchValues = true, false
		it := txn.NewIterator(iopts)
		defer it.Close()
		var scanErr error
		if it.Rewind(); it.Valid() {
			_, scanErr = fmt.Sscanf(string(it.Item().Key()), "%d", &mdb.seq)
		}
		return scanErr
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	r.dbs[market] = mdb
	r.logger.Info("opened market journal", zap.String("market", market))
	return mdb, nil
}

// key format: zero-padded sequence, sorts lexically in write order.
func formatKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
