package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrCacheMiss indicates the key was not present.
var ErrCacheMiss = errors.New("ledger: cache miss")

// BalanceCache is a read-through Redis cache of GetBalance results,
// grounded on the teacher's internal/wallet/cache.RedisWalletCache
// (same Get/Set/Invalidate-by-key shape over a redis.Cmdable).
type BalanceCache struct {
	client redis.Cmdable
	logger *zap.Logger
	prefix string
	ttl    time.Duration
}

func NewBalanceCache(client redis.Cmdable, logger *zap.Logger, prefix string, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &BalanceCache{client: client, logger: logger.Named("ledger.cache"), prefix: prefix, ttl: ttl}
}

type cachedBalance struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

func (c *BalanceCache) key(accountID int64, asset string) string {
	return fmt.Sprintf("%s:balance:%d:%s", c.prefix, accountID, asset)
}

// Get returns the cached available/locked pair, or ErrCacheMiss.
func (c *BalanceCache) Get(ctx context.Context, accountID int64, asset string) (available, locked decimal.Decimal, err error) {
	raw, err := c.client.Get(ctx, c.key(accountID, asset)).Result()
	if err != nil {
		if err == redis.Nil {
			return decimal.Zero, decimal.Zero, ErrCacheMiss
		}
		c.logger.Warn("cache get failed", zap.Error(err))
		return decimal.Zero, decimal.Zero, err
	}
	var cb cachedBalance
	if err := json.Unmarshal([]byte(raw), &cb); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	available, err = decimal.NewFromString(cb.Available)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	locked, err = decimal.NewFromString(cb.Locked)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return available, locked, nil
}

// Set stores the current available/locked pair with the cache's TTL.
func (c *BalanceCache) Set(ctx context.Context, accountID int64, asset string, available, locked decimal.Decimal) {
	body, err := json.Marshal(cachedBalance{Available: available.String(), Locked: locked.String()})
	if err != nil {
		c.logger.Warn("cache marshal failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(accountID, asset), body, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.Error(err))
	}
}

// Invalidate drops the cached entry; called after every posting that
// touches (accountID, asset) so a stale read can never outlive a write by
// more than the eventual Get failing and falling through to the repository.
func (c *BalanceCache) Invalidate(ctx context.Context, accountID int64, asset string) {
	if err := c.client.Del(ctx, c.key(accountID, asset)).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", zap.Error(err))
	}
}

// depositDedupKey namespaces the idempotency-dedup set separately from
// balance entries so TTL policy can differ (dedup entries should outlive
// any balance cache entry by a wide margin).
func (c *BalanceCache) depositDedupKey(asset, txHash string) string {
	return fmt.Sprintf("%s:deposit_seen:%s:%s", c.prefix, asset, txHash)
}

// MarkDepositSeen records txHash as processed for asset, returning true if
// it was already marked (i.e. this delivery is a duplicate). Grounded on
// the teacher's SETNX-style dedup pattern for exactly-once deposit
// crediting under at-least-once delivery from the blockchain watcher.
func (c *BalanceCache) MarkDepositSeen(ctx context.Context, asset, txHash string, ttl time.Duration) (alreadySeen bool, err error) {
	ok, err := c.client.SetNX(ctx, c.depositDedupKey(asset, txHash), "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
