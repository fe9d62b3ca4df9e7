package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cache is the read-through balance cache. It is never the source of truth:
// entries are dropped after every committed posting.
type Cache interface {
	GetBalance(ctx context.Context, accountID int64) (decimal.Decimal, bool, error)
	SetBalance(ctx context.Context, accountID int64, balance decimal.Decimal, ttl time.Duration) error
	DelBalance(ctx context.Context, accountID int64) error
}

type redisCache struct {
	client *redis.Client
}

func NewRedisCache(c *redis.Client) Cache {
	return &redisCache{client: c}
}

func (r *redisCache) GetBalance(ctx context.Context, accountID int64) (decimal.Decimal, bool, error) {
	key := balanceKey(accountID)
	s, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		// drop a corrupt value so it is not served again
		_ = r.client.Del(ctx, key).Err()
		return decimal.Zero, false, err
	}
	return d, true, nil
}

func (r *redisCache) SetBalance(ctx context.Context, accountID int64, balance decimal.Decimal, ttl time.Duration) error {
	return r.client.Set(ctx, balanceKey(accountID), balance.StringFixed(Scale), withJitter(ttl, ttl/10)).Err()
}

func (r *redisCache) DelBalance(ctx context.Context, accountID int64) error {
	return r.client.Del(ctx, balanceKey(accountID)).Err()
}

func balanceKey(accountID int64) string {
	return fmt.Sprintf("ledger:bal:%d", accountID)
}

func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(int64(jitter)))
}

type nopCache struct{}

func (nopCache) GetBalance(context.Context, int64) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}
func (nopCache) SetBalance(context.Context, int64, decimal.Decimal, time.Duration) error { return nil }
func (nopCache) DelBalance(context.Context, int64) error                                 { return nil }
