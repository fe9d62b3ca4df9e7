package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renew extends the key only while we still own it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// release deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockMaster elects one node among many for singleton background work.
type RedisLockMaster struct {
	rdb *redis.Client
	id  string
}

func NewRedisLockMaster(rdb *redis.Client) *RedisLockMaster {
	return &RedisLockMaster{
		rdb: rdb,
		id:  fmt.Sprintf("%s-%d", uuid.NewString(), time.Now().UnixNano()),
	}
}

// ID is this node's owner token.
func (r *RedisLockMaster) ID() string { return r.id }

// TryAcquireMaster takes the lock or renews it when already held by this node.
func (r *RedisLockMaster) TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, r.id, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, r.rdb, []string{key}, r.id, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return renewed == 1, nil
}

// Release gives the lock up if this node holds it.
func (r *RedisLockMaster) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, r.rdb, []string{key}, r.id).Err()
}
