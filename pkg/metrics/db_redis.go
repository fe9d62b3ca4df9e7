package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	DbPoolOpen         = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_open", Help: "Current open DB connections"})
	DbPoolIdle         = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_idle"})
	DbPoolInuse        = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_inuse"})
	DbPoolWaitCount    = promauto.NewCounter(prometheus.CounterOpts{Name: "app_db_pool_wait_count"})
	DbPoolWaitDuration = promauto.NewCounter(prometheus.CounterOpts{Name: "app_db_pool_wait_seconds"})

	RedisPoolOpen  = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_open"})
	RedisPoolIdle  = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_idle"})
	RedisPoolStale = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_stale"})
	RedisPoolHits  = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_hits"})
)

// ObserveDBStats samples pool stats every interval until ctx is done.
func ObserveDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	var lastWaitCount int64
	var lastWaitDuration time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		st := db.Stats()
		DbPoolOpen.Set(float64(st.OpenConnections))
		DbPoolIdle.Set(float64(st.Idle))
		DbPoolInuse.Set(float64(st.InUse))
		if d := st.WaitCount - lastWaitCount; d > 0 {
			DbPoolWaitCount.Add(float64(d))
			lastWaitCount = st.WaitCount
		}
		if d := st.WaitDuration - lastWaitDuration; d > 0 {
			DbPoolWaitDuration.Add(d.Seconds())
			lastWaitDuration = st.WaitDuration
		}
	}
}

// ObserveRedisStats samples redis pool stats every interval until ctx is done.
func ObserveRedisStats(ctx context.Context, rdb *redis.Client, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		st := rdb.PoolStats()
		RedisPoolOpen.Set(float64(st.TotalConns))
		RedisPoolIdle.Set(float64(st.IdleConns))
		RedisPoolStale.Set(float64(st.StaleConns))
		RedisPoolHits.Set(float64(st.Hits))
	}
}
