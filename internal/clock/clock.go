// Package clock runs the periodic sweeps that move workflows along without a
// request: deposit expiry, payment reconciliation and provisioning re-checks.
package clock

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lastpush.com/internal/order"
	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/metrics"
	"lastpush.com/pkg/safe"
)

type Deposits interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

type Orders interface {
	ReconcilePending(ctx context.Context) (int, error)
}

type Provisioner interface {
	PendingOrders(ctx context.Context, limit int) ([]order.Order, error)
	Enqueue(orderID string)
}

// Elector decides which instance runs the sweeps. *xredis.RedisLockMaster
// satisfies it.
type Elector interface {
	TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Config struct {
	Tick         time.Duration `mapstructure:"tick"`
	RecheckBatch int           `mapstructure:"recheck_batch"`
	LockKey      string        `mapstructure:"lock_key"`
}

type Clock struct {
	deposits  Deposits
	orders    Orders
	provision Provisioner
	elector   Elector
	cfg       Config
	now       func() time.Time
}

type Option func(*Clock)

func WithClock(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithElector makes the sweeps run only while this instance holds the lock.
func WithElector(e Elector) Option {
	return func(c *Clock) { c.elector = e }
}

func New(d Deposits, o Orders, p Provisioner, cfg Config, opts ...Option) *Clock {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.RecheckBatch <= 0 {
		cfg.RecheckBatch = 200
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "lastpush:clock:master"
	}
	c := &Clock{deposits: d, orders: o, provision: p, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run ticks until ctx is done.
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()
	logger.Info(ctx, "workflow clock started", zap.Duration("tick", c.cfg.Tick))

	for {
		select {
		case <-ctx.Done():
			if c.elector != nil {
				relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = c.elector.Release(relCtx, c.cfg.LockKey)
				cancel()
			}
			logger.Info(ctx, "workflow clock stopped")
			return
		case <-ticker.C:
			if err := safe.Run(ctx, c.Tick); err != nil {
				logger.Error(ctx, "clock tick panicked", zap.Error(err))
			}
		}
	}
}

// Tick runs one round of sweeps. Each sweep logs and swallows its own
// failure; the next tick retries it.
func (c *Clock) Tick(ctx context.Context) error {
	if c.elector != nil {
		// the lock outlives a couple of missed ticks before another node takes over
		ok, err := c.elector.TryAcquireMaster(ctx, c.cfg.LockKey, 3*c.cfg.Tick)
		if err != nil {
			metrics.ClockTicks.WithLabelValues("error").Inc()
			logger.Warn(ctx, "clock master lock unavailable", zap.Error(err))
			return nil
		}
		if !ok {
			metrics.ClockTicks.WithLabelValues("skipped_not_master").Inc()
			return nil
		}
	}

	result := "ran"
	now := c.now().UTC()

	expired, err := c.deposits.ExpireStale(ctx, now)
	if err != nil {
		result = "error"
		logger.Error(ctx, "expire stale intents failed", zap.Error(err))
	}

	settled, err := c.orders.ReconcilePending(ctx)
	if err != nil {
		result = "error"
		logger.Error(ctx, "reconcile pending orders failed", zap.Error(err))
	}

	pending, err := c.provision.PendingOrders(ctx, c.cfg.RecheckBatch)
	if err != nil {
		result = "error"
		logger.Error(ctx, "list pending provisioning failed", zap.Error(err))
	}
	for i := range pending {
		c.provision.Enqueue(pending[i].ID)
	}

	metrics.ClockTicks.WithLabelValues(result).Inc()
	if expired+settled+len(pending) > 0 {
		logger.Debug(ctx, "clock tick",
			zap.Int("expired", expired), zap.Int("settled", settled), zap.Int("rechecked", len(pending)))
	}
	return nil
}
