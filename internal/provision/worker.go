package provision

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"lastpush.com/internal/order"
	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/metrics"
	"lastpush.com/pkg/safe"
	"lastpush.com/pkg/xerr"
)

// Enqueue schedules the order for provisioning. An order already waiting is
// not queued twice; a full queue drops the request and the clock's re-check
// brings the order back.
func (c *Coordinator) Enqueue(orderID string) {
	c.queueMu.Lock()
	if _, ok := c.queued[orderID]; ok {
		c.queueMu.Unlock()
		return
	}
	c.queued[orderID] = struct{}{}
	c.queueMu.Unlock()

	select {
	case c.queue <- orderID:
		metrics.ProvisionQueueDepth.Inc()
	default:
		c.dequeued(orderID)
		logger.Warn(context.Background(), "provision queue full, order left for the re-check", zap.String("order_id", orderID))
	}
}

func (c *Coordinator) dequeued(orderID string) {
	c.queueMu.Lock()
	delete(c.queued, orderID)
	c.queueMu.Unlock()
}

// Run starts the workers and blocks until ctx is done and they have exited.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		safe.GoCtx(ctx, func(ctx context.Context) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-c.queue:
					metrics.ProvisionQueueDepth.Dec()
					c.dequeued(id)
					if err := safe.Run(ctx, func(ctx context.Context) error { return c.drive(ctx, id) }); err != nil {
						logger.Error(ctx, "provision worker failed", zap.String("order_id", id), zap.Error(err))
					}
				}
			}
		})
	}
	wg.Wait()
}

// drive advances the order until it is done, blocked by another instance, or
// out of retries, sleeping with backoff between retryable failures.
func (c *Coordinator) drive(ctx context.Context, orderID string) error {
	failures := 0
	for {
		before, err := c.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		st, err := c.Advance(ctx, orderID)
		if st == nil {
			if ctx.Err() != nil {
				// shutting down; the detached step still finishes
				return nil
			}
			return err
		}
		after := st.Order.FulfillmentState
		switch {
		case after.Terminal() || st.Order.PaymentState != order.PaymentPaid:
			return nil
		case xerr.CodeOf(err) == xerr.RetryableProvisioning:
			failures++
			if failures > 2*c.cfg.RetryBudget {
				// breaker kept us out; the clock brings the order back
				return nil
			}
			d := backoff(failures, c.cfg.BackoffBase, c.cfg.BackoffMax)
			logger.Info(ctx, "provision step will be retried",
				zap.String("order_id", orderID), zap.Duration("in", d), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d):
			}
		case err != nil:
			return err
		case after == before.FulfillmentState:
			// in flight elsewhere
			return nil
		default:
			failures = 0
		}
	}
}
