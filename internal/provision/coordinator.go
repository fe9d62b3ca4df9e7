// Package provision drives paid orders through the registrar purchase and
// the DNS activation, one in-flight call per order across all instances.
package provision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"lastpush.com/internal/order"
	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/metrics"
	"lastpush.com/pkg/ratelimit"
	"lastpush.com/pkg/safe"
	"lastpush.com/pkg/trace"
	"lastpush.com/pkg/xerr"
)

// Registrar buys the domain. Errors carrying xerr.FatalProvisioning are
// final; anything else is worth retrying.
type Registrar interface {
	Purchase(ctx context.Context, domain string) error
}

// DNSProvider puts the domain on the hosting edge.
type DNSProvider interface {
	Activate(ctx context.Context, domain string) error
}

// Orders is the slice of the order engine provisioning needs.
type Orders interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
	MoveFulfillment(ctx context.Context, orderID string, from []order.FulfillmentState, to order.FulfillmentState, reason string) (bool, error)
	Fulfillable(ctx context.Context, limit int) ([]order.Order, error)
}

const (
	breakerRegistrar = "registrar"
	breakerDNS       = "dns"
)

type Config struct {
	RetryBudget int           `mapstructure:"retry_budget"`
	Lease       time.Duration `mapstructure:"lease"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

func (c *Config) defaults() {
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	// a call still running must never look lost
	if c.CallTimeout >= c.Lease {
		c.CallTimeout = c.Lease / 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
}

type Coordinator struct {
	store     *store
	orders    Orders
	registrar Registrar
	dns       DNSProvider
	breakers  *ratelimit.Manager
	sf        singleflight.Group
	cfg       Config
	now       func() time.Time

	queue   chan string
	queueMu sync.Mutex
	queued  map[string]struct{}
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(db *gorm.DB, orders Orders, r Registrar, d DNSProvider, breakers *ratelimit.Manager, cfg Config, opts ...Option) *Coordinator {
	cfg.defaults()
	if breakers == nil {
		breakers = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	c := &Coordinator{
		store:     &store{db: db},
		orders:    orders,
		registrar: r,
		dns:       d,
		breakers:  breakers,
		cfg:       cfg,
		now:       time.Now,
		queue:     make(chan string, cfg.QueueSize),
		queued:    make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// errInFlight: the step's latest attempt is still running somewhere.
var errInFlight = errors.New("provision: attempt in flight")

// Advance performs the next unfinished step of the order, if any, and
// returns the resulting status. Concurrent calls for one order share a
// single execution. A failed call is reported as RetryableProvisioning or
// FatalProvisioning with the status attached.
//
// The step runs detached from ctx: a caller that goes away stops waiting,
// but the external call and the attempt outcome are still recorded.
func (c *Coordinator) Advance(ctx context.Context, orderID string) (*Status, error) {
	work := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(orderID, func() (interface{}, error) {
		// DoChan runs this on its own goroutine, where a panic cannot be recovered by the caller
		return nil, safe.Run(work, func(ctx context.Context) error { return c.advance(ctx, orderID) })
	})
	var err error
	select {
	case <-ctx.Done():
		return nil, xerr.Wrap(ctx.Err(), xerr.RetryableProvisioning, "caller stopped waiting")
	case r := <-ch:
		err = r.Err
	}
	st, serr := c.Status(ctx, orderID)
	if serr != nil {
		return nil, serr
	}
	if err != nil {
		return st, xerr.WithState(err, *st)
	}
	return st, nil
}

func (c *Coordinator) advance(ctx context.Context, orderID string) error {
	ctx, span := trace.Start(ctx, "provision.Advance")
	defer span.End()

	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentState != order.PaymentPaid {
		return nil
	}

	// at most one external call per Advance; free transitions keep going
	called := false
	for {
		prev := o.FulfillmentState
		switch prev {
		case order.FulfillmentPurchasing:
			if called {
				return nil
			}
			called = true
			if err := c.runStep(ctx, o, StepPurchase, breakerRegistrar, c.registrar.Purchase); err != nil {
				return c.quiet(err)
			}
			if _, err := c.orders.MoveFulfillment(ctx, o.ID,
				[]order.FulfillmentState{order.FulfillmentPurchasing}, order.FulfillmentPurchased, ""); err != nil {
				return err
			}
		case order.FulfillmentPurchased:
			if _, err := c.orders.MoveFulfillment(ctx, o.ID,
				[]order.FulfillmentState{order.FulfillmentPurchased}, order.FulfillmentCloudflarePending, ""); err != nil {
				return err
			}
		case order.FulfillmentCloudflarePending:
			if called {
				return nil
			}
			called = true
			if err := c.runStep(ctx, o, StepActivate, breakerDNS, c.dns.Activate); err != nil {
				return c.quiet(err)
			}
			if _, err := c.orders.MoveFulfillment(ctx, o.ID,
				[]order.FulfillmentState{order.FulfillmentCloudflarePending}, order.FulfillmentOnline, ""); err != nil {
				return err
			}
		default:
			return nil
		}
		if o, err = c.orders.Get(ctx, orderID); err != nil {
			return err
		}
		if o.FulfillmentState == prev {
			return nil
		}
	}
}

// quiet turns "someone else is on it" into a plain no-progress answer.
func (c *Coordinator) quiet(err error) error {
	if errors.Is(err, errInFlight) {
		return nil
	}
	return err
}

// runStep makes at most one call for step, honouring the lease of an
// in-flight attempt and the retry budget. nil means the step has succeeded.
func (c *Coordinator) runStep(ctx context.Context, o *order.Order, step Step, breaker string, call func(context.Context, string) error) error {
	now := c.now().UTC()
	attempts, err := c.store.attempts(ctx, o.ID, step)
	if err != nil {
		return xerr.Wrap(err, xerr.DbError, "load attempts")
	}

	retryable := 0
	for i := range attempts {
		a := &attempts[i]
		switch a.Status {
		case AttemptSucceeded:
			// crashed between the call and the state move
			return nil
		case AttemptFatal:
			return c.failOrder(ctx, o, step, a.Error)
		case AttemptInFlight:
			if now.Sub(a.StartedAt) < c.cfg.Lease {
				return errInFlight
			}
			rows, err := c.store.finish(ctx, a.ID, AttemptRetryable, "lease expired", now)
			if err != nil {
				return xerr.Wrap(err, xerr.DbError, "expire attempt lease")
			}
			if rows == 1 {
				metrics.ProvisionAttempts.WithLabelValues(string(step), "lost").Inc()
				logger.Warn(ctx, "provision attempt lease expired",
					zap.String("order_id", o.ID), zap.String("step", string(step)), zap.Int("attempt", a.Attempt))
			}
			retryable++
		case AttemptRetryable:
			retryable++
		}
	}
	if retryable >= c.cfg.RetryBudget {
		return c.failOrder(ctx, o, step, "retry budget exhausted")
	}

	cb := c.breakers.Get(breaker)
	if cb.State() == gobreaker.StateOpen {
		return xerr.New(xerr.RetryableProvisioning, breaker+" unavailable")
	}

	a := &Attempt{
		OrderID:   o.ID,
		Step:      step,
		Attempt:   len(attempts) + 1,
		Status:    AttemptInFlight,
		StartedAt: now,
	}
	if err := c.store.insert(ctx, a); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errInFlight
		}
		return xerr.Wrap(err, xerr.DbError, "start attempt")
	}

	start := time.Now()
	callErr := c.breakers.Execute(breaker, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return call(callCtx, o.Domain)
	})
	metrics.ProvisionCallDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())

	if ratelimit.IsRejected(callErr) {
		// the call never happened; it does not count against the budget
		if err := c.store.remove(ctx, a.ID); err != nil {
			return xerr.Wrap(err, xerr.DbError, "drop rejected attempt")
		}
		return xerr.Wrap(callErr, xerr.RetryableProvisioning, breaker+" unavailable")
	}

	status, outcome := AttemptSucceeded, "succeeded"
	msg := ""
	switch {
	case callErr == nil:
	case xerr.CodeOf(callErr) == xerr.FatalProvisioning:
		status, outcome, msg = AttemptFatal, "fatal", callErr.Error()
	default:
		status, outcome, msg = AttemptRetryable, "retryable", callErr.Error()
	}
	if _, err := c.store.finish(ctx, a.ID, status, msg, c.now().UTC()); err != nil {
		return xerr.Wrap(err, xerr.DbError, "finish attempt")
	}
	metrics.ProvisionAttempts.WithLabelValues(string(step), outcome).Inc()
	logger.Info(ctx, "provision attempt finished",
		zap.String("order_id", o.ID),
		zap.String("step", string(step)),
		zap.Int("attempt", a.Attempt),
		zap.String("status", string(status)),
		zap.String("error", msg))

	switch status {
	case AttemptFatal:
		return c.failOrder(ctx, o, step, msg)
	case AttemptRetryable:
		if retryable+1 >= c.cfg.RetryBudget {
			return c.failOrder(ctx, o, step, "retry budget exhausted: "+msg)
		}
		return xerr.Wrap(callErr, xerr.RetryableProvisioning, string(step)+" failed")
	}
	return nil
}

func (c *Coordinator) failOrder(ctx context.Context, o *order.Order, step Step, reason string) error {
	reason = string(step) + ": " + reason
	moved, err := c.orders.MoveFulfillment(ctx, o.ID, order.InFlightFulfillment, order.FulfillmentFailed, reason)
	if err != nil {
		return err
	}
	if moved {
		logger.Error(ctx, "provisioning failed", zap.String("order_id", o.ID), zap.String("reason", reason))
	}
	return xerr.New(xerr.FatalProvisioning, reason)
}

// Status is a read-only snapshot of the order and its attempts.
func (c *Coordinator) Status(ctx context.Context, orderID string) (*Status, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	attempts, err := c.store.attempts(ctx, orderID, "")
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load attempts")
	}
	return &Status{Order: *o, Attempts: attempts}, nil
}

// PendingOrders lists paid orders whose provisioning is unfinished.
func (c *Coordinator) PendingOrders(ctx context.Context, limit int) ([]order.Order, error) {
	return c.orders.Fulfillable(ctx, limit)
}
