// Package order owns domain-purchase orders: how they are paid and when they
// are handed to provisioning.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"lastpush.com/internal/deposit"
	"lastpush.com/internal/ledger"
	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/metrics"
	"lastpush.com/pkg/xerr"
	"lastpush.com/pkg/xsync"
)

// Ledger is the part of the ledger orders are debited through.
type Ledger interface {
	Post(ctx context.Context, p ledger.Posting, hook ledger.Hook) (ledger.Result, error)
}

// Deposits reads deposit intents.
type Deposits interface {
	Get(ctx context.Context, intentID string) (*deposit.Intent, error)
}

// Provisioner receives paid orders.
type Provisioner interface {
	Enqueue(orderID string)
}

type Config struct {
	ReconcileBatch int `mapstructure:"reconcile_batch"`
	MaxYears       int `mapstructure:"max_years"`
}

type Engine struct {
	db          *gorm.DB
	store       *store
	ledger      Ledger
	deposits    Deposits
	provisioner Provisioner
	locks       *xsync.KeyedMutex[string]
	batch       int
	maxYears    int
	now         func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(db *gorm.DB, l Ledger, d Deposits, c Config, opts ...Option) *Engine {
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = 200
	}
	if c.MaxYears <= 0 {
		c.MaxYears = 10
	}
	e := &Engine{
		db:       db,
		store:    &store{db: db},
		ledger:   l,
		deposits: d,
		locks:    xsync.NewKeyedMutex[string](),
		batch:    c.ReconcileBatch,
		maxYears: c.MaxYears,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetProvisioner connects the provisioning queue. Orders paid before it is
// set are picked up by the clock's re-check.
func (e *Engine) SetProvisioner(p Provisioner) { e.provisioner = p }

type createOptions struct {
	typ   Type
	years int
}

type CreateOption func(*createOptions)

func WithType(t Type) CreateOption { return func(o *createOptions) { o.typ = t } }

func WithYears(n int) CreateOption { return func(o *createOptions) { o.years = n } }

// CreateOrder records a purchase request. Nothing is charged yet.
func (e *Engine) CreateOrder(ctx context.Context, accountID int64, domain string, amount decimal.Decimal, opts ...CreateOption) (*Order, error) {
	co := createOptions{typ: TypeRegister, years: 1}
	for _, o := range opts {
		o(&co)
	}
	if accountID <= 0 {
		return nil, xerr.New(xerr.RequestParamsError, "account id is required")
	}
	if !co.typ.Valid() {
		return nil, xerr.New(xerr.RequestParamsError, "unknown order type "+string(co.typ))
	}
	if co.years < 1 || co.years > e.maxYears {
		return nil, xerr.New(xerr.RequestParamsError, "years out of range")
	}
	name, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	o := &Order{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Type:         co.typ,
		Domain:       name,
		Years:        co.years,
		Amount:       amount,
		PaymentState: PaymentCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.create(ctx, o); err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "create order")
	}
	metrics.OrderTransitions.WithLabelValues("payment", string(PaymentCreated)).Inc()
	logger.Info(ctx, "order created",
		zap.String("order_id", o.ID),
		zap.Int64("account_id", accountID),
		zap.String("domain", name),
		zap.String("type", string(co.typ)),
		zap.String("amount", amount.StringFixed(ledger.Scale)))
	return o, nil
}

var errTransitionLost = errors.New("order: state changed concurrently")

// PayWithBalance debits the order amount and marks the order PAID in one
// transaction. Calling it on an order that already left CREATED returns the
// order unchanged.
func (e *Engine) PayWithBalance(ctx context.Context, orderID string) (*Order, error) {
	unlock := e.locks.Lock(orderID)
	defer unlock()

	o, err := e.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentState != PaymentCreated {
		return o, nil
	}

	err = e.debitAndPay(ctx, o, PaymentCreated)
	if errors.Is(err, xerr.ErrInsufficientFunds) {
		logger.Info(ctx, "balance payment refused", zap.String("order_id", o.ID), zap.Error(err))
		return nil, xerr.WithState(err, *o)
	}
	if err != nil && !errors.Is(err, errTransitionLost) {
		return nil, err
	}
	return e.Get(ctx, orderID)
}

// debitAndPay moves o from `from` to PAID together with the ledger debit and
// hands it to provisioning once committed.
func (e *Engine) debitAndPay(ctx context.Context, o *Order, from PaymentState) error {
	now := e.now().UTC()
	_, err := e.ledger.Post(ctx, ledger.Posting{
		AccountID:   o.AccountID,
		Kind:        ledger.KindOrderDebit,
		Amount:      o.Amount,
		ReferenceID: o.ID,
	}, func(txCtx context.Context, _ ledger.Result) error {
		rows, err := e.store.transitionPayment(txCtx, o.ID, from, map[string]interface{}{
			"payment_state":     PaymentPaid,
			"fulfillment_state": FulfillmentPurchasing,
			"paid_at":           now,
		})
		if err != nil {
			return xerr.Wrap(err, xerr.DbError, "mark order paid")
		}
		if rows == 0 {
			return errTransitionLost
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.OrderTransitions.WithLabelValues("payment", string(PaymentPaid)).Inc()
	metrics.OrderTransitions.WithLabelValues("fulfillment", string(FulfillmentPurchasing)).Inc()
	logger.Info(ctx, "order paid", zap.String("order_id", o.ID), zap.String("from", string(from)))
	e.enqueue(o.ID)
	return nil
}

func (e *Engine) enqueue(orderID string) {
	if e.provisioner != nil {
		e.provisioner.Enqueue(orderID)
	}
}

// PayWithDeposit links a deposit intent to the order and waits for it. An
// intent that is already confirmed settles the order right away.
func (e *Engine) PayWithDeposit(ctx context.Context, orderID, intentID string) (*Order, error) {
	unlock := e.locks.Lock(orderID)
	defer unlock()

	o, err := e.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// only one payment path wins; later calls see where the order is
	if o.PaymentState != PaymentCreated {
		return o, nil
	}

	in, err := e.deposits.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if in.AccountID != o.AccountID {
		return nil, xerr.WithState(xerr.New(xerr.RequestParamsError, "deposit intent belongs to another account"), *o)
	}
	if in.State == deposit.StateExpired || in.State == deposit.StateFailed {
		return nil, xerr.WithState(xerr.New(xerr.InvalidState, "deposit intent is "+string(in.State)), *o)
	}
	if in.Amount.LessThan(o.Amount) {
		return nil, xerr.WithState(xerr.New(xerr.InvalidAmount, "deposit does not cover the order amount"), *o)
	}

	rows, err := e.store.transitionPayment(ctx, o.ID, PaymentCreated, map[string]interface{}{
		"payment_state":     PaymentPending,
		"deposit_intent_id": intentID,
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, xerr.WithState(xerr.New(xerr.InvalidState, "deposit intent already pays another order"), *o)
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "link deposit intent")
	}
	if rows == 1 {
		metrics.OrderTransitions.WithLabelValues("payment", string(PaymentPending)).Inc()
		logger.Info(ctx, "order waiting for deposit", zap.String("order_id", o.ID), zap.String("intent_id", intentID))
	}

	// the intent may have settled while we were linking; its notification
	// found no order then
	if in, err = e.deposits.Get(ctx, intentID); err != nil {
		return nil, err
	}
	if in.State.Terminal() {
		if o, err = e.Get(ctx, orderID); err != nil {
			return nil, err
		}
		return e.settleLocked(ctx, o, in)
	}
	return e.Get(ctx, orderID)
}

// OnIntentSettled is the deposit tracker's listener.
func (e *Engine) OnIntentSettled(ctx context.Context, in deposit.Intent) {
	o, err := e.store.findByIntent(ctx, in.ID)
	if err != nil {
		logger.Error(ctx, "lookup order for settled intent failed", zap.String("intent_id", in.ID), zap.Error(err))
		return
	}
	if o == nil {
		return
	}
	if _, err := e.settle(ctx, o.ID, &in); err != nil {
		// the clock's reconciliation retries
		logger.Error(ctx, "settle order failed", zap.String("order_id", o.ID), zap.String("intent_id", in.ID), zap.Error(err))
	}
}

func (e *Engine) settle(ctx context.Context, orderID string, in *deposit.Intent) (*Order, error) {
	unlock := e.locks.Lock(orderID)
	defer unlock()
	o, err := e.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return e.settleLocked(ctx, o, in)
}

// settleLocked applies a terminal intent to a PENDING_PAYMENT order. Every
// branch is a conditional update, so a repeated call changes nothing.
func (e *Engine) settleLocked(ctx context.Context, o *Order, in *deposit.Intent) (*Order, error) {
	if o.PaymentState != PaymentPending {
		return o, nil
	}
	switch in.State {
	case deposit.StateConfirmed:
		err := e.debitAndPay(ctx, o, PaymentPending)
		if errors.Is(err, xerr.ErrInsufficientFunds) {
			// the deposit was credited but spent elsewhere in the meantime;
			// the funds stay on the balance
			if err := e.fail(ctx, o.ID, "insufficient funds after deposit"); err != nil {
				return nil, err
			}
			break
		}
		if err != nil && !errors.Is(err, errTransitionLost) {
			return nil, err
		}
	case deposit.StateExpired, deposit.StateFailed:
		if err := e.fail(ctx, o.ID, "deposit "+string(in.State)); err != nil {
			return nil, err
		}
	}
	return e.Get(ctx, o.ID)
}

func (e *Engine) fail(ctx context.Context, orderID, reason string) error {
	rows, err := e.store.transitionPayment(ctx, orderID, PaymentPending, map[string]interface{}{
		"payment_state": PaymentFailed,
		"fail_reason":   reason,
	})
	if err != nil {
		return xerr.Wrap(err, xerr.DbError, "fail order")
	}
	if rows == 1 {
		metrics.OrderTransitions.WithLabelValues("payment", string(PaymentFailed)).Inc()
		logger.Warn(ctx, "order payment failed", zap.String("order_id", orderID), zap.String("reason", reason))
	}
	return nil
}

// ReconcilePending settles PENDING_PAYMENT orders whose intent reached a
// terminal state without the order hearing about it. Returns how many moved.
func (e *Engine) ReconcilePending(ctx context.Context) (int, error) {
	rows, err := e.store.listSettleable(ctx, e.batch)
	if err != nil {
		return 0, xerr.Wrap(err, xerr.DbError, "list pending orders")
	}
	settled := 0
	for i := range rows {
		in, err := e.deposits.Get(ctx, *rows[i].DepositIntentID)
		if err != nil {
			logger.Error(ctx, "reconcile: load intent failed", zap.String("order_id", rows[i].ID), zap.Error(err))
			continue
		}
		if !in.State.Terminal() {
			continue
		}
		o, err := e.settle(ctx, rows[i].ID, in)
		if err != nil {
			logger.Error(ctx, "reconcile: settle failed", zap.String("order_id", rows[i].ID), zap.Error(err))
			continue
		}
		if o.PaymentState != PaymentPending {
			settled++
		}
	}
	return settled, nil
}

// Refresh settles one PENDING_PAYMENT order whose intent already reached a
// terminal state, so a polling client does not wait for the clock.
func (e *Engine) Refresh(ctx context.Context, orderID string) (*Order, error) {
	o, err := e.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentState != PaymentPending || o.DepositIntentID == nil {
		return o, nil
	}
	in, err := e.deposits.Get(ctx, *o.DepositIntentID)
	if err != nil {
		return nil, err
	}
	if !in.State.Terminal() {
		return o, nil
	}
	return e.settle(ctx, orderID, in)
}

func (e *Engine) Get(ctx context.Context, orderID string) (*Order, error) {
	o, err := e.store.get(ctx, orderID)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "get order")
	}
	if o == nil {
		return nil, xerr.New(xerr.RecordNotFound, "order not found")
	}
	return o, nil
}

// List returns the account's orders, newest first.
func (e *Engine) List(ctx context.Context, accountID int64, page, limit int) ([]Order, int64, error) {
	rows, total, err := e.store.list(ctx, accountID, page, limit)
	if err != nil {
		return nil, 0, xerr.Wrap(err, xerr.DbError, "list orders")
	}
	return rows, total, nil
}

// MoveFulfillment is the provisioning side's conditional update of the
// fulfillment state. It reports whether this call made the move.
func (e *Engine) MoveFulfillment(ctx context.Context, orderID string, from []FulfillmentState, to FulfillmentState, reason string) (bool, error) {
	fields := map[string]interface{}{"fulfillment_state": to}
	if reason != "" {
		if len(reason) > 255 {
			reason = reason[:255]
		}
		fields["fail_reason"] = reason
	}
	rows, err := e.store.transitionFulfillment(ctx, orderID, from, fields)
	if err != nil {
		return false, xerr.Wrap(err, xerr.DbError, "move fulfillment state")
	}
	if rows == 1 {
		metrics.OrderTransitions.WithLabelValues("fulfillment", string(to)).Inc()
		logger.Info(ctx, "order fulfillment moved", zap.String("order_id", orderID), zap.String("to", string(to)))
	}
	return rows == 1, nil
}

// Fulfillable lists paid orders whose provisioning has not finished.
func (e *Engine) Fulfillable(ctx context.Context, limit int) ([]Order, error) {
	rows, err := e.store.listFulfillable(ctx, limit)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list fulfillable orders")
	}
	return rows, nil
}
