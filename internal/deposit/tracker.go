// Package deposit tracks crypto top-ups from the moment a user asks for a
// deposit address until the chain watcher reports a verdict.
package deposit

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"lastpush.com/internal/ledger"
	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/metrics"
	"lastpush.com/pkg/orm"
	"lastpush.com/pkg/safe"
	"lastpush.com/pkg/xerr"
	"lastpush.com/pkg/xsync"
)

type Config struct {
	IntentTTL   time.Duration       `mapstructure:"intent_ttl"`
	ExpireBatch int                 `mapstructure:"expire_batch"`
	Supported   map[string][]string `mapstructure:"supported"`
}

// Deriver hands out the deposit address for an HD index.
type Deriver interface {
	DeriveAddress(index uint32) (string, error)
}

// Ledger is the part of the ledger the tracker credits through.
type Ledger interface {
	Post(ctx context.Context, p ledger.Posting, hook ledger.Hook) (ledger.Result, error)
}

// Listener is told about every committed terminal transition.
type Listener func(ctx context.Context, in Intent)

type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	db      *gorm.DB
	store   *store
	ledger  Ledger
	deriver Deriver
	matrix  atomic.Pointer[Matrix]
	ttl     time.Duration
	batch   int
	now     func() time.Time
	locks   *xsync.KeyedMutex[int64]

	mu        sync.RWMutex
	listeners []Listener
}

func New(db *gorm.DB, l Ledger, d Deriver, c Config, opts ...Option) *Tracker {
	if c.IntentTTL <= 0 {
		c.IntentTTL = 30 * time.Minute
	}
	if c.ExpireBatch <= 0 {
		c.ExpireBatch = 200
	}
	if len(c.Supported) == 0 {
		c.Supported = DefaultSupported
	}
	t := &Tracker{
		db:      db,
		store:   &store{db: db},
		ledger:  l,
		deriver: d,
		ttl:     c.IntentTTL,
		batch:   c.ExpireBatch,
		now:     time.Now,
		locks:   xsync.NewKeyedMutex[int64](),
	}
	t.matrix.Store(NewMatrix(c.Supported))
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetSupported swaps the supported matrix; safe to call on config reload.
func (t *Tracker) SetSupported(supported map[string][]string) {
	if len(supported) == 0 {
		return
	}
	t.matrix.Store(NewMatrix(supported))
}

func (t *Tracker) Matrix() *Matrix { return t.matrix.Load() }

// Subscribe registers l for terminal transitions. Listeners run synchronously
// after commit on the goroutine that made the transition.
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

func (t *Tracker) notify(ctx context.Context, in *Intent) {
	t.mu.RLock()
	ls := t.listeners
	t.mu.RUnlock()
	for _, l := range ls {
		_ = safe.Run(ctx, func(ctx context.Context) error {
			l(ctx, *in)
			return nil
		})
	}
}

// OpenIntent returns an awaiting intent for the request, reusing a live one
// for the same (account, chain, token, amount) so client retries are safe.
func (t *Tracker) OpenIntent(ctx context.Context, accountID, chainID int64, token string, amount decimal.Decimal) (*Intent, error) {
	token = NormalizeToken(token)
	if accountID <= 0 {
		return nil, xerr.New(xerr.RequestParamsError, "account id is required")
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if !t.Matrix().Supports(chainID, token) {
		return nil, xerr.NewErrCode(xerr.UnsupportedPair)
	}

	unlock := t.locks.Lock(accountID)
	defer unlock()

	now := t.now().UTC()
	var (
		out    *Intent
		reused bool
	)
	err := orm.Transaction(ctx, t.db, func(txCtx context.Context) error {
		existing, err := t.store.findReusable(txCtx, accountID, chainID, token, amount.StringFixed(ledger.Scale), now)
		if err != nil {
			return err
		}
		if existing != nil {
			out, reused = existing, true
			return nil
		}

		in := &Intent{
			ID:        uuid.NewString(),
			AccountID: accountID,
			ChainID:   chainID,
			Token:     token,
			Amount:    amount,
			State:     StateAwaiting,
			ExpiresAt: now.Add(t.ttl),
			CreatedAt: now,
			UpdatedAt: now,
		}
		addr, err := t.allocate(txCtx, in)
		if err != nil {
			return err
		}
		in.Address = addr
		if err := t.store.create(txCtx, in); err != nil {
			return err
		}
		out = in
		return nil
	})
	if err != nil {
		var ce *xerr.CodeError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, xerr.Wrap(err, xerr.DbError, "open deposit intent")
	}
	if !reused {
		metrics.DepositTransitions.WithLabelValues(string(StateAwaiting)).Inc()
		logger.Info(ctx, "deposit intent opened",
			zap.String("intent_id", out.ID),
			zap.Int64("account_id", accountID),
			zap.Int64("chain_id", chainID),
			zap.String("token", token),
			zap.String("amount", amount.StringFixed(ledger.Scale)),
			zap.String("address", out.Address))
	}
	return out, nil
}

// allocate reuses a free address of the owner or derives a new one.
func (t *Tracker) allocate(txCtx context.Context, in *Intent) (string, error) {
	free, err := t.store.claimFreeAddress(txCtx, in.AccountID, in.ChainID, in.Token, in.ID)
	if err != nil {
		return "", err
	}
	if free != nil {
		return free.Address, nil
	}
	row, err := t.store.reserveIndex(txCtx, in.AccountID, in.ChainID, in.Token, in.ID)
	if err != nil {
		return "", err
	}
	if row.ID <= 0 || row.ID >= math.MaxInt32 {
		return "", xerr.New(xerr.ServerCommonError, "deposit address index space exhausted")
	}
	addr, err := t.deriver.DeriveAddress(uint32(row.ID))
	if err != nil {
		return "", xerr.Wrap(err, xerr.ServerCommonError, "derive deposit address")
	}
	if err := t.store.setAddress(txCtx, row.ID, addr); err != nil {
		return "", err
	}
	return addr, nil
}

// SubmitConfirmation records the tx hash and signed attestation of the
// user's transfer and moves the intent to CONFIRMING.
func (t *Tracker) SubmitConfirmation(ctx context.Context, intentID, txHash string, att Attestation) (*Intent, error) {
	txHash = strings.TrimSpace(txHash)
	in, err := t.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if in.State != StateAwaiting {
		return t.resubmission(in, txHash)
	}

	now := t.now().UTC()
	if !now.Before(in.ExpiresAt) {
		cur, err := t.expire(ctx, in.ID, now)
		if err != nil {
			return nil, err
		}
		return nil, xerr.WithState(xerr.NewErrCode(xerr.IntentExpired), *cur)
	}

	if err := att.Verify(in, txHash); err != nil {
		metrics.DepositRejections.WithLabelValues("attestation").Inc()
		logger.Warn(ctx, "deposit attestation rejected", zap.String("intent_id", in.ID), zap.Error(err))
		return nil, xerr.WithState(err, *in)
	}

	rows, err := t.store.transition(ctx, in.ID, []State{StateAwaiting}, map[string]interface{}{
		"state":        StateConfirming,
		"tx_hash":      strings.ToLower(txHash),
		"from_address": common.HexToAddress(att.From).Hex(),
		"attestation":  att.Message(),
		"signature":    att.Signature,
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		metrics.DepositRejections.WithLabelValues("tx_hash_reused").Inc()
		return nil, xerr.WithState(xerr.NewErrCode(xerr.TxHashReused), *in)
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "record confirmation")
	}

	cur, err := t.Get(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// lost a race with another submission or the clock
		return t.resubmission(cur, txHash)
	}
	metrics.DepositTransitions.WithLabelValues(string(StateConfirming)).Inc()
	logger.Info(ctx, "deposit confirmation submitted",
		zap.String("intent_id", cur.ID),
		zap.String("tx_hash", txHashOf(cur)),
		zap.String("from", cur.FromAddress))
	return cur, nil
}

// resubmission answers a confirmation for an intent that already left
// AWAITING_DEPOSIT: the same tx hash is a no-op, anything else is refused.
func (t *Tracker) resubmission(in *Intent, txHash string) (*Intent, error) {
	switch in.State {
	case StateConfirming, StateConfirmed:
		if strings.EqualFold(txHashOf(in), txHash) {
			return in, nil
		}
		metrics.DepositRejections.WithLabelValues("conflict").Inc()
		return nil, xerr.WithState(xerr.NewErrCode(xerr.ConfirmationConflict), *in)
	case StateExpired:
		return nil, xerr.WithState(xerr.NewErrCode(xerr.IntentExpired), *in)
	default:
		return nil, xerr.WithState(xerr.New(xerr.InvalidState, "deposit intent is "+string(in.State)), *in)
	}
}

// MarkConfirmed is the watcher's positive verdict: the intent becomes
// CONFIRMED and the account is credited in the same transaction.
func (t *Tracker) MarkConfirmed(ctx context.Context, intentID string) (*Intent, error) {
	in, err := t.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	switch in.State {
	case StateConfirmed:
		return in, nil
	case StateExpired, StateFailed:
		logger.Warn(ctx, "confirmation for a closed deposit intent ignored",
			zap.String("intent_id", in.ID), zap.String("state", string(in.State)))
		return in, nil
	case StateAwaiting:
		return nil, xerr.WithState(xerr.New(xerr.InvalidState, "no confirmation was submitted for this intent"), *in)
	}

	now := t.now().UTC()
	_, err = t.ledger.Post(ctx, ledger.Posting{
		AccountID:   in.AccountID,
		Kind:        ledger.KindDepositCredit,
		Amount:      in.Amount,
		ReferenceID: in.ID,
	}, func(txCtx context.Context, _ ledger.Result) error {
		rows, err := t.store.transition(txCtx, in.ID, []State{StateConfirming}, map[string]interface{}{
			"state":        StateConfirmed,
			"confirmed_at": now,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return errTransitionLost
		}
		return t.store.releaseAddress(txCtx, in.ID)
	})
	if err != nil && !errors.Is(err, errTransitionLost) {
		return nil, err
	}
	cur, gerr := t.Get(ctx, in.ID)
	if gerr != nil {
		return nil, gerr
	}
	if errors.Is(err, errTransitionLost) {
		return cur, nil
	}
	metrics.DepositTransitions.WithLabelValues(string(StateConfirmed)).Inc()
	logger.Info(ctx, "deposit confirmed",
		zap.String("intent_id", cur.ID),
		zap.Int64("account_id", cur.AccountID),
		zap.String("amount", cur.Amount.StringFixed(ledger.Scale)))
	t.notify(ctx, cur)
	return cur, nil
}

var errTransitionLost = errors.New("deposit: intent changed concurrently")

// MarkFailed is the watcher's negative verdict.
func (t *Tracker) MarkFailed(ctx context.Context, intentID, reason string) (*Intent, error) {
	in, err := t.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	switch in.State {
	case StateFailed:
		return in, nil
	case StateExpired:
		logger.Warn(ctx, "failure for an expired deposit intent ignored", zap.String("intent_id", in.ID))
		return in, nil
	case StateConfirmed:
		return nil, xerr.WithState(xerr.New(xerr.InvalidState, "deposit already confirmed"), *in)
	}
	if len(reason) > 255 {
		reason = reason[:255]
	}

	var rows int64
	err = orm.Transaction(ctx, t.db, func(txCtx context.Context) error {
		var err error
		rows, err = t.store.transition(txCtx, in.ID, []State{StateAwaiting, StateConfirming}, map[string]interface{}{
			"state":       StateFailed,
			"fail_reason": reason,
		})
		if err != nil || rows == 0 {
			return err
		}
		return t.store.releaseAddress(txCtx, in.ID)
	})
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "mark deposit failed")
	}
	cur, err := t.Get(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if cur.State == StateConfirmed {
			return nil, xerr.WithState(xerr.New(xerr.InvalidState, "deposit already confirmed"), *cur)
		}
		return cur, nil
	}
	metrics.DepositTransitions.WithLabelValues(string(StateFailed)).Inc()
	logger.Warn(ctx, "deposit failed", zap.String("intent_id", cur.ID), zap.String("reason", reason))
	t.notify(ctx, cur)
	return cur, nil
}

// ExpireStale moves every awaiting intent past its deadline to EXPIRED and
// returns how many it moved. CONFIRMING intents are left to the watcher.
func (t *Tracker) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	total := 0
	for {
		rows, err := t.store.listExpirable(ctx, now, t.batch)
		if err != nil {
			return total, xerr.Wrap(err, xerr.DbError, "list expirable intents")
		}
		for i := range rows {
			cur, err := t.expire(ctx, rows[i].ID, now)
			if err != nil {
				return total, err
			}
			if cur.State == StateExpired {
				total++
			}
		}
		if len(rows) < t.batch {
			return total, nil
		}
	}
}

// expire moves one intent to EXPIRED if it is still awaiting and due, and
// returns the intent as it is afterwards. Listeners only hear about it once.
func (t *Tracker) expire(ctx context.Context, id string, now time.Time) (*Intent, error) {
	var rows int64
	err := orm.Transaction(ctx, t.db, func(txCtx context.Context) error {
		res := t.store.getDb(txCtx).Model(&Intent{}).
			Where("id = ? AND state = ? AND expires_at <= ?", id, StateAwaiting, now).
			Update("state", StateExpired)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		rows = res.RowsAffected
		return t.store.releaseAddress(txCtx, id)
	})
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "expire intent")
	}
	cur, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rows == 1 {
		metrics.DepositTransitions.WithLabelValues(string(StateExpired)).Inc()
		logger.Info(ctx, "deposit intent expired", zap.String("intent_id", id), zap.Time("expires_at", cur.ExpiresAt))
		t.notify(ctx, cur)
	}
	return cur, nil
}

func (t *Tracker) Get(ctx context.Context, intentID string) (*Intent, error) {
	in, err := t.store.get(ctx, intentID)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "get deposit intent")
	}
	if in == nil {
		return nil, xerr.New(xerr.RecordNotFound, "deposit intent not found")
	}
	return in, nil
}

// ListOpen returns the account's awaiting and confirming intents.
func (t *Tracker) ListOpen(ctx context.Context, accountID int64) ([]Intent, error) {
	rows, err := t.store.listOpen(ctx, accountID)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list open intents")
	}
	return rows, nil
}
