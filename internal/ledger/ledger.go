// Package ledger is the append-only balance store. Every balance change is an
// entry; (reference id, kind) makes postings idempotent.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/metrics"
	"lastpush.com/pkg/orm"
	"lastpush.com/pkg/trace"
	"lastpush.com/pkg/xerr"
	"lastpush.com/pkg/xsync"
)

// Hook runs inside the posting's transaction, after the entry is written (or
// found, when Replayed). Returning an error rolls the posting back.
type Hook func(txCtx context.Context, res Result) error

type Config struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type Ledger struct {
	db    *gorm.DB
	store *store
	cache Cache
	locks *xsync.KeyedMutex[int64]
	sf    singleflight.Group
	ttl   time.Duration
}

// New builds the ledger. cache may be nil.
func New(db *gorm.DB, cache Cache, c Config) *Ledger {
	if cache == nil {
		cache = nopCache{}
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
	return &Ledger{
		db:    db,
		store: &store{db: db},
		cache: cache,
		locks: xsync.NewKeyedMutex[int64](),
		ttl:   c.CacheTTL,
	}
}

// Credit adds amount for a confirmed deposit; referenceID is the intent id.
func (l *Ledger) Credit(ctx context.Context, accountID int64, amount decimal.Decimal, referenceID string) (Entry, error) {
	res, err := l.Post(ctx, Posting{AccountID: accountID, Kind: KindDepositCredit, Amount: amount, ReferenceID: referenceID}, nil)
	return res.Entry, err
}

// Debit removes amount for an order; referenceID is the order id.
func (l *Ledger) Debit(ctx context.Context, accountID int64, amount decimal.Decimal, referenceID string) (Entry, error) {
	res, err := l.Post(ctx, Posting{AccountID: accountID, Kind: KindOrderDebit, Amount: amount, ReferenceID: referenceID}, nil)
	return res.Entry, err
}

// ManualCredit is a support-issued top-up, keyed by a ticket or payment reference.
func (l *Ledger) ManualCredit(ctx context.Context, accountID int64, amount decimal.Decimal, referenceID string) (Entry, error) {
	res, err := l.Post(ctx, Posting{AccountID: accountID, Kind: KindManualCredit, Amount: amount, ReferenceID: referenceID}, nil)
	return res.Entry, err
}

// errDuplicateEntry: another instance wrote the same (reference, kind) between
// our read and our insert. The posting is retried and then replays.
var errDuplicateEntry = errors.New("ledger: concurrent duplicate entry")

// Post applies p and runs hook in the same transaction. Must not be called
// inside a caller's transaction: the cache is invalidated after commit.
func (l *Ledger) Post(ctx context.Context, p Posting, hook Hook) (Result, error) {
	if err := validatePosting(p); err != nil {
		return Result{}, err
	}
	ctx, span := trace.Start(ctx, "ledger.Post")
	defer span.End()

	unlock := l.locks.Lock(p.AccountID)
	defer unlock()

	var (
		res Result
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		res, err = l.post(ctx, p, hook)
		if !errors.Is(err, errDuplicateEntry) {
			break
		}
	}
	switch {
	case err != nil:
		metrics.LedgerPostings.WithLabelValues(string(p.Kind), "rejected").Inc()
		if errors.Is(err, errDuplicateEntry) {
			err = xerr.Wrap(err, xerr.DbError, "ledger posting raced")
		}
		return Result{}, err
	case res.Replayed:
		metrics.LedgerPostings.WithLabelValues(string(p.Kind), "replayed").Inc()
		logger.Info(ctx, "ledger posting replayed",
			zap.Int64("account_id", p.AccountID),
			zap.String("kind", string(p.Kind)),
			zap.String("reference_id", p.ReferenceID))
	default:
		metrics.LedgerPostings.WithLabelValues(string(p.Kind), "applied").Inc()
		l.invalidate(ctx, p.AccountID)
	}
	return res, nil
}

func (l *Ledger) post(ctx context.Context, p Posting, hook Hook) (Result, error) {
	var res Result
	err := orm.Transaction(ctx, l.db, func(txCtx context.Context) error {
		acc, found, err := l.store.lockAccount(txCtx, p.AccountID)
		if err != nil {
			return xerr.Wrap(err, xerr.DbError, "lock account")
		}

		// read the reference only once the account row is ours, so a posting
		// committed by another instance is visible here
		existing, err := l.store.findEntry(txCtx, p.ReferenceID, p.Kind)
		if err != nil {
			return xerr.Wrap(err, xerr.DbError, "find entry")
		}
		if existing != nil {
			if existing.AccountID != p.AccountID || !existing.Delta.Abs().Equal(p.Amount) {
				return xerr.WithState(xerr.New(xerr.InvalidState,
					fmt.Sprintf("reference %s already posted with a different account or amount", p.ReferenceID)), *existing)
			}
			res = Result{Entry: *existing, Replayed: true}
			return runHook(txCtx, hook, res)
		}

		if !found {
			if !p.Kind.isCredit() {
				return xerr.WithState(xerr.NewErrCode(xerr.InsufficientFunds), Account{AccountID: p.AccountID, Balance: decimal.Zero})
			}
			if err := l.store.createAccount(txCtx, p.AccountID); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
				return xerr.Wrap(err, xerr.DbError, "create account")
			}
			if acc, _, err = l.store.lockAccount(txCtx, p.AccountID); err != nil || acc == nil {
				return xerr.Wrap(err, xerr.DbError, "lock new account")
			}
		}

		delta := p.Amount
		if !p.Kind.isCredit() {
			delta = p.Amount.Neg()
		}
		newBalance := acc.Balance.Add(delta)
		if newBalance.IsNegative() {
			return xerr.WithState(xerr.NewErrCode(xerr.InsufficientFunds), *acc)
		}

		rows, err := l.store.updateBalance(txCtx, acc, newBalance.StringFixed(Scale))
		if err != nil {
			return xerr.Wrap(err, xerr.DbError, "update balance")
		}
		if rows == 0 {
			return xerr.New(xerr.DbError, "account changed concurrently")
		}

		entry := Entry{
			AccountID:    p.AccountID,
			Kind:         p.Kind,
			Delta:        delta,
			BalanceAfter: newBalance,
			ReferenceID:  p.ReferenceID,
		}
		if err := l.store.insertEntry(txCtx, &entry); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateEntry
			}
			return xerr.Wrap(err, xerr.DbError, "insert entry")
		}
		res = Result{Entry: entry}
		return runHook(txCtx, hook, res)
	})
	return res, err
}

func runHook(txCtx context.Context, hook Hook, res Result) error {
	if hook == nil {
		return nil
	}
	return hook(txCtx, res)
}

// invalidate drops the cached balance now and once more shortly after, so a
// reader that loaded the old row before our commit cannot keep it alive.
func (l *Ledger) invalidate(ctx context.Context, accountID int64) {
	if err := l.cache.DelBalance(ctx, accountID); err != nil {
		logger.Warn(ctx, "balance cache delete failed", zap.Int64("account_id", accountID), zap.Error(err))
	}
	time.AfterFunc(500*time.Millisecond, func() {
		_ = l.cache.DelBalance(context.Background(), accountID)
	})
}

// Balance is the current balance; unknown accounts have zero.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	if b, ok, err := l.cache.GetBalance(ctx, accountID); err == nil && ok {
		return b, nil
	}
	v, err, _ := l.sf.Do(strconv.FormatInt(accountID, 10), func() (interface{}, error) {
		acc, err := l.store.getAccount(ctx, accountID)
		if err != nil {
			return nil, xerr.Wrap(err, xerr.DbError, "get account")
		}
		b := decimal.Zero
		if acc != nil {
			b = acc.Balance
		}
		if err := l.cache.SetBalance(ctx, accountID, b, l.ttl); err != nil {
			logger.Warn(ctx, "balance cache set failed", zap.Int64("account_id", accountID), zap.Error(err))
		}
		return b, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// Entries lists an account's entries, newest first.
func (l *Ledger) Entries(ctx context.Context, accountID int64, page, limit int) ([]Entry, int64, error) {
	rows, total, err := l.store.listEntries(ctx, accountID, page, limit)
	if err != nil {
		return nil, 0, xerr.Wrap(err, xerr.DbError, "list entries")
	}
	return rows, total, nil
}

// Audit compares the stored balance with the sum of the account's entries.
func (l *Ledger) Audit(ctx context.Context, accountID int64) (balance, sum decimal.Decimal, err error) {
	acc, err := l.store.getAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, decimal.Zero, xerr.Wrap(err, xerr.DbError, "get account")
	}
	if acc != nil {
		balance = acc.Balance
	}
	rows, err := l.store.allDeltas(ctx, accountID)
	if err != nil {
		return decimal.Zero, decimal.Zero, xerr.Wrap(err, xerr.DbError, "sum entries")
	}
	for _, r := range rows {
		sum = sum.Add(r.Delta)
	}
	if !balance.Equal(sum) {
		logger.Error(ctx, "ledger balance does not match its entries",
			zap.Int64("account_id", accountID),
			zap.String("balance", balance.String()),
			zap.String("sum", sum.String()))
	}
	return balance, sum, nil
}

func validatePosting(p Posting) error {
	if p.AccountID <= 0 {
		return xerr.New(xerr.RequestParamsError, "account id is required")
	}
	if p.ReferenceID == "" {
		return xerr.New(xerr.RequestParamsError, "reference id is required")
	}
	switch p.Kind {
	case KindDepositCredit, KindOrderDebit, KindManualCredit:
	default:
		return xerr.New(xerr.RequestParamsError, "unknown posting kind "+string(p.Kind))
	}
	return ValidateAmount(p.Amount)
}
