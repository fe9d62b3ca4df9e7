package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lastpush.com/internal/storetest"
	"lastpush.com/pkg/xerr"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(storetest.Open(t, Models()...), nil, Config{})
}

func assertBalanced(t *testing.T, l *Ledger, accountID int64) {
	t.Helper()
	balance, sum, err := l.Audit(context.Background(), accountID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(sum), "balance %s != sum of entries %s", balance, sum)
	assert.False(t, balance.IsNegative())
}

func TestLedger_DebitLeavesRemainder(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Credit(ctx, 1, dec("20.00"), "intent-1")
	require.NoError(t, err)

	e, err := l.Debit(ctx, 1, dec("14.99"), "order-1")
	require.NoError(t, err)
	assert.True(t, e.Delta.Equal(dec("-14.99")))
	assert.True(t, e.BalanceAfter.Equal(dec("5.01")))

	bal, err := l.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "5.01", bal.StringFixed(2))

	entries, total, err := l.Entries(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	var debits int
	for _, en := range entries {
		if en.Kind == KindOrderDebit {
			debits++
			assert.Equal(t, "order-1", en.ReferenceID)
			assert.True(t, en.Delta.Equal(dec("-14.99")))
		}
	}
	assert.Equal(t, 1, debits)
	assertBalanced(t, l, 1)
}

func TestLedger_InsufficientFundsWritesNothing(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Credit(ctx, 1, dec("10.00"), "intent-1")
	require.NoError(t, err)

	_, err = l.Debit(ctx, 1, dec("10.01"), "order-1")
	require.ErrorIs(t, err, xerr.ErrInsufficientFunds)
	state, ok := xerr.StateOf(err).(Account)
	require.True(t, ok)
	assert.True(t, state.Balance.Equal(dec("10.00")))

	_, total, err := l.Entries(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// unknown account behaves like a zero balance
	_, err = l.Debit(ctx, 99, dec("1.00"), "order-2")
	assert.ErrorIs(t, err, xerr.ErrInsufficientFunds)

	assertBalanced(t, l, 1)
}

func TestLedger_Idempotent(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	first, err := l.Credit(ctx, 1, dec("5.00"), "intent-1")
	require.NoError(t, err)
	res, err := l.Post(ctx, Posting{AccountID: 1, Kind: KindDepositCredit, Amount: dec("5.00"), ReferenceID: "intent-1"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, first.ID, res.Entry.ID)

	bal, _ := l.Balance(ctx, 1)
	assert.True(t, bal.Equal(dec("5.00")))

	// same reference under another kind is a different posting
	_, err = l.Debit(ctx, 1, dec("5.00"), "intent-1")
	require.NoError(t, err)

	// same key, different amount
	_, err = l.Credit(ctx, 1, dec("6.00"), "intent-1")
	assert.ErrorIs(t, err, xerr.ErrInvalidState)

	assertBalanced(t, l, 1)
}

func TestLedger_HookRollsBackPosting(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	boom := errors.New("transition lost")

	_, err := l.Post(ctx, Posting{AccountID: 1, Kind: KindDepositCredit, Amount: dec("3.00"), ReferenceID: "intent-1"},
		func(context.Context, Result) error { return boom })
	require.ErrorIs(t, err, boom)

	bal, err := l.Balance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	var seen Result
	_, err = l.Post(ctx, Posting{AccountID: 1, Kind: KindDepositCredit, Amount: dec("3.00"), ReferenceID: "intent-1"},
		func(_ context.Context, r Result) error { seen = r; return nil })
	require.NoError(t, err)
	assert.False(t, seen.Replayed)
	assert.NotZero(t, seen.Entry.ID)
}

func TestLedger_ConcurrentPostingsKeepSum(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_, err := l.Credit(ctx, 1, dec("10.00"), "seed")
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every order id is debited by three callers
			_, err := l.Debit(ctx, 1, dec("1.50"), fmt.Sprintf("order-%d", i%10))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, xerr.ErrInsufficientFunds)
				rejected++
				return
			}
			ok++
		}(i)
	}
	wg.Wait()

	bal, err := l.Balance(ctx, 1)
	require.NoError(t, err)
	// 6 distinct orders fit into 10.00
	assert.True(t, bal.Equal(dec("1.00")), "balance %s", bal)
	assert.Equal(t, 30, ok+rejected)
	assertBalanced(t, l, 1)
}

func TestLedger_Validation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	cases := []struct {
		name string
		p    Posting
		want error
	}{
		{"zero", Posting{AccountID: 1, Kind: KindDepositCredit, Amount: dec("0"), ReferenceID: "r"}, xerr.ErrInvalidAmount},
		{"negative", Posting{AccountID: 1, Kind: KindDepositCredit, Amount: dec("-1"), ReferenceID: "r"}, xerr.ErrInvalidAmount},
		{"three decimals", Posting{AccountID: 1, Kind: KindDepositCredit, Amount: dec("1.005"), ReferenceID: "r"}, xerr.ErrInvalidAmount},
		{"no reference", Posting{AccountID: 1, Kind: KindDepositCredit, Amount: dec("1")}, xerr.ErrParams},
		{"no account", Posting{Kind: KindDepositCredit, Amount: dec("1"), ReferenceID: "r"}, xerr.ErrParams},
		{"bad kind", Posting{AccountID: 1, Kind: "REFUND", Amount: dec("1"), ReferenceID: "r"}, xerr.ErrParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Post(ctx, tc.p, nil)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := ParseAmount("14.990")
	assert.NoError(t, err)
	_, err = ParseAmount("abc")
	assert.ErrorIs(t, err, xerr.ErrInvalidAmount)
}

func TestLedger_BalanceCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := New(storetest.Open(t, Models()...), NewRedisCache(rdb), Config{CacheTTL: time.Minute})

	_, err := l.Credit(ctx, 7, dec("12.34"), "intent-1")
	require.NoError(t, err)

	bal, err := l.Balance(ctx, 7)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("12.34")))
	cached, err := mr.Get(balanceKey(7))
	require.NoError(t, err)
	assert.Equal(t, "12.34", cached)
	assert.Greater(t, mr.TTL(balanceKey(7)), time.Duration(0))

	_, err = l.Debit(ctx, 7, dec("2.34"), "order-1")
	require.NoError(t, err)
	assert.False(t, mr.Exists(balanceKey(7)), "posting must drop the cached balance")

	bal, err = l.Balance(ctx, 7)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10.00")))

	// a corrupt cache value falls through to the database
	require.NoError(t, mr.Set(balanceKey(7), "garbage"))
	bal, err = l.Balance(ctx, 7)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10.00")))
}
