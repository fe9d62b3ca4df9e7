package order

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lastpush.com/internal/deposit"
	"lastpush.com/internal/ledger"
	"lastpush.com/internal/storetest"
	"lastpush.com/pkg/hdwallet"
	"lastpush.com/pkg/xerr"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type queue struct {
	mu  sync.Mutex
	ids []string
}

func (q *queue) Enqueue(id string) {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()
}

func (q *queue) Enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type fixture struct {
	engine  *Engine
	tracker *deposit.Tracker
	ledger  *ledger.Ledger
	clock   *clock
	queue   *queue
	key     *ecdsa.PrivateKey
}

func newFixture(t *testing.T, subscribe bool) *fixture {
	t.Helper()
	models := append(ledger.Models(), deposit.Models()...)
	db := storetest.Open(t, append(models, Models()...)...)
	wallet, err := hdwallet.New("test test test test test test test test test test test junk")
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		ledger: ledger.New(db, nil, ledger.Config{}),
		clock:  &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		queue:  &queue{},
		key:    key,
	}
	f.tracker = deposit.New(db, f.ledger, wallet, deposit.Config{}, deposit.WithClock(f.clock.Now))
	f.engine = New(db, f.ledger, f.tracker, Config{}, WithClock(f.clock.Now))
	f.engine.SetProvisioner(f.queue)
	if subscribe {
		f.tracker.Subscribe(f.engine.OnIntentSettled)
	}
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) fund(t *testing.T, accountID int64, amount string) {
	t.Helper()
	_, err := f.ledger.ManualCredit(context.Background(), accountID, dec(amount), "seed-"+amount)
	require.NoError(t, err)
}

// confirmDeposit walks an intent through submission and the watcher's verdict.
func (f *fixture) confirmDeposit(t *testing.T, in *deposit.Intent) {
	t.Helper()
	ctx := context.Background()
	txHash := "0x" + strings.Repeat("ab", 32)
	a := deposit.Attestation{
		IntentID: in.ID,
		ChainID:  in.ChainID,
		Token:    in.Token,
		Amount:   in.Amount.StringFixed(2),
		From:     crypto.PubkeyToAddress(f.key.PublicKey).Hex(),
		To:       in.Address,
		TxHash:   txHash,
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(a.Message())), f.key)
	require.NoError(t, err)
	a.Signature = hexutil.Encode(sig)

	_, err = f.tracker.SubmitConfirmation(ctx, in.ID, txHash, a)
	require.NoError(t, err)
	_, err = f.tracker.MarkConfirmed(ctx, in.ID)
	require.NoError(t, err)
}

func TestEngine_PayWithBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.fund(t, 1, "20.00")

	o, err := f.engine.CreateOrder(ctx, 1, "Example.COM.", dec("14.99"))
	require.NoError(t, err)
	assert.Equal(t, "example.com", o.Domain)
	assert.Equal(t, TypeRegister, o.Type)
	assert.Equal(t, 1, o.Years)
	assert.Equal(t, PaymentCreated, o.PaymentState)

	paid, err := f.engine.PayWithBalance(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, paid.PaymentState)
	assert.Equal(t, FulfillmentPurchasing, paid.FulfillmentState)
	assert.NotNil(t, paid.PaidAt)

	again, err := f.engine.PayWithBalance(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, again.PaymentState)

	bal, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "5.01", bal.StringFixed(2))

	entries, _, err := f.ledger.Entries(ctx, 1, 1, 10)
	require.NoError(t, err)
	var debits []ledger.Entry
	for _, e := range entries {
		if e.Kind == ledger.KindOrderDebit {
			debits = append(debits, e)
		}
	}
	require.Len(t, debits, 1)
	assert.True(t, debits[0].Delta.Equal(dec("-14.99")))
	assert.Equal(t, o.ID, debits[0].ReferenceID)

	assert.Equal(t, []string{o.ID}, f.queue.Enqueued())
}

func TestEngine_PayWithBalanceInsufficient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.fund(t, 1, "10.00")

	o, err := f.engine.CreateOrder(ctx, 1, "example.com", dec("14.99"))
	require.NoError(t, err)

	_, err = f.engine.PayWithBalance(ctx, o.ID)
	require.ErrorIs(t, err, xerr.ErrInsufficientFunds)
	state, ok := xerr.StateOf(err).(Order)
	require.True(t, ok)
	assert.Equal(t, PaymentCreated, state.PaymentState)

	cur, err := f.engine.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCreated, cur.PaymentState)

	_, total, err := f.ledger.Entries(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total, "only the seed credit")
	assert.Empty(t, f.queue.Enqueued())
}

func TestEngine_ConcurrentPayDebitsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.fund(t, 1, "100.00")
	o, err := f.engine.CreateOrder(ctx, 1, "example.com", dec("30.00"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.PayWithBalance(ctx, o.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, _ := f.ledger.Balance(ctx, 1)
	assert.True(t, bal.Equal(dec("70.00")))
	assert.Len(t, f.queue.Enqueued(), 1)
}

func TestEngine_PayWithDepositConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	o, err := f.engine.CreateOrder(ctx, 1, "example.io", dec("20.00"), WithType(TypeRenew), WithYears(2))
	require.NoError(t, err)
	in, err := f.tracker.OpenIntent(ctx, 1, 56, "USDT", dec("20.00"))
	require.NoError(t, err)

	pending, err := f.engine.PayWithDeposit(ctx, o.ID, in.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, pending.PaymentState)
	require.NotNil(t, pending.DepositIntentID)
	assert.Equal(t, in.ID, *pending.DepositIntentID)

	// linking twice is fine
	_, err = f.engine.PayWithDeposit(ctx, o.ID, in.ID)
	require.NoError(t, err)

	f.confirmDeposit(t, in)

	cur, err := f.engine.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, cur.PaymentState)
	assert.Equal(t, FulfillmentPurchasing, cur.FulfillmentState)

	bal, _ := f.ledger.Balance(ctx, 1)
	assert.True(t, bal.IsZero(), "deposit credited then debited")
	assert.Equal(t, []string{o.ID}, f.queue.Enqueued())

	_, sum, err := f.ledger.Audit(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
}

func TestEngine_DepositExpiryFailsOrderOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	o, err := f.engine.CreateOrder(ctx, 1, "example.com", dec("20.00"))
	require.NoError(t, err)
	in, err := f.tracker.OpenIntent(ctx, 1, 56, "USDT", dec("20.00"))
	require.NoError(t, err)
	_, err = f.engine.PayWithDeposit(ctx, o.ID, in.ID)
	require.NoError(t, err)

	f.clock.Advance(1800 * time.Second)
	n, err := f.tracker.ExpireStale(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err := f.engine.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, cur.PaymentState)
	assert.Equal(t, "deposit EXPIRED", cur.FailReason)
	failedAt := cur.UpdatedAt

	// neither another sweep nor reconciliation touches it again
	n, err = f.tracker.ExpireStale(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	settled, err := f.engine.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)
	cur, _ = f.engine.Get(ctx, o.ID)
	assert.Equal(t, failedAt, cur.UpdatedAt)

	bal, _ := f.ledger.Balance(ctx, 1)
	assert.True(t, bal.IsZero())
	assert.Empty(t, f.queue.Enqueued())
}

func TestEngine_PayWithAlreadyConfirmedDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	in, err := f.tracker.OpenIntent(ctx, 1, 1, "USDC", dec("25.00"))
	require.NoError(t, err)
	f.confirmDeposit(t, in)

	o, err := f.engine.CreateOrder(ctx, 1, "example.dev", dec("20.00"))
	require.NoError(t, err)
	paid, err := f.engine.PayWithDeposit(ctx, o.ID, in.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, paid.PaymentState)

	bal, _ := f.ledger.Balance(ctx, 1)
	assert.True(t, bal.Equal(dec("5.00")))
}

func TestEngine_ReconcileRecoversLostNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	o, err := f.engine.CreateOrder(ctx, 1, "example.com", dec("20.00"))
	require.NoError(t, err)
	in, err := f.tracker.OpenIntent(ctx, 1, 56, "USDT", dec("20.00"))
	require.NoError(t, err)
	_, err = f.engine.PayWithDeposit(ctx, o.ID, in.ID)
	require.NoError(t, err)
	f.confirmDeposit(t, in)

	cur, _ := f.engine.Get(ctx, o.ID)
	assert.Equal(t, PaymentPending, cur.PaymentState)

	settled, err := f.engine.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	cur, _ = f.engine.Get(ctx, o.ID)
	assert.Equal(t, PaymentPaid, cur.PaymentState)
}

func TestEngine_ReconcileSkipsWaitingIntents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.engine.batch = 2

	// older orders whose deposits are still on their way
	for _, amount := range []string{"20.01", "20.02", "20.03"} {
		o, err := f.engine.CreateOrder(ctx, 1, "wait-"+amount+".com", dec("20.00"))
		require.NoError(t, err)
		in, err := f.tracker.OpenIntent(ctx, 1, 56, "USDT", dec(amount))
		require.NoError(t, err)
		_, err = f.engine.PayWithDeposit(ctx, o.ID, in.ID)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	o, err := f.engine.CreateOrder(ctx, 1, "example.com", dec("20.00"))
	require.NoError(t, err)
	in, err := f.tracker.OpenIntent(ctx, 1, 1, "USDC", dec("20.00"))
	require.NoError(t, err)
	_, err = f.engine.PayWithDeposit(ctx, o.ID, in.ID)
	require.NoError(t, err)
	f.confirmDeposit(t, in)

	settled, err := f.engine.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	cur, _ := f.engine.Get(ctx, o.ID)
	assert.Equal(t, PaymentPaid, cur.PaymentState)
}

func TestEngine_RefreshSettlesOneOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	o, err := f.engine.CreateOrder(ctx, 1, "example.com", dec("20.00"))
	require.NoError(t, err)
	in, err := f.tracker.OpenIntent(ctx, 1, 56, "USDT", dec("20.00"))
	require.NoError(t, err)
	_, err = f.engine.PayWithDeposit(ctx, o.ID, in.ID)
	require.NoError(t, err)

	cur, err := f.engine.Refresh(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, cur.PaymentState)

	f.confirmDeposit(t, in)
	cur, err = f.engine.Refresh(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, cur.PaymentState)
	assert.Equal(t, []string{o.ID}, f.queue.Enqueued())
}

func TestEngine_DepositSpentElsewhereFailsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	a, err := f.engine.CreateOrder(ctx, 1, "a.com", dec("20.00"))
	require.NoError(t, err)
	b, err := f.engine.CreateOrder(ctx, 1, "b.com", dec("20.00"))
	require.NoError(t, err)
	in, err := f.tracker.OpenIntent(ctx, 1, 56, "USDT", dec("20.00"))
	require.NoError(t, err)
	_, err = f.engine.PayWithDeposit(ctx, a.ID, in.ID)
	require.NoError(t, err)
	f.confirmDeposit(t, in)

	_, err = f.engine.PayWithBalance(ctx, b.ID)
	require.NoError(t, err)

	_, err = f.engine.ReconcilePending(ctx)
	require.NoError(t, err)
	cur, _ := f.engine.Get(ctx, a.ID)
	assert.Equal(t, PaymentFailed, cur.PaymentState)
	assert.Equal(t, "insufficient funds after deposit", cur.FailReason)

	_, sum, err := f.ledger.Audit(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
}

func TestEngine_PayWithDepositRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	o, err := f.engine.CreateOrder(ctx, 1, "example.com", dec("20.00"))
	require.NoError(t, err)

	foreign, err := f.tracker.OpenIntent(ctx, 2, 56, "USDT", dec("20.00"))
	require.NoError(t, err)
	_, err = f.engine.PayWithDeposit(ctx, o.ID, foreign.ID)
	assert.ErrorIs(t, err, xerr.ErrParams)

	small, err := f.tracker.OpenIntent(ctx, 1, 56, "USDT", dec("19.99"))
	require.NoError(t, err)
	_, err = f.engine.PayWithDeposit(ctx, o.ID, small.ID)
	assert.ErrorIs(t, err, xerr.ErrInvalidAmount)

	failed, err := f.tracker.OpenIntent(ctx, 1, 1, "USDT", dec("20.00"))
	require.NoError(t, err)
	_, err = f.tracker.MarkFailed(ctx, failed.ID, "watcher gave up")
	require.NoError(t, err)
	_, err = f.engine.PayWithDeposit(ctx, o.ID, failed.ID)
	assert.ErrorIs(t, err, xerr.ErrInvalidState)

	_, err = f.engine.PayWithDeposit(ctx, o.ID, "missing")
	assert.ErrorIs(t, err, xerr.ErrNotFound)

	// one intent pays one order
	good, err := f.tracker.OpenIntent(ctx, 1, 56, "USDT", dec("20.00"))
	require.NoError(t, err)
	_, err = f.engine.PayWithDeposit(ctx, o.ID, good.ID)
	require.NoError(t, err)
	other, err := f.engine.CreateOrder(ctx, 1, "example.org", dec("20.00"))
	require.NoError(t, err)
	_, err = f.engine.PayWithDeposit(ctx, other.ID, good.ID)
	assert.ErrorIs(t, err, xerr.ErrInvalidState)

	cur, _ := f.engine.Get(ctx, other.ID)
	assert.Equal(t, PaymentCreated, cur.PaymentState)

	// a pending order keeps the intent it was linked to
	spare, err := f.tracker.OpenIntent(ctx, 1, 1, "USDC", dec("20.00"))
	require.NoError(t, err)
	same, err := f.engine.PayWithDeposit(ctx, o.ID, spare.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, same.PaymentState)
	require.NotNil(t, same.DepositIntentID)
	assert.Equal(t, good.ID, *same.DepositIntentID)
}

func TestEngine_SecondPaymentPathIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.fund(t, 1, "20.00")

	o, err := f.engine.CreateOrder(ctx, 1, "example.com", dec("20.00"))
	require.NoError(t, err)
	paid, err := f.engine.PayWithBalance(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, paid.PaymentState)

	in, err := f.tracker.OpenIntent(ctx, 1, 56, "USDT", dec("20.00"))
	require.NoError(t, err)
	again, err := f.engine.PayWithDeposit(ctx, o.ID, in.ID)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, PaymentPaid, again.PaymentState)
	assert.Nil(t, again.DepositIntentID)

	f.confirmDeposit(t, in)
	bal, _ := f.ledger.Balance(ctx, 1)
	assert.True(t, bal.Equal(dec("20.00")), "deposit stays on the balance")
	assert.Equal(t, []string{o.ID}, f.queue.Enqueued())
}

func TestEngine_CreateOrderValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	cases := []struct {
		name   string
		domain string
		amount string
		opts   []CreateOption
		want   error
	}{
		{"no tld", "localhost", "10", nil, xerr.ErrParams},
		{"bad label", "-bad.com", "10", nil, xerr.ErrParams},
		{"numeric tld", "example.123", "10", nil, xerr.ErrParams},
		{"bad amount", "example.com", "10.001", nil, xerr.ErrInvalidAmount},
		{"zero years", "example.com", "10", []CreateOption{WithYears(0)}, xerr.ErrParams},
		{"bad type", "example.com", "10", []CreateOption{WithType("LEASE")}, xerr.ErrParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateOrder(ctx, 1, tc.domain, dec(tc.amount), tc.opts...)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	o, err := f.engine.CreateOrder(ctx, 1, "xn--bcher-kva.example", dec("10"), WithType(TypeTransfer))
	require.NoError(t, err)
	assert.Equal(t, TypeTransfer, o.Type)
}

func TestEngine_List(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	for _, d := range []string{"a.com", "b.com", "c.com"} {
		_, err := f.engine.CreateOrder(ctx, 1, d, dec("10"))
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	_, err := f.engine.CreateOrder(ctx, 2, "d.com", dec("10"))
	require.NoError(t, err)

	rows, total, err := f.engine.List(ctx, 1, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "c.com", rows[0].Domain)
	assert.Equal(t, "b.com", rows[1].Domain)

	rows, _, err = f.engine.List(ctx, 1, 2, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a.com", rows[0].Domain)
}
