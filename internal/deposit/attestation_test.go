package deposit

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lastpush.com/pkg/xerr"
)

const testTxHash = "0x9fc76417374aa880d4449a1f7f31ec597f00b1f6f3dd2d66f4c9c6c445836d8b"

// signAttestation fills a from the key and signs it the way a wallet would.
func signAttestation(t testing.TB, key *ecdsa.PrivateKey, a Attestation) Attestation {
	t.Helper()
	a.From = crypto.PubkeyToAddress(key.PublicKey).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(a.Message())), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	a.Signature = hexutil.Encode(sig)
	return a
}

func testIntent() *Intent {
	return &Intent{
		ID:      "0b0f3c8e-4c55-4d36-9a43-1b2f9f6a0c11",
		ChainID: 56,
		Token:   "USDT",
		Amount:  decimal.RequireFromString("20.00"),
		Address: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
	}
}

func attestationFor(in *Intent, txHash string) Attestation {
	return Attestation{
		IntentID: in.ID,
		ChainID:  in.ChainID,
		Token:    in.Token,
		Amount:   in.Amount.StringFixed(2),
		To:       in.Address,
		TxHash:   txHash,
	}
}

func TestAttestation_Verify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	in := testIntent()

	good := signAttestation(t, key, attestationFor(in, testTxHash))
	require.NoError(t, good.Verify(in, testTxHash))

	// lower-case recipient and "20" instead of "20.00" describe the same transfer
	loose := attestationFor(in, testTxHash)
	loose.To = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	loose.Amount = "20"
	require.NoError(t, signAttestation(t, key, loose).Verify(in, testTxHash))

	cases := []struct {
		name   string
		mutate func(a *Attestation)
		txHash string
	}{
		{"other tx hash", func(a *Attestation) {}, "0x" + "11" + testTxHash[4:]},
		{"malformed tx hash", func(a *Attestation) { a.TxHash = "0x1234" }, "0x1234"},
		{"other intent", func(a *Attestation) { a.IntentID = "x" }, testTxHash},
		{"other chain", func(a *Attestation) { a.ChainID = 1 }, testTxHash},
		{"other token", func(a *Attestation) { a.Token = "USDC" }, testTxHash},
		{"other amount", func(a *Attestation) { a.Amount = "19.99" }, testTxHash},
		{"other recipient", func(a *Attestation) { a.To = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8" }, testTxHash},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := attestationFor(in, testTxHash)
			tc.mutate(&a)
			a = signAttestation(t, key, a)
			assert.ErrorIs(t, a.Verify(in, tc.txHash), xerr.ErrInvalidAttestation)
		})
	}

	t.Run("signed by someone else", func(t *testing.T) {
		a := signAttestation(t, other, attestationFor(in, testTxHash))
		a.From = crypto.PubkeyToAddress(key.PublicKey).Hex()
		assert.ErrorIs(t, a.Verify(in, testTxHash), xerr.ErrInvalidAttestation)
	})

	t.Run("tampered after signing", func(t *testing.T) {
		a := good
		a.Amount = "2000.00"
		assert.ErrorIs(t, a.Verify(in, testTxHash), xerr.ErrInvalidAttestation)
	})

	t.Run("garbage signature", func(t *testing.T) {
		a := good
		a.Signature = "0xdeadbeef"
		assert.ErrorIs(t, a.Verify(in, testTxHash), xerr.ErrInvalidAttestation)
	})
}
