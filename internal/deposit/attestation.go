package deposit

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"lastpush.com/pkg/xerr"
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Attestation is what the external signer hands back next to the tx hash:
// the transfer it claims, signed (EIP-191 personal_sign) by the sender.
type Attestation struct {
	IntentID  string `json:"intent_id"`
	ChainID   int64  `json:"chain_id"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	From      string `json:"from"`
	To        string `json:"to"`
	TxHash    string `json:"tx_hash"`
	Signature string `json:"signature"`
}

// Message is the exact text the sender signs.
func (a Attestation) Message() string {
	var b strings.Builder
	b.WriteString("lastpush deposit attestation\n")
	fmt.Fprintf(&b, "intent: %s\n", a.IntentID)
	fmt.Fprintf(&b, "chain: %d\n", a.ChainID)
	fmt.Fprintf(&b, "token: %s\n", NormalizeToken(a.Token))
	fmt.Fprintf(&b, "amount: %s\n", a.Amount)
	fmt.Fprintf(&b, "from: %s\n", normalizeAddress(a.From))
	fmt.Fprintf(&b, "to: %s\n", normalizeAddress(a.To))
	fmt.Fprintf(&b, "tx: %s", strings.ToLower(a.TxHash))
	return b.String()
}

// Verify checks that a describes exactly this intent and tx hash and that
// the signature recovers to a.From.
func (a Attestation) Verify(in *Intent, txHash string) error {
	if !txHashRe.MatchString(txHash) {
		return invalidAttestation("malformed tx hash")
	}
	if !strings.EqualFold(a.TxHash, txHash) {
		return invalidAttestation("tx hash mismatch")
	}
	if a.IntentID != in.ID {
		return invalidAttestation("intent mismatch")
	}
	if a.ChainID != in.ChainID {
		return invalidAttestation("chain mismatch")
	}
	if NormalizeToken(a.Token) != in.Token {
		return invalidAttestation("token mismatch")
	}
	amount, err := decimal.NewFromString(a.Amount)
	if err != nil || !amount.Equal(in.Amount) {
		return invalidAttestation("amount mismatch")
	}
	if !common.IsHexAddress(a.From) || !common.IsHexAddress(a.To) {
		return invalidAttestation("malformed address")
	}
	if common.HexToAddress(a.To) != common.HexToAddress(in.Address) {
		return invalidAttestation("recipient is not the deposit address")
	}

	signer, err := RecoverSigner(a.Message(), a.Signature)
	if err != nil {
		return xerr.Wrap(err, xerr.InvalidAttestation, "bad signature")
	}
	if signer != common.HexToAddress(a.From) {
		return invalidAttestation("signature is not from the sender")
	}
	return nil
}

// RecoverSigner returns the address that personal_signed msg.
func RecoverSigner(msg string, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	// wallets emit V as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func normalizeAddress(a string) string {
	if !common.IsHexAddress(a) {
		return a
	}
	return common.HexToAddress(a).Hex()
}

func invalidAttestation(msg string) error {
	return xerr.New(xerr.InvalidAttestation, msg)
}
