// Package hdwallet derives EVM deposit addresses from a BIP39 mnemonic.
package hdwallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// CoinTypeEVM is the SLIP-44 coin type shared by every EVM chain.
const CoinTypeEVM uint32 = 60

var ErrEmptyMnemonic = errors.New("hdwallet: mnemonic cannot be empty")

type HDWallet struct {
	masterKey *hdkeychain.ExtendedKey
}

func New(mnemonic string) (*HDWallet, error) {
	if mnemonic == "" {
		return nil, ErrEmptyMnemonic
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("hdwallet: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	// the network params only affect the xprv serialization prefix, never the derived keys
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	return &HDWallet{masterKey: master}, nil
}

// DeriveAddress walks m/44'/60'/0'/0/index and returns the checksummed address.
// Private keys never leave this package; sweeping is handled elsewhere.
func (w *HDWallet) DeriveAddress(index uint32) (string, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return "", fmt.Errorf("hdwallet: index %d out of range", index)
	}
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		CoinTypeEVM + hdkeychain.HardenedKeyStart,
		0 + hdkeychain.HardenedKeyStart,
		0,
		index,
	}
	key := w.masterKey
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return "", err
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(priv.ToECDSA().PublicKey).Hex(), nil
}
