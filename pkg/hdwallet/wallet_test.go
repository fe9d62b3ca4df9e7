package hdwallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devMnemonic = "test test test test test test test test test test test junk"

func TestHDWallet_DeriveAddress(t *testing.T) {
	wallet, err := New(devMnemonic)
	require.NoError(t, err)

	cases := []struct {
		index uint32
		want  string
	}{
		{0, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"},
		{1, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"},
	}
	for _, c := range cases {
		addr, err := wallet.DeriveAddress(c.index)
		require.NoError(t, err)
		assert.Equal(t, c.want, addr)
	}

	// same mnemonic, same addresses
	again, err := New(devMnemonic)
	require.NoError(t, err)
	a1, _ := wallet.DeriveAddress(1500)
	a2, _ := again.DeriveAddress(1500)
	assert.Equal(t, a1, a2)
}

func TestHDWallet_Errors(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptyMnemonic)

	_, err = New("not a real mnemonic at all")
	assert.Error(t, err)

	wallet, err := New(devMnemonic)
	require.NoError(t, err)
	_, err = wallet.DeriveAddress(1 << 31)
	assert.Error(t, err)
}
