package xerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeError_IsMatchesByCode(t *testing.T) {
	err := New(InsufficientFunds, "balance 5.00 < 14.99")
	wrapped := fmt.Errorf("pay order: %w", err)

	assert.True(t, errors.Is(wrapped, ErrInsufficientFunds))
	assert.False(t, errors.Is(wrapped, ErrUnsupportedPair))
	assert.Equal(t, InsufficientFunds, CodeOf(wrapped))
}

func TestWithState(t *testing.T) {
	type order struct{ ID string }

	base := NewErrCode(InsufficientFunds)
	withState := WithState(base, &order{ID: "o-1"})

	assert.Equal(t, InsufficientFunds, CodeOf(withState))
	assert.Equal(t, &order{ID: "o-1"}, StateOf(withState))
	assert.Nil(t, StateOf(base), "WithState must not mutate the original error")

	plain := WithState(errors.New("boom"), "x")
	assert.Equal(t, ServerCommonError, CodeOf(plain))
	assert.Equal(t, "x", StateOf(plain))
	assert.Nil(t, WithState(nil, "x"))
}

func TestWrap_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, DbError, "save order failed")

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, DbError, CodeOf(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want int
	}{
		{OK, http.StatusOK},
		{InsufficientFunds, http.StatusPaymentRequired},
		{UnsupportedPair, http.StatusUnprocessableEntity},
		{IntentExpired, http.StatusGone},
		{InvalidAttestation, http.StatusBadRequest},
		{ConfirmationConflict, http.StatusConflict},
		{RecordNotFound, http.StatusNotFound},
		{RetryableProvisioning, http.StatusServiceUnavailable},
		{12345, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.code), "code %d", tt.code)
	}
	assert.Equal(t, OK, CodeOf(nil))
}
