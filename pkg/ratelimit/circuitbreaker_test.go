package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lastpush.com/pkg/xerr"
)

func TestManager_TripsOnRetryableOnly(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 2, Timeout: time.Hour}, nil)

	fatal := xerr.New(xerr.FatalProvisioning, "domain taken")
	for i := 0; i < 5; i++ {
		err := m.Execute("registrar", func() error { return fatal })
		assert.ErrorIs(t, err, xerr.ErrFatalProvisioning)
	}

	boom := errors.New("502 bad gateway")
	require.ErrorIs(t, m.Execute("registrar", func() error { return boom }), boom)
	require.ErrorIs(t, m.Execute("registrar", func() error { return boom }), boom)

	called := false
	err := m.Execute("registrar", func() error { called = true; return nil })
	assert.True(t, IsRejected(err))
	assert.False(t, called)

	// breakers are per name
	assert.NoError(t, m.Execute("dns", func() error { return nil }))
}

func TestManager_SameBreakerPerName(t *testing.T) {
	m := NewManager(Rule{}, map[string]Rule{"dns": {TripConsecutiveFailures: 1}})
	assert.Same(t, m.Get("dns"), m.Get("dns"))
	assert.NotSame(t, m.Get("dns"), m.Get("registrar"))
}
