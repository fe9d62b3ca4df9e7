package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"lastpush.com/pkg/metrics"
	"lastpush.com/pkg/xerr"
)

type Rule struct {
	// probes let through while half-open
	MaxRequests uint32 `mapstructure:"max_requests"`
	// closed-state counting window
	Interval time.Duration `mapstructure:"interval"`
	// >0 enables a rolling window with this bucket size
	BucketPeriod time.Duration `mapstructure:"bucket_period"`
	// how long the breaker stays open before half-open
	Timeout time.Duration `mapstructure:"timeout"`

	TripConsecutiveFailures uint32  `mapstructure:"trip_consecutive_failures"`
	TripFailureRate         float64 `mapstructure:"trip_failure_rate"` // 0~1
	TripMinRequests         uint32  `mapstructure:"trip_min_requests"`
}

// Manager hands out one breaker per downstream name (registrar, dns, ...).
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule
}

func NewManager(defaultRule Rule, perName map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 1
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 30 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = time.Minute
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 10
	}
	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 8),
		defaultRule: defaultRule,
		rules:       perName,
	}
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[struct{}] {
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule, ok := m.rules[name]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:         name,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: isSuccessfulForBreaker,
		OnStateChange: func(name string, _ gobreaker.State, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name).Set(float64(to))
		},
	}
	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	m.m[name] = cb
	return cb
}

// Execute runs fn through the named breaker. A rejected call (open or
// half-open saturated) comes back as gobreaker.ErrOpenState / ErrTooManyRequests.
func (m *Manager) Execute(name string, fn func() error) error {
	_, err := m.Get(name).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// IsRejected reports whether err came from the breaker rather than the call.
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// A fatal answer (domain taken, bad request) means the downstream is healthy
// and must not push the breaker towards open. Our own cancellation neither.
func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return xerr.CodeOf(err) == xerr.FatalProvisioning
}
