package deposit

import (
	"sort"
	"strconv"
	"strings"
)

// Matrix is the set of (chain id, token) pairs deposits are accepted for.
// It is immutable; a config reload swaps in a new one.
type Matrix struct {
	pairs map[int64]map[string]struct{}
}

// DefaultSupported: USDT and USDC on Ethereum, BNB Chain, Polygon and
// Arbitrum; USDC only on Base.
var DefaultSupported = map[string][]string{
	"1":     {"USDT", "USDC"},
	"56":    {"USDT", "USDC"},
	"137":   {"USDT", "USDC"},
	"42161": {"USDT", "USDC"},
	"8453":  {"USDC"},
}

// NewMatrix builds a matrix from the config shape (chain id as string key).
// Keys that are not integers are skipped.
func NewMatrix(supported map[string][]string) *Matrix {
	m := &Matrix{pairs: make(map[int64]map[string]struct{}, len(supported))}
	for k, tokens := range supported {
		chainID, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil || chainID <= 0 {
			continue
		}
		set := m.pairs[chainID]
		if set == nil {
			set = make(map[string]struct{}, len(tokens))
			m.pairs[chainID] = set
		}
		for _, t := range tokens {
			set[NormalizeToken(t)] = struct{}{}
		}
	}
	return m
}

func (m *Matrix) Supports(chainID int64, token string) bool {
	set, ok := m.pairs[chainID]
	if !ok {
		return false
	}
	_, ok = set[NormalizeToken(token)]
	return ok
}

// Chains lists the supported chain ids with their tokens, sorted.
func (m *Matrix) Chains() map[int64][]string {
	out := make(map[int64][]string, len(m.pairs))
	for chainID, set := range m.pairs {
		tokens := make([]string, 0, len(set))
		for t := range set {
			tokens = append(tokens, t)
		}
		sort.Strings(tokens)
		out[chainID] = tokens
	}
	return out
}

func NormalizeToken(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}
