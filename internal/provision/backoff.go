package provision

import (
	"math/rand"
	"time"
)

// backoff is base * 2^(n-1) with ±12.5% jitter, capped at max. n is 1-based.
func backoff(n int, base, max time.Duration) time.Duration {
	if n <= 0 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if q := int64(d / 4); q > 0 {
		d += time.Duration(rand.Int63n(q)) - d/8
	}
	if d > max {
		d = max
	}
	return d
}
