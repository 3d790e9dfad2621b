package session

import (
	"math/rand"
	"time"
)

// NextBackoffDelay returns the wait before reconnect attempt n (1-based):
//
//	d = min(InitialDelay * Multiplier^(n-1), MaxDelay)
//
// With Jitter set and a random source, the result is drawn uniformly from
// [d/2, d], so it never exceeds MaxDelay. A nil source leaves d unjittered.
func NextBackoffDelay(cfg BackoffConfig, n int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := cfg.InitialDelay
	for i := 1; i < n; i++ {
		if cfg.MaxDelay > 0 && d >= cfg.MaxDelay {
			break
		}
		next := time.Duration(float64(d) * mult)
		if next < d {
			break
		}
		d = next
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}

	if !cfg.Jitter || rng == nil || d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rng.Int63n(int64(d-half)+1))
}
