package syncer

import "time"

const (
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 5 * time.Minute
	DefaultItemDelay   = 100 * time.Millisecond
)

// Backoff returns min(base * 2^retryCount, max). Negative counts are treated
// as zero.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
