package webhooks

import "time"

// BackoffFunc returns the delay before the retry that follows failed attempt n.
type BackoffFunc func(n int) time.Duration

const maxBackoffShift = 20

// ExponentialBackoff waits 2^n minutes after attempt n: 2m, 4m, 8m, ...
func ExponentialBackoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > maxBackoffShift {
		n = maxBackoffShift
	}
	return time.Duration(1<<uint(n)) * time.Minute
}
