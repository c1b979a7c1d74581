package webhooks

import (
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{9, 512 * time.Minute},
	}
	for _, tt := range tests {
		if got := ExponentialBackoff(tt.n); got != tt.want {
			t.Errorf("ExponentialBackoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}

	for n := 1; n < 12; n++ {
		if ExponentialBackoff(n) <= ExponentialBackoff(n-1) {
			t.Errorf("backoff not strictly increasing at n=%d", n)
		}
	}
}
