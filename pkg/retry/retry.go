package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop. The wait after failed attempt n is
// BaseDelay * 2^(n-1), capped at MaxDelay.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ConflictPolicy is used for store operations that can collide with a
// concurrent writer.
var ConflictPolicy = Policy{
	Attempts:  3,
	BaseDelay: 100 * time.Millisecond,
	MaxDelay:  time.Second,
}

// Backoff returns base * 2^(attempt-1), capped at max. attempt starts at 1.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Do calls fn until it succeeds, returns an error shouldRetry rejects, or the
// attempts are exhausted. The last error is returned.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		timer := time.NewTimer(Backoff(p.BaseDelay, attempt, p.MaxDelay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
