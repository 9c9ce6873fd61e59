package engine

import (
	"context"
	"time"
)

// Poll calls predicate until it returns true or maxAttempts calls have
// been made, sleeping delay between calls. It returns false on exhaustion
// or when ctx is done while waiting. Poll itself never fails; the caller
// decides what a false result means.
func Poll(ctx context.Context, predicate func(ctx context.Context, attempt int) bool, maxAttempts int, delay time.Duration) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if predicate(ctx, attempt) {
			return true
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}

	return false
}
