package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// DefaultMaxAttempts bounds transparent retries on concurrency conflicts.
const DefaultMaxAttempts = 3

const retryBackoff = 15 * time.Millisecond

// Retry runs fn until it succeeds, fails with a non-conflict error, or attempts run out.
// Each attempt must start from scratch. Exhaustion wraps the last conflict in
// shared.ErrRetryExhausted.
func Retry(ctx context.Context, attempts int, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, shared.ErrConcurrencyConflict) {
			return err
		}
		last = err
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * retryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %w", shared.ErrRetryExhausted, last)
}
