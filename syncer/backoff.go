package syncer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/logger"
)

const (
	// backoffMaxAttempts caps retries before the call is declared rate
	// limited for good.
	backoffMaxAttempts = 5

	backoffBaseDelay = time.Second
)

// sleeper lets tests run the back-off without real delays.
type sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withBackoff runs fn, retrying only rate-limit rejections with exponential
// delays and full jitter: 2^attempt seconds plus up to one extra second.
// Other errors propagate on the first attempt. Exhausting the attempts
// yields ErrRateLimitExceeded wrapping the last provider error.
func withBackoff(ctx context.Context, sleep sleeper, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < backoffMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := (1 << uint(attempt)) * backoffBaseDelay
			delay += time.Duration(rand.Int63n(int64(time.Second)))
			logger.Warn(ctx, "provider rate limited, backing off",
				logger.String("operation", op),
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
			)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !apperrors.IsRateLimitMessage(lastErr.Error()) {
			return lastErr
		}
	}
	return fmt.Errorf("%w: %s: %v", apperrors.ErrRateLimitExceeded, op, lastErr)
}
