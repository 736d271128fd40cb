package recurrence

import (
	"context"
	"time"
)

// SleepUntilNext blocks until the next occurrence of r after now. It returns
// false immediately when r has no further occurrence, and false with the
// context error when ctx is cancelled first.
func SleepUntilNext(ctx context.Context, r Rule) (bool, error) {
	next, ok := r.NextFrom(time.Now())
	if !ok {
		return false, nil
	}
	return SleepUntil(ctx, next)
}

// SleepUntil blocks until at, or until ctx is done.
func SleepUntil(ctx context.Context, at time.Time) (bool, error) {
	d := time.Until(at)
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}
