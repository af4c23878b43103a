// Package delivery sends a due reminder through its channel provider with
// bounded retries and records exactly one terminal status for it.
package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"reminders/internal/types"
)

// RetryPolicy defines the exponential backoff parameters for delivery
// attempts. MaxAttempts counts provider calls, not retries.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy is three attempts with 1s, 2s backoff capped at 10s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   3,
	BaseDelay:     1 * time.Second,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
}

// CalculateNextRetry computes the delay before the next retry attempt using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := policy.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt && delay < float64(policy.MaxDelay); i++ {
		delay *= factor
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay || d < 0 {
		d = policy.MaxDelay
	}
	return d
}

// Sleeper waits between attempts. It returns early with ctx.Err() when ctx
// is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the production Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsPermanent reports whether retrying err cannot succeed: blocked or
// rejected recipients and validation failures. Everything else, including
// plain errors, is treated as transient.
func IsPermanent(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch {
	case appErr.Code == types.ErrCodeEmailBlocked,
		appErr.Code == types.ErrCodeUpstreamPermanentRejected:
		return true
	case strings.HasPrefix(string(appErr.Code), "validation_"):
		return true
	default:
		return false
	}
}
