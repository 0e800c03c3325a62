package threads

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/user/pacha/internal/types"
)

// RetryPolicy controls how failed idempotent reads are retried with
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with 3 attempts, 250ms initial
// delay, 2x multiplier and 5s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// NoRetry returns a policy that makes a single attempt.
func NoRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1, Multiplier: 1}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not reached MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return p.isRetryable(err)
}

// isRetryable classifies errors as retryable or permanent. Client errors
// (4xx, missing threads) and cancellation are permanent; 5xx and transport
// failures are retried.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var notFound *types.NotFoundError
	if errors.As(err, &notFound) {
		return notFound.StatusCode >= http.StatusInternalServerError
	}
	var status *types.HTTPStatusError
	if errors.As(err, &status) {
		return status.StatusCode >= http.StatusInternalServerError
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") {
		return false
	}

	return true
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between retries with
// exponential backoff. The sleep is cut short when ctx is done.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= max(p.MaxAttempts, 1); attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
