package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy governs retries of stream initiation. Only *APIError
// values marked Retryable trigger another attempt; once a stream has
// begun delivering events, failures surface to the caller untouched so
// partial output is never silently replayed.
//
// Attempts: 1 is the no-retry policy: a single call, errors surface
// immediately. Only a non-positive Attempts falls back to DefaultRetry,
// so the zero value behaves sensibly without taking the single-attempt
// form away from callers.
type RetryPolicy struct {
	Attempts  int           // total attempts, including the first; 1 = no retry
	BaseDelay time.Duration // doubled after each server-error attempt
}

// DefaultRetry is three attempts with 2s, 4s pauses for server errors.
var DefaultRetry = RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second}

// rateLimitDelays is the pause schedule after HTTP 429. Provider rate
// windows reset on the minute, so fixed long waits beat exponential
// backoff here.
var rateLimitDelays = []time.Duration{30 * time.Second, 60 * time.Second}

// Do runs fn up to p.Attempts times, sleeping between attempts
// according to the error class. It returns fn's last result.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, fn func() (*Result, error)) (*Result, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultRetry.Attempts
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetry.BaseDelay
	}

	var res *Result
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		res, err = fn()
		if err == nil {
			return res, nil
		}
		if attempt == attempts-1 {
			break
		}
		delay, ok := retryDelay(err, attempt, base)
		if !ok {
			return nil, err
		}
		if logger != nil {
			logger.Warn("provider call failed, retrying",
				"attempt", attempt+1,
				"delay", delay,
				"error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, err
}

// retryDelay classifies err and returns the pause before the next
// attempt, or ok=false when the error is permanent.
func retryDelay(err error, attempt int, base time.Duration) (time.Duration, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Retryable() {
		return 0, false
	}
	if apiErr.Status == 429 {
		if attempt >= len(rateLimitDelays) {
			return 0, false
		}
		return rateLimitDelays[attempt], true
	}
	return base << attempt, true
}
