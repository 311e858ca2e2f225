package scrape

import (
	"errors"
	"fmt"
	"time"
)

// DenialReason explains why a quota reservation was refused.
type DenialReason string

// Reservation denial reasons.
const (
	DenialMonthlyExhausted DenialReason = "monthly_exhausted"
	DenialDailyLimit       DenialReason = "daily_limit"
	DenialHourlyLimit      DenialReason = "hourly_limit"
)

// QuotaExhaustedError reports an expected, non-fatal quota denial. Tasks that
// hit it complete with a warning rather than failing.
type QuotaExhaustedError struct {
	Reason DenialReason
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted: %s", e.Reason)
}

// IsQuotaExhausted reports whether err is a quota denial.
func IsQuotaExhausted(err error) bool {
	var qe *QuotaExhaustedError
	return errors.As(err, &qe)
}

// CircuitOpenError is returned when a source's breaker rejects a call
// without contacting the remote system.
type CircuitOpenError struct {
	Source SourceID
	Until  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Source, e.Until.Format(time.RFC3339))
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// ErrQueueFull signals pool backpressure: the task queue is at capacity and
// the submission was rejected, not queued.
var ErrQueueFull = errors.New("task queue full")

// ErrRateLimited signals a non-blocking rate limiter denial.
var ErrRateLimited = errors.New("rate limited")

// TransientError marks a failure worth retrying (timeout, connection reset).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix (malformed
// response, source structure changed). It counts immediately toward the
// breaker threshold.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
