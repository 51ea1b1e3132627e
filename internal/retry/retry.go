// Package retry implements the counting and counting-with-sleep retry
// policies used to bound transport operations and RPC listener bring-up.
package retry

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// NonRetryableError marks a failure that must never be retried, such as an
// argument validation error. Policy runners abort immediately on this type
// instead of consuming an attempt.
type NonRetryableError struct {
	Op  string
	Err error
}

func (e *NonRetryableError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so that a Policy runner treats it as non-retryable.
func NonRetryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Op: op, Err: err}
}

// IsNonRetryable reports whether err (or any error it wraps) is a
// NonRetryableError.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Policy decides, after a failed attempt, whether another attempt should be
// made and how long to sleep before making it.
type Policy interface {
	// Next is called after attempt (1-indexed) has failed. It returns
	// whether a further attempt should be made and the sleep duration to
	// observe before it.
	Next(attempt int) (retry bool, sleep time.Duration)
}

// Counting allows up to MaxRetries retries with no sleep between attempts.
type Counting struct {
	MaxRetries int
}

// NewCounting builds a CountingRetry policy, per spec.md's
// "CountingRetry(N)": up to N retries, zero sleep.
func NewCounting(maxRetries int) Counting {
	return Counting{MaxRetries: maxRetries}
}

func (c Counting) Next(attempt int) (bool, time.Duration) {
	return attempt <= c.MaxRetries, 0
}

// CountingAndSleep allows up to MaxRetries retries, sleeping Sleep between
// attempts, per spec.md's "CountingAndSleepRetry(N, S)".
type CountingAndSleep struct {
	MaxRetries int
	Sleep      time.Duration
}

func NewCountingAndSleep(maxRetries int, sleep time.Duration) CountingAndSleep {
	return CountingAndSleep{MaxRetries: maxRetries, Sleep: sleep}
}

func (c CountingAndSleep) Next(attempt int) (bool, time.Duration) {
	if attempt > c.MaxRetries {
		return false, 0
	}
	return true, c.Sleep
}

// Sleeper abstracts time.Sleep so tests can observe/skip the delay.
type Sleeper func(time.Duration)

// Retry runs f under policy, logging each attempt with its ordinal. It
// returns f's result on success, returns immediately on a NonRetryableError,
// and otherwise surfaces the last error once the policy is exhausted.
//
// name identifies the operation in log lines; logger may be nil, in which
// case attempts are not logged.
func Retry(name string, logger *slog.Logger, policy Policy, f func() error) error {
	return retry(name, logger, policy, time.Sleep, f)
}

// RetryWithSleeper is Retry with an injectable sleep function, used by tests
// that need to assert on retry timing without actually waiting.
func RetryWithSleeper(name string, logger *slog.Logger, policy Policy, sleep Sleeper, f func() error) error {
	return retry(name, logger, policy, sleep, f)
}

func retry(name string, logger *slog.Logger, policy Policy, sleep Sleeper, f func() error) error {
	attempt := 0
	for {
		attempt++
		err := f()
		if err == nil {
			return nil
		}

		if logger != nil {
			logger.Warn("retry attempt failed", "op", name, "attempt", attempt, "err", err)
		}

		if IsNonRetryable(err) {
			return err
		}

		again, delay := policy.Next(attempt)
		if !again {
			return err
		}

		if delay > 0 {
			sleep(delay)
		}
	}
}
