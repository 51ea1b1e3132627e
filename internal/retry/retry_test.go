package retry

import (
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterKFailures(t *testing.T) {
	t.Parallel()

	var calls int
	var sleeps []time.Duration

	err := RetryWithSleeper("send", nil, NewCountingAndSleep(5, 10*time.Millisecond), func(d time.Duration) {
		sleeps = append(sleeps, d)
	}, func() error {
		calls++
		if calls <= 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(sleeps) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(sleeps))
	}
	for _, d := range sleeps {
		if d != 10*time.Millisecond {
			t.Fatalf("expected sleep of 10ms, got %v", d)
		}
	}
}

func TestRetryAbortsOnNonRetryable(t *testing.T) {
	t.Parallel()

	var calls int
	err := RetryWithSleeper("send", nil, NewCountingAndSleep(5, time.Millisecond), func(time.Duration) {
		t.Fatalf("must not sleep when aborting on a non-retryable error")
	}, func() error {
		calls++
		return NonRetryable("send", errors.New("bad argument"))
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsNonRetryable(err) {
		t.Fatalf("expected a non-retryable error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestRetryExhaustsAndSurfacesLastError(t *testing.T) {
	t.Parallel()

	var calls int
	sentinel := errors.New("still failing")
	err := RetryWithSleeper("recv", nil, NewCounting(3), func(time.Duration) {}, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 1 initial attempt + 3 retries = 4 calls, got %d", calls)
	}
}

func TestCountingRetryNeverSleeps(t *testing.T) {
	t.Parallel()

	policy := NewCounting(2)
	if retry, sleep := policy.Next(1); !retry || sleep != 0 {
		t.Fatalf("expected retry with zero sleep, got retry=%v sleep=%v", retry, sleep)
	}
	if retry, _ := policy.Next(3); retry {
		t.Fatalf("expected no retry past MaxRetries")
	}
}
