package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lecternhq/lectern/internal/xerrors"
)

func TestRetrySucceedsFirst(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Retry() = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}
	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return xerrors.New(xerrors.CodeNetwork, "transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Retry() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}
	calls := 0
	retryErr := xerrors.New(xerrors.CodeServer, "always fail")

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return retryErr
	})

	if !errors.Is(err, retryErr) {
		t.Errorf("Retry() = %v, want %v", err, retryErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryNonRetryableError(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, Delays: []time.Duration{time.Millisecond}}
	calls := 0
	nonRetryErr := xerrors.New(xerrors.CodeQuota, "plan limit reached")

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return nonRetryErr
	})

	if !errors.Is(err, nonRetryErr) {
		t.Errorf("Retry() = %v, want %v", err, nonRetryErr)
	}
	if calls != 1 { // Should not retry non-retryable errors
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryUnknownErrorNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), UploadRetryConfig(), func() error {
		calls++
		return errors.New("unclassified")
	})

	if err == nil {
		t.Fatal("Retry() = nil, want error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 10, Delays: []time.Duration{100 * time.Millisecond}}
	calls := 0

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func() error {
		calls++
		return xerrors.New(xerrors.CodeNetwork, "fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() = %v, want context.Canceled", err)
	}
}

func TestDelayScheduleClamps(t *testing.T) {
	cfg := RetryConfig{Delays: []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 3 * time.Second},
		{3, 9 * time.Second},
		{4, 9 * time.Second}, // clamped to last entry
		{9, 9 * time.Second},
	}

	for _, tt := range tests {
		if got := cfg.delayFor(tt.attempt); got != tt.want {
			t.Errorf("delayFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestUploadRetryConfig(t *testing.T) {
	cfg := UploadRetryConfig()
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	want := []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}
	if len(cfg.Delays) != len(want) {
		t.Fatalf("Delays = %v, want %v", cfg.Delays, want)
	}
	for i := range want {
		if cfg.Delays[i] != want[i] {
			t.Errorf("Delays[%d] = %v, want %v", i, cfg.Delays[i], want[i])
		}
	}
}

func TestExponentialDelayBounded(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.2}

	for attempt := 1; attempt <= 10; attempt++ {
		d := cfg.delayFor(attempt)
		// jitter is ±10% of the clamped delay
		if d > time.Second+110*time.Millisecond {
			t.Errorf("delayFor(%d) = %v, exceeds max+jitter", attempt, d)
		}
		if d <= 0 {
			t.Errorf("delayFor(%d) = %v, want positive", attempt, d)
		}
	}
}
