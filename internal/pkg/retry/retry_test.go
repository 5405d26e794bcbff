package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "upstream status" }
func (e statusErr) HTTPStatus() int { return e.code }

type opaqueWrap struct{ inner error }

func (e opaqueWrap) Error() string { return "request failed" }
func (e opaqueWrap) Unwrap() error { return e.inner }

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 429", statusErr{code: 429}, true},
		{"status 500", statusErr{code: 500}, false},
		{"message 429", errors.New("POST /v1/messages: 429"), true},
		{"message 429 with text", errors.New(`429 {"type":"error"}`), true},
		{"anthropic error type", errors.New(`{"type":"rate_limit_error"}`), true},
		{"429 inside url", errors.New("navigate https://x.ir/p/14290: timeout"), false},
		{"429 as path segment", errors.New("navigate https://x.ir/p/429: timeout"), false},
		{"429 inside id", errors.New("product 4291 not found"), false},
		{"message too many requests", errors.New("Too Many Requests, slow down"), true},
		{"wrapped with fmt", fmt.Errorf("decide: %w", statusErr{code: 429}), true},
		{"opaque wrapper hides message", opaqueWrap{inner: statusErr{code: 429}}, true},
		{"opaque wrapper non rate limit", opaqueWrap{inner: errors.New("boom")}, false},
		{"joined", errors.Join(errors.New("a"), opaqueWrap{inner: errors.New("too many requests")}), true},
		{"plain", errors.New("navigate failed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimited(tt.err); got != tt.want {
				t.Errorf("IsRateLimited() = %v, want %v", got, tt.want)
			}
		})
	}
}

func recordingConfig(slept *[]time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return cfg
}

func TestDo_BackoffThenSuccess(t *testing.T) {
	var slept []time.Duration
	calls := 0
	v, attempts, err := Do(context.Background(), recordingConfig(&slept), func(ctx context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", statusErr{code: 429}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" || attempts != 4 {
		t.Fatalf("got %q after %d attempts", v, attempts)
	}

	var total time.Duration
	for _, d := range slept {
		total += d
	}
	if total != 7*time.Second {
		t.Fatalf("total backoff = %v, want 7s (%v)", total, slept)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestDo_Exhausted(t *testing.T) {
	var slept []time.Duration
	calls := 0
	_, attempts, err := Do(context.Background(), recordingConfig(&slept), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("429 too many requests")
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 4 || attempts != 4 {
		t.Fatalf("calls=%d attempts=%d, want 4", calls, attempts)
	}
	if len(slept) != 3 {
		t.Fatalf("expected 3 waits, got %d", len(slept))
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	var slept []time.Duration
	boom := errors.New("navigation failed")
	calls := 0
	_, _, err := Do(context.Background(), recordingConfig(&slept), func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if calls != 1 || len(slept) != 0 {
		t.Fatalf("calls=%d waits=%d, want 1 and 0", calls, len(slept))
	}
}

func TestDo_CancellationNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var slept []time.Duration
	calls := 0
	_, _, err := Do(ctx, recordingConfig(&slept), func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, statusErr{code: 429}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 || len(slept) != 0 {
		t.Fatalf("cancellation must not be retried: calls=%d waits=%d", calls, len(slept))
	}
}

func TestDo_SleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Hour
	cfg.OnRetry = func(int, time.Duration, error) { cancel() }

	start := time.Now()
	_, _, err := Do(ctx, cfg, func(ctx context.Context) (int, error) {
		return 0, statusErr{code: 429}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("sleep did not observe cancellation")
	}
}

func TestConfigDelay_Cap(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second}
	if d := cfg.Delay(1); d != time.Second {
		t.Fatalf("Delay(1) = %v", d)
	}
	if d := cfg.Delay(4); d != 3*time.Second {
		t.Fatalf("Delay(4) = %v, want capped 3s", d)
	}
}
