package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Config{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     4 * time.Millisecond,
	Multiplier:   2.0,
}

func TestWithRetry(t *testing.T) {
	errTemporary := errors.New("temporary")
	errPermanent := errors.New("permanent")
	retryTemporary := func(err error) bool { return errors.Is(err, errTemporary) }

	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{
			name:      "succeeds on first attempt",
			wantCalls: 1,
		},
		{
			name:      "retries transient errors",
			failures:  []error{errTemporary, errTemporary},
			wantCalls: 3,
		},
		{
			name:      "stops on permanent error",
			failures:  []error{errTemporary, errPermanent},
			wantCalls: 2,
			wantErr:   errPermanent,
		},
		{
			name:      "gives up after max attempts",
			failures:  []error{errTemporary, errTemporary, errTemporary, errTemporary},
			wantCalls: 3,
			wantErr:   ErrMaxAttempts,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := WithRetry(context.Background(), fast, retryTemporary, func() (string, error) {
				calls++
				if calls <= len(tt.failures) {
					return "", tt.failures[calls-1]
				}
				return "ok", nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != "ok" {
					t.Errorf("result = %q, want ok", got)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got != "" {
				t.Errorf("result = %q, want zero value", got)
			}
		})
	}
}

func TestWithRetryKeepsLastError(t *testing.T) {
	errTemporary := errors.New("temporary")
	_, err := WithRetry(context.Background(), fast, func(error) bool { return true }, func() (int, error) {
		return 0, errTemporary
	})
	if !errors.Is(err, ErrMaxAttempts) || !errors.Is(err, errTemporary) {
		t.Fatalf("error %v should wrap both ErrMaxAttempts and the last error", err)
	}
}

func TestWithRetryOnRetry(t *testing.T) {
	cfg := fast
	cfg.MaxAttempts = 4

	var attempts []int
	var delays []time.Duration
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
		delays = append(delays, delay)
	}

	_, _ = WithRetry(context.Background(), cfg, func(error) bool { return true }, func() (struct{}, error) {
		return struct{}{}, errors.New("boom")
	})

	wantAttempts := []int{1, 2, 3}
	wantDelays := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if len(attempts) != len(wantAttempts) {
		t.Fatalf("OnRetry called %d times, want %d", len(attempts), len(wantAttempts))
	}
	for i := range wantAttempts {
		if attempts[i] != wantAttempts[i] {
			t.Errorf("attempt[%d] = %d, want %d", i, attempts[i], wantAttempts[i])
		}
		if delays[i] != wantDelays[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], wantDelays[i])
		}
	}
}

func TestWithRetryContext(t *testing.T) {
	t.Run("cancelled before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		_, err := WithSimpleRetry(ctx, func() (string, error) {
			calls++
			return "", nil
		}, func(error) bool { return true })

		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
		if calls != 0 {
			t.Errorf("calls = %d, want 0", calls)
		}
	})

	t.Run("cancelled during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cfg := Config{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
		cfg.OnRetry = func(int, error, time.Duration) { cancel() }

		errTemporary := errors.New("temporary")
		calls := 0
		_, err := WithRetry(ctx, cfg, func(error) bool { return true }, func() (string, error) {
			calls++
			return "", errTemporary
		})

		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
		if !errors.Is(err, errTemporary) {
			t.Errorf("error = %v should keep the last attempt's error", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig, false},
		{"single attempt", Config{MaxAttempts: 1, Multiplier: 1}, false},
		{"zero attempts", Config{Multiplier: 2}, true},
		{"negative delay", Config{MaxAttempts: 2, InitialDelay: -time.Second, Multiplier: 2}, true},
		{"shrinking multiplier", Config{MaxAttempts: 2, Multiplier: 0.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func BenchmarkWithRetry(b *testing.B) {
	b.Run("no retries", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = WithRetry(context.Background(), fast,
				func(error) bool { return true },
				func() (string, error) { return "success", nil },
			)
		}
	})
}
