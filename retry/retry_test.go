package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name       string
		attempts   int
		failures   []error
		wantCalls  int
		wantErr    error
		wantResult int
	}{
		{
			name:       "success on first attempt",
			attempts:   3,
			wantCalls:  1,
			wantResult: 42,
		},
		{
			name:       "success after transient failures",
			attempts:   3,
			failures:   []error{errTransient, errTransient},
			wantCalls:  3,
			wantResult: 42,
		},
		{
			name:      "fatal error stops immediately",
			attempts:  5,
			failures:  []error{errFatal},
			wantCalls: 1,
			wantErr:   errFatal,
		},
		{
			name:      "transient then fatal",
			attempts:  5,
			failures:  []error{errTransient, errFatal},
			wantCalls: 2,
			wantErr:   errFatal,
		},
		{
			name:      "attempts exhausted",
			attempts:  3,
			failures:  []error{errTransient, errTransient, errTransient, errTransient},
			wantCalls: 3,
			wantErr:   errTransient,
		},
		{
			name:      "zero attempts still calls once",
			attempts:  0,
			failures:  []error{errTransient},
			wantCalls: 1,
			wantErr:   errTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			result, err := Do(context.Background(), fastPolicy(tt.attempts), isTransient, func(attempt int) (int, error) {
				calls++
				if attempt != calls {
					t.Errorf("Expected attempt %d, got %d", calls, attempt)
				}
				if attempt <= len(tt.failures) {
					return 0, tt.failures[attempt-1]
				}
				return 42, nil
			})

			if calls != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, calls)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if result != tt.wantResult {
				t.Errorf("Expected result %d, got %d", tt.wantResult, result)
			}
		})
	}
}

func TestDo_ExhaustedError(t *testing.T) {
	_, err := Do(context.Background(), fastPolicy(2), nil, func(int) (string, error) {
		return "", errTransient
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected ExhaustedError, got %T", err)
	}
	if exhausted.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", exhausted.Attempts)
	}
	if !errors.Is(err, errTransient) {
		t.Error("Expected ExhaustedError to unwrap to the last error")
	}
}

func TestDo_ContextCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := Do(ctx, fastPolicy(3), nil, func(int) (int, error) {
		called = true
		return 1, nil
	})
	if called {
		t.Error("Expected fn not to be called with a cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Attempts: 5, BaseDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, policy, nil, func(int) (int, error) {
			calls++
			return 0, errTransient
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
		if calls != 1 {
			t.Errorf("Expected 1 call before cancellation, got %d", calls)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d): expected %v, got %v", tt.n, tt.want, got)
		}
	}

	constant := Policy{BaseDelay: 50 * time.Millisecond}
	if got := constant.Delay(4); got != 50*time.Millisecond {
		t.Errorf("Expected constant delay without multiplier, got %v", got)
	}
}

func TestPolicy_Jitter(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		got := p.jittered(2)
		if got < 100*time.Millisecond || got > 200*time.Millisecond {
			t.Fatalf("Expected jittered delay in [100ms, 200ms], got %v", got)
		}
	}
}
