package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dupescan/dupescan/internal/provider"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	mid := func() float64 { return 0.5 } // zero jitter

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i+1, mid); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestRetryPolicy_Jitter(t *testing.T) {
	p := DefaultRetryPolicy()

	low := p.Delay(2, func() float64 { return 0 })
	high := p.Delay(2, func() float64 { return 0.999999 })
	if low < 799*time.Millisecond || low > 801*time.Millisecond {
		t.Errorf("expected ~800ms at minimum jitter, got %v", low)
	}
	if high < 1199*time.Millisecond || high > 1200*time.Millisecond {
		t.Errorf("expected ~1.2s at maximum jitter, got %v", high)
	}
}

func TestRetryState_Transitions(t *testing.T) {
	s := newRetryState(RetryPolicy{MaxAttempts: 2})
	if s.Phase != PhasePending {
		t.Fatalf("expected pending, got %s", s.Phase)
	}
	if _, err := s.finish(nil); err == nil {
		t.Error("finish from pending should fail")
	}

	if err := s.begin(); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	phase, _ := s.finish(provider.Transient(errors.New("503")))
	if phase != PhaseRetryScheduled {
		t.Errorf("expected retry_scheduled, got %s", phase)
	}
	if s.NextDelay <= 0 {
		t.Error("retry should schedule a delay")
	}

	if err := s.begin(); err != nil {
		t.Fatalf("failed to begin retry: %v", err)
	}
	phase, _ = s.finish(provider.Transient(errors.New("503")))
	if phase != PhaseExhausted {
		t.Errorf("expected exhausted after max attempts, got %s", phase)
	}
	if !phase.Done() {
		t.Error("exhausted should be terminal")
	}
	if err := s.begin(); err == nil {
		t.Error("begin from exhausted should fail")
	}
}

func TestRetryState_PermanentExhaustsImmediately(t *testing.T) {
	s := newRetryState(DefaultRetryPolicy())
	s.begin()
	phase, _ := s.finish(provider.Permanent(errors.New("403")))
	if phase != PhaseExhausted {
		t.Errorf("expected exhausted, got %s", phase)
	}
	if s.Attempt != 1 {
		t.Errorf("expected 1 attempt, got %d", s.Attempt)
	}
}

func TestRunRetry_RecoversFromTransient(t *testing.T) {
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	calls := 0
	state := runRetry(context.Background(), "test", DefaultRetryPolicy(), sleep, func(context.Context) error {
		calls++
		if calls < 3 {
			return provider.Transient(errors.New("rate limited"))
		}
		return nil
	})

	if state.Phase != PhaseSucceeded {
		t.Errorf("expected succeeded, got %s", state.Phase)
	}
	if state.Attempt != 3 {
		t.Errorf("expected 3 attempts, got %d", state.Attempt)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(delays))
	}
	if delays[1] <= delays[0] {
		t.Errorf("expected growing backoff, got %v", delays)
	}
}

func TestRunRetry_GivesUp(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond}
	state := runRetry(context.Background(), "test", policy, noSleep, func(context.Context) error {
		calls++
		return errors.New("connection reset") // unclassified counts as transient
	})

	if state.Phase != PhaseExhausted {
		t.Errorf("expected exhausted, got %s", state.Phase)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
}

func TestRunRetry_PermanentNotRetried(t *testing.T) {
	calls := 0
	state := runRetry(context.Background(), "test", DefaultRetryPolicy(), noSleep, func(context.Context) error {
		calls++
		return provider.Permanent(errors.New("bad request"))
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(state.LastErr, provider.ErrPermanent) {
		t.Errorf("expected permanent error, got %v", state.LastErr)
	}
}

func TestRunRetry_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	state := runRetry(ctx, "test", DefaultRetryPolicy(), noSleep, func(context.Context) error {
		calls++
		cancel()
		return provider.Transient(errors.New("503"))
	})

	if state.Phase != PhaseExhausted {
		t.Errorf("expected exhausted, got %s", state.Phase)
	}
	if !errors.Is(state.LastErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", state.LastErr)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
