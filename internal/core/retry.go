// Package core provides the retry state machine used for every remote call.
//
// A unit of work moves through:
//
//	Pending -> InFlight -> Succeeded
//	                    -> RetryScheduled -> InFlight ...
//	                    -> Exhausted
//
// Permanent errors and context cancellation go straight to Exhausted.
package core

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/dupescan/dupescan/internal/logging"
	"github.com/dupescan/dupescan/internal/metrics"
	"github.com/dupescan/dupescan/internal/provider"
)

// RetryPolicy controls attempts and backoff.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap on any single delay
	Multiplier  float64       // growth per attempt
	Jitter      float64       // +/- fraction of the delay, 0 to 1
}

// DefaultRetryPolicy returns the standard policy: five attempts, 500ms base
// doubling up to 30s, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based).
// rnd must return a value in [0, 1).
func (p RetryPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 && rnd != nil {
		d += d * p.Jitter * (2*rnd() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// RetryPhase is a state of the retry machine.
type RetryPhase int

const (
	PhasePending RetryPhase = iota
	PhaseInFlight
	PhaseSucceeded
	PhaseRetryScheduled
	PhaseExhausted
)

func (p RetryPhase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseInFlight:
		return "in_flight"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseRetryScheduled:
		return "retry_scheduled"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Done reports whether the phase is terminal.
func (p RetryPhase) Done() bool {
	return p == PhaseSucceeded || p == PhaseExhausted
}

// retryState tracks one unit of work through the machine.
type retryState struct {
	Phase     RetryPhase
	Attempt   int
	NextDelay time.Duration
	LastErr   error

	policy RetryPolicy
	rnd    func() float64
}

func newRetryState(policy RetryPolicy) *retryState {
	return &retryState{
		Phase:  PhasePending,
		policy: policy.withDefaults(),
		rnd:    rand.Float64,
	}
}

// begin moves Pending or RetryScheduled to InFlight.
func (s *retryState) begin() error {
	if s.Phase != PhasePending && s.Phase != PhaseRetryScheduled {
		return fmt.Errorf("cannot start attempt from phase %s", s.Phase)
	}
	s.Phase = PhaseInFlight
	s.Attempt++
	return nil
}

// finish moves InFlight to its next phase given the attempt's outcome.
func (s *retryState) finish(err error) (RetryPhase, error) {
	if s.Phase != PhaseInFlight {
		return s.Phase, fmt.Errorf("cannot finish attempt from phase %s", s.Phase)
	}
	s.LastErr = err
	switch {
	case err == nil:
		s.Phase = PhaseSucceeded
	case !provider.IsTransient(err):
		s.Phase = PhaseExhausted
	case s.Attempt >= s.policy.MaxAttempts:
		s.Phase = PhaseExhausted
	default:
		s.Phase = PhaseRetryScheduled
		s.NextDelay = s.policy.Delay(s.Attempt, s.rnd)
	}
	return s.Phase, nil
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepContext is the default Sleeper.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runRetry drives attempt through the machine until it reaches a terminal
// phase. The returned state carries the attempt count and last error.
// A cancelled ctx during a backoff sleep ends in Exhausted with ctx's error.
func runRetry(ctx context.Context, op string, policy RetryPolicy, sleep Sleeper, attempt func(ctx context.Context) error) *retryState {
	if sleep == nil {
		sleep = sleepContext
	}
	state := newRetryState(policy)

	for {
		if err := state.begin(); err != nil {
			// Unreachable with the loop below; keep the machine honest.
			state.Phase, state.LastErr = PhaseExhausted, err
			return state
		}

		phase, _ := state.finish(attempt(ctx))
		switch phase {
		case PhaseSucceeded:
			return state
		case PhaseExhausted:
			if state.Attempt > 1 || !provider.IsTransient(state.LastErr) {
				logging.Debug("retry exhausted",
					logging.String("op", op), logging.Int("attempts", state.Attempt), logging.Err(state.LastErr))
			}
			return state
		case PhaseRetryScheduled:
			metrics.RecordRetry(op)
			logging.Debug("retry scheduled",
				logging.String("op", op),
				logging.Int("attempt", state.Attempt),
				logging.Duration("delay", state.NextDelay),
				logging.Err(state.LastErr))
			if err := sleep(ctx, state.NextDelay); err != nil {
				state.Phase, state.LastErr = PhaseExhausted, err
				return state
			}
		}
	}
}
