package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goosewin/fluxsweep/internal/backend"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultMaxWait  = 300 * time.Second
)

var ErrTimedOut = errors.New("gave up waiting for generation")

// State is the lifecycle of a single prediction while it is being waited on.
type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// TimeoutError is returned when a job never reached a terminal status before
// the wait ceiling. It is distinct from a remote failure.
type TimeoutError struct {
	ID      string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generation %s still pending after %s (limit %s)", e.ID, e.Elapsed.Round(time.Second), e.Limit)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimedOut }

// Clock abstracts time so waits can be simulated.
type Clock interface {
	Now() time.Time
	// NewTimer returns a channel that fires after d and a stop function.
	NewTimer(d time.Duration) (<-chan time.Time, func() bool)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) (<-chan time.Time, func() bool) {
	timer := time.NewTimer(d)
	return timer.C, timer.Stop
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Result describes how a wait ended.
type Result struct {
	State     State
	Artifacts []string
	Polls     int
	Elapsed   time.Duration
}

// Poller waits for submitted predictions to reach a terminal status.
type Poller struct {
	Interval time.Duration
	MaxWait  time.Duration
	Clock    Clock
	// OnState observes every transition, in order.
	OnState func(handle backend.Handle, state State)
}

// Wait polls handle until success, failure or the wait ceiling. It never
// resubmits. A poll transport error ends the wait and is returned as is.
func (p *Poller) Wait(ctx context.Context, b backend.ImageBackend, handle backend.Handle) (Result, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxWait := p.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	clock := p.Clock
	if clock == nil {
		clock = RealClock
	}

	start := clock.Now()
	result := Result{State: StateSubmitted}
	p.transition(handle, &result, StateSubmitted)
	p.transition(handle, &result, StatePolling)

	for {
		status, err := b.Poll(ctx, handle)
		result.Polls++
		result.Elapsed = clock.Now().Sub(start)
		if err != nil {
			p.transition(handle, &result, StateFailed)
			return result, err
		}

		switch status.State {
		case backend.StateSucceeded:
			result.Artifacts = status.Artifacts
			p.transition(handle, &result, StateSucceeded)
			return result, nil
		case backend.StateFailed:
			p.transition(handle, &result, StateFailed)
			return result, &backend.RemoteFailure{ID: handle.ID, Reason: status.Reason}
		}

		if result.Elapsed >= maxWait {
			p.transition(handle, &result, StateTimedOut)
			return result, &TimeoutError{ID: handle.ID, Elapsed: result.Elapsed, Limit: maxWait}
		}

		fired, stop := clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			stop()
			p.transition(handle, &result, StateFailed)
			return result, fmt.Errorf("wait for %s: %w", handle.ID, ctx.Err())
		case <-fired:
		}
	}
}

func (p *Poller) transition(handle backend.Handle, result *Result, state State) {
	result.State = state
	if p.OnState != nil {
		p.OnState(handle, state)
	}
}
