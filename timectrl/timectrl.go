package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock gives read access to the simulation clock so that observers and
// status endpoints can depend on an abstraction instead of the controller.
type SimClock interface {
	// Now returns the start of the step currently being simulated.
	Now() Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime paces each step against the wall clock.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

// TimeController drives simulated time in fixed steps and notifies
// registered listeners after each step.
type TimeController struct {
	mu        sync.RWMutex
	StartTime Time
	Tick      time.Duration
	Mode      Mode

	// Speedup divides Tick when pacing in RealTime mode. Values <= 1 pace
	// one simulated second per wall-clock second.
	Speedup float64

	currentTime Time
	step        int

	listeners []func(Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Step returns the index of the current step, starting at zero.
func (tc *TimeController) Step() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.step
}

// SetTime moves the clock, used when restoring or in tests.
func (tc *TimeController) SetTime(t Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// AddListener registers a callback invoked after every completed step.
func (tc *TimeController) AddListener(fn func(Time)) {
	tc.listeners = append(tc.listeners, fn)
}

// Advance moves the clock forward by one Tick and notifies listeners.
func (tc *TimeController) Advance() Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	tc.step++
	now := tc.currentTime
	tc.mu.Unlock()

	for _, fn := range tc.listeners {
		fn(now)
	}
	return now
}

// RunUntil calls stepFn with the start of each step [t, t+Tick) while
// t < end, advancing the clock after each call. In RealTime mode each step is
// paced by a ticker. It returns the first error from stepFn, or ctx.Err()
// when the context is cancelled between steps.
func (tc *TimeController) RunUntil(ctx context.Context, end Time, stepFn func(step int, t Time) error) error {
	tc.mu.Lock()
	tc.currentTime = tc.StartTime
	tc.step = 0
	tc.mu.Unlock()

	var ticker *time.Ticker
	if tc.Mode == RealTime {
		period := tc.Tick
		if tc.Speedup > 1 {
			period = time.Duration(float64(period) / tc.Speedup)
		}
		if period <= 0 {
			period = time.Millisecond
		}
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}

	for {
		now := tc.Now()
		if !now.Before(end) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stepFn(tc.Step(), now); err != nil {
			return err
		}
		tc.Advance()

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}
