package timectrl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Components that
// timestamp events or wait on simulated delays depend on it rather than on a
// concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// WallClock is a SimClock that follows real time.
type WallClock struct{}

func (WallClock) Now() time.Time                         { return time.Now().UTC() }
func (WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances one Step per Tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still
	// stepping by Step.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

type timer struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	// Tick is the wall-clock interval between steps in RealTime mode.
	Tick time.Duration
	// Step is how far simulation time advances per tick. Zero means Tick.
	Step time.Duration
	Mode Mode

	currentTime time.Time
	timers      []timer
	listeners   []func(time.Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime jumps simulation time to t and fires any timers that became due.
// Listeners are not notified.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	due := tc.dueTimersLocked()
	tc.mu.Unlock()
	fire(due, t)
}

// After returns a channel that receives the simulation time once d has
// elapsed in simulation time. Implements SimClock. A non-positive d fires
// immediately.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	now := tc.currentTime
	if d <= 0 {
		tc.mu.Unlock()
		ch <- now
		return ch
	}
	tc.timers = append(tc.timers, timer{at: now.Add(d), ch: ch})
	sort.SliceStable(tc.timers, func(i, j int) bool { return tc.timers[i].at.Before(tc.timers[j].at) })
	tc.mu.Unlock()
	return ch
}

// PendingTimers returns the number of timers that have not fired yet.
func (tc *TimeController) PendingTimers() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.timers)
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Advance moves simulation time forward by one step, fires due timers and
// then notifies listeners. It returns the new simulation time.
func (tc *TimeController) Advance() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.step())
	now := tc.currentTime
	due := tc.dueTimersLocked()
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	fire(due, now)
	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Start runs the controller for the specified simulated duration in a
// separate goroutine. It returns a channel that is closed when the
// controller finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tc.Run(context.Background(), duration)
	}()
	return done
}

// Run resets simulation time to StartTime and advances it until duration of
// simulated time has elapsed or ctx is done. A non-positive duration runs
// until cancellation.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	tc.mu.Lock()
	tc.currentTime = tc.StartTime
	step := tc.step()
	tc.mu.Unlock()

	var ticks <-chan time.Time
	if tc.Mode == RealTime {
		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()
		ticks = ticker.C
	}

	elapsed := time.Duration(0)
	for {
		if duration > 0 && elapsed >= duration {
			return nil
		}
		if ticks != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticks:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		tc.Advance()
		elapsed += step
	}
}

func (tc *TimeController) step() time.Duration {
	if tc.Step > 0 {
		return tc.Step
	}
	return tc.Tick
}

func (tc *TimeController) dueTimersLocked() []timer {
	n := 0
	for n < len(tc.timers) && !tc.timers[n].at.After(tc.currentTime) {
		n++
	}
	due := append([]timer(nil), tc.timers[:n]...)
	tc.timers = tc.timers[n:]
	return due
}

func fire(due []timer, now time.Time) {
	for _, t := range due {
		t.ch <- now
	}
}
