// Package scheduler decides when an accumulating token stream becomes a
// user-visible update. It is a pure state machine: callers feed observed
// token sizes and a wall clock, and get back the next state plus an emit
// decision, which keeps tests deterministic.
package scheduler

import "time"

// Defaults for the emission thresholds.
const (
	DefaultFirstUpdateChars = 5
	DefaultRegularInterval  = 2 * time.Second
)

// Config holds the emission thresholds.
type Config struct {
	// FirstUpdateChars is the accumulated length that triggers the first
	// user-visible update.
	FirstUpdateChars int

	// RegularInterval is the minimum wall-clock spacing between updates
	// after the first one.
	RegularInterval time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FirstUpdateChars: DefaultFirstUpdateChars,
		RegularInterval:  DefaultRegularInterval,
	}
}

// State is the scheduler's accumulated view of one stream.
type State struct {
	TextLength        int
	HasFirstUpdate    bool
	LastUpdateAt      time.Time
	LastEmittedLength int
}

// Decision is the outcome of one observation.
type Decision struct {
	Emit    bool
	IsFirst bool
}

// Observe folds one token of length chars observed at now into the state.
func (c Config) Observe(state State, chars int, now time.Time) (State, Decision) {
	state.TextLength += chars

	if !state.HasFirstUpdate {
		if state.TextLength >= c.FirstUpdateChars {
			state.HasFirstUpdate = true
			state.LastUpdateAt = now
			state.LastEmittedLength = state.TextLength
			return state, Decision{Emit: true, IsFirst: true}
		}
		return state, Decision{}
	}

	if now.Sub(state.LastUpdateAt) >= c.RegularInterval {
		state.LastUpdateAt = now
		state.LastEmittedLength = state.TextLength
		return state, Decision{Emit: true}
	}
	return state, Decision{}
}

// Finalize decides the terminal update once the stream has ended: emit when
// the accumulated text differs from what was last sent. A stream that never
// reached the first-update threshold but produced text still emits here.
func (c Config) Finalize(state State) (State, Decision) {
	if state.TextLength == state.LastEmittedLength {
		return state, Decision{}
	}
	isFirst := !state.HasFirstUpdate
	state.HasFirstUpdate = true
	state.LastEmittedLength = state.TextLength
	return state, Decision{Emit: true, IsFirst: isFirst}
}
