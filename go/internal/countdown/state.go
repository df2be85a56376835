package countdown

import (
	"math"
	"strconv"
)

// State is the replicated countdown tuple. Times are session-clock seconds.
// Duration == 0 is the canonical Idle representation.
type State struct {
	StartedAt float64 `json:"start"`
	Duration  float64 `json:"duration"`
}

// IdleState is written whenever a countdown is cleared.
var IdleState = State{}

// Running reports whether the tuple describes an in-flight countdown.
func (s State) Running() bool {
	return s.Duration > 0
}

// EndsAt returns the session-clock time the countdown reaches zero, or 0 when idle.
func (s State) EndsAt() float64 {
	if !s.Running() {
		return 0
	}
	return s.StartedAt + s.Duration
}

// Remaining calculates the seconds left at session time now.
// The result is always within [0, Duration].
func (s State) Remaining(now float64) float64 {
	if !s.Running() {
		return 0
	}

	remaining := s.StartedAt + s.Duration - now
	if remaining < 0 {
		return 0
	}
	if remaining > s.Duration {
		// writer's clock ahead of ours
		return s.Duration
	}
	return remaining
}

// Expired reports a running tuple whose end time has passed but was never cleared.
func (s State) Expired(now float64) bool {
	return s.Running() && s.Remaining(now) <= 0
}

// DisplaySeconds rounds remaining time up to whole seconds so that
// 0 < r <= 1 shows as 1 until the countdown truly reaches zero.
func DisplaySeconds(remaining float64) int {
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining))
}

// Snapshot is what presentation collaborators render.
type Snapshot struct {
	Remaining float64 `json:"remaining"`
	Seconds   int     `json:"seconds"`
	Visible   bool    `json:"visible"`
	Authority bool    `json:"authority"`
}

// Text returns the countdown label: empty when hidden, whole seconds otherwise.
func (s Snapshot) Text() string {
	if !s.Visible {
		return ""
	}
	return strconv.Itoa(s.Seconds)
}

func snapshotOf(st State, now float64, authority bool) Snapshot {
	remaining := st.Remaining(now)
	return Snapshot{
		Remaining: remaining,
		Seconds:   DisplaySeconds(remaining),
		Visible:   remaining > 0,
		Authority: authority,
	}
}
