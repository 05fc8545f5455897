package pipeline

import "time"

// Clock abstracts the parts of package time the cycle depends on, so tests
// can control apparent time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

// Now indirects time.Now.
func (wallClock) Now() time.Time { return time.Now() }

// After indirects time.After.
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WallClock is the real-time Clock.
var WallClock Clock = wallClock{}
