package segid

import "time"

// Clock abstracts wall-clock reads so tests can drive time-dependent
// behaviour (refresh timeouts, heartbeat staleness) deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
