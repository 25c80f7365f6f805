package chain

import "time"

// Timing exposes cycle-time control and step-elapsed readings.
type Timing struct{ c *Context }

// SetCycleTime sets the chain's desired tick interval, clamped to a
// minimum of MinCycleTimeS.
func (t Timing) SetCycleTime(seconds float64) {
	if seconds < MinCycleTimeS {
		seconds = MinCycleTimeS
	}
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CycleTimeS = seconds
}

// CycleTime returns the chain's current cycle time in seconds.
func (t Timing) CycleTime() float64 {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CycleTimeS
}

// StepSeconds returns how long the chain has been in its current step.
func (t Timing) StepSeconds() float64 {
	return time.Since(t.c.StepStartedAt()).Seconds()
}

// Timeout reports whether the current step has been active for at
// least seconds.
func (t Timing) Timeout(seconds float64) bool {
	return t.StepSeconds() >= seconds
}
