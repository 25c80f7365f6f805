package chain

// Flow controls step transitions, pause/resume, and error state for a
// chain.
type Flow struct{ c *Context }

// Goto schedules a transition to step on the next tick boundary. An
// optional desc replaces step_desc immediately (visible right away even
// though the step number itself only changes at EndTick).
func (f Flow) Goto(step int, desc ...string) {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NextStep = step
	if len(desc) > 0 {
		c.StepDesc = desc[0]
	}
}

// Fail marks the chain as errored without pausing it; scripts typically
// pair this with a Goto to an error-handling step.
func (f Flow) Fail(message string) {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ErrorFlag = true
	c.ErrorMessage = message
}

// ClearError clears error_flag/error_message.
func (f Flow) ClearError() {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ErrorFlag = false
	c.ErrorMessage = ""
}

// Pause stops the chain from ticking until Resume is called.
func (f Flow) Pause() {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Paused = true
}

// Resume clears a pause set by Pause or a prior crash. Error state is
// left as is; RETRY_CHAIN in the scheduler calls ClearError before Resume.
func (f Flow) Resume() {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Paused = false
}

// IsPaused reports whether the chain is currently paused.
func (f Flow) IsPaused() bool {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Paused
}
