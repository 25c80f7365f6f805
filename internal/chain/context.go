// Package chain implements the per-chain execution environment surfaced
// to running scripts: step/next-step scheduling state, per-chain
// variables, mirrored bus values and AppState, modal request/response
// correlation, and the flow/timing/vars/values/ui/workers/views
// sub-APIs scripts call into. Script code never touches the bus, the
// UI bridge, or other chains directly — only Context methods.
package chain

import (
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/uibridge"
)

// MinCycleTimeS is the minimum allowed cycle time; values at or below
// zero are clamped up to it.
const MinCycleTimeS = 0.001

// Deps are the collaborators a Context needs, injected at construction
// so the context never reaches back into the bridge or runtime directly.
type Deps struct {
	Bus          *bus.WorkerBus
	UI           *uibridge.Bridge
	NewRequestID func() string
}

type sourceMirror struct {
	values        map[string]any
	latestPayload map[string]any
	lastTopic     string
	lastAt        time.Time
}

// Context is the per-chain execution environment. Exported fields are
// read directly by the scheduler (ScriptRuntime); script code only ever
// reaches Context through the Flow/Timing/Vars/Values/UI/Workers/Views
// accessor methods.
type Context struct {
	mu sync.Mutex

	deps Deps

	ChainID  string
	Step     int
	NextStep int
	StepDesc string

	stepStartedTS time.Time
	CycleCount    int64
	CycleTimeS    float64
	Paused        bool
	ErrorFlag     bool
	ErrorMessage  string
	StepTimeMS    float64

	suppressSlowTickOnce bool

	data  map[string]map[string]*sourceMirror // source -> source_id -> mirror
	byKey map[string]any                       // last VALUE_CHANGED write, any source, wins

	vars     map[string]any
	uiState  map[string]any
	appState map[string]any // mirror of AppState, replaced/patched by the scheduler

	viewCmds map[string]map[string]any // view key -> latest command payload

	modalPending map[string]string // key -> request_id
	modalResults map[string]any    // key -> result
}

// New creates a Context for chainID with the given collaborators.
func New(chainID string, deps Deps) *Context {
	now := time.Now()
	return &Context{
		deps:          deps,
		ChainID:       chainID,
		CycleTimeS:    MinCycleTimeS,
		stepStartedTS: now,
		data:          make(map[string]map[string]*sourceMirror),
		byKey:         make(map[string]any),
		vars:          make(map[string]any),
		uiState:       make(map[string]any),
		appState:      make(map[string]any),
		viewCmds:      make(map[string]map[string]any),
		modalPending:  make(map[string]string),
		modalResults:  make(map[string]any),
	}
}

func (c *Context) mirrorFor(source, sourceID string) *sourceMirror {
	bySource, ok := c.data[source]
	if !ok {
		bySource = make(map[string]*sourceMirror)
		c.data[source] = bySource
	}
	m, ok := bySource[sourceID]
	if !ok {
		m = &sourceMirror{values: make(map[string]any)}
		bySource[sourceID] = m
	}
	return m
}

// ApplyBusMessage mirrors one drained bus message into this chain's
// view. Modal responses are not applied here — the
// scheduler routes those through ResolveModal once it has matched the
// pending request_id.
func (c *Context) ApplyBusMessage(msg bus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case msg.Topic == bus.TopicValueChanged:
		key, _ := msg.Payload["key"].(string)
		val := msg.Payload["value"]
		mirror := c.mirrorFor(msg.Source, msg.SourceID)
		if key != "" {
			mirror.values[key] = val
			c.byKey[key] = val
		}
		mirror.latestPayload = msg.Payload
		mirror.lastTopic = msg.Topic
		mirror.lastAt = time.Now()

	case strings.HasPrefix(msg.Topic, "view.cmd"):
		viewKey := strings.TrimPrefix(msg.Topic, "view.cmd")
		viewKey = strings.TrimPrefix(viewKey, ".")
		c.viewCmds[viewKey] = msg.Payload

	default:
		mirror := c.mirrorFor(msg.Source, msg.SourceID)
		mirror.latestPayload = msg.Payload
		mirror.lastTopic = msg.Topic
		mirror.lastAt = time.Now()
	}
}

// ApplyStatePatch mirrors one UiBridge "state.{k}" update into AppState.
func (c *Context) ApplyStatePatch(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appState[key] = value
}

// ApplyStateReplace mirrors a full UiBridge "state" snapshot into AppState.
func (c *Context) ApplyStateReplace(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.appState[k] = v
	}
}

// ResolveModal delivers a MODAL_RESPONSE to this chain if its request_id
// matches the pending request for key; stale/unknown request_ids are
// ignored. Returns whether the response was accepted.
func (c *Context) ResolveModal(key, requestID string, result any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.modalPending[key]
	if !ok || pending != requestID {
		return false
	}
	delete(c.modalPending, key)
	c.modalResults[key] = result
	return true
}

// BeginTick snapshots the fields the scheduler needs before invoking the
// entry function, and clears the one-shot slow-tick-suppression flag.
func (c *Context) BeginTick() (paused bool, step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressSlowTickOnce = false
	return c.Paused, c.Step
}

// EndTick advances the step machine, resetting step_started_ts exactly
// when next_step != step, and records tick duration.
func (c *Context) EndTick(tickDuration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CycleCount++
	c.StepTimeMS = float64(tickDuration.Microseconds()) / 1000.0
	if c.NextStep != c.Step {
		c.stepStartedTS = time.Now()
		c.Step = c.NextStep
	}
}

// MarkCrashed puts the chain into the crashed-paused state:
// paused, error_flag set, with an operator-facing message.
func (c *Context) MarkCrashed(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Paused = true
	c.ErrorFlag = true
	c.ErrorMessage = message
}

// SuppressSlowTickOnce marks the current tick as exempt from the
// slow-tick warning (used by synchronous worker waits).
func (c *Context) SuppressSlowTickOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressSlowTickOnce = true
}

// SlowTickSuppressed reports the one-shot suppression flag; BeginTick
// clears it at the start of the next tick.
func (c *Context) SlowTickSuppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressSlowTickOnce
}

// StepStartedAt returns when the current step began.
func (c *Context) StepStartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepStartedTS
}

// Snapshot returns a point-in-time view of chain state for publication
// as UPDATE_CHAIN_STATE.
func (c *Context) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := make(map[string]any, len(c.data))
	for source, bySourceID := range c.data {
		inner := make(map[string]any, len(bySourceID))
		for sourceID, mirror := range bySourceID {
			values := make(map[string]any, len(mirror.values))
			for k, v := range mirror.values {
				values[k] = v
			}
			inner[sourceID] = values
		}
		data[source] = inner
	}

	return map[string]any{
		"step":          c.Step,
		"next_step":     c.NextStep,
		"step_desc":     c.StepDesc,
		"cycle_count":   c.CycleCount,
		"paused":        c.Paused,
		"error_flag":    c.ErrorFlag,
		"error_message": c.ErrorMessage,
		"step_time":     c.StepTimeMS,
		"data":          data,
	}
}

// --- Sub-API accessors ---

// Flow returns the flow-control sub-API.
func (c *Context) Flow() Flow { return Flow{c} }

// Timing returns the cycle-timing sub-API.
func (c *Context) Timing() Timing { return Timing{c} }

// Vars returns the per-chain persistent variable sub-API.
func (c *Context) Vars() Vars { return Vars{c} }

// Values returns the read-only mirrored-bus-view sub-API.
func (c *Context) Values() Values { return Values{c} }

// UI returns the AppState/notification/modal sub-API.
func (c *Context) UI() UI { return UI{c} }

// Workers returns the worker command helper sub-API.
func (c *Context) Workers() Workers { return Workers{c} }

// View returns a view-scoped façade for the given view's command key.
func (c *Context) View(cmdKey string) ViewAPI { return ViewAPI{c: c, cmdKey: cmdKey} }
