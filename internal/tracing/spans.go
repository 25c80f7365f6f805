package tracing

// Span attribute keys used by the runtime's own spans, which wrap each
// supervisor loop iteration and each chain tick.
const (
	AttrChainKey    = "chain.key"
	AttrScriptName  = "chain.script_name"
	AttrInstanceID  = "chain.instance_id"
	AttrStep        = "chain.step"
	AttrCycleCount  = "chain.cycle_count"
	AttrTickSlow    = "chain.tick_slow"
	AttrCommandName = "runtime.command"

	AttrErrorMessage = "error.message"
)

// Span name prefixes for consistent naming across the supervisor loop and
// per-chain tick goroutines.
const (
	SpanNameLoopIteration = "runtime.loop_iteration"
	SpanNameChainTick     = "chain.tick"
)

// Event names for span events.
const (
	EventChainCrashed = "chain.crashed"
	EventSlowTick     = "chain.slow_tick"
)
