package scriptengine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/chain"
	"github.com/zjrosen/stepcore/internal/scriptengine"
	"github.com/zjrosen/stepcore/internal/uibridge"
)

func newTestContext(t *testing.T) (*chain.Context, *bus.WorkerBus, *uibridge.Bridge) {
	t.Helper()
	b := bus.NewWorkerBus()
	ui := uibridge.New(nil)
	ctx := chain.New("demo:default", chain.Deps{
		Bus:          b,
		UI:           ui,
		NewRequestID: func() string { return "req-1" },
	})
	return ctx, b, ui
}

// CallEntry must expose vars, values, and ui as callable sub-tables
// reachable from the single ctx argument handed to the entry function.
func TestCallEntry_VarsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "demo", `
function chain(ctx)
  local n = ctx.vars.inc("hits")
  ctx.ui.set_state("hits", n)
end
`)
	loader := scriptengine.New(dir)
	script, err := loader.Load("demo")
	require.NoError(t, err)

	ctx, _, ui := newTestContext(t)

	require.NoError(t, scriptengine.CallEntry(script, ctx))
	require.NoError(t, scriptengine.CallEntry(script, ctx))

	assert.Equal(t, float64(2), ctx.Vars().Get("hits", 0.0))

	ui.Flush(0)
	v, ok := ui.State("hits")
	require.True(t, ok)
	assert.Equal(t, float64(2), v)
}

// Mirrored bus values surface to the script through ctx.values, and a
// round-tripped table argument preserves string keys.
func TestCallEntry_ValuesMirrorAndTableArgs(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "demo", `
function chain(ctx)
  local msg = ctx.values.get("tcp_client", "s1", "message", "none")
  ctx.ui.set_state_many({output = msg, seen = true})
end
`)
	loader := scriptengine.New(dir)
	script, err := loader.Load("demo")
	require.NoError(t, err)

	ctx, _, ui := newTestContext(t)
	ctx.ApplyBusMessage(bus.Message{
		Topic: bus.TopicValueChanged, Source: "tcp_client", SourceID: "s1",
		Payload: map[string]any{"key": "message", "value": "hi"},
	})

	require.NoError(t, scriptengine.CallEntry(script, ctx))

	ui.Flush(0)
	out, ok := ui.State("output")
	require.True(t, ok)
	assert.Equal(t, "hi", out)
	seen, ok := ui.State("seen")
	require.True(t, ok)
	assert.Equal(t, true, seen)
}

// A script error (uncaught Lua error() call) surfaces as a Go error
// rather than panicking the host.
func TestCallEntry_ScriptErrorReturnsError(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "demo", `
function chain(ctx)
  error("boom")
end
`)
	loader := scriptengine.New(dir)
	script, err := loader.Load("demo")
	require.NoError(t, err)

	ctx, _, _ := newTestContext(t)
	err = scriptengine.CallEntry(script, ctx)
	assert.Error(t, err)
}

// flow.goto/fail/pause/resume mutate the Context the way the chain
// sub-API documents.
func TestCallEntry_FlowControl(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "demo", `
function chain(ctx)
  ctx.flow["goto"](3, "advance")
  ctx.flow.pause()
end
`)
	loader := scriptengine.New(dir)
	script, err := loader.Load("demo")
	require.NoError(t, err)

	ctx, _, _ := newTestContext(t)
	require.NoError(t, scriptengine.CallEntry(script, ctx))

	assert.True(t, ctx.Flow().IsPaused())
	snap := ctx.Snapshot()
	assert.Equal(t, 3, snap["next_step"])
}
