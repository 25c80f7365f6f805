package runtime_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/config"
	"github.com/zjrosen/stepcore/internal/runtime"
	"github.com/zjrosen/stepcore/internal/scriptengine"
	"github.com/zjrosen/stepcore/internal/uibridge"
)

type noopSink struct{}

func (noopSink) SendCmd(string, string, map[string]any) {}

func newTestRuntime(t *testing.T, scriptsDir string) (*runtime.Runtime, *bus.WorkerBus, *uibridge.Bridge) {
	t.Helper()
	b := bus.NewWorkerBus()
	ui := uibridge.New(noopSink{})
	loader := scriptengine.New(scriptsDir)
	cfg := config.Defaults().Runtime
	cfg.ScriptsDir = scriptsDir
	cfg.ReloadCheckInterval = 20 * time.Millisecond
	rt := runtime.New(b, ui, loader, cfg)
	rt.Start()
	t.Cleanup(rt.Stop)
	return rt, b, ui
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name+".lua")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

// Scenario 1: bus mirror. Publishing VALUE_CHANGED causes the
// mirrored value to show up in a chain's ui state within one drain.
func TestScenario_BusMirror(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "mirror", `
function chain(ctx)
  local msg = ctx.values.get("tcp_client", "s1", "message", "")
  ctx.ui.set_state("output", msg)
end
`)
	rt, b, ui := newTestRuntime(t, dir)

	rt.SubmitCommand(runtime.CmdStartChain, map[string]any{"script_name": "mirror", "instance_id": "default"})
	waitFor(t, time.Second, func() bool { return rt.ChainCount() == 1 })

	b.Publish(bus.TopicValueChanged, "tcp_client", "s1", map[string]any{"key": "message", "value": "HELLO"})

	waitFor(t, time.Second, func() bool {
		ui.Flush(0)
		v, ok := ui.State("output")
		return ok && v == "HELLO"
	})
}

// Scenario 2: hot reload swaps behavior without losing the chain_key.
func TestScenario_HotReloadKeepsChainIdentity(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "demo", `
function chain(ctx)
  local input = ctx.values.by_key("input")
  ctx.ui.set_state("output", "v1:" .. tostring(input))
end
`)
	rt, b, ui := newTestRuntime(t, dir)

	rt.SubmitCommand(runtime.CmdStartChain, map[string]any{"script_name": "demo", "instance_id": "default"})
	waitFor(t, time.Second, func() bool { return rt.ChainCount() == 1 })

	b.Publish(bus.TopicValueChanged, "plc", "line1", map[string]any{"key": "input", "value": "7"})
	waitFor(t, time.Second, func() bool {
		ui.Flush(0)
		v, ok := ui.State("output")
		return ok && v == "v1:7"
	})

	// Overwrite with v2 and force a reload.
	writeScript(t, dir, "demo", `
function chain(ctx)
  local input = ctx.values.by_key("input")
  ctx.ui.set_state("output", "v2:" .. tostring(input))
end
`)
	rt.SubmitCommand(runtime.CmdReloadScript, map[string]any{"script_name": "demo"})

	b.Publish(bus.TopicValueChanged, "plc", "line1", map[string]any{"key": "input", "value": "9"})
	waitFor(t, time.Second, func() bool {
		ui.Flush(0)
		v, ok := ui.State("output")
		return ok && v == "v2:9"
	})

	assert.Equal(t, 1, rt.ChainCount())
}

// Scenario 3: crash isolation. A crashing chain pauses with
// error_flag set while an independent chain runs alongside it.
func TestScenario_CrashIsolation(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "good", `
function chain(ctx)
  ctx.vars.inc("ticks")
end
`)
	writeScript(t, dir, "bad", `
function chain(ctx)
  local n = ctx.vars.inc("n")
  if n >= 2 then
    error("boom")
  end
end
`)
	rt, b, _ := newTestRuntime(t, dir)

	rt.SubmitCommand(runtime.CmdStartChain, map[string]any{"script_name": "good", "instance_id": "default"})
	rt.SubmitCommand(runtime.CmdStartChain, map[string]any{"script_name": "bad", "instance_id": "default"})
	waitFor(t, time.Second, func() bool { return rt.ChainCount() == 2 })

	var crashedMsg map[string]any
	sub := b.Subscribe(bus.TopicUpdateChainState)
	defer sub.Close()

	waitFor(t, 2*time.Second, func() bool {
		for _, msg := range sub.Drain(0) {
			if msg.Payload["chain_key"] == "bad:default" && msg.Payload["error_flag"] == true {
				crashedMsg = msg.Payload
			}
		}
		return crashedMsg != nil
	})
	require.NotNil(t, crashedMsg)
	assert.Equal(t, true, crashedMsg["paused"])
}

// Scenario 4: modal round trip, including rejection of a stale
// request_id.
func TestScenario_ModalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "modal", `
function chain(ctx)
  local result = ctx.ui.popup_confirm("delete", "Delete?", "Are you sure?")
  if result ~= nil then
    ctx.ui.set_state("confirmed", result)
  end
end
`)
	rt, b, ui := newTestRuntime(t, dir)

	modalReqs := b.Subscribe(bus.TopicModalRequest)
	defer modalReqs.Close()

	rt.SubmitCommand(runtime.CmdStartChain, map[string]any{"script_name": "modal", "instance_id": "default"})

	var requestID string
	waitFor(t, time.Second, func() bool {
		for _, msg := range modalReqs.Drain(0) {
			if msg.Payload["key"] == "delete" {
				requestID, _ = msg.Payload["request_id"].(string)
			}
		}
		return requestID != ""
	})

	b.Publish(bus.TopicModalResponse, "ui", "", map[string]any{
		"request_id": "stale-id", "chain_id": "modal:default", "key": "delete", "result": false,
	})
	b.Publish(bus.TopicModalResponse, "ui", "", map[string]any{
		"request_id": requestID, "chain_id": "modal:default", "key": "delete", "result": true,
	})

	waitFor(t, time.Second, func() bool {
		ui.Flush(0)
		v, ok := ui.State("confirmed")
		return ok && v == true
	})
}

// Scenario 5: a synchronous worker wait times out and returns the
// caller-supplied default without the chain getting stuck.
func TestScenario_WorkerWaitTimeout(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "waiter", `
function chain(ctx)
  local v = ctx.workers.plc_wait_value("plc1", "x.y", 0.1, "timed_out")
  ctx.ui.set_state("result", v)
  ctx.vars.inc("waits")
end
`)
	rt, _, ui := newTestRuntime(t, dir)

	rt.SubmitCommand(runtime.CmdStartChain, map[string]any{"script_name": "waiter", "instance_id": "default"})

	waitFor(t, 2*time.Second, func() bool {
		ui.Flush(0)
		v, ok := ui.State("result")
		return ok && v == "timed_out"
	})
	assert.Equal(t, 1, rt.ChainCount())
}

// Scenario 6: wildcard subscription matches both the bare prefix
// and a suffixed topic, but not a topic that merely shares the prefix
// text without the separator.
func TestScenario_WildcardMatch(t *testing.T) {
	b := bus.NewWorkerBus()
	sub := b.Subscribe("view.cmd.*")
	defer sub.Close()

	b.Publish("view.cmd.container_management", "ui", "", map[string]any{"a": 1})
	b.Publish("view.cmd", "ui", "", map[string]any{"b": 2})
	b.Publish("view.command.x", "ui", "", map[string]any{"c": 3})

	msgs := sub.Drain(0)
	require.Len(t, msgs, 2)
	assert.Equal(t, "view.cmd.container_management", msgs[0].Topic)
	assert.Equal(t, "view.cmd", msgs[1].Topic)
}

// ForceReloadCheck lets a filesystem watcher bypass the interval gate so
// a change is picked up well before ReloadCheckInterval elapses.
func TestForceReloadCheck_BypassesReloadInterval(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "versioned", `
function chain(ctx)
  ctx.flow["goto"](0, "v1")
end
`)

	b := bus.NewWorkerBus()
	ui := uibridge.New(noopSink{})
	loader := scriptengine.New(dir)
	cfg := config.Defaults().Runtime
	cfg.ScriptsDir = dir
	cfg.ReloadCheckInterval = time.Hour // would never fire within the test on its own
	rt := runtime.New(b, ui, loader, cfg)
	rt.Start()
	t.Cleanup(rt.Stop)

	rt.SubmitCommand(runtime.CmdStartChain, map[string]any{"script_name": "versioned", "instance_id": "default"})
	waitFor(t, time.Second, func() bool { return rt.ChainCount() == 1 })

	sub := b.Subscribe(bus.TopicUpdateChainState)
	defer sub.Close()
	waitFor(t, time.Second, func() bool {
		for _, msg := range sub.Drain(0) {
			if msg.Payload["step_desc"] == "v1" {
				return true
			}
		}
		return false
	})

	// Touch the file forward in time so its mtime is guaranteed newer,
	// then change its behavior.
	writeScript(t, dir, "versioned", `
function chain(ctx)
  ctx.flow["goto"](0, "v2")
end
`)
	path := filepath.Join(dir, "versioned.lua")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	rt.ForceReloadCheck()

	waitFor(t, time.Second, func() bool {
		for _, msg := range sub.Drain(0) {
			if msg.Payload["step_desc"] == "v2" {
				return true
			}
		}
		return false
	})
}

// An AppState patch emitted through the bridge round-trips into every
// chain's mirrored state view after one flush and one drain.
func TestStateMirror_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "echoer", `
function chain(ctx)
  local v = ctx.values.state("operator")
  if v ~= nil then
    ctx.ui.set_state("greeting", "hello " .. tostring(v))
  end
end
`)
	rt, _, ui := newTestRuntime(t, dir)

	rt.SubmitCommand(runtime.CmdStartChain, map[string]any{"script_name": "echoer", "instance_id": "default"})
	waitFor(t, time.Second, func() bool { return rt.ChainCount() == 1 })

	ui.EmitPatch("operator", "ada")

	waitFor(t, time.Second, func() bool {
		ui.Flush(0)
		v, ok := ui.State("greeting")
		return ok && v == "hello ada"
	})
}

func TestStopChainRemovesInstance(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "once", `
function chain(ctx)
  ctx.vars.inc("n")
end
`)
	rt, _, _ := newTestRuntime(t, dir)
	rt.SubmitCommand(runtime.CmdStartChain, map[string]any{"script_name": "once", "instance_id": "default"})
	waitFor(t, time.Second, func() bool { return rt.ChainCount() == 1 })

	rt.SubmitCommand(runtime.CmdStopChain, map[string]any{"script_name": "once", "instance_id": "default"})
	waitFor(t, time.Second, func() bool { return rt.ChainCount() == 0 })
}
