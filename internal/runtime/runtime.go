// Package runtime implements ScriptRuntime: the central
// scheduler owning all ChainInstances, draining the worker bus and the
// UiBridge into their mirrored contexts, dispatching a control-plane
// command queue, running one cooperative tick goroutine per chain with
// crash isolation, and periodically publishing scripts/chains snapshots.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	otrace "go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/config"
	"github.com/zjrosen/stepcore/internal/log"
	"github.com/zjrosen/stepcore/internal/scriptengine"
	"github.com/zjrosen/stepcore/internal/tracing"
	"github.com/zjrosen/stepcore/internal/uibridge"
)

// loopInterval is the supervisor's main-loop sleep.
const loopInterval = 50 * time.Millisecond

// defaultStopTimeout bounds how long STOP_CHAIN waits for a tick
// goroutine to exit before giving up.
const defaultStopTimeout = 1500 * time.Millisecond

// Runtime is ScriptRuntime: the supervisor that owns every ChainInstance
// and drives the whole system's data flow.
type Runtime struct {
	bus    *bus.WorkerBus
	ui     *uibridge.Bridge
	loader *scriptengine.Loader
	cfg    config.RuntimeConfig
	tracer otrace.Tracer

	// chains is owned exclusively by the supervisor goroutine; remote
	// callers interact with it only through SubmitCommand.
	chains map[string]*ChainInstance

	commandsMu sync.Mutex
	commands   []Command

	hotReloadEnabled atomic.Bool
	reloadIntervalNS atomic.Int64
	lastReloadCheck  time.Time
	forceReload      atomic.Bool

	busSub *bus.MultiSubscription
	uiSub  *bus.MultiSubscription

	lastScriptsSnapshot string
	lastChainsSnapshot  string

	stop    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New constructs a ScriptRuntime over the given bus, UI bridge, and
// script loader. Call Start to begin the supervisor loop.
func New(b *bus.WorkerBus, ui *uibridge.Bridge, loader *scriptengine.Loader, cfg config.RuntimeConfig) *Runtime {
	rt := &Runtime{
		bus:    b,
		ui:     ui,
		loader: loader,
		cfg:    cfg,
		chains: make(map[string]*ChainInstance),
		stop:   make(chan struct{}),
	}
	rt.hotReloadEnabled.Store(cfg.HotReloadEnabled)
	interval := cfg.ReloadCheckInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	rt.reloadIntervalNS.Store(int64(interval))
	return rt
}

// WithTracer attaches an OpenTelemetry tracer that wraps every supervisor
// loop iteration and chain tick in a span. Passing nil (the
// default) disables span creation entirely. Call before Start.
func (rt *Runtime) WithTracer(tracer otrace.Tracer) *Runtime {
	rt.tracer = tracer
	return rt
}

// Start performs the startup subscriptions and launches the
// supervisor loop in a background goroutine.
func (rt *Runtime) Start() {
	rt.busSub = rt.bus.SubscribeManyCap(bus.CoreSubscriptionTopics(), rt.cfg.MailboxCap)
	if rt.ui != nil {
		rt.uiSub = rt.ui.SubscribeMany([]string{"state", "state.*"})
		rt.ui.RequestUiState()
	}

	log.Info(log.CatRuntime, "script runtime starting", "name", rt.cfg.Name)

	rt.wg.Add(1)
	go rt.loop()
}

// Stop signals the supervisor loop and every running chain to exit,
// waiting for each to finish within the per-chain shutdown budget.
func (rt *Runtime) Stop() {
	if !rt.stopped.CompareAndSwap(false, true) {
		return
	}
	close(rt.stop)
	rt.wg.Wait()

	for _, inst := range rt.chains {
		inst.stopAndWait(defaultStopTimeout)
	}
	if rt.busSub != nil {
		_ = rt.busSub.Close()
	}
	if rt.uiSub != nil {
		_ = rt.uiSub.Close()
	}
	log.Info(log.CatRuntime, "script runtime stopped", "name", rt.cfg.Name)
}

// ChainCount reports how many chains are currently tracked, for tests
// and diagnostics.
func (rt *Runtime) ChainCount() int {
	return len(rt.chains)
}

// ForceReloadCheck clears the hot-reload interval gate so the next loop
// iteration's maybeCheckForUpdates runs immediately instead of waiting
// out ReloadCheckInterval. A filesystem watcher calls this when it sees
// a relevant change, shortening reload latency without replacing the
// mtime poll as the authoritative check. Safe to call from any
// goroutine.
func (rt *Runtime) ForceReloadCheck() {
	rt.forceReload.Store(true)
}

func (rt *Runtime) loop() {
	defer rt.wg.Done()

	busBatch := rt.cfg.BusDrainBatch
	if busBatch <= 0 {
		busBatch = 400
	}
	uiBatch := rt.cfg.UiDrainBatch
	if uiBatch <= 0 {
		uiBatch = 200
	}
	cmdBatch := rt.cfg.CommandDispatchBatch
	if cmdBatch <= 0 {
		cmdBatch = 200
	}

	for {
		select {
		case <-rt.stop:
			return
		default:
		}

		_, span := tracing.StartLoopIteration(context.Background(), rt.tracer)

		rt.maybeCheckForUpdates()
		rt.drainBus(busBatch)
		rt.drainUIState(uiBatch)
		for _, cmd := range rt.drainCommands(cmdBatch) {
			rt.dispatch(cmd)
		}
		rt.maybePublishLists()

		span.End()

		select {
		case <-rt.stop:
			return
		case <-time.After(loopInterval):
		}
	}
}

// maybeCheckForUpdates runs the loader's mtime-based hot-reload poll
// when enabled and its interval has elapsed, swapping the entry script
// on every chain built from a script that changed.
func (rt *Runtime) maybeCheckForUpdates() {
	if !rt.hotReloadEnabled.Load() {
		return
	}
	forced := rt.forceReload.CompareAndSwap(true, false)
	interval := time.Duration(rt.reloadIntervalNS.Load())
	if !forced && time.Since(rt.lastReloadCheck) < interval {
		return
	}
	rt.lastReloadCheck = time.Now()

	reloaded, err := rt.loader.CheckForUpdates()
	if err != nil {
		log.ErrorErr(log.CatLoader, "hot reload check failed", err)
	}
	for _, name := range reloaded {
		rt.swapScriptForChains(name)
	}
	if len(reloaded) > 0 {
		rt.publishScriptsList()
	}
}

// swapScriptForChains rebinds every chain built from scriptName to a
// freshly loaded copy. Each chain gets its own load so two instances of
// one script never share a Lua state across tick goroutines. A chain
// whose swap fails keeps its previous entry function.
func (rt *Runtime) swapScriptForChains(scriptName string) {
	for _, inst := range rt.chains {
		if inst.ScriptName != scriptName {
			continue
		}
		script, err := rt.loader.Load(scriptName)
		if err != nil {
			log.ErrorErr(log.CatLoader, "script swap failed", err, "chain_key", inst.ChainKey)
			continue
		}
		inst.setScript(script)
	}
}

// drainBus pumps up to max worker-bus messages into every chain's
// mirrored view, routing MODAL_RESPONSE separately to the chain whose
// pending request_id matches.
func (rt *Runtime) drainBus(max int) {
	if rt.busSub == nil {
		return
	}
	for _, msg := range rt.busSub.Drain(max) {
		if msg.Topic == bus.TopicModalResponse {
			rt.routeModalResponse(msg)
			continue
		}
		for _, inst := range rt.chains {
			inst.ctx.ApplyBusMessage(msg)
		}
	}
}

func (rt *Runtime) routeModalResponse(msg bus.Message) {
	key, _ := msg.Payload["key"].(string)
	requestID, _ := msg.Payload["request_id"].(string)
	result := msg.Payload["result"]
	chainID, _ := msg.Payload["chain_id"].(string)

	if chainID != "" {
		if inst, ok := rt.chains[chainID]; ok {
			inst.ctx.ResolveModal(key, requestID, result)
			return
		}
	}
	for _, inst := range rt.chains {
		if inst.ctx.ResolveModal(key, requestID, result) {
			return
		}
	}
}

// drainUIState pumps up to max UiBridge "state"/"state.{k}" messages
// into every chain's AppState mirror.
func (rt *Runtime) drainUIState(max int) {
	if rt.uiSub == nil {
		return
	}
	for _, msg := range rt.uiSub.Drain(max) {
		switch {
		case msg.Topic == "state":
			for _, inst := range rt.chains {
				inst.ctx.ApplyStateReplace(msg.Payload)
			}
		case len(msg.Topic) > len("state.") && msg.Topic[:6] == "state.":
			key := msg.Topic[6:]
			val := msg.Payload[key]
			for _, inst := range rt.chains {
				inst.ctx.ApplyStatePatch(key, val)
			}
		}
	}
}

// publishChainState publishes one chain's current snapshot as
// UPDATE_CHAIN_STATE, called after every tick.
func (rt *Runtime) publishChainState(inst *ChainInstance) {
	if rt.bus == nil {
		return
	}
	snap := inst.ctx.Snapshot()
	snap["chain_key"] = inst.ChainKey
	snap["script_name"] = inst.ScriptName
	snap["instance_id"] = inst.InstanceID
	snap["active"] = true
	rt.bus.Publish(bus.TopicUpdateChainState, "runtime", rt.cfg.Name, snap)
}

func (rt *Runtime) publishScriptsList() {
	names, err := rt.loader.ListAvailable()
	if err != nil {
		log.ErrorErr(log.CatLoader, "listing scripts failed", err)
		names = rt.loader.Loaded()
	}
	snapshot := fmt.Sprintf("%v", names)
	if snapshot == rt.lastScriptsSnapshot {
		return
	}
	rt.lastScriptsSnapshot = snapshot
	rt.bus.Publish(bus.TopicListScripts, "runtime", rt.cfg.Name, map[string]any{"value": names})
}

func (rt *Runtime) publishChainsList() {
	list := make([]map[string]any, 0, len(rt.chains))
	for _, inst := range rt.chains {
		snap := inst.ctx.Snapshot()
		snap["chain_key"] = inst.ChainKey
		snap["script_name"] = inst.ScriptName
		snap["instance_id"] = inst.InstanceID
		snap["active"] = true
		list = append(list, snap)
	}
	snapshot := fmt.Sprintf("%v", list)
	if snapshot == rt.lastChainsSnapshot {
		return
	}
	rt.lastChainsSnapshot = snapshot
	rt.bus.Publish(bus.TopicListChains, "runtime", rt.cfg.Name, map[string]any{"value": list})
}

func (rt *Runtime) maybePublishLists() {
	rt.publishScriptsList()
	rt.publishChainsList()
}
