package runtime

import (
	"time"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/log"
)

// handleStartChain loads the named script and creates a new
// ChainInstance, stopping any previous instance under the same
// chain_key first.
func (rt *Runtime) handleStartChain(payload map[string]any) {
	scriptName := str(payload, "script_name", "")
	instanceID := str(payload, "instance_id", "default")
	if scriptName == "" {
		return
	}
	key := chainKey(scriptName, instanceID)

	if existing, ok := rt.chains[key]; ok {
		existing.stopAndWait(defaultStopTimeout)
		delete(rt.chains, key)
	}

	script, err := rt.loader.Load(scriptName)
	if err != nil {
		log.ErrorErr(log.CatLoader, "start_chain load failed", err, "script_name", scriptName)
		rt.bus.Publish(bus.TopicError, "runtime", rt.cfg.Name, map[string]any{
			"action": "start_chain",
			"error":  err.Error(),
		})
		return
	}

	inst := rt.newChainInstance(scriptName, instanceID, script)
	rt.chains[key] = inst
	go inst.run(rt)

	log.Info(log.CatRuntime, "chain started", "chain_key", key)
	rt.publishChainState(inst)
	rt.publishChainsList()
}

// handleStopChain marks a chain inactive, signals its tick goroutine to
// stop, joins it with a timeout, and removes it from the table.
func (rt *Runtime) handleStopChain(payload map[string]any) {
	key := resolveChainKey(payload)
	inst, ok := rt.chains[key]
	if !ok {
		return
	}
	delete(rt.chains, key)
	inst.stopAndWait(defaultStopTimeout)
	log.Info(log.CatRuntime, "chain stopped", "chain_key", key)
	rt.publishChainsList()
}

func (rt *Runtime) handlePauseChain(payload map[string]any) {
	if inst, ok := rt.chains[resolveChainKey(payload)]; ok {
		inst.ctx.Flow().Pause()
	}
}

func (rt *Runtime) handleResumeChain(payload map[string]any) {
	if inst, ok := rt.chains[resolveChainKey(payload)]; ok {
		inst.ctx.Flow().Resume()
		inst.mu.Lock()
		inst.nextTickTS = time.Time{}
		inst.mu.Unlock()
	}
}

func (rt *Runtime) handleRetryChain(payload map[string]any) {
	if inst, ok := rt.chains[resolveChainKey(payload)]; ok {
		inst.ctx.Flow().ClearError()
		inst.ctx.Flow().Resume()
		inst.mu.Lock()
		inst.nextTickTS = time.Time{}
		inst.mu.Unlock()
	}
}

// handleReloadScript force-reloads one script and swaps the entry
// function on every running chain built from it, under the chain's own
// lock, without resetting step/vars/data.
func (rt *Runtime) handleReloadScript(payload map[string]any) {
	name := str(payload, "script_name", "")
	if name == "" {
		return
	}
	if _, err := rt.loader.Load(name); err != nil {
		log.ErrorErr(log.CatLoader, "reload_script failed", err, "script_name", name)
		rt.bus.Publish(bus.TopicError, "runtime", rt.cfg.Name, map[string]any{
			"action": "reload_script",
			"error":  err.Error(),
		})
		return
	}
	rt.swapScriptForChains(name)
	rt.publishScriptsList()
}

func (rt *Runtime) handleReloadAll() {
	reloaded, err := rt.loader.ReloadAll()
	for _, name := range reloaded {
		rt.swapScriptForChains(name)
	}
	if err != nil {
		log.ErrorErr(log.CatLoader, "reload_all failed", err)
		rt.bus.Publish(bus.TopicError, "runtime", rt.cfg.Name, map[string]any{
			"action": "reload_all",
			"error":  err.Error(),
		})
	}
	rt.publishScriptsList()
}

func (rt *Runtime) handleSetHotReload(payload map[string]any) {
	if enabled, ok := payload["enabled"].(bool); ok {
		rt.hotReloadEnabled.Store(enabled)
	}
	switch secs := payload["interval_seconds"].(type) {
	case float64:
		if secs > 0 {
			rt.reloadIntervalNS.Store(int64(secs * float64(time.Second)))
		}
	case int:
		if secs > 0 {
			rt.reloadIntervalNS.Store(int64(time.Duration(secs) * time.Second))
		}
	}
}

func resolveChainKey(payload map[string]any) string {
	if key := str(payload, "chain_key", ""); key != "" {
		return key
	}
	return chainKey(str(payload, "script_name", ""), str(payload, "instance_id", "default"))
}
