package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/stepcore/internal/chain"
	"github.com/zjrosen/stepcore/internal/log"
	"github.com/zjrosen/stepcore/internal/scriptengine"
	"github.com/zjrosen/stepcore/internal/tracing"
	"github.com/zjrosen/stepcore/internal/uibridge"
)

// slowTickThreshold is the tick duration past which a warning is logged,
// unless the chain requested suppression for this tick.
const slowTickThreshold = 200 * time.Millisecond

// tickPoll is the sleep granularity for a chain's per-tick goroutine
// while paused or waiting for its next scheduled tick.
const tickPoll = 10 * time.Millisecond

// ChainInstance is one running chain: its context, the script currently
// bound to it, and the cooperative tick goroutine driving it. Identified
// by chain_key = script_name + ":" + instance_id.
type ChainInstance struct {
	ScriptName string
	InstanceID string
	ChainKey   string

	ctx *chain.Context

	mu         sync.Mutex
	script     *scriptengine.Script
	nextTickTS time.Time

	stop chan struct{}
	done chan struct{}
}

func chainKey(scriptName, instanceID string) string {
	return scriptName + ":" + instanceID
}

func (rt *Runtime) newChainInstance(scriptName, instanceID string, script *scriptengine.Script) *ChainInstance {
	ctx := chain.New(chainKey(scriptName, instanceID), chain.Deps{
		Bus:          rt.bus,
		UI:           rt.ui,
		NewRequestID: func() string { return uuid.NewString() },
	})
	return &ChainInstance{
		ScriptName: scriptName,
		InstanceID: instanceID,
		ChainKey:   chainKey(scriptName, instanceID),
		ctx:        ctx,
		script:     script,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// setScript swaps the Lua script this instance ticks against, under
// lock, without disturbing its Context (step/vars/data survive a
// RELOAD_SCRIPT/RELOAD_ALL).
func (inst *ChainInstance) setScript(s *scriptengine.Script) {
	inst.mu.Lock()
	inst.script = s
	inst.mu.Unlock()
}

func (inst *ChainInstance) currentScript() *scriptengine.Script {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.script
}

// run is the per-chain cooperative tick goroutine. It ticks
// the entry function once the scheduled time arrives, isolating any
// crash to this chain alone.
func (inst *ChainInstance) run(rt *Runtime) {
	defer close(inst.done)

	for {
		select {
		case <-inst.stop:
			return
		case <-time.After(tickPoll):
		}

		paused, _ := inst.ctx.BeginTick()
		if paused {
			continue
		}

		inst.mu.Lock()
		next := inst.nextTickTS
		script := inst.script
		inst.mu.Unlock()

		if time.Now().Before(next) {
			continue
		}

		inst.tickOnce(rt, script)
	}
}

func (inst *ChainInstance) tickOnce(rt *Runtime, script *scriptengine.Script) {
	_, span := tracing.StartChainTick(context.Background(), rt.tracer, inst.ChainKey, inst.ScriptName, inst.InstanceID)

	var crashErr error
	var slow bool

	func() {
		defer func() {
			if r := recover(); r != nil {
				crashErr = fmt.Errorf("panic: %v", r)
				inst.handleCrash(rt, crashErr)
			}
		}()

		start := time.Now()
		err := scriptengine.CallEntry(script, inst.ctx)
		duration := time.Since(start)

		if err != nil {
			crashErr = err
			inst.handleCrash(rt, err)
			return
		}

		inst.ctx.EndTick(duration)
		slow = duration > slowTickThreshold && !inst.ctx.SlowTickSuppressed()
		if slow {
			log.Warn(log.CatRuntime, "slow tick", "chain_key", inst.ChainKey, "duration_ms", duration.Milliseconds())
		}
	}()

	tracing.EndChainTick(span, inst.ctx.Step, inst.ctx.CycleCount, slow, crashErr)

	cycleTime := inst.ctx.Timing().CycleTime()
	inst.mu.Lock()
	inst.nextTickTS = time.Now().Add(time.Duration(cycleTime * float64(time.Second)))
	inst.mu.Unlock()

	rt.publishChainState(inst)
}

// handleCrash isolates a tick failure to this chain alone:
// the chain is paused with error_flag set, an operator-facing message
// is published, and every other chain continues ticking untouched.
func (inst *ChainInstance) handleCrash(rt *Runtime, err error) {
	message := fmt.Sprintf("%s crashed. Please review and press Retry.", inst.ScriptName)
	log.ErrorErr(log.CatChain, message, err, "chain_key", inst.ChainKey)
	inst.ctx.MarkCrashed(message)
	if rt.ui != nil {
		rt.ui.EmitNotify(message, uibridge.NotifyNegative)
	}
}

// stopAndWait signals the tick goroutine to exit and waits up to
// timeout for it to finish.
func (inst *ChainInstance) stopAndWait(timeout time.Duration) {
	close(inst.stop)
	select {
	case <-inst.done:
	case <-time.After(timeout):
		log.Warn(log.CatRuntime, "chain stop timed out", "chain_key", inst.ChainKey)
	}
}
