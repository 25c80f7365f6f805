package runtime

// Command names accepted by the supervisor's control-plane queue,
// following the same "{domain}.{verb}" convention worker commands use.
const (
	CmdStartChain   = "script.start_chain"
	CmdStopChain    = "script.stop_chain"
	CmdPauseChain   = "script.pause_chain"
	CmdResumeChain  = "script.resume_chain"
	CmdRetryChain   = "script.retry_chain"
	CmdReloadScript = "script.reload_script"
	CmdReloadAll    = "script.reload_all"
	CmdListScripts  = "script.scripts_list"
	CmdListChains   = "script.chains_list"
	CmdSetHotReload = "script.set_hot_reload"
)

// Command is one entry on the supervisor's control-plane FIFO.
type Command struct {
	Name    string
	Payload map[string]any
}

// SubmitCommand enqueues one command for the next supervisor loop
// iteration to dispatch. Safe to call from any goroutine.
func (rt *Runtime) SubmitCommand(name string, payload map[string]any) {
	rt.commandsMu.Lock()
	rt.commands = append(rt.commands, Command{Name: name, Payload: payload})
	rt.commandsMu.Unlock()
}

func (rt *Runtime) drainCommands(max int) []Command {
	rt.commandsMu.Lock()
	defer rt.commandsMu.Unlock()
	if max <= 0 || max > len(rt.commands) {
		max = len(rt.commands)
	}
	batch := rt.commands[:max]
	rt.commands = rt.commands[max:]
	return batch
}

func str(payload map[string]any, key, def string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (rt *Runtime) dispatch(cmd Command) {
	switch cmd.Name {
	case CmdStartChain:
		rt.handleStartChain(cmd.Payload)
	case CmdStopChain:
		rt.handleStopChain(cmd.Payload)
	case CmdPauseChain:
		rt.handlePauseChain(cmd.Payload)
	case CmdResumeChain:
		rt.handleResumeChain(cmd.Payload)
	case CmdRetryChain:
		rt.handleRetryChain(cmd.Payload)
	case CmdReloadScript:
		rt.handleReloadScript(cmd.Payload)
	case CmdReloadAll:
		rt.handleReloadAll()
	case CmdListScripts:
		// Explicit list requests republish even when unchanged (UI refresh).
		rt.lastScriptsSnapshot = ""
		rt.publishScriptsList()
	case CmdListChains:
		rt.lastChainsSnapshot = ""
		rt.publishChainsList()
	case CmdSetHotReload:
		rt.handleSetHotReload(cmd.Payload)
	}
}
