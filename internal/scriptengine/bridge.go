package scriptengine

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/zjrosen/stepcore/internal/chain"
	"github.com/zjrosen/stepcore/internal/uibridge"
)

// CallEntry invokes a loaded script's entry function for one tick,
// passing a single Lua table argument that exposes ctx's sub-APIs
// (flow, timing, vars, values, ui, workers, view) as nested tables of
// bound functions. Script code never touches the bus, bridge, or other
// chains directly, only this table.
func CallEntry(s *Script, ctx *chain.Context) error {
	L := s.State
	arg := newContextTable(L, ctx)
	return L.CallByParam(lua.P{Fn: s.Entry, NRet: 0, Protect: true}, arg)
}

func fn(L *lua.LState, f func(L *lua.LState) int) lua.LValue {
	return L.NewFunction(f)
}

func newContextTable(L *lua.LState, ctx *chain.Context) *lua.LTable {
	root := L.NewTable()
	root.RawSetString("chain_id", lua.LString(ctx.ChainID))
	root.RawSetString("step", lua.LNumber(ctx.Step))
	root.RawSetString("cycle_count", lua.LNumber(ctx.CycleCount))

	root.RawSetString("flow", newFlowTable(L, ctx))
	root.RawSetString("timing", newTimingTable(L, ctx))
	root.RawSetString("vars", newVarsTable(L, ctx))
	root.RawSetString("values", newValuesTable(L, ctx))
	root.RawSetString("ui", newUITable(L, ctx))
	root.RawSetString("workers", newWorkersTable(L, ctx))
	root.RawSetString("view", fn(L, func(L *lua.LState) int {
		cmdKey := L.CheckString(1)
		L.Push(newViewTable(L, ctx, cmdKey))
		return 1
	}))
	return root
}

func newFlowTable(L *lua.LState, ctx *chain.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("goto", fn(L, func(L *lua.LState) int {
		step := L.CheckInt(1)
		desc := L.OptString(2, "")
		if desc == "" {
			ctx.Flow().Goto(step)
		} else {
			ctx.Flow().Goto(step, desc)
		}
		return 0
	}))
	t.RawSetString("fail", fn(L, func(L *lua.LState) int {
		ctx.Flow().Fail(L.CheckString(1))
		return 0
	}))
	t.RawSetString("clear_error", fn(L, func(L *lua.LState) int {
		ctx.Flow().ClearError()
		return 0
	}))
	t.RawSetString("pause", fn(L, func(L *lua.LState) int {
		ctx.Flow().Pause()
		return 0
	}))
	t.RawSetString("resume", fn(L, func(L *lua.LState) int {
		ctx.Flow().Resume()
		return 0
	}))
	t.RawSetString("is_paused", fn(L, func(L *lua.LState) int {
		L.Push(lua.LBool(ctx.Flow().IsPaused()))
		return 1
	}))
	return t
}

func newTimingTable(L *lua.LState, ctx *chain.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("set_cycle_time", fn(L, func(L *lua.LState) int {
		ctx.Timing().SetCycleTime(float64(L.CheckNumber(1)))
		return 0
	}))
	t.RawSetString("cycle_time", fn(L, func(L *lua.LState) int {
		L.Push(lua.LNumber(ctx.Timing().CycleTime()))
		return 1
	}))
	t.RawSetString("step_seconds", fn(L, func(L *lua.LState) int {
		L.Push(lua.LNumber(ctx.Timing().StepSeconds()))
		return 1
	}))
	t.RawSetString("timeout", fn(L, func(L *lua.LState) int {
		L.Push(lua.LBool(ctx.Timing().Timeout(float64(L.CheckNumber(1)))))
		return 1
	}))
	return t
}

func newVarsTable(L *lua.LState, ctx *chain.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("get", fn(L, func(L *lua.LState) int {
		key := L.CheckString(1)
		def := fromLua(argOpt(L, 2))
		L.Push(toLua(L, ctx.Vars().Get(key, def)))
		return 1
	}))
	t.RawSetString("set", fn(L, func(L *lua.LState) int {
		ctx.Vars().Set(L.CheckString(1), fromLua(argOpt(L, 2)))
		return 0
	}))
	t.RawSetString("pop", fn(L, func(L *lua.LState) int {
		key := L.CheckString(1)
		def := fromLua(argOpt(L, 2))
		L.Push(toLua(L, ctx.Vars().Pop(key, def)))
		return 1
	}))
	t.RawSetString("has", fn(L, func(L *lua.LState) int {
		L.Push(lua.LBool(ctx.Vars().Has(L.CheckString(1))))
		return 1
	}))
	t.RawSetString("clear", fn(L, func(L *lua.LState) int {
		ctx.Vars().Clear()
		return 0
	}))
	t.RawSetString("inc", fn(L, func(L *lua.LState) int {
		key := L.CheckString(1)
		by := float64(L.OptNumber(2, 1))
		L.Push(lua.LNumber(ctx.Vars().Inc(key, by)))
		return 1
	}))
	t.RawSetString("as_dict", fn(L, func(L *lua.LState) int {
		L.Push(toLua(L, ctx.Vars().AsDict()))
		return 1
	}))
	return t
}

func newValuesTable(L *lua.LState, ctx *chain.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("get", fn(L, func(L *lua.LState) int {
		source, sourceID, key := L.CheckString(1), L.CheckString(2), L.CheckString(3)
		def := fromLua(argOpt(L, 4))
		L.Push(toLua(L, ctx.Values().Get(source, sourceID, key, def)))
		return 1
	}))
	t.RawSetString("latest", fn(L, func(L *lua.LState) int {
		source, sourceID := L.CheckString(1), L.CheckString(2)
		payload, ok := ctx.Values().Latest(source, sourceID)
		if !ok {
			L.Push(lua.LNil)
			L.Push(lua.LBool(false))
			return 2
		}
		L.Push(toLua(L, payload))
		L.Push(lua.LBool(true))
		return 2
	}))
	t.RawSetString("by_key", fn(L, func(L *lua.LState) int {
		val, ok := ctx.Values().ByKey(L.CheckString(1))
		L.Push(toLua(L, val))
		L.Push(lua.LBool(ok))
		return 2
	}))
	t.RawSetString("state", fn(L, func(L *lua.LState) int {
		val, ok := ctx.Values().State(L.CheckString(1))
		L.Push(toLua(L, val))
		L.Push(lua.LBool(ok))
		return 2
	}))
	t.RawSetString("state_all", fn(L, func(L *lua.LState) int {
		L.Push(toLua(L, ctx.Values().StateAll()))
		return 1
	}))
	return t
}

func newUITable(L *lua.LState, ctx *chain.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("set_state", fn(L, func(L *lua.LState) int {
		ctx.UI().SetState(L.CheckString(1), fromLua(argOpt(L, 2)))
		return 0
	}))
	t.RawSetString("set_state_many", fn(L, func(L *lua.LState) int {
		values, _ := fromLua(L.CheckTable(1)).(map[string]any)
		ctx.UI().SetStateMany(values)
		return 0
	}))
	t.RawSetString("notify", fn(L, func(L *lua.LState) int {
		msg := L.CheckString(1)
		kind := uibridge.NotifyKind(L.OptString(2, string(uibridge.NotifyInfo)))
		ctx.UI().Notify(msg, kind)
		return 0
	}))
	t.RawSetString("log", fn(L, func(L *lua.LState) int {
		level := L.OptString(1, "info")
		msg := L.CheckString(2)
		ctx.UI().Log(level, msg)
		return 0
	}))
	t.RawSetString("consume_command", fn(L, func(L *lua.LState) int {
		cmd, ok := ctx.UI().ConsumeCommand(L.CheckString(1))
		L.Push(toLua(L, cmd))
		L.Push(lua.LBool(ok))
		return 2
	}))

	t.RawSetString("popup_confirm", fn(L, func(L *lua.LState) int {
		L.Push(toLua(L, ctx.UI().PopupConfirm(
			L.CheckString(1), L.CheckString(2), L.CheckString(3),
			L.OptString(4, "OK"), L.OptString(5, "Cancel"))))
		return 1
	}))
	t.RawSetString("popup_message", fn(L, func(L *lua.LState) int {
		L.Push(toLua(L, ctx.UI().PopupMessage(L.CheckString(1), L.CheckString(2), L.CheckString(3))))
		return 1
	}))
	t.RawSetString("popup_input_text", fn(L, func(L *lua.LState) int {
		L.Push(toLua(L, ctx.UI().PopupInputText(
			L.CheckString(1), L.CheckString(2), L.CheckString(3),
			L.OptString(4, ""), L.OptString(5, ""))))
		return 1
	}))
	t.RawSetString("popup_input_number", fn(L, func(L *lua.LState) int {
		L.Push(toLua(L, ctx.UI().PopupInputNumber(
			L.CheckString(1), L.CheckString(2), L.CheckString(3), float64(L.OptNumber(4, 0)))))
		return 1
	}))
	t.RawSetString("popup_choose", fn(L, func(L *lua.LState) int {
		optsTbl := L.CheckTable(4)
		goOpts, _ := fromLua(optsTbl).([]any)
		opts := make([]string, 0, len(goOpts))
		for _, o := range goOpts {
			if s, ok := o.(string); ok {
				opts = append(opts, s)
			}
		}
		L.Push(toLua(L, ctx.UI().PopupChoose(L.CheckString(1), L.CheckString(2), L.CheckString(3), opts)))
		return 1
	}))
	t.RawSetString("popup_close", fn(L, func(L *lua.LState) int {
		clear := true
		if L.GetTop() >= 2 {
			clear = bool(L.CheckBool(2))
		}
		ctx.UI().PopupClose(L.CheckString(1), clear)
		return 0
	}))
	t.RawSetString("popup_clear", fn(L, func(L *lua.LState) int {
		ctx.UI().PopupClear(L.OptString(1, ""))
		return 0
	}))
	t.RawSetString("popup_close_all", fn(L, func(L *lua.LState) int {
		ctx.UI().PopupCloseAll()
		return 0
	}))
	t.RawSetString("popup_wait_open", fn(L, func(L *lua.LState) int {
		ctx.UI().PopupWaitOpen(L.CheckString(1), L.OptString(2, ""), L.OptString(3, ""))
		return 0
	}))
	t.RawSetString("popup_wait_close", fn(L, func(L *lua.LState) int {
		ctx.UI().PopupWaitClose(L.CheckString(1))
		return 0
	}))
	return t
}

func newWorkersTable(L *lua.LState, ctx *chain.Context) *lua.LTable {
	t := L.NewTable()
	w := ctx.Workers()

	t.RawSetString("send_cmd", fn(L, func(L *lua.LState) int {
		payload, _ := fromLua(argOpt(L, 3)).(map[string]any)
		w.SendCmd(L.CheckString(1), L.CheckString(2), payload)
		return 0
	}))

	t.RawSetString("tcp_connect", fn(L, func(L *lua.LState) int {
		w.TcpConnect(L.CheckString(1), L.CheckString(2), L.CheckInt(3))
		return 0
	}))
	t.RawSetString("tcp_disconnect", fn(L, func(L *lua.LState) int {
		w.TcpDisconnect(L.CheckString(1))
		return 0
	}))
	t.RawSetString("tcp_send", fn(L, func(L *lua.LState) int {
		w.TcpSend(L.CheckString(1), L.CheckString(2))
		return 0
	}))
	t.RawSetString("tcp_message", fn(L, func(L *lua.LState) int {
		L.Push(toLua(L, w.TcpMessage(L.CheckString(1), fromLua(argOpt(L, 2)))))
		return 1
	}))

	t.RawSetString("plc_write", fn(L, func(L *lua.LState) int {
		w.PlcWrite(L.CheckString(1), L.CheckString(2), fromLua(argOpt(L, 3)))
		return 0
	}))
	t.RawSetString("plc_value", fn(L, func(L *lua.LState) int {
		L.Push(toLua(L, w.PlcValue(L.CheckString(1), L.CheckString(2), fromLua(argOpt(L, 3)))))
		return 1
	}))
	t.RawSetString("plc_wait_value", fn(L, func(L *lua.LState) int {
		timeout := seconds(L.OptNumber(3, 0))
		L.Push(toLua(L, w.PlcWaitValue(L.CheckString(1), L.CheckString(2), timeout, fromLua(argOpt(L, 4)))))
		return 1
	}))

	t.RawSetString("opcua_write", fn(L, func(L *lua.LState) int {
		w.OpcuaWrite(L.CheckString(1), L.CheckString(2), fromLua(argOpt(L, 3)))
		return 0
	}))
	t.RawSetString("opcua_read", fn(L, func(L *lua.LState) int {
		w.OpcuaRead(L.CheckString(1), L.CheckString(2))
		return 0
	}))
	t.RawSetString("opcua_value", fn(L, func(L *lua.LState) int {
		L.Push(toLua(L, w.OpcuaValue(L.CheckString(1), L.CheckString(2), fromLua(argOpt(L, 3)))))
		return 1
	}))
	t.RawSetString("opcua_wait_value", fn(L, func(L *lua.LState) int {
		timeout := seconds(L.OptNumber(3, 0))
		L.Push(toLua(L, w.OpcuaWaitValue(L.CheckString(1), L.CheckString(2), timeout, fromLua(argOpt(L, 4)))))
		return 1
	}))

	t.RawSetString("rest_get", fn(L, func(L *lua.LState) int {
		timeout := seconds(L.OptNumber(3, 5))
		L.Push(toLua(L, w.RestGet(L.CheckString(1), L.CheckString(2), timeout, fromLua(argOpt(L, 4)))))
		return 1
	}))
	t.RawSetString("rest_post_json", fn(L, func(L *lua.LState) int {
		body, _ := fromLua(argOpt(L, 2)).(map[string]any)
		timeout := seconds(L.OptNumber(4, 5))
		L.Push(toLua(L, w.RestPostJSON(L.CheckString(1), body, L.CheckString(3), timeout, fromLua(argOpt(L, 5)))))
		return 1
	}))

	t.RawSetString("itac_login_user", fn(L, func(L *lua.LState) int {
		w.ItacLoginUser(L.CheckString(1), L.CheckString(2), L.CheckString(3))
		return 0
	}))
	t.RawSetString("itac_station_setting", fn(L, func(L *lua.LState) int {
		timeout := seconds(L.OptNumber(3, 5))
		L.Push(toLua(L, w.ItacStationSetting(L.CheckString(1), L.CheckString(2), timeout, fromLua(argOpt(L, 4)))))
		return 1
	}))
	t.RawSetString("itac_custom_function", fn(L, func(L *lua.LState) int {
		args, _ := fromLua(argOpt(L, 3)).(map[string]any)
		timeout := seconds(L.OptNumber(4, 5))
		L.Push(toLua(L, w.ItacCustomFunction(L.CheckString(1), L.CheckString(2), args, timeout, fromLua(argOpt(L, 5)))))
		return 1
	}))
	t.RawSetString("itac_expect_ok", fn(L, func(L *lua.LState) int {
		timeout := seconds(L.OptNumber(3, 5))
		L.Push(lua.LBool(w.ItacExpectOk(L.CheckString(1), L.CheckString(2), timeout)))
		return 1
	}))

	t.RawSetString("com_wait", fn(L, func(L *lua.LState) int {
		timeout := seconds(L.OptNumber(3, 1))
		L.Push(toLua(L, w.ComWait(L.CheckString(1), L.CheckString(2), timeout, fromLua(argOpt(L, 4)))))
		return 1
	}))

	return t
}

func newViewTable(L *lua.LState, ctx *chain.Context, cmdKey string) *lua.LTable {
	t := L.NewTable()
	v := ctx.View(cmdKey)

	t.RawSetString("set_state", fn(L, func(L *lua.LState) int {
		v.SetState(L.CheckString(1), fromLua(argOpt(L, 2)))
		return 0
	}))
	t.RawSetString("set_state_many", fn(L, func(L *lua.LState) int {
		values, _ := fromLua(L.CheckTable(1)).(map[string]any)
		v.SetStateMany(values)
		return 0
	}))
	t.RawSetString("consume_cmd", fn(L, func(L *lua.LState) int {
		cmd, ok := v.ConsumeCmd()
		L.Push(toLua(L, cmd))
		L.Push(lua.LBool(ok))
		return 2
	}))
	t.RawSetString("set_button_enabled", fn(L, func(L *lua.LState) int {
		v.SetButtonEnabled(L.CheckString(1), bool(L.CheckBool(2)))
		return 0
	}))
	t.RawSetString("set_buttons_enabled", fn(L, func(L *lua.LState) int {
		goVals, _ := fromLua(L.CheckTable(1)).(map[string]any)
		states := make(map[string]bool, len(goVals))
		for k, val := range goVals {
			if b, ok := val.(bool); ok {
				states[k] = b
			}
		}
		v.SetButtonsEnabled(states)
		return 0
	}))
	return t
}

// seconds converts a Lua-supplied numeric timeout into a time.Duration.
func seconds(n lua.LNumber) time.Duration {
	return time.Duration(float64(n) * float64(time.Second))
}
