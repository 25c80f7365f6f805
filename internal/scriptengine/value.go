package scriptengine

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts a Go value from the bus/AppState/vars world into a Lua
// value so scripts can read it directly. Unrecognized types fall back to
// their string representation rather than erroring — a script should
// never crash the tick because a worker's payload carried an odd type.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	case map[string]bool:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, lua.LBool(item))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, lua.LString(item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// fromLua converts a Lua value back into a plain Go value suitable for
// storage in vars/AppState or publication onto the bus. Tables convert
// to map[string]any unless every key is a dense 1..N integer sequence,
// in which case they convert to []any (Lua has no native array type).
func fromLua(lv lua.LValue) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		return tableToGo(v)
	default:
		return v.String()
	}
}

func tableToGo(t *lua.LTable) any {
	n := t.Len()
	isArray := n > 0
	if isArray {
		t.ForEach(func(k, _ lua.LValue) {
			if num, ok := k.(lua.LNumber); !ok || num < 1 || float64(num) != float64(int(num)) || int(num) > n {
				isArray = false
			}
		})
	}
	if isArray {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, fromLua(t.RawGetInt(i)))
		}
		return out
	}

	out := make(map[string]any)
	t.ForEach(func(k, val lua.LValue) {
		out[k.String()] = fromLua(val)
	})
	return out
}

// argOpt returns the i-th argument to a bound function, or lua.LNil if
// fewer arguments were passed.
func argOpt(L *lua.LState, i int) lua.LValue {
	if i > L.GetTop() {
		return lua.LNil
	}
	return L.Get(i)
}
