package scriptengine

import (
	"path"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// entryCandidates returns the entry-function name candidates for a
// script identified by its slash-separated relative name, in
// resolution order: chain, main, basename, basename_chain,
// flattened path, flattened_chain.
func entryCandidates(name string) []string {
	base := path.Base(name)
	flat := strings.ReplaceAll(name, "/", "_")

	candidates := []string{"chain", "main", base, base + "_chain"}
	if flat != base {
		candidates = append(candidates, flat, flat+"_chain")
	}
	return candidates
}

// resolveEntry finds the first candidate global that is a callable
// Lua function.
func resolveEntry(L *lua.LState, name string) (*lua.LFunction, error) {
	for _, candidate := range entryCandidates(name) {
		v := L.GetGlobal(candidate)
		if fn, ok := v.(*lua.LFunction); ok {
			return fn, nil
		}
	}
	return nil, ErrNoEntryFunction
}
