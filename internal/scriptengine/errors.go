package scriptengine

import "errors"

var (
	// ErrScriptNotFound is returned when a named script has no file on disk.
	ErrScriptNotFound = errors.New("scriptengine: script not found")
	// ErrNoEntryFunction is returned when a loaded script exposes none of
	// the entry-function name candidates as a callable global.
	ErrNoEntryFunction = errors.New("scriptengine: no entry function found")
)
