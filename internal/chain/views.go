package chain

import "strings"

// ViewAPI is a view-scoped façade over UI/Values, one parameterized
// type rather than one hand-written helper per dashboard view. cmdKey
// is the view.cmd.{cmdKey} suffix this façade drains commands from.
type ViewAPI struct {
	c      *Context
	cmdKey string
}

// SetState patches a single AppState key.
func (v ViewAPI) SetState(key string, value any) {
	v.c.UI().SetState(key, value)
}

// SetStateMany patches several AppState keys.
func (v ViewAPI) SetStateMany(values map[string]any) {
	v.c.UI().SetStateMany(values)
}

// ConsumeCmd drains the latest not-yet-consumed command for this view.
func (v ViewAPI) ConsumeCmd() (map[string]any, bool) {
	return v.c.UI().ConsumeCommand(v.cmdKey)
}

// buttonStateKey is the AppState key this façade uses to track a
// per-view map of button name to enabled flag.
func (v ViewAPI) buttonStateKey() string {
	return v.cmdKey + "_button_states"
}

// SetButtonEnabled sets a single button's enabled state, merging into
// whatever button-state map is already mirrored in AppState.
func (v ViewAPI) SetButtonEnabled(name string, enabled bool) {
	v.SetButtonsEnabled(map[string]bool{name: enabled})
}

// SetButtonsEnabled merges several button enabled states in one patch.
func (v ViewAPI) SetButtonsEnabled(states map[string]bool) {
	key := v.buttonStateKey()
	current := map[string]bool{}
	if existing, ok := v.c.Values().State(key); ok {
		switch m := existing.(type) {
		case map[string]bool:
			for k, val := range m {
				current[k] = val
			}
		case map[string]any:
			// The mirror round-trips through the bridge as map[string]any.
			for k, val := range m {
				if b, ok := val.(bool); ok {
					current[k] = b
				}
			}
		}
	}
	for k, val := range states {
		current[k] = val
	}
	v.SetState(key, current)
}

// NormalizeBoolToken parses common textual boolean tokens ("true",
// "on", "enable", "yes", "1" and their negatives), case-insensitively.
// The second return is false if tok isn't a recognized token.
func NormalizeBoolToken(tok string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(tok)) {
	case "true", "on", "enable", "enabled", "yes", "1":
		return true, true
	case "false", "off", "disable", "disabled", "no", "0":
		return false, true
	default:
		return false, false
	}
}
