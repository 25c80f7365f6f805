package chain

import (
	"fmt"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/uibridge"
)

// UI exposes AppState patches, notifications, operator log lines, and
// the modal popup request/response state machine.
type UI struct{ c *Context }

// SetState patches a single AppState key via the bridge outbox.
func (u UI) SetState(key string, value any) {
	if u.c.deps.UI != nil {
		u.c.deps.UI.EmitPatch(key, value)
	}
}

// SetStateMany patches several AppState keys.
func (u UI) SetStateMany(values map[string]any) {
	for k, v := range values {
		u.SetState(k, v)
	}
}

// Notify emits a toast-style notification to the UI.
func (u UI) Notify(message string, kind uibridge.NotifyKind) {
	if u.c.deps.UI != nil {
		u.c.deps.UI.EmitNotify(message, kind)
	}
}

// Log publishes an operator-facing log line tagged with the chain's
// current step, for the UPDATE_LOG topic.
func (u UI) Log(level, message string) {
	c := u.c
	if c.deps.Bus == nil {
		return
	}
	c.mu.Lock()
	step, desc := c.Step, c.StepDesc
	c.mu.Unlock()
	c.deps.Bus.Publish(bus.TopicUpdateLog, "chain", c.ChainID, map[string]any{
		"chain_key": c.ChainID,
		"step":      step,
		"step_desc": desc,
		"level":     level,
		"message":   message,
	})
}

// ConsumeCommand returns the latest command mirrored for viewKey, if it
// has not already been consumed. Dedup prefers the command's event_id;
// if absent, it falls back to comparing the command's payload signature
// against the last one consumed.
func (u UI) ConsumeCommand(viewKey string) (map[string]any, bool) {
	c := u.c
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd, ok := c.viewCmds[viewKey]
	if !ok {
		return nil, false
	}

	varKey := "__consumed_cmd_" + viewKey
	var token any
	if eventID, hasID := cmd["event_id"]; hasID {
		token = eventID
	} else {
		token = fmt.Sprintf("%v", cmd)
	}

	if last, seen := c.vars[varKey]; seen && last == token {
		return nil, false
	}
	c.vars[varKey] = token
	return cmd, true
}

// --- modal popup state machine ---

func (u UI) request(key, modalType, title, message string, extra map[string]any) any {
	c := u.c

	c.mu.Lock()
	if result, resolved := c.modalResults[key]; resolved {
		c.mu.Unlock()
		return result
	}
	if _, pending := c.modalPending[key]; pending {
		c.StepDesc = "waiting for " + modalType + " '" + key + "'"
		c.mu.Unlock()
		return nil
	}
	requestID := ""
	if c.deps.NewRequestID != nil {
		requestID = c.deps.NewRequestID()
	}
	c.modalPending[key] = requestID
	c.mu.Unlock()

	payload := map[string]any{
		"chain_id":   c.ChainID,
		"key":        key,
		"type":       modalType,
		"request_id": requestID,
		"title":      title,
		"message":    message,
	}
	for k, v := range extra {
		payload[k] = v
	}

	if c.deps.Bus != nil {
		c.deps.Bus.Publish(bus.TopicModalRequest, "chain", c.ChainID, payload)
	}
	return nil
}

// PopupConfirm opens a confirm/cancel modal under key. Returns nil while
// pending, then the boolean result once resolved, on every subsequent
// call until PopupClose/PopupClear.
func (u UI) PopupConfirm(key, title, message, okText, cancelText string) any {
	return u.request(key, "confirm", title, message, map[string]any{
		"ok_text":     okText,
		"cancel_text": cancelText,
	})
}

// PopupMessage opens an acknowledge-only modal under key.
func (u UI) PopupMessage(key, title, message string) any {
	return u.request(key, "message", title, message, nil)
}

// PopupInputText opens a text-input modal under key.
func (u UI) PopupInputText(key, title, message, placeholder, defaultValue string) any {
	return u.request(key, "input_text", title, message, map[string]any{
		"placeholder": placeholder,
		"default":     defaultValue,
	})
}

// PopupInputNumber opens a numeric-input modal under key.
func (u UI) PopupInputNumber(key, title, message string, defaultValue float64) any {
	return u.request(key, "input_number", title, message, map[string]any{
		"default": defaultValue,
	})
}

// PopupChoose opens a multiple-choice modal under key.
func (u UI) PopupChoose(key, title, message string, options []string) any {
	return u.request(key, "choose", title, message, map[string]any{
		"options": options,
	})
}

// PopupClose closes the modal under key. When clear is true the stored
// result (if any) is also discarded; when false and the modal was
// pending, a {"closed": true} result is recorded so a waiting script
// observes a resolution rather than hanging indefinitely.
func (u UI) PopupClose(key string, clear bool) {
	c := u.c
	c.mu.Lock()
	_, wasPending := c.modalPending[key]
	delete(c.modalPending, key)
	if clear {
		delete(c.modalResults, key)
	} else if wasPending {
		c.modalResults[key] = map[string]any{"closed": true}
	}
	c.mu.Unlock()

	if c.deps.Bus != nil {
		c.deps.Bus.Publish(bus.TopicModalClose, "chain", c.ChainID, map[string]any{
			"chain_id": c.ChainID,
			"key":      key,
		})
	}
}

// PopupClear discards pending/resolved modal state under key without
// notifying the UI. An empty key clears every modal for this chain.
func (u UI) PopupClear(key string) {
	c := u.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "" {
		c.modalPending = make(map[string]string)
		c.modalResults = make(map[string]any)
		return
	}
	delete(c.modalPending, key)
	delete(c.modalResults, key)
}

// PopupCloseAll closes every modal this chain has open and notifies the
// UI to dismiss them.
func (u UI) PopupCloseAll() {
	c := u.c
	c.mu.Lock()
	c.modalPending = make(map[string]string)
	c.modalResults = make(map[string]any)
	c.mu.Unlock()

	if c.deps.Bus != nil {
		c.deps.Bus.Publish(bus.TopicModalClose, "chain", c.ChainID, map[string]any{
			"chain_id":     c.ChainID,
			"close_active": true,
		})
	}
}

// PopupWaitOpen signals the UI to show a non-dismissable busy/wait
// overlay scoped to viewKey.
func (u UI) PopupWaitOpen(viewKey, title, message string) {
	u.c.publishViewWait(viewKey, "open", title, message)
}

// PopupWaitClose signals the UI to dismiss the busy/wait overlay for
// viewKey opened by PopupWaitOpen.
func (u UI) PopupWaitClose(viewKey string) {
	u.c.publishViewWait(viewKey, "close", "", "")
}

func (c *Context) publishViewWait(viewKey, action, title, message string) {
	if c.deps.Bus == nil {
		return
	}
	eventID := ""
	if c.deps.NewRequestID != nil {
		eventID = c.deps.NewRequestID()
	}
	c.deps.Bus.Publish(bus.TopicValueChanged, "view_wait", viewKey, map[string]any{
		"key": "view.wait." + viewKey,
		"value": map[string]any{
			"action":   action,
			"title":    title,
			"message":  message,
			"event_id": eventID,
		},
	})
}
