package uibridge

import (
	"sync"
	"sync/atomic"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/log"
)

// CommandSink receives forwarded worker commands. The bridge never
// interprets the command or payload; it only forwards.
type CommandSink interface {
	SendCmd(workerName, command string, payload map[string]any)
}

// Bridge is the thread-safe outbox from background work to the UI
// thread, plus the UI-side subscription surface that mirrors AppState
// changes and notifications using the same topic model as WorkerBus.
type Bridge struct {
	mu      sync.Mutex
	outbox  []outMessage
	dirty   atomic.Bool
	stopped atomic.Bool

	stateMu      sync.Mutex
	state        map[string]any
	activeErrors map[string]ErrorEvent

	subs CommandSink
	ui   *bus.WorkerBus
}

// New creates an empty bridge. sink receives forwarded worker commands
// from SendCmd; it may be nil if no commands are ever sent.
func New(sink CommandSink) *Bridge {
	return &Bridge{
		state:        make(map[string]any),
		activeErrors: make(map[string]ErrorEvent),
		subs:         sink,
		ui:           bus.NewWorkerBus(),
	}
}

// --- Outbox API (callable from any thread) ---

func (b *Bridge) enqueue(m outMessage) {
	b.mu.Lock()
	b.outbox = append(b.outbox, m)
	b.mu.Unlock()
	b.dirty.Store(true)
}

// EmitPatch sets one attribute on AppState on the next flush.
func (b *Bridge) EmitPatch(key string, value any) {
	b.enqueue(outMessage{kind: kindPatch, patchKey: key, patchValue: value})
}

// EmitReplaceState sets every given attribute on the next flush.
func (b *Bridge) EmitReplaceState(values map[string]any) {
	b.enqueue(outMessage{kind: kindReplaceState, replaceValues: values})
}

// EmitNotify surfaces a UI notification on the next flush.
func (b *Bridge) EmitNotify(message string, kind NotifyKind) {
	b.enqueue(outMessage{kind: kindNotify, notifyMessage: message, notifyKind: kind})
}

// EmitError records an active error on the next flush.
func (b *Bridge) EmitError(errorID, source, message string, details map[string]any) {
	b.enqueue(outMessage{kind: kindErrorEvent, errEvent: ErrorEvent{
		ErrorID: errorID, Source: source, Message: message, Details: details,
	}})
}

// EmitErrorResolved clears a previously emitted active error.
func (b *Bridge) EmitErrorResolved(errorID string) {
	b.enqueue(outMessage{kind: kindErrorResolved, errResolvedID: errorID})
}

// RequestUiState asks for a full AppState snapshot to be published on
// the next flush.
func (b *Bridge) RequestUiState() {
	b.enqueue(outMessage{kind: kindRequestUiState})
}

// SendCmd forwards a command to a named worker. The bridge does not
// interpret command or payload.
func (b *Bridge) SendCmd(workerName, command string, payload map[string]any) {
	if b.subs != nil {
		b.subs.SendCmd(workerName, command, payload)
	}
}

// --- UI-thread API ---

const defaultMaxFlushItems = 200

// Flush drains up to maxItems outbox messages, in order, applying each
// to AppState and publishing the corresponding UI-side event. Must only
// be called from the UI thread. If messages remain after maxItems, the
// dirty flag is re-set so the next flush resumes.
func (b *Bridge) Flush(maxItems int) {
	if maxItems <= 0 {
		maxItems = defaultMaxFlushItems
	}
	if !b.dirty.Load() {
		return
	}
	b.dirty.Store(false)

	b.mu.Lock()
	n := maxItems
	if n > len(b.outbox) {
		n = len(b.outbox)
	}
	batch := b.outbox[:n]
	b.outbox = b.outbox[n:]
	remaining := len(b.outbox)
	b.mu.Unlock()

	for _, m := range batch {
		b.apply(m)
	}

	if remaining > 0 {
		b.dirty.Store(true)
	}
}

func (b *Bridge) apply(m outMessage) {
	switch m.kind {
	case kindPatch:
		b.stateMu.Lock()
		b.state[m.patchKey] = m.patchValue
		b.stateMu.Unlock()
		b.ui.Publish("state."+m.patchKey, "uibridge", "", map[string]any{m.patchKey: m.patchValue})

	case kindReplaceState:
		b.stateMu.Lock()
		for k, v := range m.replaceValues {
			b.state[k] = v
		}
		snapshot := b.snapshotLocked()
		b.stateMu.Unlock()
		b.ui.Publish("state", "uibridge", "", snapshot)

	case kindNotify:
		log.Info(log.CatBridge, "UI notify", "message", m.notifyMessage, "kind", string(m.notifyKind))
		b.ui.Publish("ui.notify", "uibridge", "", map[string]any{
			"message": m.notifyMessage,
			"kind":    string(m.notifyKind),
		})

	case kindErrorEvent:
		b.stateMu.Lock()
		b.activeErrors[m.errEvent.ErrorID] = m.errEvent
		count := len(b.activeErrors)
		b.state["error_count"] = count
		b.stateMu.Unlock()
		b.ui.Publish("errors.upsert", "uibridge", "", map[string]any{
			"error_id": m.errEvent.ErrorID,
			"source":   m.errEvent.Source,
			"message":  m.errEvent.Message,
			"details":  m.errEvent.Details,
		})
		b.ui.Publish("state.error_count", "uibridge", "", map[string]any{"error_count": count})

	case kindErrorResolved:
		b.stateMu.Lock()
		delete(b.activeErrors, m.errResolvedID)
		count := len(b.activeErrors)
		b.state["error_count"] = count
		b.stateMu.Unlock()
		b.ui.Publish("errors.resolved", "uibridge", "", map[string]any{"error_id": m.errResolvedID})
		b.ui.Publish("state.error_count", "uibridge", "", map[string]any{"error_count": count})

	case kindRequestUiState:
		b.stateMu.Lock()
		snapshot := b.snapshotLocked()
		b.stateMu.Unlock()
		b.ui.Publish("state", "uibridge", "", snapshot)
	}
}

// snapshotLocked returns a shallow copy of state. Caller must hold stateMu.
func (b *Bridge) snapshotLocked() map[string]any {
	out := make(map[string]any, len(b.state))
	for k, v := range b.state {
		out[k] = v
	}
	return out
}

// State returns the current value of one AppState attribute.
func (b *Bridge) State(key string) (any, bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	v, ok := b.state[key]
	return v, ok
}

// StateSnapshot returns a copy of the full AppState record.
func (b *Bridge) StateSnapshot() map[string]any {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.snapshotLocked()
}

// --- Subscription API, mirrors WorkerBus ---

// Subscribe allocates a mailbox for one UI-side topic (exact, or a
// "prefix.*" wildcard).
func (b *Bridge) Subscribe(topic string) *bus.Subscription {
	return b.ui.Subscribe(topic)
}

// SubscribeMany allocates one shared mailbox across several topics.
func (b *Bridge) SubscribeMany(topics []string) *bus.MultiSubscription {
	return b.ui.SubscribeMany(topics)
}

// Stop marks the bridge stopped; long-running consumers are expected to
// poll Stopped().
func (b *Bridge) Stop() {
	b.stopped.Store(true)
}

// Stopped reports whether Stop has been called.
func (b *Bridge) Stopped() bool {
	return b.stopped.Load()
}

// PendingCount reports how many outbox messages are queued, for tests
// and diagnostics.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outbox)
}
