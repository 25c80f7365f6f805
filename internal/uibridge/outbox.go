// Package uibridge is the thread-safe outbox from background work to the
// UI thread, and the UI-side topic subscription surface mirrored from it.
package uibridge

// NotifyKind classifies a Notify outbox message.
type NotifyKind string

const (
	NotifyInfo     NotifyKind = "info"
	NotifyPositive NotifyKind = "positive"
	NotifyNegative NotifyKind = "negative"
	NotifyWarning  NotifyKind = "warning"
)

// outMessage is one queued outbox entry. Exactly one of the typed
// payload fields is populated, selected by kind.
type outMessage struct {
	kind outKind

	patchKey   string
	patchValue any

	replaceValues map[string]any

	notifyMessage string
	notifyKind    NotifyKind

	errEvent ErrorEvent

	errResolvedID string
}

type outKind int

const (
	kindPatch outKind = iota
	kindReplaceState
	kindNotify
	kindErrorEvent
	kindErrorResolved
	kindRequestUiState
)

// ErrorEvent describes an active error surfaced to the UI.
type ErrorEvent struct {
	ErrorID string
	Source  string
	Message string
	Details map[string]any
}
