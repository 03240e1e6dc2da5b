package constants

import "strings"

// Phase is the lifecycle position of a document session.
type Phase string

// Stable values (persisted with runs).
const (
	PhaseUpload     Phase = "upload"
	PhaseConverting Phase = "converting"
	PhaseSelecting  Phase = "selecting"
	PhaseExtracting Phase = "extracting"
	PhaseComplete   Phase = "complete"
	PhaseCancelled  Phase = "cancelled"
	PhaseFailed     Phase = "failed"
)

// IsTerminal reports whether the session has finished an extraction attempt.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseCancelled || p == PhaseFailed
}

// StreamState is the state of a single extraction request.
type StreamState string

const (
	StreamIdle      StreamState = "IDLE"
	StreamSubmitted StreamState = "SUBMITTED"
	StreamStreaming StreamState = "STREAMING"
	StreamComplete  StreamState = "COMPLETE"  // terminal success
	StreamFailed    StreamState = "FAILED"    // terminal request-level failure
	StreamCancelled StreamState = "CANCELLED" // terminal, operator initiated
)

// IsTerminal reports whether no further events will be accepted.
func (s StreamState) IsTerminal() bool {
	return s == StreamComplete || s == StreamFailed || s == StreamCancelled
}

// SelectionMode selects how the range expression is interpreted.
type SelectionMode string

const (
	ModeAll     SelectionMode = "ALL"
	ModeInclude SelectionMode = "INCLUDE"
	ModeExclude SelectionMode = "EXCLUDE"
)

// ParseSelectionMode accepts the mode names case-insensitively.
func ParseSelectionMode(s string) (SelectionMode, bool) {
	switch SelectionMode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeAll:
		return ModeAll, true
	case ModeInclude:
		return ModeInclude, true
	case ModeExclude:
		return ModeExclude, true
	}
	return "", false
}
