package session

import (
	"github.com/joseph-ayodele/invoice-extractor/constants"
)

var phaseTransitions = map[constants.Phase][]constants.Phase{
	constants.PhaseUpload:     {constants.PhaseConverting, constants.PhaseFailed},
	constants.PhaseConverting: {constants.PhaseConverting, constants.PhaseSelecting, constants.PhaseFailed},
	constants.PhaseSelecting:  {constants.PhaseConverting, constants.PhaseExtracting},
	constants.PhaseExtracting: {constants.PhaseComplete, constants.PhaseFailed, constants.PhaseCancelled, constants.PhaseSelecting},
	constants.PhaseComplete:   {constants.PhaseConverting, constants.PhaseSelecting},
	constants.PhaseFailed:     {constants.PhaseConverting, constants.PhaseSelecting},
	constants.PhaseCancelled:  {constants.PhaseConverting, constants.PhaseSelecting},
}

// CanTransition reports whether a session may move from one phase to another.
func CanTransition(from, to constants.Phase) bool {
	for _, p := range phaseTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

func phaseFor(state constants.StreamState) constants.Phase {
	switch state {
	case constants.StreamComplete:
		return constants.PhaseComplete
	case constants.StreamCancelled:
		return constants.PhaseCancelled
	default:
		return constants.PhaseFailed
	}
}
