package session

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/export"
)

// State is a step of the session lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StateUploading         State = "uploading"
	StateTranscribing      State = "transcribing"
	StateCategorizing      State = "categorizing"
	StateAwaitingDecisions State = "awaiting_decisions"
	StateReconciled        State = "reconciled"
	StateExported          State = "exported"
	StateFailed            State = "failed"
)

var (
	ErrUploadTooLarge    = errors.New("upload exceeds size limit")
	ErrEmptyUpload       = errors.New("upload is empty")
	ErrEmptyApproval     = fmt.Errorf("%w: no approved content to export", export.ErrValidation)
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrAbandoned         = errors.New("session abandoned")
)

// failed is only reachable while the pipeline still depends on external
// work. Reconciled may repeat so a reviewer can revise decisions.
var transitions = map[State][]State{
	StateIdle:              {StateUploading},
	StateUploading:         {StateTranscribing, StateFailed},
	StateTranscribing:      {StateCategorizing, StateFailed},
	StateCategorizing:      {StateAwaitingDecisions, StateFailed},
	StateAwaitingDecisions: {StateReconciled},
	StateReconciled:        {StateReconciled, StateExported},
	StateExported:          {},
	StateFailed:            {},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}
