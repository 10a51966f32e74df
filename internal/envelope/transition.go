package envelope

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition reports an event that cannot move the current status.
var ErrIllegalTransition = errors.New("envelope: illegal transition")

var transitions = map[Status]map[EventKind]Status{
	StatusCreated: {
		EventMetadataFailure: StatusMetadataFailure,
		EventDocUploaded:     StatusUploaded,
	},
	StatusUploaded: {
		EventDocUploadFailure: StatusUploadFailure,
		EventNotificationSent: StatusNotificationSent,
	},
	StatusUploadFailure: {
		EventDocUploaded: StatusUploaded,
	},
	StatusNotificationSent: {
		EventCompleted:         StatusCompleted,
		EventProcessingAborted: StatusAborted,
	},
}

// Transition returns the status ev moves from into. A manual status change
// aborts from every status except ABORTED itself; DOC_PROCESSING_ABORTED is
// only accepted from NOTIFICATION_SENT.
func Transition(from Status, ev EventKind) (Status, error) {
	if !from.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, from)
	}
	if ev == EventManualStatusChange {
		if from == StatusAborted {
			return "", fmt.Errorf("%w: %s already aborted", ErrIllegalTransition, from)
		}
		return StatusAborted, nil
	}
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
}
