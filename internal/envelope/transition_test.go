package envelope

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from Status
		ev   EventKind
		want Status
	}{
		{StatusCreated, EventMetadataFailure, StatusMetadataFailure},
		{StatusCreated, EventDocUploaded, StatusUploaded},
		{StatusUploaded, EventDocUploadFailure, StatusUploadFailure},
		{StatusUploaded, EventNotificationSent, StatusNotificationSent},
		{StatusUploadFailure, EventDocUploaded, StatusUploaded},
		{StatusNotificationSent, EventCompleted, StatusCompleted},
		{StatusNotificationSent, EventProcessingAborted, StatusAborted},
		{StatusCreated, EventManualStatusChange, StatusAborted},
		{StatusCompleted, EventManualStatusChange, StatusAborted},
		{StatusMetadataFailure, EventManualStatusChange, StatusAborted},
	}
	for _, tc := range tests {
		got, err := Transition(tc.from, tc.ev)
		if err != nil {
			t.Fatalf("%s + %s: %v", tc.from, tc.ev, err)
		}
		if got != tc.want {
			t.Fatalf("%s + %s = %s, want %s", tc.from, tc.ev, got, tc.want)
		}
	}
}

func TestTransitionIllegal(t *testing.T) {
	tests := []struct {
		from Status
		ev   EventKind
	}{
		{StatusCreated, EventCompleted},
		{StatusCreated, EventNotificationSent},
		{StatusUploaded, EventDocUploaded},
		{StatusUploadFailure, EventNotificationSent},
		{StatusCompleted, EventCompleted},
		{StatusMetadataFailure, EventDocUploaded},
		{StatusAborted, EventProcessingAborted},
		{StatusAborted, EventManualStatusChange},
		{StatusCompleted, EventProcessingAborted},
		{StatusCreated, EventProcessingAborted},
		{StatusUploaded, EventProcessingAborted},
		{StatusMetadataFailure, EventProcessingAborted},
		{StatusCreated, EventCreated},
		{StatusCreated, EventFileRejected},
		{Status("BOGUS"), EventManualStatusChange},
	}
	for _, tc := range tests {
		if _, err := Transition(tc.from, tc.ev); !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("%s + %s: expected illegal transition, got %v", tc.from, tc.ev, err)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[Status]bool{StatusCompleted: true, StatusAborted: true, StatusMetadataFailure: true}
	for _, s := range Statuses() {
		if s.Terminal() != terminal[s] {
			t.Fatalf("%s terminal=%v", s, s.Terminal())
		}
	}
}
