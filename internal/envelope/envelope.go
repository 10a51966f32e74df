// Package envelope models one submitted scan archive, its audit events and
// the lifecycle it moves through.
package envelope

import (
	"time"
)

// Status is the lifecycle state of an Envelope.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusMetadataFailure  Status = "METADATA_FAILURE"
	StatusUploaded         Status = "UPLOADED"
	StatusUploadFailure    Status = "UPLOAD_FAILURE"
	StatusNotificationSent Status = "NOTIFICATION_SENT"
	StatusCompleted        Status = "COMPLETED"
	StatusAborted          Status = "ABORTED"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusCreated,
		StatusMetadataFailure,
		StatusUploaded,
		StatusUploadFailure,
		StatusNotificationSent,
		StatusCompleted,
		StatusAborted,
	}
}

// Terminal reports whether no further lifecycle transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusMetadataFailure:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses() {
		if s == known {
			return true
		}
	}
	return false
}

// EventKind labels a ProcessEvent.
type EventKind string

const (
	EventProcessingStarted     EventKind = "ZIPFILE_PROCESSING_STARTED"
	EventCreated               EventKind = "CREATED"
	EventFileValidationFailure EventKind = "FILE_VALIDATION_FAILURE"
	EventDocSignatureFailure   EventKind = "DOC_SIGNATURE_FAILURE"
	EventDocFailure            EventKind = "DOC_FAILURE"
	EventMetadataFailure       EventKind = "METADATA_FAILURE"
	EventDocUploaded           EventKind = "DOC_UPLOADED"
	EventDocUploadFailure      EventKind = "DOC_UPLOAD_FAILURE"
	EventNotificationSent      EventKind = "DOC_PROCESSED_NOTIFICATION_SENT"
	EventCompleted             EventKind = "COMPLETED"
	EventProcessingAborted     EventKind = "DOC_PROCESSING_ABORTED"
	EventManualStatusChange    EventKind = "MANUAL_STATUS_CHANGE"
	EventFileRejected          EventKind = "FILE_REJECTED"
	EventRetryScheduled        EventKind = "RETRY_SCHEDULED"
)

// Classification is the supplier's envelope classification.
type Classification string

const (
	ClassificationException                    Classification = "exception"
	ClassificationNewApplication               Classification = "new_application"
	ClassificationSupplementaryEvidence        Classification = "supplementary_evidence"
	ClassificationSupplementaryEvidenceWithOCR Classification = "supplementary_evidence_with_ocr"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationException, ClassificationNewApplication,
		ClassificationSupplementaryEvidence, ClassificationSupplementaryEvidenceWithOCR:
		return true
	}
	return false
}

// Envelope is the persisted aggregate for one zip file.
type Envelope struct {
	ID                 string
	Container          string
	ZipFileName        string
	PoBox              string
	Jurisdiction       string
	CaseNumber         string
	Classification     Classification
	Status             Status
	DeliveryDate       time.Time
	OpeningDate        time.Time
	ZipFileCreatedDate time.Time
	CreatedAt          time.Time
	UploadFailureCount int
	ZipDeleted         bool
	CcdID              string
	CcdAction          string
	ScannableItems     []ScannableItem
	Payments           []Payment
	NonScannableItems  []NonScannableItem
}

// ScannableItem is one scanned document.
type ScannableItem struct {
	ID                    string
	DocumentControlNumber string
	FileName              string
	DocumentType          string
	DocumentSubtype       string
	ScanningDate          time.Time
	Notes                 string
	// OcrData is the raw OCR JSON; it is scrubbed once the envelope is
	// finalised.
	OcrData      string
	DocumentUUID string
	DocumentURL  string
}

// Payment is a cheque or postal order attached to the envelope.
type Payment struct {
	ID                    string
	DocumentControlNumber string
}

// NonScannableItem is physical content that was not scanned.
type NonScannableItem struct {
	ID                    string
	DocumentControlNumber string
	ItemType              string
	Notes                 string
}

// ProcessEvent is an immutable audit record.
type ProcessEvent struct {
	ID          string
	Container   string
	ZipFileName string
	Event       EventKind
	CreatedAt   time.Time
	Reason      string
	EnvelopeID  string
}

// ScrubOcrData drops OCR payloads from every scannable item.
func (e *Envelope) ScrubOcrData() {
	for i := range e.ScannableItems {
		e.ScannableItems[i].OcrData = ""
	}
}

// FileNames lists the declared scannable item file names in order.
func (e *Envelope) FileNames() []string {
	names := make([]string, len(e.ScannableItems))
	for i, item := range e.ScannableItems {
		names[i] = item.FileName
	}
	return names
}
