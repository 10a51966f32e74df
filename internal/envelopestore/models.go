package envelopestore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
)

type envelopeRecord struct {
	bun.BaseModel `bun:"table:envelopes,alias:e"`

	ID                 string    `bun:"id,pk"`
	Container          string    `bun:"container,notnull"`
	ZipFileName        string    `bun:"zip_file_name,notnull"`
	PoBox              string    `bun:"po_box,notnull"`
	Jurisdiction       string    `bun:"jurisdiction,notnull"`
	CaseNumber         string    `bun:"case_number"`
	Classification     string    `bun:"classification,notnull"`
	Status             string    `bun:"status,notnull"`
	DeliveryDate       time.Time `bun:"delivery_date,nullzero"`
	OpeningDate        time.Time `bun:"opening_date,nullzero"`
	ZipFileCreatedDate time.Time `bun:"zip_file_created_date,nullzero"`
	CreatedAt          time.Time `bun:"created_at,notnull"`
	UploadFailureCount int       `bun:"upload_failure_count,notnull"`
	ZipDeleted         bool      `bun:"zip_deleted,notnull"`
	CcdID              string    `bun:"ccd_id"`
	CcdAction          string    `bun:"ccd_action"`
}

type scannableItemRecord struct {
	bun.BaseModel `bun:"table:scannable_items,alias:si"`

	ID                    string    `bun:"id,pk"`
	EnvelopeID            string    `bun:"envelope_id,notnull"`
	Position              int       `bun:"position,notnull"`
	DocumentControlNumber string    `bun:"document_control_number"`
	FileName              string    `bun:"file_name,notnull"`
	DocumentType          string    `bun:"document_type"`
	DocumentSubtype       string    `bun:"document_subtype"`
	ScanningDate          time.Time `bun:"scanning_date,nullzero"`
	Notes                 string    `bun:"notes"`
	OcrData               string    `bun:"ocr_data"`
	DocumentUUID          string    `bun:"document_uuid"`
	DocumentURL           string    `bun:"document_url"`
}

type paymentRecord struct {
	bun.BaseModel `bun:"table:payments,alias:p"`

	ID                    string `bun:"id,pk"`
	EnvelopeID            string `bun:"envelope_id,notnull"`
	Position              int    `bun:"position,notnull"`
	DocumentControlNumber string `bun:"document_control_number"`
}

type nonScannableItemRecord struct {
	bun.BaseModel `bun:"table:non_scannable_items,alias:nsi"`

	ID                    string `bun:"id,pk"`
	EnvelopeID            string `bun:"envelope_id,notnull"`
	Position              int    `bun:"position,notnull"`
	DocumentControlNumber string `bun:"document_control_number"`
	ItemType              string `bun:"item_type"`
	Notes                 string `bun:"notes"`
}

type processEventRecord struct {
	bun.BaseModel `bun:"table:process_events,alias:pe"`

	ID          string    `bun:"id,pk"`
	Container   string    `bun:"container,notnull"`
	ZipFileName string    `bun:"zip_file_name,notnull"`
	Event       string    `bun:"event,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	Reason      string    `bun:"reason"`
	EnvelopeID  *string   `bun:"envelope_id"`
}

func envelopeToRecord(env *envelope.Envelope) *envelopeRecord {
	return &envelopeRecord{
		ID:                 env.ID,
		Container:          env.Container,
		ZipFileName:        env.ZipFileName,
		PoBox:              env.PoBox,
		Jurisdiction:       env.Jurisdiction,
		CaseNumber:         env.CaseNumber,
		Classification:     string(env.Classification),
		Status:             string(env.Status),
		DeliveryDate:       env.DeliveryDate,
		OpeningDate:        env.OpeningDate,
		ZipFileCreatedDate: env.ZipFileCreatedDate,
		CreatedAt:          env.CreatedAt,
		UploadFailureCount: env.UploadFailureCount,
		ZipDeleted:         env.ZipDeleted,
		CcdID:              env.CcdID,
		CcdAction:          env.CcdAction,
	}
}

func (r *envelopeRecord) toEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		ID:                 r.ID,
		Container:          r.Container,
		ZipFileName:        r.ZipFileName,
		PoBox:              r.PoBox,
		Jurisdiction:       r.Jurisdiction,
		CaseNumber:         r.CaseNumber,
		Classification:     envelope.Classification(r.Classification),
		Status:             envelope.Status(r.Status),
		DeliveryDate:       r.DeliveryDate.UTC(),
		OpeningDate:        r.OpeningDate.UTC(),
		ZipFileCreatedDate: r.ZipFileCreatedDate.UTC(),
		CreatedAt:          r.CreatedAt.UTC(),
		UploadFailureCount: r.UploadFailureCount,
		ZipDeleted:         r.ZipDeleted,
		CcdID:              r.CcdID,
		CcdAction:          r.CcdAction,
	}
}

func scannableItemToRecord(envelopeID string, pos int, item envelope.ScannableItem) *scannableItemRecord {
	return &scannableItemRecord{
		ID:                    item.ID,
		EnvelopeID:            envelopeID,
		Position:              pos,
		DocumentControlNumber: item.DocumentControlNumber,
		FileName:              item.FileName,
		DocumentType:          item.DocumentType,
		DocumentSubtype:       item.DocumentSubtype,
		ScanningDate:          item.ScanningDate,
		Notes:                 item.Notes,
		OcrData:               item.OcrData,
		DocumentUUID:          item.DocumentUUID,
		DocumentURL:           item.DocumentURL,
	}
}

func (r scannableItemRecord) toItem() envelope.ScannableItem {
	return envelope.ScannableItem{
		ID:                    r.ID,
		DocumentControlNumber: r.DocumentControlNumber,
		FileName:              r.FileName,
		DocumentType:          r.DocumentType,
		DocumentSubtype:       r.DocumentSubtype,
		ScanningDate:          r.ScanningDate.UTC(),
		Notes:                 r.Notes,
		OcrData:               r.OcrData,
		DocumentUUID:          r.DocumentUUID,
		DocumentURL:           r.DocumentURL,
	}
}

func eventToRecord(ev *envelope.ProcessEvent) *processEventRecord {
	rec := &processEventRecord{
		ID:          ev.ID,
		Container:   ev.Container,
		ZipFileName: ev.ZipFileName,
		Event:       string(ev.Event),
		CreatedAt:   ev.CreatedAt,
		Reason:      ev.Reason,
	}
	if ev.EnvelopeID != "" {
		id := ev.EnvelopeID
		rec.EnvelopeID = &id
	}
	return rec
}

func (r processEventRecord) toEvent() envelope.ProcessEvent {
	ev := envelope.ProcessEvent{
		ID:          r.ID,
		Container:   r.Container,
		ZipFileName: r.ZipFileName,
		Event:       envelope.EventKind(r.Event),
		CreatedAt:   r.CreatedAt.UTC(),
		Reason:      r.Reason,
	}
	if r.EnvelopeID != nil {
		ev.EnvelopeID = *r.EnvelopeID
	}
	return ev
}
