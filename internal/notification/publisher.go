package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/queue"
)

// Sender is the outbound side of the queue.
type Sender interface {
	Send(ctx context.Context, name string, msg queue.Message) (string, error)
}

// EnvelopeMessage announces an uploaded envelope to downstream consumers.
type EnvelopeMessage struct {
	ID                string            `json:"id"`
	CaseRef           string            `json:"case_ref,omitempty"`
	PoBox             string            `json:"po_box"`
	Jurisdiction      string            `json:"jurisdiction"`
	Container         string            `json:"container"`
	ZipFileName       string            `json:"zip_file_name"`
	Classification    string            `json:"classification"`
	DeliveryDate      time.Time         `json:"delivery_date"`
	OpeningDate       time.Time         `json:"opening_date"`
	Documents         []DocumentMessage `json:"documents"`
	Payments          []string          `json:"payment_dcns,omitempty"`
	NonScannableItems []string          `json:"non_scannable_dcns,omitempty"`
}

// DocumentMessage describes one uploaded document.
type DocumentMessage struct {
	FileName      string    `json:"file_name"`
	ControlNumber string    `json:"control_number"`
	Type          string    `json:"type"`
	Subtype       string    `json:"subtype,omitempty"`
	ScannedAt     time.Time `json:"scanned_at"`
	URL           string    `json:"url,omitempty"`
	UUID          string    `json:"uuid,omitempty"`
	OcrData       string    `json:"ocr_data,omitempty"`
}

// NewEnvelopeMessage builds the outbound message for env.
func NewEnvelopeMessage(env *envelope.Envelope) EnvelopeMessage {
	msg := EnvelopeMessage{
		ID:             env.ID,
		CaseRef:        env.CaseNumber,
		PoBox:          env.PoBox,
		Jurisdiction:   env.Jurisdiction,
		Container:      env.Container,
		ZipFileName:    env.ZipFileName,
		Classification: string(env.Classification),
		DeliveryDate:   env.DeliveryDate,
		OpeningDate:    env.OpeningDate,
		Documents:      make([]DocumentMessage, 0, len(env.ScannableItems)),
	}
	for _, item := range env.ScannableItems {
		msg.Documents = append(msg.Documents, DocumentMessage{
			FileName:      item.FileName,
			ControlNumber: item.DocumentControlNumber,
			Type:          item.DocumentType,
			Subtype:       item.DocumentSubtype,
			ScannedAt:     item.ScanningDate,
			URL:           item.DocumentURL,
			UUID:          item.DocumentUUID,
			OcrData:       item.OcrData,
		})
	}
	for _, p := range env.Payments {
		msg.Payments = append(msg.Payments, p.DocumentControlNumber)
	}
	for _, n := range env.NonScannableItems {
		msg.NonScannableItems = append(msg.NonScannableItems, n.DocumentControlNumber)
	}
	return msg
}

// Publisher sends EnvelopeMessages.
type Publisher struct {
	sender Sender
	queue  string
}

// NewPublisher returns a Publisher sending to queueName.
func NewPublisher(sender Sender, queueName string) *Publisher {
	return &Publisher{sender: sender, queue: queueName}
}

// Publish sends the message for env. The envelope id is the message id, so a
// repeated publish of the same envelope is deduplicated by the queue.
func (p *Publisher) Publish(ctx context.Context, env *envelope.Envelope) error {
	body, err := json.Marshal(NewEnvelopeMessage(env))
	if err != nil {
		return fmt.Errorf("notification: encode envelope %s: %w", env.ID, err)
	}
	_, err = p.sender.Send(ctx, p.queue, queue.Message{
		ID:      env.ID,
		Subject: env.ID,
		Body:    body,
		Properties: map[string]string{
			"container":      env.Container,
			"zip_file_name":  env.ZipFileName,
			"classification": string(env.Classification),
		},
	})
	if err != nil {
		return fmt.Errorf("notification: publish envelope %s: %w", env.ID, err)
	}
	return nil
}
