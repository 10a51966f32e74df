package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMissingMetadata reports an archive without a metadata document.
	ErrMissingMetadata = errors.New("envelope: metadata missing")
	// ErrInvalidMetadata reports a metadata document that does not parse.
	ErrInvalidMetadata = errors.New("envelope: invalid metadata")
	// ErrValidation reports parsed metadata that contradicts the archive or
	// the container configuration.
	ErrValidation = errors.New("envelope: validation failed")
)

// dateLayouts are the timestamp formats suppliers send.
var dateLayouts = []string{
	"02-01-2006 15:04:05.000",
	"02-01-2006 15:04:05",
	"2006-01-02T15:04:05.000Z",
	time.RFC3339Nano,
}

// Date is a supplier timestamp.
type Date struct {
	time.Time
}

// UnmarshalJSON accepts every layout in dateLayouts, or null.
func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised date %q", raw)
}

// InputEnvelope is the supplier metadata document.
type InputEnvelope struct {
	PoBox              string                  `json:"po_box"`
	Jurisdiction       string                  `json:"jurisdiction"`
	DeliveryDate       Date                    `json:"delivery_date"`
	OpeningDate        Date                    `json:"opening_date"`
	ZipFileCreatedDate Date                    `json:"zip_file_createddate"`
	ZipFileName        string                  `json:"zip_file_name"`
	CaseNumber         string                  `json:"case_number"`
	Classification     Classification          `json:"envelope_classification"`
	ScannableItems     []InputScannableItem    `json:"scannable_items"`
	Payments           []InputPayment          `json:"payments"`
	NonScannableItems  []InputNonScannableItem `json:"non_scannable_items"`
}

// InputScannableItem is one declared scanned document.
type InputScannableItem struct {
	DocumentControlNumber string          `json:"document_control_number"`
	ScanningDate          Date            `json:"scanning_date"`
	FileName              string          `json:"file_name"`
	Notes                 string          `json:"notes"`
	DocumentType          string          `json:"document_type"`
	DocumentSubtype       string          `json:"document_sub_type"`
	OcrData               json.RawMessage `json:"ocr_data"`
}

// InputPayment is one declared payment.
type InputPayment struct {
	DocumentControlNumber string `json:"document_control_number"`
}

// InputNonScannableItem is one declared non-scannable item.
type InputNonScannableItem struct {
	DocumentControlNumber string `json:"document_control_number"`
	ItemType              string `json:"item_type"`
	Notes                 string `json:"notes"`
}

// ParseMetadata decodes the supplier metadata document.
func ParseMetadata(data []byte) (*InputEnvelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrMissingMetadata
	}
	var in InputEnvelope
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	var missing []string
	if strings.TrimSpace(in.PoBox) == "" {
		missing = append(missing, "po_box")
	}
	if strings.TrimSpace(in.Jurisdiction) == "" {
		missing = append(missing, "jurisdiction")
	}
	if strings.TrimSpace(in.ZipFileName) == "" {
		missing = append(missing, "zip_file_name")
	}
	if in.Classification == "" {
		missing = append(missing, "envelope_classification")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidMetadata, strings.Join(missing, ", "))
	}
	if !in.Classification.Valid() {
		return nil, fmt.Errorf("%w: unknown classification %q", ErrInvalidMetadata, in.Classification)
	}
	return &in, nil
}

// ToEnvelope builds the CREATED envelope for container.
func (in *InputEnvelope) ToEnvelope(container string) *Envelope {
	env := &Envelope{
		Container:          container,
		ZipFileName:        in.ZipFileName,
		PoBox:              in.PoBox,
		Jurisdiction:       in.Jurisdiction,
		CaseNumber:         in.CaseNumber,
		Classification:     in.Classification,
		Status:             StatusCreated,
		DeliveryDate:       in.DeliveryDate.Time,
		OpeningDate:        in.OpeningDate.Time,
		ZipFileCreatedDate: in.ZipFileCreatedDate.Time,
	}
	for _, item := range in.ScannableItems {
		ocr := ""
		if len(item.OcrData) > 0 && !bytes.Equal(item.OcrData, []byte("null")) {
			ocr = string(item.OcrData)
		}
		env.ScannableItems = append(env.ScannableItems, ScannableItem{
			DocumentControlNumber: item.DocumentControlNumber,
			FileName:              item.FileName,
			DocumentType:          item.DocumentType,
			DocumentSubtype:       item.DocumentSubtype,
			ScanningDate:          item.ScanningDate.Time,
			Notes:                 item.Notes,
			OcrData:               ocr,
		})
	}
	for _, p := range in.Payments {
		env.Payments = append(env.Payments, Payment{DocumentControlNumber: p.DocumentControlNumber})
	}
	for _, n := range in.NonScannableItems {
		env.NonScannableItems = append(env.NonScannableItems, NonScannableItem{
			DocumentControlNumber: n.DocumentControlNumber,
			ItemType:              n.ItemType,
			Notes:                 n.Notes,
		})
	}
	return env
}

// ContainerRule restricts which envelopes a container accepts.
type ContainerRule struct {
	Container    string   `json:"container" yaml:"container" mapstructure:"container"`
	Jurisdiction string   `json:"jurisdiction" yaml:"jurisdiction" mapstructure:"jurisdiction"`
	PoBoxes      []string `json:"po_boxes" yaml:"po_boxes" mapstructure:"po_boxes"`
	Enabled      bool     `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
}

// Accepts reports whether in may arrive through the container.
func (r ContainerRule) Accepts(in *InputEnvelope) bool {
	if r.Jurisdiction != "" && !strings.EqualFold(r.Jurisdiction, in.Jurisdiction) {
		return false
	}
	if len(r.PoBoxes) == 0 {
		return true
	}
	for _, box := range r.PoBoxes {
		if strings.TrimSpace(box) == strings.TrimSpace(in.PoBox) {
			return true
		}
	}
	return false
}

// Validate checks parsed metadata against the archive it came in: the
// declared zip name, the container rule, and a one-to-one match between
// declared scannable items and the PDFs present. rule may be nil.
func Validate(in *InputEnvelope, zipFileName string, rule *ContainerRule, pdfNames []string) error {
	if in == nil {
		return ErrMissingMetadata
	}
	if in.ZipFileName != zipFileName {
		return fmt.Errorf("%w: metadata names zip %q, blob is %q", ErrValidation, in.ZipFileName, zipFileName)
	}
	if rule != nil && !rule.Accepts(in) {
		return fmt.Errorf("%w: jurisdiction %q po box %q not accepted by container %q", ErrValidation, in.Jurisdiction, in.PoBox, rule.Container)
	}
	seenDCN := make(map[string]struct{}, len(in.ScannableItems))
	declared := make(map[string]struct{}, len(in.ScannableItems))
	for _, item := range in.ScannableItems {
		if item.FileName == "" {
			return fmt.Errorf("%w: scannable item %q has no file name", ErrValidation, item.DocumentControlNumber)
		}
		if _, dup := seenDCN[item.DocumentControlNumber]; dup && item.DocumentControlNumber != "" {
			return fmt.Errorf("%w: duplicate document control number %q", ErrValidation, item.DocumentControlNumber)
		}
		seenDCN[item.DocumentControlNumber] = struct{}{}
		if _, dup := declared[item.FileName]; dup {
			return fmt.Errorf("%w: duplicate file name %q", ErrValidation, item.FileName)
		}
		declared[item.FileName] = struct{}{}
	}
	present := make(map[string]struct{}, len(pdfNames))
	var undeclared []string
	for _, name := range pdfNames {
		present[name] = struct{}{}
		if _, ok := declared[name]; !ok {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		return fmt.Errorf("%w: pdfs not declared in metadata: %s", ErrValidation, strings.Join(undeclared, ", "))
	}
	var missing []string
	for _, item := range in.ScannableItems {
		if _, ok := present[item.FileName]; !ok {
			missing = append(missing, item.FileName)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: declared pdfs missing from archive: %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}
