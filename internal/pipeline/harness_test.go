package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/backoff"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelopestore"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lease"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lifecycle"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil/logtest"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/notification"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/quarantine"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/queue"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage/memory"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/upload"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/zipverify"
)

const (
	testContainer  = "bulkscan"
	envelopesQueue = "envelopes"
	retryDelay     = 10 * time.Minute
)

type options struct {
	uploader   upload.Uploader
	noUploader bool
	publish    bool
	validator  EnvelopeValidator
	verifier   zipverify.Verifier
	maxRetries int
	rules      []envelope.ContainerRule
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clk       *clock.Manual
	store     *memory.Store
	envelopes *envelopestore.Store
	machine   *lifecycle.Machine
	queue     *queue.Service
	leases    *lease.Coordinator
	processor *Processor
	log       *logtest.Recorder
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2024, 6, 24, 10, 0, 0, 0, time.UTC))
	store := memory.NewWithConfig(memory.Config{Clock: clk})
	if err := store.EnsureContainer(ctx, testContainer); err != nil {
		t.Fatalf("ensure container: %v", err)
	}
	envelopes, err := envelopestore.Open(envelopestore.Config{Driver: envelopestore.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = envelopes.Close() })
	if err := envelopes.CreateSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	log := logtest.New()
	machine := lifecycle.New(envelopes, clk, log)
	q, err := queue.New(store, clk, queue.Config{Logger: log})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	leases := lease.New(store, lease.Config{Clock: clk, Logger: log})
	maxRetries := opts.maxRetries
	if maxRetries == 0 {
		maxRetries = backoff.DefaultMaxRetries
	}
	retries, err := backoff.New(lease.NewBlobRegister(store), backoff.Config{MaxRetries: maxRetries, Delay: retryDelay, Clock: clk, Logger: log})
	if err != nil {
		t.Fatalf("backoff: %v", err)
	}
	deps := Deps{
		Backend:   store,
		Leases:    leases,
		Retries:   retries,
		Mover:     quarantine.New(store, quarantine.Config{Clock: clk, Logger: log}),
		Machine:   machine,
		Uploader:  opts.uploader,
		Validator: opts.validator,
	}
	if deps.Uploader == nil && !opts.noUploader {
		deps.Uploader = upload.NewBlobUploader(store, upload.Config{Logger: log})
	}
	if opts.publish {
		deps.Publisher = notification.NewPublisher(q, envelopesQueue)
	}
	rules := opts.rules
	if rules == nil {
		rules = []envelope.ContainerRule{{Container: testContainer, Jurisdiction: "BULKSCAN", PoBoxes: []string{"12625"}, Enabled: true}}
	}
	p, err := New(deps, Config{Containers: rules, Verifier: opts.verifier, Clock: clk, Logger: log})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	return &harness{t: t, ctx: ctx, clk: clk, store: store, envelopes: envelopes, machine: machine, queue: q, leases: leases, processor: p, log: log}
}

type zipEntry struct {
	name string
	data []byte
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("create %s: %v", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			t.Fatalf("write %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func metadataFor(t *testing.T, zipName string, pdfs ...string) []byte {
	t.Helper()
	items := make([]map[string]any, 0, len(pdfs))
	for i, name := range pdfs {
		items = append(items, map[string]any{
			"document_control_number": "100000" + string(rune('1'+i)),
			"scanning_date":           "23-06-2024 09:00:00.000",
			"file_name":               name,
			"document_type":           "other",
			"ocr_data":                map[string]any{"text": "scanned " + name},
		})
	}
	doc := map[string]any{
		"po_box":                  "12625",
		"jurisdiction":            "BULKSCAN",
		"delivery_date":           "23-06-2024 09:15:00.000",
		"opening_date":            "23-06-2024 09:20:00.000",
		"zip_file_createddate":    "23-06-2024 08:00:00.000",
		"zip_file_name":           zipName,
		"envelope_classification": "exception",
		"scannable_items":         items,
		"payments":                []map[string]any{{"document_control_number": "200001"}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	return data
}

// envelopeZip builds an archive with one metadata entry and a pdf per name.
func envelopeZip(t *testing.T, zipName string, pdfs ...string) []byte {
	t.Helper()
	entries := []zipEntry{{name: "metadata.json", data: metadataFor(t, zipName, pdfs...)}}
	for _, name := range pdfs {
		entries = append(entries, zipEntry{name: name, data: []byte("%PDF-1.4 " + name)})
	}
	return buildZip(t, entries...)
}

func (h *harness) put(container, key string, data []byte) {
	h.t.Helper()
	if _, err := h.store.PutObject(h.ctx, container, key, bytes.NewReader(data), storage.PutObjectOptions{ContentType: storage.ContentTypeZip}); err != nil {
		h.t.Fatalf("put %s/%s: %v", container, key, err)
	}
}

func (h *harness) exists(container, key string) bool {
	h.t.Helper()
	_, err := h.store.GetProperties(h.ctx, container, key)
	return err == nil
}

func (h *harness) events(zipName string) []envelope.EventKind {
	h.t.Helper()
	events, err := h.machine.Events(h.ctx, testContainer, zipName)
	if err != nil {
		h.t.Fatalf("events: %v", err)
	}
	out := make([]envelope.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Event
	}
	return out
}

func (h *harness) allEnvelopes() []*envelope.Envelope {
	h.t.Helper()
	list, err := h.envelopes.ListEnvelopes(h.ctx, "", 0)
	if err != nil {
		h.t.Fatalf("list envelopes: %v", err)
	}
	return list
}

func countKind(kinds []envelope.EventKind, kind envelope.EventKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func sameKinds(got []envelope.EventKind, want ...envelope.EventKind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
