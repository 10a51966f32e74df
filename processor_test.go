package bulkscan

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelopestore"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/pipeline"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/queue"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage/memory"
)

func testArchive(t *testing.T, zipName string) []byte {
	t.Helper()
	meta, err := json.Marshal(map[string]any{
		"po_box":                  "12625",
		"jurisdiction":            "SSCS",
		"delivery_date":           "23-06-2024 09:15:00.000",
		"opening_date":            "23-06-2024 09:20:00.000",
		"zip_file_createddate":    "23-06-2024 08:00:00.000",
		"zip_file_name":           zipName,
		"envelope_classification": "new_application",
		"scannable_items": []map[string]any{{
			"document_control_number": "1000001",
			"scanning_date":           "23-06-2024 09:00:00.000",
			"file_name":               "doc1.pdf",
			"document_type":           "other",
		}},
	})
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range map[string][]byte{
		"metadata.json": meta,
		"doc1.pdf":      []byte("%PDF-1.4 doc1"),
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func newTestProcessor(t *testing.T, mutate func(*Config)) (*Processor, *memory.Store) {
	t.Helper()
	backend := memory.New()
	store, err := envelopestore.Open(envelopestore.Config{Driver: envelopestore.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg := minimalConfig()
	cfg.MaxRetries = 2
	if mutate != nil {
		mutate(&cfg)
	}
	proc, err := New(cfg, WithBackend(backend), WithStore(store))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	t.Cleanup(func() { _ = proc.Close() })
	return proc, backend
}

func countOutcome(summaries []pipeline.Summary, outcome pipeline.Outcome) int {
	total := 0
	for _, s := range summaries {
		total += s.Counts[outcome]
	}
	return total
}

func TestProcessorRunOnceEndToEnd(t *testing.T) {
	ctx := context.Background()
	proc, backend := newTestProcessor(t, nil)
	if err := proc.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := backend.PutObject(ctx, "sscs", "1_24-06-2024-00-00-00.zip", bytes.NewReader(testArchive(t, "1_24-06-2024-00-00-00.zip")), storage.PutObjectOptions{ContentType: storage.ContentTypeZip}); err != nil {
		t.Fatalf("put archive: %v", err)
	}

	summaries, settled, err := proc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if settled != 0 {
		t.Fatalf("expected no processed messages yet, got %d", settled)
	}
	if got := countOutcome(summaries, pipeline.OutcomeProcessed); got != 1 {
		t.Fatalf("expected one processed blob, got %+v", summaries)
	}
	if _, err := backend.GetProperties(ctx, "sscs", "1_24-06-2024-00-00-00.zip"); err == nil {
		t.Fatalf("source archive should be deleted after notification")
	}

	envs, err := proc.Machine().Store().ListEnvelopes(ctx, envelope.StatusNotificationSent, 0)
	if err != nil {
		t.Fatalf("list envelopes: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("expected one notified envelope, got %d", len(envs))
	}
	env := envs[0]
	if !env.ZipDeleted {
		t.Fatalf("zip deletion must be recorded")
	}

	outbound, err := proc.Queue().ListMessages(ctx, DefaultEnvelopesQueue)
	if err != nil {
		t.Fatalf("list outbound: %v", err)
	}
	if len(outbound) != 1 || outbound[0].ID != env.ID {
		t.Fatalf("expected one outbound message for %s, got %+v", env.ID, outbound)
	}

	body, _ := json.Marshal(map[string]string{
		"envelope_id":         env.ID,
		"ccd_id":              "1539007368674134",
		"envelope_ccd_action": "EXCEPTION_RECORD",
	})
	if _, err := proc.Queue().Send(ctx, DefaultProcessedQueue, queue.Message{Body: body}); err != nil {
		t.Fatalf("send processed: %v", err)
	}
	_, settled, err = proc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if settled != 1 {
		t.Fatalf("expected one processed message, got %d", settled)
	}
	final, err := proc.Machine().Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get envelope: %v", err)
	}
	if final.Status != envelope.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Status)
	}
	if final.CcdID != "1539007368674134" || final.CcdAction != "EXCEPTION_RECORD" {
		t.Fatalf("ccd fields not stored: %+v", final)
	}
}

func TestProcessorDisableUploadStopsAtCreated(t *testing.T) {
	ctx := context.Background()
	proc, backend := newTestProcessor(t, func(c *Config) { c.DisableUpload = true })
	if err := proc.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := backend.PutObject(ctx, "sscs", "2.zip", bytes.NewReader(testArchive(t, "2.zip")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put archive: %v", err)
	}
	if _, _, err := proc.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	envs, err := proc.Machine().Store().ListEnvelopes(ctx, envelope.StatusCreated, 0)
	if err != nil {
		t.Fatalf("list envelopes: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("expected one CREATED envelope, got %d", len(envs))
	}
	if _, err := backend.GetProperties(ctx, "sscs", "2.zip"); err != nil {
		t.Fatalf("archive must stay for the external uploader: %v", err)
	}
	if _, err := backend.GetProperties(ctx, DefaultDocumentsContainer, envs[0].ID+"/doc1.pdf"); err == nil {
		t.Fatalf("nothing should be uploaded")
	}
}

func TestProcessorRejectsIntoQuarantine(t *testing.T) {
	ctx := context.Background()
	proc, backend := newTestProcessor(t, nil)
	if err := proc.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := backend.PutObject(ctx, "sscs", "bad.zip", bytes.NewReader([]byte("not a zip")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put archive: %v", err)
	}
	summaries, _, err := proc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := countOutcome(summaries, pipeline.OutcomeRejected); got != 1 {
		t.Fatalf("expected one rejection, got %+v", summaries)
	}
	if _, err := backend.GetProperties(ctx, "sscs-rejected", "bad.zip"); err != nil {
		t.Fatalf("archive should be quarantined: %v", err)
	}
	events, err := proc.Machine().Events(ctx, "sscs", "bad.zip")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Event != envelope.EventFileRejected {
		t.Fatalf("expected FILE_REJECTED as the last event, got %+v", events)
	}
}

func TestProcessorRunStopsOnCancel(t *testing.T) {
	proc, _ := newTestProcessor(t, func(c *Config) {
		c.PollInterval = 10 * time.Millisecond
		c.NotificationPollInterval = 10 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestOpenMachine(t *testing.T) {
	cfg := minimalConfig()
	cfg.DatabaseDSN = ":memory:"
	machine, closeFn, err := OpenMachine(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open machine: %v", err)
	}
	defer closeFn()
	if _, err := machine.Get(context.Background(), "missing"); err == nil {
		t.Fatalf("expected not found")
	}
}
