package notification

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelopestore"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lifecycle"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
)

func newMachine(t *testing.T) (*lifecycle.Machine, *envelopestore.Store) {
	t.Helper()
	store, err := envelopestore.Open(envelopestore.Config{Driver: envelopestore.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.CreateSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	clk := clock.NewManual(time.Date(2024, 6, 24, 10, 0, 0, 0, time.UTC))
	return lifecycle.New(store, clk, loggingutil.NoopLogger()), store
}

// notifiedEnvelope creates an envelope and walks it to NOTIFICATION_SENT.
func notifiedEnvelope(t *testing.T, m *lifecycle.Machine) *envelope.Envelope {
	t.Helper()
	ctx := context.Background()
	env, err := m.Create(ctx, "bulkscan", "case1.zip", &envelope.InputEnvelope{
		PoBox:          "12625",
		Jurisdiction:   "BULKSCAN",
		ZipFileName:    "case1.zip",
		Classification: envelope.ClassificationException,
		ScannableItems: []envelope.InputScannableItem{
			{DocumentControlNumber: "1111001", FileName: "1111001.pdf", OcrData: []byte(`{"name":"Jane"}`)},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, kind := range []envelope.EventKind{envelope.EventDocUploaded, envelope.EventNotificationSent} {
		if _, err := m.Advance(ctx, env.ID, kind, "", nil); err != nil {
			t.Fatalf("advance %s: %v", kind, err)
		}
	}
	return env
}

func processedBody(t *testing.T, msg ProcessedMessage) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func countEvents(events []envelope.ProcessEvent, kind envelope.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Event == kind {
			n++
		}
	}
	return n
}

func TestHandleCompletesEnvelope(t *testing.T) {
	m, _ := newMachine(t)
	env := notifiedEnvelope(t, m)
	f := NewFinalizer(m, loggingutil.NoopLogger())
	ctx := context.Background()

	res := f.Handle(ctx, processedBody(t, ProcessedMessage{EnvelopeID: env.ID, CcdID: "1539007368674134", EnvelopeCcdAction: "EXCEPTION_RECORD"}))
	if res.Kind != KindSuccess {
		t.Fatalf("expected success, got %s", res)
	}
	got, err := m.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != envelope.StatusCompleted || got.CcdID != "1539007368674134" || got.CcdAction != "EXCEPTION_RECORD" {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if got.ScannableItems[0].OcrData != "" {
		t.Fatalf("expected OCR data scrubbed, got %q", got.ScannableItems[0].OcrData)
	}
}

func TestHandleTwiceIsIdempotent(t *testing.T) {
	m, _ := newMachine(t)
	env := notifiedEnvelope(t, m)
	f := NewFinalizer(m, loggingutil.NoopLogger())
	ctx := context.Background()
	body := processedBody(t, ProcessedMessage{EnvelopeID: env.ID})

	for i := 0; i < 2; i++ {
		if res := f.Handle(ctx, body); res.Kind != KindSuccess {
			t.Fatalf("handle %d: expected success, got %s", i+1, res)
		}
	}
	events, err := m.Events(ctx, "bulkscan", "case1.zip")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if n := countEvents(events, envelope.EventCompleted); n != 1 {
		t.Fatalf("expected exactly one COMPLETED event, got %d", n)
	}
}

func TestHandleAbortedOutcome(t *testing.T) {
	m, _ := newMachine(t)
	env := notifiedEnvelope(t, m)
	f := NewFinalizer(m, loggingutil.NoopLogger())
	ctx := context.Background()
	if res := f.Handle(ctx, processedBody(t, ProcessedMessage{EnvelopeID: env.ID, Outcome: "ABORTED"})); res.Kind != KindSuccess {
		t.Fatalf("expected success, got %s", res)
	}
	got, err := m.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != envelope.StatusAborted {
		t.Fatalf("expected ABORTED, got %s", got.Status)
	}
}

func TestHandleCompletedThenAbortedMessage(t *testing.T) {
	m, _ := newMachine(t)
	env := notifiedEnvelope(t, m)
	f := NewFinalizer(m, loggingutil.NoopLogger())
	ctx := context.Background()

	if res := f.Handle(ctx, processedBody(t, ProcessedMessage{EnvelopeID: env.ID})); res.Kind != KindSuccess {
		t.Fatalf("complete: expected success, got %s", res)
	}
	res := f.Handle(ctx, processedBody(t, ProcessedMessage{EnvelopeID: env.ID, Outcome: OutcomeAborted}))
	if res.Kind != KindUnrecoverable {
		t.Fatalf("expected a conflicting outcome to be unrecoverable, got %s", res)
	}
	got, err := m.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != envelope.StatusCompleted {
		t.Fatalf("expected COMPLETED to stick, got %s", got.Status)
	}
	events, err := m.Events(ctx, "bulkscan", "case1.zip")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if n := countEvents(events, envelope.EventProcessingAborted); n != 0 {
		t.Fatalf("expected no DOC_PROCESSING_ABORTED event, got %d", n)
	}
}

func TestHandleRequiresNotificationSent(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	env, err := m.Create(ctx, "bulkscan", "uploaded.zip", &envelope.InputEnvelope{
		PoBox:          "12625",
		Jurisdiction:   "BULKSCAN",
		ZipFileName:    "uploaded.zip",
		Classification: envelope.ClassificationException,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Advance(ctx, env.ID, envelope.EventDocUploaded, "", nil); err != nil {
		t.Fatalf("upload: %v", err)
	}
	f := NewFinalizer(m, loggingutil.NoopLogger())
	if res := f.Handle(ctx, processedBody(t, ProcessedMessage{EnvelopeID: env.ID, Outcome: OutcomeAborted})); res.Kind != KindUnrecoverable {
		t.Fatalf("expected unrecoverable, got %s", res)
	}
	got, _ := m.Get(ctx, env.ID)
	if got.Status != envelope.StatusUploaded {
		t.Fatalf("expected UPLOADED, got %s", got.Status)
	}
}

func TestHandleClassification(t *testing.T) {
	m, store := newMachine(t)
	ctx := context.Background()
	created, err := m.Create(ctx, "bulkscan", "early.zip", &envelope.InputEnvelope{
		PoBox:          "12625",
		Jurisdiction:   "BULKSCAN",
		ZipFileName:    "early.zip",
		Classification: envelope.ClassificationException,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f := NewFinalizer(m, loggingutil.NoopLogger())

	cases := []struct {
		name string
		body []byte
		want Kind
	}{
		{name: "malformed json", body: []byte("{not json"), want: KindUnrecoverable},
		{name: "empty id", body: []byte(`{"envelope_id":"  "}`), want: KindUnrecoverable},
		{name: "unknown outcome", body: []byte(`{"envelope_id":"x","outcome":"maybe"}`), want: KindUnrecoverable},
		{name: "unknown envelope", body: []byte(`{"envelope_id":"0190b2c4-0000-7000-8000-000000000000"}`), want: KindUnrecoverable},
		{name: "illegal transition", body: processedBody(t, ProcessedMessage{EnvelopeID: created.ID}), want: KindUnrecoverable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if res := f.Handle(ctx, tc.body); res.Kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, res)
			}
		})
	}

	_ = store.Close()
	if res := f.Handle(ctx, processedBody(t, ProcessedMessage{EnvelopeID: created.ID})); res.Kind != KindPotentiallyRecoverable {
		t.Fatalf("expected potentially recoverable on database failure, got %s", res)
	}
}
