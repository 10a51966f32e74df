package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hmcts/bulk-scan-processor-sub002"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
)

func seedEnvelope(t *testing.T) (string, string) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "envelopes.db")
	cfg := bulkscan.DefaultConfig()
	cfg.DatabaseDSN = dsn
	machine, closeFn, err := bulkscan.OpenMachine(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open machine: %v", err)
	}
	defer closeFn()
	env, err := machine.Create(context.Background(), "sscs", "case1.zip", &envelope.InputEnvelope{
		PoBox:          "12625",
		Jurisdiction:   "SSCS",
		ZipFileName:    "case1.zip",
		Classification: envelope.ClassificationException,
		ScannableItems: []envelope.InputScannableItem{{DocumentControlNumber: "1", FileName: "1.pdf"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return dsn, env.ID
}

func TestEnvelopeListAndShow(t *testing.T) {
	isolateConfig(t)
	dsn, id := seedEnvelope(t)

	stdout, _, err := executeRootCommand(t, "--database-dsn", dsn, "envelope", "list")
	if err != nil {
		t.Fatalf("envelope list: %v", err)
	}
	if !strings.Contains(stdout, id) || !strings.Contains(stdout, "case1.zip") || !strings.Contains(stdout, string(envelope.StatusCreated)) {
		t.Fatalf("envelope missing from list:\n%s", stdout)
	}

	stdout, _, err = executeRootCommand(t, "--database-dsn", dsn, "envelope", "list", "--status", "completed")
	if err != nil {
		t.Fatalf("envelope list --status: %v", err)
	}
	if strings.Contains(stdout, id) {
		t.Fatalf("status filter ignored:\n%s", stdout)
	}

	stdout, _, err = executeRootCommand(t, "--database-dsn", dsn, "env", "show", id)
	if err != nil {
		t.Fatalf("envelope show: %v", err)
	}
	if !strings.Contains(stdout, id) || !strings.Contains(stdout, "12625") {
		t.Fatalf("unexpected show output:\n%s", stdout)
	}

	if _, _, err := executeRootCommand(t, "--database-dsn", dsn, "envelope", "show", "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "--database-dsn", dsn, "envelope", "list", "--status", "bogus"); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestEnvelopeEventsAndAbort(t *testing.T) {
	isolateConfig(t)
	dsn, id := seedEnvelope(t)

	stdout, _, err := executeRootCommand(t, "--database-dsn", dsn, "envelope", "events", "sscs", "case1.zip")
	if err != nil {
		t.Fatalf("envelope events: %v", err)
	}
	if !strings.Contains(stdout, string(envelope.EventCreated)) {
		t.Fatalf("expected CREATED event:\n%s", stdout)
	}

	if _, _, err := executeRootCommand(t, "--database-dsn", dsn, "envelope", "abort", id); err == nil || !strings.Contains(err.Error(), "--reason") {
		t.Fatalf("expected reason error, got %v", err)
	}
	stdout, _, err = executeRootCommand(t, "--database-dsn", dsn, "envelope", "abort", id, "--reason", "duplicate delivery")
	if err != nil {
		t.Fatalf("envelope abort: %v", err)
	}
	if !strings.Contains(stdout, string(envelope.StatusAborted)) {
		t.Fatalf("unexpected abort output %q", stdout)
	}

	stdout, _, err = executeRootCommand(t, "--database-dsn", dsn, "envelope", "events", "sscs", "case1.zip")
	if err != nil {
		t.Fatalf("envelope events: %v", err)
	}
	if !strings.Contains(stdout, string(envelope.EventManualStatusChange)) || !strings.Contains(stdout, "duplicate delivery") {
		t.Fatalf("abort not recorded:\n%s", stdout)
	}
}

func TestQueueListEmpty(t *testing.T) {
	isolateConfig(t)
	stdout, _, err := executeRootCommand(t, "queue", "dead-letters", bulkscan.DefaultEnvelopesQueue)
	if err != nil {
		t.Fatalf("queue dead-letters: %v", err)
	}
	if !strings.Contains(stdout, "REASON") {
		t.Fatalf("expected dead-letter table header:\n%s", stdout)
	}
}
