package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

func put(t *testing.T, s *Store, container, key, body string) *storage.ObjectInfo {
	t.Helper()
	info, err := s.PutObject(context.Background(), container, key, strings.NewReader(body), storage.PutObjectOptions{ContentType: storage.ContentTypeZip})
	if err != nil {
		t.Fatalf("put %s/%s: %v", container, key, err)
	}
	return info
}

func TestPutObjectConditional(t *testing.T) {
	store := New()
	ctx := context.Background()

	info := put(t, store, "bulkscan", "a.zip", "one")
	if _, err := store.PutObject(ctx, "bulkscan", "a.zip", strings.NewReader("two"), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on create-only put, got %v", err)
	}
	if _, err := store.PutObject(ctx, "bulkscan", "a.zip", strings.NewReader("two"), storage.PutObjectOptions{ExpectedETag: "stale"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on stale etag, got %v", err)
	}
	if _, err := store.PutObject(ctx, "bulkscan", "a.zip", strings.NewReader("two"), storage.PutObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("cas put: %v", err)
	}
	res, err := store.GetObject(ctx, "bulkscan", "a.zip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Reader.Close()
	data, _ := io.ReadAll(res.Reader)
	if string(data) != "two" {
		t.Fatalf("unexpected payload %q", data)
	}
}

func TestLeaseBlocksForeignWritesUntilExpiry(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	store := NewWithConfig(Config{Clock: clk})
	ctx := context.Background()
	put(t, store, "bulkscan", "a.zip", "payload")

	leaseID, err := store.AcquireLease(ctx, "bulkscan", "a.zip", 15*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := store.AcquireLease(ctx, "bulkscan", "a.zip", 15*time.Second); !errors.Is(err, storage.ErrLeaseConflict) {
		t.Fatalf("expected lease conflict, got %v", err)
	}
	if _, err := store.SetMetadata(ctx, "bulkscan", "a.zip", map[string]string{"k": "v"}, storage.MetadataOptions{}); !errors.Is(err, storage.ErrLeaseMismatch) {
		t.Fatalf("expected lease mismatch without lease id, got %v", err)
	}
	if err := store.DeleteObject(ctx, "bulkscan", "a.zip", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrLeaseMismatch) {
		t.Fatalf("expected lease mismatch on delete, got %v", err)
	}
	if _, err := store.SetMetadata(ctx, "bulkscan", "a.zip", map[string]string{"k": "v"}, storage.MetadataOptions{LeaseID: leaseID}); err != nil {
		t.Fatalf("set metadata with lease: %v", err)
	}

	clk.Advance(16 * time.Second)
	props, err := store.GetProperties(ctx, "bulkscan", "a.zip")
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if props.Leased {
		t.Fatal("lease should have expired")
	}
	if props.Metadata["k"] != "v" {
		t.Fatalf("metadata lost: %v", props.Metadata)
	}
	if _, err := store.AcquireLease(ctx, "bulkscan", "a.zip", 15*time.Second); err != nil {
		t.Fatalf("reacquire after expiry: %v", err)
	}
}

func TestReleaseLeaseRequiresMatchingID(t *testing.T) {
	store := New()
	ctx := context.Background()
	put(t, store, "bulkscan", "a.zip", "payload")
	leaseID, err := store.AcquireLease(ctx, "bulkscan", "a.zip", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.ReleaseLease(ctx, "bulkscan", "a.zip", "other"); !errors.Is(err, storage.ErrLeaseMismatch) {
		t.Fatalf("expected lease mismatch, got %v", err)
	}
	if err := store.ReleaseLease(ctx, "bulkscan", "a.zip", leaseID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.AcquireLease(ctx, "bulkscan", "missing.zip", time.Minute); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetMetadataCAS(t *testing.T) {
	store := New()
	ctx := context.Background()
	info := put(t, store, "bulkscan", "a.zip", "payload")

	etag, err := store.SetMetadata(ctx, "bulkscan", "a.zip", map[string]string{"retryCount": "1"}, storage.MetadataOptions{ExpectedETag: info.MetadataETag})
	if err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if etag == info.ETag {
		t.Fatal("metadata update should rotate etag")
	}
	if _, err := store.SetMetadata(ctx, "bulkscan", "a.zip", map[string]string{"retryCount": "2"}, storage.MetadataOptions{ExpectedETag: info.MetadataETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
}

func TestListObjectsPaging(t *testing.T) {
	store := New()
	for _, key := range []string{"c.zip", "a.zip", "b.zip", "x.pdf"} {
		put(t, store, "bulkscan", key, key)
	}
	res, err := store.ListObjects(context.Background(), "bulkscan", storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 2 || res.Objects[0].Key != "a.zip" || !res.Truncated || res.NextStartAfter != "b.zip" {
		t.Fatalf("unexpected first page %+v", res)
	}
	res, err = store.ListObjects(context.Background(), "bulkscan", storage.ListOptions{StartAfter: res.NextStartAfter})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 2 || res.Objects[0].Key != "c.zip" || res.Truncated {
		t.Fatalf("unexpected second page %+v", res)
	}
}

func TestCopyBehaviourAndCompletion(t *testing.T) {
	store := NewWithConfig(Config{CopyBehavior: func(string, string) storage.CopyState { return storage.CopyPending }})
	ctx := context.Background()
	put(t, store, "bulkscan", "a.zip", "payload")

	info, err := store.StartCopy(ctx, "bulkscan", "a.zip", "bulkscan-rejected", "a.zip")
	if err != nil {
		t.Fatalf("start copy: %v", err)
	}
	if info.State != storage.CopyPending {
		t.Fatalf("expected pending, got %s", info.State)
	}
	if _, err := store.GetObject(ctx, "bulkscan-rejected", "a.zip"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("pending copy should not be readable, got %v", err)
	}
	if err := store.CompleteCopy("bulkscan-rejected", "a.zip", storage.CopySuccess); err != nil {
		t.Fatalf("complete: %v", err)
	}
	status, err := store.CopyStatus(ctx, "bulkscan-rejected", "a.zip")
	if err != nil || status.State != storage.CopySuccess {
		t.Fatalf("unexpected status %+v err=%v", status, err)
	}
	if _, err := store.GetObject(ctx, "bulkscan-rejected", "a.zip"); err != nil {
		t.Fatalf("copied object missing: %v", err)
	}
}

func TestInjectErrorIsOneShot(t *testing.T) {
	store := New()
	put(t, store, "bulkscan", "a.zip", "payload")
	boom := errors.New("boom")
	store.InjectError("GetProperties", boom)
	if _, err := store.GetProperties(context.Background(), "bulkscan", "a.zip"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := store.GetProperties(context.Background(), "bulkscan", "a.zip"); err != nil {
		t.Fatalf("second call should succeed: %v", err)
	}
	if store.Calls("GetProperties") != 2 {
		t.Fatalf("expected 2 calls, got %d", store.Calls("GetProperties"))
	}
}
