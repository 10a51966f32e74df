package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

func setupFakeS3(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "bulkscan-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	store, err := New(Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "intake",
		Insecure:       true,
		ForcePathStyle: true,
		CustomCreds:    credentials.NewStaticV4("test", "test", ""),
		Clock:          clk,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, clk
}

func putZip(t *testing.T, store *Store, container, key, body string) *storage.ObjectInfo {
	t.Helper()
	info, err := store.PutObject(context.Background(), container, key, strings.NewReader(body), storage.PutObjectOptions{ContentType: storage.ContentTypeZip})
	if err != nil {
		t.Fatalf("put %s/%s: %v", container, key, err)
	}
	return info
}

func TestStoreObjectLifecycle(t *testing.T) {
	store, _ := setupFakeS3(t)
	ctx := context.Background()
	putZip(t, store, "bulkscan", "1_24-06-2018-00-00-00.zip", "zip-bytes")
	putZip(t, store, "bulkscan", "2_24-06-2018-00-00-00.zip", "more")
	putZip(t, store, "crime", "3_24-06-2018-00-00-00.zip", "other")

	list, err := store.ListObjects(ctx, "bulkscan", storage.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %+v", list.Objects)
	}
	if list.Objects[0].Key != "1_24-06-2018-00-00-00.zip" || list.Objects[0].Container != "bulkscan" {
		t.Fatalf("unexpected first object %+v", list.Objects[0])
	}

	res, err := store.GetObject(ctx, "bulkscan", "1_24-06-2018-00-00-00.zip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if string(data) != "zip-bytes" {
		t.Fatalf("unexpected payload %q", data)
	}

	if err := store.DeleteObject(ctx, "bulkscan", "1_24-06-2018-00-00-00.zip", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetProperties(ctx, "bulkscan", "1_24-06-2018-00-00-00.zip"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, "bulkscan", "1_24-06-2018-00-00-00.zip", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "bulkscan", "1_24-06-2018-00-00-00.zip", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreMetadataSidecar(t *testing.T) {
	store, _ := setupFakeS3(t)
	ctx := context.Background()
	putZip(t, store, "bulkscan", "a.zip", "payload")

	props, err := store.GetProperties(ctx, "bulkscan", "a.zip")
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if len(props.Metadata) != 0 {
		t.Fatalf("expected no metadata, got %v", props.Metadata)
	}
	if !strings.HasPrefix(props.MetadataETag, newMetadataPrefix) {
		t.Fatalf("expected create-only token, got %q", props.MetadataETag)
	}
	token, err := store.SetMetadata(ctx, "bulkscan", "a.zip", map[string]string{"retryCount": "1"}, storage.MetadataOptions{ExpectedETag: props.MetadataETag})
	if err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if token == "" {
		t.Fatal("expected metadata token")
	}
	props, err = store.GetProperties(ctx, "bulkscan", "a.zip")
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if props.Metadata["retryCount"] != "1" || props.MetadataETag != token {
		t.Fatalf("unexpected metadata %v token %q", props.Metadata, props.MetadataETag)
	}

	list, err := store.ListObjects(ctx, "bulkscan", storage.ListOptions{IncludeMetadata: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Objects) != 1 || list.Objects[0].Metadata["retryCount"] != "1" {
		t.Fatalf("sidecar should be hidden and metadata listed, got %+v", list.Objects)
	}

	if _, err := store.SetMetadata(ctx, "bulkscan", "missing.zip", nil, storage.MetadataOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreLeaseSidecar(t *testing.T) {
	store, clk := setupFakeS3(t)
	ctx := context.Background()
	putZip(t, store, "bulkscan", "a.zip", "payload")

	leaseID, err := store.AcquireLease(ctx, "bulkscan", "a.zip", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := store.AcquireLease(ctx, "bulkscan", "a.zip", 30*time.Second); !errors.Is(err, storage.ErrLeaseConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	props, err := store.GetProperties(ctx, "bulkscan", "a.zip")
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if !props.Leased {
		t.Fatal("expected leased blob")
	}
	if err := store.DeleteObject(ctx, "bulkscan", "a.zip", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrLeaseMismatch) {
		t.Fatalf("expected lease mismatch without id, got %v", err)
	}
	if err := store.ReleaseLease(ctx, "bulkscan", "a.zip", "other"); !errors.Is(err, storage.ErrLeaseMismatch) {
		t.Fatalf("expected mismatch releasing foreign lease, got %v", err)
	}
	if err := store.ReleaseLease(ctx, "bulkscan", "a.zip", leaseID); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := store.AcquireLease(ctx, "bulkscan", "a.zip", 30*time.Second); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	clk.Advance(31 * time.Second)
	if _, err := store.AcquireLease(ctx, "bulkscan", "a.zip", 30*time.Second); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestStoreDeleteWithLease(t *testing.T) {
	store, _ := setupFakeS3(t)
	ctx := context.Background()
	putZip(t, store, "bulkscan", "a.zip", "payload")
	leaseID, err := store.AcquireLease(ctx, "bulkscan", "a.zip", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.DeleteObject(ctx, "bulkscan", "a.zip", storage.DeleteObjectOptions{LeaseID: leaseID}); err != nil {
		t.Fatalf("delete with lease: %v", err)
	}
	putZip(t, store, "bulkscan", "a.zip", "again")
	props, err := store.GetProperties(ctx, "bulkscan", "a.zip")
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if props.Leased {
		t.Fatal("lease sidecar should be removed with the blob")
	}
}

func TestStoreStartCopy(t *testing.T) {
	store, _ := setupFakeS3(t)
	ctx := context.Background()
	putZip(t, store, "bulkscan", "a.zip", "payload")
	info, err := store.StartCopy(ctx, "bulkscan", "a.zip", "bulkscan-rejected", "a.zip")
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if info.State != storage.CopySuccess || info.ID == "" {
		t.Fatalf("unexpected copy info %+v", info)
	}
	res, err := store.GetObject(ctx, "bulkscan-rejected", "a.zip")
	if err != nil {
		t.Fatalf("get copy: %v", err)
	}
	defer res.Reader.Close()
	data, _ := io.ReadAll(res.Reader)
	if !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("unexpected copied payload %q", data)
	}
	if _, err := store.StartCopy(ctx, "bulkscan", "missing.zip", "bulkscan-rejected", "missing.zip"); err == nil {
		t.Fatal("expected copy of missing source to fail")
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, expected: true},
		{name: "throttled", err: minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, expected: true},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: http.StatusForbidden}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := isRetryable(tc.err)
			if got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestWrapErrorMapsNotFound(t *testing.T) {
	store := &Store{}
	err := store.wrapError(minio.ErrorResponse{StatusCode: http.StatusNotFound}, "s3: get")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	err = store.wrapError(minio.ErrorResponse{StatusCode: http.StatusBadGateway}, "s3: get")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
	if !isPreconditionFailed(minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}) {
		t.Fatal("expected precondition failed")
	}
}
