package aws

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

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

func setupFakeAWS(t *testing.T) (*Store, *clock.Manual) {
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
		Endpoint:        server.URL,
		Region:          "us-east-1",
		Bucket:          bucket,
		Prefix:          "intake",
		ForcePathStyle:  true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Clock:           clk,
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

func TestNewRequiresBucketAndRegion(t *testing.T) {
	if _, err := New(Config{Region: "eu-west-2"}); err == nil {
		t.Fatal("expected error without bucket")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error without region")
	}
}

func TestStoreBucketExists(t *testing.T) {
	store, _ := setupFakeAWS(t)
	ctx := context.Background()
	ok, err := store.BucketExists(ctx)
	if err != nil || !ok {
		t.Fatalf("expected bucket to exist, got %v %v", ok, err)
	}
	if err := store.EnsureContainer(ctx, "bulkscan"); err != nil {
		t.Fatalf("ensure container: %v", err)
	}
}

func TestStoreObjectLifecycle(t *testing.T) {
	store, _ := setupFakeAWS(t)
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
	page, err := store.ListObjects(ctx, "bulkscan", storage.ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page.Objects) != 1 || !page.Truncated || page.NextStartAfter != "1_24-06-2018-00-00-00.zip" {
		t.Fatalf("unexpected page %+v", page)
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
	if _, err := store.GetObject(ctx, "bulkscan", "missing.zip"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
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

func TestStoreDeleteChecksETag(t *testing.T) {
	store, _ := setupFakeAWS(t)
	ctx := context.Background()
	putZip(t, store, "bulkscan", "a.zip", "payload")
	err := store.DeleteObject(ctx, "bulkscan", "a.zip", storage.DeleteObjectOptions{ExpectedETag: "not-the-etag"})
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected CAS mismatch, got %v", err)
	}
}

func TestStoreMetadataSidecar(t *testing.T) {
	store, _ := setupFakeAWS(t)
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
	store, clk := setupFakeAWS(t)
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
	leaseID, err = store.AcquireLease(ctx, "bulkscan", "a.zip", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := store.DeleteObject(ctx, "bulkscan", "a.zip", storage.DeleteObjectOptions{LeaseID: leaseID}); err != nil {
		t.Fatalf("delete with lease: %v", err)
	}
	putZip(t, store, "bulkscan", "a.zip", "again")
	props, err = store.GetProperties(ctx, "bulkscan", "a.zip")
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if props.Leased {
		t.Fatal("lease sidecar should be removed with the blob")
	}
}

func TestStoreStartCopy(t *testing.T) {
	store, _ := setupFakeAWS(t)
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
	if _, err := store.CopyStatus(ctx, "bulkscan", "a.zip"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no copy record on the source, got %v", err)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func responseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New(http.StatusText(status)),
		},
	}
}

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
		{name: "server error", err: responseError(http.StatusServiceUnavailable), expected: true},
		{name: "throttled", err: responseError(http.StatusTooManyRequests), expected: true},
		{name: "forbidden", err: responseError(http.StatusForbidden), expected: false},
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
	err := store.wrapError(&smithy.GenericAPIError{Code: "NoSuchKey"}, "aws: get")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	err = store.wrapError(responseError(http.StatusBadGateway), "aws: get")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
	if !isPreconditionFailed(&smithy.GenericAPIError{Code: "PreconditionFailed"}) {
		t.Fatal("expected precondition failed")
	}
	if !isPreconditionFailed(responseError(http.StatusPreconditionFailed)) {
		t.Fatal("expected precondition failed from status")
	}
	if !errors.Is(classifyPutObjectError(responseError(http.StatusPreconditionFailed), true), storage.ErrCASMismatch) {
		t.Fatal("expected CAS mismatch from conditional put")
	}
}
