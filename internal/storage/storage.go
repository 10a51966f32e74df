// Package storage defines the blob store contract the intake pipeline runs on.
// Containers map to Azure containers or to prefixes within one S3 bucket; the
// in-memory backend implements the same semantics for tests.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// Content types written by the pipeline.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeZip         = "application/zip"
	ContentTypePDF         = "application/pdf"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrNotFound indicates the requested blob or container is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a concurrent
	// writer.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrLeaseConflict indicates the blob is already leased by someone else.
	ErrLeaseConflict = errors.New("storage: lease conflict")
	// ErrLeaseMismatch indicates an operation on a leased blob did not carry
	// the active lease id, or the lease has been lost.
	ErrLeaseMismatch = errors.New("storage: lease mismatch")
	// ErrNotImplemented is returned by backends lacking an optional capability.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// CopyState is the server-side state of a blob copy.
type CopyState string

const (
	CopyPending CopyState = "pending"
	CopySuccess CopyState = "success"
	CopyAborted CopyState = "aborted"
	CopyFailed  CopyState = "failed"
)

// Terminal reports whether the copy has finished one way or the other.
func (s CopyState) Terminal() bool {
	return s == CopySuccess || s == CopyAborted || s == CopyFailed
}

// ObjectInfo describes one blob.
type ObjectInfo struct {
	Container    string
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
	// Metadata is the blob's user metadata.
	Metadata map[string]string
	// MetadataETag is the token SetMetadata expects for a conditional update.
	// It equals ETag on backends that version metadata with the blob.
	MetadataETag string
	// Leased reports whether an unexpired lease is held on the blob.
	Leased bool
}

// CopyInfo reports progress of a server-side copy into the destination blob.
type CopyInfo struct {
	ID          string
	State       CopyState
	Description string
}

// PutObjectOptions controls conditional semantics for PutObject.
type PutObjectOptions struct {
	// ExpectedETag enables CAS semantics. When empty, no CAS is enforced.
	ExpectedETag string
	// IfNotExists enforces create-only semantics. Ignored when ExpectedETag is
	// set.
	IfNotExists bool
	ContentType string
	Metadata    map[string]string
	// LeaseID must be set when the target blob is leased.
	LeaseID string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	LeaseID        string
	IgnoreNotFound bool
}

// MetadataOptions controls conditional semantics for SetMetadata.
type MetadataOptions struct {
	// ExpectedETag is compared with ObjectInfo.MetadataETag. When empty, no
	// CAS is enforced.
	ExpectedETag string
	LeaseID      string
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
	// IncludeMetadata asks the backend to populate ObjectInfo.Metadata.
	IncludeMetadata bool
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult captures an object reader with its metadata. Callers must
// close Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend is the blob store contract.
type Backend interface {
	// ListObjects enumerates blobs in container in ascending lexical order.
	ListObjects(ctx context.Context, container string, opts ListOptions) (*ListResult, error)
	// GetObject streams a blob.
	GetObject(ctx context.Context, container, key string) (GetObjectResult, error)
	// PutObject uploads a blob.
	PutObject(ctx context.Context, container, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes a blob.
	DeleteObject(ctx context.Context, container, key string, opts DeleteObjectOptions) error
	// GetProperties returns blob properties including user metadata.
	GetProperties(ctx context.Context, container, key string) (*ObjectInfo, error)
	// SetMetadata replaces the user metadata of a blob and returns the new
	// metadata token.
	SetMetadata(ctx context.Context, container, key string, metadata map[string]string, opts MetadataOptions) (string, error)
	// AcquireLease takes an exclusive, fixed-duration lease on a blob.
	// ErrLeaseConflict is returned when another holder owns an unexpired lease.
	AcquireLease(ctx context.Context, container, key string, duration time.Duration) (string, error)
	// ReleaseLease gives the lease back before it expires.
	ReleaseLease(ctx context.Context, container, key, leaseID string) error
	// StartCopy begins a server-side copy of src into dst.
	StartCopy(ctx context.Context, srcContainer, srcKey, dstContainer, dstKey string) (CopyInfo, error)
	// CopyStatus reports the copy state recorded on dst.
	CopyStatus(ctx context.Context, container, key string) (CopyInfo, error)
	// Close releases backend resources.
	Close() error
}

// ContainerCreator is implemented by backends that need containers created
// before use.
type ContainerCreator interface {
	EnsureContainer(ctx context.Context, container string) error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// CloneMetadata copies md so callers can mutate the result freely.
func CloneMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// ReadAll reads a blob fully, capped at limit bytes when limit > 0.
func ReadAll(ctx context.Context, backend Backend, container, key string, limit int64) ([]byte, *ObjectInfo, error) {
	res, err := backend.GetObject(ctx, container, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	var r io.Reader = res.Reader
	if limit > 0 {
		r = io.LimitReader(res.Reader, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, NewTransientError(err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, nil, ErrTooLarge
	}
	return data, res.Info, nil
}

// ErrTooLarge is returned by ReadAll when the blob exceeds the caller's limit.
var ErrTooLarge = errors.New("storage: object too large")

// HasSuffixFold reports whether key ends with suffix, ignoring case.
func HasSuffixFold(key, suffix string) bool {
	return len(key) >= len(suffix) && strings.EqualFold(key[len(key)-len(suffix):], suffix)
}

// MetadataValue looks key up case-insensitively; blob services do not
// preserve metadata key case on every code path.
func MetadataValue(md map[string]string, key string) (string, bool) {
	if v, ok := md[key]; ok {
		return v, true
	}
	for k, v := range md {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// SetMetadataValue stores value under key, replacing any entry whose key only
// differs in case.
func SetMetadataValue(md map[string]string, key, value string) {
	DeleteMetadataValue(md, key)
	md[key] = value
}

// DeleteMetadataValue removes key and every case variant of it.
func DeleteMetadataValue(md map[string]string, key string) {
	for k := range md {
		if strings.EqualFold(k, key) {
			delete(md, k)
		}
	}
}

// Ref names one blob.
type Ref struct {
	Container string
	Key       string
}

func (r Ref) String() string {
	return r.Container + "/" + r.Key
}
