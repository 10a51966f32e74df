// Package s3 implements storage.Backend on S3-compatible object storage via
// minio-go. Containers become key prefixes inside one bucket. Object stores
// have neither blob leases nor mutable metadata, so both are kept in small
// JSON sidecar objects updated with conditional writes (If-Match /
// If-None-Match).
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/ids"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

const (
	sidecarRoot = ".bulkscan"
	// newMetadataPrefix marks a metadata token for a blob without a metadata
	// sidecar yet; SetMetadata turns it into a create-only write.
	newMetadataPrefix = "new:"
	copyIDMetadataKey = "Bulkscan-Copy-Id"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	// Clock judges sidecar lease expiry. Workers are assumed to have roughly
	// synchronised clocks.
	Clock clock.Clock
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
	clock  clock.Clock
}

type leaseRecord struct {
	ID        string    `json:"lease_id"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (r leaseRecord) active(now time.Time) bool {
	if r.ID == "" {
		return false
	}
	return r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt)
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg, clock: clock.Or(cfg.Clock)}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 32
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	return clone
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client {
	return s.client
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return false, s.wrapError(err, "s3: bucket exists")
	}
	return exists, nil
}

// EnsureContainer makes sure the bucket exists; containers are prefixes and
// need no creation of their own.
func (s *Store) EnsureContainer(ctx context.Context, _ string) error {
	exists, err := s.BucketExists(ctx)
	if err != nil || exists {
		return err
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
			return nil
		}
		return s.wrapError(err, "s3: make bucket")
	}
	return nil
}

func (s *Store) withPrefix(p string) string {
	if s.cfg.Prefix == "" {
		return p
	}
	return path.Join(s.cfg.Prefix, p)
}

func (s *Store) objectKey(container, key string) string {
	return s.withPrefix(container + "/" + strings.TrimPrefix(key, "/"))
}

func (s *Store) metadataKey(container, key string) string {
	return s.withPrefix(path.Join(sidecarRoot, "meta", container, key) + ".json")
}

func (s *Store) leaseKey(container, key string) string {
	return s.withPrefix(path.Join(sidecarRoot, "lease", container, key) + ".json")
}

// ListObjects enumerates objects under container in lexical order.
func (s *Store) ListObjects(ctx context.Context, container string, opts storage.ListOptions) (*storage.ListResult, error) {
	root := s.objectKey(container, "")
	listOpts := minio.ListObjectsOptions{
		Prefix:    root + strings.TrimPrefix(opts.Prefix, "/"),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = root + strings.TrimPrefix(opts.StartAfter, "/")
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, listOpts) {
		if object.Err != nil {
			return nil, s.wrapError(object.Err, "s3: list objects")
		}
		key := strings.TrimPrefix(object.Key, root)
		if key == object.Key || key == "" {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			break
		}
		info := storage.ObjectInfo{
			Container:    container,
			Key:          key,
			ETag:         stripETag(object.ETag),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		}
		if opts.IncludeMetadata {
			md, token, err := s.readMetadata(ctx, container, key, info.ETag)
			if err != nil {
				return nil, err
			}
			info.Metadata = md
			info.MetadataETag = token
		}
		result.Objects = append(result.Objects, info)
		result.NextStartAfter = key
	}
	if !result.Truncated {
		result.NextStartAfter = ""
	}
	return result, nil
}

// GetObject streams an object.
func (s *Store) GetObject(ctx context.Context, container, key string) (storage.GetObjectResult, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.objectKey(container, key), minio.GetObjectOptions{})
	if err != nil {
		return storage.GetObjectResult{}, s.wrapError(err, "s3: get object")
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, s.wrapError(err, "s3: stat object")
	}
	info := &storage.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         stripETag(stat.ETag),
		Size:         stat.Size,
		LastModified: stat.LastModified,
		ContentType:  stat.ContentType,
	}
	return storage.GetObjectResult{Reader: obj, Info: info}, nil
}

// PutObject uploads an object with conditional guards.
func (s *Store) PutObject(ctx context.Context, container, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := s.checkLease(ctx, container, key, opts.LeaseID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	if opts.ExpectedETag != "" {
		putOpts.SetMatchETag(opts.ExpectedETag)
	} else if opts.IfNotExists {
		putOpts.SetMatchETagExcept("*")
	}
	length := int64(-1)
	if seeker, ok := body.(io.Seeker); ok {
		if current, err := seeker.Seek(0, io.SeekCurrent); err == nil {
			if end, err := seeker.Seek(0, io.SeekEnd); err == nil {
				length = end - current
				_, _ = seeker.Seek(current, io.SeekStart)
			}
		}
	}
	uploaded, err := s.client.PutObject(ctx, s.cfg.Bucket, s.objectKey(container, key), body, length, putOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" && isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, s.wrapError(err, "s3: put object")
	}
	info := &storage.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         stripETag(uploaded.ETag),
		Size:         uploaded.Size,
		LastModified: s.clock.Now(),
		ContentType:  putOpts.ContentType,
	}
	if len(opts.Metadata) > 0 {
		token, err := s.writeSidecar(ctx, s.metadataKey(container, key), opts.Metadata, "")
		if err != nil {
			return nil, err
		}
		info.Metadata = storage.CloneMetadata(opts.Metadata)
		info.MetadataETag = token
	}
	return info, nil
}

// DeleteObject removes an object and its sidecars.
func (s *Store) DeleteObject(ctx context.Context, container, key string, opts storage.DeleteObjectOptions) error {
	object := s.objectKey(container, key)
	stat, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return s.wrapError(err, "s3: stat object")
	}
	if opts.ExpectedETag != "" && stripETag(stat.ETag) != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := s.checkLease(ctx, container, key, opts.LeaseID); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		return s.wrapError(err, "s3: delete object")
	}
	for _, sidecar := range []string{s.metadataKey(container, key), s.leaseKey(container, key)} {
		if err := s.client.RemoveObject(ctx, s.cfg.Bucket, sidecar, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
			return s.wrapError(err, "s3: delete sidecar")
		}
	}
	return nil
}

// GetProperties returns object properties, sidecar metadata and lease state.
func (s *Store) GetProperties(ctx context.Context, container, key string) (*storage.ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, s.cfg.Bucket, s.objectKey(container, key), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, s.wrapError(err, "s3: stat object")
	}
	info := &storage.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         stripETag(stat.ETag),
		Size:         stat.Size,
		LastModified: stat.LastModified,
		ContentType:  stat.ContentType,
	}
	info.Metadata, info.MetadataETag, err = s.readMetadata(ctx, container, key, info.ETag)
	if err != nil {
		return nil, err
	}
	rec, _, err := s.readLease(ctx, container, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	info.Leased = rec.active(s.clock.Now())
	return info, nil
}

// SetMetadata rewrites the metadata sidecar, conditional on its ETag.
func (s *Store) SetMetadata(ctx context.Context, container, key string, metadata map[string]string, opts storage.MetadataOptions) (string, error) {
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, s.objectKey(container, key), minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "s3: stat object")
	}
	if err := s.checkLease(ctx, container, key, opts.LeaseID); err != nil {
		return "", err
	}
	return s.writeSidecar(ctx, s.metadataKey(container, key), metadata, opts.ExpectedETag)
}

// AcquireLease writes a lease sidecar unless an unexpired one exists.
func (s *Store) AcquireLease(ctx context.Context, container, key string, duration time.Duration) (string, error) {
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, s.objectKey(container, key), minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "s3: stat object")
	}
	now := s.clock.Now()
	current, etag, err := s.readLease(ctx, container, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		etag = newMetadataPrefix
	case err != nil:
		return "", err
	case current.active(now):
		return "", storage.ErrLeaseConflict
	}
	rec := leaseRecord{ID: ids.NewString()}
	if duration > 0 {
		rec.ExpiresAt = now.Add(duration)
	}
	if _, err := s.writeSidecar(ctx, s.leaseKey(container, key), rec, etag); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return "", storage.ErrLeaseConflict
		}
		return "", err
	}
	return rec.ID, nil
}

// ReleaseLease removes the lease sidecar when leaseID owns it.
func (s *Store) ReleaseLease(ctx context.Context, container, key, leaseID string) error {
	rec, _, err := s.readLease(ctx, container, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrLeaseMismatch
		}
		return err
	}
	if rec.ID != leaseID {
		return storage.ErrLeaseMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.leaseKey(container, key), minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return s.wrapError(err, "s3: release lease")
	}
	return nil
}

// StartCopy performs a synchronous server-side copy and tags the destination
// with a copy id so CopyStatus can report it.
func (s *Store) StartCopy(ctx context.Context, srcContainer, srcKey, dstContainer, dstKey string) (storage.CopyInfo, error) {
	copyID := ids.NewToken()
	src := minio.CopySrcOptions{Bucket: s.cfg.Bucket, Object: s.objectKey(srcContainer, srcKey)}
	dst := minio.CopyDestOptions{
		Bucket:          s.cfg.Bucket,
		Object:          s.objectKey(dstContainer, dstKey),
		UserMetadata:    map[string]string{copyIDMetadataKey: copyID},
		ReplaceMetadata: true,
	}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		if isNotFound(err) {
			return storage.CopyInfo{}, storage.ErrNotFound
		}
		return storage.CopyInfo{}, s.wrapError(err, "s3: copy object")
	}
	return storage.CopyInfo{ID: copyID, State: storage.CopySuccess}, nil
}

// CopyStatus reports success for destinations written by StartCopy.
func (s *Store) CopyStatus(ctx context.Context, container, key string) (storage.CopyInfo, error) {
	stat, err := s.client.StatObject(ctx, s.cfg.Bucket, s.objectKey(container, key), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.CopyInfo{}, storage.ErrNotFound
		}
		return storage.CopyInfo{}, s.wrapError(err, "s3: stat object")
	}
	copyID, ok := storage.MetadataValue(stat.UserMetadata, copyIDMetadataKey)
	if !ok {
		return storage.CopyInfo{}, storage.ErrNotFound
	}
	return storage.CopyInfo{ID: copyID, State: storage.CopySuccess}, nil
}

func (s *Store) checkLease(ctx context.Context, container, key, leaseID string) error {
	rec, _, err := s.readLease(ctx, container, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	active := rec.active(s.clock.Now())
	switch {
	case active && leaseID != rec.ID:
		return storage.ErrLeaseMismatch
	case !active && leaseID != "":
		return storage.ErrLeaseMismatch
	}
	return nil
}

func (s *Store) readLease(ctx context.Context, container, key string) (leaseRecord, string, error) {
	var rec leaseRecord
	etag, err := s.readSidecar(ctx, s.leaseKey(container, key), &rec)
	return rec, etag, err
}

// readMetadata returns the sidecar metadata and its token, or an empty map and
// a create-only token derived from objectETag when no sidecar exists.
func (s *Store) readMetadata(ctx context.Context, container, key, objectETag string) (map[string]string, string, error) {
	md := map[string]string{}
	etag, err := s.readSidecar(ctx, s.metadataKey(container, key), &md)
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]string{}, newMetadataPrefix + objectETag, nil
	}
	if err != nil {
		return nil, "", err
	}
	return md, etag, nil
}

func (s *Store) readSidecar(ctx context.Context, object string, out any) (string, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return "", s.wrapError(err, "s3: get sidecar")
	}
	defer obj.Close()
	stat, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "s3: stat sidecar")
	}
	if err := json.NewDecoder(obj).Decode(out); err != nil {
		return "", fmt.Errorf("s3: decode sidecar %s: %w", object, err)
	}
	return stripETag(stat.ETag), nil
}

// writeSidecar stores v as JSON. expected is empty for an unconditional
// write, newMetadataPrefix-prefixed for create-only, or an ETag to match.
func (s *Store) writeSidecar(ctx context.Context, object string, v any, expected string) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("s3: encode sidecar: %w", err)
	}
	putOpts := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	switch {
	case expected == "":
	case strings.HasPrefix(expected, newMetadataPrefix):
		putOpts.SetMatchETagExcept("*")
	default:
		putOpts.SetMatchETag(expected)
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), putOpts)
	if err != nil {
		if isPreconditionFailed(err) || (expected != "" && isNotFound(err)) {
			return "", storage.ErrCASMismatch
		}
		return "", s.wrapError(err, "s3: put sidecar")
	}
	return stripETag(info.ETag), nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return storage.ErrNotFound
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && isNetworkConnectionError(opErr.Err)
}
