// Package aws implements storage.Backend on Amazon S3 through aws-sdk-go-v2.
// The layout matches the s3 package: containers are key prefixes inside one
// bucket, and blob metadata and leases live in JSON sidecar objects written
// with If-Match / If-None-Match, so both clients can serve the same bucket.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"pkt.systems/pslog"

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
	awsOpTimeout      = 5 * time.Minute
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	// Endpoint overrides the regional AWS endpoint (S3-compatible services,
	// tests). Empty uses the SDK's endpoint resolution.
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// Static credentials; when AccessKeyID is empty the SDK default chain
	// (environment, shared files, IMDS) is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ServerSideEnc   string
	KMSKeyID        string
	// Clock judges sidecar lease expiry.
	Clock clock.Clock
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
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
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			// S3-compatible endpoints rarely accept the default trailing
			// checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client, cfg: cfg, clock: clock.Or(cfg.Clock)}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 32
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client {
	return s.client
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrapError(err, "aws: head bucket")
	}
	return true, nil
}

// EnsureContainer makes sure the bucket exists; containers are prefixes and
// need no creation of their own.
func (s *Store) EnsureContainer(ctx context.Context, _ string) error {
	exists, err := s.BucketExists(ctx)
	if err != nil || exists {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	input := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)}
	if s.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return s.wrapError(err, "aws: create bucket")
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
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	root := s.objectKey(container, "")
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	result := &storage.ListResult{}
	for {
		resp, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, s.wrapError(err, "aws: list objects")
		}
		for _, object := range resp.Contents {
			full := aws.ToString(object.Key)
			key := strings.TrimPrefix(full, root)
			if key == full || key == "" {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				return result, nil
			}
			info := storage.ObjectInfo{
				Container:    container,
				Key:          key,
				ETag:         stripETag(aws.ToString(object.ETag)),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
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
		if !aws.ToBool(resp.IsTruncated) || resp.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	result.NextStartAfter = ""
	return result, nil
}

// GetObject streams an object.
func (s *Store) GetObject(ctx context.Context, container, key string) (storage.GetObjectResult, error) {
	ctx, cancel := withTimeout(ctx)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(container, key)),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, s.wrapError(err, "aws: get object")
	}
	info := &storage.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
		ContentType:  aws.ToString(resp.ContentType),
	}
	return storage.GetObjectResult{Reader: wrapReadCloser(resp.Body, cancel), Info: info}, nil
}

// PutObject uploads an object with conditional guards.
func (s *Store) PutObject(ctx context.Context, container, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := s.checkLease(ctx, container, key, opts.LeaseID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	// SigV4 needs the length and, over plain HTTP, a rewindable body.
	seeker, ok := body.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("aws: read body: %w", err)
		}
		seeker = bytes.NewReader(data)
	}
	current, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("aws: seek body: %w", err)
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("aws: seek body: %w", err)
	}
	if _, err := seeker.Seek(current, io.SeekStart); err != nil {
		return nil, fmt.Errorf("aws: seek body: %w", err)
	}
	length := end - current
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.objectKey(container, key)),
		Body:          seeker,
		ContentLength: aws.Int64(length),
		ContentType:   aws.String(contentType),
	}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	} else if opts.IfNotExists {
		input.IfNoneMatch = aws.String("*")
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if cls := classifyPutObjectError(err, opts.ExpectedETag != ""); cls != nil {
			pslog.LoggerFromContext(ctx).Debug("aws.put_object.conditional_failed", "container", container, "key", key, "expected_etag", opts.ExpectedETag, "error", err)
			return nil, cls
		}
		return nil, s.wrapError(err, "aws: put object")
	}
	info := &storage.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         stripETag(aws.ToString(out.ETag)),
		Size:         length,
		LastModified: s.clock.Now(),
		ContentType:  contentType,
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
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(container, key)
	stat, err := s.head(ctx, object)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && stripETag(aws.ToString(stat.ETag)) != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := s.checkLease(ctx, container, key, opts.LeaseID); err != nil {
		return err
	}
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		switch {
		case isNotFound(err) && opts.IgnoreNotFound:
			return nil
		case isPreconditionFailed(err):
			return storage.ErrCASMismatch
		}
		return s.wrapError(err, "aws: delete object")
	}
	for _, sidecar := range []string{s.metadataKey(container, key), s.leaseKey(container, key)} {
		if err := s.removeSidecar(ctx, sidecar); err != nil {
			return err
		}
	}
	return nil
}

// GetProperties returns object properties, sidecar metadata and lease state.
func (s *Store) GetProperties(ctx context.Context, container, key string) (*storage.ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	stat, err := s.head(ctx, s.objectKey(container, key))
	if err != nil {
		return nil, err
	}
	info := &storage.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         stripETag(aws.ToString(stat.ETag)),
		Size:         aws.ToInt64(stat.ContentLength),
		LastModified: aws.ToTime(stat.LastModified),
		ContentType:  aws.ToString(stat.ContentType),
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
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.head(ctx, s.objectKey(container, key)); err != nil {
		return "", err
	}
	if err := s.checkLease(ctx, container, key, opts.LeaseID); err != nil {
		return "", err
	}
	return s.writeSidecar(ctx, s.metadataKey(container, key), metadata, opts.ExpectedETag)
}

// AcquireLease writes a lease sidecar unless an unexpired one exists.
func (s *Store) AcquireLease(ctx context.Context, container, key string, duration time.Duration) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.head(ctx, s.objectKey(container, key)); err != nil {
		return "", err
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
	ctx, cancel := withTimeout(ctx)
	defer cancel()
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
	return s.removeSidecar(ctx, s.leaseKey(container, key))
}

func (s *Store) head(ctx context.Context, object string) (*s3.HeadObjectOutput, error) {
	stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, s.wrapError(err, "aws: head object")
	}
	return stat, nil
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
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "aws: get sidecar")
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return "", fmt.Errorf("aws: decode sidecar %s: %w", object, err)
	}
	return stripETag(aws.ToString(resp.ETag)), nil
}

// writeSidecar stores v as JSON. expected is empty for an unconditional
// write, newMetadataPrefix-prefixed for create-only, or an ETag to match.
func (s *Store) writeSidecar(ctx context.Context, object string, v any, expected string) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("aws: encode sidecar: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(storage.ContentTypeJSON),
	}
	switch {
	case expected == "":
	case strings.HasPrefix(expected, newMetadataPrefix):
		input.IfNoneMatch = aws.String("*")
	default:
		input.IfMatch = aws.String(expected)
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) || (expected != "" && isNotFound(err)) {
			return "", storage.ErrCASMismatch
		}
		return "", s.wrapError(err, "aws: put sidecar")
	}
	return stripETag(aws.ToString(out.ETag)), nil
}

func (s *Store) removeSidecar(ctx context.Context, object string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil && !isNotFound(err) {
		return s.wrapError(err, "aws: delete sidecar")
	}
	return nil
}

func wrapReadCloser(rc io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	if cancel == nil {
		return rc
	}
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func applySSEToPut(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
}

func classifyPutObjectError(err error, hasExpectedETag bool) error {
	if err == nil {
		return nil
	}
	if isPreconditionFailed(err) {
		return storage.ErrCASMismatch
	}
	if hasExpectedETag && isNotFound(err) {
		return storage.ErrNotFound
	}
	return nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
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
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
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

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}
