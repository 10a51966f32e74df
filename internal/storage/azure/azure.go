// Package azure implements storage.Backend on Azure Blob Storage. Containers
// map one to one onto Azure containers; leases, conditional metadata updates
// and asynchronous copies use the native blob service primitives.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

// Azure only accepts fixed leases between these bounds (or infinite).
const (
	minLeaseDuration = 15 * time.Second
	maxLeaseDuration = 60 * time.Second
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	// Endpoint overrides https://<account>.blob.core.windows.net, e.g. for
	// Azurite.
	Endpoint string
	SASToken string
	// Prefix is prepended to every blob name inside each container.
	Prefix string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client   *azblob.Client
	endpoint string
	prefix   string
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return &Store{
		client:   client,
		endpoint: endpoint,
		prefix:   strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 32
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

// EnsureContainer creates container unless it already exists.
func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.client.CreateContainer(ctx, container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return wrapError("create container", err)
	}
	return nil
}

func (s *Store) blobName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *Store) logicalKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(strings.TrimPrefix(name, s.prefix), "/")
}

func (s *Store) blobClient(container, key string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(container).NewBlobClient(s.blobName(key))
}

func accessConditions(expectedETag, leaseID string) *blob.AccessConditions {
	if expectedETag == "" && leaseID == "" {
		return nil
	}
	cond := &blob.AccessConditions{}
	if expectedETag != "" {
		cond.ModifiedAccessConditions = &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(expectedETag))}
	}
	if leaseID != "" {
		cond.LeaseAccessConditions = &blob.LeaseAccessConditions{LeaseID: to.Ptr(leaseID)}
	}
	return cond
}

// ListObjects enumerates blobs in container in lexical order.
func (s *Store) ListObjects(ctx context.Context, container string, opts storage.ListOptions) (*storage.ListResult, error) {
	prefix := s.blobName(strings.TrimPrefix(opts.Prefix, "/"))
	if s.prefix != "" && opts.Prefix == "" {
		prefix += "/"
	}
	pager := s.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Prefix:  &prefix,
		Include: azblob.ListBlobsInclude{Metadata: opts.IncludeMetadata, Copy: true},
	})
	result := &storage.ListResult{}
outer:
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return result, nil
			}
			return nil, wrapError("list objects", err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := s.logicalKey(*item.Name)
			if opts.StartAfter != "" && key <= opts.StartAfter {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				break outer
			}
			info := storage.ObjectInfo{Container: container, Key: key, Metadata: normaliseMetadata(item.Metadata)}
			if props := item.Properties; props != nil {
				if props.ETag != nil {
					info.ETag = string(*props.ETag)
					info.MetadataETag = info.ETag
				}
				if props.ContentLength != nil {
					info.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					info.LastModified = props.LastModified.UTC()
				}
				if props.ContentType != nil {
					info.ContentType = *props.ContentType
				}
				info.Leased = props.LeaseState != nil && *props.LeaseState == lease.StateTypeLeased
			}
			result.Objects = append(result.Objects, info)
			result.NextStartAfter = key
		}
	}
	if !result.Truncated {
		result.NextStartAfter = ""
	}
	return result, nil
}

// GetObject opens the blob for reading.
func (s *Store) GetObject(ctx context.Context, container, key string) (storage.GetObjectResult, error) {
	resp, err := s.client.DownloadStream(ctx, container, s.blobName(key), nil)
	if err != nil {
		return storage.GetObjectResult{}, wrapError("download object", err)
	}
	info := &storage.ObjectInfo{Container: container, Key: key, Metadata: normaliseMetadata(resp.Metadata)}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
		info.MetadataETag = info.ETag
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads a block blob.
func (s *Store) PutObject(ctx context.Context, container, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{},
		Metadata:    denormaliseMetadata(opts.Metadata),
	}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders.BlobContentType = to.Ptr(opts.ContentType)
	}
	uploadOpts.AccessConditions = accessConditions(opts.ExpectedETag, opts.LeaseID)
	if opts.ExpectedETag == "" && opts.IfNotExists {
		if uploadOpts.AccessConditions == nil {
			uploadOpts.AccessConditions = &blob.AccessConditions{}
		}
		uploadOpts.AccessConditions.ModifiedAccessConditions = &blob.ModifiedAccessConditions{
			IfNoneMatch: to.Ptr(azcore.ETag("*")),
		}
	}
	resp, err := s.client.UploadStream(ctx, container, s.blobName(key), body, uploadOpts)
	if err != nil {
		return nil, wrapError("upload object", err)
	}
	info := &storage.ObjectInfo{
		Container:   container,
		Key:         key,
		ContentType: opts.ContentType,
		Metadata:    storage.CloneMetadata(opts.Metadata),
	}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
		info.MetadataETag = info.ETag
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return info, nil
}

// DeleteObject removes the blob.
func (s *Store) DeleteObject(ctx context.Context, container, key string, opts storage.DeleteObjectOptions) error {
	deleteOpts := &azblob.DeleteBlobOptions{
		AccessConditions: accessConditions(opts.ExpectedETag, opts.LeaseID),
	}
	_, err := s.client.DeleteBlob(ctx, container, s.blobName(key), deleteOpts)
	if err != nil {
		err = wrapError("delete object", err)
		if opts.IgnoreNotFound && errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// GetProperties returns blob properties including user metadata.
func (s *Store) GetProperties(ctx context.Context, container, key string) (*storage.ObjectInfo, error) {
	resp, err := s.blobClient(container, key).GetProperties(ctx, nil)
	if err != nil {
		return nil, wrapError("get properties", err)
	}
	info := &storage.ObjectInfo{Container: container, Key: key, Metadata: normaliseMetadata(resp.Metadata)}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
		info.MetadataETag = info.ETag
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	info.Leased = resp.LeaseState != nil && *resp.LeaseState == lease.StateTypeLeased
	return info, nil
}

// SetMetadata replaces the user metadata, conditional on the blob ETag.
func (s *Store) SetMetadata(ctx context.Context, container, key string, metadata map[string]string, opts storage.MetadataOptions) (string, error) {
	resp, err := s.blobClient(container, key).SetMetadata(ctx, denormaliseMetadata(metadata), &blob.SetMetadataOptions{
		AccessConditions: accessConditions(opts.ExpectedETag, opts.LeaseID),
	})
	if err != nil {
		return "", wrapError("set metadata", err)
	}
	if resp.ETag == nil {
		return "", fmt.Errorf("azure: set metadata: missing etag")
	}
	return string(*resp.ETag), nil
}

// AcquireLease takes a fixed lease, clamped to what the service accepts.
// A non-positive duration requests an infinite lease.
func (s *Store) AcquireLease(ctx context.Context, container, key string, duration time.Duration) (string, error) {
	client, err := lease.NewBlobClient(s.blobClient(container, key), nil)
	if err != nil {
		return "", fmt.Errorf("azure: lease client: %w", err)
	}
	resp, err := client.AcquireLease(ctx, leaseSeconds(duration), nil)
	if err != nil {
		return "", wrapError("acquire lease", err)
	}
	if resp.LeaseID == nil {
		return "", fmt.Errorf("azure: acquire lease: missing lease id")
	}
	return *resp.LeaseID, nil
}

func leaseSeconds(d time.Duration) int32 {
	switch {
	case d <= 0:
		return -1
	case d < minLeaseDuration:
		d = minLeaseDuration
	case d > maxLeaseDuration:
		d = maxLeaseDuration
	}
	return int32(d / time.Second)
}

// ReleaseLease gives the lease back.
func (s *Store) ReleaseLease(ctx context.Context, container, key, leaseID string) error {
	client, err := lease.NewBlobClient(s.blobClient(container, key), &lease.BlobClientOptions{LeaseID: to.Ptr(leaseID)})
	if err != nil {
		return fmt.Errorf("azure: lease client: %w", err)
	}
	if _, err := client.ReleaseLease(ctx, nil); err != nil {
		return wrapError("release lease", err)
	}
	return nil
}

// StartCopy starts an asynchronous server-side copy of src into dst.
func (s *Store) StartCopy(ctx context.Context, srcContainer, srcKey, dstContainer, dstKey string) (storage.CopyInfo, error) {
	srcURL := s.blobClient(srcContainer, srcKey).URL()
	resp, err := s.blobClient(dstContainer, dstKey).StartCopyFromURL(ctx, srcURL, nil)
	if err != nil {
		return storage.CopyInfo{}, wrapError("start copy", err)
	}
	info := storage.CopyInfo{State: storage.CopyPending}
	if resp.CopyID != nil {
		info.ID = *resp.CopyID
	}
	if resp.CopyStatus != nil {
		info.State = copyState(*resp.CopyStatus)
	}
	return info, nil
}

// CopyStatus reads the copy state recorded on the destination blob.
func (s *Store) CopyStatus(ctx context.Context, container, key string) (storage.CopyInfo, error) {
	resp, err := s.blobClient(container, key).GetProperties(ctx, nil)
	if err != nil {
		return storage.CopyInfo{}, wrapError("copy status", err)
	}
	if resp.CopyStatus == nil {
		return storage.CopyInfo{}, storage.ErrNotFound
	}
	info := storage.CopyInfo{State: copyState(*resp.CopyStatus)}
	if resp.CopyID != nil {
		info.ID = *resp.CopyID
	}
	if resp.CopyStatusDescription != nil {
		info.Description = *resp.CopyStatusDescription
	}
	return info, nil
}

func copyState(status blob.CopyStatusType) storage.CopyState {
	switch status {
	case blob.CopyStatusTypeSuccess:
		return storage.CopySuccess
	case blob.CopyStatusTypeAborted:
		return storage.CopyAborted
	case blob.CopyStatusTypeFailed:
		return storage.CopyFailed
	default:
		return storage.CopyPending
	}
}

// normaliseMetadata lowercases keys; the service returns them in whatever
// case the HTTP layer canonicalised them to.
func normaliseMetadata(md map[string]*string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		if v == nil {
			continue
		}
		out[strings.ToLower(k)] = *v
	}
	return out
}

func denormaliseMetadata(md map[string]string) map[string]*string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]*string, len(md))
	for k, v := range md {
		out[k] = to.Ptr(v)
	}
	return out
}

// wrapError maps service errors onto storage sentinels and marks throttling
// and server errors as transient.
func wrapError(op string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.LeaseAlreadyPresent):
		return storage.ErrLeaseConflict
	case bloberror.HasCode(err,
		bloberror.LeaseIDMissing,
		bloberror.LeaseIDMismatchWithBlobOperation,
		bloberror.LeaseIDMismatchWithLeaseOperation,
		bloberror.LeaseNotPresentWithBlobOperation,
		bloberror.LeaseNotPresentWithLeaseOperation,
		bloberror.LeaseLost):
		return storage.ErrLeaseMismatch
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return storage.ErrNotFound
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return storage.ErrNotFound
		case respErr.StatusCode == http.StatusPreconditionFailed,
			respErr.StatusCode == http.StatusConflict && bloberror.HasCode(err, bloberror.BlobAlreadyExists):
			return storage.ErrCASMismatch
		case respErr.StatusCode == http.StatusTooManyRequests,
			respErr.StatusCode >= http.StatusInternalServerError:
			return storage.NewTransientError(fmt.Errorf("azure: %s: %w", op, err))
		}
		return fmt.Errorf("azure: %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return storage.NewTransientError(fmt.Errorf("azure: %s: %w", op, err))
}
