package lease

import (
	"context"
	"errors"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

// Metadata is the coordination state attached to a blob.
type Metadata map[string]string

// Register reads and conditionally writes coordination metadata. The token
// returned by Read must be presented to ConditionalWrite; a stale token makes
// the write report false instead of overwriting a concurrent update.
type Register interface {
	Read(ctx context.Context, ref storage.Ref) (Metadata, string, error)
	ConditionalWrite(ctx context.Context, ref storage.Ref, md Metadata, token, leaseID string) (bool, error)
}

// BlobRegister keeps coordination metadata as blob user metadata.
type BlobRegister struct {
	Backend storage.Backend
}

// NewBlobRegister returns a Register over backend.
func NewBlobRegister(backend storage.Backend) *BlobRegister {
	return &BlobRegister{Backend: backend}
}

// Read returns the blob metadata and its concurrency token.
func (r *BlobRegister) Read(ctx context.Context, ref storage.Ref) (Metadata, string, error) {
	info, err := r.Backend.GetProperties(ctx, ref.Container, ref.Key)
	if err != nil {
		return nil, "", err
	}
	md := Metadata(storage.CloneMetadata(info.Metadata))
	token := info.MetadataETag
	if token == "" {
		token = info.ETag
	}
	return md, token, nil
}

// ConditionalWrite replaces the metadata when token is still current.
func (r *BlobRegister) ConditionalWrite(ctx context.Context, ref storage.Ref, md Metadata, token, leaseID string) (bool, error) {
	_, err := r.Backend.SetMetadata(ctx, ref.Container, ref.Key, md, storage.MetadataOptions{
		ExpectedETag: token,
		LeaseID:      leaseID,
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrCASMismatch):
		return false, nil
	default:
		return false, err
	}
}
