// Package upload stores the PDFs of an admitted envelope where downstream
// services can fetch them.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/extract"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

// DefaultContainer receives uploaded documents.
const DefaultContainer = "documents"

// ErrUploadFailed wraps every failure reported by an Uploader.
var ErrUploadFailed = errors.New("upload: failed")

// Uploader stores the PDFs of one envelope and returns a document URL per
// file name.
type Uploader interface {
	Upload(ctx context.Context, envelopeID string, pdfs []extract.PDF) (map[string]string, error)
}

// Config configures a BlobUploader.
type Config struct {
	Container string
	// BaseURL prefixes returned document URLs. Empty yields
	// "blob://<container>/<key>" references.
	BaseURL string
	Logger  pslog.Logger
}

// BlobUploader writes documents into a container of the blob store under
// "<envelope id>/<file name>".
type BlobUploader struct {
	store  storage.Backend
	cfg    Config
	logger pslog.Logger
}

// NewBlobUploader returns an Uploader backed by store.
func NewBlobUploader(store storage.Backend, cfg Config) *BlobUploader {
	if cfg.Container == "" {
		cfg.Container = DefaultContainer
	}
	return &BlobUploader{
		store:  store,
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "intake.upload"),
	}
}

// EnsureContainer creates the documents container when the backend needs it.
func (u *BlobUploader) EnsureContainer(ctx context.Context) error {
	if creator, ok := u.store.(storage.ContainerCreator); ok {
		return creator.EnsureContainer(ctx, u.cfg.Container)
	}
	return nil
}

// Upload implements Uploader. Re-uploading the same envelope overwrites the
// previous documents.
func (u *BlobUploader) Upload(ctx context.Context, envelopeID string, pdfs []extract.PDF) (map[string]string, error) {
	if envelopeID == "" {
		return nil, fmt.Errorf("%w: envelope id required", ErrUploadFailed)
	}
	urls := make(map[string]string, len(pdfs))
	for _, pdf := range pdfs {
		key := path.Join(envelopeID, pdf.Name)
		_, err := u.store.PutObject(ctx, u.cfg.Container, key, bytes.NewReader(pdf.Data), storage.PutObjectOptions{
			ContentType: storage.ContentTypePDF,
			Metadata:    map[string]string{"envelopeId": envelopeID},
		})
		if err != nil {
			u.logger.Warn("upload.document.error", "envelope_id", envelopeID, "file_name", pdf.Name, "error", err)
			return nil, fmt.Errorf("%w: %s: %w", ErrUploadFailed, pdf.Name, err)
		}
		urls[pdf.Name] = u.documentURL(key)
	}
	u.logger.Debug("upload.documents.stored", "envelope_id", envelopeID, "count", len(pdfs))
	return urls, nil
}

func (u *BlobUploader) documentURL(key string) string {
	if u.cfg.BaseURL == "" {
		return "blob://" + path.Join(u.cfg.Container, key)
	}
	if joined, err := url.JoinPath(u.cfg.BaseURL, u.cfg.Container, key); err == nil {
		return joined
	}
	return u.cfg.BaseURL + "/" + path.Join(u.cfg.Container, key)
}
