package aws

import (
	"context"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/ids"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

// StartCopy performs a synchronous server-side copy and tags the destination
// with a copy id so CopyStatus can report it. Sidecars are not copied.
func (s *Store) StartCopy(ctx context.Context, srcContainer, srcKey, dstContainer, dstKey string) (storage.CopyInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	copyID := ids.NewToken()
	input := &s3.CopyObjectInput{
		Bucket:            aws.String(s.cfg.Bucket),
		Key:               aws.String(s.objectKey(dstContainer, dstKey)),
		CopySource:        aws.String(url.PathEscape(s.cfg.Bucket + "/" + s.objectKey(srcContainer, srcKey))),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata:          map[string]string{copyIDMetadataKey: copyID},
		ContentType:       aws.String(storage.ContentTypeZip),
	}
	switch mode := s.cfg.ServerSideEnc; {
	case mode == "":
	case s.cfg.KMSKeyID != "":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(s.cfg.KMSKeyID)
	default:
		input.ServerSideEncryption = types.ServerSideEncryption(mode)
	}
	if _, err := s.client.CopyObject(ctx, input); err != nil {
		if isNotFound(err) {
			return storage.CopyInfo{}, storage.ErrNotFound
		}
		return storage.CopyInfo{}, s.wrapError(err, "aws: copy object")
	}
	return storage.CopyInfo{ID: copyID, State: storage.CopySuccess}, nil
}

// CopyStatus reports success for destinations written by StartCopy.
func (s *Store) CopyStatus(ctx context.Context, container, key string) (storage.CopyInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	stat, err := s.head(ctx, s.objectKey(container, key))
	if err != nil {
		return storage.CopyInfo{}, err
	}
	copyID, ok := storage.MetadataValue(stat.Metadata, copyIDMetadataKey)
	if !ok {
		return storage.CopyInfo{}, storage.ErrNotFound
	}
	return storage.CopyInfo{ID: copyID, State: storage.CopySuccess}, nil
}
