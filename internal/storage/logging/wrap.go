// Package logging decorates a storage.Backend with OpenTelemetry spans and
// trace/debug logging around every call.
package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

const tracerName = "github.com/hmcts/bulk-scan-processor-sub002/storage"

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		sys:    sys,
	}
}

// observe runs fn inside a span named after op and logs its outcome. Expected
// coordination outcomes (not found, CAS and lease conflicts) are logged at
// debug level and do not mark the span as failed.
func (b *backend) observe(ctx context.Context, op, container, key string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "bulkscan.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("bulkscan.storage.operation", op),
		attribute.String("bulkscan.storage.container", container),
		attribute.String("bulkscan.storage.key", key),
		attribute.String("bulkscan.sys", b.sys),
	)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger = logger.With("container", container, "key", key)
	logger.Trace("storage." + op + ".begin")

	err := fn(pslog.ContextWithLogger(ctx, logger))
	elapsed := time.Since(begin)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		logger.Trace("storage."+op+".success", "elapsed", elapsed)
	case expected(err):
		span.SetAttributes(attribute.String("bulkscan.storage.outcome", err.Error()))
		logger.Debug("storage."+op+".rejected", "error", err, "elapsed", elapsed)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage_error")
		logger.Debug("storage."+op+".error", "error", err, "transient", storage.IsTransient(err), "elapsed", elapsed)
	}
	return err
}

func expected(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrCASMismatch) ||
		errors.Is(err, storage.ErrLeaseConflict) ||
		errors.Is(err, storage.ErrLeaseMismatch)
}

func (b *backend) ListObjects(ctx context.Context, container string, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.observe(ctx, "list_objects", container, opts.Prefix, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, container, opts)
		return err
	}, attribute.Int("bulkscan.storage.limit", opts.Limit))
	return res, err
}

func (b *backend) GetObject(ctx context.Context, container, key string) (storage.GetObjectResult, error) {
	var res storage.GetObjectResult
	err := b.observe(ctx, "get_object", container, key, func(ctx context.Context) error {
		var err error
		res, err = b.inner.GetObject(ctx, container, key)
		return err
	})
	return res, err
}

func (b *backend) PutObject(ctx context.Context, container, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.observe(ctx, "put_object", container, key, func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, container, key, body, opts)
		return err
	},
		attribute.Bool("bulkscan.storage.cas", opts.ExpectedETag != ""),
		attribute.Bool("bulkscan.storage.if_not_exists", opts.IfNotExists),
		attribute.Bool("bulkscan.storage.leased", opts.LeaseID != ""),
	)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, container, key string, opts storage.DeleteObjectOptions) error {
	return b.observe(ctx, "delete_object", container, key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, container, key, opts)
	}, attribute.Bool("bulkscan.storage.leased", opts.LeaseID != ""))
}

func (b *backend) GetProperties(ctx context.Context, container, key string) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.observe(ctx, "get_properties", container, key, func(ctx context.Context) error {
		var err error
		info, err = b.inner.GetProperties(ctx, container, key)
		return err
	})
	return info, err
}

func (b *backend) SetMetadata(ctx context.Context, container, key string, metadata map[string]string, opts storage.MetadataOptions) (string, error) {
	var etag string
	err := b.observe(ctx, "set_metadata", container, key, func(ctx context.Context) error {
		var err error
		etag, err = b.inner.SetMetadata(ctx, container, key, metadata, opts)
		return err
	},
		attribute.Bool("bulkscan.storage.cas", opts.ExpectedETag != ""),
		attribute.Int("bulkscan.storage.metadata_keys", len(metadata)),
	)
	return etag, err
}

func (b *backend) AcquireLease(ctx context.Context, container, key string, duration time.Duration) (string, error) {
	var leaseID string
	err := b.observe(ctx, "acquire_lease", container, key, func(ctx context.Context) error {
		var err error
		leaseID, err = b.inner.AcquireLease(ctx, container, key, duration)
		return err
	}, attribute.Int64("bulkscan.storage.lease_ms", duration.Milliseconds()))
	return leaseID, err
}

func (b *backend) ReleaseLease(ctx context.Context, container, key, leaseID string) error {
	return b.observe(ctx, "release_lease", container, key, func(ctx context.Context) error {
		return b.inner.ReleaseLease(ctx, container, key, leaseID)
	})
}

func (b *backend) StartCopy(ctx context.Context, srcContainer, srcKey, dstContainer, dstKey string) (storage.CopyInfo, error) {
	var info storage.CopyInfo
	err := b.observe(ctx, "start_copy", srcContainer, srcKey, func(ctx context.Context) error {
		var err error
		info, err = b.inner.StartCopy(ctx, srcContainer, srcKey, dstContainer, dstKey)
		return err
	}, attribute.String("bulkscan.storage.destination", dstContainer+"/"+dstKey))
	return info, err
}

func (b *backend) CopyStatus(ctx context.Context, container, key string) (storage.CopyInfo, error) {
	var info storage.CopyInfo
	err := b.observe(ctx, "copy_status", container, key, func(ctx context.Context) error {
		var err error
		info, err = b.inner.CopyStatus(ctx, container, key)
		return err
	})
	return info, err
}

func (b *backend) EnsureContainer(ctx context.Context, container string) error {
	creator, ok := b.inner.(storage.ContainerCreator)
	if !ok {
		return nil
	}
	return b.observe(ctx, "ensure_container", container, "", func(ctx context.Context) error {
		return creator.EnsureContainer(ctx, container)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}
