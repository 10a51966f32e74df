// Package retry decorates a storage.Backend so transient failures are retried
// with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

// ErrNonReplayableBody is returned when an upload failed transiently but its
// body cannot be rewound for another attempt.
var ErrNonReplayableBody = errors.New("storage retry: body is not replayable")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) ListObjects(ctx context.Context, container string, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list_objects", container, opts.Prefix, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, container, opts)
		return err
	})
	return res, err
}

func (b *backend) GetObject(ctx context.Context, container, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", container, key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, container, key)
		return err
	})
	return result, err
}

func (b *backend) PutObject(ctx context.Context, container, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	rewind := rewinder(body)
	first := true
	err := b.withRetry(ctx, "put_object", container, key, func(ctx context.Context) error {
		if !first {
			if rewind == nil {
				return ErrNonReplayableBody
			}
			if err := rewind(); err != nil {
				return fmt.Errorf("%w: %v", ErrNonReplayableBody, err)
			}
		}
		first = false
		var err error
		info, err = b.inner.PutObject(ctx, container, key, body, opts)
		if err != nil && storage.IsTransient(err) && rewind == nil {
			return fmt.Errorf("%w: %v", ErrNonReplayableBody, err)
		}
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, container, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", container, key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, container, key, opts)
	})
}

func (b *backend) GetProperties(ctx context.Context, container, key string) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.withRetry(ctx, "get_properties", container, key, func(ctx context.Context) error {
		var err error
		info, err = b.inner.GetProperties(ctx, container, key)
		return err
	})
	return info, err
}

func (b *backend) SetMetadata(ctx context.Context, container, key string, metadata map[string]string, opts storage.MetadataOptions) (string, error) {
	var etag string
	err := b.withRetry(ctx, "set_metadata", container, key, func(ctx context.Context) error {
		var err error
		etag, err = b.inner.SetMetadata(ctx, container, key, metadata, opts)
		return err
	})
	return etag, err
}

// AcquireLease is passed through once; a retried acquire reports a conflict
// against its own lost lease.
func (b *backend) AcquireLease(ctx context.Context, container, key string, duration time.Duration) (string, error) {
	return b.inner.AcquireLease(ctx, container, key, duration)
}

func (b *backend) ReleaseLease(ctx context.Context, container, key, leaseID string) error {
	return b.withRetry(ctx, "release_lease", container, key, func(ctx context.Context) error {
		return b.inner.ReleaseLease(ctx, container, key, leaseID)
	})
}

func (b *backend) StartCopy(ctx context.Context, srcContainer, srcKey, dstContainer, dstKey string) (storage.CopyInfo, error) {
	var info storage.CopyInfo
	err := b.withRetry(ctx, "start_copy", srcContainer, srcKey, func(ctx context.Context) error {
		var err error
		info, err = b.inner.StartCopy(ctx, srcContainer, srcKey, dstContainer, dstKey)
		return err
	})
	return info, err
}

func (b *backend) CopyStatus(ctx context.Context, container, key string) (storage.CopyInfo, error) {
	var info storage.CopyInfo
	err := b.withRetry(ctx, "copy_status", container, key, func(ctx context.Context) error {
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
	return b.withRetry(ctx, "ensure_container", container, "", func(ctx context.Context) error {
		return creator.EnsureContainer(ctx, container)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func rewinder(body io.Reader) func() error {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return nil
	}
	return func() error {
		_, err := seeker.Seek(0, io.SeekStart)
		return err
	}
}

func (b *backend) withRetry(ctx context.Context, op, container, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"container", container,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		b.clock.Sleep(delay)
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
