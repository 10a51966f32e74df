// Package lease gates access to a blob fleet-wide. A worker must win a
// fixed-duration blob lease and then move the blob's expiration watermark
// forward with a conditional metadata write before it may process the blob.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

// WatermarkKey holds the time until which the last admitted worker owns the
// blob, independent of the blob lease itself.
const WatermarkKey = "waitingLeaseExpiration"

const (
	// DefaultDuration is the blob lease length.
	DefaultDuration = 60 * time.Second
	// DefaultWatermarkTTL is how long an admitted worker keeps the blob
	// after its lease is gone.
	DefaultWatermarkTTL = 5 * time.Minute
)

var (
	// ErrAlreadyLeased reports that another worker holds the blob lease.
	ErrAlreadyLeased = errors.New("lease: already leased")
	// ErrNotReady reports that the watermark check failed: another worker
	// recently started processing the blob, or won the metadata write.
	ErrNotReady = errors.New("lease: blob not ready")
)

// Lease is a held blob lease.
type Lease struct {
	Ref        storage.Ref
	ID         string
	AcquiredAt time.Time
	// Watermark is the expiration recorded in the blob metadata.
	Watermark time.Time
}

// Config configures a Coordinator.
type Config struct {
	Duration     time.Duration
	WatermarkTTL time.Duration
	// Register overrides where coordination metadata is kept. Defaults to the
	// blob's own metadata.
	Register Register
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Coordinator implements WithLease.
type Coordinator struct {
	backend  storage.Backend
	register Register
	duration time.Duration
	ttl      time.Duration
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *leaseMetrics
}

// New builds a Coordinator over backend.
func New(backend storage.Backend, cfg Config) *Coordinator {
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.WatermarkTTL <= 0 {
		cfg.WatermarkTTL = DefaultWatermarkTTL
	}
	if cfg.Register == nil {
		cfg.Register = NewBlobRegister(backend)
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "intake.lease")
	return &Coordinator{
		backend:  backend,
		register: cfg.Register,
		duration: cfg.Duration,
		ttl:      cfg.WatermarkTTL,
		clock:    clock.Or(cfg.Clock),
		logger:   logger,
		metrics:  newLeaseMetrics(logger),
	}
}

// WithLease runs onAcquired while holding an exclusive claim on ref. When the
// claim cannot be made, onFailure is called exactly once with the cause
// (ErrAlreadyLeased, ErrNotReady, storage.ErrNotFound or an infrastructure
// error) and WithLease returns nil. Otherwise WithLease returns the error of
// onAcquired. With releaseAfter the lease is released once onAcquired
// returns, whatever its outcome; release failures are only logged.
func (c *Coordinator) WithLease(ctx context.Context, ref storage.Ref, onAcquired func(context.Context, Lease) error, onFailure func(error), releaseAfter bool) error {
	logger := c.logger.With("container", ref.Container, "blob", ref.Key)
	if onFailure == nil {
		onFailure = func(error) {}
	}
	begin := c.clock.Now()
	leaseID, err := c.backend.AcquireLease(ctx, ref.Container, ref.Key, c.duration)
	if err != nil {
		err = c.classifyAcquire(err)
		c.metrics.recordAcquire(ctx, ref.Container, c.clock.Now().Sub(begin), err)
		switch {
		case errors.Is(err, ErrAlreadyLeased):
			logger.Debug("lease.acquire.already_leased")
		case errors.Is(err, storage.ErrNotFound):
			logger.Debug("lease.acquire.not_found")
		default:
			logger.Error("lease.acquire.error", "error", err)
		}
		onFailure(err)
		return nil
	}
	held := Lease{Ref: ref, ID: leaseID, AcquiredAt: begin}
	watermark, err := c.claim(ctx, held)
	if err != nil {
		c.metrics.recordAcquire(ctx, ref.Container, c.clock.Now().Sub(begin), err)
		if errors.Is(err, ErrNotReady) {
			logger.Debug("lease.watermark.not_ready")
		} else {
			logger.Error("lease.watermark.error", "error", err)
		}
		c.release(ctx, logger, held)
		onFailure(err)
		return nil
	}
	held.Watermark = watermark
	c.metrics.recordAcquire(ctx, ref.Container, c.clock.Now().Sub(begin), nil)
	c.metrics.addActive(1)
	logger.Debug("lease.acquired", "lease_id", leaseID, "watermark", watermark)

	defer func() {
		c.metrics.addActive(-1)
		if releaseAfter {
			c.release(ctx, logger, held)
		}
	}()
	return onAcquired(ctx, held)
}

// claim verifies that no watermark is in force and records a new one under
// the metadata token read alongside it.
func (c *Coordinator) claim(ctx context.Context, held Lease) (time.Time, error) {
	md, token, err := c.register.Read(ctx, held.Ref)
	if err != nil {
		return time.Time{}, fmt.Errorf("lease: read metadata: %w", err)
	}
	now := c.clock.Now()
	if raw, ok := storage.MetadataValue(md, WatermarkKey); ok && raw != "" {
		expires, err := time.Parse(time.RFC3339Nano, raw)
		if err == nil && now.Before(expires) {
			return time.Time{}, ErrNotReady
		}
		if err != nil {
			c.logger.Warn("lease.watermark.unparseable", "container", held.Ref.Container, "blob", held.Ref.Key, "value", raw)
		}
	}
	if md == nil {
		md = Metadata{}
	}
	watermark := now.Add(c.ttl).UTC()
	storage.SetMetadataValue(md, WatermarkKey, watermark.Format(time.RFC3339Nano))
	ok, err := c.register.ConditionalWrite(ctx, held.Ref, md, token, held.ID)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseMismatch) {
			return time.Time{}, ErrNotReady
		}
		return time.Time{}, fmt.Errorf("lease: write watermark: %w", err)
	}
	if !ok {
		return time.Time{}, ErrNotReady
	}
	return watermark, nil
}

// ClearWatermark removes the watermark from a blob that stays in place, so
// only the retry schedule decides when it is picked up again.
func (c *Coordinator) ClearWatermark(ctx context.Context, held Lease) error {
	md, token, err := c.register.Read(ctx, held.Ref)
	if err != nil {
		return fmt.Errorf("lease: read metadata: %w", err)
	}
	if _, ok := storage.MetadataValue(md, WatermarkKey); !ok {
		return nil
	}
	storage.DeleteMetadataValue(md, WatermarkKey)
	ok, err := c.register.ConditionalWrite(ctx, held.Ref, md, token, held.ID)
	if err != nil {
		return fmt.Errorf("lease: clear watermark: %w", err)
	}
	if !ok {
		return fmt.Errorf("lease: clear watermark: %w", storage.ErrCASMismatch)
	}
	return nil
}

func (c *Coordinator) release(ctx context.Context, logger pslog.Logger, held Lease) {
	err := c.backend.ReleaseLease(context.WithoutCancel(ctx), held.Ref.Container, held.Ref.Key, held.ID)
	c.metrics.recordRelease(ctx, held.Ref.Container, err)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("lease.release.error", "lease_id", held.ID, "error", err)
		return
	}
	logger.Debug("lease.released", "lease_id", held.ID)
}

func (c *Coordinator) classifyAcquire(err error) error {
	switch {
	case errors.Is(err, storage.ErrLeaseConflict):
		return fmt.Errorf("%w: %v", ErrAlreadyLeased, err)
	case errors.Is(err, storage.ErrNotFound):
		return err
	default:
		return fmt.Errorf("lease: acquire: %w", err)
	}
}
