// Package quarantine moves rejected archives into the container's rejected
// counterpart. The source is only deleted once the copy is observed to have
// succeeded; anything else leaves it where it was.
package quarantine

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

const (
	// RejectedSuffix is appended to a container name to form its quarantine.
	RejectedSuffix      = "-rejected"
	DefaultCopyTimeout  = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// RejectedContainer returns the quarantine container for container.
func RejectedContainer(container string) string {
	return container + RejectedSuffix
}

// Config configures a Mover.
type Config struct {
	CopyTimeout  time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
}

// Outcome describes a Move.
type Outcome struct {
	Moved       bool
	Destination storage.Ref
	CopyState   storage.CopyState
	Description string
}

// Mover relocates rejected blobs.
type Mover struct {
	backend  storage.Backend
	timeout  time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   pslog.Logger
}

// New builds a Mover.
func New(backend storage.Backend, cfg Config) *Mover {
	if cfg.CopyTimeout <= 0 {
		cfg.CopyTimeout = DefaultCopyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Mover{
		backend:  backend,
		timeout:  cfg.CopyTimeout,
		interval: cfg.PollInterval,
		clock:    clock.Or(cfg.Clock),
		logger:   loggingutil.WithSubsystem(cfg.Logger, "intake.quarantine"),
	}
}

// Move copies ref into its rejected container and deletes the source with
// leaseID when the copy succeeds. A copy that fails, aborts or times out is
// reported through Outcome, not as an error; errors are returned only when a
// storage call itself fails.
func (m *Mover) Move(ctx context.Context, ref storage.Ref, leaseID string) (Outcome, error) {
	dst := storage.Ref{Container: RejectedContainer(ref.Container), Key: ref.Key}
	out := Outcome{Destination: dst}
	logger := m.logger.With("container", ref.Container, "blob", ref.Key, "destination", dst.Container)
	if creator, ok := m.backend.(storage.ContainerCreator); ok {
		if err := creator.EnsureContainer(ctx, dst.Container); err != nil {
			return out, fmt.Errorf("quarantine: ensure %s: %w", dst.Container, err)
		}
	}
	info, err := m.backend.StartCopy(ctx, ref.Container, ref.Key, dst.Container, dst.Key)
	if err != nil {
		return out, fmt.Errorf("quarantine: start copy: %w", err)
	}
	deadline := m.clock.Now().Add(m.timeout)
	for !info.State.Terminal() {
		if !m.clock.Now().Before(deadline) {
			out.CopyState = info.State
			logger.Warn("quarantine.copy.timeout", "copy_id", info.ID, "timeout", m.timeout)
			return out, nil
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-m.clock.After(m.interval):
		}
		info, err = m.backend.CopyStatus(ctx, dst.Container, dst.Key)
		if err != nil {
			return out, fmt.Errorf("quarantine: copy status: %w", err)
		}
	}
	out.CopyState = info.State
	out.Description = info.Description
	if info.State != storage.CopySuccess {
		logger.Warn("quarantine.copy.failed", "copy_id", info.ID, "state", string(info.State), "description", info.Description)
		return out, nil
	}
	if err := m.backend.DeleteObject(ctx, ref.Container, ref.Key, storage.DeleteObjectOptions{LeaseID: leaseID}); err != nil {
		return out, fmt.Errorf("quarantine: delete source: %w", err)
	}
	out.Moved = true
	logger.Info("quarantine.moved", "copy_id", info.ID)
	return out, nil
}
