// Package backoff keeps a bounded retry schedule on the blob itself, so any
// worker can tell whether a blob that failed transiently may be tried again.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lease"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

// Metadata keys.
const (
	RetryCountKey = "retryCount"
	NotBeforeKey  = "retryNotBefore"
)

const (
	DefaultMaxRetries = 5
	DefaultDelay      = 10 * time.Minute
	casAttempts       = 3
)

// ErrConcurrentUpdate reports that the schedule kept changing underneath us.
var ErrConcurrentUpdate = errors.New("backoff: concurrent metadata update")

// Config configures a Manager.
type Config struct {
	MaxRetries int
	Delay      time.Duration
	// Zone renders and compares not-before times. Defaults to Europe/London.
	Zone   *time.Location
	Clock  clock.Clock
	Logger pslog.Logger
}

// Manager reads and advances retry schedules.
type Manager struct {
	register lease.Register
	max      int
	delay    time.Duration
	zone     *time.Location
	clock    clock.Clock
	logger   pslog.Logger
}

// New builds a Manager over register.
func New(register lease.Register, cfg Config) (*Manager, error) {
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("backoff: max retries must be >= 0")
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Zone == nil {
		zone, err := clock.LoadZone(clock.DefaultZone)
		if err != nil {
			return nil, err
		}
		cfg.Zone = zone
	}
	return &Manager{
		register: register,
		max:      cfg.MaxRetries,
		delay:    cfg.Delay,
		zone:     cfg.Zone,
		clock:    clock.Or(cfg.Clock),
		logger:   loggingutil.WithSubsystem(cfg.Logger, "intake.retry"),
	}, nil
}

// Schedule is the retry state of one blob.
type Schedule struct {
	Count     int
	NotBefore time.Time
}

// Read returns the schedule stored on ref. Missing or unreadable values read
// as never retried.
func (m *Manager) Read(ctx context.Context, ref storage.Ref) (Schedule, error) {
	md, _, err := m.register.Read(ctx, ref)
	if err != nil {
		return Schedule{}, err
	}
	return m.parse(ref, md), nil
}

// IsReadyToRetry reports whether ref may be processed now.
func (m *Manager) IsReadyToRetry(ctx context.Context, ref storage.Ref) (bool, error) {
	s, err := m.Read(ctx, ref)
	if err != nil {
		return false, err
	}
	if s.NotBefore.IsZero() {
		return true, nil
	}
	return !clock.NowIn(m.clock, m.zone).Before(s.NotBefore), nil
}

// SetRetryDelayIfPossible records one more retry and pushes the not-before
// time out by the configured delay. It returns false once the maximum number
// of retries has been recorded; the caller should then treat the failure as
// final.
func (m *Manager) SetRetryDelayIfPossible(ctx context.Context, ref storage.Ref, leaseID string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		md, token, err := m.register.Read(ctx, ref)
		if err != nil {
			return false, err
		}
		s := m.parse(ref, md)
		if s.Count >= m.max {
			m.logger.Info("retry.exhausted", "container", ref.Container, "blob", ref.Key, "retries", s.Count)
			return false, nil
		}
		now := clock.NowIn(m.clock, m.zone)
		next := Schedule{Count: s.Count + 1, NotBefore: now.Add(m.delay)}
		if md == nil {
			md = lease.Metadata{}
		}
		storage.SetMetadataValue(md, RetryCountKey, strconv.Itoa(next.Count))
		storage.SetMetadataValue(md, NotBeforeKey, next.NotBefore.Format(time.RFC3339Nano))
		ok, err := m.register.ConditionalWrite(ctx, ref, md, token, leaseID)
		if err != nil {
			return false, fmt.Errorf("backoff: write schedule: %w", err)
		}
		if ok {
			m.logger.Info("retry.scheduled", "container", ref.Container, "blob", ref.Key, "retry", next.Count, "not_before", next.NotBefore.Format(time.RFC3339Nano))
			return true, nil
		}
	}
	return false, ErrConcurrentUpdate
}

func (m *Manager) parse(ref storage.Ref, md lease.Metadata) Schedule {
	var s Schedule
	if raw, ok := storage.MetadataValue(md, RetryCountKey); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			m.logger.Warn("retry.count.unparseable", "container", ref.Container, "blob", ref.Key, "value", raw)
		} else {
			s.Count = n
		}
	}
	if raw, ok := storage.MetadataValue(md, NotBeforeKey); ok {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			m.logger.Warn("retry.not_before.unparseable", "container", ref.Container, "blob", ref.Key, "value", raw)
		} else {
			s.NotBefore = t.In(m.zone)
		}
	}
	return s
}
