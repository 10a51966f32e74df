package pipeline

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
)

// DefaultPollInterval is the fixed delay between poll passes.
const DefaultPollInterval = 30 * time.Second

// LoopConfig configures a Loop.
type LoopConfig struct {
	// Containers overrides the processor's enabled containers.
	Containers []string
	Interval   time.Duration
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Loop polls containers with a fixed delay between passes.
type Loop struct {
	processor  *Processor
	containers []string
	interval   time.Duration
	clock      clock.Clock
	logger     pslog.Logger
}

// NewLoop returns a Loop driving processor.
func NewLoop(processor *Processor, cfg LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	containers := cfg.Containers
	if len(containers) == 0 {
		containers = processor.EnabledContainers()
	}
	return &Loop{
		processor:  processor,
		containers: containers,
		interval:   cfg.Interval,
		clock:      clock.Or(cfg.Clock),
		logger:     loggingutil.WithSubsystem(cfg.Logger, "intake.loop"),
	}
}

// Containers returns the polled containers.
func (l *Loop) Containers() []string {
	return append([]string(nil), l.containers...)
}

// RunOnce makes one pass over every container.
func (l *Loop) RunOnce(ctx context.Context) []Summary {
	out := make([]Summary, 0, len(l.containers))
	for _, container := range l.containers {
		if ctx.Err() != nil {
			break
		}
		sum, err := l.processor.ProcessContainer(ctx, container)
		if err != nil && ctx.Err() == nil {
			l.logger.Warn("intake.loop.container_failed", "container", container, "error", err)
		}
		out = append(out, sum)
	}
	l.processor.metrics.recordPass(ctx)
	return out
}

// Run polls until ctx is cancelled. A pass is never interrupted by the
// interval; the delay starts once a pass finishes.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("intake.loop.start", "containers", l.containers, "interval", l.interval)
	for {
		l.RunOnce(ctx)
		select {
		case <-ctx.Done():
			l.logger.Info("intake.loop.stop")
			return nil
		case <-l.clock.After(l.interval):
		}
	}
}
