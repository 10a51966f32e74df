package bulkscan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/backoff"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelopestore"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/ids"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lease"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lifecycle"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/notification"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/pipeline"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/quarantine"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/queue"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/upload"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/version"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/zipverify"
)

// DatabaseDebugEnv enables bun query logging when set to a non-empty value.
const DatabaseDebugEnv = "BULKSCAN_DB_DEBUG"

// Processor runs the intake poll loop and the processed-message consumer
// against one blob backend and one relational store.
type Processor struct {
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
	instance string

	backend  storage.Backend
	store    *envelopestore.Store
	machine  *lifecycle.Machine
	queue    *queue.Service
	intake   *pipeline.Processor
	loop     *pipeline.Loop
	consumer *notification.Consumer

	ownsBackend bool
	ownsStore   bool
	closeOnce   sync.Once
	closeErr    error
}

// Option configures processor instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Backend   storage.Backend
	Store     *envelopestore.Store
	Clock     clock.Clock
	Validator pipeline.EnvelopeValidator
	Uploader  upload.Uploader
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests). The caller
// keeps ownership; Close leaves it open.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithStore injects an open envelope store. The caller keeps ownership.
func WithStore(s *envelopestore.Store) Option {
	return func(o *options) {
		o.Store = s
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithValidator installs the external envelope validation step.
func WithValidator(v pipeline.EnvelopeValidator) Option {
	return func(o *options) {
		o.Validator = v
	}
}

// WithUploader replaces the default blob uploader.
func WithUploader(u upload.Uploader) Option {
	return func(o *options) {
		o.Uploader = u
	}
}

// New constructs a processor according to cfg. Nothing runs until Run or
// RunOnce is called.
func New(cfg Config, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	instance := ids.NewToken()
	logger := loggingutil.EnsureLogger(o.Logger).With("instance", instance)
	clk := clock.Or(o.Clock)

	p := &Processor{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		instance: instance,
	}
	if err := p.build(o); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Processor) build(o options) error {
	cfg := p.cfg
	logger := p.logger
	clk := p.clock

	p.backend = o.Backend
	if p.backend == nil {
		backend, err := OpenBackend(cfg, logger, clk)
		if err != nil {
			return fmt.Errorf("open store %s: %w", cfg.Store, err)
		}
		p.backend = backend
		p.ownsBackend = true
	}

	p.store = o.Store
	if p.store == nil {
		store, err := envelopestore.Open(envelopestore.Config{
			Driver:   cfg.DatabaseDriver,
			DSN:      cfg.DatabaseDSN,
			DebugEnv: DatabaseDebugEnv,
		})
		if err != nil {
			return err
		}
		p.store = store
		p.ownsStore = true
	}
	p.machine = lifecycle.New(p.store, clk, logger)

	leases := lease.New(p.backend, lease.Config{
		Duration:     cfg.LeaseDuration,
		WatermarkTTL: cfg.LeaseWatermarkTTL,
		Clock:        clk,
		Logger:       logger,
	})
	zone, err := clock.LoadZone(cfg.RetryZone)
	if err != nil {
		return err
	}
	retries, err := backoff.New(lease.NewBlobRegister(p.backend), backoff.Config{
		MaxRetries: cfg.MaxRetries,
		Delay:      cfg.RetryDelay,
		Zone:       zone,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	mover := quarantine.New(p.backend, quarantine.Config{
		CopyTimeout:  cfg.CopyTimeout,
		PollInterval: cfg.CopyPollInterval,
		Clock:        clk,
		Logger:       logger,
	})

	p.queue, err = queue.New(p.backend, clk, queue.Config{
		Container:        cfg.QueueContainer,
		LockDuration:     cfg.QueueLockDuration,
		MaxDeliveryCount: cfg.MaxDeliveryCount,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	uploader := o.Uploader
	if uploader == nil && !cfg.DisableUpload {
		uploader = upload.NewBlobUploader(p.backend, upload.Config{
			Container: cfg.DocumentsContainer,
			BaseURL:   cfg.DocumentsBaseURL,
			Logger:    logger,
		})
	}

	key, err := cfg.LoadPublicKey()
	if err != nil {
		return err
	}
	verifier, err := zipverify.GetVerifier(cfg.SignatureAlgorithm, key, cfg.MaxZipBytes)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	p.intake, err = pipeline.New(pipeline.Deps{
		Backend:   p.backend,
		Leases:    leases,
		Retries:   retries,
		Mover:     mover,
		Machine:   p.machine,
		Uploader:  uploader,
		Publisher: notification.NewPublisher(p.queue, cfg.EnvelopesQueue),
		Validator: o.Validator,
	}, pipeline.Config{
		Containers:    cfg.Containers,
		MaxZipBytes:   cfg.MaxZipBytes,
		MaxEntryBytes: cfg.MaxEntryBytes,
		Verifier:      verifier,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	p.loop = pipeline.NewLoop(p.intake, pipeline.LoopConfig{
		Interval: cfg.PollInterval,
		Clock:    clk,
		Logger:   logger,
	})
	p.consumer = notification.NewConsumer(p.queue, notification.NewFinalizer(p.machine, logger), notification.ConsumerConfig{
		Queue:           cfg.ProcessedQueue,
		PollInterval:    cfg.NotificationPollInterval,
		RedeliveryDelay: cfg.RedeliveryDelay,
		Clock:           clk,
		Logger:          logger,
	})
	return nil
}

// Prepare creates the database schema and every container the processor
// reads or writes. It is idempotent.
func (p *Processor) Prepare(ctx context.Context) error {
	if err := p.store.CreateSchema(ctx); err != nil {
		return err
	}
	creator, ok := p.backend.(storage.ContainerCreator)
	if !ok {
		return nil
	}
	containers := make([]string, 0, 2*len(p.cfg.Containers)+2)
	for _, name := range p.cfg.EnabledContainers() {
		containers = append(containers, name, quarantine.RejectedContainer(name))
	}
	containers = append(containers, p.cfg.QueueContainer)
	if !p.cfg.DisableUpload {
		containers = append(containers, p.cfg.DocumentsContainer)
	}
	for _, name := range containers {
		if err := creator.EnsureContainer(ctx, name); err != nil {
			return fmt.Errorf("ensure container %s: %w", name, err)
		}
	}
	return nil
}

// Run prepares storage and then runs the intake loop and the notification
// consumer until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	telemetry, err := setupTelemetry(ctx, telemetryConfigFrom(p.cfg, p.instance), p.logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()
	if err := p.Prepare(ctx); err != nil {
		return err
	}
	info := version.Get()
	p.logger.Info("processor.start",
		"version", info.Version,
		"store", p.cfg.Store,
		"database_driver", p.cfg.DatabaseDriver,
		"containers", p.loop.Containers(),
		"upload", !p.cfg.DisableUpload,
		"signature_algorithm", p.cfg.SignatureAlgorithm,
	)
	telemetry.setReady(true)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("processor.worker.failed", "worker", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}
	run("intake", p.loop.Run)
	run("notification", p.consumer.Run)
	wg.Wait()
	telemetry.setReady(false)
	p.logger.Info("processor.stop")
	return errors.Join(errs...)
}

// RunOnce prepares storage, makes one intake pass over every enabled
// container and then drains the processed-message queue.
func (p *Processor) RunOnce(ctx context.Context) ([]pipeline.Summary, int, error) {
	if err := p.Prepare(ctx); err != nil {
		return nil, 0, err
	}
	summaries := p.loop.RunOnce(ctx)
	settled, err := p.consumer.Drain(ctx)
	return summaries, settled, err
}

// Machine exposes the envelope state machine for administrative commands.
func (p *Processor) Machine() *lifecycle.Machine {
	return p.machine
}

// Queue exposes the message queue.
func (p *Processor) Queue() *queue.Service {
	return p.queue
}

// Backend returns the decorated blob backend.
func (p *Processor) Backend() storage.Backend {
	return p.backend
}

// Config returns the validated configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// Close releases the backend and store when the processor opened them.
func (p *Processor) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.ownsStore && p.store != nil {
			if err := p.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close envelope store: %w", err))
			}
		}
		if p.ownsBackend && p.backend != nil {
			if err := p.backend.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close backend: %w", err))
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// OpenMachine opens the configured envelope store, creates the schema and
// returns a state machine over it. Administrative commands use it without
// touching the blob store.
func OpenMachine(ctx context.Context, cfg Config, logger pslog.Logger) (*lifecycle.Machine, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	store, err := envelopestore.Open(envelopestore.Config{
		Driver:   cfg.DatabaseDriver,
		DSN:      cfg.DatabaseDSN,
		DebugEnv: DatabaseDebugEnv,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := store.CreateSchema(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return lifecycle.New(store, clock.Real{}, loggingutil.EnsureLogger(logger)), store.Close, nil
}
