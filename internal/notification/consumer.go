package notification

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/queue"
)

const (
	// DefaultPollInterval is how long the consumer idles on an empty queue.
	DefaultPollInterval = 5 * time.Second
	// DefaultRedeliveryDelay hides a potentially recoverable message before
	// it is delivered again.
	DefaultRedeliveryDelay = 30 * time.Second
)

// Queue is the subset of the queue service the consumer settles against.
type Queue interface {
	Receive(ctx context.Context, name string) (*queue.Delivery, error)
	Complete(ctx context.Context, d *queue.Delivery) error
	Abandon(ctx context.Context, d *queue.Delivery, delay time.Duration) error
	DeadLetter(ctx context.Context, d *queue.Delivery, reason, description string) error
}

// Handler turns a message body into a Result.
type Handler interface {
	Handle(ctx context.Context, body []byte) Result
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue        string
	PollInterval time.Duration
	// RedeliveryDelay is how long a potentially recoverable message stays
	// invisible after it is abandoned.
	RedeliveryDelay time.Duration
	Clock           clock.Clock
	Logger          pslog.Logger
}

// Consumer receives processed messages and settles each one according to
// the handler's Result.
type Consumer struct {
	q       Queue
	handler Handler
	cfg     ConsumerConfig
	clock   clock.Clock
	logger  pslog.Logger
	results metric.Int64Counter
}

// NewConsumer returns a Consumer reading cfg.Queue.
func NewConsumer(q Queue, handler Handler, cfg ConsumerConfig) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = DefaultRedeliveryDelay
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "notification.consumer")
	results, err := otel.Meter("github.com/hmcts/bulk-scan-processor-sub002/notification").Int64Counter(
		"bulkscan.notification.results",
		metric.WithDescription("Processed-envelope messages by result"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "bulkscan.notification.results", "error", err)
	}
	return &Consumer{
		q:       q,
		handler: handler,
		cfg:     cfg,
		clock:   clock.Or(cfg.Clock),
		logger:  logger,
		results: results,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("notification.consumer.start", "queue", c.cfg.Queue, "poll_interval", c.cfg.PollInterval, "redelivery_delay", c.cfg.RedeliveryDelay)
	for {
		handled, err := c.ProcessNext(ctx)
		if ctx.Err() != nil {
			c.logger.Info("notification.consumer.stop", "queue", c.cfg.Queue)
			return nil
		}
		if err != nil {
			c.logger.Warn("notification.consumer.receive_failed", "queue", c.cfg.Queue, "error", err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			c.logger.Info("notification.consumer.stop", "queue", c.cfg.Queue)
			return nil
		case <-c.clock.After(c.cfg.PollInterval):
		}
	}
}

// Drain handles messages until no message is visible and returns how many
// were handled. Abandoned messages stay hidden for RedeliveryDelay, so a
// single Drain delivers each message at most once.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		handled, err := c.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if !handled {
			return n, nil
		}
		n++
	}
}

// ProcessNext receives and settles one message. handled is false when the
// queue was empty.
func (c *Consumer) ProcessNext(ctx context.Context) (bool, error) {
	d, err := c.q.Receive(ctx, c.cfg.Queue)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, err
	}
	result := c.handler.Handle(ctx, d.Body)
	c.settle(ctx, d, result)
	return true, nil
}

// settle never returns an error: a failed settle leaves the message locked
// and the queue redelivers it after the lock expires.
func (c *Consumer) settle(ctx context.Context, d *queue.Delivery, result Result) {
	var err error
	switch result.Kind {
	case KindSuccess:
		err = c.q.Complete(ctx, d)
	case KindUnrecoverable:
		err = c.q.DeadLetter(ctx, d, "unrecoverable", result.Reason)
	default:
		c.logger.Info("notification.message.retry", "message_id", d.ID, "delivery_count", d.DeliveryCount, "retry_in", c.cfg.RedeliveryDelay, "reason", result.Reason)
		err = c.q.Abandon(ctx, d, c.cfg.RedeliveryDelay)
	}
	if c.results != nil {
		c.results.Add(ctx, 1, metric.WithAttributes(attribute.String("bulkscan.notification.result", result.Kind.String())))
	}
	if err != nil {
		c.logger.Warn("notification.message.settle_failed", "message_id", d.ID, "result", result.Kind.String(), "error", err)
		return
	}
	c.logger.Debug("notification.message.settled", "message_id", d.ID, "result", result.Kind.String(), "delivery_count", d.DeliveryCount)
}
