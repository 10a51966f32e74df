// Package queue implements an at-least-once message queue on top of the blob
// store. Each message is one JSON document; receive, complete, abandon and
// dead-letter are conditional writes against the document ETag, so competing
// consumers never both own a delivery.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/ids"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

const (
	DefaultContainer        = "bulkscan-queues"
	DefaultLockDuration     = 5 * time.Minute
	DefaultMaxDeliveryCount = 10
	listPageSize            = 100
)

// Reasons recorded on dead-lettered messages.
const (
	ReasonMaxDeliveryCount = "MaxDeliveryCountExceeded"
)

var (
	// ErrInvalidQueue is returned when the requested queue name contains invalid characters.
	ErrInvalidQueue = errors.New("queue: invalid queue name")
	// ErrEmpty is returned by Receive when no message is available.
	ErrEmpty = errors.New("queue: no message available")
	// ErrLockLost reports that the delivery was settled, or re-delivered to
	// someone else, after its lock expired.
	ErrLockLost = errors.New("queue: message lock lost")
)

// Config governs queue behaviour defaults.
type Config struct {
	Container        string
	LockDuration     time.Duration
	MaxDeliveryCount int
	Logger           pslog.Logger
}

// Service implements queue primitives atop the storage backend.
type Service struct {
	store   storage.Backend
	clk     clock.Clock
	cfg     Config
	logger  pslog.Logger
	metrics *queueMetrics
}

// New constructs a queue Service.
func New(store storage.Backend, clk clock.Clock, cfg Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("queue: backend required")
	}
	if cfg.Container == "" {
		cfg.Container = DefaultContainer
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "queue")
	return &Service{
		store:   store,
		clk:     clock.Or(clk),
		cfg:     cfg,
		logger:  logger,
		metrics: newQueueMetrics(logger),
	}, nil
}

// EnsureContainer creates the queue container when the backend needs it.
func (s *Service) EnsureContainer(ctx context.Context) error {
	if creator, ok := s.store.(storage.ContainerCreator); ok {
		return creator.EnsureContainer(ctx, s.cfg.Container)
	}
	return nil
}

// Message is an outbound message.
type Message struct {
	// ID deduplicates sends; a second send with the same id is ignored.
	// Generated when empty.
	ID         string
	Subject    string
	Body       []byte
	Properties map[string]string
}

// MessageDocument is the stored form of a message.
type MessageDocument struct {
	Type                  string            `json:"type"`
	Queue                 string            `json:"queue"`
	ID                    string            `json:"id"`
	Subject               string            `json:"subject,omitempty"`
	Body                  []byte            `json:"body"`
	Properties            map[string]string `json:"properties,omitempty"`
	EnqueuedAt            time.Time         `json:"enqueued_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	DeliveryCount         int               `json:"delivery_count"`
	NotVisibleUntil       time.Time         `json:"not_visible_until"`
	LockToken             string            `json:"lock_token,omitempty"`
	DeadLetterReason      string            `json:"dead_letter_reason,omitempty"`
	DeadLetterDescription string            `json:"dead_letter_description,omitempty"`
	DeadLetteredAt        *time.Time        `json:"dead_lettered_at,omitempty"`
}

// Delivery is a received, locked message.
type Delivery struct {
	Queue         string
	ID            string
	Subject       string
	Body          []byte
	Properties    map[string]string
	EnqueuedAt    time.Time
	DeliveryCount int
	LockToken     string
	LockedUntil   time.Time

	etag string
	doc  MessageDocument
}

// Send stores msg on queue.
func (s *Service) Send(ctx context.Context, queue string, msg Message) (string, error) {
	name, err := sanitizeQueueName(queue)
	if err != nil {
		return "", err
	}
	if msg.ID == "" {
		msg.ID = ids.NewString()
	}
	now := s.clk.Now().UTC()
	doc := &MessageDocument{
		Type:            "message",
		Queue:           name,
		ID:              msg.ID,
		Subject:         msg.Subject,
		Body:            msg.Body,
		Properties:      msg.Properties,
		EnqueuedAt:      now,
		UpdatedAt:       now,
		NotVisibleUntil: now,
	}
	if _, err := s.save(ctx, messagePath(name, msg.ID), doc, storage.PutObjectOptions{IfNotExists: true}); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			s.logger.Debug("queue.send.duplicate", "queue", name, "message_id", msg.ID)
			return msg.ID, nil
		}
		err = fmt.Errorf("queue: send %s: %w", name, err)
		s.metrics.recordOp(ctx, name, "send", err)
		return "", err
	}
	s.metrics.recordOp(ctx, name, "send", nil)
	s.logger.Debug("queue.send", "queue", name, "message_id", msg.ID, "subject", msg.Subject)
	return msg.ID, nil
}

// Receive locks the oldest visible message on queue. Messages whose delivery
// count is exhausted are dead-lettered on the way. ErrEmpty is returned when
// nothing is available.
func (s *Service) Receive(ctx context.Context, queue string) (*Delivery, error) {
	name, err := sanitizeQueueName(queue)
	if err != nil {
		return nil, err
	}
	d, err := s.receive(ctx, name)
	s.metrics.recordOp(ctx, name, "receive", err)
	if d != nil {
		s.metrics.recordDelivery(ctx, name, d.DeliveryCount)
	}
	return d, err
}

func (s *Service) receive(ctx context.Context, name string) (*Delivery, error) {
	startAfter := ""
	for {
		list, err := s.store.ListObjects(ctx, s.cfg.Container, storage.ListOptions{
			Prefix:     messagePrefix(name),
			StartAfter: startAfter,
			Limit:      listPageSize,
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrEmpty
			}
			return nil, fmt.Errorf("queue: list %s: %w", name, err)
		}
		for _, obj := range list.Objects {
			d, err := s.tryLock(ctx, name, obj.Key)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}
		if !list.Truncated || list.NextStartAfter == "" {
			return nil, ErrEmpty
		}
		startAfter = list.NextStartAfter
	}
}

// tryLock returns nil without error when the message is not available.
func (s *Service) tryLock(ctx context.Context, queue, key string) (*Delivery, error) {
	doc, etag, err := s.load(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	now := s.clk.Now().UTC()
	if now.Before(doc.NotVisibleUntil) {
		return nil, nil
	}
	if doc.DeliveryCount >= s.cfg.MaxDeliveryCount {
		d := &Delivery{Queue: queue, ID: doc.ID, etag: etag, doc: *doc}
		err := s.deadLetter(ctx, d, ReasonMaxDeliveryCount, fmt.Sprintf("delivered %d times", doc.DeliveryCount))
		if err != nil && !errors.Is(err, ErrLockLost) {
			return nil, err
		}
		if err == nil {
			s.metrics.recordDeadLetter(ctx, queue, ReasonMaxDeliveryCount)
			s.logger.Warn("queue.dead_letter.max_delivery", "queue", queue, "message_id", doc.ID, "delivery_count", doc.DeliveryCount)
		}
		return nil, nil
	}
	doc.DeliveryCount++
	doc.LockToken = ids.NewToken()
	doc.NotVisibleUntil = now.Add(s.cfg.LockDuration)
	doc.UpdatedAt = now
	newETag, err := s.save(ctx, key, doc, storage.PutObjectOptions{ExpectedETag: etag})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: lock %s: %w", doc.ID, err)
	}
	return &Delivery{
		Queue:         queue,
		ID:            doc.ID,
		Subject:       doc.Subject,
		Body:          doc.Body,
		Properties:    doc.Properties,
		EnqueuedAt:    doc.EnqueuedAt,
		DeliveryCount: doc.DeliveryCount,
		LockToken:     doc.LockToken,
		LockedUntil:   doc.NotVisibleUntil,
		etag:          newETag,
		doc:           *doc,
	}, nil
}

// Complete removes a delivered message.
func (s *Service) Complete(ctx context.Context, d *Delivery) error {
	err := s.store.DeleteObject(ctx, s.cfg.Container, messagePath(d.Queue, d.ID), storage.DeleteObjectOptions{ExpectedETag: d.etag})
	if err != nil {
		err = s.settleError("complete", d, err)
		s.metrics.recordOp(ctx, d.Queue, "complete", err)
		return err
	}
	s.metrics.recordOp(ctx, d.Queue, "complete", nil)
	s.logger.Debug("queue.complete", "queue", d.Queue, "message_id", d.ID)
	return nil
}

// Abandon releases the lock and hides the message for delay before it is
// redelivered. A zero delay makes it visible immediately.
func (s *Service) Abandon(ctx context.Context, d *Delivery, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	doc := d.doc
	now := s.clk.Now().UTC()
	doc.LockToken = ""
	doc.NotVisibleUntil = now.Add(delay)
	doc.UpdatedAt = now
	etag, err := s.save(ctx, messagePath(d.Queue, d.ID), &doc, storage.PutObjectOptions{ExpectedETag: d.etag})
	if err != nil {
		err = s.settleError("abandon", d, err)
		s.metrics.recordOp(ctx, d.Queue, "abandon", err)
		return err
	}
	s.metrics.recordOp(ctx, d.Queue, "abandon", nil)
	d.etag = etag
	s.logger.Debug("queue.abandon", "queue", d.Queue, "message_id", d.ID, "delivery_count", d.DeliveryCount, "delay", delay)
	return nil
}

// DeadLetter moves a delivered message to the queue's dead-letter area where
// it is never redelivered.
func (s *Service) DeadLetter(ctx context.Context, d *Delivery, reason, description string) error {
	if err := s.deadLetter(ctx, d, reason, description); err != nil {
		s.metrics.recordOp(ctx, d.Queue, "dead_letter", err)
		return err
	}
	s.metrics.recordOp(ctx, d.Queue, "dead_letter", nil)
	s.metrics.recordDeadLetter(ctx, d.Queue, reason)
	s.logger.Info("queue.dead_letter", "queue", d.Queue, "message_id", d.ID, "reason", reason, "description", description)
	return nil
}

func (s *Service) deadLetter(ctx context.Context, d *Delivery, reason, description string) error {
	doc := d.doc
	now := s.clk.Now().UTC()
	doc.LockToken = ""
	doc.UpdatedAt = now
	doc.DeadLetterReason = reason
	doc.DeadLetterDescription = description
	doc.DeadLetteredAt = &now
	if _, err := s.save(ctx, deadLetterPath(d.Queue, d.ID), &doc, storage.PutObjectOptions{}); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", d.ID, err)
	}
	err := s.store.DeleteObject(ctx, s.cfg.Container, messagePath(d.Queue, d.ID), storage.DeleteObjectOptions{ExpectedETag: d.etag})
	if err != nil {
		_ = s.store.DeleteObject(ctx, s.cfg.Container, deadLetterPath(d.Queue, d.ID), storage.DeleteObjectOptions{IgnoreNotFound: true})
		return s.settleError("dead-letter", d, err)
	}
	return nil
}

// ListDeadLetters returns the dead-lettered messages of queue.
func (s *Service) ListDeadLetters(ctx context.Context, queue string) ([]MessageDocument, error) {
	name, err := sanitizeQueueName(queue)
	if err != nil {
		return nil, err
	}
	return s.listDocuments(ctx, deadLetterPrefix(name))
}

// ListMessages returns the live messages of queue, locked or not.
func (s *Service) ListMessages(ctx context.Context, queue string) ([]MessageDocument, error) {
	name, err := sanitizeQueueName(queue)
	if err != nil {
		return nil, err
	}
	return s.listDocuments(ctx, messagePrefix(name))
}

func (s *Service) listDocuments(ctx context.Context, prefix string) ([]MessageDocument, error) {
	var out []MessageDocument
	startAfter := ""
	for {
		list, err := s.store.ListObjects(ctx, s.cfg.Container, storage.ListOptions{Prefix: prefix, StartAfter: startAfter, Limit: listPageSize})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return out, nil
			}
			return nil, fmt.Errorf("queue: list: %w", err)
		}
		for _, obj := range list.Objects {
			doc, _, err := s.load(ctx, obj.Key)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, err
			}
			out = append(out, *doc)
		}
		if !list.Truncated || list.NextStartAfter == "" {
			return out, nil
		}
		startAfter = list.NextStartAfter
	}
}

func (s *Service) settleError(op string, d *Delivery, err error) error {
	if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrLockLost, op, d.ID)
	}
	return fmt.Errorf("queue: %s %s: %w", op, d.ID, err)
}

func (s *Service) load(ctx context.Context, key string) (*MessageDocument, string, error) {
	data, info, err := storage.ReadAll(ctx, s.store, s.cfg.Container, key, 0)
	if err != nil {
		return nil, "", err
	}
	var doc MessageDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("queue: decode %s: %w", key, err)
	}
	etag := ""
	if info != nil {
		etag = info.ETag
	}
	return &doc, etag, nil
}

func (s *Service) save(ctx context.Context, key string, doc *MessageDocument, opts storage.PutObjectOptions) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("queue: encode %s: %w", key, err)
	}
	opts.ContentType = storage.ContentTypeJSON
	info, err := s.store.PutObject(ctx, s.cfg.Container, key, bytes.NewReader(payload), opts)
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}
