// Package pipeline turns zip archives found in the blob store into
// envelopes. One Processor handles one blob at a time under a lease; a Loop
// polls the configured containers on a fixed delay.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/backoff"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/extract"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lease"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lifecycle"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/quarantine"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/upload"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/zipverify"
)

// DefaultMaxZipBytes caps the size of a downloaded archive.
const DefaultMaxZipBytes = 512 << 20

// ErrValidationUnavailable marks an EnvelopeValidator failure that may pass
// later. The blob is left in place and retried on the backoff schedule.
var ErrValidationUnavailable = errors.New("pipeline: validation unavailable")

// EnvelopeValidator checks parsed metadata against an external system
// before the envelope is admitted.
type EnvelopeValidator interface {
	Validate(ctx context.Context, container string, in *envelope.InputEnvelope) error
}

// EnvelopeValidatorFunc adapts a function to EnvelopeValidator.
type EnvelopeValidatorFunc func(ctx context.Context, container string, in *envelope.InputEnvelope) error

// Validate implements EnvelopeValidator.
func (f EnvelopeValidatorFunc) Validate(ctx context.Context, container string, in *envelope.InputEnvelope) error {
	return f(ctx, container, in)
}

// Publisher announces an uploaded envelope.
type Publisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
}

// Outcome summarises what happened to one blob.
type Outcome string

const (
	// OutcomeProcessed means a new or resumed envelope went through every
	// configured stage.
	OutcomeProcessed Outcome = "processed"
	// OutcomeRejected means the archive was recorded as failed and moved to
	// quarantine.
	OutcomeRejected Outcome = "rejected"
	// OutcomeDuplicate means the pair was admitted before; the leftover
	// archive was deleted.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDeferred means a transient validation failure scheduled a retry.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSkipped means the blob was not ours to process this round.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means an infrastructure error left the blob for the next
	// poll.
	OutcomeFailed Outcome = "failed"
)

// Result describes the processing of one blob.
type Result struct {
	Ref        storage.Ref
	Outcome    Outcome
	EnvelopeID string
	Reason     string
}

// Summary counts outcomes over one container pass.
type Summary struct {
	Container string
	Counts    map[Outcome]int
}

func (s *Summary) add(r Result) {
	if s.Counts == nil {
		s.Counts = make(map[Outcome]int)
	}
	s.Counts[r.Outcome]++
}

// Total returns the number of blobs looked at.
func (s Summary) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Deps are the collaborators of a Processor. Uploader, Publisher and
// Validator are optional: without an Uploader envelopes stop at CREATED and
// the archive is left for an external uploader.
type Deps struct {
	Backend   storage.Backend
	Leases    *lease.Coordinator
	Retries   *backoff.Manager
	Mover     *quarantine.Mover
	Machine   *lifecycle.Machine
	Uploader  upload.Uploader
	Publisher Publisher
	Validator EnvelopeValidator
}

// Config configures a Processor.
type Config struct {
	// Containers lists the accepted containers and their rules. A container
	// without a rule accepts any jurisdiction and po box.
	Containers    []envelope.ContainerRule
	MaxZipBytes   int64
	MaxEntryBytes int64
	// Verifier unwraps the raw blob. Defaults to no signature check.
	Verifier zipverify.Verifier
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Processor runs the intake stages for single blobs.
type Processor struct {
	deps      Deps
	rules     map[string]envelope.ContainerRule
	verify    zipverify.Verifier
	extractor extract.Extractor
	maxZip    int64
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *pipelineMetrics
}

// New builds a Processor.
func New(deps Deps, cfg Config) (*Processor, error) {
	switch {
	case deps.Backend == nil:
		return nil, fmt.Errorf("pipeline: backend required")
	case deps.Leases == nil:
		return nil, fmt.Errorf("pipeline: lease coordinator required")
	case deps.Retries == nil:
		return nil, fmt.Errorf("pipeline: retry manager required")
	case deps.Mover == nil:
		return nil, fmt.Errorf("pipeline: rejected-file mover required")
	case deps.Machine == nil:
		return nil, fmt.Errorf("pipeline: envelope machine required")
	}
	if cfg.Verifier == nil {
		v, err := zipverify.GetVerifier(zipverify.AlgorithmNone, nil, 0)
		if err != nil {
			return nil, err
		}
		cfg.Verifier = v
	}
	if cfg.MaxZipBytes <= 0 {
		cfg.MaxZipBytes = DefaultMaxZipBytes
	}
	rules := make(map[string]envelope.ContainerRule, len(cfg.Containers))
	for _, rule := range cfg.Containers {
		if rule.Container == "" {
			return nil, fmt.Errorf("pipeline: container rule without container name")
		}
		rules[rule.Container] = rule
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "intake.pipeline")
	return &Processor{
		deps:      deps,
		rules:     rules,
		verify:    cfg.Verifier,
		extractor: extract.Extractor{MaxEntryBytes: cfg.MaxEntryBytes},
		maxZip:    cfg.MaxZipBytes,
		clock:     clock.Or(cfg.Clock),
		logger:    logger,
		metrics:   newPipelineMetrics(logger),
	}, nil
}

// EnabledContainers lists the containers whose rule is enabled, sorted.
func (p *Processor) EnabledContainers() []string {
	var out []string
	for name, rule := range p.rules {
		if rule.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Processor) rule(container string) *envelope.ContainerRule {
	rule, ok := p.rules[container]
	if !ok {
		return nil
	}
	return &rule
}
