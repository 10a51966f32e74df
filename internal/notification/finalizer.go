// Package notification closes the intake loop: it consumes "envelope
// processed" messages, finalizes the referenced envelope and decides whether
// the message is acknowledged, dead-lettered or left for redelivery. It also
// publishes the outbound message announcing a newly admitted envelope.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lifecycle"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
)

// Outcomes accepted in the processed message.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
)

// ProcessedMessage is the inbound payload.
type ProcessedMessage struct {
	EnvelopeID        string `json:"envelope_id"`
	CcdID             string `json:"ccd_id,omitempty"`
	EnvelopeCcdAction string `json:"envelope_ccd_action,omitempty"`
	// Outcome is "completed" when empty.
	Outcome string `json:"outcome,omitempty"`
}

// ParseProcessedMessage decodes and checks an inbound payload.
func ParseProcessedMessage(body []byte) (ProcessedMessage, error) {
	var msg ProcessedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return ProcessedMessage{}, fmt.Errorf("invalid payload: %w", err)
	}
	msg.EnvelopeID = strings.TrimSpace(msg.EnvelopeID)
	if msg.EnvelopeID == "" {
		return ProcessedMessage{}, errors.New("invalid payload: envelope_id is empty")
	}
	msg.Outcome = strings.ToLower(strings.TrimSpace(msg.Outcome))
	if msg.Outcome == "" {
		msg.Outcome = OutcomeCompleted
	}
	if msg.Outcome != OutcomeCompleted && msg.Outcome != OutcomeAborted {
		return ProcessedMessage{}, fmt.Errorf("invalid payload: unknown outcome %q", msg.Outcome)
	}
	return msg, nil
}

func (m ProcessedMessage) target() (envelope.EventKind, envelope.Status) {
	if m.Outcome == OutcomeAborted {
		return envelope.EventProcessingAborted, envelope.StatusAborted
	}
	return envelope.EventCompleted, envelope.StatusCompleted
}

// Finalizer moves envelopes to their terminal state.
type Finalizer struct {
	machine *lifecycle.Machine
	logger  pslog.Logger
}

// NewFinalizer returns a Finalizer on machine.
func NewFinalizer(machine *lifecycle.Machine, logger pslog.Logger) *Finalizer {
	return &Finalizer{
		machine: machine,
		logger:  loggingutil.WithSubsystem(logger, "notification.finalizer"),
	}
}

// Handle finalizes the envelope referenced by body. Only a NOTIFICATION_SENT
// envelope is finalized; the transition, the CCD reference and the OCR scrub
// commit in one transaction. Handling a message for an envelope that already
// reached the requested status is a no-op Success and writes no event, while
// a message that contradicts a different status is Unrecoverable.
func (f *Finalizer) Handle(ctx context.Context, body []byte) Result {
	msg, err := ParseProcessedMessage(body)
	if err != nil {
		f.logger.Warn("notification.payload.invalid", "error", err)
		return Unrecoverable(err.Error())
	}
	kind, status := msg.target()
	_, err = f.machine.AdvanceFrom(ctx, msg.EnvelopeID, envelope.StatusNotificationSent, kind, "", func(env *envelope.Envelope) error {
		if msg.CcdID != "" {
			env.CcdID = msg.CcdID
		}
		if msg.EnvelopeCcdAction != "" {
			env.CcdAction = msg.EnvelopeCcdAction
		}
		env.ScrubOcrData()
		return nil
	})
	switch {
	case err == nil:
		f.logger.Info("notification.envelope.finalized", "envelope_id", msg.EnvelopeID, "status", string(status), "ccd_id", msg.CcdID)
		return Success()
	case errors.Is(err, lifecycle.ErrNotFound):
		f.logger.Warn("notification.envelope.unknown", "envelope_id", msg.EnvelopeID)
		return Unrecoverable(fmt.Sprintf("envelope %s not found", msg.EnvelopeID))
	case errors.Is(err, envelope.ErrIllegalTransition), errors.Is(err, lifecycle.ErrConcurrentUpdate):
		return f.reconcile(ctx, msg, status, err)
	default:
		f.logger.Warn("notification.envelope.finalize_failed", "envelope_id", msg.EnvelopeID, "error", err)
		return PotentiallyRecoverable(err)
	}
}

// reconcile re-reads an envelope the finalizer could not move and decides
// whether the message was already applied.
func (f *Finalizer) reconcile(ctx context.Context, msg ProcessedMessage, status envelope.Status, cause error) Result {
	env, err := f.machine.Get(ctx, msg.EnvelopeID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			return Unrecoverable(fmt.Sprintf("envelope %s not found", msg.EnvelopeID))
		}
		return PotentiallyRecoverable(err)
	}
	switch {
	case env.Status == status:
		f.logger.Debug("notification.envelope.already_finalized", "envelope_id", msg.EnvelopeID, "status", string(status))
		return Success()
	case env.Status == envelope.StatusNotificationSent:
		// Lost a race that left the envelope where it was; try again later.
		return PotentiallyRecoverable(cause)
	default:
		f.logger.Warn("notification.envelope.illegal_transition", "envelope_id", msg.EnvelopeID, "status", string(env.Status), "outcome", msg.Outcome, "error", cause)
		return Unrecoverable(fmt.Sprintf("envelope %s is %s, cannot apply %s outcome", msg.EnvelopeID, env.Status, msg.Outcome))
	}
}
