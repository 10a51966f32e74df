// Package lifecycle persists envelope transitions. Every state change is
// written together with the ProcessEvent that caused it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelopestore"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/ids"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
)

// ErrNotFound reports an unknown envelope.
var ErrNotFound = envelopestore.ErrNotFound

// ErrConcurrentUpdate reports a transition that lost the race against
// another writer of the same envelope; nothing was written.
var ErrConcurrentUpdate = envelopestore.ErrStatusChanged

// Machine drives envelopes through their lifecycle.
type Machine struct {
	store  *envelopestore.Store
	clock  clock.Clock
	logger pslog.Logger
}

// New returns a Machine on store.
func New(store *envelopestore.Store, clk clock.Clock, logger pslog.Logger) *Machine {
	return &Machine{
		store:  store,
		clock:  clock.Or(clk),
		logger: loggingutil.WithSubsystem(logger, "envelope.lifecycle"),
	}
}

// Store returns the underlying store.
func (m *Machine) Store() *envelopestore.Store {
	return m.store
}

// Create persists a new CREATED envelope built from in together with its
// CREATED event.
func (m *Machine) Create(ctx context.Context, container, zipFileName string, in *envelope.InputEnvelope) (*envelope.Envelope, error) {
	env := in.ToEnvelope(container)
	env.ID = ids.NewString()
	env.ZipFileName = zipFileName
	env.CreatedAt = m.clock.Now()
	err := m.store.RunInTx(ctx, func(ctx context.Context, q envelopestore.Queries) error {
		if err := q.InsertEnvelope(ctx, env); err != nil {
			return err
		}
		return q.InsertEvent(ctx, m.event(container, zipFileName, envelope.EventCreated, "", env.ID))
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create envelope: %w", err)
	}
	m.logger.Info("envelope.created", "envelope_id", env.ID, "container", container, "zip_file_name", zipFileName, "items", len(env.ScannableItems))
	return env, nil
}

// RecordEvent appends an event for a zip file that has no envelope yet, such
// as the start of processing or a rejected archive.
func (m *Machine) RecordEvent(ctx context.Context, container, zipFileName string, kind envelope.EventKind, reason string) error {
	if err := m.store.InsertEvent(ctx, m.event(container, zipFileName, kind, reason, "")); err != nil {
		return fmt.Errorf("lifecycle: record %s: %w", kind, err)
	}
	m.logger.Debug("envelope.event.recorded", "container", container, "zip_file_name", zipFileName, "event", string(kind), "reason", reason)
	return nil
}

// RecordFailure is RecordEvent for failure kinds; a metadata parse failure
// never produces an envelope row.
func (m *Machine) RecordFailure(ctx context.Context, container, zipFileName string, kind envelope.EventKind, reason string) error {
	return m.RecordEvent(ctx, container, zipFileName, kind, reason)
}

// RecordUploadFailure counts a failed document upload for an envelope that
// has not reached UPLOADED. The status is unchanged; the count and the
// DOC_UPLOAD_FAILURE event commit together.
func (m *Machine) RecordUploadFailure(ctx context.Context, envelopeID, reason string) (*envelope.Envelope, error) {
	var out *envelope.Envelope
	err := m.store.RunInTx(ctx, func(ctx context.Context, q envelopestore.Queries) error {
		env, err := q.GetEnvelope(ctx, envelopeID)
		if err != nil {
			return err
		}
		env.UploadFailureCount++
		if err := q.UpdateEnvelopeFrom(ctx, env, env.Status); err != nil {
			return err
		}
		out = env
		return q.InsertEvent(ctx, m.event(env.Container, env.ZipFileName, envelope.EventDocUploadFailure, reason, env.ID))
	})
	if err != nil {
		if errors.Is(err, envelopestore.ErrNotFound) || errors.Is(err, envelopestore.ErrStatusChanged) {
			return nil, err
		}
		return nil, fmt.Errorf("lifecycle: record upload failure %s: %w", envelopeID, err)
	}
	m.logger.Warn("envelope.upload.failed", "envelope_id", envelopeID, "failures", out.UploadFailureCount, "reason", reason)
	return out, nil
}

// MarkZipDeleted flags that the source archive of the envelope is gone. It is
// not a status transition and writes no event.
func (m *Machine) MarkZipDeleted(ctx context.Context, envelopeID string) error {
	err := m.store.RunInTx(ctx, func(ctx context.Context, q envelopestore.Queries) error {
		env, err := q.GetEnvelope(ctx, envelopeID)
		if err != nil {
			return err
		}
		if env.ZipDeleted {
			return nil
		}
		env.ZipDeleted = true
		return q.UpdateEnvelopeFrom(ctx, env, env.Status)
	})
	if err != nil {
		if errors.Is(err, envelopestore.ErrNotFound) || errors.Is(err, envelopestore.ErrStatusChanged) {
			return err
		}
		return fmt.Errorf("lifecycle: mark zip deleted %s: %w", envelopeID, err)
	}
	return nil
}

// Advance applies kind to the envelope. mutate may adjust the envelope
// before it is saved; the transition, the mutation and the event commit or
// roll back together. The update is guarded on the status the envelope was
// read in, so of two concurrent writers only one commits and the other gets
// ErrConcurrentUpdate.
func (m *Machine) Advance(ctx context.Context, envelopeID string, kind envelope.EventKind, reason string, mutate func(*envelope.Envelope) error) (*envelope.Envelope, error) {
	return m.advance(ctx, envelopeID, "", kind, reason, mutate)
}

// AdvanceFrom is Advance that additionally requires the envelope to be in
// from; any other current status is ErrIllegalTransition.
func (m *Machine) AdvanceFrom(ctx context.Context, envelopeID string, from envelope.Status, kind envelope.EventKind, reason string, mutate func(*envelope.Envelope) error) (*envelope.Envelope, error) {
	return m.advance(ctx, envelopeID, from, kind, reason, mutate)
}

func (m *Machine) advance(ctx context.Context, envelopeID string, from envelope.Status, kind envelope.EventKind, reason string, mutate func(*envelope.Envelope) error) (*envelope.Envelope, error) {
	var out *envelope.Envelope
	err := m.store.RunInTx(ctx, func(ctx context.Context, q envelopestore.Queries) error {
		env, err := q.GetEnvelope(ctx, envelopeID)
		if err != nil {
			return err
		}
		if from != "" && env.Status != from {
			return fmt.Errorf("%w: %s on %s, expected %s", envelope.ErrIllegalTransition, kind, env.Status, from)
		}
		next, err := envelope.Transition(env.Status, kind)
		if err != nil {
			return err
		}
		prev := env.Status
		env.Status = next
		if mutate != nil {
			if err := mutate(env); err != nil {
				return err
			}
		}
		if err := q.UpdateEnvelopeFrom(ctx, env, prev); err != nil {
			return err
		}
		if err := q.InsertEvent(ctx, m.event(env.Container, env.ZipFileName, kind, reason, env.ID)); err != nil {
			return err
		}
		m.logger.Info("envelope.transition", "envelope_id", env.ID, "from", string(prev), "to", string(next), "event", string(kind))
		out = env
		return nil
	})
	if err != nil {
		if errors.Is(err, envelopestore.ErrNotFound) || errors.Is(err, envelope.ErrIllegalTransition) || errors.Is(err, envelopestore.ErrStatusChanged) {
			return nil, err
		}
		return nil, fmt.Errorf("lifecycle: advance %s with %s: %w", envelopeID, kind, err)
	}
	return out, nil
}

// Abort moves any envelope to ABORTED as an administrative override.
func (m *Machine) Abort(ctx context.Context, envelopeID, reason string) (*envelope.Envelope, error) {
	return m.Advance(ctx, envelopeID, envelope.EventManualStatusChange, reason, nil)
}

// FindForAdmission returns the latest envelope for the pair, or ErrNotFound.
func (m *Machine) FindForAdmission(ctx context.Context, container, zipFileName string) (*envelope.Envelope, error) {
	return m.store.FindLatest(ctx, container, zipFileName)
}

// Get loads one envelope.
func (m *Machine) Get(ctx context.Context, envelopeID string) (*envelope.Envelope, error) {
	return m.store.GetEnvelope(ctx, envelopeID)
}

// Events returns the audit trail for a zip file.
func (m *Machine) Events(ctx context.Context, container, zipFileName string) ([]envelope.ProcessEvent, error) {
	return m.store.ListEvents(ctx, container, zipFileName)
}

func (m *Machine) event(container, zipFileName string, kind envelope.EventKind, reason, envelopeID string) *envelope.ProcessEvent {
	return &envelope.ProcessEvent{
		ID:          ids.NewString(),
		Container:   container,
		ZipFileName: zipFileName,
		Event:       kind,
		CreatedAt:   m.clock.Now(),
		Reason:      reason,
		EnvelopeID:  envelopeID,
	}
}
