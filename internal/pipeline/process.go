package pipeline

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/extract"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lease"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lifecycle"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/zipverify"
)

const listPageSize = 500

// rejection carries the event kind a rejected archive is recorded with.
type rejection struct {
	kind envelope.EventKind
	err  error
}

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

func rejectAs(kind envelope.EventKind, err error) error {
	return &rejection{kind: kind, err: err}
}

// ProcessContainer processes every zip blob in container once. Errors of
// single blobs are logged and counted; only a failed listing is returned.
func (p *Processor) ProcessContainer(ctx context.Context, container string) (Summary, error) {
	sum := Summary{Container: container}
	logger := p.logger.With("container", container)
	startAfter := ""
	for {
		list, err := p.deps.Backend.ListObjects(ctx, container, storage.ListOptions{StartAfter: startAfter, Limit: listPageSize})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				logger.Debug("intake.container.missing")
				return sum, nil
			}
			return sum, fmt.Errorf("pipeline: list %s: %w", container, err)
		}
		for _, obj := range list.Objects {
			if !storage.HasSuffixFold(obj.Key, ".zip") {
				continue
			}
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			res, err := p.ProcessBlob(ctx, storage.Ref{Container: container, Key: obj.Key})
			if err != nil {
				logger.Warn("intake.blob.error", "zip_file_name", obj.Key, "error", err)
			}
			sum.add(res)
		}
		if !list.Truncated || list.NextStartAfter == "" {
			break
		}
		startAfter = list.NextStartAfter
	}
	if sum.Total() > 0 {
		logger.Info("intake.container.processed", "blobs", sum.Total(),
			"processed", sum.Counts[OutcomeProcessed],
			"rejected", sum.Counts[OutcomeRejected],
			"skipped", sum.Counts[OutcomeSkipped],
			"failed", sum.Counts[OutcomeFailed])
	}
	return sum, nil
}

// ProcessBlob runs the intake stages for one archive. The returned error is
// an infrastructure failure; the blob then stays where it is for the next
// poll. Rejections are not errors.
func (p *Processor) ProcessBlob(ctx context.Context, ref storage.Ref) (Result, error) {
	begin := p.clock.Now()
	res, err := p.processBlob(ctx, ref)
	if err != nil && res.Outcome == "" {
		res.Outcome = OutcomeFailed
	}
	res.Ref = ref
	p.metrics.record(ctx, ref.Container, res.Outcome, p.clock.Now().Sub(begin))
	return res, err
}

func (p *Processor) processBlob(ctx context.Context, ref storage.Ref) (Result, error) {
	logger := p.logger.With("container", ref.Container, "zip_file_name", ref.Key)
	ready, err := p.deps.Retries.IsReadyToRetry(ctx, ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{Outcome: OutcomeSkipped, Reason: "blob no longer exists"}, nil
		}
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("pipeline: read retry schedule: %w", err)
	}
	if !ready {
		logger.Debug("intake.retry.not_ready")
		return Result{Outcome: OutcomeSkipped, Reason: "retry scheduled"}, nil
	}

	var res Result
	var failure error
	err = p.deps.Leases.WithLease(ctx, ref, func(ctx context.Context, held lease.Lease) error {
		var err error
		res, err = p.admit(ctx, logger, held)
		return err
	}, func(cause error) {
		failure = cause
	}, true)
	if failure != nil {
		switch {
		case errors.Is(failure, lease.ErrAlreadyLeased), errors.Is(failure, lease.ErrNotReady), errors.Is(failure, storage.ErrNotFound):
			return Result{Outcome: OutcomeSkipped, Reason: failure.Error()}, nil
		default:
			return Result{Outcome: OutcomeFailed, Reason: failure.Error()}, failure
		}
	}
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
	}
	return res, err
}

// admit runs under the lease. Only infrastructure failures are returned.
func (p *Processor) admit(ctx context.Context, logger pslog.Logger, held lease.Lease) (Result, error) {
	ref := held.Ref
	existing, err := p.deps.Machine.FindForAdmission(ctx, ref.Container, ref.Key)
	switch {
	case err == nil:
		return p.readmit(ctx, logger, held, existing)
	case !errors.Is(err, lifecycle.ErrNotFound):
		return Result{}, fmt.Errorf("pipeline: admission lookup: %w", err)
	}
	if err := p.deps.Machine.RecordEvent(ctx, ref.Container, ref.Key, envelope.EventProcessingStarted, ""); err != nil {
		return Result{}, err
	}
	logger.Info("intake.blob.processing", "lease_id", held.ID)

	contents, in, err := p.decode(ctx, ref)
	if err == nil && p.deps.Validator != nil {
		if verr := p.deps.Validator.Validate(ctx, ref.Container, in); verr != nil {
			if errors.Is(verr, ErrValidationUnavailable) {
				return p.deferRetry(ctx, logger, held, verr)
			}
			err = rejectAs(envelope.EventFileValidationFailure, verr)
		}
	}
	if err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			return p.reject(ctx, logger, held, rej.kind, rej.err)
		}
		return Result{}, err
	}

	env, err := p.deps.Machine.Create(ctx, ref.Container, ref.Key, in)
	if err != nil {
		return Result{}, err
	}
	return p.advance(ctx, logger, held, env, contents)
}

// decode downloads, verifies, extracts, parses and validates the archive.
// Problems with the archive itself come back as *rejection.
func (p *Processor) decode(ctx context.Context, ref storage.Ref) (extract.Contents, *envelope.InputEnvelope, error) {
	contents, err := p.open(ctx, ref)
	if err != nil {
		return extract.Contents{}, nil, err
	}
	in, err := envelope.ParseMetadata(contents.Metadata)
	if err != nil {
		return extract.Contents{}, nil, rejectAs(envelope.EventMetadataFailure, err)
	}
	if err := envelope.Validate(in, ref.Key, p.rule(ref.Container), contents.FileNames()); err != nil {
		return extract.Contents{}, nil, rejectAs(envelope.EventFileValidationFailure, err)
	}
	return contents, in, nil
}

func (p *Processor) open(ctx context.Context, ref storage.Ref) (extract.Contents, error) {
	raw, _, err := storage.ReadAll(ctx, p.deps.Backend, ref.Container, ref.Key, p.maxZip)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return extract.Contents{}, rejectAs(envelope.EventFileValidationFailure, err)
		}
		return extract.Contents{}, fmt.Errorf("pipeline: download: %w", err)
	}
	inner, err := p.verify(raw, ref.Key, ref.Container)
	if err != nil {
		if errors.Is(err, zipverify.ErrSignatureMismatch) {
			return extract.Contents{}, rejectAs(envelope.EventDocSignatureFailure, err)
		}
		return extract.Contents{}, rejectAs(envelope.EventFileValidationFailure, err)
	}
	contents, err := p.extractor.Extract(inner)
	if err != nil {
		return extract.Contents{}, rejectAs(envelope.EventFileValidationFailure, err)
	}
	return contents, nil
}

// readmit handles a blob whose (container, zip) pair already has an
// envelope: unfinished stages resume, anything else only loses its leftover
// archive.
func (p *Processor) readmit(ctx context.Context, logger pslog.Logger, held lease.Lease, env *envelope.Envelope) (Result, error) {
	res := Result{EnvelopeID: env.ID}
	switch {
	case env.Status == envelope.StatusCreated && p.deps.Uploader == nil:
		res.Outcome, res.Reason = OutcomeSkipped, "awaiting upload"
		return res, nil
	case env.Status == envelope.StatusUploadFailure:
		res.Outcome, res.Reason = OutcomeSkipped, "awaiting failed-upload sweep"
		return res, nil
	case env.Status == envelope.StatusCreated:
		logger.Info("intake.envelope.resume", "envelope_id", env.ID, "status", string(env.Status))
		contents, err := p.open(ctx, held.Ref)
		if err != nil {
			return res, fmt.Errorf("pipeline: reopen archive of envelope %s: %w", env.ID, err)
		}
		return p.advance(ctx, logger, held, env, contents)
	case env.Status == envelope.StatusUploaded:
		logger.Info("intake.envelope.resume", "envelope_id", env.ID, "status", string(env.Status))
		return p.advance(ctx, logger, held, env, extract.Contents{})
	}
	logger.Info("intake.blob.already_admitted", "envelope_id", env.ID, "status", string(env.Status))
	if err := p.deleteArchive(ctx, held, env); err != nil {
		return res, err
	}
	res.Outcome = OutcomeDuplicate
	return res, nil
}

// advance runs the post-admission stages from the envelope's current status.
func (p *Processor) advance(ctx context.Context, logger pslog.Logger, held lease.Lease, env *envelope.Envelope, contents extract.Contents) (Result, error) {
	res := Result{EnvelopeID: env.ID}
	if p.deps.Uploader == nil {
		res.Outcome = OutcomeProcessed
		return res, nil
	}
	if env.Status == envelope.StatusCreated {
		urls, err := p.deps.Uploader.Upload(ctx, env.ID, contents.PDFs)
		if err != nil {
			if _, rerr := p.deps.Machine.RecordUploadFailure(ctx, env.ID, err.Error()); rerr != nil {
				logger.Error("intake.upload.record_failed", "envelope_id", env.ID, "error", rerr)
			}
			return res, err
		}
		env, err = p.deps.Machine.Advance(ctx, env.ID, envelope.EventDocUploaded, "", func(e *envelope.Envelope) error {
			for i := range e.ScannableItems {
				if u, ok := urls[e.ScannableItems[i].FileName]; ok {
					e.ScannableItems[i].DocumentURL = u
				}
			}
			return nil
		})
		if err != nil {
			return res, err
		}
	}
	if env.Status == envelope.StatusUploaded && p.deps.Publisher != nil {
		if err := p.deps.Publisher.Publish(ctx, env); err != nil {
			return res, err
		}
		var err error
		env, err = p.deps.Machine.Advance(ctx, env.ID, envelope.EventNotificationSent, "", nil)
		if err != nil {
			return res, err
		}
	}
	if err := p.deleteArchive(ctx, held, env); err != nil {
		return res, err
	}
	logger.Info("intake.envelope.processed", "envelope_id", env.ID, "status", string(env.Status))
	res.Outcome = OutcomeProcessed
	return res, nil
}

func (p *Processor) deleteArchive(ctx context.Context, held lease.Lease, env *envelope.Envelope) error {
	err := p.deps.Backend.DeleteObject(ctx, held.Ref.Container, held.Ref.Key, storage.DeleteObjectOptions{LeaseID: held.ID, IgnoreNotFound: true})
	if err != nil {
		return fmt.Errorf("pipeline: delete archive: %w", err)
	}
	if env.ZipDeleted {
		return nil
	}
	if err := p.deps.Machine.MarkZipDeleted(ctx, env.ID); err != nil {
		return err
	}
	env.ZipDeleted = true
	return nil
}

// reject records kind, quarantines the archive and records FILE_REJECTED
// once the move succeeded. A move that does not complete leaves the archive
// in place for the next poll.
func (p *Processor) reject(ctx context.Context, logger pslog.Logger, held lease.Lease, kind envelope.EventKind, cause error) (Result, error) {
	ref := held.Ref
	res := Result{Outcome: OutcomeRejected, Reason: cause.Error()}
	logger.Warn("intake.blob.rejected", "event", string(kind), "error", cause)
	if err := p.deps.Machine.RecordFailure(ctx, ref.Container, ref.Key, kind, cause.Error()); err != nil {
		return Result{}, err
	}
	out, err := p.deps.Mover.Move(ctx, ref, held.ID)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: quarantine: %w", err)
	}
	if !out.Moved {
		logger.Warn("intake.quarantine.incomplete", "copy_state", string(out.CopyState), "description", out.Description)
		res.Outcome = OutcomeFailed
		return res, nil
	}
	if err := p.deps.Machine.RecordEvent(ctx, ref.Container, ref.Key, envelope.EventFileRejected, cause.Error()); err != nil {
		return Result{}, err
	}
	return res, nil
}

// deferRetry leaves the archive in place with a pushed-out retry schedule,
// or rejects it once retries are exhausted.
func (p *Processor) deferRetry(ctx context.Context, logger pslog.Logger, held lease.Lease, cause error) (Result, error) {
	ok, err := p.deps.Retries.SetRetryDelayIfPossible(ctx, held.Ref, held.ID)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: schedule retry: %w", err)
	}
	if !ok {
		return p.reject(ctx, logger, held, envelope.EventFileValidationFailure, fmt.Errorf("retries exhausted: %w", cause))
	}
	if err := p.deps.Machine.RecordEvent(ctx, held.Ref.Container, held.Ref.Key, envelope.EventRetryScheduled, cause.Error()); err != nil {
		return Result{}, err
	}
	if err := p.deps.Leases.ClearWatermark(ctx, held); err != nil {
		logger.Warn("intake.retry.clear_watermark_failed", "error", err)
	}
	logger.Info("intake.retry.scheduled", "reason", cause.Error())
	return Result{Outcome: OutcomeDeferred, Reason: cause.Error()}, nil
}
