// Package stage holds the queue-driven pipeline stages and the operator
// actions that move records between them.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/nv-mldev/email-agent/internal/bus"
	"github.com/nv-mldev/email-agent/internal/pipeline"
	"github.com/nv-mldev/email-agent/internal/storage"
)

// RecordStore is the part of the record store the stages use. Each method is
// one transaction.
type RecordStore interface {
	Get(ctx context.Context, id int64) (pipeline.Record, error)
	Claim(ctx context.Context, id int64, to pipeline.Status) (pipeline.Record, error)
	Update(ctx context.Context, id int64, fn func(*pipeline.Record) error) (pipeline.Record, error)
	Fail(ctx context.Context, id int64, status pipeline.Status, msg string) (pipeline.Record, error)
}

// Bus is the part of the message bus the stages use.
type Bus interface {
	Publish(ctx context.Context, queue string, job pipeline.Job) error
	Notify(ctx context.Context, ev pipeline.Event) error
	Consume(ctx context.Context, queue string, h bus.Handler) error
}

// publishError marks a failure to hand a job to the next stage after the
// record was already committed. The record keeps its new status.
type publishError struct {
	err error
}

func (e *publishError) Error() string { return "publishing next job: " + e.err.Error() }
func (e *publishError) Unwrap() error { return e.err }

// runner carries the claim, fail and notify plumbing shared by the stages.
type runner struct {
	name       string
	claimTo    pipeline.Status
	failStatus pipeline.Status
	store      RecordStore
	bus        Bus
	logger     *slog.Logger
}

// handle claims the job's record and runs process on it. Duplicate
// deliveries are acknowledged without side effects. Any other failure,
// panics included, marks the record failed and negatively acknowledges the
// job.
func (r *runner) handle(ctx context.Context, job pipeline.Job, process func(context.Context, pipeline.Record) error) (err error) {
	log := r.logger.With("stage", r.name, "record_id", job.RecordID)

	rec, err := r.store.Claim(ctx, job.RecordID, r.claimTo)
	switch {
	case errors.Is(err, storage.ErrStatusConflict):
		log.Info("skipping job for record not awaiting this stage", "error", err)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		log.Error("job references missing record")
		return fmt.Errorf("record %d: %w", job.RecordID, err)
	case err != nil:
		log.Error("claiming record failed", "error", err)
		return fmt.Errorf("claiming record %d: %w", job.RecordID, err)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("stage panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
			r.fail(ctx, rec, err)
		}
	}()

	if err := process(ctx, rec); err != nil {
		var pe *publishError
		if errors.As(err, &pe) {
			log.Error("next job not published; record needs re-drive", "error", err)
			return err
		}
		log.Warn("stage failed", "error", err)
		r.fail(ctx, rec, err)
		return err
	}
	return nil
}

func (r *runner) fail(ctx context.Context, rec pipeline.Record, cause error) {
	failed, err := r.store.Fail(ctx, rec.ID, r.failStatus, cause.Error())
	if err != nil {
		r.logger.Error("recording failure failed", "stage", r.name, "record_id", rec.ID, "error", err)
		return
	}
	r.notify(ctx, pipeline.EventProcessingFailed, failed)
}

func (r *runner) notify(ctx context.Context, typ string, rec pipeline.Record) {
	if err := r.bus.Notify(ctx, pipeline.NewRecordEvent(typ, rec)); err != nil {
		r.logger.Warn("notify failed", "event", typ, "record_id", rec.ID, "error", err)
	}
}

func (r *runner) publish(ctx context.Context, queue string, rec pipeline.Record) error {
	if err := r.bus.Publish(ctx, queue, pipeline.JobFor(rec)); err != nil {
		return &publishError{err: err}
	}
	return nil
}
