package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nv-mldev/email-agent/internal/pipeline"
)

// ErrNotRedrivable is returned for records whose status has no re-drive
// edge, such as completed ones.
var ErrNotRedrivable = errors.New("record cannot be re-driven")

// Redriver is the operator tool that resets a stuck or failed record to a
// stage entry status and republishes its job.
type Redriver struct {
	store        RecordStore
	bus          Bus
	parseQueue   string
	analyzeQueue string
	logger       *slog.Logger
}

func NewRedriver(store RecordStore, b Bus, parseQueue, analyzeQueue string) *Redriver {
	if parseQueue == "" {
		parseQueue = "email.parse"
	}
	if analyzeQueue == "" {
		analyzeQueue = "email.analyze"
	}
	return &Redriver{store: store, bus: b, parseQueue: parseQueue, analyzeQueue: analyzeQueue, logger: slog.Default()}
}

// Redrive resets record id and publishes a job for the stage it re-enters.
func (r *Redriver) Redrive(ctx context.Context, id int64) (pipeline.Record, error) {
	var from pipeline.Status
	rec, err := r.store.Update(ctx, id, func(rec *pipeline.Record) error {
		target, ok := pipeline.RedriveTarget(rec.Status)
		if !ok {
			return fmt.Errorf("%w: record %d is %s", ErrNotRedrivable, id, rec.Status)
		}
		from = rec.Status
		rec.Status = target
		rec.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return pipeline.Record{}, err
	}

	queue := r.parseQueue
	if rec.Status == pipeline.StatusParsed {
		queue = r.analyzeQueue
	}
	if err := r.bus.Publish(ctx, queue, pipeline.JobFor(rec)); err != nil {
		return rec, fmt.Errorf("publishing job for record %d: %w", id, err)
	}
	r.logger.Info("record re-driven", "record_id", id, "from", from, "to", rec.Status, "queue", queue)

	if err := r.bus.Notify(ctx, pipeline.NewRecordEvent(pipeline.EventEmailRedriven, rec)); err != nil {
		r.logger.Warn("notify failed", "record_id", id, "error", err)
	}
	return rec, nil
}
