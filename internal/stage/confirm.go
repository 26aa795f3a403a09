package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nv-mldev/email-agent/internal/pipeline"
)

// ErrNotPending is returned when confirming a record that is not awaiting
// confirmation.
var ErrNotPending = errors.New("record is not pending confirmation")

// Confirmation is a reviewer's sign-off on an analysed email.
type Confirmation struct {
	ProjectName string `json:"project_name"`
	// ProjectID overrides the extracted business id when set.
	ProjectID    string `json:"project_id"`
	IsNewEnquiry *bool  `json:"is_new_enquiry"`
}

// Confirmer applies human confirmations.
type Confirmer struct {
	store  RecordStore
	bus    Bus
	now    func() time.Time
	logger *slog.Logger
}

func NewConfirmer(store RecordStore, b Bus) *Confirmer {
	return &Confirmer{store: store, bus: b, now: time.Now, logger: slog.Default()}
}

// Confirm completes a PENDING_CONFIRMATION record with the reviewer's input.
func (c *Confirmer) Confirm(ctx context.Context, id int64, in Confirmation) (pipeline.Record, error) {
	rec, err := c.store.Update(ctx, id, func(r *pipeline.Record) error {
		if r.Status != pipeline.StatusPendingConfirmation {
			return fmt.Errorf("%w: record %d is %s", ErrNotPending, id, r.Status)
		}
		r.ProjectName = strings.TrimSpace(in.ProjectName)
		if pid := strings.TrimSpace(in.ProjectID); pid != "" {
			r.BusinessID = pid
		}
		r.IsNewEnquiry = in.IsNewEnquiry
		now := c.now().UTC()
		r.ConfirmedAt = &now
		r.Status = pipeline.StatusComplete
		return nil
	})
	if err != nil {
		return pipeline.Record{}, err
	}
	c.logger.Info("email confirmed", "record_id", id, "business_id", rec.BusinessID)

	if err := c.bus.Notify(ctx, pipeline.NewRecordEvent(pipeline.EventEmailConfirmed, rec)); err != nil {
		c.logger.Warn("notify failed", "record_id", id, "error", err)
	}
	return rec, nil
}
