package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nv-mldev/email-agent/internal/bus"
	"github.com/nv-mldev/email-agent/internal/pipeline"
)

func pendingRecord(t *testing.T, imid string) (*Confirmer, pipeline.Record, func(int64) pipeline.Record) {
	t.Helper()
	store := openTestStore(t)
	rec := newRecord(t, store, imid)
	advance(t, store, rec.ID, pipeline.StatusParsing, pipeline.StatusParsed, pipeline.StatusAnalyzing)
	rec, err := store.Update(context.Background(), rec.ID, func(r *pipeline.Record) error {
		r.BusinessID = "PO-4411"
		r.Status = pipeline.StatusPendingConfirmation
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	c := NewConfirmer(store, bus.NewSQL(store, 0))
	c.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return c, rec, func(id int64) pipeline.Record { return getRecord(t, store, id) }
}

func TestConfirm(t *testing.T) {
	c, rec, get := pendingRecord(t, "<c1@x>")
	yes := true

	got, err := c.Confirm(context.Background(), rec.ID, Confirmation{
		ProjectName:  "  Harbour Expansion ",
		IsNewEnquiry: &yes,
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.Status != pipeline.StatusComplete {
		t.Errorf("status = %s, want COMPLETE", got.Status)
	}
	stored := get(rec.ID)
	if stored.ProjectName != "Harbour Expansion" || stored.BusinessID != "PO-4411" {
		t.Errorf("project = %q business id = %q", stored.ProjectName, stored.BusinessID)
	}
	if stored.IsNewEnquiry == nil || !*stored.IsNewEnquiry {
		t.Errorf("is_new_enquiry = %v", stored.IsNewEnquiry)
	}
	if stored.ConfirmedAt == nil || !stored.ConfirmedAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("confirmed_at = %v", stored.ConfirmedAt)
	}
}

func TestConfirm_ProjectIDOverridesBusinessID(t *testing.T) {
	c, rec, get := pendingRecord(t, "<c2@x>")
	if _, err := c.Confirm(context.Background(), rec.ID, Confirmation{ProjectID: "PRJ-9"}); err != nil {
		t.Fatal(err)
	}
	if got := get(rec.ID); got.BusinessID != "PRJ-9" {
		t.Errorf("business id = %q, want PRJ-9", got.BusinessID)
	}
}

func TestConfirm_RequiresPending(t *testing.T) {
	c, rec, _ := pendingRecord(t, "<c3@x>")
	if _, err := c.Confirm(context.Background(), rec.ID, Confirmation{}); err != nil {
		t.Fatal(err)
	}
	_, err := c.Confirm(context.Background(), rec.ID, Confirmation{})
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("second confirm err = %v, want ErrNotPending", err)
	}
}
