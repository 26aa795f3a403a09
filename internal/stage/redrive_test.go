package stage

import (
	"context"
	"errors"
	"testing"

	"github.com/nv-mldev/email-agent/internal/bus"
	"github.com/nv-mldev/email-agent/internal/pipeline"
)

func TestRedrive(t *testing.T) {
	tests := []struct {
		name       string
		path       []pipeline.Status
		wantStatus pipeline.Status
		wantQueue  string
	}{
		{"failed parsing", []pipeline.Status{pipeline.StatusParsing, pipeline.StatusFailedParsing}, pipeline.StatusReceived, parseQueue},
		{"stuck parsing", []pipeline.Status{pipeline.StatusParsing}, pipeline.StatusReceived, parseQueue},
		{"stuck received", nil, pipeline.StatusReceived, parseQueue},
		{"failed analysis", []pipeline.Status{pipeline.StatusParsing, pipeline.StatusParsed, pipeline.StatusAnalyzing, pipeline.StatusFailedAnalysis}, pipeline.StatusParsed, analyzeQueue},
		{"stuck analyzing", []pipeline.Status{pipeline.StatusParsing, pipeline.StatusParsed, pipeline.StatusAnalyzing}, pipeline.StatusParsed, analyzeQueue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := openTestStore(t)
			rec := newRecord(t, store, "<r@x>")
			advance(t, store, rec.ID, tt.path...)
			if _, err := store.Update(context.Background(), rec.ID, func(r *pipeline.Record) error {
				r.ErrorMessage = "boom"
				return nil
			}); err != nil {
				t.Fatal(err)
			}

			r := NewRedriver(store, bus.NewSQL(store, 0), "", "")
			got, err := r.Redrive(context.Background(), rec.ID)
			if err != nil {
				t.Fatalf("Redrive: %v", err)
			}
			if got.Status != tt.wantStatus || got.ErrorMessage != "" {
				t.Errorf("record = %s %q, want %s with no error", got.Status, got.ErrorMessage, tt.wantStatus)
			}
			jobs := queueJobs(t, store, tt.wantQueue)
			if len(jobs) != 1 || jobs[0].RecordID != rec.ID {
				t.Errorf("%s jobs = %+v", tt.wantQueue, jobs)
			}
			if evs := eventTypes(t, store); !contains(evs, pipeline.EventEmailRedriven) {
				t.Errorf("events = %v", evs)
			}
		})
	}
}

func TestRedrive_RejectsFinishedRecords(t *testing.T) {
	store := openTestStore(t)
	rec := newRecord(t, store, "<done@x>")
	advance(t, store, rec.ID, pipeline.StatusParsing, pipeline.StatusParsed, pipeline.StatusAnalyzing, pipeline.StatusComplete)

	_, err := NewRedriver(store, bus.NewSQL(store, 0), "", "").Redrive(context.Background(), rec.ID)
	if !errors.Is(err, ErrNotRedrivable) {
		t.Fatalf("err = %v, want ErrNotRedrivable", err)
	}
	if jobs := queueJobs(t, store, parseQueue); len(jobs) != 0 {
		t.Errorf("unexpected jobs %+v", jobs)
	}
}

func TestRedrive_PublishFailure(t *testing.T) {
	store := openTestStore(t)
	rec := newRecord(t, store, "<pf@x>")
	advance(t, store, rec.ID, pipeline.StatusParsing, pipeline.StatusFailedParsing)

	b := &flakyBus{SQL: bus.NewSQL(store, 0), failPublish: true}
	if _, err := NewRedriver(store, b, "", "").Redrive(context.Background(), rec.ID); err == nil {
		t.Fatal("expected publish error")
	}
	// The reset stands; a second re-drive is allowed once the broker is back.
	b.failPublish = false
	if _, err := NewRedriver(store, b, "", "").Redrive(context.Background(), rec.ID); err != nil {
		t.Fatalf("second Redrive: %v", err)
	}
	if jobs := queueJobs(t, store, parseQueue); len(jobs) != 1 {
		t.Errorf("jobs = %+v", jobs)
	}
}
