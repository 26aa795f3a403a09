package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nv-mldev/email-agent/internal/blob"
	"github.com/nv-mldev/email-agent/internal/bus"
	"github.com/nv-mldev/email-agent/internal/layout"
	"github.com/nv-mldev/email-agent/internal/mailbox"
	"github.com/nv-mldev/email-agent/internal/pipeline"
	"github.com/nv-mldev/email-agent/internal/storage"
)

const (
	parseQueue   = "email.parse"
	analyzeQueue = "email.analyze"
)

type mockGateway struct {
	bodyFn     func(ctx context.Context, id string) (string, error)
	metadataFn func(ctx context.Context, id string) ([]mailbox.AttachmentMeta, error)
	contentFn  func(ctx context.Context, id, attID string) ([]byte, error)
}

func (m *mockGateway) ListUnread(context.Context, string, int) ([]mailbox.Message, error) {
	return nil, nil
}

func (m *mockGateway) FetchBody(ctx context.Context, id string) (string, error) {
	if m.bodyFn == nil {
		return "Please find the shipment documents attached.", nil
	}
	return m.bodyFn(ctx, id)
}

func (m *mockGateway) FetchAttachmentMetadata(ctx context.Context, id string) ([]mailbox.AttachmentMeta, error) {
	if m.metadataFn == nil {
		return nil, nil
	}
	return m.metadataFn(ctx, id)
}

func (m *mockGateway) FetchAttachmentContent(ctx context.Context, id, attID string) ([]byte, error) {
	if m.contentFn == nil {
		return []byte("%PDF-" + attID), nil
	}
	return m.contentFn(ctx, id, attID)
}

func (m *mockGateway) MarkRead(context.Context, string) error { return nil }

// memBlobs is an in-memory blob store whose URLs are mem://<path>.
type memBlobs struct {
	mu    sync.Mutex
	data  map[string][]byte
	putFn func(path string) error
}

func newMemBlobs() *memBlobs { return &memBlobs{data: make(map[string][]byte)} }

func (b *memBlobs) Put(_ context.Context, path string, data []byte) (string, error) {
	if b.putFn != nil {
		if err := b.putFn(path); err != nil {
			return "", err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[path] = data
	return path, nil
}

func (b *memBlobs) ReadURL(_ context.Context, path string, _ time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[path]; !ok {
		return "", fmt.Errorf("%s: %w", path, blob.ErrNotFound)
	}
	return "mem://" + path, nil
}

type mockLayout struct {
	analyzeFn func(ctx context.Context, url string) (*layout.Document, error)
}

func (m *mockLayout) AnalyzeDocument(ctx context.Context, url string) (*layout.Document, error) {
	return m.analyzeFn(ctx, url)
}

type mockLanguage struct {
	summarizeFn func(ctx context.Context, text string) (string, error)
	extractFn   func(ctx context.Context, text string, hints []string) (string, bool, error)
}

func (m *mockLanguage) Summarize(ctx context.Context, text string) (string, error) {
	if m.summarizeFn == nil {
		return "Shipper sent invoice and packing list.", nil
	}
	return m.summarizeFn(ctx, text)
}

func (m *mockLanguage) ExtractIdentifier(ctx context.Context, text string, hints []string) (string, bool, error) {
	if m.extractFn == nil {
		return "PO-4411", true, nil
	}
	return m.extractFn(ctx, text, hints)
}

// flakyBus wraps the SQL bus and can refuse publishes.
type flakyBus struct {
	*bus.SQL
	failPublish bool
}

func (b *flakyBus) Publish(ctx context.Context, queue string, job pipeline.Job) error {
	if b.failPublish {
		return errors.New("broker unreachable")
	}
	return b.SQL.Publish(ctx, queue, job)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(t *testing.T, store *storage.Store, imid string) pipeline.Record {
	t.Helper()
	rec, created, err := store.CreateIfAbsent(context.Background(), pipeline.Record{
		InternetMessageID: imid,
		MailboxMessageID:  "mbx-" + imid,
		Sender:            "shipper@example.com",
		Subject:           "Docs for PO 4411",
		Role:              pipeline.RoleTo,
	})
	if err != nil || !created {
		t.Fatalf("CreateIfAbsent(%q): created=%v err=%v", imid, created, err)
	}
	return rec
}

// advance walks rec along the given statuses.
func advance(t *testing.T, store *storage.Store, id int64, statuses ...pipeline.Status) pipeline.Record {
	t.Helper()
	var rec pipeline.Record
	for _, s := range statuses {
		var err error
		rec, err = store.Update(context.Background(), id, func(r *pipeline.Record) error {
			r.Status = s
			return nil
		})
		if err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
	return rec
}

func getRecord(t *testing.T, store *storage.Store, id int64) pipeline.Record {
	t.Helper()
	rec, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return rec
}

func queueJobs(t *testing.T, store *storage.Store, queue string) []pipeline.Job {
	t.Helper()
	js, err := store.ListJobs(context.Background(), queue, "")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	out := make([]pipeline.Job, 0, len(js))
	for _, j := range js {
		job, err := pipeline.DecodeJob([]byte(j.Payload))
		if err != nil {
			t.Fatalf("DecodeJob: %v", err)
		}
		out = append(out, job)
	}
	return out
}

func eventTypes(t *testing.T, store *storage.Store) []string {
	t.Helper()
	evs, err := store.EventsAfter(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func titled(title string) layout.Page {
	return layout.Page{Lines: []layout.Line{
		{Text: title, Bold: true},
		{Text: "Line item 1: 20 cartons"},
		{Text: "Total weight 500 kg"},
		{Text: "Shipped via road"},
	}}
}

func untitled() layout.Page {
	return layout.Page{Lines: []layout.Line{
		{Text: "Line item 4: 12 cartons"},
		{Text: "Net weight 220 kg"},
		{Text: "Page continues"},
		{Text: "Signature"},
	}}
}
