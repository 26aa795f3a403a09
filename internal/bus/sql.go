package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nv-mldev/email-agent/internal/pipeline"
	"github.com/nv-mldev/email-agent/internal/storage"
)

// JobStore is the part of the record store backing the SQL bus.
type JobStore interface {
	EnqueueJob(ctx context.Context, queue, payload string) (string, error)
	ClaimNextJob(ctx context.Context, queue string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	AppendEvent(ctx context.Context, typ, payload string) (int64, error)
	LatestEventID(ctx context.Context) (int64, error)
	EventsAfter(ctx context.Context, after int64, limit int) ([]storage.StoredEvent, error)
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQL is a Bus over the jobs and events tables of the record store. It lets
// the pipeline run without a broker; separate processes sharing the database
// see each other's jobs and events.
type SQL struct {
	store    JobStore
	poll     time.Duration
	eventTTL time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewSQL creates a SQL bus. If pollInterval is <= 0, it defaults to 500ms.
func NewSQL(store JobStore, pollInterval time.Duration) *SQL {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &SQL{
		store:    store,
		poll:     pollInterval,
		eventTTL: time.Hour,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
}

func (b *SQL) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *SQL) Publish(ctx context.Context, queue string, job pipeline.Job) error {
	if b.isClosed() {
		return ErrClosed
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if _, err := b.store.EnqueueJob(ctx, queue, string(payload)); err != nil {
		return err
	}
	return nil
}

// Consume polls queue until ctx is cancelled or the bus is closed.
func (b *SQL) Consume(ctx context.Context, queue string, h Handler) error {
	for {
		if ctx.Err() != nil || b.isClosed() {
			return nil
		}

		handled, err := b.ConsumeOnce(ctx, queue, h)
		if err != nil {
			b.logger.Error("queue poll failed", "queue", queue, "error", err)
		}
		if handled {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case <-time.After(b.poll):
		}
	}
}

// ConsumeOnce claims and handles at most one job. It reports whether a job
// was found.
func (b *SQL) ConsumeOnce(ctx context.Context, queue string, h Handler) (bool, error) {
	j, err := b.store.ClaimNextJob(ctx, queue)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if j == nil {
		return false, nil
	}

	// The claimed job finishes even if shutdown starts meanwhile.
	jobCtx := context.WithoutCancel(ctx)

	job, err := pipeline.DecodeJob([]byte(j.Payload))
	if err != nil {
		b.logger.Warn("dropping malformed job", "queue", queue, "job_id", j.ID, "error", err)
		return true, b.store.FailJob(jobCtx, j.ID, err.Error())
	}

	if herr := h(jobCtx, job); herr != nil {
		if err := b.store.FailJob(jobCtx, j.ID, herr.Error()); err != nil {
			return true, fmt.Errorf("failing job %s: %w", j.ID, err)
		}
		return true, nil
	}
	if err := b.store.CompleteJob(jobCtx, j.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", j.ID, err)
	}
	return true, nil
}

func (b *SQL) Notify(ctx context.Context, ev pipeline.Event) error {
	if b.isClosed() {
		return ErrClosed
	}
	_, err := b.store.AppendEvent(ctx, ev.Type, string(ev.Payload))
	return err
}

// Subscribe follows the events table from its current end.
func (b *SQL) Subscribe(ctx context.Context) (<-chan pipeline.Event, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	cursor, err := b.store.LatestEventID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading event cursor: %w", err)
	}

	ch := make(chan pipeline.Event, subscriberBuffer)
	go func() {
		defer close(ch)
		lastPrune := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-time.After(b.poll):
			}

			evs, err := b.store.EventsAfter(ctx, cursor, 100)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("reading events failed", "error", err)
				}
				continue
			}
			for _, e := range evs {
				cursor = e.ID
				select {
				case ch <- pipeline.Event{Type: e.Type, Payload: json.RawMessage(e.Payload)}:
				default:
				}
			}

			if time.Since(lastPrune) > time.Minute {
				lastPrune = time.Now()
				if _, err := b.store.PruneEvents(ctx, time.Now().Add(-b.eventTTL)); err != nil && ctx.Err() == nil {
					b.logger.Warn("pruning events failed", "error", err)
				}
			}
		}
	}()
	return ch, nil
}

func (b *SQL) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
