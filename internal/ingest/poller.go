// Package ingest turns unread mailbox messages into processing records and
// parse jobs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nv-mldev/email-agent/internal/mailbox"
	"github.com/nv-mldev/email-agent/internal/pipeline"
	"github.com/nv-mldev/email-agent/internal/storage"
)

// RecordStore is the part of the record store the poller needs.
type RecordStore interface {
	GetByMessageID(ctx context.Context, internetMessageID string) (pipeline.Record, error)
	CreateIfAbsent(ctx context.Context, rec pipeline.Record) (pipeline.Record, bool, error)
	DeleteIfStatus(ctx context.Context, id int64, status pipeline.Status) (bool, error)
}

// Publisher enqueues jobs and broadcasts events.
type Publisher interface {
	Publish(ctx context.Context, queue string, job pipeline.Job) error
	Notify(ctx context.Context, ev pipeline.Event) error
}

// Config controls one poller.
type Config struct {
	// Mailbox is the monitored address, used to derive the recipient role.
	Mailbox string
	// Filter is passed to the gateway in the provider's query language.
	Filter     string
	PageSize   int
	MarkRead   bool
	Interval   time.Duration
	ParseQueue string
}

// Poller runs ingestion cycles against one mailbox.
type Poller struct {
	store   RecordStore
	bus     Publisher
	gateway mailbox.Gateway
	cfg     Config
	logger  *slog.Logger
}

// NewPoller creates a Poller. Zero config values fall back to a 60s
// interval, pages of 50 and the email.parse queue.
func NewPoller(store RecordStore, bus Publisher, gateway mailbox.Gateway, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.ParseQueue == "" {
		cfg.ParseQueue = "email.parse"
	}
	return &Poller{
		store:   store,
		bus:     bus,
		gateway: gateway,
		cfg:     cfg,
		logger:  slog.Default(),
	}
}

// Run polls every interval until ctx is cancelled. The first cycle starts
// immediately.
func (p *Poller) Run(ctx context.Context) {
	for {
		n, err := p.PollOnce(ctx)
		if err != nil {
			p.logger.Error("poll cycle failed", "error", err)
		} else if n > 0 {
			p.logger.Info("poll cycle enqueued jobs", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.Interval):
		}
	}
}

// PollOnce runs one ingestion cycle and returns how many parse jobs it
// enqueued. A listing failure aborts the cycle; a failure on one message is
// logged and the cycle moves on.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.gateway.ListUnread(ctx, p.cfg.Filter, p.cfg.PageSize)
	if err != nil {
		return 0, fmt.Errorf("listing unread messages: %w", err)
	}
	p.logger.Debug("poll cycle", "unread", len(msgs))

	enqueued := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		created, err := p.ingest(ctx, msg)
		if err != nil {
			p.logger.Warn("ingesting message failed", "mailbox_message_id", msg.ID, "error", err)
			continue
		}
		if created {
			enqueued++
		}
	}
	return enqueued, nil
}

// messageKey is the dedup key for msg. Messages without an
// internetMessageId are keyed by their provider id.
func messageKey(msg mailbox.Message) string {
	if msg.InternetMessageID != "" {
		return msg.InternetMessageID
	}
	return "mailbox:" + msg.ID
}

func (p *Poller) ingest(ctx context.Context, msg mailbox.Message) (bool, error) {
	key := messageKey(msg)

	_, err := p.store.GetByMessageID(ctx, key)
	switch {
	case err == nil:
		p.logger.Info("duplicate email, skipping", "internet_message_id", key)
		p.markRead(ctx, msg.ID)
		return false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("checking for duplicate: %w", err)
	}

	rec, created, err := p.store.CreateIfAbsent(ctx, pipeline.Record{
		InternetMessageID: key,
		MailboxMessageID:  msg.ID,
		ConversationID:    msg.ConversationID,
		Sender:            msg.From,
		Subject:           msg.Subject,
		Role:              pipeline.RoleOf(p.cfg.Mailbox, msg.To, msg.Cc),
		ReceivedAt:        msg.ReceivedAt,
	})
	if err != nil {
		return false, fmt.Errorf("creating record: %w", err)
	}
	if !created {
		// Another cycle created it between the lookup and the insert.
		p.markRead(ctx, msg.ID)
		return false, nil
	}

	if err := p.bus.Publish(ctx, p.cfg.ParseQueue, pipeline.JobFor(rec)); err != nil {
		// Without a job the record would sit in RECEIVED forever; drop it so
		// the next cycle sees the message as new.
		if _, derr := p.store.DeleteIfStatus(context.WithoutCancel(ctx), rec.ID, pipeline.StatusReceived); derr != nil {
			p.logger.Error("removing unpublished record failed", "record_id", rec.ID, "error", derr)
		}
		return false, fmt.Errorf("publishing parse job: %w", err)
	}

	if err := p.bus.Notify(ctx, pipeline.NewRecordEvent(pipeline.EventEmailReceived, rec)); err != nil {
		p.logger.Warn("notify failed", "record_id", rec.ID, "error", err)
	}
	p.logger.Info("email received", "record_id", rec.ID, "internet_message_id", key, "role", rec.Role)
	p.markRead(ctx, msg.ID)
	return true, nil
}

func (p *Poller) markRead(ctx context.Context, id string) {
	if !p.cfg.MarkRead {
		return
	}
	if err := p.gateway.MarkRead(ctx, id); err != nil {
		p.logger.Warn("marking message read failed", "mailbox_message_id", id, "error", err)
	}
}
