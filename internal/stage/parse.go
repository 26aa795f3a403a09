package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nv-mldev/email-agent/internal/blob"
	"github.com/nv-mldev/email-agent/internal/mailbox"
	"github.com/nv-mldev/email-agent/internal/pipeline"
)

// ParseConfig configures the Parse stage.
type ParseConfig struct {
	Queue        string
	AnalyzeQueue string
	Attachments  AttachmentPolicy
}

// ParseWorker fetches an email's body and attachments, stores the
// attachments and hands the record to the Analyze stage.
type ParseWorker struct {
	runner
	gateway mailbox.Gateway
	blobs   blob.Store
	cfg     ParseConfig
}

func NewParseWorker(store RecordStore, b Bus, gateway mailbox.Gateway, blobs blob.Store, cfg ParseConfig) *ParseWorker {
	if cfg.Queue == "" {
		cfg.Queue = "email.parse"
	}
	if cfg.AnalyzeQueue == "" {
		cfg.AnalyzeQueue = "email.analyze"
	}
	if cfg.Attachments == nil {
		cfg.Attachments = DefaultAttachmentPolicy()
	}
	return &ParseWorker{
		runner: runner{
			name:       "parse",
			claimTo:    pipeline.StatusParsing,
			failStatus: pipeline.StatusFailedParsing,
			store:      store,
			bus:        b,
			logger:     slog.Default(),
		},
		gateway: gateway,
		blobs:   blobs,
		cfg:     cfg,
	}
}

// Run consumes the parse queue until ctx is cancelled.
func (w *ParseWorker) Run(ctx context.Context) error {
	w.logger.Info("parse worker started", "queue", w.cfg.Queue)
	return w.bus.Consume(ctx, w.cfg.Queue, w.Handle)
}

// Handle processes one parse job.
func (w *ParseWorker) Handle(ctx context.Context, job pipeline.Job) error {
	return w.handle(ctx, job, func(ctx context.Context, rec pipeline.Record) error {
		return w.parse(ctx, job, rec)
	})
}

func (w *ParseWorker) parse(ctx context.Context, job pipeline.Job, rec pipeline.Record) error {
	msgID := job.MailboxMessageID
	if msgID == "" {
		msgID = rec.MailboxMessageID
	}

	body, err := w.gateway.FetchBody(ctx, msgID)
	if err != nil {
		return fmt.Errorf("fetching body: %w", err)
	}
	metas, err := w.gateway.FetchAttachmentMetadata(ctx, msgID)
	if err != nil {
		return fmt.Errorf("fetching attachment metadata: %w", err)
	}

	var atts []pipeline.Attachment
	used := make(map[string]bool)
	for i, meta := range metas {
		if !w.cfg.Attachments.Allowed(meta.Filename, meta.ContentType) {
			w.logger.Info("skipping attachment", "record_id", rec.ID, "filename", meta.Filename, "content_type", meta.ContentType)
			continue
		}
		att := pipeline.Attachment{
			OriginalFilename: meta.Filename,
			ContentType:      meta.ContentType,
			Size:             meta.Size,
		}

		data, err := w.gateway.FetchAttachmentContent(ctx, msgID, meta.ID)
		if err != nil {
			w.logger.Warn("fetching attachment failed", "record_id", rec.ID, "filename", meta.Filename, "error", err)
			att.Error = fmt.Sprintf("fetching attachment: %v", err)
			atts = append(atts, att)
			continue
		}
		att.Size = int64(len(data))

		path := blob.AttachmentPath(rec.Sender, rec.InternetMessageID, meta.Filename)
		if used[path] {
			path = blob.AttachmentPath(rec.Sender, rec.InternetMessageID, strconv.Itoa(i+1)+"_"+meta.Filename)
		}
		stored, err := w.blobs.Put(ctx, path, data)
		if err != nil {
			w.logger.Warn("storing attachment failed", "record_id", rec.ID, "path", path, "error", err)
			att.Error = fmt.Sprintf("storing attachment: %v", err)
			atts = append(atts, att)
			continue
		}
		used[path] = true
		att.StoragePath = stored
		atts = append(atts, att)
	}

	parsed, err := w.store.Update(ctx, rec.ID, func(r *pipeline.Record) error {
		r.Body = body
		r.Attachments = atts
		r.ErrorMessage = ""
		r.Status = pipeline.StatusParsed
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving parse result: %w", err)
	}
	w.logger.Info("email parsed", "record_id", rec.ID, "attachments", len(atts))

	if err := w.publish(ctx, w.cfg.AnalyzeQueue, parsed); err != nil {
		return err
	}
	w.notify(ctx, pipeline.EventEmailParsed, parsed)
	return nil
}
