package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nv-mldev/email-agent/internal/blob"
	"github.com/nv-mldev/email-agent/internal/layout"
	"github.com/nv-mldev/email-agent/internal/pipeline"
)

// Segmenter labels the pages of one analysed file.
type Segmenter interface {
	Segment(pages []layout.Page) []pipeline.IdentifiedDocument
}

// AnalyzeConfig configures the Analyze stage.
type AnalyzeConfig struct {
	Queue string
	// URLTTL is the lifetime of the read URL handed to the layout provider.
	URLTTL time.Duration
	// ArchiveCC sends records on which the mailbox was only copied straight
	// to ARCHIVED_CC.
	ArchiveCC bool
}

// AnalyzeWorker segments stored attachments and summarises the email.
type AnalyzeWorker struct {
	runner
	blobs      blob.Store
	layout     layout.Provider
	segmenter  Segmenter
	summarizer *Summarizer
	cfg        AnalyzeConfig
}

func NewAnalyzeWorker(store RecordStore, b Bus, blobs blob.Store, lp layout.Provider, seg Segmenter, sum *Summarizer, cfg AnalyzeConfig) *AnalyzeWorker {
	if cfg.Queue == "" {
		cfg.Queue = "email.analyze"
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 15 * time.Minute
	}
	return &AnalyzeWorker{
		runner: runner{
			name:       "analyze",
			claimTo:    pipeline.StatusAnalyzing,
			failStatus: pipeline.StatusFailedAnalysis,
			store:      store,
			bus:        b,
			logger:     slog.Default(),
		},
		blobs:      blobs,
		layout:     lp,
		segmenter:  seg,
		summarizer: sum,
		cfg:        cfg,
	}
}

// Run consumes the analyze queue until ctx is cancelled.
func (w *AnalyzeWorker) Run(ctx context.Context) error {
	w.logger.Info("analyze worker started", "queue", w.cfg.Queue)
	return w.bus.Consume(ctx, w.cfg.Queue, w.Handle)
}

// Handle processes one analyze job.
func (w *AnalyzeWorker) Handle(ctx context.Context, job pipeline.Job) error {
	return w.handle(ctx, job, w.analyze)
}

func (w *AnalyzeWorker) analyze(ctx context.Context, rec pipeline.Record) error {
	if w.cfg.ArchiveCC && rec.Role == pipeline.RoleCC {
		archived, err := w.store.Update(ctx, rec.ID, func(r *pipeline.Record) error {
			r.Status = pipeline.StatusArchivedCC
			return nil
		})
		if err != nil {
			return fmt.Errorf("archiving cc record: %w", err)
		}
		w.logger.Info("cc email archived", "record_id", rec.ID)
		w.notify(ctx, pipeline.EventAnalysisComplete, archived)
		return nil
	}

	atts := make([]pipeline.Attachment, len(rec.Attachments))
	copy(atts, rec.Attachments)
	identified := false
	for i := range atts {
		if atts[i].StoragePath == "" {
			continue
		}
		atts[i].IdentifiedDocuments = w.segmentAttachment(ctx, rec.ID, atts[i])
		if hasIdentified(atts[i].IdentifiedDocuments) {
			identified = true
		}
	}

	// A language provider failure degrades the result; the record is kept.
	summary, businessID, err := w.summarizer.Summarize(ctx, rec)
	summaryErr := ""
	if err != nil {
		w.logger.Warn("summarizing failed", "record_id", rec.ID, "error", err)
		summaryErr = err.Error()
	}

	status := pipeline.StatusComplete
	if identified {
		status = pipeline.StatusPendingConfirmation
	}
	done, err := w.store.Update(ctx, rec.ID, func(r *pipeline.Record) error {
		r.Attachments = atts
		r.Summary = summary
		r.SummaryError = summaryErr
		if businessID != "" {
			r.BusinessID = businessID
		}
		r.ErrorMessage = ""
		r.Status = status
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving analysis result: %w", err)
	}
	w.logger.Info("analysis complete", "record_id", rec.ID, "status", done.Status)
	w.notify(ctx, pipeline.EventAnalysisComplete, done)
	return nil
}

// segmentAttachment never fails: problems with one file are recorded as a
// failed_analysis entry on that file.
func (w *AnalyzeWorker) segmentAttachment(ctx context.Context, recordID int64, att pipeline.Attachment) []pipeline.IdentifiedDocument {
	log := w.logger.With("record_id", recordID, "path", att.StoragePath)

	u, err := w.blobs.ReadURL(ctx, att.StoragePath, w.cfg.URLTTL)
	if err != nil {
		log.Warn("read url failed", "error", err)
		return []pipeline.IdentifiedDocument{pipeline.FailedAnalysis(fmt.Errorf("read url: %w", err))}
	}
	doc, err := w.layout.AnalyzeDocument(ctx, u)
	if err != nil {
		log.Warn("layout analysis failed", "content_error", layout.IsContentError(err), "error", err)
		return []pipeline.IdentifiedDocument{pipeline.FailedAnalysis(err)}
	}
	docs := w.segmenter.Segment(doc.Pages)
	log.Debug("attachment segmented", "pages", len(doc.Pages), "documents", len(docs))
	return docs
}

// hasIdentified reports whether docs holds a real document. A lone
// failed_analysis entry leaves nothing for a reviewer to confirm.
func hasIdentified(docs []pipeline.IdentifiedDocument) bool {
	for _, d := range docs {
		if d.DocType != pipeline.DocFailedAnalysis {
			return true
		}
	}
	return false
}
