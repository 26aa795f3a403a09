package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nv-mldev/email-agent/internal/blob"
	"github.com/nv-mldev/email-agent/internal/bus"
	"github.com/nv-mldev/email-agent/internal/config"
	"github.com/nv-mldev/email-agent/internal/ingest"
	"github.com/nv-mldev/email-agent/internal/layout"
	"github.com/nv-mldev/email-agent/internal/llm"
	"github.com/nv-mldev/email-agent/internal/mailbox"
	"github.com/nv-mldev/email-agent/internal/segment"
	"github.com/nv-mldev/email-agent/internal/stage"
	"github.com/nv-mldev/email-agent/internal/storage"
)

// services holds the process-wide handles. Everything it opens is closed by
// Close in reverse order.
type services struct {
	cfg   config.Config
	store *storage.Store
	bus   bus.Bus

	gateway mailbox.Gateway
	blobs   blob.Store
	fsBlobs *blob.FS

	closers []func() error
}

// openServices connects the record store and the message bus. Both must be
// reachable for any long-running command to start.
func openServices(cfg config.Config) (*services, error) {
	if err := cfg.Require(config.PartBus); err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	s := &services{cfg: cfg, store: store}
	s.closers = append(s.closers, store.Close)

	switch cfg.Bus.Driver {
	case "amqp":
		b, err := bus.DialAMQP(cfg.Bus.URL, cfg.Bus.NotifyExchange)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connecting to broker: %w", err)
		}
		s.bus = b
	default:
		s.bus = bus.NewSQL(store, 0)
	}
	s.closers = append(s.closers, s.bus.Close)
	slog.Info("services ready", "store", store.Dialect(), "bus", cfg.Bus.Driver)
	return s, nil
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && !errors.Is(err, bus.ErrClosed) {
			slog.Warn("close failed", "error", err)
		}
	}
	s.closers = nil
}

func (s *services) mailboxGateway(ctx context.Context) (mailbox.Gateway, error) {
	if s.gateway != nil {
		return s.gateway, nil
	}
	c := s.cfg.Mailbox
	if err := s.cfg.Require(config.PartMailbox); err != nil {
		return nil, err
	}
	switch c.Provider {
	case "graph":
		s.gateway = mailbox.NewGraph(ctx, mailbox.GraphConfig{
			TenantID:     c.TenantID,
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Mailbox:      c.Address,
		})
	case "gmail":
		g, err := mailbox.NewGmail(ctx, mailbox.GmailConfig{
			CredentialsFile: c.CredentialsFile,
			TokenFile:       c.TokenFile,
			Mailbox:         c.Address,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to gmail: %w", err)
		}
		s.gateway = g
	default:
		s.gateway = mailbox.NewIMAP(mailbox.IMAPConfig{
			Host:     c.Host,
			Port:     c.Port,
			Username: c.Username,
			Password: c.Password,
			TLS:      c.TLS,
		})
	}
	return s.gateway, nil
}

func (s *services) blobStore(ctx context.Context) (blob.Store, error) {
	if s.blobs != nil {
		return s.blobs, nil
	}
	c := s.cfg.Blob
	if err := s.cfg.Require(config.PartBlob); err != nil {
		return nil, err
	}
	switch c.Driver {
	case "azure":
		az, err := blob.NewAzure(c.ConnectionString, c.Container)
		if err != nil {
			return nil, fmt.Errorf("connecting to blob storage: %w", err)
		}
		if err := az.EnsureContainer(ctx); err != nil {
			return nil, fmt.Errorf("preparing blob container: %w", err)
		}
		s.blobs = az
	default:
		fs, err := blob.NewFS(c.Dir, c.BaseURL, []byte(c.SigningKey))
		if err != nil {
			return nil, fmt.Errorf("opening blob directory: %w", err)
		}
		s.blobs, s.fsBlobs = fs, fs
	}
	return s.blobs, nil
}

// blobHandler serves signed filesystem blob URLs; nil when blobs live
// elsewhere or URLs are file:// paths.
func (s *services) blobHandler(ctx context.Context) (http.Handler, error) {
	if _, err := s.blobStore(ctx); err != nil {
		return nil, err
	}
	if s.fsBlobs == nil || s.cfg.Blob.BaseURL == "" {
		return nil, nil
	}
	return s.fsBlobs.Handler(), nil
}

func (s *services) layoutProvider() (layout.Provider, error) {
	c := s.cfg.Layout
	if err := s.cfg.Require(config.PartLayout); err != nil {
		return nil, err
	}
	if c.Provider == "azure" {
		return layout.NewAzure(layout.AzureConfig{Endpoint: c.Endpoint, APIKey: c.APIKey, Model: c.Model}), nil
	}
	return layout.NewPDF(), nil
}

func (s *services) segmenter() (*segment.Engine, error) {
	c := s.cfg.Segment
	return segment.NewEngine(segment.Config{
		Strategy:          c.Strategy,
		TitleFraction:     c.TitleFraction,
		TitledConfidence:  c.TitledConfidence,
		UnknownConfidence: c.UnknownConfidence,
	})
}

func (s *services) poller(ctx context.Context) (*ingest.Poller, error) {
	gw, err := s.mailboxGateway(ctx)
	if err != nil {
		return nil, err
	}
	c := s.cfg.Ingest
	return ingest.NewPoller(s.store, s.bus, gw, ingest.Config{
		Mailbox:    s.cfg.Mailbox.Address,
		Filter:     c.Filter,
		PageSize:   c.PageSize,
		MarkRead:   c.MarkRead,
		Interval:   c.Interval,
		ParseQueue: s.cfg.Bus.ParseQueue,
	}), nil
}

func (s *services) parseWorker(ctx context.Context) (*stage.ParseWorker, error) {
	gw, err := s.mailboxGateway(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := s.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	return stage.NewParseWorker(s.store, s.bus, gw, blobs, stage.ParseConfig{
		Queue:        s.cfg.Bus.ParseQueue,
		AnalyzeQueue: s.cfg.Bus.AnalyzeQueue,
		Attachments:  stage.NewAttachmentPolicy(s.cfg.Parse.Extensions, s.cfg.Parse.ContentTypes),
	}), nil
}

func (s *services) analyzeWorker(ctx context.Context) (*stage.AnalyzeWorker, error) {
	blobs, err := s.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	lp, err := s.layoutProvider()
	if err != nil {
		return nil, err
	}
	seg, err := s.segmenter()
	if err != nil {
		return nil, err
	}
	lang := llm.NewClient(llm.Config{
		BaseURL:         s.cfg.LLM.BaseURL,
		APIKey:          s.cfg.LLM.APIKey,
		Model:           s.cfg.LLM.Model,
		AzureAPIVersion: s.cfg.LLM.AzureAPIVersion,
	})
	sum := stage.NewSummarizer(lang, s.cfg.Analyze.Summarize, s.cfg.Analyze.IdentifierHints)
	return stage.NewAnalyzeWorker(s.store, s.bus, blobs, lp, seg, sum, stage.AnalyzeConfig{
		Queue:     s.cfg.Bus.AnalyzeQueue,
		URLTTL:    s.cfg.Blob.URLTTL,
		ArchiveCC: s.cfg.Analyze.ArchiveCC,
	}), nil
}

func (s *services) redriver() *stage.Redriver {
	return stage.NewRedriver(s.store, s.bus, s.cfg.Bus.ParseQueue, s.cfg.Bus.AnalyzeQueue)
}
