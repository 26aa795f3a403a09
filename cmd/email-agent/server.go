package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nv-mldev/email-agent/internal/api"
	"github.com/nv-mldev/email-agent/internal/bus"
	"github.com/nv-mldev/email-agent/internal/config"
	"github.com/nv-mldev/email-agent/internal/stage"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and live event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(func(ctx context.Context, g *errgroup.Group, s *services) error {
			return startAPI(ctx, g, s)
		})
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll the mailbox and enqueue new emails for parsing",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		return runProcess(func(ctx context.Context, g *errgroup.Group, s *services) error {
			p, err := s.poller(ctx)
			if err != nil {
				return err
			}
			if once {
				n, err := p.PollOnce(ctx)
				if err != nil {
					return err
				}
				printSuccess("Ingested %d new email(s)", n)
				return nil
			}
			g.Go(func() error {
				p.Run(ctx)
				return nil
			})
			return nil
		})
	},
}

var workerCmd = &cobra.Command{
	Use:       "worker <parse|analyze>",
	Short:     "Run one pipeline stage worker",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"parse", "analyze"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(func(ctx context.Context, g *errgroup.Group, s *services) error {
			if args[0] == "parse" {
				return startParse(ctx, g, s)
			}
			return startAnalyze(ctx, g, s)
		})
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the poller, both stage workers and the API in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(func(ctx context.Context, g *errgroup.Group, s *services) error {
			p, err := s.poller(ctx)
			if err != nil {
				return err
			}
			g.Go(func() error {
				p.Run(ctx)
				return nil
			})
			if err := startParse(ctx, g, s); err != nil {
				return err
			}
			if err := startAnalyze(ctx, g, s); err != nil {
				return err
			}
			return startAPI(ctx, g, s)
		})
	},
}

func init() {
	pollCmd.Flags().Bool("once", false, "run a single cycle and exit")
}

// runProcess loads configuration, opens the shared services and runs the
// components start registers until SIGINT or SIGTERM, or until one of them
// fails.
func runProcess(start func(ctx context.Context, g *errgroup.Group, s *services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "email-agent version %s\n", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openServices(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	if err := start(gctx, g, s); err != nil {
		stop()
		g.Wait()
		return err
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startParse(ctx context.Context, g *errgroup.Group, s *services) error {
	w, err := s.parseWorker(ctx)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return ignoreShutdown(w.Run(ctx))
	})
	return nil
}

func startAnalyze(ctx context.Context, g *errgroup.Group, s *services) error {
	w, err := s.analyzeWorker(ctx)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return ignoreShutdown(w.Run(ctx))
	})
	return nil
}

// startAPI serves the HTTP API. The mailbox is optional here: without one,
// /api/fetch answers 503.
func startAPI(ctx context.Context, g *errgroup.Group, s *services) error {
	blobs, err := s.blobHandler(ctx)
	if err != nil {
		return err
	}

	var poller api.Poller
	p, err := s.poller(ctx)
	var missing *config.MissingError
	switch {
	case err == nil:
		poller = p
	case errors.As(err, &missing):
		slog.Warn("mailbox not configured, on-demand fetch disabled", "key", missing.Key)
	default:
		return err
	}

	if s.cfg.API.Token == "" {
		slog.Warn("api.token is empty, the API is unauthenticated")
	}

	hub := bus.NewHub()
	g.Go(func() error {
		hub.Relay(ctx, s.bus)
		return nil
	})

	srv := &http.Server{
		Addr: s.cfg.API.Addr,
		Handler: api.NewAppHandler(api.AppDeps{
			Store:     s.store,
			Poller:    poller,
			Redriver:  s.redriver(),
			Confirmer: stage.NewConfirmer(s.store, s.bus),
			Events:    hub,
			Blobs:     blobs,
			Token:     s.cfg.API.Token,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "email-agent listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

func ignoreShutdown(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
		return nil
	}
	return err
}
