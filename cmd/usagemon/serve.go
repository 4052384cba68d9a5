package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quantumspring/usagemon/internal/api"
	"github.com/quantumspring/usagemon/internal/config"
	"github.com/quantumspring/usagemon/internal/logging"
	"github.com/quantumspring/usagemon/internal/persistence"
	"github.com/quantumspring/usagemon/internal/usage"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	events      string
	openBrowser bool
}

func newServeCmd(a *app) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard server and record usage events",
		Long: `Starts the persistence service and the dashboard HTTP server.

Usage events published to the process (for example with --events) are buffered and
written to the store; retention cleanup runs once a day at cleanup-hour UTC.

Example:
  gateway --diagnostics | usagemon serve --events -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.events, "events", "", "read NDJSON diagnostic events from a file, or - for stdin")
	cmd.Flags().BoolVar(&opts.openBrowser, "open", false, "open the dashboard in a browser once listening")
	return cmd
}

func (a *app) serve(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := usage.DefaultManager()
	svc, err := persistence.Initialize(ctx, a.cfg, manager)
	if err != nil {
		return err
	}

	server := api.NewServer(a.cfg, svc.Storage(), version)
	if err := server.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = svc.Shutdown(shutdownCtx)
		return err
	}

	if opts.openBrowser {
		if err := open.Run(server.URL()); err != nil {
			log.WithError(err).Warn("Failed to open browser")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, a.configPath, func(cfg *config.Config) {
				svc.UpdateConfig(cfg)
				if err := logging.ConfigureLogOutput(cfg.Logging); err != nil {
					log.WithError(err).Warn("Failed to apply logging config")
				}
			})
		})
	}
	if opts.events != "" {
		g.Go(func() error {
			return followEvents(gctx, opts.events, manager)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to stop dashboard server")
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return runErr
}

// followEvents publishes events from source until it is exhausted or ctx is done.
// A blocked read on stdin cannot be interrupted, so the reader runs on its own goroutine.
func followEvents(ctx context.Context, source string, manager *usage.Manager) error {
	r, closeFn, err := openEvents(source)
	if err != nil {
		return err
	}

	type result struct {
		stats usage.StreamStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer closeFn()
		stats, err := usage.ReadEvents(ctx, r, manager)
		done <- result{stats, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil {
			return res.err
		}
		log.WithFields(log.Fields{
			"source":    source,
			"published": res.stats.Published,
			"skipped":   res.stats.Skipped,
		}).Info("Event stream finished")
		return nil
	case <-ctx.Done():
		return nil
	}
}

// openEvents opens an event source; "-" is stdin.
func openEvents(source string) (*os.File, func(), error) {
	if source == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open events %s: %w", source, err)
	}
	return f, func() { f.Close() }, nil
}
