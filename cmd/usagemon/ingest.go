package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantumspring/usagemon/internal/persistence"
	"github.com/quantumspring/usagemon/internal/usage"
)

func newIngestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file]",
		Short: "Record NDJSON diagnostic events from a file or stdin",
		Long: `Reads newline-delimited diagnostic events and records the model usage
events among them. Other event kinds and malformed lines are skipped.
Reads stdin when no file is given or the file is "-".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "-"
			if len(args) == 1 {
				source = args[0]
			}
			return a.ingest(cmd, source)
		},
	}
}

func (a *app) ingest(cmd *cobra.Command, source string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	manager := usage.NewManager()
	svc, err := persistence.Initialize(ctx, a.cfg, manager)
	if err != nil {
		return err
	}

	r, closeFn, err := openEvents(source)
	if err != nil {
		_ = svc.Shutdown(ctx)
		return err
	}
	defer closeFn()

	stats, readErr := usage.ReadEvents(ctx, r, manager)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return err
	}
	written := svc.Plugin().Stats()

	fmt.Fprintf(cmd.OutOrStdout(), "read %d events (%d skipped), stored %d, failed %d\n",
		stats.Published, stats.Skipped, written.Written, written.Failed)
	return readErr
}
