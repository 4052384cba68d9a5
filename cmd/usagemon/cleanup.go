package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantumspring/usagemon/internal/persistence"
)

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete data older than the configured retention horizons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			storage, err := persistence.OpenStorage(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer storage.Close()

			result, err := storage.CleanupOldData(ctx, persistence.RetentionConfig{
				RawDays:    a.cfg.Retention.RawDays,
				HourlyDays: a.cfg.Retention.HourlyDays,
				DailyDays:  a.cfg.Retention.DailyDays,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d raw events, %d hourly rows, %d daily rows\n",
				result.RawDeleted, result.HourlyDeleted, result.DailyDeleted)
			return nil
		},
	}
}
