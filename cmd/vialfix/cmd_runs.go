package main

import (
	"github.com/spf13/cobra"
	"github.com/warp/vialfix/report"
)

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			b, err := openLocal(ctx)
			if err != nil {
				return aborted(err)
			}
			defer b.Close()

			runs, err := b.Runs.ListRuns(ctx, limit)
			if err != nil {
				return aborted(err)
			}
			out := cmd.OutOrStdout()
			if cfg.Output == "json" {
				return report.WriteJSON(out, runs)
			}
			report.NewText(out, false).Runs(runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 = all)")
	return cmd
}
