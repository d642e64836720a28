package main

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/warp/vialfix/engine"
	"github.com/warp/vialfix/report"
)

// =============================================================================
// RUN / PLAN COMMANDS
// =============================================================================

func newRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan, report and correct vial associations",
		Long: `Scans every vial and injection, prints the current distribution, the
changes needed and the expected distribution, then writes the corrections.
With --dry-run nothing is written.

Exit codes: 0 completed, 1 completed with failed writes, 2 aborted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.OutOrStdout(), dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report only, do not write")
	return cmd
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Report what run would change (run --dry-run)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.OutOrStdout(), true)
		},
	}
}

// runReconcile is the CLI handler for "vialfix run" and "vialfix plan".
//
// # Exit Codes
//
//   - 0: Run completed with no failed writes, or dry run
//   - 1: Run completed, at least one write failed or was interrupted
//   - 2: Aborted before any write
func runReconcile(out io.Writer, dryRun bool) error {
	ctx, stop := signalContext()
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return aborted(err)
	}
	defer b.Close()

	policy, err := loadPolicy(ctx, cfg, b.Records)
	if err != nil {
		return aborted(err)
	}
	rec := newReconciler(cfg, b, policy)

	var (
		obs  engine.Observer
		text *report.Text
	)
	if cfg.Output == "text" {
		text = report.NewText(out, dryRun)
		rec.Executor.OnOutcome = text.Outcome
		obs = text
	}

	rep, runErr := rec.Run(ctx, dryRun, obs)

	if text == nil {
		if err := report.WriteJSON(out, report.NewDocument(rep, runErr)); err != nil {
			log.Error().Err(err).Msg("failed to write report")
		}
	} else if runErr != nil {
		text.Aborted(runErr)
	}

	if runErr != nil {
		return &exitError{code: ExitAborted}
	}
	log.Info().Msg(report.Summary(rep.Run))
	if rep.Run.Status == engine.RunCompletedWithFailures {
		return &exitError{code: ExitFailures}
	}
	return nil
}
