package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/warp/vialfix/engine"
	"github.com/warp/vialfix/factory"
	"github.com/warp/vialfix/report"
)

// =============================================================================
// POLICY COMMANDS
// =============================================================================

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show, check or derive the boundary table",
	}
	cmd.AddCommand(newPolicyShowCmd(), newPolicyCheckCmd(), newPolicyDeriveCmd())
	return cmd
}

func newPolicyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the policy the next run would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			return printPolicy(cmd.OutOrStdout(), policy)
		},
	}
}

// newPolicyCheckCmd validates policy files.
//
// # Exit Codes
//
//   - 0: Every file is a valid policy
//   - 2: At least one file failed to parse or validate
func newPolicyCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE...",
		Short: "Validate policy files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			f := factory.NewPolicyFactory()
			failed := 0
			for _, path := range args {
				policy, err := f.LoadFile(path)
				if err != nil {
					fmt.Fprintf(out, "%s: FAIL %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(out, "%s: OK (version %q, %d vials, %d dry stock)\n",
					path, policy.Version, len(policy.Targets()), len(policy.DryStock))
			}
			if failed > 0 {
				return &exitError{code: ExitAborted}
			}
			return nil
		},
	}
}

func newPolicyDeriveCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive a boundary table from vial reconstitution dates",
		Long: `Scans the vial records and prints a policy file where each usable vial
starts an interval on its reconstitution (else order) date. Review and
save it, then pass it to run with --policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			b, err := openBackend(ctx, cfg)
			if err != nil {
				return aborted(err)
			}
			defer b.Close()

			items, err := b.Records.ScanByKind(ctx, engine.KindVial)
			if err != nil {
				return aborted(err)
			}
			policy, skipped, err := factory.NewPolicyFactory().DeriveFromItems(cfg.Schema, items, version)
			for _, s := range skipped {
				log.Warn().Err(s).Msg("vial skipped")
			}
			if err != nil {
				return aborted(err)
			}
			return printPolicy(cmd.OutOrStdout(), policy)
		},
	}
	cmd.Flags().StringVar(&version, "version", "derived", "version label of the derived policy")
	return cmd
}

func printPolicy(out io.Writer, policy engine.Policy) error {
	f := factory.NewPolicyFactory()
	if cfg.Output == "json" {
		return report.WriteJSON(out, f.ToFile(policy))
	}
	data, err := f.Marshal(policy)
	if err != nil {
		return aborted(err)
	}
	_, err = out.Write(data)
	return err
}
