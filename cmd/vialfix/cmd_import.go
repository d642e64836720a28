package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/vialfix/config"
	"github.com/warp/vialfix/engine"
	"github.com/warp/vialfix/scenario"
)

// =============================================================================
// IMPORT COMMAND
// =============================================================================

func newImportCmd() *cobra.Command {
	var (
		scenarioID string
		reset      bool
		list       bool
	)
	cmd := &cobra.Command{
		Use:   "import [FILE]",
		Short: "Load items into the local sqlite table",
		Long: `Loads a DynamoDB JSON export (an array of items, or the output of
"aws dynamodb scan") or a built-in scenario into the sqlite file given by
--db, so a run can be rehearsed with --backend sqlite.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list {
				for _, s := range scenario.List() {
					fmt.Fprintf(out, "%-14s %s\n", s.ID, s.Description)
				}
				return nil
			}
			if (len(args) == 1) == (scenarioID != "") {
				return aborted(errors.New("give either FILE or --scenario"))
			}

			ctx, stop := signalContext()
			defer stop()

			b, err := openLocal(ctx)
			if err != nil {
				return aborted(err)
			}
			defer b.Close()

			if reset {
				if err := b.Local.Reset(ctx); err != nil {
					return aborted(err)
				}
			}

			if scenarioID != "" {
				s, err := scenario.Load(ctx, b.Local, scenarioID, cfg.Schema)
				if err != nil {
					return aborted(err)
				}
				fmt.Fprintf(out, "Loaded scenario %s into %s (policy preset: %s)\n", s.ID, cfg.SQLite.Path, s.Policy)
				return nil
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return aborted(err)
			}
			items, err := engine.DecodeItems(data)
			if err != nil {
				return aborted(fmt.Errorf("decode %s: %w", args[0], err))
			}
			if err := b.Local.PutAll(ctx, items); err != nil {
				return aborted(err)
			}
			fmt.Fprintf(out, "Imported %d items into %s\n", len(items), cfg.SQLite.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&scenarioID, "scenario", "", "built-in dataset to load")
	cmd.Flags().BoolVar(&reset, "reset", false, "delete existing items first")
	cmd.Flags().BoolVar(&list, "list", false, "list built-in scenarios")
	return cmd
}

// openLocal opens only the sqlite file, whatever the backend.
func openLocal(ctx context.Context) (*backend, error) {
	local := *cfg
	local.Backend = config.BackendSQLite
	return openBackend(ctx, &local)
}
