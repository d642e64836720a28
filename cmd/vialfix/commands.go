package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/warp/vialfix/config"
	"github.com/warp/vialfix/logger"
)

// Exit codes.
const (
	ExitSuccess  = 0 // Completed, nothing failed
	ExitFailures = 1 // Completed with failed writes
	ExitAborted  = 2 // Stopped before applying anything
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func aborted(err error) error { return &exitError{code: ExitAborted, err: err} }

// --- Global state, set by PersistentPreRunE ---
var (
	configFile string
	cfg        *config.Config
	log        zerolog.Logger
)

// flagKeys maps persistent flag names to config keys.
var flagKeys = map[string]string{
	"table":              "table",
	"backend":            "backend",
	"output":             "output",
	"region":             "aws.region",
	"profile":            "aws.profile",
	"endpoint":           "aws.endpoint",
	"db":                 "sqlite.path",
	"policy":             "policy.file",
	"preset":             "policy.preset",
	"derive-policy":      "policy.derive",
	"conditional":        "run.conditional",
	"preserve-overrides": "run.preserve_overrides",
	"page-size":          "run.page_size",
	"log-level":          "log.level",
	"log-format":         "log.format",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vialfix",
		Short: "Reconcile injection to vial associations in the record table",
		Long: `vialfix recomputes which vial every injection was drawn from, using a
boundary table of vial start dates, and corrects the stored associations.
Shots on dry-stock vials, unassigned shots and shots on legacy vial ids
are moved to the vial the policy names.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default ./vialfix.yaml)")
	pf.String("table", "", "DynamoDB table name (default reta-data)")
	pf.String("backend", "", "record store: dynamo or sqlite (default dynamo)")
	pf.StringP("output", "o", "", "report format: text or json")
	pf.String("region", "", "AWS region (default eu-west-1)")
	pf.String("profile", "", "AWS profile (default reta-admin)")
	pf.String("endpoint", "", "DynamoDB endpoint override, e.g. http://localhost:8000")
	pf.String("db", "", "sqlite file for the local table and the run audit (default vialfix.db)")
	pf.String("policy", "", "policy file (YAML or JSON)")
	pf.String("preset", "", "built-in policy preset (default incident-2025)")
	pf.Bool("derive-policy", false, "derive the boundary table from vial reconstitution dates")
	pf.Bool("conditional", false, "only write if the association is unchanged since the scan")
	pf.Bool("preserve-overrides", false, "keep manual assignments that fall inside the assigned vial's own window")
	pf.Int("page-size", 0, "items per scan page (0 = store default)")
	pf.String("log-level", "", "trace, debug, info, warn, error")
	pf.String("log-format", "", "console or json")

	root.AddCommand(
		newRunCmd(),
		newPlanCmd(),
		newServeCmd(),
		newImportCmd(),
		newRunsCmd(),
		newPolicyCmd(),
	)
	return root
}

// setup loads configuration (flags > env > file > defaults) and the logger.
func setup(cmd *cobra.Command) error {
	v, err := config.New(configFile)
	if err != nil {
		return aborted(err)
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return aborted(err)
	}

	loaded, err := config.Load(v)
	if err != nil {
		return aborted(err)
	}
	cfg = loaded

	log = logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log.Debug().
		Str("backend", cfg.Backend).
		Str("table", cfg.TableName()).
		Str("config", v.ConfigFileUsed()).
		Msg("configuration loaded")
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func execute() int {
	err := newRootCmd().Execute()
	if err != nil {
		if msg := errorMessage(err); msg != "" {
			fmt.Fprintln(os.Stderr, "Error:", msg)
		}
	}
	return exitCode(err)
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitAborted
}

func errorMessage(err error) string {
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err == nil {
			return ""
		}
		return ee.err.Error()
	}
	return err.Error()
}
