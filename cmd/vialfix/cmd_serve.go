package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/vialfix/api"
	"github.com/warp/vialfix/config"
	"github.com/warp/vialfix/logger"
	"github.com/warp/vialfix/metrics"
)

// =============================================================================
// SERVE COMMAND
// =============================================================================

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reconciler over HTTP",
		Long: `Starts the report API. Plans are computed on request; POST /api/apply
runs the reconciler (dry run unless {"dry_run": false}).

On SIGINT/SIGTERM the server stops accepting connections and waits up to
30s for active requests, including a running apply, to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			return serve(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :8080)")
	return cmd
}

func serve(addr string) error {
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
	if err := policy.Validate(); err != nil {
		return aborted(err)
	}

	rec := newReconciler(cfg, b, policy)
	handler := api.NewHandler(rec, b.Runs, metrics.New(), logger.Component(log, "api"))
	handler.Lifetime = ctx
	if cfg.Backend == config.BackendSQLite {
		handler.Scenarios = b.Local
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.HTTP.AllowedOrigins}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("table", cfg.TableName()).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return aborted(err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return aborted(err)
	}
	log.Info().Msg("server stopped")
	return nil
}
