package main

import (
	"context"
	"fmt"

	"github.com/warp/vialfix/config"
	"github.com/warp/vialfix/engine"
	"github.com/warp/vialfix/factory"
	"github.com/warp/vialfix/logger"
	"github.com/warp/vialfix/store/dynamo"
	"github.com/warp/vialfix/store/sqlite"
)

// backend is the opened record store plus the run audit. The audit always
// lives in the local sqlite file, also when records come from DynamoDB.
type backend struct {
	Records engine.RecordStore
	Runs    engine.RunStore
	Local   *sqlite.Store // the sqlite file; also the record store for the sqlite backend
}

func (b *backend) Close() error {
	if b.Local != nil {
		return b.Local.Close()
	}
	return nil
}

// openBackend opens the stores cfg selects.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	local, err := sqlite.New(cfg.SQLite.Path, cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.SQLite.Path, err)
	}
	if cfg.Run.PageSize > 0 {
		local.PageSize = cfg.Run.PageSize
	}
	b := &backend{Runs: local, Local: local}

	switch cfg.Backend {
	case config.BackendSQLite:
		b.Records = local
	case config.BackendDynamo:
		client, err := dynamo.NewClient(ctx, dynamo.ClientOptions{
			Region:   cfg.AWS.Region,
			Profile:  cfg.AWS.Profile,
			Endpoint: cfg.AWS.Endpoint,
		})
		if err != nil {
			local.Close()
			return nil, err
		}
		log.Info().
			Str("profile", cfg.AWS.Profile).
			Str("region", cfg.AWS.Region).
			Str("table", cfg.Table).
			Msg("connecting to DynamoDB")
		store := dynamo.New(client, cfg.Table, cfg.Schema, logger.Component(log, "dynamo"))
		store.PageLimit = int32(cfg.Run.PageSize)
		b.Records = store
	}
	return b, nil
}

// loadPolicy resolves the boundary table: file, derived, or preset.
func loadPolicy(ctx context.Context, cfg *config.Config, records engine.RecordStore) (engine.Policy, error) {
	f := factory.NewPolicyFactory()
	switch {
	case cfg.Policy.File != "":
		return f.LoadFile(cfg.Policy.File)
	case cfg.Policy.Derive:
		items, err := records.ScanByKind(ctx, engine.KindVial)
		if err != nil {
			return engine.Policy{}, fmt.Errorf("load vials: %w", err)
		}
		policy, skipped, err := f.DeriveFromItems(cfg.Schema, items, "derived")
		for _, s := range skipped {
			log.Warn().Err(s).Msg("vial skipped while deriving policy")
		}
		return policy, err
	default:
		return f.Preset(cfg.Policy.Preset)
	}
}

// newReconciler builds planner, executor and reconciler from cfg.
func newReconciler(cfg *config.Config, b *backend, policy engine.Policy) *engine.Reconciler {
	planner := engine.NewPlanner(b.Records, cfg.Schema, policy)
	planner.PreserveOverrides = cfg.Run.PreserveOverrides
	planner.Logger = logger.Component(log, "planner")

	executor := engine.NewExecutor(b.Records)
	executor.Conditional = cfg.Run.Conditional
	executor.Logger = logger.Component(log, "executor")

	rec := engine.NewReconciler(planner, executor, b.Runs, cfg.TableName())
	rec.Logger = logger.Component(log, "reconciler")
	return rec
}
