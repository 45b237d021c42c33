package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fortifleet/fortifleet/pkg/audit"
	"github.com/fortifleet/fortifleet/pkg/config"
	"github.com/fortifleet/fortifleet/pkg/device"
	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/fleet"
	"github.com/fortifleet/fortifleet/pkg/inventory"
	"github.com/fortifleet/fortifleet/pkg/naming"
	"github.com/fortifleet/fortifleet/pkg/policy"
	"github.com/fortifleet/fortifleet/pkg/stores"
	"github.com/fortifleet/fortifleet/pkg/telemetry"
	"github.com/rs/zerolog"
)

// app holds the components a command needs, built from the loaded config.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	guard   *policy.Engine
	service *fleet.Service
	syncer  *inventory.Syncer
	logger  zerolog.Logger
}

// openApp loads the config and wires the store, engine, and fleet service.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.NewComponentLogger("cli").Zerolog()}

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	a.store = store

	if err := a.wire(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	storeCfg := cfg.StoreConfig()
	if keyPath := cfg.KeyFilePath(); keyPath != "" {
		key, err := stores.LoadOrCreateKey(keyPath)
		if err != nil {
			return nil, err
		}
		sealer, err := stores.NewSealer(key)
		if err != nil {
			return nil, err
		}
		storeCfg.Sealer = sealer
	}

	if storeCfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(storeCfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	component := func(name string) zerolog.Logger {
		return a.tel.Logger.NewComponentLogger(name).Zerolog()
	}

	transform, err := naming.Load(cfg.Naming.Script, cfg.Naming.Timeout)
	if err != nil {
		return err
	}

	if cfg.Policy.Enabled {
		a.guard, err = policy.NewEngine(component("policy"))
		if err != nil {
			return err
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := a.guard.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return err
			}
		}
	}

	deviceOpts := append(cfg.DeviceOptions(),
		device.WithTelemetry(a.tel.Metrics, a.tel.Tracer),
		device.WithLogger(component("device")))
	factory := device.NewFactory(deviceOpts...)

	executor := engine.NewExecutor(factory, engine.NewResolver(transform, component("resolver")),
		engine.WithMaxParallel(cfg.Engine.MaxParallel),
		engine.WithTargetTimeout(cfg.Engine.TargetTimeout),
		engine.WithObserver(a.tel.Observer()),
		engine.WithLogger(component("executor")))

	recorder := audit.NewRecorder(a.store,
		audit.WithMetrics(a.tel.Metrics),
		audit.WithEvents(a.tel.Events),
		audit.WithLogger(component("audit")))

	opts := []fleet.Option{
		fleet.WithMaxParallel(cfg.Engine.MaxParallel),
		fleet.WithLogger(component("fleet")),
	}
	if a.guard != nil {
		opts = append(opts, fleet.WithGuard(a.guard))
	}
	a.service = fleet.NewService(a.store, factory, executor, recorder, opts...)

	a.syncer = inventory.NewSyncer(a.store,
		inventory.WithDefaultVDOM(cfg.Device.DefaultVDOM),
		inventory.WithMetrics(a.tel.Metrics),
		inventory.WithLogger(component("inventory")))
	if cfg.Inventory.Path != "" {
		seeded, err := a.syncer.Seed(ctx, cfg.Inventory.Path)
		if err != nil {
			return err
		}
		if seeded {
			a.logger.Info().Str("path", cfg.Inventory.Path).Msg("Seeded targets from inventory")
		}
	}
	return nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// resolveTargets maps target names or IDs to IDs. Unknown values are passed
// through so the executor reports them per target. all selects every enabled
// target.
func (a *app) resolveTargets(ctx context.Context, refs []string, all bool) ([]string, error) {
	if all {
		selection, err := a.service.DefaultSelection(ctx)
		if err != nil {
			return nil, err
		}
		return selection, nil
	}

	targets, err := a.store.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(targets))
	for _, t := range targets {
		byName[t.Name] = t.ID
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if id, ok := byName[ref]; ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, ref)
	}
	return ids, nil
}
