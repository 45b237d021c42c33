package inventory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/stores"
	"github.com/fortifleet/fortifleet/pkg/telemetry"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDelay = 500 * time.Millisecond

// Report summarizes one sync, by target name.
type Report struct {
	Added     []string `json:"added,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// Changed reports whether the sync modified the store.
func (r *Report) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Removed) > 0
}

// Syncer applies inventory files to a target store.
type Syncer struct {
	store       stores.TargetStore
	defaultVDOM string
	prune       bool
	metrics     *telemetry.Metrics
	logger      zerolog.Logger
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithDefaultVDOM sets the VDOM for entries that do not name one.
func WithDefaultVDOM(vdom string) Option {
	return func(s *Syncer) { s.defaultVDOM = vdom }
}

// WithPrune removes stored targets that are missing from the file.
func WithPrune(prune bool) Option {
	return func(s *Syncer) { s.prune = prune }
}

// WithMetrics reports the target count after each sync.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithLogger sets the syncer logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Syncer) { s.logger = logger }
}

// NewSyncer creates a syncer for store.
func NewSyncer(store stores.TargetStore, opts ...Option) *Syncer {
	s := &Syncer{store: store, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "inventory").Logger()
	return s
}

// Seed imports the inventory at path only when the store has no targets.
// It reports whether anything was imported.
func (s *Syncer) Seed(ctx context.Context, path string) (bool, error) {
	existing, err := s.store.ListTargets(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list targets: %w", err)
	}
	if len(existing) > 0 {
		s.logger.Debug().Int("targets", len(existing)).Msg("Store already has targets, skipping seed")
		return false, nil
	}

	f, err := LoadFile(path)
	if err != nil {
		return false, err
	}
	report, err := s.Sync(ctx, f)
	if err != nil {
		return false, err
	}
	return len(report.Added) > 0, nil
}

// SyncFile loads path and applies it.
func (s *Syncer) SyncFile(ctx context.Context, path string) (*Report, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return s.Sync(ctx, f)
}

// Sync applies f to the store. Entries are resolved before anything is
// written, so a bad entry leaves the store untouched.
func (s *Syncer) Sync(ctx context.Context, f *File) (*Report, error) {
	desired := make([]*engine.Target, len(f.Targets))
	for i := range f.Targets {
		t, err := f.Targets[i].Target(s.defaultVDOM)
		if err != nil {
			return nil, err
		}
		desired[i] = t
	}

	existing, err := s.store.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	byName := make(map[string]engine.Target, len(existing))
	for _, t := range existing {
		byName[t.Name] = t
	}

	report := &Report{}
	for _, want := range desired {
		have, ok := byName[want.Name]
		delete(byName, want.Name)

		if !ok {
			if err := s.store.AddTarget(ctx, want); err != nil {
				return report, fmt.Errorf("failed to add target %s: %w", want.Name, err)
			}
			report.Added = append(report.Added, want.Name)
			continue
		}

		patch, changed := diff(&have, want)
		if !changed {
			report.Unchanged = append(report.Unchanged, want.Name)
			continue
		}
		if _, err := s.store.UpdateTarget(ctx, have.ID, patch); err != nil {
			return report, fmt.Errorf("failed to update target %s: %w", want.Name, err)
		}
		report.Updated = append(report.Updated, want.Name)
	}

	if s.prune {
		stale := make([]string, 0, len(byName))
		for name := range byName {
			stale = append(stale, name)
		}
		sort.Strings(stale)
		for _, name := range stale {
			if err := s.store.DeleteTarget(ctx, byName[name].ID); err != nil {
				return report, fmt.Errorf("failed to remove target %s: %w", name, err)
			}
			report.Removed = append(report.Removed, name)
		}
	}

	if s.metrics != nil {
		if all, err := s.store.ListTargets(ctx); err == nil {
			s.metrics.SetTargetCount(len(all))
		}
	}

	s.logger.Info().
		Int("added", len(report.Added)).
		Int("updated", len(report.Updated)).
		Int("removed", len(report.Removed)).
		Int("unchanged", len(report.Unchanged)).
		Msg("Inventory synced")

	return report, nil
}

// diff returns the patch turning have into want.
func diff(have, want *engine.Target) (stores.TargetPatch, bool) {
	var patch stores.TargetPatch
	changed := false
	if have.Host != want.Host {
		patch.Host = &want.Host
		changed = true
	}
	if have.APIKey != want.APIKey {
		patch.APIKey = &want.APIKey
		changed = true
	}
	if have.VDOM != want.VDOM {
		patch.VDOM = &want.VDOM
		changed = true
	}
	if have.Enabled != want.Enabled {
		patch.Enabled = &want.Enabled
		changed = true
	}
	return patch, changed
}

// Watch syncs path whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled. onSync,
// if set, receives every sync result.
func (s *Syncer) Watch(ctx context.Context, path string, onSync func(*Report, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to resolve inventory path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch inventory directory: %w", err)
	}

	go s.processEvents(ctx, watcher, abs, onSync)

	s.logger.Info().Str("path", abs).Msg("Started watching inventory")
	return nil
}

func (s *Syncer) processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, onSync func(*Report, error)) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				report, err := s.SyncFile(ctx, path)
				if err != nil {
					s.logger.Error().Err(err).Str("path", path).Msg("Failed to sync inventory")
				}
				if onSync != nil {
					onSync(report, err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
