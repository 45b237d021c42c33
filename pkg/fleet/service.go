// Package fleet is the invocation boundary for fan-out operations: it loads a
// fresh target snapshot, applies the operation guard, runs the executor and
// records the audit entry.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/stores"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Executor runs one operation across a selection.
type Executor interface {
	Execute(ctx context.Context, op *engine.Operation, selection engine.SelectionSet, targets []engine.Target) (*engine.FanOutResult, error)
}

// Recorder persists the audit entry for a fan-out result.
type Recorder interface {
	Record(ctx context.Context, result *engine.FanOutResult, user string) *stores.AuditLogEntry
}

// Guard decides whether an operation may run against the selected targets.
type Guard interface {
	Check(ctx context.Context, op *engine.Operation, targets []engine.Target, user string) error
}

// Service executes operations against the registered fleet.
type Service struct {
	store    stores.TargetStore
	factory  engine.ClientFactory
	executor Executor
	recorder Recorder
	guard    Guard

	maxParallel int
	logger      zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithGuard checks every operation before it is dispatched.
func WithGuard(g Guard) Option {
	return func(s *Service) { s.guard = g }
}

// WithMaxParallel bounds concurrent targets during lookups.
func WithMaxParallel(n int) Option {
	return func(s *Service) { s.maxParallel = n }
}

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a fleet service.
func NewService(store stores.TargetStore, factory engine.ClientFactory, executor Executor, recorder Recorder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		factory:  factory,
		executor: executor,
		recorder: recorder,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "fleet").Logger()
	return s
}

// Execute runs op against the targets named by ids and records one audit
// entry. Precondition failures (empty selection, malformed operation, guard
// denial) return an error and record nothing.
func (s *Service) Execute(ctx context.Context, op *engine.Operation, ids []string, user string) (*engine.FanOutResult, error) {
	selection := engine.NewSelectionSet(ids...)
	if len(selection) == 0 {
		return nil, engine.ErrEmptySelection
	}
	if op == nil {
		return nil, engine.NewPermanentError("operation is nil", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}

	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}

	if s.guard != nil {
		if err := s.guard.Check(ctx, op, selected(selection, targets), user); err != nil {
			s.logger.Warn().Err(err).
				Str("operation", op.String()).
				Str("user", user).
				Msg("Operation rejected by guard")
			return nil, err
		}
	}

	result, err := s.executor.Execute(ctx, op, selection, targets)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, result, user)
	return result, nil
}

// DefaultSelection returns the IDs of every enabled target.
func (s *Service) DefaultSelection(ctx context.Context) (engine.SelectionSet, error) {
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.Enabled {
			ids = append(ids, t.ID)
		}
	}
	return engine.NewSelectionSet(ids...), nil
}

// selected returns the known targets in selection order.
func selected(selection engine.SelectionSet, targets []engine.Target) []engine.Target {
	byID := make(map[string]engine.Target, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}
	out := make([]engine.Target, 0, len(selection))
	for _, id := range selection {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// LookupEntry reports one object on one target.
type LookupEntry struct {
	Name    string   `json:"name"`
	Found   bool     `json:"found"`
	Members []string `json:"members,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// TargetLookup holds every lookup entry for one target.
type TargetLookup struct {
	TargetID   string        `json:"target_id"`
	TargetName string        `json:"target_name"`
	Entries    []LookupEntry `json:"entries"`
	Error      string        `json:"error,omitempty"`
}

// LookupResult is the presence matrix of names across targets.
type LookupResult struct {
	Kind     engine.ResourceKind `json:"kind"`
	Names    []string            `json:"names"`
	Targets  []TargetLookup      `json:"targets"`
	Duration time.Duration       `json:"duration"`
}

// Lookup reports which of names exist on each selected target. Group lookups
// include the member list. It makes no changes and records no audit entry.
func (s *Service) Lookup(ctx context.Context, kind engine.ResourceKind, names []string, ids []string) (*LookupResult, error) {
	if err := kind.Validate(); err != nil {
		return nil, engine.NewPermanentError(err.Error(), nil).WithCode(engine.ErrCodeValidation)
	}
	if len(names) == 0 {
		return nil, engine.NewPermanentError("at least one name is required", nil).WithCode(engine.ErrCodeValidation)
	}
	selection := engine.NewSelectionSet(ids...)
	if len(selection) == 0 {
		return nil, engine.ErrEmptySelection
	}

	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}
	byID := make(map[string]*engine.Target, len(targets))
	for i := range targets {
		byID[targets[i].ID] = &targets[i]
	}

	start := time.Now()
	result := &LookupResult{
		Kind:    kind,
		Names:   names,
		Targets: make([]TargetLookup, len(selection)),
	}

	var g errgroup.Group
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for i, id := range selection {
		i, id := i, id
		g.Go(func() error {
			result.Targets[i] = s.lookupTarget(ctx, kind, names, id, byID[id])
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	return result, nil
}

func (s *Service) lookupTarget(ctx context.Context, kind engine.ResourceKind, names []string, id string, target *engine.Target) TargetLookup {
	tl := TargetLookup{TargetID: id}
	if target == nil {
		tl.Error = "target not found"
		return tl
	}
	tl.TargetName = target.Name

	client, err := s.factory.ClientFor(target)
	if err != nil {
		tl.Error = err.Error()
		return tl
	}

	tl.Entries = make([]LookupEntry, len(names))
	for i, name := range names {
		entry := LookupEntry{Name: name}
		obj, err := client.Get(ctx, kind, name)
		switch {
		case err == nil:
			entry.Found = true
			if g, ok := obj.(*engine.AddressGroup); ok {
				entry.Members = g.Members
			}
		case engine.IsNotFound(err):
		default:
			entry.Error = err.Error()
		}
		tl.Entries[i] = entry
	}
	return tl
}
