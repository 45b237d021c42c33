package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Executor runs one logical operation against every selected target concurrently.
// Targets are independent: a failure on one target never stops another, and
// every selected target yields exactly one outcome.
type Executor struct {
	// factory builds a device client per target snapshot
	factory ClientFactory

	// resolver expands the operation per target
	resolver PlanResolver

	// observer receives lifecycle callbacks
	observer Observer

	// maxParallel bounds concurrent targets; 0 means one goroutine per target
	maxParallel int

	// targetTimeout bounds a whole target chain; 0 relies on per-call timeouts
	targetTimeout time.Duration

	logger zerolog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxParallel bounds the number of targets processed at the same time.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithTargetTimeout bounds the total time spent on one target's chain.
func WithTargetTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.targetTimeout = d
		}
	}
}

// WithObserver registers an observer for logging, metrics and tracing.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates a new fan-out executor.
func NewExecutor(factory ClientFactory, resolver PlanResolver, opts ...ExecutorOption) *Executor {
	e := &Executor{
		factory:  factory,
		resolver: resolver,
		observer: noopObserver{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "executor").Logger()
	return e
}

// Execute runs op against every target in selection. targets is the snapshot
// used to resolve selected IDs; unknown IDs produce a failed outcome.
//
// Only an empty selection or a malformed operation returns an error, and in
// that case nothing is dispatched.
func (e *Executor) Execute(
	ctx context.Context,
	op *Operation,
	selection SelectionSet,
	targets []Target,
) (*FanOutResult, error) {
	selection = NewSelectionSet(selection...)
	if len(selection) == 0 {
		return nil, ErrEmptySelection
	}
	if op == nil {
		return nil, validationError("operation is nil")
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}

	byID := make(map[string]*Target, len(targets))
	for i := range targets {
		byID[targets[i].ID] = &targets[i]
	}

	result := &FanOutResult{
		ID:        uuid.New().String(),
		Operation: *op,
		Outcomes:  make([]TargetOutcome, len(selection)),
		Total:     len(selection),
		StartedAt: time.Now(),
	}

	ctx = e.observer.FanOutStarted(ctx, result.ID, op, len(selection))
	logger := e.logger.With().
		Str("fanout_id", result.ID).
		Str("operation", op.String()).
		Logger()
	logger.Info().Int("targets", len(selection)).Msg("Fan-out started")

	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for i, id := range selection {
		i, id := i, id
		g.Go(func() error {
			outcome := e.runTarget(ctx, op, id, byID[id])
			result.Outcomes[i] = outcome
			e.observer.TargetCompleted(ctx, result.ID, &outcome)

			event := logger.Info()
			if !outcome.Success {
				event = logger.Warn().Str("error", outcome.Error.Message)
			}
			event.Str("target_id", id).
				Str("target", outcome.DisplayName()).
				Bool("success", outcome.Success).
				Dur("duration", outcome.Duration).
				Msg("Target completed")
			return nil
		})
	}
	// Goroutines never return errors; failures are recorded as outcomes.
	_ = g.Wait()

	result.CompletedAt = time.Now()
	for _, o := range result.Outcomes {
		if o.Success {
			result.Succeeded++
		}
	}
	result.Status = DeriveStatus(result.Outcomes)

	logger.Info().
		Str("status", string(result.Status)).
		Int("succeeded", result.Succeeded).
		Int("total", result.Total).
		Dur("duration", result.Duration()).
		Msg("Fan-out completed")
	e.observer.FanOutCompleted(ctx, result)

	return result, nil
}

// runTarget resolves and runs one target's plan, stopping at the first failure.
func (e *Executor) runTarget(ctx context.Context, op *Operation, id string, target *Target) (outcome TargetOutcome) {
	start := time.Now()
	outcome = TargetOutcome{TargetID: id}
	defer func() {
		if r := recover(); r != nil {
			outcome.Success = false
			outcome.Error = outcomeError(
				NewPermanentError(fmt.Sprintf("internal error: %v", r), nil).WithCode(ErrCodeInternal), "")
		}
		outcome.Duration = time.Since(start)
	}()

	if target == nil {
		outcome.Error = &OutcomeError{Message: "target not found", Code: ErrCodeTargetNotFound}
		return outcome
	}
	outcome.TargetName = target.Name

	if e.targetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.targetTimeout)
		defer cancel()
	}

	client, err := e.factory.ClientFor(target)
	if err != nil {
		outcome.Error = outcomeError(err, "")
		return outcome
	}

	plan, err := e.resolver.Resolve(ctx, op, target, client)
	if err != nil {
		outcome.Error = outcomeError(err, "resolve")
		return outcome
	}
	outcome.Output = plan.Output

	for _, step := range plan.Steps {
		output, err := e.runStep(ctx, client, step)
		outcome.StepsRun++
		if err != nil {
			outcome.Error = outcomeError(err, step.String())
			return outcome
		}
		if output != "" {
			outcome.Output = output
		}
	}

	outcome.Success = true
	return outcome
}

// runStep performs one device call.
func (e *Executor) runStep(ctx context.Context, client DeviceClient, step SubOperation) (string, error) {
	switch step.Step {
	case OperationCreate:
		return "", client.Create(ctx, step.Resource, step.Object)
	case OperationUpdate:
		return "", client.Update(ctx, step.Resource, step.Identifier, step.Object)
	case OperationDelete:
		return "", client.Delete(ctx, step.Resource, step.Identifier)
	case OperationMove:
		return "", client.Move(ctx, step.Resource, step.Identifier, step.Relation, step.Reference)
	case OperationCommand:
		return client.RunCommand(ctx, step.Command)
	default:
		return "", NewPermanentError(fmt.Sprintf("unsupported step: %s", step.Step), nil).
			WithCode(ErrCodeInternal)
	}
}

// outcomeError converts err to the outcome representation, keeping the upstream
// status and body when the appliance returned one.
func outcomeError(err error, step string) *OutcomeError {
	oe := &OutcomeError{
		Message: err.Error(),
		Code:    ErrorCode(err),
		Step:    step,
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		oe.StatusCode = ee.StatusCode
		oe.Upstream = ee.Upstream
	}
	if errors.Is(err, context.DeadlineExceeded) && oe.Code == ErrCodeInternal {
		oe.Code = ErrCodeTimeout
	}
	return oe
}

type noopObserver struct{}

func (noopObserver) FanOutStarted(ctx context.Context, _ string, _ *Operation, _ int) context.Context {
	return ctx
}
func (noopObserver) TargetCompleted(context.Context, string, *TargetOutcome) {}
func (noopObserver) FanOutCompleted(context.Context, *FanOutResult)         {}
