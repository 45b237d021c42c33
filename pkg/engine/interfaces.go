package engine

import (
	"context"
)

// DeviceClient performs configuration calls against one appliance. A client is
// bound to one target's host, credential and VDOM.
type DeviceClient interface {
	// Get returns the named object. A missing object yields an error for which
	// IsNotFound reports true. Policies are looked up by name.
	Get(ctx context.Context, kind ResourceKind, identifier string) (Object, error)

	// Create creates a new object.
	Create(ctx context.Context, kind ResourceKind, obj Object) error

	// Update replaces the object identified by identifier.
	Update(ctx context.Context, kind ResourceKind, identifier string, obj Object) error

	// Delete removes the object identified by identifier.
	Delete(ctx context.Context, kind ResourceKind, identifier string) error

	// Move repositions the object relative to the reference object.
	// Both identifiers are device-local.
	Move(ctx context.Context, kind ResourceKind, identifier string, rel MoveRelation, reference string) error

	// RunCommand executes a raw CLI command and returns its output.
	RunCommand(ctx context.Context, command string) (string, error)
}

// ClientFactory builds a DeviceClient for a target snapshot.
type ClientFactory interface {
	ClientFor(target *Target) (DeviceClient, error)
}

// ClientFactoryFunc adapts a function to the ClientFactory interface.
type ClientFactoryFunc func(target *Target) (DeviceClient, error)

// ClientFor implements ClientFactory.
func (f ClientFactoryFunc) ClientFor(target *Target) (DeviceClient, error) {
	return f(target)
}

// PlanResolver expands a logical operation into one target's Plan.
type PlanResolver interface {
	Resolve(ctx context.Context, op *Operation, target *Target, client DeviceClient) (*Plan, error)
}

// NameTransform maps a raw member value to the canonical object name.
type NameTransform interface {
	Transform(raw string) (string, error)
}

// NameTransformFunc adapts a function to the NameTransform interface.
type NameTransformFunc func(raw string) (string, error)

// Transform implements NameTransform.
func (f NameTransformFunc) Transform(raw string) (string, error) {
	return f(raw)
}

// IdentityTransform keeps names unchanged.
var IdentityTransform NameTransform = NameTransformFunc(func(raw string) (string, error) {
	return raw, nil
})

// Observer receives execution callbacks for logging, metrics and tracing.
// Implementations must be safe for concurrent use.
type Observer interface {
	// FanOutStarted is called once before any target is dispatched.
	FanOutStarted(ctx context.Context, id string, op *Operation, targets int) context.Context

	// TargetCompleted is called once per target outcome.
	TargetCompleted(ctx context.Context, id string, outcome *TargetOutcome)

	// FanOutCompleted is called once after all targets have finished.
	FanOutCompleted(ctx context.Context, result *FanOutResult)
}
