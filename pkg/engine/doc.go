// Package engine provides the core types and the fan-out execution engine for FortiFleet.
//
// # Overview
//
// FortiFleet applies one logical firewall change to a fleet of independently managed
// appliances. Every appliance has its own REST endpoint, API key and VDOM, and any of
// them may be unreachable or reject the change. The engine runs the change against all
// selected targets at once and reports a per-target outcome for each of them:
//
//  1. Select - The caller builds an Operation and a SelectionSet
//  2. Resolve - The Resolver expands the Operation into a per-target Plan
//  3. Execute - The Executor runs every target's Plan concurrently
//  4. Aggregate - Outcomes are folded into a FanOutResult with a derived status
//  5. Record - The audit package persists one entry per completed fan-out
//
// # Core Domain Types
//
//   - Target: one managed appliance (host, API key, VDOM, enabled flag)
//   - SelectionSet: the ordered, de-duplicated target IDs for one invocation
//   - Operation: the logical change (create/update/delete/move/command)
//   - SubOperation: one concrete device call inside a target's Plan
//   - Plan: the ordered SubOperations for one target
//   - TargetOutcome: the result of running one target's Plan
//   - FanOutResult: all outcomes of one invocation plus the derived status
//
// # Device Client
//
// The engine talks to appliances through the DeviceClient interface:
//
//	type DeviceClient interface {
//	    Get(ctx context.Context, kind ResourceKind, identifier string) (Object, error)
//	    Create(ctx context.Context, kind ResourceKind, obj Object) error
//	    Update(ctx context.Context, kind ResourceKind, identifier string, obj Object) error
//	    Delete(ctx context.Context, kind ResourceKind, identifier string) error
//	    Move(ctx context.Context, kind ResourceKind, identifier string, rel MoveRelation, reference string) error
//	    RunCommand(ctx context.Context, command string) (string, error)
//	}
//
// The FortiOS implementation lives in the device package. Tests use in-memory fakes.
//
// # Dependency Resolution
//
// Composite operations are expanded per target before anything is mutated:
//
//   - Group create/update: members that do not exist yet are created first (create-if-absent)
//   - Group member edits: the current group is read and the new member list computed
//   - Policy update/delete/move: policies are looked up by name so the numeric ID of
//     each appliance is used
//   - Create: an existing object with the same name fails the target with "already exists"
//
// The naming transform is applied exactly once to derived names, so the same canonical
// name is used for the existence check, the create and the group reference.
//
// # Failure Semantics
//
// Only structurally invalid input is returned as an error from Execute:
//
//   - An empty selection returns ErrEmptySelection
//   - A malformed operation returns a VALIDATION_ERROR EngineError
//
// Everything else (network errors, timeouts, upstream rejections, unknown target IDs,
// failed prerequisites) becomes a failed TargetOutcome. Targets never cancel each other.
//
// # Error Classification
//
// Errors are classified like the rest of the codebase:
//
//   - Transient: network failures and timeouts
//   - Throttled: HTTP 429 from an appliance
//   - Conflict: concurrent modification rejected upstream
//   - Permanent: validation failures, not found, already exists, upstream rejections
package engine
