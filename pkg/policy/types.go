package policy

import (
	"time"

	"github.com/fortifleet/fortifleet/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module whose deny set is evaluated against operations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies compiled into the binary.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Resource string   `json:"resource,omitempty"`
}

// Decision is the result of evaluating every enabled policy against one input.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Operation *engine.Operation `json:"operation"`
	Targets   []TargetInput     `json:"targets"`
	User      string            `json:"user,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// TargetInput is the credential-free view of a target exposed to policies.
type TargetInput struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Host    string `json:"host"`
	VDOM    string `json:"vdom"`
	Enabled bool   `json:"enabled"`
}

// NewInput builds a policy input for op against targets.
func NewInput(op *engine.Operation, targets []engine.Target, user string) *Input {
	in := &Input{
		Operation: op,
		Targets:   make([]TargetInput, len(targets)),
		User:      user,
		Timestamp: time.Now().UTC(),
	}
	for i := range targets {
		t := &targets[i]
		in.Targets[i] = TargetInput{
			ID:      t.ID,
			Name:    t.Name,
			Host:    t.Host,
			VDOM:    t.EffectiveVDOM(),
			Enabled: t.Enabled,
		}
	}
	return in
}
