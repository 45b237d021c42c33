package engine

import (
	"encoding/json"
	"fmt"
)

// FanOutStatus is the aggregate status of one fan-out invocation.
type FanOutStatus string

const (
	// FanOutStatusSuccess indicates every target succeeded.
	FanOutStatusSuccess FanOutStatus = "success"

	// FanOutStatusPartial indicates some, but not all, targets succeeded.
	FanOutStatusPartial FanOutStatus = "partial"

	// FanOutStatusFailed indicates no target succeeded.
	FanOutStatusFailed FanOutStatus = "failed"
)

// Validate checks if the fan-out status is valid.
func (s FanOutStatus) Validate() error {
	switch s {
	case FanOutStatusSuccess, FanOutStatusPartial, FanOutStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid fan-out status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s FanOutStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *FanOutStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := FanOutStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// DeriveStatus computes the aggregate status from a list of outcomes.
// An empty list is reported as failed; Execute never produces one.
func DeriveStatus(outcomes []TargetOutcome) FanOutStatus {
	succeeded := 0
	for _, o := range outcomes {
		if o.Success {
			succeeded++
		}
	}
	switch {
	case len(outcomes) > 0 && succeeded == len(outcomes):
		return FanOutStatusSuccess
	case succeeded > 0:
		return FanOutStatusPartial
	default:
		return FanOutStatusFailed
	}
}

// OperationKind is the tag of a logical operation.
type OperationKind string

const (
	// OperationCreate creates a new object on every target.
	OperationCreate OperationKind = "create"

	// OperationUpdate replaces or edits an existing object.
	OperationUpdate OperationKind = "update"

	// OperationDelete removes an existing object.
	OperationDelete OperationKind = "delete"

	// OperationMove repositions a policy relative to another policy.
	OperationMove OperationKind = "move"

	// OperationCommand runs a raw CLI command.
	OperationCommand OperationKind = "command"
)

// Validate checks if the operation kind is valid.
func (o OperationKind) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationMove, OperationCommand:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %q", o)
	}
}

// ResourceKind identifies the type of firewall object an operation acts on.
type ResourceKind string

const (
	// ResourceAddress is a firewall address object.
	ResourceAddress ResourceKind = "address"

	// ResourceAddressGroup is a firewall address group.
	ResourceAddressGroup ResourceKind = "addressGroup"

	// ResourcePolicy is a firewall security policy.
	ResourcePolicy ResourceKind = "policy"

	// ResourceService is a custom firewall service object.
	ResourceService ResourceKind = "service"

	// ResourceCommand marks raw CLI runs in the audit log.
	ResourceCommand ResourceKind = "command"
)

// Validate checks if the resource kind is a configuration object kind.
func (k ResourceKind) Validate() error {
	switch k {
	case ResourceAddress, ResourceAddressGroup, ResourcePolicy, ResourceService:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %q", k)
	}
}

// AddressType is the FortiOS address type.
type AddressType string

const (
	AddressTypeIPMask    AddressType = "ipmask"
	AddressTypeIPRange   AddressType = "iprange"
	AddressTypeFQDN      AddressType = "fqdn"
	AddressTypeGeography AddressType = "geography"
)

// Validate checks if the address type is valid.
func (t AddressType) Validate() error {
	switch t {
	case AddressTypeIPMask, AddressTypeIPRange, AddressTypeFQDN, AddressTypeGeography:
		return nil
	default:
		return fmt.Errorf("invalid address type: %q", t)
	}
}

// PolicyAction is the action of a security policy.
type PolicyAction string

const (
	PolicyActionAccept PolicyAction = "accept"
	PolicyActionDeny   PolicyAction = "deny"
)

// MoveRelation positions a policy before or after a reference policy.
type MoveRelation string

const (
	MoveBefore MoveRelation = "before"
	MoveAfter  MoveRelation = "after"
)

// Validate checks if the move relation is valid.
func (r MoveRelation) Validate() error {
	switch r {
	case MoveBefore, MoveAfter:
		return nil
	default:
		return fmt.Errorf("invalid move relation: %q", r)
	}
}
