package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Target is one managed firewall appliance.
type Target struct {
	// ID is the unique identifier of the target.
	ID string `json:"id" yaml:"id"`

	// Name is the display name used in outcomes and audit details.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Host is the management address (host or host:port) of the appliance.
	Host string `json:"host" yaml:"host" validate:"required"`

	// APIKey is the REST API token. It is never serialized to API responses.
	APIKey string `json:"-" yaml:"api_key" validate:"required"`

	// VDOM selects the virtual domain. Empty means "root".
	VDOM string `json:"vdom,omitempty" yaml:"vdom,omitempty"`

	// Enabled controls membership in the default selection.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CreatedAt is when the target was registered.
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt is when the target was last modified.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the target's required fields.
func (t *Target) Validate() error {
	return validate.Struct(t)
}

// EffectiveVDOM returns the VDOM to send to the appliance.
func (t *Target) EffectiveVDOM() string {
	if t.VDOM == "" {
		return "root"
	}
	return t.VDOM
}

// SelectionSet is the ordered, duplicate-free list of target IDs for one invocation.
type SelectionSet []string

// NewSelectionSet builds a selection from ids, dropping blanks and keeping the
// first occurrence of every duplicate.
func NewSelectionSet(ids ...string) SelectionSet {
	seen := make(map[string]struct{}, len(ids))
	set := make(SelectionSet, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		set = append(set, id)
	}
	return set
}

// Object is a firewall configuration object that can be sent to a device.
type Object interface {
	// ObjectKind returns the kind of the object.
	ObjectKind() ResourceKind

	// ObjectName returns the logical name of the object.
	ObjectName() string
}

// Address is a firewall address object.
type Address struct {
	Name    string      `json:"name" yaml:"name" validate:"required,max=79"`
	Type    AddressType `json:"type,omitempty" yaml:"type,omitempty"`
	Subnet  string      `json:"subnet,omitempty" yaml:"subnet,omitempty"`
	FQDN    string      `json:"fqdn,omitempty" yaml:"fqdn,omitempty"`
	StartIP string      `json:"start_ip,omitempty" yaml:"start_ip,omitempty"`
	EndIP   string      `json:"end_ip,omitempty" yaml:"end_ip,omitempty"`
	Country string      `json:"country,omitempty" yaml:"country,omitempty"`
	Comment string      `json:"comment,omitempty" yaml:"comment,omitempty" validate:"max=255"`
}

func (a *Address) ObjectKind() ResourceKind { return ResourceAddress }
func (a *Address) ObjectName() string       { return a.Name }

// Validate checks that the fields required by the address type are present.
func (a *Address) Validate() error {
	if err := validate.Struct(a); err != nil {
		return err
	}
	if a.Type == "" {
		return nil
	}
	if err := a.Type.Validate(); err != nil {
		return err
	}
	switch a.Type {
	case AddressTypeIPMask:
		if a.Subnet == "" {
			return fmt.Errorf("address %s: subnet is required for type %s", a.Name, a.Type)
		}
	case AddressTypeIPRange:
		if a.StartIP == "" || a.EndIP == "" {
			return fmt.Errorf("address %s: start and end IP are required for type %s", a.Name, a.Type)
		}
	case AddressTypeFQDN:
		if a.FQDN == "" {
			return fmt.Errorf("address %s: fqdn is required for type %s", a.Name, a.Type)
		}
	case AddressTypeGeography:
		if a.Country == "" {
			return fmt.Errorf("address %s: country is required for type %s", a.Name, a.Type)
		}
	}
	return nil
}

// AddressGroup is a named group of address objects. Members are address names.
type AddressGroup struct {
	Name    string   `json:"name" yaml:"name" validate:"required,max=79"`
	Members []string `json:"members" yaml:"members"`
	Comment string   `json:"comment,omitempty" yaml:"comment,omitempty" validate:"max=255"`
}

func (g *AddressGroup) ObjectKind() ResourceKind { return ResourceAddressGroup }
func (g *AddressGroup) ObjectName() string       { return g.Name }

// HasMember reports whether name is a member of the group.
func (g *AddressGroup) HasMember(name string) bool {
	for _, m := range g.Members {
		if m == name {
			return true
		}
	}
	return false
}

// Policy is a firewall security policy. ID is the appliance-local policy id.
type Policy struct {
	ID         int          `json:"policyid,omitempty" yaml:"policyid,omitempty"`
	Name       string       `json:"name" yaml:"name" validate:"required,max=35"`
	SrcIntf    []string     `json:"srcintf,omitempty" yaml:"srcintf,omitempty"`
	DstIntf    []string     `json:"dstintf,omitempty" yaml:"dstintf,omitempty"`
	SrcAddr    []string     `json:"srcaddr,omitempty" yaml:"srcaddr,omitempty"`
	DstAddr    []string     `json:"dstaddr,omitempty" yaml:"dstaddr,omitempty"`
	Action     PolicyAction `json:"action,omitempty" yaml:"action,omitempty" validate:"omitempty,oneof=accept deny"`
	Schedule   string       `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Service    []string     `json:"service,omitempty" yaml:"service,omitempty"`
	LogTraffic string       `json:"logtraffic,omitempty" yaml:"logtraffic,omitempty" validate:"omitempty,oneof=all utm disable"`
	NAT        bool         `json:"nat,omitempty" yaml:"nat,omitempty"`
	Comments   string       `json:"comments,omitempty" yaml:"comments,omitempty"`
	Status     string       `json:"status,omitempty" yaml:"status,omitempty" validate:"omitempty,oneof=enable disable"`
}

func (p *Policy) ObjectKind() ResourceKind { return ResourcePolicy }
func (p *Policy) ObjectName() string       { return p.Name }

// Service is a custom firewall service object.
type Service struct {
	Name         string `json:"name" yaml:"name" validate:"required,max=79"`
	Protocol     string `json:"protocol,omitempty" yaml:"protocol,omitempty" validate:"omitempty,oneof=TCP/UDP/SCTP ICMP ICMP6 IP"`
	TCPPortRange string `json:"tcp_portrange,omitempty" yaml:"tcp_portrange,omitempty"`
	UDPPortRange string `json:"udp_portrange,omitempty" yaml:"udp_portrange,omitempty"`
	Comment      string `json:"comment,omitempty" yaml:"comment,omitempty" validate:"max=255"`
}

func (s *Service) ObjectKind() ResourceKind { return ResourceService }
func (s *Service) ObjectName() string       { return s.Name }

// MemberEdit adds or removes members of an existing address group.
type MemberEdit struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// MoveSpec positions a policy relative to a reference policy, by name.
type MoveSpec struct {
	Relation  MoveRelation `json:"relation"`
	Reference string       `json:"reference"`
}

// Operation is one logical change to apply to every selected target.
// The executor treats it as immutable.
type Operation struct {
	// Kind is the operation tag.
	Kind OperationKind `json:"kind"`

	// Resource is the kind of object the operation acts on. Unused for commands.
	Resource ResourceKind `json:"resource,omitempty"`

	// Name identifies the object for update, delete and move.
	Name string `json:"name,omitempty"`

	// Address is the payload for address create/update.
	Address *Address `json:"address,omitempty"`

	// Group is the payload for group create and full-replacement update.
	Group *AddressGroup `json:"group,omitempty"`

	// Policy is the payload for policy create/update.
	Policy *Policy `json:"policy,omitempty"`

	// Service is the payload for service create/update.
	Service *Service `json:"service,omitempty"`

	// Members holds definitions for group members that may need to be created.
	// Members without a definition are derived from their raw value.
	Members []Address `json:"members,omitempty"`

	// Edit adds or removes group members instead of replacing the list.
	Edit *MemberEdit `json:"edit,omitempty"`

	// Move is the positioning for policy moves.
	Move *MoveSpec `json:"move,omitempty"`

	// Command is the CLI text for command operations.
	Command string `json:"command,omitempty"`
}

// Object returns the payload of the operation, or nil when it has none.
func (o *Operation) Object() Object {
	switch o.Resource {
	case ResourceAddress:
		if o.Address != nil {
			return o.Address
		}
	case ResourceAddressGroup:
		if o.Group != nil {
			return o.Group
		}
	case ResourcePolicy:
		if o.Policy != nil {
			return o.Policy
		}
	case ResourceService:
		if o.Service != nil {
			return o.Service
		}
	}
	return nil
}

// ResourceName returns the logical name of the object the operation acts on.
func (o *Operation) ResourceName() string {
	if o.Kind == OperationCommand {
		return o.Command
	}
	if o.Name != "" {
		return o.Name
	}
	if obj := o.Object(); obj != nil {
		return obj.ObjectName()
	}
	return ""
}

// AuditResource returns the resource kind recorded in the audit log.
func (o *Operation) AuditResource() ResourceKind {
	if o.Kind == OperationCommand {
		return ResourceCommand
	}
	return o.Resource
}

// String returns a short description like "create address host1".
func (o *Operation) String() string {
	if o.Kind == OperationCommand {
		return fmt.Sprintf("command %q", o.Command)
	}
	return fmt.Sprintf("%s %s %s", o.Kind, o.Resource, o.ResourceName())
}

// Validate checks that the operation is structurally well formed. It does not
// check anything that depends on the state of a target.
func (o *Operation) Validate() error {
	if err := o.Kind.Validate(); err != nil {
		return validationError(err.Error())
	}

	if o.Kind == OperationCommand {
		if strings.TrimSpace(o.Command) == "" {
			return validationError("command is required")
		}
		return nil
	}

	if err := o.Resource.Validate(); err != nil {
		return validationError(err.Error())
	}

	switch o.Kind {
	case OperationCreate:
		obj := o.Object()
		if obj == nil {
			return validationError(fmt.Sprintf("%s payload is required for create", o.Resource))
		}
		if err := validateObject(obj); err != nil {
			return validationError(err.Error())
		}
	case OperationUpdate:
		if o.Resource == ResourceAddressGroup && o.Edit != nil {
			if o.Name == "" {
				return validationError("group name is required for member edits")
			}
			if len(o.Edit.Add) == 0 && len(o.Edit.Remove) == 0 {
				return validationError("member edit must add or remove at least one member")
			}
			return nil
		}
		obj := o.Object()
		if obj == nil {
			return validationError(fmt.Sprintf("%s payload is required for update", o.Resource))
		}
		if err := validateObject(obj); err != nil {
			return validationError(err.Error())
		}
	case OperationDelete:
		if o.ResourceName() == "" {
			return validationError("name is required for delete")
		}
	case OperationMove:
		if o.Resource != ResourcePolicy {
			return validationError("only policies can be moved")
		}
		if o.Name == "" {
			return validationError("policy name is required for move")
		}
		if o.Move == nil || o.Move.Reference == "" {
			return validationError("reference policy is required for move")
		}
		if err := o.Move.Relation.Validate(); err != nil {
			return validationError(err.Error())
		}
		if o.Move.Reference == o.Name {
			return validationError("policy cannot be moved relative to itself")
		}
	}

	for i := range o.Members {
		if err := o.Members[i].Validate(); err != nil {
			return validationError(err.Error())
		}
	}
	return nil
}

func validateObject(obj Object) error {
	if a, ok := obj.(*Address); ok {
		return a.Validate()
	}
	return validate.Struct(obj)
}

func validationError(msg string) error {
	return NewPermanentError(msg, nil).WithCode(ErrCodeValidation)
}

// SubOperation is one concrete device call inside a target's Plan.
type SubOperation struct {
	// Step is the device call to make.
	Step OperationKind `json:"step"`

	// Resource is the kind of object the call acts on.
	Resource ResourceKind `json:"resource,omitempty"`

	// Identifier is the device-side identifier (name, or numeric id for policies).
	Identifier string `json:"identifier,omitempty"`

	// Object is the payload for create and update steps.
	Object Object `json:"-"`

	// Relation and Reference position a move. Reference is device-local.
	Relation  MoveRelation `json:"relation,omitempty"`
	Reference string       `json:"reference,omitempty"`

	// Command is the CLI text for command steps.
	Command string `json:"command,omitempty"`

	// Prerequisite marks steps inserted by the resolver before the primary step.
	Prerequisite bool `json:"prerequisite,omitempty"`
}

// String returns a short description of the step for logs.
func (s SubOperation) String() string {
	switch s.Step {
	case OperationCommand:
		return fmt.Sprintf("command %q", s.Command)
	case OperationMove:
		return fmt.Sprintf("move %s %s %s %s", s.Resource, s.Identifier, s.Relation, s.Reference)
	default:
		return fmt.Sprintf("%s %s %s", s.Step, s.Resource, s.Identifier)
	}
}

// Plan is the ordered list of SubOperations for one target.
type Plan struct {
	// TargetID is the target the plan was resolved against.
	TargetID string `json:"target_id"`

	// Steps run strictly in order; the first failure ends the plan.
	Steps []SubOperation `json:"steps"`

	// Output holds read results gathered during resolution, if any.
	Output string `json:"output,omitempty"`
}

// Prerequisites returns the number of prerequisite steps in the plan.
func (p *Plan) Prerequisites() int {
	n := 0
	for _, s := range p.Steps {
		if s.Prerequisite {
			n++
		}
	}
	return n
}

// OutcomeError describes why a target failed.
type OutcomeError struct {
	// Message is the human-readable failure, upstream text when available.
	Message string `json:"message"`

	// Code is the engine error code.
	Code string `json:"code,omitempty"`

	// StatusCode is the HTTP status returned by the appliance, if any.
	StatusCode int `json:"status_code,omitempty"`

	// Upstream is the verbatim error payload returned by the appliance.
	Upstream json.RawMessage `json:"upstream,omitempty"`

	// Step is the sub-operation that failed, when the failure was a device call.
	Step string `json:"step,omitempty"`
}

// TargetOutcome is the result of running one target's Plan.
type TargetOutcome struct {
	TargetID   string        `json:"target_id"`
	TargetName string        `json:"target_name"`
	Success    bool          `json:"success"`
	Error      *OutcomeError `json:"error,omitempty"`
	Output     string        `json:"output,omitempty"`
	StepsRun   int           `json:"steps_run"`
	Duration   time.Duration `json:"duration"`
}

// DisplayName returns the target name, falling back to the ID.
func (o TargetOutcome) DisplayName() string {
	if o.TargetName != "" {
		return o.TargetName
	}
	return o.TargetID
}

// FanOutResult aggregates every TargetOutcome of one invocation.
type FanOutResult struct {
	// ID identifies the invocation in logs and traces.
	ID string `json:"id"`

	// Operation is the logical operation that was executed.
	Operation Operation `json:"operation"`

	// Outcomes has exactly one entry per selected target, in selection order.
	Outcomes []TargetOutcome `json:"outcomes"`

	// Status is derived from Outcomes.
	Status FanOutStatus `json:"status"`

	Succeeded   int       `json:"succeeded"`
	Total       int       `json:"total"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Duration returns the wall-clock duration of the fan-out.
func (r *FanOutResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// TargetNames returns the display names of every target in selection order.
func (r *FanOutResult) TargetNames() []string {
	names := make([]string, len(r.Outcomes))
	for i, o := range r.Outcomes {
		names[i] = o.DisplayName()
	}
	return names
}

// PolicyIdentifier formats a numeric policy id as a device identifier.
func PolicyIdentifier(id int) string {
	return strconv.Itoa(id)
}
