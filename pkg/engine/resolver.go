package engine

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// Resolver expands a logical operation into the ordered device calls needed on
// one target. It reads from the device (existence checks, policy id lookups)
// but never mutates it.
type Resolver struct {
	// transform maps raw member values to canonical address names
	transform NameTransform

	logger zerolog.Logger
}

// NewResolver creates a resolver. A nil transform keeps names unchanged.
func NewResolver(transform NameTransform, logger zerolog.Logger) *Resolver {
	if transform == nil {
		transform = IdentityTransform
	}
	return &Resolver{
		transform: transform,
		logger:    logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the plan for one target. An error fails that target only.
func (r *Resolver) Resolve(ctx context.Context, op *Operation, target *Target, client DeviceClient) (*Plan, error) {
	if op == nil {
		return nil, validationError("operation is nil")
	}

	plan := &Plan{TargetID: target.ID}

	var err error
	switch op.Kind {
	case OperationCommand:
		plan.Steps = []SubOperation{{Step: OperationCommand, Command: op.Command}}
	case OperationCreate:
		err = r.resolveCreate(ctx, op, client, plan)
	case OperationUpdate:
		err = r.resolveUpdate(ctx, op, client, plan)
	case OperationDelete:
		err = r.resolveDelete(ctx, op, client, plan)
	case OperationMove:
		err = r.resolveMove(ctx, op, client, plan)
	default:
		err = validationError(fmt.Sprintf("invalid operation kind: %q", op.Kind))
	}
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("target_id", target.ID).
		Str("operation", op.String()).
		Int("steps", len(plan.Steps)).
		Int("prerequisites", plan.Prerequisites()).
		Msg("Resolved plan")

	return plan, nil
}

func (r *Resolver) resolveCreate(ctx context.Context, op *Operation, client DeviceClient, plan *Plan) error {
	obj := op.Object()
	if obj == nil {
		return validationError(fmt.Sprintf("%s payload is required for create", op.Resource))
	}

	if group, ok := obj.(*AddressGroup); ok {
		members, raw, err := r.canonicalMembers(group.Members)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return zeroMembersError(group.Name)
		}
		if err := r.ensureAbsent(ctx, client, op.Resource, group.Name); err != nil {
			return err
		}
		prereqs, err := r.ensureMembers(ctx, client, op, members, raw)
		if err != nil {
			return err
		}
		created := *group
		created.Members = members
		plan.Steps = append(prereqs, SubOperation{
			Step:       OperationCreate,
			Resource:   ResourceAddressGroup,
			Identifier: created.Name,
			Object:     &created,
		})
		return nil
	}

	if err := r.ensureAbsent(ctx, client, op.Resource, obj.ObjectName()); err != nil {
		return err
	}
	plan.Steps = []SubOperation{{
		Step:       OperationCreate,
		Resource:   op.Resource,
		Identifier: obj.ObjectName(),
		Object:     obj,
	}}
	return nil
}

func (r *Resolver) resolveUpdate(ctx context.Context, op *Operation, client DeviceClient, plan *Plan) error {
	switch op.Resource {
	case ResourceAddressGroup:
		if op.Edit != nil {
			return r.resolveMemberEdit(ctx, op, client, plan)
		}
		if op.Group == nil {
			return validationError("addressGroup payload is required for update")
		}
		members, raw, err := r.canonicalMembers(op.Group.Members)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return zeroMembersError(op.Group.Name)
		}
		prereqs, err := r.ensureMembers(ctx, client, op, members, raw)
		if err != nil {
			return err
		}
		updated := *op.Group
		updated.Members = members
		plan.Steps = append(prereqs, SubOperation{
			Step:       OperationUpdate,
			Resource:   ResourceAddressGroup,
			Identifier: op.ResourceName(),
			Object:     &updated,
		})
		return nil

	case ResourcePolicy:
		if op.Policy == nil {
			return validationError("policy payload is required for update")
		}
		id, err := r.lookupPolicyID(ctx, client, op.ResourceName())
		if err != nil {
			return err
		}
		updated := *op.Policy
		updated.ID = id
		plan.Steps = []SubOperation{{
			Step:       OperationUpdate,
			Resource:   ResourcePolicy,
			Identifier: PolicyIdentifier(id),
			Object:     &updated,
		}}
		return nil

	default:
		obj := op.Object()
		if obj == nil {
			return validationError(fmt.Sprintf("%s payload is required for update", op.Resource))
		}
		plan.Steps = []SubOperation{{
			Step:       OperationUpdate,
			Resource:   op.Resource,
			Identifier: op.ResourceName(),
			Object:     obj,
		}}
		return nil
	}
}

// resolveMemberEdit reads the current group, applies the edit and plans a
// full-replacement update with the resulting member list.
func (r *Resolver) resolveMemberEdit(ctx context.Context, op *Operation, client DeviceClient, plan *Plan) error {
	add, addRaw, err := r.canonicalMembers(op.Edit.Add)
	if err != nil {
		return err
	}
	remove, _, err := r.canonicalMembers(op.Edit.Remove)
	if err != nil {
		return err
	}

	obj, err := client.Get(ctx, ResourceAddressGroup, op.Name)
	if err != nil {
		if IsNotFound(err) {
			return NewPermanentError(fmt.Sprintf("address group %s not found", op.Name), nil).
				WithCode(ErrCodeNotFound).
				WithResource(op.Name)
		}
		return err
	}
	current, ok := obj.(*AddressGroup)
	if !ok {
		return NewPermanentError(fmt.Sprintf("unexpected object type %T for address group", obj), nil).
			WithCode(ErrCodeInternal)
	}

	for _, m := range add {
		if current.HasMember(m) {
			return NewPermanentError(fmt.Sprintf("member %s already exists in group %s", m, op.Name), nil).
				WithCode(ErrCodeAlreadyExists).
				WithResource(m)
		}
	}
	for _, m := range remove {
		if !current.HasMember(m) {
			return NewPermanentError(fmt.Sprintf("member %s not found in group %s", m, op.Name), nil).
				WithCode(ErrCodeNotFound).
				WithResource(m)
		}
	}

	removed := make(map[string]struct{}, len(remove))
	for _, m := range remove {
		removed[m] = struct{}{}
	}
	members := make([]string, 0, len(current.Members)+len(add))
	for _, m := range current.Members {
		if _, drop := removed[m]; !drop {
			members = append(members, m)
		}
	}
	members = append(members, add...)
	if len(members) == 0 {
		return zeroMembersError(op.Name)
	}

	prereqs, err := r.ensureMembers(ctx, client, op, add, addRaw)
	if err != nil {
		return err
	}

	updated := *current
	updated.Members = members
	plan.Steps = append(prereqs, SubOperation{
		Step:       OperationUpdate,
		Resource:   ResourceAddressGroup,
		Identifier: op.Name,
		Object:     &updated,
	})
	return nil
}

func (r *Resolver) resolveDelete(ctx context.Context, op *Operation, client DeviceClient, plan *Plan) error {
	identifier := op.ResourceName()
	if op.Resource == ResourcePolicy {
		id, err := r.lookupPolicyID(ctx, client, identifier)
		if err != nil {
			return err
		}
		identifier = PolicyIdentifier(id)
	}
	plan.Steps = []SubOperation{{
		Step:       OperationDelete,
		Resource:   op.Resource,
		Identifier: identifier,
	}}
	return nil
}

// resolveMove looks up both policies by name so the move uses this target's
// own policy ids.
func (r *Resolver) resolveMove(ctx context.Context, op *Operation, client DeviceClient, plan *Plan) error {
	if op.Move == nil {
		return validationError("reference policy is required for move")
	}
	id, err := r.lookupPolicyID(ctx, client, op.Name)
	if err != nil {
		return err
	}
	refID, err := r.lookupPolicyID(ctx, client, op.Move.Reference)
	if err != nil {
		return err
	}
	plan.Steps = []SubOperation{{
		Step:       OperationMove,
		Resource:   ResourcePolicy,
		Identifier: PolicyIdentifier(id),
		Relation:   op.Move.Relation,
		Reference:  PolicyIdentifier(refID),
	}}
	return nil
}

// ensureAbsent fails with ALREADY_EXISTS when the named object is present.
func (r *Resolver) ensureAbsent(ctx context.Context, client DeviceClient, kind ResourceKind, name string) error {
	_, err := client.Get(ctx, kind, name)
	switch {
	case err == nil:
		return NewPermanentError(fmt.Sprintf("%s %s already exists", kind, name), nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(name)
	case IsNotFound(err):
		return nil
	default:
		return err
	}
}

// ensureMembers returns create steps for every member address missing on the
// target. Existing addresses are never overwritten.
func (r *Resolver) ensureMembers(
	ctx context.Context,
	client DeviceClient,
	op *Operation,
	names []string,
	raw map[string]string,
) ([]SubOperation, error) {
	definitions := make(map[string]Address, len(op.Members))
	for _, def := range op.Members {
		definitions[def.Name] = def
	}

	steps := make([]SubOperation, 0, len(names)+1)
	for _, name := range names {
		value := raw[name]
		_, err := client.Get(ctx, ResourceAddress, name)
		if err == nil {
			continue
		}
		if !IsNotFound(err) {
			return nil, err
		}

		addr, ok := definitions[value]
		if !ok {
			addr, ok = definitions[name]
		}
		if !ok {
			addr = DeriveAddress(value)
		}
		addr.Name = name

		steps = append(steps, SubOperation{
			Step:         OperationCreate,
			Resource:     ResourceAddress,
			Identifier:   name,
			Object:       &addr,
			Prerequisite: true,
		})
	}
	return steps, nil
}

func (r *Resolver) lookupPolicyID(ctx context.Context, client DeviceClient, name string) (int, error) {
	obj, err := client.Get(ctx, ResourcePolicy, name)
	if err != nil {
		if IsNotFound(err) {
			return 0, NewPermanentError(fmt.Sprintf("policy %s not found", name), nil).
				WithCode(ErrCodeNotFound).
				WithResource(name)
		}
		return 0, err
	}
	policy, ok := obj.(*Policy)
	if !ok || policy.ID == 0 {
		return 0, NewPermanentError(fmt.Sprintf("policy %s has no policy id", name), nil).
			WithCode(ErrCodeUpstream).
			WithResource(name)
	}
	return policy.ID, nil
}

// canonicalMembers maps raw member values through the naming transform,
// dropping blanks and duplicates while keeping order. The returned map holds
// the first raw value seen for each canonical name.
func (r *Resolver) canonicalMembers(values []string) ([]string, map[string]string, error) {
	out := make([]string, 0, len(values))
	raw := make(map[string]string, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		name, err := r.canonicalName(value)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := raw[name]; dup {
			continue
		}
		raw[name] = value
		out = append(out, name)
	}
	return out, raw, nil
}

func (r *Resolver) canonicalName(raw string) (string, error) {
	name, err := r.transform.Transform(raw)
	if err != nil {
		return "", NewPermanentError(fmt.Sprintf("naming transform failed for %q", raw), err).
			WithCode(ErrCodeValidation)
	}
	if strings.TrimSpace(name) == "" {
		return "", NewPermanentError(fmt.Sprintf("naming transform returned an empty name for %q", raw), nil).
			WithCode(ErrCodeValidation)
	}
	return name, nil
}

// DeriveAddress builds an address definition from a raw member value:
// CIDR or single IP becomes ipmask, "a-b" becomes iprange, anything else fqdn.
func DeriveAddress(raw string) Address {
	raw = strings.TrimSpace(raw)
	addr := Address{Name: raw}

	if _, ipnet, err := net.ParseCIDR(raw); err == nil {
		addr.Type = AddressTypeIPMask
		addr.Subnet = ipnet.String()
		return addr
	}
	if ip := net.ParseIP(raw); ip != nil {
		addr.Type = AddressTypeIPMask
		if ip.To4() != nil {
			addr.Subnet = raw + "/32"
		} else {
			addr.Subnet = raw + "/128"
		}
		return addr
	}
	if start, end, ok := strings.Cut(raw, "-"); ok {
		if net.ParseIP(strings.TrimSpace(start)) != nil && net.ParseIP(strings.TrimSpace(end)) != nil {
			addr.Type = AddressTypeIPRange
			addr.StartIP = strings.TrimSpace(start)
			addr.EndIP = strings.TrimSpace(end)
			return addr
		}
	}

	addr.Type = AddressTypeFQDN
	addr.FQDN = raw
	return addr
}

func zeroMembersError(group string) error {
	return NewPermanentError(fmt.Sprintf("address group %s must keep at least one member", group), nil).
		WithCode(ErrCodeValidation).
		WithResource(group)
}
