package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func newTestResolver() *Resolver {
	return NewResolver(nil, zerolog.Nop())
}

func TestResolver_GroupCreateInsertsMissingMembers(t *testing.T) {
	device := newFakeDevice()
	device.put(&Address{Name: "10.0.0.2", Type: AddressTypeIPMask, Subnet: "10.0.0.2/32"})
	target := &testTargets("a")[0]

	op := &Operation{
		Kind:     OperationCreate,
		Resource: ResourceAddressGroup,
		Group:    &AddressGroup{Name: "web", Members: []string{"10.0.0.1", "10.0.0.2", "example.com"}},
	}

	plan, err := newTestResolver().Resolve(context.Background(), op, target, device)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if len(plan.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d: %v", len(plan.Steps), plan.Steps)
	}
	if plan.Prerequisites() != 2 {
		t.Errorf("expected 2 prerequisites, got %d", plan.Prerequisites())
	}

	first := plan.Steps[0].Object.(*Address)
	if first.Name != "10.0.0.1" || first.Type != AddressTypeIPMask || first.Subnet != "10.0.0.1/32" {
		t.Errorf("unexpected derived address: %+v", first)
	}
	second := plan.Steps[1].Object.(*Address)
	if second.Type != AddressTypeFQDN || second.FQDN != "example.com" {
		t.Errorf("unexpected derived address: %+v", second)
	}

	last := plan.Steps[2]
	if last.Step != OperationCreate || last.Resource != ResourceAddressGroup || last.Prerequisite {
		t.Errorf("expected primary group create last, got %v", last)
	}

	if len(device.mutations()) != 0 {
		t.Errorf("resolver must not mutate the device, got %v", device.mutations())
	}
}

func TestResolver_MemberDefinitionsAreUsed(t *testing.T) {
	device := newFakeDevice()
	target := &testTargets("a")[0]

	op := &Operation{
		Kind:     OperationCreate,
		Resource: ResourceAddressGroup,
		Group:    &AddressGroup{Name: "lan", Members: []string{"office"}},
		Members: []Address{
			{Name: "office", Type: AddressTypeIPRange, StartIP: "10.1.0.1", EndIP: "10.1.0.50"},
		},
	}

	plan, err := newTestResolver().Resolve(context.Background(), op, target, device)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	addr := plan.Steps[0].Object.(*Address)
	if addr.Type != AddressTypeIPRange || addr.StartIP != "10.1.0.1" {
		t.Errorf("expected member definition to be used, got %+v", addr)
	}
}

func TestResolver_CreateExistingFails(t *testing.T) {
	device := newFakeDevice()
	device.put(&Address{Name: "host1", Type: AddressTypeIPMask, Subnet: "10.0.0.0/24"})
	target := &testTargets("a")[0]

	op := &Operation{
		Kind:     OperationCreate,
		Resource: ResourceAddress,
		Address:  &Address{Name: "host1", Type: AddressTypeIPMask, Subnet: "10.9.9.0/24"},
	}

	_, err := newTestResolver().Resolve(context.Background(), op, target, device)
	if err == nil {
		t.Fatal("expected error for existing address")
	}
	if !IsAlreadyExists(err) {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected message to mention already exists, got %q", err.Error())
	}
}

func TestResolver_ZeroMemberGroupMakesNoCalls(t *testing.T) {
	tests := []struct {
		name string
		kind OperationKind
	}{
		{"create", OperationCreate},
		{"update", OperationUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := newFakeDevice()
			target := &testTargets("a")[0]
			op := &Operation{
				Kind:     tt.kind,
				Resource: ResourceAddressGroup,
				Group:    &AddressGroup{Name: "empty", Members: []string{" ", ""}},
			}

			_, err := newTestResolver().Resolve(context.Background(), op, target, device)
			if err == nil {
				t.Fatal("expected zero-member error")
			}
			if !HasCode(err, ErrCodeValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			if calls := device.recorded(); len(calls) != 0 {
				t.Errorf("expected no device calls, got %v", calls)
			}
		})
	}
}

func TestResolver_MemberEdit(t *testing.T) {
	seed := func() *fakeDevice {
		d := newFakeDevice()
		d.put(&Address{Name: "a1", Type: AddressTypeFQDN, FQDN: "a1"})
		d.put(&Address{Name: "a2", Type: AddressTypeFQDN, FQDN: "a2"})
		d.put(&AddressGroup{Name: "grp", Members: []string{"a1", "a2"}, Comment: "keep"})
		return d
	}

	tests := []struct {
		name        string
		edit        MemberEdit
		wantMembers []string
		wantPrereqs int
		wantCode    string
	}{
		{
			name:        "add new member",
			edit:        MemberEdit{Add: []string{"a3.example.com"}},
			wantMembers: []string{"a1", "a2", "a3.example.com"},
			wantPrereqs: 1,
		},
		{
			name:     "add existing address",
			edit:     MemberEdit{Add: []string{"a2"}},
			wantCode: ErrCodeAlreadyExists,
		},
		{
			name:        "remove member",
			edit:        MemberEdit{Remove: []string{"a1"}},
			wantMembers: []string{"a2"},
		},
		{
			name:     "remove missing member",
			edit:     MemberEdit{Remove: []string{"zz"}},
			wantCode: ErrCodeNotFound,
		},
		{
			name:     "remove all members",
			edit:     MemberEdit{Remove: []string{"a1", "a2"}},
			wantCode: ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := seed()
			target := &testTargets("a")[0]
			edit := tt.edit
			op := &Operation{Kind: OperationUpdate, Resource: ResourceAddressGroup, Name: "grp", Edit: &edit}

			plan, err := newTestResolver().Resolve(context.Background(), op, target, device)
			if tt.wantCode != "" {
				if !HasCode(err, tt.wantCode) {
					t.Fatalf("expected %s, got %v", tt.wantCode, err)
				}
				if len(device.mutations()) != 0 {
					t.Errorf("expected no mutations, got %v", device.mutations())
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}

			last := plan.Steps[len(plan.Steps)-1]
			group := last.Object.(*AddressGroup)
			if strings.Join(group.Members, ",") != strings.Join(tt.wantMembers, ",") {
				t.Errorf("members = %v, want %v", group.Members, tt.wantMembers)
			}
			if group.Comment != "keep" {
				t.Errorf("expected comment to be preserved, got %q", group.Comment)
			}
			if plan.Prerequisites() != tt.wantPrereqs {
				t.Errorf("prerequisites = %d, want %d", plan.Prerequisites(), tt.wantPrereqs)
			}
		})
	}
}

func TestResolver_MemberEditMissingGroup(t *testing.T) {
	device := newFakeDevice()
	target := &testTargets("a")[0]
	op := &Operation{
		Kind:     OperationUpdate,
		Resource: ResourceAddressGroup,
		Name:     "missing",
		Edit:     &MemberEdit{Add: []string{"x"}},
	}

	_, err := newTestResolver().Resolve(context.Background(), op, target, device)
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !strings.Contains(err.Error(), "address group missing not found") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestResolver_PolicyMoveUsesLocalIDs(t *testing.T) {
	deviceA := newFakeDevice()
	deviceA.put(&Policy{ID: 3, Name: "allow-web"})
	deviceA.put(&Policy{ID: 7, Name: "deny-all"})

	deviceB := newFakeDevice()
	deviceB.put(&Policy{ID: 12, Name: "allow-web"})
	deviceB.put(&Policy{ID: 2, Name: "deny-all"})

	op := &Operation{
		Kind:     OperationMove,
		Resource: ResourcePolicy,
		Name:     "allow-web",
		Move:     &MoveSpec{Relation: MoveBefore, Reference: "deny-all"},
	}

	targets := testTargets("a", "b")
	resolver := newTestResolver()

	planA, err := resolver.Resolve(context.Background(), op, &targets[0], deviceA)
	if err != nil {
		t.Fatalf("Resolve(a) error = %v", err)
	}
	planB, err := resolver.Resolve(context.Background(), op, &targets[1], deviceB)
	if err != nil {
		t.Fatalf("Resolve(b) error = %v", err)
	}

	if s := planA.Steps[0]; s.Identifier != "3" || s.Reference != "7" || s.Relation != MoveBefore {
		t.Errorf("target a: unexpected move step %v", s)
	}
	if s := planB.Steps[0]; s.Identifier != "12" || s.Reference != "2" {
		t.Errorf("target b: unexpected move step %v", s)
	}
}

func TestResolver_PolicyMoveMissingReference(t *testing.T) {
	device := newFakeDevice()
	device.put(&Policy{ID: 3, Name: "allow-web"})
	target := &testTargets("a")[0]

	op := &Operation{
		Kind:     OperationMove,
		Resource: ResourcePolicy,
		Name:     "allow-web",
		Move:     &MoveSpec{Relation: MoveAfter, Reference: "gone"},
	}

	_, err := newTestResolver().Resolve(context.Background(), op, target, device)
	if !IsNotFound(err) || !strings.Contains(err.Error(), "policy gone not found") {
		t.Fatalf("expected reference not found, got %v", err)
	}
}

func TestResolver_PolicyDeleteByName(t *testing.T) {
	device := newFakeDevice()
	device.put(&Policy{ID: 42, Name: "legacy"})
	target := &testTargets("a")[0]

	op := &Operation{Kind: OperationDelete, Resource: ResourcePolicy, Name: "legacy"}
	plan, err := newTestResolver().Resolve(context.Background(), op, target, device)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if plan.Steps[0].Identifier != "42" {
		t.Errorf("expected policy id 42, got %s", plan.Steps[0].Identifier)
	}
}

func TestResolver_NamingTransformAppliedOnce(t *testing.T) {
	var calls int32
	transform := NameTransformFunc(func(raw string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "h-" + raw, nil
	})
	resolver := NewResolver(transform, zerolog.Nop())

	device := newFakeDevice()
	device.put(&Address{Name: "h-b.example.com", Type: AddressTypeFQDN, FQDN: "b.example.com"})
	target := &testTargets("a")[0]

	op := &Operation{
		Kind:     OperationCreate,
		Resource: ResourceAddressGroup,
		Group:    &AddressGroup{Name: "sites", Members: []string{"a.example.com", "b.example.com"}},
	}

	plan, err := resolver.Resolve(context.Background(), op, target, device)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if len(plan.Steps) != 2 {
		t.Fatalf("expected 1 prerequisite and the group, got %v", plan.Steps)
	}
	addr := plan.Steps[0].Object.(*Address)
	if addr.Name != "h-a.example.com" || addr.FQDN != "a.example.com" {
		t.Errorf("unexpected prerequisite %+v", addr)
	}
	group := plan.Steps[1].Object.(*AddressGroup)
	if strings.Join(group.Members, ",") != "h-a.example.com,h-b.example.com" {
		t.Errorf("group members = %v", group.Members)
	}

	for _, c := range device.recorded() {
		if strings.HasPrefix(c.Identifier, "h-h-") {
			t.Errorf("name transformed twice: %v", c)
		}
	}

	if op.Group.Members[0] != "a.example.com" {
		t.Error("resolver must not modify the submitted operation")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("transform called %d times, want once per member (2)", got)
	}
}

func TestDeriveAddress(t *testing.T) {
	tests := []struct {
		raw    string
		want   AddressType
		subnet string
	}{
		{"10.0.0.0/24", AddressTypeIPMask, "10.0.0.0/24"},
		{"10.0.0.7/24", AddressTypeIPMask, "10.0.0.0/24"},
		{"192.168.1.10", AddressTypeIPMask, "192.168.1.10/32"},
		{"2001:db8::1", AddressTypeIPMask, "2001:db8::1/128"},
		{"10.0.0.1-10.0.0.9", AddressTypeIPRange, ""},
		{"www.example.com", AddressTypeFQDN, ""},
		{"my-host", AddressTypeFQDN, ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := DeriveAddress(tt.raw)
			if got.Type != tt.want {
				t.Errorf("type = %s, want %s", got.Type, tt.want)
			}
			if got.Subnet != tt.subnet {
				t.Errorf("subnet = %q, want %q", got.Subnet, tt.subnet)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("derived address is invalid: %v", err)
			}
		})
	}
}
