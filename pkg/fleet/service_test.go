package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fortifleet/fortifleet/pkg/audit"
	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/stores"
	"github.com/rs/zerolog"
)

// fakeDevice is an in-memory appliance keyed by kind and name.
type fakeDevice struct {
	mu          sync.Mutex
	objects     map[string]engine.Object
	unreachable bool
	mutations   int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{objects: make(map[string]engine.Object)}
}

func key(kind engine.ResourceKind, name string) string {
	return string(kind) + "/" + name
}

func (d *fakeDevice) check() error {
	if d.unreachable {
		return engine.NewTransientError("network error", errors.New("dial tcp: connection refused")).
			WithCode(engine.ErrCodeNetwork)
	}
	return nil
}

func (d *fakeDevice) Get(_ context.Context, kind engine.ResourceKind, name string) (engine.Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	obj, ok := d.objects[key(kind, name)]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("%s %s not found", kind, name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return obj, nil
}

func (d *fakeDevice) Create(_ context.Context, kind engine.ResourceKind, obj engine.Object) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.mutations++
	d.objects[key(kind, obj.ObjectName())] = obj
	return nil
}

func (d *fakeDevice) Update(_ context.Context, kind engine.ResourceKind, name string, obj engine.Object) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.mutations++
	d.objects[key(kind, name)] = obj
	return nil
}

func (d *fakeDevice) Delete(_ context.Context, kind engine.ResourceKind, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.mutations++
	delete(d.objects, key(kind, name))
	return nil
}

func (d *fakeDevice) Move(context.Context, engine.ResourceKind, string, engine.MoveRelation, string) error {
	return d.check()
}

func (d *fakeDevice) RunCommand(context.Context, string) (string, error) {
	if err := d.check(); err != nil {
		return "", err
	}
	return "ok", nil
}

type fixture struct {
	store   *stores.SQLiteStore
	devices map[string]*fakeDevice
	service *Service
	ids     map[string]string
}

func newFixture(t *testing.T, names []string, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, devices: make(map[string]*fakeDevice), ids: make(map[string]string)}
	for _, name := range names {
		target := &engine.Target{Name: name, Host: name + ".example.net", APIKey: "key", Enabled: true}
		if err := store.AddTarget(ctx, target); err != nil {
			t.Fatal(err)
		}
		f.ids[name] = target.ID
		f.devices[target.ID] = newFakeDevice()
	}

	factory := engine.ClientFactoryFunc(func(target *engine.Target) (engine.DeviceClient, error) {
		d, ok := f.devices[target.ID]
		if !ok {
			return nil, fmt.Errorf("no device for %s", target.ID)
		}
		return d, nil
	})
	executor := engine.NewExecutor(factory, engine.NewResolver(engine.IdentityTransform, zerolog.Nop()))
	recorder := audit.NewRecorder(store)
	f.service = NewService(store, factory, executor, recorder, opts...)
	return f
}

func (f *fixture) device(name string) *fakeDevice {
	return f.devices[f.ids[name]]
}

func (f *fixture) auditEntries(t *testing.T) []stores.AuditLogEntry {
	t.Helper()
	entries, err := f.store.ListAuditLogs(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func createHost(name string) *engine.Operation {
	return &engine.Operation{
		Kind:     engine.OperationCreate,
		Resource: engine.ResourceAddress,
		Address:  &engine.Address{Name: name, Type: engine.AddressTypeIPMask, Subnet: "10.0.0.1/32"},
	}
}

func TestExecute_PartialFailureIsAudited(t *testing.T) {
	f := newFixture(t, []string{"fw-a", "fw-b"})
	f.device("fw-b").unreachable = true

	result, err := f.service.Execute(context.Background(), createHost("h1"),
		[]string{f.ids["fw-a"], f.ids["fw-b"]}, "alice")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Status != engine.FanOutStatusPartial || result.Succeeded != 1 || result.Total != 2 {
		t.Errorf("result = %+v", result)
	}

	entries := f.auditEntries(t)
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Action != stores.AuditActionCreate || e.ResourceName != "h1" || e.User != "alice" {
		t.Errorf("entry = %+v", e)
	}
	want := "fw-a: success\nfw-b: network error: dial tcp: connection refused"
	if e.Details != want {
		t.Errorf("details = %q, want %q", e.Details, want)
	}
	if e.Status != engine.FanOutStatusPartial {
		t.Errorf("status = %s", e.Status)
	}
}

func TestExecute_PreconditionsRecordNothing(t *testing.T) {
	f := newFixture(t, []string{"fw-a"})
	ctx := context.Background()

	if _, err := f.service.Execute(ctx, createHost("h1"), nil, "alice"); !errors.Is(err, engine.ErrEmptySelection) {
		t.Errorf("empty selection error = %v", err)
	}
	if _, err := f.service.Execute(ctx, &engine.Operation{Kind: engine.OperationCreate}, []string{f.ids["fw-a"]}, ""); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("malformed operation error = %v", err)
	}
	if _, err := f.service.Execute(ctx, nil, []string{f.ids["fw-a"]}, ""); err == nil {
		t.Error("expected error for nil operation")
	}

	if n := len(f.auditEntries(t)); n != 0 {
		t.Errorf("got %d audit entries, want 0", n)
	}
	if f.device("fw-a").mutations != 0 {
		t.Error("device was mutated")
	}
}

type denyAll struct {
	seen []engine.Target
}

func (g *denyAll) Check(_ context.Context, _ *engine.Operation, targets []engine.Target, _ string) error {
	g.seen = targets
	return engine.NewPermanentError("denied", nil).WithCode(engine.ErrCodePolicyDenied)
}

func TestExecute_GuardDenial(t *testing.T) {
	guard := &denyAll{}
	f := newFixture(t, []string{"fw-a", "fw-b"}, WithGuard(guard))

	_, err := f.service.Execute(context.Background(), createHost("h1"), []string{f.ids["fw-b"], "unknown"}, "")
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(guard.seen) != 1 || guard.seen[0].Name != "fw-b" {
		t.Errorf("guard saw %+v", guard.seen)
	}
	if n := len(f.auditEntries(t)); n != 0 {
		t.Errorf("got %d audit entries, want 0", n)
	}
}

func TestExecute_UsesFreshSnapshot(t *testing.T) {
	f := newFixture(t, []string{"fw-a"})
	ctx := context.Background()
	id := f.ids["fw-a"]

	if err := f.store.DeleteTarget(ctx, id); err != nil {
		t.Fatal(err)
	}
	result, err := f.service.Execute(ctx, createHost("h1"), []string{id}, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != engine.FanOutStatusFailed || result.Outcomes[0].Error.Message != "target not found" {
		t.Errorf("outcome = %+v", result.Outcomes[0])
	}
	if n := len(f.auditEntries(t)); n != 1 {
		t.Errorf("got %d audit entries, want 1", n)
	}
}

func TestDefaultSelection(t *testing.T) {
	f := newFixture(t, []string{"fw-a", "fw-b", "fw-c"})
	disabled := false
	if _, err := f.store.UpdateTarget(context.Background(), f.ids["fw-b"], stores.TargetPatch{Enabled: &disabled}); err != nil {
		t.Fatal(err)
	}

	sel, err := f.service.DefaultSelection(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sel) != 2 || sel[0] != f.ids["fw-a"] || sel[1] != f.ids["fw-c"] {
		t.Errorf("DefaultSelection() = %v", sel)
	}
}

func TestLookup(t *testing.T) {
	f := newFixture(t, []string{"fw-a", "fw-b"}, WithMaxParallel(1))
	ctx := context.Background()
	f.device("fw-a").objects[key(engine.ResourceAddressGroup, "dns")] = &engine.AddressGroup{Name: "dns", Members: []string{"h1", "h2"}}
	f.device("fw-b").unreachable = true

	result, err := f.service.Lookup(ctx, engine.ResourceAddressGroup, []string{"dns", "web"},
		[]string{f.ids["fw-a"], f.ids["fw-b"], "missing"})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if len(result.Targets) != 3 {
		t.Fatalf("got %d targets", len(result.Targets))
	}

	a := result.Targets[0]
	if a.TargetName != "fw-a" || !a.Entries[0].Found || len(a.Entries[0].Members) != 2 || a.Entries[1].Found {
		t.Errorf("fw-a = %+v", a)
	}
	b := result.Targets[1]
	if b.Entries[0].Found || b.Entries[0].Error == "" {
		t.Errorf("fw-b = %+v", b)
	}
	if result.Targets[2].Error != "target not found" {
		t.Errorf("missing = %+v", result.Targets[2])
	}

	if n := len(f.auditEntries(t)); n != 0 {
		t.Errorf("lookup recorded %d audit entries", n)
	}
	if _, err := f.service.Lookup(ctx, engine.ResourceAddress, nil, []string{f.ids["fw-a"]}); err == nil {
		t.Error("expected error for empty names")
	}
	if _, err := f.service.Lookup(ctx, engine.ResourceCommand, []string{"x"}, []string{f.ids["fw-a"]}); err == nil {
		t.Error("expected error for command kind")
	}
}
