package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// deviceCall records one call made against a fakeDevice.
type deviceCall struct {
	Method     string
	Kind       ResourceKind
	Identifier string
}

func (c deviceCall) String() string {
	return fmt.Sprintf("%s %s %s", c.Method, c.Kind, c.Identifier)
}

// fakeDevice is an in-memory appliance.
type fakeDevice struct {
	mu       sync.Mutex
	objects  map[ResourceKind]map[string]Object
	calls    []deviceCall
	failures map[string]error
	down     error
	nextID   int
	output   string
	hook     func()
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		objects: map[ResourceKind]map[string]Object{
			ResourceAddress:      {},
			ResourceAddressGroup: {},
			ResourcePolicy:       {},
			ResourceService:      {},
		},
		failures: make(map[string]error),
		nextID:   1,
	}
}

// failOn makes the given method/kind/identifier fail with err.
func (d *fakeDevice) failOn(method string, kind ResourceKind, identifier string, err error) {
	d.failures[deviceCall{method, kind, identifier}.String()] = err
}

func (d *fakeDevice) put(obj Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := obj.(*Policy); ok && p.ID == 0 {
		p.ID = d.nextID
		d.nextID++
	}
	d.objects[obj.ObjectKind()][obj.ObjectName()] = obj
}

func (d *fakeDevice) object(kind ResourceKind, name string) Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objects[kind][name]
}

func (d *fakeDevice) recorded() []deviceCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]deviceCall, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *fakeDevice) mutations() []deviceCall {
	var out []deviceCall
	for _, c := range d.recorded() {
		if c.Method != "get" {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDevice) record(method string, kind ResourceKind, identifier string) error {
	d.mu.Lock()
	c := deviceCall{method, kind, identifier}
	d.calls = append(d.calls, c)
	hook := d.hook
	down := d.down
	err := d.failures[c.String()]
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	if down != nil {
		return down
	}
	return err
}

func (d *fakeDevice) policyByID(identifier string) (*Policy, bool) {
	id, err := strconv.Atoi(identifier)
	if err != nil {
		return nil, false
	}
	for _, obj := range d.objects[ResourcePolicy] {
		if p := obj.(*Policy); p.ID == id {
			return p, true
		}
	}
	return nil, false
}

func notFound(kind ResourceKind, name string) error {
	return NewPermanentError(fmt.Sprintf("%s %s not found", kind, name), nil).
		WithCode(ErrCodeNotFound).
		WithUpstream(404, []byte(`{"status":"error","http_status":404}`))
}

func (d *fakeDevice) Get(ctx context.Context, kind ResourceKind, identifier string) (Object, error) {
	if err := d.record("get", kind, identifier); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[kind][identifier]
	if !ok {
		return nil, notFound(kind, identifier)
	}
	switch v := obj.(type) {
	case *AddressGroup:
		cp := *v
		cp.Members = append([]string(nil), v.Members...)
		return &cp, nil
	case *Policy:
		cp := *v
		return &cp, nil
	}
	return obj, nil
}

func (d *fakeDevice) Create(ctx context.Context, kind ResourceKind, obj Object) error {
	if err := d.record("create", kind, obj.ObjectName()); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.objects[kind][obj.ObjectName()]; exists {
		return NewPermanentError("entry already exists", nil).
			WithCode(ErrCodeAlreadyExists).
			WithUpstream(500, []byte(`{"status":"error","error":-5}`))
	}
	if p, ok := obj.(*Policy); ok {
		cp := *p
		cp.ID = d.nextID
		d.nextID++
		obj = &cp
	}
	d.objects[kind][obj.ObjectName()] = obj
	return nil
}

func (d *fakeDevice) Update(ctx context.Context, kind ResourceKind, identifier string, obj Object) error {
	if err := d.record("update", kind, identifier); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if kind == ResourcePolicy {
		p, ok := d.policyByID(identifier)
		if !ok {
			return notFound(kind, identifier)
		}
		delete(d.objects[kind], p.Name)
		d.objects[kind][obj.ObjectName()] = obj
		return nil
	}
	if _, ok := d.objects[kind][identifier]; !ok {
		return notFound(kind, identifier)
	}
	d.objects[kind][identifier] = obj
	return nil
}

func (d *fakeDevice) Delete(ctx context.Context, kind ResourceKind, identifier string) error {
	if err := d.record("delete", kind, identifier); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if kind == ResourcePolicy {
		p, ok := d.policyByID(identifier)
		if !ok {
			return notFound(kind, identifier)
		}
		delete(d.objects[kind], p.Name)
		return nil
	}
	if _, ok := d.objects[kind][identifier]; !ok {
		return notFound(kind, identifier)
	}
	delete(d.objects[kind], identifier)
	return nil
}

func (d *fakeDevice) Move(ctx context.Context, kind ResourceKind, identifier string, rel MoveRelation, reference string) error {
	return d.record("move", kind, identifier+" "+string(rel)+" "+reference)
}

func (d *fakeDevice) RunCommand(ctx context.Context, command string) (string, error) {
	if err := d.record("command", "", command); err != nil {
		return "", err
	}
	return d.output, nil
}

// fakeFleet maps target IDs to fake devices.
type fakeFleet map[string]*fakeDevice

func (f fakeFleet) ClientFor(target *Target) (DeviceClient, error) {
	d, ok := f[target.ID]
	if !ok {
		return nil, fmt.Errorf("no device for target %s", target.ID)
	}
	return d, nil
}

func testTargets(ids ...string) []Target {
	targets := make([]Target, len(ids))
	for i, id := range ids {
		targets[i] = Target{
			ID:      id,
			Name:    "fw-" + id,
			Host:    id + ".example.net",
			APIKey:  "key-" + id,
			Enabled: true,
		}
	}
	return targets
}
