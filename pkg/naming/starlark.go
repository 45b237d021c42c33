// Package naming provides scripted name transforms for group members.
//
// A transform script is a Starlark file defining
//
//	def transform(raw):
//	    return "h-" + raw.replace("/", "_")
//
// The function receives the raw member value and returns the canonical object
// name. The predeclared helper address_type(raw) reports how the value would
// be created ("ipmask", "iprange" or "fqdn").
package naming

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"go.starlark.net/starlark"
)

const (
	// FunctionName is the function a transform script must define.
	FunctionName = "transform"

	defaultTimeout  = time.Second
	defaultMaxSteps = 100000
)

// StarlarkTransform is an engine.NameTransform backed by a Starlark function.
// It is safe for concurrent use: globals are frozen after loading and every
// call runs on its own thread.
type StarlarkTransform struct {
	fn       *starlark.Function
	timeout  time.Duration
	maxSteps uint64
}

var _ engine.NameTransform = (*StarlarkTransform)(nil)

// NewStarlarkTransform compiles script and looks up its transform function.
func NewStarlarkTransform(filename, script string, timeout time.Duration) (*StarlarkTransform, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	thread := newThread("load")
	globals, err := starlark.ExecFile(thread, filename, script, predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load naming script: %w", err)
	}
	globals.Freeze()

	val, ok := globals[FunctionName]
	if !ok {
		return nil, fmt.Errorf("naming script %s does not define %s(raw)", filename, FunctionName)
	}
	fn, ok := val.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("naming script %s: %s is a %s, not a function", filename, FunctionName, val.Type())
	}
	if fn.NumParams() != 1 {
		return nil, fmt.Errorf("naming script %s: %s must take exactly one parameter", filename, FunctionName)
	}

	return &StarlarkTransform{fn: fn, timeout: timeout, maxSteps: defaultMaxSteps}, nil
}

// Load returns the transform defined in path, or engine.IdentityTransform
// when path is empty.
func Load(path string, timeout time.Duration) (engine.NameTransform, error) {
	if path == "" {
		return engine.IdentityTransform, nil
	}
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read naming script: %w", err)
	}
	return NewStarlarkTransform(path, string(script), timeout)
}

// Transform implements engine.NameTransform.
func (t *StarlarkTransform) Transform(raw string) (string, error) {
	thread := newThread("transform")
	thread.SetMaxExecutionSteps(t.maxSteps)

	timer := time.AfterFunc(t.timeout, func() {
		thread.Cancel(fmt.Sprintf("timeout after %v", t.timeout))
	})
	defer timer.Stop()

	val, err := starlark.Call(thread, t.fn, starlark.Tuple{starlark.String(raw)}, nil)
	if err != nil {
		return "", engine.NewPermanentError(fmt.Sprintf("naming transform failed for %q", raw), err).
			WithCode(engine.ErrCodeValidation)
	}

	name, ok := starlark.AsString(val)
	if !ok {
		return "", engine.NewPermanentError(
			fmt.Sprintf("naming transform returned %s for %q, want string", val.Type(), raw), nil).
			WithCode(engine.ErrCodeValidation)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("naming transform returned an empty name for %q", raw), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return name, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  "naming." + name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"address_type": starlark.NewBuiltin("address_type", builtinAddressType),
	}
}

// builtinAddressType reports the address type a raw member value derives to.
func builtinAddressType(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var raw string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &raw); err != nil {
		return nil, err
	}
	return starlark.String(engine.DeriveAddress(raw).Type), nil
}
