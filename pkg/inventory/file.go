// Package inventory keeps the target store in step with a YAML inventory file.
//
//	targets:
//	  - name: fw-hq
//	    host: 203.0.113.10
//	    api_key_env: FW_HQ_KEY
//	  - name: fw-branch
//	    host: fw-branch.example.net:8443
//	    api_key: "..."
//	    vdom: branch
//	    enabled: false
//
// Targets are matched by name. Sync adds and updates targets; it removes
// targets missing from the file only when pruning is enabled.
package inventory

import (
	"fmt"
	"os"
	"strings"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// File is a parsed inventory file.
type File struct {
	Targets []Entry `yaml:"targets" validate:"dive"`
}

// Entry is one target in an inventory file.
type Entry struct {
	Name string `yaml:"name" validate:"required"`
	Host string `yaml:"host" validate:"required"`

	// APIKey is the REST token. APIKeyEnv names an environment variable to
	// read it from instead.
	APIKey    string `yaml:"api_key,omitempty" validate:"required_without=APIKeyEnv"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	VDOM string `yaml:"vdom,omitempty"`

	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// Parse decodes and validates inventory YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Targets))
	for _, e := range f.Targets {
		if _, ok := seen[e.Name]; ok {
			return nil, fmt.Errorf("invalid inventory: duplicate target name %q", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return &f, nil
}

// LoadFile reads and parses the inventory at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return Parse(data)
}

// Target converts the entry to a target, resolving the API key. defaultVDOM
// is used when the entry has none.
func (e *Entry) Target(defaultVDOM string) (*engine.Target, error) {
	key := e.APIKey
	if e.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(e.APIKeyEnv))
		if key == "" {
			return nil, fmt.Errorf("target %s: environment variable %s is empty", e.Name, e.APIKeyEnv)
		}
	}

	vdom := e.VDOM
	if vdom == "" {
		vdom = defaultVDOM
	}
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}

	return &engine.Target{
		Name:    e.Name,
		Host:    e.Host,
		APIKey:  key,
		VDOM:    vdom,
		Enabled: enabled,
	}, nil
}
