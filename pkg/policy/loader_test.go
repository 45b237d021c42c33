package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "core-groups.rego")
	if err := os.WriteFile(policyFile, []byte(coreGroupsRego), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "core-groups" {
		t.Errorf("Expected name 'core-groups', got '%s'", policy.Name)
	}
	if policy.Rego != coreGroupsRego {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled || policy.Severity != SeverityError || policy.Source != policyFile {
		t.Errorf("unexpected defaults: %+v", policy)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	data, err := json.Marshal(Policy{Name: "core", Rego: coreGroupsRego, Severity: SeverityWarning, Enabled: true, Builtin: true})
	if err != nil {
		t.Fatal(err)
	}
	policyFile := filepath.Join(t.TempDir(), "core.json")
	if err := os.WriteFile(policyFile, data, 0644); err != nil {
		t.Fatal(err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "core" || policy.Severity != SeverityWarning || policy.Builtin {
		t.Errorf("unexpected policy %+v", policy)
	}
}

func TestLoadFromFile_JSONWithoutRego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(policyFile, []byte(`{"name":"empty"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("expected error for policy without rego")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	for path, content := range map[string]string{
		filepath.Join(dir, "b.rego"):      coreGroupsRego,
		filepath.Join(sub, "a.rego"):      coreGroupsRego,
		filepath.Join(dir, "notes.txt"):   "ignored",
		filepath.Join(dir, "broken.json"): "{",
	} {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}
	if policies[0].Name != "b" || policies[1].Name != "a" {
		t.Errorf("unexpected order: %s, %s", policies[0].Name, policies[1].Name)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "core.rego"), []byte(coreGroupsRego), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-reloaded:
		if len(p) != 1 || p[0].Name != "core" {
			t.Errorf("reloaded %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestExtractDescription(t *testing.T) {
	got := extractDescription("# First line\n# second line\n\npackage x\n# not this")
	if got != "First line second line" {
		t.Errorf("extractDescription() = %q", got)
	}
}
