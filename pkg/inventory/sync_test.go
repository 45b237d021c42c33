package inventory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/stores"
)

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func writeInventory(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "inventory.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const twoTargets = `
targets:
  - name: fw-hq
    host: 203.0.113.10
    api_key: key-hq
  - name: fw-branch
    host: fw-branch.example.net:8443
    api_key: key-branch
    vdom: branch
    enabled: false
`

func targetsByName(t *testing.T, store stores.TargetStore) map[string]engine.Target {
	t.Helper()
	list, err := store.ListTargets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]engine.Target, len(list))
	for _, tg := range list {
		out[tg.Name] = tg
	}
	return out
}

func TestParse(t *testing.T) {
	f, err := Parse([]byte(twoTargets))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(f.Targets) != 2 {
		t.Fatalf("got %d targets", len(f.Targets))
	}

	hq, err := f.Targets[0].Target("root")
	if err != nil {
		t.Fatal(err)
	}
	if !hq.Enabled || hq.VDOM != "root" || hq.APIKey != "key-hq" {
		t.Errorf("hq = %+v", hq)
	}
	branch, _ := f.Targets[1].Target("root")
	if branch.Enabled || branch.VDOM != "branch" {
		t.Errorf("branch = %+v", branch)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "targets: [", "failed to parse"},
		{"missing host", "targets:\n  - name: a\n    api_key: k\n", "Host"},
		{"missing key", "targets:\n  - name: a\n    host: h\n", "APIKey"},
		{"duplicate", "targets:\n  - {name: a, host: h, api_key: k}\n  - {name: a, host: h2, api_key: k}\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestEntryKeyFromEnv(t *testing.T) {
	t.Setenv("FW_TEST_KEY", " secret ")
	e := Entry{Name: "a", Host: "h", APIKeyEnv: "FW_TEST_KEY"}
	tg, err := e.Target("")
	if err != nil {
		t.Fatal(err)
	}
	if tg.APIKey != "secret" {
		t.Errorf("APIKey = %q", tg.APIKey)
	}

	e.APIKeyEnv = "FW_TEST_UNSET_KEY"
	if _, err := e.Target(""); err == nil {
		t.Error("expected error for empty env variable")
	}
}

func TestSync(t *testing.T) {
	store := newTestStore(t)
	syncer := NewSyncer(store, WithDefaultVDOM("root"))
	ctx := context.Background()

	f, _ := Parse([]byte(twoTargets))
	report, err := syncer.Sync(ctx, f)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(report.Added) != 2 || !report.Changed() {
		t.Fatalf("first sync report = %+v", report)
	}

	report, err = syncer.Sync(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if report.Changed() || len(report.Unchanged) != 2 {
		t.Errorf("second sync report = %+v", report)
	}

	f.Targets[0].Host = "203.0.113.11"
	f.Targets = f.Targets[:1]
	report, err = syncer.Sync(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Updated) != 1 || report.Updated[0] != "fw-hq" || len(report.Removed) != 0 {
		t.Errorf("update report = %+v", report)
	}
	got := targetsByName(t, store)
	if got["fw-hq"].Host != "203.0.113.11" {
		t.Errorf("host not updated: %+v", got["fw-hq"])
	}
	if _, ok := got["fw-branch"]; !ok {
		t.Error("target missing from file removed without pruning")
	}
}

func TestSyncPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	f, _ := Parse([]byte(twoTargets))
	if _, err := NewSyncer(store).Sync(ctx, f); err != nil {
		t.Fatal(err)
	}

	f.Targets = f.Targets[1:]
	report, err := NewSyncer(store, WithPrune(true)).Sync(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != "fw-hq" {
		t.Errorf("report = %+v", report)
	}
	if got := targetsByName(t, store); len(got) != 1 {
		t.Errorf("targets after prune = %v", got)
	}
}

func TestSyncBadEntryWritesNothing(t *testing.T) {
	store := newTestStore(t)
	f := &File{Targets: []Entry{
		{Name: "a", Host: "h", APIKey: "k"},
		{Name: "b", Host: "h", APIKeyEnv: "FW_TEST_UNSET_KEY"},
	}}
	if _, err := NewSyncer(store).Sync(context.Background(), f); err == nil {
		t.Fatal("expected error")
	}
	if got := targetsByName(t, store); len(got) != 0 {
		t.Errorf("store modified: %v", got)
	}
}

func TestSeed(t *testing.T) {
	store := newTestStore(t)
	syncer := NewSyncer(store)
	ctx := context.Background()
	path := writeInventory(t, t.TempDir(), twoTargets)

	seeded, err := syncer.Seed(ctx, path)
	if err != nil || !seeded {
		t.Fatalf("Seed() = %v, %v", seeded, err)
	}

	path = writeInventory(t, t.TempDir(), "targets:\n  - {name: other, host: h, api_key: k}\n")
	seeded, err = syncer.Seed(ctx, path)
	if err != nil || seeded {
		t.Errorf("Seed() on populated store = %v, %v", seeded, err)
	}
	if got := targetsByName(t, store); len(got) != 2 {
		t.Errorf("targets = %v", got)
	}
}

func TestWatch(t *testing.T) {
	store := newTestStore(t)
	syncer := NewSyncer(store)
	dir := t.TempDir()
	path := writeInventory(t, dir, "targets: []\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	synced := make(chan *Report, 4)
	if err := syncer.Watch(ctx, path, func(r *Report, err error) {
		if err == nil {
			synced <- r
		}
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeInventory(t, dir, twoTargets)

	select {
	case r := <-synced:
		if len(r.Added) != 2 {
			t.Errorf("report = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inventory sync")
	}
}
