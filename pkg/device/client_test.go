package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortifleet/fortifleet/pkg/engine"
)

// fortiOS is a minimal in-memory FortiOS REST API.
type fortiOS struct {
	mu       sync.Mutex
	tables   map[string]map[string]json.RawMessage
	requests []*recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request) bool
}

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Auth   string
	Body   string
}

func newFortiOS() *fortiOS {
	return &fortiOS{tables: make(map[string]map[string]json.RawMessage)}
}

func (f *fortiOS) put(table, key string, obj interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]json.RawMessage)
	}
	b, _ := json.Marshal(obj)
	f.tables[table][key] = b
}

func (f *fortiOS) last() *recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func (f *fortiOS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fortiOS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/api/v2/")

	f.mu.Lock()
	f.requests = append(f.requests, &recordedRequest{
		Method: r.Method,
		Path:   path,
		Query:  r.URL.Query(),
		Auth:   r.Header.Get("Authorization"),
		Body:   string(body),
	})
	handler := f.handler
	f.mu.Unlock()

	if handler != nil && handler(w, r) {
		return
	}

	table, key := path, ""
	for _, prefix := range []string{
		"cmdb/firewall/address", "cmdb/firewall/addrgrp", "cmdb/firewall/policy", "cmdb/firewall.service/custom",
	} {
		if strings.HasPrefix(path, prefix+"/") {
			table = prefix
			key, _ = url.PathUnescape(strings.TrimPrefix(path, prefix+"/"))
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.tables[table]

	switch r.Method {
	case http.MethodGet:
		if filter := r.URL.Query().Get("filter"); filter != "" {
			name := strings.TrimPrefix(filter, "name==")
			results := []json.RawMessage{}
			for _, row := range rows {
				var probe struct {
					Name string `json:"name"`
				}
				_ = json.Unmarshal(row, &probe)
				if probe.Name == name {
					results = append(results, row)
				}
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"http_status": 200, "results": results})
			return
		}
		row, ok := rows[key]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"http_status": 404, "status": "error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"http_status": 200, "results": []json.RawMessage{row}})
	case http.MethodPost:
		var probe struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(body, &probe)
		if _, exists := rows[probe.Name]; exists {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"http_status": 500, "status": "error", "error": -5,
			})
			return
		}
		if f.tables[table] == nil {
			f.tables[table] = make(map[string]json.RawMessage)
		}
		f.tables[table][probe.Name] = body
		writeJSON(w, http.StatusOK, map[string]interface{}{"http_status": 200, "status": "success", "mkey": probe.Name})
	case http.MethodPut:
		if _, ok := rows[key]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"http_status": 404, "status": "error"})
			return
		}
		if r.URL.Query().Get("action") != "move" {
			rows[key] = body
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"http_status": 200, "status": "success"})
	case http.MethodDelete:
		if _, ok := rows[key]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"http_status": 404, "status": "error"})
			return
		}
		delete(rows, key)
		writeJSON(w, http.StatusOK, map[string]interface{}{"http_status": 200, "status": "success"})
	}
}

func newTestClient(t *testing.T, fos *fortiOS, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewTLSServer(fos)
	t.Cleanup(srv.Close)

	target := &engine.Target{ID: "t1", Name: "fw-edge", Host: srv.URL, APIKey: "secret", VDOM: "branch"}
	opts = append([]Option{WithHTTPClient(srv.Client()), WithReadRetries(2, time.Millisecond)}, opts...)
	c, err := New(target, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, srv
}

func TestNewRejectsIncompleteTarget(t *testing.T) {
	if _, err := New(&engine.Target{Name: "fw", Host: "10.0.0.1"}); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil target")
	}
}

func TestGetAddress(t *testing.T) {
	fos := newFortiOS()
	fos.put("cmdb/firewall/address", "10.0.0.0/24", map[string]string{
		"name": "10.0.0.0/24", "type": "ipmask", "subnet": "10.0.0.0 255.255.255.0",
	})
	c, _ := newTestClient(t, fos)

	obj, err := c.Get(context.Background(), engine.ResourceAddress, "10.0.0.0/24")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	addr, ok := obj.(*engine.Address)
	if !ok {
		t.Fatalf("Get() returned %T, want *engine.Address", obj)
	}
	if addr.Subnet != "10.0.0.0/24" || addr.Type != engine.AddressTypeIPMask {
		t.Errorf("unexpected address %+v", addr)
	}

	req := fos.last()
	if req.Auth != "Bearer secret" {
		t.Errorf("Authorization = %q", req.Auth)
	}
	if req.Query.Get("vdom") != "branch" {
		t.Errorf("vdom = %q, want branch", req.Query.Get("vdom"))
	}
	if req.Path != "cmdb/firewall/address/10.0.0.0%2F24" {
		t.Errorf("path = %q", req.Path)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	c, _ := newTestClient(t, newFortiOS())

	_, err := c.Get(context.Background(), engine.ResourceAddressGroup, "web")
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateGroupSendsMemberReferences(t *testing.T) {
	fos := newFortiOS()
	c, _ := newTestClient(t, fos)

	group := &engine.AddressGroup{Name: "web", Members: []string{"a", "b"}}
	if err := c.Create(context.Background(), engine.ResourceAddressGroup, group); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	req := fos.last()
	if req.Method != http.MethodPost || req.Path != "cmdb/firewall/addrgrp" {
		t.Errorf("unexpected request %s %s", req.Method, req.Path)
	}
	if !strings.Contains(req.Body, `"member":[{"name":"a"},{"name":"b"}]`) {
		t.Errorf("body = %s", req.Body)
	}

	obj, err := c.Get(context.Background(), engine.ResourceAddressGroup, "web")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := obj.(*engine.AddressGroup).Members; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("members = %v", got)
	}
}

func TestGetGroupAcceptsStringMembers(t *testing.T) {
	fos := newFortiOS()
	fos.put("cmdb/firewall/addrgrp", "web", map[string]interface{}{
		"name": "web", "member": []string{"a", "b", "c"},
	})
	c, _ := newTestClient(t, fos)

	obj, err := c.Get(context.Background(), engine.ResourceAddressGroup, "web")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := obj.(*engine.AddressGroup).Members; len(got) != 3 {
		t.Errorf("members = %v", got)
	}
}

func TestCreateDuplicateIsAlreadyExists(t *testing.T) {
	fos := newFortiOS()
	fos.put("cmdb/firewall/address", "h1", map[string]string{"name": "h1"})
	c, _ := newTestClient(t, fos)

	err := c.Create(context.Background(), engine.ResourceAddress, &engine.Address{Name: "h1", Subnet: "10.0.0.1/32"})
	if !engine.IsAlreadyExists(err) {
		t.Fatalf("expected already exists, got %v", err)
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.StatusCode != http.StatusInternalServerError || len(ee.Upstream) == 0 {
		t.Errorf("expected upstream status and body, got %+v", ee)
	}
}

func TestPolicyLookupAndMove(t *testing.T) {
	fos := newFortiOS()
	fos.put("cmdb/firewall/policy", "7", map[string]interface{}{
		"policyid": 7, "name": "allow-web", "nat": "enable",
		"srcaddr": []map[string]string{{"name": "all"}},
	})
	fos.put("cmdb/firewall/policy", "3", map[string]interface{}{"policyid": 3, "name": "deny-all"})
	c, _ := newTestClient(t, fos)

	obj, err := c.Get(context.Background(), engine.ResourcePolicy, "allow-web")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	policy := obj.(*engine.Policy)
	if policy.ID != 7 || !policy.NAT || len(policy.SrcAddr) != 1 || policy.SrcAddr[0] != "all" {
		t.Errorf("unexpected policy %+v", policy)
	}
	if req := fos.last(); req.Query.Get("filter") != "name==allow-web" || req.Path != "cmdb/firewall/policy" {
		t.Errorf("lookup request = %s ?%v", req.Path, req.Query)
	}

	if _, err := c.Get(context.Background(), engine.ResourcePolicy, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found for empty filter result, got %v", err)
	}

	if err := c.Move(context.Background(), engine.ResourcePolicy, "7", engine.MoveBefore, "3"); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	req := fos.last()
	if req.Method != http.MethodPut || req.Path != "cmdb/firewall/policy/7" {
		t.Errorf("move request = %s %s", req.Method, req.Path)
	}
	if req.Query.Get("action") != "move" || req.Query.Get("before") != "3" {
		t.Errorf("move query = %v", req.Query)
	}
}

func TestUpdateAndDeleteService(t *testing.T) {
	fos := newFortiOS()
	fos.put("cmdb/firewall.service/custom", "web-8080", map[string]string{"name": "web-8080"})
	c, _ := newTestClient(t, fos)

	svc := &engine.Service{Name: "web-8080", Protocol: "TCP/UDP/SCTP", TCPPortRange: "8080"}
	if err := c.Update(context.Background(), engine.ResourceService, "web-8080", svc); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if body := fos.last().Body; !strings.Contains(body, `"tcp-portrange":"8080"`) {
		t.Errorf("update body = %s", body)
	}

	if err := c.Delete(context.Background(), engine.ResourceService, "web-8080"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(context.Background(), engine.ResourceService, "web-8080"); !engine.IsNotFound(err) {
		t.Errorf("second delete: expected not found, got %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	tests := []struct {
		name     string
		response map[string]interface{}
		want     string
	}{
		{
			name:     "string results",
			response: map[string]interface{}{"results": "Version: FortiGate-60F v7.2.5"},
			want:     "Version: FortiGate-60F v7.2.5",
		},
		{
			name:     "structured results",
			response: map[string]interface{}{"results": map[string]string{"hostname": "fw1"}},
			want:     "{\n  \"results\": {\n    \"hostname\": \"fw1\"\n  }\n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fos := newFortiOS()
			fos.handler = func(w http.ResponseWriter, r *http.Request) bool {
				writeJSON(w, http.StatusOK, tt.response)
				return true
			}
			c, _ := newTestClient(t, fos)

			out, err := c.RunCommand(context.Background(), "get system status")
			if err != nil {
				t.Fatalf("RunCommand() error = %v", err)
			}
			if out != tt.want {
				t.Errorf("output = %q, want %q", out, tt.want)
			}

			req := fos.last()
			if req.Path != "monitor/system/cli" || req.Method != http.MethodPost {
				t.Errorf("request = %s %s", req.Method, req.Path)
			}
			if !strings.Contains(req.Body, `"command":"get system status"`) || !strings.Contains(req.Body, `"vdom":"branch"`) {
				t.Errorf("body = %s", req.Body)
			}
		})
	}
}

func TestRunCommandErrorDescription(t *testing.T) {
	fos := newFortiOS()
	fos.handler = func(w http.ResponseWriter, r *http.Request) bool {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status": "error", "error_description": "Command fail. Return code -61",
		})
		return true
	}
	c, _ := newTestClient(t, fos)

	_, err := c.RunCommand(context.Background(), "bogus")
	if err == nil || err.Error() != "Command fail. Return code -61" {
		t.Fatalf("error = %v", err)
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %+v", ee)
	}
	if !strings.Contains(string(ee.Upstream), "Return code -61") {
		t.Errorf("upstream = %s", ee.Upstream)
	}
}

func TestReadsRetryTransientFailures(t *testing.T) {
	fos := newFortiOS()
	fos.put("cmdb/firewall/address", "h1", map[string]string{"name": "h1"})
	failures := 2
	fos.handler = func(w http.ResponseWriter, r *http.Request) bool {
		if failures > 0 {
			failures--
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "error"})
			return true
		}
		return false
	}
	c, _ := newTestClient(t, fos)

	if _, err := c.Get(context.Background(), engine.ResourceAddress, "h1"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := fos.count(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestMutationsDoNotRetry(t *testing.T) {
	fos := newFortiOS()
	fos.handler = func(w http.ResponseWriter, r *http.Request) bool {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "error"})
		return true
	}
	c, _ := newTestClient(t, fos)

	err := c.Create(context.Background(), engine.ResourceAddress, &engine.Address{Name: "h1", Subnet: "10.0.0.1/32"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := fos.count(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestUnreachableIsNetworkError(t *testing.T) {
	c, srv := newTestClient(t, newFortiOS(), WithReadRetries(0, 0))
	srv.Close()

	_, err := c.Get(context.Background(), engine.ResourceAddress, "h1")
	if !engine.HasCode(err, engine.ErrCodeNetwork) {
		t.Fatalf("expected network error code, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "network error: ") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestLightTimeout(t *testing.T) {
	fos := newFortiOS()
	release := make(chan struct{})
	fos.handler = func(w http.ResponseWriter, r *http.Request) bool {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		return true
	}
	c, _ := newTestClient(t, fos, WithTimeouts(50*time.Millisecond, 0))
	defer close(release)

	err := c.Delete(context.Background(), engine.ResourceAddress, "h1")
	if !engine.HasCode(err, engine.ErrCodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestFingerprintPinning(t *testing.T) {
	fos := newFortiOS()
	fos.put("cmdb/firewall/address", "h1", map[string]string{"name": "h1"})
	srv := httptest.NewTLSServer(fos)
	defer srv.Close()

	sum := sha256.Sum256(srv.Certificate().Raw)
	target := &engine.Target{Name: "fw", Host: srv.URL, APIKey: "k"}

	good, err := New(target, WithFingerprint(hex.EncodeToString(sum[:])))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := good.Get(context.Background(), engine.ResourceAddress, "h1"); err != nil {
		t.Errorf("pinned fingerprint rejected: %v", err)
	}

	bad, err := New(target, WithFingerprint(strings.Repeat("00", 32)), WithReadRetries(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bad.Get(context.Background(), engine.ResourceAddress, "h1"); err == nil {
		t.Error("mismatched fingerprint accepted")
	}
}

func TestFactoryBuildsClients(t *testing.T) {
	f := NewFactory(WithTimeouts(time.Second, 2*time.Second))
	client, err := f.ClientFor(&engine.Target{Name: "fw", Host: "192.0.2.1", APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	c := client.(*Client)
	if c.baseURL != "https://192.0.2.1/api/v2" || c.vdom != "root" || c.lightTimeout != time.Second {
		t.Errorf("unexpected client %+v", c)
	}

	if client, err := f.ClientFor(&engine.Target{Name: "fw"}); err == nil || client != nil {
		t.Errorf("expected nil client and error, got %v, %v", client, err)
	}
}

func TestSubnetToCIDR(t *testing.T) {
	tests := map[string]string{
		"10.0.0.0 255.255.255.0":   "10.0.0.0/24",
		"10.1.2.3 255.255.255.255": "10.1.2.3/32",
		"10.0.0.0/8":               "10.0.0.0/8",
		"":                         "",
	}
	for in, want := range tests {
		if got := subnetToCIDR(in); got != want {
			t.Errorf("subnetToCIDR(%q) = %q, want %q", in, got, want)
		}
	}
}
