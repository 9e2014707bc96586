package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/controlplane/auth"
	"github.com/packpool/packpool/internal/controlplane/config"
	"github.com/packpool/packpool/internal/controlplane/coordinator"
	"github.com/packpool/packpool/internal/controlplane/events"
	"github.com/packpool/packpool/internal/controlplane/store"
	"github.com/packpool/packpool/internal/protocol"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

// stubRunner approves every action instantly. Inventory lookups fail so
// the coordinator folds applied actions into the stored package map.
type stubRunner struct{}

func (stubRunner) Apply(ctx context.Context, endpointID string, action protocol.Action) error {
	return nil
}

func (stubRunner) InstalledPackages(ctx context.Context, endpointID string) (protocol.PackageMap, error) {
	return nil, errors.New("no inventory")
}

var _ coordinator.PackageRunner = stubRunner{}

func newTestServer(t *testing.T, authEnabled bool) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.AuthEnabled = authEnabled

	srv, err := New(cfg, testLogger(), stubRunner{})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.coordinator.WaitIdle()
		srv.Close()
	})
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func decodeInto(t *testing.T, data []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestHealthAndVersion(t *testing.T) {
	_, ts := newTestServer(t, false)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/version", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("version: %d", resp.StatusCode)
	}
	var v map[string]string
	decodeInto(t, body, &v)
	if v["version"] == "" {
		t.Fatalf("missing version field: %s", body)
	}
}

func TestRegisterHeartbeatFactsFlow(t *testing.T) {
	srv, ts := newTestServer(t, false)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/register", protocol.RegisterPayload{
		Name: "web-01", Hostname: "web-01.internal", OS: "linux", Arch: "amd64", Version: "0.3.0",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}
	var reg protocol.RegisteredPayload
	decodeInto(t, body, &reg)
	if reg.EndpointID == "" || !strings.HasPrefix(reg.APIKey, "pek_") {
		t.Fatalf("unexpected registration payload: %+v", reg)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/"+reg.EndpointID+"/heartbeat", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/"+reg.EndpointID+"/facts", protocol.FactsPayload{
		EndpointID: reg.EndpointID,
		Repositories: []protocol.RepositoryListing{
			{Name: "main", Packages: map[string]protocol.PackageInfo{"nginx": {Version: "1.24.0"}}},
		},
		Installed: protocol.PackageMap{"nginx": {Version: "1.24.0"}},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("facts: %d %s", resp.StatusCode, body)
	}

	ep, err := srv.Store().GetEndpoint(reg.EndpointID)
	if err != nil {
		t.Fatal(err)
	}
	if ep.Installed["nginx"].Version != "1.24.0" {
		t.Fatalf("facts not stored: %+v", ep.Installed)
	}

	// Re-registration under the same name keeps the identity.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/register", protocol.RegisterPayload{
		Name: "web-01", Hostname: "web-01.moved",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("re-register: %d %s", resp.StatusCode, body)
	}
	var again protocol.RegisteredPayload
	decodeInto(t, body, &again)
	if again.EndpointID != reg.EndpointID {
		t.Fatalf("re-registration changed identity: %s vs %s", again.EndpointID, reg.EndpointID)
	}
}

func TestPoolLifecycle(t *testing.T) {
	_, ts := newTestServer(t, false)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/pools", map[string]any{
		"name": "web",
		"policy": map[string]any{
			"auto_sync":           false,
			"conflict_resolution": "newest",
			"max_history":         5,
		},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create pool: %d %s", resp.StatusCode, body)
	}
	var pool store.Pool
	decodeInto(t, body, &pool)
	if pool.Policy.ConflictResolution != store.ConflictNewest || pool.Policy.MaxHistory != 5 {
		t.Fatalf("policy not applied: %+v", pool.Policy)
	}

	// Duplicate name conflicts.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/pools", map[string]any{"name": "web"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate pool: expected 409, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPut, ts.URL+"/api/v1/pools/"+pool.ID, map[string]any{
		"name": "web-prod",
		"policy": map[string]any{
			"conflict_resolution": "manual",
			"max_history":         5,
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update pool: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/pools", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list pools: %d", resp.StatusCode)
	}
	var pools []store.Pool
	decodeInto(t, body, &pools)
	if len(pools) != 1 || pools[0].Name != "web-prod" {
		t.Fatalf("unexpected pools: %+v", pools)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/pools/"+pool.ID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete pool: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/pools/"+pool.ID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestSyncOverHTTP(t *testing.T) {
	srv, ts := newTestServer(t, false)
	st := srv.Store()

	pool, err := st.CreatePool(store.Pool{Name: "web"})
	if err != nil {
		t.Fatal(err)
	}
	golden, err := st.RegisterEndpoint(protocol.RegisterPayload{Name: "web-01", Hostname: "web-01.internal"}, "pek_a")
	if err != nil {
		t.Fatal(err)
	}
	follower, err := st.RegisterEndpoint(protocol.RegisterPayload{Name: "web-02", Hostname: "web-02.internal"}, "pek_b")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{golden.ID, follower.ID} {
		if err := st.AssignEndpoint(id, pool.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.UpdateInstalled(golden.ID, protocol.PackageMap{"nginx": {Version: "1.25.0"}}); err != nil {
		t.Fatal(err)
	}

	// Promote the golden endpoint's map to pool target.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/"+golden.ID+"/set-latest",
		map[string]string{"message": "golden image"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("set-latest: %d %s", resp.StatusCode, body)
	}
	var target store.PackageState
	decodeInto(t, body, &target)
	if !target.IsTarget || target.Message != "golden image" {
		t.Fatalf("unexpected target: %+v", target)
	}

	// The follower's plan shows the install it needs.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/"+follower.ID+"/plan", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plan: %d %s", resp.StatusCode, body)
	}
	var plan store.SyncPlan
	decodeInto(t, body, &plan)
	if plan.Installs != 1 || plan.Actions[0].Package != "nginx" {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if !plan.DryRun {
		t.Fatal("default plan must be a dry run")
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/"+follower.ID+"/sync", nil, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("sync: %d %s", resp.StatusCode, body)
	}
	var op store.SyncOperation
	decodeInto(t, body, &op)

	final := waitOpTerminal(t, ts, op.ID)
	if final.Status != store.OpCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}

	got, _ := st.GetEndpoint(follower.ID)
	if got.SyncStatus != store.SyncInSync || got.Installed["nginx"].Version != "1.25.0" {
		t.Fatalf("follower not converged: %s %+v", got.SyncStatus, got.Installed)
	}

	// Operation history is queryable.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/operations?pool="+pool.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list operations: %d", resp.StatusCode)
	}
	var ops []store.SyncOperation
	decodeInto(t, body, &ops)
	if len(ops) != 2 { // set_as_latest + sync_to_latest
		t.Fatalf("expected 2 operations, got %+v", ops)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, ts := newTestServer(t, false)
	st := srv.Store()

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/endpoints/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var apiErr APIError
	decodeInto(t, body, &apiErr)
	if apiErr.Code != "not_found" {
		t.Fatalf("expected not_found code, got %+v", apiErr)
	}

	// An unassigned endpoint cannot plan.
	ep, err := st.RegisterEndpoint(protocol.RegisterPayload{Name: "stray", Hostname: "stray.internal"}, "pek_x")
	if err != nil {
		t.Fatal(err)
	}
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/"+ep.ID+"/plan", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", resp.StatusCode, body)
	}

	// A busy endpoint refuses a second operation.
	pool, err := st.CreatePool(store.Pool{Name: "web"})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AssignEndpoint(ep.ID, pool.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTargetState(store.PackageState{PoolID: pool.ID, Packages: protocol.PackageMap{"nginx": {Version: "1.24.0"}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateOperation(store.SyncOperation{PoolID: pool.ID, EndpointID: ep.ID, Type: store.OpSyncToLatest}); err != nil {
		t.Fatal(err)
	}
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/"+ep.ID+"/sync", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", resp.StatusCode, body)
	}
	decodeInto(t, body, &apiErr)
	if apiErr.Code != "operation_in_progress" {
		t.Fatalf("expected operation_in_progress, got %+v", apiErr)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/pools", map[string]any{"name": ""}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank pool name, got %d", resp.StatusCode)
	}
}

func TestAuthEnforcement(t *testing.T) {
	srv, ts := newTestServer(t, true)

	// Open paths need no operator key.
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should be open, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/pools", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	_, readerKey, err := srv.authStore.Create("reader", []auth.Permission{auth.PermFleetRead}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, adminKey, err := srv.authStore.Create("admin", []auth.Permission{auth.PermAdmin}, nil)
	if err != nil {
		t.Fatal(err)
	}
	bearer := func(k string) map[string]string {
		return map[string]string{"Authorization": "Bearer " + k}
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/pools", nil, bearer(readerKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reader list pools: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/pools", map[string]any{"name": "web"}, bearer(readerKey))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("reader create pool: expected 403, got %d", resp.StatusCode)
	}
	// Admin implies everything.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/pools", map[string]any{"name": "web"}, bearer(adminKey))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin create pool: %d", resp.StatusCode)
	}

	// Agent paths use the per-endpoint key, not an operator key.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/register", protocol.RegisterPayload{
		Name: "web-01", Hostname: "web-01.internal",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register under auth: %d %s", resp.StatusCode, body)
	}
	var reg protocol.RegisteredPayload
	decodeInto(t, body, &reg)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/"+reg.EndpointID+"/heartbeat", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("heartbeat without endpoint key: expected 401, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/endpoints/"+reg.EndpointID+"/heartbeat", nil,
		map[string]string{"X-Endpoint-Key": reg.APIKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat with endpoint key: %d", resp.StatusCode)
	}
}

func TestKeyManagement(t *testing.T) {
	srv, ts := newTestServer(t, true)

	_, adminKey, err := srv.authStore.Create("root", []auth.Permission{auth.PermAdmin}, nil)
	if err != nil {
		t.Fatal(err)
	}
	hdr := map[string]string{"Authorization": "Bearer " + adminKey}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/keys", map[string]any{
		"name":        "ci",
		"permissions": []string{"sync:exec"},
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", resp.StatusCode, body)
	}
	var created struct {
		Key       auth.APIKey `json:"key"`
		Plaintext string      `json:"plaintext"`
	}
	decodeInto(t, body, &created)
	if !strings.HasPrefix(created.Plaintext, "ppk_") {
		t.Fatalf("unexpected key format %q", created.Plaintext)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/keys", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d", resp.StatusCode)
	}
	var keys []auth.APIKey
	decodeInto(t, body, &keys)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %+v", keys)
	}
	if strings.Contains(string(body), created.Plaintext) {
		t.Fatal("plaintext key must never be listed")
	}

	// Revoke disables the key but keeps its record.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/keys/"+created.Key.ID+"/revoke", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke key: %d", resp.StatusCode)
	}
	if _, err := srv.authStore.Validate(created.Plaintext); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("revoked key should be disabled, got %v", err)
	}
	if len(srv.authStore.List()) != 2 {
		t.Fatal("revoke must not remove the key record")
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/keys/missing/revoke", nil, hdr)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("revoke missing key: expected 404, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/keys/"+created.Key.ID, nil, hdr)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key: %d", resp.StatusCode)
	}
	if len(srv.authStore.List()) != 1 {
		t.Fatal("delete must remove the key record")
	}
}

func TestEventsSSE(t *testing.T) {
	srv, ts := newTestServer(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connected comment, got %q", line)
	}

	srv.eventBus.Publish(events.Event{
		Type:       events.EndpointRegistered,
		EndpointID: "ep-1",
		Summary:    "endpoint web-01 registered",
	})

	deadline := time.Now().Add(3 * time.Second)
	var eventLine string
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
			break
		}
	}
	if !strings.Contains(eventLine, string(events.EndpointRegistered)) {
		t.Fatalf("expected registration event, got %q", eventLine)
	}
	data, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(data, "data: ") || !strings.Contains(data, "web-01") {
		t.Fatalf("unexpected data line %q", data)
	}
}

func waitOpTerminal(t *testing.T, ts *httptest.Server, opID string) *store.SyncOperation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/v1/operations/%s", ts.URL, opID), nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get operation: %d %s", resp.StatusCode, body)
		}
		var op store.SyncOperation
		decodeInto(t, body, &op)
		if op.Status.Terminal() {
			return &op
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("operation did not settle")
	return nil
}
