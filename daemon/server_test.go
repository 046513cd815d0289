package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"segid"
	"segid/daemon"
	"segid/internal/adapter/fake"
	"segid/internal/issuer"
	"segid/internal/registry"
	"segid/internal/segment"
)

type staticProbe string

func (p staticProbe) Phase() string { return string(p) }

type testAPI struct {
	ts    *httptest.Server
	store *fake.Store
	clock *fake.Clock
}

func newTestAPI(t *testing.T, probe daemon.ClockProbe) *testAPI {
	t.Helper()

	clock := fake.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	store := fake.NewStore()
	reg := registry.New(store, clock, "node-odd", segid.RoleOdd, 30*time.Second, 90*time.Second)
	if err := reg.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	engine := issuer.New(store, reg, clock, issuer.Config{
		NodeID:      "node-odd",
		Role:        segid.RoleOdd,
		DefaultStep: 1000,
		// Above 1.0 so background prefetch never fires mid-test.
		RefreshThreshold: 2,
	})

	ts := httptest.NewServer(daemon.NewServer(engine, probe).Handler())
	t.Cleanup(ts.Close)
	return &testAPI{ts: ts, store: store, clock: clock}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (a *testAPI) do(t *testing.T, method, path string, body any, out any) (int, apiEnvelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, a.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := a.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return resp.StatusCode, env
}

func TestGeneratePost(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	var got segid.GenerateResponse
	code, env := api.do(t, http.MethodPost, "/api/id/generate", segid.GenerateRequest{
		BusinessType: "order",
		TimeKey:      "20260301",
		Count:        3,
	}, &got)

	if code != http.StatusOK || !env.Success {
		t.Fatalf("code=%d success=%v message=%q", code, env.Success, env.Message)
	}
	if len(got.IDs) != 3 || got.IDs[0] != 1 || got.IDs[2] != 3 {
		t.Fatalf("ids = %v", got.IDs)
	}
	if got.Role != segid.RoleOdd || got.NodeID != "node-odd" {
		t.Fatalf("identity = %s/%s", got.Role, got.NodeID)
	}
}

func TestGenerateValidationError(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	code, env := api.do(t, http.MethodPost, "/api/id/generate", segid.GenerateRequest{
		BusinessType: "",
	}, nil)
	if code != http.StatusBadRequest || env.Success {
		t.Fatalf("code=%d success=%v", code, env.Success)
	}
	if env.Message == "" {
		t.Fatalf("validation failure must carry a message")
	}
}

func TestGenerateBatchByQuery(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	var got segid.GenerateResponse
	code, _ := api.do(t, http.MethodGet, "/api/id/generate/order?count=5&time_key=20260301", nil, &got)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if len(got.IDs) != 5 {
		t.Fatalf("ids = %v, want 5", got.IDs)
	}
}

func TestGenerateSingleIgnoresCount(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	var got segid.GenerateResponse
	code, _ := api.do(t, http.MethodGet, "/api/id/single/order?count=50&time_key=20260301", nil, &got)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if len(got.IDs) != 1 {
		t.Fatalf("single endpoint returned %d ids", len(got.IDs))
	}
}

func TestGenerateWithRoutingQuery(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	var got segid.GenerateResponse
	code, _ := api.do(t, http.MethodGet,
		"/api/id/generate/order?time_key=20260301&shard_db_count=4&shard_table_count=8", nil, &got)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if got.Routing == nil {
		t.Fatalf("expected routing info")
	}
	if got.Routing.DBIndex != int(got.IDs[0]%4) {
		t.Fatalf("db index = %d for id %d", got.Routing.DBIndex, got.IDs[0])
	}
}

func TestStatusCarriesClockPhase(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, staticProbe("healthy"))
	var got segid.Status
	code, _ := api.do(t, http.MethodGet, "/api/id/status", nil, &got)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if got.NodeID != "node-odd" || got.Role != segid.RoleOdd {
		t.Fatalf("identity = %s/%s", got.NodeID, got.Role)
	}
	if got.ClockPhase != "healthy" {
		t.Fatalf("clock phase = %q", got.ClockPhase)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	var got map[string]string
	code, env := api.do(t, http.MethodGet, "/api/id/health", nil, &got)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("code=%d success=%v", code, env.Success)
	}
	if got["status"] != "ok" || got["role"] != "odd" {
		t.Fatalf("health = %v", got)
	}
}

func TestCleanExpiredEndpoint(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	err := api.store.CreateSegment(context.Background(), segment.Segment{
		BusinessType: "order", TimeKey: "20260101", Role: segid.RoleOdd, MaxValue: 1000, StepSize: 1000,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var got map[string]int
	code, _ := api.do(t, http.MethodDelete, "/api/id/segments/expired/20260201", nil, &got)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if got["deleted"] != 1 {
		t.Fatalf("deleted = %d, want 1", got["deleted"])
	}
}

func TestStepSizeChangeEndpoint(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	err := api.store.CreateSegment(context.Background(), segment.Segment{
		BusinessType: "order", TimeKey: "20260301", Role: segid.RoleOdd, MaxValue: 1000, StepSize: 1000,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var preview segid.StepChangeReport
	code, _ := api.do(t, http.MethodPost, "/api/id/admin/step-size/change", map[string]any{
		"business_type": "order",
		"new_step_size": 2000,
		"preview":       true,
	}, &preview)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if !preview.Preview || preview.Changed != 1 {
		t.Fatalf("preview report = %+v", preview)
	}

	var report segid.StepChangeReport
	if code, _ := api.do(t, http.MethodPost, "/api/id/admin/step-size/change", map[string]any{
		"business_type": "order",
		"new_step_size": 2000,
	}, &report); code != http.StatusOK {
		t.Fatalf("execute code = %d", code)
	}
	if report.Preview || report.Changed != 1 {
		t.Fatalf("execute report = %+v", report)
	}
}

func TestConsistencyEndpointSwitchesOnQuery(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	for i, step := range []int{1000, 2000} {
		err := api.store.CreateSegment(context.Background(), segment.Segment{
			BusinessType: "order",
			TimeKey:      fmt.Sprintf("2026030%d", i+1),
			Role:         segid.RoleOdd,
			MaxValue:     int64(step),
			StepSize:     step,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	var one segid.ConsistencyReport
	if code, _ := api.do(t, http.MethodGet, "/api/id/admin/step-size/consistency?business_type=order", nil, &one); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if one.Consistent || one.SegmentCount != 2 {
		t.Fatalf("report = %+v, want inconsistent with 2 segments", one)
	}

	var global segid.GlobalConsistencyReport
	if code, _ := api.do(t, http.MethodGet, "/api/id/admin/step-size/consistency", nil, &global); code != http.StatusOK {
		t.Fatalf("global code = %d", code)
	}
	if global.Inconsistent != 1 {
		t.Fatalf("global report = %+v", global)
	}
}

func TestProxyLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	var status segid.ProxyStatus
	if code, _ := api.do(t, http.MethodGet, "/api/id/admin/proxy/status", nil, &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.FailoverMode || status.ProxyCount != 0 {
		t.Fatalf("fresh node proxy status = %+v", status)
	}

	var report segid.AbandonReport
	if code, _ := api.do(t, http.MethodPost, "/api/id/admin/proxy/abandon", nil, &report); code != http.StatusOK {
		t.Fatalf("abandon code = %d", code)
	}
	if report.Abandoned != 0 {
		t.Fatalf("abandon report = %+v", report)
	}
}

func TestRecoverRefreshEndpoint(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, nil)
	var report segid.RecoverReport
	if code, _ := api.do(t, http.MethodPost, "/api/id/admin/refresh/recover", nil, &report); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if report.Recovered != 0 {
		t.Fatalf("report = %+v", report)
	}
}
