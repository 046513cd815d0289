package issuer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"segid"
	"segid/internal/adapter/fake"
	"segid/internal/issuer"
	"segid/internal/registry"
)

// testNode bundles an engine with the fakes behind it. The refresh
// threshold is set above 1 so prefetch goroutines never fire and ID
// sequences stay deterministic; prefetch behaviour is tested separately.
type testNode struct {
	engine *issuer.Engine
	store  *fake.Store
	clock  *fake.Clock
	reg    *registry.Service
}

func newTestNode(t *testing.T, store *fake.Store, clock *fake.Clock, role segid.Role, step int) *testNode {
	t.Helper()
	nodeID := "node-" + role.String()
	reg := registry.New(store, clock, nodeID, role, 30*time.Second, 90*time.Second)
	engine := issuer.New(store, reg, clock, issuer.Config{
		NodeID:           nodeID,
		Role:             role,
		DefaultStep:      step,
		RefreshThreshold: 2,
	})
	return &testNode{engine: engine, store: store, clock: clock, reg: reg}
}

func startedNode(t *testing.T, role segid.Role, step int) *testNode {
	t.Helper()
	node := newTestNode(t, fake.NewStore(), fake.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)), role, step)
	if err := node.reg.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return node
}

func mustGenerate(t *testing.T, engine *issuer.Engine, req segid.GenerateRequest) *segid.GenerateResponse {
	t.Helper()
	resp, err := engine.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate %+v: %v", req, err)
	}
	return resp
}

func TestFreshOddServesFirstInterval(t *testing.T) {
	t.Parallel()

	node := startedNode(t, segid.RoleOdd, 1000)
	resp := mustGenerate(t, node.engine, segid.GenerateRequest{
		BusinessType: "order", TimeKey: "20260301", Count: 10,
	})

	if len(resp.IDs) != 10 {
		t.Fatalf("got %d ids, want 10", len(resp.IDs))
	}
	for i, id := range resp.IDs {
		if id != int64(i+1) {
			t.Fatalf("ids[%d] = %d, want %d", i, id, i+1)
		}
	}
	if resp.Role != segid.RoleOdd {
		t.Fatalf("role = %s, want odd", resp.Role)
	}
	if resp.NodeID != "node-odd" {
		t.Fatalf("node id = %q", resp.NodeID)
	}

	seg, ok, err := node.store.GetSegment(context.Background(), "order", "20260301", segid.RoleOdd)
	if err != nil || !ok {
		t.Fatalf("segment row missing: ok=%v err=%v", ok, err)
	}
	if seg.MaxValue != 1000 || seg.StepSize != 1000 {
		t.Fatalf("stored max=%d step=%d, want 1000/1000", seg.MaxValue, seg.StepSize)
	}
}

func TestEmptyTimeKeySubstitutesDate(t *testing.T) {
	t.Parallel()

	node := startedNode(t, segid.RoleOdd, 1000)
	resp := mustGenerate(t, node.engine, segid.GenerateRequest{BusinessType: "order"})

	if resp.TimeKey != "20260301" {
		t.Fatalf("time key = %q, want 20260301", resp.TimeKey)
	}
	if len(resp.IDs) != 1 || resp.IDs[0] != 1 {
		t.Fatalf("ids = %v, want [1]", resp.IDs)
	}
}

func TestExhaustionSkipsPeerInterval(t *testing.T) {
	t.Parallel()

	// Step 10: odd owns [1,10], [21,30], ... The 11th ID jumps over the
	// even role's [11,20].
	node := startedNode(t, segid.RoleOdd, 10)
	resp := mustGenerate(t, node.engine, segid.GenerateRequest{
		BusinessType: "order", TimeKey: "20260301", Count: 11,
	})

	for i := 0; i < 10; i++ {
		if resp.IDs[i] != int64(i+1) {
			t.Fatalf("ids[%d] = %d, want %d", i, resp.IDs[i], i+1)
		}
	}
	if resp.IDs[10] != 21 {
		t.Fatalf("ids[10] = %d, want 21 (peer interval skipped)", resp.IDs[10])
	}

	seg, _, err := node.store.GetSegment(context.Background(), "order", "20260301", segid.RoleOdd)
	if err != nil {
		t.Fatalf("get segment: %v", err)
	}
	if seg.MaxValue != 30 {
		t.Fatalf("stored max = %d, want 30", seg.MaxValue)
	}
}

func TestFreshEvenStartsAboveOddInterval(t *testing.T) {
	t.Parallel()

	node := startedNode(t, segid.RoleEven, 1000)
	resp := mustGenerate(t, node.engine, segid.GenerateRequest{
		BusinessType: "user", TimeKey: "20260301", Count: 1,
	})

	if resp.IDs[0] != 1001 {
		t.Fatalf("first even id = %d, want 1001", resp.IDs[0])
	}
	seg, _, err := node.store.GetSegment(context.Background(), "user", "20260301", segid.RoleEven)
	if err != nil {
		t.Fatalf("get segment: %v", err)
	}
	if seg.MaxValue != 2000 {
		t.Fatalf("stored max = %d, want 2000", seg.MaxValue)
	}
}

func TestForceRoleOverridesSelection(t *testing.T) {
	t.Parallel()

	node := startedNode(t, segid.RoleOdd, 1000)
	forced := segid.RoleEven
	resp := mustGenerate(t, node.engine, segid.GenerateRequest{
		BusinessType: "order", TimeKey: "20260301", ForceRole: &forced,
	})

	if resp.Role != segid.RoleEven {
		t.Fatalf("role = %s, want even", resp.Role)
	}
	if resp.IDs[0] != 1001 {
		t.Fatalf("forced even id = %d, want 1001", resp.IDs[0])
	}
}

func TestCustomStepAdoptedOnRefill(t *testing.T) {
	t.Parallel()

	node := startedNode(t, segid.RoleOdd, 10)
	ctx := context.Background()

	// Exhaust the first interval [1,10].
	mustGenerate(t, node.engine, segid.GenerateRequest{
		BusinessType: "order", TimeKey: "20260301", Count: 10,
	})

	// The refill recomputes the next interval with the new width: the
	// global max is 10, so the next odd-owned 20-wide interval is [41,60].
	resp := mustGenerate(t, node.engine, segid.GenerateRequest{
		BusinessType: "order", TimeKey: "20260301", Count: 1, CustomStepSize: 20,
	})
	if resp.IDs[0] != 41 {
		t.Fatalf("first id after step change = %d, want 41", resp.IDs[0])
	}

	seg, _, err := node.store.GetSegment(ctx, "order", "20260301", segid.RoleOdd)
	if err != nil {
		t.Fatalf("get segment: %v", err)
	}
	if seg.StepSize != 20 || seg.MaxValue != 60 {
		t.Fatalf("stored step=%d max=%d, want 20/60", seg.StepSize, seg.MaxValue)
	}
}

func TestRoutingHintFromFirstID(t *testing.T) {
	t.Parallel()

	node := startedNode(t, segid.RoleEven, 1000)
	resp := mustGenerate(t, node.engine, segid.GenerateRequest{
		BusinessType:    "order",
		TimeKey:         "20260301",
		Count:           3,
		IncludeRouting:  true,
		ShardDBCount:    4,
		ShardTableCount: 8,
	})

	if resp.Routing == nil {
		t.Fatalf("routing hint missing")
	}
	if resp.Routing.RoutingKey != resp.IDs[0] {
		t.Fatalf("routing key = %d, want first id %d", resp.Routing.RoutingKey, resp.IDs[0])
	}
	if resp.Routing.DBIndex != int(resp.IDs[0]%4) {
		t.Fatalf("db index = %d", resp.Routing.DBIndex)
	}
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()

	node := startedNode(t, segid.RoleOdd, 1000)
	bad := segid.Role(7)

	tests := []struct {
		name string
		req  segid.GenerateRequest
	}{
		{"empty business", segid.GenerateRequest{Count: 1}},
		{"negative count", segid.GenerateRequest{BusinessType: "order", Count: -1}},
		{"oversized count", segid.GenerateRequest{BusinessType: "order", Count: 10001}},
		{"negative step", segid.GenerateRequest{BusinessType: "order", CustomStepSize: -5}},
		{"unknown forced role", segid.GenerateRequest{BusinessType: "order", ForceRole: &bad}},
		{"routing without db count", segid.GenerateRequest{BusinessType: "order", IncludeRouting: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := node.engine.Generate(context.Background(), tt.req)
			if !errors.Is(err, issuer.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestBalancedSelectionPrefersAbsentRole(t *testing.T) {
	t.Parallel()

	store := fake.NewStore()
	clock := fake.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	odd := newTestNode(t, store, clock, segid.RoleOdd, 1000)
	even := newTestNode(t, store, clock, segid.RoleEven, 1000)
	if err := odd.reg.Register(ctx); err != nil {
		t.Fatalf("register odd: %v", err)
	}
	if err := even.reg.Register(ctx); err != nil {
		t.Fatalf("register even: %v", err)
	}

	// First request: no rows anywhere, tie falls to the node's own role.
	resp := mustGenerate(t, odd.engine, segid.GenerateRequest{BusinessType: "order", TimeKey: "20260301"})
	if resp.Role != segid.RoleOdd {
		t.Fatalf("first selection = %s, want own role odd", resp.Role)
	}

	// Drop cached buffers; with the odd row present and the even row
	// absent, selection now prefers the untouched even class.
	odd.engine.AbandonProxies()
	resp = mustGenerate(t, odd.engine, segid.GenerateRequest{BusinessType: "order", TimeKey: "20260301"})
	if resp.Role != segid.RoleEven {
		t.Fatalf("second selection = %s, want absent role even", resp.Role)
	}
	if resp.IDs[0] != 1001 {
		t.Fatalf("even first id = %d, want 1001", resp.IDs[0])
	}
}

func TestProxyModeHashSelectionIsStable(t *testing.T) {
	t.Parallel()

	// No nodes registered at all: peer reads as offline and no segment
	// rows exist, so the role comes from the key hash. It must not flip
	// between requests.
	node := newTestNode(t, fake.NewStore(), fake.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)), segid.RoleOdd, 1000)

	first := mustGenerate(t, node.engine, segid.GenerateRequest{BusinessType: "order", TimeKey: "20260301"})
	second := mustGenerate(t, node.engine, segid.GenerateRequest{BusinessType: "order", TimeKey: "20260301"})

	if first.Role != second.Role {
		t.Fatalf("hash-selected role flipped: %s then %s", first.Role, second.Role)
	}
	if second.IDs[0] != first.IDs[0]+1 {
		t.Fatalf("ids not consecutive: %d then %d", first.IDs[0], second.IDs[0])
	}
}

func TestRefillSurfacesSegmentRace(t *testing.T) {
	t.Parallel()

	node := startedNode(t, segid.RoleOdd, 10)
	mustGenerate(t, node.engine, segid.GenerateRequest{
		BusinessType: "order", TimeKey: "20260301", Count: 10,
	})

	// The guarded advance loses against a concurrent writer.
	node.store.SetMaxValueErr = func(context.Context, string, string, segid.Role, int64, int64) error {
		return issuer.ErrSegmentRace
	}
	_, err := node.engine.Generate(context.Background(), segid.GenerateRequest{
		BusinessType: "order", TimeKey: "20260301",
	})
	if !errors.Is(err, issuer.ErrSegmentRace) {
		t.Fatalf("expected segment race to surface, got %v", err)
	}

	// The buffer is unchanged; clearing the fault lets the next request
	// refill normally.
	node.store.SetMaxValueErr = nil
	resp := mustGenerate(t, node.engine, segid.GenerateRequest{
		BusinessType: "order", TimeKey: "20260301",
	})
	if resp.IDs[0] != 21 {
		t.Fatalf("id after recovery = %d, want 21", resp.IDs[0])
	}
}

func TestConcurrentGeneratesAreDisjoint(t *testing.T) {
	t.Parallel()

	node := startedNode(t, segid.RoleOdd, 50)
	ctx := context.Background()

	const workers = 8
	const perWorker = 40
	results := make(chan []int64, workers)
	for w := 0; w < workers; w++ {
		go func() {
			ids := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				resp, err := node.engine.Generate(ctx, segid.GenerateRequest{
					BusinessType: "order", TimeKey: "20260301",
				})
				if err != nil {
					results <- nil
					return
				}
				ids = append(ids, resp.IDs...)
			}
			results <- ids
		}()
	}

	seen := make(map[int64]bool)
	for w := 0; w < workers; w++ {
		ids := <-results
		if ids == nil {
			t.Fatalf("worker failed")
		}
		for _, id := range ids {
			if seen[id] {
				t.Fatalf("duplicate id %d", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("issued %d ids, want %d", len(seen), workers*perWorker)
	}
}
