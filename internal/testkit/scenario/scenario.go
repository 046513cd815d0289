// Package scenario wires two issuance nodes of opposite roles over one
// shared fake store, so tests can drive cross-node stories: concurrent
// issuance, peer death, take-over and return.
package scenario

import (
	"context"
	"fmt"
	"time"

	"segid"
	"segid/internal/adapter/fake"
	"segid/internal/check"
	"segid/internal/issuer"
	"segid/internal/registry"
)

const (
	heartbeatInterval = 30 * time.Second
	staleAfter        = 90 * time.Second
)

// Config defines how a Scenario is composed.
type Config struct {
	// DefaultStep is the interval width both nodes use; defaults to 1000.
	DefaultStep int
	// RefreshThreshold defaults to 2 (above 1.0), which keeps background
	// prefetch off so issued sequences stay deterministic.
	RefreshThreshold float64
	// Start is the scenario's wall-clock origin.
	Start time.Time
}

// Node is one issuance daemon without its HTTP surface.
type Node struct {
	Engine   *issuer.Engine
	Registry *registry.Service
	role     segid.Role
}

func (n *Node) Role() segid.Role {
	return n.role
}

// Scenario holds an even and an odd node over shared state.
type Scenario struct {
	Store *fake.Store
	Clock *fake.Clock
	nodes map[segid.Role]*Node
}

// New builds both nodes and registers them as online.
func New(ctx context.Context, cfg Config) (*Scenario, error) {
	check.Assert(ctx != nil, "scenario.New: context must not be nil")
	if cfg.DefaultStep == 0 {
		cfg.DefaultStep = 1000
	}
	if cfg.RefreshThreshold == 0 {
		cfg.RefreshThreshold = 2
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	}

	s := &Scenario{
		Store: fake.NewStore(),
		Clock: fake.NewClock(cfg.Start),
		nodes: make(map[segid.Role]*Node, 2),
	}
	for _, role := range []segid.Role{segid.RoleEven, segid.RoleOdd} {
		nodeID := "node-" + role.String()
		reg := registry.New(s.Store, s.Clock, nodeID, role, heartbeatInterval, staleAfter)
		if err := reg.Register(ctx); err != nil {
			return nil, fmt.Errorf("register %s: %w", nodeID, err)
		}
		engine := issuer.New(s.Store, reg, s.Clock, issuer.Config{
			NodeID:           nodeID,
			Role:             role,
			DefaultStep:      cfg.DefaultStep,
			RefreshThreshold: cfg.RefreshThreshold,
		})
		s.nodes[role] = &Node{Engine: engine, Registry: reg, role: role}
	}
	return s, nil
}

// Node returns the node issuing for the given role.
func (s *Scenario) Node(role segid.Role) *Node {
	return s.nodes[role]
}

// Generate issues a batch from one node, pinned to that node's own role.
func (s *Scenario) Generate(ctx context.Context, role segid.Role, businessType, timeKey string, count int) ([]int64, error) {
	own := role
	resp, err := s.nodes[role].Engine.Generate(ctx, segid.GenerateRequest{
		BusinessType: businessType,
		TimeKey:      timeKey,
		Count:        count,
		ForceRole:    &own,
	})
	if err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// KillNode lets one node's heartbeat age past the stale window while the
// survivor keeps beating. The next failover scan on the survivor sees
// the dead peer as offline.
func (s *Scenario) KillNode(ctx context.Context, dead segid.Role) error {
	s.Clock.Advance(staleAfter + heartbeatInterval)
	survivor := s.nodes[dead.Peer()]
	if err := s.Store.Heartbeat(ctx, survivor.Registry.NodeID(), s.Clock.Now()); err != nil {
		return fmt.Errorf("heartbeat survivor: %w", err)
	}
	return nil
}

// ReviveNode re-registers a previously killed node as online.
func (s *Scenario) ReviveNode(ctx context.Context, role segid.Role) error {
	return s.nodes[role].Registry.Register(ctx)
}
