// Package registry tracks node liveness through the shared store. Each
// node writes only its own row; peers judge each other purely by
// heartbeat age, so there is no cluster membership protocol to run.
package registry

import (
	"context"
	"log/slog"
	"time"

	"segid"
	"segid/internal/check"
)

// maxHeartbeatFailures is 10: consecutive heartbeat failures before logging a warning.
const maxHeartbeatFailures = 10

// Service registers this node, keeps its heartbeat fresh and answers
// peer-liveness questions for the issuance engine.
type Service struct {
	store      NodeStore
	clock      segid.Clock
	nodeID     string
	role       segid.Role
	interval   time.Duration
	staleAfter time.Duration
}

func New(store NodeStore, clock segid.Clock, nodeID string, role segid.Role, interval, staleAfter time.Duration) *Service {
	check.Assert(store != nil, "registry.New: store must not be nil")
	check.Assert(clock != nil, "registry.New: clock must not be nil")
	check.Assert(nodeID != "", "registry.New: nodeID must not be empty")
	check.Assert(interval > 0, "registry.New: interval must be positive")
	check.Assert(staleAfter > interval, "registry.New: staleAfter must exceed the heartbeat interval")
	return &Service{
		store:      store,
		clock:      clock,
		nodeID:     nodeID,
		role:       role,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Register writes this node's row as online. Re-registering after a
// crash replaces the previous row.
func (s *Service) Register(ctx context.Context) error {
	return s.store.UpsertNode(ctx, segid.Node{
		NodeID:        s.nodeID,
		Role:          s.role,
		Status:        segid.NodeOnline,
		LastHeartbeat: s.clock.Now().UTC(),
	})
}

// Deregister marks this node offline. Called on graceful shutdown so
// the peer can take over without waiting out the stale window.
func (s *Service) Deregister(ctx context.Context) error {
	return s.store.SetNodeStatus(ctx, s.nodeID, segid.NodeOffline)
}

// Run beats the heartbeat until ctx is cancelled. A failed beat is
// retried on the next tick; only a long run of failures is logged.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var consecutiveFailures int
	for {
		if err := s.store.Heartbeat(ctx, s.nodeID, s.clock.Now().UTC()); err != nil {
			consecutiveFailures++
			if consecutiveFailures == maxHeartbeatFailures {
				slog.Warn("heartbeat failing repeatedly", "node", s.nodeID, "failures", consecutiveFailures, "err", err)
			}
		} else {
			consecutiveFailures = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepStale flips rows whose heartbeat is older than the stale window
// to offline. The failover scan calls this before judging the peer.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-s.staleAfter)
	changed, err := s.store.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		slog.Info("marked stale nodes offline", "count", changed, "cutoff", cutoff)
	}
	return changed, nil
}

// PeerOnline reports whether at least one node of the opposite role is
// online.
func (s *Service) PeerOnline(ctx context.Context) (bool, error) {
	count, err := s.store.CountOnline(ctx, s.role.Peer())
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountOnline counts online nodes with the given role.
func (s *Service) CountOnline(ctx context.Context, role segid.Role) (int, error) {
	return s.store.CountOnline(ctx, role)
}

// Nodes lists every registered node for status reporting.
func (s *Service) Nodes(ctx context.Context) ([]segid.Node, error) {
	return s.store.ListNodes(ctx)
}

// NodeID returns this node's identifier.
func (s *Service) NodeID() string {
	return s.nodeID
}

// Role returns this node's role.
func (s *Service) Role() segid.Role {
	return s.role
}
