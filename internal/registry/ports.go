package registry

import (
	"context"
	"time"

	"segid"
)

// NodeStore is the registry's persistence: one row per node in the
// shared store, stamped with the node's last heartbeat.
//
// Production: adapter/sqlite.Store. Testing: adapter/fake.Store.
type NodeStore interface {
	// UpsertNode inserts or replaces the node's row.
	UpsertNode(ctx context.Context, node segid.Node) error
	// SetNodeStatus flips the row's status without touching the heartbeat.
	SetNodeStatus(ctx context.Context, nodeID string, status segid.NodeStatus) error
	// Heartbeat marks the node online and stamps its heartbeat to now.
	Heartbeat(ctx context.Context, nodeID string, now time.Time) error
	// CountOnline counts online rows with the given role.
	CountOnline(ctx context.Context, role segid.Role) (int, error)
	// MarkStaleOffline flips online rows whose heartbeat is older than
	// cutoff to offline, returning how many changed.
	MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error)
	// ListNodes returns every registered node.
	ListNodes(ctx context.Context) ([]segid.Node, error)
}
