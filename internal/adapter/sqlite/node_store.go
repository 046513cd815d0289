package sqlite

import (
	"context"
	"fmt"
	"time"

	"segid"
	"segid/internal/registry"
)

var _ registry.NodeStore = (*Store)(nil)

func (s *Store) UpsertNode(ctx context.Context, node segid.Node) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (node_id, role, status, last_heartbeat)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET
		 role = excluded.role,
		 status = excluded.status,
		 last_heartbeat = excluded.last_heartbeat`,
		node.NodeID, int(node.Role), int(node.Status),
		node.LastHeartbeat.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert node %q: %w", node.NodeID, err)
	}
	return nil
}

func (s *Store) SetNodeStatus(ctx context.Context, nodeID string, status segid.NodeStatus) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ? WHERE node_id = ?`, int(status), nodeID,
	); err != nil {
		return fmt.Errorf("set node %q status: %w", nodeID, err)
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, nodeID string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ?, last_heartbeat = ? WHERE node_id = ?`,
		int(segid.NodeOnline), now.UTC().Format(time.RFC3339Nano), nodeID,
	); err != nil {
		return fmt.Errorf("bump heartbeat for node %q: %w", nodeID, err)
	}
	return nil
}

func (s *Store) CountOnline(ctx context.Context, role segid.Role) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE role = ? AND status = ?`,
		int(role), int(segid.NodeOnline),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count online %s nodes: %w", role, err)
	}
	return count, nil
}

func (s *Store) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ? WHERE status = ? AND last_heartbeat < ?`,
		int(segid.NodeOffline), int(segid.NodeOnline),
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("mark stale nodes offline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark stale rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *Store) ListNodes(ctx context.Context) ([]segid.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, role, status, last_heartbeat FROM nodes ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	out := make([]segid.Node, 0)
	for rows.Next() {
		var (
			node      segid.Node
			role      int
			status    int
			heartbeat string
		)
		if err := rows.Scan(&node.NodeID, &role, &status, &heartbeat); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		node.Role = segid.Role(role)
		node.Status = segid.NodeStatus(status)
		if ts, perr := time.Parse(time.RFC3339Nano, heartbeat); perr == nil {
			node.LastHeartbeat = ts
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node rows: %w", err)
	}
	return out, nil
}
