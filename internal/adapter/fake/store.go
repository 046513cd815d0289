// Package fake provides in-memory adapters for tests: a deterministic
// clock and a store that mimics the sqlite adapter's atomicity rules,
// including guarded-update races.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"segid"
	"segid/internal/issuer"
	"segid/internal/registry"
	"segid/internal/segment"
)

var (
	_ issuer.SegmentStore = (*Store)(nil)
	_ registry.NodeStore  = (*Store)(nil)
)

type segKey struct {
	businessType string
	timeKey      string
	role         segid.Role
}

// Store is an in-memory implementation of the segment and node stores.
// Each Err hook, when set, runs before the matching operation and can
// inject failures.
type Store struct {
	mu       sync.Mutex
	segments map[segKey]segment.Segment
	nodes    map[string]segid.Node

	GetSegmentErr     func(ctx context.Context, businessType, timeKey string, role segid.Role) error
	CreateSegmentErr  func(ctx context.Context, seg segment.Segment) error
	SetMaxValueErr    func(ctx context.Context, businessType, timeKey string, role segid.Role, expectedMax, newMax int64) error
	SetStepErr        func(ctx context.Context, businessType, timeKey string, role segid.Role, newStep int) error
	ListSegmentsErr   func(ctx context.Context, businessType, timeKey string) error
	UpsertNodeErr     func(ctx context.Context, node segid.Node) error
	HeartbeatErr      func(ctx context.Context, nodeID string) error
	CountOnlineErr    func(ctx context.Context, role segid.Role) error
	MarkStaleErr      func(ctx context.Context, cutoff time.Time) error
}

func NewStore() *Store {
	return &Store{
		segments: make(map[segKey]segment.Segment),
		nodes:    make(map[string]segid.Node),
	}
}

func (s *Store) GetSegment(ctx context.Context, businessType, timeKey string, role segid.Role) (segment.Segment, bool, error) {
	if s.GetSegmentErr != nil {
		if err := s.GetSegmentErr(ctx, businessType, timeKey, role); err != nil {
			return segment.Segment{}, false, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[segKey{businessType, timeKey, role}]
	return seg, ok, nil
}

func (s *Store) CreateSegment(ctx context.Context, seg segment.Segment) error {
	if s.CreateSegmentErr != nil {
		if err := s.CreateSegmentErr(ctx, seg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := segKey{seg.BusinessType, seg.TimeKey, seg.Role}
	if _, exists := s.segments[key]; exists {
		return issuer.ErrSegmentRace
	}
	s.segments[key] = seg
	return nil
}

func (s *Store) SetMaxValue(ctx context.Context, businessType, timeKey string, role segid.Role, expectedMax, newMax int64) error {
	if s.SetMaxValueErr != nil {
		if err := s.SetMaxValueErr(ctx, businessType, timeKey, role, expectedMax, newMax); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setMaxLocked(businessType, timeKey, role, expectedMax, newMax, 0)
}

func (s *Store) SetMaxValueAndStep(ctx context.Context, businessType, timeKey string, role segid.Role, expectedMax, newMax int64, newStep int) error {
	if s.SetMaxValueErr != nil {
		if err := s.SetMaxValueErr(ctx, businessType, timeKey, role, expectedMax, newMax); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setMaxLocked(businessType, timeKey, role, expectedMax, newMax, newStep)
}

func (s *Store) setMaxLocked(businessType, timeKey string, role segid.Role, expectedMax, newMax int64, newStep int) error {
	key := segKey{businessType, timeKey, role}
	seg, ok := s.segments[key]
	if !ok || seg.MaxValue != expectedMax {
		return issuer.ErrSegmentRace
	}
	seg.MaxValue = newMax
	if newStep > 0 {
		seg.StepSize = newStep
	}
	seg.UpdatedAt = time.Now().UTC()
	s.segments[key] = seg
	return nil
}

func (s *Store) SetStep(ctx context.Context, businessType, timeKey string, role segid.Role, newStep int) error {
	if s.SetStepErr != nil {
		if err := s.SetStepErr(ctx, businessType, timeKey, role, newStep); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := segKey{businessType, timeKey, role}
	seg, ok := s.segments[key]
	if !ok {
		return issuer.ErrSegmentMissing
	}
	seg.StepSize = newStep
	seg.UpdatedAt = time.Now().UTC()
	s.segments[key] = seg
	return nil
}

func (s *Store) ListSegments(ctx context.Context, businessType, timeKey string) ([]segment.Segment, error) {
	if s.ListSegmentsErr != nil {
		if err := s.ListSegmentsErr(ctx, businessType, timeKey); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []segment.Segment
	for key, seg := range s.segments {
		if key.businessType == businessType && key.timeKey == timeKey {
			out = append(out, seg)
		}
	}
	sortSegments(out)
	return out, nil
}

func (s *Store) ListBusinessSegments(ctx context.Context, businessType string) ([]segment.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []segment.Segment
	for key, seg := range s.segments {
		if key.businessType == businessType {
			out = append(out, seg)
		}
	}
	sortSegments(out)
	return out, nil
}

func (s *Store) ListSegmentsByRole(ctx context.Context, role segid.Role) ([]segment.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []segment.Segment
	for key, seg := range s.segments {
		if key.role == role {
			out = append(out, seg)
		}
	}
	sortSegments(out)
	return out, nil
}

func (s *Store) ListBusinessTypes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for key := range s.segments {
		seen[key.businessType] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for businessType := range seen {
		out = append(out, businessType)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SumMaxValue(ctx context.Context, role segid.Role) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for key, seg := range s.segments {
		if key.role == role {
			sum += seg.MaxValue
		}
	}
	return sum, nil
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int
	for key := range s.segments {
		if key.timeKey != "" && key.timeKey < cutoff {
			delete(s.segments, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) UpsertNode(ctx context.Context, node segid.Node) error {
	if s.UpsertNodeErr != nil {
		if err := s.UpsertNodeErr(ctx, node); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[node.NodeID] = node
	return nil
}

func (s *Store) SetNodeStatus(ctx context.Context, nodeID string, status segid.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return nil
	}
	node.Status = status
	s.nodes[nodeID] = node
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, nodeID string, now time.Time) error {
	if s.HeartbeatErr != nil {
		if err := s.HeartbeatErr(ctx, nodeID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return nil
	}
	node.Status = segid.NodeOnline
	node.LastHeartbeat = now
	s.nodes[nodeID] = node
	return nil
}

func (s *Store) CountOnline(ctx context.Context, role segid.Role) (int, error) {
	if s.CountOnlineErr != nil {
		if err := s.CountOnlineErr(ctx, role); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	for _, node := range s.nodes {
		if node.Role == role && node.Status == segid.NodeOnline {
			count++
		}
	}
	return count, nil
}

func (s *Store) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error) {
	if s.MarkStaleErr != nil {
		if err := s.MarkStaleErr(ctx, cutoff); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed int
	for id, node := range s.nodes {
		if node.Status == segid.NodeOnline && node.LastHeartbeat.Before(cutoff) {
			node.Status = segid.NodeOffline
			s.nodes[id] = node
			changed++
		}
	}
	return changed, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]segid.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]segid.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func sortSegments(segs []segment.Segment) {
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].BusinessType != segs[j].BusinessType {
			return segs[i].BusinessType < segs[j].BusinessType
		}
		if segs[i].TimeKey != segs[j].TimeKey {
			return segs[i].TimeKey < segs[j].TimeKey
		}
		return segs[i].Role < segs[j].Role
	})
}
