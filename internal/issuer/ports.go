package issuer

import (
	"context"
	"errors"

	"segid"
	"segid/internal/segment"
)

// ErrSegmentRace marks a guarded max_value update that affected zero rows:
// another node advanced the segment between our read and write. The caller
// observes an unchanged buffer and may retry.
var ErrSegmentRace = errors.New("segment advanced concurrently")

// ErrSegmentMissing marks an update against a segment row that does not
// exist yet.
var ErrSegmentMissing = errors.New("segment does not exist")

// SegmentStore is the set of atomic operations the issuance core needs
// from the shared relational store. Single-row updates must be atomic and
// reads must observe the store's own writes; no multi-row transactions
// are required.
//
// Production: adapter/sqlite.Store. Testing: adapter/fake.Store.
type SegmentStore interface {
	// GetSegment returns the segment row, or ok=false when absent.
	GetSegment(ctx context.Context, businessType, timeKey string, role segid.Role) (segment.Segment, bool, error)
	// CreateSegment inserts a new row; the unique (business, time, role)
	// index makes a second create fail with ErrSegmentRace.
	CreateSegment(ctx context.Context, seg segment.Segment) error
	// SetMaxValue advances max_value from expectedMax to newMax. A zero
	// row count (concurrent advance or missing row) is ErrSegmentRace.
	SetMaxValue(ctx context.Context, businessType, timeKey string, role segid.Role, expectedMax, newMax int64) error
	// SetMaxValueAndStep is SetMaxValue plus a step_size change in the
	// same atomic update.
	SetMaxValueAndStep(ctx context.Context, businessType, timeKey string, role segid.Role, expectedMax, newMax int64, newStep int) error
	// SetStep rewrites step_size only (operator step change).
	SetStep(ctx context.Context, businessType, timeKey string, role segid.Role, newStep int) error

	ListSegments(ctx context.Context, businessType, timeKey string) ([]segment.Segment, error)
	// ListBusinessSegments returns every row of a business type across
	// all time keys and both roles.
	ListBusinessSegments(ctx context.Context, businessType string) ([]segment.Segment, error)
	ListSegmentsByRole(ctx context.Context, role segid.Role) ([]segment.Segment, error)
	ListBusinessTypes(ctx context.Context) ([]string, error)
	// SumMaxValue is the coarse per-role load signal.
	SumMaxValue(ctx context.Context, role segid.Role) (int64, error)
	// DeleteExpired removes rows with a non-empty time_key below cutoff.
	DeleteExpired(ctx context.Context, cutoff string) (int, error)
}

// PeerMonitor is the peer-visibility view the engine needs for role
// selection and failover.
//
// Production: *registry.Service.
type PeerMonitor interface {
	CountOnline(ctx context.Context, role segid.Role) (int, error)
	// SweepStale flips nodes with expired heartbeats offline before the
	// peer's liveness is judged.
	SweepStale(ctx context.Context) (int, error)
}
