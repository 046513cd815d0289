package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"segid"
	"segid/internal/issuer"
	"segid/internal/segment"
)

var _ issuer.SegmentStore = (*Store)(nil)

func (s *Store) GetSegment(ctx context.Context, businessType, timeKey string, role segid.Role) (segment.Segment, bool, error) {
	var (
		maxValue  int64
		stepSize  int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT max_value, step_size, updated_at FROM segments
		 WHERE business_type = ? AND time_key = ? AND role = ?`,
		businessType, timeKey, int(role),
	).Scan(&maxValue, &stepSize, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return segment.Segment{}, false, nil
		}
		return segment.Segment{}, false, fmt.Errorf("query segment %s/%s/%s: %w", businessType, timeKey, role, err)
	}

	seg := segment.Segment{
		BusinessType: businessType,
		TimeKey:      timeKey,
		Role:         role,
		MaxValue:     maxValue,
		StepSize:     stepSize,
	}
	if ts, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		seg.UpdatedAt = ts
	}
	return seg, true, nil
}

func (s *Store) CreateSegment(ctx context.Context, seg segment.Segment) error {
	updatedAt := seg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments (business_type, time_key, role, max_value, step_size, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		seg.BusinessType, seg.TimeKey, int(seg.Role), seg.MaxValue, seg.StepSize,
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return issuer.ErrSegmentRace
		}
		return fmt.Errorf("insert segment %s/%s/%s: %w", seg.BusinessType, seg.TimeKey, seg.Role, err)
	}
	return nil
}

func (s *Store) SetMaxValue(ctx context.Context, businessType, timeKey string, role segid.Role, expectedMax, newMax int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET max_value = ?, updated_at = ?
		 WHERE business_type = ? AND time_key = ? AND role = ? AND max_value = ?`,
		newMax, s.clock.Now().UTC().Format(time.RFC3339Nano),
		businessType, timeKey, int(role), expectedMax,
	)
	if err != nil {
		return fmt.Errorf("advance segment %s/%s/%s: %w", businessType, timeKey, role, err)
	}
	return requireOneRow(res, businessType, timeKey, role)
}

func (s *Store) SetMaxValueAndStep(ctx context.Context, businessType, timeKey string, role segid.Role, expectedMax, newMax int64, newStep int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET max_value = ?, step_size = ?, updated_at = ?
		 WHERE business_type = ? AND time_key = ? AND role = ? AND max_value = ?`,
		newMax, newStep, s.clock.Now().UTC().Format(time.RFC3339Nano),
		businessType, timeKey, int(role), expectedMax,
	)
	if err != nil {
		return fmt.Errorf("advance segment %s/%s/%s with step: %w", businessType, timeKey, role, err)
	}
	return requireOneRow(res, businessType, timeKey, role)
}

func (s *Store) SetStep(ctx context.Context, businessType, timeKey string, role segid.Role, newStep int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET step_size = ?, updated_at = ?
		 WHERE business_type = ? AND time_key = ? AND role = ?`,
		newStep, s.clock.Now().UTC().Format(time.RFC3339Nano),
		businessType, timeKey, int(role),
	)
	if err != nil {
		return fmt.Errorf("set step for segment %s/%s/%s: %w", businessType, timeKey, role, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set step rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("segment %s/%s/%s: %w", businessType, timeKey, role, issuer.ErrSegmentMissing)
	}
	return nil
}

func (s *Store) ListSegments(ctx context.Context, businessType, timeKey string) ([]segment.Segment, error) {
	return s.listSegments(ctx,
		`SELECT business_type, time_key, role, max_value, step_size, updated_at FROM segments
		 WHERE business_type = ? AND time_key = ? ORDER BY role`,
		businessType, timeKey)
}

func (s *Store) ListBusinessSegments(ctx context.Context, businessType string) ([]segment.Segment, error) {
	return s.listSegments(ctx,
		`SELECT business_type, time_key, role, max_value, step_size, updated_at FROM segments
		 WHERE business_type = ? ORDER BY time_key, role`,
		businessType)
}

func (s *Store) ListSegmentsByRole(ctx context.Context, role segid.Role) ([]segment.Segment, error) {
	return s.listSegments(ctx,
		`SELECT business_type, time_key, role, max_value, step_size, updated_at FROM segments
		 WHERE role = ? ORDER BY business_type, time_key`,
		int(role))
}

func (s *Store) listSegments(ctx context.Context, query string, args ...any) ([]segment.Segment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	out := make([]segment.Segment, 0)
	for rows.Next() {
		var (
			seg       segment.Segment
			role      int
			updatedAt string
		)
		if err := rows.Scan(&seg.BusinessType, &seg.TimeKey, &role, &seg.MaxValue, &seg.StepSize, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		seg.Role = segid.Role(role)
		if ts, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
			seg.UpdatedAt = ts
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows: %w", err)
	}
	return out, nil
}

func (s *Store) ListBusinessTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT business_type FROM segments ORDER BY business_type`)
	if err != nil {
		return nil, fmt.Errorf("list business types: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var businessType string
		if err := rows.Scan(&businessType); err != nil {
			return nil, fmt.Errorf("scan business type row: %w", err)
		}
		out = append(out, businessType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate business type rows: %w", err)
	}
	return out, nil
}

func (s *Store) SumMaxValue(ctx context.Context, role segid.Role) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(max_value) FROM segments WHERE role = ?`, int(role),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum max values for %s: %w", role, err)
	}
	return sum.Int64, nil
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM segments WHERE time_key != '' AND time_key < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired segments: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows affected: %w", err)
	}
	return int(affected), nil
}

// requireOneRow converts a zero-row guarded update into ErrSegmentRace:
// either the row vanished or another node advanced max_value first.
func requireOneRow(res sql.Result, businessType, timeKey string, role segid.Role) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("guarded update rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("segment %s/%s/%s: %w", businessType, timeKey, role, issuer.ErrSegmentRace)
	}
	return nil
}
