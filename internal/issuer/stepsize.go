package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"segid"
	"segid/internal/segment"
)

// ChangeStep previews or applies a step-size change for one business
// type, optionally narrowed to one time key (empty means all).
//
// Applying rewrites each differing row to the next parity-owned
// interval of the new width, processed pair-wise so the second role's
// interval lands above the first's fresh claim. Local buffers for
// changed keys are dropped; peers adopt the new step on their next
// natural refill. Repeating with the same step is a no-op.
func (e *Engine) ChangeStep(ctx context.Context, businessType, timeKey string, newStep int, preview bool) (*segid.StepChangeReport, error) {
	if err := segment.ValidateBusinessType(businessType); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	if newStep <= 0 {
		return nil, fmt.Errorf("%w: new step size must be positive, got %d", ErrValidation, newStep)
	}

	var (
		segs []segment.Segment
		err  error
	)
	if timeKey == "" {
		segs, err = e.store.ListBusinessSegments(ctx, businessType)
	} else {
		segs, err = e.store.ListSegments(ctx, businessType, timeKey)
	}
	if err != nil {
		return nil, fmt.Errorf("list segments for step change: %w", err)
	}

	report := &segid.StepChangeReport{
		Preview:      preview,
		BusinessType: businessType,
		TimeKey:      timeKey,
		NewStep:      newStep,
		Total:        len(segs),
		TimestampMS:  e.clock.Now().UnixMilli(),
	}

	for _, pair := range groupByKey(segs) {
		globalMax := int64(0)
		for _, seg := range pair {
			if seg.MaxValue > globalMax {
				globalMax = seg.MaxValue
			}
		}
		keyChanged := false
		for _, seg := range pair {
			change := segid.SegmentChange{
				BusinessType: seg.BusinessType,
				TimeKey:      seg.TimeKey,
				Role:         seg.Role,
				CurrentStep:  seg.StepSize,
				NewStep:      newStep,
				Changed:      seg.StepSize != newStep,
			}
			if !change.Changed {
				report.Skipped++
				report.Segments = append(report.Segments, change)
				continue
			}
			if !preview {
				_, newEnd := segment.Next(globalMax, newStep, seg.Role)
				if uerr := e.store.SetMaxValueAndStep(ctx, seg.BusinessType, seg.TimeKey, seg.Role, seg.MaxValue, newEnd, newStep); uerr != nil {
					if errors.Is(uerr, ErrSegmentRace) {
						slog.Warn("step change lost an update race, segment skipped",
							"key", segment.Key(seg.BusinessType, seg.TimeKey), "role", seg.Role)
						change.Changed = false
						report.Skipped++
						report.Segments = append(report.Segments, change)
						continue
					}
					return nil, fmt.Errorf("apply step change: %w", uerr)
				}
				globalMax = newEnd
				keyChanged = true
			}
			report.Changed++
			report.Segments = append(report.Segments, change)
		}
		if keyChanged {
			e.dropKeyBuffers(pair[0].BusinessType, pair[0].TimeKey)
		}
	}
	return report, nil
}

// ForceGlobalSync applies one step size across every business type.
func (e *Engine) ForceGlobalSync(ctx context.Context, newStep int) (*segid.StepChangeReport, error) {
	if newStep <= 0 {
		return nil, fmt.Errorf("%w: new step size must be positive, got %d", ErrValidation, newStep)
	}

	businesses, err := e.store.ListBusinessTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list business types: %w", err)
	}

	total := &segid.StepChangeReport{
		NewStep:     newStep,
		TimestampMS: e.clock.Now().UnixMilli(),
	}
	for _, businessType := range businesses {
		report, err := e.ChangeStep(ctx, businessType, "", newStep, false)
		if err != nil {
			return nil, fmt.Errorf("sync %s: %w", businessType, err)
		}
		total.Total += report.Total
		total.Changed += report.Changed
		total.Skipped += report.Skipped
		total.Segments = append(total.Segments, report.Segments...)
	}
	return total, nil
}

// StepSizes reports the current step-size distribution across all
// business types.
func (e *Engine) StepSizes(ctx context.Context) (*segid.StepSizeReport, error) {
	businesses, err := e.store.ListBusinessTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list business types: %w", err)
	}

	report := &segid.StepSizeReport{
		DefaultStep: e.cfg.DefaultStep,
		TimestampMS: e.clock.Now().UnixMilli(),
	}
	for _, businessType := range businesses {
		segs, err := e.store.ListBusinessSegments(ctx, businessType)
		if err != nil {
			return nil, fmt.Errorf("list segments for %s: %w", businessType, err)
		}
		info := segid.BusinessStepInfo{
			BusinessType: businessType,
			SegmentCount: len(segs),
			StepSizes:    make(map[int]int),
		}
		for _, seg := range segs {
			info.StepSizes[seg.StepSize]++
			report.Segments = append(report.Segments, segmentInfo(seg))
		}
		report.Businesses = append(report.Businesses, info)
	}
	return report, nil
}

// CheckConsistency reports whether every segment of one business type
// carries the same step size.
func (e *Engine) CheckConsistency(ctx context.Context, businessType string) (*segid.ConsistencyReport, error) {
	if err := segment.ValidateBusinessType(businessType); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	segs, err := e.store.ListBusinessSegments(ctx, businessType)
	if err != nil {
		return nil, fmt.Errorf("list segments for %s: %w", businessType, err)
	}

	report := &segid.ConsistencyReport{
		BusinessType: businessType,
		SegmentCount: len(segs),
		StepSizes:    make(map[int]int),
	}
	for _, seg := range segs {
		report.StepSizes[seg.StepSize]++
	}
	report.Consistent = len(report.StepSizes) <= 1
	return report, nil
}

// CheckGlobalConsistency aggregates CheckConsistency across all
// business types.
func (e *Engine) CheckGlobalConsistency(ctx context.Context) (*segid.GlobalConsistencyReport, error) {
	businesses, err := e.store.ListBusinessTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list business types: %w", err)
	}

	report := &segid.GlobalConsistencyReport{TimestampMS: e.clock.Now().UnixMilli()}
	for _, businessType := range businesses {
		one, err := e.CheckConsistency(ctx, businessType)
		if err != nil {
			return nil, err
		}
		report.Businesses = append(report.Businesses, *one)
		if one.Consistent {
			report.Consistent++
		} else {
			report.Inconsistent++
		}
	}
	return report, nil
}

// dropKeyBuffers removes the own and proxy buffers of one (business,
// time) pair.
func (e *Engine) dropKeyBuffers(businessType, timeKey string) {
	e.mu.Lock()
	prefix := segment.Key(businessType, timeKey)
	for key := range e.buffers {
		if key == prefix || strings.HasPrefix(key, prefix+":proxy:") {
			delete(e.buffers, key)
		}
	}
	e.mu.Unlock()
}

// groupByKey splits a segment list into per-(business, time) pairs,
// ordered for deterministic reports.
func groupByKey(segs []segment.Segment) [][]segment.Segment {
	byKey := make(map[string][]segment.Segment)
	keys := make([]string, 0)
	for _, seg := range segs {
		key := segment.Key(seg.BusinessType, seg.TimeKey)
		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], seg)
	}
	sort.Strings(keys)

	out := make([][]segment.Segment, 0, len(keys))
	for _, key := range keys {
		pair := byKey[key]
		sort.Slice(pair, func(i, j int) bool { return pair[i].Role < pair[j].Role })
		out = append(out, pair)
	}
	return out
}

func segmentInfo(seg segment.Segment) segid.SegmentInfo {
	info := segid.SegmentInfo{
		BusinessType: seg.BusinessType,
		TimeKey:      seg.TimeKey,
		Role:         seg.Role,
		MaxValue:     seg.MaxValue,
		StepSize:     seg.StepSize,
	}
	if !seg.UpdatedAt.IsZero() {
		info.UpdatedAt = seg.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return info
}
