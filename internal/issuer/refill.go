package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"segid/internal/segment"
)

// refillSync is the exhaustion path: it waits on the key's refill mutex,
// re-checks (another thread may have refilled first) and installs the
// next interval. A failure clears the refresh flag and fails the caller.
func (e *Engine) refillSync(ctx context.Context, buf *Buffer, customStep int) error {
	buf.refillMu.Lock()
	defer buf.refillMu.Unlock()

	if !buf.Exhausted() {
		return nil
	}
	if err := e.refillLocked(ctx, buf, customStep); err != nil {
		buf.ClearRefresh()
		return err
	}
	return nil
}

// maybePrefetch spawns an eager refill once the interval's consumed
// fraction crosses the threshold. The refresh-flag CAS admits one task;
// a flag held past the refresh timeout is forcibly re-claimed.
func (e *Engine) maybePrefetch(buf *Buffer, customStep int) {
	if buf.Utilisation() <= e.cfg.RefreshThreshold {
		return
	}
	if !buf.TryMarkRefresh(e.clock.Now(), e.cfg.RefreshTimeout) {
		return
	}
	go e.prefetch(buf, customStep)
}

// prefetch runs the refill protocol under its own deadline. It is never
// cancelled from outside; a silently-dead prefetch is recovered through
// the refresh-flag timeout.
func (e *Engine) prefetch(buf *Buffer, customStep int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PrefetchDeadline)
	defer cancel()

	buf.refillMu.Lock()
	defer buf.refillMu.Unlock()

	if err := e.refillLocked(ctx, buf, customStep); err != nil {
		buf.ClearRefresh()
		slog.Warn("prefetch refill failed", "key", buf.Key(), "err", err)
	}
}

// refillLocked advances the segment row and installs the new interval.
// Caller holds buf.refillMu.
//
// A missing row is claimed with the role's initial interval through the
// unique-index create; everything after that allocates the next
// parity-owned interval strictly above the global maximum of both
// roles, so a restarted node never re-serves a stored interval.
func (e *Engine) refillLocked(ctx context.Context, buf *Buffer, customStep int) error {
	businessType, timeKey, role := buf.businessType, buf.timeKey, buf.role

	seg, found, err := e.store.GetSegment(ctx, businessType, timeKey, role)
	if err != nil {
		return fmt.Errorf("read segment: %w", err)
	}
	peerSeg, peerFound, err := e.store.GetSegment(ctx, businessType, timeKey, role.Peer())
	if err != nil {
		return fmt.Errorf("read peer segment: %w", err)
	}

	// Interval geometry only holds when both roles cut the line with the
	// same width, so a fresh row inherits the peer's step over the default.
	step := customStep
	if step <= 0 {
		switch {
		case found:
			step = seg.StepSize
		case peerFound:
			step = peerSeg.StepSize
		default:
			step = e.cfg.DefaultStep
		}
	}

	if !found {
		initialMax := segment.InitialMax(step, role)
		start, serr := segment.Start(initialMax, step, role)
		if serr != nil {
			return serr
		}
		createErr := e.store.CreateSegment(ctx, segment.Segment{
			BusinessType: businessType,
			TimeKey:      timeKey,
			Role:         role,
			MaxValue:     initialMax,
			StepSize:     step,
			UpdatedAt:    e.clock.Now().UTC(),
		})
		if createErr == nil {
			buf.Install(start, initialMax)
			return nil
		}
		if !errors.Is(createErr, ErrSegmentRace) {
			return fmt.Errorf("create segment: %w", createErr)
		}
		// Lost the create race: the row exists now, advance it instead.
		seg, found, err = e.store.GetSegment(ctx, businessType, timeKey, role)
		if err != nil {
			return fmt.Errorf("re-read segment after create race: %w", err)
		}
		if !found {
			return fmt.Errorf("segment vanished after create race: %w", ErrSegmentMissing)
		}
	}

	// Parity check guards against corrupt rows; issuing from one would
	// collide with the peer.
	if _, perr := segment.Start(seg.MaxValue, seg.StepSize, role); perr != nil {
		slog.Error("segment parity mismatch, refusing to issue",
			"key", buf.Key(), "max_value", seg.MaxValue, "step", seg.StepSize)
		return perr
	}

	globalMax := seg.MaxValue
	if peerFound && peerSeg.MaxValue > globalMax {
		globalMax = peerSeg.MaxValue
	}

	newStart, newEnd := segment.Next(globalMax, step, role)
	if step != seg.StepSize {
		err = e.store.SetMaxValueAndStep(ctx, businessType, timeKey, role, seg.MaxValue, newEnd, step)
	} else {
		err = e.store.SetMaxValue(ctx, businessType, timeKey, role, seg.MaxValue, newEnd)
	}
	if err != nil {
		return fmt.Errorf("advance segment: %w", err)
	}

	// Read back to confirm before trusting the new bounds.
	after, ok, err := e.store.GetSegment(ctx, businessType, timeKey, role)
	if err != nil {
		return fmt.Errorf("read back segment: %w", err)
	}
	if !ok || after.MaxValue != newEnd {
		return fmt.Errorf("segment read-back mismatch: got %d, want %d", after.MaxValue, newEnd)
	}

	buf.Install(newStart, newEnd)
	return nil
}
