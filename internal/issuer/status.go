package issuer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"segid"
	"segid/internal/segment"
)

// Status assembles the node's self-report: buffer and refresh state,
// peer counts and the coarse load balance between the two roles.
func (e *Engine) Status(ctx context.Context) (*segid.Status, error) {
	now := e.clock.Now()
	status := &segid.Status{
		NodeID:       e.cfg.NodeID,
		Role:         e.cfg.Role,
		FailoverMode: e.failover.Load(),
		TimestampMS:  now.UnixMilli(),
	}

	for _, buf := range e.bufferSnapshot() {
		if buf.Proxy() {
			status.ProxyBufferCount++
		} else {
			status.BufferCount++
		}
		status.Refresh.TotalBuffers++
		if buf.Refreshing() {
			status.Refresh.Refreshing++
		}
		if since, stuck := buf.RefreshStuck(now, e.cfg.RefreshTimeout); stuck {
			status.Refresh.TimedOut++
			status.Refresh.Timeouts = append(status.Refresh.Timeouts, segid.RefreshTimeout{
				Key:     buf.Key(),
				SinceMS: since,
			})
		}
	}
	sort.Slice(status.Refresh.Timeouts, func(i, j int) bool {
		return status.Refresh.Timeouts[i].Key < status.Refresh.Timeouts[j].Key
	})

	var err error
	status.OnlineEven, err = e.peers.CountOnline(ctx, segid.RoleEven)
	if err != nil {
		return nil, fmt.Errorf("count even nodes: %w", err)
	}
	status.OnlineOdd, err = e.peers.CountOnline(ctx, segid.RoleOdd)
	if err != nil {
		return nil, fmt.Errorf("count odd nodes: %w", err)
	}

	evenLoad, err := e.store.SumMaxValue(ctx, segid.RoleEven)
	if err != nil {
		return nil, fmt.Errorf("sum even load: %w", err)
	}
	oddLoad, err := e.store.SumMaxValue(ctx, segid.RoleOdd)
	if err != nil {
		return nil, fmt.Errorf("sum odd load: %w", err)
	}
	status.LoadBalance = loadBalance(evenLoad, oddLoad)
	return status, nil
}

func loadBalance(evenLoad, oddLoad int64) segid.LoadBalanceInfo {
	info := segid.LoadBalanceInfo{
		EvenLoad:  evenLoad,
		OddLoad:   oddLoad,
		TotalLoad: evenLoad + oddLoad,
	}
	if info.TotalLoad == 0 {
		info.Balanced = true
		return info
	}
	info.EvenRatio = float64(evenLoad) / float64(info.TotalLoad)
	info.OddRatio = float64(oddLoad) / float64(info.TotalLoad)
	info.Balanced = math.Abs(info.EvenRatio-0.5) <= 0.1
	return info
}

// RecoverTimeoutRefresh force-clears refresh flags held past the
// timeout. The flag timeout already self-heals on the request path;
// this is the operator's way to do it eagerly.
func (e *Engine) RecoverTimeoutRefresh() *segid.RecoverReport {
	now := e.clock.Now()
	report := &segid.RecoverReport{TimestampMS: now.UnixMilli()}
	for _, buf := range e.bufferSnapshot() {
		if _, stuck := buf.RefreshStuck(now, e.cfg.RefreshTimeout); !stuck {
			continue
		}
		buf.ClearRefresh()
		report.Recovered++
		report.Keys = append(report.Keys, buf.Key())
	}
	sort.Strings(report.Keys)
	if report.Recovered > 0 {
		slog.Info("force-cleared stuck refresh flags", "count", report.Recovered)
	}
	return report
}

// ResolveConflicts rewrites segment rows whose stored max_value sits in
// an interval the role does not own. Such rows appear only after
// incidents (manual edits, partial migrations); issuing from them would
// collide with the peer, so each is moved to the next interval its role
// owns, above the pair's global maximum.
func (e *Engine) ResolveConflicts(ctx context.Context) (*segid.ConflictReport, error) {
	businesses, err := e.store.ListBusinessTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list business types: %w", err)
	}

	report := &segid.ConflictReport{TimestampMS: e.clock.Now().UnixMilli()}
	for _, businessType := range businesses {
		segs, err := e.store.ListBusinessSegments(ctx, businessType)
		if err != nil {
			return nil, fmt.Errorf("list segments for %s: %w", businessType, err)
		}
		for _, pair := range groupByKey(segs) {
			globalMax := int64(0)
			for _, seg := range pair {
				if seg.MaxValue > globalMax {
					globalMax = seg.MaxValue
				}
			}
			keyFixed := false
			for _, seg := range pair {
				if _, perr := segment.Start(seg.MaxValue, seg.StepSize, seg.Role); perr == nil {
					continue
				}
				_, newEnd := segment.Next(globalMax, seg.StepSize, seg.Role)
				if uerr := e.store.SetMaxValue(ctx, seg.BusinessType, seg.TimeKey, seg.Role, seg.MaxValue, newEnd); uerr != nil {
					slog.Warn("conflict rewrite failed",
						"key", segment.Key(seg.BusinessType, seg.TimeKey), "role", seg.Role, "err", uerr)
					continue
				}
				globalMax = newEnd
				keyFixed = true
				report.Resolved++
				report.Segments = append(report.Segments,
					fmt.Sprintf("%s:%s", segment.Key(seg.BusinessType, seg.TimeKey), seg.Role))
			}
			if keyFixed {
				e.dropKeyBuffers(pair[0].BusinessType, pair[0].TimeKey)
			}
		}
	}
	sort.Strings(report.Segments)
	return report, nil
}

// CleanExpired deletes dated segments whose time key sorts below the
// cutoff and drops the matching local buffers.
func (e *Engine) CleanExpired(ctx context.Context, cutoff string) (int, error) {
	if cutoff == "" {
		return 0, fmt.Errorf("%w: cutoff time key is required", ErrValidation)
	}
	deleted, err := e.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired segments: %w", err)
	}

	e.mu.Lock()
	for key, buf := range e.buffers {
		if buf.timeKey != "" && buf.timeKey < cutoff {
			delete(e.buffers, key)
		}
	}
	e.mu.Unlock()

	if deleted > 0 {
		slog.Info("deleted expired segments", "cutoff", cutoff, "count", deleted)
	}
	return deleted, nil
}
