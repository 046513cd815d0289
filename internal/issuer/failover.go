package issuer

import (
	"context"
	"log/slog"
	"time"

	"segid"
)

// RunFailover drives the peer-status scan until ctx is cancelled.
// Errors are logged and the loop continues; a broken scan must not
// stop issuance.
func (e *Engine) RunFailover(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		e.HandleFailover(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HandleFailover runs one scan: sweep stale heartbeats, judge the peer,
// then either take over its interval class or abandon a finished
// take-over.
func (e *Engine) HandleFailover(ctx context.Context) {
	if _, err := e.peers.SweepStale(ctx); err != nil {
		slog.Warn("stale-node sweep failed", "err", err)
	}

	peer := e.cfg.Role.Peer()
	count, err := e.peers.CountOnline(ctx, peer)
	if err != nil {
		slog.Warn("peer liveness check failed", "err", err)
		return
	}

	if count == 0 {
		e.takeOver(ctx)
		return
	}
	if e.failover.Load() {
		report := e.abandon()
		slog.Info("peer returned, abandoned take-over",
			"proxies_dropped", report.Abandoned,
			"ids_wasted", report.AbandonedIDs,
			"own_buffers_invalidated", report.InvalidatedOwn)
	}
}

// takeOver creates a proxy buffer for every segment the dead peer owns.
// Proxies start exhausted: the first take allocates a fresh interval
// above the global maximum instead of re-serving whatever the peer had
// in memory when it died.
func (e *Engine) takeOver(ctx context.Context) {
	peer := e.cfg.Role.Peer()
	segs, err := e.store.ListSegmentsByRole(ctx, peer)
	if err != nil {
		slog.Warn("take-over segment listing failed", "err", err)
		return
	}

	if e.failover.CompareAndSwap(false, true) {
		slog.Warn("peer offline, entering failover mode",
			"own_role", e.cfg.Role, "peer_role", peer, "peer_segments", len(segs))
	}

	e.mu.Lock()
	added := 0
	for _, seg := range segs {
		key := proxyKey(seg.BusinessType, seg.TimeKey, peer)
		if _, ok := e.buffers[key]; ok {
			continue
		}
		e.buffers[key] = newBuffer(seg.BusinessType, seg.TimeKey, peer, true)
		added++
	}
	e.mu.Unlock()

	if added > 0 {
		slog.Info("created proxy buffers for peer segments", "count", added)
	}
}

// abandon drops every proxy buffer and invalidates this node's own
// buffers. The peer advanced segment rows while alone, so locally
// cached bounds may be stale; forcing the next request through a fresh
// refill re-anchors allocation to the current global maximum.
func (e *Engine) abandon() segid.AbandonReport {
	e.mu.Lock()
	report := segid.AbandonReport{TimestampMS: e.clock.Now().UnixMilli()}
	for key, buf := range e.buffers {
		if buf.Proxy() {
			report.Abandoned++
			report.AbandonedIDs += buf.Remaining()
		} else {
			report.InvalidatedOwn++
		}
		delete(e.buffers, key)
	}
	e.failover.Store(false)
	e.mu.Unlock()
	return report
}

// AbandonProxies is the operator-triggered abandon, identical to the
// one the scan runs on peer return.
func (e *Engine) AbandonProxies() segid.AbandonReport {
	return e.abandon()
}

// FailoverMode reports whether this node is currently issuing for both
// interval classes.
func (e *Engine) FailoverMode() bool {
	return e.failover.Load()
}

// ProxyStatus describes the intervals currently held on the peer's
// behalf.
func (e *Engine) ProxyStatus() segid.ProxyStatus {
	status := segid.ProxyStatus{
		FailoverMode: e.failover.Load(),
		TimestampMS:  e.clock.Now().UnixMilli(),
	}
	for _, buf := range e.bufferSnapshot() {
		if !buf.Proxy() {
			continue
		}
		remaining := buf.Remaining()
		status.ProxyCount++
		status.AbandonableIDs += remaining
		status.Proxies = append(status.Proxies, segid.ProxyBufferInfo{
			Key:         buf.Key(),
			Role:        buf.Role(),
			Cursor:      buf.cursor.Load(),
			End:         buf.end.Load(),
			Abandonable: remaining,
		})
	}
	return status
}
