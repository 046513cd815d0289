// Package issuer implements the issuance core: per-key segment buffers,
// cooperative interval allocation against the shared store, failover
// take-over between the two roles, and the step-size change protocol.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"segid"
	"segid/internal/check"
	"segid/internal/segment"
	"segid/pkg/routing"
)

const (
	DefaultStepSize         = 1000
	DefaultRefreshThreshold = 0.1
	DefaultRefreshTimeout   = 10 * time.Second
	DefaultPrefetchDeadline = 5 * time.Second

	// maxBatchSize bounds one generate call; larger batches should be
	// split by the caller.
	maxBatchSize = 10000

	timeKeyLayout = "20060102"
)

// ErrValidation marks request errors the transport maps to a client
// failure. Wrapped with the specific field problem.
var ErrValidation = errors.New("invalid request")

// Config carries the engine's tunables. Zero values fall back to the
// defaults above.
type Config struct {
	NodeID           string
	Role             segid.Role
	DefaultStep      int
	RefreshThreshold float64
	RefreshTimeout   time.Duration
	PrefetchDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultStep <= 0 {
		c.DefaultStep = DefaultStepSize
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.PrefetchDeadline <= 0 {
		c.PrefetchDeadline = DefaultPrefetchDeadline
	}
	return c
}

// Engine serves ID batches for one node. All state outside the shared
// store is process-local: the buffer map and the failover flag.
type Engine struct {
	store SegmentStore
	peers PeerMonitor
	clock segid.Clock
	cfg   Config

	mu      sync.Mutex
	buffers map[string]*Buffer

	failover atomic.Bool
}

func New(store SegmentStore, peers PeerMonitor, clock segid.Clock, cfg Config) *Engine {
	check.Assert(store != nil, "issuer.New: store must not be nil")
	check.Assert(peers != nil, "issuer.New: peers must not be nil")
	check.Assert(cfg.NodeID != "", "issuer.New: node id must not be empty")
	check.Assert(cfg.Role.Valid(), "issuer.New: role must be even or odd")
	if clock == nil {
		clock = segid.RealClock{}
	}
	return &Engine{
		store:   store,
		peers:   peers,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		buffers: make(map[string]*Buffer),
	}
}

// Generate issues a batch of IDs for one (business type, time key) pair.
func (e *Engine) Generate(ctx context.Context, req segid.GenerateRequest) (*segid.GenerateResponse, error) {
	if err := segment.ValidateBusinessType(req.BusinessType); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	if err := segment.ValidateTimeKey(req.TimeKey); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 1 || count > maxBatchSize {
		return nil, fmt.Errorf("%w: count must be in [1,%d], got %d", ErrValidation, maxBatchSize, req.Count)
	}
	if req.CustomStepSize < 0 {
		return nil, fmt.Errorf("%w: custom step size must be positive, got %d", ErrValidation, req.CustomStepSize)
	}
	if req.ForceRole != nil && !req.ForceRole.Valid() {
		return nil, fmt.Errorf("%w: unknown shard type %d", ErrValidation, int(*req.ForceRole))
	}
	if req.IncludeRouting && req.ShardDBCount <= 0 {
		return nil, fmt.Errorf("%w: routing requires a positive shard db count", ErrValidation)
	}

	timeKey := req.TimeKey
	if timeKey == "" {
		timeKey = e.clock.Now().Format(timeKeyLayout)
	}

	var role segid.Role
	if req.ForceRole != nil {
		role = *req.ForceRole
	} else {
		role = e.selectRole(ctx, req.BusinessType, timeKey)
	}

	buf := e.bufferFor(req.BusinessType, timeKey, role)

	ids := make([]int64, 0, count)
	for len(ids) < count {
		id, ok := buf.Take()
		if !ok {
			if err := e.refillSync(ctx, buf, req.CustomStepSize); err != nil {
				return nil, fmt.Errorf("refill %s: %w", buf.Key(), err)
			}
			continue
		}
		ids = append(ids, id)
		e.maybePrefetch(buf, req.CustomStepSize)
	}

	resp := &segid.GenerateResponse{
		IDs:          ids,
		BusinessType: req.BusinessType,
		TimeKey:      timeKey,
		Role:         buf.Role(),
		NodeID:       e.cfg.NodeID,
		TimestampMS:  e.clock.Now().UnixMilli(),
	}
	if req.IncludeRouting {
		hint, err := routing.Compute(ids[0], req.ShardDBCount, req.ShardTableCount)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err)
		}
		resp.Routing = hint
	}
	return resp, nil
}

// selectRole picks the interval class serving this request. With the
// peer online both roles are candidates and the less-loaded segment
// wins; with the peer offline this node issues for both classes. Store
// errors fall back to this node's own role.
func (e *Engine) selectRole(ctx context.Context, businessType, timeKey string) segid.Role {
	own := e.cfg.Role
	peer := own.Peer()

	peerCount, err := e.peers.CountOnline(ctx, peer)
	if err != nil {
		slog.Warn("peer liveness check failed, using own role", "err", err)
		return own
	}

	ownSeg, ownFound, err := e.store.GetSegment(ctx, businessType, timeKey, own)
	if err != nil {
		slog.Warn("segment read failed during role selection", "role", own, "err", err)
		return own
	}
	peerSeg, peerFound, err := e.store.GetSegment(ctx, businessType, timeKey, peer)
	if err != nil {
		slog.Warn("segment read failed during role selection", "role", peer, "err", err)
		return own
	}

	if peerCount == 0 {
		// Proxy mode: this node serves both classes; spread by load,
		// or by key hash when nothing exists yet.
		switch {
		case !ownFound && !peerFound:
			return hashRole(businessType, timeKey)
		case !ownFound:
			return own
		case !peerFound:
			return peer
		case loadRatio(peerSeg) < loadRatio(ownSeg):
			return peer
		default:
			return own
		}
	}

	// Balanced mode: prefer the role that has claimed less.
	switch {
	case ownFound && !peerFound:
		return peer
	case !ownFound && peerFound:
		return own
	case !ownFound && !peerFound:
		ownSum, err := e.store.SumMaxValue(ctx, own)
		if err != nil {
			return own
		}
		peerSum, err := e.store.SumMaxValue(ctx, peer)
		if err != nil {
			return own
		}
		if peerSum < ownSum {
			return peer
		}
		return own
	case loadRatio(peerSeg) < loadRatio(ownSeg):
		return peer
	default:
		return own
	}
}

// loadRatio is the coarse progress signal of one segment: intervals
// claimed, normalised by step so mixed step sizes stay comparable.
func loadRatio(seg segment.Segment) float64 {
	if seg.StepSize <= 0 {
		return float64(seg.MaxValue)
	}
	return float64(seg.MaxValue) / float64(seg.StepSize)
}

func hashRole(businessType, timeKey string) segid.Role {
	h := fnv.New32a()
	h.Write([]byte(businessType + "_" + timeKey))
	return segid.Role(h.Sum32() % 2)
}

// bufferFor returns the buffer serving (business, time) for the chosen
// role, creating it on first use. During failover, requests selected
// onto the peer role are served from a proxy buffer under its own key.
func (e *Engine) bufferFor(businessType, timeKey string, role segid.Role) *Buffer {
	proxy := e.failover.Load() && role == e.cfg.Role.Peer()
	key := segment.Key(businessType, timeKey)
	if proxy {
		key = proxyKey(businessType, timeKey, role)
	}

	e.mu.Lock()
	buf, ok := e.buffers[key]
	if !ok {
		buf = newBuffer(businessType, timeKey, role, proxy)
		e.buffers[key] = buf
	}
	e.mu.Unlock()
	return buf
}

// bufferSnapshot copies the buffer map for iteration without holding
// the map lock during store I/O.
func (e *Engine) bufferSnapshot() []*Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Buffer, 0, len(e.buffers))
	for _, buf := range e.buffers {
		out = append(out, buf)
	}
	return out
}

// dropBuffer removes one buffer so the next request re-reads the store.
func (e *Engine) dropBuffer(key string) {
	e.mu.Lock()
	delete(e.buffers, key)
	e.mu.Unlock()
}

// NodeID returns the engine's process-scoped node identity.
func (e *Engine) NodeID() string {
	return e.cfg.NodeID
}

// Role returns this node's own role.
func (e *Engine) Role() segid.Role {
	return e.cfg.Role
}
