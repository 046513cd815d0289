package issuer

import (
	"sync"
	"sync/atomic"
	"time"

	"segid"
)

// Buffer is one node's in-memory view of a claimed interval for a
// (business type, time key) pair. The cursor hands out IDs lock-free;
// bounds change only through Install under the refill mutex. A new
// buffer starts exhausted, so the first take forces a refill.
type Buffer struct {
	businessType string
	timeKey      string
	role         segid.Role
	proxy        bool

	// refillMu serializes refills and the initial segment read for this
	// key. Takers never block on it.
	refillMu sync.Mutex

	cursor atomic.Int64
	start  atomic.Int64
	end    atomic.Int64

	needRefresh atomic.Bool
	// refreshAt is the unix-milli start of the in-flight refresh, for
	// stuck-refresh detection.
	refreshAt atomic.Int64
}

func newBuffer(businessType, timeKey string, role segid.Role, proxy bool) *Buffer {
	b := &Buffer{
		businessType: businessType,
		timeKey:      timeKey,
		role:         role,
		proxy:        proxy,
	}
	b.start.Store(1)
	b.cursor.Store(1)
	b.end.Store(0)
	return b
}

// Take claims the next ID. ok is false when the interval is exhausted;
// the cursor is not rewound, callers refill and retry.
func (b *Buffer) Take() (int64, bool) {
	id := b.cursor.Add(1) - 1
	if id > b.end.Load() {
		return 0, false
	}
	return id, true
}

// Exhausted reports whether the next take would fail.
func (b *Buffer) Exhausted() bool {
	return b.cursor.Load() > b.end.Load()
}

// Remaining counts the unissued IDs left in the interval.
func (b *Buffer) Remaining() int64 {
	left := b.end.Load() - b.cursor.Load() + 1
	if left < 0 {
		return 0
	}
	return left
}

// Utilisation is the consumed fraction of the interval, clipped to [0,1].
func (b *Buffer) Utilisation() float64 {
	start := b.start.Load()
	end := b.end.Load()
	total := end - start + 1
	if total <= 0 {
		return 1
	}
	used := b.cursor.Load() - start
	if used <= 0 {
		return 0
	}
	if used >= total {
		return 1
	}
	return float64(used) / float64(total)
}

// TryMarkRefresh claims the refresh flag. If the flag is already held
// but the holder has exceeded timeout, the claim is forced; this
// recovers from refresh tasks that died mid-flight.
func (b *Buffer) TryMarkRefresh(now time.Time, timeout time.Duration) bool {
	if b.needRefresh.CompareAndSwap(false, true) {
		b.refreshAt.Store(now.UnixMilli())
		return true
	}
	startedAt := b.refreshAt.Load()
	if startedAt > 0 && now.UnixMilli()-startedAt > timeout.Milliseconds() {
		b.needRefresh.Store(false)
		if b.needRefresh.CompareAndSwap(false, true) {
			b.refreshAt.Store(now.UnixMilli())
			return true
		}
	}
	return false
}

// ClearRefresh releases the refresh flag after a failed refill.
func (b *Buffer) ClearRefresh() {
	b.needRefresh.Store(false)
	b.refreshAt.Store(0)
}

// Refreshing reports whether a refresh claim is outstanding.
func (b *Buffer) Refreshing() bool {
	return b.needRefresh.Load()
}

// RefreshStuck returns the claim's start time when the outstanding
// refresh has exceeded timeout.
func (b *Buffer) RefreshStuck(now time.Time, timeout time.Duration) (int64, bool) {
	if !b.needRefresh.Load() {
		return 0, false
	}
	startedAt := b.refreshAt.Load()
	if startedAt > 0 && now.UnixMilli()-startedAt > timeout.Milliseconds() {
		return startedAt, true
	}
	return 0, false
}

// Install replaces the interval, resets the cursor to its start and
// releases the refresh flag. The store order keeps a concurrent take
// from landing between old and new bounds.
func (b *Buffer) Install(start, end int64) {
	b.start.Store(start)
	b.cursor.Store(start)
	b.end.Store(end)
	b.needRefresh.Store(false)
	b.refreshAt.Store(0)
}

// Key is the buffer's map key: business:time, with a proxy suffix for
// take-over buffers.
func (b *Buffer) Key() string {
	if b.proxy {
		return proxyKey(b.businessType, b.timeKey, b.role)
	}
	return b.businessType + ":" + b.timeKey
}

// Role returns the interval-parity class this buffer issues for.
func (b *Buffer) Role() segid.Role {
	return b.role
}

// Proxy reports whether the buffer issues on behalf of the peer role.
func (b *Buffer) Proxy() bool {
	return b.proxy
}

func proxyKey(businessType, timeKey string, role segid.Role) string {
	return businessType + ":" + timeKey + ":proxy:" + role.String()
}
