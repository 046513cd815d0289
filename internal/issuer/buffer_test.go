package issuer

import (
	"testing"
	"time"

	"segid"
)

func TestBufferStartsExhausted(t *testing.T) {
	t.Parallel()

	buf := newBuffer("order", "20260301", segid.RoleOdd, false)
	if !buf.Exhausted() {
		t.Fatalf("fresh buffer must be exhausted")
	}
	if _, ok := buf.Take(); ok {
		t.Fatalf("take on a fresh buffer must fail")
	}
}

func TestTakeWalksInstalledInterval(t *testing.T) {
	t.Parallel()

	buf := newBuffer("order", "20260301", segid.RoleOdd, false)
	buf.Install(1, 5)

	for want := int64(1); want <= 5; want++ {
		id, ok := buf.Take()
		if !ok {
			t.Fatalf("take %d: unexpectedly exhausted", want)
		}
		if id != want {
			t.Fatalf("take = %d, want %d", id, want)
		}
	}
	if _, ok := buf.Take(); ok {
		t.Fatalf("take beyond end must fail")
	}
	if !buf.Exhausted() {
		t.Fatalf("buffer must report exhausted after the last take")
	}
}

func TestUtilisation(t *testing.T) {
	t.Parallel()

	buf := newBuffer("order", "20260301", segid.RoleOdd, false)
	buf.Install(1, 10)

	if got := buf.Utilisation(); got != 0 {
		t.Fatalf("fresh interval utilisation = %v, want 0", got)
	}
	for i := 0; i < 3; i++ {
		buf.Take()
	}
	if got := buf.Utilisation(); got != 0.3 {
		t.Fatalf("utilisation = %v, want 0.3", got)
	}
	for i := 0; i < 20; i++ {
		buf.Take()
	}
	if got := buf.Utilisation(); got != 1 {
		t.Fatalf("overdrawn utilisation = %v, want 1", got)
	}
}

func TestTryMarkRefreshIsExclusive(t *testing.T) {
	t.Parallel()

	buf := newBuffer("order", "20260301", segid.RoleOdd, false)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if !buf.TryMarkRefresh(now, 10*time.Second) {
		t.Fatalf("first claim must succeed")
	}
	if buf.TryMarkRefresh(now.Add(time.Second), 10*time.Second) {
		t.Fatalf("second claim within the timeout must fail")
	}
}

func TestTryMarkRefreshRecoversStuckFlag(t *testing.T) {
	t.Parallel()

	buf := newBuffer("order", "20260301", segid.RoleOdd, false)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if !buf.TryMarkRefresh(now, 10*time.Second) {
		t.Fatalf("first claim must succeed")
	}
	// The holder dies silently; past the timeout the flag is re-claimable.
	late := now.Add(11 * time.Second)
	if !buf.TryMarkRefresh(late, 10*time.Second) {
		t.Fatalf("claim past the timeout must force-reset and succeed")
	}
	if since, stuck := buf.RefreshStuck(late, 10*time.Second); stuck {
		t.Fatalf("fresh claim must not read as stuck (since %d)", since)
	}
}

func TestInstallResetsRefreshState(t *testing.T) {
	t.Parallel()

	buf := newBuffer("order", "20260301", segid.RoleOdd, false)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	buf.TryMarkRefresh(now, 10*time.Second)
	buf.Install(2001, 3000)

	if buf.Refreshing() {
		t.Fatalf("install must clear the refresh flag")
	}
	id, ok := buf.Take()
	if !ok || id != 2001 {
		t.Fatalf("take after install = %d/%v, want 2001", id, ok)
	}
	if buf.Remaining() != 999 {
		t.Fatalf("remaining = %d, want 999", buf.Remaining())
	}
}

func TestProxyKeyShape(t *testing.T) {
	t.Parallel()

	buf := newBuffer("order", "20260301", segid.RoleEven, true)
	if got := buf.Key(); got != "order:20260301:proxy:even" {
		t.Fatalf("proxy key = %q", got)
	}
	own := newBuffer("order", "20260301", segid.RoleOdd, false)
	if got := own.Key(); got != "order:20260301" {
		t.Fatalf("own key = %q", got)
	}
}
