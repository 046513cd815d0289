package ntp

import (
	"testing"
	"time"

	"segid/internal/adapter/fake"
)

func TestCheckerStartsUnchecked(t *testing.T) {
	t.Parallel()

	clock := fake.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	checker := NewChecker(clock)
	if got := checker.Status().Phase; got != PhaseUnchecked {
		t.Fatalf("phase = %s, want unchecked", got)
	}
}

func TestCheckerCachesInjectedResult(t *testing.T) {
	t.Parallel()

	clock := fake.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	checker := NewChecker(clock)
	checker.CheckFunc = func() Status {
		return Status{Offset: 20 * time.Millisecond, Phase: PhaseHealthy, CheckedAt: clock.Now()}
	}

	checker.check()

	status := checker.Status()
	if status.Phase != PhaseHealthy || status.Offset != 20*time.Millisecond {
		t.Fatalf("status = %+v", status)
	}
}

func TestPhaseStrings(t *testing.T) {
	t.Parallel()

	cases := map[Phase]string{
		PhaseUnchecked:       "unchecked",
		PhaseHealthy:         "healthy",
		PhaseUnhealthyOffset: "unhealthy_offset",
		PhaseError:           "error",
		Phase(99):            "unknown",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", phase, got, want)
		}
	}
}
