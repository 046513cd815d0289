package segment

import (
	"errors"
	"fmt"

	"segid"
)

// ErrParityMismatch marks a persisted max_value whose interval index does
// not belong to the record's role. Such a record is corrupt; issuance must
// stop until conflict resolution rewrites it.
var ErrParityMismatch = errors.New("segment interval parity does not match role")

// The integer line for one (business, time) pair is cut into intervals of
// width S: interval k covers [k*S+1, (k+1)*S]. The odd role owns intervals
// with even k ([1,S], [2S+1,3S], ...), the even role owns intervals with
// odd k ([S+1,2S], [3S+1,4S], ...). Refills jump over the peer's intervals,
// so the two ID sets stay disjoint without per-ID parity tests.

// Owns reports whether role owns interval index k.
func Owns(role segid.Role, k int64) bool {
	if role == segid.RoleOdd {
		return k%2 == 0
	}
	return k%2 == 1
}

// InitialMax is the max_value of a freshly created segment record: the end
// of the first interval the role owns. Odd claims k=0 ([1,S], max S);
// even claims k=1 ([S+1,2S], max 2S).
func InitialMax(step int, role segid.Role) int64 {
	if role == segid.RoleOdd {
		return int64(step)
	}
	return 2 * int64(step)
}

// Index returns the interval index k whose interval ends at maxValue.
func Index(maxValue int64, step int) int64 {
	return (maxValue - 1) / int64(step)
}

// Start returns the inclusive lower bound of the interval ending at
// maxValue, verifying that the interval's parity belongs to role.
func Start(maxValue int64, step int, role segid.Role) (int64, error) {
	k := Index(maxValue, step)
	if !Owns(role, k) {
		return 0, fmt.Errorf("max_value %d is interval %d, owned by %s: %w",
			maxValue, k, role.Peer(), ErrParityMismatch)
	}
	return k*int64(step) + 1, nil
}

// Next computes the bounds of the next interval role may claim, strictly
// above every interval either role has claimed so far. globalMax is the
// larger of the two roles' stored max_values (zero when neither exists);
// step is the width of the new interval.
func Next(globalMax int64, step int, role segid.Role) (start, end int64) {
	if globalMax <= 0 {
		globalMax = int64(step)
	}
	k := Index(globalMax, step) + 1
	if !Owns(role, k) {
		k++
	}
	return k*int64(step) + 1, (k + 1) * int64(step)
}
