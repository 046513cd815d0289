// Package segment holds the persistent segment model and the odd/even
// interval arithmetic that partitions each (business type, time key) ID
// space between the two roles.
package segment

import (
	"fmt"
	"strings"
	"time"

	"segid"
)

const (
	// MaxBusinessTypeLen bounds the business type namespace string.
	MaxBusinessTypeLen = 64
	// MaxTimeKeyLen bounds the time key string.
	MaxTimeKeyLen = 32
)

// Segment is one persisted (business type, time key, role) row. MaxValue
// is the inclusive end of the last interval this role has claimed;
// StepSize is the current interval width.
type Segment struct {
	BusinessType string
	TimeKey      string
	Role         segid.Role
	MaxValue     int64
	StepSize     int
	UpdatedAt    time.Time
}

// Key builds the in-memory buffer key for a (business, time) pair.
func Key(businessType, timeKey string) string {
	return businessType + ":" + timeKey
}

// ValidateBusinessType rejects empty or oversized business types.
func ValidateBusinessType(businessType string) error {
	if strings.TrimSpace(businessType) == "" {
		return fmt.Errorf("business type is required")
	}
	if len(businessType) > MaxBusinessTypeLen {
		return fmt.Errorf("business type exceeds %d characters", MaxBusinessTypeLen)
	}
	return nil
}

// ValidateTimeKey rejects oversized time keys. Empty is allowed; the
// issuance engine substitutes the current date at request level.
func ValidateTimeKey(timeKey string) error {
	if len(timeKey) > MaxTimeKeyLen {
		return fmt.Errorf("time key exceeds %d characters", MaxTimeKeyLen)
	}
	return nil
}
