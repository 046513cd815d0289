// Package routing computes downstream sharding hints from an issued ID.
// The hint is a pure function of the ID and the caller-supplied shard
// counts; the issuance engine never inspects it.
package routing

import (
	"fmt"

	"segid"
)

// Compute derives the shard hint for id. dbCount must be positive;
// tableCount of zero omits the table index.
func Compute(id int64, dbCount, tableCount int) (*segid.RoutingInfo, error) {
	if dbCount <= 0 {
		return nil, fmt.Errorf("shard db count must be positive, got %d", dbCount)
	}
	if tableCount < 0 {
		return nil, fmt.Errorf("shard table count must not be negative, got %d", tableCount)
	}

	info := &segid.RoutingInfo{
		DBIndex:      int(id % int64(dbCount)),
		ShardDBCount: dbCount,
		RoutingKey:   id,
	}
	if tableCount > 0 {
		info.TableIndex = int((id / int64(dbCount)) % int64(tableCount))
		info.ShardTableCount = tableCount
	}
	return info, nil
}
