// Package segid holds the public domain types of the segmented ID
// issuance service: the generate request/response pair, node status,
// and the admin report types shared by the daemon API and the SDK.
package segid

// GenerateRequest asks for a batch of IDs in one (business type, time key)
// ID space.
type GenerateRequest struct {
	// BusinessType namespaces the ID sequence. Required, non-empty,
	// at most 64 characters.
	BusinessType string `json:"business_type"`
	// TimeKey sub-namespaces the sequence, typically by date. When empty
	// the daemon substitutes the current local date (yyyymmdd).
	TimeKey string `json:"time_key,omitempty"`
	// Count is the batch size; defaults to 1.
	Count int `json:"count,omitempty"`

	IncludeRouting  bool `json:"include_routing,omitempty"`
	ShardDBCount    int  `json:"shard_db_count,omitempty"`
	ShardTableCount int  `json:"shard_table_count,omitempty"`

	// CustomStepSize overrides the stored interval width on the next
	// segment refill for this key.
	CustomStepSize int `json:"custom_step_size,omitempty"`
	// ForceRole pins the request to one role's interval class (0 even,
	// 1 odd), bypassing load-based selection.
	ForceRole *Role `json:"force_shard_type,omitempty"`
}

// GenerateResponse carries the issued batch.
type GenerateResponse struct {
	IDs          []int64      `json:"ids"`
	BusinessType string       `json:"business_type"`
	TimeKey      string       `json:"time_key"`
	Role         Role         `json:"shard_type"`
	NodeID       string       `json:"node_id"`
	TimestampMS  int64        `json:"timestamp_ms"`
	Routing      *RoutingInfo `json:"routing,omitempty"`
}

// RoutingInfo is a sharding hint computed from the first ID of the batch.
type RoutingInfo struct {
	DBIndex         int   `json:"db_index"`
	TableIndex      int   `json:"table_index"`
	ShardDBCount    int   `json:"shard_db_count"`
	ShardTableCount int   `json:"shard_table_count"`
	RoutingKey      int64 `json:"routing_key"`
}

// SegmentInfo is the persisted state of one (business, time, role) segment.
type SegmentInfo struct {
	BusinessType string `json:"business_type"`
	TimeKey      string `json:"time_key"`
	Role         Role   `json:"shard_type"`
	MaxValue     int64  `json:"max_value"`
	StepSize     int    `json:"step_size"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// RefreshTimeout identifies a buffer whose refresh flag has been held past
// the refresh timeout.
type RefreshTimeout struct {
	Key     string `json:"key"`
	SinceMS int64  `json:"since_ms"`
}

// RefreshSummary is a snapshot of in-flight and stuck refreshes.
type RefreshSummary struct {
	TotalBuffers int              `json:"total_buffers"`
	Refreshing   int              `json:"refreshing"`
	TimedOut     int              `json:"timed_out"`
	Timeouts     []RefreshTimeout `json:"timeouts,omitempty"`
}

// LoadBalanceInfo compares the coarse load signal (sum of max_value) of
// the two roles.
type LoadBalanceInfo struct {
	EvenLoad  int64   `json:"even_load"`
	OddLoad   int64   `json:"odd_load"`
	TotalLoad int64   `json:"total_load"`
	EvenRatio float64 `json:"even_ratio"`
	OddRatio  float64 `json:"odd_ratio"`
	Balanced  bool    `json:"balanced"`
}

// Status is the daemon's self-report.
type Status struct {
	NodeID           string          `json:"node_id"`
	Role             Role            `json:"role"`
	BufferCount      int             `json:"buffer_count"`
	ProxyBufferCount int             `json:"proxy_buffer_count"`
	OnlineEven       int             `json:"online_even"`
	OnlineOdd        int             `json:"online_odd"`
	FailoverMode     bool            `json:"failover_mode"`
	Refresh          RefreshSummary  `json:"refresh"`
	LoadBalance      LoadBalanceInfo `json:"load_balance"`
	ClockPhase       string          `json:"clock_phase,omitempty"`
	TimestampMS      int64           `json:"timestamp_ms"`
}

// SegmentChange is one row of a step-size change report.
type SegmentChange struct {
	BusinessType string `json:"business_type"`
	TimeKey      string `json:"time_key"`
	Role         Role   `json:"shard_type"`
	CurrentStep  int    `json:"current_step_size"`
	NewStep      int    `json:"new_step_size"`
	Changed      bool   `json:"changed"`
}

// StepChangeReport is the outcome (or preview) of a step-size change.
type StepChangeReport struct {
	Preview      bool            `json:"preview"`
	BusinessType string          `json:"business_type,omitempty"`
	TimeKey      string          `json:"time_key,omitempty"`
	NewStep      int             `json:"new_step_size"`
	Total        int             `json:"total"`
	Changed      int             `json:"changed"`
	Skipped      int             `json:"skipped"`
	Segments     []SegmentChange `json:"segments,omitempty"`
	TimestampMS  int64           `json:"timestamp_ms"`
}

// BusinessStepInfo summarises step-size usage for one business type.
type BusinessStepInfo struct {
	BusinessType string      `json:"business_type"`
	SegmentCount int         `json:"segment_count"`
	StepSizes    map[int]int `json:"step_sizes"` // step -> segment count
}

// StepSizeReport is the current step-size distribution.
type StepSizeReport struct {
	DefaultStep int                `json:"default_step_size"`
	Businesses  []BusinessStepInfo `json:"businesses,omitempty"`
	Segments    []SegmentInfo      `json:"segments,omitempty"`
	TimestampMS int64              `json:"timestamp_ms"`
}

// ConsistencyReport states whether every segment of a business type uses
// the same step size.
type ConsistencyReport struct {
	BusinessType string      `json:"business_type"`
	SegmentCount int         `json:"segment_count"`
	StepSizes    map[int]int `json:"step_sizes"`
	Consistent   bool        `json:"consistent"`
}

// GlobalConsistencyReport aggregates ConsistencyReport across all
// business types.
type GlobalConsistencyReport struct {
	Businesses   []ConsistencyReport `json:"businesses"`
	Consistent   int                 `json:"consistent"`
	Inconsistent int                 `json:"inconsistent"`
	TimestampMS  int64               `json:"timestamp_ms"`
}

// RecoverReport lists buffers whose stuck refresh flags were force-cleared.
type RecoverReport struct {
	Recovered   int      `json:"recovered"`
	Keys        []string `json:"keys,omitempty"`
	TimestampMS int64    `json:"timestamp_ms"`
}

// ConflictReport is the outcome of post-incident segment conflict
// resolution.
type ConflictReport struct {
	Resolved    int      `json:"resolved"`
	Segments    []string `json:"segments,omitempty"`
	TimestampMS int64    `json:"timestamp_ms"`
}

// ProxyBufferInfo describes one interval held on behalf of the peer role.
type ProxyBufferInfo struct {
	Key         string `json:"key"`
	Role        Role   `json:"shard_type"`
	Cursor      int64  `json:"cursor"`
	End         int64  `json:"end"`
	Abandonable int64  `json:"abandonable"`
}

// ProxyStatus is the current take-over state of a node.
type ProxyStatus struct {
	FailoverMode   bool              `json:"failover_mode"`
	ProxyCount     int               `json:"proxy_count"`
	AbandonableIDs int64             `json:"abandonable_ids"`
	Proxies        []ProxyBufferInfo `json:"proxies,omitempty"`
	TimestampMS    int64             `json:"timestamp_ms"`
}

// AbandonReport is the outcome of dropping proxy buffers after the peer
// returns. Unissued IDs in proxied intervals are counted, not reclaimed.
type AbandonReport struct {
	Abandoned      int   `json:"abandoned"`
	AbandonedIDs   int64 `json:"abandoned_ids"`
	InvalidatedOwn int   `json:"invalidated_own"`
	TimestampMS    int64 `json:"timestamp_ms"`
}
