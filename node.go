package segid

import "time"

// Node is a row in the shared nodes table. Each node owns and writes its
// own record; peers only read it to judge liveness.
type Node struct {
	NodeID        string
	Role          Role
	Status        NodeStatus
	LastHeartbeat time.Time
}
