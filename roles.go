package segid

import "fmt"

// Role is a node's interval-parity class. The integer line for every
// (business type, time key) pair is split into step-sized intervals; the
// two roles own alternating intervals, so two cooperating nodes never
// issue the same ID without any cross-node locking.
type Role int

const (
	RoleEven Role = 0
	RoleOdd  Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleEven:
		return "even"
	case RoleOdd:
		return "odd"
	default:
		return "unknown"
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleEven {
		return RoleOdd
	}
	return RoleEven
}

// Valid reports whether r is one of the two defined roles.
func (r Role) Valid() bool {
	return r == RoleEven || r == RoleOdd
}

// ParseRole accepts "even"/"odd" and the numeric forms "0"/"1".
func ParseRole(s string) (Role, error) {
	switch s {
	case "even", "0":
		return RoleEven, nil
	case "odd", "1":
		return RoleOdd, nil
	default:
		return 0, fmt.Errorf("invalid role %q (want even or odd)", s)
	}
}

// NodeStatus is the persisted liveness state of a node record.
type NodeStatus int

const (
	NodeOffline NodeStatus = 0
	NodeOnline  NodeStatus = 1
)

func (s NodeStatus) String() string {
	if s == NodeOnline {
		return "online"
	}
	return "offline"
}
