// Package api defines the wire-level types spoken between kvlockd daemons and
// the transaction managers that drive them: node identities, transaction
// groups, lock operations, replica-set views, and the datagram messages that
// carry them. Values here are protocol constants; changing them breaks
// interoperability between daemons.
package api

import "fmt"

// NodeID identifies a single daemon on the wire. The zero value means "no
// node" and is never assigned to a live daemon.
type NodeID uint64

// IsZero reports whether the identifier names no node.
func (id NodeID) IsZero() bool {
	return id == 0
}

func (id NodeID) String() string {
	return fmt.Sprintf("node(%d)", uint64(id))
}

// TransactionGroup identifies the transaction on whose behalf a lock or
// unlock is issued. It is an immutable value compared for equality when
// matching replica acknowledgments and ordered by start timestamp when
// breaking deadlock ties.
type TransactionGroup struct {
	// Group is the consensus group that executes the transaction.
	Group uint64
	// Seq is the per-group sequence number of the transaction.
	Seq uint64
	// Start is the transaction's start timestamp in nanoseconds. Wound
	// ordering uses it: the transaction with the lower Start is older and
	// wins ties against younger contenders.
	Start uint64
}

// IsZero reports whether tg names no transaction.
func (tg TransactionGroup) IsZero() bool {
	return tg == TransactionGroup{}
}

// Older reports whether tg started strictly before other. Ties on the start
// timestamp fall back to group and sequence so the order is total.
func (tg TransactionGroup) Older(other TransactionGroup) bool {
	if tg.Start != other.Start {
		return tg.Start < other.Start
	}
	if tg.Group != other.Group {
		return tg.Group < other.Group
	}
	return tg.Seq < other.Seq
}

func (tg TransactionGroup) String() string {
	return fmt.Sprintf("tg(%d:%d@%d)", tg.Group, tg.Seq, tg.Start)
}

// LockOp is the operation a lock request performs. It is a closed
// enumeration; the codec rejects any other value on decode, so a corrupt
// operation cannot enter the daemon.
type LockOp uint8

const (
	// OpLock acquires the lock for the request's transaction group.
	OpLock LockOp = 1
	// OpUnlock releases the lock held by the request's transaction group.
	OpUnlock LockOp = 2
)

// Valid reports whether op is a member of the enumeration.
func (op LockOp) Valid() bool {
	return op == OpLock || op == OpUnlock
}

func (op LockOp) String() string {
	switch op {
	case OpLock:
		return "lock"
	case OpUnlock:
		return "unlock"
	}
	return fmt.Sprintf("lockop(%d)", uint8(op))
}

// ReplicaSet is a snapshot of the nodes responsible for one (table, key)
// pair. Replicas holds the current owners; Transitioning is parallel to
// Replicas and names the node taking over the slot during a membership
// migration (zero when the slot is stable). DesiredReplication is the
// configured replication factor, which may exceed len(Replicas) when too few
// daemons are live.
type ReplicaSet struct {
	Replicas           []NodeID
	Transitioning      []NodeID
	DesiredReplication uint32
}

// IsZero reports whether the view carries no membership information.
func (rs ReplicaSet) IsZero() bool {
	return len(rs.Replicas) == 0 && len(rs.Transitioning) == 0 && rs.DesiredReplication == 0
}

// TransitioningAt returns the transitioning owner of slot i, or the zero
// NodeID when the slot is stable or out of range.
func (rs ReplicaSet) TransitioningAt(i int) NodeID {
	if i < 0 || i >= len(rs.Transitioning) {
		return 0
	}
	return rs.Transitioning[i]
}

// IndexOf returns the slot currently owned by id, or -1.
func (rs ReplicaSet) IndexOf(id NodeID) int {
	for i, r := range rs.Replicas {
		if r == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the view.
func (rs ReplicaSet) Clone() ReplicaSet {
	out := ReplicaSet{DesiredReplication: rs.DesiredReplication}
	if len(rs.Replicas) > 0 {
		out.Replicas = append([]NodeID(nil), rs.Replicas...)
	}
	if len(rs.Transitioning) > 0 {
		out.Transitioning = append([]NodeID(nil), rs.Transitioning...)
	}
	return out
}

func (rs ReplicaSet) String() string {
	return fmt.Sprintf("rs(replicas=%v transitioning=%v desired=%d)",
		rs.Replicas, rs.Transitioning, rs.DesiredReplication)
}

// ResultCode is the terminal outcome of a lock or unlock operation.
type ResultCode uint16

const (
	// ResultSuccess means the operation reached a quorum at the configured
	// replication factor.
	ResultSuccess ResultCode = 1
	// ResultLessDurable means the operation reached a quorum, but only after
	// clamping the replication factor down to the number of live replicas.
	ResultLessDurable ResultCode = 2
)

func (rc ResultCode) String() string {
	switch rc {
	case ResultSuccess:
		return "success"
	case ResultLessDurable:
		return "less-durable"
	}
	return fmt.Sprintf("result(%d)", uint16(rc))
}
