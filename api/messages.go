package api

import "fmt"

// MessageTag discriminates datagram payloads. Tags are protocol constants;
// every message type carries a distinct tag.
type MessageTag uint16

const (
	// TagLockOpRequest asks a daemon to replicate a lock or unlock operation
	// across the responsible replica set.
	TagLockOpRequest MessageTag = 0x4b01
	// TagLockOpResponse is the single terminal answer to a TagLockOpRequest.
	TagLockOpResponse MessageTag = 0x4b02
	// TagRawLockRequest is the per-replica retry a replicating daemon sends
	// to each member of the replica set.
	TagRawLockRequest MessageTag = 0x4b03
	// TagRawLockResponse is a replica's acknowledgment of a raw lock request.
	TagRawLockResponse MessageTag = 0x4b04
	// TagWound tells a transaction manager that a lower-timestamp contender
	// wants a lock its transaction currently holds.
	TagWound MessageTag = 0x4b05
)

func (t MessageTag) String() string {
	switch t {
	case TagLockOpRequest:
		return "lock-op-request"
	case TagLockOpResponse:
		return "lock-op-response"
	case TagRawLockRequest:
		return "raw-lock-request"
	case TagRawLockResponse:
		return "raw-lock-response"
	case TagWound:
		return "wound"
	}
	return fmt.Sprintf("tag(0x%04x)", uint16(t))
}

// Message is implemented by every datagram payload.
type Message interface {
	Tag() MessageTag
	appendPayload(b []byte) []byte
	decodePayload(b []byte) error
}

// LockOpRequest initiates replication of one lock or unlock operation for a
// (table, key) pair on behalf of a transaction group. The Nonce is echoed in
// the terminal LockOpResponse so the caller can match it.
type LockOpRequest struct {
	Nonce uint64
	Table []byte
	Key   []byte
	TG    TransactionGroup
	Op    LockOp
}

// Tag implements Message.
func (*LockOpRequest) Tag() MessageTag { return TagLockOpRequest }

// LockOpResponse is the at-most-once terminal answer to a LockOpRequest.
type LockOpResponse struct {
	Nonce  uint64
	Result ResultCode
}

// Tag implements Message.
func (*LockOpResponse) Tag() MessageTag { return TagLockOpResponse }

// RawLockRequest is the idempotent per-replica message a replicating daemon
// (re)sends until the replica acknowledges. StateKey identifies the
// outstanding operation on the sender and is echoed in the response.
type RawLockRequest struct {
	StateKey uint64
	Table    []byte
	Key      []byte
	TG       TransactionGroup
	Op       LockOp
}

// Tag implements Message.
func (*RawLockRequest) Tag() MessageTag { return TagRawLockRequest }

// RawLockResponse reports a replica's lock state back to the replicating
// daemon: the transaction group the replica considers authoritative for the
// (table, key) after applying the operation, and the replica's own view of
// the responsible replica set.
type RawLockResponse struct {
	StateKey uint64
	From     NodeID
	TG       TransactionGroup
	RS       ReplicaSet
}

// Tag implements Message.
func (*RawLockResponse) Tag() MessageTag { return TagRawLockResponse }

// Wound asks the transaction manager owning TG to abort it so an older
// contender can take the lock. Acting on the wound is the manager's call.
type Wound struct {
	TG TransactionGroup
}

// Tag implements Message.
func (*Wound) Tag() MessageTag { return TagWound }
