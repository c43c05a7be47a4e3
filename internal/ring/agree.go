package ring

import "pkt.systems/kvlockd/api"

// Agree reports whether two replica-set views, reported asynchronously by a
// current replica and its transitioning partner, describe the same effective
// membership for target's slot. During a live migration a stale transitioning
// replica can acknowledge a lock against an outdated view; counting that
// acknowledgment toward quorum would let the old and new owner disagree about
// who holds the lock. The predicate therefore requires that
//
//   - both views list target among their current replicas, and
//   - both views record the same transitioning partner for target's slot.
//
// A view that has not been reported yet (or does not contain target at all)
// never agrees, which keeps the replicator retrying until both ends of the
// migrating slot confirm against consistent membership.
func Agree(target api.NodeID, a, b api.ReplicaSet) bool {
	ai := a.IndexOf(target)
	bi := b.IndexOf(target)
	if ai < 0 || bi < 0 {
		return false
	}
	return a.TransitioningAt(ai) == b.TransitioningAt(bi)
}
