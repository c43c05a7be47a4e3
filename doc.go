// Package kvlockd implements the lock replication tier of a transactional
// key-value store. Each daemon holds a lock table for the keys it is
// responsible for, and replicates every lock and unlock it is asked to
// perform across the replica set that rendezvous hashing assigns to the
// key. An operation completes when a quorum of replicas acknowledges it
// under the contender's transaction group; when fewer daemons are live
// than the configured replication factor the quorum is computed against
// the live set and the caller is told the result is less durable.
//
// Replication is retry-driven over unreliable datagrams: requests are
// idempotent, silent replicas are re-asked, and conflicting holders are
// resolved by wounding the younger transaction. See the replicator
// package for the protocol details.
package kvlockd
