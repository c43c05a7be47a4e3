// Package ring maps a (table, key) pair to the replica set responsible for
// it. Placement is rendezvous hashing over the configured membership: every
// member scores the pair and the top scorers own it. During a membership
// migration two member lists exist side by side and the target list's owners
// surface as the "transitioning" half of the replica set until the migration
// is cut over.
package ring

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"pkt.systems/kvlockd/api"
	"pkt.systems/kvlockd/internal/loggingutil"
	"pkt.systems/pslog"
)

// ErrNoMembers is returned by Hash when no eligible members exist for the
// requested datacenter. Callers skip the evaluation cycle and retry later.
var ErrNoMembers = errors.New("ring: no eligible members")

// Member describes one daemon in the membership.
type Member struct {
	ID         api.NodeID `yaml:"id"`
	Addr       string     `yaml:"addr,omitempty"`
	Datacenter string     `yaml:"datacenter,omitempty"`
}

// Snapshot is one complete membership view. TargetMembers is non-empty only
// while a migration is staged; placement computed against it becomes the
// transitioning half of every replica set until cut-over.
type Snapshot struct {
	Replication   uint32   `yaml:"replication"`
	Members       []Member `yaml:"members"`
	TargetMembers []Member `yaml:"target_members,omitempty"`
}

// Validate checks a snapshot for structural problems before it is installed.
func (s Snapshot) Validate() error {
	if s.Replication == 0 {
		return errors.New("ring: replication must be at least 1")
	}
	if len(s.Members) == 0 {
		return errors.New("ring: members must not be empty")
	}
	if err := validateMembers("members", s.Members); err != nil {
		return err
	}
	if len(s.TargetMembers) > 0 {
		if err := validateMembers("target_members", s.TargetMembers); err != nil {
			return err
		}
	}
	return nil
}

func validateMembers(section string, members []Member) error {
	seen := make(map[api.NodeID]struct{}, len(members))
	for i, m := range members {
		if m.ID.IsZero() {
			return fmt.Errorf("ring: %s[%d] has a zero id", section, i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("ring: %s[%d] duplicates id %d", section, i, uint64(m.ID))
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{Replication: s.Replication}
	out.Members = append([]Member(nil), s.Members...)
	if len(s.TargetMembers) > 0 {
		out.TargetMembers = append([]Member(nil), s.TargetMembers...)
	}
	return out
}

// Ring serves replica-set lookups against the most recently installed
// snapshot. Lookups never block on reloads.
type Ring struct {
	mu     sync.RWMutex
	snap   Snapshot
	logger pslog.Logger
}

// New validates snap and returns a Ring serving it.
func New(snap Snapshot, logger pslog.Logger) (*Ring, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &Ring{
		snap:   snap.clone(),
		logger: loggingutil.WithSubsystem(logger, "ring"),
	}, nil
}

// Update validates snap and installs it as the current membership.
func (r *Ring) Update(snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.snap = snap.clone()
	r.mu.Unlock()
	r.logger.Info("ring.update",
		"members", len(snap.Members),
		"target_members", len(snap.TargetMembers),
		"replication", snap.Replication,
	)
	return nil
}

// Snapshot returns a copy of the current membership.
func (r *Ring) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.clone()
}

// Lookup resolves a node id to its member record, consulting the target
// membership as well so transitioning replicas stay addressable.
func (r *Ring) Lookup(id api.NodeID) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.snap.Members {
		if m.ID == id {
			return m, true
		}
	}
	for _, m := range r.snap.TargetMembers {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Hash computes the replica set for (table, key) within datacenter. An empty
// datacenter matches all members; a member with an empty datacenter matches
// every query. The returned set carries at most Replication current replicas
// (fewer when membership is short) and the configured replication factor so
// callers can detect degraded placement. Hash fails instead of returning an
// empty view when no member is eligible.
func (r *Ring) Hash(datacenter string, table, key []byte) (api.ReplicaSet, error) {
	r.mu.RLock()
	snap := r.snap
	r.mu.RUnlock()

	current := eligible(snap.Members, datacenter)
	if len(current) == 0 {
		return api.ReplicaSet{}, fmt.Errorf("%w: datacenter %q", ErrNoMembers, datacenter)
	}
	placed := place(current, table, key, int(snap.Replication))
	rs := api.ReplicaSet{
		Replicas:           placed,
		Transitioning:      make([]api.NodeID, len(placed)),
		DesiredReplication: snap.Replication,
	}
	if len(snap.TargetMembers) > 0 {
		target := eligible(snap.TargetMembers, datacenter)
		targetPlaced := place(target, table, key, int(snap.Replication))
		for i := range rs.Replicas {
			if i < len(targetPlaced) && targetPlaced[i] != rs.Replicas[i] {
				rs.Transitioning[i] = targetPlaced[i]
			}
		}
	}
	return rs, nil
}

func eligible(members []Member, datacenter string) []Member {
	if datacenter == "" {
		return members
	}
	out := make([]Member, 0, len(members))
	for _, m := range members {
		if m.Datacenter == "" || m.Datacenter == datacenter {
			out = append(out, m)
		}
	}
	return out
}

// place orders members by rendezvous score for (table, key) and returns the
// ids of the top n.
func place(members []Member, table, key []byte, n int) []api.NodeID {
	type scored struct {
		id    api.NodeID
		score uint64
	}
	ranked := make([]scored, 0, len(members))
	for _, m := range members {
		ranked = append(ranked, scored{id: m.ID, score: score(m.ID, table, key)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]api.NodeID, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].id
	}
	return out
}

func score(id api.NodeID, table, key []byte) uint64 {
	h := xxhash.New()
	var idb [8]byte
	for i := 0; i < 8; i++ {
		idb[i] = byte(uint64(id) >> (56 - 8*i))
	}
	h.Write(idb[:])
	h.Write([]byte{0})
	h.Write(table)
	h.Write([]byte{0})
	h.Write(key)
	return h.Sum64()
}
