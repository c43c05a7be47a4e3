package ring

import (
	"errors"
	"testing"

	"pkt.systems/kvlockd/api"
)

func members(ids ...api.NodeID) []Member {
	out := make([]Member, len(ids))
	for i, id := range ids {
		out[i] = Member{ID: id}
	}
	return out
}

func TestHashIsDeterministicAndBounded(t *testing.T) {
	r, err := New(Snapshot{Replication: 3, Members: members(1, 2, 3, 4, 5)}, nil)
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	first, err := r.Hash("", []byte("accounts"), []byte("alice"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if len(first.Replicas) != 3 {
		t.Fatalf("expected 3 replicas, got %d", len(first.Replicas))
	}
	if len(first.Transitioning) != len(first.Replicas) {
		t.Fatalf("transitioning must parallel replicas")
	}
	for i := range first.Transitioning {
		if first.Transitioning[i] != 0 {
			t.Fatalf("no migration staged, slot %d transitions to %s", i, first.Transitioning[i])
		}
	}
	second, err := r.Hash("", []byte("accounts"), []byte("alice"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for i := range first.Replicas {
		if first.Replicas[i] != second.Replicas[i] {
			t.Fatalf("placement not deterministic: %v vs %v", first.Replicas, second.Replicas)
		}
	}
	seen := make(map[api.NodeID]bool)
	for _, id := range first.Replicas {
		if seen[id] {
			t.Fatalf("duplicate replica %s in %v", id, first.Replicas)
		}
		seen[id] = true
	}
}

func TestHashShortMembershipKeepsDesiredFactor(t *testing.T) {
	r, err := New(Snapshot{Replication: 5, Members: members(1, 2)}, nil)
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	rs, err := r.Hash("", []byte("t"), []byte("k"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if len(rs.Replicas) != 2 {
		t.Fatalf("expected placement clamped to 2 live members, got %d", len(rs.Replicas))
	}
	if rs.DesiredReplication != 5 {
		t.Fatalf("desired factor must survive clamping, got %d", rs.DesiredReplication)
	}
}

func TestHashMigrationMarksChangedSlots(t *testing.T) {
	snap := Snapshot{
		Replication:   3,
		Members:       members(1, 2, 3),
		TargetMembers: members(1, 2, 3, 4, 5),
	}
	r, err := New(snap, nil)
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	// Scan keys until one actually moves slots under the target membership,
	// then check the transitioning annotations for it.
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	sawTransition := false
	for _, k := range keys {
		rs, err := r.Hash("", []byte("t"), []byte(k))
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		for i, tr := range rs.Transitioning {
			if tr == 0 {
				continue
			}
			sawTransition = true
			if tr == rs.Replicas[i] {
				t.Fatalf("slot %d transitions to its own owner", i)
			}
		}
	}
	if !sawTransition {
		t.Fatal("expected at least one key to move during a 3->5 member migration")
	}
}

func TestHashDatacenterFiltering(t *testing.T) {
	snap := Snapshot{
		Replication: 2,
		Members: []Member{
			{ID: 1, Datacenter: "east"},
			{ID: 2, Datacenter: "west"},
			{ID: 3}, // wildcard member serves every datacenter
		},
	}
	r, err := New(snap, nil)
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	rs, err := r.Hash("east", []byte("t"), []byte("k"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for _, id := range rs.Replicas {
		if id == 2 {
			t.Fatal("west member placed for an east query")
		}
	}
	if _, err := r.Hash("north", []byte("t"), []byte("k")); err != nil {
		// node 3 has no datacenter and matches any query
		t.Fatalf("wildcard member should serve unknown datacenters: %v", err)
	}
}

func TestHashFailsWithoutEligibleMembers(t *testing.T) {
	snap := Snapshot{
		Replication: 1,
		Members:     []Member{{ID: 1, Datacenter: "east"}},
	}
	r, err := New(snap, nil)
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	if _, err := r.Hash("west", []byte("t"), []byte("k")); !errors.Is(err, ErrNoMembers) {
		t.Fatalf("expected ErrNoMembers, got %v", err)
	}
}

func TestSnapshotValidation(t *testing.T) {
	if err := (Snapshot{Replication: 0, Members: members(1)}).Validate(); err == nil {
		t.Fatal("zero replication must fail validation")
	}
	if err := (Snapshot{Replication: 1}).Validate(); err == nil {
		t.Fatal("empty membership must fail validation")
	}
	if err := (Snapshot{Replication: 1, Members: members(1, 1)}).Validate(); err == nil {
		t.Fatal("duplicate member ids must fail validation")
	}
	if err := (Snapshot{Replication: 1, Members: members(0)}).Validate(); err == nil {
		t.Fatal("zero member id must fail validation")
	}
}

func TestUpdateRejectsInvalidSnapshotAndKeepsCurrent(t *testing.T) {
	r, err := New(Snapshot{Replication: 1, Members: members(1)}, nil)
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	if err := r.Update(Snapshot{Replication: 0}); err == nil {
		t.Fatal("invalid update must be rejected")
	}
	if _, err := r.Hash("", []byte("t"), []byte("k")); err != nil {
		t.Fatalf("previous snapshot must remain installed: %v", err)
	}
}
