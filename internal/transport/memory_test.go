package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/kvlockd/api"
)

type recorder struct {
	mu   sync.Mutex
	got  []api.Message
	from []api.NodeID
}

func (r *recorder) handle(from api.NodeID, msg api.Message, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from = append(r.from, from)
	r.got = append(r.got, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMemDeliversThroughCodec(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := NewNetwork(nil)
	a := net.Node(1)
	b := net.Node(2)
	var rec recorder
	go func() { _ = b.Start(ctx, rec.handle) }()

	a.Send(2, &api.Wound{TG: api.TransactionGroup{Group: 3, Seq: 1, Start: 9}})
	waitFor(t, func() bool { return rec.count() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.from[0] != api.NodeID(1) {
		t.Fatalf("expected sender node(1), got %s", rec.from[0])
	}
	w, ok := rec.got[0].(*api.Wound)
	if !ok || w.TG.Group != 3 {
		t.Fatalf("message mangled in transit: %#v", rec.got[0])
	}
}

func TestFilterDropsTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := NewNetwork(nil)
	a := net.Node(1)
	b := net.Node(2)
	var rec recorder
	go func() { _ = b.Start(ctx, rec.handle) }()

	dropped := 0
	net.SetFilter(func(from, to api.NodeID, msg api.Message) bool {
		if msg.Tag() == api.TagRawLockRequest {
			dropped++
			return false
		}
		return true
	})

	a.Send(2, &api.RawLockRequest{Table: []byte("t"), Key: []byte("k"), Op: api.OpLock})
	a.Send(2, &api.Wound{})
	waitFor(t, func() bool { return rec.count() == 1 })
	if dropped != 1 {
		t.Fatalf("filter saw %d droppable messages, expected 1", dropped)
	}
	if rec.got[0].Tag() != api.TagWound {
		t.Fatalf("wrong survivor: %s", rec.got[0].Tag())
	}
}

func TestSendToUnknownNodeIsSilent(t *testing.T) {
	net := NewNetwork(nil)
	a := net.Node(1)
	// Nothing listens for node 9; the datagram just disappears.
	a.Send(9, &api.Wound{})
}
