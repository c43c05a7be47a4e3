package replicator

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/kvlockd/api"
	"pkt.systems/kvlockd/internal/clock"
)

type sentMsg struct {
	to  api.NodeID
	msg api.Message
}

// fakeDriver records outbound traffic and serves a scripted oracle view.
type fakeDriver struct {
	mu       sync.Mutex
	view     api.ReplicaSet
	hashErr  error
	clk      *clock.Manual
	interval time.Duration
	sent     []sentMsg
}

func newFakeDriver(view api.ReplicaSet) *fakeDriver {
	return &fakeDriver{
		view:     view,
		clk:      clock.NewManual(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)),
		interval: 100 * time.Millisecond,
	}
}

func (d *fakeDriver) Hash(table, key []byte) (api.ReplicaSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hashErr != nil {
		return api.ReplicaSet{}, d.hashErr
	}
	return d.view.Clone(), nil
}

func (d *fakeDriver) Send(to api.NodeID, msg api.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentMsg{to: to, msg: msg})
}

func (d *fakeDriver) ResendInterval() time.Duration { return d.interval }
func (d *fakeDriver) Now() time.Time                { return d.clk.Now() }

func (d *fakeDriver) countTag(tag api.MessageTag) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sent {
		if s.msg.Tag() == tag {
			n++
		}
	}
	return n
}

func (d *fakeDriver) retriesTo(id api.NodeID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sent {
		if s.to == id && s.msg.Tag() == api.TagRawLockRequest {
			n++
		}
	}
	return n
}

func (d *fakeDriver) terminal() *api.LockOpResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sent {
		if resp, ok := s.msg.(*api.LockOpResponse); ok {
			return resp
		}
	}
	return nil
}

var (
	tg1 = api.TransactionGroup{Group: 1, Seq: 1, Start: 1000}
	tg2 = api.TransactionGroup{Group: 2, Seq: 1, Start: 2000}
)

func threeReplicaView() api.ReplicaSet {
	return api.ReplicaSet{
		Replicas:           []api.NodeID{1, 2, 3},
		Transitioning:      []api.NodeID{0, 0, 0},
		DesiredReplication: 3,
	}
}

func newRequest(t *testing.T, op api.LockOp) *LockRequest {
	t.Helper()
	r := NewLockRequest(7, nil, nil)
	r.Init(api.NodeID(100), 555, []byte("accounts"), []byte("alice"), tg1, op, nil)
	return r
}

func TestQuorumEmitsSingleSuccess(t *testing.T) {
	view := threeReplicaView()
	d := newFakeDriver(view)
	r := newRequest(t, api.OpLock)

	r.Drive(d)
	if got := d.countTag(api.TagRawLockRequest); got != 3 {
		t.Fatalf("expected 3 initial raw lock requests, got %d", got)
	}

	r.Response(1, tg1, view, d)
	if r.Finished() {
		t.Fatal("one acknowledgment is below quorum for rf=3")
	}
	if d.terminal() != nil {
		t.Fatal("terminal response emitted below quorum")
	}

	r.Response(2, tg1, view, d)
	if !r.Finished() {
		t.Fatal("two acknowledgments reach quorum for rf=3")
	}
	resp := d.terminal()
	if resp == nil {
		t.Fatal("expected a terminal response at quorum")
	}
	if resp.Nonce != 555 || resp.Result != api.ResultSuccess {
		t.Fatalf("unexpected terminal response %+v", resp)
	}

	// The third replica's late, identical response and further timer ticks
	// must emit nothing more.
	r.Response(3, tg1, view, d)
	d.clk.Advance(time.Second)
	r.Drive(d)
	if got := d.countTag(api.TagLockOpResponse); got != 1 {
		t.Fatalf("expected exactly one terminal response, got %d", got)
	}
}

func TestRetriesAreIdempotent(t *testing.T) {
	view := threeReplicaView()
	d := newFakeDriver(view)
	r := newRequest(t, api.OpLock)

	r.Drive(d)
	// Drive well past the resend interval several times; every unacked
	// replica is re-sent each round.
	for i := 0; i < 5; i++ {
		d.clk.Advance(150 * time.Millisecond)
		r.Drive(d)
	}
	if got := d.retriesTo(1); got != 6 {
		t.Fatalf("expected 6 sends to replica 1, got %d", got)
	}

	r.Response(1, tg1, view, d)
	d.clk.Advance(150 * time.Millisecond)
	r.Drive(d)
	if got := d.retriesTo(1); got != 6 {
		t.Fatalf("acknowledged replica must not be re-sent, got %d sends", got)
	}
	if got := d.retriesTo(2); got != 7 {
		t.Fatalf("unacknowledged replica must keep being re-sent, got %d sends", got)
	}

	r.Response(2, tg1, view, d)
	resp := d.terminal()
	if resp == nil || resp.Result != api.ResultSuccess {
		t.Fatalf("outcome must be unaffected by the number of retries, got %+v", resp)
	}
}

func TestResendWaitsForInterval(t *testing.T) {
	d := newFakeDriver(threeReplicaView())
	r := newRequest(t, api.OpLock)

	r.Drive(d)
	r.Drive(d)
	if got := d.countTag(api.TagRawLockRequest); got != 3 {
		t.Fatalf("re-driving inside the resend interval must not resend, got %d", got)
	}
	d.clk.Advance(101 * time.Millisecond)
	r.Drive(d)
	if got := d.countTag(api.TagRawLockRequest); got != 6 {
		t.Fatalf("expected resends after the interval elapsed, got %d", got)
	}
}

func TestDegradedReplicationYieldsLessDurable(t *testing.T) {
	view := api.ReplicaSet{
		Replicas:           []api.NodeID{1, 2},
		Transitioning:      []api.NodeID{0, 0},
		DesiredReplication: 3,
	}
	d := newFakeDriver(view)
	r := newRequest(t, api.OpLock)

	r.Drive(d)
	r.Response(1, tg1, view, d)
	if r.Finished() {
		t.Fatal("one acknowledgment is below the clamped quorum of 2")
	}
	r.Response(2, tg1, view, d)
	resp := d.terminal()
	if resp == nil {
		t.Fatal("expected completion at the clamped quorum")
	}
	if resp.Result != api.ResultLessDurable {
		t.Fatalf("degraded completion must carry less-durable, got %s", resp.Result)
	}
}

func TestDropIsFinal(t *testing.T) {
	view := threeReplicaView()
	d := newFakeDriver(view)
	r := newRequest(t, api.OpLock)
	r.Drive(d)

	r.Drop(tg2)
	if r.Finished() {
		t.Fatal("drop with a foreign transaction group must be ignored")
	}

	r.Drop(tg1)
	if !r.Finished() {
		t.Fatal("drop with the owning transaction group must finish the request")
	}
	before := d.countTag(api.TagRawLockRequest)
	d.clk.Advance(time.Second)
	r.Drive(d)
	r.Response(1, tg1, view, d)
	if got := d.countTag(api.TagRawLockRequest); got != before {
		t.Fatalf("dropped request must not retry, got %d sends after drop", got-before)
	}
	if d.terminal() != nil {
		t.Fatal("dropped request must stay silent")
	}
}

func TestStrayResponseIgnored(t *testing.T) {
	view := threeReplicaView()
	d := newFakeDriver(view)
	r := newRequest(t, api.OpLock)
	r.Drive(d)
	before := len(d.sent)

	r.Response(99, tg1, view, d)
	if len(d.sent) != before {
		t.Fatal("a response from an unknown target must not trigger evaluation")
	}
	if r.Finished() {
		t.Fatal("a stray response must not change request state")
	}
}

func TestTransitioningSlotNeedsAgreement(t *testing.T) {
	view := api.ReplicaSet{
		Replicas:           []api.NodeID{1, 2, 3},
		Transitioning:      []api.NodeID{4, 0, 0},
		DesiredReplication: 3,
	}
	d := newFakeDriver(view)
	r := newRequest(t, api.OpLock)

	r.Drive(d)
	if got := d.countTag(api.TagRawLockRequest); got != 4 {
		t.Fatalf("expected sends to 3 current plus 1 transitioning replica, got %d", got)
	}

	disagreeing := api.ReplicaSet{
		Replicas:           []api.NodeID{1, 2, 3},
		Transitioning:      []api.NodeID{5, 0, 0},
		DesiredReplication: 3,
	}
	r.Response(1, tg1, view, d)
	r.Response(4, tg1, disagreeing, d)
	if r.Finished() {
		t.Fatal("matching transaction groups without view agreement must not complete the slot")
	}

	// Both ends of the disagreeing slot are re-sent after the interval even
	// though their transaction groups already match.
	d.clk.Advance(150 * time.Millisecond)
	r.Drive(d)
	if got := d.retriesTo(1); got < 2 {
		t.Fatalf("current owner of a disagreeing slot must be re-sent, got %d sends", got)
	}
	if got := d.retriesTo(4); got < 2 {
		t.Fatalf("transitioning owner of a disagreeing slot must be re-sent, got %d sends", got)
	}

	r.Response(4, tg1, view, d)
	if r.Finished() {
		// Slot 0 agrees now, but that is still only 1 complete slot of
		// quorum 2.
		t.Fatal("one complete slot is below quorum")
	}
	r.Response(2, tg1, view, d)
	if !r.Finished() {
		t.Fatal("an agreeing migrating slot plus a stable slot reach quorum")
	}
	if resp := d.terminal(); resp == nil || resp.Result != api.ResultSuccess {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestAbortSendsSingleWoundToRequester(t *testing.T) {
	view := threeReplicaView()
	d := newFakeDriver(view)
	r := newRequest(t, api.OpLock)
	r.Drive(d)

	r.Abort(tg1, d)
	if !r.Finished() {
		t.Fatal("abort must cancel the request")
	}
	wounds := 0
	d.mu.Lock()
	for _, s := range d.sent {
		w, ok := s.msg.(*api.Wound)
		if !ok {
			continue
		}
		wounds++
		if s.to != api.NodeID(100) {
			t.Errorf("wound must target the original requester, got %s", s.to)
		}
		if w.TG != tg1 {
			t.Errorf("wound must carry the wounded transaction group, got %s", w.TG)
		}
	}
	d.mu.Unlock()
	if wounds != 1 {
		t.Fatalf("expected exactly one wound, got %d", wounds)
	}
	if d.terminal() != nil {
		t.Fatal("an aborted request must never answer its requester")
	}
}

func TestOracleFailureSkipsEvaluationCycle(t *testing.T) {
	view := threeReplicaView()
	d := newFakeDriver(view)
	r := newRequest(t, api.OpLock)

	d.hashErr = errors.New("membership unavailable")
	r.Drive(d)
	if len(d.sent) != 0 {
		t.Fatal("a failed oracle lookup must not send anything")
	}
	if r.Finished() {
		t.Fatal("a failed oracle lookup must not finish the request")
	}

	d.hashErr = nil
	r.Drive(d)
	if got := d.countTag(api.TagRawLockRequest); got != 3 {
		t.Fatalf("evaluation must resume once the oracle recovers, got %d sends", got)
	}
}

func TestLifecycleViolationsPanic(t *testing.T) {
	expectPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s must panic", name)
			}
		}()
		fn()
	}

	r := NewLockRequest(1, nil, nil)
	if !r.Finished() {
		t.Fatal("an uninitialized request reports finished so registries can discard it")
	}
	d := newFakeDriver(threeReplicaView())
	expectPanic("Drive before Init", func() { r.Drive(d) })
	expectPanic("Response before Init", func() { r.Response(1, tg1, api.ReplicaSet{}, d) })
	expectPanic("Drop before Init", func() { r.Drop(tg1) })

	r.Init(1, 1, []byte("t"), []byte("k"), tg1, api.OpLock, nil)
	expectPanic("double Init", func() {
		r.Init(1, 1, []byte("t"), []byte("k"), tg1, api.OpLock, nil)
	})
}

func TestDebugDumpRendersLifecycle(t *testing.T) {
	r := NewLockRequest(9, nil, nil)
	dump := r.DebugDump()
	if want := "initialized=no"; !strings.Contains(dump, want) {
		t.Fatalf("dump missing %q:\n%s", want, dump)
	}

	d := newFakeDriver(threeReplicaView())
	r.Init(100, 1, []byte("accounts"), []byte("alice"), tg1, api.OpUnlock, []byte{1, 2, 3})
	r.Drive(d)
	dump = r.DebugDump()
	for _, want := range []string{"initialized=yes", "op=unlock", `"accounts"`, "stub[2]", "backing=3 bytes"} {
		if !strings.Contains(dump, want) {
			t.Fatalf("dump missing %q:\n%s", want, dump)
		}
	}
}
