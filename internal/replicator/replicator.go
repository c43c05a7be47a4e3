// Package replicator drives a single lock or unlock operation across the
// quorum of replicas responsible for one (table, key) pair.
//
// Locking cannot assume repeatable requests the way replicated reads and
// writes can. Any message may be duplicated or delayed indefinitely, so a
// delayed "lock" retry could re-lock a lock that a later "unlock" for the
// same transaction already released. The protocol tolerates that case instead
// of preventing it, resting on two invariants upheld by the surrounding
// system:
//
// First, a transaction issues unlock operations only after its commit or
// abort outcome has been durably recorded. Nothing that happens after the
// first unlock can change the outcome, so a lock spuriously re-taken by a
// finished transaction is harmless to correctness; at worst it is held in
// error and costs liveness.
//
// Second, the only entity that initiates unlocks (or cancels outstanding
// lock requests, see Drop) for a transaction is the one that records that
// outcome. That gives the whole system a single point where the decision to
// release is made, and it is the same place the outcome becomes durable, so
// releasing never races ahead of the recorded outcome.
//
// Liveness against locks held in error comes from leaking the current holder
// to contenders: a contender with a lower start timestamp signals the
// holder's transaction manager through a wound message (see Abort), and the
// manager either aborts the younger holder or unlocks a spuriously held
// lock. Because every retry of a lock or unlock is idempotent on the
// replicas - a replica's lock state is a function of table, key, transaction
// group, and operation, never of message count - the replicator simply
// resends until a quorum acknowledges.
package replicator

import (
	"sync"
	"time"

	"pkt.systems/kvlockd/api"
	"pkt.systems/kvlockd/internal/loggingutil"
	"pkt.systems/kvlockd/internal/ring"
	"pkt.systems/pslog"
)

// Driver is the narrow surface the state machine consumes from the daemon
// hosting it: the replica-set oracle, the outbound fire-and-forget transport,
// and retry timing. Hash and Send are invoked while the request's critical
// section is held; implementations must not block or call back into the same
// request.
type Driver interface {
	// Hash resolves the replica set currently responsible for (table, key).
	Hash(table, key []byte) (api.ReplicaSet, error)
	// Send transmits msg to target with no delivery or ordering guarantee.
	Send(target api.NodeID, msg api.Message)
	// ResendInterval is the minimum quiet period before a replica is re-sent
	// the lock request.
	ResendInterval() time.Duration
	// Now supplies the monotonic-comparable instant used for retry stamps.
	Now() time.Time
}

// replicaStub is the per-target bookkeeping for one replica relevant to a
// request: when it was last sent to and what it last reported back. Stubs are
// created the first time the oracle names a target and live until the owning
// request is discarded. Mutated only under the owning request's mutex.
type replicaStub struct {
	target   api.NodeID
	lastSend time.Time
	tg       api.TransactionGroup
	rs       api.ReplicaSet
}

// LockRequest tracks one outstanding lock or unlock operation issued by a
// transaction manager. Every exported method runs under the instance's
// exclusive critical section, so stub mutation, quorum evaluation, and the
// at-most-once terminal response are atomic with respect to concurrent
// replica responses and timer ticks. Distinct requests share no mutable
// state and may be driven fully in parallel.
type LockRequest struct {
	stateKey uint64

	mu          sync.Mutex
	initialized bool
	finished    bool
	requester   api.NodeID
	nonce       uint64
	table       []byte
	key         []byte
	tg          api.TransactionGroup
	op          api.LockOp
	backing     []byte
	stubs       []*replicaStub

	warnedShort  bool
	warnedOracle bool

	logger  pslog.Logger
	metrics *Metrics
}

// NewLockRequest returns an empty request identified by stateKey. It must be
// initialized with Init before any other use.
func NewLockRequest(stateKey uint64, logger pslog.Logger, metrics *Metrics) *LockRequest {
	return &LockRequest{
		stateKey: stateKey,
		logger:   loggingutil.WithSubsystem(logger, "replicator").With("state_key", stateKey),
		metrics:  metrics,
	}
}

// StateKey returns the identifier replicas echo in their responses.
func (r *LockRequest) StateKey() uint64 {
	return r.stateKey
}

// Init records the operation this request replicates. It must be called
// exactly once before any other operation; violating that is a programming
// error and panics. backing is retained for the lifetime of the request so
// callers may hand over the original wire buffer the operation arrived in.
func (r *LockRequest) Init(requester api.NodeID, nonce uint64, table, key []byte,
	tg api.TransactionGroup, op api.LockOp, backing []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		panic("replicator: LockRequest initialized twice")
	}
	if !op.Valid() {
		panic("replicator: LockRequest initialized with invalid operation")
	}
	r.requester = requester
	r.nonce = nonce
	r.table = table
	r.key = key
	r.tg = tg
	r.op = op
	r.backing = backing
	r.initialized = true
	r.logger = r.logger.With(
		"table", string(table),
		"key", string(key),
		"tg", tg.String(),
		"op", op.String(),
	)
	r.logger.Debug("lock.replicate.begin",
		"requester", r.requester.String(),
		"nonce", nonce,
	)
}

// Finished reports whether the request has reached a terminal state. It is
// also true for a request that was never initialized, so the owning registry
// can always discard such instances.
func (r *LockRequest) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.initialized || r.finished
}

// TG returns the transaction group this request operates for.
func (r *LockRequest) TG() api.TransactionGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustInit()
	return r.tg
}

// Op returns the request's operation.
func (r *LockRequest) Op() api.LockOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustInit()
	return r.op
}

// Matches reports whether the request targets the given (table, key) pair.
func (r *LockRequest) Matches(table, key []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustInit()
	return string(r.table) == string(table) && string(r.key) == string(key)
}

// Table returns a copy of the request's table name.
func (r *LockRequest) Table() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustInit()
	return append([]byte(nil), r.table...)
}

// Key returns a copy of the request's key.
func (r *LockRequest) Key() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustInit()
	return append([]byte(nil), r.key...)
}

// Response records what a replica reported back and re-evaluates the state
// machine. Responses from targets no request was ever sent to are dropped
// silently; they are expected under retry-based delivery. Responses arriving
// after the request finished are ignored the same way. Staleness is never
// judged by sequence numbers - the agreement check during evaluation
// supersedes outdated reports naturally.
func (r *LockRequest) Response(from api.NodeID, tg api.TransactionGroup, rs api.ReplicaSet, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustInit()
	if r.finished {
		return
	}
	stub := r.stub(from)
	if stub == nil {
		r.logger.Debug("lock.replicate.response.stray", "from", from.String())
		return
	}
	r.logger.Debug("lock.replicate.response", "from", from.String(), "reported_tg", tg.String())
	stub.tg = tg
	stub.rs = rs
	r.metrics.response()
	r.evaluate(d)
}

// Drop cancels the request if tg matches its transaction group: the request
// becomes finished and all stubs are discarded, silently. This is the only
// way to terminate a request short of quorum, and it must only be invoked on
// behalf of the entity that durably records tg's outcome.
func (r *LockRequest) Drop(tg api.TransactionGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustInit()
	r.dropLocked(tg)
}

// Abort sends a single wound notification for tg to this request's original
// requester - escalating to the transaction manager that owns the current
// holder - and then cancels the request like Drop. Used for deadlock
// avoidance when a lower-timestamp contender wants the lock.
func (r *LockRequest) Abort(tg api.TransactionGroup, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustInit()
	r.logger.Debug("lock.replicate.wound", "wounded_tg", tg.String(), "requester", r.requester.String())
	d.Send(r.requester, &api.Wound{TG: tg})
	r.metrics.wound()
	r.dropLocked(tg)
}

// Drive re-runs the evaluation algorithm without new input. A periodic timer
// calls it so retries happen even when no replica traffic arrives.
func (r *LockRequest) Drive(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustInit()
	r.evaluate(d)
}

func (r *LockRequest) mustInit() {
	if !r.initialized {
		panic("replicator: LockRequest used before Init")
	}
}

func (r *LockRequest) dropLocked(tg api.TransactionGroup) {
	if r.tg != tg {
		return
	}
	if !r.finished {
		r.finished = true
		r.metrics.drop()
		r.logger.Debug("lock.replicate.drop")
	}
	r.stubs = nil
}

func (r *LockRequest) stub(id api.NodeID) *replicaStub {
	for _, s := range r.stubs {
		if s.target == id {
			return s
		}
	}
	return nil
}

func (r *LockRequest) ensureStub(id api.NodeID) {
	if id.IsZero() || r.stub(id) != nil {
		return
	}
	r.stubs = append(r.stubs, &replicaStub{target: id})
}

// evaluate runs the state machine once. Callers hold r.mu.
//
// For every slot of the current replica set the slot counts toward quorum
// when its current owner - and, mid-migration, its transitioning owner too -
// has acknowledged this request's transaction group against a consistent
// membership view. Non-complete owners are re-sent the operation once their
// resend interval has elapsed. When complete slots reach a majority of the
// replication factor the single terminal response goes back to the
// requester.
func (r *LockRequest) evaluate(d Driver) {
	if r.finished {
		return
	}
	rs, err := d.Hash(r.table, r.key)
	if err != nil {
		// No usable membership view; leave every stub untouched and let the
		// next response or timer tick try again.
		if !r.warnedOracle {
			r.warnedOracle = true
			r.logger.Warn("lock.replicate.hash.failed", "error", err)
		} else {
			r.logger.Debug("lock.replicate.hash.failed", "error", err)
		}
		return
	}
	r.warnedOracle = false

	now := d.Now()
	interval := d.ResendInterval()
	complete := 0
	for i := range rs.Replicas {
		current := rs.Replicas[i]
		transitioning := rs.TransitioningAt(i)
		r.ensureStub(current)
		r.ensureStub(transitioning)
		owner1 := r.stub(current)
		var owner2 *replicaStub
		if !transitioning.IsZero() {
			owner2 = r.stub(transitioning)
		}
		agree := owner2 == nil || ring.Agree(current, owner1.rs, owner2.rs)

		if owner1.tg == r.tg && (owner2 == nil || owner2.tg == r.tg) && agree {
			complete++
			continue
		}
		if now.Sub(owner1.lastSend) > interval && (owner1.tg != r.tg || !agree) {
			r.sendRetry(owner1, now, d)
		}
		if owner2 != nil && now.Sub(owner2.lastSend) > interval && (owner2.tg != r.tg || !agree) {
			r.sendRetry(owner2, now, d)
		}
	}

	desired := int(rs.DesiredReplication)
	shortLock := false
	if desired > len(rs.Replicas) {
		if !r.warnedShort {
			r.warnedShort = true
			r.logger.Warn("lock.replicate.short",
				"desired", desired,
				"live", len(rs.Replicas),
				"missing", desired-len(rs.Replicas),
			)
		}
		desired = len(rs.Replicas)
		shortLock = true
	}

	quorum := desired/2 + 1
	if complete < quorum {
		return
	}
	result := api.ResultSuccess
	if shortLock {
		result = api.ResultLessDurable
	}
	r.finished = true
	d.Send(r.requester, &api.LockOpResponse{Nonce: r.nonce, Result: result})
	r.metrics.complete(result)
	r.logger.Debug("lock.replicate.quorum",
		"complete", complete,
		"quorum", quorum,
		"result", result.String(),
	)
}

func (r *LockRequest) sendRetry(stub *replicaStub, now time.Time, d Driver) {
	r.logger.Trace("lock.replicate.send", "target", stub.target.String())
	d.Send(stub.target, &api.RawLockRequest{
		StateKey: r.stateKey,
		Table:    r.table,
		Key:      r.key,
		TG:       r.tg,
		Op:       r.op,
	})
	stub.lastSend = now
	r.metrics.retry()
}
