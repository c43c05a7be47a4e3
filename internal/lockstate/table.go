// Package lockstate is the replica half of the locking protocol: the local
// lock table a daemon consults when a raw lock request arrives. A lock over
// a (table, key) pair is held by at most one transaction group at a time.
// Applying the same operation any number of times is deliberately harmless -
// the replicating side resends until acknowledged and never relies on
// exactly-once delivery.
package lockstate

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/kvlockd/api"
	"pkt.systems/kvlockd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Table holds this replica's lock state.
type Table struct {
	mu      sync.Mutex
	holders map[string]api.TransactionGroup

	logger  pslog.Logger
	applies metric.Int64Counter
	held    metric.Int64UpDownCounter
}

// New returns an empty lock table.
func New(logger pslog.Logger) *Table {
	t := &Table{
		holders: make(map[string]api.TransactionGroup),
		logger:  loggingutil.WithSubsystem(logger, "lockstate"),
	}
	meter := otel.Meter("pkt.systems/kvlockd/lockstate")
	var err error
	t.applies, err = meter.Int64Counter(
		"kvlockd.lockstate.applies",
		metric.WithDescription("Raw lock operations applied to the local table"),
	)
	if err != nil {
		t.logger.Warn("metrics.init.failed", "instrument", "kvlockd.lockstate.applies", "error", err)
	}
	t.held, err = meter.Int64UpDownCounter(
		"kvlockd.lockstate.held",
		metric.WithDescription("Locks currently held on the local table"),
	)
	if err != nil {
		t.logger.Warn("metrics.init.failed", "instrument", "kvlockd.lockstate.held", "error", err)
	}
	return t
}

// Apply executes op for tg against (table, key) and returns the transaction
// group the replica acknowledges:
//
//   - a lock taken (or already held) by tg acknowledges tg;
//   - a lock held by another transaction leaks that holder back to the
//     contender, which is what lets the contender wound a younger holder;
//   - an unlock by the holder releases and acknowledges tg;
//   - an unlock by a non-holder is a no-op but still acknowledges tg - from
//     the unlocking transaction's point of view its lock is gone either way.
func (t *Table) Apply(table, key []byte, op api.LockOp, tg api.TransactionGroup) api.TransactionGroup {
	k := compose(table, key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.applies != nil {
		t.applies.Add(context.Background(), 1)
	}
	holder, heldBefore := t.holders[k]
	switch op {
	case api.OpLock:
		if !heldBefore || holder == tg {
			t.holders[k] = tg
			if !heldBefore {
				t.addHeld(1)
				t.logger.Debug("lockstate.lock", "table", string(table), "key", string(key), "tg", tg.String())
			}
			return tg
		}
		t.logger.Debug("lockstate.contended",
			"table", string(table),
			"key", string(key),
			"holder", holder.String(),
			"contender", tg.String(),
		)
		return holder
	case api.OpUnlock:
		if heldBefore && holder == tg {
			delete(t.holders, k)
			t.addHeld(-1)
			t.logger.Debug("lockstate.unlock", "table", string(table), "key", string(key), "tg", tg.String())
		}
		return tg
	}
	// Init and the codec both reject invalid operations before they reach
	// the table.
	panic("lockstate: invalid lock operation")
}

// Holder returns the transaction group currently holding (table, key), if
// any. Diagnostic use only.
func (t *Table) Holder(table, key []byte) (api.TransactionGroup, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tg, ok := t.holders[compose(table, key)]
	return tg, ok
}

// Held returns the number of locks currently held on this replica.
func (t *Table) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.holders)
}

func (t *Table) addHeld(delta int64) {
	if t.held != nil {
		t.held.Add(context.Background(), delta)
	}
}

// compose builds the map key. The length prefix keeps ("ab","c") and
// ("a","bc") distinct.
func compose(table, key []byte) string {
	buf := make([]byte, 0, 4+len(table)+len(key))
	buf = append(buf,
		byte(len(table)>>24), byte(len(table)>>16), byte(len(table)>>8), byte(len(table)))
	buf = append(buf, table...)
	buf = append(buf, key...)
	return string(buf)
}
