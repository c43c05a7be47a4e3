package replicator

import (
	"fmt"
	"strconv"
	"strings"
)

// DebugDump renders the request's state for operational inspection. It is
// safe to call at any point in the lifecycle, including before Init, and is
// not part of the protocol contract.
func (r *LockRequest) DebugDump() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "state_key=%d\n", r.stateKey)
	fmt.Fprintf(&b, "initialized=%s\n", yesno(r.initialized))
	fmt.Fprintf(&b, "finished=%s\n", yesno(r.finished))
	if !r.initialized {
		return b.String()
	}
	fmt.Fprintf(&b, "requester=%s nonce=%d\n", r.requester, r.nonce)
	fmt.Fprintf(&b, "table=%s\n", strconv.Quote(string(r.table)))
	fmt.Fprintf(&b, "key=%s\n", strconv.Quote(string(r.key)))
	fmt.Fprintf(&b, "tg=%s\n", r.tg)
	fmt.Fprintf(&b, "op=%s\n", r.op)
	fmt.Fprintf(&b, "backing=%d bytes\n", len(r.backing))
	for i, s := range r.stubs {
		fmt.Fprintf(&b, "stub[%d] target=%s last_send=%s tg=%s rs=%s\n",
			i, s.target, s.lastSend.Format("15:04:05.000"), s.tg, s.rs)
	}
	return b.String()
}

func yesno(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
