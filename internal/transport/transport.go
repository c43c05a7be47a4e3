// Package transport moves protocol datagrams between daemons. Delivery is
// fire-and-forget: no acknowledgment, no ordering across targets or across
// retries to the same target. The locking protocol is built to tolerate
// exactly that, so a failed send is logged and forgotten, never retried by
// the transport itself.
package transport

import (
	"context"

	"pkt.systems/kvlockd/api"
)

// Handler consumes one decoded inbound message. raw is the complete datagram
// the message arrived in; the handler owns it and may retain it. Handlers run
// on the transport's receive goroutine; they dispatch quickly and must not
// block on network round trips.
type Handler func(from api.NodeID, msg api.Message, raw []byte)

// Transport sends and receives protocol datagrams for one daemon.
type Transport interface {
	// Send transmits msg to the daemon identified by to. Best effort; the
	// message may be lost, duplicated, or reordered in flight.
	Send(to api.NodeID, msg api.Message)
	// Start begins delivering inbound messages to h until ctx is cancelled
	// or the transport is closed.
	Start(ctx context.Context, h Handler) error
	// Close releases the transport's resources.
	Close() error
}
