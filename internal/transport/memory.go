package transport

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/kvlockd/api"
	"pkt.systems/kvlockd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Network is an in-memory datagram fabric connecting Mem transports. Every
// message still passes through the wire codec, and delivery is asynchronous
// through a bounded per-node queue, so it behaves like a fast, controllable
// UDP: an installed filter can drop or duplicate traffic, and a full queue
// loses datagrams the same way a socket buffer would.
type Network struct {
	mu     sync.Mutex
	nodes  map[api.NodeID]*Mem
	filter func(from, to api.NodeID, msg api.Message) bool
	logger pslog.Logger
}

// NewNetwork returns an empty fabric.
func NewNetwork(logger pslog.Logger) *Network {
	return &Network{
		nodes:  make(map[api.NodeID]*Mem),
		logger: loggingutil.WithSubsystem(logger, "transport.mem"),
	}
}

// SetFilter installs a delivery filter; returning false drops the message.
// A nil filter delivers everything.
func (n *Network) SetFilter(f func(from, to api.NodeID, msg api.Message) bool) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Node returns (creating on first use) the transport endpoint for id.
func (n *Network) Node(id api.NodeID) *Mem {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m, ok := n.nodes[id]; ok {
		return m
	}
	m := &Mem{
		net:   n,
		id:    id,
		queue: make(chan []byte, 1024),
		done:  make(chan struct{}),
	}
	n.nodes[id] = m
	return m
}

func (n *Network) deliver(from, to api.NodeID, msg api.Message, payload []byte) {
	n.mu.Lock()
	target, ok := n.nodes[to]
	filter := n.filter
	n.mu.Unlock()
	if !ok {
		n.logger.Debug("transport.mem.unroutable", "from", from.String(), "to", to.String())
		return
	}
	if filter != nil && !filter(from, to, msg) {
		return
	}
	select {
	case target.queue <- payload:
	default:
		// Queue full: lose the datagram, exactly like a saturated socket.
		n.logger.Debug("transport.mem.dropped", "from", from.String(), "to", to.String())
	}
}

// Mem is one node's endpoint on a Network.
type Mem struct {
	net   *Network
	id    api.NodeID
	queue chan []byte

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// Send implements Transport.
func (m *Mem) Send(to api.NodeID, msg api.Message) {
	payload, err := api.Encode(m.id, msg)
	if err != nil {
		m.net.logger.Warn("transport.mem.encode", "from", m.id.String(), "error", err)
		return
	}
	m.net.deliver(m.id, to, msg, payload)
}

// Start implements Transport. Inbound datagrams are decoded and handed to h
// on a dedicated goroutine until ctx is cancelled or Close is called.
func (m *Mem) Start(ctx context.Context, h Handler) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("transport: mem endpoint already started")
	}
	m.started = true
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case payload := <-m.queue:
			from, msg, err := api.Decode(payload)
			if err != nil {
				m.net.logger.Debug("transport.mem.malformed", "to", m.id.String(), "error", err)
				continue
			}
			h(from, msg, payload)
		}
	}
}

// Close implements Transport.
func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	return nil
}
