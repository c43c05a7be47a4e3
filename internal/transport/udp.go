package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"pkt.systems/kvlockd/api"
	"pkt.systems/kvlockd/internal/loggingutil"
	"pkt.systems/pslog"
)

// UDPConfig wires a UDP transport.
type UDPConfig struct {
	// NodeID is stamped as the sender on every outbound datagram.
	NodeID api.NodeID
	// Listen is the local UDP address, e.g. ":9631".
	Listen string
	// Resolve maps a node id to its UDP address, usually backed by the
	// membership ring.
	Resolve func(api.NodeID) (string, bool)
	Logger  pslog.Logger
}

// UDP carries protocol datagrams over UDP. Datagram semantics match the
// protocol's delivery model exactly: unordered, unacknowledged, lossy.
type UDP struct {
	cfg    UDPConfig
	conn   net.PacketConn
	logger pslog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewUDP binds the local socket.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.Resolve == nil {
		return nil, errors.New("transport: udp requires a resolver")
	}
	conn, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.Listen, err)
	}
	return &UDP{
		cfg:    cfg,
		conn:   conn,
		logger: loggingutil.WithSubsystem(cfg.Logger, "transport.udp").With("listen", conn.LocalAddr().String()),
	}, nil
}

// Addr returns the bound local address, useful when Listen used port 0.
func (u *UDP) Addr() string {
	return u.conn.LocalAddr().String()
}

// Send implements Transport.
func (u *UDP) Send(to api.NodeID, msg api.Message) {
	addr, ok := u.cfg.Resolve(to)
	if !ok || addr == "" {
		u.logger.Debug("transport.send.unresolved", "to", to.String(), "msg", msg.Tag().String())
		return
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		u.logger.Debug("transport.send.badaddr", "to", to.String(), "addr", addr, "error", err)
		return
	}
	payload, err := api.Encode(u.cfg.NodeID, msg)
	if err != nil {
		u.logger.Warn("transport.send.encode", "to", to.String(), "msg", msg.Tag().String(), "error", err)
		return
	}
	if _, err := u.conn.WriteTo(payload, udpAddr); err != nil {
		u.logger.Debug("transport.send.failed", "to", to.String(), "addr", addr, "error", err)
	}
}

// Start implements Transport. It blocks reading datagrams until ctx is
// cancelled or Close is called.
func (u *UDP) Start(ctx context.Context, h Handler) error {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return errors.New("transport: udp already started")
	}
	u.started = true
	u.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = u.Close() })
	defer stop()

	buf := make([]byte, api.MaxDatagramSize)
	for {
		n, _, err := u.conn.ReadFrom(buf)
		if err != nil {
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		raw := append([]byte(nil), buf[:n]...)
		from, msg, err := api.Decode(raw)
		if err != nil {
			u.logger.Debug("transport.recv.malformed", "bytes", n, "error", err)
			continue
		}
		h(from, msg, raw)
	}
}

// Close implements Transport.
func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	return u.conn.Close()
}
