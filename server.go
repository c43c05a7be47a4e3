package kvlockd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/kvlockd/api"
	"pkt.systems/kvlockd/internal/clock"
	"pkt.systems/kvlockd/internal/correlation"
	"pkt.systems/kvlockd/internal/diagnostics"
	"pkt.systems/kvlockd/internal/lockstate"
	"pkt.systems/kvlockd/internal/loggingutil"
	"pkt.systems/kvlockd/internal/replicator"
	"pkt.systems/kvlockd/internal/ring"
	"pkt.systems/kvlockd/internal/transport"
	"pkt.systems/pslog"
)

// Server is one kvlockd daemon: it answers raw lock requests against its
// local lock table and replicates lock operations it receives from
// transaction managers across the responsible replica set. It is the
// external driver of every outstanding lock request - it feeds replica
// responses in as they arrive and re-drives all requests on a periodic
// timer so retries happen even without traffic.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clk       clock.Clock
	ring      *ring.Ring
	table     *lockstate.Table
	tr        transport.Transport
	metrics   *replicator.Metrics
	telemetry *telemetryBundle

	nextStateKey atomic.Uint64
	started      time.Time

	mu       sync.Mutex
	requests map[uint64]*replicator.LockRequest
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer constructs a daemon according to cfg.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(cfg.Logger).With(
		"node", cfg.NodeID,
		"instance", cfg.InstanceID.String(),
	)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	var snap ring.Snapshot
	if cfg.Membership != nil {
		snap = *cfg.Membership
	} else {
		loaded, err := ring.LoadFile(cfg.MembersFile)
		if err != nil {
			return nil, err
		}
		snap = loaded
	}
	r, err := ring.New(snap, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   loggingutil.WithSubsystem(logger, "server"),
		clk:      clk,
		ring:     r,
		table:    lockstate.New(logger),
		metrics:  replicator.NewMetrics(logger),
		requests: make(map[uint64]*replicator.LockRequest),
	}

	s.tr = cfg.Transport
	if s.tr == nil {
		udp, err := transport.NewUDP(transport.UDPConfig{
			NodeID: api.NodeID(cfg.NodeID),
			Listen: cfg.Listen,
			Resolve: func(id api.NodeID) (string, bool) {
				member, ok := s.ring.Lookup(id)
				return member.Addr, ok
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		s.tr = udp
	}
	return s, nil
}

// Start brings up telemetry, the transport receive loop, the membership
// watch, and the retry timer. It does not block.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("kvlockd: server already started")
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	telemetry, err := setupTelemetry(s.cfg, s.logger, s.collectDiagnostics)
	if err != nil {
		return err
	}
	s.telemetry = telemetry
	s.started = s.clk.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.tr.Start(ctx, s.handleMessage); err != nil {
			s.logger.Error("server.transport.stopped", "error", err)
		}
	}()

	if s.cfg.MembersFile != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ring.WatchFile(ctx, s.cfg.MembersFile); err != nil && ctx.Err() == nil {
				s.logger.Warn("server.ring.watch.stopped", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.retryLoop(ctx)
	}()

	s.logger.Info("server.start",
		"listen", s.cfg.Listen,
		"datacenter", s.cfg.Datacenter,
		"resend_interval", s.cfg.ResendInterval.String(),
	)
	return nil
}

// Shutdown stops the daemon. In-flight datagrams for outstanding requests
// are not retracted; their late replies are dropped by the usual guards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = s.tr.Close()
	if s.telemetry != nil {
		s.telemetry.Shutdown(ctx)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outstanding returns the number of lock requests currently tracked.
func (s *Server) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// handleMessage dispatches one inbound datagram.
func (s *Server) handleMessage(from api.NodeID, msg api.Message, raw []byte) {
	switch m := msg.(type) {
	case *api.LockOpRequest:
		s.handleLockOp(from, m, raw)
	case *api.RawLockRequest:
		s.handleRawLock(from, m)
	case *api.RawLockResponse:
		s.handleRawLockResponse(m)
	case *api.Wound:
		// This daemon replicates locks; acting on a wound is the
		// transaction manager's concern. Seeing one here means a manager
		// shares our address, so surface it.
		s.logger.Info("server.wound.received", "from", from.String(), "tg", m.TG.String())
	case *api.LockOpResponse:
		s.logger.Debug("server.stray.lockop.response", "from", from.String(), "nonce", m.Nonce)
	}
}

// handleLockOp starts replicating a lock or unlock operation on behalf of
// the transaction manager at from.
func (s *Server) handleLockOp(from api.NodeID, m *api.LockOpRequest, raw []byte) {
	corrID := correlation.Generate()
	logger := s.logger.With("correlation", corrID)
	logger.Debug("server.lockop",
		"from", from.String(),
		"table", string(m.Table),
		"key", string(m.Key),
		"tg", m.TG.String(),
		"op", m.Op.String(),
		"nonce", m.Nonce,
	)

	// An unlock only ever originates from the entity that durably recorded
	// the transaction's outcome, so it also authorizes dropping any still
	// outstanding lock request for the same transaction and key: the lock
	// is being released, nothing is waiting on its quorum anymore.
	if m.Op == api.OpUnlock {
		s.dropLockRequests(m.TG, m.Table, m.Key, logger)
	}

	req := replicator.NewLockRequest(s.nextStateKey.Add(1), logger, s.metrics)
	req.Init(from, m.Nonce, m.Table, m.Key, m.TG, m.Op, raw)

	s.mu.Lock()
	s.requests[req.StateKey()] = req
	s.mu.Unlock()
	s.metrics.RequestStarted()

	req.Drive(s)
}

// handleRawLock applies a replicated operation to the local lock table and
// acknowledges with this replica's state and membership view.
func (s *Server) handleRawLock(from api.NodeID, m *api.RawLockRequest) {
	view, err := s.ring.Hash(s.cfg.Datacenter, m.Table, m.Key)
	if err != nil {
		// Reply with an empty view rather than staying silent: the sender's
		// agreement check refuses to count it for a migrating slot, and a
		// stable slot does not consult it.
		s.logger.Debug("server.rawlock.hash.failed", "error", err)
		view = api.ReplicaSet{}
	}
	reported := s.table.Apply(m.Table, m.Key, m.Op, m.TG)
	s.tr.Send(from, &api.RawLockResponse{
		StateKey: m.StateKey,
		From:     api.NodeID(s.cfg.NodeID),
		TG:       reported,
		RS:       view,
	})
}

// handleRawLockResponse routes a replica acknowledgment to its request and
// applies the wound-wait policy when the acknowledgment leaks a holder.
func (s *Server) handleRawLockResponse(m *api.RawLockResponse) {
	s.mu.Lock()
	req := s.requests[m.StateKey]
	s.mu.Unlock()
	if req == nil || req.Finished() {
		s.logger.Debug("server.rawlock.response.stray", "state_key", m.StateKey, "from", m.From.String())
		return
	}
	req.Response(m.From, m.TG, m.RS, s)

	// Wound-wait: the replica reported a holder other than our contender.
	// If the contender is older, the younger holder yields - wound it
	// through its own outstanding request when this daemon hosts it.
	contender := req.TG()
	if m.TG.IsZero() || m.TG == contender || !contender.Older(m.TG) {
		return
	}
	if holder := s.findLockRequest(m.TG, req.Table(), req.Key()); holder != nil {
		s.logger.Debug("server.wound",
			"holder", m.TG.String(),
			"contender", contender.String(),
		)
		holder.Abort(m.TG, s)
	}
}

func (s *Server) dropLockRequests(tg api.TransactionGroup, table, key []byte, logger pslog.Logger) {
	for _, req := range s.snapshotRequests() {
		if req.Finished() || req.Op() != api.OpLock || req.TG() != tg || !req.Matches(table, key) {
			continue
		}
		logger.Debug("server.lockop.drop", "state_key", req.StateKey())
		req.Drop(tg)
	}
}

func (s *Server) findLockRequest(tg api.TransactionGroup, table, key []byte) *replicator.LockRequest {
	for _, req := range s.snapshotRequests() {
		if !req.Finished() && req.Op() == api.OpLock && req.TG() == tg && req.Matches(table, key) {
			return req
		}
	}
	return nil
}

func (s *Server) snapshotRequests() []*replicator.LockRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*replicator.LockRequest, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}
	return out
}

// retryLoop periodically re-drives every outstanding request and retires
// finished ones.
func (s *Server) retryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(s.cfg.RetryTick):
		}
		for _, req := range s.snapshotRequests() {
			if req.Finished() {
				s.mu.Lock()
				delete(s.requests, req.StateKey())
				s.mu.Unlock()
				s.metrics.RequestRetired()
				continue
			}
			req.Drive(s)
		}
	}
}

func (s *Server) collectDiagnostics() (diagnostics.Info, []string) {
	reqs := s.snapshotRequests()
	dumps := make([]string, 0, len(reqs))
	for _, req := range reqs {
		dumps = append(dumps, req.DebugDump())
	}
	return diagnostics.Info{
		NodeID:      s.cfg.NodeID,
		Datacenter:  s.cfg.Datacenter,
		Started:     s.started,
		Outstanding: s.metrics.Outstanding(),
		LocksHeld:   s.table.Held(),
	}, dumps
}

// Hash implements replicator.Driver.
func (s *Server) Hash(table, key []byte) (api.ReplicaSet, error) {
	return s.ring.Hash(s.cfg.Datacenter, table, key)
}

// Send implements replicator.Driver.
func (s *Server) Send(to api.NodeID, msg api.Message) {
	s.tr.Send(to, msg)
}

// ResendInterval implements replicator.Driver.
func (s *Server) ResendInterval() time.Duration {
	return s.cfg.ResendInterval
}

// Now implements replicator.Driver.
func (s *Server) Now() time.Time {
	return s.clk.Now()
}
