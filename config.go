package kvlockd

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"pkt.systems/kvlockd/internal/clock"
	"pkt.systems/kvlockd/internal/ring"
	"pkt.systems/kvlockd/internal/transport"
	"pkt.systems/pslog"
)

const (
	// DefaultListen is the UDP endpoint the daemon binds to.
	DefaultListen = ":9631"
	// DefaultResendInterval is how long a replica stays quiet before its
	// lock request is re-sent.
	DefaultResendInterval = 100 * time.Millisecond
	// DefaultRetryTick is the cadence of the timer that re-drives every
	// outstanding lock request and retires finished ones.
	DefaultRetryTick = 25 * time.Millisecond
	// DefaultMetricsListen is the Prometheus scrape endpoint. Empty
	// disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener. Empty disables it.
	DefaultPprofListen = ""
)

// Config describes one kvlockd daemon.
type Config struct {
	// NodeID is this daemon's identity in the membership ring. Required,
	// non-zero, and unique across the cluster.
	NodeID uint64
	// Datacenter scopes replica placement. Empty means all datacenters.
	Datacenter string
	// Listen is the UDP address for protocol traffic.
	Listen string
	// MembersFile points at the YAML membership file, reloaded live on
	// change. Exactly one of MembersFile and Membership must be set.
	MembersFile string
	// Membership supplies a static membership snapshot, mainly for tests
	// and embedded clusters.
	Membership *ring.Snapshot
	// ResendInterval overrides DefaultResendInterval when positive.
	ResendInterval time.Duration
	// RetryTick overrides DefaultRetryTick when positive.
	RetryTick time.Duration
	// MetricsListen exposes Prometheus metrics and the lock diagnostics
	// report when non-empty.
	MetricsListen string
	// PprofListen exposes net/http/pprof when non-empty.
	PprofListen string
	// InstanceID distinguishes restarts of the same node in logs. A zero
	// value is replaced with a random UUID.
	InstanceID uuid.UUID
	// Logger receives all daemon logs. Nil disables logging.
	Logger pslog.Logger
	// Clock overrides the wall clock, for tests.
	Clock clock.Clock
	// Transport overrides the UDP transport, for tests and in-process
	// clusters.
	Transport transport.Transport
}

// Validate checks the configuration and fills defaults in place.
func (c *Config) Validate() error {
	if c.NodeID == 0 {
		return errors.New("kvlockd: NodeID is required")
	}
	if c.MembersFile == "" && c.Membership == nil {
		return errors.New("kvlockd: one of MembersFile or Membership is required")
	}
	if c.MembersFile != "" && c.Membership != nil {
		return errors.New("kvlockd: MembersFile and Membership are mutually exclusive")
	}
	if c.Membership != nil {
		if err := c.Membership.Validate(); err != nil {
			return fmt.Errorf("kvlockd: membership: %w", err)
		}
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ResendInterval <= 0 {
		c.ResendInterval = DefaultResendInterval
	}
	if c.RetryTick <= 0 {
		c.RetryTick = DefaultRetryTick
	}
	if c.InstanceID == (uuid.UUID{}) {
		c.InstanceID = uuid.New()
	}
	return nil
}
