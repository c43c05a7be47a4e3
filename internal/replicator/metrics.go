package replicator

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/kvlockd/api"
	"pkt.systems/pslog"
)

// Metrics aggregates the replication counters for every request hosted by a
// daemon. A nil *Metrics is valid and records nothing, which keeps tests and
// embedded uses free of telemetry wiring.
type Metrics struct {
	retries     metric.Int64Counter
	responses   metric.Int64Counter
	completions metric.Int64Counter
	wounds      metric.Int64Counter
	drops       metric.Int64Counter
	outstanding metric.Int64UpDownCounter

	outstandingNow atomic.Int64
}

// NewMetrics registers the replicator instruments on the global meter.
func NewMetrics(logger pslog.Logger) *Metrics {
	meter := otel.Meter("pkt.systems/kvlockd/replicator")
	m := &Metrics{}
	var err error

	m.retries, err = meter.Int64Counter(
		"kvlockd.lock.retries",
		metric.WithDescription("Raw lock requests sent to replicas, including resends"),
	)
	logMetricInitError(logger, "kvlockd.lock.retries", err)

	m.responses, err = meter.Int64Counter(
		"kvlockd.lock.responses",
		metric.WithDescription("Replica acknowledgments processed"),
	)
	logMetricInitError(logger, "kvlockd.lock.responses", err)

	m.completions, err = meter.Int64Counter(
		"kvlockd.lock.completions",
		metric.WithDescription("Lock operations finished by quorum, by result"),
	)
	logMetricInitError(logger, "kvlockd.lock.completions", err)

	m.wounds, err = meter.Int64Counter(
		"kvlockd.lock.wounds",
		metric.WithDescription("Wound notifications sent for deadlock avoidance"),
	)
	logMetricInitError(logger, "kvlockd.lock.wounds", err)

	m.drops, err = meter.Int64Counter(
		"kvlockd.lock.drops",
		metric.WithDescription("Lock requests cancelled before quorum"),
	)
	logMetricInitError(logger, "kvlockd.lock.drops", err)

	m.outstanding, err = meter.Int64UpDownCounter(
		"kvlockd.lock.outstanding",
		metric.WithDescription("Lock requests currently tracked"),
	)
	logMetricInitError(logger, "kvlockd.lock.outstanding", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("metrics.init.failed", "instrument", name, "error", err)
}

// RequestStarted records a newly registered request.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.outstandingNow.Add(1)
	if m.outstanding != nil {
		m.outstanding.Add(context.Background(), 1)
	}
}

// RequestRetired records a request discarded by the registry.
func (m *Metrics) RequestRetired() {
	if m == nil {
		return
	}
	m.outstandingNow.Add(-1)
	if m.outstanding != nil {
		m.outstanding.Add(context.Background(), -1)
	}
}

// Outstanding returns the number of requests currently tracked.
func (m *Metrics) Outstanding() int64 {
	if m == nil {
		return 0
	}
	return m.outstandingNow.Load()
}

func (m *Metrics) retry() {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(context.Background(), 1)
}

func (m *Metrics) response() {
	if m == nil || m.responses == nil {
		return
	}
	m.responses.Add(context.Background(), 1)
}

func (m *Metrics) complete(result api.ResultCode) {
	if m == nil || m.completions == nil {
		return
	}
	m.completions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result.String())))
}

func (m *Metrics) wound() {
	if m == nil || m.wounds == nil {
		return
	}
	m.wounds.Add(context.Background(), 1)
}

func (m *Metrics) drop() {
	if m == nil || m.drops == nil {
		return
	}
	m.drops.Add(context.Background(), 1)
}
