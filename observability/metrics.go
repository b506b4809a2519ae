package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NodeMetrics wraps collectors tracking ledger node message processing.
type NodeMetrics struct {
	applied    *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

// RPCMetrics tracks the JSON-RPC query surface.
type RPCMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// AwarddMetrics wraps collectors tracking reconciliation engine health.
type AwarddMetrics struct {
	submits        *prometheus.CounterVec
	polls          prometheus.Counter
	escalations    prometheus.Counter
	outcomes       *prometheus.CounterVec
	confirmLatency *prometheus.HistogramVec
	cooldownWait   prometheus.Histogram
	pauseEngaged   prometheus.Gauge
}

var (
	nodeMetricsOnce sync.Once
	nodeRegistry    *NodeMetrics

	rpcMetricsOnce sync.Once
	rpcRegistry    *RPCMetrics

	awarddMetricsOnce sync.Once
	awarddRegistry    *AwarddMetrics
)

// Node returns the lazily-initialised metrics registry for the ledger node.
func Node() *NodeMetrics {
	nodeMetricsOnce.Do(func() {
		nodeRegistry = &NodeMetrics{
			applied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xpl",
				Subsystem: "node",
				Name:      "envelopes_applied_total",
				Help:      "Count of envelopes accepted by the state machine, segmented by opcode.",
			}, []string{"opcode"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xpl",
				Subsystem: "node",
				Name:      "envelopes_dropped_total",
				Help:      "Count of envelopes dropped before execution, segmented by reason.",
			}, []string{"reason"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xpl",
				Subsystem: "node",
				Name:      "envelopes_rejected_total",
				Help:      "Count of envelopes rejected by state machine validation, segmented by code.",
			}, []string{"code"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xpl",
				Subsystem: "node",
				Name:      "inbound_queue_depth",
				Help:      "Current number of envelopes waiting in the inbound queue.",
			}),
		}
		prometheus.MustRegister(
			nodeRegistry.applied,
			nodeRegistry.dropped,
			nodeRegistry.rejected,
			nodeRegistry.queueDepth,
		)
	})
	return nodeRegistry
}

// RecordApplied increments the applied counter for an opcode.
func (m *NodeMetrics) RecordApplied(opcode uint32) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(fmt.Sprintf("0x%04x", opcode)).Inc()
}

// RecordDropped increments the dropped counter. Reasons should be stable
// strings such as "underpriced" or "bad_signature" so dashboards stay
// consistent.
func (m *NodeMetrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// RecordRejected increments the rejected counter for a validation code.
func (m *NodeMetrics) RecordRejected(code uint16) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
}

// SetQueueDepth records the current inbound queue length.
func (m *NodeMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RPC returns the lazily-initialised metrics registry for the query surface.
func RPC() *RPCMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &RPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xpl",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xpl",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "xpl",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xpl",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by rate limiting.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of one JSON-RPC request.
func (m *RPCMetrics) Observe(method string, errCode int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if errCode != 0 {
		outcome = "error"
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", errCode)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter.
func (m *RPCMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// Awardd exposes the metrics registry for the reconciliation daemon.
func Awardd() *AwarddMetrics {
	awarddMetricsOnce.Do(func() {
		awarddRegistry = &AwarddMetrics{
			submits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xpl",
				Subsystem: "awardd",
				Name:      "submits_total",
				Help:      "Count of envelope submissions segmented by outcome.",
			}, []string{"outcome"}),
			polls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "xpl",
				Subsystem: "awardd",
				Name:      "polls_total",
				Help:      "Count of balance polls issued while waiting for confirmation.",
			}),
			escalations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "xpl",
				Subsystem: "awardd",
				Name:      "escalations_total",
				Help:      "Count of stalled awards retried with a fresh opId and higher fee.",
			}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xpl",
				Subsystem: "awardd",
				Name:      "outcomes_total",
				Help:      "Terminal award outcomes segmented by audit status.",
			}, []string{"status"}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "xpl",
				Subsystem: "awardd",
				Name:      "confirm_latency_seconds",
				Help:      "Time from submission to observed balance increase.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"phase"}),
			cooldownWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "xpl",
				Subsystem: "awardd",
				Name:      "cooldown_wait_seconds",
				Help:      "Pre-flight waits spent honoring the global write cooldown.",
				Buckets:   prometheus.DefBuckets,
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xpl",
				Subsystem: "awardd",
				Name:      "pause_engaged",
				Help:      "Indicates whether the runner pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			awarddRegistry.submits,
			awarddRegistry.polls,
			awarddRegistry.escalations,
			awarddRegistry.outcomes,
			awarddRegistry.confirmLatency,
			awarddRegistry.cooldownWait,
			awarddRegistry.pauseEngaged,
		)
	})
	return awarddRegistry
}

// RecordSubmit increments the submit counter with "ok" or "error".
func (m *AwarddMetrics) RecordSubmit(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.submits.WithLabelValues(outcome).Inc()
}

// RecordPoll counts one confirmation poll.
func (m *AwarddMetrics) RecordPoll() {
	if m == nil {
		return
	}
	m.polls.Inc()
}

// RecordEscalation counts one fee-escalated retry.
func (m *AwarddMetrics) RecordEscalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

// RecordOutcome counts a terminal audit status ("success" or "failed").
func (m *AwarddMetrics) RecordOutcome(status string) {
	if m == nil {
		return
	}
	if status = strings.TrimSpace(status); status == "" {
		status = "unknown"
	}
	m.outcomes.WithLabelValues(status).Inc()
}

// ObserveConfirmLatency records how long a confirmed award took, per phase
// ("initial" or "escalated").
func (m *AwarddMetrics) ObserveConfirmLatency(phase string, d time.Duration) {
	if m == nil {
		return
	}
	if phase == "" {
		phase = "initial"
	}
	m.confirmLatency.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveCooldownWait records a pre-flight cooldown sleep.
func (m *AwarddMetrics) ObserveCooldownWait(d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.cooldownWait.Observe(d.Seconds())
}

// SetPause toggles the pause_engaged gauge.
func (m *AwarddMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}
