// Package metrics provides Prometheus metrics for ping and traceroute.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pingtrace"
)

// Tool label values.
const (
	ToolPing       = "ping"
	ToolTraceroute = "traceroute"
)

// Metrics contains all Prometheus metrics for a probing run.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Probe metrics
	ProbesSent       *prometheus.CounterVec
	RepliesReceived  *prometheus.CounterVec
	ProbeTimeouts    *prometheus.CounterVec
	SendErrors       *prometheus.CounterVec
	MalformedPackets *prometheus.CounterVec
	UnmatchedReplies *prometheus.CounterVec
	ProbeRTT         *prometheus.HistogramVec

	// Session metrics
	Sessions   *prometheus.CounterVec
	PingLoss   prometheus.Gauge
	HopsProbed *prometheus.CounterVec
	PathLength prometheus.Histogram
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		ProbesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Total echo requests sent",
		}, []string{"tool"}),
		RepliesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_received_total",
			Help:      "Total matching replies by ICMP message type",
		}, []string{"tool", "type"}),
		ProbeTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_timeouts_total",
			Help:      "Total probes with no matching reply before the timeout",
		}, []string{"tool"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total probes that could not be sent",
		}, []string{"tool"}),
		MalformedPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_packets_total",
			Help:      "Total received datagrams that failed to parse",
		}, []string{"tool"}),
		UnmatchedReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_replies_total",
			Help:      "Total well-formed ICMP messages not answering an outstanding probe",
		}, []string{"tool"}),
		ProbeRTT: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_rtt_seconds",
			Help:      "Histogram of probe round-trip time in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"tool"}),

		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions by terminal state",
		}, []string{"tool", "state"}),
		PingLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ping_loss_ratio",
			Help:      "Packet loss ratio of the last ping session (0 to 1)",
		}),
		HopsProbed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hops_probed_total",
			Help:      "Total traceroute hops probed by whether any probe was answered",
		}, []string{"answered"}),
		PathLength: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trace_path_length_hops",
			Help:      "Histogram of hop count at which traceroute reached the destination",
			Buckets:   prometheus.LinearBuckets(1, 2, 16),
		}),
	}

	return m
}

// RecordProbeSent records an echo request leaving the host.
func (m *Metrics) RecordProbeSent(tool string) {
	if m == nil {
		return
	}
	m.ProbesSent.WithLabelValues(tool).Inc()
}

// RecordReply records a matching reply and its round-trip time.
func (m *Metrics) RecordReply(tool, msgType string, rtt time.Duration) {
	if m == nil {
		return
	}
	m.RepliesReceived.WithLabelValues(tool, msgType).Inc()
	m.ProbeRTT.WithLabelValues(tool).Observe(rtt.Seconds())
}

// RecordTimeout records a probe that timed out.
func (m *Metrics) RecordTimeout(tool string) {
	if m == nil {
		return
	}
	m.ProbeTimeouts.WithLabelValues(tool).Inc()
}

// RecordSendError records a probe that failed to send.
func (m *Metrics) RecordSendError(tool string) {
	if m == nil {
		return
	}
	m.SendErrors.WithLabelValues(tool).Inc()
}

// RecordMalformed records a datagram that failed to parse.
func (m *Metrics) RecordMalformed(tool string) {
	if m == nil {
		return
	}
	m.MalformedPackets.WithLabelValues(tool).Inc()
}

// RecordUnmatched records a reply that belongs to another probe or process.
func (m *Metrics) RecordUnmatched(tool string) {
	if m == nil {
		return
	}
	m.UnmatchedReplies.WithLabelValues(tool).Inc()
}

// RecordSession records a session reaching a terminal state.
func (m *Metrics) RecordSession(tool, state string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(tool, state).Inc()
}

// SetPingLoss sets the loss ratio from a loss percentage.
func (m *Metrics) SetPingLoss(percent float64) {
	if m == nil {
		return
	}
	m.PingLoss.Set(percent / 100)
}

// RecordHop records a completed traceroute hop.
func (m *Metrics) RecordHop(answered bool) {
	if m == nil {
		return
	}
	label := "false"
	if answered {
		label = "true"
	}
	m.HopsProbed.WithLabelValues(label).Inc()
}

// RecordPathLength records the hop at which the destination answered.
func (m *Metrics) RecordPathLength(hops int) {
	if m == nil {
		return
	}
	m.PathLength.Observe(float64(hops))
}
