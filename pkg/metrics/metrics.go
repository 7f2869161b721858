// Package metrics exposes Prometheus gauges/counters/histograms for the
// control loops, grounded on the teacher's pkg/metrics.go (same
// promhttp.Handler-backed /metrics surface and Timer helper),
// generalized from cluster node/service/container counts to EPUM/PD's
// domain/instance/process/resource counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InstancesTotal counts provisioner-managed instances by state.
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "epum_instances_total",
			Help: "Total number of instances by lifecycle state",
		},
		[]string{"state"},
	)

	// DomainsTotal counts EPUM domains by state.
	DomainsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "epum_domains_total",
			Help: "Total number of EPUM domains by state",
		},
		[]string{"state"},
	)

	// EngineNeed is the last need value PD computed per engine.
	EngineNeed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "epum_engine_need",
			Help: "Last computed preserve_n need per engine",
		},
		[]string{"engine_id"},
	)

	// TickDuration records EPUM/PD tick latency.
	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "epum_tick_duration_seconds",
			Help:    "Duration of one control-loop tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	// QueueDepth is the number of processes waiting for a slot, per engine.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pd_queue_depth",
			Help: "Number of queued processes waiting for a free slot",
		},
		[]string{"engine_id"},
	)

	// ResourcesTotal counts PD resources by enabled state.
	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pd_resources_total",
			Help: "Total number of advertised resources",
		},
		[]string{"enabled"},
	)

	// ProcessesTotal counts PD processes by state.
	ProcessesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pd_processes_total",
			Help: "Total number of processes by lifecycle state",
		},
		[]string{"state"},
	)

	// RaftLeader reports whether this replica holds raft leadership.
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "epum_raft_is_leader",
			Help: "Whether this replica is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// RaftApplyDuration times raft log application.
	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "epum_raft_apply_duration_seconds",
			Help:    "Time taken to apply a raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ProvisionDuration times one provisioner CreateNode call.
	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "epum_provision_duration_seconds",
			Help:    "Time taken for one IaaS CreateNode call in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesTotal,
		DomainsTotal,
		EngineNeed,
		TickDuration,
		QueueDepth,
		ResourcesTotal,
		ProcessesTotal,
		RaftLeader,
		RaftApplyDuration,
		ProvisionDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
