// Package metrics exposes supervision counters in Prometheus format. The
// instruments live on an owned registry so multiple sets can coexist and the
// default global registry stays untouched.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the deskherd metric instruments. All observation methods are safe
// on a nil Set, so callers need no wiring-dependent branches.
type Set struct {
	registry *prometheus.Registry

	cycles           prometheus.Counter
	creates          prometheus.Counter
	recreates        prometheus.Counter
	probeFailures    *prometheus.CounterVec
	workloadFailures prometheus.Counter
	heartbeats       prometheus.Counter
	containerUp      prometheus.Gauge
}

// New constructs a Set with a fresh registry.
func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskherd_supervision_cycles_total",
			Help: "Supervision cycles started.",
		}),
		creates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskherd_container_creates_total",
			Help: "Desktop containers created.",
		}),
		recreates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskherd_container_recreates_total",
			Help: "Desktop containers destroyed and recreated after failed verification.",
		}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskherd_probe_failures_total",
			Help: "Readiness probes that exhausted their attempt budget.",
		}, []string{"probe"}),
		workloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskherd_workload_failures_total",
			Help: "Workload runs that ended in failure.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskherd_heartbeats_total",
			Help: "Heartbeat records written after workload success.",
		}),
		containerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deskherd_container_up",
			Help: "Whether the desktop container is verified running.",
		}),
	}
	s.registry.MustRegister(s.cycles, s.creates, s.recreates, s.probeFailures,
		s.workloadFailures, s.heartbeats, s.containerUp)
	return s
}

// Handler serves the set in Prometheus text exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ObserveCycle counts one supervision cycle.
func (s *Set) ObserveCycle() {
	if s == nil {
		return
	}
	s.cycles.Inc()
}

// ObserveCreate counts one container creation.
func (s *Set) ObserveCreate() {
	if s == nil {
		return
	}
	s.creates.Inc()
}

// ObserveRecreate counts one destroy-and-recreate escalation.
func (s *Set) ObserveRecreate() {
	if s == nil {
		return
	}
	s.recreates.Inc()
}

// ObserveProbeFailure counts one exhausted probe by name.
func (s *Set) ObserveProbeFailure(probe string) {
	if s == nil {
		return
	}
	s.probeFailures.WithLabelValues(probe).Inc()
}

// ObserveWorkloadFailure counts one failed workload run.
func (s *Set) ObserveWorkloadFailure() {
	if s == nil {
		return
	}
	s.workloadFailures.Inc()
}

// ObserveHeartbeat counts one heartbeat record.
func (s *Set) ObserveHeartbeat() {
	if s == nil {
		return
	}
	s.heartbeats.Inc()
}

// SetContainerUp records whether the desktop is verified running.
func (s *Set) SetContainerUp(up bool) {
	if s == nil {
		return
	}
	if up {
		s.containerUp.Set(1)
	} else {
		s.containerUp.Set(0)
	}
}
