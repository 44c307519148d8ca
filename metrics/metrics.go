// Package metrics exposes the testbed's Prometheus instrumentation:
// admission outcomes, run lifecycle counts, container operations and RPC
// latency, served on /metrics by both daemons.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	registry *prometheus.Registry

	admissions    *prometheus.CounterVec
	runsByStatus  *prometheus.CounterVec
	containerOps  *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
	scavengerRuns prometheus.Counter
	activeRuns    prometheus.Gauge
}

func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leotest",
		Name:      "admissions_total",
		Help:      "Job admission attempts by outcome.",
	}, []string{"outcome"})

	r.runsByStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leotest",
		Name:      "runs_total",
		Help:      "Run status transitions recorded.",
	}, []string{"status"})

	r.containerOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leotest",
		Name:      "container_ops_total",
		Help:      "Container runtime operations by kind and outcome.",
	}, []string{"op", "outcome"})

	r.rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "leotest",
		Name:      "rpc_duration_seconds",
		Help:      "Coordinator RPC handler latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "code"})

	r.scavengerRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leotest",
		Name:      "scavenger_preemptions_total",
		Help:      "Overhead containers preempted by the scavenger.",
	})

	r.activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leotest",
		Name:      "active_runs",
		Help:      "Runs currently executing on this node.",
	})

	r.registry.MustRegister(
		r.admissions, r.runsByStatus, r.containerOps,
		r.rpcDuration, r.scavengerRuns, r.activeRuns,
	)
	return r
}

func (r *Recorder) Admission(outcome string) {
	r.admissions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RunStatus(status string) {
	r.runsByStatus.WithLabelValues(status).Inc()
}

func (r *Recorder) ContainerOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.containerOps.WithLabelValues(op, outcome).Inc()
}

func (r *Recorder) RPC(op, code string, elapsed time.Duration) {
	r.rpcDuration.WithLabelValues(op, code).Observe(elapsed.Seconds())
}

func (r *Recorder) ScavengerPreempted() {
	r.scavengerRuns.Inc()
}

func (r *Recorder) RunStarted()  { r.activeRuns.Inc() }
func (r *Recorder) RunFinished() { r.activeRuns.Dec() }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
