// Package metrics exposes the cooperative core's internal state as
// Prometheus gauges/counters: runnable-queue depth, pending timers, and
// readahead hit/miss rate per worker. Grounded on the pack's
// promauto-registered-collector idiom (dagu-org-dagu depends on
// client_golang for the same purpose, server-side operational metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkerStats is the subset of a machine.Scheduler's state metrics cares
// about; kept as a plain struct so this package doesn't import machine
// and create a dependency cycle with packages machine itself might one
// day want to report through.
type WorkerStats struct {
	Worker        string
	ReadyLen      int
	TimerLen      int
	IOCount       int
	ReadaheadHits int64
	ReadaheadMiss int64
}

// Registry wraps the collectors pgflowd publishes. Construct one per
// process; the per-worker gauges only change when Observe is called with
// a worker's snapshot. cmd/pgflowd serves the registry through promhttp
// and does not call Observe, so those gauges stay unset there.
type Registry struct {
	reg *prometheus.Registry

	runnableDepth   *prometheus.GaugeVec
	pendingTimers   *prometheus.GaugeVec
	attachedHandles *prometheus.GaugeVec
	readaheadHits   *prometheus.GaugeVec
	readaheadMiss   *prometheus.GaugeVec

	clientConns prometheus.Gauge
	serverConns prometheus.Gauge
	bytesProxied *prometheus.CounterVec
}

// NewRegistry builds a fresh registry with all collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		runnableDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgflowd",
			Subsystem: "scheduler",
			Name:      "runnable_depth",
			Help:      "Number of coroutines currently runnable on a worker.",
		}, []string{"worker"}),
		pendingTimers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgflowd",
			Subsystem: "scheduler",
			Name:      "pending_timers",
			Help:      "Number of armed timers in a worker's clock.",
		}, []string{"worker"}),
		attachedHandles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgflowd",
			Subsystem: "scheduler",
			Name:      "attached_handles",
			Help:      "Number of I/O handles attached to a worker's poller.",
		}, []string{"worker"}),
		readaheadHits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgflowd",
			Subsystem: "readahead",
			Name:      "hit_bytes_total",
			Help:      "Cumulative bytes served from the readahead buffer without a socket read.",
		}, []string{"worker"}),
		readaheadMiss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgflowd",
			Subsystem: "readahead",
			Name:      "miss_total",
			Help:      "Cumulative socket reads issued to refill the readahead buffer.",
		}, []string{"worker"}),
		clientConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgflowd",
			Name:      "client_connections",
			Help:      "Currently connected clients.",
		}),
		serverConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgflowd",
			Name:      "server_connections",
			Help:      "Currently open upstream server connections.",
		}),
		bytesProxied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgflowd",
			Name:      "bytes_proxied_total",
			Help:      "Bytes proxied between clients and servers.",
		}, []string{"direction"}),
	}
}

// Registerer exposes the underlying prometheus.Registerer for anything
// that wants to register its own collectors alongside these (tests,
// additional subsystems).
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer exposes the underlying prometheus.Gatherer for promhttp.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Observe records a point-in-time snapshot of one worker's scheduler
// state. Readahead hit/miss are already cumulative totals on the Stream
// side, so they are set rather than added.
func (r *Registry) Observe(s WorkerStats) {
	r.runnableDepth.WithLabelValues(s.Worker).Set(float64(s.ReadyLen))
	r.pendingTimers.WithLabelValues(s.Worker).Set(float64(s.TimerLen))
	r.attachedHandles.WithLabelValues(s.Worker).Set(float64(s.IOCount))
	r.readaheadHits.WithLabelValues(s.Worker).Set(float64(s.ReadaheadHits))
	r.readaheadMiss.WithLabelValues(s.Worker).Set(float64(s.ReadaheadMiss))
}

// SetClientConnections sets the current client connection gauge.
func (r *Registry) SetClientConnections(n int) { r.clientConns.Set(float64(n)) }

// SetServerConnections sets the current upstream connection gauge.
func (r *Registry) SetServerConnections(n int) { r.serverConns.Set(float64(n)) }

// AddBytesProxied increments the proxied-byte counter for one direction
// ("client_to_server" or "server_to_client").
func (r *Registry) AddBytesProxied(direction string, n int64) {
	r.bytesProxied.WithLabelValues(direction).Add(float64(n))
}
