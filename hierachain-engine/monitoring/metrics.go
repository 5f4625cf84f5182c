package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// Metrics holds the Prometheus metrics of one replica. Each replica gets its
// own registry so that several can run in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Consensus metrics
	ExecutionsTotal        *prometheus.CounterVec
	CommittedTotal         prometheus.Counter
	ViewChangesTotal       prometheus.Counter
	NewViewsTotal          prometheus.Counter
	EquivocationsTotal     *prometheus.CounterVec
	StableCheckpointsTotal prometheus.Counter
	ExecutionDelay         prometheus.Histogram

	// Replica state
	View         prometheus.Gauge
	LastExecuted prometheus.Gauge
	LowWatermark prometheus.Gauge
	PoolSize     prometheus.Gauge
	InFlight     prometheus.Gauge
	LogSize      prometheus.Gauge

	// Client-facing metrics
	RequestsTotal       *prometheus.CounterVec
	RequestLatency      prometheus.Histogram
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics under namespace in a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executed sequence numbers by kind (operation, noop, duplicate)",
		}, []string{"kind"}),
		CommittedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_total",
			Help:      "Slots that reached committed-local",
		}),
		ViewChangesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_changes_total",
			Help:      "View changes started by this replica",
		}),
		NewViewsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "new_views_total",
			Help:      "New views installed",
		}),
		EquivocationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "equivocations_total",
			Help:      "Conflicting votes detected, by message type",
		}, []string{"type"}),
		StableCheckpointsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stable_checkpoints_total",
			Help:      "Checkpoints that became stable",
		}),
		ExecutionDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_delay_seconds",
			Help:      "Time between a slot committing and its execution",
			Buckets:   []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 5},
		}),

		View: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view",
			Help:      "Current view number",
		}),
		LastExecuted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_executed",
			Help:      "Highest executed sequence number",
		}),
		LowWatermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "low_watermark",
			Help:      "Sequence number of the last stable checkpoint",
		}),
		PoolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "request_pool_size",
			Help:      "Requests waiting to be proposed",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Proposed requests not yet executed",
		}),
		LogSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "message_log_entries",
			Help:      "Entries held in the message log",
		}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests by outcome",
		}, []string{"outcome"}),
		RequestLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Time from client submission to local execution",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		GRPCRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total gRPC requests by method and status",
		}, []string{"method", "status"}),
		GRPCRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request duration by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// RecordRequest records the outcome of a client submission.
func (m *Metrics) RecordRequest(success bool, duration time.Duration) {
	if success {
		m.RequestsTotal.WithLabelValues("executed").Inc()
		m.RequestLatency.Observe(duration.Seconds())
	} else {
		m.RequestsTotal.WithLabelValues("failed").Inc()
	}
}

// RecordGRPCRequest records a gRPC request.
func (m *Metrics) RecordGRPCRequest(method, status string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// UpdateStatus sets the replica state gauges.
func (m *Metrics) UpdateStatus(st consensus.Status) {
	m.View.Set(float64(st.View))
	m.LastExecuted.Set(float64(st.LastExecuted))
	m.LowWatermark.Set(float64(st.LowWatermark))
	m.PoolSize.Set(float64(st.Pending))
	m.InFlight.Set(float64(st.InFlight))
	m.LogSize.Set(float64(st.LogSize))
}

// StatusSource reports replica status; *core.Node implements it.
type StatusSource interface {
	Status(ctx context.Context) (consensus.Status, error)
}

// Watch refreshes the state gauges from src every interval until ctx is done.
func (m *Metrics) Watch(ctx context.Context, src StatusSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			qctx, cancel := context.WithTimeout(ctx, interval)
			st, err := src.Status(qctx)
			cancel()
			if err == nil {
				m.UpdateStatus(st)
			}
		}
	}
}
