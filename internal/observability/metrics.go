package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DatagramsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_datagrams_dispatched_total",
			Help: "Total datagrams handed to Dispatch, by outcome",
		},
		[]string{"outcome"}, // queued, event_bus, recv_cb, denied, error
	)

	DatagramQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_datagram_queue_bytes",
			Help: "Bytes currently queued on a context's datagram FIFO",
		},
		[]string{"cid"},
	)

	ContextsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_contexts_active",
			Help: "Number of live contexts in the registry",
		},
	)

	QueuePairOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_queuepair_operations_total",
			Help: "Queue pair create/attach/detach operations, by result status",
		},
		[]string{"op", "status"},
	)

	ControlRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_control_request_duration_seconds",
			Help:    "Control-surface request duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"surface", "operation", "status"},
	)
)

// Handler returns the HTTP handler the metrics listener serves /metrics on.
func Handler() http.Handler { return promhttp.Handler() }
