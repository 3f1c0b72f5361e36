package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 转发目标标签
const (
	destinationSecondary = "secondary"
	destinationSink      = "sink"
)

// aggregatorMetrics 汇聚节点自身的监控指标
type aggregatorMetrics struct {
	received        prometheus.Counter
	collectors      prometheus.Gauge
	forwardFailures *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	loopsStopped    prometheus.Counter
	forwardDropped  prometheus.Counter
}

func newAggregatorMetrics(name string, reg prometheus.Registerer) *aggregatorMetrics {
	labels := prometheus.Labels{"aggregator": name}
	m := &aggregatorMetrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "telemesh_aggregator_received_total",
			Help:        "Samples accepted into the local store.",
			ConstLabels: labels,
		}),
		collectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "telemesh_aggregator_collectors",
			Help:        "Distinct collector identities in the local store.",
			ConstLabels: labels,
		}),
		forwardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "telemesh_aggregator_forward_failures_total",
			Help:        "Failed relays to the secondary aggregator or pushes to the sink.",
			ConstLabels: labels,
		}, []string{"destination"}),
		forwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "telemesh_aggregator_forward_duration_seconds",
			Help:        "Latency of a single forward attempt.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"destination"}),
		loopsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "telemesh_aggregator_forward_loops_stopped_total",
			Help:        "Relays not forwarded because the sample already passed this aggregator or hit the hop limit.",
			ConstLabels: labels,
		}),
		forwardDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "telemesh_aggregator_forward_dropped_total",
			Help:        "Accepted samples not forwarded because the forward queue was full.",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.received, m.collectors, m.forwardFailures, m.forwardDuration, m.loopsStopped, m.forwardDropped)
	}
	return m
}
