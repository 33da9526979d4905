package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirradon/arbiter/eval"
)

const (
	metricsNamespace = "arbiterworker"
)

var (
	// 1ms -> 10s
	timeBuckets = []float64{
		0.001, 0.002, 0.005, 0.008, 0.010, 0.025, 0.050, 0.075, 0.1, 0.2,
		0.4, 0.6, 0.8, 1.0, 1.5, 2, 5, 10,
	}

	opCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "operations",
		Help:      "Number of finished operations by kind and status",
	}, []string{"kind", "status"})

	opTimeHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "operation_seconds",
		Help:      "Histogram for the operation wall time",
		Buckets:   timeBuckets,
	}, []string{"kind", "status"})
)

func init() {
	prometheus.MustRegister(opCount, opTimeHist)
}

func execObserve(kind eval.Kind, status eval.Status, elapsed time.Duration) {
	k := kind.String()
	s := status.String()
	opCount.WithLabelValues(k, s).Inc()
	opTimeHist.WithLabelValues(k, s).Observe(elapsed.Seconds())
}
