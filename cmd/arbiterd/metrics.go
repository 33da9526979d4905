package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirradon/arbiter/coordinator"
	"github.com/mirradon/arbiter/eval"
)

const (
	metricsNamespace = "arbiterd"
)

var (
	announcementCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "announcements",
		Help:      "Number of submission announcements consumed, by outcome",
	}, []string{"outcome"})

	stateCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "state_transitions",
		Help:      "Number of published result state transitions",
	}, []string{"state"})

	scoreHist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "score",
		Help:      "Histogram of final scores",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})
)

func init() {
	prometheus.MustRegister(announcementCount)
	prometheus.MustRegister(stateCount, scoreHist)
}

func observeAnnouncement(err error) {
	if err != nil {
		announcementCount.WithLabelValues("error").Inc()
		return
	}
	announcementCount.WithLabelValues("ok").Inc()
}

func initQueueMetrics(coord *coordinator.Coordinator) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "queue_depth",
		Help:      "Operations waiting in the scheduling queue",
	}, func() float64 {
		return float64(len(coord.QueueStatus()))
	}))
}

// newEventMetricsWorker counts result state transitions off the event
// hub.
func newEventMetricsWorker(hub *coordinator.Hub) {
	events, _ := hub.Subscribe(128)
	go func() {
		for ev := range events {
			stateCount.WithLabelValues(ev.State.String()).Inc()
			if ev.State == eval.StateScored {
				scoreHist.Observe(ev.Score)
			}
		}
	}()
}
