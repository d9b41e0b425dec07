// Package metrics registers the engine's observability collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "engine_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	evaluationsTotal  *prometheus.CounterVec
	evaluationLatency *prometheus.HistogramVec

	cascadeSize    prometheus.Histogram
	cascadeLatency prometheus.Histogram

	alarmEventsTotal *prometheus.CounterVec

	fanoutDelivered  *prometheus.CounterVec
	fanoutDropped    *prometheus.CounterVec
	brokerRetryDepth prometheus.Gauge
	liveConnections  prometheus.Gauge
)

// Init registers engine metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		evaluationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "evaluations_total",
				Help: "Virtual point evaluations by result",
			},
			[]string{"result"},
		)
		evaluationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "evaluation_latency_seconds",
				Help:    "Formula evaluation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		cascadeSize = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cascade_points",
				Help:    "Virtual points touched per cascade pass",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
		)
		cascadeLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cascade_latency_seconds",
				Help:    "Cascade pass latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		alarmEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Alarm lifecycle events by type",
			},
			[]string{"type"},
		)
		fanoutDelivered = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fanout_delivered_total",
				Help: "Events delivered to rooms by destination",
			},
			[]string{"destination"},
		)
		fanoutDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fanout_dropped_total",
				Help: "Events dropped by reason",
			},
			[]string{"reason"},
		)
		brokerRetryDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "broker_retry_depth",
				Help: "Events buffered for broker republish",
			},
		)
		liveConnections = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "live_connections",
				Help: "Connected fan-out subscribers",
			},
		)

		prometheus.MustRegister(
			evaluationsTotal,
			evaluationLatency,
			cascadeSize,
			cascadeLatency,
			alarmEventsTotal,
			fanoutDelivered,
			fanoutDropped,
			brokerRetryDepth,
			liveConnections,
		)
	})
}

// ObserveEvaluation records one formula evaluation attempt.
func ObserveEvaluation(ok bool, duration time.Duration) {
	if evaluationsTotal == nil {
		return
	}
	result := resultSuccess
	if !ok {
		result = resultError
	}
	evaluationsTotal.WithLabelValues(result).Inc()
	evaluationLatency.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveCascade records one cascade pass.
func ObserveCascade(size int, duration time.Duration) {
	if cascadeSize == nil {
		return
	}
	cascadeSize.Observe(float64(size))
	cascadeLatency.Observe(duration.Seconds())
}

// IncAlarmEvent counts an alarm lifecycle transition.
func IncAlarmEvent(eventType string) {
	if alarmEventsTotal == nil {
		return
	}
	alarmEventsTotal.WithLabelValues(eventType).Inc()
}

// IncFanoutDelivered counts a room delivery.
func IncFanoutDelivered(destination string) {
	if fanoutDelivered == nil {
		return
	}
	fanoutDelivered.WithLabelValues(destination).Inc()
}

// IncFanoutDropped counts a dropped event.
func IncFanoutDropped(reason string) {
	if fanoutDropped == nil {
		return
	}
	fanoutDropped.WithLabelValues(reason).Inc()
}

// SetBrokerRetryDepth reports the broker retry buffer depth.
func SetBrokerRetryDepth(depth int) {
	if brokerRetryDepth == nil {
		return
	}
	brokerRetryDepth.Set(float64(depth))
}

// AddLiveConnections adjusts the connected subscriber gauge.
func AddLiveConnections(delta int) {
	if liveConnections == nil {
		return
	}
	liveConnections.Add(float64(delta))
}
