// Package metrics provides Prometheus-based metrics recording for the
// response pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the pipeline's Prometheus collectors.
type Recorder struct {
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	throttleTotal      *prometheus.CounterVec
	dispatchTotal      *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	fetchCyclesTotal   *prometheus.CounterVec
	ingestedTotal      *prometheus.CounterVec
	eventsDroppedTotal *prometheus.CounterVec
	subscriberGauge    prometheus.Gauge
}

// NewRecorder creates a recorder registered on the default registry.
func NewRecorder() *Recorder {
	return newRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderForTesting creates a recorder on an isolated registry so tests
// can instantiate it repeatedly.
func NewRecorderForTesting() *Recorder {
	return newRecorderWith(prometheus.NewRegistry())
}

func newRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		generationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_generations_total",
				Help: "Total reply generation attempts by provider, status, and error type",
			},
			[]string{"provider", "status", "error_type"},
		),
		generationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "responder_generation_duration_seconds",
				Help:    "Duration of reply generation calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_throttle_total",
				Help: "Total provider throttling events by reason",
			},
			[]string{"provider", "reason"},
		),
		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_dispatch_total",
				Help: "Total dispatch outcomes for queued messages",
			},
			[]string{"outcome"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "responder_queue_depth",
				Help: "Current number of queued messages per priority class",
			},
			[]string{"class"},
		),
		fetchCyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_fetch_cycles_total",
				Help: "Total discovery poll cycles by source and status",
			},
			[]string{"source", "status"},
		),
		ingestedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_ingested_total",
				Help: "Total messages ingested or skipped as duplicates",
			},
			[]string{"source", "result"},
		),
		eventsDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_events_dropped_total",
				Help: "Total broadcast events dropped on slow subscribers",
			},
			[]string{"event"},
		),
		subscriberGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "responder_event_subscribers",
				Help: "Current number of event stream subscribers",
			},
		),
	}
}

// ObserveGeneration records one generation attempt.
func (r *Recorder) ObserveGeneration(provider string, success bool, errorType string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.generationsTotal.WithLabelValues(provider, status, errorType).Inc()
	r.generationDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// IncThrottle counts a provider throttle event.
func (r *Recorder) IncThrottle(provider, reason string) {
	r.throttleTotal.WithLabelValues(provider, reason).Inc()
}

// IncDispatch counts a dispatch outcome (responded, skipped, retried, fallback).
func (r *Recorder) IncDispatch(outcome string) {
	r.dispatchTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current queue depth for a priority class.
func (r *Recorder) SetQueueDepth(class string, depth int) {
	r.queueDepth.WithLabelValues(class).Set(float64(depth))
}

// IncFetchCycle counts a discovery poll cycle.
func (r *Recorder) IncFetchCycle(source string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.fetchCyclesTotal.WithLabelValues(source, status).Inc()
}

// IncIngested counts an ingested or deduplicated message.
func (r *Recorder) IncIngested(source, result string) {
	r.ingestedTotal.WithLabelValues(source, result).Inc()
}

// IncEventDropped counts an event dropped on a full subscriber channel.
func (r *Recorder) IncEventDropped(event string) {
	r.eventsDroppedTotal.WithLabelValues(event).Inc()
}

// SetSubscribers records the current subscriber count.
func (r *Recorder) SetSubscribers(n int) {
	r.subscriberGauge.Set(float64(n))
}
