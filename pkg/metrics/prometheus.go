// Package metrics exports detection pipeline counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements the engine, alerting and ingestion metric hooks
// using Prometheus.
type Recorder struct {
	registry *prometheus.Registry

	detections     prometheus.Counter
	findings       *prometheus.CounterVec
	detectLatency  prometheus.Histogram
	trainingRuns   *prometheus.CounterVec
	modelTrained   *prometheus.GaugeVec
	signatures     prometheus.Gauge
	alertsSent     *prometheus.CounterVec
	alertsDropped  *prometheus.CounterVec
	eventsIngested *prometheus.CounterVec
}

// New creates a recorder registered on its own registry, so several engines
// can live in one process without colliding.
func New(namespace string) *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		detections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Total number of records run through the detection pipeline",
		}),
		findings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Total number of findings emitted, by detector category and classified category",
			},
			[]string{"category", "classified"},
		),
		detectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detect_duration_seconds",
			Help:      "Duration of a single detection in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		trainingRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "training_runs_total",
				Help:      "Total number of training runs, by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		modelTrained: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_trained",
				Help:      "Whether a model is trained (1) or not (0)",
			},
			[]string{"model"},
		),
		signatures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signatures",
			Help:      "Number of signatures held by the store",
		}),
		alertsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_sent_total",
				Help:      "Total number of alerts delivered, by channel and severity",
			},
			[]string{"channel", "severity"},
		),
		alertsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_dropped_total",
				Help:      "Total number of alerts not delivered, by reason",
			},
			[]string{"reason"},
		),
		eventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Total number of raw events received, by source",
			},
			[]string{"source"},
		),
	}
}

// Registry exposes the registry for the /metrics handler.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordDetection records one pipeline run and its findings.
func (r *Recorder) RecordDetection(seconds float64, categories, classified []string) {
	r.detections.Inc()
	r.detectLatency.Observe(seconds)
	for i, c := range categories {
		cls := ""
		if i < len(classified) {
			cls = classified[i]
		}
		r.findings.WithLabelValues(c, cls).Inc()
	}
}

// RecordTraining records a training attempt for model.
func (r *Recorder) RecordTraining(model string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.trainingRuns.WithLabelValues(model, outcome).Inc()
}

// SetModelTrained records whether model is serving a trained state.
func (r *Recorder) SetModelTrained(model string, trained bool) {
	v := 0.0
	if trained {
		v = 1
	}
	r.modelTrained.WithLabelValues(model).Set(v)
}

// SetSignatures records the signature store size.
func (r *Recorder) SetSignatures(n int) {
	r.signatures.Set(float64(n))
}

// RecordAlertSent records a delivered alert.
func (r *Recorder) RecordAlertSent(channel, severity string) {
	r.alertsSent.WithLabelValues(channel, severity).Inc()
}

// RecordAlertDropped records an alert that was suppressed or failed.
func (r *Recorder) RecordAlertDropped(reason string) {
	r.alertsDropped.WithLabelValues(reason).Inc()
}

// RecordEventIngested records a raw event arriving from source.
func (r *Recorder) RecordEventIngested(source string) {
	r.eventsIngested.WithLabelValues(source).Inc()
}
