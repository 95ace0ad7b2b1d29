// Package engine wires signature matching, anomaly scoring and threat
// classification into a single detection pipeline.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hed1ad/threatguard/pkg/anomaly"
	"github.com/hed1ad/threatguard/pkg/classifier"
	"github.com/hed1ad/threatguard/pkg/event"
	eventio "github.com/hed1ad/threatguard/pkg/io"
	"github.com/hed1ad/threatguard/pkg/signature"
	"github.com/hed1ad/threatguard/pkg/threat"
)

// Metrics receives pipeline measurements.
type Metrics interface {
	RecordDetection(seconds float64, categories, classified []string)
	RecordTraining(model string, err error)
	SetModelTrained(model string, trained bool)
	SetSignatures(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordDetection(float64, []string, []string) {}
func (nopMetrics) RecordTraining(string, error)                {}
func (nopMetrics) SetModelTrained(string, bool)                {}
func (nopMetrics) SetSignatures(int)                           {}

// Engine owns one signature store, one anomaly model and one threat
// classifier. It is safe for concurrent use; training and signature updates
// publish new state atomically while detections keep the state they started
// with.
type Engine struct {
	signatures *signature.Detector
	anomaly    *anomaly.Model
	classifier *classifier.Classifier

	seed    []threat.Signature
	logger  zerolog.Logger
	metrics Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger; components derive their own from it.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithAnomalyModel replaces the default anomaly model.
func WithAnomalyModel(m *anomaly.Model) Option {
	return func(e *Engine) {
		e.anomaly = m
	}
}

// WithClassifier replaces the default threat classifier.
func WithClassifier(c *classifier.Classifier) Option {
	return func(e *Engine) {
		e.classifier = c
	}
}

// WithSignatures replaces the built-in signatures the store starts with.
func WithSignatures(sigs []threat.Signature) Option {
	return func(e *Engine) {
		e.seed = sigs
	}
}

// New creates an engine with untrained models and the built-in signatures.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		seed:    signature.Defaults(),
		logger:  zerolog.Nop(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}

	store, err := signature.NewStore(e.seed...)
	if err != nil {
		return nil, fmt.Errorf("seed signatures: %w", err)
	}
	e.signatures = signature.NewDetector(store, e.logger)

	if e.anomaly == nil {
		e.anomaly = anomaly.New(anomaly.WithLogger(e.logger))
	}
	if e.classifier == nil {
		e.classifier = classifier.New(classifier.WithLogger(e.logger))
	}
	e.logger = e.logger.With().Str("component", "detection_engine").Logger()

	e.metrics.SetSignatures(store.Len())
	e.metrics.SetModelTrained(anomaly.ModelName, e.anomaly.Trained())
	e.metrics.SetModelTrained(classifier.ModelName, e.classifier.Trained())

	return e, nil
}

// Detect runs a record through the pipeline: signature findings first, then
// the anomaly finding, all labeled by the classifier. The record is never
// modified.
func (e *Engine) Detect(record event.RawEvent) []threat.Finding {
	start := time.Now()

	findings := e.signatures.Detect(record)
	findings = append(findings, e.anomaly.Detect(record)...)
	out := e.classifier.Classify(findings)

	categories := make([]string, len(out))
	classified := make([]string, len(out))
	for i, f := range out {
		categories[i] = f.Category
		if f.ClassifiedCategory != nil {
			classified[i] = *f.ClassifiedCategory
		}
	}
	e.metrics.RecordDetection(time.Since(start).Seconds(), categories, classified)

	if len(out) > 0 {
		e.logger.Info().Int("findings", len(out)).Strs("categories", categories).Msg("threats detected")
	} else {
		e.logger.Debug().Msg("no threats detected")
	}
	return out
}

// UpdateSignatures appends sigs to the store. An invalid batch is rejected
// whole with threat.ErrInvalidSignature.
func (e *Engine) UpdateSignatures(sigs []threat.Signature) error {
	if _, err := e.signatures.Update(sigs); err != nil {
		return err
	}
	e.metrics.SetSignatures(e.signatures.Store().Len())
	return nil
}

// Signatures returns the current signature snapshot.
func (e *Engine) Signatures() []threat.Signature {
	return e.signatures.Store().Snapshot()
}

// ModelReport is the outcome of training one model.
type ModelReport struct {
	Skipped bool   `json:"skipped"`
	Records int    `json:"records"`
	Trained bool   `json:"trained"`
	Error   string `json:"error,omitempty"`
}

// TrainReport is the outcome of a Train call.
type TrainReport struct {
	Anomaly    ModelReport `json:"anomaly"`
	Classifier ModelReport `json:"classifier"`
}

// Train fits both models. A nil dataset skips its model; an empty one is a
// training error. The models succeed or fail independently, nothing is
// rolled back, and the returned error joins every failure.
func (e *Engine) Train(anomalyRecords []event.RawEvent, classifierRecords []classifier.LabeledRecord) (TrainReport, error) {
	var (
		report TrainReport
		errs   []error
	)

	if anomalyRecords == nil {
		report.Anomaly.Skipped = true
	} else {
		report.Anomaly.Records = len(anomalyRecords)
		err := e.anomaly.Train(anomalyRecords)
		e.recordTraining(anomaly.ModelName, &report.Anomaly, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	report.Anomaly.Trained = e.anomaly.Trained()

	if classifierRecords == nil {
		report.Classifier.Skipped = true
	} else {
		report.Classifier.Records = len(classifierRecords)
		err := e.classifier.Train(classifierRecords)
		e.recordTraining(classifier.ModelName, &report.Classifier, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	report.Classifier.Trained = e.classifier.Trained()

	return report, errors.Join(errs...)
}

func (e *Engine) recordTraining(model string, r *ModelReport, err error) {
	e.metrics.RecordTraining(model, err)
	if err != nil {
		r.Error = err.Error()
		e.logger.Error().Err(err).Str("model", model).Int("records", r.Records).Msg("training failed")
		return
	}
	e.metrics.SetModelTrained(model, true)
	e.logger.Info().Str("model", model).Int("records", r.Records).Msg("model trained")
}

// TrainFromFiles loads the anomaly dataset from any event file the ingestion
// readers understand and the classifier dataset from a JSON array, then
// trains. An empty path skips that model. A file that cannot be read fails
// its model only.
func (e *Engine) TrainFromFiles(anomalyPath, classifierPath string) (TrainReport, error) {
	var (
		anomalyRecords    []event.RawEvent
		classifierRecords []classifier.LabeledRecord
		loadErrs          []error
	)

	anomalyFailed := false
	if anomalyPath != "" {
		recs, err := eventio.ReadAll(anomalyPath)
		switch {
		case err != nil:
			anomalyFailed = true
			loadErrs = append(loadErrs, threat.NewTrainingError(anomaly.ModelName, "load dataset", err))
		case recs == nil:
			anomalyRecords = []event.RawEvent{}
		default:
			anomalyRecords = recs
		}
	}

	classifierFailed := false
	if classifierPath != "" {
		recs, err := classifier.LoadDataset(classifierPath)
		switch {
		case err != nil:
			classifierFailed = true
			loadErrs = append(loadErrs, threat.NewTrainingError(classifier.ModelName, "load dataset", err))
		case recs == nil:
			classifierRecords = []classifier.LabeledRecord{}
		default:
			classifierRecords = recs
		}
	}

	report, err := e.Train(anomalyRecords, classifierRecords)
	if anomalyFailed {
		report.Anomaly = ModelReport{Trained: e.anomaly.Trained(), Error: loadErrs[0].Error()}
	}
	if classifierFailed {
		report.Classifier = ModelReport{Trained: e.classifier.Trained(), Error: loadErrs[len(loadErrs)-1].Error()}
	}
	for _, le := range loadErrs {
		e.logger.Error().Err(le).Msg("training dataset unavailable")
	}
	return report, errors.Join(append(loadErrs, err)...)
}

// Status summarizes the engine state.
type Status struct {
	AnomalyTrained    bool `json:"anomaly_trained"`
	ClassifierTrained bool `json:"classifier_trained"`
	AnomalyWidth      int  `json:"anomaly_width"`
	Signatures        int  `json:"signatures"`
}

// Status reports which models are trained and the signature count.
func (e *Engine) Status() Status {
	return Status{
		AnomalyTrained:    e.anomaly.Trained(),
		ClassifierTrained: e.classifier.Trained(),
		AnomalyWidth:      e.anomaly.Width(),
		Signatures:        e.signatures.Store().Len(),
	}
}
