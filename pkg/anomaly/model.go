// Package anomaly flags raw events that look statistically unlike the
// training population.
package anomaly

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hed1ad/threatguard/pkg/detectors"
	"github.com/hed1ad/threatguard/pkg/detectors/iforest"
	"github.com/hed1ad/threatguard/pkg/event"
	"github.com/hed1ad/threatguard/pkg/features"
	"github.com/hed1ad/threatguard/pkg/threat"
)

const (
	// ModelName identifies the anomaly model in errors, logs and storage.
	ModelName = "anomaly"

	// Category is the category of every anomaly finding.
	Category = "anomaly"
	// RiskScore is the fixed risk of an anomaly finding.
	RiskScore = 75
	// Description is the fixed description of an anomaly finding.
	Description = "Anomalous behavior detected"
)

// Factory builds a fresh, untrained detector for each training run.
type Factory func() detectors.Detector

// trained is an immutable published model.
type trained struct {
	detector detectors.Detector
	width    int
}

// Model wraps an outlier detector with the event feature policy.
// Training builds a new detector and swaps it in atomically, so concurrent
// Detect calls see either the old or the new model.
type Model struct {
	factory Factory
	logger  zerolog.Logger
	current atomic.Pointer[trained]
}

// Option configures a Model.
type Option func(*Model)

// WithFactory swaps the detector backend.
func WithFactory(f Factory) Option {
	return func(m *Model) {
		m.factory = f
	}
}

// WithConfig builds isolation forests from cfg.
func WithConfig(cfg detectors.Config) Option {
	return func(m *Model) {
		m.factory = func() detectors.Detector {
			return iforest.New(iforest.WithConfig(cfg))
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Model) {
		m.logger = l
	}
}

// New creates an untrained model. The default backend is an isolation forest
// with 100 trees, 10% contamination and seed 42.
func New(opts ...Option) *Model {
	m := &Model{
		factory: func() detectors.Detector {
			return iforest.New(iforest.WithConfig(detectors.DefaultConfig()))
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "anomaly_model").Logger()
	return m
}

// Trained reports whether a model has been published.
func (m *Model) Trained() bool {
	return m.current.Load() != nil
}

// Width returns the feature width of the published model, 0 when untrained.
func (m *Model) Width() int {
	if t := m.current.Load(); t != nil {
		return t.width
	}
	return 0
}

// Train fits a new detector on records. Vectors are zero-padded to the
// longest one, which becomes the model width. On failure the previously
// published model, if any, keeps serving.
func (m *Model) Train(records []event.RawEvent) error {
	if len(records) == 0 {
		return threat.NewTrainingError(ModelName, "empty dataset", nil)
	}

	vectors := make([][]float64, len(records))
	width := 0
	skipped := 0
	for i, r := range records {
		vec, err := features.ExtractEvent(r)
		if err != nil {
			skipped++
			m.logger.Debug().Err(err).Int("record", i).Msg("training record encoded with defaults")
		}
		vectors[i] = vec
		width = max(width, len(vec))
	}
	if width == 0 {
		return threat.NewTrainingError(ModelName, "no numeric or text fields in dataset", nil)
	}
	for i, vec := range vectors {
		vectors[i] = features.FitWidth(vec, width)
	}

	d := m.factory()
	if err := d.Fit(vectors); err != nil {
		return threat.NewTrainingError(ModelName, "fit", err)
	}

	m.current.Store(&trained{detector: d, width: width})
	m.logger.Info().
		Int("records", len(records)).
		Int("width", width).
		Int("defaulted", skipped).
		Msg("anomaly model trained")
	return nil
}

// Detect returns a single anomaly finding when the record is an outlier,
// and nothing for inliers or while the model is untrained.
func (m *Model) Detect(record event.RawEvent) []threat.Finding {
	t := m.current.Load()
	if t == nil {
		m.logger.Debug().Msg("anomaly model not trained yet")
		return nil
	}

	vec, err := features.ExtractEvent(record)
	if err != nil {
		m.logger.Debug().Err(err).Msg("record encoded with defaults")
	}

	outlier, err := t.detector.IsOutlier(features.FitWidth(vec, t.width))
	if err != nil {
		m.logger.Warn().Err(err).Msg("anomaly scoring failed")
		return nil
	}
	if !outlier {
		return nil
	}

	m.logger.Debug().Msg("anomaly detected")
	return []threat.Finding{{
		Category:    Category,
		RiskScore:   RiskScore,
		Confidence:  threat.ConfidenceMedium,
		Description: Description,
	}}
}

type persisted struct {
	Width    int
	Detector []byte
}

// Save serializes the published model.
func (m *Model) Save() ([]byte, error) {
	t := m.current.Load()
	if t == nil {
		return nil, detectors.ErrNotTrained
	}
	blob, err := t.detector.Save()
	if err != nil {
		return nil, fmt.Errorf("save %s model: %w", ModelName, err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(persisted{Width: t.width, Detector: blob}); err != nil {
		return nil, fmt.Errorf("save %s model: %w", ModelName, err)
	}
	return buf.Bytes(), nil
}

// Load restores and publishes a model produced by Save.
func (m *Model) Load(data []byte) error {
	var p persisted
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return fmt.Errorf("load %s model: %w", ModelName, err)
	}
	if p.Width <= 0 {
		return fmt.Errorf("load %s model: %w", ModelName, errors.New("non-positive width"))
	}

	d := m.factory()
	if err := d.Load(p.Detector); err != nil {
		return fmt.Errorf("load %s model: %w", ModelName, err)
	}

	m.current.Store(&trained{detector: d, width: p.Width})
	m.logger.Info().Int("width", p.Width).Msg("anomaly model loaded")
	return nil
}
