// Package classifier assigns a taxonomy label to each finding produced by
// the signature and anomaly detectors.
package classifier

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hed1ad/threatguard/pkg/detectors"
	"github.com/hed1ad/threatguard/pkg/detectors/forest"
	"github.com/hed1ad/threatguard/pkg/features"
	"github.com/hed1ad/threatguard/pkg/threat"
)

// ModelName identifies the classifier in errors, logs and storage.
const ModelName = "classifier"

// Factory builds a fresh, untrained backend for each training run.
type Factory func() detectors.Classifier

// Classifier labels findings with a supervised model. Until trained it
// passes each finding's own category through.
type Classifier struct {
	factory Factory
	logger  zerolog.Logger
	current atomic.Pointer[detectors.Classifier]
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithFactory swaps the supervised backend.
func WithFactory(f Factory) Option {
	return func(c *Classifier) {
		c.factory = f
	}
}

// WithConfig builds random forests from cfg.
func WithConfig(cfg detectors.Config) Option {
	return func(c *Classifier) {
		c.factory = func() detectors.Classifier {
			return forest.New(forest.WithConfig(cfg))
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Classifier) {
		c.logger = l
	}
}

// New creates an untrained classifier backed by a 100-tree random forest
// seeded with 42.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		factory: func() detectors.Classifier {
			return forest.New(forest.WithConfig(detectors.DefaultConfig()))
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "threat_classifier").Logger()
	return c
}

// Trained reports whether a model has been published.
func (c *Classifier) Trained() bool {
	return c.current.Load() != nil
}

// Train fits a fresh backend on dataset and publishes it. Every record must
// carry a taxonomy label. On failure the previous model keeps serving.
func (c *Classifier) Train(dataset []LabeledRecord) error {
	if len(dataset) == 0 {
		return threat.NewTrainingError(ModelName, "empty dataset", nil)
	}

	data := make([][]float64, len(dataset))
	targets := make([]int, len(dataset))
	for i, r := range dataset {
		idx, ok := Index(r.ThreatType)
		if !ok {
			return threat.NewTrainingError(ModelName, fmt.Sprintf("record %d: unknown threat type %q", i, r.ThreatType), nil)
		}
		data[i] = r.Inputs().Vector()
		targets[i] = idx
	}

	model := c.factory()
	if err := model.Fit(data, targets); err != nil {
		return threat.NewTrainingError(ModelName, "fit", err)
	}

	c.current.Store(&model)
	c.logger.Info().Int("records", len(dataset)).Msg("threat classifier trained")
	return nil
}

// Classify returns a labeled copy of findings, same order and count. The
// input slice is left untouched.
func (c *Classifier) Classify(findings []threat.Finding) []threat.Finding {
	out := make([]threat.Finding, len(findings))

	model := c.current.Load()
	if model == nil {
		if len(findings) > 0 {
			c.logger.Debug().Msg("threat classifier not trained yet, passing categories through")
		}
		for i, f := range findings {
			out[i] = f.WithClassification(f.Category)
		}
		return out
	}

	for i, f := range findings {
		out[i] = f.WithClassification(c.predict(*model, f))
	}
	return out
}

func (c *Classifier) predict(model detectors.Classifier, f threat.Finding) string {
	idx, err := model.PredictOne(features.ExtractFinding(f))
	if err != nil {
		c.logger.Warn().Err(err).Str("category", f.Category).Msg("classification failed, keeping category")
		return f.Category
	}
	label, ok := Label(idx)
	if !ok {
		c.logger.Warn().Int("class", idx).Msg("prediction outside taxonomy, keeping category")
		return f.Category
	}
	return label
}

// Save serializes the published model.
func (c *Classifier) Save() ([]byte, error) {
	model := c.current.Load()
	if model == nil {
		return nil, detectors.ErrNotTrained
	}
	blob, err := (*model).Save()
	if err != nil {
		return nil, fmt.Errorf("save %s model: %w", ModelName, err)
	}
	return blob, nil
}

// Load restores and publishes a model produced by Save.
func (c *Classifier) Load(data []byte) error {
	model := c.factory()
	if err := model.Load(data); err != nil {
		return fmt.Errorf("load %s model: %w", ModelName, err)
	}
	c.current.Store(&model)
	c.logger.Info().Msg("threat classifier loaded")
	return nil
}
