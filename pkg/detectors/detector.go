// Package detectors defines the contracts statistical backends satisfy so the
// anomaly model and threat classifier can swap algorithms freely.
package detectors

import "errors"

// Detector is the common interface for unsupervised outlier detectors.
type Detector interface {
	// Fit trains the detector on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// PredictOne returns the anomaly score for a single sample.
	// Scores are normalized to [0, 1] where higher values indicate anomalies.
	PredictOne(sample []float64) (float64, error)

	// IsOutlier applies the detector's decision threshold to a sample.
	IsOutlier(sample []float64) (bool, error)

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// Classifier is the common interface for supervised multi-class models.
// Labels are dense integer indices owned by the caller.
type Classifier interface {
	// Fit trains the classifier; labels[i] is the class of data[i].
	Fit(data [][]float64, labels []int) error

	// PredictOne returns the class index for a single sample.
	PredictOne(sample []float64) (int, error)

	Save() ([]byte, error)
	Load(data []byte) error
}

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	Contamination float64 `yaml:"contamination" default:"0.1" validate:"gte=0,lt=0.5"`
	// Trees is the ensemble size.
	Trees int `yaml:"trees" default:"100" validate:"gte=1"`
	// SampleSize bounds the per-tree training subsample.
	SampleSize int `yaml:"sample_size" default:"256" validate:"gte=2"`
	// MaxDepth bounds tree depth; 0 lets the backend decide.
	MaxDepth int `yaml:"max_depth" default:"0" validate:"gte=0"`
	// RandomSeed for reproducibility.
	RandomSeed int64 `yaml:"seed" default:"42"`
}

// DefaultConfig returns sensible defaults for detector configuration.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.1,
		Trees:         100,
		SampleSize:    256,
		RandomSeed:    42,
	}
}

var (
	// ErrNotTrained is returned by prediction and serialization before Fit.
	ErrNotTrained = errors.New("model not trained")
	// ErrEmptyData is returned by Fit when there is nothing to learn from.
	ErrEmptyData = errors.New("empty training data")
	// ErrShape is returned when sample widths disagree with the model.
	ErrShape = errors.New("inconsistent feature width")
)
