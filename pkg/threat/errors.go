package threat

import (
	"errors"
	"fmt"
)

var (
	// ErrTraining is matched by every TrainingError.
	ErrTraining = errors.New("training failed")

	// ErrInvalidSignature is returned when a signature batch fails validation.
	ErrInvalidSignature = errors.New("invalid signature")
)

// TrainingError reports why a model refused a training set.
type TrainingError struct {
	Model  string
	Reason string
	Err    error
}

func (e *TrainingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("train %s: %s: %v", e.Model, e.Reason, e.Err)
	}
	return fmt.Sprintf("train %s: %s", e.Model, e.Reason)
}

func (e *TrainingError) Unwrap() error { return e.Err }

func (e *TrainingError) Is(target error) bool { return target == ErrTraining }

// NewTrainingError builds a TrainingError for the named model.
func NewTrainingError(model, reason string, err error) *TrainingError {
	return &TrainingError{Model: model, Reason: reason, Err: err}
}

// ExtractionError reports a record that could not be fully encoded.
// Detection substitutes defaults and carries on.
type ExtractionError struct {
	Field  string
	Reason string
}

func (e *ExtractionError) Error() string {
	if e.Field == "" {
		return "extract features: " + e.Reason
	}
	return fmt.Sprintf("extract features: field %q: %s", e.Field, e.Reason)
}
