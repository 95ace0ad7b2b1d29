// Package features encodes raw events and findings as numeric vectors for the
// statistical models.
package features

import (
	"math"
	"strings"

	"github.com/hed1ad/threatguard/pkg/event"
	"github.com/hed1ad/threatguard/pkg/threat"
)

// ExtractEvent encodes a raw event for the anomaly model.
// Fields are visited in key order; text contributes [len, contains "http"],
// numbers contribute themselves, ignored values contribute nothing.
// The vector length therefore depends on the record's shape.
//
// A non-nil error is always an *threat.ExtractionError; the returned vector
// is still usable, with zeros in place of the offending values.
func ExtractEvent(e event.RawEvent) ([]float64, error) {
	if len(e) == 0 {
		return nil, &threat.ExtractionError{Reason: "empty record"}
	}

	var (
		features []float64
		firstErr error
	)
	for _, key := range e.Keys() {
		v := e[key]
		switch v.Kind() {
		case event.KindText:
			s, _ := v.Text()
			features = append(features, float64(len(s)), indicator(strings.Contains(s, "http")))
		case event.KindInt:
			i, _ := v.Int()
			features = append(features, float64(i))
		case event.KindFloat:
			f, _ := v.Float()
			if math.IsNaN(f) || math.IsInf(f, 0) {
				if firstErr == nil {
					firstErr = &threat.ExtractionError{Field: key, Reason: "non-finite number"}
				}
				f = 0
			}
			features = append(features, f)
		case event.KindIgnored:
		}
	}

	if len(features) == 0 && firstErr == nil {
		firstErr = &threat.ExtractionError{Reason: "no usable fields"}
	}
	return features, firstErr
}

// EventFeatureNames names the positions ExtractEvent produces for e.
func EventFeatureNames(e event.RawEvent) []string {
	var names []string
	for _, key := range e.Keys() {
		switch e[key].Kind() {
		case event.KindText:
			names = append(names, key+".length", key+".has_http")
		case event.KindInt, event.KindFloat:
			names = append(names, key)
		case event.KindIgnored:
		}
	}
	return names
}

// FitWidth zero-pads or truncates vec to width. The input is never modified.
func FitWidth(vec []float64, width int) []float64 {
	out := make([]float64, width)
	copy(out, vec)
	return out
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
