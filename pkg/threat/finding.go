// Package threat defines the records that flow through the detection pipeline:
// signatures, findings, confidence and severity levels, and the error taxonomy.
package threat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Confidence expresses how much weight a detector puts on a finding.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseConfidence converts a textual confidence level, ignoring case.
func ParseConfidence(s string) (Confidence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ConfidenceLow, nil
	case "medium":
		return ConfidenceMedium, nil
	case "high":
		return ConfidenceHigh, nil
	default:
		return ConfidenceLow, fmt.Errorf("unknown confidence %q", s)
	}
}

func (c Confidence) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Confidence) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseConfidence(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Finding is a single detected threat candidate.
type Finding struct {
	Category           string     `json:"category"`
	RiskScore          int        `json:"risk_score"`
	Confidence         Confidence `json:"confidence"`
	Description        string     `json:"description"`
	ClassifiedCategory *string    `json:"classified_category,omitempty"`

	// Optional context carried into classification.
	Protocol    *string `json:"protocol,omitempty"`
	Port        *int    `json:"port,omitempty"`
	PayloadSize *int    `json:"payload_size,omitempty"`
	RequestType *string `json:"request_type,omitempty"`
}

// Severity returns the alerting tier for the finding's risk score.
func (f Finding) Severity() Severity {
	return SeverityFor(f.RiskScore)
}

// Classified reports whether the finding passed through a classifier.
func (f Finding) Classified() bool {
	return f.ClassifiedCategory != nil
}

// WithClassification returns a copy of f stamped with the given category.
func (f Finding) WithClassification(category string) Finding {
	c := category
	f.ClassifiedCategory = &c
	return f
}

// String renders a compact one-line summary.
func (f Finding) String() string {
	cls := "-"
	if f.ClassifiedCategory != nil {
		cls = *f.ClassifiedCategory
	}
	return fmt.Sprintf("%s risk=%d confidence=%s classified=%s %q",
		f.Category, f.RiskScore, f.Confidence, cls, f.Description)
}
