package threat

import (
	"fmt"
	"strings"
)

// Signature is an exact-match rule associating a text pattern with a category
// and a base risk score.
type Signature struct {
	Category string `json:"type" yaml:"type"`
	Pattern  string `json:"pattern" yaml:"pattern"`
	BaseRisk int    `json:"risk_score" yaml:"risk_score"`
}

// Validate rejects signatures that could never produce a meaningful match.
func (s Signature) Validate() error {
	if strings.TrimSpace(s.Category) == "" {
		return fmt.Errorf("%w: empty type for pattern %q", ErrInvalidSignature, s.Pattern)
	}
	if s.Pattern == "" {
		return fmt.Errorf("%w: empty pattern for type %q", ErrInvalidSignature, s.Category)
	}
	if s.BaseRisk < 0 || s.BaseRisk > 100 {
		return fmt.Errorf("%w: risk_score %d out of range for pattern %q", ErrInvalidSignature, s.BaseRisk, s.Pattern)
	}
	return nil
}

// Key identifies a signature for duplicate detection.
func (s Signature) Key() string {
	return s.Category + "\x00" + s.Pattern
}
