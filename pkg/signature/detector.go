package signature

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/hed1ad/threatguard/pkg/event"
	"github.com/hed1ad/threatguard/pkg/threat"
)

// DescriptionPrefix starts the description of every signature finding.
const DescriptionPrefix = "Signature match: "

// Defaults returns the built-in signatures.
func Defaults() []threat.Signature {
	return []threat.Signature{
		{Category: "malware", Pattern: "malware.com", BaseRisk: 90},
		{Category: "phishing", Pattern: "login.php", BaseRisk: 85},
		{Category: "brute_force", Pattern: "failed login", BaseRisk: 80},
	}
}

// Detector applies a Store against raw events.
type Detector struct {
	store  *Store
	logger zerolog.Logger
}

// NewDetector creates a detector over store.
func NewDetector(store *Store, logger zerolog.Logger) *Detector {
	return &Detector{
		store:  store,
		logger: logger.With().Str("component", "signature_detector").Logger(),
	}
}

// Store returns the underlying signature store.
func (d *Detector) Store() *Store { return d.store }

// Detect emits one high-confidence finding per signature whose pattern is a
// case-sensitive substring of any text field, in store order.
func (d *Detector) Detect(record event.RawEvent) []threat.Finding {
	sigs := d.store.Snapshot()
	texts := record.TextValues()

	var findings []threat.Finding
	for _, sig := range sigs {
		if !matches(texts, sig.Pattern) {
			continue
		}
		f := threat.Finding{
			Category:    sig.Category,
			RiskScore:   sig.BaseRisk,
			Confidence:  threat.ConfidenceHigh,
			Description: DescriptionPrefix + sig.Pattern,
		}
		d.logger.Debug().
			Str("category", f.Category).
			Int("risk_score", f.RiskScore).
			Str("pattern", sig.Pattern).
			Msg("signature matched")
		findings = append(findings, f)
	}
	return findings
}

// Update appends signatures to the store.
func (d *Detector) Update(sigs []threat.Signature) (int, error) {
	added, err := d.store.Append(sigs)
	if err != nil {
		return 0, err
	}
	d.logger.Info().
		Int("submitted", len(sigs)).
		Int("added", added).
		Int("total", d.store.Len()).
		Msg("signatures updated")
	return added, nil
}

func matches(texts []string, pattern string) bool {
	for _, s := range texts {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
