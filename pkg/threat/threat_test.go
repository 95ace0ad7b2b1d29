package threat

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		risk int
		want Severity
	}{
		{100, SeverityCritical},
		{90, SeverityCritical},
		{89, SeverityHigh},
		{70, SeverityHigh},
		{69, SeverityMedium},
		{50, SeverityMedium},
		{49, SeverityLow},
		{0, SeverityLow},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("risk %d", tt.risk), func(t *testing.T) {
			assert.Equal(t, tt.want, SeverityFor(tt.risk))
		})
	}
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "CRITICAL", SeverityCritical.String())
	assert.Equal(t, "LOW", SeverityLow.String())
	assert.Equal(t, "UNKNOWN", Severity(42).String())
}

func TestConfidenceJSON(t *testing.T) {
	data, err := json.Marshal(Finding{Category: "malware", RiskScore: 90, Confidence: ConfidenceHigh})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"confidence":"high"`)
	assert.NotContains(t, string(data), "classified_category")

	var f Finding
	require.NoError(t, json.Unmarshal([]byte(`{"category":"x","confidence":"Medium"}`), &f))
	assert.Equal(t, ConfidenceMedium, f.Confidence)

	assert.Error(t, json.Unmarshal([]byte(`{"confidence":"sure"}`), &f))
}

func TestWithClassification(t *testing.T) {
	f := Finding{Category: "malware", RiskScore: 90}
	classified := f.WithClassification("trojan")

	assert.False(t, f.Classified(), "original must stay untouched")
	require.True(t, classified.Classified())
	assert.Equal(t, "trojan", *classified.ClassifiedCategory)
}

func TestSignatureValidate(t *testing.T) {
	tests := []struct {
		name    string
		sig     Signature
		wantErr bool
	}{
		{"valid", Signature{Category: "malware", Pattern: "malware.com", BaseRisk: 90}, false},
		{"empty pattern", Signature{Category: "malware", BaseRisk: 90}, true},
		{"empty type", Signature{Pattern: "x", BaseRisk: 10}, true},
		{"risk too high", Signature{Category: "a", Pattern: "x", BaseRisk: 101}, true},
		{"negative risk", Signature{Category: "a", Pattern: "x", BaseRisk: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sig.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTrainingErrorIs(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", NewTrainingError("classifier", "fit", cause))

	assert.ErrorIs(t, err, ErrTraining)
	assert.ErrorIs(t, err, cause)

	var te *TrainingError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "classifier", te.Model)
	assert.Equal(t, "train classifier: fit: boom", te.Error())
}
