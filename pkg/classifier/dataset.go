package classifier

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hed1ad/threatguard/pkg/features"
)

// LabeledRecord is one row of a classifier training set.
type LabeledRecord struct {
	ThreatType        string `json:"threat_type"`
	RiskScore         int    `json:"risk_score"`
	HasHTTP           bool   `json:"has_http"`
	DescriptionLength int    `json:"description_length"`
	Protocol          string `json:"protocol"`
	Port              int    `json:"port"`
	PayloadSize       int    `json:"payload_size"`
	RequestType       string `json:"request_type"`
}

// Inputs returns the feature inputs of the record.
func (r LabeledRecord) Inputs() features.Inputs {
	return features.Inputs{
		RiskScore:         r.RiskScore,
		HasHTTP:           r.HasHTTP,
		DescriptionLength: r.DescriptionLength,
		Protocol:          r.Protocol,
		Port:              r.Port,
		PayloadSize:       r.PayloadSize,
		RequestType:       r.RequestType,
	}
}

// LoadDataset reads a JSON array of labeled records.
func LoadDataset(path string) ([]LabeledRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return ParseDataset(data)
}

// ParseDataset decodes a JSON array of labeled records.
func ParseDataset(data []byte) ([]LabeledRecord, error) {
	var records []LabeledRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	return records, nil
}
