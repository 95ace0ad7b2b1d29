package features

import (
	"strings"

	"github.com/hed1ad/threatguard/pkg/threat"
)

// FindingWidth is the fixed length of a classifier feature vector.
const FindingWidth = 7

var protocolCodes = []string{
	"TCP", "UDP", "ICMP", "HTTP", "HTTPS", "SSH", "RDP",
	"DNS", "SMB", "FTP", "SMTP", "Telnet", "NetBIOS",
}

var requestTypeCodes = []string{"GET", "POST", "PUT", "DELETE"}

// ProtocolCode maps a protocol name onto 1..13, or 0 when unknown.
// Matching ignores case.
func ProtocolCode(protocol string) int {
	return lookup(protocolCodes, protocol)
}

// RequestTypeCode maps an HTTP method onto 1..4, or 0 when unknown.
func RequestTypeCode(requestType string) int {
	return lookup(requestTypeCodes, requestType)
}

func lookup(table []string, name string) int {
	name = strings.TrimSpace(name)
	for i, candidate := range table {
		if strings.EqualFold(candidate, name) {
			return i + 1
		}
	}
	return 0
}

// Inputs is the raw material of a classifier feature vector. Findings and
// training records both reduce to it.
type Inputs struct {
	RiskScore         int
	HasHTTP           bool
	DescriptionLength int
	Protocol          string
	Port              int
	PayloadSize       int
	RequestType       string
}

// Vector encodes the inputs as
// [risk_score, has_http, description_length, protocol_code, port, payload_size, request_type_code].
func (in Inputs) Vector() []float64 {
	return []float64{
		float64(in.RiskScore),
		indicator(in.HasHTTP),
		float64(in.DescriptionLength),
		float64(ProtocolCode(in.Protocol)),
		float64(in.Port),
		float64(in.PayloadSize),
		float64(RequestTypeCode(in.RequestType)),
	}
}

// FindingInputs derives classifier inputs from a finding. Missing optional
// fields default to zero or the empty string.
func FindingInputs(f threat.Finding) Inputs {
	in := Inputs{
		RiskScore:         f.RiskScore,
		HasHTTP:           strings.Contains(strings.ToLower(f.Description), "http"),
		DescriptionLength: len(f.Description),
	}
	if f.Protocol != nil {
		in.Protocol = *f.Protocol
	}
	if f.Port != nil {
		in.Port = *f.Port
	}
	if f.PayloadSize != nil {
		in.PayloadSize = *f.PayloadSize
	}
	if f.RequestType != nil {
		in.RequestType = *f.RequestType
	}
	return in
}

// ExtractFinding encodes a finding for the classifier.
func ExtractFinding(f threat.Finding) []float64 {
	return FindingInputs(f).Vector()
}

// FindingFeatureNames names the positions of a classifier vector.
func FindingFeatureNames() []string {
	return []string{
		"risk_score",
		"has_http",
		"description_length",
		"protocol",
		"port",
		"payload_size",
		"request_type",
	}
}
