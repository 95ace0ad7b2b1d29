// Package alerting turns findings into severity-tiered alerts and fans them
// out to notification channels.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hed1ad/threatguard/pkg/threat"
)

// Alert is a finding prepared for delivery.
type Alert struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	Severity  threat.Severity `json:"severity"`
	Message   string          `json:"message"`
	Finding   threat.Finding  `json:"finding"`
}

// Marshal encodes the alert as JSON.
func (a Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// Message renders the human-readable alert body for a finding.
func Message(f threat.Finding) string {
	category := f.Category
	if f.ClassifiedCategory != nil && *f.ClassifiedCategory != f.Category {
		category = fmt.Sprintf("%s (classified %s)", f.Category, *f.ClassifiedCategory)
	}
	description := f.Description
	if description == "" {
		description = "No description"
	}

	var b strings.Builder
	b.WriteString("THREAT ALERT\n")
	fmt.Fprintf(&b, "Type: %s\n", category)
	fmt.Fprintf(&b, "Risk Score: %d\n", f.RiskScore)
	fmt.Fprintf(&b, "Description: %s\n", description)
	fmt.Fprintf(&b, "Confidence: %s", f.Confidence)
	return b.String()
}

// Notifier delivers alerts over one channel.
type Notifier interface {
	// Name identifies the channel in logs and metrics.
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to a zerolog logger, at warn level for HIGH and
// CRITICAL alerts and info otherwise.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log channel.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("channel", "log").Logger()}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	ev := n.logger.Info()
	if a.Severity >= threat.SeverityHigh {
		ev = n.logger.Warn()
	}
	ev.Str("alert_id", a.ID).
		Str("severity", a.Severity.String()).
		Str("category", a.Finding.Category).
		Int("risk_score", a.Finding.RiskScore).
		Str("source", a.Source).
		Msg(a.Message)
	return nil
}

// Publisher is the subset of a NATS connection the NATS channel needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes alerts as JSON to <prefix>.<severity>, e.g.
// threatguard.alerts.critical.
type NATSNotifier struct {
	pub    Publisher
	prefix string
}

// NewNATSNotifier creates a NATS channel publishing under prefix.
func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	return &NATSNotifier{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

func (n *NATSNotifier) Name() string { return "nats" }

// Subject returns the subject an alert of severity s is published to.
func (n *NATSNotifier) Subject(s threat.Severity) string {
	return n.prefix + "." + strings.ToLower(s.String())
}

func (n *NATSNotifier) Notify(_ context.Context, a Alert) error {
	data, err := a.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	subject := n.Subject(a.Severity)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing alert to %s: %w", subject, err)
	}
	return nil
}
