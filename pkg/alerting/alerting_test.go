package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/threatguard/pkg/threat"
)

type recorder struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []Alert
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, a)
	return nil
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct{ msgs []published }

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

type countingMetrics struct {
	sent    map[string]int
	dropped map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{sent: map[string]int{}, dropped: map[string]int{}}
}

func (c *countingMetrics) RecordAlertSent(channel, severity string) { c.sent[channel+"/"+severity]++ }
func (c *countingMetrics) RecordAlertDropped(reason string)         { c.dropped[reason]++ }

func malware() threat.Finding {
	return threat.Finding{
		Category:    "malware",
		RiskScore:   95,
		Confidence:  threat.ConfidenceHigh,
		Description: "Malware detected in network traffic",
	}
}

func TestMessage(t *testing.T) {
	want := "THREAT ALERT\n" +
		"Type: malware\n" +
		"Risk Score: 95\n" +
		"Description: Malware detected in network traffic\n" +
		"Confidence: high"
	assert.Equal(t, want, Message(malware()))

	f := malware().WithClassification("trojan")
	f.Description = ""
	assert.Contains(t, Message(f), "Type: malware (classified trojan)")
	assert.Contains(t, Message(f), "Description: No description")
}

func TestProcess(t *testing.T) {
	ch := &recorder{name: "test"}
	mt := newCountingMetrics()
	m := NewManager(WithNotifier(ch), WithMetrics(mt))

	low := threat.Finding{Category: "adware", RiskScore: 10, Confidence: threat.ConfidenceLow, Description: "popup"}
	alerts := m.Process(context.Background(), "api", []threat.Finding{malware(), low})

	require.Len(t, alerts, 2)
	assert.Equal(t, threat.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, threat.SeverityLow, alerts[1].Severity)
	assert.NotEmpty(t, alerts[0].ID)
	assert.NotEqual(t, alerts[0].ID, alerts[1].ID)
	assert.Equal(t, "api", alerts[0].Source)

	assert.Len(t, ch.alerts, 2)
	assert.Equal(t, 1, mt.sent["test/CRITICAL"])
	assert.Equal(t, 1, mt.sent["test/LOW"])
}

func TestMinSeverity(t *testing.T) {
	ch := &recorder{name: "test"}
	mt := newCountingMetrics()
	m := NewManager(WithNotifier(ch), WithMinSeverity(threat.SeverityHigh), WithMetrics(mt))

	medium := threat.Finding{Category: "anomaly", RiskScore: 60, Description: "x"}
	alerts := m.Process(context.Background(), "", []threat.Finding{medium, malware()})

	require.Len(t, alerts, 1)
	assert.Equal(t, "malware", alerts[0].Finding.Category)
	assert.Equal(t, 1, mt.dropped["below_threshold"])
}

func TestDedup(t *testing.T) {
	ch := &recorder{name: "test"}
	mt := newCountingMetrics()
	m := NewManager(WithNotifier(ch), WithDedup(16, time.Minute), WithMetrics(mt))

	clock := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	ctx := context.Background()
	assert.Len(t, m.Process(ctx, "sensor-a", []threat.Finding{malware()}), 1)
	assert.Empty(t, m.Process(ctx, "sensor-a", []threat.Finding{malware()}))
	assert.Len(t, m.Process(ctx, "sensor-b", []threat.Finding{malware()}), 1, "other sources are independent")

	clock = clock.Add(2 * time.Minute)
	assert.Len(t, m.Process(ctx, "sensor-a", []threat.Finding{malware()}), 1, "window elapsed")
	assert.Equal(t, 1, mt.dropped["duplicate"])

	noDedup := NewManager(WithNotifier(&recorder{name: "x"}), WithDedup(1, 0))
	assert.Len(t, noDedup.Process(ctx, "", []threat.Finding{malware(), malware()}), 2)
}

func TestChannelToggleAndFailure(t *testing.T) {
	good := &recorder{name: "good"}
	bad := &recorder{name: "bad", err: errors.New("smtp down")}
	mt := newCountingMetrics()
	m := NewManager(WithNotifier(bad), WithNotifier(good), WithDedup(1, 0), WithMetrics(mt))
	assert.Equal(t, []string{"bad", "good"}, m.Channels())

	alerts := m.Process(context.Background(), "", []threat.Finding{malware()})
	assert.Len(t, alerts, 1, "a failing channel does not block delivery")
	assert.Len(t, good.alerts, 1)
	assert.Equal(t, 1, mt.dropped["notify_error"])

	m.SetEnabled("good", false)
	assert.False(t, m.Enabled("good"))
	m.Process(context.Background(), "", []threat.Finding{malware()})
	assert.Len(t, good.alerts, 1)

	m.SetEnabled("good", true)
	m.Process(context.Background(), "", []threat.Finding{malware()})
	assert.Len(t, good.alerts, 2)
}

func TestNATSNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub, "threatguard.alerts.")
	m := NewManager(WithNotifier(n), WithNotifier(NewLogNotifier(zerolog.Nop())))

	m.Process(context.Background(), "nats", []threat.Finding{malware()})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "threatguard.alerts.critical", pub.msgs[0].subject)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &decoded))
	assert.Equal(t, "CRITICAL", decoded["severity"])
	assert.Equal(t, "nats", decoded["source"])
	finding := decoded["finding"].(map[string]any)
	assert.Equal(t, "malware", finding["category"])
	assert.Equal(t, "high", finding["confidence"])
}
