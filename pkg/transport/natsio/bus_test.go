package natsio

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/threatguard/pkg/event"
	"github.com/hed1ad/threatguard/pkg/threat"
)

type substringDetector struct{}

func (substringDetector) Detect(record event.RawEvent) []threat.Finding {
	for _, s := range record.TextValues() {
		if strings.Contains(s, "malware.com") {
			return []threat.Finding{{Category: "malware", RiskScore: 90, Confidence: threat.ConfidenceHigh, Description: "Signature match: malware.com"}}
		}
	}
	return nil
}

type ingestCounter struct {
	mu sync.Mutex
	n  int
}

func (c *ingestCounter) RecordEventIngested(string) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Embedded:        true,
		Port:            -1,
		EventsSubject:   "threatguard.events.>",
		FindingsSubject: "threatguard.findings",
		AlertsPrefix:    "threatguard.alerts",
		QueueGroup:      "threatguard",
	}
}

func TestServe(t *testing.T) {
	bus, err := NewBus(testConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer bus.Close()

	client, err := nats.Connect(bus.URL())
	require.NoError(t, err)
	defer client.Close()

	results := make(chan *nats.Msg, 4)
	_, err = client.ChanSubscribe("threatguard.findings", results)
	require.NoError(t, err)
	require.NoError(t, client.Flush())

	var (
		mu      sync.Mutex
		alerted []string
	)
	onFindings := func(_ context.Context, source string, fs []threat.Finding) {
		mu.Lock()
		defer mu.Unlock()
		alerted = append(alerted, source)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	counter := &ingestCounter{}
	require.NoError(t, bus.Serve(ctx, substringDetector{}, onFindings, counter))

	msg := nats.NewMsg("threatguard.events.proxy")
	msg.Header.Set("Request-Id", "req-42")
	msg.Data = []byte(`{"url": "http://malware.com/payload", "bytes": 512}`)
	reply, err := client.RequestMsg(msg, 2*time.Second)
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal(reply.Data, &res))
	assert.Equal(t, "req-42", res.RequestID)
	assert.Equal(t, "threatguard.events.proxy", res.Subject)
	require.Len(t, res.Threats, 1)
	assert.Equal(t, "malware", res.Threats[0].Category)

	select {
	case m := <-results:
		assert.Equal(t, reply.Data, m.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no result on findings subject")
	}

	require.NoError(t, client.Publish("threatguard.events.proxy", []byte(`{"url": "https://example.org"}`)))
	select {
	case m := <-results:
		var clean Result
		require.NoError(t, json.Unmarshal(m.Data, &clean))
		assert.Empty(t, clean.Threats)
		assert.NotEmpty(t, clean.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("no result for clean event")
	}

	mu.Lock()
	assert.Equal(t, []string{"threatguard.events.proxy"}, alerted)
	mu.Unlock()

	counter.mu.Lock()
	assert.Equal(t, 2, counter.n)
	counter.mu.Unlock()
}

func TestServeDropsMalformed(t *testing.T) {
	bus, err := NewBus(testConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Serve(ctx, substringDetector{}, nil, nil))

	_, err = bus.Conn().Request("threatguard.events.x", []byte("not json"), 200*time.Millisecond)
	assert.Error(t, err, "no reply is sent for undecodable events")
}

func TestCloseReleasesServeWithoutCancel(t *testing.T) {
	bus, err := NewBus(testConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, bus.Serve(context.Background(), substringDetector{}, nil, nil))

	closed := make(chan struct{})
	go func() {
		bus.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.False(t, bus.Conn().IsConnected())

	bus.Close()
}

func TestPublish(t *testing.T) {
	bus, err := NewBus(testConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer bus.Close()

	sub, err := bus.Conn().SubscribeSync("threatguard.alerts.critical")
	require.NoError(t, err)
	require.NoError(t, bus.Conn().Flush())

	require.NoError(t, bus.Publish("threatguard.alerts.critical", []byte("x")))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), msg.Data)
}

func TestConnectFailure(t *testing.T) {
	_, err := NewBus(Config{URL: "nats://127.0.0.1:1"}, zerolog.Nop())
	assert.Error(t, err)
}
