// Package natsio moves raw events in and detection results out over NATS.
package natsio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hed1ad/threatguard/pkg/event"
	"github.com/hed1ad/threatguard/pkg/threat"
)

// Config configures the bus.
type Config struct {
	URL string `yaml:"url" default:"nats://127.0.0.1:4222"`
	// Embedded starts an in-process server instead of dialing URL.
	Embedded bool `yaml:"embedded"`
	// Port of the embedded server; -1 picks a free port.
	Port            int    `yaml:"port" default:"4222" validate:"gte=-1,lte=65535"`
	EventsSubject   string `yaml:"events_subject" default:"threatguard.events.>" validate:"required"`
	FindingsSubject string `yaml:"findings_subject" default:"threatguard.findings" validate:"required"`
	AlertsPrefix    string `yaml:"alerts_prefix" default:"threatguard.alerts" validate:"required"`
	QueueGroup      string `yaml:"queue_group" default:"threatguard"`
}

// Detector runs a record through the detection pipeline.
type Detector interface {
	Detect(record event.RawEvent) []threat.Finding
}

// FindingsHandler is called with the findings of every event, e.g. to
// raise alerts.
type FindingsHandler func(ctx context.Context, source string, findings []threat.Finding)

// Metrics counts ingested events.
type Metrics interface {
	RecordEventIngested(source string)
}

// Result is published for every processed event.
type Result struct {
	RequestID string           `json:"request_id"`
	Subject   string           `json:"subject"`
	Timestamp time.Time        `json:"timestamp"`
	Threats   []threat.Finding `json:"threats"`
}

// Bus wraps a NATS connection, optionally backed by an embedded server.
type Bus struct {
	cfg    Config
	nc     *nats.Conn
	ns     *server.Server
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription

	// done is closed by Close and releases the Serve watchers.
	done      chan struct{}
	closeOnce sync.Once
	watchers  sync.WaitGroup
}

// NewBus connects to NATS. If cfg.Embedded is true, it starts an embedded
// server first.
func NewBus(cfg Config, logger zerolog.Logger) (*Bus, error) {
	bus := &Bus{
		cfg:    cfg,
		logger: logger.With().Str("component", "nats_bus").Logger(),
		done:   make(chan struct{}),
	}

	url := cfg.URL
	if cfg.Embedded {
		opts := &server.Options{
			Host:   "127.0.0.1",
			Port:   cfg.Port,
			NoLog:  true,
			NoSigs: true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("threatguard"),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		if bus.ns != nil {
			bus.ns.Shutdown()
		}
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	bus.logger.Info().Str("url", url).Msg("connected to NATS")
	return bus, nil
}

// URL returns the URL clients can dial.
func (b *Bus) URL() string {
	if b.ns != nil {
		return b.ns.ClientURL()
	}
	return b.cfg.URL
}

// Conn exposes the underlying connection.
func (b *Bus) Conn() *nats.Conn { return b.nc }

// Publish sends data on subject.
func (b *Bus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

// Serve subscribes to the events subject and runs every message through d.
// Each result is published to the findings subject and, when the sender
// asked for one, sent as the reply. Serve returns once subscribed; the
// subscription lives until ctx is done or the bus is closed.
func (b *Bus) Serve(ctx context.Context, d Detector, onFindings FindingsHandler, m Metrics) error {
	handler := func(msg *nats.Msg) {
		if m != nil {
			m.RecordEventIngested("nats")
		}

		record, err := event.Decode(msg.Data)
		if err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
			return
		}

		requestID := msg.Header.Get("Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		findings := d.Detect(record)
		if findings == nil {
			findings = []threat.Finding{}
		}
		if onFindings != nil && len(findings) > 0 {
			onFindings(ctx, msg.Subject, findings)
		}

		data, err := json.Marshal(Result{
			RequestID: requestID,
			Subject:   msg.Subject,
			Timestamp: time.Now().UTC(),
			Threats:   findings,
		})
		if err != nil {
			b.logger.Error().Err(err).Msg("marshaling result")
			return
		}
		if err := b.nc.Publish(b.cfg.FindingsSubject, data); err != nil {
			b.logger.Error().Err(err).Str("subject", b.cfg.FindingsSubject).Msg("publishing result")
		}
		if msg.Reply != "" {
			if err := msg.Respond(data); err != nil {
				b.logger.Error().Err(err).Msg("replying to event")
			}
		}

		b.logger.Debug().
			Str("request_id", requestID).
			Str("subject", msg.Subject).
			Int("threats", len(findings)).
			Msg("event processed")
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.cfg.QueueGroup != "" {
		sub, err = b.nc.QueueSubscribe(b.cfg.EventsSubject, b.cfg.QueueGroup, handler)
	} else {
		sub, err = b.nc.Subscribe(b.cfg.EventsSubject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.cfg.EventsSubject, err)
	}
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("flushing subscription: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.watchers.Add(1)
	go func() {
		defer b.watchers.Done()
		select {
		case <-ctx.Done():
			_ = sub.Unsubscribe()
		case <-b.done:
		}
	}()

	b.logger.Info().Str("subject", b.cfg.EventsSubject).Str("queue", b.cfg.QueueGroup).Msg("serving events")
	return nil
}

// Close unsubscribes, closes the connection and stops the embedded
// server.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	b.watchers.Wait()

	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
	}
	b.logger.Info().Msg("NATS bus closed")
}
