package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/hed1ad/threatguard/pkg/threat"
)

// Metrics receives delivery counters.
type Metrics interface {
	RecordAlertSent(channel, severity string)
	RecordAlertDropped(reason string)
}

type nopMetrics struct{}

func (nopMetrics) RecordAlertSent(string, string) {}
func (nopMetrics) RecordAlertDropped(string)      {}

// Manager converts findings into alerts, suppresses repeats within a window
// and hands each alert to every enabled notifier.
type Manager struct {
	mu        sync.Mutex
	notifiers []Notifier
	disabled  map[string]bool

	minSeverity threat.Severity
	window      time.Duration
	seen        *lru.Cache[string, time.Time]

	logger  zerolog.Logger
	metrics Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier adds a delivery channel.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifiers = append(m.notifiers, n)
	}
}

// WithMinSeverity drops alerts below s.
func WithMinSeverity(s threat.Severity) Option {
	return func(m *Manager) {
		m.minSeverity = s
	}
}

// WithDedup suppresses an alert identical to one sent less than window ago,
// remembering up to size distinct alerts. A zero window disables suppression.
func WithDedup(size int, window time.Duration) Option {
	return func(m *Manager) {
		if size < 1 {
			size = 1
		}
		m.seen, _ = lru.New[string, time.Time](size)
		m.window = window
	}
}

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager creates a manager. Without WithDedup it remembers 10000 alerts
// for one minute.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		disabled: make(map[string]bool),
		logger:   zerolog.Nop(),
		metrics:  nopMetrics{},
		now:      time.Now,
	}
	WithDedup(10000, time.Minute)(m)
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "alert_manager").Logger()
	m.logger.Info().Int("channels", len(m.notifiers)).Str("min_severity", m.minSeverity.String()).Msg("alert manager initialized")
	return m
}

// SetEnabled turns a channel on or off by name.
func (m *Manager) SetEnabled(channel string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled[channel] = !enabled
}

// Enabled reports whether a channel is on.
func (m *Manager) Enabled(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disabled[channel]
}

// Channels lists the configured channel names.
func (m *Manager) Channels() []string {
	names := make([]string, len(m.notifiers))
	for i, n := range m.notifiers {
		names[i] = n.Name()
	}
	return names
}

// Process builds and delivers an alert per finding and returns the alerts
// that passed filtering. Delivery failures are logged and counted, never
// returned: one broken channel must not block the others.
func (m *Manager) Process(ctx context.Context, source string, findings []threat.Finding) []Alert {
	var sent []Alert
	for _, f := range findings {
		sev := f.Severity()
		if sev < m.minSeverity {
			m.metrics.RecordAlertDropped("below_threshold")
			continue
		}
		if m.duplicate(source, f) {
			m.metrics.RecordAlertDropped("duplicate")
			m.logger.Debug().Str("category", f.Category).Str("source", source).Msg("duplicate alert suppressed")
			continue
		}

		a := Alert{
			ID:        uuid.New().String(),
			Timestamp: m.now().UTC(),
			Source:    source,
			Severity:  sev,
			Message:   Message(f),
			Finding:   f,
		}
		m.deliver(ctx, a)
		sent = append(sent, a)
	}
	return sent
}

func (m *Manager) deliver(ctx context.Context, a Alert) {
	for _, n := range m.notifiers {
		if !m.Enabled(n.Name()) {
			m.logger.Debug().Str("channel", n.Name()).Msg("channel disabled")
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			m.metrics.RecordAlertDropped("notify_error")
			m.logger.Error().Err(err).Str("channel", n.Name()).Str("alert_id", a.ID).Msg("alert delivery failed")
			continue
		}
		m.metrics.RecordAlertSent(n.Name(), a.Severity.String())
	}
}

func (m *Manager) duplicate(source string, f threat.Finding) bool {
	if m.window <= 0 {
		return false
	}
	key := source + "\x00" + f.Category + "\x00" + f.Description

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if last, ok := m.seen.Get(key); ok && now.Sub(last) < m.window {
		return true
	}
	m.seen.Add(key, now)
	return false
}
