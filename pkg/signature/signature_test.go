package signature

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/threatguard/pkg/event"
	"github.com/hed1ad/threatguard/pkg/threat"
)

func newDetector(t *testing.T) *Detector {
	t.Helper()
	store, err := NewStore(Defaults()...)
	require.NoError(t, err)
	return NewDetector(store, zerolog.Nop())
}

func TestDetect(t *testing.T) {
	d := newDetector(t)

	tests := []struct {
		name       string
		record     event.RawEvent
		categories []string
	}{
		{
			name:       "exact substring",
			record:     event.RawEvent{"url": event.Text("malware.com/download")},
			categories: []string{"malware"},
		},
		{
			name:       "case sensitive",
			record:     event.RawEvent{"url": event.Text("MALWARE.COM/download")},
			categories: nil,
		},
		{
			name:       "numeric fields never match",
			record:     event.RawEvent{"port": event.Int(80)},
			categories: nil,
		},
		{
			name: "multiple matches in store order",
			record: event.RawEvent{
				"msg": event.Text("failed login from login.php"),
				"url": event.Text("http://malware.com"),
			},
			categories: []string{"malware", "phishing", "brute_force"},
		},
		{
			name:       "underscore is not a space",
			record:     event.RawEvent{"event": event.Text("failed_login"), "user": event.Text("admin"), "attempts": event.Int(15)},
			categories: nil,
		},
		{
			name:       "failed login phrase",
			record:     event.RawEvent{"event": event.Text("failed login"), "user": event.Text("admin"), "attempts": event.Int(15)},
			categories: []string{"brute_force"},
		},
		{
			name:       "one finding per signature",
			record:     event.RawEvent{"a": event.Text("malware.com"), "b": event.Text("malware.com")},
			categories: []string{"malware"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := d.Detect(tt.record)
			var got []string
			for _, f := range findings {
				got = append(got, f.Category)
				assert.Equal(t, threat.ConfidenceHigh, f.Confidence)
				assert.Nil(t, f.ClassifiedCategory)
			}
			assert.Equal(t, tt.categories, got)
		})
	}
}

func TestDetectFindingShape(t *testing.T) {
	d := newDetector(t)

	findings := d.Detect(event.RawEvent{"url": event.Text("malware.com/download")})
	require.Len(t, findings, 1)
	assert.Equal(t, threat.Finding{
		Category:    "malware",
		RiskScore:   90,
		Confidence:  threat.ConfidenceHigh,
		Description: "Signature match: malware.com",
	}, findings[0])
}

func TestUpdate(t *testing.T) {
	d := newDetector(t)

	added, err := d.Update([]threat.Signature{
		{Category: "sql_injection", Pattern: "' OR 1=1", BaseRisk: 88},
		{Category: "sql_injection", Pattern: "' OR 1=1", BaseRisk: 88},
		{Category: "malware", Pattern: "malware.com", BaseRisk: 90},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 4, d.Store().Len())

	sig, ok := d.Store().Lookup("' OR 1=1")
	require.True(t, ok)
	assert.Equal(t, 88, sig.BaseRisk)

	findings := d.Detect(event.RawEvent{"q": event.Text("id=1' OR 1=1 --")})
	require.Len(t, findings, 1)
	assert.Equal(t, "sql_injection", findings[0].Category)
}

func TestUpdateRejectsInvalidBatch(t *testing.T) {
	d := newDetector(t)

	_, err := d.Update([]threat.Signature{
		{Category: "xss", Pattern: "<script>", BaseRisk: 70},
		{Category: "xss", Pattern: "", BaseRisk: 70},
	})
	assert.ErrorIs(t, err, threat.ErrInvalidSignature)
	assert.Equal(t, 3, d.Store().Len(), "nothing from a rejected batch is appended")
	assert.False(t, d.Store().Contains(threat.Signature{Category: "xss", Pattern: "<script>"}))
}

func TestNewStoreRejectsInvalidSeed(t *testing.T) {
	_, err := NewStore(threat.Signature{Category: "x", Pattern: "", BaseRisk: 1})
	assert.ErrorIs(t, err, threat.ErrInvalidSignature)
}

func TestSnapshotIsolation(t *testing.T) {
	store, err := NewStore(Defaults()...)
	require.NoError(t, err)

	before := store.Snapshot()
	_, err = store.Append([]threat.Signature{{Category: "worm", Pattern: "propagate.sh", BaseRisk: 70}})
	require.NoError(t, err)

	assert.Len(t, before, 3, "a snapshot taken before an append never grows")
	assert.Len(t, store.Snapshot(), 4)
}

func TestConcurrentDetectAndUpdate(t *testing.T) {
	d := newDetector(t)
	record := event.RawEvent{"payload": event.Text("pattern-0 pattern-1 pattern-2 pattern-3")}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 4; i++ {
			_, err := d.Update([]threat.Signature{{Category: "worm", Pattern: "pattern-" + string(rune('0'+i)), BaseRisk: 60}})
			assert.NoError(t, err)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := 0
			for i := 0; i < 200; i++ {
				n := len(d.Detect(record))
				// Matches only ever grow, and always form a prefix of the appends.
				assert.GreaterOrEqual(t, n, prev)
				assert.LessOrEqual(t, n, 4)
				prev = n
			}
		}()
	}
	wg.Wait()

	assert.Len(t, d.Detect(record), 4)
}

func TestParse(t *testing.T) {
	jsonData := []byte(`[{"type":"xss","pattern":"<script>","risk_score":70}]`)
	sigs, err := Parse(jsonData, ".json")
	require.NoError(t, err)
	assert.Equal(t, []threat.Signature{{Category: "xss", Pattern: "<script>", BaseRisk: 70}}, sigs)

	yamlData := []byte("- type: ddos\n  pattern: SYN flood\n  risk_score: 75\n")
	sigs, err = Parse(yamlData, ".yml")
	require.NoError(t, err)
	assert.Equal(t, []threat.Signature{{Category: "ddos", Pattern: "SYN flood", BaseRisk: 75}}, sigs)

	_, err = Parse([]byte("{"), ".json")
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- type: worm\n  pattern: conficker\n  risk_score: 88\n"), 0o600))

	sigs, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []threat.Signature{{Category: "worm", Pattern: "conficker", BaseRisk: 88}}, sigs)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

type recordingUpdater struct {
	mu    sync.Mutex
	calls [][]threat.Signature
}

func (r *recordingUpdater) UpdateSignatures(sigs []threat.Signature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sigs)
	return nil
}

func (r *recordingUpdater) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signatures.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"type":"xss","pattern":"<script>","risk_score":70}]`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	u := &recordingUpdater{}
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, NewFileLoader(path), u, zerolog.Nop()) }()

	require.Eventually(t, func() bool { return u.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`[{"type":"xss","pattern":"onerror=","risk_score":65}]`), 0o644))
	require.Eventually(t, func() bool { return u.count() >= 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
