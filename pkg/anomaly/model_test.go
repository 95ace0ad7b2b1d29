package anomaly

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/threatguard/pkg/detectors"
	"github.com/hed1ad/threatguard/pkg/detectors/iforest"
	"github.com/hed1ad/threatguard/pkg/event"
	"github.com/hed1ad/threatguard/pkg/threat"
)

func normalTraffic(rng *rand.Rand, n int) []event.RawEvent {
	records := make([]event.RawEvent, n)
	for i := range records {
		records[i] = event.RawEvent{
			"source_ip": event.Text("10.0.0.1"),
			"protocol":  event.Int(6),
			"length":    event.Int(int64(60 + rng.Intn(40))),
			"interval":  event.Float(0.01 + rng.Float64()*0.02),
		}
	}
	return records
}

func smallModel() *Model {
	return New(WithFactory(func() detectors.Detector {
		return iforest.New(iforest.WithTrees(50), iforest.WithSeed(42))
	}))
}

func TestUntrainedDetectIsEmpty(t *testing.T) {
	m := New()
	assert.False(t, m.Trained())
	assert.Zero(t, m.Width())

	for _, r := range []event.RawEvent{
		{},
		{"url": event.Text("malware.com")},
		{"length": event.Int(1 << 40)},
	} {
		assert.Empty(t, m.Detect(r))
	}
}

func TestTrainEmpty(t *testing.T) {
	m := New()
	err := m.Train(nil)

	assert.ErrorIs(t, err, threat.ErrTraining)
	assert.False(t, m.Trained())
}

func TestTrainNoUsableFields(t *testing.T) {
	m := New()
	err := m.Train([]event.RawEvent{{}, {"a": event.Ignored()}})

	assert.ErrorIs(t, err, threat.ErrTraining)
	assert.False(t, m.Trained())
}

func TestTrainPadsToLongestVector(t *testing.T) {
	m := smallModel()
	require.NoError(t, m.Train([]event.RawEvent{
		{"normal": event.Text("data")},
		{"another": event.Text("normal")},
		{"a": event.Int(1), "b": event.Int(2), "c": event.Int(3)},
	}))

	assert.True(t, m.Trained())
	assert.Equal(t, 3, m.Width())
}

func TestDetectOutlier(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m := smallModel()
	require.NoError(t, m.Train(normalTraffic(rng, 300)))

	outlier := event.RawEvent{
		"source_ip": event.Text("203.0.113.250/very/long/suspicious/http/path"),
		"protocol":  event.Int(17),
		"length":    event.Int(65000),
		"interval":  event.Float(90),
	}
	findings := m.Detect(outlier)
	require.Len(t, findings, 1)
	assert.Equal(t, threat.Finding{
		Category:    "anomaly",
		RiskScore:   75,
		Confidence:  threat.ConfidenceMedium,
		Description: "Anomalous behavior detected",
	}, findings[0])
}

func TestDetectShapeMismatchNeverFails(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	m := smallModel()
	require.NoError(t, m.Train(normalTraffic(rng, 100)))

	assert.NotPanics(t, func() {
		m.Detect(event.RawEvent{})
		m.Detect(event.RawEvent{"only": event.Int(1)})
		m.Detect(event.RawEvent{"a": event.Int(1), "b": event.Int(1), "c": event.Int(1), "d": event.Int(1), "e": event.Int(1), "f": event.Int(1)})
	})
}

func TestDetectIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m := smallModel()
	require.NoError(t, m.Train(normalTraffic(rng, 100)))

	r := event.RawEvent{"length": event.Int(5000), "protocol": event.Int(1)}
	assert.Equal(t, m.Detect(r), m.Detect(r))
}

type failingDetector struct{ detectors.Detector }

func (failingDetector) Fit([][]float64) error { return errors.New("backend down") }

func TestFailedRetrainKeepsPreviousModel(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	fail := false
	m := New(WithFactory(func() detectors.Detector {
		if fail {
			return failingDetector{}
		}
		return iforest.New(iforest.WithTrees(20))
	}))
	require.NoError(t, m.Train(normalTraffic(rng, 50)))
	width := m.Width()

	fail = true
	err := m.Train(normalTraffic(rng, 50))
	assert.ErrorIs(t, err, threat.ErrTraining)
	assert.True(t, m.Trained(), "a failed retrain never downgrades")
	assert.Equal(t, width, m.Width())

	err = m.Train(nil)
	assert.ErrorIs(t, err, threat.ErrTraining)
	assert.True(t, m.Trained())
}

func TestConcurrentDetectDuringTrain(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := normalTraffic(rng, 80)
	m := smallModel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				findings := m.Detect(event.RawEvent{"length": event.Int(99999)})
				assert.LessOrEqual(t, len(findings), 1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 3; j++ {
			assert.NoError(t, m.Train(data))
		}
	}()
	wg.Wait()

	assert.True(t, m.Trained())
}

func TestSaveLoad(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	m := smallModel()

	_, err := m.Save()
	assert.ErrorIs(t, err, detectors.ErrNotTrained)

	require.NoError(t, m.Train(normalTraffic(rng, 120)))
	blob, err := m.Save()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Load(blob))
	assert.True(t, restored.Trained())
	assert.Equal(t, m.Width(), restored.Width())

	samples := normalTraffic(rng, 20)
	samples = append(samples, event.RawEvent{"length": event.Int(70000), "interval": event.Float(50)})
	for _, r := range samples {
		assert.Equal(t, m.Detect(r), restored.Detect(r))
	}

	assert.Error(t, New().Load([]byte("nope")))
}
