package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := New("threatguard")

	r.RecordDetection(0.001, []string{"malware", "anomaly"}, []string{"malware", "ddos"})
	r.RecordDetection(0.002, nil, nil)
	r.RecordTraining("anomaly", nil)
	r.RecordTraining("anomaly", errors.New("boom"))
	r.SetModelTrained("anomaly", true)
	r.SetSignatures(4)
	r.RecordAlertSent("log", "CRITICAL")
	r.RecordAlertDropped("duplicate")
	r.RecordEventIngested("nats")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.detections))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.findings.WithLabelValues("anomaly", "ddos")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.trainingRuns.WithLabelValues("anomaly", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.modelTrained.WithLabelValues("anomaly")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.signatures))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.alertsSent.WithLabelValues("log", "CRITICAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.alertsDropped.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.eventsIngested.WithLabelValues("nats")))

	families, err := r.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["threatguard_detections_total"])
	assert.True(t, names["threatguard_findings_total"])
}

func TestIndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New("threatguard")
		New("threatguard")
	})
}
