package forest

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/threatguard/pkg/detectors"
)

func TestFit(t *testing.T) {
	tests := []struct {
		name    string
		data    [][]float64
		labels  []int
		wantErr error
	}{
		{
			name:    "empty data",
			wantErr: detectors.ErrEmptyData,
		},
		{
			name:    "label count mismatch",
			data:    [][]float64{{1}, {2}},
			labels:  []int{0},
			wantErr: detectors.ErrShape,
		},
		{
			name:    "ragged rows",
			data:    [][]float64{{1, 2}, {2}},
			labels:  []int{0, 1},
			wantErr: detectors.ErrShape,
		},
		{
			name:   "single class",
			data:   [][]float64{{1}, {2}, {3}},
			labels: []int{2, 2, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(WithTrees(5), WithSeed(1))
			err := f.Fit(tt.data, tt.labels)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, f.trained)
				return
			}
			require.NoError(t, err)
			assert.True(t, f.trained)
			assert.Len(t, f.trees, 5)
		})
	}
}

func TestFitNegativeLabel(t *testing.T) {
	err := New().Fit([][]float64{{1}}, []int{-1})
	assert.Error(t, err)
}

func TestPredictSeparableClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data, labels := clusters(rng, 60)

	f := New(WithTrees(25), WithSeed(42))
	require.NoError(t, f.Fit(data, labels))
	assert.Equal(t, 3, f.Classes())

	tests := []struct {
		sample []float64
		want   int
	}{
		{[]float64{0, 0, 0}, 0},
		{[]float64{50, 0, 0}, 1},
		{[]float64{0, 50, 50}, 2},
	}
	for _, tt := range tests {
		got, err := f.PredictOne(tt.sample)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "sample %v", tt.sample)
	}
}

func TestSingleClassPredictsIt(t *testing.T) {
	f := New(WithTrees(3))
	require.NoError(t, f.Fit([][]float64{{1}, {5}}, []int{4, 4}))

	got, err := f.PredictOne([]float64{100})
	require.NoError(t, err)
	assert.Equal(t, 4, got)
}

func TestPredictErrors(t *testing.T) {
	_, err := New().PredictOne([]float64{1})
	assert.ErrorIs(t, err, detectors.ErrNotTrained)

	f := New(WithTrees(2))
	require.NoError(t, f.Fit([][]float64{{1, 1}, {2, 2}}, []int{0, 1}))
	_, err = f.PredictOne([]float64{1})
	assert.ErrorIs(t, err, detectors.ErrShape)
}

func TestSaveLoad(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data, labels := clusters(rng, 30)

	original := New(WithTrees(10), WithMaxDepth(6), WithSeed(42))
	require.NoError(t, original.Fit(data, labels))

	blob, err := original.Save()
	require.NoError(t, err)

	loaded := New()
	require.NoError(t, loaded.Load(blob))

	samples, _ := clusters(rng, 10)
	for _, sample := range samples {
		want, err := original.PredictOne(sample)
		require.NoError(t, err)
		got, err := loaded.PredictOne(sample)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = New().Save()
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
	assert.Error(t, New().Load([]byte{0x01, 0x02}))
}

func TestLoadRejectsOutOfRangeFeature(t *testing.T) {
	encode := func(feature int) []byte {
		snap := snapshot{
			Trees: [][]flatNode{{
				{Feature: feature, Threshold: 0.5, Left: 1, Right: 2},
				{Left: -1, Right: -1, Class: 0},
				{Left: -1, Right: -1, Class: 1},
			}},
			NFeatures: 2,
			NClasses:  2,
		}
		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(snap))
		return buf.Bytes()
	}

	f := New()
	require.NoError(t, f.Load(encode(1)))
	class, err := f.PredictOne([]float64{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 1, class)

	for _, feature := range []int{2, 7, -1} {
		assert.Error(t, New().Load(encode(feature)), "feature %d", feature)
	}
}

func TestDeterministicWithSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	data, labels := clusters(rng, 40)

	a := New(WithTrees(10), WithSeed(9))
	b := New(WithTrees(10), WithSeed(9))
	require.NoError(t, a.Fit(data, labels))
	require.NoError(t, b.Fit(data, labels))

	ba, err := a.Save()
	require.NoError(t, err)
	bb, err := b.Save()
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
}

// clusters returns n samples per class around three well separated centers.
func clusters(rng *rand.Rand, n int) ([][]float64, []int) {
	centers := [][]float64{{0, 0, 0}, {50, 0, 0}, {0, 50, 50}}
	var data [][]float64
	var labels []int
	for class, c := range centers {
		for i := 0; i < n; i++ {
			row := make([]float64, len(c))
			for j := range c {
				row[j] = c[j] + rng.NormFloat64()
			}
			data = append(data, row)
			labels = append(labels, class)
		}
	}
	return data, labels
}
