// Package forest implements a random forest classifier: bootstrap-sampled
// CART trees split on Gini impurity, combined by majority vote.
package forest

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/hed1ad/threatguard/pkg/detectors"
)

var _ detectors.Classifier = (*RandomForest)(nil)

// RandomForest is a supervised multi-class classifier.
type RandomForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees          int
	maxDepth        int
	minSamplesSplit int
	maxFeatures     int // 0 means sqrt(nFeatures)
	rng             *rand.Rand

	// Trained model
	trees     []*tree
	nFeatures int
	nClasses  int
	trained   bool
}

// Option configures a RandomForest.
type Option func(*RandomForest)

// WithTrees sets the number of trees.
func WithTrees(n int) Option {
	return func(f *RandomForest) {
		f.nTrees = n
	}
}

// WithMaxDepth bounds tree depth; 0 means unbounded.
func WithMaxDepth(d int) Option {
	return func(f *RandomForest) {
		f.maxDepth = d
	}
}

// WithMinSamplesSplit sets the smallest node that may still be split.
func WithMinSamplesSplit(n int) Option {
	return func(f *RandomForest) {
		f.minSamplesSplit = n
	}
}

// WithMaxFeatures sets how many candidate features each split considers.
func WithMaxFeatures(n int) Option {
	return func(f *RandomForest) {
		f.maxFeatures = n
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *RandomForest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// WithConfig applies the shared detector configuration.
func WithConfig(cfg detectors.Config) Option {
	return func(f *RandomForest) {
		WithTrees(cfg.Trees)(f)
		WithMaxDepth(cfg.MaxDepth)(f)
		WithSeed(cfg.RandomSeed)(f)
	}
}

// New creates a new RandomForest with the given options.
func New(opts ...Option) *RandomForest {
	f := &RandomForest{
		nTrees:          100,
		minSamplesSplit: 2,
		rng:             rand.New(rand.NewSource(42)),
	}

	for _, opt := range opts {
		opt(f)
	}
	if f.nTrees < 1 {
		f.nTrees = 1
	}
	if f.minSamplesSplit < 2 {
		f.minSamplesSplit = 2
	}

	return f
}

// Fit trains the forest. Labels must be non-negative; the class space is
// [0, max(labels)].
func (f *RandomForest) Fit(data [][]float64, labels []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return detectors.ErrEmptyData
	}
	if len(labels) != len(data) {
		return fmt.Errorf("%w: %d samples but %d labels", detectors.ErrShape, len(data), len(labels))
	}

	nFeatures := len(data[0])
	if nFeatures == 0 {
		return fmt.Errorf("%w: zero-width samples", detectors.ErrShape)
	}
	nClasses := 0
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("%w: row %d has %d features, want %d", detectors.ErrShape, i, len(row), nFeatures)
		}
		if labels[i] < 0 {
			return fmt.Errorf("negative label %d at row %d", labels[i], i)
		}
		nClasses = max(nClasses, labels[i]+1)
	}

	maxFeatures := f.maxFeatures
	if maxFeatures <= 0 || maxFeatures > nFeatures {
		maxFeatures = max(1, int(math.Sqrt(float64(nFeatures))))
	}

	b := builder{
		data:            data,
		labels:          labels,
		nFeatures:       nFeatures,
		nClasses:        nClasses,
		maxDepth:        f.maxDepth,
		minSamplesSplit: f.minSamplesSplit,
		maxFeatures:     maxFeatures,
		rng:             f.rng,
	}

	trees := make([]*tree, f.nTrees)
	for i := range trees {
		// Bootstrap sample with replacement
		idx := make([]int, len(data))
		for j := range idx {
			idx[j] = f.rng.Intn(len(data))
		}
		trees[i] = &tree{root: b.grow(idx, 0)}
	}

	f.trees = trees
	f.nFeatures = nFeatures
	f.nClasses = nClasses
	f.trained = true

	return nil
}

// PredictOne returns the majority-vote class for a sample. Ties resolve to
// the lowest class index.
func (f *RandomForest) PredictOne(sample []float64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, detectors.ErrNotTrained
	}
	if len(sample) != f.nFeatures {
		return 0, fmt.Errorf("%w: sample has %d features, model has %d", detectors.ErrShape, len(sample), f.nFeatures)
	}

	votes := make([]int, f.nClasses)
	for _, t := range f.trees {
		votes[t.classify(sample)]++
	}
	return argmax(votes), nil
}

// Classes returns the size of the learned class space.
func (f *RandomForest) Classes() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nClasses
}

type snapshot struct {
	Trees     [][]flatNode
	NFeatures int
	NClasses  int
}

// Save serializes the trained model.
func (f *RandomForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}

	snap := snapshot{
		Trees:     make([][]flatNode, len(f.trees)),
		NFeatures: f.nFeatures,
		NClasses:  f.nClasses,
	}
	for i, t := range f.trees {
		snap.Trees[i], _ = flatten(t.root, nil)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("encode random forest: %w", err)
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *RandomForest) Load(data []byte) error {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("decode random forest: %w", err)
	}
	if len(snap.Trees) == 0 || snap.NFeatures <= 0 || snap.NClasses <= 0 {
		return fmt.Errorf("decode random forest: %w", detectors.ErrEmptyData)
	}

	trees := make([]*tree, len(snap.Trees))
	for i, nodes := range snap.Trees {
		root, err := inflate(nodes, 0, snap.NFeatures, snap.NClasses)
		if err != nil {
			return fmt.Errorf("decode random forest tree %d: %w", i, err)
		}
		trees[i] = &tree{root: root}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.trees = trees
	f.nTrees = len(trees)
	f.nFeatures = snap.NFeatures
	f.nClasses = snap.NClasses
	f.trained = true

	return nil
}

func argmax(xs []int) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}
