// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/threatguard/pkg/detectors"
)

var _ detectors.Detector = (*IsolationForest)(nil)

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	threshold     float64
	rng           *rand.Rand

	// Trained model
	trees     []*iTree
	nFeatures int
	trained   bool

	// Statistics from training
	avgPathLength float64
}

// iTree represents a single isolation tree.
type iTree struct {
	root *node
}

// node is a node in the isolation tree.
type node struct {
	// Split parameters (for internal nodes)
	splitFeature int
	splitValue   float64

	// Children
	left  *node
	right *node

	// Leaf information
	size int // number of samples that reached this leaf
}

func (n *node) leaf() bool { return n.left == nil && n.right == nil }

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// WithConfig applies the shared detector configuration.
func WithConfig(cfg detectors.Config) Option {
	return func(f *IsolationForest) {
		WithTrees(cfg.Trees)(f)
		WithSampleSize(cfg.SampleSize)(f)
		WithContamination(cfg.Contamination)(f)
		WithSeed(cfg.RandomSeed)(f)
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		threshold:     0.5,
		rng:           rand.New(rand.NewSource(42)),
	}

	for _, opt := range opts {
		opt(f)
	}
	if f.nTrees < 1 {
		f.nTrees = 1
	}
	if f.sampleSize < 2 {
		f.sampleSize = 2
	}

	return f
}

// Fit trains the Isolation Forest on the provided data.
// Every row must have the same, non-zero width.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return detectors.ErrEmptyData
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return fmt.Errorf("%w: zero-width samples", detectors.ErrShape)
	}
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("%w: row %d has %d features, want %d", detectors.ErrShape, i, len(row), nFeatures)
		}
	}

	sampleSize := min(f.sampleSize, nSamples)
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	// Build trees
	trees := make([]*iTree, f.nTrees)
	for i := range trees {
		// Sample without replacement
		indices := f.rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		trees[i] = &iTree{root: f.buildNode(sample, nFeatures, 0, maxDepth)}
	}

	f.trees = trees
	f.nFeatures = nFeatures
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	// Set threshold based on contamination
	if f.contamination > 0 {
		scores, err := f.predict(data)
		if err != nil {
			return err
		}
		f.threshold = percentile(scores, 100*(1-f.contamination))
	}

	return nil
}

func (f *IsolationForest) buildNode(data [][]float64, nFeatures, depth, maxDepth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		return &node{size: n}
	}

	// Random feature among those that still vary in this node
	var candidates []int
	for j := 0; j < nFeatures; j++ {
		for _, row := range data[1:] {
			if row[j] != data[0][j] {
				candidates = append(candidates, j)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return &node{size: n}
	}
	feature := candidates[f.rng.Intn(len(candidates))]

	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		minVal = math.Min(minVal, row[feature])
		maxVal = math.Max(maxVal, row[feature])
	}

	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)

	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	return &node{
		splitFeature: feature,
		splitValue:   splitValue,
		left:         f.buildNode(leftData, nFeatures, depth+1, maxDepth),
		right:        f.buildNode(rightData, nFeatures, depth+1, maxDepth),
	}
}

// Predict returns anomaly scores for the given samples.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}

	return f.predict(data)
}

func (f *IsolationForest) predict(data [][]float64) ([]float64, error) {
	scores := make([]float64, len(data))

	for i, sample := range data {
		score, err := f.predictOne(sample)
		if err != nil {
			return nil, err
		}
		scores[i] = score
	}

	return scores, nil
}

// PredictOne returns the anomaly score for a single sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, detectors.ErrNotTrained
	}

	return f.predictOne(sample)
}

// IsOutlier reports whether the sample scores strictly above the threshold.
func (f *IsolationForest) IsOutlier(sample []float64) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return false, detectors.ErrNotTrained
	}

	score, err := f.predictOne(sample)
	if err != nil {
		return false, err
	}
	return score > f.threshold, nil
}

func (f *IsolationForest) predictOne(sample []float64) (float64, error) {
	if len(sample) != f.nFeatures {
		return 0, fmt.Errorf("%w: sample has %d features, model has %d", detectors.ErrShape, len(sample), f.nFeatures)
	}

	var totalPath float64
	for _, tree := range f.trees {
		totalPath += pathLength(sample, tree.root, 0)
	}
	avgPath := totalPath / float64(len(f.trees))

	// Anomaly score: 2^(-avgPath / c(n)); higher is more anomalous.
	norm := f.avgPathLength
	if norm <= 0 {
		norm = 1
	}
	return math.Pow(2, -avgPath/norm), nil
}

// pathLength calculates the path length for a sample in a tree.
func pathLength(sample []float64, n *node, currentDepth int) float64 {
	if n.leaf() {
		// Leaf node: add expected path length for remaining isolation
		return float64(currentDepth) + averagePathLength(float64(n.size))
	}

	if sample[n.splitFeature] < n.splitValue {
		return pathLength(sample, n.left, currentDepth+1)
	}
	return pathLength(sample, n.right, currentDepth+1)
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, with H(i) ~ ln(i) + Euler-Mascheroni
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// flatNode is the gob form of a node; children are indices into the tree's
// node slice, -1 for none.
type flatNode struct {
	Feature int
	Value   float64
	Left    int
	Right   int
	Size    int
}

type snapshot struct {
	Trees         [][]flatNode
	NFeatures     int
	SampleSize    int
	Contamination float64
	Threshold     float64
	AvgPathLength float64
}

func flatten(n *node, out []flatNode) ([]flatNode, int) {
	idx := len(out)
	out = append(out, flatNode{Feature: n.splitFeature, Value: n.splitValue, Left: -1, Right: -1, Size: n.size})
	if n.leaf() {
		return out, idx
	}
	var l, r int
	out, l = flatten(n.left, out)
	out, r = flatten(n.right, out)
	out[idx].Left, out[idx].Right = l, r
	return out, idx
}

func inflate(nodes []flatNode, idx, nFeatures int) (*node, error) {
	if idx < 0 || idx >= len(nodes) {
		return nil, fmt.Errorf("corrupt tree: node index %d", idx)
	}
	fn := nodes[idx]
	n := &node{splitFeature: fn.Feature, splitValue: fn.Value, size: fn.Size}
	if fn.Left < 0 && fn.Right < 0 {
		return n, nil
	}
	if fn.Left <= idx || fn.Right <= idx {
		return nil, fmt.Errorf("corrupt tree: node %d points backwards", idx)
	}
	if fn.Feature < 0 || fn.Feature >= nFeatures {
		return nil, fmt.Errorf("corrupt tree: feature %d out of range", fn.Feature)
	}
	var err error
	if n.left, err = inflate(nodes, fn.Left, nFeatures); err != nil {
		return nil, err
	}
	if n.right, err = inflate(nodes, fn.Right, nFeatures); err != nil {
		return nil, err
	}
	return n, nil
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}

	snap := snapshot{
		Trees:         make([][]flatNode, len(f.trees)),
		NFeatures:     f.nFeatures,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Threshold:     f.threshold,
		AvgPathLength: f.avgPathLength,
	}
	for i, tree := range f.trees {
		snap.Trees[i], _ = flatten(tree.root, nil)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("encode isolation forest: %w", err)
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("decode isolation forest: %w", err)
	}
	if len(snap.Trees) == 0 || snap.NFeatures <= 0 {
		return fmt.Errorf("decode isolation forest: %w", detectors.ErrEmptyData)
	}

	trees := make([]*iTree, len(snap.Trees))
	for i, nodes := range snap.Trees {
		root, err := inflate(nodes, 0, snap.NFeatures)
		if err != nil {
			return fmt.Errorf("decode isolation forest tree %d: %w", i, err)
		}
		trees[i] = &iTree{root: root}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.trees = trees
	f.nTrees = len(trees)
	f.nFeatures = snap.NFeatures
	f.sampleSize = snap.SampleSize
	f.contamination = snap.Contamination
	f.threshold = snap.Threshold
	f.avgPathLength = snap.AvgPathLength
	f.trained = true

	return nil
}

// Features returns the sample width the model was trained on.
func (f *IsolationForest) Features() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nFeatures
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// SetThreshold updates the anomaly threshold.
func (f *IsolationForest) SetThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = t
}

// percentile calculates the p-th percentile of the data.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}
