package forest

import (
	"fmt"
	"math/rand"
	"sort"
)

type tree struct {
	root *node
}

type node struct {
	feature   int
	threshold float64
	left      *node
	right     *node
	class     int // majority class, meaningful at leaves
}

func (n *node) leaf() bool { return n.left == nil && n.right == nil }

func (t *tree) classify(sample []float64) int {
	n := t.root
	for !n.leaf() {
		if sample[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.class
}

// builder grows CART trees over a shared training set.
type builder struct {
	data            [][]float64
	labels          []int
	nFeatures       int
	nClasses        int
	maxDepth        int
	minSamplesSplit int
	maxFeatures     int
	rng             *rand.Rand
}

func (b *builder) counts(idx []int) []int {
	c := make([]int, b.nClasses)
	for _, i := range idx {
		c[b.labels[i]]++
	}
	return c
}

func (b *builder) grow(idx []int, depth int) *node {
	counts := b.counts(idx)
	leaf := &node{class: argmax(counts)}

	if len(idx) < b.minSamplesSplit || pure(counts) {
		return leaf
	}
	if b.maxDepth > 0 && depth >= b.maxDepth {
		return leaf
	}

	feature, threshold, ok := b.bestSplit(idx, counts)
	if !ok {
		return leaf
	}

	var left, right []int
	for _, i := range idx {
		if b.data[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	return &node{
		feature:   feature,
		threshold: threshold,
		left:      b.grow(left, depth+1),
		right:     b.grow(right, depth+1),
		class:     leaf.class,
	}
}

// bestSplit scans a random subset of features for the threshold with the
// lowest weighted Gini impurity. Thresholds are midpoints between distinct
// consecutive values.
func (b *builder) bestSplit(idx []int, parent []int) (int, float64, bool) {
	n := len(idx)
	bestScore := gini(parent, n)
	bestFeature, bestThreshold := -1, 0.0

	order := make([]int, n)
	leftCounts := make([]int, b.nClasses)
	rightCounts := make([]int, b.nClasses)

	for _, feature := range b.rng.Perm(b.nFeatures)[:b.maxFeatures] {
		copy(order, idx)
		sort.Slice(order, func(i, j int) bool {
			return b.data[order[i]][feature] < b.data[order[j]][feature]
		})

		clear(leftCounts)
		copy(rightCounts, parent)

		for pos := 0; pos < n-1; pos++ {
			label := b.labels[order[pos]]
			leftCounts[label]++
			rightCounts[label]--

			cur := b.data[order[pos]][feature]
			next := b.data[order[pos+1]][feature]
			if cur == next {
				continue
			}

			nl, nr := pos+1, n-pos-1
			score := (float64(nl)*gini(leftCounts, nl) + float64(nr)*gini(rightCounts, nr)) / float64(n)
			if score < bestScore {
				bestScore = score
				bestFeature = feature
				bestThreshold = cur + (next-cur)/2
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

func gini(counts []int, total int) float64 {
	if total == 0 {
		return 0
	}
	impurity := 1.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		impurity -= p * p
	}
	return impurity
}

func pure(counts []int) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}

// flatNode is the gob form of a node; children are indices, -1 for none.
type flatNode struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Class     int
}

func flatten(n *node, out []flatNode) ([]flatNode, int) {
	idx := len(out)
	out = append(out, flatNode{Feature: n.feature, Threshold: n.threshold, Left: -1, Right: -1, Class: n.class})
	if n.leaf() {
		return out, idx
	}
	var l, r int
	out, l = flatten(n.left, out)
	out, r = flatten(n.right, out)
	out[idx].Left, out[idx].Right = l, r
	return out, idx
}

func inflate(nodes []flatNode, idx, nFeatures, nClasses int) (*node, error) {
	if idx < 0 || idx >= len(nodes) {
		return nil, fmt.Errorf("corrupt tree: node index %d", idx)
	}
	fn := nodes[idx]
	if fn.Class < 0 || fn.Class >= nClasses {
		return nil, fmt.Errorf("corrupt tree: class %d out of range", fn.Class)
	}
	n := &node{feature: fn.Feature, threshold: fn.Threshold, class: fn.Class}
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
	if n.left, err = inflate(nodes, fn.Left, nFeatures, nClasses); err != nil {
		return nil, err
	}
	if n.right, err = inflate(nodes, fn.Right, nFeatures, nClasses); err != nil {
		return nil, err
	}
	return n, nil
}
