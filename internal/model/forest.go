package model

import (
	"fmt"
	"math"
)

// eulerMascheroni is used in the average path length approximation.
const eulerMascheroni = 0.5772156649

// Tree is one isolation tree in flattened array form. Node i splits on
// Features[i] at Thresholds[i]; Left[i]/Right[i] index child nodes, with -1
// marking a leaf. Sizes[i] is the training sample count that reached node i,
// used for the path length adjustment at leaves.
type Tree struct {
	Features   []int     `json:"features"`
	Thresholds []float64 `json:"thresholds"`
	Left       []int     `json:"left"`
	Right      []int     `json:"right"`
	Sizes      []int     `json:"sizes"`
}

// pathLength walks the tree for a scaled vector and returns the traversal
// depth plus the c(n) adjustment for the terminating leaf.
func (t *Tree) pathLength(scaled []float64) float64 {
	node := 0
	depth := 0.0
	for t.Left[node] >= 0 {
		if scaled[t.Features[node]] <= t.Thresholds[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
		depth++
	}
	return depth + averagePathLength(float64(t.Sizes[node]))
}

// validate checks structural consistency of the flattened arrays.
func (t *Tree) validate() error {
	n := len(t.Left)
	if n == 0 {
		return fmt.Errorf("tree has no nodes")
	}
	if len(t.Right) != n || len(t.Features) != n || len(t.Thresholds) != n || len(t.Sizes) != n {
		return fmt.Errorf("tree arrays have inconsistent lengths")
	}
	for i := 0; i < n; i++ {
		leftLeaf := t.Left[i] < 0
		rightLeaf := t.Right[i] < 0
		if leftLeaf != rightLeaf {
			return fmt.Errorf("node %d has only one child", i)
		}
		if !leftLeaf {
			if t.Left[i] >= n || t.Right[i] >= n {
				return fmt.Errorf("node %d child index out of range", i)
			}
			if t.Features[i] < 0 {
				return fmt.Errorf("node %d split feature out of range", i)
			}
		}
		if t.Sizes[i] < 1 {
			return fmt.Errorf("node %d has size %d", i, t.Sizes[i])
		}
	}
	return nil
}

// IsolationForest evaluates an exported isolation forest. The decision score
// follows the reference convention: negative = anomalous, positive = normal,
// zero at the training contamination boundary.
type IsolationForest struct {
	Trees      []Tree  `json:"trees"`
	MaxSamples int     `json:"maxSamples"`
	Offset     float64 `json:"offset"`
}

// DecisionScore computes the forest decision function for a scaled vector:
// the negated normalized anomaly measure shifted by the fitted offset.
func (f *IsolationForest) DecisionScore(scaled []float64) (float64, error) {
	for i, v := range scaled {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("scaled feature %d is not finite: %v", i, v)
		}
	}

	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(scaled)
	}
	mean := total / float64(len(f.Trees))

	// Anomaly measure in (0,1]: 2^(-E[h(x)] / c(psi)).
	norm := averagePathLength(float64(f.MaxSamples))
	anomaly := math.Exp2(-mean / norm)

	return -anomaly - f.Offset, nil
}

// validate checks the forest shape against the expected feature count.
func (f *IsolationForest) validate(featureCount int) error {
	if len(f.Trees) == 0 {
		return fmt.Errorf("forest has no trees")
	}
	if f.MaxSamples < 2 {
		return fmt.Errorf("maxSamples must be >= 2, got %d", f.MaxSamples)
	}
	if math.IsNaN(f.Offset) || math.IsInf(f.Offset, 0) {
		return fmt.Errorf("offset is not finite: %v", f.Offset)
	}
	for i := range f.Trees {
		if err := f.Trees[i].validate(); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
		for _, feat := range f.Trees[i].Features {
			if feat >= featureCount {
				return fmt.Errorf("tree %d references feature %d, model has %d", i, feat, featureCount)
			}
		}
	}
	return nil
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree built from n samples.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2*(math.Log(n-1)+eulerMascheroni) - 2*(n-1)/n
}
