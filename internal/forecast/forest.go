package forecast

import (
	"math/rand"
	"sort"
)

// RandomForest averages regression trees grown on bootstrap samples, each
// split choosing among a random subset of features. A fixed seed keeps
// cross-validation scores reproducible.
type RandomForest struct {
	Trees    int
	MaxDepth int
	MinLeaf  int
	// MaxFeatures is the number of features tried per split; zero means a
	// third of them.
	MaxFeatures int
	Seed        int64

	trees []regressionTree
}

func NewRandomForest() *RandomForest {
	return &RandomForest{Trees: 50, MaxDepth: 8, MinLeaf: 2, Seed: 1}
}

func (f *RandomForest) Name() string { return "random_forest" }

func (f *RandomForest) Fit(X [][]float64, y []float64) error {
	n := len(X)
	if n == 0 || len(y) != n {
		return ErrEmptyTrainingSet
	}
	p := len(X[0])
	mtry := f.MaxFeatures
	if mtry <= 0 || mtry > p {
		mtry = max(1, p/3)
	}
	g := &treeGrower{
		X:        X,
		y:        y,
		rng:      rand.New(rand.NewSource(f.Seed)),
		maxDepth: max(1, f.MaxDepth),
		minLeaf:  max(1, f.MinLeaf),
		mtry:     mtry,
	}

	f.trees = f.trees[:0]
	for t := 0; t < max(1, f.Trees); t++ {
		sample := make([]int, n)
		for i := range sample {
			sample[i] = g.rng.Intn(n)
		}
		var tree regressionTree
		g.grow(&tree, sample, 0)
		f.trees = append(f.trees, tree)
	}
	return nil
}

func (f *RandomForest) Predict(x []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	var sum float64
	for _, t := range f.trees {
		sum += t.eval(x)
	}
	return sum / float64(len(f.trees))
}

// regressionTree stores nodes flat; the root is nodes[0]. Leaves have
// feature -1.
type regressionTree struct {
	nodes []treeNode
}

type treeNode struct {
	feature     int
	threshold   float64
	value       float64
	left, right int
}

func (t regressionTree) eval(x []float64) float64 {
	i := 0
	for {
		nd := t.nodes[i]
		if nd.feature < 0 {
			return nd.value
		}
		if x[nd.feature] <= nd.threshold {
			i = nd.left
		} else {
			i = nd.right
		}
	}
}

type treeGrower struct {
	X        [][]float64
	y        []float64
	rng      *rand.Rand
	maxDepth int
	minLeaf  int
	mtry     int
}

type split struct {
	feature   int
	threshold float64
	gain      float64
}

// grow appends the subtree for rows to t and returns its node index.
func (g *treeGrower) grow(t *regressionTree, rows []int, depth int) int {
	var total float64
	for _, r := range rows {
		total += g.y[r]
	}
	at := len(t.nodes)
	t.nodes = append(t.nodes, treeNode{feature: -1, value: total / float64(len(rows))})
	if depth >= g.maxDepth || len(rows) < 2*g.minLeaf {
		return at
	}

	best, ok := g.bestSplit(rows, total)
	if !ok {
		return at
	}
	var left, right []int
	for _, r := range rows {
		if g.X[r][best.feature] <= best.threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := g.grow(t, left, depth+1)
	rt := g.grow(t, right, depth+1)
	t.nodes[at] = treeNode{feature: best.feature, threshold: best.threshold, left: l, right: rt}
	return at
}

// bestSplit scans a random subset of features, then the rest if none of the
// subset separates the rows.
func (g *treeGrower) bestSplit(rows []int, total float64) (split, bool) {
	features := g.rng.Perm(len(g.X[0]))
	best := split{feature: -1, gain: total * total / float64(len(rows))}
	sorted := make([]int, len(rows))
	for k, j := range features {
		if k >= g.mtry && best.feature >= 0 {
			break
		}
		copy(sorted, rows)
		sort.Slice(sorted, func(a, b int) bool { return g.X[sorted[a]][j] < g.X[sorted[b]][j] })

		var sumL float64
		n := len(sorted)
		for i := 0; i < n-1; i++ {
			sumL += g.y[sorted[i]]
			lo, hi := g.X[sorted[i]][j], g.X[sorted[i+1]][j]
			if lo == hi {
				continue
			}
			nL, nR := i+1, n-i-1
			if nL < g.minLeaf || nR < g.minLeaf {
				continue
			}
			sumR := total - sumL
			gain := sumL*sumL/float64(nL) + sumR*sumR/float64(nR)
			if gain > best.gain+1e-9 {
				best = split{feature: j, threshold: (lo + hi) / 2, gain: gain}
			}
		}
	}
	return best, best.feature >= 0
}
