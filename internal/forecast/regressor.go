package forecast

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrEmptyTrainingSet = errors.New("empty training set")
	ErrNotFitted        = errors.New("model not fitted")
)

// Regressor is a point regressor over standardized features.
type Regressor interface {
	Name() string
	Fit(X [][]float64, y []float64) error
	Predict(x []float64) float64
}

// Scaler standardizes columns to zero mean and unit variance. Constant
// columns keep a unit scale.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

func FitScaler(X [][]float64) *Scaler {
	if len(X) == 0 {
		return &Scaler{}
	}
	p := len(X[0])
	s := &Scaler{Mean: make([]float64, p), Scale: make([]float64, p)}
	col := make([]float64, len(X))
	for j := 0; j < p; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Scale[j] = std
	}
	return s
}

func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		if j >= len(s.Mean) {
			out[j] = v
			continue
		}
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}

func (s *Scaler) TransformAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, x := range X {
		out[i] = s.Transform(x)
	}
	return out
}

// Linear is least squares with an L2 penalty. A tiny penalty stands in for
// plain OLS so collinear calendar columns stay solvable.
type Linear struct {
	name      string
	lambda    float64
	intercept float64
	coef      []float64
}

func NewOLS() *Linear { return &Linear{name: "linear", lambda: 1e-6} }

func NewRidge(lambda float64) *Linear {
	return &Linear{name: fmt.Sprintf("ridge_%g", lambda), lambda: lambda}
}

func (l *Linear) Name() string { return l.name }

func (l *Linear) Fit(X [][]float64, y []float64) error {
	n := len(X)
	if n == 0 || len(y) != n {
		return ErrEmptyTrainingSet
	}
	p := len(X[0])

	xMean := make([]float64, p)
	for _, row := range X {
		for j, v := range row {
			xMean[j] += v / float64(n)
		}
	}
	yMean := stat.Mean(y, nil)

	a := mat.NewDense(n, p, nil)
	b := mat.NewVecDense(n, nil)
	for i, row := range X {
		for j, v := range row {
			a.Set(i, j, v-xMean[j])
		}
		b.SetVec(i, y[i]-yMean)
	}

	var xtx mat.Dense
	xtx.Mul(a.T(), a)
	for j := 0; j < p; j++ {
		xtx.Set(j, j, xtx.At(j, j)+l.lambda*float64(n))
	}
	var xty mat.VecDense
	xty.MulVec(a.T(), b)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return fmt.Errorf("%s: solve: %w", l.name, err)
		}
	}

	l.coef = make([]float64, p)
	l.intercept = yMean
	for j := 0; j < p; j++ {
		l.coef[j] = beta.AtVec(j)
		l.intercept -= l.coef[j] * xMean[j]
	}
	return nil
}

func (l *Linear) Predict(x []float64) float64 {
	out := l.intercept
	for j, c := range l.coef {
		if j < len(x) {
			out += c * x[j]
		}
	}
	return out
}

// BoostedStumps is gradient boosting of depth-one trees on squared loss.
type BoostedStumps struct {
	Rounds       int
	LearningRate float64
	MinLeaf      int

	base   float64
	stumps []stump
}

type stump struct {
	feature   int
	threshold float64
	left      float64
	right     float64
}

func NewBoostedStumps() *BoostedStumps {
	return &BoostedStumps{Rounds: 100, LearningRate: 0.1, MinLeaf: 3}
}

func (b *BoostedStumps) Name() string { return "boosted_stumps" }

func (b *BoostedStumps) Fit(X [][]float64, y []float64) error {
	n := len(X)
	if n == 0 || len(y) != n {
		return ErrEmptyTrainingSet
	}
	p := len(X[0])
	minLeaf := max(1, b.MinLeaf)

	order := make([][]int, p)
	for j := range order {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, c int) bool { return X[idx[a]][j] < X[idx[c]][j] })
		order[j] = idx
	}

	b.base = stat.Mean(y, nil)
	b.stumps = b.stumps[:0]
	pred := make([]float64, n)
	for i := range pred {
		pred[i] = b.base
	}
	res := make([]float64, n)

	for round := 0; round < b.Rounds; round++ {
		var total float64
		for i := range res {
			res[i] = y[i] - pred[i]
			total += res[i]
		}

		best := stump{feature: -1}
		bestGain := total * total / float64(n)
		for j := 0; j < p; j++ {
			idx := order[j]
			var sumL float64
			for k := 0; k < n-1; k++ {
				sumL += res[idx[k]]
				lo, hi := X[idx[k]][j], X[idx[k+1]][j]
				if lo == hi {
					continue
				}
				nL, nR := k+1, n-k-1
				if nL < minLeaf || nR < minLeaf {
					continue
				}
				sumR := total - sumL
				gain := sumL*sumL/float64(nL) + sumR*sumR/float64(nR)
				if gain > bestGain+1e-12 {
					bestGain = gain
					best = stump{feature: j, threshold: (lo + hi) / 2, left: sumL / float64(nL), right: sumR / float64(nR)}
				}
			}
		}
		if best.feature < 0 {
			break
		}
		best.left *= b.LearningRate
		best.right *= b.LearningRate
		b.stumps = append(b.stumps, best)
		for i := range pred {
			pred[i] += best.eval(X[i])
		}
	}
	return nil
}

func (s stump) eval(x []float64) float64 {
	if x[s.feature] <= s.threshold {
		return s.left
	}
	return s.right
}

func (b *BoostedStumps) Predict(x []float64) float64 {
	out := b.base
	for _, s := range b.stumps {
		out += s.eval(x)
	}
	return out
}

// Candidate is a named regressor constructor considered by SelectModel.
type Candidate struct {
	Name string
	New  func() Regressor
}

func Candidates() []Candidate {
	return []Candidate{
		{"linear", func() Regressor { return NewOLS() }},
		{"ridge_1", func() Regressor { return NewRidge(1) }},
		{"ridge_10", func() Regressor { return NewRidge(10) }},
		{"boosted_stumps", func() Regressor { return NewBoostedStumps() }},
		{"random_forest", func() Regressor { return NewRandomForest() }},
	}
}
