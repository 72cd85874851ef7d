package correlation

import (
	"errors"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MinPoints is the fewest complete pairs a coefficient is computed from.
const MinPoints = 5

var ErrTooFewPoints = errors.New("too few paired observations")

// Coefficient is a correlation with its two-sided p-value.
type Coefficient struct {
	R      float64
	P      float64
	Points int
}

// completeCases drops every index where either series is NaN.
func completeCases(x, y []float64) ([]float64, []float64) {
	n := min(len(x), len(y))
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) || math.IsInf(x[i], 0) || math.IsInf(y[i], 0) {
			continue
		}
		xs = append(xs, x[i])
		ys = append(ys, y[i])
	}
	return xs, ys
}

// Pearson computes the linear correlation of x and y over complete cases.
// A constant series yields r = 0 and p = 1.
func Pearson(x, y []float64) (Coefficient, error) {
	xs, ys := completeCases(x, y)
	if len(xs) < MinPoints {
		return Coefficient{Points: len(xs)}, ErrTooFewPoints
	}
	r := stat.Correlation(xs, ys, nil)
	return finish(r, len(xs)), nil
}

// Spearman computes the rank correlation of x and y over complete cases.
// Tied values share their average rank.
func Spearman(x, y []float64) (Coefficient, error) {
	xs, ys := completeCases(x, y)
	if len(xs) < MinPoints {
		return Coefficient{Points: len(xs)}, ErrTooFewPoints
	}
	r := stat.Correlation(Ranks(xs), Ranks(ys), nil)
	return finish(r, len(xs)), nil
}

func finish(r float64, n int) Coefficient {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return Coefficient{R: 0, P: 1, Points: n}
	}
	r = math.Max(-1, math.Min(1, r))
	return Coefficient{R: r, P: PValue(r, n), Points: n}
}

// PValue is the two-sided p-value for correlation r over n points, from a
// Student t distribution with n-2 degrees of freedom.
func PValue(r float64, n int) float64 {
	if n < 3 {
		return 1
	}
	if math.Abs(r) >= 1 {
		return 0
	}
	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.Survival(math.Abs(t))
	return math.Max(0, math.Min(1, p))
}

// Ranks returns 1-based ranks of x, averaging ties.
func Ranks(x []float64) []float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })

	ranks := make([]float64, len(x))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && x[idx[j+1]] == x[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// Strength labels.
const (
	VeryStrong = "very_strong"
	Strong     = "strong"
	Moderate   = "moderate"
	Weak       = "weak"
	VeryWeak   = "very_weak"
)

// Classify maps |r| onto a strength band.
func Classify(r float64) string {
	a := math.Abs(r)
	switch {
	case a >= 0.8:
		return VeryStrong
	case a >= 0.6:
		return Strong
	case a >= 0.4:
		return Moderate
	case a >= 0.2:
		return Weak
	}
	return VeryWeak
}

// SignificanceLevel is the p-value below which a correlation is significant.
const SignificanceLevel = 0.05

func IsSignificant(p float64) bool {
	return p < SignificanceLevel
}

// DefaultMaxLag is the longest weather lead, in days, tried by OptimalLag.
const DefaultMaxLag = 7

type Lag struct {
	Days           int
	R              float64
	Points         int
	Interpretation string
}

// OptimalLag pairs weather(t-lag) with business(t) for lag in [0, maxLag] and
// returns the lag with the largest |r|. The first maximum wins ties.
func OptimalLag(weather, business []float64, maxLag int) Lag {
	best := Lag{Interpretation: LagInterpretation(0)}
	bestAbs := -1.0
	n := min(len(weather), len(business))
	for lag := 0; lag <= maxLag && lag < n; lag++ {
		c, err := Pearson(weather[:n-lag], business[lag:n])
		if err != nil {
			continue
		}
		if math.Abs(c.R) > bestAbs {
			bestAbs = math.Abs(c.R)
			best = Lag{Days: lag, R: c.R, Points: c.Points, Interpretation: LagInterpretation(lag)}
		}
	}
	return best
}

func LagInterpretation(days int) string {
	switch days {
	case 0:
		return "same-day"
	case 1:
		return "next-day"
	}
	return strconv.Itoa(days) + " days later"
}
