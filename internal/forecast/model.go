package forecast

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrInsufficientData = errors.New("insufficient training rows")

// Model is a fitted regressor with the scaler it was trained behind.
type Model struct {
	Target    string
	Method    string
	Regressor Regressor
	Scaler    *Scaler
	// MAE is the cross-validated mean absolute error.
	MAE       float64
	Rows      int
	TrainedAt time.Time
}

func (m *Model) Predict(x []float64) float64 {
	return m.Regressor.Predict(m.Scaler.Transform(x))
}

// CrossValidate splits rows into k contiguous folds and returns the mean
// absolute error over every held-out row. The scaler is refit per fold.
func CrossValidate(newModel func() Regressor, X [][]float64, y []float64, k int) (float64, error) {
	n := len(y)
	if k < 2 || n < 2*k {
		return 0, fmt.Errorf("%w: %d rows for %d folds", ErrInsufficientData, n, k)
	}

	var absErr float64
	for f := 0; f < k; f++ {
		lo, hi := f*n/k, (f+1)*n/k
		trainX := make([][]float64, 0, n-(hi-lo))
		trainY := make([]float64, 0, n-(hi-lo))
		trainX = append(append(trainX, X[:lo]...), X[hi:]...)
		trainY = append(append(trainY, y[:lo]...), y[hi:]...)

		scaler := FitScaler(trainX)
		m := newModel()
		if err := m.Fit(scaler.TransformAll(trainX), trainY); err != nil {
			return 0, err
		}
		for i := lo; i < hi; i++ {
			absErr += math.Abs(m.Predict(scaler.Transform(X[i])) - y[i])
		}
	}
	return absErr / float64(n), nil
}

// SelectModel cross-validates every candidate and refits the one with the
// lowest MAE on all rows.
func SelectModel(target string, ts *TrainingSet, folds int) (*Model, error) {
	var (
		best    Candidate
		bestMAE = math.Inf(1)
	)
	for _, c := range Candidates() {
		mae, err := CrossValidate(c.New, ts.X, ts.Y, folds)
		if err != nil {
			if errors.Is(err, ErrInsufficientData) {
				return nil, err
			}
			log.Printf("forecast: %s candidate %s: %v", target, c.Name, err)
			continue
		}
		if mae < bestMAE {
			best, bestMAE = c, mae
		}
	}
	if best.New == nil {
		return nil, fmt.Errorf("forecast: no candidate fit %s", target)
	}

	scaler := FitScaler(ts.X)
	r := best.New()
	if err := r.Fit(scaler.TransformAll(ts.X), ts.Y); err != nil {
		return nil, fmt.Errorf("forecast: refit %s: %w", best.Name, err)
	}
	return &Model{
		Target:    target,
		Method:    best.Name,
		Regressor: r,
		Scaler:    scaler,
		MAE:       bestMAE,
		Rows:      ts.Len(),
		TrainedAt: time.Now(),
	}, nil
}

// Registry keeps fitted models per (store, target) for the life of the
// process, evicting the least recently used.
type Registry struct {
	cache *lru.Cache[string, *Model]
}

func NewRegistry(size int) (*Registry, error) {
	c, err := lru.New[string, *Model](size)
	if err != nil {
		return nil, fmt.Errorf("model registry: %w", err)
	}
	return &Registry{cache: c}, nil
}

// RegistryKey is "store|target", with "all" for the all-stores scope.
func RegistryKey(storeCode, target string) string {
	if storeCode == "" {
		storeCode = "all"
	}
	return storeCode + "|" + target
}

func (r *Registry) Get(storeCode, target string) (*Model, bool) {
	return r.cache.Get(RegistryKey(storeCode, target))
}

func (r *Registry) Put(storeCode string, m *Model) {
	r.cache.Add(RegistryKey(storeCode, m.Target), m)
}

// Invalidate drops every model for a store.
func (r *Registry) Invalidate(storeCode string) int {
	prefix := RegistryKey(storeCode, "")
	n := 0
	for _, k := range r.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			r.cache.Remove(k)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int { return r.cache.Len() }
