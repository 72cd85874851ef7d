// Package correlation measures how daily weather factors move with daily
// business metrics and persists the relationships worth reporting.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lox/rentalweather/internal/alignment"
	"github.com/lox/rentalweather/internal/apperr"
	"github.com/lox/rentalweather/internal/metrics"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"
)

// PersistThreshold is the |r| at or above which a result is stored even when
// it is not significant.
const PersistThreshold = 0.2

// Result is one weather factor against one business metric.
type Result struct {
	Factor            string
	Metric            string
	PearsonR          float64
	PValue            float64
	SpearmanR         float64
	SpearmanP         float64
	Strength          string
	IsSignificant     bool
	DataPoints        int
	OptimalLagDays    int
	LagR              float64
	LagInterpretation string
	Insight           string
}

// Matrix indexes results by weather factor, then business metric.
type Matrix map[string]map[string]Result

// Get returns the result for a pair, if it was computed.
func (m Matrix) Get(factor, metric string) (Result, bool) {
	row, ok := m[factor]
	if !ok {
		return Result{}, false
	}
	r, ok := row[metric]
	return r, ok
}

// Results flattens the matrix, strongest |r| first.
func (m Matrix) Results() []Result {
	var out []Result
	for _, row := range m {
		for _, r := range row {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].PearsonR), math.Abs(out[j].PearsonR)
		if ai != aj {
			return ai > aj
		}
		if out[i].Factor != out[j].Factor {
			return out[i].Factor < out[j].Factor
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

type Options struct {
	StoreCode    string
	Segment      models.Segment
	AnalysisDate time.Time
	RunID        string
	// Persist upserts qualifying results when set.
	Persist bool
}

type Engine struct {
	store  *store.Store
	maxLag int
}

// NewEngine returns an engine that persists through s. A nil store disables
// persistence regardless of Options.Persist.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s, maxLag: DefaultMaxLag}
}

func (e *Engine) WithMaxLag(days int) *Engine {
	e.maxLag = days
	return e
}

// Analyze correlates every weather factor with every business metric in ds.
// Pairs with too few complete points are skipped; if nothing could be
// computed the error is degenerate.
func (e *Engine) Analyze(ctx context.Context, ds *alignment.Dataset, opts Options) (Matrix, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, apperr.NoData("correlation", "aligned")
	}
	if opts.AnalysisDate.IsZero() {
		opts.AnalysisDate = time.Now()
	}
	opts.AnalysisDate = models.Day(opts.AnalysisDate)
	if opts.Segment == "" {
		opts.Segment = models.SegmentAll
	}

	metricsCols := make(map[string][]float64, len(alignment.BusinessMetrics))
	for _, name := range alignment.BusinessMetrics {
		col, err := ds.Column(name)
		if err != nil {
			return nil, err
		}
		metricsCols[name] = col
	}

	matrix := make(Matrix)
	computed := 0
	for _, factor := range alignment.WeatherFactors {
		weather, err := ds.Column(factor)
		if err != nil {
			return nil, err
		}
		for _, metric := range alignment.BusinessMetrics {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := Pair(factor, metric, weather, metricsCols[metric], e.maxLag)
			if err != nil {
				if errors.Is(err, ErrTooFewPoints) {
					continue
				}
				return nil, err
			}
			if matrix[factor] == nil {
				matrix[factor] = make(map[string]Result)
			}
			matrix[factor][metric] = res
			computed++
		}
	}
	if computed == 0 {
		return nil, apperr.Degenerate("correlation", fmt.Errorf("%w: %d aligned days", ErrTooFewPoints, ds.Len()))
	}

	if opts.Persist && e.store != nil {
		n, err := e.persist(ctx, matrix, opts)
		if err != nil {
			return matrix, apperr.Upstream("correlation: persist", err)
		}
		log.Printf("correlation: stored %d of %d results for store=%q segment=%s", n, computed, opts.StoreCode, opts.Segment)
	}
	return matrix, nil
}

// Pair computes the full result for one factor/metric pair.
func Pair(factor, metric string, weather, business []float64, maxLag int) (Result, error) {
	p, err := Pearson(weather, business)
	if err != nil {
		return Result{}, err
	}
	s, err := Spearman(weather, business)
	if err != nil {
		return Result{}, err
	}
	lag := OptimalLag(weather, business, maxLag)

	return Result{
		Factor:            factor,
		Metric:            metric,
		PearsonR:          p.R,
		PValue:            p.P,
		SpearmanR:         s.R,
		SpearmanP:         s.P,
		Strength:          Classify(p.R),
		IsSignificant:     IsSignificant(p.P),
		DataPoints:        p.Points,
		OptimalLagDays:    lag.Days,
		LagR:              lag.R,
		LagInterpretation: lag.Interpretation,
		Insight:           Insight(factor, metric, p.R),
	}, nil
}

// Qualifies reports whether a result is worth storing.
func (r Result) Qualifies() bool {
	return r.IsSignificant || math.Abs(r.PearsonR) >= PersistThreshold
}

func (e *Engine) persist(ctx context.Context, matrix Matrix, opts Options) (int, error) {
	n := 0
	for _, r := range matrix.Results() {
		if !r.Qualifies() {
			continue
		}
		err := e.store.UpsertCorrelation(ctx, models.WeatherRentalCorrelation{
			AnalysisDate:   opts.AnalysisDate,
			StoreCode:      opts.StoreCode,
			WeatherFactor:  r.Factor,
			Segment:        opts.Segment,
			BusinessMetric: r.Metric,
			PearsonR:       r.PearsonR,
			PValue:         r.PValue,
			SpearmanR:      r.SpearmanR,
			SpearmanP:      r.SpearmanP,
			Strength:       r.Strength,
			IsSignificant:  r.IsSignificant,
			OptimalLagDays: r.OptimalLagDays,
			DataPoints:     r.DataPoints,
			Insight:        r.Insight,
			RunID:          opts.RunID,
		})
		if err != nil {
			return n, fmt.Errorf("upsert %s/%s: %w", r.Factor, r.Metric, err)
		}
		metrics.CorrelationsPersisted.Inc()
		n++
	}
	return n, nil
}

// Leaders returns up to n results whose best lag is positive and whose lagged
// |r| is at least weak, strongest first. These are weather readings that
// predict business days ahead.
func Leaders(m Matrix, n int) []Result {
	var out []Result
	for _, r := range m.Results() {
		if r.OptimalLagDays > 0 && math.Abs(r.LagR) >= PersistThreshold {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return math.Abs(out[i].LagR) > math.Abs(out[j].LagR) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

var strengthAdverbs = map[string]string{
	VeryStrong: "very strongly",
	Strong:     "strongly",
	Moderate:   "moderately",
	Weak:       "weakly",
	VeryWeak:   "barely",
}

// Insight renders a one-line reading of r, e.g.
// "Precipitation strongly decreases Daily Revenue (r=-0.62)".
func Insight(factor, metric string, r float64) string {
	verb := "increases"
	if r < 0 {
		verb = "decreases"
	}
	return fmt.Sprintf("%s %s %s %s (r=%.2f)", Label(factor), strengthAdverbs[Classify(r)], verb, Label(metric), r)
}

// Label turns a column name like "daily_revenue" into "Daily Revenue".
func Label(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
