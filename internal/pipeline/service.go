// Package pipeline runs alignment, correlation, seasonal analysis and
// forecasting as one service with cache-through reads.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lox/rentalweather/internal/alignment"
	"github.com/lox/rentalweather/internal/apperr"
	"github.com/lox/rentalweather/internal/cache"
	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/correlation"
	"github.com/lox/rentalweather/internal/forecast"
	"github.com/lox/rentalweather/internal/metrics"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/seasonal"
	"github.com/lox/rentalweather/internal/store"
)

// LeaderCount is how many leading indicators a correlation report carries.
const LeaderCount = 5

type Service struct {
	store    *store.Store
	cache    cache.Cache
	aligner  *alignment.Aligner
	engine   *correlation.Engine
	seasonal *seasonal.Analyzer
	composer *forecast.Composer
	registry *forecast.Registry
	cfg      *config.Config
	now      func() time.Time
}

func New(s *store.Store, c cache.Cache, cfg *config.Config) (*Service, error) {
	reg, err := forecast.NewRegistry(cfg.Forecast.RegistrySize)
	if err != nil {
		return nil, err
	}
	aligner := alignment.NewAligner(s, cfg.ReferenceLocation)
	return &Service{
		store:    s,
		cache:    c,
		aligner:  aligner,
		engine:   correlation.NewEngine(s).WithMaxLag(cfg.Correlation.MaxLagDays),
		seasonal: seasonal.NewAnalyzer(s),
		composer: forecast.NewComposer(s, aligner, reg, cfg.Forecast, cfg.ReferenceLocation),
		registry: reg,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

type CorrelationRequest struct {
	StoreCode string
	Segment   models.Segment
	Start     time.Time
	End       time.Time
	Persist   bool
}

type CorrelationReport struct {
	RunID     string
	StoreCode string
	Segment   models.Segment
	Start     time.Time
	End       time.Time
	Rows      int
	Matrix    correlation.Matrix
	Leaders   []correlation.Result
}

type ForecastRequest struct {
	StoreCode string
	Start     time.Time
	Days      int
	Segments  []models.Segment
	Retrain   bool
	Persist   bool
}

type DailyRequest struct {
	StoreCode string
	AsOf      time.Time
	Persist   bool
}

// DailyReport is one store's full run. Seasonal is nil when there was not
// enough history to profile.
type DailyReport struct {
	RunID        string
	StoreCode    string
	Correlations *CorrelationReport
	Seasonal     *seasonal.Report
	Forecast     *forecast.Result
}

func scope(code string) string {
	if code == "" {
		return "all"
	}
	return code
}

func day(t time.Time) string { return t.Format(models.DateLayout) }

func observe(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (s *Service) window(start, end time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = s.now().AddDate(0, 0, -1)
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -s.cfg.Schedule.AnalysisDays)
	}
	return models.Day(start), models.Day(end)
}

// cached runs compute on a miss and stores its result. With fresh set the
// read is skipped so compute always runs, and its result replaces the entry;
// requests with side effects use this. Cache failures are logged and never
// fail the request.
func cached[T any](ctx context.Context, c cache.Cache, key string, ttl time.Duration, fresh bool, compute func() (T, error)) (T, error) {
	var out T
	if c != nil && !fresh {
		ok, err := cache.GetJSON(ctx, c, key, &out)
		if err != nil {
			log.Printf("pipeline: cache get %s: %v", key, err)
		} else if ok {
			return out, nil
		}
	}
	out, err := compute()
	if err != nil {
		return out, err
	}
	if c != nil {
		if err := cache.SetJSON(ctx, c, key, out, ttl); err != nil {
			log.Printf("pipeline: cache set %s: %v", key, err)
		}
	}
	return out, nil
}

// Correlations aligns the window and correlates every weather factor with
// every business metric.
func (s *Service) Correlations(ctx context.Context, req CorrelationRequest) (*CorrelationReport, error) {
	req.Start, req.End = s.window(req.Start, req.End)
	seg := req.Segment
	if seg == "" {
		seg = models.SegmentAll
	}
	key := cache.Key("correlations", scope(req.StoreCode), string(seg), day(req.Start), day(req.End))
	return cached(ctx, s.cache, key, s.cfg.Cache.CorrelationTTL, req.Persist, func() (*CorrelationReport, error) {
		return s.correlate(ctx, req, uuid.NewString())
	})
}

func (s *Service) correlate(ctx context.Context, req CorrelationRequest, runID string) (*CorrelationReport, error) {
	segment := req.Segment
	if segment == models.SegmentAll {
		segment = ""
	}

	start := time.Now()
	ds, err := s.aligner.Align(ctx, alignment.Request{Start: req.Start, End: req.End, StoreCode: req.StoreCode, Segment: segment})
	observe("align", start)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	m, err := s.engine.Analyze(ctx, ds, correlation.Options{
		StoreCode:    req.StoreCode,
		Segment:      req.Segment,
		AnalysisDate: req.End,
		RunID:        runID,
		Persist:      req.Persist,
	})
	observe("correlate", start)
	if err != nil {
		return nil, err
	}
	return &CorrelationReport{
		RunID:     runID,
		StoreCode: req.StoreCode,
		Segment:   req.Segment,
		Start:     req.Start,
		End:       req.End,
		Rows:      ds.Len(),
		Matrix:    m,
		Leaders:   correlation.Leaders(m, LeaderCount),
	}, nil
}

// Seasonal profiles month-of-year demand over the request window, two years
// by default.
func (s *Service) Seasonal(ctx context.Context, req seasonal.Request) (*seasonal.Report, error) {
	if req.End.IsZero() {
		req.End = s.now()
	}
	if req.Start.IsZero() {
		req.Start = req.End.AddDate(-2, 0, 0)
	}
	req.Start, req.End = models.Day(req.Start), models.Day(req.End)
	key := cache.Key("seasonal", scope(req.StoreCode), day(req.Start), day(req.End))
	return cached(ctx, s.cache, key, s.cfg.Cache.SeasonalTTL, req.Persist, func() (*seasonal.Report, error) {
		start := time.Now()
		defer observe("seasonal", start)
		return s.seasonal.Run(ctx, req)
	})
}

// seasonalSource returns the report to weight heuristic forecasts by, or nil
// when the store has too little history to profile.
func (s *Service) seasonalSource(ctx context.Context, storeCode string, asOf time.Time) *seasonal.Report {
	r, err := s.Seasonal(ctx, seasonal.Request{StoreCode: storeCode, End: asOf})
	if err != nil {
		log.Printf("pipeline: seasonal profile for store=%q unavailable: %v", storeCode, err)
		return nil
	}
	return r
}

func segmentKey(segs []models.Segment) string {
	if len(segs) == 0 {
		return "none"
	}
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// Forecast projects revenue and contracts for the request horizon.
func (s *Service) Forecast(ctx context.Context, req ForecastRequest) (*forecast.Result, error) {
	if req.Days <= 0 {
		req.Days = s.cfg.Forecast.HorizonDays
	}
	if req.Start.IsZero() {
		req.Start = s.now().AddDate(0, 0, 1)
	}
	req.Start = models.Day(req.Start)
	key := cache.Key("forecast", scope(req.StoreCode), day(req.Start), strconv.Itoa(req.Days), segmentKey(req.Segments))

	return cached(ctx, s.cache, key, s.cfg.Cache.ForecastTTL, req.Retrain || req.Persist, func() (*forecast.Result, error) {
		return s.compose(ctx, req, s.seasonalSource(ctx, req.StoreCode, req.Start.AddDate(0, 0, -1)), uuid.NewString())
	})
}

func (s *Service) compose(ctx context.Context, req ForecastRequest, src *seasonal.Report, runID string) (*forecast.Result, error) {
	start := time.Now()
	defer observe("forecast", start)

	freq := forecast.Request{
		StoreCode: req.StoreCode,
		Start:     req.Start,
		Days:      req.Days,
		Segments:  req.Segments,
		Retrain:   req.Retrain,
		Persist:   req.Persist,
		RunID:     runID,
	}
	// A nil *seasonal.Report must not become a non-nil interface.
	if src != nil {
		freq.Seasonal = src
	}
	return s.composer.Compose(ctx, freq)
}

// RunDaily correlates and profiles the store in parallel, then forecasts
// from the seasonal profile. A store too new to profile still forecasts.
func (s *Service) RunDaily(ctx context.Context, req DailyRequest) (*DailyReport, error) {
	if req.AsOf.IsZero() {
		req.AsOf = s.now()
	}
	asOf := models.Day(req.AsOf)
	runID := uuid.NewString()
	report := &DailyReport{RunID: runID, StoreCode: req.StoreCode}
	began := time.Now()
	defer observe("daily", began)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start, end := s.window(time.Time{}, asOf.AddDate(0, 0, -1))
		r, err := s.correlate(gctx, CorrelationRequest{StoreCode: req.StoreCode, Start: start, End: end, Persist: req.Persist}, runID)
		if err != nil {
			return fmt.Errorf("correlations: %w", err)
		}
		report.Correlations = r
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		// mn_seasonal_patterns holds only the company-wide profile.
		r, err := s.seasonal.Run(gctx, seasonal.Request{
			StoreCode: req.StoreCode,
			Start:     asOf.AddDate(-2, 0, 0),
			End:       asOf,
			Persist:   req.Persist && req.StoreCode == "",
		})
		observe("seasonal", start)
		if err != nil {
			switch apperr.KindOf(err) {
			case apperr.KindNoData, apperr.KindDegenerate:
				log.Printf("pipeline: store=%q seasonal skipped: %v", req.StoreCode, err)
				return nil
			}
			return fmt.Errorf("seasonal: %w", err)
		}
		report.Seasonal = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return report, err
	}

	res, err := s.compose(ctx, ForecastRequest{
		StoreCode: req.StoreCode,
		Start:     asOf.AddDate(0, 0, 1),
		Days:      s.cfg.Forecast.HorizonDays,
		Segments:  models.BusinessSegments,
		Persist:   req.Persist,
	}, report.Seasonal, runID)
	if err != nil {
		return report, fmt.Errorf("forecast: %w", err)
	}
	report.Forecast = res

	log.Printf("pipeline: run %s store=%q: %d correlations, %d forecast rows", runID, req.StoreCode, len(report.Correlations.Matrix.Results()), len(res.Days))
	return report, nil
}

// Invalidate drops cached results and fitted models covering storeCode,
// including the all-stores scope that aggregates it.
func (s *Service) Invalidate(ctx context.Context, storeCode string) (int, error) {
	n := s.registry.Invalidate(storeCode) + s.registry.Invalidate("")
	if s.cache == nil {
		return n, nil
	}
	var patterns []string
	for _, sc := range []string{scope(storeCode), "all"} {
		for _, kind := range []string{"correlations", "seasonal", "forecast"} {
			patterns = append(patterns, cache.Key(kind, sc, "*"))
		}
	}
	deleted, err := s.cache.DeleteMany(ctx, patterns...)
	if err != nil {
		return n, fmt.Errorf("pipeline: invalidate %s: %w", scope(storeCode), err)
	}
	log.Printf("pipeline: invalidated %d cached results and %d models for store=%q", deleted, n, storeCode)
	return n + deleted, nil
}

// Registry exposes the model registry for reporting.
func (s *Service) Registry() *forecast.Registry { return s.registry }
