// Package forecast turns aligned history and weather forecasts into daily
// revenue and contract forecasts with intervals.
package forecast

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lox/rentalweather/internal/alignment"
	"github.com/lox/rentalweather/internal/apperr"
	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/metrics"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"
)

// MethodHeuristic labels forecasts made without a fitted model.
const MethodHeuristic = "heuristic"

// SeasonalSource supplies month-of-year demand multipliers.
type SeasonalSource interface {
	MonthMultiplier(segment models.Segment, month time.Month) float64
}

// Target is one forecast series: a business metric, optionally restricted
// to a segment.
type Target struct {
	Name    string
	Metric  string
	Segment models.Segment
}

var (
	TargetRevenue   = Target{Name: alignment.MetricRevenue, Metric: alignment.MetricRevenue, Segment: models.SegmentAll}
	TargetContracts = Target{Name: alignment.MetricContracts, Metric: alignment.MetricContracts, Segment: models.SegmentAll}
)

func SegmentTarget(seg models.Segment) Target {
	return Target{Name: "revenue_" + string(seg), Metric: alignment.MetricRevenue, Segment: seg}
}

type Request struct {
	StoreCode string
	// Start is the first forecast day; zero means tomorrow.
	Start    time.Time
	Days     int
	Segments []models.Segment
	Seasonal SeasonalSource
	Retrain  bool
	Persist  bool
	RunID    string
}

type DayForecast struct {
	Date       time.Time
	Segment    models.Segment
	Revenue    float64
	Contracts  float64
	Interval   Interval
	Confidence float64
	Method     string
	Weather    DayWeather
	// FromForecast is false when the day's weather came from climatology.
	FromForecast bool
}

type ModelInfo struct {
	Target string
	Method string
	MAE    float64
	Rows   int
}

type Result struct {
	StoreCode string
	Start     time.Time
	Days      []DayForecast
	Models    map[string]ModelInfo
}

// Totals returns the all-segment rows.
func (r *Result) Totals() []DayForecast {
	var out []DayForecast
	for _, d := range r.Days {
		if d.Segment == models.SegmentAll {
			out = append(out, d)
		}
	}
	return out
}

type Composer struct {
	store             *store.Store
	aligner           *alignment.Aligner
	registry          *Registry
	cfg               config.ForecastConfig
	rules             Rules
	referenceLocation string
	now               func() time.Time

	warnOnce sync.Map
}

func NewComposer(s *store.Store, a *alignment.Aligner, reg *Registry, cfg config.ForecastConfig, referenceLocation string) *Composer {
	return &Composer{
		store:             s,
		aligner:           a,
		registry:          reg,
		cfg:               cfg,
		rules:             RulesFrom(cfg),
		referenceLocation: referenceLocation,
		now:               time.Now,
	}
}

type plannedDay struct {
	date     time.Time
	calendar alignment.Calendar
	weather  DayWeather
	forecast bool
}

type projection struct {
	points   []float64
	mae      float64
	method   string
	hasModel bool
}

func (c *Composer) Compose(ctx context.Context, req Request) (*Result, error) {
	if req.Days <= 0 {
		req.Days = c.cfg.HorizonDays
	}
	if req.Start.IsZero() {
		req.Start = c.now().AddDate(0, 0, 1)
	}
	req.Start = models.Day(req.Start)
	end := req.Start.AddDate(0, 0, req.Days-1)

	history, err := c.aligner.Align(ctx, alignment.Request{
		Start:     req.Start.AddDate(0, 0, -c.cfg.HistoryDays),
		End:       req.Start.AddDate(0, 0, -1),
		StoreCode: req.StoreCode,
	})
	if err != nil {
		return nil, err
	}

	plan, err := c.plan(ctx, req.Start, end, NewClimatology(history))
	if err != nil {
		return nil, err
	}

	res := &Result{StoreCode: req.StoreCode, Start: req.Start, Models: make(map[string]ModelInfo)}
	revenue := c.project(req, TargetRevenue, history, plan, res)
	contracts := c.project(req, TargetContracts, history, plan, res)

	for i, day := range plan {
		rev := c.rules.Revenue(revenue.points[i])
		res.Days = append(res.Days, DayForecast{
			Date:         day.date,
			Segment:      models.SegmentAll,
			Revenue:      rev,
			Contracts:    c.rules.Contracts(rev, contracts.points[i]),
			Interval:     IntervalFor(rev, revenue.mae, revenue.hasModel),
			Confidence:   confidence(revenue, history, alignment.MetricRevenue),
			Method:       revenue.method,
			Weather:      day.weather,
			FromForecast: day.forecast,
		})
	}

	for _, seg := range req.Segments {
		segHistory, err := c.aligner.Align(ctx, alignment.Request{
			Start:     req.Start.AddDate(0, 0, -c.cfg.HistoryDays),
			End:       req.Start.AddDate(0, 0, -1),
			StoreCode: req.StoreCode,
			Segment:   seg,
		})
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNoData {
				log.Printf("forecast: store=%q segment %s has no history, skipping", req.StoreCode, seg)
				continue
			}
			return nil, err
		}
		p := c.project(req, SegmentTarget(seg), segHistory, plan, res)
		for i, day := range plan {
			rev := c.rules.Revenue(p.points[i] * SegmentAdjustment(seg, day.date))
			res.Days = append(res.Days, DayForecast{
				Date:         day.date,
				Segment:      seg,
				Revenue:      rev,
				Contracts:    math.Max(1, math.Round(rev/c.rules.TypicalContract)),
				Interval:     IntervalFor(rev, p.mae, p.hasModel),
				Confidence:   confidence(p, segHistory, alignment.MetricRevenue),
				Method:       p.method,
				Weather:      day.weather,
				FromForecast: day.forecast,
			})
		}
	}

	if req.Persist {
		if err := c.persist(ctx, req, res); err != nil {
			return res, apperr.Upstream("forecast: persist", err)
		}
	}
	return res, nil
}

// plan attaches weather to each forecast day: the stored forecast where one
// exists, otherwise the history's same-month mean.
func (c *Composer) plan(ctx context.Context, start, end time.Time, clim *Climatology) ([]plannedDay, error) {
	rows, err := c.store.DailyWeather(ctx, c.referenceLocation, start, end, true)
	if err != nil {
		return nil, apperr.Upstream("forecast: weather forecast", err)
	}
	byDate := make(map[string]models.WeatherObservation, len(rows))
	for _, w := range rows {
		byDate[w.Date.Format(models.DateLayout)] = w
	}

	var plan []plannedDay
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		p := plannedDay{date: d, calendar: alignment.CalendarFor(d)}
		fallback := clim.For(d.Month())
		if w, ok := byDate[d.Format(models.DateLayout)]; ok {
			p.weather = WeatherFrom(w).Fill(fallback)
			p.forecast = true
		} else {
			p.weather = fallback
		}
		plan = append(plan, p)
	}
	return plan, nil
}

// project predicts one target over the plan with the registered model,
// training one when none is cached, or with the heuristic fallback.
func (c *Composer) project(req Request, t Target, history *alignment.Dataset, plan []plannedDay, res *Result) projection {
	model := c.model(req, t, history)
	if model != nil {
		y, _ := history.Column(t.Metric)
		past := append([]float64(nil), y...)
		p := projection{mae: model.MAE, method: model.Method, hasModel: true}
		for _, day := range plan {
			score := alignment.WeatherScore(t.Segment, day.weather.TempHigh, day.weather.Precipitation, day.weather.WindSpeed)
			v := math.Max(0, model.Predict(Features(day.calendar, past, day.weather, score)))
			p.points = append(p.points, v)
			past = append(past, v)
		}
		res.Models[t.Name] = ModelInfo{Target: t.Name, Method: model.Method, MAE: model.MAE, Rows: model.Rows}
		return p
	}

	p := projection{method: MethodHeuristic}
	h, err := NewHeuristic(history, t.Metric)
	if err != nil {
		log.Printf("forecast: %s heuristic: %v", t.Name, err)
		h = &Heuristic{}
	}
	for _, day := range plan {
		seasonal := 1.0
		if req.Seasonal != nil {
			seasonal = req.Seasonal.MonthMultiplier(t.Segment, day.date.Month())
		}
		p.points = append(p.points, h.Predict(day.date, day.weather, seasonal))
	}
	res.Models[t.Name] = ModelInfo{Target: t.Name, Method: MethodHeuristic, Rows: history.Len()}
	return p
}

func (c *Composer) model(req Request, t Target, history *alignment.Dataset) *Model {
	if !req.Retrain {
		if m, ok := c.registry.Get(req.StoreCode, t.Name); ok {
			return m
		}
	}

	ts, err := BuildTrainingSet(history, t.Metric)
	if err == nil && ts.Len() < c.cfg.MinTrainingRows {
		err = fmt.Errorf("%w: %d rows, need %d", ErrInsufficientData, ts.Len(), c.cfg.MinTrainingRows)
	}
	var m *Model
	if err == nil {
		m, err = SelectModel(t.Name, ts, c.cfg.CVFolds)
	}
	if err != nil {
		key := RegistryKey(req.StoreCode, t.Name)
		if _, warned := c.warnOnce.LoadOrStore(key, true); !warned {
			log.Printf("forecast: %v", apperr.Unavailable("forecast: "+key+" model", err))
		}
		return nil
	}
	c.warnOnce.Delete(RegistryKey(req.StoreCode, t.Name))
	log.Printf("forecast: trained %s for store=%q with %s (cv mae %.2f, %d rows)", t.Name, req.StoreCode, m.Method, m.MAE, m.Rows)
	c.registry.Put(req.StoreCode, m)
	return m
}

// confidence maps relative model error onto [0.5, 0.95]; heuristic
// forecasts get a flat 0.6.
func confidence(p projection, history *alignment.Dataset, metric string) float64 {
	if !p.hasModel {
		return 0.6
	}
	y, err := history.Column(metric)
	if err != nil || len(y) == 0 {
		return 0.6
	}
	var sum float64
	for _, v := range y {
		sum += v
	}
	mean := sum / float64(len(y))
	if mean <= 0 {
		return 0.5
	}
	return math.Max(0.5, math.Min(0.95, 1-p.mae/mean))
}

func (c *Composer) persist(ctx context.Context, req Request, res *Result) error {
	for _, d := range res.Days {
		err := c.store.UpsertForecast(ctx, models.WeatherForecastDemand{
			ForecastDate:     d.Date,
			StoreCode:        req.StoreCode,
			Segment:          d.Segment,
			PredictedRevenue: d.Revenue,
			PredictedUnits:   d.Contracts,
			ConfidenceLevel:  d.Confidence,
			Lower80:          d.Interval.Lower80,
			Upper80:          d.Interval.Upper80,
			Lower95:          d.Interval.Lower95,
			Upper95:          d.Interval.Upper95,
			Method:           d.Method,
			RunID:            req.RunID,
		})
		if err != nil {
			return fmt.Errorf("upsert forecast %s %s: %w", d.Date.Format(models.DateLayout), d.Segment, err)
		}
		metrics.ForecastsPersisted.WithLabelValues(d.Method).Inc()
	}
	log.Printf("forecast: stored %d rows for store=%q", len(res.Days), req.StoreCode)
	return nil
}
