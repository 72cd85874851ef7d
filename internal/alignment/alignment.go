// Package alignment joins daily POS aggregates with same-day weather at a
// reference location into one row per calendar day.
package alignment

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/lox/rentalweather/internal/apperr"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"
)

// Weather factor and business metric column names.
const (
	FactorTempHigh     = "temperature_high"
	FactorTempLow      = "temperature_low"
	FactorTempAvg      = "temperature_avg"
	FactorPrecip       = "precipitation"
	FactorWind         = "wind_speed"
	FactorHumidity     = "humidity"
	FactorTempRange    = "temperature_range"
	FactorWeatherScore = "weather_score"

	MetricRevenue   = "daily_revenue"
	MetricContracts = "daily_contracts"
	MetricItems     = "daily_items"
)

var (
	WeatherFactors  = []string{FactorTempHigh, FactorTempLow, FactorTempAvg, FactorPrecip, FactorWind, FactorHumidity, FactorTempRange, FactorWeatherScore}
	BusinessMetrics = []string{MetricRevenue, MetricContracts, MetricItems}
)

type Request struct {
	Start     time.Time
	End       time.Time
	StoreCode string         // empty for all stores
	Segment   models.Segment // empty for all equipment
}

func (r Request) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("alignment: start and end are required")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("alignment: end %s before start %s", r.End.Format(models.DateLayout), r.Start.Format(models.DateLayout))
	}
	return nil
}

// Row is one aligned day. Weather values are NaN when missing.
type Row struct {
	Date      time.Time
	Revenue   float64
	Contracts float64
	Items     float64

	TempHigh      float64
	TempLow       float64
	TempAvg       float64
	Precipitation float64
	WindSpeed     float64
	Humidity      float64
	TempRange     float64
	IsRainy       bool
	IsWindy       bool
	WeatherScore  float64

	Calendar
}

type Dataset struct {
	Request Request
	Rows    []Row
}

func (d *Dataset) Len() int { return len(d.Rows) }

// Column returns a named weather factor or business metric as a float series.
func (d *Dataset) Column(name string) ([]float64, error) {
	get, ok := columnGetters[name]
	if !ok {
		return nil, fmt.Errorf("alignment: unknown column %q", name)
	}
	out := make([]float64, len(d.Rows))
	for i := range d.Rows {
		out[i] = get(&d.Rows[i])
	}
	return out, nil
}

var columnGetters = map[string]func(*Row) float64{
	FactorTempHigh:     func(r *Row) float64 { return r.TempHigh },
	FactorTempLow:      func(r *Row) float64 { return r.TempLow },
	FactorTempAvg:      func(r *Row) float64 { return r.TempAvg },
	FactorPrecip:       func(r *Row) float64 { return r.Precipitation },
	FactorWind:         func(r *Row) float64 { return r.WindSpeed },
	FactorHumidity:     func(r *Row) float64 { return r.Humidity },
	FactorTempRange:    func(r *Row) float64 { return r.TempRange },
	FactorWeatherScore: func(r *Row) float64 { return r.WeatherScore },
	MetricRevenue:      func(r *Row) float64 { return r.Revenue },
	MetricContracts:    func(r *Row) float64 { return r.Contracts },
	MetricItems:        func(r *Row) float64 { return r.Items },
}

type Aligner struct {
	store             *store.Store
	referenceLocation string
}

func NewAligner(s *store.Store, referenceLocation string) *Aligner {
	return &Aligner{store: s, referenceLocation: referenceLocation}
}

func (a *Aligner) Align(ctx context.Context, req Request) (*Dataset, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	business, err := a.store.DailyBusiness(ctx, req.Start, req.End, req.StoreCode, req.Segment)
	if err != nil {
		return nil, apperr.Upstream("alignment: business query", err)
	}
	if len(business) == 0 {
		return nil, apperr.NoData("alignment", "business")
	}

	weather, err := a.store.DailyWeather(ctx, a.referenceLocation, req.Start, req.End, false)
	if err != nil {
		return nil, apperr.Upstream("alignment: weather query", err)
	}
	if len(weather) == 0 {
		return nil, apperr.NoData("alignment", "weather")
	}

	ds := Join(business, weather, req.Segment)
	if ds.Len() == 0 {
		return nil, apperr.NoData("alignment", "overlapping business and weather")
	}
	ds.Request = req
	return ds, nil
}

// Join inner-joins business days to weather rows on date, interpolates
// missing weather across the joined series and adds derived columns.
// Both inputs must be ordered by date.
func Join(business []models.BusinessDay, weather []models.WeatherObservation, segment models.Segment) *Dataset {
	byDate := make(map[string]models.WeatherObservation, len(weather))
	for _, w := range weather {
		byDate[w.Date.Format(models.DateLayout)] = w
	}

	ds := &Dataset{}
	for _, b := range business {
		w, ok := byDate[b.Date.Format(models.DateLayout)]
		if !ok {
			continue
		}
		ds.Rows = append(ds.Rows, Row{
			Date:          b.Date,
			Revenue:       b.Revenue,
			Contracts:     float64(b.Contracts),
			Items:         float64(b.Items),
			TempHigh:      orNaN(w.TempHigh),
			TempLow:       orNaN(w.TempLow),
			TempAvg:       orNaN(w.TempAvg),
			Precipitation: orNaN(w.Precipitation),
			WindSpeed:     orNaN(w.WindSpeed),
			Humidity:      orNaN(w.Humidity),
		})
	}

	interpolateColumn(ds.Rows, func(r *Row) *float64 { return &r.TempHigh })
	interpolateColumn(ds.Rows, func(r *Row) *float64 { return &r.TempLow })
	interpolateColumn(ds.Rows, func(r *Row) *float64 { return &r.TempAvg })
	interpolateColumn(ds.Rows, func(r *Row) *float64 { return &r.Precipitation })
	interpolateColumn(ds.Rows, func(r *Row) *float64 { return &r.WindSpeed })
	interpolateColumn(ds.Rows, func(r *Row) *float64 { return &r.Humidity })

	for i := range ds.Rows {
		r := &ds.Rows[i]
		if math.IsNaN(r.TempAvg) && !math.IsNaN(r.TempHigh) && !math.IsNaN(r.TempLow) {
			r.TempAvg = (r.TempHigh + r.TempLow) / 2
		}
		r.TempRange = r.TempHigh - r.TempLow
		r.IsRainy = r.Precipitation >= RainThreshold
		r.IsWindy = r.WindSpeed >= WindThreshold
		r.WeatherScore = WeatherScore(segment, r.TempHigh, r.Precipitation, r.WindSpeed)
		r.Calendar = CalendarFor(r.Date)
	}
	return ds
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func interpolateColumn(rows []Row, field func(*Row) *float64) {
	values := make([]float64, len(rows))
	for i := range rows {
		values[i] = *field(&rows[i])
	}
	filled := Interpolate(values)
	for i := range rows {
		*field(&rows[i]) = filled[i]
	}
}

// Interpolate fills NaN gaps linearly between known neighbours. Trailing gaps
// carry the last known value forward; leading gaps stay NaN.
func Interpolate(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)

	last := -1
	for i, v := range out {
		if math.IsNaN(v) {
			continue
		}
		if last >= 0 && i-last > 1 {
			step := (v - out[last]) / float64(i-last)
			for j := last + 1; j < i; j++ {
				out[j] = out[last] + step*float64(j-last)
			}
		}
		last = i
	}
	if last >= 0 {
		for j := last + 1; j < len(out); j++ {
			out[j] = out[last]
		}
	}
	return out
}
