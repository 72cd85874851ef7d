package forecast

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/lox/rentalweather/internal/alignment"
	"github.com/lox/rentalweather/internal/models"
)

// FeatureNames orders the columns produced by Features.
var FeatureNames = []string{
	"day_of_week", "month", "is_weekend", "is_holiday",
	"lag_1", "lag_2", "lag_3", "lag_7",
	"rolling_3", "rolling_7", "rolling_14",
	"temperature_high", "temperature_low", "precipitation", "wind_speed", "humidity",
	"weather_score",
}

// MinLagWindow is the history a training row needs before it is used.
const MinLagWindow = 7

// DayWeather is one day's weather in °F, inches and mph. NaN is missing.
type DayWeather struct {
	TempHigh      float64
	TempLow       float64
	Precipitation float64
	WindSpeed     float64
	Humidity      float64
}

func WeatherFrom(w models.WeatherObservation) DayWeather {
	return DayWeather{
		TempHigh:      orNaN(w.TempHigh),
		TempLow:       orNaN(w.TempLow),
		Precipitation: orNaN(w.Precipitation),
		WindSpeed:     orNaN(w.WindSpeed),
		Humidity:      orNaN(w.Humidity),
	}
}

func weatherOfRow(r alignment.Row) DayWeather {
	return DayWeather{
		TempHigh:      r.TempHigh,
		TempLow:       r.TempLow,
		Precipitation: r.Precipitation,
		WindSpeed:     r.WindSpeed,
		Humidity:      r.Humidity,
	}
}

// Fill replaces missing fields with those of fallback.
func (w DayWeather) Fill(fallback DayWeather) DayWeather {
	pick := func(v, f float64) float64 {
		if math.IsNaN(v) {
			return f
		}
		return v
	}
	return DayWeather{
		TempHigh:      pick(w.TempHigh, fallback.TempHigh),
		TempLow:       pick(w.TempLow, fallback.TempLow),
		Precipitation: pick(w.Precipitation, fallback.Precipitation),
		WindSpeed:     pick(w.WindSpeed, fallback.WindSpeed),
		Humidity:      pick(w.Humidity, fallback.Humidity),
	}
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// Typical Twin Cities values, used when history has no weather at all.
var defaultWeather = DayWeather{TempHigh: 55, TempLow: 35, Precipitation: 0.1, WindSpeed: 10, Humidity: 65}

// Climatology holds mean weather per calendar month of a history.
type Climatology struct {
	byMonth map[time.Month]DayWeather
	overall DayWeather
}

func NewClimatology(ds *alignment.Dataset) *Climatology {
	type acc struct{ sum, n [5]float64 }
	add := func(a *acc, w DayWeather) {
		for i, v := range [5]float64{w.TempHigh, w.TempLow, w.Precipitation, w.WindSpeed, w.Humidity} {
			if !math.IsNaN(v) {
				a.sum[i] += v
				a.n[i]++
			}
		}
	}
	mean := func(a *acc) DayWeather {
		var out [5]float64
		for i := range out {
			out[i] = math.NaN()
			if a.n[i] > 0 {
				out[i] = a.sum[i] / a.n[i]
			}
		}
		return DayWeather{out[0], out[1], out[2], out[3], out[4]}
	}

	months := make(map[time.Month]*acc)
	var all acc
	if ds != nil {
		for _, r := range ds.Rows {
			m := r.Date.Month()
			if months[m] == nil {
				months[m] = &acc{}
			}
			w := weatherOfRow(r)
			add(months[m], w)
			add(&all, w)
		}
	}

	c := &Climatology{byMonth: make(map[time.Month]DayWeather, len(months))}
	c.overall = mean(&all).Fill(defaultWeather)
	for m, a := range months {
		c.byMonth[m] = mean(a).Fill(c.overall)
	}
	return c
}

// For returns the month's mean weather, or the overall mean.
func (c *Climatology) For(month time.Month) DayWeather {
	if w, ok := c.byMonth[month]; ok {
		return w
	}
	return c.overall
}

// Features builds one feature row. history holds the target's prior values,
// oldest first.
func Features(cal alignment.Calendar, history []float64, w DayWeather, score float64) []float64 {
	if math.IsNaN(score) {
		score = 0.5
	}
	return []float64{
		float64(cal.DayOfWeek), float64(cal.Month), boolf(cal.IsWeekend), boolf(cal.IsHoliday),
		lag(history, 1), lag(history, 2), lag(history, 3), lag(history, 7),
		rolling(history, 3), rolling(history, 7), rolling(history, 14),
		w.TempHigh, w.TempLow, w.Precipitation, w.WindSpeed, w.Humidity,
		score,
	}
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// lag returns the value k steps back, or the history mean when too short.
func lag(history []float64, k int) float64 {
	if len(history) >= k {
		return history[len(history)-k]
	}
	return rolling(history, len(history))
}

func rolling(history []float64, k int) float64 {
	k = min(k, len(history))
	if k == 0 {
		return 0
	}
	var sum float64
	for _, v := range history[len(history)-k:] {
		sum += v
	}
	return sum / float64(k)
}

// TrainingSet is a feature matrix with its target.
type TrainingSet struct {
	X     [][]float64
	Y     []float64
	Dates []time.Time
}

func (t *TrainingSet) Len() int { return len(t.Y) }

// BuildTrainingSet turns an aligned history into supervised rows for metric.
// Missing weather is filled from the history's own climatology.
func BuildTrainingSet(ds *alignment.Dataset, metric string) (*TrainingSet, error) {
	y, err := ds.Column(metric)
	if err != nil {
		return nil, fmt.Errorf("training set: %w", err)
	}
	clim := NewClimatology(ds)

	ts := &TrainingSet{}
	for i := MinLagWindow; i < len(y); i++ {
		if math.IsNaN(y[i]) {
			continue
		}
		r := ds.Rows[i]
		w := weatherOfRow(r).Fill(clim.For(r.Date.Month()))
		ts.X = append(ts.X, Features(r.Calendar, y[:i], w, r.WeatherScore))
		ts.Y = append(ts.Y, y[i])
		ts.Dates = append(ts.Dates, r.Date)
	}
	return ts, nil
}
