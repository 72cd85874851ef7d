package forecast

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/rentalweather/internal/alignment"
	"github.com/lox/rentalweather/internal/correlation"
)

// heuristicFactors are the weather columns the fallback adjusts for.
var heuristicFactors = []string{
	alignment.FactorTempHigh,
	alignment.FactorPrecip,
	alignment.FactorWind,
}

// weatherSensitivity converts one standard deviation of weather times r into
// a fractional demand change.
const weatherSensitivity = 0.1

type factorStat struct {
	r, mean, std float64
}

// Heuristic forecasts from same-weekday means, a seasonal month multiplier
// and correlation-weighted weather anomalies.
type Heuristic struct {
	weekday [7]float64
	overall float64
	factors map[string]factorStat
}

func NewHeuristic(ds *alignment.Dataset, metric string) (*Heuristic, error) {
	y, err := ds.Column(metric)
	if err != nil {
		return nil, err
	}
	h := &Heuristic{factors: make(map[string]factorStat)}

	var sums, counts [7]float64
	var total, n float64
	for i, r := range ds.Rows {
		if math.IsNaN(y[i]) {
			continue
		}
		sums[r.DayOfWeek] += y[i]
		counts[r.DayOfWeek]++
		total += y[i]
		n++
	}
	if n > 0 {
		h.overall = total / n
	}
	for d := range h.weekday {
		h.weekday[d] = h.overall
		if counts[d] > 0 {
			h.weekday[d] = sums[d] / counts[d]
		}
	}

	for _, f := range heuristicFactors {
		x, err := ds.Column(f)
		if err != nil {
			return nil, err
		}
		c, err := correlation.Pearson(x, y)
		if err != nil {
			continue
		}
		clean := make([]float64, 0, len(x))
		for _, v := range x {
			if !math.IsNaN(v) {
				clean = append(clean, v)
			}
		}
		mean, std := stat.MeanStdDev(clean, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		h.factors[f] = factorStat{r: c.R, mean: mean, std: std}
	}
	return h, nil
}

// WeatherAdjustment is 1 plus the r-weighted z-scores of the day's weather,
// bounded to [0.5, 1.5].
func (h *Heuristic) WeatherAdjustment(w DayWeather) float64 {
	values := map[string]float64{
		alignment.FactorTempHigh: w.TempHigh,
		alignment.FactorPrecip:   w.Precipitation,
		alignment.FactorWind:     w.WindSpeed,
	}
	adj := 1.0
	for f, s := range h.factors {
		v := values[f]
		if math.IsNaN(v) {
			continue
		}
		adj += weatherSensitivity * s.r * (v - s.mean) / s.std
	}
	return math.Max(0.5, math.Min(1.5, adj))
}

func (h *Heuristic) Predict(day time.Time, w DayWeather, seasonal float64) float64 {
	if seasonal <= 0 || math.IsNaN(seasonal) {
		seasonal = 1
	}
	return h.weekday[day.Weekday()] * seasonal * h.WeatherAdjustment(w)
}
