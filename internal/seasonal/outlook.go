package seasonal

import (
	"time"

	"github.com/lox/rentalweather/internal/models"
)

const (
	SuperPeakFactor = 1.4
	PeakFactor      = 1.2
	GrowthFactor    = 1.05

	// HighConfidencePoints is the history count per month that earns HighConfidence.
	HighConfidencePoints = 50
	HighConfidence       = 0.8
	LowConfidence        = 0.6
)

// MonthWeatherFactor is the Minnesota climate adjustment per calendar month.
var MonthWeatherFactor = map[time.Month]float64{
	time.January:   0.7,
	time.February:  0.75,
	time.March:     0.9,
	time.April:     1.05,
	time.May:       1.2,
	time.June:      1.25,
	time.July:      1.3,
	time.August:    1.25,
	time.September: 1.15,
	time.October:   1.0,
	time.November:  0.85,
	time.December:  0.75,
}

type MonthOutlook struct {
	Month         time.Time // first day of the month
	Baseline      float64
	EventFactor   float64
	WeatherFactor float64
	Predicted     float64
	Confidence    float64
	DataPoints    int
	Events        []string
}

// SeedOutlook projects the twelve months following from. Each month starts
// from its historical same-month average (or the global monthly average),
// then takes the strongest active event factor, the climate factor and
// flat growth.
func SeedOutlook(facts []models.TransactionFact, from time.Time, events []Event) []MonthOutlook {
	type bucket struct {
		sum    float64
		years  map[int]struct{}
		points int
	}
	byMonth := make(map[time.Month]*bucket)
	allBuckets := make(map[[2]int]struct{})
	var total float64
	for _, f := range facts {
		m := f.Date.Month()
		b := byMonth[m]
		if b == nil {
			b = &bucket{years: make(map[int]struct{})}
			byMonth[m] = b
		}
		b.sum += f.Revenue
		b.years[f.Date.Year()] = struct{}{}
		b.points++
		total += f.Revenue
		allBuckets[[2]int{f.Date.Year(), int(m)}] = struct{}{}
	}
	var global float64
	if len(allBuckets) > 0 {
		global = total / float64(len(allBuckets))
	}

	start := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	out := make([]MonthOutlook, 0, 12)
	for i := 0; i < 12; i++ {
		month := start.AddDate(0, i, 0)
		o := MonthOutlook{Month: month, Baseline: global, EventFactor: 1, Confidence: LowConfidence}

		if b := byMonth[month.Month()]; b != nil {
			o.Baseline = b.sum / float64(len(b.years))
			o.DataPoints = b.points
			if b.points >= HighConfidencePoints {
				o.Confidence = HighConfidence
			}
		}

		for _, e := range events {
			switch {
			case e.IsSuperPeak(month.Month()):
				o.EventFactor = max(o.EventFactor, SuperPeakFactor)
				o.Events = append(o.Events, e.Name)
			case e.IsPeak(month.Month()):
				o.EventFactor = max(o.EventFactor, PeakFactor)
				o.Events = append(o.Events, e.Name)
			}
		}

		o.WeatherFactor = MonthWeatherFactor[month.Month()]
		o.Predicted = o.Baseline * o.EventFactor * o.WeatherFactor * GrowthFactor
		out = append(out, o)
	}
	return out
}
