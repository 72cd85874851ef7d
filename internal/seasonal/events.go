package seasonal

import (
	"slices"
	"time"

	"github.com/lox/rentalweather/internal/models"
)

// Event is a named Minnesota demand driver with fixed peak months.
type Event struct {
	Name            string
	PeakMonths      []time.Month
	SuperPeakMonths []time.Month
	// Focus is the segment the event drives, or SegmentMixed for all equipment.
	Focus              models.Segment
	LeadTimeDays       int
	WeatherSensitivity float64
	DemandMultiplier   float64
}

func (e Event) IsPeak(m time.Month) bool      { return slices.Contains(e.PeakMonths, m) }
func (e Event) IsSuperPeak(m time.Month) bool { return slices.Contains(e.SuperPeakMonths, m) }

// Matches reports whether a fact falls in the event's peak months and focus.
func (e Event) Matches(f models.TransactionFact) bool {
	if !e.IsPeak(f.Date.Month()) {
		return false
	}
	return e.Focus == models.SegmentMixed || f.Segment == e.Focus
}

var (
	jan, feb, mar, apr = time.January, time.February, time.March, time.April
	may, jun, jul, aug = time.May, time.June, time.July, time.August
	sep, oct, nov, dec = time.September, time.October, time.November, time.December
)

// Events is the catalog of named events.
var Events = []Event{
	{
		Name: "wedding_season", PeakMonths: []time.Month{may, jun, jul, aug, sep}, SuperPeakMonths: []time.Month{jun, aug, sep},
		Focus: models.SegmentPartyEvent, LeadTimeDays: 60, WeatherSensitivity: 0.8, DemandMultiplier: 1.5,
	},
	{
		Name: "graduation_season", PeakMonths: []time.Month{may, jun}, SuperPeakMonths: []time.Month{jun},
		Focus: models.SegmentPartyEvent, LeadTimeDays: 30, WeatherSensitivity: 0.7, DemandMultiplier: 1.4,
	},
	{
		Name: "construction_rush", PeakMonths: []time.Month{apr, may, jun, jul, aug, sep, oct}, SuperPeakMonths: []time.Month{may, jun, jul},
		Focus: models.SegmentConstructionDIY, LeadTimeDays: 14, WeatherSensitivity: 0.6, DemandMultiplier: 1.3,
	},
	{
		Name: "spring_landscaping", PeakMonths: []time.Month{apr, may}, SuperPeakMonths: []time.Month{may},
		Focus: models.SegmentLandscaping, LeadTimeDays: 7, WeatherSensitivity: 0.7, DemandMultiplier: 1.4,
	},
	{
		Name: "fall_cleanup", PeakMonths: []time.Month{sep, oct, nov}, SuperPeakMonths: []time.Month{oct},
		Focus: models.SegmentLandscaping, LeadTimeDays: 7, WeatherSensitivity: 0.6, DemandMultiplier: 1.25,
	},
	{
		Name: "summer_festivals", PeakMonths: []time.Month{jun, jul, aug}, SuperPeakMonths: []time.Month{jul},
		Focus: models.SegmentPartyEvent, LeadTimeDays: 45, WeatherSensitivity: 0.9, DemandMultiplier: 1.35,
	},
	{
		Name: "fourth_of_july", PeakMonths: []time.Month{jul}, SuperPeakMonths: []time.Month{jul},
		Focus: models.SegmentPartyEvent, LeadTimeDays: 30, WeatherSensitivity: 0.85, DemandMultiplier: 1.6,
	},
	{
		Name: "state_fair", PeakMonths: []time.Month{aug, sep}, SuperPeakMonths: []time.Month{aug},
		Focus: models.SegmentMixed, LeadTimeDays: 30, WeatherSensitivity: 0.7, DemandMultiplier: 1.3,
	},
	{
		Name: "holiday_parties", PeakMonths: []time.Month{nov, dec}, SuperPeakMonths: []time.Month{dec},
		Focus: models.SegmentPartyEvent, LeadTimeDays: 30, WeatherSensitivity: 0.3, DemandMultiplier: 1.25,
	},
	{
		Name: "corporate_events", PeakMonths: []time.Month{may, jun, sep, oct}, SuperPeakMonths: []time.Month{jun, sep},
		Focus: models.SegmentPartyEvent, LeadTimeDays: 45, WeatherSensitivity: 0.5, DemandMultiplier: 1.2,
	},
	{
		Name: "home_improvement", PeakMonths: []time.Month{apr, may, jun, sep}, SuperPeakMonths: []time.Month{may},
		Focus: models.SegmentConstructionDIY, LeadTimeDays: 7, WeatherSensitivity: 0.5, DemandMultiplier: 1.2,
	},
	{
		Name: "winter_events", PeakMonths: []time.Month{dec, jan, feb}, SuperPeakMonths: []time.Month{jan},
		Focus: models.SegmentMixed, LeadTimeDays: 21, WeatherSensitivity: 0.4, DemandMultiplier: 1.1,
	},
}

func EventByName(name string) (Event, bool) {
	for _, e := range Events {
		if e.Name == name {
			return e, true
		}
	}
	return Event{}, false
}

// EventAnalysis summarizes an event's share of history.
type EventAnalysis struct {
	Event        Event
	TotalRevenue float64
	Contracts    int
	// YoYGrowthPct compares the latest year with the prior one. HasYoY is
	// false when either year has no revenue.
	YoYGrowthPct          float64
	HasYoY                bool
	WeatherDependentRatio float64
	// ObservedMultiplier is mean peak-month revenue over mean monthly revenue
	// for the event's focus. Zero without history.
	ObservedMultiplier float64
}

// AnalyzeEvent filters facts to the event's peak months and focus.
func AnalyzeEvent(e Event, facts []models.TransactionFact) EventAnalysis {
	a := EventAnalysis{Event: e}

	contracts := make(map[string]struct{})
	byYear := make(map[int]float64)
	var weatherDependent float64
	for _, f := range facts {
		if !e.Matches(f) {
			continue
		}
		a.TotalRevenue += f.Revenue
		contracts[f.ContractNo] = struct{}{}
		byYear[f.Date.Year()] += f.Revenue
		if f.WeatherDependent {
			weatherDependent += f.Revenue
		}
	}
	a.Contracts = len(contracts)
	if a.TotalRevenue > 0 {
		a.WeatherDependentRatio = weatherDependent / a.TotalRevenue
	}

	latest := 0
	for y := range byYear {
		latest = max(latest, y)
	}
	if prior, ok := byYear[latest-1]; ok && prior > 0 {
		a.YoYGrowthPct = (byYear[latest] - prior) / prior * 100
		a.HasYoY = true
	}

	// Per (year, month) buckets for the focus, inside and outside peak.
	var peakSum, allSum float64
	peakBuckets := make(map[[2]int]struct{})
	allBuckets := make(map[[2]int]struct{})
	for _, f := range facts {
		if e.Focus != models.SegmentMixed && f.Segment != e.Focus {
			continue
		}
		key := [2]int{f.Date.Year(), int(f.Date.Month())}
		allSum += f.Revenue
		allBuckets[key] = struct{}{}
		if e.IsPeak(f.Date.Month()) {
			peakSum += f.Revenue
			peakBuckets[key] = struct{}{}
		}
	}
	if len(peakBuckets) > 0 && allSum > 0 {
		a.ObservedMultiplier = (peakSum / float64(len(peakBuckets))) / (allSum / float64(len(allBuckets)))
	}
	return a
}

// Multiplier prefers the observed multiplier over the catalog default.
func (a EventAnalysis) Multiplier() float64 {
	if a.ObservedMultiplier > 0 {
		return a.ObservedMultiplier
	}
	return a.Event.DemandMultiplier
}
