package seasonal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lox/rentalweather/internal/apperr"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"
)

// PatternMonthly is the pattern type for per-segment month-of-year profiles.
const PatternMonthly = "monthly_index"

type Request struct {
	Start     time.Time
	End       time.Time
	StoreCode string
	// Persist upserts mn_seasonal_patterns when set.
	Persist bool
}

type Report struct {
	Request  Request
	Profiles map[models.Segment]Profile
	Events   []EventAnalysis
	Outlook  []MonthOutlook
	Facts    int
}

// MonthMultiplier returns the segment's seasonal index for month, falling
// back to the all-segment profile and then to 1.
func (r *Report) MonthMultiplier(segment models.Segment, month time.Month) float64 {
	if r == nil {
		return 1
	}
	if p, ok := r.Profiles[segment]; ok {
		return p.Multiplier(month)
	}
	if p, ok := r.Profiles[models.SegmentAll]; ok {
		return p.Multiplier(month)
	}
	return 1
}

type Analyzer struct {
	store *store.Store
	now   func() time.Time
}

func NewAnalyzer(s *store.Store) *Analyzer {
	return &Analyzer{store: s, now: time.Now}
}

func (a *Analyzer) Run(ctx context.Context, req Request) (*Report, error) {
	if req.End.IsZero() {
		req.End = a.now()
	}
	if req.Start.IsZero() {
		req.Start = req.End.AddDate(-2, 0, 0)
	}

	facts, err := a.store.TransactionFacts(ctx, req.Start, req.End, req.StoreCode)
	if err != nil {
		return nil, apperr.Upstream("seasonal: transaction facts", err)
	}
	if len(facts) == 0 {
		return nil, apperr.NoData("seasonal", "transaction")
	}

	r := Analyze(facts, req.End)
	r.Request = req
	if len(r.Profiles) == 0 {
		return nil, apperr.Degenerate("seasonal", ErrNoRevenue)
	}

	if req.Persist {
		if err := a.persist(ctx, r); err != nil {
			return r, apperr.Upstream("seasonal: persist", err)
		}
	}
	return r, nil
}

// Analyze builds a report from facts without touching the store.
func Analyze(facts []models.TransactionFact, asOf time.Time) *Report {
	r := &Report{Profiles: make(map[models.Segment]Profile), Facts: len(facts)}

	segments := append([]models.Segment{models.SegmentAll}, models.BusinessSegments...)
	for _, seg := range segments {
		subset := facts
		if seg != models.SegmentAll {
			subset = filterSegment(facts, seg)
		}
		p, err := MonthlyIndices(MonthlyTotals(subset))
		if err != nil {
			if !errors.Is(err, ErrNoRevenue) {
				log.Printf("seasonal: %s profile: %v", seg, err)
			}
			continue
		}
		r.Profiles[seg] = p
	}

	var active []Event
	for _, e := range Events {
		ea := AnalyzeEvent(e, facts)
		r.Events = append(r.Events, ea)
		if ea.TotalRevenue > 0 {
			active = append(active, e)
		}
	}
	r.Outlook = SeedOutlook(facts, asOf, active)
	return r
}

func filterSegment(facts []models.TransactionFact, seg models.Segment) []models.TransactionFact {
	var out []models.TransactionFact
	for _, f := range facts {
		if f.Segment == seg {
			out = append(out, f)
		}
	}
	return out
}

func (a *Analyzer) persist(ctx context.Context, r *Report) error {
	for seg, p := range r.Profiles {
		season := ""
		if len(p.Peak) > 0 {
			season = SeasonOf(p.Peak[0])
		}
		err := a.store.UpsertSeasonalPattern(ctx, models.SeasonalPattern{
			PatternType:        PatternMonthly,
			Segment:            seg,
			Season:             season,
			DemandMultiplier:   p.Max(),
			WeatherSensitivity: p.Strength,
			PeakMonths:         FormatMonths(p.Peak),
		})
		if err != nil {
			return fmt.Errorf("upsert %s profile: %w", seg, err)
		}
	}
	for _, ea := range r.Events {
		e := ea.Event
		sensitivity := e.WeatherSensitivity
		if ea.TotalRevenue > 0 {
			sensitivity = (sensitivity + ea.WeatherDependentRatio) / 2
		}
		err := a.store.UpsertSeasonalPattern(ctx, models.SeasonalPattern{
			PatternType:        e.Name,
			Segment:            e.Focus,
			Season:             SeasonOf(e.PeakMonths[0]),
			DemandMultiplier:   ea.Multiplier(),
			WeatherSensitivity: sensitivity,
			LeadTimeDays:       e.LeadTimeDays,
			PeakMonths:         FormatMonths(e.PeakMonths),
		})
		if err != nil {
			return fmt.Errorf("upsert event %s: %w", e.Name, err)
		}
	}
	log.Printf("seasonal: stored %d profiles and %d events", len(r.Profiles), len(r.Events))
	return nil
}
