package seasonal

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/rentalweather/internal/apperr"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, time.UTC)
	require.NoError(t, s.Migrate())
	return s
}

func fact(year int, month time.Month, revenue float64, seg models.Segment) models.TransactionFact {
	return models.TransactionFact{
		Date:       time.Date(year, month, 15, 0, 0, 0, 0, time.UTC),
		StoreCode:  "3607",
		ContractNo: fmt.Sprintf("C%d-%d-%s-%.0f", year, month, seg, revenue),
		Revenue:    revenue,
		Segment:    seg,
	}
}

func TestMonthlyIndices_Constant(t *testing.T) {
	totals := make(map[time.Month]float64)
	for m := time.January; m <= time.December; m++ {
		totals[m] = 1000
	}
	p, err := MonthlyIndices(totals)
	require.NoError(t, err)
	require.Len(t, p.Index, 12)
	for m, v := range p.Index {
		assert.Equal(t, 1.0, v, "month %s", m)
	}
	assert.Equal(t, 0.0, p.Strength)
	assert.Len(t, p.Peak, 3)
	assert.Len(t, p.Low, 3)
}

func TestMonthlyIndices_PeakAndLow(t *testing.T) {
	totals := map[time.Month]float64{
		time.January: 200, time.February: 250, time.March: 500, time.April: 900,
		time.May: 1400, time.June: 1800, time.July: 2000, time.August: 1700,
		time.September: 1100, time.October: 800, time.November: 400, time.December: 300,
	}
	p, err := MonthlyIndices(totals)
	require.NoError(t, err)

	assert.Equal(t, []time.Month{time.July, time.June, time.August}, p.Peak)
	assert.Equal(t, []time.Month{time.January, time.February, time.December}, p.Low)
	assert.Greater(t, p.Strength, 0.5)

	var sum float64
	for _, v := range p.Index {
		sum += v
	}
	assert.InDelta(t, 12.0, sum, 1e-9)
	assert.InDelta(t, 2000/(11350.0/12), p.Max(), 1e-9)
}

func TestMonthlyIndices_Empty(t *testing.T) {
	_, err := MonthlyIndices(nil)
	assert.ErrorIs(t, err, ErrNoRevenue)
	_, err = MonthlyIndices(map[time.Month]float64{time.May: 0})
	assert.ErrorIs(t, err, ErrNoRevenue)
}

func TestEventsCatalog(t *testing.T) {
	assert.Len(t, Events, 12)
	seen := make(map[string]bool)
	for _, e := range Events {
		assert.False(t, seen[e.Name], "duplicate %s", e.Name)
		seen[e.Name] = true
		assert.NotEmpty(t, e.PeakMonths, e.Name)
		for _, m := range e.SuperPeakMonths {
			assert.True(t, e.IsPeak(m), "%s super-peak %s outside peak", e.Name, m)
		}
		assert.True(t, e.Focus == models.SegmentMixed || e.Focus.Valid(), e.Name)
	}
	_, ok := EventByName("wedding_season")
	assert.True(t, ok)
}

func TestAnalyzeEvent(t *testing.T) {
	e, _ := EventByName("graduation_season")
	facts := []models.TransactionFact{
		fact(2023, time.June, 1000, models.SegmentPartyEvent),
		fact(2024, time.June, 1500, models.SegmentPartyEvent),
		fact(2024, time.May, 500, models.SegmentPartyEvent),
		fact(2024, time.June, 9000, models.SegmentConstructionDIY), // wrong focus
		fact(2024, time.January, 300, models.SegmentPartyEvent),    // off-peak
	}
	facts[1].WeatherDependent = true

	a := AnalyzeEvent(e, facts)
	assert.Equal(t, 3000.0, a.TotalRevenue)
	assert.Equal(t, 3, a.Contracts)
	assert.True(t, a.HasYoY)
	assert.InDelta(t, 100.0, a.YoYGrowthPct, 1e-9) // 2000 vs 1000
	assert.InDelta(t, 0.5, a.WeatherDependentRatio, 1e-9)
	// Peak buckets: 2023-06, 2024-05, 2024-06 => 1000/month; all buckets add 2024-01.
	assert.InDelta(t, 1000/(3300.0/4), a.ObservedMultiplier, 1e-9)
}

func TestAnalyzeEvent_NoHistory(t *testing.T) {
	e, _ := EventByName("winter_events")
	a := AnalyzeEvent(e, nil)
	assert.Zero(t, a.TotalRevenue)
	assert.False(t, a.HasYoY)
	assert.Equal(t, e.DemandMultiplier, a.Multiplier())
}

func TestSeedOutlook(t *testing.T) {
	var facts []models.TransactionFact
	for i := 0; i < 60; i++ {
		facts = append(facts, fact(2024, time.July, 100, models.SegmentPartyEvent))
	}
	facts = append(facts, fact(2024, time.March, 400, models.SegmentPartyEvent))

	july, _ := EventByName("fourth_of_july")
	from := time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)
	out := SeedOutlook(facts, from, []Event{july})
	require.Len(t, out, 12)
	assert.Equal(t, time.June, out[0].Month.Month())
	assert.Equal(t, 2026, out[11].Month.Year())
	assert.Equal(t, time.May, out[11].Month.Month())

	jul := out[1]
	assert.Equal(t, time.July, jul.Month.Month())
	assert.Equal(t, 6000.0, jul.Baseline)
	assert.Equal(t, SuperPeakFactor, jul.EventFactor)
	assert.Equal(t, HighConfidence, jul.Confidence)
	assert.InDelta(t, 6000*1.4*1.3*1.05, jul.Predicted, 1e-6)
	assert.Equal(t, []string{"fourth_of_july"}, jul.Events)

	// June has no history, so it takes the global monthly average.
	jun := out[0]
	assert.Equal(t, (6000.0+400)/2, jun.Baseline)
	assert.Equal(t, 1.0, jun.EventFactor)
	assert.Equal(t, LowConfidence, jun.Confidence)
	assert.InDelta(t, 3200*1.25*1.05, jun.Predicted, 1e-6)
}

func TestReportMonthMultiplier(t *testing.T) {
	r := &Report{Profiles: map[models.Segment]Profile{
		models.SegmentAll:         {Index: map[time.Month]float64{time.July: 1.5}},
		models.SegmentLandscaping: {Index: map[time.Month]float64{time.July: 0.8}},
	}}
	assert.Equal(t, 0.8, r.MonthMultiplier(models.SegmentLandscaping, time.July))
	assert.Equal(t, 1.5, r.MonthMultiplier(models.SegmentPartyEvent, time.July))
	assert.Equal(t, 1.0, r.MonthMultiplier(models.SegmentPartyEvent, time.January))

	var nilReport *Report
	assert.Equal(t, 1.0, nilReport.MonthMultiplier(models.SegmentAll, time.July))
}

func TestMonthsRoundTrip(t *testing.T) {
	months := []time.Month{time.June, time.July, time.August}
	assert.Equal(t, "6,7,8", FormatMonths(months))
	got, err := ParseMonths("6, 7,8")
	require.NoError(t, err)
	assert.Equal(t, months, got)
	_, err = ParseMonths("13")
	assert.Error(t, err)
}

func TestAnalyzerRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := NewAnalyzer(s)

	req := Request{
		Start:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		Persist: true,
	}
	_, err := a.Run(ctx, req)
	assert.Equal(t, apperr.KindNoData, apperr.KindOf(err))

	require.NoError(t, s.UpsertCategorization(ctx, models.EquipmentCategorization{
		ItemNum: "TENT", Segment: models.SegmentPartyEvent, Confidence: 0.9, WeatherDependent: true, CancellationRisk: "high",
	}))
	for m := time.April; m <= time.September; m++ {
		contract := fmt.Sprintf("C%02d", m)
		require.NoError(t, s.UpsertTransaction(ctx, models.POSTransaction{
			ContractNo: contract, StoreCode: "3607", ContractDate: time.Date(2024, m, 10, 9, 0, 0, 0, time.UTC),
		}))
		require.NoError(t, s.UpsertTransactionItem(ctx, models.POSTransactionItem{
			ContractNo: contract, LineNo: 1, ItemNum: "TENT", Qty: 1, RentAmt: float64(m) * 100,
		}))
	}

	r, err := a.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 6, r.Facts)
	all, ok := r.Profiles[models.SegmentAll]
	require.True(t, ok)
	assert.Equal(t, time.September, all.Peak[0])
	_, ok = r.Profiles[models.SegmentPartyEvent]
	assert.True(t, ok)
	_, ok = r.Profiles[models.SegmentLandscaping]
	assert.False(t, ok)
	assert.Len(t, r.Outlook, 12)

	patterns, err := s.SeasonalPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, patterns, len(r.Profiles)+len(Events))

	// Re-running updates in place.
	_, err = a.Run(ctx, req)
	require.NoError(t, err)
	again, err := s.SeasonalPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, again, len(patterns))
}
