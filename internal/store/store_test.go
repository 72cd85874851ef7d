package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/rentalweather/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load timezone: %v", err)
	}
	store := New(db, loc)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func date(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
}

func TestUpsertWeather_UpdatesSameKey(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	obs := models.WeatherObservation{
		Date:         date("2025-06-01"),
		LocationCode: "MSP",
		Source:       "nws",
		TempHigh:     nf(78),
		TempLow:      nf(60),
	}
	if err := store.UpsertWeather(ctx, obs); err != nil {
		t.Fatalf("UpsertWeather: %v", err)
	}

	obs.TempHigh = nf(81)
	obs.Precipitation = nf(0.25)
	if err := store.UpsertWeather(ctx, obs); err != nil {
		t.Fatalf("UpsertWeather (update): %v", err)
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM weather_data`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("rows = %d, want 1", count)
	}

	got, err := store.DailyWeather(ctx, "MSP", date("2025-06-01"), date("2025-06-01"), false)
	if err != nil {
		t.Fatalf("DailyWeather: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].TempHigh.Float64 != 81 {
		t.Errorf("TempHigh = %v, want 81", got[0].TempHigh.Float64)
	}
	if got[0].TempLow.Float64 != 60 {
		t.Errorf("TempLow = %v, want 60 (kept)", got[0].TempLow.Float64)
	}
	if got[0].Precipitation.Float64 != 0.25 {
		t.Errorf("Precipitation = %v, want 0.25", got[0].Precipitation.Float64)
	}
}

func TestDailyWeather_AveragesSourcesAndSeparatesForecasts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rows := []models.WeatherObservation{
		{Date: date("2025-06-01"), LocationCode: "MSP", Source: "nws", TempHigh: nf(70)},
		{Date: date("2025-06-01"), LocationCode: "MSP", Source: "import", TempHigh: nf(80)},
		{Date: date("2025-06-01"), LocationCode: "MSP", Source: "nws", TempHigh: nf(99), IsForecast: true},
		{Date: date("2025-06-02"), LocationCode: "WAY", Source: "nws", TempHigh: nf(65)},
	}
	for _, r := range rows {
		if err := store.UpsertWeather(ctx, r); err != nil {
			t.Fatalf("UpsertWeather: %v", err)
		}
	}

	got, err := store.DailyWeather(ctx, "MSP", date("2025-05-01"), date("2025-06-30"), false)
	if err != nil {
		t.Fatalf("DailyWeather: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].TempHigh.Float64 != 75 {
		t.Errorf("TempHigh = %v, want 75", got[0].TempHigh.Float64)
	}

	fc, err := store.DailyWeather(ctx, "MSP", date("2025-05-01"), date("2025-06-30"), true)
	if err != nil {
		t.Fatalf("DailyWeather forecast: %v", err)
	}
	if len(fc) != 1 || fc[0].TempHigh.Float64 != 99 {
		t.Errorf("forecast rows = %+v", fc)
	}
}

func seedPOS(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()

	equipment := []models.POSEquipment{
		{ItemNum: "T1", Name: "40x60 Frame Tent", Category: "Tents"},
		{ItemNum: "S1", Name: "Skid Steer", Category: "Earthmoving"},
	}
	for _, eq := range equipment {
		if err := store.UpsertEquipment(ctx, eq); err != nil {
			t.Fatalf("UpsertEquipment: %v", err)
		}
	}
	for _, c := range []models.EquipmentCategorization{
		{ItemNum: "T1", Segment: models.SegmentPartyEvent, Confidence: 0.9, WeatherDependent: true, CancellationRisk: "high"},
		{ItemNum: "S1", Segment: models.SegmentConstructionDIY, Confidence: 0.8, CancellationRisk: "medium"},
	} {
		if err := store.UpsertCategorization(ctx, c); err != nil {
			t.Fatalf("UpsertCategorization: %v", err)
		}
	}

	txs := []models.POSTransaction{
		{ContractNo: "C1", StoreCode: "3607", ContractDate: time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)},
		{ContractNo: "C2", StoreCode: "3607", ContractDate: time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)},
		{ContractNo: "C3", StoreCode: "6800", ContractDate: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)},
	}
	for _, tx := range txs {
		if err := store.UpsertTransaction(ctx, tx); err != nil {
			t.Fatalf("UpsertTransaction: %v", err)
		}
	}
	items := []models.POSTransactionItem{
		{ContractNo: "C1", LineNo: 1, ItemNum: "T1", Qty: 1, RentAmt: 400},
		{ContractNo: "C1", LineNo: 2, ItemNum: "S1", Qty: 1, RentAmt: 200, SaleAmt: 20},
		{ContractNo: "C2", LineNo: 1, ItemNum: "T1", Qty: 1, RentAmt: 300},
		{ContractNo: "C3", LineNo: 1, ItemNum: "S1", Qty: 1, RentAmt: 250},
	}
	for _, it := range items {
		if err := store.UpsertTransactionItem(ctx, it); err != nil {
			t.Fatalf("UpsertTransactionItem: %v", err)
		}
	}
}

func TestDailyBusiness(t *testing.T) {
	store := setupTestStore(t)
	seedPOS(t, store)
	ctx := context.Background()

	tests := []struct {
		name      string
		storeCode string
		segment   models.Segment
		want      []models.BusinessDay
	}{
		{
			name: "all stores",
			want: []models.BusinessDay{
				{Date: date("2025-06-01"), Revenue: 920, Contracts: 2, Items: 3},
				{Date: date("2025-06-02"), Revenue: 250, Contracts: 1, Items: 1},
			},
		},
		{
			name:      "single store",
			storeCode: "6800",
			want: []models.BusinessDay{
				{Date: date("2025-06-02"), StoreCode: "6800", Revenue: 250, Contracts: 1, Items: 1},
			},
		},
		{
			name:    "segment filter",
			segment: models.SegmentPartyEvent,
			want: []models.BusinessDay{
				{Date: date("2025-06-01"), Segment: models.SegmentPartyEvent, Revenue: 700, Contracts: 2, Items: 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.DailyBusiness(ctx, date("2025-06-01"), date("2025-06-30"), tt.storeCode, tt.segment)
			if err != nil {
				t.Fatalf("DailyBusiness: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d (%+v)", len(got), len(tt.want), got)
			}
			for i := range got {
				if !got[i].Date.Equal(tt.want[i].Date) || got[i].Revenue != tt.want[i].Revenue ||
					got[i].Contracts != tt.want[i].Contracts || got[i].Items != tt.want[i].Items ||
					got[i].StoreCode != tt.want[i].StoreCode || got[i].Segment != tt.want[i].Segment {
					t.Errorf("row %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTransactionFacts_SplitsSegments(t *testing.T) {
	store := setupTestStore(t)
	seedPOS(t, store)

	facts, err := store.TransactionFacts(context.Background(), date("2025-06-01"), date("2025-06-30"), "3607")
	if err != nil {
		t.Fatalf("TransactionFacts: %v", err)
	}
	// C1 has a party and a construction line, C2 a party line.
	if len(facts) != 3 {
		t.Fatalf("len = %d, want 3 (%+v)", len(facts), facts)
	}
	var partyRevenue float64
	var weatherDependent int
	for _, f := range facts {
		if f.Segment == models.SegmentPartyEvent {
			partyRevenue += f.Revenue
		}
		if f.WeatherDependent {
			weatherDependent++
		}
	}
	if partyRevenue != 700 {
		t.Errorf("party revenue = %v, want 700", partyRevenue)
	}
	if weatherDependent != 2 {
		t.Errorf("weather-dependent facts = %d, want 2", weatherDependent)
	}
}

func TestUpsertCorrelation_UpdatesExistingRow(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := models.WeatherRentalCorrelation{
		AnalysisDate:   date("2025-07-01"),
		StoreCode:      "3607",
		WeatherFactor:  "precipitation",
		Segment:        models.SegmentPartyEvent,
		BusinessMetric: "daily_revenue",
		PearsonR:       -0.45,
		PValue:         0.01,
		Strength:       "moderate",
		IsSignificant:  true,
		DataPoints:     60,
		Insight:        "Precipitation moderately decreases Daily Revenue (r=-0.45)",
	}
	if err := store.UpsertCorrelation(ctx, c); err != nil {
		t.Fatalf("UpsertCorrelation: %v", err)
	}

	c.PearsonR = -0.62
	c.Strength = "strong"
	c.OptimalLagDays = 1
	if err := store.UpsertCorrelation(ctx, c); err != nil {
		t.Fatalf("UpsertCorrelation (rerun): %v", err)
	}

	got, err := store.Correlations(ctx, date("2025-07-01"), "3607")
	if err != nil {
		t.Fatalf("Correlations: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].PearsonR != -0.62 || got[0].Strength != "strong" || got[0].OptimalLagDays != 1 {
		t.Errorf("row not updated: %+v", got[0])
	}

	// A different metric for the same factor is a separate row.
	c.BusinessMetric = "daily_contracts"
	if err := store.UpsertCorrelation(ctx, c); err != nil {
		t.Fatalf("UpsertCorrelation (metric): %v", err)
	}
	latest, err := store.LatestCorrelations(ctx, "3607")
	if err != nil {
		t.Fatalf("LatestCorrelations: %v", err)
	}
	if len(latest) != 2 {
		t.Errorf("len = %d, want 2", len(latest))
	}
}

func TestForecastActualsBackfill(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, d := range []string{"2025-06-01", "2025-06-02", "2025-06-10"} {
		f := models.WeatherForecastDemand{
			ForecastDate:     date(d),
			StoreCode:        "3607",
			Segment:          models.SegmentMixed,
			PredictedRevenue: 1000,
			PredictedUnits:   2,
			ConfidenceLevel:  0.7,
		}
		if err := store.UpsertForecast(ctx, f); err != nil {
			t.Fatalf("UpsertForecast: %v", err)
		}
	}

	pending, err := store.ForecastsPendingActuals(ctx, date("2025-06-05"))
	if err != nil {
		t.Fatalf("ForecastsPendingActuals: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	if err := store.UpdateForecastActuals(ctx, pending[0].ID, 800, 2, 75); err != nil {
		t.Fatalf("UpdateForecastActuals: %v", err)
	}
	if err := store.UpdateForecastActuals(ctx, pending[1].ID, 1200, 3, 83.3); err != nil {
		t.Fatalf("UpdateForecastActuals: %v", err)
	}

	pending, err = store.ForecastsPendingActuals(ctx, date("2025-06-05"))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after backfill = %d, want 0", len(pending))
	}

	acc, err := store.ForecastAccuracy(ctx, 30, date("2025-06-05"))
	if err != nil {
		t.Fatalf("ForecastAccuracy: %v", err)
	}
	if len(acc) != 1 {
		t.Fatalf("len = %d, want 1", len(acc))
	}
	if acc[0].Count != 2 || acc[0].MAE.Float64 != 200 {
		t.Errorf("accuracy = %+v, want count 2 MAE 200", acc[0])
	}
	if acc[0].MeanBias.Float64 != 0 {
		t.Errorf("MeanBias = %v, want 0", acc[0].MeanBias.Float64)
	}
}

func TestSeasonalPatternUpsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := models.SeasonalPattern{
		PatternType:        "wedding_season",
		Segment:            models.SegmentPartyEvent,
		Season:             "summer",
		DemandMultiplier:   1.8,
		WeatherSensitivity: 0.9,
		LeadTimeDays:       60,
		PeakMonths:         "6,7,8,9",
	}
	if err := store.UpsertSeasonalPattern(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.DemandMultiplier = 2.1
	if err := store.UpsertSeasonalPattern(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := store.SeasonalPatterns(ctx)
	if err != nil {
		t.Fatalf("SeasonalPatterns: %v", err)
	}
	if len(got) != 1 || got[0].DemandMultiplier != 2.1 {
		t.Errorf("patterns = %+v", got)
	}
}

func TestIngestRunAndRawPayload(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, err := store.StartIngestRun(ctx, "nws", "observations/latest", "MSP")
	if err != nil {
		t.Fatalf("StartIngestRun: %v", err)
	}

	payload := []byte(`{"properties":{"temperature":{"value":21.5}}}`)
	id, err := store.SaveRawPayload(ctx, run.ID, "nws", "observations/latest", "MSP", payload)
	if err != nil {
		t.Fatalf("SaveRawPayload: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a payload id")
	}

	dup, err := store.SaveRawPayload(ctx, run.ID, "nws", "observations/latest", "MSP", payload)
	if err != nil {
		t.Fatalf("SaveRawPayload duplicate: %v", err)
	}
	if dup != 0 {
		t.Errorf("duplicate id = %d, want 0", dup)
	}

	got, err := store.RawPayload(ctx, id)
	if err != nil {
		t.Fatalf("RawPayload: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %s", got)
	}

	run.HTTPStatus = sql.NullInt64{Int64: 500, Valid: true}
	run.Fail(errTest("upstream 500"))
	if err := store.CompleteIngestRun(ctx, run); err != nil {
		t.Fatalf("CompleteIngestRun: %v", err)
	}

	failed, err := store.RecentIngestErrors(ctx, 5)
	if err != nil {
		t.Fatalf("RecentIngestErrors: %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage.String != "upstream 500" {
		t.Errorf("failed runs = %+v", failed)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
