package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/rentalweather/internal/models"
)

func (s *Store) UpsertCategorization(ctx context.Context, c models.EquipmentCategorization) error {
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equipment_categorization (item_num, industry_segment, confidence_score,
		    weather_dependent, cancellation_risk, matched_keywords, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_num) DO UPDATE SET
			industry_segment = excluded.industry_segment,
			confidence_score = excluded.confidence_score,
			weather_dependent = excluded.weather_dependent,
			cancellation_risk = excluded.cancellation_risk,
			matched_keywords = excluded.matched_keywords,
			updated_at = excluded.updated_at
	`, c.ItemNum, string(c.Segment), c.Confidence, c.WeatherDependent, c.CancellationRisk, c.MatchedKeywords, updatedAt)
	return err
}

// SegmentCounts returns how many items are assigned to each segment.
func (s *Store) SegmentCounts(ctx context.Context) (map[models.Segment]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT industry_segment, COUNT(*) FROM equipment_categorization GROUP BY industry_segment
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Segment]int)
	for rows.Next() {
		var (
			seg string
			n   int
		)
		if err := rows.Scan(&seg, &n); err != nil {
			return nil, err
		}
		counts[models.Segment(seg)] = n
	}
	return counts, rows.Err()
}

// UpsertCorrelation inserts a correlation or updates the row with the same
// (analysis date, store, factor, segment, metric).
func (s *Store) UpsertCorrelation(ctx context.Context, c models.WeatherRentalCorrelation) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weather_rental_correlations (analysis_date, store_code, weather_factor, industry_segment,
		    business_metric, pearson_r, p_value, spearman_r, spearman_p, strength_label, is_significant,
		    optimal_lag_days, data_points, insight, run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(analysis_date, store_code, weather_factor, industry_segment, business_metric) DO UPDATE SET
			pearson_r = excluded.pearson_r,
			p_value = excluded.p_value,
			spearman_r = excluded.spearman_r,
			spearman_p = excluded.spearman_p,
			strength_label = excluded.strength_label,
			is_significant = excluded.is_significant,
			optimal_lag_days = excluded.optimal_lag_days,
			data_points = excluded.data_points,
			insight = excluded.insight,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`, formatDate(c.AnalysisDate), c.StoreCode, c.WeatherFactor, string(c.Segment), c.BusinessMetric,
		c.PearsonR, c.PValue, c.SpearmanR, c.SpearmanP, c.Strength, c.IsSignificant,
		c.OptimalLagDays, c.DataPoints, c.Insight, c.RunID, now, now)
	return err
}

// Correlations returns stored correlations for an analysis date and store,
// strongest first. An empty storeCode selects the all-stores analysis.
func (s *Store) Correlations(ctx context.Context, analysisDate time.Time, storeCode string) ([]models.WeatherRentalCorrelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, analysis_date, store_code, weather_factor, industry_segment, business_metric,
		       pearson_r, p_value, COALESCE(spearman_r, 0), COALESCE(spearman_p, 1), strength_label,
		       is_significant, optimal_lag_days, data_points, COALESCE(insight, ''), COALESCE(run_id, ''),
		       created_at, updated_at
		FROM weather_rental_correlations
		WHERE analysis_date = ? AND store_code = ?
		ORDER BY ABS(pearson_r) DESC, weather_factor, business_metric
	`, formatDate(analysisDate), storeCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WeatherRentalCorrelation
	for rows.Next() {
		var (
			c       models.WeatherRentalCorrelation
			date    string
			segment string
		)
		if err := rows.Scan(&c.ID, &date, &c.StoreCode, &c.WeatherFactor, &segment, &c.BusinessMetric,
			&c.PearsonR, &c.PValue, &c.SpearmanR, &c.SpearmanP, &c.Strength,
			&c.IsSignificant, &c.OptimalLagDays, &c.DataPoints, &c.Insight, &c.RunID,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if c.AnalysisDate, err = parseDate(date); err != nil {
			return nil, fmt.Errorf("parse analysis date %q: %w", date, err)
		}
		c.Segment = models.Segment(segment)
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestCorrelations returns the most recent analysis for a store, or nil if none exists.
func (s *Store) LatestCorrelations(ctx context.Context, storeCode string) ([]models.WeatherRentalCorrelation, error) {
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(analysis_date) FROM weather_rental_correlations WHERE store_code = ?
	`, storeCode).Scan(&latest)
	if err != nil {
		return nil, err
	}
	if !latest.Valid {
		return nil, nil
	}
	date, err := parseDate(latest.String)
	if err != nil {
		return nil, err
	}
	return s.Correlations(ctx, date, storeCode)
}

func (s *Store) UpsertForecast(ctx context.Context, f models.WeatherForecastDemand) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weather_forecast_demand (forecast_date, store_code, industry_segment, predicted_revenue,
		    predicted_units, confidence_level, lower_80, upper_80, lower_95, upper_95, method, run_id,
		    created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(forecast_date, store_code, industry_segment) DO UPDATE SET
			predicted_revenue = excluded.predicted_revenue,
			predicted_units = excluded.predicted_units,
			confidence_level = excluded.confidence_level,
			lower_80 = excluded.lower_80,
			upper_80 = excluded.upper_80,
			lower_95 = excluded.lower_95,
			upper_95 = excluded.upper_95,
			method = excluded.method,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`, formatDate(f.ForecastDate), f.StoreCode, string(f.Segment), f.PredictedRevenue, f.PredictedUnits,
		f.ConfidenceLevel, f.Lower80, f.Upper80, f.Lower95, f.Upper95, f.Method, f.RunID, now, now)
	return err
}

const forecastColumns = `
	id, forecast_date, store_code, industry_segment, predicted_revenue, predicted_units,
	confidence_level, COALESCE(lower_80, 0), COALESCE(upper_80, 0), COALESCE(lower_95, 0),
	COALESCE(upper_95, 0), COALESCE(method, ''), COALESCE(run_id, ''),
	actual_revenue, actual_units, accuracy_pct, created_at, updated_at`

func scanForecasts(rows *sql.Rows) ([]models.WeatherForecastDemand, error) {
	var out []models.WeatherForecastDemand
	for rows.Next() {
		var (
			f       models.WeatherForecastDemand
			date    string
			segment string
		)
		if err := rows.Scan(&f.ID, &date, &f.StoreCode, &segment, &f.PredictedRevenue, &f.PredictedUnits,
			&f.ConfidenceLevel, &f.Lower80, &f.Upper80, &f.Lower95, &f.Upper95, &f.Method, &f.RunID,
			&f.ActualRevenue, &f.ActualUnits, &f.AccuracyPct, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		var err error
		if f.ForecastDate, err = parseDate(date); err != nil {
			return nil, fmt.Errorf("parse forecast date %q: %w", date, err)
		}
		f.Segment = models.Segment(segment)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Forecasts returns stored forecasts for a store between start and end inclusive.
func (s *Store) Forecasts(ctx context.Context, storeCode string, start, end time.Time) ([]models.WeatherForecastDemand, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+forecastColumns+`
		FROM weather_forecast_demand
		WHERE store_code = ? AND forecast_date >= ? AND forecast_date <= ?
		ORDER BY forecast_date, industry_segment
	`, storeCode, formatDate(start), formatDate(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanForecasts(rows)
}

// ForecastsPendingActuals returns forecasts dated before the given day that
// have no realized revenue recorded yet.
func (s *Store) ForecastsPendingActuals(ctx context.Context, before time.Time) ([]models.WeatherForecastDemand, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+forecastColumns+`
		FROM weather_forecast_demand
		WHERE forecast_date < ? AND actual_revenue IS NULL
		ORDER BY forecast_date, store_code, industry_segment
	`, formatDate(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanForecasts(rows)
}

func (s *Store) UpdateForecastActuals(ctx context.Context, id int64, revenue, units, accuracyPct float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE weather_forecast_demand
		SET actual_revenue = ?, actual_units = ?, accuracy_pct = ?, updated_at = ?
		WHERE id = ?
	`, revenue, units, accuracyPct, time.Now().UTC(), id)
	return err
}

// ForecastAccuracy summarises realized forecast error per store over the last N days.
func (s *Store) ForecastAccuracy(ctx context.Context, days int, asOf time.Time) ([]models.ForecastAccuracy, error) {
	since := asOf.AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT store_code,
		       COUNT(*),
		       AVG(ABS(predicted_revenue - actual_revenue)),
		       AVG(CASE WHEN actual_revenue > 0 THEN ABS(predicted_revenue - actual_revenue) * 100.0 / actual_revenue END),
		       AVG(predicted_revenue - actual_revenue)
		FROM weather_forecast_demand
		WHERE actual_revenue IS NOT NULL AND forecast_date >= ? AND forecast_date < ?
		GROUP BY store_code
		ORDER BY store_code
	`, formatDate(since), formatDate(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ForecastAccuracy
	for rows.Next() {
		var a models.ForecastAccuracy
		if err := rows.Scan(&a.StoreCode, &a.Count, &a.MAE, &a.MAPE, &a.MeanBias); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSeasonalPattern(ctx context.Context, p models.SeasonalPattern) error {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mn_seasonal_patterns (pattern_type, industry_segment, season, demand_multiplier,
		    weather_sensitivity, lead_time_days, peak_months, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern_type, industry_segment) DO UPDATE SET
			season = excluded.season,
			demand_multiplier = excluded.demand_multiplier,
			weather_sensitivity = excluded.weather_sensitivity,
			lead_time_days = excluded.lead_time_days,
			peak_months = excluded.peak_months,
			updated_at = excluded.updated_at
	`, p.PatternType, string(p.Segment), p.Season, p.DemandMultiplier, p.WeatherSensitivity,
		p.LeadTimeDays, p.PeakMonths, updatedAt)
	return err
}

func (s *Store) SeasonalPatterns(ctx context.Context) ([]models.SeasonalPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_type, industry_segment, season, demand_multiplier, weather_sensitivity,
		       lead_time_days, COALESCE(peak_months, ''), updated_at
		FROM mn_seasonal_patterns
		ORDER BY pattern_type, industry_segment
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SeasonalPattern
	for rows.Next() {
		var (
			p       models.SeasonalPattern
			segment string
		)
		if err := rows.Scan(&p.PatternType, &segment, &p.Season, &p.DemandMultiplier, &p.WeatherSensitivity,
			&p.LeadTimeDays, &p.PeakMonths, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Segment = models.Segment(segment)
		out = append(out, p)
	}
	return out, rows.Err()
}
