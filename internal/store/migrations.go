package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Weather and POS schema",
		SQL: `
CREATE TABLE IF NOT EXISTS weather_data (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    date TEXT NOT NULL,
    location_code TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT 'nws',
    temperature_high REAL,
    temperature_low REAL,
    temperature_avg REAL,
    precipitation REAL,
    wind_speed REAL,
    humidity REAL,
    condition_text TEXT,
    is_forecast BOOLEAN NOT NULL DEFAULT FALSE,
    fetched_at DATETIME NOT NULL,
    UNIQUE(date, location_code, source, is_forecast)
);

CREATE TABLE IF NOT EXISTS pos_transactions (
    contract_no TEXT PRIMARY KEY,
    store_code TEXT NOT NULL,
    contract_date TEXT NOT NULL,
    status TEXT,
    customer_no TEXT,
    rent_amt REAL NOT NULL DEFAULT 0,
    sale_amt REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pos_transaction_items (
    contract_no TEXT NOT NULL,
    line_no INTEGER NOT NULL,
    item_num TEXT NOT NULL,
    description TEXT,
    qty REAL NOT NULL DEFAULT 1,
    rent_amt REAL NOT NULL DEFAULT 0,
    sale_amt REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (contract_no, line_no)
);

CREATE TABLE IF NOT EXISTS pos_equipment (
    item_num TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    category TEXT,
    department TEXT,
    store_code TEXT
);

CREATE INDEX IF NOT EXISTS idx_weather_loc_date ON weather_data(location_code, date);
CREATE INDEX IF NOT EXISTS idx_pos_tx_date ON pos_transactions(contract_date);
CREATE INDEX IF NOT EXISTS idx_pos_tx_store_date ON pos_transactions(store_code, contract_date);
CREATE INDEX IF NOT EXISTS idx_pos_items_item ON pos_transaction_items(item_num);
`,
	},
	{
		Version:     2,
		Description: "Analysis tables",
		SQL: `
CREATE TABLE IF NOT EXISTS equipment_categorization (
    item_num TEXT PRIMARY KEY,
    industry_segment TEXT NOT NULL,
    confidence_score REAL NOT NULL,
    weather_dependent BOOLEAN NOT NULL DEFAULT FALSE,
    cancellation_risk TEXT NOT NULL DEFAULT 'low',
    matched_keywords TEXT,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS weather_rental_correlations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    analysis_date TEXT NOT NULL,
    store_code TEXT NOT NULL DEFAULT '',
    weather_factor TEXT NOT NULL,
    industry_segment TEXT NOT NULL,
    business_metric TEXT NOT NULL,
    pearson_r REAL NOT NULL,
    p_value REAL NOT NULL,
    spearman_r REAL,
    spearman_p REAL,
    strength_label TEXT NOT NULL,
    is_significant BOOLEAN NOT NULL DEFAULT FALSE,
    optimal_lag_days INTEGER NOT NULL DEFAULT 0,
    data_points INTEGER NOT NULL,
    insight TEXT,
    run_id TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE(analysis_date, store_code, weather_factor, industry_segment, business_metric)
);

CREATE TABLE IF NOT EXISTS weather_forecast_demand (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    forecast_date TEXT NOT NULL,
    store_code TEXT NOT NULL DEFAULT '',
    industry_segment TEXT NOT NULL,
    predicted_revenue REAL NOT NULL,
    predicted_units REAL NOT NULL,
    confidence_level REAL NOT NULL,
    lower_80 REAL,
    upper_80 REAL,
    lower_95 REAL,
    upper_95 REAL,
    method TEXT,
    run_id TEXT,
    actual_revenue REAL,
    actual_units REAL,
    accuracy_pct REAL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE(forecast_date, store_code, industry_segment)
);

CREATE TABLE IF NOT EXISTS mn_seasonal_patterns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pattern_type TEXT NOT NULL,
    industry_segment TEXT NOT NULL,
    season TEXT NOT NULL,
    demand_multiplier REAL NOT NULL,
    weather_sensitivity REAL NOT NULL,
    lead_time_days INTEGER NOT NULL,
    peak_months TEXT,
    updated_at DATETIME NOT NULL,
    UNIQUE(pattern_type, industry_segment)
);

CREATE INDEX IF NOT EXISTS idx_corr_date ON weather_rental_correlations(analysis_date);
CREATE INDEX IF NOT EXISTS idx_fcd_date ON weather_forecast_demand(forecast_date);
`,
	},
	{
		Version:     3,
		Description: "Ingest audit trail",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    location_code TEXT,
    http_status INTEGER,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    records_stored INTEGER,
    parse_errors INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER REFERENCES ingest_runs(id),
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    location_code TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
