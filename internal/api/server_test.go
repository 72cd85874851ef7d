package api_test

import (
	"context"
	"database/sql"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/lox/rentalweather/internal/api"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, time.UTC)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func getHealth(t *testing.T, srv *api.Server) (int, api.HealthStatus) {
	t.Helper()
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var health api.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v (%s)", err, w.Body.String())
	}
	return w.Code, health
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := api.NewServer(s, "8080", 3*time.Hour)

	code, health := getHealth(t, srv)
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded before any weather fetch", health.Status)
	}
	want, err := s.MigrationVersion()
	if err != nil {
		t.Fatal(err)
	}
	if health.MigrationVersion != want || want == 0 {
		t.Errorf("migration_version = %d, want %d", health.MigrationVersion, want)
	}
	if health.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
}

func TestHealthEndpoint_FreshAndStaleWeather(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		fetchedAt time.Time
		want      string
	}{
		{"fresh", time.Now().UTC().Add(-time.Hour), "ok"},
		{"stale", time.Now().UTC().Add(-72 * time.Hour), "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			err := s.UpsertWeather(ctx, models.WeatherObservation{
				Date:         time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
				LocationCode: "MSP",
				TempHigh:     sql.NullFloat64{Float64: 78, Valid: true},
				FetchedAt:    tt.fetchedAt,
			})
			if err != nil {
				t.Fatal(err)
			}

			_, health := getHealth(t, api.NewServer(s, "8080", 3*time.Hour))
			if health.Status != tt.want {
				t.Errorf("status = %q, want %q", health.Status, tt.want)
			}
			if health.LastWeatherFetch == nil {
				t.Error("expected last_weather_fetch")
			}
		})
	}
}

func TestIngestEndpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := setupTestStore(t)

	run, err := s.StartIngestRun(ctx, "nws", "forecast", "MSP")
	if err != nil {
		t.Fatal(err)
	}
	run.HTTPStatus = sql.NullInt64{Int64: 503, Valid: true}
	run.Fail(errors.New("upstream unavailable"))
	if err := s.CompleteIngestRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	srv := api.NewServer(s, "8080", 3*time.Hour)
	req := httptest.NewRequest("GET", "/ingest", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var status api.IngestStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if len(status.Errors) != 1 {
		t.Fatalf("recent_errors = %d, want 1", len(status.Errors))
	}
	e := status.Errors[0]
	if e.Source != "nws" || e.LocationCode != "MSP" || e.HTTPStatus != 503 || e.Message != "upstream unavailable" {
		t.Errorf("unexpected error entry: %+v", e)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := api.NewServer(s, "8080", 3*time.Hour)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected Go runtime metrics in output")
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := api.NewServer(s, "0", 3*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
