// Package api exposes operational endpoints: health, ingest status and
// Prometheus metrics.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/rentalweather/internal/store"
)

type Server struct {
	store *store.Store
	port  string
	// staleAfter marks health degraded when no weather was written for this long.
	staleAfter time.Duration
	now        func() time.Time
}

func NewServer(s *store.Store, port string, weatherRefresh time.Duration) *Server {
	stale := 3 * weatherRefresh
	if stale <= 0 {
		stale = 12 * time.Hour
	}
	return &Server{store: s, port: port, staleAfter: stale, now: time.Now}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on :%s", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status           string     `json:"status"`
	MigrationVersion int        `json:"migration_version"`
	Timestamp        time.Time  `json:"timestamp"`
	LastWeatherFetch *time.Time `json:"last_weather_fetch,omitempty"`
	Errors           []string   `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	health := HealthStatus{Status: "ok", Timestamp: now.UTC()}

	version, err := s.store.MigrationVersion()
	if err != nil {
		health.Errors = append(health.Errors, "migrations: "+err.Error())
	}
	health.MigrationVersion = version

	latest, err := s.store.LatestWeatherFetch(r.Context())
	switch {
	case err != nil:
		health.Errors = append(health.Errors, "weather: "+err.Error())
	case latest.IsZero():
		health.Status = "degraded"
	default:
		health.LastWeatherFetch = &latest
		if now.Sub(latest) > s.staleAfter {
			health.Status = "degraded"
		}
	}

	if len(health.Errors) > 0 {
		health.Status = "error"
	}

	code := http.StatusOK
	if health.Status == "error" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

type IngestStatus struct {
	Days   []store.IngestHealthSummary `json:"days"`
	Errors []IngestError               `json:"recent_errors"`
}

type IngestError struct {
	StartedAt    time.Time `json:"started_at"`
	Source       string    `json:"source"`
	Endpoint     string    `json:"endpoint"`
	LocationCode string    `json:"location_code,omitempty"`
	HTTPStatus   int       `json:"http_status,omitempty"`
	Message      string    `json:"message"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	days, err := s.store.IngestHealth(r.Context(), 7)
	if err != nil {
		log.Printf("ingest status: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	runs, err := s.store.RecentIngestErrors(r.Context(), 20)
	if err != nil {
		log.Printf("ingest errors: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	status := IngestStatus{Days: days, Errors: make([]IngestError, 0, len(runs))}
	if status.Days == nil {
		status.Days = []store.IngestHealthSummary{}
	}
	for _, run := range runs {
		e := IngestError{
			StartedAt:    run.StartedAt,
			Source:       run.Source,
			Endpoint:     run.Endpoint,
			LocationCode: run.LocationCode.String,
			HTTPStatus:   int(run.HTTPStatus.Int64),
			Message:      run.ErrorMessage.String,
		}
		status.Errors = append(status.Errors, e)
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}
