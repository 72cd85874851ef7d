package narrative

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/rentalweather/internal/correlation"
	"github.com/lox/rentalweather/internal/forecast"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/seasonal"
)

func sampleInput() Input {
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	return Input{
		StoreCode: "3607",
		Correlations: []correlation.Result{
			{Factor: "temperature_high", Metric: "daily_revenue", PearsonR: 0.72, IsSignificant: true, Strength: correlation.Strong, DataPoints: 120,
				Insight: correlation.Insight("temperature_high", "daily_revenue", 0.72)},
			{Factor: "wind_speed", Metric: "daily_revenue", PearsonR: 0.05, Strength: correlation.VeryWeak, DataPoints: 120},
		},
		Leaders: []correlation.Result{
			{Factor: "precipitation", Metric: "daily_contracts", OptimalLagDays: 2, LagR: -0.41},
		},
		Seasonal: &seasonal.Report{Profiles: map[models.Segment]seasonal.Profile{
			models.SegmentAll: {Peak: []time.Month{time.June, time.July, time.August}, Low: []time.Month{time.January, time.February, time.December}},
		}},
		Forecast: &forecast.Result{Days: []forecast.DayForecast{
			{Date: start, Segment: models.SegmentAll, Revenue: 1200, Contracts: 3},
			{Date: start.AddDate(0, 0, 1), Segment: models.SegmentAll, Revenue: 1800, Contracts: 4},
			{Date: start, Segment: models.SegmentPartyEvent, Revenue: 900, Contracts: 2},
		}},
	}
}

func TestFacts(t *testing.T) {
	facts := Facts(sampleInput())
	require.Len(t, facts, 4)
	assert.True(t, strings.HasPrefix(facts[0], "Store 3607: "))
	assert.Contains(t, facts[0], "strong, 120 days")
	assert.Equal(t, "Precipitation leads daily contracts by 2 days (r=-0.41).", facts[1])
	assert.Equal(t, "Peak months are June, July, August; slowest are January, February, December.", facts[2])
	assert.Equal(t, "Next 2 days: $3000 revenue across 7 contracts; busiest Tue Jun 3 ($1800).", facts[3])
}

func TestFactsEmpty(t *testing.T) {
	assert.Equal(t, []string{"All stores: not enough data for a summary yet."}, Facts(Input{}))

	weak := Facts(Input{Correlations: []correlation.Result{{PearsonR: 0.01, PValue: 0.9}}})
	assert.Equal(t, []string{"All stores: no weather factor moved business metrics meaningfully."}, weak)
}

func TestSummarizeWithoutKeyUsesTemplate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	s := New("gpt-4o-mini").Summarize(context.Background(), sampleInput())
	assert.Equal(t, SourceTemplate, s.Source)
	assert.Equal(t, strings.Join(Facts(sampleInput()), " "), s.Text)
}

func TestSummarizeWithChatCompletion(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":" Warm days drive revenue. "}}]}`)
	}))
	defer srv.Close()

	t.Setenv("OPENAI_API_KEY", "test-key")
	s := New("gpt-4o-mini", option.WithBaseURL(srv.URL)).Summarize(context.Background(), sampleInput())
	assert.Equal(t, SourceOpenAI, s.Source)
	assert.Equal(t, "Warm days drive revenue.", s.Text)
	assert.Contains(t, body, `"model":"gpt-4o-mini"`)
	assert.Contains(t, body, "Peak months are June")
}

func TestSummarizeFallsBackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	t.Setenv("OPENAI_API_KEY", "test-key")
	s := New("gpt-4o-mini", option.WithBaseURL(srv.URL), option.WithMaxRetries(0)).Summarize(context.Background(), sampleInput())
	assert.Equal(t, SourceTemplate, s.Source)
}
