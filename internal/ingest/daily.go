package ingest

import (
	"context"
	"log"
	"time"

	"github.com/lox/rentalweather/internal/categorize"
	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/forecast"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/pipeline"
	"github.com/lox/rentalweather/internal/store"
)

// RawPayloadRetentionDays is how long raw weather responses are kept.
const RawPayloadRetentionDays = 30

type DailyJobs struct {
	store       *store.Store
	categorizer *categorize.Categorizer
	accuracy    *forecast.AccuracyTracker
	pipeline    *pipeline.Service
	stores      []string
}

func NewDailyJobs(s *store.Store, p *pipeline.Service, cfg *config.Config) *DailyJobs {
	return &DailyJobs{
		store:       s,
		categorizer: categorize.New(s),
		accuracy:    forecast.NewAccuracyTracker(s),
		pipeline:    p,
		stores:      cfg.StoreCodes(),
	}
}

type DailySummary struct {
	Categorized int
	Backfilled  int
	Analyzed    int
	Failed      []string
	Invalidated int
}

// RunAll runs the daily analysis as of asOf: categorize equipment, score
// yesterday's forecasts, then correlate, profile and forecast each store and
// the company as a whole. A failing step is logged and the rest still run.
func (d *DailyJobs) RunAll(ctx context.Context, asOf time.Time) DailySummary {
	log.Printf("daily: running jobs as of %s", asOf.Format(models.DateLayout))
	var sum DailySummary

	cat, err := d.categorizer.CategorizeAll(ctx)
	if err != nil {
		log.Printf("daily: categorize error: %v", err)
	}
	sum.Categorized = cat.Items

	if sum.Backfilled, err = d.accuracy.Backfill(ctx, asOf); err != nil {
		log.Printf("daily: accuracy backfill error: %v", err)
	}

	for _, code := range append(append([]string(nil), d.stores...), "") {
		if ctx.Err() != nil {
			break
		}
		label := code
		if label == "" {
			label = "all"
		}
		report, err := d.pipeline.RunDaily(ctx, pipeline.DailyRequest{StoreCode: code, AsOf: asOf, Persist: true})
		if err != nil {
			log.Printf("daily: store %s: %v", label, err)
			sum.Failed = append(sum.Failed, label)
			continue
		}
		sum.Analyzed++
		if n := len(report.Correlations.Leaders); n > 0 {
			l := report.Correlations.Leaders[0]
			log.Printf("daily: store %s leading indicator: %s", label, l.LagInterpretation)
		}

		n, err := d.pipeline.Invalidate(ctx, code)
		if err != nil {
			log.Printf("daily: invalidate %s: %v", label, err)
		}
		sum.Invalidated += n
	}

	if n, err := d.store.CleanupRawPayloads(ctx, RawPayloadRetentionDays); err != nil {
		log.Printf("daily: raw payload cleanup error: %v", err)
	} else if n > 0 {
		log.Printf("daily: removed %d raw payloads older than %d days", n, RawPayloadRetentionDays)
	}

	log.Printf("daily: categorized %d items, backfilled %d forecasts, analyzed %d scopes (%d failed)",
		sum.Categorized, sum.Backfilled, sum.Analyzed, len(sum.Failed))
	return sum
}
