package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lox/rentalweather/internal/config"
)

type Scheduler struct {
	refresher       *WeatherRefresher
	daily           *DailyJobs
	loc             *time.Location
	weatherInterval time.Duration
	dailySpec       string
	now             func() time.Time
}

func NewScheduler(refresher *WeatherRefresher, daily *DailyJobs, cfg *config.Config) *Scheduler {
	return &Scheduler{
		refresher:       refresher,
		daily:           daily,
		loc:             cfg.Location(),
		weatherInterval: cfg.Schedule.WeatherRefresh,
		dailySpec:       cfg.Schedule.DailyAnalysis,
		now:             time.Now,
	}
}

// Run refreshes weather immediately and then on every interval, and runs the
// daily analysis on its cron schedule, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(s.dailySpec, func() { s.RunDailyJobs(ctx) }); err != nil {
		return fmt.Errorf("scheduler: daily spec %q: %w", s.dailySpec, err)
	}

	s.refreshWeather(ctx)

	c.Start()
	log.Printf("scheduler: weather every %s, daily analysis at %q (%s)", s.weatherInterval, s.dailySpec, s.loc)

	weatherTicker := time.NewTicker(s.weatherInterval)
	defer weatherTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			<-c.Stop().Done()
			return nil
		case <-weatherTicker.C:
			s.refreshWeather(ctx)
		}
	}
}

func (s *Scheduler) refreshWeather(ctx context.Context) {
	if s.refresher == nil {
		return
	}
	if _, err := s.refresher.RefreshAll(ctx); err != nil {
		log.Printf("scheduler: weather refresh: %v", err)
	}
}

// RunDailyJobs runs the daily analysis as of today in the configured zone.
func (s *Scheduler) RunDailyJobs(ctx context.Context) DailySummary {
	return s.daily.RunAll(ctx, s.now().In(s.loc))
}
