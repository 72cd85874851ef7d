package main

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/rentalweather/internal/api"
	"github.com/lox/rentalweather/internal/categorize"
	"github.com/lox/rentalweather/internal/forecast"
	"github.com/lox/rentalweather/internal/ingest"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/narrative"
	"github.com/lox/rentalweather/internal/pipeline"
	"github.com/lox/rentalweather/internal/seasonal"
)

// dateFlag accepts YYYY-MM-DD dates on the command line.
type dateFlag struct{ time.Time }

func (d *dateFlag) UnmarshalText(b []byte) error {
	t, err := time.Parse(models.DateLayout, string(b))
	if err != nil {
		return fmt.Errorf("expected YYYY-MM-DD: %w", err)
	}
	d.Time = t
	return nil
}

type ServeCmd struct {
	Port   string `help:"HTTP port (overrides config)." env:"PORT"`
	NoPoll bool   `help:"Disable the refresh loop and daily schedule (server only, for local dev)."`
}

func (c *ServeCmd) Run(app *App) error {
	port := c.Port
	if port == "" {
		port = app.cfg.HTTPPort
	}
	server := api.NewServer(app.store, port, app.cfg.Schedule.WeatherRefresh)

	g, ctx := errgroup.WithContext(app.ctx)
	if !c.NoPoll {
		refresher := ingest.NewWeatherRefresher(app.store, ingest.NewNWSClient(app.cfg.Weather), app.cfg)
		daily := ingest.NewDailyJobs(app.store, app.pipeline, app.cfg)
		scheduler := ingest.NewScheduler(refresher, daily, app.cfg)
		g.Go(func() error { return scheduler.Run(ctx) })
	} else {
		log.Println("polling disabled (--no-poll)")
	}
	g.Go(func() error { return server.Run(ctx) })
	return g.Wait()
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(app *App) error {
	version, err := app.store.MigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "database at migration version %d\n", version)
	return nil
}

type RefreshWeatherCmd struct {
	Location string `help:"Refresh a single location code."`
}

func (c *RefreshWeatherCmd) Run(app *App) error {
	refresher := ingest.NewWeatherRefresher(app.store, ingest.NewNWSClient(app.cfg.Weather), app.cfg)
	if c.Location != "" {
		loc, err := app.cfg.LocationByCode(c.Location)
		if err != nil {
			return err
		}
		obs, days, err := refresher.RefreshLocation(app.ctx, loc)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.out, "%s: %d observations, %d forecast days\n", loc.Code, obs, days)
		return nil
	}
	sum, err := refresher.RefreshAll(app.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "refreshed %d locations (%d failed): %d observations, %d forecast days\n",
		sum.Locations, sum.Failed, sum.Observations, sum.ForecastDays)
	return nil
}

type ImportPOSCmd struct {
	Dir         string `help:"Import exports from a local directory instead of FTP." type:"existingdir"`
	FTPPassword string `help:"FTP password (overrides config)." env:"POS_FTP_PASSWORD" name:"ftp-password"`
}

func (c *ImportPOSCmd) Run(app *App) error {
	var src ingest.ExportSource
	switch {
	case c.Dir != "":
		src = ingest.DirSource{Dir: c.Dir}
	case app.cfg.POSImport.FTPHost != "":
		cfg := app.cfg.POSImport
		if c.FTPPassword != "" {
			cfg.FTPPassword = c.FTPPassword
		}
		ftpSrc, err := ingest.DialFTPSource(app.ctx, cfg)
		if err != nil {
			return err
		}
		defer ftpSrc.Close()
		src = ftpSrc
	default:
		return errors.New("no --dir given and pos_import.ftp_host is not configured")
	}

	sum, err := ingest.NewPOSImporter(app.store, app.cfg.Location()).Import(app.ctx, src)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "imported %d files: %d equipment, %d transactions, %d items (%d row errors)\n",
		sum.Files, sum.Equipment, sum.Transactions, sum.Items, sum.RowErrors)

	for _, code := range append(app.cfg.StoreCodes(), "") {
		if _, err := app.pipeline.Invalidate(app.ctx, code); err != nil {
			log.Printf("invalidate store=%q: %v", code, err)
		}
	}
	return nil
}

type CategorizeCmd struct{}

func (c *CategorizeCmd) Run(app *App) error {
	sum, err := categorize.New(app.store).CategorizeAll(app.ctx)
	if err != nil {
		return err
	}
	printSegments(app.out, sum)
	return nil
}

type CorrelateCmd struct {
	Store     string         `help:"Store code; empty for all stores."`
	Segment   models.Segment `help:"Restrict to one equipment segment."`
	Start     dateFlag       `help:"First day of the window (YYYY-MM-DD)."`
	End       dateFlag       `help:"Last day of the window (YYYY-MM-DD)."`
	Persist   bool           `help:"Store results in weather_rental_correlations."`
	Narrative bool           `help:"Print an executive summary of the findings."`
}

func (c *CorrelateCmd) Run(app *App) error {
	if err := checkStore(app, c.Store); err != nil {
		return err
	}
	if c.Segment != "" && !c.Segment.Valid() {
		return fmt.Errorf("unknown segment %q", c.Segment)
	}
	report, err := app.pipeline.Correlations(app.ctx, pipeline.CorrelationRequest{
		StoreCode: c.Store,
		Segment:   c.Segment,
		Start:     c.Start.Time,
		End:       c.End.Time,
		Persist:   c.Persist,
	})
	if err != nil {
		return err
	}
	printCorrelations(app.out, report)

	if c.Narrative {
		w := narrative.New(app.cfg.Narrative.Model)
		s := w.Summarize(app.ctx, narrative.Input{
			StoreCode:    c.Store,
			Correlations: report.Matrix.Results(),
			Leaders:      report.Leaders,
		})
		fmt.Fprintf(app.out, "\n%s\n", s.Text)
	}
	return nil
}

type SeasonalCmd struct {
	Store   string   `help:"Store code; empty for all stores."`
	Start   dateFlag `help:"First day of history (YYYY-MM-DD); defaults to two years back."`
	End     dateFlag `help:"Last day of history (YYYY-MM-DD)."`
	Persist bool     `help:"Store monthly patterns in seasonal_patterns."`
}

func (c *SeasonalCmd) Run(app *App) error {
	if err := checkStore(app, c.Store); err != nil {
		return err
	}
	if c.Persist && c.Store != "" {
		return errors.New("seasonal patterns are stored company-wide; omit --store with --persist")
	}
	report, err := app.pipeline.Seasonal(app.ctx, seasonal.Request{
		StoreCode: c.Store,
		Start:     c.Start.Time,
		End:       c.End.Time,
		Persist:   c.Persist,
	})
	if err != nil {
		return err
	}
	printSeasonal(app.out, report)
	return nil
}

type ForecastCmd struct {
	Store    string   `help:"Store code; empty for all stores."`
	Start    dateFlag `help:"First forecast day (YYYY-MM-DD); defaults to tomorrow."`
	Days     int      `help:"Horizon in days (defaults to config)."`
	Segments bool     `help:"Also forecast each business segment."`
	Retrain  bool     `help:"Retrain models instead of reusing cached ones."`
	Persist  bool     `help:"Store forecasts in weather_forecast_demand."`
}

func (c *ForecastCmd) Run(app *App) error {
	if err := checkStore(app, c.Store); err != nil {
		return err
	}
	req := pipeline.ForecastRequest{
		StoreCode: c.Store,
		Start:     c.Start.Time,
		Days:      c.Days,
		Retrain:   c.Retrain,
		Persist:   c.Persist,
	}
	if c.Segments {
		req.Segments = models.BusinessSegments
	}
	res, err := app.pipeline.Forecast(app.ctx, req)
	if err != nil {
		return err
	}
	printForecast(app.out, res)
	return nil
}

type BackfillAccuracyCmd struct {
	Window int `help:"Accuracy window in days." default:"30"`
}

func (c *BackfillAccuracyCmd) Run(app *App) error {
	tracker := forecast.NewAccuracyTracker(app.store)
	now := time.Now().In(app.cfg.Location())
	filled, err := tracker.Backfill(app.ctx, now)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "backfilled %d forecasts\n\n", filled)

	rows, err := tracker.Summary(app.ctx, c.Window, now)
	if err != nil {
		return err
	}
	printAccuracy(app.out, rows)
	return nil
}

type DailyCmd struct {
	AsOf dateFlag `help:"Run as of this day (YYYY-MM-DD); defaults to today." name:"as-of"`
}

func (c *DailyCmd) Run(app *App) error {
	asOf := c.AsOf.Time
	if asOf.IsZero() {
		asOf = time.Now().In(app.cfg.Location())
	}
	sum := ingest.NewDailyJobs(app.store, app.pipeline, app.cfg).RunAll(app.ctx, asOf)
	fmt.Fprintf(app.out, "categorized %d, backfilled %d, analyzed %d scopes, invalidated %d cache entries\n",
		sum.Categorized, sum.Backfilled, sum.Analyzed, sum.Invalidated)
	if len(sum.Failed) > 0 {
		return fmt.Errorf("daily jobs failed for: %v", sum.Failed)
	}
	return nil
}

func checkStore(app *App, code string) error {
	if code == "" {
		return nil
	}
	_, err := app.cfg.StoreByCode(code)
	return err
}
