package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/lox/rentalweather/internal/cache"
	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/pipeline"
	"github.com/lox/rentalweather/internal/store"
)

type CLI struct {
	Config string `help:"Path to YAML config file." default:"rentalweather.yaml" env:"RENTALWEATHER_CONFIG" type:"path"`
	DB     string `help:"Path to SQLite database (overrides config)." env:"RENTALWEATHER_DB"`
	Cache  string `help:"Cache backend override: memory or redis." env:"RENTALWEATHER_CACHE"`

	Serve            ServeCmd            `cmd:"" help:"Run the weather refresh loop, daily analysis schedule and ops HTTP server."`
	Migrate          MigrateCmd          `cmd:"" help:"Apply database migrations and exit."`
	RefreshWeather   RefreshWeatherCmd   `cmd:"" help:"Fetch current observations and forecasts for every location."`
	ImportPos        ImportPOSCmd        `cmd:"" name:"import-pos" help:"Import POS CSV exports from a directory or the configured FTP drop."`
	Categorize       CategorizeCmd       `cmd:"" help:"Classify every equipment item into a business segment."`
	Correlate        CorrelateCmd        `cmd:"" help:"Correlate weather factors with business metrics."`
	Seasonal         SeasonalCmd         `cmd:"" help:"Profile month-of-year demand and project the next twelve months."`
	Forecast         ForecastCmd         `cmd:"" help:"Forecast daily revenue and contracts."`
	BackfillAccuracy BackfillAccuracyCmd `cmd:"" help:"Record actuals against past forecasts and report accuracy."`
	Daily            DailyCmd            `cmd:"" help:"Run the daily analysis jobs once and exit."`
}

// App carries the shared dependencies every command runs against.
type App struct {
	ctx      context.Context
	cfg      *config.Config
	db       *sql.DB
	store    *store.Store
	cache    cache.Cache
	pipeline *pipeline.Service
	out      io.Writer
}

func (a *App) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Printf("close cache: %v", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func newApp(ctx context.Context, cli *CLI) (*App, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.DB != "" {
		cfg.DatabasePath = cli.DB
	}
	if cli.Cache != "" {
		cfg.Cache.Backend = cli.Cache
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	app := &App{ctx: ctx, cfg: cfg, db: db, out: os.Stdout}
	app.store = store.New(db, cfg.Location())
	if err := app.store.Migrate(); err != nil {
		app.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if app.cache, err = cache.New(cfg.Cache); err != nil {
		app.Close()
		return nil, err
	}
	if app.pipeline, err = pipeline.New(app.store, app.cache, cfg); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("rentalweather"),
		kong.Description("Weather and rental business correlation and forecasting."),
		kong.UsageOnError(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, &cli)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer app.Close()

	if err := kctx.Run(app); err != nil {
		app.Close()
		kctx.FatalIfErrorf(err)
	}
}
