// Package main is the market data command line: historical fetch, update,
// intraday backfill and resample runs, the live feed supervisor and a
// self-test.
//
// Usage:
//
//	marketdata -mode update -symbol NIFTY -timeframe FIVE_MINUTE
//	marketdata -mode intraday
//	marketdata -mode backfill -symbol NIFTY -from "2024-01-15 09:15" -to "2024-01-15 13:15"
//	marketdata -mode feed -config config.yml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"market-data-pipeline/internal/config"
	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/logging"
)

const inputTimeLayout = "2006-01-02 15:04"

var (
	configPath    = flag.String("config", os.Getenv("MARKETDATA_CONFIG"), "Path to YAML config file")
	mode          = flag.String("mode", "", "Mode: fetch, init, update, intraday, backfill, resample, list, feed, selftest (required)")
	symbolFlag    = flag.String("symbol", "", "Trading symbol (default: every configured instrument)")
	timeframeFlag = flag.String("timeframe", "ONE_MINUTE", "Timeframe name or alias (ONE_MINUTE, 5min, 1H, ...)")
	fromFlag      = flag.String("from", "", "Range start, \"YYYY-MM-DD HH:MM\" in session time")
	toFlag        = flag.String("to", "", "Range end, \"YYYY-MM-DD HH:MM\" in session time (default: now)")
	noBackfill    = flag.Bool("no-backfill", false, "Disable late-start backfill in intraday mode")
	persist       = flag.Bool("persist", false, "Persist fetched candles in fetch mode")
	migrate       = flag.Bool("migrate", false, "Apply embedded schema migrations for database backends")
	storageFlag   = flag.String("storage", "", "Override storage backend: memory, file, postgres, clickhouse")
	postgresDSN   = flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN = flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	metricsAddr   = flag.String("metrics-addr", "", "Override HTTP address for /metrics and /health")
	waitTimeout   = flag.Duration("wait", 30*time.Second, "How long feed mode waits for the first snapshot")
	outputJSON    = flag.Bool("json", false, "Print results as JSON")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.Configure(cfg.Logging.Format, cfg.Logging.Level, "marketdata")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}

	if *mode == "" {
		flag.Usage()
		logger.Fatal("-mode is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg, logger: logger}
	if err := app.run(ctx, *mode); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted")
			os.Exit(130)
		}
		logger.Fatalf("%s failed: %v", *mode, err)
	}
}

// loadConfig reads the config file (or defaults) and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *storageFlag != "" {
		cfg.Storage.Backend = *storageFlag
	}
	if *postgresDSN != "" {
		cfg.Storage.PostgresDSN = *postgresDSN
	}
	if *clickhouseDSN != "" {
		cfg.Storage.ClickhouseDSN = *clickhouseDSN
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	return cfg, cfg.Validate()
}

type app struct {
	cfg    *config.Config
	logger *logrus.Entry
}

func (a *app) run(ctx context.Context, mode string) error {
	switch mode {
	case "fetch":
		return a.runFetch(ctx)
	case "init":
		return a.runInit(ctx)
	case "update":
		return a.runUpdate(ctx)
	case "intraday":
		return a.runIntraday(ctx)
	case "backfill":
		return a.runBackfill(ctx)
	case "resample":
		return a.runResample(ctx)
	case "list":
		return a.runList(ctx)
	case "feed":
		return a.runFeed(ctx)
	case "selftest":
		return a.runSelftest(ctx)
	}
	return fmt.Errorf("unknown mode %q", mode)
}

// instruments returns the -symbol instrument or every configured one.
func (a *app) instruments() ([]domain.Instrument, error) {
	if *symbolFlag == "" {
		return a.cfg.DomainInstruments(), nil
	}

	var out []domain.Instrument
	for _, sym := range strings.Split(*symbolFlag, ",") {
		sym = strings.TrimSpace(sym)
		inst, ok := a.cfg.FindInstrument(sym)
		if !ok {
			return nil, fmt.Errorf("symbol %s is not configured", sym)
		}
		out = append(out, inst)
	}
	return out, nil
}

func parseInputTime(value string, loc *time.Location, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	t, err := time.ParseInLocation(inputTimeLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: want %q", value, inputTimeLayout)
	}
	return t, nil
}

// report prints v as JSON when -json is set, otherwise logs summary.
func (a *app) report(summary string, v any) {
	if *outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			a.logger.Errorf("encode result: %v", err)
		}
		return
	}
	a.logger.Info(summary)
}
