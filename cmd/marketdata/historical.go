package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"market-data-pipeline/internal/bootstrap"
	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/historical"
	"market-data-pipeline/internal/processor"
	"market-data-pipeline/internal/storage"
)

// seriesResult is the printable outcome for one series.
type seriesResult struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Candles   int       `json:"candles"`
	Last      time.Time `json:"last,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func newSeriesResult(symbol string, tf domain.Timeframe, series []domain.Candle, err error) seriesResult {
	res := seriesResult{Symbol: symbol, Timeframe: string(tf), Candles: len(series)}
	if last, ok := domain.LastTimestamp(series); ok {
		res.Last = last
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// newManager wires the historical manager from configuration.
func (a *app) newManager(ctx context.Context) (*historical.Manager, domain.Session, func(), error) {
	session, err := a.cfg.DomainSession()
	if err != nil {
		return nil, session, nil, err
	}

	store, cleanup, err := bootstrap.CandleStore(ctx, a.cfg, session, *migrate)
	if err != nil {
		return nil, session, nil, fmt.Errorf("open candle store: %w", err)
	}

	src, err := bootstrap.CandleSource(a.cfg, session)
	if err != nil {
		cleanup()
		return nil, session, nil, err
	}

	proc := processor.New(processor.Options{Session: session, Logger: a.logger})
	if path := a.cfg.Historical.CacheFile; path != "" {
		if err := proc.LoadCache(path); err != nil {
			a.logger.Warnf("ignoring cache file: %v", err)
		}
		closeStore := cleanup
		cleanup = func() {
			if err := proc.SaveCache(path); err != nil {
				a.logger.Warnf("cache not saved: %v", err)
			}
			closeStore()
		}
	}

	mgr, err := historical.New(historical.Options{
		Source:       src,
		Store:        store,
		Processor:    proc,
		Instruments:  a.cfg.DomainInstruments(),
		CacheTTL:     a.cfg.Historical.CacheTTL,
		BackfillStep: a.cfg.Historical.BackfillStep,
		MinUpdateAge: a.cfg.Historical.MinUpdateAge,
		Logger:       a.logger,
	})
	if err != nil {
		cleanup()
		return nil, session, nil, err
	}
	return mgr, session, cleanup, nil
}

func (a *app) timeframe() (domain.Timeframe, error) {
	return domain.ParseTimeframe(*timeframeFlag)
}

func (a *app) runFetch(ctx context.Context) error {
	mgr, session, cleanup, err := a.newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	tf, err := a.timeframe()
	if err != nil {
		return err
	}
	insts, err := a.instruments()
	if err != nil {
		return err
	}

	now := time.Now()
	to, err := parseInputTime(*toFlag, session.Loc(), now)
	if err != nil {
		return err
	}
	from, err := parseInputTime(*fromFlag, session.Loc(), now.AddDate(0, 0, -tf.LookbackDays()))
	if err != nil {
		return err
	}

	var results []seriesResult
	var failed error
	for _, inst := range insts {
		series, err := mgr.Fetch(ctx, inst.Symbol, inst.Token, tf, from, to)
		if err == nil && *persist {
			err = mgr.Persist(ctx, series, inst.Symbol, tf)
		}
		results = append(results, newSeriesResult(inst.Symbol, tf, series, err))
		failed = errors.Join(failed, err)
	}

	a.report(fmt.Sprintf("fetched %d series", len(results)), results)
	return failed
}

func (a *app) runInit(ctx context.Context) error {
	mgr, _, cleanup, err := a.newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	insts, err := a.instruments()
	if err != nil {
		return err
	}

	var results []seriesResult
	var failed error
	for _, inst := range insts {
		for _, tf := range domain.AllTimeframes() {
			errs := mgr.InitializeInstrument(ctx, inst.Symbol, inst.Token, tf)
			results = append(results, newSeriesResult(inst.Symbol, tf, nil, errs[tf]))
			failed = errors.Join(failed, errs[tf])
		}
	}

	a.report(fmt.Sprintf("initialized %d instruments", len(insts)), results)
	return failed
}

func (a *app) runUpdate(ctx context.Context) error {
	mgr, _, cleanup, err := a.newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	tf, err := a.timeframe()
	if err != nil {
		return err
	}
	insts, err := a.instruments()
	if err != nil {
		return err
	}

	var results []seriesResult
	var failed error
	for _, inst := range insts {
		series, err := mgr.Update(ctx, inst.Symbol, inst.Token, tf)
		results = append(results, newSeriesResult(inst.Symbol, tf, series, err))
		failed = errors.Join(failed, err)
	}

	a.report(fmt.Sprintf("updated %d series", len(results)), results)
	return failed
}

// intradayResult is the printable outcome of an intraday run.
type intradayResult struct {
	Symbol      string         `json:"symbol"`
	Mode        string         `json:"mode"`
	WindowStart time.Time      `json:"window_start,omitempty"`
	WindowEnd   time.Time      `json:"window_end,omitempty"`
	Candles     int            `json:"candles"`
	Resampled   []seriesResult `json:"resampled,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func (a *app) runIntraday(ctx context.Context) error {
	mgr, _, cleanup, err := a.newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	insts, err := a.instruments()
	if err != nil {
		return err
	}

	var results []intradayResult
	var failed error
	for _, inst := range insts {
		res, err := mgr.UpdateIntraday(ctx, inst.Symbol, inst.Token, !*noBackfill)
		out := intradayResult{Symbol: inst.Symbol}
		if err != nil {
			out.Error = err.Error()
			failed = errors.Join(failed, err)
		}
		if res != nil {
			out.Mode = string(res.Mode)
			out.Candles = len(res.Series)
			if res.Window != nil {
				out.WindowStart, out.WindowEnd = res.Window.Start, res.Window.End
			}
			out.Resampled = reportRows(inst.Symbol, res.Resample)
			failed = errors.Join(failed, res.Resample.Err())
		}
		results = append(results, out)
	}

	a.report(fmt.Sprintf("intraday update for %d instruments", len(results)), results)
	return failed
}

func (a *app) runBackfill(ctx context.Context) error {
	mgr, session, cleanup, err := a.newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	insts, err := a.instruments()
	if err != nil {
		return err
	}

	now := time.Now()
	window := historical.ComputeBackfillWindow("", now, session, a.cfg.Historical.BackfillStep)
	from, err := parseInputTime(*fromFlag, session.Loc(), window.Start)
	if err != nil {
		return err
	}
	to, err := parseInputTime(*toFlag, session.Loc(), window.End)
	if err != nil {
		return err
	}

	var results []intradayResult
	var failed error
	for _, inst := range insts {
		logger := a.logger.WithFields(logrus.Fields{
			"symbol":       inst.Symbol,
			"window_start": from.Format(time.RFC3339),
			"window_end":   to.Format(time.RFC3339),
		})
		logger.Info("backfilling")

		out := intradayResult{Symbol: inst.Symbol, Mode: "backfill", WindowStart: from, WindowEnd: to}
		series, err := mgr.Backfill(ctx, inst.Symbol, inst.Token, from, to)
		if err != nil {
			out.Error = err.Error()
			failed = errors.Join(failed, err)
			results = append(results, out)
			continue
		}
		report := mgr.ResampleAll(ctx, inst.Symbol, series)
		out.Candles = len(series)
		out.Resampled = reportRows(inst.Symbol, report)
		failed = errors.Join(failed, report.Err())
		results = append(results, out)
	}

	a.report(fmt.Sprintf("backfilled %d instruments", len(results)), results)
	return failed
}

func (a *app) runResample(ctx context.Context) error {
	mgr, _, cleanup, err := a.newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	insts, err := a.instruments()
	if err != nil {
		return err
	}

	tf, err := a.timeframe()
	if err != nil {
		return err
	}
	var targets []domain.Timeframe
	if tf != domain.OneMinute {
		targets = append(targets, tf)
	}

	var results []seriesResult
	var failed error
	for _, inst := range insts {
		series, err := mgr.Load(ctx, inst.Symbol, domain.OneMinute)
		if err != nil {
			results = append(results, newSeriesResult(inst.Symbol, domain.OneMinute, nil, err))
			failed = errors.Join(failed, err)
			continue
		}
		report := mgr.ResampleAll(ctx, inst.Symbol, series, targets...)
		results = append(results, reportRows(inst.Symbol, report)...)
		failed = errors.Join(failed, report.Err())
	}

	a.report(fmt.Sprintf("resampled %d instruments", len(insts)), results)
	return failed
}

func (a *app) runList(ctx context.Context) error {
	mgr, _, cleanup, err := a.newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	keys, err := mgr.ListAvailable(ctx)
	if err != nil {
		return err
	}

	results := make([]seriesResult, 0, len(keys))
	for _, key := range keys {
		series, err := mgr.Load(ctx, key.Symbol, key.Timeframe)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		results = append(results, newSeriesResult(key.Symbol, key.Timeframe, series, err))
	}

	if !*outputJSON {
		for _, r := range results {
			a.logger.Infof("%s_%s: %d candles, last %s", r.Symbol, r.Timeframe, r.Candles, r.Last.Format(time.RFC3339))
		}
	}
	a.report(fmt.Sprintf("%d series stored", len(results)), results)
	return nil
}

func reportRows(symbol string, report historical.ResampleReport) []seriesResult {
	rows := make([]seriesResult, 0, len(report.Results))
	for _, r := range report.Results {
		row := seriesResult{Symbol: symbol, Timeframe: string(r.Timeframe), Candles: r.Candles}
		if r.Err != nil {
			row.Error = r.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}
