package historical

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/processor"
	"market-data-pipeline/internal/source"
	"market-data-pipeline/internal/source/stub"
	"market-data-pipeline/internal/storage"
	"market-data-pipeline/internal/storage/memory"
)

var session = domain.DefaultSession()

// at returns 2024-01-15 (a Monday) at h:m in the session location.
func at(h, m int) time.Time {
	return time.Date(2024, 1, 15, h, m, 0, 0, session.Loc())
}

// minutes builds n consecutive one-minute candles starting at start.
func minutes(start time.Time, n int) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := 0; i < n; i++ {
		p := 100 + float64(i%50)
		out[i] = domain.MustCandle(start.Add(time.Duration(i)*time.Minute), p, p+1, p-1, p+0.5, 10)
	}
	return out
}

type fixture struct {
	src   *stub.CandleSource
	store *memory.CandleStore
	mgr   *Manager
	now   time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	f := &fixture{
		src:   stub.NewCandleSource(),
		store: memory.NewCandleStore(),
		now:   now,
	}
	clock := func() time.Time { return f.now }

	mgr, err := New(Options{
		Source:    f.src,
		Store:     f.store,
		Processor: processor.New(processor.Options{Session: session, Now: clock}),
		Instruments: []domain.Instrument{
			{Symbol: "NIFTY", Token: "99926000", Exchange: "NSE"},
		},
		Now: clock,
	})
	require.NoError(t, err)
	f.mgr = mgr
	return f
}

func oneMinuteKey(symbol string) storage.SeriesKey {
	return storage.SeriesKey{Symbol: symbol, Timeframe: domain.OneMinute}
}

// failingStore rejects every Save.
type failingStore struct {
	*memory.CandleStore
}

func (failingStore) Save(context.Context, storage.SeriesKey, []domain.Candle) error {
	return errors.New("disk full")
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{Store: memory.NewCandleStore()})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = New(Options{Source: stub.NewCandleSource()})
	require.ErrorAs(t, err, &cfgErr)
}

func TestFetch_CleansSourceRows(t *testing.T) {
	f := newFixture(t, at(12, 0))
	rows := minutes(at(10, 0), 3)
	f.src.Add("NIFTY", domain.OneMinute, rows[2], rows[0], rows[1], rows[0])

	got, err := f.mgr.Fetch(context.Background(), "NIFTY", "", domain.OneMinute, at(9, 0), at(11, 0))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.Equal(at(10, 0)))
	assert.True(t, got[2].Timestamp.Equal(at(10, 2)))

	reqs := f.src.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "99926000", reqs[0].Token)
	assert.Equal(t, "NSE", reqs[0].Exchange)
	assert.Equal(t, StateIdle, f.mgr.State("NIFTY", domain.OneMinute))
}

func TestFetch_SourceFailure(t *testing.T) {
	f := newFixture(t, at(12, 0))
	f.src.FailWith(errors.New("connection reset"))

	_, err := f.mgr.Fetch(context.Background(), "NIFTY", "", domain.OneMinute, at(9, 0), at(11, 0))

	var srcErr *source.SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.True(t, srcErr.Retryable())
	assert.Equal(t, domain.OneMinute, srcErr.Timeframe)
	assert.Equal(t, StateFailed, f.mgr.State("NIFTY", domain.OneMinute))
}

func TestFetch_ConfigurationErrors(t *testing.T) {
	f := newFixture(t, at(12, 0))
	ctx := context.Background()
	var cfgErr *ConfigurationError

	_, err := f.mgr.Fetch(ctx, "BANKNIFTY", "", domain.OneMinute, at(9, 0), at(10, 0))
	require.ErrorAs(t, err, &cfgErr, "unknown symbol without token")

	_, err = f.mgr.Fetch(ctx, "", "1", domain.OneMinute, at(9, 0), at(10, 0))
	require.ErrorAs(t, err, &cfgErr, "empty symbol")

	_, err = f.mgr.Fetch(ctx, "NIFTY", "", domain.Timeframe("TWO_MINUTE"), at(9, 0), at(10, 0))
	require.ErrorAs(t, err, &cfgErr, "unknown timeframe")

	assert.Empty(t, f.src.Requests())
}

func TestPersist_RejectsInvalidSeries(t *testing.T) {
	f := newFixture(t, at(12, 0))
	bad := minutes(at(10, 0), 2)
	bad[1].High = decimal.NewFromInt(1) // below low

	err := f.mgr.Persist(context.Background(), bad, "NIFTY", domain.OneMinute)

	var valErr *processor.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, 1, valErr.Index)
	assert.Equal(t, StateFailed, f.mgr.State("NIFTY", domain.OneMinute))

	_, err = f.store.Load(context.Background(), oneMinuteKey("NIFTY"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPersist_RejectsDuplicateRow(t *testing.T) {
	f := newFixture(t, at(12, 0))
	series := minutes(at(10, 0), 3)
	series = append(series, series[1])

	err := f.mgr.Persist(context.Background(), series, "NIFTY", domain.OneMinute)

	var valErr *processor.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, 3, valErr.Index)
	var persistErr *PersistenceError
	assert.False(t, errors.As(err, &persistErr))
	assert.Equal(t, StateFailed, f.mgr.State("NIFTY", domain.OneMinute))
}

func TestPersist_StoreFailure(t *testing.T) {
	mgr, err := New(Options{
		Source: stub.NewCandleSource(),
		Store:  failingStore{memory.NewCandleStore()},
	})
	require.NoError(t, err)

	err = mgr.Persist(context.Background(), minutes(at(10, 0), 2), "NIFTY", domain.OneMinute)

	var persistErr *PersistenceError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, "save", persistErr.Op)
	assert.Equal(t, oneMinuteKey("NIFTY"), persistErr.Key)
}

func TestLoad_CachesAndInvalidates(t *testing.T) {
	f := newFixture(t, at(12, 0))
	ctx := context.Background()

	_, err := f.mgr.Load(ctx, "NIFTY", domain.OneMinute)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, f.mgr.Persist(ctx, minutes(at(10, 0), 3), "NIFTY", domain.OneMinute))
	got, err := f.mgr.Load(ctx, "NIFTY", domain.OneMinute)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// A write behind the manager's back is not seen while the entry is fresh.
	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), minutes(at(10, 0), 5)))
	got, err = f.mgr.Load(ctx, "NIFTY", domain.OneMinute)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// Expired entries are reloaded.
	f.now = f.now.Add(DefaultCacheTTL + time.Second)
	got, err = f.mgr.Load(ctx, "NIFTY", domain.OneMinute)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	// Persist through the manager invalidates immediately.
	require.NoError(t, f.mgr.Persist(ctx, minutes(at(10, 0), 7), "NIFTY", domain.OneMinute))
	got, err = f.mgr.Load(ctx, "NIFTY", domain.OneMinute)
	require.NoError(t, err)
	assert.Len(t, got, 7)
}

func TestLoad_ReturnsCopy(t *testing.T) {
	f := newFixture(t, at(12, 0))
	ctx := context.Background()
	require.NoError(t, f.mgr.Persist(ctx, minutes(at(10, 0), 2), "NIFTY", domain.OneMinute))

	first, err := f.mgr.Load(ctx, "NIFTY", domain.OneMinute)
	require.NoError(t, err)
	first[0].Volume = 999

	second, err := f.mgr.Load(ctx, "NIFTY", domain.OneMinute)
	require.NoError(t, err)
	assert.Equal(t, int64(10), second[0].Volume)
}

func TestUpdate_FreshFetchUsesLookback(t *testing.T) {
	f := newFixture(t, at(12, 0))
	f.src.Add("NIFTY", domain.OneMinute, minutes(at(9, 15), 30)...)

	got, err := f.mgr.Update(context.Background(), "NIFTY", "", domain.OneMinute)
	require.NoError(t, err)
	assert.Len(t, got, 30)

	reqs := f.src.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].From.Equal(at(12, 0).AddDate(0, 0, -30)), "from %v", reqs[0].From)
	assert.True(t, reqs[0].To.Equal(at(12, 0)))

	stored, err := f.store.Load(context.Background(), oneMinuteKey("NIFTY"))
	require.NoError(t, err)
	assert.Len(t, stored, 30)
}

func TestUpdate_IncrementalFiltersOverlap(t *testing.T) {
	f := newFixture(t, at(10, 30))
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), minutes(at(10, 0), 11))) // 10:00..10:10

	// Source re-serves 10:10 with a different close; the stored row must win.
	overlap := domain.MustCandle(at(10, 10), 500, 501, 499, 500, 1)
	f.src.Add("NIFTY", domain.OneMinute, overlap)
	f.src.Add("NIFTY", domain.OneMinute, minutes(at(10, 11), 5)...)

	got, err := f.mgr.Update(ctx, "NIFTY", "", domain.OneMinute)
	require.NoError(t, err)
	require.Len(t, got, 16)
	assert.True(t, got[10].Close.Equal(decimal.NewFromFloat(110.5)), "stored 10:10 row kept")
	assert.True(t, got[15].Timestamp.Equal(at(10, 15)))

	reqs := f.src.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].From.Equal(at(10, 10)))
}

func TestUpdate_SkipsRecentData(t *testing.T) {
	f := newFixture(t, at(10, 10).Add(30*time.Second))
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), minutes(at(10, 0), 11)))

	got, err := f.mgr.Update(ctx, "NIFTY", "", domain.OneMinute)
	require.NoError(t, err)
	assert.Len(t, got, 11)
	assert.Empty(t, f.src.Requests())
}

func TestUpdate_NothingNew(t *testing.T) {
	f := newFixture(t, at(11, 0))
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), minutes(at(10, 0), 11)))

	got, err := f.mgr.Update(ctx, "NIFTY", "", domain.OneMinute)
	require.NoError(t, err)
	assert.Len(t, got, 11)
	assert.Len(t, f.src.Requests(), 1)
}

func TestUpdateIntraday_Initial(t *testing.T) {
	f := newFixture(t, at(10, 0))
	f.src.Add("NIFTY", domain.OneMinute, minutes(at(9, 15), 45)...)

	res, err := f.mgr.UpdateIntraday(context.Background(), "NIFTY", "", true)
	require.NoError(t, err)
	assert.Equal(t, ModeInitial, res.Mode)
	assert.Nil(t, res.Window)
	assert.Len(t, res.Series, 45)
}

func TestUpdateIntraday_SameDayIsIncremental(t *testing.T) {
	f := newFixture(t, at(10, 0))
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), minutes(at(9, 15), 30)))
	f.src.Add("NIFTY", domain.OneMinute, minutes(at(9, 45), 15)...)

	res, err := f.mgr.UpdateIntraday(ctx, "NIFTY", "", true)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Len(t, res.Series, 45)
	assert.Empty(t, res.Resample.Results)
}

func TestUpdateIntraday_SkipsOutsideSession(t *testing.T) {
	f := newFixture(t, at(16, 30))
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), minutes(at(9, 15), 30)))
	f.src.Add("NIFTY", domain.OneMinute, minutes(at(9, 45), 15)...)

	res, err := f.mgr.UpdateIntraday(ctx, "NIFTY", "", true)
	require.NoError(t, err)
	assert.Equal(t, ModeSkipped, res.Mode)
	assert.Len(t, res.Series, 30)
	assert.Empty(t, f.src.Requests())

	f.now = at(8, 0).AddDate(0, 0, 1)
	res, err = f.mgr.UpdateIntraday(ctx, "NIFTY", "", false)
	require.NoError(t, err)
	assert.Equal(t, ModeSkipped, res.Mode, "pre-open without auto backfill")
	assert.Empty(t, f.src.Requests())
}

func TestUpdateIntraday_LateStartBackfill(t *testing.T) {
	f := newFixture(t, at(13, 45))
	ctx := context.Background()

	yesterday := at(9, 15).AddDate(0, 0, -3) // previous Friday
	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), minutes(yesterday, 375)))
	f.src.Add("NIFTY", domain.OneMinute, minutes(at(9, 15), 270)...) // 09:15..13:44

	res, err := f.mgr.UpdateIntraday(ctx, "NIFTY", "", true)
	require.NoError(t, err)
	require.Equal(t, ModeBackfill, res.Mode)
	require.NotNil(t, res.Window)
	assert.True(t, res.Window.Start.Equal(at(9, 15)))
	assert.True(t, res.Window.End.Equal(at(13, 15)))

	reqs := f.src.Requests()
	require.Len(t, reqs, 2)
	assert.True(t, reqs[0].From.Equal(at(9, 15)))
	assert.True(t, reqs[0].To.Equal(at(13, 15)))
	assert.True(t, reqs[1].From.Equal(at(13, 15)), "incremental update continues from window end")

	require.Len(t, res.Series, 375+270)
	last, _ := domain.LastTimestamp(res.Series)
	assert.True(t, last.Equal(at(13, 44)))

	assert.True(t, res.Resample.OK(), "resample: %v", res.Resample.Err())
	require.Len(t, res.Resample.Results, len(domain.IntradayTimeframes()))
	for _, tf := range domain.IntradayTimeframes() {
		stored, err := f.store.Load(ctx, storage.SeriesKey{Symbol: "NIFTY", Timeframe: tf})
		require.NoError(t, err, tf)
		assert.NotEmpty(t, stored, tf)
	}
}

func TestUpdateIntraday_AfterCloseStopsAtClose(t *testing.T) {
	f := newFixture(t, at(17, 0))
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), minutes(at(9, 15).AddDate(0, 0, -3), 10)))
	f.src.Add("NIFTY", domain.OneMinute, minutes(at(9, 15), 376)...) // 09:15..15:30

	res, err := f.mgr.UpdateIntraday(ctx, "NIFTY", "", true)
	require.NoError(t, err)
	assert.Equal(t, ModeBackfill, res.Mode)
	assert.True(t, res.Window.End.Equal(at(15, 30)))
	assert.Len(t, f.src.Requests(), 1, "no incremental update after close")
	assert.Len(t, res.Series, 10+376)

	thirty, err := f.store.Load(ctx, storage.SeriesKey{Symbol: "NIFTY", Timeframe: domain.ThirtyMinute})
	require.NoError(t, err)
	last, _ := domain.LastTimestamp(thirty)
	assert.Equal(t, "15:30", last.In(session.Loc()).Format("15:04"))
}

func TestUpdateIntraday_NoAutoBackfill(t *testing.T) {
	f := newFixture(t, at(13, 45))
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), minutes(at(9, 15).AddDate(0, 0, -3), 10)))
	f.src.Add("NIFTY", domain.OneMinute, minutes(at(9, 15), 10)...)

	res, err := f.mgr.UpdateIntraday(ctx, "NIFTY", "", false)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Len(t, res.Series, 20)
}

func TestUpdateIntraday_BackfillSourceFailure(t *testing.T) {
	f := newFixture(t, at(13, 45))
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), minutes(at(9, 15).AddDate(0, 0, -3), 10)))
	f.src.FailWith(errors.New("503"))

	_, err := f.mgr.UpdateIntraday(ctx, "NIFTY", "", true)
	var srcErr *source.SourceError
	require.ErrorAs(t, err, &srcErr)

	stored, err := f.store.Load(ctx, oneMinuteKey("NIFTY"))
	require.NoError(t, err)
	assert.Len(t, stored, 10, "stored series untouched")
}

func TestBackfill_ExistingWinsOnOverlap(t *testing.T) {
	f := newFixture(t, at(14, 0))
	ctx := context.Background()
	stored := minutes(at(9, 15), 5)
	require.NoError(t, f.store.Save(ctx, oneMinuteKey("NIFTY"), stored))

	replacement := domain.MustCandle(at(9, 15), 1, 2, 0.5, 1.5, 1)
	f.src.Add("NIFTY", domain.OneMinute, replacement)
	f.src.Add("NIFTY", domain.OneMinute, minutes(at(9, 20), 5)...)

	got, err := f.mgr.Backfill(ctx, "NIFTY", "", at(9, 15), at(9, 30))
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.True(t, got[0].Equal(stored[0]))
}

func TestBackfill_InvalidRange(t *testing.T) {
	f := newFixture(t, at(14, 0))

	_, err := f.mgr.Backfill(context.Background(), "NIFTY", "", at(10, 0), at(9, 0))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestResampleAll_IsolatesFailures(t *testing.T) {
	f := newFixture(t, at(16, 0))
	ctx := context.Background()

	report := f.mgr.ResampleAll(ctx, "NIFTY", minutes(at(9, 15), 375),
		domain.ThirtyMinute, domain.Timeframe("BOGUS"), domain.OneHour)

	require.Len(t, report.Results, 3)
	assert.False(t, report.OK())
	assert.Equal(t, []domain.Timeframe{"BOGUS"}, report.Failed())
	assert.Error(t, report.Err())

	assert.Equal(t, 13, report.Results[0].Candles)
	assert.Equal(t, 7, report.Results[2].Candles)

	thirty, err := f.store.Load(ctx, storage.SeriesKey{Symbol: "NIFTY", Timeframe: domain.ThirtyMinute})
	require.NoError(t, err)
	assert.Len(t, thirty, 13)
	assert.True(t, thirty[0].Timestamp.Equal(at(9, 0)))
}

func TestResampleAll_Cancelled(t *testing.T) {
	f := newFixture(t, at(16, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := f.mgr.ResampleAll(ctx, "NIFTY", minutes(at(9, 15), 60))

	require.Len(t, report.Results, len(domain.IntradayTimeframes()))
	for _, res := range report.Results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	keys, err := f.mgr.ListAvailable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestInitializeInstrument(t *testing.T) {
	f := newFixture(t, at(16, 0))
	ctx := context.Background()

	fiveKey := storage.SeriesKey{Symbol: "NIFTY", Timeframe: domain.FiveMinute}
	require.NoError(t, f.store.Save(ctx, fiveKey, minutes(at(9, 15), 3)))
	f.src.Add("NIFTY", domain.OneMinute, minutes(at(9, 15), 10)...)

	results := f.mgr.InitializeInstrument(ctx, "NIFTY", "",
		domain.OneMinute, domain.FiveMinute, domain.OneHour)

	require.Len(t, results, 3)
	assert.NoError(t, results[domain.OneMinute])
	assert.NoError(t, results[domain.FiveMinute])

	var valErr *processor.ValidationError
	assert.ErrorAs(t, results[domain.OneHour], &valErr, "source has no hourly data")

	for _, req := range f.src.Requests() {
		assert.NotEqual(t, domain.FiveMinute, req.Timeframe, "stored timeframe is skipped")
	}

	keys, err := f.mgr.ListAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []storage.SeriesKey{fiveKey, oneMinuteKey("NIFTY")}, keys)
}

func TestManager_ParallelKeys(t *testing.T) {
	f := newFixture(t, at(12, 0))
	ctx := context.Background()

	symbols := make([]string, 8)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%d", i)
		f.src.Add(symbols[i], domain.OneMinute, minutes(at(9, 15), 20)...)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(symbols)*2)
	for _, sym := range symbols {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()
				_, err := f.mgr.Update(ctx, sym, "tok", domain.OneMinute)
				errs <- err
			}(sym)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	keys, err := f.mgr.ListAvailable(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, len(symbols))
}
