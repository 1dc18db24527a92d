package datamanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pandora/internal/bargen"
	"pandora/internal/config"
	"pandora/internal/domain"
	"pandora/internal/feed"
	"pandora/internal/store"
)

var cst = time.FixedZone("CST", 8*60*60)

func at(h, m, s int) time.Time {
	return time.Date(2024, 3, 1, h, m, s, 0, cst)
}

func newManager(t *testing.T, source *fakeSource) (*Manager, store.Store) {
	t.Helper()
	s := store.NewParquetStore(t.TempDir(), cst)
	if source == nil {
		return New(s, nil, cst, 2), s
	}
	return New(s, source, cst, 2), s
}

type fakeSource struct {
	ticks []domain.Tick
	bars  []domain.Bar
	err   error
	calls int
}

func (f *fakeSource) QueryBars(_ context.Context, symbol string, exchange domain.Exchange, interval domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Bar
	for _, b := range f.bars {
		if b.Symbol == symbol && b.Exchange == exchange && b.Interval == interval &&
			!b.Datetime.Before(start) && !b.Datetime.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeSource) QueryTicks(_ context.Context, symbol string, exchange domain.Exchange, start, end time.Time) ([]domain.Tick, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Tick
	for _, t := range f.ticks {
		if t.Symbol == symbol && t.Exchange == exchange && !t.Datetime.Before(start) && !t.Datetime.After(end) {
			out = append(out, t)
		}
	}
	return out, nil
}

func tick(symbol string, ts time.Time, price, volume float64) domain.Tick {
	return domain.Tick{
		Symbol:    symbol,
		Exchange:  domain.ExchangeSHFE,
		Datetime:  ts,
		LocalTime: ts,
		LastPrice: price,
		Volume:    volume,
		Turnover:  volume * price,
	}
}

// minuteBars returns n consecutive one-minute bars starting at 09:00.
func minuteBars(symbol string, n int) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		price := 3600 + float64(i)
		bars[i] = domain.Bar{
			Symbol:   symbol,
			Exchange: domain.ExchangeSHFE,
			Interval: domain.IntervalMinute,
			Datetime: at(9, i, 0),
			Open:     price,
			High:     price + 1,
			Low:      price - 1,
			Close:    price,
			Volume:   10,
		}
	}
	return bars
}

func TestImportCSV(t *testing.T) {
	m, _ := newManager(t, nil)
	ctx := context.Background()

	data := "datetime,open,high,low,close,volume\n" +
		"2024-03-01 09:00:00,3600,3605,3598,3602,120\n" +
		"2024-03-01 09:01:00,3602,3610,3601,3608,80\x00\n"
	start, end, count, err := m.ImportCSV(ctx, strings.NewReader(data), ImportOptions{
		Symbol:   "rb2405",
		Exchange: domain.ExchangeSHFE,
		Interval: domain.IntervalMinute,
		Columns:  DefaultCSVColumns(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.True(t, start.Equal(at(9, 0, 0)))
	assert.True(t, end.Equal(at(9, 1, 0)))

	bars, err := m.LoadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 3608.0, bars[1].Close)
	assert.Equal(t, 80.0, bars[1].Volume)
	assert.Zero(t, bars[1].Turnover, "missing optional columns import zero")
}

func TestImportCSVCustomColumns(t *testing.T) {
	m, _ := newManager(t, nil)

	data := "Date,O,H,L,C,Vol,Amt,OI\n2024/03/01 21:05,1,2,0.5,1.5,10,15,900\n"
	_, _, count, err := m.ImportCSV(context.Background(), strings.NewReader(data), ImportOptions{
		Symbol:         "rb2405",
		Exchange:       domain.ExchangeSHFE,
		Interval:       domain.IntervalMinute,
		Columns:        CSVColumns{"Date", "O", "H", "L", "C", "Vol", "Amt", "OI"},
		DatetimeFormat: "2006/01/02 15:04",
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	bars, err := m.LoadBars(context.Background(), "rb2405", domain.ExchangeSHFE, domain.IntervalMinute, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Datetime.Equal(at(21, 5, 0)))
	assert.Equal(t, 15.0, bars[0].Turnover)
	assert.Equal(t, 900.0, bars[0].OpenInterest)
}

func TestImportCSVErrors(t *testing.T) {
	m, _ := newManager(t, nil)
	opts := ImportOptions{
		Symbol:   "rb2405",
		Exchange: domain.ExchangeSHFE,
		Interval: domain.IntervalMinute,
		Columns:  DefaultCSVColumns(),
	}

	tests := []struct {
		name string
		data string
		opts ImportOptions
	}{
		{"missing column", "datetime,open,high,low,close\n2024-03-01 09:00:00,1,1,1,1\n", opts},
		{"bad number", "datetime,open,high,low,close,volume\n2024-03-01 09:00:00,x,1,1,1,1\n", opts},
		{"bad datetime", "datetime,open,high,low,close,volume\nyesterday,1,1,1,1,1\n", opts},
		{"no contract", "datetime,open,high,low,close,volume\n", ImportOptions{Columns: DefaultCSVColumns()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := m.ImportCSV(context.Background(), strings.NewReader(tt.data), tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestExportCSV(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()

	bars := minuteBars("rb2405", 2)
	bars[0].Turnover = 36000.5
	bars[0].OpenInterest = 1200
	require.NoError(t, s.WriteBars(ctx, bars))

	var buf bytes.Buffer
	n, err := m.ExportCSV(ctx, &buf, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "symbol,exchange,datetime,open,high,low,close,volume,turnover,open_interest", lines[0])
	assert.Equal(t, "rb2405,SHFE,2024-03-01 09:00:00,3600,3601,3599,3600,10,36000.5,1200", lines[1])

	// Exported files import back unchanged.
	m2, _ := newManager(t, nil)
	_, _, count, err := m2.ImportCSV(ctx, &buf, ImportOptions{
		Symbol:   "rb2405",
		Exchange: domain.ExchangeSHFE,
		Interval: domain.IntervalMinute,
		Columns:  DefaultCSVColumns(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	got, err := m2.LoadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 36000.5, got[0].Turnover)
	assert.Equal(t, 1200.0, got[0].OpenInterest)
}

func TestDownloadTicks(t *testing.T) {
	src := &fakeSource{ticks: []domain.Tick{
		tick("rb2405", at(21, 0, 0), 3600, 1),
		tick("rb2405", at(21, 0, 1), 3601, 2),
		tick("hc2405", at(21, 0, 0), 3300, 1),
	}}
	m, _ := newManager(t, src)
	ctx := context.Background()

	n, err := m.DownloadTicks(ctx, "rb2405", domain.ExchangeSHFE, at(20, 0, 0), at(23, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ticks, err := m.LoadTicks(ctx, "rb2405", domain.ExchangeSHFE, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, ticks, 2)

	src.err = errors.New("upstream down")
	_, err = m.DownloadTicks(ctx, "rb2405", domain.ExchangeSHFE, at(20, 0, 0), at(23, 0, 0))
	require.Error(t, err)

	noSource, _ := newManager(t, nil)
	_, err = noSource.DownloadTicks(ctx, "rb2405", domain.ExchangeSHFE, at(20, 0, 0), at(23, 0, 0))
	require.ErrorIs(t, err, ErrNoSource)
}

func TestDownloadBars(t *testing.T) {
	src := &fakeSource{bars: minuteBars("rb2405", 3)}
	m, _ := newManager(t, src)
	ctx := context.Background()

	n, err := m.DownloadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute, at(9, 0, 0), at(9, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bars, err := m.LoadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, bars, 2)

	n, err = m.DownloadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalHour, at(9, 0, 0), at(10, 0, 0))
	require.NoError(t, err)
	assert.Zero(t, n)

	src.err = errors.New("upstream down")
	_, err = m.DownloadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute, at(9, 0, 0), at(9, 1, 0))
	require.Error(t, err)

	noSource, _ := newManager(t, nil)
	_, err = noSource.DownloadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute, at(9, 0, 0), at(9, 1, 0))
	require.ErrorIs(t, err, ErrNoSource)
}

func TestDownloadBarsThenRebuildFromAlpaca(t *testing.T) {
	bars := []map[string]any{
		{"t": "2024-03-01T13:30:00Z", "o": 10.0, "h": 11.0, "l": 9.5, "c": 10.5, "v": 100, "n": 7, "vw": 10.2},
		{"t": "2024-03-01T13:31:00Z", "o": 10.5, "h": 12.0, "l": 10.0, "c": 11.5, "v": 50, "n": 3, "vw": 11.0},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v2/stocks/bars") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{"bars": map[string]any{"AAPL": bars}, "next_page_token": nil}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			t.Errorf("encoding response: %v", err)
		}
	}))
	defer srv.Close()

	s := store.NewParquetStore(t.TempDir(), cst)
	source := feed.NewHistoryFeed(config.Alpaca{DataURL: srv.URL, Feed: "iex", RateLimitPerMin: 600}, cst)
	m := New(s, source, cst, 1)
	ctx := context.Background()

	// 13:30Z is 21:30 in CST.
	n, err := m.DownloadBars(ctx, "AAPL", domain.ExchangeSMART, domain.IntervalMinute, at(21, 0, 0), at(22, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = m.RebuildBars(ctx, "AAPL", domain.ExchangeSMART, "2m", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	windows, err := m.LoadBars(ctx, "AAPL", domain.ExchangeSMART, domain.IntervalMinute2, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.True(t, windows[0].Datetime.Equal(at(21, 30, 0)))
	assert.Equal(t, 150.0, windows[0].Volume)
	assert.Equal(t, 12.0, windows[0].High)
}

func TestRebuildBarsFromTicks(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()
	require.NoError(t, s.WriteTicks(ctx, []domain.Tick{
		tick("rb2405", at(21, 0, 0), 3600, 1),
		tick("rb2405", at(21, 0, 30), 3605, 4),
		tick("rb2405", at(21, 1, 0), 3602, 6),
		tick("rb2405", at(21, 1, 30), 3601, 9),
		tick("rb2405", at(21, 2, 0), 3603, 10),
	}))

	n, err := m.RebuildBars(ctx, "rb2405", domain.ExchangeSHFE, TagMinute, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the open minute at the end is not emitted")

	bars, err := m.LoadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Datetime.Equal(at(21, 0, 0)))
	assert.Equal(t, 3605.0, bars[0].High)
	assert.Equal(t, 5.0, bars[1].Volume)
}

func TestRebuildBarsWindows(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()
	require.NoError(t, s.WriteBars(ctx, minuteBars("rb2405", 6)))

	n, err := m.RebuildBars(ctx, "rb2405", domain.ExchangeSHFE, "recorder", time.Time{}, time.Time{})
	require.NoError(t, err)
	// 09:00-09:05: three 2m, two 3m, one 5m and no 15m windows close.
	assert.Equal(t, 6, n)

	bars, err := m.LoadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute5, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Datetime.Equal(at(9, 0, 0)))
	assert.Equal(t, 50.0, bars[0].Volume)
	assert.Equal(t, 3605.0, bars[0].High)

	_, err = m.RebuildBars(ctx, "rb2405", domain.ExchangeSHFE, "7m", time.Time{}, time.Time{})
	require.ErrorIs(t, err, bargen.ErrInvalidWindow)
	_, err = m.RebuildBars(ctx, "rb2405", domain.ExchangeSHFE, "fortnight", time.Time{}, time.Time{})
	require.ErrorIs(t, err, bargen.ErrUnknownPolicy)
}

func TestRebuildFromData(t *testing.T) {
	m, _ := newManager(t, nil)
	ctx := context.Background()

	n, err := m.RebuildFromData(ctx, "2m", nil, minuteBars("rb2405", 4))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bars, err := m.LoadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute2, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, bars, 2)

	n, err = m.RebuildFromData(ctx, TagMinute, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRebuildAll(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()
	require.NoError(t, s.WriteBars(ctx, minuteBars("rb2405", 6)))
	require.NoError(t, s.WriteBars(ctx, minuteBars("hc2405", 6)))

	n, err := m.RebuildAll(ctx, "2m", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	overview, err := m.BarOverview(ctx)
	require.NoError(t, err)
	counts := make(map[string]int64)
	for _, o := range overview {
		counts[domain.Key(o.Symbol, o.Exchange)+"/"+string(o.Interval)] = o.Count
	}
	assert.Equal(t, map[string]int64{
		"hc2405.SHFE/1m": 6,
		"rb2405.SHFE/1m": 6,
		"hc2405.SHFE/2m": 3,
		"rb2405.SHFE/2m": 3,
	}, counts)

	_, err = m.RebuildAll(ctx, "bogus", time.Time{}, time.Time{})
	require.Error(t, err)
}

func TestRebuildPortfolio(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()
	require.NoError(t, s.WriteTicks(ctx, []domain.Tick{
		tick("rb2405", at(21, 0, 0), 3600, 1),
		tick("rb2405", at(21, 0, 30), 3605, 4),
		tick("rb2405", at(21, 1, 10), 3602, 6),
		tick("rb2405", at(21, 2, 5), 3603, 8),
		tick("hc2405", at(21, 0, 10), 3300, 1),
		tick("hc2405", at(21, 1, 20), 3310, 3),
		tick("hc2405", at(21, 2, 10), 3305, 5),
	}))

	n, err := m.RebuildPortfolio(ctx, []string{"rb2405.SHFE", "hc2405.SHFE"}, "2m", time.Time{}, time.Time{})
	require.NoError(t, err)
	// Two closed minute slices of two contracts plus one 2m slice; 21:02 is
	// still open.
	assert.Equal(t, 6, n)

	minutes, err := m.LoadBars(ctx, "hc2405", domain.ExchangeSHFE, domain.IntervalMinute, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, minutes, 2)
	assert.True(t, minutes[1].Datetime.Equal(at(21, 1, 0)))
	assert.Equal(t, 3310.0, minutes[1].Close)
	assert.Equal(t, 2.0, minutes[1].Volume)

	windows, err := m.LoadBars(ctx, "rb2405", domain.ExchangeSHFE, domain.IntervalMinute2, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.True(t, windows[0].Datetime.Equal(at(21, 0, 0)))
	assert.Equal(t, 5.0, windows[0].Volume)
	assert.Equal(t, 3605.0, windows[0].High)

	_, err = m.RebuildPortfolio(ctx, []string{"rb2405.SHFE"}, "d", time.Time{}, time.Time{})
	require.ErrorIs(t, err, bargen.ErrUnknownPolicy)
	_, err = m.RebuildPortfolio(ctx, []string{"rb2405"}, TagMinute, time.Time{}, time.Time{})
	require.Error(t, err)
}

func TestDeleteAndOverview(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()
	require.NoError(t, s.WriteBars(ctx, minuteBars("rb2405", 3)))
	require.NoError(t, s.WriteTicks(ctx, []domain.Tick{tick("rb2405", at(21, 0, 0), 1, 1)}))

	ticks, err := m.TickOverview(ctx)
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	n, err := m.DeleteBars(ctx, store.BarFilter{Symbol: "rb2405"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = m.DeleteTicks(ctx, store.TickFilter{Exchange: domain.ExchangeSHFE})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	overview, err := m.BarOverview(ctx)
	require.NoError(t, err)
	assert.Empty(t, overview)
}
