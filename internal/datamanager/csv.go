package datamanager

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"pandora/internal/domain"
)

// CSVColumns names the header of each bar field in an imported CSV file.
// Turnover and OpenInterest are optional: an empty name or a missing column
// imports zero.
type CSVColumns struct {
	Datetime     string
	Open         string
	High         string
	Low          string
	Close        string
	Volume       string
	Turnover     string
	OpenInterest string
}

// DefaultCSVColumns matches the header written by ExportCSV.
func DefaultCSVColumns() CSVColumns {
	return CSVColumns{
		Datetime:     "datetime",
		Open:         "open",
		High:         "high",
		Low:          "low",
		Close:        "close",
		Volume:       "volume",
		Turnover:     "turnover",
		OpenInterest: "open_interest",
	}
}

// ImportOptions describes the contract and layout of an imported CSV file.
type ImportOptions struct {
	Symbol   string
	Exchange domain.Exchange
	Interval domain.Interval
	Columns  CSVColumns

	// DatetimeFormat is a Go time layout. Empty accepts "2006-01-02 15:04:05",
	// RFC 3339 without zone, and plain dates.
	DatetimeFormat string

	// Location interprets datetimes without a zone. Nil uses the manager's.
	Location *time.Location
}

// exportHeader is the column order written by ExportCSV.
var exportHeader = []string{
	"symbol", "exchange", "datetime",
	"open", "high", "low", "close",
	"volume", "turnover", "open_interest",
}

var defaultLayouts = []string{time.DateTime, "2006-01-02T15:04:05", time.DateOnly}

// ImportCSV parses bars from r and saves them. It returns the datetimes of
// the first and last rows and how many bars were imported.
func (m *Manager) ImportCSV(ctx context.Context, r io.Reader, opts ImportOptions) (start, end time.Time, count int, err error) {
	if opts.Symbol == "" || opts.Exchange == "" || opts.Interval == "" {
		return start, end, 0, errors.New("import needs symbol, exchange and interval")
	}
	loc := opts.Location
	if loc == nil {
		loc = m.location
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return start, end, 0, err
	}
	// Some exporters pad files with NUL bytes.
	raw = bytes.ReplaceAll(raw, []byte{0}, nil)

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err == io.EOF {
		return start, end, 0, nil
	}
	if err != nil {
		return start, end, 0, fmt.Errorf("reading header: %w", err)
	}
	cols, err := indexColumns(header, opts.Columns)
	if err != nil {
		return start, end, 0, err
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return start, end, 0, err
		}
		bar, err := cols.parse(rec, opts, loc)
		if err != nil {
			return start, end, 0, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return start, end, 0, nil
	}

	if err := m.store.WriteBars(ctx, bars); err != nil {
		return start, end, 0, fmt.Errorf("saving imported bars: %w", err)
	}
	start, end = bars[0].Datetime, bars[len(bars)-1].Datetime
	m.log.Info("imported csv", "key", domain.Key(opts.Symbol, opts.Exchange), "interval", opts.Interval,
		"count", len(bars), "start", start, "end", end)
	return start, end, len(bars), nil
}

// ExportCSV writes stored bars of one contract and interval to w and returns
// how many rows were written.
func (m *Manager) ExportCSV(ctx context.Context, w io.Writer, symbol string, exchange domain.Exchange, interval domain.Interval, start, end time.Time) (int, error) {
	bars, err := m.store.ReadBars(ctx, symbol, exchange, interval, start, end)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, err
	}
	for _, b := range bars {
		rec := []string{
			b.Symbol,
			string(b.Exchange),
			b.Datetime.In(m.location).Format(time.DateTime),
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
			formatFloat(b.Turnover),
			formatFloat(b.OpenInterest),
		}
		if err := cw.Write(rec); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, err
	}
	return len(bars), nil
}

// columnIndex holds the position of each field in a CSV record; -1 marks an
// absent optional column.
type columnIndex struct {
	datetime, open, high, low, close, volume, turnover, openInterest int
}

func indexColumns(header []string, names CSVColumns) (columnIndex, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	required := func(name string) (int, error) {
		i, ok := pos[name]
		if !ok {
			return 0, fmt.Errorf("missing column %q", name)
		}
		return i, nil
	}
	optional := func(name string) int {
		if i, ok := pos[name]; ok && name != "" {
			return i
		}
		return -1
	}

	var (
		c   columnIndex
		err error
	)
	for _, f := range []struct {
		dst  *int
		name string
	}{
		{&c.datetime, names.Datetime},
		{&c.open, names.Open},
		{&c.high, names.High},
		{&c.low, names.Low},
		{&c.close, names.Close},
		{&c.volume, names.Volume},
	} {
		if *f.dst, err = required(f.name); err != nil {
			return c, err
		}
	}
	c.turnover = optional(names.Turnover)
	c.openInterest = optional(names.OpenInterest)
	return c, nil
}

func (c columnIndex) parse(rec []string, opts ImportOptions, loc *time.Location) (domain.Bar, error) {
	field := func(i int) string {
		if i < 0 || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	var err error
	num := func(i int, optional bool) float64 {
		s := field(i)
		if s == "" && optional {
			return 0
		}
		v, perr := strconv.ParseFloat(s, 64)
		if perr != nil && err == nil {
			err = fmt.Errorf("parsing %q: %w", s, perr)
		}
		return v
	}

	dt, derr := parseDatetime(field(c.datetime), opts.DatetimeFormat, loc)
	if derr != nil {
		return domain.Bar{}, derr
	}
	bar := domain.Bar{
		Symbol:       opts.Symbol,
		Exchange:     opts.Exchange,
		Interval:     opts.Interval,
		Datetime:     dt,
		Open:         num(c.open, false),
		High:         num(c.high, false),
		Low:          num(c.low, false),
		Close:        num(c.close, false),
		Volume:       num(c.volume, false),
		Turnover:     num(c.turnover, true),
		OpenInterest: num(c.openInterest, true),
	}
	return bar, err
}

func parseDatetime(s, layout string, loc *time.Location) (time.Time, error) {
	if layout != "" {
		return time.ParseInLocation(layout, s, loc)
	}
	for _, l := range defaultLayouts {
		if t, err := time.ParseInLocation(l, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
