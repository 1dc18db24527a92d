package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"pandora/internal/domain"
)

// Compile-time interface check.
var _ Store = (*ParquetStore)(nil)

// ParquetStore implements Store using Parquet files on disk.
//
// Layout:
//
//	<DataDir>/bars/<interval>/<SYMBOL.EXCHANGE>/<YYYY-MM-DD>.parquet  (intraday)
//	<DataDir>/bars/<interval>/<SYMBOL.EXCHANGE>/<YYYY>.parquet        (d, w)
//	<DataDir>/ticks/<SYMBOL.EXCHANGE>/<YYYY-MM-DD>.parquet
//
// Partition dates are taken in Location.
type ParquetStore struct {
	DataDir  string
	Location *time.Location

	// mu serializes read-merge-write cycles on partition files.
	mu sync.Mutex
}

// NewParquetStore creates a new ParquetStore rooted at the given data
// directory. A nil loc means time.Local.
func NewParquetStore(dataDir string, loc *time.Location) *ParquetStore {
	if loc == nil {
		loc = time.Local
	}
	return &ParquetStore{DataDir: dataDir, Location: loc}
}

// Close is a no-op; every operation opens and closes its own files.
func (s *ParquetStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol       string  `parquet:"symbol"`
	Exchange     string  `parquet:"exchange"`
	Interval     string  `parquet:"interval"`
	Datetime     int64   `parquet:"datetime,timestamp(millisecond)"` // Unix ms
	Open         float64 `parquet:"open"`
	High         float64 `parquet:"high"`
	Low          float64 `parquet:"low"`
	Close        float64 `parquet:"close"`
	Volume       float64 `parquet:"volume"`
	Turnover     float64 `parquet:"turnover"`
	OpenInterest float64 `parquet:"open_interest"`
}

// TickRecord is the Parquet schema for tick data.
type TickRecord struct {
	Symbol       string  `parquet:"symbol"`
	Exchange     string  `parquet:"exchange"`
	Datetime     int64   `parquet:"datetime,timestamp(millisecond)"`   // Unix ms
	LocalTime    int64   `parquet:"local_time,timestamp(millisecond)"` // Unix ms
	Seq          int64   `parquet:"seq"`
	LastPrice    float64 `parquet:"last_price"`
	Volume       float64 `parquet:"volume"`
	Turnover     float64 `parquet:"turnover"`
	OpenInterest float64 `parquet:"open_interest"`
}

func barRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:       b.Symbol,
		Exchange:     string(b.Exchange),
		Interval:     string(b.Interval),
		Datetime:     b.Datetime.UnixMilli(),
		Open:         b.Open,
		High:         b.High,
		Low:          b.Low,
		Close:        b.Close,
		Volume:       b.Volume,
		Turnover:     b.Turnover,
		OpenInterest: b.OpenInterest,
	}
}

func (r BarRecord) bar(loc *time.Location) domain.Bar {
	return domain.Bar{
		Symbol:       r.Symbol,
		Exchange:     domain.Exchange(r.Exchange),
		Interval:     domain.Interval(r.Interval),
		Datetime:     time.UnixMilli(r.Datetime).In(loc),
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Volume:       r.Volume,
		Turnover:     r.Turnover,
		OpenInterest: r.OpenInterest,
	}
}

func tickRecord(t domain.Tick) TickRecord {
	return TickRecord{
		Symbol:       t.Symbol,
		Exchange:     string(t.Exchange),
		Datetime:     t.Datetime.UnixMilli(),
		LocalTime:    t.LocalTime.UnixMilli(),
		Seq:          t.Seq,
		LastPrice:    t.LastPrice,
		Volume:       t.Volume,
		Turnover:     t.Turnover,
		OpenInterest: t.OpenInterest,
	}
}

func (r TickRecord) tick(loc *time.Location) domain.Tick {
	return domain.Tick{
		Symbol:       r.Symbol,
		Exchange:     domain.Exchange(r.Exchange),
		Datetime:     time.UnixMilli(r.Datetime).In(loc),
		LocalTime:    time.UnixMilli(r.LocalTime).In(loc),
		LastPrice:    r.LastPrice,
		Volume:       r.Volume,
		Turnover:     r.Turnover,
		OpenInterest: r.OpenInterest,
		Seq:          r.Seq,
	}
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars merges bars into their partition files, replacing stored bars
// with the same datetime.
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	groups := make(map[string][]BarRecord)
	for _, b := range bars {
		path := s.barPath(b.Key(), b.Interval, b.Datetime)
		groups[path] = append(groups[path], barRecord(b))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for path, records := range groups {
		existing, err := readIfExists[BarRecord](path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := writeParquetFile(path, mergeBarRecords(existing, records)); err != nil {
			return fmt.Errorf("writing bars to %s: %w", path, err)
		}
	}
	return nil
}

// ReadBars reads the bars of one contract and interval within [start, end].
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, exchange domain.Exchange, interval domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	dir := filepath.Join(s.DataDir, "bars", string(interval), domain.Key(symbol, exchange))
	files, err := partitions(dir, s.bound(interval, start, ""), s.bound(interval, end, "~"))
	if err != nil {
		return nil, err
	}

	var bars []domain.Bar
	for _, path := range files {
		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for _, r := range records {
			b := r.bar(s.Location)
			if inRange(b.Datetime, start, end) {
				bars = append(bars, b)
			}
		}
	}
	return bars, nil
}

// DeleteBars removes the bars matching filter. Whole partitions are removed
// when the filter has no time range.
func (s *ParquetStore) DeleteBars(_ context.Context, filter BarFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intervals, err := subdirs(filepath.Join(s.DataDir, "bars"))
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, iv := range intervals {
		interval := domain.Interval(iv)
		if filter.Interval != "" && filter.Interval != interval {
			continue
		}
		keys, err := s.matchingKeys(filepath.Join(s.DataDir, "bars", iv), filter.Symbol, filter.Exchange)
		if err != nil {
			return deleted, err
		}
		for _, key := range keys {
			dir := filepath.Join(s.DataDir, "bars", iv, key)
			files, err := partitions(dir, s.bound(interval, filter.Start, ""), s.bound(interval, filter.End, "~"))
			if err != nil {
				return deleted, err
			}
			for _, path := range files {
				n, err := deleteFrom(path, func(r BarRecord) bool {
					return filter.matches(r.bar(s.Location))
				})
				deleted += n
				if err != nil {
					return deleted, err
				}
			}
			_ = os.Remove(dir) // only succeeds when empty
		}
	}
	return deleted, nil
}

// BarOverview walks the bar tree and summarizes each contract and interval.
func (s *ParquetStore) BarOverview(_ context.Context) ([]domain.BarOverview, error) {
	intervals, err := subdirs(filepath.Join(s.DataDir, "bars"))
	if err != nil {
		return nil, err
	}

	var out []domain.BarOverview
	for _, iv := range intervals {
		keys, err := subdirs(filepath.Join(s.DataDir, "bars", iv))
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			symbol, exchange, err := domain.SplitKey(key)
			if err != nil {
				continue
			}
			files, err := partitions(filepath.Join(s.DataDir, "bars", iv, key), "", "~")
			if err != nil {
				return nil, err
			}
			count, first, last, err := summarize(files, func(r BarRecord) int64 { return r.Datetime })
			if err != nil {
				return nil, err
			}
			if count == 0 {
				continue
			}
			out = append(out, domain.BarOverview{
				Symbol:   symbol,
				Exchange: exchange,
				Interval: domain.Interval(iv),
				Count:    count,
				Start:    time.UnixMilli(first).In(s.Location),
				End:      time.UnixMilli(last).In(s.Location),
			})
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// TickStore implementation
// ---------------------------------------------------------------------------

// WriteTicks merges ticks into their daily partition files.
func (s *ParquetStore) WriteTicks(_ context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	groups := make(map[string][]TickRecord)
	for _, t := range ticks {
		path := s.tickPath(t.Key(), t.Datetime)
		groups[path] = append(groups[path], tickRecord(t))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for path, records := range groups {
		existing, err := readIfExists[TickRecord](path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := writeParquetFile(path, mergeTickRecords(existing, records)); err != nil {
			return fmt.Errorf("writing ticks to %s: %w", path, err)
		}
	}
	return nil
}

// ReadTicks reads the ticks of one contract within [start, end].
func (s *ParquetStore) ReadTicks(_ context.Context, symbol string, exchange domain.Exchange, start, end time.Time) ([]domain.Tick, error) {
	dir := filepath.Join(s.DataDir, "ticks", domain.Key(symbol, exchange))
	files, err := partitions(dir, s.bound(domain.IntervalTick, start, ""), s.bound(domain.IntervalTick, end, "~"))
	if err != nil {
		return nil, err
	}

	var ticks []domain.Tick
	for _, path := range files {
		records, err := readParquetFile[TickRecord](path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for _, r := range records {
			t := r.tick(s.Location)
			if inRange(t.Datetime, start, end) {
				ticks = append(ticks, t)
			}
		}
	}
	return ticks, nil
}

// DeleteTicks removes the ticks matching filter.
func (s *ParquetStore) DeleteTicks(_ context.Context, filter TickFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := filepath.Join(s.DataDir, "ticks")
	keys, err := s.matchingKeys(root, filter.Symbol, filter.Exchange)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, key := range keys {
		dir := filepath.Join(root, key)
		files, err := partitions(dir, s.bound(domain.IntervalTick, filter.Start, ""), s.bound(domain.IntervalTick, filter.End, "~"))
		if err != nil {
			return deleted, err
		}
		for _, path := range files {
			n, err := deleteFrom(path, func(r TickRecord) bool {
				return filter.matches(r.tick(s.Location))
			})
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
		_ = os.Remove(dir)
	}
	return deleted, nil
}

// TickOverview walks the tick tree and summarizes each contract.
func (s *ParquetStore) TickOverview(_ context.Context) ([]domain.TickOverview, error) {
	root := filepath.Join(s.DataDir, "ticks")
	keys, err := subdirs(root)
	if err != nil {
		return nil, err
	}

	var out []domain.TickOverview
	for _, key := range keys {
		symbol, exchange, err := domain.SplitKey(key)
		if err != nil {
			continue
		}
		files, err := partitions(filepath.Join(root, key), "", "~")
		if err != nil {
			return nil, err
		}
		count, first, last, err := summarize(files, func(r TickRecord) int64 { return r.Datetime })
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		out = append(out, domain.TickOverview{
			Symbol:   symbol,
			Exchange: exchange,
			Count:    count,
			Start:    time.UnixMilli(first).In(s.Location),
			End:      time.UnixMilli(last).In(s.Location),
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the partition file holding a bar.
func (s *ParquetStore) barPath(key string, interval domain.Interval, t time.Time) string {
	return filepath.Join(s.DataDir, "bars", string(interval), key, s.partition(interval, t)+".parquet")
}

// tickPath returns the partition file holding a tick.
// Layout: <dataDir>/ticks/<SYMBOL.EXCHANGE>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) tickPath(key string, t time.Time) string {
	return filepath.Join(s.DataDir, "ticks", key, s.partition(domain.IntervalTick, t)+".parquet")
}

// partition names the file a timestamp belongs to. Daily and weekly bars
// are partitioned by year, everything else by day.
func (s *ParquetStore) partition(interval domain.Interval, t time.Time) string {
	t = t.In(s.Location)
	if interval == domain.IntervalDaily || interval == domain.IntervalWeekly {
		return t.Format("2006")
	}
	return t.Format("2006-01-02")
}

// bound returns the partition name of t, or open when t is zero.
func (s *ParquetStore) bound(interval domain.Interval, t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return s.partition(interval, t)
}

// matchingKeys lists the contract directories under root that match the
// optional symbol and exchange.
func (s *ParquetStore) matchingKeys(root, symbol string, exchange domain.Exchange) ([]string, error) {
	keys, err := subdirs(root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, key := range keys {
		sym, ex, err := domain.SplitKey(key)
		if err != nil {
			continue
		}
		if symbol != "" && sym != symbol {
			continue
		}
		if exchange != "" && ex != exchange {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// subdirs lists the directory names under dir, sorted. A missing dir is
// empty.
func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// partitions lists the Parquet files in dir whose partition name lies in
// [lo, hi], sorted by name.
func partitions(dir, lo, hi string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".parquet")
		if e.IsDir() || !ok {
			continue
		}
		if name < lo || name > hi {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// readIfExists reads path, treating a missing file as empty.
func readIfExists[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return readParquetFile[T](path)
}

// deleteFrom drops the records of path matching match, rewriting the file or
// removing it once empty.
func deleteFrom[T any](path string, match func(T) bool) (int64, error) {
	records, err := readParquetFile[T](path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	kept := records[:0]
	for _, r := range records {
		if !match(r) {
			kept = append(kept, r)
		}
	}
	deleted := int64(len(records) - len(kept))
	if deleted == 0 {
		return 0, nil
	}
	if len(kept) == 0 {
		return deleted, os.Remove(path)
	}
	if err := writeParquetFile(path, kept); err != nil {
		return 0, fmt.Errorf("rewriting %s: %w", path, err)
	}
	return deleted, nil
}

// summarize counts the records in files and returns the earliest and latest
// timestamps.
func summarize[T any](files []string, ts func(T) int64) (count, first, last int64, err error) {
	for _, path := range files {
		records, err := readParquetFile[T](path)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("reading %s: %w", path, err)
		}
		for _, r := range records {
			v := ts(r)
			if count == 0 || v < first {
				first = v
			}
			if count == 0 || v > last {
				last = v
			}
			count++
		}
	}
	return count, first, last, nil
}

// mergeBarRecords deduplicates bar records by datetime, preferring new
// records over existing ones. A partition holds one contract and interval.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Datetime] = r
	}
	for _, r := range incoming {
		seen[r.Datetime] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Datetime < merged[j].Datetime
	})
	return merged
}

// mergeTickRecords deduplicates tick records by (datetime, local time, seq),
// preferring new records over existing ones. Results are sorted by local
// time so a partition replays in arrival order.
func mergeTickRecords(existing, incoming []TickRecord) []TickRecord {
	type key struct {
		dt, local, seq int64
	}
	seen := make(map[key]TickRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Datetime, r.LocalTime, r.Seq}] = r
	}
	for _, r := range incoming {
		seen[key{r.Datetime, r.LocalTime, r.Seq}] = r
	}

	merged := make([]TickRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].LocalTime != merged[j].LocalTime {
			return merged[i].LocalTime < merged[j].LocalTime
		}
		if merged[i].Datetime != merged[j].Datetime {
			return merged[i].Datetime < merged[j].Datetime
		}
		return merged[i].Seq < merged[j].Seq
	})
	return merged
}
