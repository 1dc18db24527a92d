package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"pandora/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol        TEXT    NOT NULL,
	exchange      TEXT    NOT NULL,
	interval      TEXT    NOT NULL,
	datetime      INTEGER NOT NULL,
	open          REAL,
	high          REAL,
	low           REAL,
	close         REAL,
	volume        REAL,
	turnover      REAL,
	open_interest REAL,
	PRIMARY KEY (symbol, exchange, interval, datetime)
);
CREATE TABLE IF NOT EXISTS ticks (
	symbol        TEXT    NOT NULL,
	exchange      TEXT    NOT NULL,
	datetime      INTEGER NOT NULL,
	local_time    INTEGER NOT NULL,
	seq           INTEGER NOT NULL DEFAULT 0,
	last_price    REAL,
	volume        REAL,
	turnover      REAL,
	open_interest REAL,
	PRIMARY KEY (symbol, exchange, datetime, local_time, seq)
);
`

// SQLiteStore implements Store backed by a SQLite database. Datetimes are
// stored as Unix milliseconds and returned in Location.
type SQLiteStore struct {
	db       *sql.DB
	Location *time.Location
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// bars and ticks tables and returns a ready-to-use SQLiteStore. A nil loc
// means time.Local.
func NewSQLiteStore(dbPath string, loc *time.Location) (*SQLiteStore, error) {
	if loc == nil {
		loc = time.Local
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &SQLiteStore{db: db, Location: loc}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars upserts bars in one transaction.
func (s *SQLiteStore) WriteBars(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars
			(symbol, exchange, interval, datetime, open, high, low, close, volume, turnover, open_interest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Symbol, string(b.Exchange), string(b.Interval), b.Datetime.UnixMilli(),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.Turnover, b.OpenInterest); err != nil {
			return fmt.Errorf("inserting bar %s %s: %w", b.Key(), b.Datetime.Format(time.DateTime), err)
		}
	}
	return tx.Commit()
}

// ReadBars selects the bars of one contract and interval within [start, end].
func (s *SQLiteStore) ReadBars(ctx context.Context, symbol string, exchange domain.Exchange, interval domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	where, args := barWhere(BarFilter{Symbol: symbol, Exchange: exchange, Interval: interval, Start: start, End: end})
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, exchange, interval, datetime, open, high, low, close, volume, turnover, open_interest
		FROM bars`+where+` ORDER BY datetime`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var (
			b              domain.Bar
			exchangeS, ivS string
			ms             int64
		)
		if err := rows.Scan(&b.Symbol, &exchangeS, &ivS, &ms, &b.Open, &b.High, &b.Low, &b.Close,
			&b.Volume, &b.Turnover, &b.OpenInterest); err != nil {
			return nil, err
		}
		b.Exchange = domain.Exchange(exchangeS)
		b.Interval = domain.Interval(ivS)
		b.Datetime = time.UnixMilli(ms).In(s.Location)
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// DeleteBars deletes the bars matching filter.
func (s *SQLiteStore) DeleteBars(ctx context.Context, filter BarFilter) (int64, error) {
	where, args := barWhere(filter)
	res, err := s.db.ExecContext(ctx, "DELETE FROM bars"+where, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BarOverview groups stored bars by contract and interval.
func (s *SQLiteStore) BarOverview(ctx context.Context) ([]domain.BarOverview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, exchange, interval, COUNT(*), MIN(datetime), MAX(datetime)
		FROM bars
		GROUP BY symbol, exchange, interval
		ORDER BY interval, symbol, exchange`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BarOverview
	for rows.Next() {
		var (
			o              domain.BarOverview
			exchangeS, ivS string
			startMs, endMs int64
		)
		if err := rows.Scan(&o.Symbol, &exchangeS, &ivS, &o.Count, &startMs, &endMs); err != nil {
			return nil, err
		}
		o.Exchange = domain.Exchange(exchangeS)
		o.Interval = domain.Interval(ivS)
		o.Start = time.UnixMilli(startMs).In(s.Location)
		o.End = time.UnixMilli(endMs).In(s.Location)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// TickStore implementation
// ---------------------------------------------------------------------------

// WriteTicks upserts ticks in one transaction.
func (s *SQLiteStore) WriteTicks(ctx context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO ticks
			(symbol, exchange, datetime, local_time, seq, last_price, volume, turnover, open_interest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, t.Symbol, string(t.Exchange), t.Datetime.UnixMilli(), t.LocalTime.UnixMilli(), t.Seq,
			t.LastPrice, t.Volume, t.Turnover, t.OpenInterest); err != nil {
			return fmt.Errorf("inserting tick %s %s: %w", t.Key(), t.Datetime.Format(time.DateTime), err)
		}
	}
	return tx.Commit()
}

// ReadTicks selects the ticks of one contract within [start, end] in arrival
// order.
func (s *SQLiteStore) ReadTicks(ctx context.Context, symbol string, exchange domain.Exchange, start, end time.Time) ([]domain.Tick, error) {
	where, args := tickWhere(TickFilter{Symbol: symbol, Exchange: exchange, Start: start, End: end})
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, exchange, datetime, local_time, seq, last_price, volume, turnover, open_interest
		FROM ticks`+where+` ORDER BY local_time, datetime, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []domain.Tick
	for rows.Next() {
		var (
			t           domain.Tick
			exchangeS   string
			ms, localMs int64
		)
		if err := rows.Scan(&t.Symbol, &exchangeS, &ms, &localMs, &t.Seq, &t.LastPrice, &t.Volume, &t.Turnover, &t.OpenInterest); err != nil {
			return nil, err
		}
		t.Exchange = domain.Exchange(exchangeS)
		t.Datetime = time.UnixMilli(ms).In(s.Location)
		t.LocalTime = time.UnixMilli(localMs).In(s.Location)
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// DeleteTicks deletes the ticks matching filter.
func (s *SQLiteStore) DeleteTicks(ctx context.Context, filter TickFilter) (int64, error) {
	where, args := tickWhere(filter)
	res, err := s.db.ExecContext(ctx, "DELETE FROM ticks"+where, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TickOverview groups stored ticks by contract.
func (s *SQLiteStore) TickOverview(ctx context.Context) ([]domain.TickOverview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, exchange, COUNT(*), MIN(datetime), MAX(datetime)
		FROM ticks
		GROUP BY symbol, exchange
		ORDER BY symbol, exchange`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TickOverview
	for rows.Next() {
		var (
			o              domain.TickOverview
			exchangeS      string
			startMs, endMs int64
		)
		if err := rows.Scan(&o.Symbol, &exchangeS, &o.Count, &startMs, &endMs); err != nil {
			return nil, err
		}
		o.Exchange = domain.Exchange(exchangeS)
		o.Start = time.UnixMilli(startMs).In(s.Location)
		o.End = time.UnixMilli(endMs).In(s.Location)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Query helpers
// ---------------------------------------------------------------------------

// clauses accumulates WHERE conditions and their arguments.
type clauses struct {
	conds []string
	args  []any
}

func (c *clauses) add(cond string, arg any) {
	c.conds = append(c.conds, cond)
	c.args = append(c.args, arg)
}

func (c *clauses) where() (string, []any) {
	if len(c.conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(c.conds, " AND "), c.args
}

func barWhere(f BarFilter) (string, []any) {
	var c clauses
	if f.Symbol != "" {
		c.add("symbol = ?", f.Symbol)
	}
	if f.Exchange != "" {
		c.add("exchange = ?", string(f.Exchange))
	}
	if f.Interval != "" {
		c.add("interval = ?", string(f.Interval))
	}
	if !f.Start.IsZero() {
		c.add("datetime >= ?", f.Start.UnixMilli())
	}
	if !f.End.IsZero() {
		c.add("datetime <= ?", f.End.UnixMilli())
	}
	return c.where()
}

func tickWhere(f TickFilter) (string, []any) {
	var c clauses
	if f.Symbol != "" {
		c.add("symbol = ?", f.Symbol)
	}
	if f.Exchange != "" {
		c.add("exchange = ?", string(f.Exchange))
	}
	if !f.Start.IsZero() {
		c.add("datetime >= ?", f.Start.UnixMilli())
	}
	if !f.End.IsZero() {
		c.add("datetime <= ?", f.End.UnixMilli())
	}
	return c.where()
}
