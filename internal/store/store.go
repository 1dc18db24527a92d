// Package store defines storage interfaces for persisting and retrieving
// bars and ticks, with Parquet and SQLite implementations.
package store

import (
	"context"
	"time"

	"pandora/internal/domain"
)

// BarStore persists and retrieves OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars. A bar with the same contract,
	// interval and datetime as a stored one replaces it.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars of one contract and interval within [start, end],
	// ordered by datetime.
	ReadBars(ctx context.Context, symbol string, exchange domain.Exchange, interval domain.Interval, start, end time.Time) ([]domain.Bar, error)

	// DeleteBars removes the bars matching filter and returns how many.
	DeleteBars(ctx context.Context, filter BarFilter) (int64, error)

	// BarOverview summarizes stored bars per contract and interval.
	BarOverview(ctx context.Context) ([]domain.BarOverview, error)
}

// TickStore persists and retrieves ticks.
type TickStore interface {
	// WriteTicks persists a batch of ticks. A tick with the same contract,
	// datetime and local time as a stored one replaces it.
	WriteTicks(ctx context.Context, ticks []domain.Tick) error

	// ReadTicks returns ticks of one contract within [start, end], ordered
	// by local time.
	ReadTicks(ctx context.Context, symbol string, exchange domain.Exchange, start, end time.Time) ([]domain.Tick, error)

	// DeleteTicks removes the ticks matching filter and returns how many.
	DeleteTicks(ctx context.Context, filter TickFilter) (int64, error)

	// TickOverview summarizes stored ticks per contract.
	TickOverview(ctx context.Context) ([]domain.TickOverview, error)
}

// Store is a BarStore and TickStore backed by one storage driver.
type Store interface {
	BarStore
	TickStore
	Close() error
}

// BarFilter selects stored bars. Empty fields match everything; a zero Start
// or End leaves that side of the range open.
type BarFilter struct {
	Symbol   string
	Exchange domain.Exchange
	Interval domain.Interval
	Start    time.Time
	End      time.Time
}

func (f BarFilter) matches(b domain.Bar) bool {
	if f.Symbol != "" && f.Symbol != b.Symbol {
		return false
	}
	if f.Exchange != "" && f.Exchange != b.Exchange {
		return false
	}
	if f.Interval != "" && f.Interval != b.Interval {
		return false
	}
	return inRange(b.Datetime, f.Start, f.End)
}

// TickFilter selects stored ticks. Empty fields match everything; a zero
// Start or End leaves that side of the range open.
type TickFilter struct {
	Symbol   string
	Exchange domain.Exchange
	Start    time.Time
	End      time.Time
}

func (f TickFilter) matches(t domain.Tick) bool {
	if f.Symbol != "" && f.Symbol != t.Symbol {
		return false
	}
	if f.Exchange != "" && f.Exchange != t.Exchange {
		return false
	}
	return inRange(t.Datetime, f.Start, f.End)
}

// inRange reports whether ts lies in [start, end]; zero bounds are open.
func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}
