// Package feed turns upstream market-data sources into domain ticks for the
// recorder and the data manager.
package feed

import (
	"context"
	"sync"
	"time"

	"pandora/internal/domain"
)

// TickSource serves historical ticks for one contract.
type TickSource interface {
	QueryTicks(ctx context.Context, symbol string, exchange domain.Exchange, start, end time.Time) ([]domain.Tick, error)
}

// BarSource serves historical bars for one contract.
type BarSource interface {
	QueryBars(ctx context.Context, symbol string, exchange domain.Exchange, interval domain.Interval, start, end time.Time) ([]domain.Bar, error)
}

// HistorySource serves both historical ticks and bars.
type HistorySource interface {
	TickSource
	BarSource
}

// TickStream pushes live ticks for the given symbols to handler until ctx is
// cancelled or the connection terminates.
type TickStream interface {
	Run(ctx context.Context, symbols []string, handler func(domain.Tick)) error
}

// Trade is one print from a trade-by-trade source.
type Trade struct {
	ID         int64
	Symbol     string
	Price      float64
	Size       float64
	Timestamp  time.Time
	ReceivedAt time.Time
}

// TradeAccumulator converts individual trades into ticks carrying session
// cumulative volume and turnover, the shape bar generation expects. Totals
// reset when a symbol's trade date changes in Location.
type TradeAccumulator struct {
	Exchange domain.Exchange
	Location *time.Location

	mu     sync.Mutex
	totals map[string]*running
}

type running struct {
	date     string
	volume   float64
	turnover float64
}

// NewTradeAccumulator creates an accumulator stamping ticks with exchange.
// A nil loc means time.Local.
func NewTradeAccumulator(exchange domain.Exchange, loc *time.Location) *TradeAccumulator {
	if loc == nil {
		loc = time.Local
	}
	return &TradeAccumulator{
		Exchange: exchange,
		Location: loc,
		totals:   make(map[string]*running),
	}
}

// Add folds tr into its symbol's session totals and returns the resulting
// tick. A zero ReceivedAt means the trade time is also the arrival time.
func (a *TradeAccumulator) Add(tr Trade) domain.Tick {
	ts := tr.Timestamp.In(a.Location)
	local := ts
	if !tr.ReceivedAt.IsZero() {
		local = tr.ReceivedAt.In(a.Location)
	}
	date := ts.Format(time.DateOnly)

	a.mu.Lock()
	r, ok := a.totals[tr.Symbol]
	if !ok || r.date != date {
		r = &running{date: date}
		a.totals[tr.Symbol] = r
	}
	r.volume += tr.Size
	r.turnover += tr.Size * tr.Price
	volume, turnover := r.volume, r.turnover
	a.mu.Unlock()

	return domain.Tick{
		Symbol:    tr.Symbol,
		Exchange:  a.Exchange,
		Datetime:  ts,
		LocalTime: local,
		LastPrice: tr.Price,
		Volume:    volume,
		Turnover:  turnover,
		Seq:       tr.ID,
	}
}

// Reset drops the running totals of every symbol.
func (a *TradeAccumulator) Reset() {
	a.mu.Lock()
	a.totals = make(map[string]*running)
	a.mu.Unlock()
}
