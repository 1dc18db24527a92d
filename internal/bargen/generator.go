package bargen

import (
	"fmt"
	"time"

	"pandora/internal/domain"
)

// Generator builds one-minute bars from the tick stream of a single
// contract.
//
// Period boundaries follow the tick's LocalTime, which only moves forward,
// rather than the exchange timestamp, which may jitter or repeat. Each bar is
// stamped with the LocalTime minute it covers, so bars never share or reverse
// a timestamp. A bar is emitted once the first tick of a later minute
// arrives, so the bar of the currently open minute is never emitted
// implicitly.
type Generator struct {
	sink     BarSink
	bar      *domain.Bar
	lastTick *domain.Tick

	// closed is the minute flushed by Generate; ticks for it are late.
	closed time.Time
}

// NewGenerator creates a Generator that delivers completed minute bars to
// sink.
func NewGenerator(sink BarSink) *Generator {
	return &Generator{sink: sink}
}

// UpdateTick absorbs one tick.
//
// Ticks without a last price are ignored. A tick whose LocalTime precedes
// the previous tick's returns ErrOutOfOrder and changes nothing. If the tick
// opens a new minute the pending bar is emitted first; when the sink fails
// the pending bar is discarded, the tick is not absorbed, and the sink error
// is returned.
func (g *Generator) UpdateTick(tick domain.Tick) error {
	if tick.LastPrice == 0 {
		return nil
	}

	if g.lastTick != nil && tick.LocalTime.Before(g.lastTick.LocalTime) {
		return fmt.Errorf("%w: %s tick at %s precedes %s", ErrOutOfOrder,
			tick.Key(), tick.LocalTime.Format("15:04:05.000"), g.lastTick.LocalTime.Format("15:04:05.000"))
	}

	if !g.closed.IsZero() && !floorMinute(tick.LocalTime).After(g.closed) {
		return fmt.Errorf("%w: %s tick at %s falls in flushed minute %s", ErrOutOfOrder,
			tick.Key(), tick.LocalTime.Format("15:04:05.000"), g.closed.Format("15:04"))
	}

	if g.bar != nil && !sameMinute(g.lastTick.LocalTime, tick.LocalTime) {
		if err := g.emit(); err != nil {
			return err
		}
	}

	if g.bar == nil {
		g.bar = &domain.Bar{
			Symbol:       tick.Symbol,
			Exchange:     tick.Exchange,
			Datetime:     floorMinute(tick.LocalTime),
			Interval:     domain.IntervalMinute,
			Open:         tick.LastPrice,
			High:         tick.LastPrice,
			Low:          tick.LastPrice,
			Close:        tick.LastPrice,
			OpenInterest: tick.OpenInterest,
		}
	} else {
		g.bar.High = max(g.bar.High, tick.LastPrice)
		g.bar.Low = min(g.bar.Low, tick.LastPrice)
		g.bar.Close = tick.LastPrice
		g.bar.OpenInterest = tick.OpenInterest
	}

	if g.lastTick != nil {
		// Cumulative counters reset at session start; a drop contributes
		// nothing rather than a negative delta.
		g.bar.Volume += max(tick.Volume-g.lastTick.Volume, 0)
		g.bar.Turnover += max(tick.Turnover-g.lastTick.Turnover, 0)
	}

	last := tick
	g.lastTick = &last
	return nil
}

// Generate emits the pending bar of the open minute, if any. It is meant for
// the end of a session when no later tick will close the minute.
func (g *Generator) Generate() error {
	if g.bar == nil {
		return nil
	}
	g.closed = floorMinute(g.lastTick.LocalTime)
	return g.emit()
}

// Current returns a copy of the pending bar and whether one exists.
func (g *Generator) Current() (domain.Bar, bool) {
	if g.bar == nil {
		return domain.Bar{}, false
	}
	return *g.bar, true
}

func (g *Generator) emit() error {
	bar := *g.bar
	g.bar = nil
	if err := g.sink.OnBar(bar); err != nil {
		return fmt.Errorf("emitting %s minute bar %s: %w", bar.Key(), bar.Datetime.Format("2006-01-02 15:04"), err)
	}
	return nil
}
