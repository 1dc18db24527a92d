package bargen

import (
	"fmt"
	"time"

	"pandora/internal/domain"
)

// PortfolioGenerator builds synchronized one-minute slices from an
// interleaved tick stream of many contracts.
//
// The flush is driven by the newest tick's LocalTime: when it enters a new
// minute, every contract that ticked during the previous minute is emitted
// together as one Slice, every bar stamped with that LocalTime minute.
// Contracts without ticks are absent from the slice; no bar is carried
// forward. Because nothing but an arriving tick closes a minute, the last
// minute stays pending until some contract ticks again.
// Callers that need a slice to close on time must feed a heartbeat tick.
type PortfolioGenerator struct {
	sink SliceSink

	bars      map[string]*domain.Bar
	lastTicks map[string]domain.Tick
	lastDt    time.Time
}

// NewPortfolioGenerator creates a PortfolioGenerator delivering one-minute
// slices to sink.
func NewPortfolioGenerator(sink SliceSink) *PortfolioGenerator {
	return &PortfolioGenerator{
		sink:      sink,
		bars:      make(map[string]*domain.Bar),
		lastTicks: make(map[string]domain.Tick),
	}
}

// UpdateTick absorbs one tick of any contract.
//
// Ticks without a last price are ignored. A tick whose LocalTime precedes
// the newest tick seen returns ErrOutOfOrder. When the tick opens a new
// minute the pending slice is emitted first; if the sink fails the slice is
// discarded, the tick is not absorbed, and the error is returned.
func (p *PortfolioGenerator) UpdateTick(tick domain.Tick) error {
	if tick.LastPrice == 0 {
		return nil
	}

	if !p.lastDt.IsZero() && tick.LocalTime.Before(p.lastDt) {
		return fmt.Errorf("%w: %s tick at %s precedes %s", ErrOutOfOrder,
			tick.Key(), tick.LocalTime.Format("15:04:05.000"), p.lastDt.Format("15:04:05.000"))
	}

	if !p.lastDt.IsZero() && !sameMinute(p.lastDt, tick.LocalTime) && len(p.bars) > 0 {
		if err := p.flush(); err != nil {
			return err
		}
	}

	key := tick.Key()
	bar, ok := p.bars[key]
	if !ok {
		bar = &domain.Bar{
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
		p.bars[key] = bar
	} else {
		bar.High = max(bar.High, tick.LastPrice)
		bar.Low = min(bar.Low, tick.LastPrice)
		bar.Close = tick.LastPrice
		bar.OpenInterest = tick.OpenInterest
	}

	if last, ok := p.lastTicks[key]; ok {
		bar.Volume += max(tick.Volume-last.Volume, 0)
		bar.Turnover += max(tick.Turnover-last.Turnover, 0)
	}

	p.lastTicks[key] = tick
	p.lastDt = tick.LocalTime
	return nil
}

// Pending returns copies of the bars of the open minute, keyed by contract.
func (p *PortfolioGenerator) Pending() Slice {
	out := make(Slice, len(p.bars))
	for k, b := range p.bars {
		out[k] = *b
	}
	return out
}

func (p *PortfolioGenerator) flush() error {
	slice := make(Slice, len(p.bars))
	for k, b := range p.bars {
		slice[k] = *b
	}
	p.bars = make(map[string]*domain.Bar)

	if err := p.sink.OnSlice(slice); err != nil {
		return fmt.Errorf("emitting minute slice of %d contracts: %w", len(slice), err)
	}
	return nil
}

// PortfolioWindow folds one-minute slices into window slices. All contracts
// close together: minute windows close when the slice time hits the window
// boundary, hour windows when a contract's hour bar completes.
type PortfolioWindow struct {
	policy Policy
	sink   SliceSink

	windowBars       map[string]*domain.Bar
	hourBars         map[string]*domain.Bar
	finishedHourBars Slice
	intervalCount    int
}

// NewPortfolioWindow creates a PortfolioWindow. Only minute and hour policies
// are supported.
func NewPortfolioWindow(policy Policy, sink SliceSink) (*PortfolioWindow, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.Interval == domain.IntervalDaily {
		return nil, fmt.Errorf("%w: portfolio windows support minute and hour policies", ErrUnknownPolicy)
	}
	return &PortfolioWindow{
		policy:           policy,
		sink:             sink,
		windowBars:       make(map[string]*domain.Bar),
		hourBars:         make(map[string]*domain.Bar),
		finishedHourBars: make(Slice),
	}, nil
}

// OnSlice lets a PortfolioWindow sit downstream of a PortfolioGenerator.
func (w *PortfolioWindow) OnSlice(slice Slice) error { return w.UpdateBars(slice) }

// UpdateBars absorbs one minute slice.
func (w *PortfolioWindow) UpdateBars(slice Slice) error {
	if len(slice) == 0 {
		return nil
	}
	if w.policy.Interval == domain.IntervalHour {
		return w.updateHour(slice)
	}
	return w.updateMinute(slice)
}

func (w *PortfolioWindow) updateMinute(slice Slice) error {
	for key, bar := range slice {
		wb, ok := w.windowBars[key]
		if !ok {
			w.windowBars[key] = w.open(bar, floorWindow(bar.Datetime, w.policy.Window))
			continue
		}
		fold(wb, bar)
	}

	if IsWindowBoundary(sliceTime(slice).Minute(), w.policy.Window) {
		return w.emit()
	}
	return nil
}

func (w *PortfolioWindow) updateHour(slice Slice) error {
	for key, bar := range slice {
		hb, ok := w.hourBars[key]
		if !ok {
			w.hourBars[key] = w.openHour(bar)
			continue
		}

		switch {
		case bar.Datetime.Minute() == 59:
			fold(hb, bar)
			w.finishedHourBars[key] = *hb
			delete(w.hourBars, key)
		case !floorHour(bar.Datetime).Equal(hb.Datetime):
			w.finishedHourBars[key] = *hb
			w.hourBars[key] = w.openHour(bar)
		default:
			fold(hb, bar)
		}
	}

	if len(w.finishedHourBars) == 0 {
		return nil
	}
	finished := w.finishedHourBars
	w.finishedHourBars = make(Slice)
	return w.onHourBars(finished)
}

func (w *PortfolioWindow) onHourBars(bars Slice) error {
	if w.policy.Window == 1 {
		for k, b := range bars {
			b.Interval = w.policy.Output()
			bars[k] = b
		}
		return w.deliver(bars)
	}

	for key, bar := range bars {
		wb, ok := w.windowBars[key]
		if !ok {
			w.windowBars[key] = w.open(bar, bar.Datetime)
			continue
		}
		fold(wb, bar)
	}

	w.intervalCount++
	if w.intervalCount%w.policy.Window == 0 {
		w.intervalCount = 0
		return w.emit()
	}
	return nil
}

func (w *PortfolioWindow) open(bar domain.Bar, dt time.Time) *domain.Bar {
	b := bar
	b.Datetime = dt
	b.Interval = w.policy.Output()
	return &b
}

func (w *PortfolioWindow) openHour(bar domain.Bar) *domain.Bar {
	b := bar
	b.Datetime = floorHour(bar.Datetime)
	b.Interval = domain.IntervalHour
	return &b
}

func (w *PortfolioWindow) emit() error {
	out := make(Slice, len(w.windowBars))
	for k, b := range w.windowBars {
		out[k] = *b
	}
	w.windowBars = make(map[string]*domain.Bar)
	return w.deliver(out)
}

func (w *PortfolioWindow) deliver(slice Slice) error {
	if err := w.sink.OnSlice(slice); err != nil {
		return fmt.Errorf("emitting %s slice of %d contracts: %w", w.policy, len(slice), err)
	}
	return nil
}

// sliceTime is the latest bar time in the slice. Slices built by a
// PortfolioGenerator share one minute; hand-built slices may not.
func sliceTime(slice Slice) time.Time {
	var t time.Time
	for _, b := range slice {
		if b.Datetime.After(t) {
			t = b.Datetime
		}
	}
	return t
}
