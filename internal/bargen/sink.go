// Package bargen builds bars from streams of ticks and lower-interval bars.
//
// A Generator turns one contract's ticks into one-minute bars. A
// WindowGenerator folds one-minute bars into wall-clock aligned N-minute,
// N-hour, or daily bars. A PortfolioGenerator does the same for many
// contracts at once and emits synchronized slices. Every generator is owned
// by a single goroutine and does no locking; completed bars are delivered
// synchronously to a sink supplied at construction.
package bargen

import (
	"errors"

	"pandora/internal/domain"
)

// BarSink receives completed single-contract bars.
type BarSink interface {
	OnBar(bar domain.Bar) error
}

// BarSinkFunc adapts a plain function to BarSink.
type BarSinkFunc func(bar domain.Bar) error

// OnBar calls f(bar).
func (f BarSinkFunc) OnBar(bar domain.Bar) error { return f(bar) }

// Slice maps "SYMBOL.EXCHANGE" to the completed bar of that contract for one
// synchronized period. The receiver owns the map.
type Slice map[string]domain.Bar

// SliceSink receives completed multi-contract slices.
type SliceSink interface {
	OnSlice(slice Slice) error
}

// SliceSinkFunc adapts a plain function to SliceSink.
type SliceSinkFunc func(slice Slice) error

// OnSlice calls f(slice).
func (f SliceSinkFunc) OnSlice(slice Slice) error { return f(slice) }

// TeeBars returns a BarSink that delivers each bar to every sink in order.
// All sinks see the bar even if an earlier one fails; the failures are
// joined.
func TeeBars(sinks ...BarSink) BarSink {
	return BarSinkFunc(func(bar domain.Bar) error {
		var errs []error
		for _, s := range sinks {
			if err := s.OnBar(bar); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// TeeSlices returns a SliceSink that delivers each slice to every sink in
// order. Each sink receives its own copy of the map.
func TeeSlices(sinks ...SliceSink) SliceSink {
	return SliceSinkFunc(func(slice Slice) error {
		var errs []error
		for _, s := range sinks {
			if err := s.OnSlice(slice.clone()); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (s Slice) clone() Slice {
	out := make(Slice, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
