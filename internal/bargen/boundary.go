package bargen

import (
	"errors"
	"time"
)

var (
	// ErrOutOfOrder is returned when an input's clock runs backwards relative
	// to the previous input of the same generator. The input is dropped and
	// the generator state is left untouched.
	ErrOutOfOrder = errors.New("bargen: input out of order")

	// ErrInvalidWindow is returned at construction for window sizes the
	// policy cannot align to the wall clock.
	ErrInvalidWindow = errors.New("bargen: invalid window")

	// ErrUnknownPolicy is returned at construction for unrecognized policy
	// tags or intervals.
	ErrUnknownPolicy = errors.New("bargen: unknown window policy")
)

// IsWindowBoundary reports whether a bar stamped at minuteOfHour is the last
// bar of a window of the given size. Windows are anchored at minute zero of
// the hour, so a 5-minute window closes on minutes 4, 9, 14, ..., 59
// regardless of when the stream started or which minutes were missing.
func IsWindowBoundary(minuteOfHour, window int) bool {
	if window <= 0 {
		return false
	}
	return (minuteOfHour+1)%window == 0
}

// floorMinute zeroes seconds and sub-second precision, keeping the location.
func floorMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

// floorHour zeroes minutes and below, keeping the location.
func floorHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// floorDay returns local midnight of t's calendar day.
func floorDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// floorWindow returns the start of the wall-clock window containing t.
func floorWindow(t time.Time, window int) time.Time {
	m := floorMinute(t)
	return m.Add(-time.Duration(m.Minute()%window) * time.Minute)
}

// sameMinute compares the calendar minute of two instants. Comparing the
// full truncated time rather than the minute field alone keeps ticks exactly
// one hour apart from being folded together.
func sameMinute(a, b time.Time) bool {
	return floorMinute(a).Equal(floorMinute(b))
}

// clockOffset returns the time elapsed since local midnight.
func clockOffset(t time.Time) time.Duration {
	return t.Sub(floorDay(t))
}
