package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Interval tags the duration a bar represents.
type Interval string

const (
	IntervalMinute   Interval = "1m"
	IntervalMinute2  Interval = "2m"
	IntervalMinute3  Interval = "3m"
	IntervalMinute5  Interval = "5m"
	IntervalMinute15 Interval = "15m"
	IntervalHour     Interval = "1h"
	IntervalDaily    Interval = "d"
	IntervalWeekly   Interval = "w"
	IntervalTick     Interval = "tick"
)

var minuteWindows = map[Interval]int{
	IntervalMinute:   1,
	IntervalMinute2:  2,
	IntervalMinute3:  3,
	IntervalMinute5:  5,
	IntervalMinute15: 15,
}

// Window returns the number of one-minute bars folded into a bar of this
// interval. Only minute intervals have a window.
func (i Interval) Window() (int, error) {
	if n, ok := minuteWindows[i]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("interval %q has no minute window", string(i))
}

// IntervalFromWindow returns the minute interval tag for a window size.
// Window sizes without a named interval get a synthetic "<n>m" tag.
func IntervalFromWindow(window int) Interval {
	for iv, n := range minuteWindows {
		if n == window {
			return iv
		}
	}
	return Interval(fmt.Sprintf("%dm", window))
}

// ParseInterval validates an interval tag. Besides the named intervals it
// accepts "<n>m" where n divides 60 and "<n>h", the tags window bars carry.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	switch iv {
	case IntervalHour, IntervalDaily, IntervalWeekly, IntervalTick:
		return iv, nil
	}
	if _, ok := minuteWindows[iv]; ok {
		return iv, nil
	}
	if n, unit, ok := splitWindow(s); ok {
		if unit == "h" || 60%n == 0 {
			return iv, nil
		}
	}
	return "", fmt.Errorf("unknown interval %q", s)
}

func splitWindow(s string) (int, string, bool) {
	for _, unit := range []string{"m", "h"} {
		if digits, ok := strings.CutSuffix(s, unit); ok {
			n, err := strconv.Atoi(digits)
			if err != nil || n < 1 {
				return 0, "", false
			}
			return n, unit, true
		}
	}
	return 0, "", false
}
