package util

import (
	"fmt"
	"strings"
	"time"
)

// Session is a daily trading window given as offsets from local midnight.
// Both ends are inclusive. An End before Start crosses midnight.
type Session struct {
	Start time.Duration
	End   time.Duration
}

// ParseSession parses "HH:MM" or "HH:MM:SS" clock times into a Session.
func ParseSession(start, end string) (Session, error) {
	s, err := parseClock(start)
	if err != nil {
		return Session{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return Session{}, err
	}
	return Session{Start: s, End: e}, nil
}

func parseClock(s string) (time.Duration, error) {
	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}

// Contains reports whether the clock time of t falls inside the session.
func (s Session) Contains(t time.Time) bool {
	off := clockOf(t)
	if s.Start <= s.End {
		return off >= s.Start && off <= s.End
	}
	return off >= s.Start || off <= s.End
}

func (s Session) String() string {
	return formatClock(s.Start) + "-" + formatClock(s.End)
}

// Sessions is the set of trading windows of one trading day.
type Sessions []Session

// Contains reports whether t falls inside any session.
func (ss Sessions) Contains(t time.Time) bool {
	for _, s := range ss {
		if s.Contains(t) {
			return true
		}
	}
	return false
}

// NextOpen returns the earliest session start strictly after t, in t's
// location. It returns the zero time when there are no sessions.
func (ss Sessions) NextOpen(t time.Time) time.Time {
	var next time.Time
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	for _, s := range ss {
		for day := 0; day <= 1; day++ {
			open := midnight.AddDate(0, 0, day).Add(s.Start)
			if !open.After(t) {
				continue
			}
			if next.IsZero() || open.Before(next) {
				next = open
			}
			break
		}
	}
	return next
}

func (ss Sessions) String() string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

func clockOf(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second + time.Duration(t.Nanosecond())
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
