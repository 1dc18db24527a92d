package bargen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pandora/internal/domain"
)

// DefaultDailyEnd is the clock time of the last one-minute bar of the
// trading day used by the "d" policy (the 14:59 bar of the CN futures day
// session).
const DefaultDailyEnd = 14*time.Hour + 59*time.Minute

// RecorderWindows are the minute windows the recorder policy builds from
// every one-minute stream.
var RecorderWindows = []int{2, 3, 5, 15}

// Policy selects how a WindowGenerator groups its input bars.
//
//   - IntervalMinute: Window one-minute bars aligned to minute zero of the
//     hour. Window must divide 60.
//   - IntervalHour: hour bars closed on the :59 bar or on an hour change,
//     then Window hour bars folded into one.
//   - IntervalDaily: one bar per day, closed by the bar whose clock time
//     equals DailyEnd.
type Policy struct {
	Interval domain.Interval
	Window   int
	DailyEnd time.Duration
}

// MinuteWindow returns a minute policy of n bars.
func MinuteWindow(n int) Policy {
	return Policy{Interval: domain.IntervalMinute, Window: n}
}

// HourWindow returns an hour policy of n hour bars.
func HourWindow(n int) Policy {
	return Policy{Interval: domain.IntervalHour, Window: n}
}

// DailyWindow returns a daily policy closed at end.
func DailyWindow(end time.Duration) Policy {
	return Policy{Interval: domain.IntervalDaily, Window: 1, DailyEnd: end}
}

// Validate checks the policy can be aligned to the wall clock.
func (p Policy) Validate() error {
	switch p.Interval {
	case domain.IntervalMinute:
		if p.Window < 1 || p.Window > 60 || 60%p.Window != 0 {
			return fmt.Errorf("%w: minute window %d must divide 60", ErrInvalidWindow, p.Window)
		}
	case domain.IntervalHour:
		if p.Window < 1 {
			return fmt.Errorf("%w: hour window %d must be positive", ErrInvalidWindow, p.Window)
		}
	case domain.IntervalDaily:
		if p.Window != 1 {
			return fmt.Errorf("%w: daily window %d must be 1", ErrInvalidWindow, p.Window)
		}
		if p.DailyEnd <= 0 || p.DailyEnd >= 24*time.Hour {
			return fmt.Errorf("%w: daily end %s outside the day", ErrInvalidWindow, p.DailyEnd)
		}
	default:
		return fmt.Errorf("%w: interval %q", ErrUnknownPolicy, string(p.Interval))
	}
	return nil
}

// Output returns the interval tag stamped on bars produced by the policy.
func (p Policy) Output() domain.Interval {
	switch p.Interval {
	case domain.IntervalHour:
		if p.Window == 1 {
			return domain.IntervalHour
		}
		return domain.Interval(fmt.Sprintf("%dh", p.Window))
	case domain.IntervalDaily:
		return domain.IntervalDaily
	default:
		return domain.IntervalFromWindow(p.Window)
	}
}

func (p Policy) String() string { return string(p.Output()) }

// ParsePolicies turns a rebuild tag into window policies. Accepted tags are
// "<n>m" minute windows, "<n>h" hour windows, "d" for daily bars ending at
// DefaultDailyEnd, and "recorder" for the RecorderWindows set.
func ParsePolicies(tag string) ([]Policy, error) {
	tag = strings.TrimSpace(strings.ToLower(tag))

	var policies []Policy
	switch {
	case tag == "recorder":
		for _, w := range RecorderWindows {
			policies = append(policies, MinuteWindow(w))
		}
	case tag == string(domain.IntervalDaily):
		policies = []Policy{DailyWindow(DefaultDailyEnd)}
	case strings.HasSuffix(tag, "m"), strings.HasSuffix(tag, "h"):
		n, err := strconv.Atoi(tag[:len(tag)-1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, tag)
		}
		if strings.HasSuffix(tag, "m") {
			policies = []Policy{MinuteWindow(n)}
		} else {
			policies = []Policy{HourWindow(n)}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, tag)
	}

	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

// WindowGenerator folds one-minute bars of a single contract into coarser
// bars according to its Policy.
type WindowGenerator struct {
	policy Policy
	sink   BarSink

	last          time.Time
	windowBar     *domain.Bar
	hourBar       *domain.Bar
	intervalCount int
}

// NewWindowGenerator validates policy and creates a WindowGenerator that
// delivers completed window bars to sink.
func NewWindowGenerator(policy Policy, sink BarSink) (*WindowGenerator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &WindowGenerator{policy: policy, sink: sink}, nil
}

// Policy returns the generator's policy.
func (w *WindowGenerator) Policy() Policy { return w.policy }

// OnBar lets a WindowGenerator sit downstream of a Generator.
func (w *WindowGenerator) OnBar(bar domain.Bar) error { return w.UpdateBar(bar) }

// UpdateBar absorbs one lower-interval bar. Bars stamped earlier than the
// previous bar return ErrOutOfOrder.
func (w *WindowGenerator) UpdateBar(bar domain.Bar) error {
	if !w.last.IsZero() && bar.Datetime.Before(w.last) {
		return fmt.Errorf("%w: %s bar at %s precedes %s", ErrOutOfOrder,
			bar.Key(), bar.Datetime.Format("2006-01-02 15:04"), w.last.Format("2006-01-02 15:04"))
	}
	w.last = bar.Datetime

	switch w.policy.Interval {
	case domain.IntervalHour:
		return w.updateHour(bar)
	case domain.IntervalDaily:
		return w.updateDaily(bar)
	default:
		return w.updateMinute(bar)
	}
}

func (w *WindowGenerator) updateMinute(bar domain.Bar) error {
	if w.windowBar == nil {
		w.windowBar = w.open(bar, floorWindow(bar.Datetime, w.policy.Window))
	} else {
		fold(w.windowBar, bar)
	}

	if IsWindowBoundary(bar.Datetime.Minute(), w.policy.Window) {
		return w.emitWindow()
	}
	return nil
}

func (w *WindowGenerator) updateHour(bar domain.Bar) error {
	if w.hourBar == nil {
		w.hourBar = w.openHour(bar)
		return nil
	}

	var finished *domain.Bar
	switch {
	case bar.Datetime.Minute() == 59:
		fold(w.hourBar, bar)
		finished, w.hourBar = w.hourBar, nil
	case !floorHour(bar.Datetime).Equal(w.hourBar.Datetime):
		finished, w.hourBar = w.hourBar, w.openHour(bar)
	default:
		fold(w.hourBar, bar)
	}

	if finished == nil {
		return nil
	}
	return w.onHourBar(*finished)
}

func (w *WindowGenerator) onHourBar(bar domain.Bar) error {
	if w.policy.Window == 1 {
		bar.Interval = w.policy.Output()
		return w.deliver(bar)
	}

	if w.windowBar == nil {
		w.windowBar = w.open(bar, bar.Datetime)
	} else {
		fold(w.windowBar, bar)
	}

	w.intervalCount++
	if w.intervalCount%w.policy.Window == 0 {
		w.intervalCount = 0
		return w.emitWindow()
	}
	return nil
}

func (w *WindowGenerator) updateDaily(bar domain.Bar) error {
	if w.windowBar == nil {
		w.windowBar = w.open(bar, bar.Datetime)
	} else {
		fold(w.windowBar, bar)
	}

	if clockOffset(bar.Datetime) == w.policy.DailyEnd {
		w.windowBar.Datetime = floorDay(bar.Datetime)
		return w.emitWindow()
	}
	return nil
}

func (w *WindowGenerator) open(bar domain.Bar, dt time.Time) *domain.Bar {
	return &domain.Bar{
		Symbol:       bar.Symbol,
		Exchange:     bar.Exchange,
		Datetime:     dt,
		Interval:     w.policy.Output(),
		Open:         bar.Open,
		High:         bar.High,
		Low:          bar.Low,
		Close:        bar.Close,
		Volume:       bar.Volume,
		Turnover:     bar.Turnover,
		OpenInterest: bar.OpenInterest,
	}
}

func (w *WindowGenerator) openHour(bar domain.Bar) *domain.Bar {
	b := w.open(bar, floorHour(bar.Datetime))
	b.Interval = domain.IntervalHour
	return b
}

func (w *WindowGenerator) emitWindow() error {
	bar := *w.windowBar
	w.windowBar = nil
	return w.deliver(bar)
}

func (w *WindowGenerator) deliver(bar domain.Bar) error {
	if err := w.sink.OnBar(bar); err != nil {
		return fmt.Errorf("emitting %s %s bar %s: %w", bar.Key(), w.policy, bar.Datetime.Format("2006-01-02 15:04"), err)
	}
	return nil
}

// fold extends acc with the next bar of the same window.
func fold(acc *domain.Bar, bar domain.Bar) {
	acc.High = max(acc.High, bar.High)
	acc.Low = min(acc.Low, bar.Low)
	acc.Close = bar.Close
	acc.Volume += bar.Volume
	acc.Turnover += bar.Turnover
	acc.OpenInterest = bar.OpenInterest
}

// MultiWindow runs independent WindowGenerators over one input stream, one
// per policy.
type MultiWindow struct {
	gens []*WindowGenerator
}

// NewMultiWindow creates one WindowGenerator per policy, all delivering to
// sink. It fails on the first invalid policy.
func NewMultiWindow(policies []Policy, sink BarSink) (*MultiWindow, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: no policies", ErrUnknownPolicy)
	}
	m := &MultiWindow{gens: make([]*WindowGenerator, 0, len(policies))}
	for _, p := range policies {
		g, err := NewWindowGenerator(p, sink)
		if err != nil {
			return nil, err
		}
		m.gens = append(m.gens, g)
	}
	return m, nil
}

// OnBar lets a MultiWindow sit downstream of a Generator.
func (m *MultiWindow) OnBar(bar domain.Bar) error { return m.UpdateBar(bar) }

// UpdateBar feeds bar to every generator. A failure in one generator does
// not stop the others from seeing the bar.
func (m *MultiWindow) UpdateBar(bar domain.Bar) error {
	var errs []error
	for _, g := range m.gens {
		if err := g.UpdateBar(bar); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
