package bargen

import (
	"errors"

	"pandora/internal/domain"
)

// ReplayTicks rebuilds one-minute bars from stored ticks. Each contract gets
// its own fresh Generator, so the output depends only on the order and
// values of ticks. Out-of-order ticks are skipped and counted; the open
// minute of each contract is left unemitted, exactly as in live recording.
func ReplayTicks(ticks []domain.Tick, sink BarSink) (skipped int, err error) {
	gens := make(map[string]*Generator)
	for _, t := range ticks {
		key := t.Key()
		g, ok := gens[key]
		if !ok {
			g = NewGenerator(sink)
			gens[key] = g
		}
		if err := g.UpdateTick(t); err != nil {
			if errors.Is(err, ErrOutOfOrder) {
				skipped++
				continue
			}
			return skipped, err
		}
	}
	return skipped, nil
}

// ReplayBars rebuilds window bars from stored one-minute bars, running one
// independent MultiWindow per contract.
func ReplayBars(bars []domain.Bar, policies []Policy, sink BarSink) (skipped int, err error) {
	// Construct once up front so a bad policy fails before any output.
	if _, err := NewMultiWindow(policies, sink); err != nil {
		return 0, err
	}

	windows := make(map[string]*MultiWindow)
	for _, b := range bars {
		key := b.Key()
		m, ok := windows[key]
		if !ok {
			m, _ = NewMultiWindow(policies, sink)
			windows[key] = m
		}
		if err := m.UpdateBar(b); err != nil {
			if errors.Is(err, ErrOutOfOrder) {
				skipped++
				continue
			}
			return skipped, err
		}
	}
	return skipped, nil
}

// ReplayPortfolio rebuilds synchronized minute slices from a stored,
// interleaved tick stream. Compose with TeeSlices and PortfolioWindow to
// rebuild window slices in the same pass.
func ReplayPortfolio(ticks []domain.Tick, sink SliceSink) (skipped int, err error) {
	p := NewPortfolioGenerator(sink)
	for _, t := range ticks {
		if err := p.UpdateTick(t); err != nil {
			if errors.Is(err, ErrOutOfOrder) {
				skipped++
				continue
			}
			return skipped, err
		}
	}
	return skipped, nil
}
