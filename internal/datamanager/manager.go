// Package datamanager maintains stored market data: CSV import and export,
// history downloads, deletes, overviews and bar rebuilds.
package datamanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pandora/internal/bargen"
	"pandora/internal/domain"
	"pandora/internal/feed"
	"pandora/internal/store"
)

// TagMinute rebuilds one-minute bars from stored ticks. Every other rebuild
// tag is parsed by bargen.ParsePolicies and rebuilds from one-minute bars.
const TagMinute = string(domain.IntervalMinute)

// ErrNoSource is returned by downloads when no history source is configured.
var ErrNoSource = errors.New("no history source configured")

// Manager runs maintenance operations against one store.
type Manager struct {
	store    store.Store
	source   feed.HistorySource
	location *time.Location
	workers  int
	log      *slog.Logger
}

// New creates a Manager. source may be nil when downloads are not needed;
// a nil loc means time.Local and workers below 1 means 1.
func New(s store.Store, source feed.HistorySource, loc *time.Location, workers int) *Manager {
	if loc == nil {
		loc = time.Local
	}
	return &Manager{
		store:    s,
		source:   source,
		location: loc,
		workers:  max(workers, 1),
		log:      slog.Default().With("component", "datamanager"),
	}
}

// LoadBars reads stored bars of one contract and interval.
func (m *Manager) LoadBars(ctx context.Context, symbol string, exchange domain.Exchange, interval domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	return m.store.ReadBars(ctx, symbol, exchange, interval, start, end)
}

// LoadTicks reads stored ticks of one contract.
func (m *Manager) LoadTicks(ctx context.Context, symbol string, exchange domain.Exchange, start, end time.Time) ([]domain.Tick, error) {
	return m.store.ReadTicks(ctx, symbol, exchange, start, end)
}

// DeleteBars removes the bars matching filter.
func (m *Manager) DeleteBars(ctx context.Context, filter store.BarFilter) (int64, error) {
	n, err := m.store.DeleteBars(ctx, filter)
	if err != nil {
		return n, err
	}
	m.log.Info("deleted bars", "symbol", filter.Symbol, "exchange", filter.Exchange, "interval", filter.Interval, "count", n)
	return n, nil
}

// DeleteTicks removes the ticks matching filter.
func (m *Manager) DeleteTicks(ctx context.Context, filter store.TickFilter) (int64, error) {
	n, err := m.store.DeleteTicks(ctx, filter)
	if err != nil {
		return n, err
	}
	m.log.Info("deleted ticks", "symbol", filter.Symbol, "exchange", filter.Exchange, "count", n)
	return n, nil
}

// BarOverview summarizes stored bars.
func (m *Manager) BarOverview(ctx context.Context) ([]domain.BarOverview, error) {
	return m.store.BarOverview(ctx)
}

// TickOverview summarizes stored ticks.
func (m *Manager) TickOverview(ctx context.Context) ([]domain.TickOverview, error) {
	return m.store.TickOverview(ctx)
}

// DownloadTicks queries ticks from the configured source and stores them.
// It returns how many ticks were saved.
func (m *Manager) DownloadTicks(ctx context.Context, symbol string, exchange domain.Exchange, start, end time.Time) (int, error) {
	if m.source == nil {
		return 0, ErrNoSource
	}
	ticks, err := m.source.QueryTicks(ctx, symbol, exchange, start, end)
	if err != nil {
		return 0, fmt.Errorf("downloading %s: %w", domain.Key(symbol, exchange), err)
	}
	if len(ticks) == 0 {
		return 0, nil
	}
	if err := m.store.WriteTicks(ctx, ticks); err != nil {
		return 0, fmt.Errorf("saving ticks: %w", err)
	}
	m.log.Info("downloaded ticks", "key", domain.Key(symbol, exchange), "count", len(ticks))
	return len(ticks), nil
}

// DownloadBars queries bars of one interval from the configured source and
// stores them. It returns how many bars were saved.
func (m *Manager) DownloadBars(ctx context.Context, symbol string, exchange domain.Exchange, interval domain.Interval, start, end time.Time) (int, error) {
	if m.source == nil {
		return 0, ErrNoSource
	}
	bars, err := m.source.QueryBars(ctx, symbol, exchange, interval, start, end)
	if err != nil {
		return 0, fmt.Errorf("downloading %s %s bars: %w", domain.Key(symbol, exchange), interval, err)
	}
	if len(bars) == 0 {
		return 0, nil
	}
	if err := m.store.WriteBars(ctx, bars); err != nil {
		return 0, fmt.Errorf("saving bars: %w", err)
	}
	m.log.Info("downloaded bars", "key", domain.Key(symbol, exchange), "interval", interval, "count", len(bars))
	return len(bars), nil
}

// ---------------------------------------------------------------------------
// Rebuilds
// ---------------------------------------------------------------------------

// RebuildBars regenerates bars of one contract from stored data and saves
// them. Tag TagMinute replays stored ticks into one-minute bars; any other
// tag replays stored one-minute bars through the windows it names. It
// returns how many bars were saved.
func (m *Manager) RebuildBars(ctx context.Context, symbol string, exchange domain.Exchange, tag string, start, end time.Time) (int, error) {
	var (
		ticks []domain.Tick
		bars  []domain.Bar
		err   error
	)
	if tag == TagMinute {
		ticks, err = m.store.ReadTicks(ctx, symbol, exchange, start, end)
	} else {
		bars, err = m.store.ReadBars(ctx, symbol, exchange, domain.IntervalMinute, start, end)
	}
	if err != nil {
		return 0, fmt.Errorf("loading %s: %w", domain.Key(symbol, exchange), err)
	}
	return m.RebuildFromData(ctx, tag, ticks, bars)
}

// RebuildFromData regenerates bars from data already in memory and saves
// them. Tag TagMinute consumes ticks; any other tag consumes one-minute
// bars. The open period at the end of the data is not emitted.
func (m *Manager) RebuildFromData(ctx context.Context, tag string, ticks []domain.Tick, bars []domain.Bar) (int, error) {
	var out []domain.Bar
	collect := bargen.BarSinkFunc(func(bar domain.Bar) error {
		out = append(out, bar)
		return nil
	})

	var (
		skipped int
		err     error
	)
	if tag == TagMinute {
		skipped, err = bargen.ReplayTicks(ticks, collect)
	} else {
		var policies []bargen.Policy
		policies, err = bargen.ParsePolicies(tag)
		if err != nil {
			return 0, err
		}
		skipped, err = bargen.ReplayBars(bars, policies, collect)
	}
	if err != nil {
		return 0, fmt.Errorf("rebuilding %s: %w", tag, err)
	}
	if skipped > 0 {
		m.log.Warn("skipped out-of-order input", "tag", tag, "skipped", skipped)
	}

	if len(out) == 0 {
		return 0, nil
	}
	if err := m.store.WriteBars(ctx, out); err != nil {
		return 0, fmt.Errorf("saving rebuilt bars: %w", err)
	}
	return len(out), nil
}

// RebuildAll runs RebuildBars for every contract that has source data for
// tag, using up to the configured number of workers. Each contract is
// rebuilt with its own generators.
func (m *Manager) RebuildAll(ctx context.Context, tag string, start, end time.Time) (int, error) {
	if tag != TagMinute {
		if _, err := bargen.ParsePolicies(tag); err != nil {
			return 0, err
		}
	}

	contracts, err := m.sourceContracts(ctx, tag)
	if err != nil {
		return 0, err
	}

	var (
		total     atomic.Int64
		completed atomic.Int64
		runStart  = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, c := range contracts {
		g.Go(func() error {
			n, err := m.RebuildBars(gctx, c.symbol, c.exchange, tag, start, end)
			if err != nil {
				return fmt.Errorf("%s: %w", domain.Key(c.symbol, c.exchange), err)
			}
			total.Add(int64(n))
			m.log.Debug("rebuilt contract",
				"key", domain.Key(c.symbol, c.exchange),
				"bars", n,
				"progress", fmt.Sprintf("%d/%d", completed.Add(1), len(contracts)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}

	m.log.Info("rebuild complete",
		"tag", tag,
		"contracts", len(contracts),
		"bars", total.Load(),
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return int(total.Load()), nil
}

// RebuildPortfolio regenerates synchronized bars of several contracts from
// their stored ticks, merged into one stream by LocalTime. keys are
// "SYMBOL.EXCHANGE". Tag TagMinute saves the minute slices; any other tag
// also saves the window slices it names, which must be minute or hour
// windows. Every contract of a slice closes together, so a contract missing
// from a minute is missing from that slice. It returns how many bars were
// saved.
func (m *Manager) RebuildPortfolio(ctx context.Context, keys []string, tag string, start, end time.Time) (int, error) {
	var out []domain.Bar
	collect := bargen.SliceSinkFunc(func(slice bargen.Slice) error {
		for _, bar := range slice {
			out = append(out, bar)
		}
		return nil
	})

	sinks := []bargen.SliceSink{collect}
	if tag != TagMinute {
		policies, err := bargen.ParsePolicies(tag)
		if err != nil {
			return 0, err
		}
		for _, p := range policies {
			w, err := bargen.NewPortfolioWindow(p, collect)
			if err != nil {
				return 0, err
			}
			sinks = append(sinks, w)
		}
	}

	var ticks []domain.Tick
	for _, key := range keys {
		symbol, exchange, err := domain.SplitKey(key)
		if err != nil {
			return 0, err
		}
		t, err := m.store.ReadTicks(ctx, symbol, exchange, start, end)
		if err != nil {
			return 0, fmt.Errorf("loading %s: %w", key, err)
		}
		ticks = append(ticks, t...)
	}
	sort.SliceStable(ticks, func(i, j int) bool {
		return ticks[i].LocalTime.Before(ticks[j].LocalTime)
	})

	skipped, err := bargen.ReplayPortfolio(ticks, bargen.TeeSlices(sinks...))
	if err != nil {
		return 0, fmt.Errorf("rebuilding portfolio %s: %w", tag, err)
	}
	if skipped > 0 {
		m.log.Warn("skipped out-of-order input", "tag", tag, "skipped", skipped)
	}

	if len(out) == 0 {
		return 0, nil
	}
	if err := m.store.WriteBars(ctx, out); err != nil {
		return 0, fmt.Errorf("saving rebuilt bars: %w", err)
	}
	m.log.Info("rebuilt portfolio", "contracts", len(keys), "tag", tag, "bars", len(out))
	return len(out), nil
}

type contract struct {
	symbol   string
	exchange domain.Exchange
}

// sourceContracts lists the contracts holding the data a rebuild with tag
// reads from.
func (m *Manager) sourceContracts(ctx context.Context, tag string) ([]contract, error) {
	var out []contract
	if tag == TagMinute {
		overview, err := m.store.TickOverview(ctx)
		if err != nil {
			return nil, err
		}
		for _, o := range overview {
			out = append(out, contract{o.Symbol, o.Exchange})
		}
		return out, nil
	}

	overview, err := m.store.BarOverview(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range overview {
		if o.Interval == domain.IntervalMinute {
			out = append(out, contract{o.Symbol, o.Exchange})
		}
	}
	return out, nil
}
