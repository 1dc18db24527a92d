// Package recorder records live ticks and the bars generated from them.
//
// Ticks enter through Submit and are processed by the single goroutine
// running Run, which owns every bar generator. Buffered ticks and bars are
// handed to a writer goroutine on every flush tick; a write that still fails
// after its retries stops the recorder.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pandora/internal/bargen"
	"pandora/internal/config"
	"pandora/internal/domain"
	"pandora/internal/util"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Storage is where recorded data is written.
type Storage interface {
	WriteBars(ctx context.Context, bars []domain.Bar) error
	WriteTicks(ctx context.Context, ticks []domain.Tick) error
}

// batch is one flush worth of records.
type batch struct {
	ticks []domain.Tick
	bars  []domain.Bar
}

// Recorder records ticks and bars of the contracts listed in its settings.
type Recorder struct {
	storage       Storage
	settingFile   string
	policies      []bargen.Policy
	flushInterval time.Duration
	flushRetries  int
	retryDelay    time.Duration
	metrics       *Metrics
	log           *slog.Logger

	mu       sync.RWMutex
	settings *Settings

	input chan domain.Tick

	// Owned by the goroutine processing ticks.
	gens  map[string]*bargen.Generator
	ticks []domain.Tick
	bars  []domain.Bar
}

// New creates a Recorder writing to storage and loads its recording lists
// from cfg.SettingFile. A nil metrics gets an unregistered set.
func New(storage Storage, cfg config.Recorder, metrics *Metrics) (*Recorder, error) {
	settings, err := LoadSettings(cfg.SettingFile)
	if err != nil {
		return nil, fmt.Errorf("loading recorder settings: %w", err)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	r := &Recorder{
		storage:       storage,
		settingFile:   cfg.SettingFile,
		policies:      cfg.Policies(),
		flushInterval: cfg.FlushInterval,
		flushRetries:  cfg.FlushRetries,
		retryDelay:    500 * time.Millisecond,
		metrics:       metrics,
		log:           slog.Default().With("component", "recorder"),
		settings:      settings,
		input:         make(chan domain.Tick, max(cfg.QueueSize, 1)),
		gens:          make(map[string]*bargen.Generator),
	}
	if r.flushInterval <= 0 {
		r.flushInterval = 10 * time.Second
	}
	if len(r.policies) > 0 {
		if _, err := bargen.NewMultiWindow(r.policies, bargen.BarSinkFunc(r.recordBar)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Recording lists
// ---------------------------------------------------------------------------

// AddTickRecording starts recording ticks of rec and saves the settings.
func (r *Recorder) AddTickRecording(rec Recording) error {
	return r.update(func(s *Settings) error { return add(s.Tick, rec) })
}

// RemoveTickRecording stops recording ticks of key and saves the settings.
func (r *Recorder) RemoveTickRecording(key string) error {
	return r.update(func(s *Settings) error { return remove(s.Tick, key) })
}

// AddBarRecording starts recording bars of rec and saves the settings.
func (r *Recorder) AddBarRecording(rec Recording) error {
	return r.update(func(s *Settings) error { return add(s.Bar, rec) })
}

// RemoveBarRecording stops recording bars of key and saves the settings.
func (r *Recorder) RemoveBarRecording(key string) error {
	return r.update(func(s *Settings) error { return remove(s.Bar, key) })
}

// TickRecordings returns the sorted keys of tick-recorded contracts.
func (r *Recorder) TickRecordings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.settings.Tick)
}

// BarRecordings returns the sorted keys of bar-recorded contracts.
func (r *Recorder) BarRecordings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.settings.Bar)
}

// Symbols returns every symbol a feed must subscribe to.
func (r *Recorder) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.Symbols()
}

func (r *Recorder) update(fn func(*Settings) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := fn(r.settings); err != nil {
		return err
	}
	if err := r.settings.Save(r.settingFile); err != nil {
		return fmt.Errorf("saving recorder settings: %w", err)
	}
	return nil
}

func add(m map[string]Recording, rec Recording) error {
	key := rec.Key()
	if _, ok := m[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRecording, key)
	}
	m[key] = rec
	return nil
}

func remove(m map[string]Recording, key string) error {
	if _, ok := m[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRecording, key)
	}
	delete(m, key)
	return nil
}

// ---------------------------------------------------------------------------
// Tick processing
// ---------------------------------------------------------------------------

// Submit queues tick for the goroutine running Run. It never blocks; when
// the queue is full the tick is dropped and Submit reports false.
func (r *Recorder) Submit(tick domain.Tick) bool {
	select {
	case r.input <- tick:
		return true
	default:
		r.metrics.TicksDropped.Inc()
		return false
	}
}

// UpdateTick records tick when its contract is tick-recorded and drives the
// contract's minute generator when it is bar-recorded. Completed minute
// bars are recorded and fed to the window generators, whose bars are
// recorded too. UpdateTick must not be called concurrently with Run.
func (r *Recorder) UpdateTick(tick domain.Tick) error {
	key := tick.Key()
	r.mu.RLock()
	_, recordTick := r.settings.Tick[key]
	_, recordBar := r.settings.Bar[key]
	r.mu.RUnlock()

	r.metrics.TicksReceived.Inc()
	if recordTick {
		r.ticks = append(r.ticks, tick)
		r.metrics.Buffered.Inc()
	}
	if recordBar {
		return r.generator(key).UpdateTick(tick)
	}
	return nil
}

// generator returns the minute generator of key, creating it and its window
// generators on first use.
func (r *Recorder) generator(key string) *bargen.Generator {
	if g, ok := r.gens[key]; ok {
		return g
	}
	sink := bargen.BarSink(bargen.BarSinkFunc(r.recordBar))
	if len(r.policies) > 0 {
		// Policies were validated in New.
		windows, _ := bargen.NewMultiWindow(r.policies, bargen.BarSinkFunc(r.recordBar))
		sink = bargen.TeeBars(sink, windows)
	}
	g := bargen.NewGenerator(sink)
	r.gens[key] = g
	return g
}

func (r *Recorder) recordBar(bar domain.Bar) error {
	r.bars = append(r.bars, bar)
	r.metrics.BarsGenerated.WithLabelValues(string(bar.Interval)).Inc()
	r.metrics.Buffered.Inc()
	return nil
}

// generateAll closes the open minute of every generator.
func (r *Recorder) generateAll() {
	for key, g := range r.gens {
		if err := g.Generate(); err != nil {
			r.log.Warn("closing open minute", "key", key, "error", err)
		}
	}
}

// takeBatch moves the buffered records into a batch.
func (r *Recorder) takeBatch() (batch, bool) {
	if len(r.ticks) == 0 && len(r.bars) == 0 {
		return batch{}, false
	}
	b := batch{ticks: r.ticks, bars: r.bars}
	r.ticks, r.bars = nil, nil
	r.metrics.Buffered.Set(0)
	return b, true
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// Run processes submitted ticks and flushes recorded data every flush
// interval until ctx is cancelled. On cancellation it processes the ticks
// still queued, closes every open minute and writes what remains. A write
// that fails after all retries stops Run and is returned.
//
// A minute closed at shutdown is stored partial. After a restart within that
// minute its bar is rebuilt from the first new tick and replaces the stored
// one, and that first tick adds no volume since there is no earlier tick to
// diff against.
func (r *Recorder) Run(ctx context.Context) error {
	batches := make(chan batch, 16)
	writerDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(writerDone)
		// Writes outlive ctx so the final batch lands after shutdown.
		return r.writeLoop(context.WithoutCancel(gctx), batches)
	})
	g.Go(func() error {
		defer close(batches)
		return r.processLoop(gctx, batches, writerDone)
	})

	r.log.Info("recorder started",
		"ticks", len(r.TickRecordings()),
		"bars", len(r.BarRecordings()),
		"flushInterval", r.flushInterval,
	)
	err := g.Wait()
	if err != nil {
		r.log.Error("recorder stopped", "error", err)
		return err
	}
	r.log.Info("recorder stopped")
	return nil
}

func (r *Recorder) processLoop(ctx context.Context, batches chan<- batch, writerDone <-chan struct{}) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	push := func() {
		b, ok := r.takeBatch()
		if !ok {
			return
		}
		select {
		case batches <- b:
		case <-writerDone:
		}
	}

	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.generateAll()
			push()
			return nil
		case tick := <-r.input:
			r.handle(tick)
		case <-ticker.C:
			push()
		}
	}
}

// drain processes the ticks already queued without waiting for more.
func (r *Recorder) drain() {
	for {
		select {
		case tick := <-r.input:
			r.handle(tick)
		default:
			return
		}
	}
}

func (r *Recorder) handle(tick domain.Tick) {
	err := r.UpdateTick(tick)
	switch {
	case err == nil:
	case errors.Is(err, bargen.ErrOutOfOrder):
		r.metrics.TicksOutOfOrder.Inc()
		r.log.Debug("dropped tick", "key", tick.Key(), "error", err)
	default:
		r.log.Warn("processing tick", "key", tick.Key(), "error", err)
	}
}

func (r *Recorder) writeLoop(ctx context.Context, batches <-chan batch) error {
	for b := range batches {
		if err := r.write(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// write saves one batch, bars first, retrying each write.
func (r *Recorder) write(ctx context.Context, b batch) error {
	notify := func(what string) func(int, error) {
		return func(attempt int, err error) {
			r.metrics.FlushFailures.Inc()
			r.log.Warn("flush failed", "records", what, "attempt", attempt, "error", err)
		}
	}

	if len(b.bars) > 0 {
		err := util.RetryNotify(ctx, r.flushRetries, r.retryDelay, func() error {
			return r.storage.WriteBars(ctx, b.bars)
		}, notify("bars"))
		if err != nil {
			return fmt.Errorf("writing %d bars: %w", len(b.bars), err)
		}
		r.metrics.FlushedBars.Add(float64(len(b.bars)))
	}
	if len(b.ticks) > 0 {
		err := util.RetryNotify(ctx, r.flushRetries, r.retryDelay, func() error {
			return r.storage.WriteTicks(ctx, b.ticks)
		}, notify("ticks"))
		if err != nil {
			return fmt.Errorf("writing %d ticks: %w", len(b.ticks), err)
		}
		r.metrics.FlushedTicks.Add(float64(len(b.ticks)))
	}

	r.metrics.Flushes.Inc()
	r.log.Debug("flushed", "bars", len(b.bars), "ticks", len(b.ticks))
	return nil
}
