package bargen

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pandora/internal/domain"
)

var cst = time.FixedZone("CST", 8*60*60)

var errSink = errors.New("sink down")

func at(h, m, s int) time.Time {
	return time.Date(2024, 3, 1, h, m, s, 0, cst)
}

func tick(symbol string, ts time.Time, price, volume float64) domain.Tick {
	return domain.Tick{
		Symbol:    symbol,
		Exchange:  domain.ExchangeSHFE,
		Datetime:  ts,
		LocalTime: ts,
		LastPrice: price,
		Volume:    volume,
		Turnover:  volume * price,
	}
}

type barRecorder struct {
	bars []domain.Bar
	fail error
}

func (r *barRecorder) OnBar(bar domain.Bar) error {
	if r.fail != nil {
		return r.fail
	}
	r.bars = append(r.bars, bar)
	return nil
}

func TestIsWindowBoundary(t *testing.T) {
	tests := []struct {
		minute, window int
		want           bool
	}{
		{0, 1, true},
		{1, 2, true},
		{0, 2, false},
		{2, 3, true},
		{4, 5, true},
		{5, 5, false},
		{9, 5, true},
		{14, 15, true},
		{15, 15, false},
		{59, 15, true},
		{59, 60, true},
		{30, 0, false},
		{30, -5, false},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, IsWindowBoundary(tt.minute, tt.window),
			"IsWindowBoundary(%d, %d)", tt.minute, tt.window)
	}
}

func TestGeneratorMinuteBar(t *testing.T) {
	rec := &barRecorder{}
	g := NewGenerator(rec)

	require.NoError(t, g.UpdateTick(tick("X", at(9, 30, 0), 100, 10)))
	require.NoError(t, g.UpdateTick(tick("X", at(9, 30, 30), 102, 15)))
	assert.Empty(t, rec.bars, "open minute must not be emitted")

	require.NoError(t, g.UpdateTick(tick("X", at(9, 31, 5), 101, 20)))
	require.Len(t, rec.bars, 1)

	bar := rec.bars[0]
	assert.Equal(t, at(9, 30, 0), bar.Datetime)
	assert.Equal(t, domain.IntervalMinute, bar.Interval)
	assert.Equal(t, "X", bar.Symbol)
	assert.Equal(t, domain.ExchangeSHFE, bar.Exchange)
	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 102.0, bar.High)
	assert.Equal(t, 100.0, bar.Low)
	assert.Equal(t, 102.0, bar.Close)
	assert.Equal(t, 5.0, bar.Volume)
	assert.Equal(t, 15*102.0-10*100.0, bar.Turnover)

	cur, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, 101.0, cur.Open)
	assert.Equal(t, 5.0, cur.Volume)
}

func TestGeneratorOneBarPerMinute(t *testing.T) {
	rec := &barRecorder{}
	g := NewGenerator(rec)

	// 12 ticks across 4 minutes.
	for i := 0; i < 12; i++ {
		ts := at(9, 30, 0).Add(time.Duration(i*20) * time.Second)
		require.NoError(t, g.UpdateTick(tick("X", ts, 100+float64(i), float64(i))))
	}
	require.Len(t, rec.bars, 3)
	for i, b := range rec.bars {
		assert.Equal(t, at(9, 30+i, 0), b.Datetime)
	}

	require.NoError(t, g.Generate())
	require.Len(t, rec.bars, 4)
	assert.Equal(t, at(9, 33, 0), rec.bars[3].Datetime)

	require.NoError(t, g.Generate())
	assert.Len(t, rec.bars, 4, "second Generate must not re-emit")

	err := g.UpdateTick(tick("X", at(9, 33, 50), 120, 30))
	require.ErrorIs(t, err, ErrOutOfOrder, "tick for a flushed minute")

	require.NoError(t, g.UpdateTick(tick("X", at(9, 34, 1), 121, 31)))
	cur, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, 20.0, cur.Volume, "delta measured from the last absorbed tick")
	assert.Len(t, rec.bars, 4)
}

func TestGeneratorDeltaClamp(t *testing.T) {
	rec := &barRecorder{}
	g := NewGenerator(rec)

	require.NoError(t, g.UpdateTick(tick("X", at(9, 0, 0), 10, 100)))
	require.NoError(t, g.UpdateTick(tick("X", at(9, 0, 10), 10, 120)))
	// Session reset: counters restart from a small value.
	require.NoError(t, g.UpdateTick(tick("X", at(9, 0, 20), 10, 5)))
	require.NoError(t, g.UpdateTick(tick("X", at(9, 0, 30), 10, 8)))

	cur, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, 23.0, cur.Volume)
	assert.Equal(t, 230.0, cur.Turnover)
}

func TestGeneratorOpenInterestOverwritten(t *testing.T) {
	rec := &barRecorder{}
	g := NewGenerator(rec)

	for i, oi := range []float64{1000, 1200, 1100} {
		tk := tick("X", at(9, 0, i), 10, float64(i))
		tk.OpenInterest = oi
		require.NoError(t, g.UpdateTick(tk))
	}
	require.NoError(t, g.Generate())
	require.Len(t, rec.bars, 1)
	assert.Equal(t, 1100.0, rec.bars[0].OpenInterest)
}

func TestGeneratorBoundaryFollowsLocalTime(t *testing.T) {
	rec := &barRecorder{}
	g := NewGenerator(rec)

	// The exchange repeats its stamp while local receive time advances.
	event := at(9, 30, 59)
	t1 := tick("X", event, 100, 1)
	t1.LocalTime = at(9, 30, 58)
	t2 := tick("X", event, 101, 2)
	t2.LocalTime = at(9, 31, 1)

	require.NoError(t, g.UpdateTick(t1))
	require.NoError(t, g.UpdateTick(t2))
	require.Len(t, rec.bars, 1)
	assert.Equal(t, at(9, 30, 0), rec.bars[0].Datetime)

	require.NoError(t, g.UpdateTick(tick("X", at(9, 32, 5), 102, 3)))
	require.Len(t, rec.bars, 2)
	assert.Equal(t, at(9, 31, 0), rec.bars[1].Datetime, "bar is stamped with its local minute")
	assert.Equal(t, 101.0, rec.bars[1].Close)
}

func TestGeneratorStampsNeverGoBackwards(t *testing.T) {
	rec := &barRecorder{}
	g := NewGenerator(rec)

	x := tick("X", at(9, 31, 2), 100, 1)
	y := tick("X", at(9, 30, 58), 101, 2)
	y.LocalTime = at(9, 32, 0)
	z := tick("X", at(9, 33, 0), 102, 3)

	for _, tk := range []domain.Tick{x, y, z} {
		require.NoError(t, g.UpdateTick(tk))
	}
	require.NoError(t, g.Generate())

	require.Len(t, rec.bars, 3)
	want := []time.Time{at(9, 31, 0), at(9, 32, 0), at(9, 33, 0)}
	for i, bar := range rec.bars {
		assert.Equal(t, want[i], bar.Datetime, "bar %d", i)
	}
}

func TestGeneratorSameMinuteFieldDifferentHour(t *testing.T) {
	rec := &barRecorder{}
	g := NewGenerator(rec)

	require.NoError(t, g.UpdateTick(tick("X", at(9, 30, 0), 100, 1)))
	require.NoError(t, g.UpdateTick(tick("X", at(10, 30, 0), 101, 2)))
	require.Len(t, rec.bars, 1)
	assert.Equal(t, at(9, 30, 0), rec.bars[0].Datetime)
}

func TestGeneratorOutOfOrder(t *testing.T) {
	rec := &barRecorder{}
	g := NewGenerator(rec)

	require.NoError(t, g.UpdateTick(tick("X", at(9, 30, 30), 100, 10)))
	err := g.UpdateTick(tick("X", at(9, 30, 10), 90, 12))
	require.ErrorIs(t, err, ErrOutOfOrder)

	cur, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, 100.0, cur.Low, "rejected tick must not change the bar")
	assert.Equal(t, 0.0, cur.Volume)
}

func TestGeneratorIgnoresZeroPrice(t *testing.T) {
	rec := &barRecorder{}
	g := NewGenerator(rec)

	require.NoError(t, g.UpdateTick(tick("X", at(9, 30, 0), 0, 10)))
	_, ok := g.Current()
	assert.False(t, ok)
	require.NoError(t, g.Generate())
	assert.Empty(t, rec.bars)
}

func TestGeneratorSinkFailure(t *testing.T) {
	rec := &barRecorder{fail: errSink}
	g := NewGenerator(rec)

	require.NoError(t, g.UpdateTick(tick("X", at(9, 30, 0), 100, 10)))
	err := g.UpdateTick(tick("X", at(9, 31, 0), 101, 12))
	require.ErrorIs(t, err, errSink)

	_, ok := g.Current()
	assert.False(t, ok, "failed bar is discarded and the tick not absorbed")

	rec.fail = nil
	require.NoError(t, g.UpdateTick(tick("X", at(9, 31, 0), 101, 12)))
	require.NoError(t, g.Generate())
	require.Len(t, rec.bars, 1)
	assert.Equal(t, at(9, 31, 0), rec.bars[0].Datetime)
	assert.Equal(t, 2.0, rec.bars[0].Volume)
}

func TestGeneratorFeedsWindow(t *testing.T) {
	rec := &barRecorder{}
	w, err := NewWindowGenerator(MinuteWindow(2), rec)
	require.NoError(t, err)
	g := NewGenerator(w)

	for i := 0; i < 5; i++ {
		require.NoError(t, g.UpdateTick(tick("X", at(9, 30+i, 0), 100+float64(i), float64(i*10))))
	}
	// Minutes 30..33 are complete; 31 and 33 close two-minute windows.
	require.Len(t, rec.bars, 2)
	assert.Equal(t, at(9, 30, 0), rec.bars[0].Datetime)
	assert.Equal(t, domain.IntervalMinute2, rec.bars[0].Interval)
	assert.Equal(t, at(9, 32, 0), rec.bars[1].Datetime)
}

func TestTeeBarsDeliversToAll(t *testing.T) {
	a := &barRecorder{fail: errSink}
	b := &barRecorder{}
	sink := TeeBars(a, b)

	err := sink.OnBar(domain.Bar{Symbol: "X"})
	require.ErrorIs(t, err, errSink)
	assert.Len(t, b.bars, 1)
}
