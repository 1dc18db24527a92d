package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the recorder's Prometheus collectors.
type Metrics struct {
	TicksReceived   prometheus.Counter
	TicksDropped    prometheus.Counter
	TicksOutOfOrder prometheus.Counter
	BarsGenerated   *prometheus.CounterVec
	Flushes         prometheus.Counter
	FlushFailures   prometheus.Counter
	FlushedTicks    prometheus.Counter
	FlushedBars     prometheus.Counter
	Buffered        prometheus.Gauge
}

// NewMetrics creates the recorder collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pandora_recorder_ticks_received_total",
			Help: "Ticks accepted by the recorder.",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pandora_recorder_ticks_dropped_total",
			Help: "Ticks dropped because the input queue was full.",
		}),
		TicksOutOfOrder: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pandora_recorder_ticks_out_of_order_total",
			Help: "Ticks rejected for arriving before an earlier tick.",
		}),
		BarsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pandora_recorder_bars_generated_total",
			Help: "Bars generated, by interval.",
		}, []string{"interval"}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pandora_recorder_flushes_total",
			Help: "Batches written to storage.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pandora_recorder_flush_failures_total",
			Help: "Failed storage write attempts.",
		}),
		FlushedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pandora_recorder_flushed_ticks_total",
			Help: "Ticks written to storage.",
		}),
		FlushedBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pandora_recorder_flushed_bars_total",
			Help: "Bars written to storage.",
		}),
		Buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pandora_recorder_buffered_records",
			Help: "Ticks and bars waiting for the next flush.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TicksReceived,
			m.TicksDropped,
			m.TicksOutOfOrder,
			m.BarsGenerated,
			m.Flushes,
			m.FlushFailures,
			m.FlushedTicks,
			m.FlushedBars,
			m.Buffered,
		)
	}
	return m
}
