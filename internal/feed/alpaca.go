package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"pandora/internal/config"
	"pandora/internal/domain"
	"pandora/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ HistorySource = (*HistoryFeed)(nil)
var _ TickStream = (*StreamFeed)(nil)

// Request retries against the REST API.
const (
	queryAttempts = 3
	queryBackoff  = 500 * time.Millisecond
)

// ---------------------------------------------------------------------------
// HistoryFeed: historical trades from the Alpaca market-data API.
// ---------------------------------------------------------------------------

// HistoryFeed queries historical trades and bars from the Alpaca REST API.
// Trades are accumulated into ticks.
type HistoryFeed struct {
	client   *marketdata.Client
	limiter  *util.RateLimiter
	feed     string
	location *time.Location
	log      *slog.Logger
}

// NewHistoryFeed creates a HistoryFeed from the alpaca config section.
func NewHistoryFeed(cfg config.Alpaca, loc *time.Location) *HistoryFeed {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	if loc == nil {
		loc = time.Local
	}

	return &HistoryFeed{
		client:   marketdata.NewClient(opts),
		limiter:  util.NewRateLimiter(cfg.RateLimitPerMin, 1),
		feed:     cfg.Feed,
		location: loc,
		log:      slog.Default().With("feed", "alpaca-history"),
	}
}

// QueryTicks fetches the trades of symbol within [start, end] and returns
// them as ticks with cumulative volume and turnover. The exchange is only
// used to stamp the ticks; Alpaca routes by symbol.
func (f *HistoryFeed) QueryTicks(ctx context.Context, symbol string, exchange domain.Exchange, start, end time.Time) ([]domain.Tick, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var trades []marketdata.Trade
	err := util.Retry(ctx, queryAttempts, queryBackoff, func() error {
		var err error
		trades, err = f.client.GetTrades(strings.ToUpper(symbol), marketdata.GetTradesRequest{
			Start: start,
			End:   end,
			Feed:  marketdata.Feed(f.feed),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetTrades %s: %w", symbol, err)
	}

	acc := NewTradeAccumulator(exchange, f.location)
	ticks := make([]domain.Tick, 0, len(trades))
	for _, tr := range trades {
		if tr.Price <= 0 {
			continue
		}
		t := acc.Add(Trade{
			ID:        tr.ID,
			Symbol:    symbol,
			Price:     tr.Price,
			Size:      float64(tr.Size),
			Timestamp: tr.Timestamp,
		})
		ticks = append(ticks, t)
	}

	f.log.Debug("queried trades", "symbol", symbol, "trades", len(trades), "ticks", len(ticks))
	return ticks, nil
}

// QueryBars fetches bars of symbol within [start, end]. Minute, hour and
// daily intervals are supported. Turnover is volume times VWAP.
func (f *HistoryFeed) QueryBars(ctx context.Context, symbol string, exchange domain.Exchange, interval domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	tf, err := timeFrame(interval)
	if err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	upper := strings.ToUpper(symbol)
	var multiBars map[string][]marketdata.Bar
	err = util.Retry(ctx, queryAttempts, queryBackoff, func() error {
		var err error
		multiBars, err = f.client.GetMultiBars([]string{upper}, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
			Feed:      marketdata.Feed(f.feed),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars %s: %w", symbol, err)
	}

	alpacaBars := multiBars[upper]
	bars := make([]domain.Bar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		bars = append(bars, domain.Bar{
			Symbol:   symbol,
			Exchange: exchange,
			Datetime: ab.Timestamp.In(f.location),
			Interval: interval,
			Open:     ab.Open,
			High:     ab.High,
			Low:      ab.Low,
			Close:    ab.Close,
			Volume:   float64(ab.Volume),
			Turnover: float64(ab.Volume) * ab.VWAP,
		})
	}

	f.log.Debug("queried bars", "symbol", symbol, "interval", interval, "bars", len(bars))
	return bars, nil
}

func timeFrame(interval domain.Interval) (marketdata.TimeFrame, error) {
	switch interval {
	case domain.IntervalMinute:
		return marketdata.OneMin, nil
	case domain.IntervalHour:
		return marketdata.OneHour, nil
	case domain.IntervalDaily:
		return marketdata.OneDay, nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("alpaca has no %q bars", interval)
}

// ---------------------------------------------------------------------------
// StreamFeed: live trades over the Alpaca WebSocket feed.
// ---------------------------------------------------------------------------

// StreamFeed subscribes to live trades on the Alpaca WebSocket feed and
// converts them into ticks.
type StreamFeed struct {
	apiKey    string
	apiSecret string
	streamURL string
	feed      string
	acc       *TradeAccumulator
	log       *slog.Logger
}

// NewStreamFeed creates a StreamFeed from the alpaca config section. Ticks
// are stamped with cfg.Exchange.
func NewStreamFeed(cfg config.Alpaca, loc *time.Location) *StreamFeed {
	return &StreamFeed{
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		streamURL: cfg.StreamURL,
		feed:      cfg.Feed,
		acc:       NewTradeAccumulator(domain.Exchange(cfg.Exchange), loc),
		log:       slog.Default().With("feed", "alpaca-stream"),
	}
}

// Run connects, subscribes to trades of symbols and calls handler for every
// trade, stamped with the symbol as given in symbols. It blocks until ctx is cancelled or the stream terminates.
func (f *StreamFeed) Run(ctx context.Context, symbols []string, handler func(domain.Tick)) error {
	if len(symbols) == 0 {
		return errors.New("no symbols to stream")
	}
	upper := make([]string, len(symbols))
	names := make(map[string]string, len(symbols))
	for i, s := range symbols {
		upper[i] = strings.ToUpper(s)
		names[upper[i]] = s
	}

	opts := []stream.StockOption{
		stream.WithCredentials(f.apiKey, f.apiSecret),
		stream.WithTrades(func(tr stream.Trade) {
			if tr.Price <= 0 {
				return
			}
			symbol, ok := names[tr.Symbol]
			if !ok {
				symbol = tr.Symbol
			}
			handler(f.acc.Add(Trade{
				ID:         tr.ID,
				Symbol:     symbol,
				Price:      tr.Price,
				Size:       float64(tr.Size),
				Timestamp:  tr.Timestamp,
				ReceivedAt: time.Now(),
			}))
		}, upper...),
	}
	if f.streamURL != "" {
		opts = append(opts, stream.WithBaseURL(f.streamURL))
	}

	client := stream.NewStocksClient(marketdata.Feed(f.feed), opts...)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to alpaca stream: %w", err)
	}
	f.log.Info("streaming trades", "symbols", len(upper), "feed", f.feed)

	select {
	case <-ctx.Done():
		<-client.Terminated()
		return ctx.Err()
	case err := <-client.Terminated():
		return err
	}
}
