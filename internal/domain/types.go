// Package domain defines the core market-data types shared across pandora:
// ticks, bars, intervals, and the storage overviews built from them.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Exchange identifies the venue a contract trades on.
type Exchange string

const (
	ExchangeCFFEX Exchange = "CFFEX"
	ExchangeSHFE  Exchange = "SHFE"
	ExchangeCZCE  Exchange = "CZCE"
	ExchangeDCE   Exchange = "DCE"
	ExchangeINE   Exchange = "INE"
	ExchangeGFEX  Exchange = "GFEX"
	ExchangeSSE   Exchange = "SSE"
	ExchangeSZSE  Exchange = "SZSE"
	ExchangeSMART Exchange = "SMART"
	ExchangeLOCAL Exchange = "LOCAL"
)

// Product classifies the instrument type of a contract.
type Product string

const (
	ProductFutures Product = "futures"
	ProductOptions Product = "options"
	ProductEquity  Product = "equity"
	ProductIndex   Product = "index"
)

// Tick is a single snapshot of market state for one contract.
//
// Volume and Turnover are cumulative for the trading session. Datetime is the
// exchange event time; LocalTime is the time the tick was received and is the
// clock used for bar boundaries.
type Tick struct {
	Symbol       string
	Exchange     Exchange
	Datetime     time.Time
	LocalTime    time.Time
	LastPrice    float64
	Volume       float64
	Turnover     float64
	OpenInterest float64

	// Seq tells apart ticks sharing both timestamps, such as an upstream
	// trade ID. Zero when the feed has none.
	Seq int64
}

// Key returns the "SYMBOL.EXCHANGE" identifier used to key per-contract state.
func (t Tick) Key() string {
	return Key(t.Symbol, t.Exchange)
}

// Bar is an OHLCV summary of one period. Volume and Turnover are deltas for
// the period; OpenInterest is the last value seen.
type Bar struct {
	Symbol       string
	Exchange     Exchange
	Datetime     time.Time
	Interval     Interval
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	Turnover     float64
	OpenInterest float64
}

// Key returns the "SYMBOL.EXCHANGE" identifier of the bar's contract.
func (b Bar) Key() string {
	return Key(b.Symbol, b.Exchange)
}

// Key joins a symbol and exchange into "SYMBOL.EXCHANGE".
func Key(symbol string, exchange Exchange) string {
	return symbol + "." + string(exchange)
}

// SplitKey is the inverse of Key. The exchange is everything after the last
// dot so symbols containing dots survive the round trip.
func SplitKey(key string) (string, Exchange, error) {
	i := strings.LastIndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("invalid contract key %q (want SYMBOL.EXCHANGE)", key)
	}
	return key[:i], Exchange(key[i+1:]), nil
}

// BarOverview summarizes the stored bars of one contract and interval.
type BarOverview struct {
	Symbol   string
	Exchange Exchange
	Interval Interval
	Count    int64
	Start    time.Time
	End      time.Time
}

// TickOverview summarizes the stored ticks of one contract.
type TickOverview struct {
	Symbol   string
	Exchange Exchange
	Count    int64
	Start    time.Time
	End      time.Time
}
