package models

import (
	"fmt"
	"time"
)

// Venue identifies the exchange a quote comes from.
type Venue int16

const (
	Binance Venue = iota
	Coinbase
	Kraken
	Bitfinex
	Bitstamp
	OKX
	Bybit
	Deribit
	Gemini
	BitMEX
)

var venueNames = [...]string{
	"binance", "coinbase", "kraken", "bitfinex", "bitstamp",
	"okx", "bybit", "deribit", "gemini", "bitmex",
}

// Cardinality implements schema.Enum.
func (v Venue) Cardinality() int { return len(venueNames) }

func (v Venue) String() string {
	if v < 0 || int(v) >= len(venueNames) {
		return fmt.Sprintf("venue(%d)", int(v))
	}
	return venueNames[v]
}

// ParseVenue returns the venue with the given lowercase name.
func ParseVenue(name string) (Venue, error) {
	for i, n := range venueNames {
		if n == name {
			return Venue(i), nil
		}
	}
	return 0, fmt.Errorf("models: unknown venue %q", name)
}

// BookTop is the best bid and ask of one venue. Its layout is derived from
// the struct fields.
type BookTop struct {
	Time     int64     `json:"time" msgpack:"time"`
	Venue    Venue     `json:"venue" msgpack:"venue"`
	BidPrice float64   `json:"bid_price" msgpack:"bid_price"`
	BidSize  float64   `json:"bid_size" msgpack:"bid_size"`
	AskPrice float64   `json:"ask_price" msgpack:"ask_price"`
	AskSize  float64   `json:"ask_size" msgpack:"ask_size"`
	Received time.Time `json:"received" msgpack:"received" tick:"recv"`
}

// EpochSeconds implements timeseries.Record.
func (b BookTop) EpochSeconds() int64 { return b.Time }

// Spread returns ask minus bid, or zero when either side is empty.
func (b BookTop) Spread() float64 {
	if b.BidPrice == 0 || b.AskPrice == 0 {
		return 0
	}
	return b.AskPrice - b.BidPrice
}

// Mid returns the midpoint price, or zero when either side is empty.
func (b BookTop) Mid() float64 {
	if b.BidPrice == 0 || b.AskPrice == 0 {
		return 0
	}
	return (b.AskPrice + b.BidPrice) / 2
}
