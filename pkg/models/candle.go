package models

import "github.com/shopspring/decimal"

// Candle aggregates the ticks of one span.
type Candle struct {
	Time   int64   `json:"time" msgpack:"time"` // start of the span
	Open   float64 `json:"open" msgpack:"open"`
	High   float64 `json:"high" msgpack:"high"`
	Low    float64 `json:"low" msgpack:"low"`
	Close  float64 `json:"close" msgpack:"close"`
	Volume float64 `json:"volume" msgpack:"volume"`
	// BuyVolume is the part of Volume with Buy as aggressor.
	BuyVolume float64 `json:"buy_volume" msgpack:"buy_volume"`
	Trades    int32   `json:"trades" msgpack:"trades"`
}

// EpochSeconds implements timeseries.Record.
func (c Candle) EpochSeconds() int64 { return c.Time }

// CandleFromTick opens a candle of the given span with a single tick.
func CandleFromTick(t Tick, span int64) Candle {
	price := t.Price.InexactFloat64()
	c := Candle{
		Time:   t.Time - t.Time%span,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: t.Size,
		Trades: max(t.Count, 1),
	}
	if t.Side == Buy {
		c.BuyVolume = t.Size
	}
	return c
}

// MergeCandle folds next into prev. Both must cover the same span.
func MergeCandle(prev, next Candle) Candle {
	return Candle{
		Time:      prev.Time,
		Open:      prev.Open,
		High:      max(prev.High, next.High),
		Low:       min(prev.Low, next.Low),
		Close:     next.Close,
		Volume:    prev.Volume + next.Volume,
		BuyVolume: prev.BuyVolume + next.BuyVolume,
		Trades:    prev.Trades + next.Trades,
	}
}

// Typical returns (high + low + close) / 3 as a decimal.
func (c Candle) Typical() decimal.Decimal {
	return decimal.NewFromFloat(c.High).
		Add(decimal.NewFromFloat(c.Low)).
		Add(decimal.NewFromFloat(c.Close)).
		Div(decimal.NewFromInt(3))
}
