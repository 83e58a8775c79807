// Package models defines the record types stored by tickstore.
package models

import (
	"fmt"
	"strings"

	"github.com/basekick-labs/tickstore/internal/schema"
	"github.com/shopspring/decimal"
)

// Side is the aggressor side of a trade
type Side uint8

const (
	Buy Side = iota
	Sell
)

// Cardinality implements schema.Enum.
func (s Side) Cardinality() int { return 2 }

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

// ParseSide accepts BUY/SELL and the B/S shorthand, in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B":
		return Buy, nil
	case "SELL", "S":
		return Sell, nil
	}
	return 0, fmt.Errorf("models: unknown side %q", s)
}

// Tick is one executed trade.
type Tick struct {
	Time  int64           `json:"time" msgpack:"time"` // seconds since the epoch
	Side  Side            `json:"side" msgpack:"side"`
	Price decimal.Decimal `json:"price" msgpack:"price"`
	Size  float64         `json:"size" msgpack:"size"`
	Count int32           `json:"count" msgpack:"count"` // trades aggregated into this slot
}

// EpochSeconds implements timeseries.Record.
func (t Tick) EpochSeconds() int64 { return t.Time }

// TickSchema is the on-disk layout of Tick.
var TickSchema = mustRegister(schema.Register(
	schema.Int64("time", func(t *Tick) *int64 { return &t.Time }),
	schema.EnumOf("side", Side(0).Cardinality(), func(t *Tick) *Side { return &t.Side }),
	schema.Decimal("price", func(t *Tick) *decimal.Decimal { return &t.Price }),
	schema.Float64("size", func(t *Tick) *float64 { return &t.Size }),
	schema.Int32("count", func(t *Tick) *int32 { return &t.Count }),
))

// MergeTicks keeps the latest price of a slot and sums its volume.
func MergeTicks(prev, next Tick) Tick {
	next.Size += prev.Size
	next.Count += prev.Count
	return next
}

func mustRegister[E any](s *schema.Schema[E], err error) *schema.Schema[E] {
	if err != nil {
		panic(err)
	}
	return s
}
