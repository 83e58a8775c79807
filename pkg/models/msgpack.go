package models

import (
	"fmt"
	"reflect"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// Producers send prices as msgpack floats, integers or strings. Decimals are
// encoded as strings so they survive any decoder.
func init() {
	msgpack.Register(decimal.Decimal{}, encodeDecimal, decodeDecimal)
}

func encodeDecimal(enc *msgpack.Encoder, v reflect.Value) error {
	return enc.EncodeString(v.Interface().(decimal.Decimal).String())
}

func decodeDecimal(dec *msgpack.Decoder, v reflect.Value) error {
	raw, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return err
	}

	var d decimal.Decimal
	switch x := raw.(type) {
	case nil:
	case string:
		if d, err = decimal.NewFromString(x); err != nil {
			return fmt.Errorf("models: decimal %q: %w", x, err)
		}
	case int64:
		d = decimal.NewFromInt(x)
	case uint64:
		d = decimal.NewFromUint64(x)
	case float64:
		d = decimal.NewFromFloat(x)
	default:
		return fmt.Errorf("models: cannot decode %T as decimal", raw)
	}
	v.Set(reflect.ValueOf(d))
	return nil
}

// DecodeMsgpack accepts the side as its ordinal or as BUY/SELL text.
func (s *Side) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return err
	}

	switch x := raw.(type) {
	case string:
		side, err := ParseSide(x)
		if err != nil {
			return err
		}
		*s = side
	case int64:
		if x != int64(Buy) && x != int64(Sell) {
			return fmt.Errorf("models: unknown side %d", x)
		}
		*s = Side(x)
	case uint64:
		if x > uint64(Sell) {
			return fmt.Errorf("models: unknown side %d", x)
		}
		*s = Side(x)
	default:
		return fmt.Errorf("models: cannot decode %T as side", raw)
	}
	return nil
}
