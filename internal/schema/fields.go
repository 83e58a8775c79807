package schema

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Ordinal is the set of integer types usable as enum ordinals.
type Ordinal interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Enum is implemented by integer types with a fixed number of values.
type Enum interface {
	Cardinality() int
}

// EnumWidth returns the byte width used for an enum with n values.
func EnumWidth(n int) int {
	switch {
	case n < 8:
		return 1
	case n < 128:
		return 2
	default:
		return 4
	}
}

var be = binary.BigEndian

// Bool encodes a bool as one byte.
func Bool[E any, T ~bool](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:  name,
		Kind:  KindBool,
		Width: 1,
		Encode: func(e *E, dst []byte) {
			dst[0] = 0
			if bool(*get(e)) {
				dst[0] = 1
			}
		},
		Decode: func(e *E, src []byte) { *get(e) = T(src[0] != 0) },
	}
}

// Int8 encodes a signed byte.
func Int8[E any, T ~int8](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:   name,
		Kind:   KindInt8,
		Width:  1,
		Encode: func(e *E, dst []byte) { dst[0] = byte(*get(e)) },
		Decode: func(e *E, src []byte) { *get(e) = T(int8(src[0])) },
	}
}

// Uint8 encodes an unsigned byte.
func Uint8[E any, T ~uint8](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:   name,
		Kind:   KindUint8,
		Width:  1,
		Encode: func(e *E, dst []byte) { dst[0] = byte(*get(e)) },
		Decode: func(e *E, src []byte) { *get(e) = T(src[0]) },
	}
}

// Int16 encodes a 16-bit signed integer.
func Int16[E any, T ~int16](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:   name,
		Kind:   KindInt16,
		Width:  2,
		Encode: func(e *E, dst []byte) { be.PutUint16(dst, uint16(*get(e))) },
		Decode: func(e *E, src []byte) { *get(e) = T(int16(be.Uint16(src))) },
	}
}

// Uint16 encodes a 16-bit unsigned integer.
func Uint16[E any, T ~uint16](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:   name,
		Kind:   KindUint16,
		Width:  2,
		Encode: func(e *E, dst []byte) { be.PutUint16(dst, uint16(*get(e))) },
		Decode: func(e *E, src []byte) { *get(e) = T(be.Uint16(src)) },
	}
}

// Int32 encodes a 32-bit signed integer.
func Int32[E any, T ~int32](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:   name,
		Kind:   KindInt32,
		Width:  4,
		Encode: func(e *E, dst []byte) { be.PutUint32(dst, uint32(*get(e))) },
		Decode: func(e *E, src []byte) { *get(e) = T(int32(be.Uint32(src))) },
	}
}

// Uint32 encodes a 32-bit unsigned integer.
func Uint32[E any, T ~uint32](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:   name,
		Kind:   KindUint32,
		Width:  4,
		Encode: func(e *E, dst []byte) { be.PutUint32(dst, uint32(*get(e))) },
		Decode: func(e *E, src []byte) { *get(e) = T(be.Uint32(src)) },
	}
}

// Float32 encodes an IEEE 754 single.
func Float32[E any, T ~float32](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:   name,
		Kind:   KindFloat32,
		Width:  4,
		Encode: func(e *E, dst []byte) { be.PutUint32(dst, math.Float32bits(float32(*get(e)))) },
		Decode: func(e *E, src []byte) { *get(e) = T(math.Float32frombits(be.Uint32(src))) },
	}
}

// Int64 encodes a 64-bit signed integer. Platform ints are widened to 64 bits.
func Int64[E any, T ~int64 | ~int](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:   name,
		Kind:   KindInt64,
		Width:  8,
		Encode: func(e *E, dst []byte) { be.PutUint64(dst, uint64(int64(*get(e)))) },
		Decode: func(e *E, src []byte) { *get(e) = T(int64(be.Uint64(src))) },
	}
}

// Uint64 encodes a 64-bit unsigned integer.
func Uint64[E any, T ~uint64 | ~uint](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:   name,
		Kind:   KindUint64,
		Width:  8,
		Encode: func(e *E, dst []byte) { be.PutUint64(dst, uint64(*get(e))) },
		Decode: func(e *E, src []byte) { *get(e) = T(be.Uint64(src)) },
	}
}

// Float64 encodes an IEEE 754 double.
func Float64[E any, T ~float64](name string, get func(*E) *T) Field[E] {
	return Field[E]{
		Name:   name,
		Kind:   KindFloat64,
		Width:  8,
		Encode: func(e *E, dst []byte) { be.PutUint64(dst, math.Float64bits(float64(*get(e)))) },
		Decode: func(e *E, src []byte) { *get(e) = T(math.Float64frombits(be.Uint64(src))) },
	}
}

// Time encodes a timestamp as unix milliseconds. The zero time is stored as -1
// and decodes back to the zero time; other values decode in UTC.
func Time[E any](name string, get func(*E) *time.Time) Field[E] {
	return Field[E]{
		Name:  name,
		Kind:  KindTime,
		Width: 8,
		Encode: func(e *E, dst []byte) {
			t := *get(e)
			ms := int64(-1)
			if !t.IsZero() {
				ms = t.UnixMilli()
			}
			be.PutUint64(dst, uint64(ms))
		},
		Decode: func(e *E, src []byte) {
			ms := int64(be.Uint64(src))
			if ms == -1 {
				*get(e) = time.Time{}
				return
			}
			*get(e) = time.UnixMilli(ms).UTC()
		},
	}
}

// Decimal encodes an arbitrary-precision decimal as a 32-bit float.
// Precision beyond float32 is lost.
func Decimal[E any](name string, get func(*E) *decimal.Decimal) Field[E] {
	return Field[E]{
		Name:  name,
		Kind:  KindDecimal,
		Width: 4,
		Encode: func(e *E, dst []byte) {
			be.PutUint32(dst, math.Float32bits(float32(get(e).InexactFloat64())))
		},
		Decode: func(e *E, src []byte) {
			*get(e) = decimal.NewFromFloat32(math.Float32frombits(be.Uint32(src)))
		},
	}
}

// EnumOf encodes an enum ordinal using EnumWidth(cardinality) bytes.
func EnumOf[E any, T Ordinal](name string, cardinality int, get func(*E) *T) Field[E] {
	width := EnumWidth(cardinality)
	f := Field[E]{
		Name:  name,
		Kind:  KindEnum,
		Width: width,
	}

	switch width {
	case 1:
		f.Encode = func(e *E, dst []byte) { dst[0] = byte(*get(e)) }
		f.Decode = func(e *E, src []byte) { *get(e) = T(src[0]) }
	case 2:
		f.Encode = func(e *E, dst []byte) { be.PutUint16(dst, uint16(*get(e))) }
		f.Decode = func(e *E, src []byte) { *get(e) = T(be.Uint16(src)) }
	default:
		f.Encode = func(e *E, dst []byte) { be.PutUint32(dst, uint32(*get(e))) }
		f.Decode = func(e *E, src []byte) { *get(e) = T(be.Uint32(src)) }
	}

	return f
}
