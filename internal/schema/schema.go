// Package schema compiles fixed-width binary layouts for record types.
//
// A Schema describes, per field in declaration order, a byte width and an
// encode/decode pair. Layouts are cached per Go type in a process-wide
// registry so a type is only ever compiled once.
package schema

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrUnsupportedField is returned when a field kind has no binary encoding.
	ErrUnsupportedField = errors.New("schema: unsupported field")
	// ErrUnsupportedType is returned when a record type is not a struct.
	ErrUnsupportedType = errors.New("schema: unsupported record type")
	// ErrDuplicateField is returned when two fields share a name.
	ErrDuplicateField = errors.New("schema: duplicate field")
	// ErrEmptySchema is returned for a schema without fields.
	ErrEmptySchema = errors.New("schema: no fields")
	// ErrConflictingSchema is returned when a type is registered twice with different layouts.
	ErrConflictingSchema = errors.New("schema: conflicting registration")
)

// Kind identifies the binary representation of a field.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindFloat32
	KindInt64
	KindUint64
	KindFloat64
	KindTime
	KindDecimal
	KindEnum
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindUint8:
		return "uint8"
	case KindInt16:
		return "int16"
	case KindUint16:
		return "uint16"
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindFloat32:
		return "float32"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindFloat64:
		return "float64"
	case KindTime:
		return "time"
	case KindDecimal:
		return "decimal"
	case KindEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// Field is one fixed-width column of a record layout.
type Field[E any] struct {
	Name  string
	Kind  Kind
	Width int

	// Encode writes the field of e into dst, which is exactly Width bytes.
	Encode func(e *E, dst []byte)
	// Decode reads the field from src, which is exactly Width bytes, into e.
	Decode func(e *E, src []byte)
}

// Schema is the compiled binary layout of record type E.
type Schema[E any] struct {
	fields      []Field[E]
	offsets     []int
	width       int
	fingerprint uint64
}

// New compiles a schema from fields in the given order.
func New[E any](fields ...Field[E]) (*Schema[E], error) {
	if len(fields) == 0 {
		return nil, ErrEmptySchema
	}

	s := &Schema[E]{
		fields:  make([]Field[E], len(fields)),
		offsets: make([]int, len(fields)),
	}
	copy(s.fields, fields)

	seen := make(map[string]struct{}, len(fields))
	h := xxhash.New()
	var scratch [4]byte

	for i, f := range s.fields {
		if f.Name == "" || f.Width <= 0 || f.Encode == nil || f.Decode == nil {
			return nil, fmt.Errorf("%w: field %d (%q) is incomplete", ErrUnsupportedField, i, f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		seen[f.Name] = struct{}{}

		s.offsets[i] = s.width
		s.width += f.Width

		_, _ = h.WriteString(f.Name)
		scratch[0] = 0
		scratch[1] = byte(f.Kind)
		binary.BigEndian.PutUint16(scratch[2:], uint16(f.Width))
		_, _ = h.Write(scratch[:])
	}
	s.fingerprint = h.Sum64()

	return s, nil
}

// Width returns the encoded size of one record in bytes.
func (s *Schema[E]) Width() int {
	return s.width
}

// Fields returns the fields in layout order. The slice must not be modified.
func (s *Schema[E]) Fields() []Field[E] {
	return s.fields
}

// Fingerprint is a stable hash of field names, kinds and widths.
func (s *Schema[E]) Fingerprint() uint64 {
	return s.fingerprint
}

// Encode writes e into dst. dst must hold at least Width bytes.
func (s *Schema[E]) Encode(e *E, dst []byte) {
	_ = dst[s.width-1]
	for i, f := range s.fields {
		off := s.offsets[i]
		f.Encode(e, dst[off:off+f.Width])
	}
}

// Decode reads one record from src. src must hold at least Width bytes.
func (s *Schema[E]) Decode(src []byte) E {
	var e E
	s.DecodeInto(&e, src)
	return e
}

// DecodeInto reads one record from src into e.
func (s *Schema[E]) DecodeInto(e *E, src []byte) {
	_ = src[s.width-1]
	for i, f := range s.fields {
		off := s.offsets[i]
		f.Decode(e, src[off:off+f.Width])
	}
}

// String renders the layout, e.g. "time:int64/8 price:decimal/4".
func (s *Schema[E]) String() string {
	out := make([]byte, 0, 16*len(s.fields))
	for i, f := range s.fields {
		if i > 0 {
			out = append(out, ' ')
		}
		out = fmt.Appendf(out, "%s:%s/%d", f.Name, f.Kind, f.Width)
	}
	return string(out)
}
