package schema

import (
	"fmt"
	"reflect"
	"sync"
	"time"
	"unsafe"

	"github.com/shopspring/decimal"
)

// registry maps reflect.Type to *Schema[E] for that type.
var registry sync.Map

var (
	timeType    = reflect.TypeFor[time.Time]()
	decimalType = reflect.TypeFor[decimal.Decimal]()
	enumType    = reflect.TypeFor[Enum]()
)

// Register compiles fields into the schema for E and stores it in the
// registry. Registering an identical layout twice is a no-op; a different
// layout for an already known type fails with ErrConflictingSchema.
func Register[E any](fields ...Field[E]) (*Schema[E], error) {
	s, err := New(fields...)
	if err != nil {
		return nil, err
	}

	actual, loaded := registry.LoadOrStore(reflect.TypeFor[E](), s)
	if !loaded {
		return s, nil
	}
	existing := actual.(*Schema[E])
	if existing.Fingerprint() != s.Fingerprint() {
		return nil, fmt.Errorf("%w: %s", ErrConflictingSchema, reflect.TypeFor[E]())
	}
	return existing, nil
}

// Of returns the schema for E, deriving it from the struct's exported fields
// on first use. Fields tagged `tick:"-"` are skipped; `tick:"name"` renames a
// field. Concurrent first calls agree on a single schema.
func Of[E any]() (*Schema[E], error) {
	t := reflect.TypeFor[E]()
	if s, ok := registry.Load(t); ok {
		return s.(*Schema[E]), nil
	}

	s, err := derive[E](t)
	if err != nil {
		return nil, err
	}

	actual, _ := registry.LoadOrStore(t, s)
	return actual.(*Schema[E]), nil
}

// MustOf is like Of but panics on error.
func MustOf[E any]() *Schema[E] {
	s, err := Of[E]()
	if err != nil {
		panic(err)
	}
	return s
}

func derive[E any](t reflect.Type) (*Schema[E], error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is a %s", ErrUnsupportedType, t, t.Kind())
	}

	fields := make([]Field[E], 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("tick"); ok {
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}

		f, err := deriveField[E](name, sf.Type, sf.Offset)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t, sf.Name, err)
		}
		fields = append(fields, f)
	}

	return New(fields...)
}

// at returns a typed pointer to the field at off within e.
func at[T, E any](off uintptr) func(*E) *T {
	return func(e *E) *T {
		return (*T)(unsafe.Add(unsafe.Pointer(e), off))
	}
}

func deriveField[E any](name string, ft reflect.Type, off uintptr) (Field[E], error) {
	switch ft {
	case timeType:
		return Time(name, at[time.Time, E](off)), nil
	case decimalType:
		return Decimal(name, at[decimal.Decimal, E](off)), nil
	}

	if n, ok := cardinality(ft); ok {
		return deriveEnum[E](name, n, ft, off)
	}

	switch ft.Kind() {
	case reflect.Bool:
		return Bool(name, at[bool, E](off)), nil
	case reflect.Int8:
		return Int8(name, at[int8, E](off)), nil
	case reflect.Uint8:
		return Uint8(name, at[uint8, E](off)), nil
	case reflect.Int16:
		return Int16(name, at[int16, E](off)), nil
	case reflect.Uint16:
		return Uint16(name, at[uint16, E](off)), nil
	case reflect.Int32:
		return Int32(name, at[int32, E](off)), nil
	case reflect.Uint32:
		return Uint32(name, at[uint32, E](off)), nil
	case reflect.Float32:
		return Float32(name, at[float32, E](off)), nil
	case reflect.Int64:
		return Int64(name, at[int64, E](off)), nil
	case reflect.Int:
		return Int64(name, at[int, E](off)), nil
	case reflect.Uint64:
		return Uint64(name, at[uint64, E](off)), nil
	case reflect.Uint:
		return Uint64(name, at[uint, E](off)), nil
	case reflect.Float64:
		return Float64(name, at[float64, E](off)), nil
	}

	return Field[E]{}, fmt.Errorf("%w: %s has kind %s", ErrUnsupportedField, name, ft.Kind())
}

func deriveEnum[E any](name string, n int, ft reflect.Type, off uintptr) (Field[E], error) {
	switch ft.Kind() {
	case reflect.Int8:
		return EnumOf(name, n, at[int8, E](off)), nil
	case reflect.Uint8:
		return EnumOf(name, n, at[uint8, E](off)), nil
	case reflect.Int16:
		return EnumOf(name, n, at[int16, E](off)), nil
	case reflect.Uint16:
		return EnumOf(name, n, at[uint16, E](off)), nil
	case reflect.Int32:
		return EnumOf(name, n, at[int32, E](off)), nil
	case reflect.Uint32:
		return EnumOf(name, n, at[uint32, E](off)), nil
	case reflect.Int64:
		return EnumOf(name, n, at[int64, E](off)), nil
	case reflect.Uint64:
		return EnumOf(name, n, at[uint64, E](off)), nil
	case reflect.Int:
		return EnumOf(name, n, at[int, E](off)), nil
	case reflect.Uint:
		return EnumOf(name, n, at[uint, E](off)), nil
	}
	return Field[E]{}, fmt.Errorf("%w: enum %s must be an integer, got %s", ErrUnsupportedField, name, ft.Kind())
}

// cardinality reports the value count of an Enum type, whether Cardinality
// is declared on the value or the pointer receiver.
func cardinality(ft reflect.Type) (int, bool) {
	if ft.Kind() == reflect.Interface {
		return 0, false
	}
	switch {
	case ft.Implements(enumType):
		return reflect.Zero(ft).Interface().(Enum).Cardinality(), true
	case reflect.PointerTo(ft).Implements(enumType):
		return reflect.New(ft).Interface().(Enum).Cardinality(), true
	}
	return 0, false
}
