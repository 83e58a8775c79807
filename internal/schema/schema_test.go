package schema

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type side uint8

func (side) Cardinality() int { return 2 }

type venue int32

const venueCount = 10

func (venue) Cardinality() int { return venueCount }

type quote struct {
	Time   int64
	Side   side
	Venue  venue
	Price  decimal.Decimal
	Size   float64
	Count  int32
	Open   bool
	At     time.Time
	Note   string `tick:"-"`
	hidden int
}

type withString struct {
	Time   int64
	Symbol string
}

type renamed struct {
	Time  int64 `tick:"ts"`
	Level int16
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindBool, "bool"},
		{KindInt64, "int64"},
		{KindDecimal, "decimal"},
		{KindEnum, "enum"},
		{Kind(0), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind.String() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestEnumWidth(t *testing.T) {
	tests := []struct {
		values int
		width  int
	}{
		{0, 1},
		{2, 1},
		{7, 1},
		{8, 2},
		{10, 2},
		{127, 2},
		{128, 4},
		{100000, 4},
	}

	for _, tt := range tests {
		if got := EnumWidth(tt.values); got != tt.width {
			t.Errorf("EnumWidth(%d) = %d, want %d", tt.values, got, tt.width)
		}
	}
}

func TestOfDerivesLayout(t *testing.T) {
	s, err := Of[quote]()
	require.NoError(t, err)

	names := make([]string, 0, len(s.Fields()))
	widths := make([]int, 0, len(s.Fields()))
	for _, f := range s.Fields() {
		names = append(names, f.Name)
		widths = append(widths, f.Width)
	}

	assert.Equal(t, []string{"Time", "Side", "Venue", "Price", "Size", "Count", "Open", "At"}, names)
	assert.Equal(t, []int{8, 1, 2, 4, 8, 4, 1, 8}, widths)
	assert.Equal(t, 36, s.Width())
}

func TestEnumWithTenValuesUsesTwoBytes(t *testing.T) {
	s := MustOf[quote]()

	var f Field[quote]
	for _, candidate := range s.Fields() {
		if candidate.Name == "Venue" {
			f = candidate
		}
	}
	if f.Kind != KindEnum {
		t.Fatalf("Venue kind = %s, want enum", f.Kind)
	}
	if f.Width != 2 {
		t.Fatalf("Venue width = %d, want 2", f.Width)
	}
}

func TestRoundTrip(t *testing.T) {
	s := MustOf[quote]()

	in := quote{
		Time:   1700000000,
		Side:   1,
		Venue:  9,
		Price:  decimal.RequireFromString("101.25"),
		Size:   0.125,
		Count:  -7,
		Open:   true,
		At:     time.UnixMilli(1700000000123).UTC(),
		Note:   "dropped",
		hidden: 42,
	}

	buf := make([]byte, s.Width())
	s.Encode(&in, buf)
	out := s.Decode(buf)

	assert.Equal(t, in.Time, out.Time)
	assert.Equal(t, in.Side, out.Side)
	assert.Equal(t, in.Venue, out.Venue)
	assert.True(t, in.Price.Equal(out.Price), "price %s != %s", in.Price, out.Price)
	assert.Equal(t, in.Size, out.Size)
	assert.Equal(t, in.Count, out.Count)
	assert.Equal(t, in.Open, out.Open)
	assert.True(t, in.At.Equal(out.At))
	assert.Empty(t, out.Note)
	assert.Zero(t, out.hidden)
}

func TestZeroTimeRoundTrip(t *testing.T) {
	s := MustOf[quote]()

	var in quote
	buf := make([]byte, s.Width())
	s.Encode(&in, buf)

	out := s.Decode(buf)
	assert.True(t, out.At.IsZero())
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, buf[s.Width()-8:])
}

func TestBigEndian(t *testing.T) {
	type pair struct {
		A int16
		B uint32
	}
	s := MustOf[pair]()

	buf := make([]byte, s.Width())
	s.Encode(&pair{A: 0x0102, B: 0x03040506}, buf)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, buf)
}

func TestTagRenamesField(t *testing.T) {
	s := MustOf[renamed]()
	assert.Equal(t, "ts:int64/8 Level:int16/2", s.String())
}

func TestUnsupportedField(t *testing.T) {
	_, err := Of[withString]()
	if !errors.Is(err, ErrUnsupportedField) {
		t.Fatalf("expected ErrUnsupportedField, got %v", err)
	}
	assert.Contains(t, err.Error(), "Symbol")
}

func TestUnsupportedType(t *testing.T) {
	_, err := Of[int64]()
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}

	assert.Panics(t, func() { MustOf[[]byte]() })
}

func TestFingerprint(t *testing.T) {
	type rec struct {
		A int64
		B float32
	}

	a := Int64("a", func(r *rec) *int64 { return &r.A })
	b := Float32("b", func(r *rec) *float32 { return &r.B })

	s1, err := New(a, b)
	require.NoError(t, err)
	s2, err := New(a, b)
	require.NoError(t, err)
	s3, err := New(b, a)
	require.NoError(t, err)

	assert.Equal(t, s1.Fingerprint(), s2.Fingerprint())
	assert.NotEqual(t, s1.Fingerprint(), s3.Fingerprint())
}

func TestNewValidation(t *testing.T) {
	type rec struct{ A int64 }
	a := Int64("a", func(r *rec) *int64 { return &r.A })

	_, err := New[rec]()
	assert.ErrorIs(t, err, ErrEmptySchema)

	_, err = New(a, a)
	assert.ErrorIs(t, err, ErrDuplicateField)

	_, err = New(Field[rec]{Name: "x", Width: 4})
	assert.ErrorIs(t, err, ErrUnsupportedField)
}

func TestRegister(t *testing.T) {
	type order struct {
		Time  int64
		Price float64
		Side  side
	}

	fields := []Field[order]{
		Int64("time", func(o *order) *int64 { return &o.Time }),
		Float64("price", func(o *order) *float64 { return &o.Price }),
		EnumOf("side", 2, func(o *order) *side { return &o.Side }),
	}

	s, err := Register(fields...)
	require.NoError(t, err)
	assert.Equal(t, 17, s.Width())

	// Same layout again returns the registered schema.
	again, err := Register(fields...)
	require.NoError(t, err)
	assert.Same(t, s, again)

	// Of prefers the explicit registration over derivation.
	of, err := Of[order]()
	require.NoError(t, err)
	assert.Same(t, s, of)

	_, err = Register(fields[0], fields[1])
	assert.ErrorIs(t, err, ErrConflictingSchema)
}

func TestOfConcurrentFirstUse(t *testing.T) {
	type burst struct {
		Time int64
		Bid  float32
		Ask  float32
	}

	const workers = 16
	results := make([]*Schema[burst], workers)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = MustOf[burst]()
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatalf("worker %d got a different schema instance", i)
		}
	}
}
