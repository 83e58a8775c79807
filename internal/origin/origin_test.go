package origin

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/tickstore/internal/circuitbreaker"
	"github.com/basekick-labs/tickstore/pkg/models"
)

type fakeRows struct {
	rows   [][]any
	cur    int
	err    error
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.cur >= len(r.rows) {
		return false
	}
	r.cur++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.cur-1], nil }

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.cur-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, v := range row {
		d := reflect.ValueOf(dest[i]).Elem()
		src := reflect.ValueOf(v)
		if !src.Type().AssignableTo(d.Type()) {
			return fmt.Errorf("scan: column %d is %T", i, v)
		}
		d.Set(src)
	}
	return nil
}

type fakeQuerier struct {
	rows  *fakeRows
	err   error
	sql   string
	args  []any
	calls int
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.calls++
	q.sql = sql
	q.args = args
	if q.err != nil {
		return nil, q.err
	}
	if q.rows == nil {
		return &fakeRows{}, nil
	}
	q.rows.cur = 0
	return q.rows, nil
}

func tickRow(ts int64, side string, price float64) []any {
	return []any{time.Unix(ts, 0).UTC(), side, price, 1.5, int32(2)}
}

func newTickOrigin(t *testing.T, q Querier, cfg QuestDBConfig) *QuestDB[models.Tick] {
	t.Helper()
	if cfg.Table == "" {
		cfg.Table = "trades"
	}
	cfg.Columns = TickColumns
	o, err := NewQuestDB(q, cfg, ScanTick, zerolog.Nop())
	require.NoError(t, err)
	return o
}

func TestNewQuestDBValidatesIdentifiers(t *testing.T) {
	bad := []QuestDBConfig{
		{Table: "trades; DROP TABLE x", Columns: TickColumns},
		{Table: "trades", TimeColumn: "ts--", Columns: TickColumns},
		{Table: "trades", Columns: []string{"price", "1size"}},
		{Table: "trades"},
	}
	for _, cfg := range bad {
		_, err := NewQuestDB(&fakeQuerier{}, cfg, ScanTick, zerolog.Nop())
		assert.ErrorIs(t, err, ErrInvalidIdentifier, "%+v", cfg)
	}
}

func TestQuestDBQuery(t *testing.T) {
	q := &fakeQuerier{}
	o := newTickOrigin(t, q, QuestDBConfig{Symbol: "BTC-USD"})

	from := time.Unix(3600, 0).UTC()
	_, err := o.Fetch(context.Background(), from, from.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT timestamp, side, price, size, count FROM trades WHERE timestamp >= $1 AND timestamp < $2 AND symbol = $3 ORDER BY timestamp",
		q.sql)
	assert.Equal(t, []any{from, from.Add(time.Hour), "BTC-USD"}, q.args)
}

func TestQuestDBFetchScansTicks(t *testing.T) {
	rows := &fakeRows{rows: [][]any{
		tickRow(10, "BUY", 100.25),
		tickRow(11, "sell", 99.5),
	}}
	o := newTickOrigin(t, &fakeQuerier{rows: rows}, QuestDBConfig{})

	got, err := o.Fetch(context.Background(), time.Unix(0, 0), time.Unix(60, 0))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, rows.closed)

	assert.Equal(t, int64(10), got[0].Time)
	assert.Equal(t, models.Buy, got[0].Side)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("100.25")))
	assert.Equal(t, 1.5, got[0].Size)
	assert.Equal(t, int32(2), got[0].Count)
	assert.Equal(t, models.Sell, got[1].Side)
}

func TestQuestDBFetchErrors(t *testing.T) {
	down := errors.New("connection refused")
	o := newTickOrigin(t, &fakeQuerier{err: down}, QuestDBConfig{})
	_, err := o.Fetch(context.Background(), time.Unix(0, 0), time.Unix(60, 0))
	assert.ErrorIs(t, err, down)

	o = newTickOrigin(t, &fakeQuerier{rows: &fakeRows{rows: [][]any{tickRow(1, "HOLD", 1)}}}, QuestDBConfig{})
	_, err = o.Fetch(context.Background(), time.Unix(0, 0), time.Unix(60, 0))
	assert.Error(t, err)

	broken := errors.New("stream reset")
	o = newTickOrigin(t, &fakeQuerier{rows: &fakeRows{err: broken}}, QuestDBConfig{})
	_, err = o.Fetch(context.Background(), time.Unix(0, 0), time.Unix(60, 0))
	assert.ErrorIs(t, err, broken)
}

func TestQuestDBSupplier(t *testing.T) {
	rows := &fakeRows{rows: [][]any{tickRow(3600, "BUY", 1), tickRow(3660, "BUY", 2)}}
	q := &fakeQuerier{rows: rows}
	o := newTickOrigin(t, q, QuestDBConfig{})
	o.now = func() time.Time { return time.Unix(100_000, 0) }

	supply := o.Supplier(3600)
	seq, err := supply(context.Background(), 3600)
	require.NoError(t, err)
	require.NotNil(t, seq)
	assert.Len(t, slices.Collect(seq), 2)
	assert.Equal(t, time.Unix(7200, 0).UTC(), q.args[1])
}

func TestQuestDBSupplierEmptySegments(t *testing.T) {
	o := newTickOrigin(t, &fakeQuerier{}, QuestDBConfig{})
	o.now = func() time.Time { return time.Unix(5000, 0) }
	supply := o.Supplier(3600)

	seq, err := supply(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, seq, "a finished segment without rows is known to be empty")
	assert.Empty(t, slices.Collect(seq))

	seq, err = supply(context.Background(), 3600)
	require.NoError(t, err)
	assert.Nil(t, seq, "a segment still in progress is unknown")
}

func TestGuard(t *testing.T) {
	failing := errors.New("origin down")
	calls := 0
	fn := func(ctx context.Context, segmentStart int64) (iter.Seq[models.Tick], error) {
		calls++
		return nil, failing
	}

	b := circuitbreaker.New(circuitbreaker.Config{Name: "test", MaxFailures: 2, Cooldown: time.Hour}, zerolog.Nop())
	guarded := Guard(fn, b, zerolog.Nop())

	for range 2 {
		_, err := guarded(context.Background(), 0)
		assert.ErrorIs(t, err, failing)
	}
	assert.Equal(t, circuitbreaker.StateOpen, b.State())

	seq, err := guarded(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, seq)
	assert.Equal(t, 2, calls)
}

func TestGuardPassesRecords(t *testing.T) {
	b := circuitbreaker.New(circuitbreaker.Config{Name: "test"}, zerolog.Nop())
	guarded := Guard(func(ctx context.Context, segmentStart int64) (iter.Seq[int], error) {
		return slices.Values([]int{1, 2, 3}), nil
	}, b, zerolog.Nop())

	seq, err := guarded(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, slices.Collect(seq))
}
