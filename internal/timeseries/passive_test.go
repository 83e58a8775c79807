package timeseries

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("passive supplier did not stop")
	}
}

func TestPassiveSupplierCommitsWhenSourceEnds(t *testing.T) {
	s := newStore(t, 4, 2)
	withDisk(t, s)

	sub := s.EnablePassiveSupplier(context.Background(), SourceFunc[tick](func(ctx context.Context, emit func(tick)) error {
		for _, e := range ticks(0, 9) {
			emit(e)
		}
		return nil
	}))
	waitDone(t, sub)

	require.NoError(t, sub.Err())
	assert.Equal(t, 10, s.Size())

	lo, hi, ok := s.Disk().Range()
	require.True(t, ok)
	assert.Equal(t, int64(0), lo)
	assert.Equal(t, int64(9), hi)
}

func TestPassiveSupplierStop(t *testing.T) {
	s := newStore(t, 4, 2)
	withDisk(t, s)

	emitted := make(chan struct{})
	sub := s.EnablePassiveSupplier(context.Background(), SourceFunc[tick](func(ctx context.Context, emit func(tick)) error {
		emit(tk(3))
		close(emitted)
		<-ctx.Done()
		return ctx.Err()
	}))

	<-emitted
	require.NoError(t, sub.Stop())

	lo, hi, ok := s.Disk().Range()
	require.True(t, ok)
	assert.Equal(t, int64(3), lo)
	assert.Equal(t, int64(3), hi)
}

func TestPassiveSupplierError(t *testing.T) {
	s := newStore(t, 4, 2)
	failure := errors.New("feed closed")

	sub := s.EnablePassiveSupplier(context.Background(), SourceFunc[tick](func(ctx context.Context, emit func(tick)) error {
		emit(tk(1))
		emit(tk(-1))
		return failure
	}))
	waitDone(t, sub)

	assert.ErrorIs(t, sub.Err(), failure)
	assert.Equal(t, 1, s.Size(), "records that fail to store are skipped")
}
