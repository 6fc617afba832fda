package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
)

func feed(n int) <-chan PropertyRow {
	in := make(chan PropertyRow, n)
	for i := 0; i < n; i++ {
		in <- PropertyRow{RowIndex: i, Property: "Brand", Value: "x"}
	}
	close(in)
	return in
}

// TestLoadBatches_Basic checks 7 rows with batch size 3 flush as 3+3+1.
func TestLoadBatches_Basic(t *testing.T) {
	t.Parallel()

	var (
		calls int32
		sizes []int
	)
	write := func(_ context.Context, rows []PropertyRow) (int64, error) {
		atomic.AddInt32(&calls, 1)
		sizes = append(sizes, len(rows))
		return int64(len(rows)), nil
	}

	total, err := LoadBatches(context.Background(), feed(7), write, LoaderOptions{BatchSize: 3, Logger: logger.NewNop()})
	require.NoError(t, err)
	assert.EqualValues(t, 7, total)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, []int{3, 3, 1}, sizes)
}

func TestLoadBatches_DefaultBatchSize(t *testing.T) {
	t.Parallel()

	var calls int
	write := func(_ context.Context, rows []PropertyRow) (int64, error) {
		calls++
		return int64(len(rows)), nil
	}
	total, err := LoadBatches(context.Background(), feed(5), write, LoaderOptions{Logger: logger.NewNop()})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Equal(t, 1, calls)
}

// TestLoadBatches_ErrorPropagation stops at the first failing batch.
func TestLoadBatches_ErrorPropagation(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("write failed")
	var batches int
	write := func(_ context.Context, rows []PropertyRow) (int64, error) {
		batches++
		if batches == 2 {
			return 0, wantErr
		}
		return int64(len(rows)), nil
	}

	total, err := LoadBatches(context.Background(), feed(5), write, LoaderOptions{BatchSize: 2, Logger: logger.NewNop()})
	require.ErrorIs(t, err, wantErr)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, 2, batches)
}

func TestLoadBatches_NilWriter(t *testing.T) {
	t.Parallel()

	_, err := LoadBatches(context.Background(), feed(1), nil, LoaderOptions{})
	require.Error(t, err)
}

// TestLoadBatches_ContextCancel checks the loader exits on cancellation.
func TestLoadBatches_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan PropertyRow, 1)
	in <- PropertyRow{}

	write := func(ctx context.Context, rows []PropertyRow) (int64, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(2 * time.Second):
			return int64(len(rows)), nil
		}
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := LoadBatches(ctx, in, write, LoaderOptions{BatchSize: 2, Logger: logger.NewNop()})
		errCh <- err
	}()

	cancel()
	close(in)

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("LoadBatches did not return after context cancel")
	}
}
