package storage

import (
	"context"
	"errors"
	"time"

	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
	"github.com/TheStrul/Sacks-new-sub007/internal/metrics"
)

// WriteFn persists one batch and returns the number of rows written.
type WriteFn func(ctx context.Context, rows []PropertyRow) (int64, error)

// LoaderOptions tune LoadBatches.
type LoaderOptions struct {
	BatchSize int
	Job       string
	Logger    logger.Logger
}

// DefaultBatchSize is used when LoaderOptions.BatchSize is not positive.
const DefaultBatchSize = 1000

// LoadBatches drains rows from in, groups them into batches and calls write
// per non-empty batch. It returns the total reported by write and the first
// error. On cancellation it returns (total, ctx.Err()).
func LoadBatches(ctx context.Context, in <-chan PropertyRow, write WriteFn, opt LoaderOptions) (int64, error) {
	if write == nil {
		return 0, errors.New("storage: write function must not be nil")
	}
	size := opt.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	log := opt.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}

	var (
		total     int64
		batches   int64
		batch     = make([]PropertyRow, 0, size)
		start     = time.Now()
		lastFlush = start
		lastTotal int64
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := write(ctx, batch)
		total += n
		batch = batch[:0]
		if err != nil {
			log.Error("sink batch failed", "written", n, "total", total, "err", err)
			return err
		}

		batches++
		metrics.RecordBatches(opt.Job, 1)
		now := time.Now()
		since := now.Sub(lastFlush)
		rps := float64(0)
		if since > 0 {
			rps = float64(total-lastTotal) / since.Seconds()
		}
		log.Debug("sink batch",
			"batch", batches,
			"rps", int64(rps),
			"written", n,
			"total", total,
			"elapsed", now.Sub(start).Truncate(time.Millisecond),
		)
		lastFlush = now
		lastTotal = total
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()

		case row, ok := <-in:
			if !ok {
				if err := flush(); err != nil {
					return total, err
				}
				log.Info("sink drained", "batches", batches, "total", total)
				return total, nil
			}
			batch = append(batch, row)
			if len(batch) >= size {
				if err := flush(); err != nil {
					return total, err
				}
			}
		}
	}
}
