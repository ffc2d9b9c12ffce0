package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/alitto/pond"
)

// Backfill ingests an existing log, eg. a rotated mail.log, with a pool of workers.
// Lines may be stored in any order; a delivery's status follows the log line time, not
// the order of ingestion. Unlike Run it keeps going past lines that fail, and returns
// their errors joined once all lines are done.
func (i *Ingester) Backfill(ctx context.Context, r io.Reader, workers int, rc RetryConfig) (Stats, error) {
	if workers < 1 {
		workers = 1
	}

	pool := pond.New(workers, workers*2, pond.MinWorkers(workers))
	stats := &syncStats{}

	var mu sync.Mutex
	var errs []error

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		raw := scanner.Text()
		if raw == "" {
			continue
		}
		n++
		lineNo := n

		pool.Submit(func() {
			outcome, err := i.ingestRetry(ctx, raw, rc)
			stats.add(outcome)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("line %d, %w", lineNo, err))
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()

	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("could not read lines, %w", err))
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return stats.get(), errors.Join(errs...)
}
