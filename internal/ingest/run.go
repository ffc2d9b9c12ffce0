package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/modfin/brevwatch/internal/metrics"
)

// maxLineSize bounds a single log line, postfix status texts can be long but not this long.
const maxLineSize = 1 << 20

type Stats struct {
	Lines            int `json:"lines"`
	Created          int `json:"created"`
	Duplicate        int `json:"duplicate"`
	Ignored          int `json:"ignored"`
	Unrecognized     int `json:"unrecognized"`
	UnknownRecipient int `json:"unknown_recipient"`
	Failed           int `json:"failed"`
}

func (s *Stats) add(o Outcome) {
	s.Lines++
	switch o {
	case OutcomeCreated:
		s.Created++
	case OutcomeDuplicate:
		s.Duplicate++
	case OutcomeIgnored:
		s.Ignored++
	case OutcomeUnrecognized:
		s.Unrecognized++
	case OutcomeUnknownRecipient:
		s.UnknownRecipient++
	case OutcomeFailed:
		s.Failed++
	}
}

// syncStats is Stats shared between backfill workers.
type syncStats struct {
	mu sync.Mutex
	s  Stats
}

func (s *syncStats) add(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.add(o)
}

func (s *syncStats) get() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

type RetryConfig struct {
	Retries    int           // attempts after the first one, 0 means fail right away
	Backoff    time.Duration // wait before the first retry, doubled for each one after
	MaxBackoff time.Duration
	OnRetry    func(attempt int, wait time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	d := c.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

func (c RetryConfig) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ingestRetry retries store failures of one line. Skips are never retried.
func (i *Ingester) ingestRetry(ctx context.Context, raw string, rc RetryConfig) (Outcome, error) {
	for attempt := 0; ; attempt++ {
		outcome, _, err := i.ingest(raw)
		if err == nil {
			return outcome, nil
		}
		if attempt >= rc.Retries {
			return outcome, fmt.Errorf("giving up after %d attempts, %w", attempt+1, err)
		}

		wait := rc.backoff(attempt + 1)
		metrics.IngestRetries.Inc()
		if rc.OnRetry != nil {
			rc.OnRetry(attempt+1, wait, err)
		}
		if err := rc.wait(ctx, wait); err != nil {
			return OutcomeFailed, err
		}
	}
}

// Run ingests lines from r one at a time, in order, until r is exhausted or ctx is
// done. This is the tailer side, eg. `tail -F /var/log/mail.log | brevwatch ingest`.
// A line whose store failures outlast the retries stops the run.
//
// Run returns as soon as ctx is done, also while waiting on a quiet r. The read that
// is in flight then is left to finish, or fail, on its own.
func (i *Ingester) Run(ctx context.Context, r io.Reader, rc RetryConfig) (Stats, error) {
	var stats Stats

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		var raw string
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := ctx.Err(); err != nil {
					return stats, err
				}
				if err := <-readErr; err != nil {
					return stats, fmt.Errorf("could not read lines, %w", err)
				}
				return stats, nil
			}
			raw = line
		}
		if raw == "" {
			continue
		}

		outcome, err := i.ingestRetry(ctx, raw, rc)
		stats.add(outcome)
		if err != nil {
			return stats, fmt.Errorf("could not ingest line %d, %w", stats.Lines, err)
		}
	}
}
