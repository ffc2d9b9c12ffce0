package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/modfin/brevwatch"
	"github.com/modfin/brevwatch/internal/dao"
	"github.com/modfin/brevwatch/internal/metrics"
	"github.com/modfin/brevwatch/internal/postfix"
	"github.com/modfin/brevwatch/tools"
	"github.com/sirupsen/logrus"
)

type Outcome string

const (
	OutcomeCreated          Outcome = "created"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeIgnored          Outcome = "ignored" // parsed, but not a delivery attempt
	OutcomeUnrecognized     Outcome = "unrecognized"
	OutcomeUnknownRecipient Outcome = "unknown_recipient"
	OutcomeFailed           Outcome = "failed"
)

// Ingester attaches postfix delivery attempts to the deliveries they report on.
type Ingester struct {
	dao   dao.DAO
	log   logrus.FieldLogger
	now   func() time.Time
	locks *tools.KeyedMutex
}

type Option func(*Ingester)

// WithClock sets the clock used to infer the year of log lines.
func WithClock(now func() time.Time) Option {
	return func(i *Ingester) {
		i.now = now
	}
}

func New(db dao.DAO, log logrus.FieldLogger, opts ...Option) *Ingester {
	i := &Ingester{
		dao:   db,
		log:   log,
		now:   time.Now,
		locks: tools.NewKeyedMutex(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Ingest parses raw and, if it is a delivery attempt for a known delivery, stores it.
// It returns the stored line, or nil when the line was skipped. Ingesting the same line
// twice stores it once. Only store failures are returned as errors.
func (i *Ingester) Ingest(raw string) (*dao.PostfixLogLine, error) {
	_, line, err := i.ingest(raw)
	return line, err
}

func (i *Ingester) ingest(raw string) (outcome Outcome, line *dao.PostfixLogLine, err error) {
	start := time.Now()
	defer func() {
		metrics.IngestedLines.WithLabelValues(string(outcome)).Inc()
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	parsed := postfix.Parse(raw, i.now())
	switch parsed.Kind {
	case postfix.Unrecognized:
		i.log.Infof("Skipping unrecognised line: %s", raw)
		return OutcomeUnrecognized, nil, nil
	case postfix.DeliveryAttempt:
	default:
		return OutcomeIgnored, nil, nil
	}

	// Resolving the delivery and the check-then-insert below is one unit per queue id.
	// The lock keeps workers of this process apart, the unique index on the log line
	// table is what actually guarantees a single row.
	pl := parsed.Line
	i.locks.Lock(pl.QueueID)
	defer i.locks.Unlock(pl.QueueID)

	delivery, err := i.resolve(pl.QueueID, pl.To)
	if errors.Is(err, dao.ErrNotFound) {
		i.log.Infof("Skipping address %s from postfix queue id %s - it's not recognised: %s", pl.To, pl.QueueID, raw)
		return OutcomeUnknownRecipient, nil, nil
	}
	if err != nil {
		return OutcomeFailed, nil, err
	}

	entry := dao.PostfixLogLine{
		DeliveryID:     delivery.ID,
		Time:           pl.Time,
		Program:        pl.Program,
		QueueID:        pl.QueueID,
		Relay:          pl.Relay,
		Delay:          pl.Delay,
		Delays:         pl.Delays,
		DSN:            pl.DSN,
		ExtendedStatus: pl.ExtendedStatus,
	}
	entry.LineKey = entry.Key()

	exists, err := i.dao.HasLogLine(delivery.ID, entry.LineKey)
	if err != nil {
		return OutcomeFailed, nil, fmt.Errorf("could not look for log line on delivery %d, %w", delivery.ID, err)
	}
	if exists {
		return OutcomeDuplicate, nil, nil
	}

	created, err := i.dao.AddLogLine(&entry)
	if err != nil {
		return OutcomeFailed, nil, fmt.Errorf("could not add log line to delivery %d, %w", delivery.ID, err)
	}
	if !created {
		return OutcomeDuplicate, nil, nil
	}
	return OutcomeCreated, &entry, nil
}

// resolve finds the delivery a queue id and recipient refer to. Postfix reuses queue
// ids, so when several emails to the same address share one, the most recently
// created email is assumed to be the one being logged.
func (i *Ingester) resolve(queueID, to string) (*dao.Delivery, error) {
	candidates, err := i.dao.FindDeliveries(queueID, to)
	if err != nil {
		return nil, fmt.Errorf("could not find deliveries for queue id %s, %w", queueID, err)
	}
	if len(candidates) == 0 {
		return nil, dao.ErrNotFound
	}

	latest := candidates[0]
	for _, c := range candidates[1:] {
		if c.EmailCreatedAt.After(latest.EmailCreatedAt) {
			latest = c
		}
	}
	return &latest, nil
}

// Status is the classification of the most recent log line of a delivery, or
// StatusUnknown if postfix has not reported on it yet.
func (i *Ingester) Status(deliveryID int64) (brevwatch.Status, error) {
	line, err := i.dao.LatestLogLine(deliveryID)
	if errors.Is(err, dao.ErrNotFound) {
		return brevwatch.StatusUnknown, nil
	}
	if err != nil {
		return brevwatch.StatusUnknown, fmt.Errorf("could not get latest log line of delivery %d, %w", deliveryID, err)
	}
	return brevwatch.Classify(line.DSN), nil
}
