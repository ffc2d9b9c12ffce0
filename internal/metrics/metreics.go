package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/modfin/brevwatch/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

var (
	IngestedLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brevwatch_ingest_lines_total",
			Help: "Postfix log lines ingested, by outcome",
		},
		[]string{"outcome"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "brevwatch_ingest_duration_seconds",
			Help:    "Time spent ingesting one log line",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	IngestRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brevwatch_ingest_retries_total",
			Help: "Store failures that were retried while ingesting",
		},
	)
)

type Config struct {
	ServiceName  string        `cli:"metrics-job"`
	Push         string        `cli:"metrics-push-url"`
	PushInterval time.Duration `cli:"metrics-push-interval"`
}

func New(c Config, lc *tools.Logger) *Metrics {
	p := &Metrics{
		config:  c,
		logger:  lc.New("prometheus"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if p.config.ServiceName == "" {
		p.config.ServiceName = "brevwatch"
	}
	if c.Push != "" {
		p.pusher = push.New(c.Push, p.config.ServiceName).Gatherer(prometheus.DefaultGatherer)
	}

	return p
}

// Metrics pushes the default registry to a prometheus push gateway, for runs that are
// too short lived to be scraped, eg. a backfill.
type Metrics struct {
	done    chan struct{}
	stopped chan struct{}

	config Config
	pusher *push.Pusher
	logger *logrus.Logger

	ostart sync.Once
	ostop  sync.Once
}

func (p *Metrics) Start() {
	p.ostart.Do(func() {
		if p.config.PushInterval < 10*time.Second {
			p.config.PushInterval = 1 * time.Minute
		}
		if p.pusher == nil {
			close(p.stopped)
			return
		}
		go func() {
			defer close(p.stopped)

			ticker := time.NewTicker(p.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.done:
					return
				case <-ticker.C:
					_ = p.Push()
				}
			}
		}()
	})
}

// Stop ends the push loop and pushes one last time.
func (p *Metrics) Stop(ctx context.Context) error {
	p.Start()
	p.ostop.Do(func() {
		close(p.done)
	})
	select {
	case <-p.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.Push()
}

func (p *Metrics) Push() error {
	if p.pusher == nil {
		return nil
	}
	p.logger.Debugf("pushing metrics to %s", p.config.Push)
	err := p.pusher.Push()
	if err != nil {
		p.logger.WithError(err).Errorf("failed to push metrics to %s", p.config.Push)
	}
	return err
}
