package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/modfin/brevwatch/internal/clix"
	"github.com/modfin/brevwatch/internal/config"
	"github.com/modfin/brevwatch/internal/dao"
	"github.com/modfin/brevwatch/internal/ingest"
	"github.com/modfin/brevwatch/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	cfg := config.Get()

	return &cli.App{
		Name:  "brevwatch",
		Usage: "follows postfix logs and keeps track of how deliveries of emails went",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Value: cfg.DbURI,
				Usage: "path to the sqlite database",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: cfg.LogLevel,
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: cfg.LogFormat,
				Usage: "text or json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "ingest",
				Usage: "ingest postfix log lines one by one, eg. tail -F /var/log/mail.log | brevwatch ingest",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "file",
						Usage: "read lines from file instead of stdin",
					},
					&cli.StringFlag{
						Name:  "http-interface",
						Value: cfg.HTTPInterface,
					},
					&cli.IntFlag{
						Name:  "http-port",
						Value: cfg.HTTPPort,
						Usage: "serve /metrics and /ping on this port, 0 disables it",
					},
				}, retryFlags(cfg)...),
				Action: ingestCmd,
			},
			{
				Name:  "backfill",
				Usage: "ingest an existing log file with several workers",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "workers",
						Value: cfg.Workers,
					},
					&cli.StringFlag{
						Name:  "metrics-push-url",
						Value: cfg.MetricsPushURL,
						Usage: "prometheus push gateway to report to, metrics are not pushed if empty",
					},
					&cli.StringFlag{
						Name:  "metrics-job",
						Value: "brevwatch-backfill",
					},
					&cli.DurationFlag{
						Name:  "metrics-push-interval",
						Value: time.Minute,
					},
				}, retryFlags(cfg)...),
				Action: backfillCmd,
			},
			{
				Name:  "track",
				Usage: "register an email handed to postfix, so its log lines can be attached to it",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "from",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:     "to",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "queue-id",
						Usage: "the postfix queue id of the email",
					},
					&cli.StringFlag{
						Name:  "reply",
						Usage: "the reply postfix gave when accepting the email, eg. '250 2.0.0 Ok: queued as 39D9336AFA81'",
					},
					&cli.StringFlag{
						Name:  "message-id",
						Usage: "message id of the email, one is generated if not set",
					},
				},
				Action: trackCmd,
			},
			{
				Name:  "status",
				Usage: "print the delivery status of each recipient of an email",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "email",
						Required: true,
					},
				},
				Action: statusCmd,
			},
			{
				Name:  "parse",
				Usage: "print how postfix log lines are parsed, as json",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "file",
						Usage: "read lines from file instead of stdin",
					},
				},
				Action: parseCmd,
			},
		},
	}
}

func retryFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "retries",
			Value: cfg.Retries,
			Usage: "how many times a store failure is retried before giving up on a line",
		},
		&cli.DurationFlag{
			Name:  "retry-backoff",
			Value: cfg.RetryBackoff,
		},
		&cli.DurationFlag{
			Name:  "retry-max",
			Value: cfg.RetryMax,
		},
	}
}

type globalFlags struct {
	DB        string `cli:"db"`
	LogLevel  string `cli:"log-level"`
	LogFormat string `cli:"log-format"`
}

type retrySettings struct {
	Retries int           `cli:"retries"`
	Backoff time.Duration `cli:"retry-backoff"`
	Max     time.Duration `cli:"retry-max"`
}

func (r retrySettings) config(l log.FieldLogger) ingest.RetryConfig {
	return ingest.RetryConfig{
		Retries:    r.Retries,
		Backoff:    r.Backoff,
		MaxBackoff: r.Max,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			l.WithError(err).Warnf("Could not store log line, retry %d of %d in %s", attempt, r.Retries, wait)
		},
	}
}

// env is what every command shares, the loggers and the store.
type env struct {
	lc  *tools.Logger
	log *log.Logger
	db  dao.DAO
}

func setup(c *cli.Context, name string) (*env, error) {
	g := clix.Parse[globalFlags](c)

	root, err := tools.NewLogger(g.LogLevel, g.LogFormat, c.App.ErrWriter)
	if err != nil {
		return nil, err
	}
	lc := tools.LoggerCloner(root)

	db, err := dao.NewSQLite(g.DB)
	if err != nil {
		return nil, fmt.Errorf("could not open database %s, %w", g.DB, err)
	}
	return &env{
		lc:  lc,
		log: lc.New(name),
		db:  db,
	}, nil
}

func (e *env) close() {
	if err := e.db.Close(); err != nil {
		e.log.WithError(err).Error("Failed to close database")
	}
}

// input is path, or stdin if path is empty or "-".
func input(c *cli.Context, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return c.App.Reader, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open %s, %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

// signalContext is cancelled on the first of the usual termination signals.
func signalContext(ctx context.Context, l *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigc)
		select {
		case sig := <-sigc:
			l.Infof("Got signal: %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func shutdown(l *log.Logger, services ...Stoppable) {
	if len(services) == 0 {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}
	wg.Wait()

	if shutdownCtx.Err() != nil {
		l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced")
	}
}

func statsFields(s ingest.Stats) log.Fields {
	return log.Fields{
		"lines":             s.Lines,
		"created":           s.Created,
		"duplicate":         s.Duplicate,
		"ignored":           s.Ignored,
		"unrecognized":      s.Unrecognized,
		"unknown_recipient": s.UnknownRecipient,
		"failed":            s.Failed,
	}
}
