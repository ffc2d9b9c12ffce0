package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/modfin/brevwatch/internal/clix"
	"github.com/modfin/brevwatch/internal/config"
	"github.com/modfin/brevwatch/internal/dao"
	"github.com/modfin/brevwatch/internal/ingest"
	"github.com/modfin/brevwatch/internal/metrics"
	"github.com/modfin/brevwatch/internal/postfix"
	"github.com/modfin/brevwatch/internal/web"
	"github.com/modfin/brevwatch/tools"
	"github.com/urfave/cli/v2"
)

type ingestFlags struct {
	File  string `cli:"file"`
	Web   web.Config
	Retry retrySettings
}

func ingestCmd(c *cli.Context) error {
	f := clix.Parse[ingestFlags](c)
	e, err := setup(c, "ingest")
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext(c.Context, e.log)
	defer cancel()

	var services []Stoppable
	if f.Web.Port > 0 {
		f.Web.Logger = e.lc.New("web")
		srv := web.New(f.Web)
		if err := srv.Start(); err != nil {
			return err
		}
		services = append(services, srv)
	}
	defer shutdown(e.log, services...)

	in, closeIn, err := input(c, f.File)
	if err != nil {
		return err
	}
	defer closeIn()

	e.log.Infof("Starting ingest")
	ing := ingest.New(e.db, e.lc.New("ingest"))
	stats, err := ing.Run(ctx, in, f.Retry.config(e.log))
	e.log.WithFields(statsFields(stats)).Info("Ingest done")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type backfillFlags struct {
	File    string `cli:"file"`
	Workers int    `cli:"workers"`
	Retry   retrySettings
	Metrics metrics.Config
}

func backfillCmd(c *cli.Context) error {
	f := clix.Parse[backfillFlags](c)
	e, err := setup(c, "backfill")
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext(c.Context, e.log)
	defer cancel()

	m := metrics.New(f.Metrics, e.lc)
	m.Start()
	defer shutdown(e.log, m)

	in, closeIn, err := input(c, f.File)
	if err != nil {
		return err
	}
	defer closeIn()

	e.log.Infof("Starting backfill of %s with %d workers", f.File, f.Workers)
	ing := ingest.New(e.db, e.lc.New("ingest"))
	stats, err := ing.Backfill(ctx, in, f.Workers, f.Retry.config(e.log))
	e.log.WithFields(statsFields(stats)).Info("Backfill done")
	return err
}

type trackFlags struct {
	From      string   `cli:"from"`
	To        []string `cli:"to"`
	QueueID   string   `cli:"queue-id"`
	Reply     string   `cli:"reply"`
	MessageID string   `cli:"message-id"`
}

type tracked struct {
	EmailID    string           `json:"email_id"`
	MessageID  string           `json:"message_id"`
	QueueID    string           `json:"queue_id"`
	Deliveries map[string]int64 `json:"deliveries"`
}

func trackCmd(c *cli.Context) error {
	f := clix.Parse[trackFlags](c)

	queueID := f.QueueID
	if queueID == "" && f.Reply != "" {
		var ok bool
		queueID, ok = postfix.QueuedAs(f.Reply)
		if !ok {
			return fmt.Errorf("no queue id in reply %q", f.Reply)
		}
	}
	if queueID == "" {
		return errors.New("either --queue-id or --reply must be set")
	}

	messageID := f.MessageID
	if messageID == "" {
		messageID = tools.NewMessageID(tools.Hostname(config.Get().Hostname))
	}
	if !tools.ValidateMessageID(messageID) {
		return fmt.Errorf("%q is not a valid message id", messageID)
	}

	e, err := setup(c, "track")
	if err != nil {
		return err
	}
	defer e.close()

	email, deliveries, err := e.db.CreateEmail(dao.Email{
		From:      dao.NormalizeAddress(f.From),
		MessageID: messageID,
	}, f.To)
	if err != nil {
		return fmt.Errorf("could not create email, %w", err)
	}

	res := tracked{
		EmailID:    email.ID,
		MessageID:  email.MessageID,
		QueueID:    queueID,
		Deliveries: map[string]int64{},
	}
	for _, d := range deliveries {
		if err := e.db.SetPostfixQueueID(d.ID, queueID); err != nil {
			return err
		}
		res.Deliveries[d.Address] = d.ID
	}
	e.log.Infof("Tracking email %s to %d recipients as postfix queue id %s", email.ID, len(deliveries), queueID)

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func statusCmd(c *cli.Context) error {
	emailID := c.String("email")

	e, err := setup(c, "status")
	if err != nil {
		return err
	}
	defer e.close()

	deliveries, err := e.db.GetDeliveries(emailID)
	if err != nil {
		return fmt.Errorf("could not get deliveries of %s, %w", emailID, err)
	}
	if len(deliveries) == 0 {
		return fmt.Errorf("email %s, %w", emailID, dao.ErrNotFound)
	}

	ing := ingest.New(e.db, e.lc.New("ingest"))
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tQUEUE ID\tSTATUS")
	for _, d := range deliveries {
		status, err := ing.Status(d.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Address, d.PostfixQueueID, status)
	}
	return w.Flush()
}

type parsedLine struct {
	Raw string `json:"raw"`
	postfix.Parsed
}

func parseCmd(c *cli.Context) error {
	in, closeIn, err := input(c, c.String("file"))
	if err != nil {
		return err
	}
	defer closeIn()

	enc := json.NewEncoder(c.App.Writer)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		raw := scanner.Text()
		if raw == "" {
			continue
		}
		err := enc.Encode(parsedLine{Raw: raw, Parsed: postfix.Parse(raw, time.Now().UTC())})
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}
