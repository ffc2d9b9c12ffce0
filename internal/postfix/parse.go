package postfix

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind tags what a syslog line turned out to be.
type Kind int

const (
	// Unrecognized the line does not look like something postfix logs.
	Unrecognized Kind = iota
	// Other a postfix line that carries no queue id, eg. "connect from ...".
	Other
	// Administrative a queue id line that is not a delivery attempt, eg. "removed".
	Administrative
	// DeliveryAttempt a "to=<...>, relay=..., status=..." line.
	DeliveryAttempt
)

var kindNames = map[Kind]string{
	Unrecognized:    "unrecognized",
	Other:           "other",
	Administrative:  "administrative",
	DeliveryAttempt: "delivery_attempt",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// LogLine is the structured content of one postfix syslog line. The delivery fields
// are only set for DeliveryAttempt lines.
type LogLine struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Program string    `json:"program"`
	PID     int       `json:"pid"`
	QueueID string    `json:"queue_id,omitempty"`

	To             string `json:"to,omitempty"`
	Relay          string `json:"relay,omitempty"`
	Delay          string `json:"delay,omitempty"`
	Delays         string `json:"delays,omitempty"`
	DSN            string `json:"dsn,omitempty"`
	ExtendedStatus string `json:"extended_status,omitempty"`
}

// Body renders a delivery attempt the way postfix writes it, after the "program[pid]: " part.
func (l LogLine) Body() string {
	return fmt.Sprintf("%s: to=<%s>, relay=%s, delay=%s, delays=%s, dsn=%s, status=%s",
		l.QueueID, l.To, l.Relay, l.Delay, l.Delays, l.DSN, l.ExtendedStatus)
}

type Parsed struct {
	Kind Kind    `json:"kind"`
	Line LogLine `json:"line"`
}

func (p Parsed) IsDeliveryAttempt() bool {
	return p.Kind == DeliveryAttempt
}

// <month> <day> <hh:mm:ss> <host> <program>[/<subprogram>...][<pid>]: <body>
var envelope = regexp.MustCompile(`^([A-Z][a-z]{2}) +(\d{1,2}) (\d{2}:\d{2}:\d{2}) (\S+) ([^\s\[\]:]+)\[(\d+)\]: (.*)$`)

// Short queue ids are upper case hex, long ones (enable_long_queue_ids) use an
// alphabet without vowels.
var (
	shortQueueID = regexp.MustCompile(`^[0-9A-F]{5,}$`)
	longQueueID  = regexp.MustCompile(`^[0-9B-DF-HJ-NP-TV-Zb-df-hj-np-tv-z]{10,}$`)
)

// Parse turns a raw syslog line into a Parsed. Syslog omits the year, so it is inferred
// from ref with YearFor. Parse never fails, lines it cannot make sense of are returned
// with Kind Unrecognized.
func Parse(raw string, ref time.Time) Parsed {
	m := envelope.FindStringSubmatch(raw)
	if m == nil {
		return Parsed{Kind: Unrecognized}
	}
	month, day, clock, host, program, pid, body := m[1], m[2], m[3], m[4], m[5], m[6], m[7]

	stamp, err := time.Parse("Jan 2 15:04:05", month+" "+day+" "+clock)
	if err != nil {
		return Parsed{Kind: Unrecognized}
	}
	// only postfix/<subprogram> lines are daemon output, a bare postfix[pid] is the
	// master process talking about itself
	daemon := strings.Contains(program, "/")
	program, ok := subprogram(program)
	if !ok {
		return Parsed{Kind: Unrecognized}
	}
	p, err := strconv.Atoi(pid)
	if err != nil {
		return Parsed{Kind: Unrecognized}
	}

	line := LogLine{
		Time: time.Date(YearFor(stamp.Month(), ref), stamp.Month(), stamp.Day(),
			stamp.Hour(), stamp.Minute(), stamp.Second(), 0, time.UTC),
		Host:    host,
		Program: program,
		PID:     p,
	}
	if line.Time.Month() != stamp.Month() {
		// Feb 29 in a year that has none, time.Date would make it Mar 1
		return Parsed{Kind: Unrecognized}
	}

	qid, rest, ok := cutQueueID(body)
	if !ok {
		if daemon {
			return Parsed{Kind: Other, Line: line}
		}
		return Parsed{Kind: Unrecognized}
	}
	line.QueueID = qid

	if !parseDeliveryAttempt(rest, &line) {
		return Parsed{Kind: Administrative, Line: line}
	}
	return Parsed{Kind: DeliveryAttempt, Line: line}
}

// subprogram picks "smtp" out of "postfix/smtp" or "postfix/submission/smtpd", and
// returns the name as is when there is no slash.
func subprogram(name string) (string, bool) {
	parts := strings.Split(name, "/")
	for _, p := range parts {
		if p == "" {
			return "", false
		}
	}
	return parts[len(parts)-1], true
}

func cutQueueID(body string) (qid string, rest string, ok bool) {
	qid, rest, ok = strings.Cut(body, ": ")
	if !ok {
		// "E69DB36D4A2B: removed" always has content after the colon, but tolerate a bare id
		qid, ok = strings.CutSuffix(body, ":")
	}
	if !ok {
		return "", "", false
	}
	if !shortQueueID.MatchString(qid) && !longQueueID.MatchString(qid) {
		return "", "", false
	}
	return qid, rest, true
}

var requiredFields = []string{"to", "relay", "delay", "delays", "dsn", "status"}

// parseDeliveryAttempt reads the "key=value, " list of a delivery attempt. status is
// always last and takes the remainder of the line. Extra keys postfix may add, such
// as orig_to or conn_use, are skipped.
func parseDeliveryAttempt(rest string, line *LogLine) bool {
	fields := map[string]string{}

	s := rest
	for len(s) > 0 {
		key, after, ok := strings.Cut(s, "=")
		if !ok || !isFieldKey(key) {
			return false
		}
		if key == "status" {
			fields[key] = after
			break
		}

		var value string
		if strings.HasPrefix(after, "<") {
			end := strings.IndexByte(after, '>')
			if end < 0 {
				return false
			}
			value, s = after[1:end], after[end+1:]
		} else {
			end := strings.Index(after, ", ")
			if end < 0 {
				return false
			}
			value, s = after[:end], after[end:]
		}

		if len(s) > 0 {
			var found bool
			s, found = strings.CutPrefix(s, ", ")
			if !found {
				return false
			}
		}
		if _, dup := fields[key]; !dup {
			fields[key] = value
		}
	}

	for _, k := range requiredFields {
		if _, ok := fields[k]; !ok {
			return false
		}
	}

	line.To = fields["to"]
	line.Relay = fields["relay"]
	line.Delay = fields["delay"]
	line.Delays = fields["delays"]
	line.DSN = fields["dsn"]
	line.ExtendedStatus = fields["status"]
	return true
}

func isFieldKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}
