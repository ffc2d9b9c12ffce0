package dao

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/flashmob/go-guerrilla/mail"
	"golang.org/x/crypto/blake2b"
)

type Email struct {
	ID        string    `db:"id"`
	From      string    `db:"from_"`
	MessageID string    `db:"message_id"`
	CreatedAt time.Time `db:"created_at"`
}

type Address struct {
	ID   int64  `db:"id"`
	Text string `db:"text"`
}

// Delivery is an email on its way to one recipient address. Address and
// EmailCreatedAt are joined in from their tables when read.
type Delivery struct {
	ID             int64     `db:"id"`
	EmailID        string    `db:"email_id"`
	AddressID      int64     `db:"address_id"`
	PostfixQueueID string    `db:"postfix_queue_id"`
	CreatedAt      time.Time `db:"created_at"`

	Address        string    `db:"address"`
	EmailCreatedAt time.Time `db:"email_created_at"`
}

type PostfixLogLine struct {
	ID             int64     `db:"id"`
	DeliveryID     int64     `db:"delivery_id"`
	LineKey        string    `db:"line_key"`
	Time           time.Time `db:"time"`
	Program        string    `db:"program"`
	QueueID        string    `db:"queue_id"`
	Relay          string    `db:"relay"`
	Delay          string    `db:"delay"`
	Delays         string    `db:"delays"`
	DSN            string    `db:"dsn"`
	ExtendedStatus string    `db:"extended_status"`
	CreatedAt      time.Time `db:"created_at"`
}

// Key identifies a log line within its delivery. Two lines with the same queue id,
// relay, delay, delays, dsn, extended status and time are the same line seen twice.
func (l PostfixLogLine) Key() string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{
		l.QueueID, l.Relay, l.Delay, l.Delays, l.DSN, l.ExtendedStatus,
		l.Time.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeAddress lower cases the domain of an address and strips any display name
// and angle brackets. Anything that does not parse is only trimmed.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	a, err := mail.NewAddress(address)
	if err != nil || a.User == "" || a.Host == "" {
		return address
	}
	return a.User + "@" + strings.ToLower(a.Host)
}
