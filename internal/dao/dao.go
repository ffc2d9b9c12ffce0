package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/modfin/henry/slicez"
	"github.com/rs/xid"
)

var ErrNotFound = errors.New("not found")

// DAO is the store of emails, their deliveries and the postfix log lines attached to them.
//
// Emails, addresses and queue ids are owned by whatever sends the email; the ingestion
// side only reads deliveries and adds log lines.
type DAO interface {
	CreateEmail(email Email, to []string) (Email, []Delivery, error)
	SetPostfixQueueID(deliveryID int64, queueID string) error
	GetDelivery(deliveryID int64) (*Delivery, error)
	GetDeliveries(emailID string) ([]Delivery, error)

	// FindDeliveries returns the deliveries with the queue id going to address, most
	// recently created email first.
	FindDeliveries(queueID, address string) ([]Delivery, error)

	HasLogLine(deliveryID int64, lineKey string) (bool, error)
	// AddLogLine inserts line and sets its ID. It returns false, and leaves line
	// untouched, when the delivery already has a line with the same key.
	AddLogLine(line *PostfixLogLine) (bool, error)
	GetLogLines(deliveryID int64) ([]PostfixLogLine, error)
	LatestLogLine(deliveryID int64) (*PostfixLogLine, error)

	Close() error
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	mu   sync.Mutex
	db   *sqlx.DB
	path string
}

const deliveryColumns = `
	d.id, d.email_id, d.address_id, d.postfix_queue_id, d.created_at,
	a.text AS address, e.created_at AS email_created_at
	FROM delivery d
	JOIN address a ON a.id = d.address_id
	JOIN email e ON e.id = d.email_id
`

func (s *sqlite) CreateEmail(email Email, to []string) (_ Email, deliveries []Delivery, err error) {
	if email.ID == "" {
		email.ID = xid.New().String()
	}
	if email.CreatedAt.IsZero() {
		email.CreatedAt = time.Now()
	}
	email.CreatedAt = email.CreatedAt.In(time.UTC)

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return email, nil, fmt.Errorf("failed to get transaction, %w", err)
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	_, err = tx.NamedExec(`
		INSERT INTO email (id, from_, message_id, created_at)
		VALUES (:id, :from_, :message_id, :created_at)
	`, email)
	if err != nil {
		err = fmt.Errorf("failed to insert email %s, %w", email.ID, err)
		return
	}

	for _, address := range uniq(slicez.Map(to, NormalizeAddress)) {
		var addressID int64
		addressID, err = s.ensureAddressTx(tx, address)
		if err != nil {
			return
		}

		var res sql.Result
		res, err = tx.Exec(`
			INSERT INTO delivery (email_id, address_id, created_at)
			VALUES (?, ?, ?)
		`, email.ID, addressID, email.CreatedAt)
		if err != nil {
			err = fmt.Errorf("failed to insert delivery to %s, %w", address, err)
			return
		}

		var id int64
		id, err = res.LastInsertId()
		if err != nil {
			return
		}
		deliveries = append(deliveries, Delivery{
			ID:             id,
			EmailID:        email.ID,
			AddressID:      addressID,
			CreatedAt:      email.CreatedAt,
			Address:        address,
			EmailCreatedAt: email.CreatedAt,
		})
	}
	return email, deliveries, err
}

func (s *sqlite) ensureAddressTx(tx *sqlx.Tx, address string) (int64, error) {
	_, err := tx.Exec(`INSERT OR IGNORE INTO address (text) VALUES (?)`, address)
	if err != nil {
		return 0, fmt.Errorf("failed to insert address %s, %w", address, err)
	}
	var id int64
	err = tx.Get(&id, `SELECT id FROM address WHERE text = ?`, address)
	if err != nil {
		return 0, fmt.Errorf("failed to read address %s, %w", address, err)
	}
	return id, nil
}

func (s *sqlite) SetPostfixQueueID(deliveryID int64, queueID string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(`UPDATE delivery SET postfix_queue_id = ? WHERE id = ?`, queueID, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to set queue id of delivery %d, %w", deliveryID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("delivery %d, %w", deliveryID, ErrNotFound)
	}
	return nil
}

func (s *sqlite) GetDelivery(deliveryID int64) (*Delivery, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var d Delivery
	err = db.Get(&d, `SELECT `+deliveryColumns+` WHERE d.id = ?`, deliveryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %d, %w", deliveryID, ErrNotFound)
	}
	return &d, err
}

func (s *sqlite) GetDeliveries(emailID string) ([]Delivery, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var deliveries []Delivery
	err = db.Select(&deliveries, `SELECT `+deliveryColumns+` WHERE d.email_id = ? ORDER BY d.id`, emailID)
	return deliveries, err
}

func (s *sqlite) FindDeliveries(queueID, address string) ([]Delivery, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var deliveries []Delivery
	err = db.Select(&deliveries, `
		SELECT `+deliveryColumns+`
		WHERE d.postfix_queue_id = ?
		  AND a.text = ?
		ORDER BY e.created_at DESC, d.id DESC
	`, queueID, NormalizeAddress(address))
	if err != nil {
		return nil, fmt.Errorf("failed to find deliveries for %s, %w", queueID, err)
	}

	// created_at is stored as text, make sure a mix of precisions still orders by time
	sort.SliceStable(deliveries, func(i, j int) bool {
		return deliveries[i].EmailCreatedAt.After(deliveries[j].EmailCreatedAt)
	})
	return deliveries, nil
}

func (s *sqlite) HasLogLine(deliveryID int64, lineKey string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	var n int
	err = db.Get(&n, `SELECT count(*) FROM postfix_log_line WHERE delivery_id = ? AND line_key = ?`, deliveryID, lineKey)
	return n > 0, err
}

func (s *sqlite) AddLogLine(line *PostfixLogLine) (created bool, err error) {
	l := *line
	if l.LineKey == "" {
		l.LineKey = l.Key()
	}
	l.Time = l.Time.In(time.UTC)
	l.CreatedAt = time.Now().In(time.UTC)

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return false, fmt.Errorf("failed to get transaction, %w", err)
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	// The unique (delivery_id, line_key) index is what keeps duplicates out, also when
	// two ingesters race for the same line.
	res, err := tx.NamedExec(`
		INSERT OR IGNORE INTO postfix_log_line
		    (delivery_id, line_key, time, program, queue_id, relay, delay, delays, dsn, extended_status, created_at)
		VALUES
		    (:delivery_id, :line_key, :time, :program, :queue_id, :relay, :delay, :delays, :dsn, :extended_status, :created_at)
	`, l)
	if err != nil {
		return false, fmt.Errorf("failed to insert log line for delivery %d, %w", l.DeliveryID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	l.ID, err = res.LastInsertId()
	if err != nil {
		return false, err
	}
	*line = l
	return true, nil
}

func (s *sqlite) GetLogLines(deliveryID int64) ([]PostfixLogLine, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var lines []PostfixLogLine
	err = db.Select(&lines, `SELECT * FROM postfix_log_line WHERE delivery_id = ? ORDER BY time, id`, deliveryID)
	return lines, err
}

func (s *sqlite) LatestLogLine(deliveryID int64) (*PostfixLogLine, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var line PostfixLogLine
	err = db.Get(&line, `SELECT * FROM postfix_log_line WHERE delivery_id = ? ORDER BY time DESC, id DESC LIMIT 1`, deliveryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("log line for delivery %d, %w", deliveryID, ErrNotFound)
	}
	return &line, err
}

func (s *sqlite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;
			pragma mmap_size = 30000000000;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		// sqlite has a single writer, sharing one connection keeps writers from
		// tripping over each others locks
		s.db.SetMaxOpenConns(1)

		err := s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS email (
	    id         TEXT PRIMARY KEY,
	    from_      TEXT NOT NULL DEFAULT '',
	    message_id TEXT NOT NULL DEFAULT '',
	    created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS address (
	    id   INTEGER PRIMARY KEY AUTOINCREMENT,
	    text TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS delivery (
	    id               INTEGER PRIMARY KEY AUTOINCREMENT,
	    email_id         TEXT NOT NULL REFERENCES email(id),
	    address_id       INTEGER NOT NULL REFERENCES address(id),
	    postfix_queue_id TEXT NOT NULL DEFAULT '', -- set once postfix has accepted the email
	    created_at       DATETIME NOT NULL,
	    UNIQUE (email_id, address_id)
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_queue_id ON delivery(postfix_queue_id, address_id);

	CREATE TABLE IF NOT EXISTS postfix_log_line (
	    id              INTEGER PRIMARY KEY AUTOINCREMENT,
	    delivery_id     INTEGER NOT NULL REFERENCES delivery(id),
	    line_key        TEXT NOT NULL, -- blake2b of queue_id, relay, delay, delays, dsn, extended_status and time
	    time            DATETIME NOT NULL,
	    program         TEXT NOT NULL DEFAULT '',
	    queue_id        TEXT NOT NULL,
	    relay           TEXT NOT NULL,
	    delay           TEXT NOT NULL,
	    delays          TEXT NOT NULL,
	    dsn             TEXT NOT NULL,
	    extended_status TEXT NOT NULL,
	    created_at      DATETIME NOT NULL,
	    UNIQUE (delivery_id, line_key)
	);
`)
	if err != nil {
		return fmt.Errorf("could upsert schema, %w", err)
	}

	return err
}

func uniq(strs []string) []string {
	seen := make(map[string]struct{}, len(strs))
	var res []string
	for _, s := range strs {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		res = append(res, s)
	}
	return res
}
