// Package journal keeps an append-only history of print-state
// transitions and notification outcomes. It exists for the operator's
// benefit ("did last night's failure actually page me?"). The monitor
// never reads it back: tracker state always starts from unknown.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/printwatch/internal/printer"
)

// timeFormat is fixed-width so timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// TransitionRecord is one stored state change.
type TransitionRecord struct {
	ID        string
	Timestamp time.Time
	Serial    string
	From      string // empty for the first state seen after startup
	To        string
	Percent   int
	Notify    bool
}

// NotificationRecord is one stored notifier run.
type NotificationRecord struct {
	ID        string
	Timestamp time.Time
	Serial    string
	State     string
	Percent   int
	Message   string
	Delivered bool
	Error     string
}

// Store is an append-only SQLite store. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (or creates) a journal database at dbPath. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id         TEXT PRIMARY KEY,
		timestamp  TEXT NOT NULL,
		serial     TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		percent    INTEGER NOT NULL,
		notify     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_timestamp ON transitions(timestamp);

	CREATE TABLE IF NOT EXISTS notifications (
		id        TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		serial    TEXT NOT NULL,
		state     TEXT NOT NULL,
		percent   INTEGER NOT NULL,
		message   TEXT NOT NULL,
		delivered INTEGER NOT NULL,
		error     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// newID returns a time-ordered record ID.
func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate record ID: %w", err)
	}
	return id.String(), nil
}

// RecordTransition appends a state change.
func (s *Store) RecordTransition(serial string, tr printer.Transition) error {
	id, err := newID()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO transitions (id, timestamp, serial, from_state, to_state, percent, notify)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, s.now().UTC().Format(timeFormat), serial, tr.From, tr.To, tr.Percent, tr.Notify,
	)
	if err != nil {
		return fmt.Errorf("record transition %s -> %s: %w", tr.From, tr.To, err)
	}
	return nil
}

// RecordNotification appends a notifier outcome. notifyErr is the error
// returned by the notifier, or nil if delivery succeeded.
func (s *Store) RecordNotification(serial string, ev printer.Event, message string, notifyErr error) error {
	id, err := newID()
	if err != nil {
		return err
	}
	var errText sql.NullString
	if notifyErr != nil {
		errText = sql.NullString{String: notifyErr.Error(), Valid: true}
	}
	_, err = s.db.Exec(
		`INSERT INTO notifications (id, timestamp, serial, state, percent, message, delivered, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.now().UTC().Format(timeFormat), serial, ev.State, ev.Percent, message, notifyErr == nil, errText,
	)
	if err != nil {
		return fmt.Errorf("record notification %s: %w", ev.State, err)
	}
	return nil
}

// RecentTransitions returns up to limit transitions, newest first.
func (s *Store) RecentTransitions(limit int) ([]TransitionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, serial, from_state, to_state, percent, notify
		 FROM transitions ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var r TransitionRecord
		var ts string
		if err := rows.Scan(&r.ID, &ts, &r.Serial, &r.From, &r.To, &r.Percent, &r.Notify); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		r.Timestamp, _ = time.Parse(timeFormat, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentNotifications returns up to limit notifications, newest first.
func (s *Store) RecentNotifications(limit int) ([]NotificationRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, serial, state, percent, message, delivered, error
		 FROM notifications ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var r NotificationRecord
		var ts string
		var errText sql.NullString
		if err := rows.Scan(&r.ID, &ts, &r.Serial, &r.State, &r.Percent, &r.Message, &r.Delivered, &errText); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		r.Timestamp, _ = time.Parse(timeFormat, ts)
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}
