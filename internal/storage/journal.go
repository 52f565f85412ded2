package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/confcall/internal/callerr"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Journal is an append-only sqlite log of call errors and status changes,
// kept so a failed session can be looked at after the fact.
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// ErrorEntry is one recorded CallError.
type ErrorEntry struct {
	ID          int64
	RoomID      string
	Type        callerr.Type
	Message     string
	Operation   string
	Source      string
	ProducerID  string
	ConsumerID  string
	Recoverable bool
	Retryable   bool
	At          time.Time
}

// StatusEntry is one recorded status change.
type StatusEntry struct {
	ID     int64
	RoomID string
	From   string
	To     string
	At     time.Time
}

// Open opens or creates journal.db in dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	path := filepath.Join(dir, "journal.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure journal: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_errors (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id     TEXT NOT NULL,
			type        TEXT NOT NULL,
			message     TEXT NOT NULL,
			operation   TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL DEFAULT '',
			producer_id TEXT NOT NULL DEFAULT '',
			consumer_id TEXT NOT NULL DEFAULT '',
			recoverable INTEGER NOT NULL DEFAULT 0,
			retryable   INTEGER NOT NULL DEFAULT 0,
			at          TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS call_errors_room ON call_errors(room_id, at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_errors: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_status (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL,
			from_st TEXT NOT NULL,
			to_st   TEXT NOT NULL,
			at      TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_status: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

func (j *Journal) Path() string { return j.path }

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}

// RecordError appends ce. A nil ce is ignored.
func (j *Journal) RecordError(roomID string, ce *callerr.CallError) error {
	if ce == nil {
		return nil
	}
	at := ce.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`
		INSERT INTO call_errors
			(room_id, type, message, operation, source, producer_id, consumer_id, recoverable, retryable, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		roomID, string(ce.Type), ce.Message, ce.Context.Operation, ce.Context.Source,
		ce.Context.ProducerID, ce.Context.ConsumerID, boolInt(ce.Recoverable), boolInt(ce.Retryable),
		at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

func (j *Journal) RecordStatus(roomID, from, to string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`INSERT INTO call_status (room_id, from_st, to_st, at) VALUES (?, ?, ?, ?)`,
		roomID, from, to, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

// RecentErrors returns up to limit errors, newest first.
func (j *Journal) RecentErrors(limit int) ([]ErrorEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	rows, err := j.db.Query(`
		SELECT id, room_id, type, message, operation, source, producer_id, consumer_id,
		       recoverable, retryable, at
		FROM call_errors ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		var typ, at string
		var rec, retry int
		if err := rows.Scan(&e.ID, &e.RoomID, &typ, &e.Message, &e.Operation, &e.Source,
			&e.ProducerID, &e.ConsumerID, &rec, &retry, &at); err != nil {
			return nil, err
		}
		e.Type = callerr.Type(typ)
		e.Recoverable = rec != 0
		e.Retryable = retry != 0
		e.At, _ = time.Parse(timeLayout, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// StatusHistory returns the status changes recorded for roomID, oldest first.
func (j *Journal) StatusHistory(roomID string) ([]StatusEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rows, err := j.db.Query(`
		SELECT id, room_id, from_st, to_st, at
		FROM call_status WHERE room_id = ? ORDER BY id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusEntry
	for rows.Next() {
		var e StatusEntry
		var at string
		if err := rows.Scan(&e.ID, &e.RoomID, &e.From, &e.To, &at); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(timeLayout, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
