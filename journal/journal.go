// Package journal records call outcomes in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/guseggert/pipes/client"
	"github.com/guseggert/pipes/task"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id        TEXT    NOT NULL,
	status         TEXT    NOT NULL,
	message        TEXT    NOT NULL DEFAULT '',
	payload_blake3 TEXT    NOT NULL DEFAULT '',
	elapsed_ms     INTEGER NOT NULL,
	session_id     TEXT    NOT NULL DEFAULT '',
	recorded_at    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS outcomes_task_id ON outcomes(task_id);
`

// Entry is one recorded call.
type Entry struct {
	TaskID string
	Status client.Kind
	// Message is the worker's diagnostic, or the error text for calls that failed with an error.
	Message string
	// PayloadBLAKE3 is the hex digest of the canonical CBOR encoding of the payload, if any.
	PayloadBLAKE3 string
	Elapsed       time.Duration
	SessionID     string
	RecordedAt    time.Time
}

// NewEntry builds an entry for an outcome. RecordedAt is left for Record to fill.
func NewEntry(taskID string, o client.Outcome, elapsed time.Duration, sessionID string) (Entry, error) {
	e := Entry{
		TaskID:    taskID,
		Status:    o.Kind,
		Message:   o.Message,
		Elapsed:   elapsed,
		SessionID: sessionID,
	}
	if o.Payload != nil {
		digest, err := PayloadDigest(o.Payload)
		if err != nil {
			return Entry{}, err
		}
		e.PayloadBLAKE3 = digest
	}
	return e, nil
}

// PayloadDigest hashes the canonical CBOR encoding of data, so equal payloads hash equally.
func PayloadDigest(data *task.EmitData) (string, error) {
	b, err := task.CBOR().Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path. ":memory:" works for throwaway journals.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO outcomes (task_id, status, message, payload_blake3, elapsed_ms, session_id, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Status.String(), e.Message, e.PayloadBLAKE3, e.Elapsed.Milliseconds(), e.SessionID,
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording %s: %w", e.TaskID, err)
	}
	return nil
}

// List returns every entry in the order it was recorded.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT task_id, status, message, payload_blake3, elapsed_ms, session_id, recorded_at
		 FROM outcomes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			status     string
			elapsedMS  int64
			recordedAt string
		)
		if err := rows.Scan(&e.TaskID, &status, &e.Message, &e.PayloadBLAKE3, &elapsedMS, &e.SessionID, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		if err := e.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, err
		}
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at %q: %w", recordedAt, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts returns the number of entries per status.
func (j *Journal) Counts(ctx context.Context) (map[client.Kind]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outcomes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting outcomes: %w", err)
	}
	defer rows.Close()

	counts := map[client.Kind]int{}
	for rows.Next() {
		var (
			status string
			n      int
			k      client.Kind
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		if err := k.UnmarshalText([]byte(status)); err != nil {
			return nil, err
		}
		counts[k] = n
	}
	return counts, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
