// Package localqueue provides a WAL-mode SQLite-backed events.Sink used to
// buffer events durably on disk when the remote collector is unreachable.
// It implements events.Sink directly (Enqueue = Emit) and adds Dequeue/Ack
// for at-least-once delivery: events are persisted on Emit and are not
// removed until the caller Acks their IDs.
//
// Adapted from the teacher's internal/queue/sqlite_queue.go, which buffered
// agent.AlertEvent the same way; the WAL/single-connection/depth-counter
// discipline is unchanged, only the payload (events.Event, JSON-encoded
// whole) and table name differ.
package localqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tracer-cloud/tracer-agent/internal/events"
)

// Queue is a WAL-mode SQLite-backed events.Sink. Safe for concurrent use.
type Queue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
//
// New seeds the depth counter from rows still pending (delivered = 0), so
// Depth() is accurate immediately after a crash-recovery restart.
func New(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localqueue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises Emit calls from concurrent core goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localqueue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localqueue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localqueue: apply schema: %w", err)
	}

	q := &Queue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localqueue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS event_queue (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    kind         TEXT    NOT NULL,
    ts           TEXT    NOT NULL,
    payload      TEXT    NOT NULL,
    enqueued_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_event_queue_pending
    ON event_queue (delivered, id);
`

// Emit implements events.Sink: it persists evt with delivered = 0.
func (q *Queue) Emit(evt events.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("localqueue: marshal event: %w", err)
	}

	_, err = q.db.ExecContext(context.Background(),
		`INSERT INTO event_queue (kind, ts, payload) VALUES (?, ?, ?)`,
		string(evt.Kind),
		evt.Timestamp.UTC().Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("localqueue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// PendingEvent is an unacknowledged event returned by Dequeue. ID is the
// database primary key used to acknowledge it via Ack.
type PendingEvent struct {
	ID  int64
	Evt events.Event
}

// Dequeue returns up to n unacknowledged events in insertion order (oldest
// first). It does not mark events delivered; call Ack with the returned IDs.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload FROM event_queue WHERE delivered = 0 ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("localqueue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingEvent
	for rows.Next() {
		var pe PendingEvent
		var payload string
		if err := rows.Scan(&pe.ID, &payload); err != nil {
			return nil, fmt.Errorf("localqueue: dequeue scan: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &pe.Evt); err != nil {
			// A malformed row should not block the rest of the queue; skip it
			// but still surface it so the caller can Ack (and discard) it.
			out = append(out, PendingEvent{ID: pe.ID})
			continue
		}
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localqueue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks ids as delivered. Idempotent: re-acking an already-delivered id
// is a no-op.
func (q *Queue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE event_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("localqueue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) events.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}
