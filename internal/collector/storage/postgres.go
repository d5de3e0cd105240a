package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of event rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending events even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// schemaDDL is applied once, idempotently, on every New call — the same
// inline CREATE TABLE IF NOT EXISTS bootstrap the teacher uses for its
// SQLite queue schema, rather than a separate migrations tool.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id        TEXT PRIMARY KEY,
    run_name      TEXT NOT NULL,
    pipeline_name TEXT,
    tags          TEXT[] NOT NULL DEFAULT '{}',
    started_at    TIMESTAMPTZ NOT NULL,
    ended_at      TIMESTAMPTZ,
    status        TEXT NOT NULL
);

-- run_id is a denormalized reference, not a foreign key: events and audit
-- entries may arrive before the corresponding run row is upserted (the
-- collector's REST API has no dedicated "create run" endpoint; UpsertRun is
-- called independently of event ingestion).
CREATE TABLE IF NOT EXISTS events (
    event_id    TEXT NOT NULL,
    run_id      TEXT NOT NULL,
    timestamp   TIMESTAMPTZ NOT NULL,
    kind        TEXT NOT NULL,
    payload     JSONB NOT NULL DEFAULT '{}',
    received_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (event_id, received_at)
);
CREATE INDEX IF NOT EXISTS idx_events_run_received
    ON events (run_id, received_at);
CREATE INDEX IF NOT EXISTS idx_events_received
    ON events (received_at);

CREATE TABLE IF NOT EXISTS task_matches (
    run_id     TEXT NOT NULL,
    task_id    TEXT NOT NULL,
    pids       BIGINT[] NOT NULL DEFAULT '{}',
    score      DOUBLE PRECISION NOT NULL,
    terminal   BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, task_id)
);

CREATE TABLE IF NOT EXISTS audit_entries (
    entry_id     TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL,
    sequence_num BIGINT NOT NULL,
    event_hash   TEXT NOT NULL,
    prev_hash    TEXT NOT NULL,
    payload      JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_run_created
    ON audit_entries (run_id, created_at);
`

// Store is the PostgreSQL-backed storage layer for the remote collector.
//
// Event ingestion is batched: callers enqueue individual EventRecord values
// via BatchInsertEvents, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first. All other operations (runs, task
// matches, audit entries) are executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []EventRecord
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]EventRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered events, and closes the connection pool. Safe to call more than
// once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertEvents enqueues evt for deferred batch insertion. If the
// internal buffer reaches batchSize after appending, Flush is called
// synchronously so the caller observes back-pressure.
func (s *Store) BatchInsertEvents(ctx context.Context, evt EventRecord) error {
	s.mu.Lock()
	s.batch = append(s.batch, evt)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current event buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows that conflict on the primary key
// are silently ignored (idempotent replay support).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]EventRecord, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO events
			(event_id, run_id, timestamp, kind, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		payload := []byte(e.Payload)
		if payload == nil {
			payload = []byte("null")
		}
		b.Queue(query, e.EventID, e.RunID, e.Timestamp, e.Kind, payload, e.ReceivedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec event: %w", err)
		}
	}
	return nil
}

// QueryEvents returns paginated events that fall within [q.From, q.To) on
// the received_at column, which the idx_events_received index covers.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]EventRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.RunID != "" {
		where += fmt.Sprintf(" AND run_id = $%d", argIdx)
		args = append(args, q.RunID)
		argIdx++
	}
	if q.Kind != "" {
		where += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, q.Kind)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT event_id, run_id, timestamp, kind, payload, received_at
		FROM   events
		%s
		ORDER  BY received_at DESC, event_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.RunID, &e.Timestamp, &e.Kind, &payload, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Run CRUD ---

// UpsertRun inserts a new run or, on run_id conflict, updates mutable
// fields (tags, ended_at, status).
func (s *Store) UpsertRun(ctx context.Context, r Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, run_name, pipeline_name, tags, started_at, ended_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			tags     = EXCLUDED.tags,
			ended_at = EXCLUDED.ended_at,
			status   = EXCLUDED.status`,
		r.RunID, r.RunName, nullableStr(r.PipelineName), r.Tags, r.StartedAt, r.EndedAt, string(r.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// GetRun returns the run with the given id, or (nil, nil) when no such run
// exists.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, run_name, pipeline_name, tags, started_at, ended_at, status
		FROM   runs
		WHERE  run_id = $1`, runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns all runs ordered by started_at descending.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, run_name, pipeline_name, tags, started_at, ended_at, status
		FROM   runs
		ORDER  BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// --- TaskMatch upsert ---

// UpsertTaskMatch records the latest score/PIDs for (run_id, task_id).
func (s *Store) UpsertTaskMatch(ctx context.Context, m TaskMatchRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_matches (run_id, task_id, pids, score, terminal, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			pids       = EXCLUDED.pids,
			score      = EXCLUDED.score,
			terminal   = EXCLUDED.terminal,
			updated_at = EXCLUDED.updated_at`,
		m.RunID, m.TaskID, intsToInt64s(m.PIDs), m.Score, m.Terminal, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task match: %w", err)
	}
	return nil
}

// ListTaskMatches returns every task match recorded for runID.
func (s *Store) ListTaskMatches(ctx context.Context, runID string) ([]TaskMatchRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, task_id, pids, score, terminal, updated_at
		FROM   task_matches
		WHERE  run_id = $1
		ORDER  BY task_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list task matches: %w", err)
	}
	defer rows.Close()

	var out []TaskMatchRecord
	for rows.Next() {
		var m TaskMatchRecord
		var pids []int64
		if err := rows.Scan(&m.RunID, &m.TaskID, &pids, &m.Score, &m.Terminal, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task match: %w", err)
		}
		m.PIDs = int64sToInts(pids)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, run_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID, e.RunID, e.SequenceNum, e.EventHash, e.PrevHash, []byte(e.Payload), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for runID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, runID string, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, run_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  run_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		runID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		if err := rows.Scan(&e.EntryID, &e.RunID, &e.SequenceNum, &e.EventHash, &e.PrevHash, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var pipelineName *string
	var status string
	err := s.Scan(&r.RunID, &r.RunName, &pipelineName, &r.Tags, &r.StartedAt, &r.EndedAt, &status)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	if pipelineName != nil {
		r.PipelineName = *pipelineName
	}
	return &r, nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intsToInt64s(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func int64sToInts(in []int64) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
