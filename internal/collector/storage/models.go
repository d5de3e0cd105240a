// Package storage provides the PostgreSQL-backed persistence layer for the
// remote collector (spec §1's "remote collector" external collaborator).
// It exposes typed model structs for runs, events and task matches, and a
// Store that wraps a pgxpool connection pool with a batched event-insert
// path.
//
// Adapted from the teacher's internal/server/storage package (hosts/alerts/
// tripwire_rules/audit_entries for a security dashboard) to this spec's
// domain: a Run replaces a Host as the top-level grouping entity, an Event
// row replaces an Alert row (generalised to carry any events.Kind instead
// of only alerts), and TaskMatch gets its own table instead of being folded
// into a rules table.
package storage

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of an observation run.
type RunStatus string

const (
	RunStatusActive   RunStatus = "ACTIVE"
	RunStatusFinished RunStatus = "FINISHED"
)

// Run maps to the `runs` table — one row per start_run/end_run cycle
// (spec §6).
type Run struct {
	RunID        string     `json:"run_id"`
	RunName      string     `json:"run_name"`
	PipelineName string     `json:"pipeline_name,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Status       RunStatus  `json:"status"`
}

// EventRecord maps to the `events` table. Payload carries the
// raw JSON-encoded events.Event as received from the sink, round-tripped
// without modification.
type EventRecord struct {
	EventID    string          `json:"event_id"`
	RunID      string          `json:"run_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// TaskMatchRecord maps to the `task_matches` table — the latest known
// state of one pipeline task's rule-coverage score for a run (spec §4.4).
type TaskMatchRecord struct {
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	PIDs      []int     `json:"pids"`
	Score     float64   `json:"score"`
	Terminal  bool      `json:"terminal"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry maps to the `audit_entries` table.
//
// EventHash is the SHA-256 hex digest of this entry. PrevHash is the
// SHA-256 hex digest of the previous entry; for the genesis entry this is
// a string of 64 zeros. Payload holds the full event data as JSONB.
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	RunID       string          `json:"run_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
//
// From and To are mandatory and bracket the received_at column (an indexed
// column of the events table). Limit defaults to 100 when ≤ 0. An empty
// RunID matches all runs.
type EventQuery struct {
	RunID  string
	Kind   string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
