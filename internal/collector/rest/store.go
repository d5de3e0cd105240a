package rest

import (
	"context"
	"time"

	"github.com/tracer-cloud/tracer-agent/internal/collector/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	BatchInsertEvents(ctx context.Context, evt storage.EventRecord) error
	QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.EventRecord, error)

	UpsertRun(ctx context.Context, r storage.Run) error
	GetRun(ctx context.Context, runID string) (*storage.Run, error)
	ListRuns(ctx context.Context) ([]storage.Run, error)

	UpsertTaskMatch(ctx context.Context, m storage.TaskMatchRecord) error
	ListTaskMatches(ctx context.Context, runID string) ([]storage.TaskMatchRecord, error)

	QueryAuditEntries(ctx context.Context, runID string, from, to time.Time) ([]storage.AuditEntry, error)
}
