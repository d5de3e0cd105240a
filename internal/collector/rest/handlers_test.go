package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tracer-cloud/tracer-agent/internal/collector/rest"
	"github.com/tracer-cloud/tracer-agent/internal/collector/storage"
)

type mockStore struct {
	events      []storage.EventRecord
	runs        []storage.Run
	taskMatches map[string][]storage.TaskMatchRecord
	audit       []storage.AuditEntry
	insertErr   error
}

func (m *mockStore) BatchInsertEvents(ctx context.Context, evt storage.EventRecord) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.events = append(m.events, evt)
	return nil
}

func (m *mockStore) QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.EventRecord, error) {
	var out []storage.EventRecord
	for _, e := range m.events {
		if q.RunID != "" && e.RunID != q.RunID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockStore) UpsertRun(ctx context.Context, r storage.Run) error {
	m.runs = append(m.runs, r)
	return nil
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	for _, r := range m.runs {
		if r.RunID == runID {
			rc := r
			return &rc, nil
		}
	}
	return nil, nil
}

func (m *mockStore) ListRuns(ctx context.Context) ([]storage.Run, error) {
	return m.runs, nil
}

func (m *mockStore) UpsertTaskMatch(ctx context.Context, match storage.TaskMatchRecord) error {
	if m.taskMatches == nil {
		m.taskMatches = map[string][]storage.TaskMatchRecord{}
	}
	m.taskMatches[match.RunID] = append(m.taskMatches[match.RunID], match)
	return nil
}

func (m *mockStore) ListTaskMatches(ctx context.Context, runID string) ([]storage.TaskMatchRecord, error) {
	return m.taskMatches[runID], nil
}

func (m *mockStore) QueryAuditEntries(ctx context.Context, runID string, from, to time.Time) ([]storage.AuditEntry, error) {
	return m.audit, nil
}

func TestHealthz(t *testing.T) {
	srv := rest.NewServer(&mockStore{})
	router := rest.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestPostEvent_Accepted(t *testing.T) {
	store := &mockStore{}
	router := rest.NewRouter(rest.NewServer(store))

	body, _ := json.Marshal(map[string]any{
		"run_id":    "run-1",
		"event_id":  "evt-1",
		"kind":      "system_properties",
		"timestamp": time.Now().Format(time.RFC3339),
		"payload":   json.RawMessage(`{"num_cpus":4}`),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(store.events))
	}
}

func TestPostEvent_MissingFields(t *testing.T) {
	router := rest.NewRouter(rest.NewServer(&mockStore{}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestGetEvents_RequiresTimeWindow(t *testing.T) {
	router := rest.NewRouter(rest.NewServer(&mockStore{}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestGetEvents_FiltersByRun(t *testing.T) {
	store := &mockStore{events: []storage.EventRecord{
		{EventID: "e1", RunID: "run-1", Kind: "log"},
		{EventID: "e2", RunID: "run-2", Kind: "log"},
	}}
	router := rest.NewRouter(rest.NewServer(store))

	from := time.Now().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().Add(time.Hour).Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?run_id=run-1&from="+from+"&to="+to, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", rec.Code, rec.Body.String())
	}
	var got []storage.EventRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].RunID != "run-1" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	router := rest.NewRouter(rest.NewServer(&mockStore{}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestGetRun_Found(t *testing.T) {
	store := &mockStore{runs: []storage.Run{{RunID: "run-1", RunName: "brave-otter", Status: storage.RunStatusActive}}}
	router := rest.NewRouter(rest.NewServer(store))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var got storage.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RunName != "brave-otter" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetTaskMatches(t *testing.T) {
	store := &mockStore{taskMatches: map[string][]storage.TaskMatchRecord{
		"run-1": {{RunID: "run-1", TaskID: "fastqc", Score: 0.95, Terminal: true}},
	}}
	router := rest.NewRouter(rest.NewServer(store))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1/tasks", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var got []storage.TaskMatchRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != "fastqc" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetAudit_RequiresRunID(t *testing.T) {
	router := rest.NewRouter(rest.NewServer(&mockStore{}))

	from := time.Now().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit?from="+from+"&to="+to, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d", rec.Code)
	}
}
