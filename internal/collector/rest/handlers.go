package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tracer-cloud/tracer-agent/internal/collector/storage"
	"github.com/tracer-cloud/tracer-agent/internal/events"
)

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Publisher forwards a freshly-ingested event to live dashboard subscribers
// (internal/collector/ws.Broadcaster satisfies this).
type Publisher interface {
	Publish(evt events.Event)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store     Store
	publisher Publisher
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// WithPublisher attaches a Publisher that receives every successfully
// ingested event, for live dashboard fan-out alongside durable storage.
func (s *Server) WithPublisher(p Publisher) *Server {
	s.publisher = p
	return s
}

// handleHealthz responds to GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingestEventRequest is the body accepted by POST /api/v1/events — the sink
// side of the ingestion path (see internal/sink/remote).
type ingestEventRequest struct {
	RunID     string          `json:"run_id"`
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// handlePostEvent responds to POST /api/v1/events, persisting one event
// emitted by an agent's remote sink.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.RunID == "" || req.EventID == "" {
		writeError(w, http.StatusBadRequest, "'run_id' and 'event_id' are required")
		return
	}

	rec := storage.EventRecord{
		EventID:    req.EventID,
		RunID:      req.RunID,
		Timestamp:  req.Timestamp,
		Kind:       req.Kind,
		Payload:    req.Payload,
		ReceivedAt: time.Now(),
	}
	if err := s.store.BatchInsertEvents(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist event")
		return
	}

	if s.publisher != nil {
		var evt events.Event
		if err := json.Unmarshal(req.Payload, &evt); err == nil {
			s.publisher.Publish(evt)
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	run_id  – exact run filter (optional)
//	kind    – event kind filter (optional)
//	from    – RFC3339 start of the timestamp window (required)
//	to      – RFC3339 end of the timestamp window (required)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, to, ok := parseTimeWindow(w, q)
	if !ok {
		return
	}

	eq := storage.EventQuery{
		RunID: q.Get("run_id"),
		Kind:  q.Get("kind"),
		From:  from,
		To:    to,
	}

	limit, ok := parseLimit(w, q)
	if !ok {
		return
	}
	eq.Limit = limit

	offset, ok := parseOffset(w, q)
	if !ok {
		return
	}
	eq.Offset = offset

	events, err := s.store.QueryEvents(r.Context(), eq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []storage.EventRecord{}
	}

	writeJSON(w, http.StatusOK, events)
}

// handleGetRuns responds to GET /api/v1/runs.
func (s *Server) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun responds to GET /api/v1/runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleGetTaskMatches responds to GET /api/v1/runs/{runID}/tasks.
func (s *Server) handleGetTaskMatches(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}
	matches, err := s.store.ListTaskMatches(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list task matches")
		return
	}
	if matches == nil {
		matches = []storage.TaskMatchRecord{}
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleGetAudit responds to GET /api/v1/audit.
//
// Supported query parameters:
//
//	run_id – exact run filter (required)
//	from   – RFC3339 start of the created_at window (required)
//	to     – RFC3339 end of the created_at window (required)
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	runID := q.Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'run_id' is required")
		return
	}

	from, to, ok := parseTimeWindow(w, q)
	if !ok {
		return
	}

	entries, err := s.store.QueryAuditEntries(r.Context(), runID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func parseTimeWindow(w http.ResponseWriter, q map[string][]string) (from, to time.Time, ok bool) {
	fromStr := first(q, "from")
	toStr := first(q, "to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return time.Time{}, time.Time{}, false
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	to, err = time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func parseLimit(w http.ResponseWriter, q map[string][]string) (int, bool) {
	limitStr := first(q, "limit")
	if limitStr == "" {
		return 100, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return 0, false
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit, true
}

func parseOffset(w http.ResponseWriter, q map[string][]string) (int, bool) {
	offsetStr := first(q, "offset")
	if offsetStr == "" {
		return 0, true
	}
	offset, err := strconv.Atoi(offsetStr)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
		return 0, false
	}
	return offset, true
}

func first(q map[string][]string, key string) string {
	if vs, ok := q[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}
