package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the collector's ingestion
// and query API.
//
// Route layout:
//
//	GET  /healthz                     – liveness probe
//	POST /api/v1/events               – ingest one event (from internal/sink/remote)
//	GET  /api/v1/events               – query events by run/kind/time window
//	GET  /api/v1/runs                 – list observation runs
//	GET  /api/v1/runs/{runID}         – fetch one run
//	GET  /api/v1/runs/{runID}/tasks   – task-recognizer matches for a run
//	GET  /api/v1/audit                – tamper-evident audit log query
//
// Authentication is out of scope for this collector: it is expected to sit
// behind a gateway or service mesh that handles token validation, rather
// than terminating auth itself.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", srv.handlePostEvent)
		r.Get("/events", srv.handleGetEvents)

		r.Get("/runs", srv.handleGetRuns)
		r.Get("/runs/{runID}", srv.handleGetRun)
		r.Get("/runs/{runID}/tasks", srv.handleGetTaskMatches)

		r.Get("/audit", srv.handleGetAudit)
	})

	return r
}
