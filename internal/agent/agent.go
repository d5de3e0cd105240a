// Package agent contains the run Supervisor: the orchestrator that wires the
// Trigger Source, the Process-Group Manager (and the Target Matcher / Task
// Recognizer it carries), the Metric Collector, and the event sinks into the
// spec's three-task concurrency model (trigger-source loop, metric-poll
// loop, run supervisor), and exposes the daemon's RPC control surface
// (internal/rpc.Core).
//
// The lifecycle shape — functional options for optional components,
// mutex-guarded running state, a cancellable root context, a WaitGroup for
// background goroutines, and a JSON /healthz handler — is carried over
// directly from the teacher's Agent orchestrator; what changes is which
// components get wired together and what they do once started.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracer-cloud/tracer-agent/internal/audit"
	"github.com/tracer-cloud/tracer-agent/internal/config"
	"github.com/tracer-cloud/tracer-agent/internal/events"
	"github.com/tracer-cloud/tracer-agent/internal/metrics"
	"github.com/tracer-cloud/tracer-agent/internal/pipeline"
	"github.com/tracer-cloud/tracer-agent/internal/procmanager"
	"github.com/tracer-cloud/tracer-agent/internal/rpc"
	"github.com/tracer-cloud/tracer-agent/internal/sink/fanout"
	"github.com/tracer-cloud/tracer-agent/internal/target"
	"github.com/tracer-cloud/tracer-agent/internal/trigger"
)

// TriggerSource is the subset of trigger.Source the Supervisor depends on.
// Defined locally (rather than importing trigger.Source directly into the
// option signatures) so tests can supply a fake without constructing a real
// kernel-probe or poll backend.
type TriggerSource interface {
	Start(ctx context.Context) error
	Stop()
	Triggers() <-chan trigger.Trigger
}

// ProcessManager is the subset of *procmanager.Manager the Supervisor
// depends on, satisfied by trigger.Handler's signature and by PollMetrics.
type ProcessManager interface {
	HandleBatch(ctx context.Context, b trigger.Batch) error
	PollMetrics(ctx context.Context) error
	GetMonitored() []string
	GetMatchedTasks() []string
}

// Agent is the run Supervisor. It owns the event-producing components'
// lifecycle and implements rpc.Core so a daemon's RPC server can be
// registered directly against it.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	manager   ProcessManager
	collector *metrics.Collector
	source    TriggerSource
	sink      events.Sink
	auditLog  *audit.Logger

	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.RWMutex
	running bool

	runMu     sync.RWMutex
	runID     string
	runName   string
	runStart  time.Time
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithProcessManager overrides the default Process-Group Manager built from
// cfg.Targets/cfg.Excludes/cfg.PipelineSpecPath. Intended for tests.
func WithProcessManager(m ProcessManager) Option {
	return func(a *Agent) { a.manager = m }
}

// WithMetricsCollector overrides the default Metric Collector. Intended for
// tests.
func WithMetricsCollector(c *metrics.Collector) Option {
	return func(a *Agent) { a.collector = c }
}

// WithTriggerSource overrides the default trigger.Select-chosen Source.
// Intended for tests.
func WithTriggerSource(s TriggerSource) Option {
	return func(a *Agent) { a.source = s }
}

// WithSink overrides the default fanout sink (local queue plus, when
// configured, the remote collector).
func WithSink(s events.Sink) Option {
	return func(a *Agent) { a.sink = s }
}

// WithAuditLogger attaches an audit log that records the run-control actions
// (start_run, end_run, update_tags, alert) alongside the regular event stream.
func WithAuditLogger(l *audit.Logger) Option {
	return func(a *Agent) { a.auditLog = l }
}

// New creates a new Agent from the provided configuration and logger. Any
// component not supplied via an Option is built lazily from cfg on Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// buildManager constructs the Target Matcher, Task Recognizer, and
// Process-Group Manager from cfg when none was injected via
// WithProcessManager.
func (a *Agent) buildManager() (ProcessManager, error) {
	specData, err := os.ReadFile(a.cfg.PipelineSpecPath)
	if err != nil {
		return nil, fmt.Errorf("agent: read pipeline spec %q: %w", a.cfg.PipelineSpecPath, err)
	}
	spec, err := pipeline.ParseSpec(specData)
	if err != nil {
		return nil, fmt.Errorf("agent: parse pipeline spec: %w", err)
	}
	recognizer := pipeline.NewRecognizer(spec)

	matcher := target.Matcher{Includes: a.cfg.Targets, Excludes: a.cfg.Excludes}

	return procmanager.New(matcher, recognizer, a.sink, a.logger), nil
}

// Start initialises and starts the trigger-source loop and the metric-poll
// loop using the provided context. It returns a non-nil error if any
// component fails to initialise. On success, background goroutines run
// until Stop is called or ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting tracer agent",
		slog.String("pipeline_spec_path", a.cfg.PipelineSpecPath),
		slog.Int("num_targets", len(a.cfg.Targets)),
		slog.String("log_level", a.cfg.LogLevel),
	)

	if a.sink == nil {
		a.sink = fanout.New(a.logger)
	}

	if a.manager == nil {
		m, err := a.buildManager()
		if err != nil {
			a.failStart(cancel)
			return err
		}
		a.manager = m
	}

	if a.collector == nil {
		interval := time.Duration(a.cfg.ProcessPollingIntervalMS) * time.Millisecond
		a.collector = metrics.New(interval, a.manager, a.sink, a.logger)
	}
	if err := a.collector.Start(ctx); err != nil {
		a.failStart(cancel)
		return fmt.Errorf("agent: metric collector failed to start: %w", err)
	}

	if a.source == nil {
		a.source = trigger.Select(ctx, trigger.DefaultActivationPolicy(), a.logger)
	}
	if err := a.source.Start(ctx); err != nil {
		a.collector.Stop()
		a.failStart(cancel)
		return fmt.Errorf("agent: trigger source failed to start: %w", err)
	}

	a.wg.Add(1)
	go a.runTriggerLoop(ctx)

	a.logger.Info("tracer agent started")
	return nil
}

func (a *Agent) failStart(cancel context.CancelFunc) {
	cancel()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// runTriggerLoop drives the Trigger Source through the Process-Group
// Manager until ctx is cancelled or the source closes.
func (a *Agent) runTriggerLoop(ctx context.Context) {
	defer a.wg.Done()
	if err := trigger.Run(ctx, a.source, a.manager.HandleBatch); err != nil {
		a.logger.Error("trigger loop exited with error", slog.Any("error", err))
	}
}

// Stop signals all components to shut down and waits for internal
// goroutines to exit. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	if a.source != nil {
		a.source.Stop()
	}
	if a.collector != nil {
		a.collector.Stop()
	}

	a.wg.Wait()

	if a.auditLog != nil {
		if err := a.auditLog.Close(); err != nil {
			a.logger.Warn("error closing audit log", slog.Any("error", err))
		}
	}

	a.logger.Info("tracer agent stopped")
}

// --------------------------------------------------------------------------
// rpc.Core
// --------------------------------------------------------------------------

var _ rpc.Core = (*Agent)(nil)

// StartRun implements rpc.Core. It returns (nil, nil) when a run is already
// active (spec §6 "or null when a run is already active").
func (a *Agent) StartRun(ctx context.Context, timestamp *time.Time) (*rpc.StartRunResponse, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.runID != "" {
		return nil, nil
	}

	ts := time.Now()
	if timestamp != nil {
		ts = *timestamp
	}

	a.runID = uuid.NewString()
	a.runName = runNameFromTimestamp(a.cfg.PipelineName, ts)
	a.runStart = ts

	a.emitRunEvent(events.KindNewRun, events.RunAttributes{
		RunID:        a.runID,
		RunName:      a.runName,
		PipelineName: a.cfg.PipelineName,
		StartedAt:    ts,
	})
	a.appendAudit(a.runID, audit.EventStartRun, map[string]any{"run_name": a.runName})

	return &rpc.StartRunResponse{RunName: a.runName, RunID: a.runID}, nil
}

// EndRun implements rpc.Core.
func (a *Agent) EndRun(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.runID == "" {
		return nil
	}

	ended := time.Now()
	a.emitRunEvent(events.KindFinishedRun, events.RunAttributes{
		RunID:        a.runID,
		RunName:      a.runName,
		PipelineName: a.cfg.PipelineName,
		StartedAt:    a.runStart,
		EndedAt:      ended,
	})
	a.appendAudit(a.runID, audit.EventEndRun, map[string]any{"run_name": a.runName})

	a.runID = ""
	a.runName = ""
	a.runStart = time.Time{}
	return nil
}

// CurrentRunID returns the ID of the active run, or "" when no run is
// active. Safe for concurrent use; intended for wiring into sinks that tag
// outgoing events with the active run (see internal/sink/remote.Config.RunID).
func (a *Agent) CurrentRunID() string {
	a.runMu.RLock()
	defer a.runMu.RUnlock()
	return a.runID
}

// Info implements rpc.Core.
func (a *Agent) Info(ctx context.Context) (*rpc.InfoResponse, error) {
	a.runMu.RLock()
	runID, runName, runStart := a.runID, a.runName, a.runStart
	a.runMu.RUnlock()

	resp := &rpc.InfoResponse{
		PipelineName: a.cfg.PipelineName,
		RunName:      runName,
		RunID:        runID,
		Preview:      []string{},
		MatchedTasks: []string{},
	}
	if !runStart.IsZero() {
		resp.RunTimeSeconds = time.Since(runStart).Seconds()
	}
	if a.manager != nil {
		resp.Preview = a.manager.GetMonitored()
		resp.MatchedTasks = a.manager.GetMatchedTasks()
		resp.WatchedProcessesCount = len(resp.Preview)
	}
	return resp, nil
}

// UpdateTags implements rpc.Core.
func (a *Agent) UpdateTags(ctx context.Context, names []string) error {
	a.appendAudit(a.CurrentRunID(), audit.EventUpdateTags, map[string]any{"names": names})
	a.logger.Info("tags updated", slog.Any("names", names))
	return nil
}

// Log implements rpc.Core.
func (a *Agent) Log(ctx context.Context, message string) error {
	a.emitRunEvent(events.KindRunStatusMessage, nil, message)
	return nil
}

// Alert implements rpc.Core.
func (a *Agent) Alert(ctx context.Context, message string) error {
	a.emitRunEvent(events.KindAlert, nil, message)
	a.appendAudit(a.CurrentRunID(), audit.EventAlert, map[string]any{"message": message})
	return nil
}

// emitRunEvent builds and delivers an events.Event to the configured sink.
// message is optional; attrs is the Attributes payload (may be nil).
func (a *Agent) emitRunEvent(kind events.Kind, attrs any, message ...string) {
	if a.sink == nil {
		return
	}
	evt := events.Event{
		Timestamp:  time.Now(),
		Kind:       kind,
		Attributes: attrs,
	}
	if len(message) > 0 {
		evt.Message = message[0]
	}
	if err := a.sink.Emit(evt); err != nil {
		a.logger.Warn("failed to emit event", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

// appendAudit records payload against runID in the audit log, when one is
// configured. runID is empty for events that occur outside any run (e.g.
// UpdateTags/Alert called with no active run).
func (a *Agent) appendAudit(runID string, kind audit.EventKind, payload map[string]any) {
	if a.auditLog == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.Warn("failed to marshal audit payload", slog.Any("error", err))
		return
	}
	if _, err := a.auditLog.Append(runID, kind, body); err != nil {
		a.logger.Warn("failed to append audit entry", slog.Any("error", err))
	}
}

func runNameFromTimestamp(pipelineName string, ts time.Time) string {
	if pipelineName == "" {
		pipelineName = "run"
	}
	return fmt.Sprintf("%s-%s", pipelineName, ts.UTC().Format("20060102-150405"))
}

// --------------------------------------------------------------------------
// Health
// --------------------------------------------------------------------------

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status             string `json:"status"`
	UptimeS            float64 `json:"uptime_s"`
	MonitoredProcesses int     `json:"monitored_processes"`
	RunActive          bool    `json:"run_active"`
	RunID              string  `json:"run_id,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	startTime := a.startTime
	a.mu.RUnlock()

	a.runMu.RLock()
	runID := a.runID
	a.runMu.RUnlock()

	h := HealthStatus{
		Status:    "ok",
		UptimeS:   time.Since(startTime).Seconds(),
		RunActive: runID != "",
		RunID:     runID,
	}
	if a.manager != nil {
		h.MonitoredProcesses = len(a.manager.GetMonitored())
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's
// health status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
