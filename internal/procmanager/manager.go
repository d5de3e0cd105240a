// Package procmanager implements the Process-Group Manager (spec §4.3):
// the central, single-writer component that holds the live process set,
// correlates OOM victims with their eventual exit, enriches matched
// processes with OS-level metrics, and drives the Task Recognizer.
//
// The single read/write-lock discipline and the "copy pid sets out, then
// refresh OS state on a blocking worker" pattern is grounded on the
// teacher's internal/agent.Agent — functional-options construction,
// mutex-guarded state, fan-in of trigger batches — generalised from
// "forward alerts" to "own and enrich the live process table". OS-level
// refresh is grounded on the teacher's reliance on
// github.com/shirou/gopsutil/v3 (internal/agent/network_watcher.go uses
// the same gopsutil family for /proc reads).
package procmanager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/tracer-cloud/tracer-agent/internal/events"
	"github.com/tracer-cloud/tracer-agent/internal/pipeline"
	"github.com/tracer-cloud/tracer-agent/internal/target"
	"github.com/tracer-cloud/tracer-agent/internal/trigger"
)

// traceIDEnvVars is the environment variable allow-list from spec §6.
var traceIDEnvVars = []string{"TRACER_TRACE_ID"}

const jobIDEnvVar = "AWS_BATCH_JOB_ID"

// process is the manager's internal process descriptor (spec §3 "Process
// descriptor"), immutable after creation except for the transient OS
// snapshot attached to it.
type process struct {
	pid       int
	ppid      int
	comm      string
	argv      []string
	exe       string
	startedAt time.Time
}

func (p process) toTargetProcess() target.Process {
	return target.Process{PID: p.pid, PPID: p.ppid, Comm: p.comm, Argv: p.argv, Exe: p.exe}
}

func (p process) toolID() string {
	return fmt.Sprintf("%d-%d", p.pid, p.startedAt.UnixNano())
}

// osSnapshot is the subset of gopsutil-derived counters the manager
// refreshes per interested pid.
type osSnapshot struct {
	cpuPercent      float64
	rssBytes        uint64
	vmsBytes        uint64
	diskReadTotal   uint64
	diskWriteTotal  uint64
	diskReadDelta   uint64
	diskWriteDelta  uint64
	status          string
	workingDir      string
	ok              bool
}

// OSReader refreshes OS-level counters for a set of pids. The default
// implementation is backed by gopsutil; tests inject a fake.
type OSReader interface {
	Snapshot(pids []int) map[int]osSnapshot
}

type gopsutilOSReader struct{}

func (gopsutilOSReader) Snapshot(pids []int) map[int]osSnapshot {
	out := make(map[int]osSnapshot, len(pids))
	for _, pid := range pids {
		p, err := gopsprocess.NewProcess(int32(pid))
		if err != nil {
			out[pid] = osSnapshot{ok: false}
			continue
		}
		snap := osSnapshot{ok: true}
		snap.cpuPercent, _ = p.CPUPercent()
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			snap.rssBytes, snap.vmsBytes = mem.RSS, mem.VMS
		}
		if io, err := p.IOCounters(); err == nil && io != nil {
			snap.diskReadTotal, snap.diskWriteTotal = io.ReadBytes, io.WriteBytes
		}
		if status, err := p.Status(); err == nil && len(status) > 0 {
			snap.status = status[0]
		}
		snap.workingDir, _ = p.Cwd()
		out[pid] = snap
	}
	return out
}

// Manager is the Process-Group Manager (spec §4.3). Construct with New.
type Manager struct {
	mu sync.RWMutex

	processes  map[int]process
	monitoring map[string]map[int]struct{} // target display name -> pid set
	targetOf   map[int]string              // pid -> target display name, inverse index
	oomVictims map[int]trigger.OOMRecord

	starts map[int]process // pid -> process, retained until ProcessEnd for duration calc

	matcher    target.Matcher
	recognizer *pipeline.Recognizer
	osReader   OSReader
	sink       events.Sink
	logger     *slog.Logger
}

// New constructs a Manager. If logger is nil, slog.Default() is used.
func New(matcher target.Matcher, recognizer *pipeline.Recognizer, sink events.Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		processes:  map[int]process{},
		monitoring: map[string]map[int]struct{}{},
		targetOf:   map[int]string{},
		oomVictims: map[int]trigger.OOMRecord{},
		starts:     map[int]process{},
		matcher:    matcher,
		recognizer: recognizer,
		osReader:   gopsutilOSReader{},
		sink:       sink,
		logger:     logger,
	}
}

// WithOSReader overrides the default gopsutil-backed reader. Intended for
// tests.
func (m *Manager) WithOSReader(r OSReader) *Manager {
	m.osReader = r
	return m
}

// lookup implements target.ProcessLookup against the manager's processes
// table, used by the matcher's ancestor walk.
type lookup struct{ m *Manager }

func (l lookup) Lookup(pid int) (target.Process, bool) {
	p, ok := l.m.processes[pid]
	if !ok {
		return target.Process{}, false
	}
	return p.toTargetProcess(), true
}

// HandleBatch dispatches a coalesced trigger.Batch to the appropriate
// handlers in the order spec §4.3 implies: starts, then OOM records, then
// ends (OOM correlation must see the victim's pid still live in
// `processes`, and should run before the matching End removes it — but an
// OOM record always precedes its own End trigger within one batch per spec
// §4.1 "Ordering", so starts first, OOM second, ends last preserves
// correctness for records arriving within the same coalesce window).
func (m *Manager) HandleBatch(ctx context.Context, b trigger.Batch) error {
	if err := m.handleStarts(ctx, b.Starts); err != nil {
		return err
	}
	m.handleOOM(b.OOMs)
	return m.handleEnds(b.Ends)
}

// handleStarts implements spec §4.3 "handle_starts".
func (m *Manager) handleStarts(ctx context.Context, starts []trigger.ProcessStart) error {
	if len(starts) == 0 {
		return nil
	}

	m.mu.Lock()
	type matched struct {
		proc       process
		tgt        target.Target
		ruleName   string
	}
	var interested []int
	var matches []matched

	for _, s := range starts {
		p := process{pid: s.PID, ppid: s.PPID, comm: s.Comm, argv: s.Argv, exe: s.Exe, startedAt: s.StartedAt}
		m.processes[s.PID] = p

		tgt, ok := m.matcher.Match(p.toTargetProcess(), lookup{m})
		if !ok {
			continue
		}

		already := map[int]struct{}{}
		for pid := range m.targetOf {
			already[pid] = struct{}{}
		}

		group := m.interestedGroup(p, already)
		interested = append(interested, group...)
		matches = append(matches, matched{proc: p, tgt: tgt, ruleName: tgt.Name(p.comm)})
	}
	m.mu.Unlock()

	if len(matches) == 0 {
		return nil
	}

	snapshot := m.osReader.Snapshot(dedupe(interested))

	m.mu.Lock()
	for _, mt := range matches {
		if m.monitoring[mt.tgt.Name(mt.proc.comm)] == nil {
			m.monitoring[mt.tgt.Name(mt.proc.comm)] = map[int]struct{}{}
		}
		m.monitoring[mt.tgt.Name(mt.proc.comm)][mt.proc.pid] = struct{}{}
		m.targetOf[mt.proc.pid] = mt.tgt.Name(mt.proc.comm)
		m.starts[mt.proc.pid] = mt.proc
	}
	m.mu.Unlock()

	for _, mt := range matches {
		snap, ok := snapshot[mt.proc.pid]
		if !ok || !snap.ok {
			m.emit(events.Event{
				Timestamp:     time.Now().UTC(),
				Kind:          events.KindToolExecution,
				ProcessStatus: events.StatusShortLive,
				Attributes:    m.shortLivedProperties(mt.proc),
			})
		} else {
			m.emit(events.Event{
				Timestamp:     time.Now().UTC(),
				Kind:          events.KindToolExecution,
				ProcessStatus: events.StatusRunning,
				Attributes:    m.fullProperties(mt.proc, snap),
			})
		}

		if match, ok := m.recognizer.Register(mt.proc.toTargetProcess(), mt.ruleName); ok {
			m.emit(events.Event{
				Timestamp: time.Now().UTC(),
				Kind:      events.KindTaskMatch,
				Attributes: events.TaskMatchAttributes{
					ID: match.ID, Description: match.Description,
					PIDs: match.PIDs, Score: match.Score, Terminal: match.Terminal,
				},
			})
		}
	}
	return nil
}

// interestedGroup builds the set of pids for which OS state must be
// refreshed: the matched process itself plus every ancestor already in
// `processes`, minus pids already monitored under any target (spec §4.3
// "Build the set of interested processes"). Caller holds m.mu.
func (m *Manager) interestedGroup(p process, alreadyMonitored map[int]struct{}) []int {
	group := []int{}
	if _, monitored := alreadyMonitored[p.pid]; !monitored {
		group = append(group, p.pid)
	}
	for _, anc := range target.Ancestors(p.toTargetProcess(), lookup{m}) {
		if _, monitored := alreadyMonitored[anc.PID]; monitored {
			continue
		}
		group = append(group, anc.PID)
	}
	return group
}

// handleEnds implements spec §4.3 "handle_ends".
func (m *Manager) handleEnds(ends []trigger.ProcessEnd) error {
	if len(ends) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range ends {
		reason := e.Reason
		if _, ok := m.oomVictims[e.PID]; ok {
			reason = trigger.ExitOutOfMemoryKilled
			delete(m.oomVictims, e.PID)
		}

		start, wasMonitored := m.starts[e.PID]
		tgtName, monitoredUnderTarget := m.targetOf[e.PID]

		delete(m.processes, e.PID)
		delete(m.starts, e.PID)

		if !monitoredUnderTarget {
			continue
		}
		delete(m.targetOf, e.PID)
		if set, ok := m.monitoring[tgtName]; ok {
			delete(set, e.PID)
		}

		if !wasMonitored {
			continue
		}

		m.emit(events.Event{
			Timestamp:     e.FinishedAt,
			Kind:          events.KindFinishedToolExecution,
			ProcessStatus: events.StatusFinished,
			Attributes: events.CompletedProcessProperties{
				ToolName:   start.comm,
				ToolID:     start.toolID(),
				PID:        e.PID,
				Command:    strings.Join(start.argv, " "),
				DurationMs: e.FinishedAt.Sub(start.startedAt).Milliseconds(),
				ExitReason: reason.String(),
				FinishedAt: e.FinishedAt,
			},
		})
	}
	return nil
}

// handleOOM implements spec §4.3 "handle_oom".
func (m *Manager) handleOOM(records []trigger.OOMRecord) {
	if len(records) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if _, knownDirectly := m.processes[r.PID]; knownDirectly {
			m.oomVictims[r.PID] = r
			continue
		}
		if m.isParentOfKnownProcess(r.PID) {
			m.oomVictims[r.PID] = r
		}
		// else: discard — no known descendant, not a process we're tracking.
	}
}

func (m *Manager) isParentOfKnownProcess(pid int) bool {
	for _, p := range m.processes {
		if p.ppid == pid {
			return true
		}
	}
	return false
}

// PollMetrics implements spec §4.3 "poll_metrics".
func (m *Manager) PollMetrics(ctx context.Context) error {
	m.mu.RLock()
	var pids []int
	snapProcs := map[int]process{}
	for _, set := range m.monitoring {
		for pid := range set {
			pids = append(pids, pid)
			snapProcs[pid] = m.processes[pid]
		}
	}
	m.mu.RUnlock()

	if len(pids) == 0 {
		return nil
	}

	snapshot := m.osReader.Snapshot(pids)

	for pid, p := range snapProcs {
		snap, ok := snapshot[pid]
		if !ok || !snap.ok {
			continue // vanished since refresh; handle_ends will finalize it
		}
		m.emit(events.Event{
			Timestamp:     time.Now().UTC(),
			Kind:          events.KindToolMetricEvent,
			ProcessStatus: events.StatusRunning,
			Attributes:    m.fullProperties(p, snap),
		})
	}
	return nil
}

// GetMonitored implements spec §4.3 "get_monitored" (read-only, for the
// info RPC endpoint).
func (m *Manager) GetMonitored() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.monitoring))
	for name, set := range m.monitoring {
		if len(set) > 0 {
			out = append(out, name)
		}
	}
	return out
}

// GetMatchedTasks implements spec §4.3 "get_matched_tasks".
func (m *Manager) GetMatchedTasks() []string {
	return m.recognizer.MatchedTaskIDs()
}

func (m *Manager) emit(evt events.Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Emit(evt); err != nil {
		m.logger.Warn("procmanager: sink emit failed", slog.Any("error", err))
	}
}

var containerIDFromCgroup = regexp.MustCompile(`[0-9a-f]{64}|docker-([0-9a-f]+)\.scope`)

// containerID extracts a container id from /proc/<pid>/cgroup by scanning
// for a 64-hex segment or a docker-<id>.scope slice (spec §4.3
// "FullProcessProperties").
func containerID(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return ""
	}
	if m := containerIDFromCgroup.FindStringSubmatch(string(data)); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[0]
	}
	return ""
}

func traceID(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return ""
	}
	env := strings.Split(string(data), "\x00")
	for _, name := range traceIDEnvVars {
		prefix := name + "="
		for _, kv := range env {
			if strings.HasPrefix(kv, prefix) {
				return strings.TrimPrefix(kv, prefix)
			}
		}
	}
	return ""
}

func jobID(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return ""
	}
	prefix := jobIDEnvVar + "="
	for _, kv := range strings.Split(string(data), "\x00") {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}

func (m *Manager) fullProperties(p process, snap osSnapshot) events.FullProcessProperties {
	return events.FullProcessProperties{
		ToolName:           p.comm,
		ToolID:             p.toolID(),
		PID:                p.pid,
		PPID:               p.ppid,
		ExecutablePath:     p.exe,
		Command:            strings.Join(p.argv, " "),
		StartTimestamp:     p.startedAt,
		CPUUsagePercent:    snap.cpuPercent,
		RuntimeMs:          time.Since(p.startedAt).Milliseconds(),
		DiskReadBytesTotal: snap.diskReadTotal,
		DiskWriteBytesTotal: snap.diskWriteTotal,
		DiskReadBytesDelta: snap.diskReadDelta,
		DiskWriteBytesDelta: snap.diskWriteDelta,
		RSSBytes:           snap.rssBytes,
		VirtualMemoryBytes: snap.vmsBytes,
		OSStatus:           snap.status,
		ContainerID:        containerID(p.pid),
		JobID:              jobID(p.pid),
		TraceID:            traceID(p.pid),
		WorkingDirectory:   snap.workingDir,
	}
}

func (m *Manager) shortLivedProperties(p process) events.ShortLivedProcessProperties {
	return events.ShortLivedProcessProperties{
		ToolName:       p.comm,
		ToolID:         p.toolID(),
		PID:            p.pid,
		PPID:           p.ppid,
		Command:        strings.Join(p.argv, " "),
		StartTimestamp: p.startedAt,
	}
}

func dedupe(pids []int) []int {
	seen := map[int]struct{}{}
	out := make([]int, 0, len(pids))
	for _, pid := range pids {
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}
	return out
}
