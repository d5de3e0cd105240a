// Package events defines the wire-level event model streamed from the
// process observation core to a downstream sink (the remote collector).
//
// Event mirrors the tagged-variant shape the teacher's agent.AlertEvent used
// for file/network/process tripwires, generalised to the attribute payloads
// the pipeline observation engine emits: process lifecycle, metrics, task
// matches, and run bookkeeping.
package events

import "time"

// Kind identifies which of the tagged Event variants a given Event carries.
type Kind string

const (
	// KindNewRun marks the start of an observation run.
	KindNewRun Kind = "NEW_RUN"
	// KindFinishedRun marks the end of an observation run.
	KindFinishedRun Kind = "FINISHED_RUN"
	// KindToolExecution is emitted when a process is first observed
	// (matched directly or via ancestor) and begins being monitored.
	KindToolExecution Kind = "TOOL_EXECUTION"
	// KindToolMetricEvent is emitted on each metrics-poll tick for every
	// monitored process.
	KindToolMetricEvent Kind = "TOOL_METRIC_EVENT"
	// KindFinishedToolExecution is emitted when a monitored process exits.
	KindFinishedToolExecution Kind = "FINISHED_TOOL_EXECUTION"
	// KindAlert carries an operator-visible alert message.
	KindAlert Kind = "ALERT"
	// KindRunStatusMessage carries a free-form status line about the run.
	KindRunStatusMessage Kind = "RUN_STATUS_MESSAGE"
	// KindSystemProperties is emitted by the Metric Collector with
	// host-wide system information.
	KindSystemProperties Kind = "SYSTEM_PROPERTIES"
	// KindTaskMatch is emitted by the Task Recognizer whenever a task's
	// rule coverage crosses the match threshold (partial or terminal).
	KindTaskMatch Kind = "TASK_MATCH"
)

// ProcessStatus categorises an Event for consumers that only care about the
// coarse lifecycle phase, independent of Kind.
type ProcessStatus string

const (
	StatusNone      ProcessStatus = ""
	StatusRunning   ProcessStatus = "running"
	StatusFinished  ProcessStatus = "finished"
	StatusShortLive ProcessStatus = "short_lived"
)

// Event is the single type streamed to a Sink. Attributes holds exactly one
// of the payload types below, selected by Kind.
type Event struct {
	Timestamp     time.Time     `json:"timestamp"`
	Kind          Kind          `json:"kind"`
	ProcessStatus ProcessStatus `json:"process_status,omitempty"`
	Message       string        `json:"message,omitempty"`
	Attributes    any           `json:"attributes,omitempty"`
}

// FullProcessProperties is the attribute payload for KindToolExecution and
// KindToolMetricEvent — everything the Process-Group Manager knows about a
// monitored process after an OS-counter refresh (spec §4.3).
type FullProcessProperties struct {
	ToolName       string    `json:"tool_name"`
	ToolID         string    `json:"tool_id"`
	PID            int       `json:"pid"`
	PPID           int       `json:"ppid"`
	ExecutablePath string    `json:"executable_path"`
	Command        string    `json:"command"`
	StartTimestamp time.Time `json:"start_timestamp"`

	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	RuntimeMs       int64   `json:"runtime_ms"`

	DiskReadBytesTotal   uint64 `json:"disk_read_bytes_total"`
	DiskWriteBytesTotal  uint64 `json:"disk_write_bytes_total"`
	DiskReadBytesDelta   uint64 `json:"disk_read_bytes_delta"`
	DiskWriteBytesDelta  uint64 `json:"disk_write_bytes_delta"`
	RSSBytes             uint64 `json:"rss_bytes"`
	VirtualMemoryBytes   uint64 `json:"virtual_memory_bytes"`
	OSStatus             string `json:"os_status"`

	ContainerID      string `json:"container_id,omitempty"`
	JobID            string `json:"job_id,omitempty"`
	TraceID          string `json:"trace_id,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// ShortLivedProcessProperties is used instead of FullProcessProperties when
// a process's exit is observed before the OS snapshot could enrich it
// (spec §4.3, §8 "short-lived process").
type ShortLivedProcessProperties struct {
	ToolName       string    `json:"tool_name"`
	ToolID         string    `json:"tool_id"`
	PID            int       `json:"pid"`
	PPID           int       `json:"ppid"`
	Command        string    `json:"command"`
	StartTimestamp time.Time `json:"start_timestamp"`
}

// CompletedProcessProperties is the attribute payload for
// KindFinishedToolExecution.
type CompletedProcessProperties struct {
	ToolName     string        `json:"tool_name"`
	ToolID       string        `json:"tool_id"`
	PID          int           `json:"pid"`
	Command      string        `json:"command"`
	DurationMs   int64         `json:"duration_ms"`
	ExitReason   string        `json:"exit_reason"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// SystemProperties is the attribute payload for KindSystemProperties,
// emitted once per Metric Collector tick (spec §4.5).
type SystemProperties struct {
	OS              string  `json:"os"`
	KernelVersion   string  `json:"kernel_version"`
	Arch            string  `json:"arch"`
	Hostname        string  `json:"hostname"`
	NumCPUs         int     `json:"num_cpus"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	MemoryUsedBytes uint64  `json:"memory_used_bytes"`
	MemoryFreeBytes uint64  `json:"memory_free_bytes"`
	SwapUsedBytes   uint64  `json:"swap_used_bytes"`

	DiskTotals map[string]DiskCounters `json:"disk_totals,omitempty"`

	AWSInstanceType string `json:"aws_instance_type,omitempty"`
	AWSRegion       string `json:"aws_region,omitempty"`

	GPU []GPUStats `json:"gpu,omitempty"`
}

// DiskCounters holds cumulative and delta read/write totals for one disk.
type DiskCounters struct {
	ReadBytesTotal  uint64 `json:"read_bytes_total"`
	WriteBytesTotal uint64 `json:"write_bytes_total"`
	ReadBytesDelta  uint64 `json:"read_bytes_delta"`
	WriteBytesDelta uint64 `json:"write_bytes_delta"`
}

// GPUStats is a best-effort snapshot of one GPU device, collected via
// vendor-specific commands (e.g. nvidia-smi) when available.
type GPUStats struct {
	Index        int     `json:"index"`
	Name         string  `json:"name"`
	UtilPercent  float64 `json:"util_percent"`
	MemUsedBytes uint64  `json:"mem_used_bytes"`
	MemTotalBytes uint64 `json:"mem_total_bytes"`
}

// TaskMatchAttributes is the attribute payload for KindTaskMatch.
type TaskMatchAttributes struct {
	ID          string  `json:"id"`
	Description string  `json:"description,omitempty"`
	PIDs        []int   `json:"pids"`
	Score       float64 `json:"score"`
	Terminal    bool    `json:"terminal"`
}

// RunAttributes is the attribute payload for KindNewRun / KindFinishedRun.
type RunAttributes struct {
	RunID     string    `json:"run_id"`
	RunName   string    `json:"run_name"`
	PipelineName string `json:"pipeline_name,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Sink is implemented by anything that can durably accept a stream of
// Events produced by the core. It is the single seam between the
// observation engine (the subject of this spec) and everything downstream
// of it (local queue, remote collector) — which spec §1 treats as an
// external collaborator specified only at this interface.
type Sink interface {
	// Emit delivers evt to the sink. Implementations may block under
	// backpressure (spec §5); the core imposes no internal drop policy.
	Emit(evt Event) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(evt Event) error { return f(evt) }
