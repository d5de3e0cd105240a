// Package config provides YAML configuration loading and validation for the
// process observation agent.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tracer-cloud/tracer-agent/internal/target"
)

// Config is the top-level configuration structure for the agent daemon.
type Config struct {
	// PipelineSpecPath is the filesystem path to the pipeline specification
	// YAML consumed by pipeline.ParseSpec to build the Task Recognizer
	// (spec §6 "Pipeline specification"). Required.
	PipelineSpecPath string `yaml:"pipeline_spec_path"`

	// Targets is the ordered include list the Target Matcher tests a
	// process against (spec §4.2). Required, non-empty.
	Targets []target.Target `yaml:"targets"`

	// Excludes is the exclude list that vetoes any match regardless of
	// Targets (spec §4.2 step 1).
	Excludes []target.MatchType `yaml:"excludes,omitempty"`

	// ProcessPollingIntervalMS is the Metric Collector's tick interval in
	// milliseconds (spec §4.5). Defaults to 10000 (10s) when zero.
	ProcessPollingIntervalMS int `yaml:"process_polling_interval_ms"`

	// CollectorEndpoint is the remote collector's event-ingestion URL
	// (internal/sink/remote), e.g. "https://collector.example.com/api/v1/events".
	// Leave empty to run with only the local queue sink.
	CollectorEndpoint string `yaml:"collector_endpoint,omitempty"`

	// LocalQueuePath is the filesystem path to the SQLite-backed local
	// event queue (internal/sink/localqueue). Defaults to
	// "tracer-agent.queue.db" when omitted.
	LocalQueuePath string `yaml:"local_queue_path,omitempty"`

	// AuditLogPath is the filesystem path to the hash-chained audit log
	// (internal/audit). Defaults to "tracer-agent.audit.log" when omitted.
	AuditLogPath string `yaml:"audit_log_path,omitempty"`

	// RPCListenAddr is the listen address for the daemon↔CLI control
	// surface (internal/rpc), a TCP host:port such as "127.0.0.1:9090".
	// Defaults to "127.0.0.1:9090" when omitted.
	RPCListenAddr string `yaml:"rpc_listen_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// PipelineName is a human-readable identifier surfaced via the info
	// RPC (spec §6 "info()"). No default is applied: when omitted, info
	// reports an empty pipeline name.
	PipelineName string `yaml:"pipeline_name,omitempty"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

const (
	defaultProcessPollingIntervalMS = 10_000
	defaultLocalQueuePath           = "tracer-agent.queue.db"
	defaultAuditLogPath             = "tracer-agent.audit.log"
	defaultRPCListenAddr            = "127.0.0.1:9090"
)

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. On validation failure the
// returned error joins every failure found (errors.Join).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ProcessPollingIntervalMS == 0 {
		cfg.ProcessPollingIntervalMS = defaultProcessPollingIntervalMS
	}
	if cfg.LocalQueuePath == "" {
		cfg.LocalQueuePath = defaultLocalQueuePath
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = defaultAuditLogPath
	}
	if cfg.RPCListenAddr == "" {
		cfg.RPCListenAddr = defaultRPCListenAddr
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.PipelineSpecPath == "" {
		errs = append(errs, errors.New("pipeline_spec_path is required"))
	}
	if len(cfg.Targets) == 0 {
		errs = append(errs, errors.New("targets must contain at least one entry"))
	}
	if cfg.ProcessPollingIntervalMS <= 0 {
		errs = append(errs, errors.New("process_polling_interval_ms must be positive"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
