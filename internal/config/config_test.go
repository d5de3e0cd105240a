package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tracer-cloud/tracer-agent/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
pipeline_spec_path: "/etc/tracer/pipeline.yaml"
targets:
  - match:
      process_name_is: fastqc
    display_name: fastqc
  - match:
      command_contains: "bwa mem"
    display_name: bwa-mem
    force_ancestor_to_match: false
excludes:
  - process_name_is: bash
process_polling_interval_ms: 5000
collector_endpoint: "https://collector.example.com/api/v1/events"
local_queue_path: "/var/lib/tracer/queue.db"
audit_log_path: "/var/lib/tracer/audit.log"
rpc_listen_addr: "127.0.0.1:9191"
log_level: debug
pipeline_name: "nf-core-rnaseq"
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PipelineSpecPath != "/etc/tracer/pipeline.yaml" {
		t.Errorf("PipelineSpecPath = %q", cfg.PipelineSpecPath)
	}
	if len(cfg.Targets) != 2 {
		t.Fatalf("len(Targets) = %d, want 2", len(cfg.Targets))
	}
	if cfg.Targets[0].DisplayName != "fastqc" {
		t.Errorf("Targets[0].DisplayName = %q", cfg.Targets[0].DisplayName)
	}
	if !cfg.Targets[0].ForceAncestorToMatch {
		t.Errorf("Targets[0].ForceAncestorToMatch = false, want true (default)")
	}
	if cfg.Targets[1].ForceAncestorToMatch {
		t.Errorf("Targets[1].ForceAncestorToMatch = true, want false (explicit)")
	}
	if len(cfg.Excludes) != 1 {
		t.Fatalf("len(Excludes) = %d, want 1", len(cfg.Excludes))
	}
	if cfg.ProcessPollingIntervalMS != 5000 {
		t.Errorf("ProcessPollingIntervalMS = %d, want 5000", cfg.ProcessPollingIntervalMS)
	}
	if cfg.CollectorEndpoint != "https://collector.example.com/api/v1/events" {
		t.Errorf("CollectorEndpoint = %q", cfg.CollectorEndpoint)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.PipelineName != "nf-core-rnaseq" {
		t.Errorf("PipelineName = %q", cfg.PipelineName)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
pipeline_spec_path: "/etc/tracer/pipeline.yaml"
targets:
  - match:
      process_name_is: fastqc
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.ProcessPollingIntervalMS != 10_000 {
		t.Errorf("default ProcessPollingIntervalMS = %d, want 10000", cfg.ProcessPollingIntervalMS)
	}
	if cfg.LocalQueuePath != "tracer-agent.queue.db" {
		t.Errorf("default LocalQueuePath = %q", cfg.LocalQueuePath)
	}
	if cfg.AuditLogPath != "tracer-agent.audit.log" {
		t.Errorf("default AuditLogPath = %q", cfg.AuditLogPath)
	}
	if cfg.RPCListenAddr != "127.0.0.1:9090" {
		t.Errorf("default RPCListenAddr = %q", cfg.RPCListenAddr)
	}
}

func TestLoadConfig_MissingPipelineSpecPath(t *testing.T) {
	yaml := `
targets:
  - match:
      process_name_is: fastqc
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing pipeline_spec_path, got nil")
	}
	if !strings.Contains(err.Error(), "pipeline_spec_path") {
		t.Errorf("error %q does not mention pipeline_spec_path", err.Error())
	}
}

func TestLoadConfig_MissingTargets(t *testing.T) {
	yaml := `
pipeline_spec_path: "/etc/tracer/pipeline.yaml"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing targets, got nil")
	}
	if !strings.Contains(err.Error(), "targets") {
		t.Errorf("error %q does not mention targets", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
pipeline_spec_path: "/etc/tracer/pipeline.yaml"
targets:
  - match:
      process_name_is: fastqc
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_NegativePollingInterval(t *testing.T) {
	yaml := `
pipeline_spec_path: "/etc/tracer/pipeline.yaml"
targets:
  - match:
      process_name_is: fastqc
process_polling_interval_ms: -1
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for negative process_polling_interval_ms, got nil")
	}
	if !strings.Contains(err.Error(), "process_polling_interval_ms") {
		t.Errorf("error %q does not mention process_polling_interval_ms", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfig_TargetsUnmarshalledCorrectly(t *testing.T) {
	yaml := `
pipeline_spec_path: "/etc/tracer/pipeline.yaml"
targets:
  - match:
      and:
        - process_name_is: bwa
        - first_arg_is: mem
    display_name: bwa-mem
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Targets) != 1 {
		t.Fatalf("len(Targets) = %d, want 1", len(cfg.Targets))
	}
	if cfg.Targets[0].DisplayName != "bwa-mem" {
		t.Errorf("Targets[0].DisplayName = %q", cfg.Targets[0].DisplayName)
	}
}
