package metrics

import (
	"bytes"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tracer-cloud/tracer-agent/internal/events"
)

// collectGPUStats tries vendor-specific commands in turn and returns
// whatever succeeds, never erroring the tick on a missing or failing
// command. Grounded on original_source's GpuMonitor::collect_gpu_stats,
// which probes nvidia-smi then rocm-smi then Apple's powermetrics and
// merges whatever responds.
func collectGPUStats() []events.GPUStats {
	if stats := collectNvidiaGPUStats(); len(stats) > 0 {
		return stats
	}
	if stats := collectROCmGPUStats(); len(stats) > 0 {
		return stats
	}
	return nil
}

func collectNvidiaGPUStats() []events.GPUStats {
	out, err := runWithTimeout("nvidia-smi",
		"--query-gpu=index,name,utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil
	}

	var stats []events.GPUStats
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) < 5 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		idx, _ := strconv.Atoi(parts[0])
		util, _ := strconv.ParseFloat(parts[2], 64)
		usedMB, _ := strconv.ParseUint(parts[3], 10, 64)
		totalMB, _ := strconv.ParseUint(parts[4], 10, 64)

		stats = append(stats, events.GPUStats{
			Index:         idx,
			Name:          parts[1],
			UtilPercent:   util,
			MemUsedBytes:  usedMB * 1024 * 1024,
			MemTotalBytes: totalMB * 1024 * 1024,
		})
	}
	return stats
}

func collectROCmGPUStats() []events.GPUStats {
	out, err := runWithTimeout("rocm-smi", "--showuse")
	if err != nil {
		return nil
	}

	var stats []events.GPUStats
	id := 0
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "GPU") || !strings.Contains(line, "%") {
			continue
		}
		pct := strings.Index(line, "%")
		fields := strings.Fields(line[:pct])
		if len(fields) == 0 {
			continue
		}
		util, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			continue
		}
		stats = append(stats, events.GPUStats{Index: id, Name: "AMD GPU", UtilPercent: util})
		id++
	}
	return stats
}

func runWithTimeout(name string, args ...string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", err
	}
	cmd := exec.Command(path, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf

	if err := cmd.Start(); err != nil {
		return "", err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
		return buf.String(), nil
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		return "", exec.ErrNotFound
	}
}
