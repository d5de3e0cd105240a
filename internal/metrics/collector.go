// Package metrics implements the Metric Collector (spec §4.5): a periodic
// tick that refreshes monitored-process counters (via the Process-Group
// Manager) and separately emits host-wide SystemProperties.
//
// The ticker-loop shape is grounded on the teacher's
// internal/agent/network_watcher.go poll loop; host metrics collection is
// new, built on github.com/shirou/gopsutil/v3's cpu/mem/disk/host
// subpackages (the same dependency family the teacher already uses for
// /proc reads), enriched with AWS instance metadata from a pluggable
// AWSMetadata resolver. The default resolver reports no cloud context; the
// package itself performs no IMDS or DMI lookup.
package metrics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tracer-cloud/tracer-agent/internal/events"
)

// ProcessPoller is invoked once per tick before host metrics are collected
// (spec §4.5 "Invokes poll_metrics() on the Process-Group Manager").
type ProcessPoller interface {
	PollMetrics(ctx context.Context) error
}

// AWSMetadata resolves best-effort cloud instance metadata. Implementations
// must return quickly (spec §4.5 "best-effort") — the default
// (noAWSMetadata) returns empty strings and reads nothing.
type AWSMetadata interface {
	InstanceType() string
	Region() string
}

// noAWSMetadata is the default: no cloud context available.
type noAWSMetadata struct{}

func (noAWSMetadata) InstanceType() string { return "" }
func (noAWSMetadata) Region() string       { return "" }

// Collector is the Metric Collector (spec §4.5).
type Collector struct {
	interval time.Duration
	poller   ProcessPoller
	sink     events.Sink
	aws      AWSMetadata
	logger   *slog.Logger

	prevDisk map[string]disk.IOCountersStat

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// New constructs a Collector. If logger is nil, slog.Default() is used. If
// interval is zero, a 10-second default is used.
func New(interval time.Duration, poller ProcessPoller, sink events.Sink, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		interval: interval,
		poller:   poller,
		sink:     sink,
		aws:      noAWSMetadata{},
		logger:   logger,
		prevDisk: map[string]disk.IOCountersStat{},
	}
}

// WithAWSMetadata overrides the default no-op AWS metadata resolver.
func (c *Collector) WithAWSMetadata(a AWSMetadata) *Collector {
	c.aws = a
	return c
}

// Start begins the periodic tick loop (spec §5 "Metric-poll loop"). Calling
// Start on an already-running Collector is a no-op.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop signals the tick loop to exit and waits for it to finish. Idempotent.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
	})
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Collector) tick(ctx context.Context) {
	if err := c.poller.PollMetrics(ctx); err != nil {
		c.logger.Warn("metrics: poll_metrics failed", slog.Any("error", err))
	}

	props, err := c.systemProperties()
	if err != nil {
		c.logger.Warn("metrics: system properties collection failed", slog.Any("error", err))
		return
	}
	if c.sink == nil {
		return
	}
	if err := c.sink.Emit(events.Event{
		Timestamp:  time.Now().UTC(),
		Kind:       events.KindSystemProperties,
		Attributes: props,
	}); err != nil {
		c.logger.Warn("metrics: sink emit failed", slog.Any("error", err))
	}
}

func (c *Collector) systemProperties() (events.SystemProperties, error) {
	props := events.SystemProperties{
		Arch:     runtime.GOARCH,
		NumCPUs:  runtime.NumCPU(),
		Hostname: hostname(),
	}

	if info, err := host.Info(); err == nil {
		props.OS = info.OS
		props.KernelVersion = info.KernelVersion
		if props.Hostname == "" {
			props.Hostname = info.Hostname
		}
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		props.CPUUsagePercent = pct[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		props.MemoryUsedBytes = vm.Used
		props.MemoryFreeBytes = vm.Free
	}
	if sw, err := mem.SwapMemory(); err == nil {
		props.SwapUsedBytes = sw.Used
	}

	if counters, err := disk.IOCounters(); err == nil {
		props.DiskTotals = make(map[string]events.DiskCounters, len(counters))
		for name, cur := range counters {
			dc := events.DiskCounters{ReadBytesTotal: cur.ReadBytes, WriteBytesTotal: cur.WriteBytes}
			if prev, ok := c.prevDisk[name]; ok {
				dc.ReadBytesDelta = saturatingSub(cur.ReadBytes, prev.ReadBytes)
				dc.WriteBytesDelta = saturatingSub(cur.WriteBytes, prev.WriteBytes)
			}
			props.DiskTotals[name] = dc
			c.prevDisk[name] = cur
		}
	}

	props.AWSInstanceType = c.aws.InstanceType()
	props.AWSRegion = c.aws.Region()

	props.GPU = collectGPUStats()

	return props, nil
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
