package trigger

import (
	"context"
	"log/slog"
	"time"
)

// ActivationPolicy decides when the kernel-probe backend is attempted
// versus falling back straight to polling (spec §9 open question (b): "the
// teacher's and the original's hard floor of a single fixed kernel version
// is replaced with a version range plus a fallback", since fixed
// version-gating on 5.15 would needlessly avoid the kernel-probe path on
// newer distributions that still carry the NETLINK_CONNECTOR +
// tracepoints it needs).
type ActivationPolicy struct {
	// MinMajor/MinMinor is the lowest kernel version the kernel-probe
	// backend is attempted on. Below this, Select never tries it.
	MinMajor, MinMinor int
	// MaxMajor/MaxMinor, when non-zero, is the highest kernel version the
	// kernel-probe backend is attempted on. Zero means no ceiling.
	MaxMajor, MaxMinor int
	// PollInterval configures the fallback TablePoller.
	PollInterval time.Duration
}

// DefaultActivationPolicy requires at least Linux 3.3 (when
// NETLINK_CONNECTOR process events + the exit-tracking fields this package
// relies on were stabilised) with no ceiling.
func DefaultActivationPolicy() ActivationPolicy {
	return ActivationPolicy{MinMajor: 3, MinMinor: 3, PollInterval: time.Second}
}

// inRange reports whether (major, minor) falls within the policy's
// [Min, Max] bounds. A zero Max means unbounded above.
func (p ActivationPolicy) inRange(major, minor int) bool {
	if major < p.MinMajor || (major == p.MinMajor && minor < p.MinMinor) {
		return false
	}
	if p.MaxMajor == 0 && p.MaxMinor == 0 {
		return true
	}
	if major > p.MaxMajor || (major == p.MaxMajor && minor > p.MaxMinor) {
		return false
	}
	return true
}

// Select builds the process-start/exit Source appropriate for the running
// host: the kernel-probe backend when the kernel version satisfies policy
// and the probe initialises successfully, the polling fallback otherwise.
// OOM detection, when available (newOOMSourceIfSupported returns a non-nil
// Source, i.e. on Linux), is merged in
// alongside either backend — OOM visibility does not depend on which
// exec/exit backend is active.
//
// Select probes and starts the exec/exit backend itself in order to decide
// between it and the fallback, so the returned Source may already be
// running. Calling Start on the result is still required (to bring up the
// OOM side) and is safe — every Source's Start is idempotent.
func Select(ctx context.Context, policy ActivationPolicy, logger *slog.Logger) Source {
	if logger == nil {
		logger = slog.Default()
	}

	primary := selectExecExitSource(ctx, policy, logger)

	if oom := newOOMSourceIfSupported(logger); oom != nil {
		return Merge(primary, oom)
	}
	return primary
}

func selectExecExitSource(ctx context.Context, policy ActivationPolicy, logger *slog.Logger) Source {
	major, minor, ok := hostKernelVersion()
	if ok && policy.inRange(major, minor) {
		probe := NewKernelProbeSource(logger)
		if err := probe.Start(ctx); err == nil {
			logger.Info("trigger source: using kernel-probe backend",
				slog.Int("kernel_major", major), slog.Int("kernel_minor", minor))
			return probe
		}
		logger.Warn("trigger source: kernel-probe backend unavailable, falling back to polling")
	}

	poller := NewTablePoller(policy.PollInterval, logger)
	_ = poller.Start(ctx)
	logger.Info("trigger source: using polling backend")
	return poller
}
