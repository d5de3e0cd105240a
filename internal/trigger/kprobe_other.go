// Non-Linux stub for the kernel-probe Trigger Source. Mirrors the teacher's
// watcher/process_watcher_other.go: the kernel-probe backend simply isn't
// available off Linux, so selection always falls back to TablePoller.
//
//go:build !linux

package trigger

import (
	"context"
	"errors"
	"log/slog"
)

// ErrKernelProbeUnsupported is returned by KernelProbeSource.Start on
// platforms without a NETLINK_CONNECTOR equivalent.
var ErrKernelProbeUnsupported = errors.New("trigger: kernel-probe source is not supported on this platform")

// KernelProbeSource is a non-functional stand-in on non-Linux platforms.
type KernelProbeSource struct {
	events chan Trigger
}

// NewKernelProbeSource constructs a stub KernelProbeSource whose Start
// always fails with ErrKernelProbeUnsupported.
func NewKernelProbeSource(logger *slog.Logger) *KernelProbeSource {
	return &KernelProbeSource{events: make(chan Trigger)}
}

func (s *KernelProbeSource) Triggers() <-chan Trigger { return s.events }

func (s *KernelProbeSource) Start(ctx context.Context) error {
	return ErrKernelProbeUnsupported
}

func (s *KernelProbeSource) Stop() {
	close(s.events)
}
