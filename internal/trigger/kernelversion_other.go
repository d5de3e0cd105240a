//go:build !linux

package trigger

import "log/slog"

// hostKernelVersion is unsupported off Linux; Select always falls back to
// the polling backend.
func hostKernelVersion() (major, minor int, ok bool) { return 0, 0, false }

// newOOMSourceIfSupported returns nil off Linux: there is no kmsg
// equivalent, so OOM triggers simply are not produced on these platforms
// (spec §4.1 "OOM triggers are a Linux-only signal").
func newOOMSourceIfSupported(logger *slog.Logger) Source { return nil }
