//go:build linux

package trigger

import (
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// hostKernelVersion reports the running kernel's major.minor version via
// uname(2).
func hostKernelVersion() (major, minor int, ok bool) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return 0, 0, false
	}
	release := charsToString(uts.Release[:])
	return parseKernelVersion(release)
}

func charsToString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// parseKernelVersion parses the leading "<major>.<minor>" off a uname
// release string such as "6.8.0-40-generic" or "5.15.0-1051-aws".
func parseKernelVersion(release string) (major, minor int, ok bool) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	maj, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	min := digitsPrefix(parts[1])
	if min < 0 {
		return 0, 0, false
	}
	return maj, min, true
}

func digitsPrefix(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return -1
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return -1
	}
	return n
}

// newOOMSourceIfSupported constructs the kmsg-backed OOM source on Linux.
func newOOMSourceIfSupported(logger *slog.Logger) Source {
	return NewKmsgOOMSource(logger)
}
