//go:build linux

package trigger

import "testing"

func TestParseKernelVersion(t *testing.T) {
	cases := []struct {
		release    string
		wantMajor  int
		wantMinor  int
		wantOK     bool
	}{
		{"6.8.0-40-generic", 6, 8, true},
		{"5.15.0-1051-aws", 5, 15, true},
		{"3.10.0-1160.el7.x86_64", 3, 10, true},
		{"garbage", 0, 0, false},
		{"5", 0, 0, false},
	}
	for _, c := range cases {
		major, minor, ok := parseKernelVersion(c.release)
		if ok != c.wantOK || major != c.wantMajor || minor != c.wantMinor {
			t.Errorf("parseKernelVersion(%q) = (%d, %d, %v), want (%d, %d, %v)",
				c.release, major, minor, ok, c.wantMajor, c.wantMinor, c.wantOK)
		}
	}
}
