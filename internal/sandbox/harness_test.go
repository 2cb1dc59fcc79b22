package sandbox

import (
	"strings"
	"testing"
)

func TestDriverSource(t *testing.T) {
	got := driverSource("def f():\n    return 1\n", TestCase{Call: "f()"})
	want := "def f():\n    return 1\n\nprint(f())\n"
	if got != want {
		t.Errorf("driverSource = %q, want %q", got, want)
	}

	// A missing trailing newline must not glue the driver onto the last line.
	got = driverSource("def f():\n    return 1", TestCase{Call: "f()"})
	if !strings.HasSuffix(got, "\n\nprint(f())\n") {
		t.Errorf("driverSource without trailing newline = %q", got)
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		stdout, expected string
		want             bool
	}{
		{"42\n", "42", true},
		{"42", "42\n", true},
		{"  42  ", "42", true},
		{"42", "43", false},
		{"", "", true},
		{"hello world", "hello  world", false},
	}

	for _, tt := range tests {
		if got := matches(tt.stdout, tt.expected); got != tt.want {
			t.Errorf("matches(%q, %q) = %v, want %v", tt.stdout, tt.expected, got, tt.want)
		}
	}
}

func TestTruncateOutput(t *testing.T) {
	short := "short"
	if got := truncateOutput(short, 64); got != short {
		t.Errorf("truncateOutput(short) = %q", got)
	}

	long := strings.Repeat("x", 100)
	got := truncateOutput(long, 10)
	if !strings.HasPrefix(got, "xxxxxxxxxx") || !strings.Contains(got, "truncated") {
		t.Errorf("truncateOutput(long) = %q", got)
	}
}
