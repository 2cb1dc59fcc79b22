package sandbox

import (
	"fmt"
	"strings"
)

const maxOutputBytes = 256 * 1024

// driverSource wraps a candidate unit with a one-line driver that evaluates
// the test case's call expression and prints the result. The subprocess and
// container backends run this file under python3; the starlark backend
// evaluates the call directly instead.
func driverSource(source string, tc TestCase) string {
	var b strings.Builder
	b.Grow(len(source) + len(tc.Call) + 16)
	b.WriteString(source)
	if !strings.HasSuffix(source, "\n") {
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nprint(%s)\n", tc.Call)
	return b.String()
}

// matches compares a run's stdout with the expected printed value.
// Trailing whitespace never decides a verdict.
func matches(stdout, expected string) bool {
	return strings.TrimSpace(stdout) == strings.TrimSpace(expected)
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
