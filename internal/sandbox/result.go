package sandbox

import "time"

// ExecutionStatus is the aggregate outcome of running a candidate unit's
// test batch inside one sandbox instance.
type ExecutionStatus string

const (
	StatusPassed           ExecutionStatus = "passed"
	StatusFailed           ExecutionStatus = "failed"
	StatusTimeout          ExecutionStatus = "timeout"
	StatusResourceExceeded ExecutionStatus = "resource_exceeded"
	StatusEnvironmentError ExecutionStatus = "environment_error"
)

// Failure reports whether the status maps to a policy rejection
// without further evidence.
func (s ExecutionStatus) Failure() bool {
	switch s {
	case StatusFailed, StatusTimeout, StatusResourceExceeded, StatusEnvironmentError:
		return true
	}
	return false
}

// TestCase pairs a call expression against the printed value it must produce.
// The executor appends a driver that evaluates Call and compares the trimmed
// output with Expected.
type TestCase struct {
	Name     string `json:"name"`
	Call     string `json:"call"`
	Expected string `json:"expected"`
}

// RunResult is what a backend reports for a single test-case run.
type RunResult struct {
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExitCode      int           `json:"exit_code"`
	Duration      time.Duration `json:"duration"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
}

// ResourceUsage reports measured consumption for one instance.
type ResourceUsage struct {
	CPUTimeMS    int64 `json:"cpu_time_ms"`
	MemoryPeakMB int64 `json:"memory_peak_mb"`
	Steps        int64 `json:"steps,omitempty"` // starlark backend only
}

// TestResult is the outcome of a single test case.
type TestResult struct {
	Name       string          `json:"name"`
	Status     ExecutionStatus `json:"status"`
	Got        string          `json:"got,omitempty"`
	Expected   string          `json:"expected,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// ExecutionResult aggregates a full sandbox run of one evolution request.
type ExecutionResult struct {
	InstanceID    string          `json:"instance_id"`
	Status        ExecutionStatus `json:"status"`
	Tests         []TestResult    `json:"tests"`
	Stdout        string          `json:"stdout,omitempty"`
	Stderr        string          `json:"stderr,omitempty"`
	ResourceUsage ResourceUsage   `json:"resource_usage"`
	DurationMS    int64           `json:"duration_ms"`
	Error         string          `json:"error,omitempty"`
}

// InstanceState tracks a sandbox instance through its lifecycle.
type InstanceState string

const (
	InstanceCreating   InstanceState = "creating"
	InstanceReady      InstanceState = "ready"
	InstanceRunning    InstanceState = "running"
	InstanceDestroying InstanceState = "destroying"
	InstanceDestroyed  InstanceState = "destroyed"
)

// Instance is the executor's view of one ephemeral sandbox. It is owned by
// exactly one executor call and never shared across requests.
type Instance struct {
	ID        string        `json:"id"`
	Profile   Profile       `json:"profile"`
	CreatedAt time.Time     `json:"created_at"`
	State     InstanceState `json:"state"`
}
