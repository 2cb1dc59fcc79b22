package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"

	"evolution-gate/internal/analyzer"
)

// stepsPerCPUSecond calibrates the interpreter step budget so that the
// isolation table's cpuShare fraction translates into a deterministic
// compute bound. Exceeding it reports ResourceExceeded, not Timeout.
const stepsPerCPUSecond = 2_000_000

// StarlarkBackend is the in-process restricted backend. Candidate units run
// under the Starlark interpreter: no filesystem, no network, no host access
// beyond the predeclared math/json modules, a hard step budget, and
// cooperative cancellation for wall-clock enforcement. It is the default for
// MAXIMUM isolation and for hosts without a container runtime.
type StarlarkBackend struct {
	mu        sync.Mutex
	instances map[string]*starInstance
	closed    bool
}

type starInstance struct {
	profile Profile
	// thread of the in-flight run, for forced Destroy while running
	current atomic.Pointer[starlark.Thread]
}

func NewStarlarkBackend() *StarlarkBackend {
	return &StarlarkBackend{
		instances: make(map[string]*starInstance),
	}
}

// TestIsolation is true: each test case re-executes the unit on a fresh
// thread, so a cancelled run cannot poison the next one.
func (s *StarlarkBackend) TestIsolation() bool { return true }

func (s *StarlarkBackend) Create(ctx context.Context, profile Profile) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrBackendDown
	}

	id := uuid.New().String()
	s.instances[id] = &starInstance{profile: profile}
	return id, nil
}

func (s *StarlarkBackend) Run(ctx context.Context, instanceID, source string, tc TestCase, timeout time.Duration) (*RunResult, error) {
	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrInstanceGone
	}

	var printed strings.Builder
	thread := &starlark.Thread{
		Name: "gate-" + instanceID,
		Print: func(_ *starlark.Thread, msg string) {
			if printed.Len() < maxOutputBytes {
				printed.WriteString(msg)
				printed.WriteByte('\n')
			}
		},
	}

	steps := uint64(float64(stepsPerCPUSecond) * inst.profile.CPUFraction() * inst.profile.WallClock.Seconds())
	if steps < 100_000 {
		steps = 100_000
	}
	thread.SetMaxExecutionSteps(steps)

	inst.current.Store(thread)
	defer inst.current.Store(nil)

	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		thread.Cancel("wall clock exceeded")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		timedOut.Store(true)
		thread.Cancel("context cancelled")
	})
	defer stop()

	start := time.Now()

	globals, err := starlark.ExecFileOptions(analyzer.FileOptions(), thread, "candidate.star",
		analyzer.StripImports(source), predeclared())
	var value starlark.Value
	if err == nil {
		value, err = starlark.EvalOptions(analyzer.FileOptions(), thread, tc.Name, tc.Call, globals)
	}

	duration := time.Since(start)
	result := &RunResult{
		Duration: duration,
		ResourceUsage: ResourceUsage{
			Steps: int64(thread.ExecutionSteps()), // #nosec G115 -- step budget is far below int64 max
		},
	}

	if err != nil {
		result.Stderr = truncateOutput(evalErrorString(err), maxOutputBytes)
		result.ExitCode = 1
		switch {
		case timedOut.Load():
			return result, ErrTimeout
		case strings.Contains(err.Error(), "too many steps"):
			return result, ErrResourceExceeded
		default:
			// Ordinary candidate failure: surfaces as a test mismatch.
			return result, nil
		}
	}

	result.Stdout = truncateOutput(printed.String()+renderValue(value), maxOutputBytes)
	return result, nil
}

func (s *StarlarkBackend) Destroy(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	delete(s.instances, instanceID)
	s.mu.Unlock()
	if !ok {
		return ErrInstanceGone
	}

	if t := inst.current.Load(); t != nil {
		t.Cancel("instance destroyed")
	}
	log.Debug().Str("instance_id", instanceID).Msg("starlark sandbox destroyed")
	return nil
}

func (s *StarlarkBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, inst := range s.instances {
		if t := inst.current.Load(); t != nil {
			t.Cancel("backend closed")
		}
		delete(s.instances, id)
	}
	return nil
}

// predeclared is the entire host surface reachable from candidate code.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"math": starmath.Module,
		"json": starjson.Module,
	}
}

// renderValue prints a Starlark value the way the python driver would:
// strings unquoted, everything else in expression form.
func renderValue(v starlark.Value) string {
	if v == nil {
		return ""
	}
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	if b, ok := v.(starlark.Bool); ok {
		if bool(b) {
			return "True"
		}
		return "False"
	}
	return v.String()
}

func evalErrorString(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}
