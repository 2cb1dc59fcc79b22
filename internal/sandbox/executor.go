package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Executor drives one sandbox instance through a request's test batch. It is
// the only code that creates and destroys instances, and it guarantees that
// every created instance is destroyed exactly once on every exit path. The
// instances registry carries each live instance's lifecycle state; the
// Destroying transition is the exactly-once gate.
type Executor struct {
	backend       Backend
	pool          *Pool
	createRetries int           // extra attempts after the first failure
	grace         time.Duration // watchdog slack past the wall-clock limit

	mu        sync.Mutex
	instances map[string]*Instance
}

type ExecutorConfig struct {
	CreateRetries int
	Grace         time.Duration
}

func NewExecutor(backend Backend, pool *Pool, cfg ExecutorConfig) *Executor {
	if cfg.CreateRetries < 0 {
		cfg.CreateRetries = 2
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	return &Executor{
		backend:       backend,
		pool:          pool,
		createRetries: cfg.CreateRetries,
		grace:         cfg.Grace,
		instances:     make(map[string]*Instance),
	}
}

// InUse reports how many sandbox instances are currently live.
func (e *Executor) InUse() int64 {
	return e.pool.InUse()
}

// Instances is a snapshot of the live instance registry, for operational
// visibility.
func (e *Executor) Instances() []Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, *inst)
	}
	return out
}

// setInstanceState advances a live instance's lifecycle. Instances already
// being torn down never move backwards.
func (e *Executor) setInstanceState(id string, s InstanceState) {
	e.mu.Lock()
	if inst, ok := e.instances[id]; ok &&
		inst.State != InstanceDestroying && inst.State != InstanceDestroyed {
		inst.State = s
	}
	e.mu.Unlock()
}

// beginDestroy claims the Destroying transition. Exactly one caller wins;
// the watchdog and the deferred cleanup both go through here.
func (e *Executor) beginDestroy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok || inst.State == InstanceDestroying || inst.State == InstanceDestroyed {
		return false
	}
	inst.State = InstanceDestroying
	return true
}

func (e *Executor) forgetInstance(id string) {
	e.mu.Lock()
	if inst, ok := e.instances[id]; ok {
		inst.State = InstanceDestroyed
		delete(e.instances, id)
	}
	e.mu.Unlock()
}

// Execute runs all test cases inside one freshly created instance under the
// given profile. It never returns an error for expected failure modes; the
// outcome is always carried in the ExecutionResult status.
//
// Callers must not invoke Execute for statically blocked units; that
// invariant is owned by the controller.
func (e *Executor) Execute(ctx context.Context, source string, tests []TestCase, profile Profile) ExecutionResult {
	start := time.Now()

	release, err := e.pool.Acquire(ctx)
	if err != nil {
		return ExecutionResult{
			Status:     StatusEnvironmentError,
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}
	}
	defer release()

	instanceID, err := e.createWithRetry(ctx, profile)
	if err != nil {
		return ExecutionResult{
			Status:     StatusEnvironmentError,
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	e.mu.Lock()
	e.instances[instanceID] = &Instance{
		ID:        instanceID,
		Profile:   profile,
		CreatedAt: time.Now().UTC(),
		State:     InstanceCreating,
	}
	e.mu.Unlock()

	logger := log.With().Str("instance_id", instanceID).Str("level", string(profile.Level)).Logger()

	// Destroy exactly once, on every path: normal return, panic, or the
	// watchdog firing on a hung backend. The registry's Destroying
	// transition arbitrates between racing callers.
	destroy := func(reason string) {
		if !e.beginDestroy(instanceID) {
			return
		}
		dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.backend.Destroy(dctx, instanceID); err != nil && !errors.Is(err, ErrInstanceGone) {
			logger.Error().Err(err).Str("reason", reason).Msg("sandbox destroy failed")
		} else {
			logger.Debug().Str("reason", reason).Msg("sandbox destroyed")
		}
		e.forgetInstance(instanceID)
	}
	defer destroy("execution finished")

	e.setInstanceState(instanceID, InstanceReady)

	result := e.runTests(ctx, logger, instanceID, source, tests, profile, destroy)
	result.InstanceID = instanceID
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

func (e *Executor) createWithRetry(ctx context.Context, profile Profile) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.createRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 100 * time.Millisecond
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", backoff).
				Msg("sandbox creation failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		id, err := e.backend.Create(ctx, profile)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (e *Executor) runTests(
	ctx context.Context,
	logger zerolog.Logger,
	instanceID, source string,
	tests []TestCase,
	profile Profile,
	destroy func(string),
) ExecutionResult {
	var (
		result      ExecutionResult
		sawMismatch bool
		sawTimeout  bool
		sawResource bool
		lastStdout  string
		lastStderr  string
	)
	result.Status = StatusPassed

	for _, tc := range tests {
		// Watchdog: the backend enforces the wall clock itself, but a hung
		// backend must not pin the pool slot forever. Past wallClock+grace
		// the instance is forcibly destroyed, which unblocks Run.
		watchdog := time.AfterFunc(profile.WallClock+e.grace, func() {
			logger.Warn().Str("test", tc.Name).Msg("watchdog fired, force-destroying hung sandbox")
			destroy("watchdog")
		})

		e.setInstanceState(instanceID, InstanceRunning)
		run, err := e.backend.Run(ctx, instanceID, source, tc, profile.WallClock)
		watchdog.Stop()
		e.setInstanceState(instanceID, InstanceReady)

		if run != nil {
			lastStdout = run.Stdout
			lastStderr = run.Stderr
			if run.ResourceUsage.CPUTimeMS > result.ResourceUsage.CPUTimeMS {
				result.ResourceUsage.CPUTimeMS = run.ResourceUsage.CPUTimeMS
			}
			if run.ResourceUsage.MemoryPeakMB > result.ResourceUsage.MemoryPeakMB {
				result.ResourceUsage.MemoryPeakMB = run.ResourceUsage.MemoryPeakMB
			}
			result.ResourceUsage.Steps += run.ResourceUsage.Steps
		}

		switch {
		case err == nil:
			tr := TestResult{Name: tc.Name, Expected: tc.Expected}
			if run != nil {
				tr.DurationMS = run.Duration.Milliseconds()
				tr.Got = trimForReport(run.Stdout)
			}
			if run != nil && run.ExitCode == 0 && matches(run.Stdout, tc.Expected) {
				tr.Status = StatusPassed
			} else {
				tr.Status = StatusFailed
				sawMismatch = true
			}
			result.Tests = append(result.Tests, tr)

		case errors.Is(err, ErrTimeout):
			sawTimeout = true
			result.Tests = append(result.Tests, TestResult{
				Name: tc.Name, Status: StatusTimeout, Expected: tc.Expected,
			})
			logger.Warn().Str("test", tc.Name).Msg("test run timed out")
			if !e.backend.TestIsolation() {
				// The instance cannot be trusted after a kill; abort the batch.
				result.Status = StatusTimeout
				result.Stdout = lastStdout
				result.Stderr = lastStderr
				return result
			}

		case errors.Is(err, ErrResourceExceeded):
			sawResource = true
			result.Tests = append(result.Tests, TestResult{
				Name: tc.Name, Status: StatusResourceExceeded, Expected: tc.Expected,
			})
			logger.Warn().Str("test", tc.Name).Msg("resource ceiling breached")

		default:
			logger.Error().Err(err).Str("test", tc.Name).Msg("backend run failed")
			result.Status = StatusEnvironmentError
			result.Error = err.Error()
			result.Stdout = lastStdout
			result.Stderr = lastStderr
			result.Tests = append(result.Tests, TestResult{
				Name: tc.Name, Status: StatusEnvironmentError, Expected: tc.Expected,
			})
			return result
		}
	}

	switch {
	case sawResource:
		result.Status = StatusResourceExceeded
	case sawTimeout:
		result.Status = StatusTimeout
	case sawMismatch:
		result.Status = StatusFailed
	}
	result.Stdout = lastStdout
	result.Stderr = lastStderr
	return result
}

func trimForReport(s string) string {
	const max = 512
	if len(s) > max {
		s = s[:max]
	}
	return s
}
