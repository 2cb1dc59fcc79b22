package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeBackend scripts per-test outcomes and records lifecycle calls.
type fakeBackend struct {
	mu        sync.Mutex
	creates   int
	destroys  map[string]int
	isolated  bool
	createErr error
	// createFailures fails the first N creates, then succeeds.
	createFailures int
	// run decides each call's outcome; keyed by test case name.
	run map[string]fakeRun
}

type fakeRun struct {
	result *RunResult
	err    error
}

func newFakeBackend(isolated bool) *fakeBackend {
	return &fakeBackend{
		isolated: isolated,
		destroys: make(map[string]int),
		run:      make(map[string]fakeRun),
	}
}

func (f *fakeBackend) pass(name string) {
	f.run[name] = fakeRun{result: &RunResult{Stdout: "ok\n", ExitCode: 0, Duration: time.Millisecond}}
}

func (f *fakeBackend) Create(ctx context.Context, profile Profile) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.createFailures > 0 {
		f.createFailures--
		return "", fmt.Errorf("%w: transient", ErrCreateFailed)
	}
	return fmt.Sprintf("inst-%d", f.creates), nil
}

func (f *fakeBackend) Run(ctx context.Context, instanceID, source string, tc TestCase, timeout time.Duration) (*RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.run[tc.Name]; ok {
		return r.result, r.err
	}
	return &RunResult{Stdout: "ok\n"}, nil
}

func (f *fakeBackend) Destroy(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys[instanceID]++
	if f.destroys[instanceID] > 1 {
		return ErrInstanceGone
	}
	return nil
}

func (f *fakeBackend) TestIsolation() bool { return f.isolated }
func (f *fakeBackend) Close() error        { return nil }

func (f *fakeBackend) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.destroys {
		total += n
	}
	return total
}

func testExecutor(b Backend) *Executor {
	return NewExecutor(b, NewPool(4), ExecutorConfig{CreateRetries: 2, Grace: time.Second})
}

func testsOf(names ...string) []TestCase {
	out := make([]TestCase, 0, len(names))
	for _, n := range names {
		out = append(out, TestCase{Name: n, Call: n + "()", Expected: "ok"})
	}
	return out
}

func TestExecute_AllPass(t *testing.T) {
	fb := newFakeBackend(true)
	fb.pass("t1")
	fb.pass("t2")

	res := testExecutor(fb).Execute(context.Background(), "def f(): pass", testsOf("t1", "t2"), ProfileFor(IsolationHigh))

	if res.Status != StatusPassed {
		t.Errorf("Status = %s, want %s (error: %s)", res.Status, StatusPassed, res.Error)
	}
	if len(res.Tests) != 2 {
		t.Fatalf("got %d test results, want 2", len(res.Tests))
	}
	for _, tr := range res.Tests {
		if tr.Status != StatusPassed {
			t.Errorf("test %s = %s, want passed", tr.Name, tr.Status)
		}
	}
	if fb.creates != 1 {
		t.Errorf("creates = %d, want 1", fb.creates)
	}
	if fb.destroyCount() != 1 {
		t.Errorf("destroys = %d, want exactly 1", fb.destroyCount())
	}
}

func TestExecute_MismatchFails(t *testing.T) {
	fb := newFakeBackend(true)
	fb.pass("t1")
	fb.run["t2"] = fakeRun{result: &RunResult{Stdout: "wrong\n", ExitCode: 0}}

	res := testExecutor(fb).Execute(context.Background(), "src", testsOf("t1", "t2"), ProfileFor(IsolationHigh))

	if res.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", res.Status, StatusFailed)
	}
	if res.Tests[1].Status != StatusFailed || res.Tests[1].Got != "wrong\n" {
		t.Errorf("t2 result = %+v", res.Tests[1])
	}
}

func TestExecute_NonZeroExitFailsEvenWithMatchingOutput(t *testing.T) {
	fb := newFakeBackend(true)
	fb.run["t1"] = fakeRun{result: &RunResult{Stdout: "ok\n", ExitCode: 1}}

	res := testExecutor(fb).Execute(context.Background(), "src", testsOf("t1"), ProfileFor(IsolationHigh))
	if res.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", res.Status, StatusFailed)
	}
}

func TestExecute_TimeoutContinuesWhenIsolated(t *testing.T) {
	fb := newFakeBackend(true)
	fb.run["t1"] = fakeRun{result: &RunResult{}, err: ErrTimeout}
	fb.pass("t2")

	res := testExecutor(fb).Execute(context.Background(), "src", testsOf("t1", "t2"), ProfileFor(IsolationHigh))

	if res.Status != StatusTimeout {
		t.Errorf("Status = %s, want %s", res.Status, StatusTimeout)
	}
	if len(res.Tests) != 2 {
		t.Fatalf("got %d test results, want 2 (batch should continue)", len(res.Tests))
	}
	if res.Tests[1].Status != StatusPassed {
		t.Errorf("t2 = %s, want passed", res.Tests[1].Status)
	}
}

func TestExecute_TimeoutAbortsWhenNotIsolated(t *testing.T) {
	fb := newFakeBackend(false)
	fb.run["t1"] = fakeRun{result: &RunResult{}, err: ErrTimeout}
	fb.pass("t2")

	res := testExecutor(fb).Execute(context.Background(), "src", testsOf("t1", "t2"), ProfileFor(IsolationHigh))

	if res.Status != StatusTimeout {
		t.Errorf("Status = %s, want %s", res.Status, StatusTimeout)
	}
	if len(res.Tests) != 1 {
		t.Errorf("got %d test results, want 1 (batch should abort)", len(res.Tests))
	}
}

func TestExecute_ResourceExceededOutranksTimeout(t *testing.T) {
	fb := newFakeBackend(true)
	fb.run["t1"] = fakeRun{result: &RunResult{}, err: ErrTimeout}
	fb.run["t2"] = fakeRun{result: &RunResult{}, err: ErrResourceExceeded}
	fb.pass("t3")

	res := testExecutor(fb).Execute(context.Background(), "src", testsOf("t1", "t2", "t3"), ProfileFor(IsolationHigh))

	if res.Status != StatusResourceExceeded {
		t.Errorf("Status = %s, want %s", res.Status, StatusResourceExceeded)
	}
	if len(res.Tests) != 3 {
		t.Errorf("got %d test results, want 3", len(res.Tests))
	}
}

func TestExecute_BackendErrorIsEnvironmentError(t *testing.T) {
	fb := newFakeBackend(true)
	fb.run["t1"] = fakeRun{err: errors.New("grpc connection reset")}
	fb.pass("t2")

	res := testExecutor(fb).Execute(context.Background(), "src", testsOf("t1", "t2"), ProfileFor(IsolationHigh))

	if res.Status != StatusEnvironmentError {
		t.Errorf("Status = %s, want %s", res.Status, StatusEnvironmentError)
	}
	if res.Error == "" {
		t.Error("Error detail is empty")
	}
	if len(res.Tests) != 1 {
		t.Errorf("got %d test results, want 1 (batch aborts)", len(res.Tests))
	}
	if fb.destroyCount() != 1 {
		t.Errorf("destroys = %d, want exactly 1", fb.destroyCount())
	}
}

func TestExecute_CreateRetriesThenSucceeds(t *testing.T) {
	fb := newFakeBackend(true)
	fb.createFailures = 2
	fb.pass("t1")

	res := testExecutor(fb).Execute(context.Background(), "src", testsOf("t1"), ProfileFor(IsolationHigh))

	if res.Status != StatusPassed {
		t.Errorf("Status = %s, want %s", res.Status, StatusPassed)
	}
	if fb.creates != 3 {
		t.Errorf("creates = %d, want 3 (two failures then success)", fb.creates)
	}
}

func TestExecute_CreateExhaustionIsEnvironmentError(t *testing.T) {
	fb := newFakeBackend(true)
	fb.createErr = fmt.Errorf("%w: containerd down", ErrCreateFailed)

	res := testExecutor(fb).Execute(context.Background(), "src", testsOf("t1"), ProfileFor(IsolationHigh))

	if res.Status != StatusEnvironmentError {
		t.Errorf("Status = %s, want %s", res.Status, StatusEnvironmentError)
	}
	if fb.creates != 3 {
		t.Errorf("creates = %d, want 3 (initial + 2 retries)", fb.creates)
	}
	if fb.destroyCount() != 0 {
		t.Errorf("destroys = %d, want 0 (nothing was created)", fb.destroyCount())
	}
}

func TestExecute_PoolSlotReleasedAfterRun(t *testing.T) {
	fb := newFakeBackend(true)
	fb.pass("t1")
	pool := NewPool(1)
	ex := NewExecutor(fb, pool, ExecutorConfig{CreateRetries: 0, Grace: time.Second})

	for i := 0; i < 3; i++ {
		res := ex.Execute(context.Background(), "src", testsOf("t1"), ProfileFor(IsolationHigh))
		if res.Status != StatusPassed {
			t.Fatalf("run %d: Status = %s", i, res.Status)
		}
	}
	if pool.InUse() != 0 {
		t.Errorf("InUse = %d after executions, want 0", pool.InUse())
	}
}

// slowBackend signals when a run starts and holds it until released.
type slowBackend struct {
	fakeBackend
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowBackend) Run(ctx context.Context, instanceID, source string, tc TestCase, timeout time.Duration) (*RunResult, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return &RunResult{Stdout: "ok\n"}, nil
}

func TestExecute_InstanceRegistryTracksLifecycle(t *testing.T) {
	sb := &slowBackend{
		fakeBackend: *newFakeBackend(true),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	ex := NewExecutor(sb, NewPool(1), ExecutorConfig{CreateRetries: 0, Grace: time.Minute})

	done := make(chan ExecutionResult, 1)
	go func() {
		done <- ex.Execute(context.Background(), "src", testsOf("t1"), ProfileFor(IsolationLow))
	}()

	<-sb.started
	insts := ex.Instances()
	if len(insts) != 1 {
		t.Fatalf("live instances = %d, want 1", len(insts))
	}
	if insts[0].State != InstanceRunning {
		t.Errorf("instance state = %s, want %s", insts[0].State, InstanceRunning)
	}

	close(sb.release)
	res := <-done
	if res.Status != StatusPassed {
		t.Errorf("Status = %s, want %s", res.Status, StatusPassed)
	}
	if remaining := ex.Instances(); len(remaining) != 0 {
		t.Errorf("registry holds %d instances after destroy, want 0", len(remaining))
	}
	if sb.destroyCount() != 1 {
		t.Errorf("destroys = %d, want exactly 1", sb.destroyCount())
	}
}

// hangBackend blocks Run until destroyed, exercising the watchdog path.
type hangBackend struct {
	fakeBackend
	unblock chan struct{}
}

func (h *hangBackend) Create(ctx context.Context, profile Profile) (string, error) {
	return "hung-1", nil
}

func (h *hangBackend) Run(ctx context.Context, instanceID, source string, tc TestCase, timeout time.Duration) (*RunResult, error) {
	<-h.unblock
	return nil, ErrTimeout
}

func (h *hangBackend) Destroy(ctx context.Context, instanceID string) error {
	h.mu.Lock()
	h.destroys[instanceID]++
	n := h.destroys[instanceID]
	h.mu.Unlock()
	if n == 1 {
		close(h.unblock)
		return nil
	}
	return ErrInstanceGone
}

func TestExecute_WatchdogDestroysHungInstance(t *testing.T) {
	hb := &hangBackend{
		fakeBackend: *newFakeBackend(true),
		unblock:     make(chan struct{}),
	}
	ex := NewExecutor(hb, NewPool(1), ExecutorConfig{CreateRetries: 0, Grace: 10 * time.Millisecond})

	profile := ProfileFor(IsolationMaximum)
	profile.WallClock = 10 * time.Millisecond

	done := make(chan ExecutionResult, 1)
	go func() {
		done <- ex.Execute(context.Background(), "src", testsOf("t1"), profile)
	}()

	select {
	case res := <-done:
		if res.Status != StatusTimeout {
			t.Errorf("Status = %s, want %s", res.Status, StatusTimeout)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never unblocked the hung run")
	}
}
