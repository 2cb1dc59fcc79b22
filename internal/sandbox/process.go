package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ProcessBackend is the subprocess-based backend: each test case runs the
// host python in isolated mode (-I) inside a throwaway workspace. Wall-clock
// limits are enforced by killing the whole process group; memory and pid
// limits are best-effort only, so this backend is meant for development and
// CI hosts where no container runtime is available.
type ProcessBackend struct {
	python string

	mu        sync.Mutex
	instances map[string]*procInstance
	closed    bool
}

type procInstance struct {
	dir     string
	profile Profile
	runSeq  int
}

func NewProcessBackend(python string) *ProcessBackend {
	log.Warn().Msg("process backend enforces wall-clock limits only; use a container backend in production")
	return &ProcessBackend{
		python:    python,
		instances: make(map[string]*procInstance),
	}
}

func (p *ProcessBackend) TestIsolation() bool { return true }

func (p *ProcessBackend) Create(ctx context.Context, profile Profile) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrBackendDown
	}
	p.mu.Unlock()

	id := uuid.New().String()
	dir, err := os.MkdirTemp("", "gate-"+id+"-*")
	if err != nil {
		return "", &ExecutionError{InstanceID: id, Op: "create_temp_dir",
			Err: fmt.Errorf("%w: %v", ErrCreateFailed, err)}
	}

	p.mu.Lock()
	p.instances[id] = &procInstance{dir: dir, profile: profile}
	p.mu.Unlock()
	return id, nil
}

func (p *ProcessBackend) Run(ctx context.Context, instanceID, source string, tc TestCase, timeout time.Duration) (*RunResult, error) {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	if ok {
		inst.runSeq++
	}
	p.mu.Unlock()
	if !ok {
		return nil, ErrInstanceGone
	}

	fileName := fmt.Sprintf("test_%d.py", inst.runSeq)
	path := filepath.Join(inst.dir, fileName)
	if err := os.WriteFile(path, []byte(driverSource(source, tc)), 0600); err != nil {
		return nil, &ExecutionError{InstanceID: instanceID, Op: "write_driver", Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.python, "-I", "-B", path) // #nosec G204 -- binary from config, path built internally
	cmd.Dir = inst.dir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + inst.dir,
		"LANG=C.UTF-8",
		"SANDBOX=true",
	}
	// Own process group so a timeout kill reaps the whole tree, not just
	// the interpreter.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &RunResult{
		Stdout:   truncateOutput(stdout.String(), maxOutputBytes),
		Stderr:   truncateOutput(stderr.String(), maxOutputBytes),
		Duration: duration,
	}
	if cmd.ProcessState != nil {
		result.ResourceUsage.CPUTimeMS = cmd.ProcessState.UserTime().Milliseconds() +
			cmd.ProcessState.SystemTime().Milliseconds()
	}

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return result, ErrTimeout
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, &ExecutionError{InstanceID: instanceID, Op: "exec_python", Err: err}
	}

	return result, nil
}

func (p *ProcessBackend) Destroy(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	delete(p.instances, instanceID)
	p.mu.Unlock()
	if !ok {
		return ErrInstanceGone
	}

	if err := os.RemoveAll(inst.dir); err != nil {
		return &ExecutionError{InstanceID: instanceID, Op: "remove_workspace", Err: err}
	}
	return nil
}

func (p *ProcessBackend) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, inst := range p.instances {
		_ = os.RemoveAll(inst.dir)
		delete(p.instances, id)
	}
	return nil
}
