package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"evolution-gate/pkg/seccomp"
)

const dockerNamePrefix = "gate-sbx-"

// DockerBackend is the container-based backend for hosts running Docker
// (macOS, or Linux without containerd). Each instance is a held container
// created with the profile's limits; test cases run via docker exec so a
// killed run leaves the instance usable.
type DockerBackend struct {
	image      string
	dockerHost string // resolved DOCKER_HOST (e.g. from Docker context)

	mu        sync.Mutex
	instances map[string]*dockerInstance
	closed    bool

	cancelCleanup context.CancelFunc
}

type dockerInstance struct {
	name    string
	hostDir string
	profile Profile
	runSeq  int
}

func NewDockerBackend(image string) *DockerBackend {
	if image == "" {
		image = "docker.io/library/python:3.12-slim"
	}
	d := &DockerBackend{
		image:      image,
		dockerHost: resolveDockerHost(),
		instances:  make(map[string]*dockerInstance),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

func (d *DockerBackend) TestIsolation() bool { return true }

func (d *DockerBackend) Create(ctx context.Context, profile Profile) (string, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrBackendDown
	}
	d.mu.Unlock()

	id := uuid.New().String()
	name := dockerNamePrefix + id

	hostDir, err := os.MkdirTemp("", "gate-"+id+"-*")
	if err != nil {
		return "", &ExecutionError{InstanceID: id, Op: "create_temp_dir", Err: err}
	}

	seccompPath, err := d.writeSeccompProfile(hostDir)
	if err != nil {
		_ = os.RemoveAll(hostDir)
		return "", &ExecutionError{InstanceID: id, Op: "write_seccomp", Err: err}
	}

	args := d.createArgs(name, hostDir, seccompPath, profile)
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally, not from request data
	cmd.Env = d.env()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.RemoveAll(hostDir)
		return "", &ExecutionError{InstanceID: id, Op: "docker_create",
			Err: fmt.Errorf("%w: %v: %s", ErrCreateFailed, err, strings.TrimSpace(stderr.String()))}
	}

	d.mu.Lock()
	d.instances[id] = &dockerInstance{name: name, hostDir: hostDir, profile: profile}
	d.mu.Unlock()

	log.Debug().Str("instance_id", id).Str("level", string(profile.Level)).Msg("docker sandbox created")
	return id, nil
}

// writeSeccompProfile renders the syscall filter next to the workspace so
// docker run can load it. Network-tier profiles rely on Docker's default
// filter instead; the tight one only applies where network is denied.
func (d *DockerBackend) writeSeccompProfile(hostDir string) (string, error) {
	data, err := seccomp.DockerProfileJSON()
	if err != nil {
		return "", err
	}
	path := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(path, data, 0444); err != nil { // #nosec G306 -- read-only profile
		return "", err
	}
	return path, nil
}

// createArgs builds the docker run invocation that holds the instance open.
// The container idles on sleep; every test case is a docker exec.
func (d *DockerBackend) createArgs(name, hostDir, seccompPath string, profile Profile) []string {
	limits := profile.Limits

	network := "none"
	if profile.NetworkAllowed {
		network = "bridge"
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.2f", float64(limits.CPUShares)/1024.0),
		"-v", fmt.Sprintf("%s:/workspace:ro", hostDir),
		"--user", "65534:65534",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "SANDBOX=true",
	}

	if !profile.NetworkAllowed {
		args = append(args, "--security-opt", "seccomp="+seccompPath)
	}

	switch profile.Filesystem {
	case FilesystemReadWrite:
		args = append(args, "--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB))
	case FilesystemReadOnly:
		args = append(args, "--read-only",
			"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB))
	case FilesystemNone:
		// No writable mount at all; the interpreter still reads /workspace.
		args = append(args, "--read-only")
	}

	args = append(args, d.image, "sleep", "infinity")
	return args
}

func (d *DockerBackend) Run(ctx context.Context, instanceID, source string, tc TestCase, timeout time.Duration) (*RunResult, error) {
	d.mu.Lock()
	inst, ok := d.instances[instanceID]
	if ok {
		inst.runSeq++
	}
	d.mu.Unlock()
	if !ok {
		return nil, ErrInstanceGone
	}

	fileName := fmt.Sprintf("test_%d.py", inst.runSeq)
	hostPath := filepath.Join(inst.hostDir, fileName)
	if err := os.WriteFile(hostPath, []byte(driverSource(source, tc)), 0444); err != nil { // #nosec G306 -- container reads as nobody
		return nil, &ExecutionError{InstanceID: instanceID, Op: "write_driver", Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(execCtx, "docker", // #nosec G204 -- fixed argument shape
		"exec", inst.name, "python3", "-I", "-B", "/workspace/"+fileName)
	cmd.Env = d.env()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	result := &RunResult{
		Stdout:   truncateOutput(stdout.String(), maxOutputBytes),
		Stderr:   truncateOutput(stderr.String(), maxOutputBytes),
		Duration: duration,
	}

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			// The exec'd process may survive the killed docker client; reap it.
			d.killExecProcesses(inst)
			return result, ErrTimeout
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			if result.ExitCode == 137 {
				return result, ErrResourceExceeded
			}
			return result, nil
		}
		return nil, &ExecutionError{InstanceID: instanceID, Op: "docker_exec", Err: err}
	}

	return result, nil
}

// killExecProcesses kills any python still running in the instance after a
// timed-out exec, so the next test starts clean.
func (d *DockerBackend) killExecProcesses(inst *dockerInstance) {
	kill := exec.Command("docker", "exec", inst.name, "pkill", "-9", "python3") // #nosec G204
	kill.Env = d.env()
	_ = kill.Run()
}

func (d *DockerBackend) Destroy(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	inst, ok := d.instances[instanceID]
	delete(d.instances, instanceID)
	d.mu.Unlock()
	if !ok {
		return ErrInstanceGone
	}

	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", inst.name) // #nosec G204
	cmd.Env = d.env()
	err := cmd.Run()

	if rmErr := os.RemoveAll(inst.hostDir); rmErr != nil {
		log.Warn().Err(rmErr).Str("instance_id", instanceID).Msg("failed to remove sandbox workspace")
	}

	if err != nil {
		return &ExecutionError{InstanceID: instanceID, Op: "docker_rm", Err: err}
	}
	log.Debug().Str("instance_id", instanceID).Msg("docker sandbox destroyed")
	return nil
}

func (d *DockerBackend) Close() error {
	d.mu.Lock()
	d.closed = true
	remaining := make([]*dockerInstance, 0, len(d.instances))
	for _, inst := range d.instances {
		remaining = append(remaining, inst)
	}
	d.instances = make(map[string]*dockerInstance)
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	for _, inst := range remaining {
		kill := exec.Command("docker", "rm", "-f", inst.name) // #nosec G204
		kill.Env = d.env()
		_ = kill.Run()
		_ = os.RemoveAll(inst.hostDir)
	}
	return nil
}

func (d *DockerBackend) env() []string {
	if d.dockerHost == "" {
		return nil
	}
	return append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
}

// orphanCleanupLoop periodically kills sandbox containers that survived a
// crashed server.
func (d *DockerBackend) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerBackend) cleanupOrphans() {
	d.mu.Lock()
	live := make(map[string]bool, len(d.instances))
	for _, inst := range d.instances {
		live[inst.name] = true
	}
	d.mu.Unlock()

	cmd := exec.Command("docker", "ps", "--filter", "name="+dockerNamePrefix, "--format", "{{.Names}}") // #nosec G204
	cmd.Env = d.env()
	out, err := cmd.Output()
	if err != nil {
		return
	}
	for _, name := range strings.Fields(strings.TrimSpace(string(out))) {
		if live[name] {
			continue
		}
		log.Warn().Str("container", name).Msg("killing orphaned sandbox container")
		kill := exec.Command("docker", "rm", "-f", name) // #nosec G204 -- name from docker ps
		kill.Env = d.env()
		_ = kill.Run()
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop
// uses a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}
