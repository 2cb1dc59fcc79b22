package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

const containerdNamePrefix = "gate-sbx-"

// ContainerdBackend holds one pause task per sandbox instance and execs each
// test case into it, so a killed test never tears down the instance.
type ContainerdBackend struct {
	client *Client
	image  string

	mu        sync.Mutex
	instances map[string]*ctrInstance
	closed    bool
}

type ctrInstance struct {
	container containerd.Container
	task      containerd.Task
	hostDir   string
	profile   Profile
	runSeq    int
}

func NewContainerdBackend(ctx context.Context, client *Client, image string) (*ContainerdBackend, error) {
	if image == "" {
		image = "docker.io/library/python:3.12-slim"
	}
	return &ContainerdBackend{
		client:    client,
		image:     image,
		instances: make(map[string]*ctrInstance),
	}, nil
}

func (b *ContainerdBackend) TestIsolation() bool { return true }

func (b *ContainerdBackend) Create(ctx context.Context, profile Profile) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBackendDown
	}
	b.mu.Unlock()

	id := uuid.New().String()
	containerID := containerdNamePrefix + id

	hostDir, err := os.MkdirTemp("", "gate-"+id+"-*")
	if err != nil {
		return "", &ExecutionError{InstanceID: id, Op: "create_temp_dir",
			Err: fmt.Errorf("%w: %v", ErrCreateFailed, err)}
	}

	image, err := b.client.PullImage(ctx, b.image)
	if err != nil {
		_ = os.RemoveAll(hostDir)
		return "", &ExecutionError{InstanceID: id, Op: "pull_image",
			Err: fmt.Errorf("%w: %v", ErrCreateFailed, err)}
	}

	secProfile := SecurityProfileFor(profile)
	nsCtx := b.client.WithNamespace(ctx)

	container, err := b.client.Raw().NewContainer(nsCtx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			// The instance idles; every test case is a task exec.
			oci.WithProcessArgs("sleep", "infinity"),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, secProfile)
				ApplyResourceLimits(s, profile.Limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostDir,
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
					"SANDBOX=true",
				}

				return nil
			},
		),
	)
	if err != nil {
		_ = os.RemoveAll(hostDir)
		return "", &ExecutionError{InstanceID: id, Op: "create_container",
			Err: fmt.Errorf("%w: %v", ErrCreateFailed, err)}
	}

	task, err := container.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		_ = os.RemoveAll(hostDir)
		return "", &ExecutionError{InstanceID: id, Op: "create_task",
			Err: fmt.Errorf("%w: %v", ErrCreateFailed, err)}
	}

	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		_ = os.RemoveAll(hostDir)
		return "", &ExecutionError{InstanceID: id, Op: "start_task",
			Err: fmt.Errorf("%w: %v", ErrCreateFailed, err)}
	}

	b.mu.Lock()
	b.instances[id] = &ctrInstance{container: container, task: task, hostDir: hostDir, profile: profile}
	b.mu.Unlock()

	log.Debug().Str("instance_id", id).Str("level", string(profile.Level)).Msg("containerd sandbox created")
	return id, nil
}

func (b *ContainerdBackend) Run(ctx context.Context, instanceID, source string, tc TestCase, timeout time.Duration) (*RunResult, error) {
	b.mu.Lock()
	inst, ok := b.instances[instanceID]
	if ok {
		inst.runSeq++
	}
	b.mu.Unlock()
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
	nsCtx := b.client.WithNamespace(execCtx)

	var stdout, stderr bytes.Buffer
	execID := fmt.Sprintf("t%d", inst.runSeq)

	procSpec := &specs.Process{
		Args:            []string{"python3", "-I", "-B", "/workspace/" + fileName},
		Cwd:             "/workspace",
		Env:             []string{"HOME=/tmp", "LANG=C.UTF-8", "SANDBOX=true"},
		User:            specs.User{UID: 65534, GID: 65534},
		NoNewPrivileges: true,
	}

	proc, err := inst.task.Exec(nsCtx, execID, procSpec,
		cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)),
	)
	if err != nil {
		return nil, &ExecutionError{InstanceID: instanceID, Op: "task_exec", Err: err}
	}
	defer func() {
		if _, derr := proc.Delete(b.client.WithNamespace(context.Background()), containerd.WithProcessKill); derr != nil {
			if !errdefs.IsNotFound(derr) {
				log.Warn().Err(derr).Str("instance_id", instanceID).Msg("exec process delete failed")
			}
		}
	}()

	exitCh, err := proc.Wait(nsCtx)
	if err != nil {
		return nil, &ExecutionError{InstanceID: instanceID, Op: "exec_wait", Err: err}
	}

	start := time.Now()
	if err := proc.Start(nsCtx); err != nil {
		return nil, &ExecutionError{InstanceID: instanceID, Op: "exec_start", Err: err}
	}

	select {
	case status := <-exitCh:
		duration := time.Since(start)
		result := &RunResult{
			Stdout:   truncateOutput(stdout.String(), maxOutputBytes),
			Stderr:   truncateOutput(stderr.String(), maxOutputBytes),
			ExitCode: int(status.ExitCode()),
			Duration: duration,
		}
		if result.ExitCode == 137 {
			return result, ErrResourceExceeded
		}
		return result, nil

	case <-execCtx.Done():
		log.Warn().Str("instance_id", instanceID).Msg("test run timed out, killing exec process")
		killCtx := b.client.WithNamespace(context.Background())
		if err := proc.Kill(killCtx, 9); err != nil && !errdefs.IsNotFound(err) {
			log.Error().Err(err).Msg("failed to kill timed out exec process")
		}
		<-exitCh

		return &RunResult{
			Stdout:   truncateOutput(stdout.String(), maxOutputBytes),
			Stderr:   truncateOutput(stderr.String(), maxOutputBytes),
			ExitCode: -1,
			Duration: time.Since(start),
		}, ErrTimeout
	}
}

func (b *ContainerdBackend) Destroy(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	inst, ok := b.instances[instanceID]
	delete(b.instances, instanceID)
	b.mu.Unlock()
	if !ok {
		return ErrInstanceGone
	}

	err := b.cleanupContainer(ctx, inst.container)

	if rmErr := os.RemoveAll(inst.hostDir); rmErr != nil {
		log.Warn().Err(rmErr).Str("instance_id", instanceID).Msg("failed to remove sandbox workspace")
	}

	return err
}

func (b *ContainerdBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	remaining := make([]containerd.Container, 0, len(b.instances))
	dirs := make([]string, 0, len(b.instances))
	for _, inst := range b.instances {
		remaining = append(remaining, inst.container)
		dirs = append(dirs, inst.hostDir)
	}
	b.instances = make(map[string]*ctrInstance)
	b.mu.Unlock()

	for _, c := range remaining {
		if err := b.cleanupContainer(context.Background(), c); err != nil {
			log.Warn().Err(err).Msg("failed to cleanup instance on close")
		}
	}
	for _, d := range dirs {
		_ = os.RemoveAll(d)
	}
	return b.client.Close()
}

func (b *ContainerdBackend) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cleanupCtx = b.client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, 9)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil {
			if !errdefs.IsNotFound(err) {
				logger.Warn().Err(err).Msg("failed to delete task")
			}
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
		if !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("failed to delete container")
			return fmt.Errorf("deleting container %s: %w", id, err)
		}
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// CleanupOrphaned removes sandbox containers left over from previous runs.
func (b *ContainerdBackend) CleanupOrphaned(ctx context.Context) (int, error) {
	nsCtx := b.client.WithNamespace(ctx)

	containerList, err := b.client.Raw().Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range containerList {
		if !strings.HasPrefix(c.ID(), containerdNamePrefix) {
			continue
		}

		logger := log.With().Str("container_id", c.ID()).Logger()
		logger.Info().Msg("cleaning up orphaned sandbox container")

		if err := b.cleanupContainer(ctx, c); err != nil {
			logger.Error().Err(err).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}

	return cleaned, nil
}
