package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"evolution-gate/internal/config"
)

// Backend creates, drives and destroys isolated execution environments.
// Implementations are selected by the factory below, never by runtime type
// inspection.
type Backend interface {
	// Create provisions one instance under the profile's limits and returns
	// its ID. The caller owns the instance and must Destroy it exactly once.
	Create(ctx context.Context, profile Profile) (string, error)

	// Run executes one test case inside an existing instance, bounded by
	// timeout. A timeout kills the in-flight run but, when TestIsolation
	// is true, leaves the instance usable for the next test.
	Run(ctx context.Context, instanceID, source string, tc TestCase, timeout time.Duration) (*RunResult, error)

	// Destroy tears the instance down. Idempotent: destroying an already
	// destroyed instance returns ErrInstanceGone, which callers may ignore.
	Destroy(ctx context.Context, instanceID string) error

	// TestIsolation reports whether a timed-out test leaves the instance
	// usable for subsequent tests.
	TestIsolation() bool

	Close() error
}

// NewBackend picks the backend for the configured kind. "auto" prefers
// containerd on Linux, then Docker, then the in-process starlark backend so
// the gate still works on hosts without a container runtime.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	kind := cfg.Sandbox.Backend
	if kind == "" {
		kind = "auto"
	}

	switch kind {
	case "containerd":
		return newContainerdBackend(ctx, cfg)
	case "docker":
		return newDockerBackend(cfg)
	case "process":
		return newProcessBackend(cfg)
	case "starlark":
		return NewStarlarkBackend(), nil
	case "auto":
		if runtime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(cfg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}
		log.Warn().Err(err).Msg("Docker unavailable, falling back to in-process starlark backend")

		return NewStarlarkBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, docker, process, or starlark", kind)
	}
}

func newContainerdBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	backend, err := NewContainerdBackend(ctx, client, cfg.Sandbox.Image)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	cleaned, err := backend.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return backend, nil
}

func newDockerBackend(cfg *config.Config) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	return NewDockerBackend(cfg.Sandbox.Image), nil
}

func newProcessBackend(cfg *config.Config) (Backend, error) {
	python := cfg.Sandbox.PythonBinary
	if python == "" {
		python = "python3"
	}
	if _, err := exec.LookPath(python); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", python, err)
	}
	return NewProcessBackend(python), nil
}
