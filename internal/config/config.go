package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"evolution-gate/internal/analyzer"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Controller ControllerConfig `yaml:"controller"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Security   SecurityConfig   `yaml:"security"`
	TLS        TLSConfig        `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type AnalyzerConfig struct {
	// Rules overrides the built-in rule set when any list is non-empty.
	Rules analyzer.RuleSet `yaml:"rules"`
}

type SandboxConfig struct {
	// Backend selects the execution backend: "auto" (default), "containerd",
	// "docker", "process", or "starlark".
	Backend          string `yaml:"backend"`
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
	// Image is the container image candidate units execute in.
	Image string `yaml:"image"`
	// PythonBinary is the interpreter used by the process backend.
	PythonBinary string `yaml:"python_binary"`
	// MaxConcurrent caps live sandbox instances across all workers.
	MaxConcurrent int `yaml:"max_concurrent"`
	// CreateRetries is how many times instance creation is retried before
	// the request fails with an environment error.
	CreateRetries int `yaml:"create_retries"`
	// Grace is added to a profile's wall clock before the watchdog
	// force-destroys a wedged instance.
	Grace time.Duration `yaml:"grace"`
}

type ControllerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// AuditBuffer sizes the background audit retry queue.
	AuditBuffer int `yaml:"audit_buffer"`
}

type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string for the audit trail. Empty
	// selects the in-memory store.
	DSN string `yaml:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > longest isolation wall clock + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Analyzer: AnalyzerConfig{
			Rules: analyzer.DefaultRuleSet(),
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "evolution-gate",
			Image:            "docker.io/library/python:3.12-alpine",
			PythonBinary:     "python3",
			MaxConcurrent:    32,
			CreateRetries:    2,
			Grace:            2 * time.Second,
		},
		Controller: ControllerConfig{
			Workers:     4,
			QueueSize:   256,
			AuditBuffer: 1024,
		},
		Database: DatabaseConfig{
			DSN: "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Backend {
	case "auto", "containerd", "docker", "process", "starlark":
	default:
		return fmt.Errorf("sandbox.backend must be auto, containerd, docker, process or starlark, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.CreateRetries < 0 {
		return fmt.Errorf("sandbox.create_retries must be >= 0")
	}
	if c.Controller.Workers < 1 {
		return fmt.Errorf("controller.workers must be >= 1")
	}
	if c.Controller.QueueSize < 1 {
		return fmt.Errorf("controller.queue_size must be >= 1")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Rules returns the analyzer rule set, falling back to the built-in posture
// when the config file left every list empty.
func (c *Config) Rules() analyzer.RuleSet {
	r := c.Analyzer.Rules
	if len(r.AllowedImports) == 0 && len(r.DeniedImports) == 0 && len(r.DangerousCalls) == 0 {
		return analyzer.DefaultRuleSet()
	}
	return r
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
