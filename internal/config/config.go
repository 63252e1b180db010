// Package config loads the runbox daemon configuration: listener and storage
// settings, worker pool tuning, the plan table and the worker image registry.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/runbox/internal/models"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FreePlan is the tier every owner without an active subscription falls back to.
const FreePlan = "free"

var defaultConfigFilenames = []string{
	"runbox.yaml",
	"runbox.yml",
	"runbox.toml",
}

var taskTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Duration is a time.Duration that reads "30s" style strings from YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	DBPath     string `yaml:"db_path" toml:"db_path"`
	// APIKey authenticates the HTTP API. Empty disables authentication.
	APIKey   string `yaml:"api_key" toml:"api_key"`
	LogLevel string `yaml:"log_level" toml:"log_level"`

	Processor ProcessorConfig `yaml:"processor" toml:"processor"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Sandbox   SandboxConfig   `yaml:"sandbox" toml:"sandbox"`

	Plans   Plans    `yaml:"plans" toml:"plans"`
	Workers Registry `yaml:"workers" toml:"workers"`
}

// ProcessorConfig tunes the worker slots.
type ProcessorConfig struct {
	Slots           int      `yaml:"slots" toml:"slots"`
	PollInterval    Duration `yaml:"poll_interval" toml:"poll_interval"`
	StoreRetries    int      `yaml:"store_retries" toml:"store_retries"`
	StoreRetryDelay Duration `yaml:"store_retry_delay" toml:"store_retry_delay"`
}

// QueueConfig tunes retry and crash recovery of the execution queue.
type QueueConfig struct {
	MaxAttempts       int      `yaml:"max_attempts" toml:"max_attempts"`
	BackoffBase       Duration `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMax        Duration `yaml:"backoff_max" toml:"backoff_max"`
	VisibilityTimeout Duration `yaml:"visibility_timeout" toml:"visibility_timeout"`
	// ReapSchedule is a cron spec for returning expired leases to the queue.
	ReapSchedule string `yaml:"reap_schedule" toml:"reap_schedule"`
}

// SandboxConfig configures the container runtime.
type SandboxConfig struct {
	DockerBinary   string   `yaml:"docker_binary" toml:"docker_binary"`
	Network        string   `yaml:"network" toml:"network"`
	PidsLimit      int      `yaml:"pids_limit" toml:"pids_limit"`
	MaxOutputBytes int      `yaml:"max_output_bytes" toml:"max_output_bytes"`
	CleanupTimeout Duration `yaml:"cleanup_timeout" toml:"cleanup_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		ListenAddr: "127.0.0.1:7480",
		DBPath:     filepath.Join(homeDir, ".runbox", "runbox.db"),
		LogLevel:   "info",
		Processor: ProcessorConfig{
			Slots:           4,
			PollInterval:    Duration{time.Second},
			StoreRetries:    3,
			StoreRetryDelay: Duration{200 * time.Millisecond},
		},
		Queue: QueueConfig{
			MaxAttempts:       3,
			BackoffBase:       Duration{2 * time.Second},
			BackoffMax:        Duration{time.Minute},
			VisibilityTimeout: Duration{2 * time.Minute},
			ReapSchedule:      "@every 30s",
		},
		Sandbox: SandboxConfig{
			DockerBinary:   "docker",
			Network:        "none",
			PidsLimit:      128,
			MaxOutputBytes: 1 << 20,
			CleanupTimeout: Duration{30 * time.Second},
		},
		Plans:   DefaultPlans(),
		Workers: DefaultRegistry(),
	}
}

// ResolvePath picks the config file: explicit flag, then $RUNBOX_CONFIG, then
// a well-known filename in the working directory. Empty means none.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("RUNBOX_CONFIG"); env != "" {
		return env
	}
	for _, name := range defaultConfigFilenames {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load reads the file at path over the defaults and validates the result.
// An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Tables from the file replace the defaults wholesale so an operator can
	// drop a plan or worker type.
	cfg.Plans = nil
	cfg.Workers = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	if len(cfg.Plans) == 0 {
		cfg.Plans = DefaultPlans()
	}
	if len(cfg.Workers) == 0 {
		cfg.Workers = DefaultRegistry()
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration and fills plan names from their keys.
func (c *Config) Validate() error {
	var errs []error
	if c.Processor.Slots <= 0 {
		errs = append(errs, fmt.Errorf("processor.slots must be positive, got %d", c.Processor.Slots))
	}
	if c.Processor.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("processor.poll_interval must be positive"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts))
	}
	if c.Queue.VisibilityTimeout.Duration <= 0 {
		errs = append(errs, errors.New("queue.visibility_timeout must be positive"))
	}
	if strings.TrimSpace(c.Sandbox.DockerBinary) == "" {
		errs = append(errs, errors.New("sandbox.docker_binary is required"))
	}
	if err := c.Plans.validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Workers.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Plans maps plan names to their limits.
type Plans map[string]models.PlanLimits

// DefaultPlans returns the built-in tiers.
func DefaultPlans() Plans {
	return Plans{
		FreePlan: {
			TasksPerMonth:  100,
			MaxConcurrent:  1,
			MaxDurationSec: 30,
			CPUShare:       0.5,
			MemoryMB:       256,
		},
		"pro": {
			TasksPerMonth:  5000,
			MaxConcurrent:  5,
			MaxDurationSec: 300,
			CPUShare:       1,
			MemoryMB:       1024,
			AllowOverage:   true,
			OverageRate:    0.002,
		},
		"enterprise": {
			TasksPerMonth:  models.UnlimitedTasks,
			MaxConcurrent:  25,
			MaxDurationSec: 3600,
			CPUShare:       2,
			MemoryMB:       4096,
			AllowOverage:   true,
		},
	}
}

// Resolve returns the named plan, falling back to the free tier for unknown
// names. The free tier must exist, which Validate guarantees.
func (p Plans) Resolve(planName string) models.PlanLimits {
	if limits, ok := p[planName]; ok {
		limits.Name = planName
		return limits
	}
	limits := p[FreePlan]
	limits.Name = FreePlan
	return limits
}

// Names returns the plan names sorted.
func (p Plans) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (p Plans) validate() error {
	if _, ok := p[FreePlan]; !ok {
		return fmt.Errorf("plans: %q tier is required", FreePlan)
	}
	var errs []error
	for planName, limits := range p {
		if limits.TasksPerMonth < models.UnlimitedTasks {
			errs = append(errs, fmt.Errorf("plans.%s: tasks_per_month must be -1 (unlimited) or >= 0", planName))
		}
		if limits.MaxConcurrent <= 0 {
			errs = append(errs, fmt.Errorf("plans.%s: max_concurrent must be positive", planName))
		}
		if limits.MaxDurationSec <= 0 {
			errs = append(errs, fmt.Errorf("plans.%s: max_duration_sec must be positive", planName))
		}
		if limits.CPUShare <= 0 || limits.MemoryMB <= 0 {
			errs = append(errs, fmt.Errorf("plans.%s: cpu_share and memory_mb must be positive", planName))
		}
		limits.Name = planName
		p[planName] = limits
	}
	if p[FreePlan].AllowOverage {
		errs = append(errs, fmt.Errorf("plans.%s: overage is not allowed on the free tier", FreePlan))
	}
	return errors.Join(errs...)
}

// WorkerImage is one entry of the task type registry.
type WorkerImage struct {
	Image string `yaml:"image" toml:"image"`
	// Limits optionally narrows the plan's limits for this worker type.
	// Zero fields inherit from the plan.
	Limits models.ResourceLimits `yaml:"limits" toml:"limits"`
}

// Registry maps task types to worker images. It is loaded once at startup
// and passed to the components that need it.
type Registry map[string]WorkerImage

// DefaultRegistry returns the built-in worker types.
func DefaultRegistry() Registry {
	return Registry{
		"math-worker": {Image: "ghcr.io/fentz26/runbox-workers/math:latest"},
		"text-worker": {Image: "ghcr.io/fentz26/runbox-workers/text:latest"},
		"http-worker": {
			Image:  "ghcr.io/fentz26/runbox-workers/http:latest",
			Limits: models.ResourceLimits{MemoryMB: 512},
		},
	}
}

// Lookup returns the worker image registered for taskType.
func (r Registry) Lookup(taskType string) (WorkerImage, bool) {
	w, ok := r[taskType]
	return w, ok
}

// Types returns the registered task types sorted.
func (r Registry) Types() []string {
	types := make([]string, 0, len(r))
	for t := range r {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r Registry) validate() error {
	if len(r) == 0 {
		return errors.New("workers: at least one worker type is required")
	}
	var errs []error
	for taskType, w := range r {
		if !taskTypePattern.MatchString(taskType) {
			errs = append(errs, fmt.Errorf("workers: invalid task type %q", taskType))
		}
		if _, err := name.ParseReference(w.Image); err != nil {
			errs = append(errs, fmt.Errorf("workers.%s: invalid image reference %q: %w", taskType, w.Image, err))
		}
		if w.Limits.CPUShare < 0 || w.Limits.MemoryMB < 0 || w.Limits.TimeoutSec < 0 {
			errs = append(errs, fmt.Errorf("workers.%s: limits must not be negative", taskType))
		}
	}
	return errors.Join(errs...)
}
