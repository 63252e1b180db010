// Package dockerexec implements connectors.Runtime on top of the docker CLI.
// Only an allowlisted set of subcommands is ever executed.
package dockerexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/runbox/internal/connectors"
)

// allowedSubcommands is the strict allowlist of docker subcommands.
var allowedSubcommands = map[string]bool{
	"create": true,
	"start":  true,
	"wait":   true,
	"kill":   true,
	"logs":   true,
	"rm":     true,
	"ps":     true,
}

const psTimeLayout = "2006-01-02 15:04:05 -0700 MST"

// Docker drives containers through the docker (or a compatible) binary.
type Docker struct {
	binary string
}

// New creates a Docker runtime. An empty binary means "docker" on PATH.
func New(binary string) *Docker {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "docker"
	}
	return &Docker{binary: binary}
}

// Name returns the runtime identifier.
func (d *Docker) Name() string {
	return "dockerexec"
}

// IsAllowed checks if a docker invocation is in the allowlist.
func (d *Docker) IsAllowed(args []string) bool {
	if len(args) == 0 {
		return false
	}
	return allowedSubcommands[args[0]]
}

type result struct {
	stdout    []byte
	stderr    []byte
	exitCode  int
	truncated bool
}

// run executes one docker command. extraEnv is appended to the process
// environment so values never show up in the argument list.
func (d *Docker) run(ctx context.Context, args []string, extraEnv []string, maxBytes int) (*result, error) {
	if !d.IsAllowed(args) {
		return nil, fmt.Errorf("docker command not allowed: %s", strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, d.binary, args...)
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	stdout := &tailBuffer{max: maxBytes}
	stderr := &tailBuffer{max: maxBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := &result{
		stdout:    stdout.Bytes(),
		stderr:    stderr.Bytes(),
		truncated: stdout.truncated || stderr.truncated,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.exitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("docker %s: %w", args[0], err)
	}
	return res, nil
}

// check turns a non-zero CLI exit into an error.
func check(args []string, res *result) error {
	if res.exitCode == 0 {
		return nil
	}
	msg := strings.TrimSpace(string(res.stderr))
	if isNotFound(msg) {
		return fmt.Errorf("docker %s: %w", args[0], connectors.ErrContainerNotFound)
	}
	return fmt.Errorf("docker %s exited with status %d: %s", args[0], res.exitCode, msg)
}

func isNotFound(stderr string) bool {
	return strings.Contains(stderr, "No such container") || strings.Contains(stderr, "no such container")
}

// Create creates a stopped, locked-down container.
func (d *Docker) Create(ctx context.Context, spec connectors.ContainerSpec) (string, error) {
	args := []string{"create", "--name", spec.Name}

	labelKeys := sortedKeys(spec.Labels)
	for _, k := range labelKeys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	network := spec.Network
	if network == "" {
		network = "none"
	}
	args = append(args,
		"--network", network,
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	)
	if spec.Limits.CPUShare > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.Limits.CPUShare, 'f', -1, 64))
	}
	if spec.Limits.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.Limits.MemoryMB))
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(spec.PidsLimit))
	}

	var env []string
	for _, k := range sortedKeys(spec.Env) {
		// "--env KEY" makes the CLI copy the value from its own environment.
		args = append(args, "--env", k)
		env = append(env, k+"="+spec.Env[k])
	}
	args = append(args, spec.Image)

	res, err := d.run(ctx, args, env, 0)
	if err != nil {
		return "", err
	}
	if err := check(args, res); err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(res.stdout))
	if id == "" {
		return "", errors.New("docker create returned no container id")
	}
	return id, nil
}

// Start starts a created container.
func (d *Docker) Start(ctx context.Context, id string) error {
	args := []string{"start", id}
	res, err := d.run(ctx, args, nil, 0)
	if err != nil {
		return err
	}
	return check(args, res)
}

// Wait blocks until the container exits and returns its exit code.
func (d *Docker) Wait(ctx context.Context, id string) (int, error) {
	args := []string{"wait", id}
	res, err := d.run(ctx, args, nil, 0)
	if err != nil {
		return -1, err
	}
	if err := check(args, res); err != nil {
		return -1, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(res.stdout)))
	if err != nil {
		return -1, fmt.Errorf("parse exit code %q: %w", strings.TrimSpace(string(res.stdout)), err)
	}
	return code, nil
}

// Kill sends SIGKILL to the container.
func (d *Docker) Kill(ctx context.Context, id string) error {
	args := []string{"kill", id}
	res, err := d.run(ctx, args, nil, 0)
	if err != nil {
		return err
	}
	if res.exitCode != 0 && strings.Contains(string(res.stderr), "is not running") {
		return nil
	}
	return check(args, res)
}

// Logs returns the container's stdout and stderr.
func (d *Docker) Logs(ctx context.Context, id string, maxBytes int) (*connectors.Output, error) {
	args := []string{"logs", id}
	res, err := d.run(ctx, args, nil, maxBytes)
	if err != nil {
		return nil, err
	}
	if err := check(args, res); err != nil {
		return nil, err
	}
	return &connectors.Output{
		Stdout:    string(res.stdout),
		Stderr:    string(res.stderr),
		Truncated: res.truncated,
	}, nil
}

// Remove force-removes the container and its anonymous volumes.
func (d *Docker) Remove(ctx context.Context, id string) error {
	args := []string{"rm", "--force", "--volumes", id}
	res, err := d.run(ctx, args, nil, 0)
	if err != nil {
		return err
	}
	if err := check(args, res); err != nil {
		if errors.Is(err, connectors.ErrContainerNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// psEntry is one line of `docker ps --format '{{json .}}'`.
type psEntry struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	Image     string `json:"Image"`
	State     string `json:"State"`
	Status    string `json:"Status"`
	Labels    string `json:"Labels"`
	CreatedAt string `json:"CreatedAt"`
}

// List returns containers, running or not, that carry every given label.
func (d *Docker) List(ctx context.Context, labels map[string]string) ([]connectors.ContainerInfo, error) {
	args := []string{"ps", "--all", "--no-trunc", "--format", "{{json .}}"}
	for _, k := range sortedKeys(labels) {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}

	res, err := d.run(ctx, args, nil, 0)
	if err != nil {
		return nil, err
	}
	if err := check(args, res); err != nil {
		return nil, err
	}

	var containers []connectors.ContainerInfo
	scanner := bufio.NewScanner(bytes.NewReader(res.stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e psEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parse docker ps output: %w", err)
		}
		info := connectors.ContainerInfo{
			ID:     e.ID,
			Name:   e.Names,
			Image:  e.Image,
			State:  e.State,
			Status: e.Status,
			Labels: parseLabels(e.Labels),
		}
		if t, err := time.Parse(psTimeLayout, e.CreatedAt); err == nil {
			info.CreatedAt = t.UTC()
		}
		containers = append(containers, info)
	}
	return containers, scanner.Err()
}

func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		labels[k] = v
	}
	return labels
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tailBuffer keeps the last max bytes written so the final result line of
// a chatty container survives. max <= 0 means no cap.
type tailBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if b.max > 0 && len(b.buf) > b.max {
		drop := len(b.buf) - b.max
		b.buf = append(b.buf[:0], b.buf[drop:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	return b.buf
}
