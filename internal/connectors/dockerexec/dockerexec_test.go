package dockerexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/fentz26/runbox/internal/connectors"
	"github.com/fentz26/runbox/internal/models"
)

// fakeDocker answers the subcommands the runtime uses and appends every
// invocation to $FAKE_DOCKER_LOG.
const fakeDocker = `#!/bin/sh
echo "ARGS $*" >> "$FAKE_DOCKER_LOG"
case "$1" in
create)
  echo "ENV TASK_INPUT=$TASK_INPUT" >> "$FAKE_DOCKER_LOG"
  echo "c0ffee"
  ;;
start) ;;
wait) echo 3 ;;
logs)
  echo "booting"
  echo '{"success":true}'
  echo "warning: diagnostics" >&2
  ;;
kill)
  echo "Error response from daemon: Container $2 is not running" >&2
  exit 1
  ;;
rm)
  echo "Error response from daemon: No such container: $4" >&2
  exit 1
  ;;
ps)
  echo '{"ID":"abc123","Names":"runbox-t1-a1","Image":"alpine:3.20","State":"running","Status":"Up 2 seconds","Labels":"runbox.managed=true,runbox.task_id=t1","CreatedAt":"2026-10-16 09:30:00 +0000 UTC"}'
  ;;
esac
`

func newFakeDocker(t *testing.T) (*Docker, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake docker binary is a shell script")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "docker")
	if err := os.WriteFile(bin, []byte(fakeDocker), 0o755); err != nil {
		t.Fatalf("write fake docker: %v", err)
	}
	logPath := filepath.Join(dir, "calls.log")
	t.Setenv("FAKE_DOCKER_LOG", logPath)
	return New(bin), logPath
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(data)
}

func TestIsAllowed(t *testing.T) {
	d := New("")

	tests := []struct {
		args    []string
		allowed bool
	}{
		{[]string{"create", "alpine"}, true},
		{[]string{"rm", "--force", "x"}, true},
		{[]string{"ps", "--all"}, true},
		{[]string{"exec", "x", "sh"}, false},
		{[]string{"run", "alpine"}, false},
		{[]string{"system", "prune"}, false},
		{[]string{}, false},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			if got := d.IsAllowed(tt.args); got != tt.allowed {
				t.Errorf("IsAllowed(%v) = %v, want %v", tt.args, got, tt.allowed)
			}
		})
	}
}

func TestName(t *testing.T) {
	if got := New("").Name(); got != "dockerexec" {
		t.Errorf("Expected name 'dockerexec', got %s", got)
	}
}

func TestCreatePassesLimitsAndHidesInput(t *testing.T) {
	d, logPath := newFakeDocker(t)

	id, err := d.Create(context.Background(), connectors.ContainerSpec{
		Name:      "runbox-t1-a1",
		Image:     "alpine:3.20",
		Env:       map[string]string{"TASK_ID": "t1", "TASK_INPUT": `{"secret":"s3cr3t"}`},
		Labels:    map[string]string{"runbox.managed": "true", "runbox.task_id": "t1"},
		Limits:    models.ResourceLimits{CPUShare: 0.5, MemoryMB: 256, TimeoutSec: 10},
		PidsLimit: 64,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id != "c0ffee" {
		t.Errorf("Expected container id c0ffee, got %q", id)
	}

	calls := readLog(t, logPath)
	for _, want := range []string{
		"--name runbox-t1-a1",
		"--label runbox.managed=true",
		"--label runbox.task_id=t1",
		"--network none",
		"--read-only",
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--cpus 0.5",
		"--memory 256m",
		"--pids-limit 64",
		"--env TASK_INPUT",
		`ENV TASK_INPUT={"secret":"s3cr3t"}`,
	} {
		if !strings.Contains(calls, want) {
			t.Errorf("Expected %q in docker invocation:\n%s", want, calls)
		}
	}
	argsLine := strings.SplitN(calls, "\n", 2)[0]
	if strings.Contains(argsLine, "s3cr3t") {
		t.Error("Input must not appear in the docker argument list")
	}
}

func TestWaitLogsKillRemove(t *testing.T) {
	d, _ := newFakeDocker(t)
	ctx := context.Background()

	code, err := d.Wait(ctx, "c0ffee")
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if code != 3 {
		t.Errorf("Expected exit code 3, got %d", code)
	}

	out, err := d.Logs(ctx, "c0ffee", 0)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out.Stdout), `{"success":true}`) {
		t.Errorf("Unexpected stdout %q", out.Stdout)
	}
	if !strings.Contains(out.Stderr, "diagnostics") {
		t.Errorf("Unexpected stderr %q", out.Stderr)
	}

	// Killing an exited container and removing a missing one are no-ops.
	if err := d.Kill(ctx, "c0ffee"); err != nil {
		t.Errorf("Kill failed: %v", err)
	}
	if err := d.Remove(ctx, "c0ffee"); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
}

func TestLogsKeepsTail(t *testing.T) {
	d, _ := newFakeDocker(t)

	out, err := d.Logs(context.Background(), "c0ffee", 20)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if !out.Truncated {
		t.Error("Expected truncated output")
	}
	if !strings.Contains(out.Stdout, `{"success":true}`) {
		t.Errorf("Expected final line to survive truncation, got %q", out.Stdout)
	}
}

func TestList(t *testing.T) {
	d, logPath := newFakeDocker(t)

	containers, err := d.List(context.Background(), map[string]string{"runbox.managed": "true"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(containers) != 1 {
		t.Fatalf("Expected 1 container, got %d", len(containers))
	}
	c := containers[0]
	if c.Name != "runbox-t1-a1" || c.State != "running" {
		t.Errorf("Unexpected container %+v", c)
	}
	if c.Labels["runbox.task_id"] != "t1" {
		t.Errorf("Expected task label, got %v", c.Labels)
	}
	if c.CreatedAt.IsZero() {
		t.Error("Expected parsed creation time")
	}
	if !strings.Contains(readLog(t, logPath), "--filter label=runbox.managed=true") {
		t.Error("Expected label filter in ps invocation")
	}
}

func TestMissingBinary(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "no-such-docker"))
	_, err := d.Create(context.Background(), connectors.ContainerSpec{Name: "x", Image: "alpine"})
	if err == nil {
		t.Fatal("Expected error for missing binary")
	}
	if errors.Is(err, connectors.ErrContainerNotFound) {
		t.Error("Missing binary must not look like a missing container")
	}
}
