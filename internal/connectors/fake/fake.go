// Package fake provides an in-memory connectors.Runtime for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/runbox/internal/connectors"
)

// Behavior scripts what a container started from an image does.
type Behavior struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Delay before the container exits. Negative means it runs until killed.
	Delay time.Duration
	// Script, when set, computes stdout and the exit code from the
	// container's environment.
	Script func(env map[string]string) (stdout string, exitCode int)

	CreateErr error
	StartErr  error
	WaitErr   error
}

type container struct {
	id       string
	spec     connectors.ContainerSpec
	behavior Behavior
	state    string
	exitCode int
	stdout   string
	done     chan struct{}
}

// exit stops c. The caller holds f.mu.
func (f *Runtime) exit(c *container, code int) {
	if c.state == "exited" {
		return
	}
	if c.state == "running" {
		f.running--
	}
	c.exitCode = code
	c.state = "exited"
	close(c.done)
}

// Runtime is a scripted container runtime.
type Runtime struct {
	mu         sync.Mutex
	behaviors  map[string]Behavior
	Default    Behavior
	containers map[string]*container
	seq        int
	created    int
	removed    int
	killed     int
	running    int
	maxRunning int
	history    []connectors.ContainerSpec
}

// New returns a runtime whose containers exit 0 immediately by default.
func New() *Runtime {
	return &Runtime{
		behaviors:  make(map[string]Behavior),
		containers: make(map[string]*container),
	}
}

// SetBehavior scripts containers created from image.
func (f *Runtime) SetBehavior(image string, b Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[image] = b
}

// Name returns the runtime identifier.
func (f *Runtime) Name() string { return "fake" }

// Create records the container.
func (f *Runtime) Create(_ context.Context, spec connectors.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.behaviors[spec.Image]
	if !ok {
		b = f.Default
	}
	if b.CreateErr != nil {
		return "", b.CreateErr
	}
	f.seq++
	f.created++
	f.history = append(f.history, spec)
	id := fmt.Sprintf("fake-%d", f.seq)
	f.containers[id] = &container{
		id:       id,
		spec:     spec,
		behavior: b,
		state:    "created",
		done:     make(chan struct{}),
	}
	return id, nil
}

// Start runs the scripted behavior.
func (f *Runtime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return connectors.ErrContainerNotFound
	}
	if c.behavior.StartErr != nil {
		return c.behavior.StartErr
	}
	c.state = "running"
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	code := c.behavior.ExitCode
	c.stdout = c.behavior.Stdout
	if c.behavior.Script != nil {
		c.stdout, code = c.behavior.Script(c.spec.Env)
	}
	switch {
	case c.behavior.Delay == 0:
		f.exit(c, code)
	case c.behavior.Delay > 0:
		time.AfterFunc(c.behavior.Delay, func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.exit(c, code)
		})
	}
	return nil
}

// Wait blocks until the container exits.
func (f *Runtime) Wait(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return -1, connectors.ErrContainerNotFound
	}
	if c.behavior.WaitErr != nil {
		return -1, c.behavior.WaitErr
	}
	select {
	case <-c.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return c.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill exits a running container with 137.
func (f *Runtime) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return connectors.ErrContainerNotFound
	}
	if c.state == "running" {
		f.killed++
		f.exit(c, 137)
	}
	return nil
}

// Logs returns the scripted output.
func (f *Runtime) Logs(_ context.Context, id string, maxBytes int) (*connectors.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, connectors.ErrContainerNotFound
	}
	out := &connectors.Output{Stdout: c.stdout, Stderr: c.behavior.Stderr}
	if maxBytes > 0 && len(out.Stdout) > maxBytes {
		out.Stdout = out.Stdout[len(out.Stdout)-maxBytes:]
		out.Truncated = true
	}
	return out, nil
}

// Remove deletes the container, killing it first.
func (f *Runtime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		for _, other := range f.containers {
			if other.spec.Name == id {
				c, ok = other, true
				break
			}
		}
	}
	if !ok {
		return nil
	}
	f.exit(c, 137)
	delete(f.containers, c.id)
	f.removed++
	return nil
}

// List returns containers carrying every label.
func (f *Runtime) List(_ context.Context, labels map[string]string) ([]connectors.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []connectors.ContainerInfo
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.spec.Labels[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		out = append(out, connectors.ContainerInfo{
			ID:     c.id,
			Name:   c.spec.Name,
			Image:  c.spec.Image,
			State:  c.state,
			Labels: c.spec.Labels,
		})
	}
	return out, nil
}

// Created returns how many containers were created.
func (f *Runtime) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Removed returns how many containers were removed.
func (f *Runtime) Removed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed
}

// Killed returns how many running containers were killed.
func (f *Runtime) Killed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// MaxRunning returns the most containers that were running at once.
func (f *Runtime) MaxRunning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

// Leaked returns how many containers still exist.
func (f *Runtime) Leaked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// Specs returns the spec of every container created, in order.
func (f *Runtime) Specs() []connectors.ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connectors.ContainerSpec(nil), f.history...)
}

// Plant adds a running container as if a previous process had left it.
func (f *Runtime) Plant(spec connectors.ContainerSpec) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.containers[id] = &container{id: id, spec: spec, state: "running", done: make(chan struct{})}
	f.running++
	return id
}
