// Package connectors defines the container runtime interface the sandbox
// runner drives.
package connectors

import (
	"context"
	"errors"
	"time"

	"github.com/fentz26/runbox/internal/models"
)

// ErrContainerNotFound is returned when the runtime has no such container.
var ErrContainerNotFound = errors.New("container not found")

// ContainerSpec describes one sandbox container.
type ContainerSpec struct {
	Name   string
	Image  string
	Env    map[string]string
	Labels map[string]string
	Limits models.ResourceLimits
	// Network is the network mode or name. "none" isolates the container.
	Network   string
	PidsLimit int
}

// ContainerInfo is the runtime's view of a container.
type ContainerInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	State     string            `json:"state"`
	Status    string            `json:"status"`
	Labels    map[string]string `json:"labels"`
	CreatedAt time.Time         `json:"created_at"`
}

// Output is the collected output of a container.
type Output struct {
	Stdout    string
	Stderr    string
	Truncated bool
}

// Runtime creates and controls containers.
type Runtime interface {
	// Name returns the runtime identifier.
	Name() string

	// Create creates a stopped container and returns its ID.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, id string) error

	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, id string) (int, error)

	// Kill sends SIGKILL. Killing an exited container is not an error.
	Kill(ctx context.Context, id string) error

	// Logs returns the container's output, capped at maxBytes per stream.
	Logs(ctx context.Context, id string, maxBytes int) (*Output, error)

	// Remove force-removes a container. Removing a missing container is not
	// an error.
	Remove(ctx context.Context, id string) error

	// List returns containers carrying all of the given labels.
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
}
