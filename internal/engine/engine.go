// Package engine drives the container engine through its CLI binary. The
// Engine interface covers exactly the operations the desktop lifecycle needs:
// existence/running queries by name, create/start/stop/remove, named volume
// creation, exec inside a running container, and recent log retrieval.
package engine

import (
	"context"
	"io"
	"time"
)

// State is the observed container state.
type State string

const (
	// StateAbsent means no container with the managed name exists.
	StateAbsent State = "absent"
	// StateStopped means the container exists but is not running.
	StateStopped State = "stopped"
	// StateRunning means the container is running.
	StateRunning State = "running"
)

// Status describes one observed container.
type Status struct {
	State State
	ID    string
	Image string
}

// PortMap publishes one container port on the host.
type PortMap struct {
	HostIP        string
	HostPort      int
	ContainerPort int
}

// VolumeMount mounts a named volume into the container.
type VolumeMount struct {
	Volume string
	Target string
}

// CreateSpec describes a detached container to create and run.
type CreateSpec struct {
	Name    string
	Image   string
	Ports   []PortMap
	Volumes []VolumeMount
	Env     map[string]string
	Labels  map[string]string
}

// ExecSpec describes a command to run inside a running container.
type ExecSpec struct {
	Command    []string
	Env        map[string]string
	User       string
	WorkingDir string
	// Stdin enables interactive input when non-nil.
	Stdin io.Reader
	// Stdout/Stderr stream output when non-nil; otherwise output is captured
	// into the ExecResult.
	Stdout io.Writer
	Stderr io.Writer
	// Timeout bounds the exec; zero means no bound beyond the context.
	Timeout time.Duration
}

// ExecResult reports a finished exec. A non-zero ExitCode is not an error at
// this layer; callers decide what exit codes mean.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Started  time.Time
	Finished time.Time
}

// Engine is the container engine contract. Implementations normalize "not
// found" so Inspect reports StateAbsent and Remove/Stop are idempotent.
type Engine interface {
	// Ping verifies the engine daemon answers.
	Ping(ctx context.Context) error
	// Inspect reports the state of the named container.
	Inspect(ctx context.Context, name string) (Status, error)
	// Create creates and starts a detached container, returning its ID.
	Create(ctx context.Context, spec CreateSpec) (string, error)
	// Start starts an existing stopped container.
	Start(ctx context.Context, name string) error
	// Stop stops a running container within timeout.
	Stop(ctx context.Context, name string, timeout time.Duration) error
	// Remove removes a container; force removes running containers too.
	Remove(ctx context.Context, name string, force bool) error
	// EnsureVolume creates the named volume if it does not exist.
	EnsureVolume(ctx context.Context, name string) error
	// Exec runs a command inside the named running container.
	Exec(ctx context.Context, name string, spec ExecSpec) (ExecResult, error)
	// TailLogs returns up to limit recent container log lines.
	TailLogs(ctx context.Context, name string, limit int) (string, error)
	// ImageExists reports whether the image is present locally.
	ImageExists(ctx context.Context, image string) (bool, error)
}
