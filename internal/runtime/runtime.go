// Package runtime talks to the container runtime that hosts app services.
package runtime

import (
	"context"
	"io"
	"sync"

	"github.com/compose-paas/backend/internal/model"
)

// Labels set by docker compose on every service container.
const (
	LabelProject = "com.docker.compose.project"
	LabelService = "com.docker.compose.service"
)

// Runtime abstracts container operations for testing
type Runtime interface {
	// ResolveContainer finds the container backing a compose service. It
	// fails with ServiceNotFound when no container carries the labels.
	ResolveContainer(ctx context.Context, appName, serviceName string) (Container, error)
	ContainerRunning(ctx context.Context, containerID string) (bool, error)
	ListServices(ctx context.Context, appName string) ([]ServiceState, error)
	ListApps(ctx context.Context) ([]string, error)

	// Logs opens the log stream of a container. The stream lives as long as
	// ctx or until closed.
	Logs(ctx context.Context, containerID string, opts model.LogStreamOptions) (*LogStream, error)

	// Exec starts an interactive process inside a container.
	Exec(ctx context.Context, containerID string, opts ExecOptions) (Exec, error)

	Ping(ctx context.Context) error
	Close() error
}

// Container is a resolved service container.
type Container struct {
	ID      string
	Name    string
	Running bool
	TTY     bool
}

// ServiceState is the state of one service container of an app.
type ServiceState struct {
	Service     string `json:"service"`
	ContainerID string `json:"container_id"`
	State       string `json:"state"`
	Status      string `json:"status"`
}

// ExecOptions configures an interactive exec.
type ExecOptions struct {
	Cmd  []string
	TTY  bool
	Cols uint
	Rows uint
	Env  []string
}

// Exec is a running exec process. Read yields its output and Write feeds its
// stdin.
type Exec interface {
	io.Reader
	io.Writer
	Resize(ctx context.Context, cols, rows uint) error
	// ExitCode returns the exit code once the process has exited.
	ExitCode(ctx context.Context) (int, error)
	Close() error
}

// LogStream carries the demultiplexed output of a container log request.
type LogStream struct {
	Stdout io.Reader
	Stderr io.Reader

	closeOnce sync.Once
	closer    func() error
	closeErr  error
}

// NewLogStream creates a log stream whose Close calls closer.
func NewLogStream(stdout, stderr io.Reader, closer func() error) *LogStream {
	return &LogStream{Stdout: stdout, Stderr: stderr, closer: closer}
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *LogStream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}
