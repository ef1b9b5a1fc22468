package mocks

import (
	"context"
	"io"
	"sync"

	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/runtime"
)

// MockRuntime is a mock implementation of runtime.Runtime for testing
type MockRuntime struct {
	ResolveContainerFunc func(ctx context.Context, appName, serviceName string) (runtime.Container, error)
	ContainerRunningFunc func(ctx context.Context, containerID string) (bool, error)
	ListServicesFunc     func(ctx context.Context, appName string) ([]runtime.ServiceState, error)
	ListAppsFunc         func(ctx context.Context) ([]string, error)
	LogsFunc             func(ctx context.Context, containerID string, opts model.LogStreamOptions) (*runtime.LogStream, error)
	ExecFunc             func(ctx context.Context, containerID string, opts runtime.ExecOptions) (runtime.Exec, error)
	PingFunc             func(ctx context.Context) error
}

var _ runtime.Runtime = (*MockRuntime)(nil)

// ResolveContainer calls the mock function
func (m *MockRuntime) ResolveContainer(ctx context.Context, appName, serviceName string) (runtime.Container, error) {
	if m.ResolveContainerFunc != nil {
		return m.ResolveContainerFunc(ctx, appName, serviceName)
	}
	return runtime.Container{ID: appName + "-" + serviceName + "-1", Name: appName + "-" + serviceName + "-1", Running: true}, nil
}

// ContainerRunning calls the mock function
func (m *MockRuntime) ContainerRunning(ctx context.Context, containerID string) (bool, error) {
	if m.ContainerRunningFunc != nil {
		return m.ContainerRunningFunc(ctx, containerID)
	}
	return true, nil
}

// ListServices calls the mock function
func (m *MockRuntime) ListServices(ctx context.Context, appName string) ([]runtime.ServiceState, error) {
	if m.ListServicesFunc != nil {
		return m.ListServicesFunc(ctx, appName)
	}
	return nil, nil
}

// ListApps calls the mock function
func (m *MockRuntime) ListApps(ctx context.Context) ([]string, error) {
	if m.ListAppsFunc != nil {
		return m.ListAppsFunc(ctx)
	}
	return nil, nil
}

// Logs calls the mock function
func (m *MockRuntime) Logs(ctx context.Context, containerID string, opts model.LogStreamOptions) (*runtime.LogStream, error) {
	if m.LogsFunc != nil {
		return m.LogsFunc(ctx, containerID, opts)
	}
	stdout, stdoutW := io.Pipe()
	stdoutW.Close()
	stderr, stderrW := io.Pipe()
	stderrW.Close()
	return runtime.NewLogStream(stdout, stderr, nil), nil
}

// Exec calls the mock function
func (m *MockRuntime) Exec(ctx context.Context, containerID string, opts runtime.ExecOptions) (runtime.Exec, error) {
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, containerID, opts)
	}
	return NewExec(), nil
}

// Ping calls the mock function
func (m *MockRuntime) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// Close does nothing
func (m *MockRuntime) Close() error {
	return nil
}

// Exec is an in-memory exec process. Tests write process output with
// Output, read what the process received with Input and end it with Exit.
type Exec struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu       sync.Mutex
	input    []byte
	sizes    [][2]uint
	exitCode int
	exited   bool
	closed   bool
	inputCh  chan struct{}
}

// NewExec creates an exec that runs until Exit or Close.
func NewExec() *Exec {
	r, w := io.Pipe()
	return &Exec{outR: r, outW: w, inputCh: make(chan struct{}, 1)}
}

func (e *Exec) Read(p []byte) (int, error) {
	return e.outR.Read(p)
}

func (e *Exec) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.exited {
		return 0, io.ErrClosedPipe
	}
	e.input = append(e.input, p...)
	select {
	case e.inputCh <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (e *Exec) Resize(_ context.Context, cols, rows uint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sizes = append(e.sizes, [2]uint{cols, rows})
	return nil
}

func (e *Exec) ExitCode(_ context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exited {
		return -1, model.NewError(model.CodeStreamClosed, "exec is still running")
	}
	return e.exitCode, nil
}

func (e *Exec) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.outW.Close()
}

// Output makes the process print data.
func (e *Exec) Output(data string) error {
	_, err := e.outW.Write([]byte(data))
	return err
}

// Exit ends the process with the given code.
func (e *Exec) Exit(code int) {
	e.mu.Lock()
	e.exitCode = code
	e.exited = true
	e.mu.Unlock()
	e.outW.Close()
}

// Input returns everything written to the process so far.
func (e *Exec) Input() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.input...)
}

// InputSignal fires after each write.
func (e *Exec) InputSignal() <-chan struct{} {
	return e.inputCh
}

// Sizes returns every geometry passed to Resize.
func (e *Exec) Sizes() [][2]uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][2]uint(nil), e.sizes...)
}

// Closed reports whether Close was called.
func (e *Exec) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// LogSource is an in-memory container log stream.
type LogSource struct {
	StdoutW *io.PipeWriter
	StderrW *io.PipeWriter
	Stream  *runtime.LogStream

	mu     sync.Mutex
	closed bool
}

// NewLogSource creates a log stream fed through its writers.
func NewLogSource() *LogSource {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	s := &LogSource{StdoutW: outW, StderrW: errW}
	s.Stream = runtime.NewLogStream(outR, errR, func() error {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		outR.Close()
		errR.Close()
		return nil
	})
	return s
}

// End closes both writers, as the daemon does when the container stops.
func (s *LogSource) End() {
	s.StdoutW.Close()
	s.StderrW.Close()
}

// Closed reports whether the consumer closed the stream.
func (s *LogSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
