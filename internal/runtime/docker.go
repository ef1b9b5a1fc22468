package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/compose-paas/backend/internal/logging"
	"github.com/compose-paas/backend/internal/model"
)

// DockerConfig holds configuration for the Docker runtime.
type DockerConfig struct {
	// Host overrides DOCKER_HOST when set.
	Host string
	// CallTimeout bounds every non-streaming API call.
	CallTimeout time.Duration
	Logger      *logrus.Entry
}

// Docker implements Runtime using the Docker SDK
type Docker struct {
	cli     *client.Client
	timeout time.Duration
	log     *logrus.Entry
}

// NewDocker creates a Docker runtime from the environment.
func NewDocker(cfg DockerConfig) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("runtime")
	}
	return &Docker{cli: cli, timeout: cfg.CallTimeout, log: cfg.Logger}, nil
}

func (d *Docker) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

// classify maps SDK errors onto the model error codes.
func classify(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return model.DaemonUnavailable(err)
	case errors.Is(err, context.DeadlineExceeded):
		return model.WrapError(err, model.CodeUpstream, what+" timed out")
	case errors.Is(err, context.Canceled):
		return model.WrapError(err, model.CodeStreamClosed, what+" cancelled")
	case client.IsErrNotFound(err):
		return model.WrapError(err, model.CodeNotFound, what+": not found")
	default:
		return model.WrapError(err, model.CodeUpstream, what+" failed")
	}
}

func serviceFilter(appName, serviceName string) filters.Args {
	args := filters.NewArgs(filters.Arg("label", LabelProject+"="+appName))
	if serviceName != "" {
		args.Add("label", LabelService+"="+serviceName)
	}
	return args
}

// ResolveContainer finds the container of a compose service, preferring a
// running one.
func (d *Docker) ResolveContainer(ctx context.Context, appName, serviceName string) (Container, error) {
	ctx, cancel := d.call(ctx)
	defer cancel()

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: serviceFilter(appName, serviceName),
	})
	if err != nil {
		return Container{}, classify(err, "container list")
	}
	if len(containers) == 0 {
		return Container{}, model.ServiceNotFound(appName, serviceName)
	}

	chosen := containers[0]
	for _, c := range containers {
		if c.State == "running" {
			chosen = c
			break
		}
	}

	inspect, err := d.cli.ContainerInspect(ctx, chosen.ID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Container{}, model.ServiceNotFound(appName, serviceName)
		}
		return Container{}, classify(err, "container inspect")
	}

	c := Container{ID: chosen.ID}
	if len(chosen.Names) > 0 {
		c.Name = strings.TrimPrefix(chosen.Names[0], "/")
	}
	if inspect.State != nil {
		c.Running = inspect.State.Running
	}
	if inspect.Config != nil {
		c.TTY = inspect.Config.Tty
	}
	return c, nil
}

// ContainerRunning checks if a container is running
func (d *Docker) ContainerRunning(ctx context.Context, containerID string) (bool, error) {
	ctx, cancel := d.call(ctx)
	defer cancel()

	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, classify(err, "container inspect")
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// ListServices returns the state of every service container of an app.
func (d *Docker) ListServices(ctx context.Context, appName string) ([]ServiceState, error) {
	ctx, cancel := d.call(ctx)
	defer cancel()

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: serviceFilter(appName, ""),
	})
	if err != nil {
		return nil, classify(err, "container list")
	}

	states := make([]ServiceState, 0, len(containers))
	for _, c := range containers {
		states = append(states, ServiceState{
			Service:     c.Labels[LabelService],
			ContainerID: c.ID,
			State:       c.State,
			Status:      c.Status,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Service < states[j].Service })
	return states, nil
}

// ListApps returns the names of all compose projects with containers.
func (d *Docker) ListApps(ctx context.Context) ([]string, error) {
	ctx, cancel := d.call(ctx)
	defer cancel()

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelProject)),
	})
	if err != nil {
		return nil, classify(err, "container list")
	}

	seen := make(map[string]struct{})
	var apps []string
	for _, c := range containers {
		name := c.Labels[LabelProject]
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		apps = append(apps, name)
	}
	sort.Strings(apps)
	return apps, nil
}

// Logs opens the container log stream and demultiplexes it unless the
// container runs with a TTY.
func (d *Docker) Logs(ctx context.Context, containerID string, opts model.LogStreamOptions) (*LogStream, error) {
	ictx, cancel := d.call(ctx)
	inspect, err := d.cli.ContainerInspect(ictx, containerID)
	cancel()
	if err != nil {
		return nil, classify(err, "container inspect")
	}

	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
		Tail:       "all",
	}
	if opts.Tail > 0 {
		logOpts.Tail = strconv.Itoa(opts.Tail)
	}
	if opts.Since != nil {
		logOpts.Since = opts.Since.Format(time.RFC3339Nano)
	}
	if opts.Until != nil {
		logOpts.Until = opts.Until.Format(time.RFC3339Nano)
	}

	rc, err := d.cli.ContainerLogs(ctx, containerID, logOpts)
	if err != nil {
		return nil, classify(err, "container logs")
	}

	if inspect.Config != nil && inspect.Config.Tty {
		return NewLogStream(rc, strings.NewReader(""), rc.Close), nil
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, rc)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return NewLogStream(stdoutR, stderrR, func() error {
		stdoutR.Close()
		stderrR.Close()
		return rc.Close()
	}), nil
}

// Exec creates an exec instance and attaches to it.
func (d *Docker) Exec(ctx context.Context, containerID string, opts ExecOptions) (Exec, error) {
	cctx, cancel := d.call(ctx)
	defer cancel()

	execOpts := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          opts.TTY,
		Env:          opts.Env,
		Cmd:          opts.Cmd,
	}
	startOpts := container.ExecStartOptions{Tty: opts.TTY}
	if opts.Cols > 0 && opts.Rows > 0 {
		size := [2]uint{opts.Rows, opts.Cols}
		execOpts.ConsoleSize = &size
		startOpts.ConsoleSize = &size
	}

	created, err := d.cli.ContainerExecCreate(cctx, containerID, execOpts)
	if err != nil {
		return nil, classify(err, "exec create")
	}

	// The attach connection must outlive the call timeout.
	resp, err := d.cli.ContainerExecAttach(context.WithoutCancel(ctx), created.ID, startOpts)
	if err != nil {
		return nil, classify(err, "exec attach")
	}

	var out io.Reader = resp.Reader
	if !opts.TTY {
		pr, pw := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(pw, pw, resp.Reader)
			pw.CloseWithError(err)
		}()
		out = pr
	}

	return &dockerExec{d: d, id: created.ID, resp: resp, out: out}, nil
}

type dockerExec struct {
	d    *Docker
	id   string
	resp types.HijackedResponse
	out  io.Reader
}

func (e *dockerExec) Read(p []byte) (int, error) {
	return e.out.Read(p)
}

func (e *dockerExec) Write(p []byte) (int, error) {
	return e.resp.Conn.Write(p)
}

func (e *dockerExec) Resize(ctx context.Context, cols, rows uint) error {
	ctx, cancel := e.d.call(ctx)
	defer cancel()
	return classify(e.d.cli.ContainerExecResize(ctx, e.id, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	}), "exec resize")
}

func (e *dockerExec) ExitCode(ctx context.Context) (int, error) {
	ctx, cancel := e.d.call(ctx)
	defer cancel()

	inspect, err := e.d.cli.ContainerExecInspect(ctx, e.id)
	if err != nil {
		return -1, classify(err, "exec inspect")
	}
	if inspect.Running {
		return -1, model.NewError(model.CodeStreamClosed, "exec is still running")
	}
	return inspect.ExitCode, nil
}

func (e *dockerExec) Close() error {
	e.resp.Close()
	return nil
}

// Ping checks that the daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	ctx, cancel := d.call(ctx)
	defer cancel()
	_, err := d.cli.Ping(ctx)
	return classify(err, "ping")
}

// Close closes the Docker client connection
func (d *Docker) Close() error {
	return d.cli.Close()
}
