package compose

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/compose-paas/backend/internal/event"
	"github.com/compose-paas/backend/internal/logging"
	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/runtime"
	"github.com/compose-paas/backend/internal/task"
)

// CommandFactory builds the process for a compose invocation.
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd

// Config holds configuration for the executor.
type Config struct {
	// Binary is the docker CLI, "docker" by default.
	Binary string
	// ComposeDir holds one directory per app with its compose file.
	ComposeDir string
	DockerHost string
	// PollInterval is how often the service watcher checks container states.
	PollInterval time.Duration

	Runtime   runtime.Runtime
	Tasks     *task.Manager
	Publisher event.Publisher
	Logger    *logrus.Entry
}

// Executor launches compose operations as tasks. Each task has the compose
// process as its primary handle and a service watcher as a secondary handle.
type Executor struct {
	cfg     Config
	command CommandFactory
	log     *logrus.Entry
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("compose")
	}
	return &Executor{
		cfg:     cfg,
		command: exec.CommandContext,
		log:     cfg.Logger,
	}
}

// Launch starts command for appName and returns the task id. It fails with
// Conflict when the app already has an active task.
func (e *Executor) Launch(ctx context.Context, appName, command string) (string, error) {
	if err := ValidateAppName(appName); err != nil {
		return "", err
	}
	cmd, err := ParseCommand(command)
	if err != nil {
		return "", err
	}

	taskID, err := e.cfg.Tasks.AddTask(string(cmd), appName)
	if err != nil {
		return "", err
	}

	if _, err := e.cfg.Tasks.Go(ctx, taskID, model.RolePrimary, e.runCompose(appName, cmd)); err != nil {
		e.abort(taskID, err)
		return "", err
	}
	if e.cfg.Runtime != nil {
		if _, err := e.cfg.Tasks.Go(ctx, taskID, model.RoleSecondary, e.watchServices(appName)); err != nil {
			e.log.WithField("task_id", taskID).WithError(err).Warn("Failed to start service watcher")
		}
	}

	e.log.WithFields(logrus.Fields{
		"task_id": taskID,
		"app":     appName,
		"command": cmd,
	}).Info("Compose task launched")
	return taskID, nil
}

// abort cancels a task whose primary handle could not be started.
func (e *Executor) abort(taskID string, cause error) {
	log := e.log.WithField("task_id", taskID)
	log.WithError(cause).Error("Failed to start compose process")
	if err := e.cfg.Tasks.CancelTask(taskID); err != nil {
		log.WithError(err).Warn("Failed to cancel task")
	}
}

// runCompose runs docker compose and streams its output into the task.
func (e *Executor) runCompose(appName string, cmd Command) task.RunFunc {
	return func(ctx context.Context, w *task.Writer) (int, error) {
		args := append([]string{"compose", "--project-name", appName}, cmd.Args()...)
		c := e.command(ctx, e.cfg.Binary, args...)
		if e.cfg.ComposeDir != "" {
			c.Dir = filepath.Join(e.cfg.ComposeDir, appName)
		}
		if e.cfg.DockerHost != "" {
			env := c.Env
			if env == nil {
				env = os.Environ()
			}
			c.Env = append(env, "DOCKER_HOST="+e.cfg.DockerHost)
		}

		stdout, err := c.StdoutPipe()
		if err != nil {
			return -1, fmt.Errorf("failed to open stdout: %w", err)
		}
		stderr, err := c.StderrPipe()
		if err != nil {
			return -1, fmt.Errorf("failed to open stderr: %w", err)
		}

		w.Linef(model.StreamInfo, "$ %s %s", e.cfg.Binary, strings.Join(args, " "))
		if err := c.Start(); err != nil {
			return -1, fmt.Errorf("failed to start %s: %w", e.cfg.Binary, err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go copyLines(&wg, stdout, w, model.StreamStdout)
		go copyLines(&wg, stderr, w, model.StreamStderr)
		wg.Wait()

		code, err := wait(c)
		e.refreshApps(context.WithoutCancel(ctx))
		if err != nil {
			return code, err
		}
		if ctx.Err() != nil {
			return code, ctx.Err()
		}
		return code, nil
	}
}

func copyLines(wg *sync.WaitGroup, r io.Reader, w *task.Writer, streamType model.StreamType) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		w.Line(streamType, scanner.Text())
	}
}

// wait waits for the process to exit and returns the exit code.
// Returns -1 if the process was killed by a signal.
func wait(c *exec.Cmd) (int, error) {
	err := c.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// watchServices reports container state changes of the app as progress
// lines until the task ends.
func (e *Executor) watchServices(appName string) task.RunFunc {
	return func(ctx context.Context, w *task.Writer) (int, error) {
		ticker := time.NewTicker(e.cfg.PollInterval)
		defer ticker.Stop()

		seen := make(map[string]string)
		for {
			if err := e.reportServices(ctx, appName, w, seen); err != nil {
				if ctx.Err() != nil {
					return 0, nil
				}
				return 0, err
			}
			select {
			case <-ctx.Done():
				return 0, nil
			case <-ticker.C:
			}
		}
	}
}

func (e *Executor) reportServices(ctx context.Context, appName string, w *task.Writer, seen map[string]string) error {
	states, err := e.cfg.Runtime.ListServices(ctx, appName)
	if err != nil {
		return err
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Service < states[j].Service })
	for _, s := range states {
		if seen[s.Service] == s.State {
			continue
		}
		seen[s.Service] = s.State
		w.Linef(model.StreamProgress, "%s: %s (%s)", s.Service, s.State, s.Status)
	}
	return nil
}

// refreshApps publishes the current app list.
func (e *Executor) refreshApps(ctx context.Context) {
	if e.cfg.Runtime == nil || e.cfg.Publisher == nil {
		return
	}
	if err := e.RefreshApps(ctx); err != nil {
		e.log.WithError(err).Warn("Failed to refresh app list")
	}
}

// RefreshApps lists the apps known to the runtime and broadcasts them.
func (e *Executor) RefreshApps(ctx context.Context) error {
	if e.cfg.Publisher == nil {
		return nil
	}
	apps, err := e.cfg.Runtime.ListApps(ctx)
	if err != nil {
		return err
	}
	sort.Strings(apps)
	return e.cfg.Publisher.Publish(event.Event{Kind: event.KindAppListUpdated, Apps: apps})
}
