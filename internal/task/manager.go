// Package task tracks asynchronous operations against apps and their output.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/compose-paas/backend/internal/event"
	"github.com/compose-paas/backend/internal/logging"
	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/output"
)

// HistoryRecorder persists the details of tasks that reached a terminal state.
type HistoryRecorder interface {
	RecordTask(ctx context.Context, details model.TaskDetails) error
}

// Config holds configuration for the task manager.
type Config struct {
	MaxLines      int
	MaxLineLength int
	// Retention is how long a terminal task stays queryable. Zero keeps it
	// until Close.
	Retention time.Duration
	Policy    model.SecondaryFailurePolicy

	Publisher event.Publisher
	Recorder  HistoryRecorder
	Logger    *logrus.Entry
}

type task struct {
	details    model.TaskDetails
	handles    []*Handle
	hasPrimary bool
	retention  *time.Timer
}

// Manager owns every task and enforces at most one active task per app.
type Manager struct {
	mu          sync.RWMutex
	tasks       map[string]*task
	activeByApp map[string]string
	outputs     *output.Store

	retention time.Duration
	policy    model.SecondaryFailurePolicy
	publisher event.Publisher
	recorder  HistoryRecorder
	log       *logrus.Entry
	now       func() time.Time
}

// NewManager creates a new task manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = 10000
	}
	if cfg.Policy == "" {
		cfg.Policy = model.PolicyLog
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("task")
	}
	return &Manager{
		tasks:       make(map[string]*task),
		activeByApp: make(map[string]string),
		outputs:     output.NewStore(cfg.MaxLines, cfg.MaxLineLength),
		retention:   cfg.Retention,
		policy:      cfg.Policy,
		publisher:   cfg.Publisher,
		recorder:    cfg.Recorder,
		log:         cfg.Logger,
		now:         time.Now,
	}
}

// AddTask creates a pending task for appName. It fails with a Conflict error
// carrying the existing task id if the app already has an active task.
func (m *Manager) AddTask(command, appName string) (string, error) {
	if appName == "" {
		return "", model.ValidationError("app name is required")
	}
	if command == "" {
		return "", model.ValidationError("command is required")
	}

	m.mu.Lock()
	if existing, ok := m.activeByApp[appName]; ok {
		m.mu.Unlock()
		return "", model.Conflict(appName, existing)
	}

	id := uuid.New().String()
	t := &task{
		details: model.TaskDetails{
			ID:        id,
			Command:   command,
			AppName:   appName,
			State:     model.TaskPending,
			StartTime: m.now(),
		},
	}
	m.tasks[id] = t
	m.activeByApp[appName] = id
	m.outputs.Create(id)
	snapshot := t.details.Clone()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"task_id": id, "app": appName, "command": command}).Info("Task created")
	m.publishTask(snapshot)
	return id, nil
}

// AddTaskHandle registers h under the task. A handle without an explicit
// role becomes the primary if the task has none yet, otherwise a secondary.
// The first handle moves the task to running.
func (m *Manager) AddTaskHandle(taskID string, h *Handle) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return model.NotFound("task", taskID)
	}
	if t.details.State.Terminal() {
		m.mu.Unlock()
		h.Cancel()
		return model.NewError(model.CodeConflict, fmt.Sprintf("task %s is already %s", taskID, t.details.State)).
			WithDetail("task_id", taskID)
	}

	switch h.Role {
	case model.RoleUnset:
		if t.hasPrimary {
			h.Role = model.RoleSecondary
		} else {
			h.Role = model.RolePrimary
		}
	case model.RolePrimary:
		if t.hasPrimary {
			m.mu.Unlock()
			return model.NewError(model.CodeConflict, fmt.Sprintf("task %s already has a primary handle", taskID)).
				WithDetail("task_id", taskID)
		}
	}
	if h.Role == model.RolePrimary {
		t.hasPrimary = true
	}
	h.ID = fmt.Sprintf("%s-%d", h.Role, len(t.handles)+1)
	t.handles = append(t.handles, h)

	changed := t.details.State == model.TaskPending
	if changed {
		t.details.State = model.TaskRunning
	}
	snapshot := t.details.Clone()
	m.mu.Unlock()

	if changed {
		m.publishTask(snapshot)
	}
	return nil
}

// Go registers a goroutine-backed handle and starts fn. The primary's
// result finishes the task; a secondary's failure is handled per policy.
func (m *Manager) Go(ctx context.Context, taskID string, role model.HandleRole, fn RunFunc) (*Handle, error) {
	buf, ok := m.outputs.Get(taskID)
	if !ok {
		return nil, model.NotFound("task", taskID)
	}

	hctx, cancel := context.WithCancel(ctx)
	h := NewHandle(role, cancel)
	if err := m.AddTaskHandle(taskID, h); err != nil {
		cancel()
		return nil, err
	}

	go m.run(hctx, taskID, h, fn, &Writer{buf: buf})
	return h, nil
}

func (m *Manager) run(ctx context.Context, taskID string, h *Handle, fn RunFunc, w *Writer) {
	var (
		code int
		err  error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r}
				code = -1
			}
		}()
		code, err = fn(ctx, w)
	}()
	h.Cancel()
	h.finish(err)

	log := m.log.WithFields(logrus.Fields{"task_id": taskID, "handle": h.ID})

	if h.Role == model.RolePrimary {
		if err != nil {
			if code == 0 {
				code = -1
			}
			if !errors.Is(err, context.Canceled) {
				w.Linef(model.StreamStatusError, "%v", err)
			}
			log.WithError(err).Warn("Primary handle failed")
		}
		if ferr := m.SetTaskFinished(taskID, code); ferr != nil && !model.IsCode(ferr, model.CodeConflict) {
			log.WithError(ferr).Error("Failed to finish task")
		}
		return
	}

	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	m.secondaryFailed(taskID, h, err)
}

// SetTaskFinished moves the task to finished (exit code 0) or failed,
// cancels remaining handles and closes its output.
func (m *Manager) SetTaskFinished(taskID string, exitCode int) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return model.NotFound("task", taskID)
	}
	if t.details.State.Terminal() {
		state := t.details.State
		m.mu.Unlock()
		return model.NewError(model.CodeConflict, fmt.Sprintf("task %s is already %s", taskID, state)).
			WithDetail("task_id", taskID)
	}

	t.details.ExitCode = &exitCode
	if exitCode == 0 {
		t.details.State = model.TaskFinished
	} else {
		t.details.State = model.TaskFailed
	}
	handles := m.finishLocked(t)
	snapshot := t.details.Clone()
	m.mu.Unlock()

	if exitCode == 0 {
		m.closeOutput(taskID, model.StreamStatus, "Task finished successfully")
	} else {
		m.closeOutput(taskID, model.StreamStatusError, fmt.Sprintf("Task failed with exit code %d", exitCode))
	}
	m.afterFinish(snapshot, handles)
	return nil
}

// CancelTask aborts every handle of the task. The task ends failed and
// marked as cancelled.
func (m *Manager) CancelTask(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return model.NotFound("task", taskID)
	}
	if t.details.State.Terminal() {
		state := t.details.State
		m.mu.Unlock()
		return model.NewError(model.CodeConflict, fmt.Sprintf("task %s is already %s", taskID, state)).
			WithDetail("task_id", taskID)
	}

	t.details.State = model.TaskFailed
	t.details.Cancelled = true
	handles := m.finishLocked(t)
	snapshot := t.details.Clone()
	m.mu.Unlock()

	m.closeOutput(taskID, model.StreamStatusError, "Task cancelled")
	m.log.WithField("task_id", taskID).Info("Task cancelled")
	m.afterFinish(snapshot, handles)
	return nil
}

func (m *Manager) secondaryFailed(taskID string, h *Handle, cause error) {
	warning := fmt.Sprintf("%s handle failed: %v", h.ID, cause)

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.details.Warnings = append(t.details.Warnings, warning)

	var (
		handles   []*Handle
		escalated bool
	)
	switch {
	case m.policy == model.PolicyLog:
	case !t.details.State.Terminal():
		t.details.State = model.TaskFailed
		handles = m.finishLocked(t)
		escalated = true
	case m.policy == model.PolicyEscalateRetroactive && t.details.State == model.TaskFinished:
		t.details.State = model.TaskFailed
	}
	snapshot := t.details.Clone()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"task_id": taskID,
		"handle":  h.ID,
		"policy":  m.policy,
	}).WithError(cause).Warn("Secondary handle failed")

	if buf, ok := m.outputs.Get(taskID); ok {
		buf.Append(model.StreamStatusError, warning)
	}

	if escalated {
		m.closeOutput(taskID, model.StreamStatusError, "Task failed because a secondary handle failed")
		m.afterFinish(snapshot, handles)
		return
	}
	m.publishTask(snapshot)
	if snapshot.State.Terminal() {
		m.record(snapshot)
	}
}

// finishLocked releases the app lock, stamps the finish time and arms the
// retention timer. It returns the handles to cancel once the lock is dropped.
func (m *Manager) finishLocked(t *task) []*Handle {
	now := m.now()
	t.details.FinishTime = &now
	if m.activeByApp[t.details.AppName] == t.details.ID {
		delete(m.activeByApp, t.details.AppName)
	}
	if m.retention > 0 {
		id := t.details.ID
		t.retention = time.AfterFunc(m.retention, func() { m.remove(id) })
	}
	return append([]*Handle(nil), t.handles...)
}

func (m *Manager) afterFinish(details model.TaskDetails, handles []*Handle) {
	for _, h := range handles {
		h.Cancel()
	}
	m.log.WithFields(logrus.Fields{
		"task_id":   details.ID,
		"app":       details.AppName,
		"state":     details.State,
		"cancelled": details.Cancelled,
	}).Info("Task completed")
	m.publishTask(details)
	m.record(details)
}

func (m *Manager) closeOutput(taskID string, streamType model.StreamType, msg string) {
	if buf, ok := m.outputs.Get(taskID); ok {
		buf.Append(streamType, msg)
		buf.Close()
	}
}

func (m *Manager) record(details model.TaskDetails) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.recorder.RecordTask(ctx, details); err != nil {
		m.log.WithField("task_id", details.ID).WithError(err).Error("Failed to record task history")
	}
}

func (m *Manager) remove(taskID string) {
	m.mu.Lock()
	_, ok := m.tasks[taskID]
	delete(m.tasks, taskID)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.outputs.Remove(taskID)
	m.log.WithField("task_id", taskID).Debug("Task removed after retention")
	m.publishList()
}

func (m *Manager) publishTask(details model.TaskDetails) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(event.Event{Kind: event.KindTaskInfoUpdated, Task: &details}); err != nil {
		m.log.WithError(err).Debug("Failed to publish task update")
	}
	m.publishList()
}

func (m *Manager) publishList() {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(event.Event{Kind: event.KindTaskListUpdated, Tasks: m.List()}); err != nil {
		m.log.WithError(err).Debug("Failed to publish task list")
	}
}

// Get returns the details of a task.
func (m *Manager) Get(taskID string) (model.TaskDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return model.TaskDetails{}, model.NotFound("task", taskID)
	}
	return t.details.Clone(), nil
}

// List returns all known tasks, oldest first.
func (m *Manager) List() []model.TaskDetails {
	m.mu.RLock()
	list := make([]model.TaskDetails, 0, len(m.tasks))
	for _, t := range m.tasks {
		list = append(list, t.details.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartTime.Before(list[j].StartTime)
	})
	return list
}

// Output returns the output buffer of a task.
func (m *Manager) Output(taskID string) (*output.Buffer, error) {
	buf, ok := m.outputs.Get(taskID)
	if !ok {
		return nil, model.NotFound("task", taskID)
	}
	return buf, nil
}

// ReadOutput returns output lines of a task after since.
func (m *Manager) ReadOutput(taskID string, since uint64, limit int) (model.OutputPage, error) {
	page, err := m.outputs.ReadFrom(taskID, since, limit)
	if err != nil {
		return model.OutputPage{}, model.NotFound("task", taskID)
	}
	return page, nil
}

// ActiveTask returns the id of the active task of an app.
func (m *Manager) ActiveTask(appName string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.activeByApp[appName]
	return id, ok
}

// ActiveCount returns the number of pending or running tasks.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.activeByApp)
}

// EvictedLines returns how many output lines were dropped across all
// retained tasks.
func (m *Manager) EvictedLines() uint64 {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var total uint64
	for _, id := range ids {
		if buf, ok := m.outputs.Get(id); ok {
			total += buf.Evicted()
		}
	}
	return total
}

// Close cancels every running task and stops retention timers.
func (m *Manager) Close() {
	m.mu.RLock()
	var running []string
	for id, t := range m.tasks {
		if !t.details.State.Terminal() {
			running = append(running, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range running {
		_ = m.CancelTask(id)
	}

	m.mu.RLock()
	for _, t := range m.tasks {
		if t.retention != nil {
			t.retention.Stop()
		}
	}
	m.mu.RUnlock()
}
