package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/compose-paas/backend/internal/auth"
	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/task"
)

const defaultOutputLimit = 500

// Launcher starts a task for an app.
type Launcher interface {
	Launch(ctx context.Context, appName, command string) (string, error)
}

// HistoryStore reads finished tasks.
type HistoryStore interface {
	GetByID(ctx context.Context, id string) (model.TaskDetails, error)
	List(ctx context.Context, appName string, limit int) ([]model.TaskDetails, error)
}

// TaskHandler handles HTTP requests for task management.
type TaskHandler struct {
	tasks    *task.Manager
	launcher Launcher
	history  HistoryStore
	authz    auth.Authorizer
	// ctx outlives requests so tasks keep running after the response.
	ctx context.Context
}

// NewTaskHandler creates a new TaskHandler. history may be nil.
func NewTaskHandler(ctx context.Context, tasks *task.Manager, launcher Launcher, history HistoryStore, authz auth.Authorizer) *TaskHandler {
	return &TaskHandler{
		tasks:    tasks,
		launcher: launcher,
		history:  history,
		authz:    authz,
		ctx:      ctx,
	}
}

// RunTaskRequest represents the request body for running a task.
type RunTaskRequest struct {
	Command string `json:"command" binding:"required"`
}

// TaskStartedResponse is returned when a task was launched.
type TaskStartedResponse struct {
	TaskID  string `json:"task_id"`
	AppName string `json:"app_name"`
	Command string `json:"command"`
}

func (h *TaskHandler) allowed(c *gin.Context, appName string, capability model.Capability) bool {
	userID := getUserID(c)
	if h.authz.Authorize(userID, appName, capability) {
		return true
	}
	sendModelError(c, model.Forbidden(userID, appName, capability))
	return false
}

// Run handles POST /api/apps/:app/tasks - launches a compose command.
func (h *TaskHandler) Run(c *gin.Context) {
	appName := c.Param("app")
	var req RunTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, model.CodeValidation, "Invalid request body: "+err.Error())
		return
	}
	if !h.allowed(c, appName, model.CapManage) {
		return
	}

	id, err := h.launcher.Launch(h.ctx, appName, req.Command)
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, TaskStartedResponse{TaskID: id, AppName: appName, Command: req.Command})
}

// List handles GET /api/tasks - lists live tasks the user may view.
func (h *TaskHandler) List(c *gin.Context) {
	userID := getUserID(c)
	tasks := make([]model.TaskDetails, 0)
	for _, t := range h.tasks.List() {
		if h.authz.Authorize(userID, t.AppName, model.CapView) {
			tasks = append(tasks, t)
		}
	}
	c.JSON(http.StatusOK, tasks)
}

// Get handles GET /api/tasks/:id - gets a live task, falling back to the
// history.
func (h *TaskHandler) Get(c *gin.Context) {
	id := c.Param("id")
	details, err := h.tasks.Get(id)
	if err != nil && h.history != nil && model.IsCode(err, model.CodeNotFound) {
		details, err = h.history.GetByID(c.Request.Context(), id)
	}
	if err != nil {
		sendModelError(c, err)
		return
	}
	if !h.allowed(c, details.AppName, model.CapView) {
		return
	}
	c.JSON(http.StatusOK, details)
}

// Output handles GET /api/tasks/:id/output?since=&limit= - reads a page of
// task output.
func (h *TaskHandler) Output(c *gin.Context) {
	id := c.Param("id")
	details, err := h.tasks.Get(id)
	if err != nil {
		sendModelError(c, err)
		return
	}
	if !h.allowed(c, details.AppName, model.CapView) {
		return
	}

	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		sendError(c, http.StatusBadRequest, model.CodeValidation, "since must be a non-negative integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultOutputLimit)))
	if err != nil || limit <= 0 {
		sendError(c, http.StatusBadRequest, model.CodeValidation, "limit must be a positive integer")
		return
	}

	page, err := h.tasks.ReadOutput(id, since, limit)
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Cancel handles DELETE /api/tasks/:id - cancels a running task.
func (h *TaskHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	details, err := h.tasks.Get(id)
	if err != nil {
		sendModelError(c, err)
		return
	}
	if !h.allowed(c, details.AppName, model.CapManage) {
		return
	}
	if err := h.tasks.CancelTask(id); err != nil {
		sendModelError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// History handles GET /api/tasks/history?app=&limit= - lists finished tasks.
func (h *TaskHandler) History(c *gin.Context) {
	if h.history == nil {
		sendError(c, http.StatusNotFound, model.CodeNotFound, "Task history is disabled")
		return
	}
	appName := c.Query("app")
	limit, _ := strconv.Atoi(c.Query("limit"))

	if appName != "" && !h.allowed(c, appName, model.CapView) {
		return
	}
	tasks, err := h.history.List(c.Request.Context(), appName, limit)
	if err != nil {
		sendModelError(c, err)
		return
	}

	userID := getUserID(c)
	visible := make([]model.TaskDetails, 0, len(tasks))
	for _, t := range tasks {
		if h.authz.Authorize(userID, t.AppName, model.CapView) {
			visible = append(visible, t)
		}
	}
	c.JSON(http.StatusOK, visible)
}

// RegisterRoutes registers the task handler routes on a Gin router group.
func (h *TaskHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/apps/:app/tasks", h.Run)
	tasks := rg.Group("/tasks")
	{
		tasks.GET("", h.List)
		tasks.GET("/history", h.History)
		tasks.GET("/:id", h.Get)
		tasks.GET("/:id/output", h.Output)
		tasks.DELETE("/:id", h.Cancel)
	}
}
