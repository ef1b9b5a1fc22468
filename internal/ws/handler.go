package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/shell"
)

type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage) error

func (m *Messenger) routes() map[MessageType]handlerFunc {
	return map[MessageType]handlerFunc{
		TypeAuthenticate:          m.handleAuthenticate,
		TypePing:                  m.handlePing,
		TypeStartTaskOutputStream: m.handleStartTaskOutput,
		TypeStopTaskOutputStream:  m.handleStopTaskOutput,
		TypeStartLogStream:        m.handleStartLogStream,
		TypeStopLogStream:         m.handleStopLogStream,
		TypeCreateShellSession:    m.handleCreateShell,
		TypeAttachShellSession:    m.handleAttachShell,
		TypeResizeShell:           m.handleResizeShell,
		TypeCloseShellSession:     m.handleCloseShell,
		TypeRunTask:               m.handleRunTask,
		TypeCancelTask:            m.handleCancelTask,
	}
}

// handleText decodes a JSON frame and dispatches it. Only Authenticate and
// Ping are served before the handshake has completed.
func (m *Messenger) handleText(ctx context.Context, c *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.sendError(c, "", model.ValidationError("malformed message: %v", err))
		return
	}
	m.observe("in", msg.Type)

	handler, ok := m.handlers[msg.Type]
	if !ok {
		m.sendError(c, msg.Type, model.ValidationError("unknown message type '%s'", msg.Type))
		return
	}
	if !c.Authenticated() && msg.Type != TypeAuthenticate && msg.Type != TypePing {
		m.sendError(c, msg.Type, model.NewError(model.CodeUnauthorized, "authentication required"))
		return
	}

	if err := handler(ctx, c, msg.Data); err != nil {
		m.sendError(c, msg.Type, err)
	}
}

// handleBinary forwards a shell input frame. Malformed and oversized frames
// are rejected before the session is looked up or access is checked.
func (m *Messenger) handleBinary(c *Client, data []byte) {
	if m.cfg.Shells == nil {
		m.sendError(c, TypeShellInput, model.ValidationError("shell sessions are not available"))
		return
	}
	m.observe("in", TypeShellInput)

	id, payload, err := shell.ParseFrame(data, m.cfg.Shells.MaxInputSize())
	if err != nil {
		m.sendError(c, TypeShellInput, err)
		return
	}
	if !c.Authenticated() {
		m.sendError(c, TypeShellInput, model.NewError(model.CodeUnauthorized, "authentication required"))
		return
	}
	if err := m.shellAccess(c, id); err != nil {
		m.sendError(c, TypeShellInput, err)
		return
	}
	if err := m.cfg.Shells.SendInput(id, payload); err != nil {
		m.sendError(c, TypeShellInput, err)
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return model.ValidationError("message data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return model.ValidationError("malformed message data: %v", err)
	}
	return nil
}

// authorize fails with Forbidden unless the client's user holds capability
// on app.
func (m *Messenger) authorize(c *Client, appName string, capability model.Capability) error {
	if m.cfg.Authorizer == nil {
		return nil
	}
	user := c.UserID()
	if !m.cfg.Authorizer.Authorize(user, appName, capability) {
		m.log.WithFields(logrus.Fields{
			"user":       user,
			"app":        appName,
			"capability": capability,
		}).Info("Request denied")
		return model.Forbidden(user, appName, capability)
	}
	return nil
}

func (m *Messenger) handleAuthenticate(_ context.Context, c *Client, data json.RawMessage) error {
	var req AuthenticateRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if c.Authenticated() {
		return model.ValidationError("connection is already authenticated")
	}
	if m.cfg.Authenticator == nil {
		return model.NewError(model.CodeInternal, "authentication is not configured")
	}

	user, err := m.cfg.Authenticator.Authenticate(req.Token)
	if err != nil {
		m.log.WithField("client", c.ID()).WithError(err).Info("Authentication failed")
		m.send(c, TypeAuthenticationFailed, AuthenticationFailed{Message: "invalid credentials"})
		return nil
	}

	c.setUser(user)
	m.log.WithFields(logrus.Fields{"client": c.ID(), "user": user}).Debug("Client authenticated")
	m.send(c, TypeAuthenticationSuccess, AuthenticationSuccess{UserID: user})
	return nil
}

func (m *Messenger) handlePing(_ context.Context, c *Client, _ json.RawMessage) error {
	m.send(c, TypePong, nil)
	return nil
}

func (m *Messenger) handleStartTaskOutput(ctx context.Context, c *Client, data json.RawMessage) error {
	var req StartTaskOutputStreamRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.TaskID == "" {
		return model.ValidationError("task_id is required")
	}

	details, err := m.cfg.Tasks.Get(req.TaskID)
	if err != nil {
		return err
	}
	if err := m.authorize(c, details.AppName, model.CapView); err != nil {
		return err
	}
	buf, err := m.cfg.Tasks.Output(req.TaskID)
	if err != nil {
		return err
	}

	total := buf.TotalLines()
	since := req.SinceSequence
	switch {
	case req.FromBeginning:
		since = 0
	case since == 0 || since > total:
		since = total
	}

	key := taskKey(req.TaskID)
	sctx, cancel := context.WithCancel(ctx)
	if !c.subscribe(key, cancel) {
		cancel()
		return model.NewError(model.CodeConflict, "already subscribed to task output").
			WithDetail("task_id", req.TaskID)
	}

	m.send(c, TypeTaskOutputStreamStarted, TaskOutputStreamStarted{TaskID: req.TaskID, TotalLines: total})
	go m.pumpTaskOutput(sctx, c, req.TaskID, buf, since, total)
	return nil
}

func (m *Messenger) handleStopTaskOutput(_ context.Context, c *Client, data json.RawMessage) error {
	var req StopTaskOutputStreamRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if !c.unsubscribe(taskKey(req.TaskID)) {
		return model.NotFound("subscription", req.TaskID).WithDetail("task_id", req.TaskID)
	}
	m.send(c, TypeTaskOutputStreamEnded, TaskOutputStreamEnded{TaskID: req.TaskID})
	return nil
}

func (m *Messenger) handleStartLogStream(ctx context.Context, c *Client, data json.RawMessage) error {
	var req StartLogStreamRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.AppName == "" || req.ServiceName == "" {
		return model.ValidationError("app_name and service_name are required")
	}
	if err := m.authorize(c, req.AppName, model.CapLogs); err != nil {
		return err
	}

	st, err := m.cfg.Logs.Start(ctx, c.ID(), req.AppName, req.ServiceName, model.LogStreamOptions{
		Follow:     req.Follow,
		Tail:       req.Tail,
		Since:      req.Since,
		Until:      req.Until,
		Timestamps: req.Timestamps,
	})
	if err != nil {
		e, ok := model.AsError(err)
		if !ok {
			e = model.WrapError(err, model.CodeInternal, err.Error())
		}
		m.send(c, TypeLogsStreamError, LogsStreamError{
			StreamID: e.Detail("stream_id"),
			Error:    e.Message,
			Code:     e.Code,
			Reason:   model.EndReasonFor(err),
		})
		return nil
	}

	key := logKey(st.ID())
	sctx, cancel := context.WithCancel(ctx)
	if !c.subscribe(key, cancel) {
		cancel()
		m.cfg.Logs.Stop(st.ID())
		return nil
	}

	m.send(c, TypeLogsStreamStarted, LogsStreamStarted{
		StreamID:    st.ID(),
		AppName:     req.AppName,
		ServiceName: req.ServiceName,
		Follow:      req.Follow,
	})
	go m.pumpLogs(sctx, c, st)
	return nil
}

func (m *Messenger) handleStopLogStream(_ context.Context, c *Client, data json.RawMessage) error {
	var req StopLogStreamRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	st, ok := m.cfg.Logs.Get(req.StreamID)
	if !ok || st.OwnerID() != c.ID() {
		return model.NotFound("stream", req.StreamID)
	}
	// The pump reports the end once the stream has drained.
	return m.cfg.Logs.Stop(req.StreamID)
}

func (m *Messenger) handleCreateShell(ctx context.Context, c *Client, data json.RawMessage) error {
	var req CreateShellSessionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.AppName == "" || req.ServiceName == "" {
		return model.ValidationError("app_name and service_name are required")
	}
	if err := m.authorize(c, req.AppName, model.CapShell); err != nil {
		return err
	}

	sess, err := m.cfg.Shells.CreateSession(ctx, shell.CreateOptions{
		AppName:     req.AppName,
		ServiceName: req.ServiceName,
		ShellPath:   req.ShellPath,
		UserID:      c.UserID(),
		OwnerID:     c.ID(),
		Cols:        req.Cols,
		Rows:        req.Rows,
	})
	if err != nil {
		return err
	}

	return m.startShellPump(ctx, c, sess, 0, false)
}

func (m *Messenger) handleAttachShell(ctx context.Context, c *Client, data json.RawMessage) error {
	var req AttachShellSessionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	id, err := parseSessionID(req.SessionID)
	if err != nil {
		return err
	}
	info, err := m.cfg.Shells.GetSessionInfo(id)
	if err != nil {
		return err
	}
	if err := m.authorize(c, info.AppName, model.CapShell); err != nil {
		return err
	}

	sess, err := m.cfg.Shells.Attach(id, c.UserID(), c.ID())
	if err != nil {
		return err
	}
	return m.startShellPump(ctx, c, sess, req.SinceSequence, true)
}

func (m *Messenger) startShellPump(ctx context.Context, c *Client, sess *shell.Session, since uint64, attached bool) error {
	info := sess.Info()
	key := shellKey(info.ID.String())
	sctx, cancel := context.WithCancel(ctx)
	if !c.subscribe(key, cancel) {
		cancel()
		if !attached {
			m.cfg.Shells.CloseSession(info.ID)
		}
		return model.NewError(model.CodeConflict, "already attached to shell session").
			WithDetail("session_id", info.ID.String())
	}

	m.send(c, TypeShellSessionCreated, ShellSessionCreated{
		SessionID:   info.ID.String(),
		AppName:     info.AppName,
		ServiceName: info.ServiceName,
		Attached:    attached,
	})
	go m.pumpShell(sctx, c, sess, since)
	return nil
}

func (m *Messenger) handleResizeShell(ctx context.Context, c *Client, data json.RawMessage) error {
	var req ResizeShellRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	id, err := parseSessionID(req.SessionID)
	if err != nil {
		return err
	}
	if err := m.shellAccess(c, id); err != nil {
		return err
	}
	return m.cfg.Shells.ResizeSession(ctx, id, req.Cols, req.Rows)
}

func (m *Messenger) handleCloseShell(_ context.Context, c *Client, data json.RawMessage) error {
	var req CloseShellSessionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	id, err := parseSessionID(req.SessionID)
	if err != nil {
		return err
	}
	if err := m.shellAccess(c, id); err != nil {
		return err
	}
	return m.cfg.Shells.CloseSession(id)
}

// shellAccess checks that the client is the connection attached to the
// session, for the session's user, and still holds the shell capability on
// its app.
func (m *Messenger) shellAccess(c *Client, id uuid.UUID) error {
	info, err := m.cfg.Shells.GetSessionInfo(id)
	if err != nil {
		return err
	}
	if info.UserID != c.UserID() {
		return model.NewError(model.CodeForbidden, "shell session belongs to another user").
			WithDetail("session_id", id.String()).
			WithDetail("app_name", info.AppName)
	}
	if sess, ok := m.cfg.Shells.Get(id); !ok || sess.OwnerID() != c.ID() {
		return model.NewError(model.CodeForbidden, "shell session is attached to another connection").
			WithDetail("session_id", id.String()).
			WithDetail("app_name", info.AppName)
	}
	if err := m.authorize(c, info.AppName, model.CapShell); err != nil {
		if e, ok := model.AsError(err); ok {
			e.WithDetail("session_id", id.String())
		}
		return err
	}
	return nil
}

func parseSessionID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, model.ValidationError("invalid session id '%s'", s).WithDetail("session_id", s)
	}
	return id, nil
}

func (m *Messenger) handleRunTask(_ context.Context, c *Client, data json.RawMessage) error {
	var req RunTaskRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.AppName == "" || req.Command == "" {
		return model.ValidationError("app_name and command are required")
	}
	if err := m.authorize(c, req.AppName, model.CapManage); err != nil {
		return err
	}
	if m.cfg.Launcher == nil {
		return model.NewError(model.CodeInternal, "task execution is not configured")
	}

	// The task outlives the connection that started it.
	taskID, err := m.cfg.Launcher.Launch(m.ctx, req.AppName, req.Command)
	if err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"task_id": taskID,
		"app":     req.AppName,
		"command": req.Command,
		"user":    c.UserID(),
	}).Info("Task started")
	m.send(c, TypeTaskStarted, TaskStarted{TaskID: taskID, AppName: req.AppName, Command: req.Command})
	return nil
}

func (m *Messenger) handleCancelTask(_ context.Context, c *Client, data json.RawMessage) error {
	var req CancelTaskRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	details, err := m.cfg.Tasks.Get(req.TaskID)
	if err != nil {
		return err
	}
	if err := m.authorize(c, details.AppName, model.CapManage); err != nil {
		return err
	}
	return m.cfg.Tasks.CancelTask(req.TaskID)
}

func taskKey(id string) string  { return "task:" + id }
func logKey(id string) string   { return "logs:" + id }
func shellKey(id string) string { return "shell:" + id }
