package ws

import (
	"encoding/json"
	"time"

	"github.com/compose-paas/backend/internal/model"
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	TypeAuthenticate          MessageType = "Authenticate"
	TypePing                  MessageType = "Ping"
	TypeStartTaskOutputStream MessageType = "StartTaskOutputStream"
	TypeStopTaskOutputStream  MessageType = "StopTaskOutputStream"
	TypeStartLogStream        MessageType = "StartLogStream"
	TypeStopLogStream         MessageType = "StopLogStream"
	TypeCreateShellSession    MessageType = "CreateShellSession"
	TypeAttachShellSession    MessageType = "AttachShellSession"
	TypeResizeShell           MessageType = "ResizeShell"
	TypeCloseShellSession     MessageType = "CloseShellSession"
	TypeRunTask               MessageType = "RunTask"
	TypeCancelTask            MessageType = "CancelTask"

	// Server -> Client message types
	TypeAuthenticationSuccess   MessageType = "AuthenticationSuccess"
	TypeAuthenticationFailed    MessageType = "AuthenticationFailed"
	TypePong                    MessageType = "Pong"
	TypeError                   MessageType = "Error"
	TypeTaskOutputStreamStarted MessageType = "TaskOutputStreamStarted"
	TypeTaskOutputData          MessageType = "TaskOutputData"
	TypeTaskOutputStreamEnded   MessageType = "TaskOutputStreamEnded"
	TypeLogsStreamStarted       MessageType = "LogsStreamStarted"
	TypeLogsStreamData          MessageType = "LogsStreamData"
	TypeLogsStreamEnded         MessageType = "LogsStreamEnded"
	TypeLogsStreamError         MessageType = "LogsStreamError"
	TypeShellSessionCreated     MessageType = "ShellSessionCreated"
	TypeShellSessionData        MessageType = "ShellSessionData"
	TypeShellSessionEnded       MessageType = "ShellSessionEnded"
	TypeTaskStarted             MessageType = "TaskStarted"
	TypeAppListUpdated          MessageType = "AppListUpdated"
	TypeTaskListUpdated         MessageType = "TaskListUpdated"
	TypeTaskInfoUpdated         MessageType = "TaskInfoUpdated"
)

// Message is the envelope of every JSON text frame.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode builds a text frame for the given payload.
func Encode(msgType MessageType, data interface{}) ([]byte, error) {
	msg := Message{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// Client -> Server payloads

type AuthenticateRequest struct {
	Token string `json:"token"`
}

type StartTaskOutputStreamRequest struct {
	TaskID        string `json:"task_id"`
	FromBeginning bool   `json:"from_beginning"`
	// SinceSequence resumes after the last line the client has seen. It is
	// ignored when FromBeginning is set.
	SinceSequence uint64 `json:"since_sequence,omitempty"`
}

type StopTaskOutputStreamRequest struct {
	TaskID string `json:"task_id"`
}

type StartLogStreamRequest struct {
	AppName     string     `json:"app_name"`
	ServiceName string     `json:"service_name"`
	Follow      bool       `json:"follow"`
	Tail        int        `json:"tail,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
	Timestamps  bool       `json:"timestamps,omitempty"`
}

type StopLogStreamRequest struct {
	StreamID string `json:"stream_id"`
}

type CreateShellSessionRequest struct {
	AppName     string `json:"app_name"`
	ServiceName string `json:"service_name"`
	ShellPath   string `json:"shell_path"`
	Cols        uint   `json:"cols,omitempty"`
	Rows        uint   `json:"rows,omitempty"`
}

type AttachShellSessionRequest struct {
	SessionID     string `json:"session_id"`
	SinceSequence uint64 `json:"since_sequence,omitempty"`
}

type ResizeShellRequest struct {
	SessionID string `json:"session_id"`
	Cols      uint   `json:"cols"`
	Rows      uint   `json:"rows"`
}

type CloseShellSessionRequest struct {
	SessionID string `json:"session_id"`
}

type RunTaskRequest struct {
	AppName string `json:"app_name"`
	Command string `json:"command"`
}

type CancelTaskRequest struct {
	TaskID string `json:"task_id"`
}

// Server -> Client payloads

type AuthenticationSuccess struct {
	UserID string `json:"user_id"`
}

type AuthenticationFailed struct {
	Message string `json:"message"`
}

// ErrorData reports a failed request. The identifier fields name the object
// the failure refers to, when there is one.
type ErrorData struct {
	Code        model.ErrorCode `json:"code"`
	Message     string          `json:"message"`
	Transient   bool            `json:"transient"`
	Request     MessageType     `json:"request,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	StreamID    string          `json:"stream_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	AppName     string          `json:"app_name,omitempty"`
	ServiceName string          `json:"service_name,omitempty"`
}

// NewErrorData converts err into an Error payload.
func NewErrorData(request MessageType, err error) ErrorData {
	e, ok := model.AsError(err)
	if !ok {
		e = model.WrapError(err, model.CodeInternal, err.Error())
	}
	return ErrorData{
		Code:        e.Code,
		Message:     e.Message,
		Transient:   e.Transient,
		Request:     request,
		TaskID:      e.Detail("task_id"),
		StreamID:    e.Detail("stream_id"),
		SessionID:   e.Detail("session_id"),
		AppName:     e.Detail("app_name"),
		ServiceName: e.Detail("service_name"),
	}
}

type TaskOutputStreamStarted struct {
	TaskID     string `json:"task_id"`
	TotalLines uint64 `json:"total_lines"`
}

type TaskOutputData struct {
	TaskID       string             `json:"task_id"`
	Lines        []model.OutputLine `json:"lines"`
	IsHistorical bool               `json:"is_historical"`
	HasMore      bool               `json:"has_more"`
	Missed       uint64             `json:"missed,omitempty"`
}

type TaskOutputStreamEnded struct {
	TaskID string `json:"task_id"`
}

type LogsStreamStarted struct {
	StreamID    string `json:"stream_id"`
	AppName     string `json:"app_name"`
	ServiceName string `json:"service_name"`
	Follow      bool   `json:"follow"`
}

type LogsStreamData struct {
	StreamID string             `json:"stream_id"`
	Lines    []model.OutputLine `json:"lines"`
	Dropped  uint64             `json:"dropped,omitempty"`
}

type LogsStreamEnded struct {
	StreamID string          `json:"stream_id"`
	Reason   model.EndReason `json:"reason"`
}

type LogsStreamError struct {
	StreamID string          `json:"stream_id"`
	Error    string          `json:"error"`
	Code     model.ErrorCode `json:"code"`
	Reason   model.EndReason `json:"reason"`
}

type ShellSessionCreated struct {
	SessionID   string `json:"session_id"`
	AppName     string `json:"app_name"`
	ServiceName string `json:"service_name"`
	Attached    bool   `json:"attached,omitempty"`
}

type ShellSessionData struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Sequence  uint64 `json:"sequence"`
}

type ShellSessionEnded struct {
	SessionID string          `json:"session_id"`
	ExitCode  *int            `json:"exit_code"`
	Reason    model.EndReason `json:"reason"`
}

type TaskStarted struct {
	TaskID  string `json:"task_id"`
	AppName string `json:"app_name"`
	Command string `json:"command"`
}

type AppListUpdated struct {
	Apps []string `json:"apps"`
}

type TaskListUpdated struct {
	Tasks []model.TaskDetails `json:"tasks"`
}

type TaskInfoUpdated struct {
	Task model.TaskDetails `json:"task"`
}

// TypeShellInput names binary shell input frames in Error payloads.
const TypeShellInput MessageType = "ShellInput"
