package model

import (
	"time"

	"github.com/google/uuid"
)

// Capability is a permission a user may hold on an app.
type Capability string

const (
	CapView   Capability = "view"
	CapLogs   Capability = "logs"
	CapShell  Capability = "shell"
	CapManage Capability = "manage"
)

// ShellSession is an interactive exec session inside a service container.
type ShellSession struct {
	ID           uuid.UUID     `json:"id"`
	AppName      string        `json:"app_name"`
	ServiceName  string        `json:"service_name"`
	UserID       string        `json:"user_id"`
	ShellPath    string        `json:"shell_path"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	TTL          time.Duration `json:"ttl"`
}

// Expired reports whether the session outlived its ttl or sat idle too long.
// An idle timeout of zero disables the idle check.
func (s ShellSession) Expired(now time.Time, idle time.Duration) bool {
	if s.TTL > 0 && now.After(s.CreatedAt.Add(s.TTL)) {
		return true
	}
	return idle > 0 && now.After(s.LastActivity.Add(idle))
}

// ShellSessionInfo is the subset of a shell session used for authorization.
type ShellSessionInfo struct {
	AppName     string `json:"app_name"`
	ServiceName string `json:"service_name"`
	UserID      string `json:"user_id"`
}

// LogStreamOptions selects what a log stream returns.
type LogStreamOptions struct {
	Follow     bool       `json:"follow"`
	Tail       int        `json:"tail"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	Timestamps bool       `json:"timestamps"`
}

// LogStreamSession describes a running or ended container log stream.
type LogStreamSession struct {
	ID          string           `json:"id"`
	AppName     string           `json:"app_name"`
	ServiceName string           `json:"service_name"`
	OwnerID     string           `json:"owner_id"`
	Options     LogStreamOptions `json:"options"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	EndReason   EndReason        `json:"end_reason,omitempty"`
}

// EndReason explains why a stream stopped producing output.
type EndReason string

const (
	EndCompleted           EndReason = "completed"
	EndStopped             EndReason = "stopped"
	EndContainerStopped    EndReason = "container stopped"
	EndServiceNotFound     EndReason = "service not found"
	EndContainerNotRunning EndReason = "container not running"
	EndDaemonUnavailable   EndReason = "daemon unavailable"
	EndStreamClosed        EndReason = "stream closed"
	EndExpired             EndReason = "expired"
	EndExited              EndReason = "exited"
)

// EndReasonFor maps a runtime error onto the stream end reason reported to clients.
func EndReasonFor(err error) EndReason {
	switch CodeOf(err) {
	case CodeServiceNotFound:
		return EndServiceNotFound
	case CodeContainerNotRunning:
		return EndContainerNotRunning
	case CodeDaemonUnavailable:
		return EndDaemonUnavailable
	default:
		return EndStreamClosed
	}
}
