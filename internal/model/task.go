package model

import "time"

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskPending  TaskState = "pending"
	TaskRunning  TaskState = "running"
	TaskFinished TaskState = "finished"
	TaskFailed   TaskState = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s TaskState) Terminal() bool {
	return s == TaskFinished || s == TaskFailed
}

// HandleRole distinguishes the handle whose outcome decides the task result
// from auxiliary handles.
type HandleRole string

const (
	RoleUnset     HandleRole = ""
	RolePrimary   HandleRole = "primary"
	RoleSecondary HandleRole = "secondary"
)

// TaskDetails is the observable state of a task. Output is kept separately.
type TaskDetails struct {
	ID         string     `json:"id"`
	Command    string     `json:"command"`
	AppName    string     `json:"app_name"`
	State      TaskState  `json:"state"`
	StartTime  time.Time  `json:"start_time"`
	FinishTime *time.Time `json:"finish_time,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Cancelled  bool       `json:"cancelled,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (d TaskDetails) Clone() TaskDetails {
	c := d
	if d.FinishTime != nil {
		t := *d.FinishTime
		c.FinishTime = &t
	}
	if d.ExitCode != nil {
		code := *d.ExitCode
		c.ExitCode = &code
	}
	if d.Warnings != nil {
		c.Warnings = append([]string(nil), d.Warnings...)
	}
	return c
}

// Duration returns how long the task ran, or has been running.
func (d TaskDetails) Duration() time.Duration {
	if d.FinishTime != nil {
		return d.FinishTime.Sub(d.StartTime)
	}
	return time.Since(d.StartTime)
}

// SecondaryFailurePolicy decides what a failing secondary handle does to its task.
type SecondaryFailurePolicy string

const (
	// PolicyLog records the failure as a warning only.
	PolicyLog SecondaryFailurePolicy = "log"
	// PolicyEscalate fails the task if it has not finished yet.
	PolicyEscalate SecondaryFailurePolicy = "escalate"
	// PolicyEscalateRetroactive also flips an already finished task to failed.
	PolicyEscalateRetroactive SecondaryFailurePolicy = "escalate_retroactive"
)
